package core

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolStopped is returned when work is dispatched to a pool that is not running.
	ErrPoolStopped = errors.New("worker pool is not running")

	// ErrFrameInProgress is returned when RunFrame is entered while another frame runs.
	ErrFrameInProgress = errors.New("a frame is already in progress")
)

// ContractError describes a programmer error: a call the caller must never
// make, such as adding a stage twice or removing a task that was never added.
type ContractError struct {
	Op     string
	Detail string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("%s: contract violation: %s", e.Op, e.Detail)
}

// contract reports contract violations. With assertions enabled a violation
// panics with a *ContractError before any state is mutated. Without
// assertions the violation is logged and the call is ignored.
type contract struct {
	assertions bool
	logger     Logger
}

// violate always returns true so call sites can write
//
//	if missing { c.violate(...); return }
//
// or use it directly as a guard.
func (c contract) violate(op, format string, args ...any) bool {
	err := &ContractError{Op: op, Detail: fmt.Sprintf(format, args...)}
	if c.assertions {
		panic(err)
	}
	c.logger.Error("Ignoring call that violates the scheduler contract",
		F("op", op), F("error", err.Detail))
	return true
}
