package core

import (
	"fmt"
	"sync"
)

// GrantToken identifies one successful TryAcquire. It must be passed to
// exactly one of Release or Revoke.
type GrantToken struct {
	Handle
}

type resourceState struct {
	readers int
	writer  bool
}

type grant struct {
	access    AccessBlock
	instances []*TaskInstance
}

// ResourceArbiter decides which access blocks may hold grants at the same
// time. Write conflicts with every other access to the same resource; Read
// conflicts only with Write. It is the single synchronization point between
// the frame driver and completions arriving from workers.
type ResourceArbiter struct {
	mu        sync.Mutex
	resources map[ResourceID]*resourceState
	grants    *Arena[grant]

	acquired  uint64
	released  uint64
	conflicts uint64

	changed chan struct{}
}

// NewResourceArbiter creates an arbiter with an empty grant table.
func NewResourceArbiter() *ResourceArbiter {
	return &ResourceArbiter{
		resources: make(map[ResourceID]*resourceState),
		grants:    NewArena[grant](32),
		changed:   make(chan struct{}, 1),
	}
}

// TryAcquire registers grants for every access in block if none of them
// conflicts with an outstanding grant. The check and the registration happen
// under one lock. The block is expected to be normalized.
func (a *ResourceArbiter) TryAcquire(block AccessBlock) (GrantToken, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, acc := range block {
		st, ok := a.resources[acc.Resource]
		if !ok {
			continue
		}
		if st.writer || (acc.Mode == AccessWrite && st.readers > 0) {
			a.conflicts++
			return GrantToken{}, false
		}
	}

	for _, acc := range block {
		st, ok := a.resources[acc.Resource]
		if !ok {
			st = &resourceState{}
			a.resources[acc.Resource] = st
		}
		if acc.Mode == AccessWrite {
			st.writer = true
		} else {
			st.readers++
		}
	}

	a.acquired++
	return GrantToken{a.grants.Insert(grant{access: block})}, true
}

// AddInstance appends an instance to the batch carried by token.
func (a *ResourceArbiter) AddInstance(token GrantToken, inst *TaskInstance) {
	a.mu.Lock()
	defer a.mu.Unlock()

	g, ok := a.grants.Get(token.Handle)
	if !ok {
		panic(&ContractError{Op: "AddInstance", Detail: fmt.Sprintf("unknown grant %s", token.Handle)})
	}
	g.instances = append(g.instances, inst)
}

// HasValidInstances reports whether at least one instance is attached to token.
func (a *ResourceArbiter) HasValidInstances(token GrantToken) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	g, ok := a.grants.Get(token.Handle)
	return ok && len(g.instances) > 0
}

// Instances returns a copy of the batch attached to token.
func (a *ResourceArbiter) Instances(token GrantToken) []*TaskInstance {
	a.mu.Lock()
	defer a.mu.Unlock()

	g, ok := a.grants.Get(token.Handle)
	if !ok {
		return nil
	}
	out := make([]*TaskInstance, len(g.instances))
	copy(out, g.instances)
	return out
}

// Release gives back every access held by token and wakes a waiter on Changed.
// Releasing a token twice always panics: it would corrupt the reader counts.
func (a *ResourceArbiter) Release(token GrantToken) {
	a.release("Release", token)
	a.Notify()
}

// Revoke gives back a grant without waking waiters. It is used to roll back a
// grant whose batch ended up empty, which is not a change anyone can act on.
func (a *ResourceArbiter) Revoke(token GrantToken) {
	a.release("Revoke", token)
}

func (a *ResourceArbiter) release(op string, token GrantToken) {
	a.mu.Lock()
	defer a.mu.Unlock()

	g, ok := a.grants.Remove(token.Handle)
	if !ok {
		panic(&ContractError{Op: op, Detail: fmt.Sprintf("grant %s is not outstanding", token.Handle)})
	}

	for _, acc := range g.access {
		st := a.resources[acc.Resource]
		if st == nil {
			continue
		}
		if acc.Mode == AccessWrite {
			st.writer = false
		} else {
			st.readers--
		}
		if !st.writer && st.readers <= 0 {
			delete(a.resources, acc.Resource)
		}
	}
	a.released++
}

// Changed returns the availability channel. A value is posted after every
// Release; the buffer holds at most one pending notification.
func (a *ResourceArbiter) Changed() <-chan struct{} {
	return a.changed
}

// Notify posts to the availability channel without blocking.
func (a *ResourceArbiter) Notify() {
	select {
	case a.changed <- struct{}{}:
	default:
	}
}

// Outstanding returns the number of grants not yet released.
func (a *ResourceArbiter) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.grants.Len()
}

// Holds reports the readers and writer currently registered on r.
func (a *ResourceArbiter) Holds(r ResourceID) (readers int, writer bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if st, ok := a.resources[r]; ok {
		return st.readers, st.writer
	}
	return 0, false
}

func (a *ResourceArbiter) Stats() ArbiterStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	return ArbiterStats{
		Outstanding: a.grants.Len(),
		Acquired:    a.acquired,
		Released:    a.released,
		Conflicts:   a.conflicts,
	}
}
