package core

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// =============================================================================
// PanicHandler: Interface for handling task panics
// =============================================================================

// PanicHandler is called when a task instance panics during execution.
// A panicking instance never takes down its worker or its batch; the rest of
// the batch still runs and the grant is still released.
//
// Implementations should be thread-safe as they may be called concurrently.
type PanicHandler interface {
	// HandlePanic is called when a task panics.
	//
	// Parameters:
	// - ctx: The context of the frame the task ran in
	// - taskName: The registered name of the task (or the pool id for raw work items)
	// - workerID: The ID of the worker that ran the instance
	// - panicInfo: The panic value recovered from the task
	// - stackTrace: The stack trace at the time of panic
	HandlePanic(ctx context.Context, taskName string, workerID int, panicInfo any, stackTrace []byte)
}

// DefaultPanicHandler provides a basic panic handler that logs to stdout.
type DefaultPanicHandler struct{}

// HandlePanic prints panic information to stdout.
func (h *DefaultPanicHandler) HandlePanic(ctx context.Context, taskName string, workerID int, panicInfo any, stackTrace []byte) {
	fmt.Printf("[Worker %d @ %s] Panic: %v\nStack trace:\n%s",
		workerID, taskName, panicInfo, stackTrace)
}

// =============================================================================
// Metrics: Interface for observability and monitoring
// =============================================================================

// Metrics defines the interface for collecting scheduler metrics.
// Implementations can send metrics to monitoring systems (Prometheus, StatsD, etc.).
//
// Methods are called from worker goroutines and from the frame driver, so they
// should be non-blocking and fast.
type Metrics interface {
	// RecordTaskDuration records how long one dispatched batch took to execute.
	//
	// Parameters:
	// - task: The registered task name
	// - stage: The stage the batch was dispatched from ("" for the free lane)
	// - duration: Wall time from the first instance start to the last instance end
	RecordTaskDuration(task string, stage string, duration time.Duration)

	// RecordTaskPanic records that a task instance panicked.
	RecordTaskPanic(task string, panicInfo any)

	// RecordQueueDepth records the depth of one worker queue after a push.
	RecordQueueDepth(queue string, depth int)

	// RecordTaskRejected records that work was rejected (e.g., after Stop).
	//
	// Parameters:
	// - source: The pool or scheduler that refused the work
	// - reason: Why the work was rejected
	RecordTaskRejected(source string, reason string)

	// RecordArbitrationConflict records a failed TryAcquire for a task.
	RecordArbitrationConflict(task string)

	// RecordFrame records the summary of a finished frame.
	RecordFrame(stats FrameStats)
}

// NilMetrics provides a no-op metrics implementation that does nothing.
// This is the default when no metrics interface is provided.
type NilMetrics struct{}

// RecordTaskDuration is a no-op.
func (m *NilMetrics) RecordTaskDuration(task string, stage string, duration time.Duration) {
}

// RecordTaskPanic is a no-op.
func (m *NilMetrics) RecordTaskPanic(task string, panicInfo any) {
}

// RecordQueueDepth is a no-op.
func (m *NilMetrics) RecordQueueDepth(queue string, depth int) {
}

// RecordTaskRejected is a no-op.
func (m *NilMetrics) RecordTaskRejected(source string, reason string) {
}

// RecordArbitrationConflict is a no-op.
func (m *NilMetrics) RecordArbitrationConflict(task string) {
}

// RecordFrame is a no-op.
func (m *NilMetrics) RecordFrame(stats FrameStats) {
}

// =============================================================================
// RejectedTaskHandler: Interface for handling rejected work
// =============================================================================

// RejectedTaskHandler is called when the worker pool refuses a work item.
// This happens when the pool is stopped or was never started.
//
// Implementations should be thread-safe as they may be called concurrently.
type RejectedTaskHandler interface {
	// HandleRejectedTask is called when work is rejected.
	//
	// Parameters:
	// - source: The pool id
	// - reason: Why the work was rejected (e.g., "stopped")
	HandleRejectedTask(source string, reason string)
}

// DefaultRejectedTaskHandler provides a basic handler that logs rejected tasks.
type DefaultRejectedTaskHandler struct{}

// HandleRejectedTask logs the rejected task.
func (h *DefaultRejectedTaskHandler) HandleRejectedTask(source string, reason string) {
	fmt.Printf("[Pool %s] Task rejected: %s\n", source, reason)
}

// =============================================================================
// FairnessPolicy: retry policy inside one dispatch pass
// =============================================================================

// FairnessPolicy decides what the frame driver does when a dispatch attempt
// fails inside one pass over a task list.
type FairnessPolicy int

const (
	// FairnessScanAll keeps trying the remaining tasks of the list after a
	// failure, so a blocked task cannot hide a dispatchable one behind it.
	// Each task is attempted at most once per pass.
	FairnessScanAll FairnessPolicy = iota

	// FairnessStopOnFirstFailure abandons the list for the current pass on the
	// first failed attempt and retries after other progress is made.
	FairnessStopOnFirstFailure
)

func (p FairnessPolicy) String() string {
	switch p {
	case FairnessScanAll:
		return "scan-all"
	case FairnessStopOnFirstFailure:
		return "stop-on-first-failure"
	default:
		return fmt.Sprintf("FairnessPolicy(%d)", int(p))
	}
}

// ParseFairnessPolicy parses the names returned by FairnessPolicy.String.
func ParseFairnessPolicy(s string) (FairnessPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "scan-all", "scan_all", "scanall":
		return FairnessScanAll, nil
	case "stop-on-first-failure", "stop_on_first_failure", "stop":
		return FairnessStopOnFirstFailure, nil
	default:
		return FairnessScanAll, fmt.Errorf("unknown fairness policy %q", s)
	}
}

// =============================================================================
// SchedulerConfig: Configuration for the engine components
// =============================================================================

const (
	// DefaultStealRounds is the number of full round trips over all queues
	// attempted before a blocking push or pop.
	DefaultStealRounds = 2

	defaultPoolID = "frame-workers"
)

// DefaultWorkerCount returns the hardware concurrency minus the goroutine
// that drives frames, with a minimum of one.
func DefaultWorkerCount() int {
	return max(1, runtime.NumCPU()-1)
}

// SchedulerConfig holds configuration options for the worker pool, the frame
// driver and the registry.
// All handlers are optional; if not provided, default implementations will be used.
type SchedulerConfig struct {
	// Workers is the worker goroutine count. Zero means DefaultWorkerCount().
	Workers int

	// StealRounds is K, the number of non-blocking round trips. Zero means DefaultStealRounds.
	StealRounds int

	// QueueCapacity bounds each worker queue. Zero means unbounded.
	QueueCapacity int

	// StageFanOut is the number of batches one stage may have in flight.
	// Zero means one per worker.
	StageFanOut int

	// Fairness is the retry policy inside a dispatch pass.
	Fairness FairnessPolicy

	// Assertions makes contract violations panic. When false they are logged
	// and the offending call is ignored.
	Assertions bool

	// HistoryCapacity is the number of batch records kept. Zero means 100.
	HistoryCapacity int

	// PanicHandler is called when a task panics. Defaults to DefaultPanicHandler.
	PanicHandler PanicHandler

	// Metrics is called to record scheduler metrics. Defaults to NilMetrics.
	Metrics Metrics

	// RejectedTaskHandler is called when work is rejected. Defaults to DefaultRejectedTaskHandler.
	RejectedTaskHandler RejectedTaskHandler

	// Logger receives structured scheduler logs. Defaults to a SlogLogger over slog.Default().
	Logger Logger
}

// DefaultSchedulerConfig returns a config with default handlers and assertions enabled.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		Workers:             DefaultWorkerCount(),
		StealRounds:         DefaultStealRounds,
		Fairness:            FairnessScanAll,
		Assertions:          true,
		HistoryCapacity:     defaultBatchLogCapacity,
		PanicHandler:        &DefaultPanicHandler{},
		Metrics:             &NilMetrics{},
		RejectedTaskHandler: &DefaultRejectedTaskHandler{},
		Logger:              NewSlogLogger(nil),
	}
}

// resolved returns a copy of c with every zero field replaced by its default.
// A nil config resolves to DefaultSchedulerConfig.
func (c *SchedulerConfig) resolved() SchedulerConfig {
	if c == nil {
		return *DefaultSchedulerConfig()
	}

	out := *c
	if out.Workers <= 0 {
		out.Workers = DefaultWorkerCount()
	}
	if out.StealRounds <= 0 {
		out.StealRounds = DefaultStealRounds
	}
	if out.QueueCapacity < 0 {
		out.QueueCapacity = 0
	}
	if out.StageFanOut <= 0 {
		out.StageFanOut = out.Workers
	}
	if out.HistoryCapacity <= 0 {
		out.HistoryCapacity = defaultBatchLogCapacity
	}
	if out.PanicHandler == nil {
		out.PanicHandler = &DefaultPanicHandler{}
	}
	if out.Metrics == nil {
		out.Metrics = &NilMetrics{}
	}
	if out.RejectedTaskHandler == nil {
		out.RejectedTaskHandler = &DefaultRejectedTaskHandler{}
	}
	if out.Logger == nil {
		out.Logger = NewSlogLogger(nil)
	}
	return out
}
