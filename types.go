package framescheduler

import "github.com/Swind/go-frame-scheduler/core"

// Re-export commonly used types from core package for convenience.
// This allows users to import only the framescheduler package for most use cases.

// TaskContext is the argument every task body receives
type TaskContext = core.TaskContext

// TaskSpec declares a task at registration
type TaskSpec = core.TaskSpec

// TaskHandle is a typed reference to a registered task
type TaskHandle[A any] = core.TaskHandle[A]

// EventHandle is a typed reference to a declared event
type EventHandle[A any] = core.EventHandle[A]

// System groups tasks and owns one resource
type System = core.System

// ResourceID identifies a resource in access blocks
type ResourceID = core.ResourceID

// AccessBlock lists the resources a task reads or writes
type AccessBlock = core.AccessBlock

// EntityRef identifies one live entity
type EntityRef = core.EntityRef

// TypeIdentifier identifies an entity type under a system
type TypeIdentifier = core.TypeIdentifier

// SchedulerConfig configures the engine's components
type SchedulerConfig = core.SchedulerConfig

// FairnessPolicy selects how a dispatch pass retries refused tasks
type FairnessPolicy = core.FairnessPolicy

// FrameStats summarizes one frame
type FrameStats = core.FrameStats

// EngineStats is a point-in-time view of an engine
type EngineStats = core.EngineStats

// Fairness policies
const (
	FairnessScanAll            = core.FairnessScanAll
	FairnessStopOnFirstFailure = core.FairnessStopOnFirstFailure
)

// Convenience functions for building access blocks and configs
var (
	Read                   = core.Read
	Write                  = core.Write
	DefaultSchedulerConfig = core.DefaultSchedulerConfig
)

// RegisterTask registers a task on the engine's registry.
func RegisterTask[A any](e *Engine, sys System, spec TaskSpec, fn func(*TaskContext, A)) TaskHandle[A] {
	return core.RegisterTask(e.registry, sys, spec, fn)
}

// EnqueueTask enqueues one instance of h. Inside a frame it joins the frame;
// outside a frame it waits for the next one.
func EnqueueTask[A any](e *Engine, h TaskHandle[A], arg A) error {
	return core.EnqueueTask(e.orchestrator, h, arg)
}

// EnqueueTaskFor enqueues one instance of h per entity.
func EnqueueTaskFor[A any](e *Engine, h TaskHandle[A], entities []EntityRef, arg A) error {
	return core.EnqueueTaskFor(e.orchestrator, h, entities, arg)
}

// EnqueueCompletionTask enqueues one instance of h for the next frame. It is
// meant for producers running on their own goroutines.
func EnqueueCompletionTask[A any](e *Engine, h TaskHandle[A], arg A) error {
	return core.EnqueueCompletionTask(e.orchestrator, h, arg)
}

// NewEvent declares an event on the engine's bus.
func NewEvent[A any](e *Engine, name string, prioritized bool) EventHandle[A] {
	return core.NewEvent[A](e.events, name, prioritized)
}

// Subscribe adds task as a subscriber of ev.
func Subscribe[A any](e *Engine, ev EventHandle[A], task TaskHandle[A]) bool {
	return core.Subscribe(e.events, ev, task)
}

// Dispatch enqueues the subscribers of ev with arg.
func Dispatch[A any](e *Engine, ev EventHandle[A], arg A) (int, error) {
	return core.Dispatch(e.events, ev, arg)
}
