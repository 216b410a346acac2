package core

import (
	"context"
	"sync"
)

// TaskContext is the argument every task body receives. It carries the frame
// context and everything a task may reach back into: the enqueue surface and
// the logger. There is no process-wide engine to look up.
type TaskContext struct {
	context.Context

	Frame    uint64
	Task     string
	WorkerID int

	// Entity is the entity the instance runs for. It is the zero EntityRef
	// for tasks without an entity type.
	Entity EntityRef

	Scheduler Scheduler
	Logger    Logger
}

// Scheduler is the enqueue surface handed to task bodies and asynchronous
// producers. Use EnqueueTask, EnqueueTaskFor and EnqueueCompletionTask on it.
type Scheduler interface {
	submit(task Handle, arg any, entities []EntityRef, deferred bool) error
}

// Invocation is a callable with its captured argument. The frame driver only
// ever sees this interface; the argument type lives in the implementation.
type Invocation interface {
	Invoke(tc *TaskContext)
}

// TaskFunc adapts a function without arguments to an Invocation.
type TaskFunc func(tc *TaskContext)

func (f TaskFunc) Invoke(tc *TaskContext) { f(tc) }

type boundCall[A any] struct {
	fn  func(*TaskContext, A)
	arg A
}

func (c boundCall[A]) Invoke(tc *TaskContext) { c.fn(tc, c.arg) }

// TaskHandle is a typed reference to a registered task. The type parameter is
// the argument the task body takes, so enqueueing with the wrong argument
// type does not compile.
type TaskHandle[A any] struct {
	Handle
}

// UnboundedStage marks a task that may still be dispatched in any stage.
const UnboundedStage = -1

// TaskSpec declares a task at registration.
type TaskSpec struct {
	Name string

	// Access is the access block. Duplicates collapse to their strongest mode.
	Access AccessBlock

	// Predecessor gates every instance on the predecessor having been recorded
	// complete in the current frame. The predecessor must be Awaited.
	Predecessor Handle

	// StartStage makes the task recurring: it is appended to that stage and
	// gets fresh instances every frame.
	StartStage string

	// EndStage is the last stage whose closing waits for this task's batches.
	// Empty means the start stage for recurring tasks and unbounded otherwise.
	EndStage string

	// Awaited records the task complete for the frame once it has nothing
	// pending and nothing in flight, so other tasks may name it as Predecessor.
	Awaited bool

	// EntityType makes recurring instances per live entity of that type.
	EntityType TypeIdentifier

	// SetupStep is the entity setup step an instance requires before it is ready.
	SetupStep uint32

	// AdvancesSetup increments the entity's setup step after each instance runs.
	AdvancesSetup bool

	// Arg is the argument recurring instances are created with.
	Arg any
}

// TaskInstance is one unit of work bound to a task: the invocation, the
// entity it targets and the setup step that entity must have reached.
// Instances are consumed when attached to a grant and never reused.
type TaskInstance struct {
	call       Invocation
	entity     EntityRef
	checkpoint uint32
}

func (i *TaskInstance) Entity() EntityRef { return i.entity }

// TaskDescriptor is the registry's record of a task. Everything except the
// pending queues is immutable after registration.
type TaskDescriptor struct {
	handle        Handle
	name          string
	system        SystemID
	access        AccessBlock
	predecessor   Handle
	startStage    int
	endStage      int
	awaited       bool
	entityType    TypeIdentifier
	setupStep     uint32
	advancesSetup bool
	arg           any
	bind          func(arg any) Invocation

	mu           sync.Mutex
	stagePending []*TaskInstance
	freePending  []*TaskInstance
	inFlight     int
}

func (d *TaskDescriptor) Handle() Handle { return d.handle }
func (d *TaskDescriptor) Name() string { return d.name }
func (d *TaskDescriptor) System() SystemID { return d.system }
func (d *TaskDescriptor) Access() AccessBlock { return d.access }
func (d *TaskDescriptor) Predecessor() Handle { return d.predecessor }
func (d *TaskDescriptor) StartStage() int { return d.startStage }
func (d *TaskDescriptor) EndStage() int { return d.endStage }
func (d *TaskDescriptor) Awaited() bool { return d.awaited }
func (d *TaskDescriptor) Recurring() bool { return d.startStage != UnboundedStage }
func (d *TaskDescriptor) Entity() TypeIdentifier { return d.entityType }

// Pending returns the number of stage-lane and free-lane instances waiting.
func (d *TaskDescriptor) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.stagePending) + len(d.freePending)
}

func (d *TaskDescriptor) newInstance(arg any, entity EntityRef) *TaskInstance {
	return &TaskInstance{call: d.bind(arg), entity: entity, checkpoint: d.setupStep}
}

// idleLocked reports whether nothing is pending or in flight. d.mu must be held.
func (d *TaskDescriptor) idleLocked() bool {
	return d.inFlight == 0 && len(d.stagePending) == 0 && len(d.freePending) == 0
}

// EnqueueTask submits one instance of h with arg. From inside a frame the
// instance joins the live free stack; otherwise it waits for the next frame.
func EnqueueTask[A any](s Scheduler, h TaskHandle[A], arg A) error {
	return s.submit(h.Handle, arg, nil, false)
}

// EnqueueTaskFor submits one instance of h per entity. Each instance becomes
// ready once its entity reaches the task's setup step.
func EnqueueTaskFor[A any](s Scheduler, h TaskHandle[A], entities []EntityRef, arg A) error {
	if len(entities) == 0 {
		return nil
	}
	return s.submit(h.Handle, arg, entities, false)
}

// EnqueueCompletionTask submits a continuation from an asynchronous producer
// running on its own goroutine. It always waits for the next frame boundary.
func EnqueueCompletionTask[A any](s Scheduler, h TaskHandle[A], arg A) error {
	return s.submit(h.Handle, arg, nil, true)
}
