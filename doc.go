// Package framescheduler runs a declarative graph of resource-tagged tasks
// once per frame across a fixed work-stealing worker pool.
//
// Tasks declare the resources they read and write. An arbiter admits a task
// only when none of its resources is held in a conflicting mode, so tasks
// that touch disjoint state run in parallel and tasks that share it never
// overlap. Recurring tasks belong to an ordered stage pipeline; one-shot
// tasks are enqueued from outside a frame, from a task body or from events.
//
// # Quick Start
//
//	engine := framescheduler.NewEngine(framescheduler.DefaultSchedulerConfig())
//	engine.Start(context.Background())
//	defer engine.Stop()
//
//	engine.Pipeline().AddStage("input")
//	engine.Pipeline().AddStage("simulate")
//
//	physics := engine.Registry().RegisterSystem("physics")
//	framescheduler.RegisterTask(engine, physics, framescheduler.TaskSpec{
//		Name:       "integrate",
//		Access:     framescheduler.AccessBlock{framescheduler.Write(physics.Resource)},
//		StartStage: "simulate",
//	}, func(tc *framescheduler.TaskContext, _ struct{}) {
//		// runs once per frame, never alongside another writer of physics
//	})
//
//	stats, err := engine.RunFrame(context.Background())
//
// # Key Concepts
//
// Stage: a named step of the frame. Stage K closes before stage K+1 opens,
// and closes only when every batch due at K has finished.
//
// Access block: the (resource, read|write) pairs a task touches. Writers
// exclude everybody; readers only exclude writers.
//
// One-shot task: an instance enqueued with EnqueueTask. Enqueued inside a
// frame it joins the running frame; enqueued outside it waits for the next.
//
// Event: a named signal whose subscribers are enqueued as one-shot tasks
// when it is dispatched.
//
// # Thread Safety
//
// Registration, enqueueing and dispatching are safe from any goroutine. A
// task body receives a TaskContext and must not block on other tasks of the
// same frame; a stuck task stalls its stage.
package framescheduler
