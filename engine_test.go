package framescheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Swind/go-frame-scheduler/core"
)

func newTestEngine(t *testing.T, workers int, stages ...string) *Engine {
	t.Helper()
	cfg := &core.SchedulerConfig{Workers: workers, Logger: core.NewNoOpLogger()}
	e := NewEngine(cfg)
	for _, s := range stages {
		e.Pipeline().AddStage(s)
	}
	e.Start(context.Background())
	t.Cleanup(e.Stop)
	return e
}

// TestEngine_Lifecycle verifies that an engine wires every component
// Given: A new engine with two workers
// When: The engine is started, runs one frame and is stopped
// Then: Stats report the frame and the pool goes from running to stopped
func TestEngine_Lifecycle(t *testing.T) {
	// Arrange
	e := NewEngine(&core.SchedulerConfig{Workers: 2, Logger: core.NewNoOpLogger()})
	if e.ID() == "" {
		t.Fatal("engine has no ID")
	}
	if e.Pool().IsRunning() {
		t.Fatal("pool should not be running before Start()")
	}

	// Act
	e.Start(context.Background())
	_, err := e.RunFrame(context.Background())

	// Assert
	if err != nil {
		t.Fatalf("RunFrame() error = %v", err)
	}
	stats := e.Stats()
	if stats.ID != e.ID() || stats.Frames != 1 || stats.Pool.Workers != 2 || !stats.Pool.Running {
		t.Errorf("Stats() = %+v", stats)
	}

	e.Stop()
	if e.Pool().IsRunning() {
		t.Error("pool should not be running after Stop()")
	}
	if _, err := e.RunFrame(context.Background()); !errors.Is(err, core.ErrPoolStopped) {
		t.Errorf("RunFrame() after Stop() error = %v, want ErrPoolStopped", err)
	}
}

// TestEngine_IndependentInstances verifies that engines share no state
func TestEngine_IndependentInstances(t *testing.T) {
	a := newTestEngine(t, 1, "update")
	b := newTestEngine(t, 1)

	sys := a.Registry().RegisterSystem("game")
	RegisterTask(a, sys, TaskSpec{Name: "tick", StartStage: "update"}, func(*TaskContext, struct{}) {})

	if a.ID() == b.ID() {
		t.Error("engines share an ID")
	}
	if b.Stats().Tasks != 0 || b.Stats().Stages != 0 {
		t.Errorf("second engine sees registrations of the first: %+v", b.Stats())
	}
	if _, ok := b.Registry().System("game"); ok {
		t.Error("second engine sees the first engine's system")
	}
}

// TestEngine_RunFrames verifies repeated frames and batch history
// Given: A recurring task in one stage
// When: RunFrames(3) is called
// Then: The task ran three times, three stats are returned and history lists three batches
func TestEngine_RunFrames(t *testing.T) {
	// Arrange
	e := newTestEngine(t, 2, "update")
	sys := e.Registry().RegisterSystem("game")
	var runs atomic.Int32
	RegisterTask(e, sys, TaskSpec{Name: "tick", StartStage: "update"}, func(*TaskContext, struct{}) {
		runs.Add(1)
	})

	// Act
	stats, err := e.RunFrames(context.Background(), 3)

	// Assert
	if err != nil {
		t.Fatalf("RunFrames() error = %v", err)
	}
	if len(stats) != 3 || runs.Load() != 3 {
		t.Fatalf("RunFrames() returned %d stats, task ran %d times; want 3, 3", len(stats), runs.Load())
	}
	for i, s := range stats {
		if s.Frame != uint64(i) {
			t.Errorf("stats[%d].Frame = %d", i, s.Frame)
		}
	}
	batches := e.RecentBatches(10)
	if len(batches) != 3 || batches[0].Frame != 2 || batches[0].Task != "tick" || batches[0].Stage != "update" {
		t.Errorf("RecentBatches() = %+v", batches)
	}
	if first, ok := e.FrameBatches(0); !ok || len(first) != 1 || first[0].Frame != 0 {
		t.Errorf("FrameBatches(0) = %+v, %v", first, ok)
	}
}

// TestEngine_RunFramesStopsAtCancellation verifies the returned prefix on error
func TestEngine_RunFramesStopsAtCancellation(t *testing.T) {
	e := newTestEngine(t, 1, "update")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats, err := e.RunFrames(ctx, 5)

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RunFrames() error = %v, want context.Canceled", err)
	}
	if len(stats) != 0 {
		t.Errorf("RunFrames() returned %d stats, want 0", len(stats))
	}
}

// TestEngine_EnqueueAndEvents verifies the generic wrappers
// Given: A one-shot task, a completion task and an event subscriber
// When: Each is enqueued or dispatched before a frame
// Then: All three run in that frame with their arguments
func TestEngine_EnqueueAndEvents(t *testing.T) {
	// Arrange
	e := newTestEngine(t, 2)
	sys := e.Registry().RegisterSystem("audio")
	var mu sync.Mutex
	got := map[string]int{}
	record := func(name string) func(*TaskContext, int) {
		return func(_ *TaskContext, v int) {
			mu.Lock()
			got[name] += v
			mu.Unlock()
		}
	}
	play := RegisterTask(e, sys, TaskSpec{Name: "play"}, record("play"))
	loaded := RegisterTask(e, sys, TaskSpec{Name: "loaded"}, record("loaded"))
	listener := RegisterTask(e, sys, TaskSpec{Name: "listener"}, record("listener"))
	ev := NewEvent[int](e, "volume", false)
	Subscribe(e, ev, listener)

	// Act
	if err := EnqueueTask(e, play, 1); err != nil {
		t.Fatalf("EnqueueTask() error = %v", err)
	}
	if err := EnqueueCompletionTask(e, loaded, 2); err != nil {
		t.Fatalf("EnqueueCompletionTask() error = %v", err)
	}
	if n, err := Dispatch(e, ev, 3); err != nil || n != 1 {
		t.Fatalf("Dispatch() = %d, %v", n, err)
	}
	if pending := e.Stats().Pending; pending != 3 {
		t.Errorf("Stats().Pending = %d before the frame, want 3", pending)
	}
	if _, err := e.RunFrame(context.Background()); err != nil {
		t.Fatalf("RunFrame() error = %v", err)
	}

	// Assert
	mu.Lock()
	defer mu.Unlock()
	want := map[string]int{"play": 1, "loaded": 2, "listener": 3}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s got %d, want %d", k, got[k], v)
		}
	}
	if e.Stats().Pending != 0 {
		t.Errorf("Stats().Pending = %d after the frame", e.Stats().Pending)
	}
}

// TestEngine_EnqueueTaskForEntities verifies per-entity one-shot instances
func TestEngine_EnqueueTaskForEntities(t *testing.T) {
	e := newTestEngine(t, 2)
	sys := e.Registry().RegisterSystem("ai")
	typ := e.Registry().RegisterType(sys, "npc")
	var refs []EntityRef
	for i := 0; i < 3; i++ {
		ref, err := e.Entities().AddEntity(typ)
		if err != nil {
			t.Fatalf("AddEntity() error = %v", err)
		}
		refs = append(refs, ref)
	}
	var mu sync.Mutex
	seen := map[EntityRef]bool{}
	think := RegisterTask(e, sys, TaskSpec{Name: "think"}, func(tc *TaskContext, _ struct{}) {
		mu.Lock()
		seen[tc.Entity] = true
		mu.Unlock()
	})

	if err := EnqueueTaskFor(e, think, refs, struct{}{}); err != nil {
		t.Fatalf("EnqueueTaskFor() error = %v", err)
	}
	if _, err := e.RunFrame(context.Background()); err != nil {
		t.Fatalf("RunFrame() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, ref := range refs {
		if !seen[ref] {
			t.Errorf("entity %s did not run", ref)
		}
	}
}

// TestEngine_NilConfig verifies that a nil config uses defaults
func TestEngine_NilConfig(t *testing.T) {
	e := NewEngine(nil)
	defer e.Stop()

	if e.Pool().WorkerCount() != core.DefaultWorkerCount() {
		t.Errorf("WorkerCount() = %d, want %d", e.Pool().WorkerCount(), core.DefaultWorkerCount())
	}
	if e.Scheduler() == nil || e.Events() == nil || e.Arbiter() == nil || e.Orchestrator() == nil {
		t.Error("engine component accessor returned nil")
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}
