package core

import (
	"errors"
	"testing"
)

func newTestRegistry(t *testing.T, assertions bool, stages ...string) *TaskRegistry {
	t.Helper()
	cfg := &SchedulerConfig{Assertions: assertions, Logger: NewNoOpLogger()}
	pipeline := NewStagePipeline(cfg)
	for _, s := range stages {
		if _, ok := pipeline.AddStage(s); !ok {
			t.Fatalf("AddStage(%q) failed", s)
		}
	}
	return NewTaskRegistry(pipeline, cfg)
}

// expectContractPanic runs fn and fails unless it panics with a *ContractError for op.
func expectContractPanic(t *testing.T, op string, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		if r == nil {
			t.Fatalf("%s did not panic", op)
		}
		err, _ := r.(error)
		var cerr *ContractError
		if !errors.As(err, &cerr) {
			t.Fatalf("recover() = %v, want *ContractError", r)
		}
		if cerr.Op != op {
			t.Errorf("ContractError.Op = %q, want %q", cerr.Op, op)
		}
	}()
	fn()
}

func noop(*TaskContext, struct{}) {}

func TestTaskRegistry_RegisterSystemIsIdempotent(t *testing.T) {
	r := newTestRegistry(t, true)

	a := r.RegisterSystem("physics")
	b := r.RegisterSystem("physics")
	c := r.RegisterSystem("render")

	if a != b {
		t.Errorf("RegisterSystem twice = %+v, %+v; want the same system", a, b)
	}
	if a.ID == c.ID || a.Resource == c.Resource {
		t.Errorf("distinct systems share an id or resource: %+v, %+v", a, c)
	}
	if systems := r.Systems(); len(systems) != 2 || systems[0].Name != "physics" {
		t.Errorf("Systems() = %+v", systems)
	}
}

func TestTaskRegistry_ResourcesNeverCollideWithSystems(t *testing.T) {
	r := newTestRegistry(t, true)

	sys := r.RegisterSystem("audio")
	res := r.RegisterResource("mixer")

	if res == sys.Resource {
		t.Fatalf("resource %d collides with system resource", res)
	}
	if again := r.RegisterResource("mixer"); again != res {
		t.Errorf("RegisterResource twice = %d, %d", res, again)
	}
	if got, ok := r.Resource("mixer"); !ok || got != res {
		t.Errorf("Resource(mixer) = %d, %v", got, ok)
	}
}

// TestTaskRegistry_RegisterTaskAppendsToStage verifies recurring registration
// Given: A pipeline with stages A and B
// When: A task is registered with start stage B
// Then: B's recurring list holds the task and the descriptor carries the spec
func TestTaskRegistry_RegisterTaskAppendsToStage(t *testing.T) {
	// Arrange
	r := newTestRegistry(t, true, "A", "B")
	sys := r.RegisterSystem("game")

	// Act
	h := RegisterTask(r, sys, TaskSpec{
		Name:       "integrate",
		Access:     AccessBlock{Write(sys.Resource), Read(sys.Resource)},
		StartStage: "B",
	}, noop)

	// Assert
	if !h.IsValid() {
		t.Fatal("RegisterTask returned an invalid handle")
	}
	info, _ := r.Pipeline().Stage("B")
	if info.Tasks != 1 {
		t.Errorf("stage B has %d tasks, want 1", info.Tasks)
	}
	d, ok := r.Descriptor(h.Handle)
	if !ok {
		t.Fatal("Descriptor not found")
	}
	if d.StartStage() != 1 || d.EndStage() != 1 || !d.Recurring() {
		t.Errorf("stages = %d..%d recurring=%v, want 1..1 true", d.StartStage(), d.EndStage(), d.Recurring())
	}
	if got := d.Access().String(); got != "[1:WRITE]" {
		t.Errorf("Access = %s, want [1:WRITE]", got)
	}
}

func TestTaskRegistry_OneShotTaskIsUnbounded(t *testing.T) {
	r := newTestRegistry(t, true, "A")
	sys := r.RegisterSystem("game")

	h := RegisterTask(r, sys, TaskSpec{Name: "spawn"}, noop)

	d, _ := r.Descriptor(h.Handle)
	if d.Recurring() || d.EndStage() != UnboundedStage {
		t.Errorf("one-shot task: recurring=%v end=%d", d.Recurring(), d.EndStage())
	}
	if info, _ := r.Pipeline().Stage("A"); info.Tasks != 0 {
		t.Errorf("one-shot task landed in stage A")
	}
}

func TestTaskRegistry_RegisterTaskViolations(t *testing.T) {
	tests := []struct {
		name string
		spec func(r *TaskRegistry) TaskSpec
	}{
		{"empty name", func(*TaskRegistry) TaskSpec { return TaskSpec{} }},
		{"unknown start stage", func(*TaskRegistry) TaskSpec { return TaskSpec{Name: "t", StartStage: "nope"} }},
		{"unknown end stage", func(*TaskRegistry) TaskSpec { return TaskSpec{Name: "t", StartStage: "A", EndStage: "nope"} }},
		{"end before start", func(*TaskRegistry) TaskSpec { return TaskSpec{Name: "t", StartStage: "B", EndStage: "A"} }},
		{"duplicate name", func(*TaskRegistry) TaskSpec { return TaskSpec{Name: "existing"} }},
		{"predecessor not awaited", func(r *TaskRegistry) TaskSpec {
			h, _ := r.Lookup("existing")
			return TaskSpec{Name: "t", Predecessor: h}
		}},
		{"unknown entity type", func(*TaskRegistry) TaskSpec {
			return TaskSpec{Name: "t", EntityType: TypeIdentifier{System: 1, Type: 9}}
		}},
		{"argument of the wrong type", func(*TaskRegistry) TaskSpec { return TaskSpec{Name: "t", Arg: "seven"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Run("assertions", func(t *testing.T) {
				r := newTestRegistry(t, true, "A", "B")
				sys := r.RegisterSystem("game")
				RegisterTask(r, sys, TaskSpec{Name: "existing"}, noop)
				spec := tt.spec(r)

				expectContractPanic(t, "RegisterTask", func() {
					RegisterTask(r, sys, spec, noop)
				})
			})

			t.Run("release", func(t *testing.T) {
				r := newTestRegistry(t, false, "A", "B")
				sys := r.RegisterSystem("game")
				RegisterTask(r, sys, TaskSpec{Name: "existing"}, noop)
				spec := tt.spec(r)

				h := RegisterTask(r, sys, spec, noop)

				if h.IsValid() {
					t.Errorf("RegisterTask returned %s, want the zero handle", h.Handle)
				}
				if r.TaskCount() != 1 {
					t.Errorf("TaskCount() = %d, want 1", r.TaskCount())
				}
			})
		})
	}
}

func TestTaskRegistry_UnknownSystem(t *testing.T) {
	r := newTestRegistry(t, false)

	h := RegisterTask(r, System{ID: 42, Name: "ghost"}, TaskSpec{Name: "t"}, noop)
	if h.IsValid() {
		t.Error("task registered under an unknown system")
	}
	if id := r.RegisterType(System{ID: 42, Name: "ghost"}, "unit"); id.IsValid() {
		t.Error("type registered under an unknown system")
	}
}

// TestTaskRegistry_RemoveTaskNotInStage covers removing a task from the wrong stage
// Given: Stage A holds task t and stage B is empty
// When: RemoveTask("t", "B") is called
// Then: With assertions it panics with a *ContractError; without, it returns
// false. In both cases neither stage changes and t keeps resolving.
func TestTaskRegistry_RemoveTaskNotInStage(t *testing.T) {
	t.Run("assertions", func(t *testing.T) {
		// Arrange
		r := newTestRegistry(t, true, "A", "B")
		sys := r.RegisterSystem("game")
		h := RegisterTask(r, sys, TaskSpec{Name: "t", StartStage: "A"}, noop)
		before := r.Pipeline().Snapshot()

		// Act
		expectContractPanic(t, "RemoveTask", func() {
			r.RemoveTask("t", "B")
		})

		// Assert
		assertPipelineUnchanged(t, before, r.Pipeline().Snapshot())
		if _, ok := r.Descriptor(h.Handle); !ok {
			t.Error("task no longer resolves after a rejected removal")
		}
	})

	t.Run("release", func(t *testing.T) {
		// Arrange
		r := newTestRegistry(t, false, "A", "B")
		sys := r.RegisterSystem("game")
		h := RegisterTask(r, sys, TaskSpec{Name: "t", StartStage: "A"}, noop)
		before := r.Pipeline().Snapshot()

		// Act
		ok := r.RemoveTask("t", "B")

		// Assert
		if ok {
			t.Error("RemoveTask = true for a task not in the stage")
		}
		assertPipelineUnchanged(t, before, r.Pipeline().Snapshot())
		if _, ok := r.Descriptor(h.Handle); !ok {
			t.Error("task no longer resolves after a rejected removal")
		}
	})
}

func assertPipelineUnchanged(t *testing.T, before, after []StageSnapshot) {
	t.Helper()
	if len(before) != len(after) {
		t.Fatalf("stage count changed: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if len(before[i].Tasks) != len(after[i].Tasks) {
			t.Errorf("stage %s: %d tasks -> %d", before[i].Name, len(before[i].Tasks), len(after[i].Tasks))
			continue
		}
		for j := range before[i].Tasks {
			if before[i].Tasks[j] != after[i].Tasks[j] {
				t.Errorf("stage %s task %d changed", before[i].Name, j)
			}
		}
	}
}

// TestTaskRegistry_RemoveTaskInvalidatesHandles verifies stale handles never resolve
func TestTaskRegistry_RemoveTaskInvalidatesHandles(t *testing.T) {
	// Arrange
	r := newTestRegistry(t, true, "A")
	sys := r.RegisterSystem("game")
	old := RegisterTask(r, sys, TaskSpec{Name: "t", StartStage: "A"}, noop)

	// Act
	if !r.RemoveTask("t", "A") {
		t.Fatal("RemoveTask failed")
	}
	fresh := RegisterTask(r, sys, TaskSpec{Name: "t", StartStage: "A"}, noop)

	// Assert
	if _, ok := r.Descriptor(old.Handle); ok {
		t.Error("removed handle still resolves")
	}
	if old.Handle == fresh.Handle {
		t.Error("re-registered task reused the stale handle")
	}
	if info, _ := r.Pipeline().Stage("A"); info.Tasks != 1 {
		t.Errorf("stage A has %d tasks, want 1", info.Tasks)
	}
}

func TestTaskRegistry_RemoveTaskUnknown(t *testing.T) {
	r := newTestRegistry(t, false, "A")

	if r.RemoveTask("missing", "A") {
		t.Error("RemoveTask = true for an unknown task")
	}
	if r.RemoveTask("missing", "Z") {
		t.Error("RemoveTask = true for an unknown stage")
	}
}

func TestTaskRegistry_RegisterTypeTwice(t *testing.T) {
	r := newTestRegistry(t, true)
	sys := r.RegisterSystem("game")
	first := r.RegisterType(sys, "unit")

	expectContractPanic(t, "RegisterType", func() {
		r.RegisterType(sys, "unit")
	})

	if got, ok := r.Entities().Lookup(sys.ID, "unit"); !ok || got != first {
		t.Errorf("Lookup(unit) = %s, %v; want %s", got, ok, first)
	}
}

func TestTaskRegistry_PredecessorMustBeAwaited(t *testing.T) {
	r := newTestRegistry(t, true, "A")
	sys := r.RegisterSystem("game")
	pred := RegisterTask(r, sys, TaskSpec{Name: "load", StartStage: "A", Awaited: true}, noop)

	h := RegisterTask(r, sys, TaskSpec{Name: "use", StartStage: "A", Predecessor: pred.Handle}, noop)

	d, ok := r.Descriptor(h.Handle)
	if !ok {
		t.Fatal("task with awaited predecessor was not registered")
	}
	if d.Predecessor() != pred.Handle {
		t.Errorf("Predecessor() = %s, want %s", d.Predecessor(), pred.Handle)
	}
}
