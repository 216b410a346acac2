package core

import (
	"sort"
	"sync"
)

// TaskRegistry owns every task descriptor, the systems and resources tasks
// are declared against, and the entity types per-entity tasks run over.
type TaskRegistry struct {
	mu        sync.RWMutex
	pipeline  *StagePipeline
	tasks     *Arena[*TaskDescriptor]
	byName    map[string]Handle
	systems   map[string]System
	resources map[string]ResourceID

	nextSystem   SystemID
	nextResource ResourceID

	entities *Entities
	contract contract
	logger   Logger
}

// NewTaskRegistry creates a registry whose recurring tasks live in pipeline.
func NewTaskRegistry(pipeline *StagePipeline, config *SchedulerConfig) *TaskRegistry {
	cfg := config.resolved()
	return &TaskRegistry{
		pipeline:  pipeline,
		tasks:     NewArena[*TaskDescriptor](64),
		byName:    make(map[string]Handle),
		systems:   make(map[string]System),
		resources: make(map[string]ResourceID),
		entities:  newEntities(),
		contract:  contract{assertions: cfg.Assertions, logger: cfg.Logger},
		logger:    cfg.Logger,
	}
}

func (r *TaskRegistry) Pipeline() *StagePipeline { return r.pipeline }

func (r *TaskRegistry) Entities() *Entities { return r.entities }

// RegisterSystem returns the system called name, creating it and its
// resource on first use.
func (r *TaskRegistry) RegisterSystem(name string) System {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sys, ok := r.systems[name]; ok {
		return sys
	}

	r.nextSystem++
	sys := System{ID: r.nextSystem, Name: name, Resource: r.allocResourceLocked()}
	r.systems[name] = sys
	r.logger.Debug("System registered", F("system", name), F("id", sys.ID), F("resource", sys.Resource))
	return sys
}

func (r *TaskRegistry) System(name string) (System, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sys, ok := r.systems[name]
	return sys, ok
}

// Systems returns every system ordered by id.
func (r *TaskRegistry) Systems() []System {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]System, 0, len(r.systems))
	for _, sys := range r.systems {
		out = append(out, sys)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RegisterResource returns the named resource that is not a system, creating it on first use.
func (r *TaskRegistry) RegisterResource(name string) ResourceID {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.resources[name]; ok {
		return id
	}
	id := r.allocResourceLocked()
	r.resources[name] = id
	return id
}

func (r *TaskRegistry) Resource(name string) (ResourceID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.resources[name]
	return id, ok
}

func (r *TaskRegistry) allocResourceLocked() ResourceID {
	r.nextResource++
	return r.nextResource
}

// RegisterType allocates an entity type under sys. Registering the same
// name twice under one system is a contract violation; the existing
// identifier is returned.
func (r *TaskRegistry) RegisterType(sys System, name string) TypeIdentifier {
	if !r.knownSystem(sys) {
		r.contract.violate("RegisterType", "unknown system %q", sys.Name)
		return TypeIdentifier{}
	}

	id, ok := r.entities.register(sys.ID, name)
	if !ok {
		r.contract.violate("RegisterType", "type %q already registered under system %q", name, sys.Name)
	}
	return id
}

func (r *TaskRegistry) knownSystem(sys System) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	existing, ok := r.systems[sys.Name]
	return ok && existing.ID == sys.ID
}

// RegisterTask creates a task whose body takes an argument of type A. With
// spec.StartStage set the task is also appended to that stage's recurring
// list. Invalid specs are contract violations and return the zero handle.
func RegisterTask[A any](r *TaskRegistry, sys System, spec TaskSpec, fn func(*TaskContext, A)) TaskHandle[A] {
	if fn == nil {
		r.contract.violate("RegisterTask", "task %q has no function", spec.Name)
		return TaskHandle[A]{}
	}
	if spec.Arg != nil {
		if _, ok := spec.Arg.(A); !ok {
			var want A
			r.contract.violate("RegisterTask", "task %q: argument %T does not match %T", spec.Name, spec.Arg, want)
			return TaskHandle[A]{}
		}
	}
	bind := func(arg any) Invocation {
		a, _ := arg.(A)
		return boundCall[A]{fn: fn, arg: a}
	}
	h, ok := r.register(sys, spec, bind)
	if !ok {
		return TaskHandle[A]{}
	}
	return TaskHandle[A]{Handle: h}
}

func (r *TaskRegistry) register(sys System, spec TaskSpec, bind func(any) Invocation) (Handle, bool) {
	const op = "RegisterTask"

	if spec.Name == "" {
		return Handle{}, !r.contract.violate(op, "task name is empty")
	}
	if !r.knownSystem(sys) {
		return Handle{}, !r.contract.violate(op, "task %q: unknown system %q", spec.Name, sys.Name)
	}

	start, end := UnboundedStage, UnboundedStage
	if spec.StartStage != "" {
		idx, ok := r.pipeline.indexOf(spec.StartStage)
		if !ok {
			return Handle{}, !r.contract.violate(op, "task %q: unknown start stage %q", spec.Name, spec.StartStage)
		}
		start, end = idx, idx
	}
	if spec.EndStage != "" {
		idx, ok := r.pipeline.indexOf(spec.EndStage)
		if !ok {
			return Handle{}, !r.contract.violate(op, "task %q: unknown end stage %q", spec.Name, spec.EndStage)
		}
		if start != UnboundedStage && idx < start {
			return Handle{}, !r.contract.violate(op, "task %q: end stage %q precedes start stage %q", spec.Name, spec.EndStage, spec.StartStage)
		}
		end = idx
	}
	if spec.EntityType.IsValid() && !r.entities.known(spec.EntityType) {
		return Handle{}, !r.contract.violate(op, "task %q: unknown entity %s", spec.Name, spec.EntityType)
	}

	r.mu.Lock()
	if _, ok := r.byName[spec.Name]; ok {
		r.mu.Unlock()
		return Handle{}, !r.contract.violate(op, "task %q already registered", spec.Name)
	}
	if spec.Predecessor.IsValid() {
		pred, ok := r.tasks.Get(spec.Predecessor)
		if !ok {
			r.mu.Unlock()
			return Handle{}, !r.contract.violate(op, "task %q: predecessor %s is not registered", spec.Name, spec.Predecessor)
		}
		if !(*pred).awaited {
			r.mu.Unlock()
			return Handle{}, !r.contract.violate(op, "task %q: predecessor %q is not awaited", spec.Name, (*pred).name)
		}
	}

	d := &TaskDescriptor{
		name:          spec.Name,
		system:        sys.ID,
		access:        spec.Access.Normalize(),
		predecessor:   spec.Predecessor,
		startStage:    start,
		endStage:      end,
		awaited:       spec.Awaited,
		entityType:    spec.EntityType,
		setupStep:     spec.SetupStep,
		advancesSetup: spec.AdvancesSetup,
		arg:           spec.Arg,
		bind:          bind,
	}
	h := r.tasks.Insert(d)
	d.handle = h
	r.byName[spec.Name] = h
	r.mu.Unlock()

	if start != UnboundedStage {
		r.pipeline.appendTask(start, h)
	}
	r.logger.Debug("Task registered",
		F("task", spec.Name),
		F("system", sys.Name),
		F("access", d.access.String()),
		F("start_stage", spec.StartStage),
		F("awaited", spec.Awaited),
	)
	return h, true
}

// RemoveTask removes a recurring task from stage and frees its descriptor,
// invalidating every handle to it. An unknown stage, an unknown task or a
// task that is not in stage is a contract violation and changes nothing.
func (r *TaskRegistry) RemoveTask(name, stage string) bool {
	const op = "RemoveTask"

	idx, ok := r.pipeline.indexOf(stage)
	if !ok {
		return !r.contract.violate(op, "unknown stage %q", stage)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.byName[name]
	if !ok {
		return !r.contract.violate(op, "unknown task %q", name)
	}
	if !r.pipeline.hasTask(idx, h) {
		return !r.contract.violate(op, "task %q is not in stage %q", name, stage)
	}

	r.pipeline.removeTask(idx, h)
	r.tasks.Remove(h)
	delete(r.byName, name)
	r.logger.Debug("Task removed", F("task", name), F("stage", stage))
	return true
}

// Lookup returns the handle of the task registered as name.
func (r *TaskRegistry) Lookup(name string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byName[name]
	return h, ok
}

// Descriptor resolves h. A handle to a removed task never resolves.
func (r *TaskRegistry) Descriptor(h Handle) (*TaskDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.tasks.Get(h)
	if !ok {
		return nil, false
	}
	return *d, true
}

func (r *TaskRegistry) TaskCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tasks.Len()
}
