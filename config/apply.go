package config

import (
	"fmt"
	"sort"

	framescheduler "github.com/Swind/go-frame-scheduler"
	"github.com/Swind/go-frame-scheduler/core"
	"github.com/zclconf/go-cty/cty"
)

// TaskBody is the body of a graph task. args is the instance argument: the
// task's own args for recurring instances, the spawn or dispatch args for
// one-shot ones. Absent args are cty.NilVal.
type TaskBody func(tc *core.TaskContext, args cty.Value)

// HandlerFactory builds the body of one task block. It runs during Apply,
// before every task is registered, so bodies must resolve other tasks and
// events through env when they run, not when they are built.
type HandlerFactory func(env *Env, task *TaskBlock) (TaskBody, error)

// HandlerSet maps handler names to factories.
type HandlerSet map[string]HandlerFactory

// Names returns the handler names in sorted order.
func (h HandlerSet) Names() []string {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Env is the result of applying a graph: the engine and every task, event
// and entity type the graph declared, by name. It is read-only after Apply
// returns and safe to use from task bodies.
type Env struct {
	Engine *framescheduler.Engine

	tasks  map[string]core.TaskHandle[cty.Value]
	blocks map[string]*TaskBlock
	events map[string]core.EventHandle[cty.Value]
	types  map[string]core.TypeIdentifier
}

// Task returns the handle of the task called name.
func (e *Env) Task(name string) (core.TaskHandle[cty.Value], bool) {
	h, ok := e.tasks[name]
	return h, ok
}

// Event returns the handle of the event called name.
func (e *Env) Event(name string) (core.EventHandle[cty.Value], bool) {
	h, ok := e.events[name]
	return h, ok
}

// EntityType returns the type called name under system.
func (e *Env) EntityType(system, name string) (core.TypeIdentifier, bool) {
	t, ok := e.types[system+"/"+name]
	return t, ok
}

// TaskEntityType returns the entity type of the task called name.
func (e *Env) TaskEntityType(name string) (core.TypeIdentifier, bool) {
	b, ok := e.blocks[name]
	if !ok || b.EntityType == "" {
		return core.TypeIdentifier{}, false
	}
	return e.EntityType(b.System, b.EntityType)
}

// Apply registers g on engine in declaration order: stages, resources,
// systems with their entity types, entities, tasks, events, then the
// initial one-shot enqueues. Stages, resources, systems and types the
// engine already has are reused.
func Apply(engine *framescheduler.Engine, g *Graph, handlers HandlerSet) (*Env, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	for _, t := range g.Tasks {
		if _, ok := handlers[t.Handler]; !ok {
			return nil, fmt.Errorf("task %q: unknown handler %q (known: %v)", t.Name, t.Handler, handlers.Names())
		}
	}

	env := &Env{
		Engine: engine,
		tasks:  make(map[string]core.TaskHandle[cty.Value], len(g.Tasks)),
		blocks: make(map[string]*TaskBlock, len(g.Tasks)),
		events: make(map[string]core.EventHandle[cty.Value], len(g.Events)),
		types:  make(map[string]core.TypeIdentifier),
	}
	registry := engine.Registry()
	pipeline := engine.Pipeline()
	logger := engine.Logger()

	for _, s := range g.Stages {
		if _, ok := pipeline.Stage(s.Name); ok {
			continue
		}
		if _, ok := pipeline.AddStage(s.Name); !ok {
			return nil, fmt.Errorf("stage %q: could not be added", s.Name)
		}
	}

	resources := make(map[string]core.ResourceID)
	for _, r := range g.Resources {
		resources[r.Name] = registry.RegisterResource(r.Name)
	}

	systems := make(map[string]core.System, len(g.Systems))
	for _, s := range g.Systems {
		sys := registry.RegisterSystem(s.Name)
		systems[s.Name] = sys
		resources[s.Name] = sys.Resource
		for _, name := range s.EntityTypes {
			t, ok := registry.Entities().Lookup(sys.ID, name)
			if !ok {
				t = registry.RegisterType(sys, name)
			}
			if !t.IsValid() {
				return nil, fmt.Errorf("system %q: entity type %q could not be registered", s.Name, name)
			}
			env.types[s.Name+"/"+name] = t
		}
	}

	for _, e := range g.Entities {
		t := env.types[e.System+"/"+e.Type]
		for i := 0; i < e.Count; i++ {
			if _, err := registry.Entities().AddEntity(t); err != nil {
				return nil, fmt.Errorf("entities %q: %w", e.Type, err)
			}
		}
	}

	for _, t := range g.Tasks {
		body, err := handlers[t.Handler](env, t)
		if err != nil {
			return nil, fmt.Errorf("task %q: handler %q: %w", t.Name, t.Handler, err)
		}

		spec := core.TaskSpec{
			Name:          t.Name,
			StartStage:    t.StartStage,
			EndStage:      t.EndStage,
			Awaited:       t.Awaited,
			SetupStep:     uint32(t.SetupStep),
			AdvancesSetup: t.AdvancesSetup,
			Arg:           t.Args,
		}
		for _, name := range t.Reads {
			spec.Access = append(spec.Access, core.Read(resources[name]))
		}
		for _, name := range t.Writes {
			spec.Access = append(spec.Access, core.Write(resources[name]))
		}
		if t.Predecessor != "" {
			spec.Predecessor = env.tasks[t.Predecessor].Handle
		}
		if t.EntityType != "" {
			spec.EntityType = env.types[t.System+"/"+t.EntityType]
		}

		h := core.RegisterTask(registry, systems[t.System], spec, body)
		if !h.IsValid() {
			return nil, fmt.Errorf("task %q: registration refused", t.Name)
		}
		env.tasks[t.Name] = h
		env.blocks[t.Name] = t
	}

	for _, ev := range g.Events {
		h := core.NewEvent[cty.Value](engine.Events(), ev.Name, ev.Prioritized)
		if !h.IsValid() {
			return nil, fmt.Errorf("event %q: declaration refused", ev.Name)
		}
		for _, sub := range ev.Subscribers {
			if !core.Subscribe(engine.Events(), h, env.tasks[sub]) {
				return nil, fmt.Errorf("event %q: subscribing %q refused", ev.Name, sub)
			}
		}
		env.events[ev.Name] = h
	}

	for _, sp := range g.Spawns {
		if err := env.spawn(sp); err != nil {
			return nil, err
		}
	}

	logger.Info("Frame graph applied",
		core.F("stages", len(g.Stages)),
		core.F("systems", len(g.Systems)),
		core.F("tasks", len(g.Tasks)),
		core.F("events", len(g.Events)),
		core.F("spawns", len(g.Spawns)),
	)
	return env, nil
}

func (e *Env) spawn(sp *SpawnBlock) error {
	h := e.tasks[sp.Task]
	args := sp.Args
	if args.IsNull() {
		args = e.blocks[sp.Task].Args
	}
	count := max(sp.Count, 1)

	for i := 0; i < count; i++ {
		var err error
		if sp.ForEntities {
			t, _ := e.TaskEntityType(sp.Task)
			err = core.EnqueueTaskFor(e.Engine.Scheduler(), h, e.Engine.Entities().LiveEntities(t), args)
		} else {
			err = core.EnqueueTask(e.Engine.Scheduler(), h, args)
		}
		if err != nil {
			return fmt.Errorf("spawn %q: %w", sp.Name, err)
		}
	}
	return nil
}
