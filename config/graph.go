package config

import (
	"errors"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// Graph is a declarative frame graph: stages in order, the systems and
// resources tasks touch, the tasks themselves, events with their
// subscribers, initial entities and initial one-shot enqueues.
type Graph struct {
	Stages    []*StageBlock    `hcl:"stage,block"`
	Resources []*ResourceBlock `hcl:"resource,block"`
	Systems   []*SystemBlock   `hcl:"system,block"`
	Entities  []*EntitiesBlock `hcl:"entities,block"`
	Tasks     []*TaskBlock     `hcl:"task,block"`
	Events    []*EventBlock    `hcl:"event,block"`
	Spawns    []*SpawnBlock    `hcl:"spawn,block"`
}

// StageBlock declares a stage. Stages run in declaration order.
type StageBlock struct {
	Name string `hcl:"name,label"`
}

// ResourceBlock declares a named resource that is not owned by a system.
type ResourceBlock struct {
	Name string `hcl:"name,label"`
}

// SystemBlock declares a system and the entity types it owns.
type SystemBlock struct {
	Name        string   `hcl:"name,label"`
	EntityTypes []string `hcl:"entity_types,optional"`
}

// EntitiesBlock creates Count entities of an entity type before the first frame.
type EntitiesBlock struct {
	Type   string `hcl:"type,label"`
	System string `hcl:"system"`
	Count  int    `hcl:"count"`
}

// TaskBlock declares a task. Reads and writes name systems or resources;
// a system name refers to the system's own resource.
type TaskBlock struct {
	Name          string    `hcl:"name,label"`
	System        string    `hcl:"system"`
	Handler       string    `hcl:"handler"`
	StartStage    string    `hcl:"start_stage,optional"`
	EndStage      string    `hcl:"end_stage,optional"`
	Awaited       bool      `hcl:"awaited,optional"`
	Predecessor   string    `hcl:"predecessor,optional"`
	EntityType    string    `hcl:"entity_type,optional"`
	SetupStep     int       `hcl:"setup_step,optional"`
	AdvancesSetup bool      `hcl:"advances_setup,optional"`
	Reads         []string  `hcl:"reads,optional"`
	Writes        []string  `hcl:"writes,optional"`
	Args          cty.Value `hcl:"args,optional"`
}

// EventBlock declares an event and subscribes tasks to it in order.
type EventBlock struct {
	Name        string   `hcl:"name,label"`
	Prioritized bool     `hcl:"prioritized,optional"`
	Subscribers []string `hcl:"subscribers,optional"`
}

// SpawnBlock enqueues Count one-shot instances of Task for the first frame.
// Args replaces the task's own args when set. With ForEntities the
// instances are one per live entity of the task's entity type.
type SpawnBlock struct {
	Name        string    `hcl:"name,label"`
	Task        string    `hcl:"task"`
	Count       int       `hcl:"count,optional"`
	ForEntities bool      `hcl:"for_entities,optional"`
	Args        cty.Value `hcl:"args,optional"`
}

// LoadGraph parses and validates the HCL file at path.
func LoadGraph(path string) (*Graph, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", path, diags)
	}
	return decodeGraph(file, path)
}

// ParseGraph parses and validates HCL source. filename is used in diagnostics.
func ParseGraph(src []byte, filename string) (*Graph, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}
	return decodeGraph(file, filename)
}

func decodeGraph(file *hcl.File, filename string) (*Graph, error) {
	var g Graph
	if diags := gohcl.DecodeBody(file.Body, nil, &g); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid frame graph %s: %w", filename, err)
	}
	return &g, nil
}

// Validate checks the graph on its own: unique names and references to
// declared stages, systems, resources, tasks and entity types. Handler
// names are checked by Apply against its HandlerSet.
func (g *Graph) Validate() error {
	var errs []error
	dup := func(kind string) func(string) {
		seen := map[string]bool{}
		return func(name string) {
			if seen[name] {
				errs = append(errs, fmt.Errorf("%s %q declared twice", kind, name))
			}
			seen[name] = true
		}
	}

	stages := map[string]int{}
	checkStage := dup("stage")
	for i, s := range g.Stages {
		checkStage(s.Name)
		stages[s.Name] = i
	}

	resources := map[string]bool{}
	checkResource := dup("resource")
	for _, r := range g.Resources {
		checkResource(r.Name)
		resources[r.Name] = true
	}

	systems := map[string]map[string]bool{}
	checkSystem := dup("system")
	for _, s := range g.Systems {
		checkSystem(s.Name)
		types := map[string]bool{}
		for _, t := range s.EntityTypes {
			if types[t] {
				errs = append(errs, fmt.Errorf("system %q: entity type %q declared twice", s.Name, t))
			}
			types[t] = true
		}
		systems[s.Name] = types
	}

	for _, e := range g.Entities {
		types, ok := systems[e.System]
		switch {
		case !ok:
			errs = append(errs, fmt.Errorf("entities %q: unknown system %q", e.Type, e.System))
		case !types[e.Type]:
			errs = append(errs, fmt.Errorf("entities %q: system %q has no such entity type", e.Type, e.System))
		}
		if e.Count < 0 {
			errs = append(errs, fmt.Errorf("entities %q: count must not be negative", e.Type))
		}
	}

	tasks := map[string]*TaskBlock{}
	checkTask := dup("task")
	for _, t := range g.Tasks {
		checkTask(t.Name)
		errs = append(errs, t.validate(stages, systems, resources, tasks)...)
		tasks[t.Name] = t
	}

	checkEvent := dup("event")
	for _, ev := range g.Events {
		checkEvent(ev.Name)
		for _, sub := range ev.Subscribers {
			if _, ok := tasks[sub]; !ok {
				errs = append(errs, fmt.Errorf("event %q: unknown subscriber %q", ev.Name, sub))
			}
		}
	}

	checkSpawn := dup("spawn")
	for _, sp := range g.Spawns {
		checkSpawn(sp.Name)
		t, ok := tasks[sp.Task]
		if !ok {
			errs = append(errs, fmt.Errorf("spawn %q: unknown task %q", sp.Name, sp.Task))
			continue
		}
		if sp.Count < 0 {
			errs = append(errs, fmt.Errorf("spawn %q: count must not be negative", sp.Name))
		}
		if sp.ForEntities && t.EntityType == "" {
			errs = append(errs, fmt.Errorf("spawn %q: task %q has no entity type", sp.Name, sp.Task))
		}
	}

	return errors.Join(errs...)
}

func (t *TaskBlock) validate(stages map[string]int, systems map[string]map[string]bool, resources map[string]bool, earlier map[string]*TaskBlock) []error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("task %q: "+format, append([]any{t.Name}, args...)...))
	}

	types, ok := systems[t.System]
	if !ok {
		fail("unknown system %q", t.System)
	}
	if t.Handler == "" {
		fail("handler must not be empty")
	}

	start, hasStart := stages[t.StartStage]
	if t.StartStage != "" && !hasStart {
		fail("unknown start_stage %q", t.StartStage)
	}
	if t.EndStage != "" {
		end, ok := stages[t.EndStage]
		switch {
		case !ok:
			fail("unknown end_stage %q", t.EndStage)
		case hasStart && end < start:
			fail("end_stage %q comes before start_stage %q", t.EndStage, t.StartStage)
		}
	}

	if t.Predecessor != "" {
		pred, ok := earlier[t.Predecessor]
		switch {
		case !ok:
			fail("predecessor %q must be a task declared earlier", t.Predecessor)
		case !pred.Awaited:
			fail("predecessor %q is not awaited", t.Predecessor)
		}
	}

	if t.EntityType != "" && ok && !types[t.EntityType] {
		fail("system %q has no entity type %q", t.System, t.EntityType)
	}
	if t.SetupStep < 0 {
		fail("setup_step must not be negative")
	}

	for _, name := range append(append([]string{}, t.Reads...), t.Writes...) {
		_, isSystem := systems[name]
		if !isSystem && !resources[name] {
			fail("access to unknown system or resource %q", name)
		}
	}
	return errs
}
