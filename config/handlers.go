package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/Swind/go-frame-scheduler/core"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
)

// BuiltinHandlers returns the handlers every frame graph can use:
//
//	noop      does nothing
//	sleep     args = { duration = "2ms" }
//	log       args = { message = "...", level = "info" }
//	advance   advances the instance's entity one setup step
//	spawn     args = { task = "name", count = 1, for_entities = false }
//	dispatch  args = { event = "name", payload = <any> }
func BuiltinHandlers() HandlerSet {
	return HandlerSet{
		"noop":     noopHandler,
		"sleep":    sleepHandler,
		"log":      logHandler,
		"advance":  advanceHandler,
		"spawn":    spawnHandler,
		"dispatch": dispatchHandler,
	}
}

// decodeArgs decodes an args object into target, a pointer to a struct with
// cty tags. Optional attributes are pointer fields. Null args leave target
// untouched.
func decodeArgs(args cty.Value, target any) error {
	if args.IsNull() {
		return nil
	}
	if !args.IsWhollyKnown() {
		return errors.New("args must be known values")
	}
	return gocty.FromCtyValue(args, target)
}

func noopHandler(*Env, *TaskBlock) (TaskBody, error) {
	return func(*core.TaskContext, cty.Value) {}, nil
}

type sleepArgs struct {
	Duration *string `cty:"duration"`
}

func (a sleepArgs) duration(fallback time.Duration) (time.Duration, error) {
	if a.Duration == nil {
		return fallback, nil
	}
	d, err := time.ParseDuration(*a.Duration)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %s is negative", d)
	}
	return d, nil
}

func sleepHandler(_ *Env, t *TaskBlock) (TaskBody, error) {
	var base sleepArgs
	if err := decodeArgs(t.Args, &base); err != nil {
		return nil, err
	}
	fallback, err := base.duration(time.Millisecond)
	if err != nil {
		return nil, err
	}

	return func(tc *core.TaskContext, args cty.Value) {
		d := fallback
		var a sleepArgs
		if err := decodeArgs(args, &a); err == nil {
			if v, err := a.duration(fallback); err == nil {
				d = v
			}
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-tc.Done():
		}
	}, nil
}

type logArgs struct {
	Message *string `cty:"message"`
	Level   *string `cty:"level"`
}

func logHandler(_ *Env, t *TaskBlock) (TaskBody, error) {
	var base logArgs
	if err := decodeArgs(t.Args, &base); err != nil {
		return nil, err
	}
	message := t.Name
	if base.Message != nil {
		message = *base.Message
	}
	level := "info"
	if base.Level != nil {
		level = *base.Level
	}
	switch level {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	return func(tc *core.TaskContext, args cty.Value) {
		msg := message
		var a logArgs
		if err := decodeArgs(args, &a); err == nil && a.Message != nil {
			msg = *a.Message
		}
		fields := []core.Field{core.F("task", tc.Task), core.F("frame", tc.Frame), core.F("worker", tc.WorkerID)}
		if tc.Entity.IsValid() {
			fields = append(fields, core.F("entity", tc.Entity.String()))
		}
		switch level {
		case "debug":
			tc.Logger.Debug(msg, fields...)
		case "warn":
			tc.Logger.Warn(msg, fields...)
		case "error":
			tc.Logger.Error(msg, fields...)
		default:
			tc.Logger.Info(msg, fields...)
		}
	}, nil
}

func advanceHandler(env *Env, t *TaskBlock) (TaskBody, error) {
	if t.EntityType == "" {
		return nil, errors.New("advance needs an entity_type")
	}
	if t.AdvancesSetup {
		return nil, errors.New("advance with advances_setup = true would advance twice")
	}
	return func(tc *core.TaskContext, _ cty.Value) {
		if !tc.Entity.IsValid() {
			return
		}
		if _, ok := env.Engine.Entities().AdvanceSetup(tc.Entity); !ok {
			tc.Logger.Warn("Entity is gone", core.F("task", tc.Task), core.F("entity", tc.Entity.String()))
		}
	}, nil
}

type spawnArgs struct {
	Task        string `cty:"task"`
	Count       *int   `cty:"count"`
	ForEntities *bool  `cty:"for_entities"`
}

func spawnHandler(env *Env, t *TaskBlock) (TaskBody, error) {
	var a spawnArgs
	if t.Args.IsNull() {
		return nil, errors.New(`spawn needs args = { task = "..." }`)
	}
	if err := decodeArgs(t.Args, &a); err != nil {
		return nil, err
	}
	count := 1
	if a.Count != nil {
		count = *a.Count
	}
	if count < 0 {
		return nil, fmt.Errorf("count %d is negative", count)
	}
	forEntities := a.ForEntities != nil && *a.ForEntities

	return func(tc *core.TaskContext, _ cty.Value) {
		target, ok := env.Task(a.Task)
		if !ok {
			tc.Logger.Error("Spawn target is not a task", core.F("task", tc.Task), core.F("target", a.Task))
			return
		}
		args := env.blocks[a.Task].Args

		var entities []core.EntityRef
		if forEntities {
			typ, ok := env.TaskEntityType(a.Task)
			if !ok {
				tc.Logger.Error("Spawn target has no entity type", core.F("task", tc.Task), core.F("target", a.Task))
				return
			}
			entities = env.Engine.Entities().LiveEntities(typ)
		}

		for i := 0; i < count; i++ {
			var err error
			if forEntities {
				err = core.EnqueueTaskFor(tc.Scheduler, target, entities, args)
			} else {
				err = core.EnqueueTask(tc.Scheduler, target, args)
			}
			if err != nil {
				tc.Logger.Error("Spawn failed", core.F("task", tc.Task), core.F("target", a.Task), core.F("error", err))
				return
			}
		}
	}, nil
}

func dispatchHandler(env *Env, t *TaskBlock) (TaskBody, error) {
	if t.Args.IsNull() || !t.Args.Type().IsObjectType() || !t.Args.Type().HasAttribute("event") {
		return nil, errors.New(`dispatch needs args = { event = "..." }`)
	}
	name := t.Args.GetAttr("event")
	if name.IsNull() || !name.Type().Equals(cty.String) {
		return nil, errors.New("dispatch args.event must be a string")
	}
	event := name.AsString()
	payload := cty.NilVal
	if t.Args.Type().HasAttribute("payload") {
		payload = t.Args.GetAttr("payload")
	}

	return func(tc *core.TaskContext, _ cty.Value) {
		ev, ok := env.Event(event)
		if !ok {
			tc.Logger.Error("Dispatch target is not an event", core.F("task", tc.Task), core.F("event", event))
			return
		}
		if _, err := core.Dispatch(env.Engine.Events(), ev, payload); err != nil {
			tc.Logger.Error("Dispatch failed", core.F("task", tc.Task), core.F("event", event), core.F("error", err))
		}
	}, nil
}
