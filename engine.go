package framescheduler

import (
	"context"
	"fmt"

	"github.com/Swind/go-frame-scheduler/core"
	"github.com/google/uuid"
)

// Engine wires the worker pool, arbiter, stage pipeline, registry, frame
// driver and event bus of one scheduler instance. Engines share nothing;
// several can run side by side in one process.
type Engine struct {
	id     string
	logger core.Logger

	pool         *core.WorkerPool
	arbiter      *core.ResourceArbiter
	pipeline     *core.StagePipeline
	registry     *core.TaskRegistry
	orchestrator *core.Orchestrator
	events       *core.EventBus
}

// NewEngine creates an engine from config. A nil config uses
// DefaultSchedulerConfig. The engine runs nothing until Start.
func NewEngine(config *core.SchedulerConfig) *Engine {
	if config == nil {
		config = core.DefaultSchedulerConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = core.NewSlogLogger(nil)
	}

	id := uuid.NewString()
	pool := core.NewWorkerPool(fmt.Sprintf("engine-%s", id[:8]), config)
	arbiter := core.NewResourceArbiter()
	pipeline := core.NewStagePipeline(config)
	registry := core.NewTaskRegistry(pipeline, config)
	orchestrator := core.NewOrchestrator(registry, arbiter, pool, config)

	e := &Engine{
		id:           id,
		logger:       logger,
		pool:         pool,
		arbiter:      arbiter,
		pipeline:     pipeline,
		registry:     registry,
		orchestrator: orchestrator,
		events:       core.NewEventBus(orchestrator, registry, config),
	}
	logger.Debug("Engine created", core.F("engine", id), core.F("workers", pool.WorkerCount()))
	return e
}

// Start starts the worker pool.
func (e *Engine) Start(ctx context.Context) {
	e.pool.Start(ctx)
}

// Stop drains and joins the worker pool. A stopped engine cannot run frames.
func (e *Engine) Stop() {
	e.pool.Stop()
	e.logger.Debug("Engine stopped", core.F("engine", e.id), core.F("frames", e.orchestrator.Frame()))
}

// RunFrame runs one frame to completion.
func (e *Engine) RunFrame(ctx context.Context) (core.FrameStats, error) {
	return e.orchestrator.RunFrame(ctx)
}

// RunFrames runs n frames back to back and returns their stats. It stops at
// the first error; the stats of the frames run so far are returned with it.
func (e *Engine) RunFrames(ctx context.Context, n int) ([]core.FrameStats, error) {
	out := make([]core.FrameStats, 0, max(n, 0))
	for i := 0; i < n; i++ {
		stats, err := e.orchestrator.RunFrame(ctx)
		if err != nil {
			return out, err
		}
		out = append(out, stats)
	}
	return out, nil
}

// Stats returns a snapshot of every component.
func (e *Engine) Stats() core.EngineStats {
	return core.EngineStats{
		ID:        e.id,
		Frames:    e.orchestrator.Frame(),
		Stages:    e.pipeline.StageCount(),
		Tasks:     e.registry.TaskCount(),
		Pending:   e.orchestrator.PendingOneShot(),
		Pool:      e.pool.Stats(),
		Arbiter:   e.arbiter.Stats(),
		LastFrame: e.orchestrator.LastFrame(),
	}
}

// RecentBatches returns up to limit batch records, newest first.
func (e *Engine) RecentBatches(limit int) []core.BatchRecord {
	return e.orchestrator.RecentBatches(limit)
}

// FrameBatches returns the batch records still held for one frame.
func (e *Engine) FrameBatches(frame uint64) ([]core.BatchRecord, bool) {
	return e.orchestrator.FrameBatches(frame)
}

func (e *Engine) ID() string { return e.id }
func (e *Engine) Logger() core.Logger { return e.logger }
func (e *Engine) Pool() *core.WorkerPool { return e.pool }
func (e *Engine) Arbiter() *core.ResourceArbiter { return e.arbiter }
func (e *Engine) Pipeline() *core.StagePipeline { return e.pipeline }
func (e *Engine) Registry() *core.TaskRegistry { return e.registry }
func (e *Engine) Orchestrator() *core.Orchestrator { return e.orchestrator }
func (e *Engine) Events() *core.EventBus { return e.events }
func (e *Engine) Entities() *core.Entities { return e.registry.Entities() }

// Scheduler returns the enqueue surface for producers outside task bodies.
func (e *Engine) Scheduler() core.Scheduler { return e.orchestrator }
