package core

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

type attemptResult int

const (
	attemptBlocked attemptResult = iota
	attemptDropped
	attemptDispatched
)

type lane int

const (
	laneStage lane = iota
	laneFree
)

type queuedInstance struct {
	task Handle
	inst *TaskInstance
}

type frameStage struct {
	name   string
	tasks  []Handle
	cursor int
}

// frameState is everything the frame driver tracks for one frame. It is
// guarded by Orchestrator.mu.
type frameState struct {
	number  uint64
	ctx     context.Context
	stages  []frameStage
	signals []stageSignal
	current int

	free       []Handle
	inFree     map[Handle]bool
	freeCursor int

	completed map[Handle]bool
	inFlight  int
	// epoch changes whenever a batch finishes or an instance is submitted,
	// so the driver can tell a stalled pass from one that raced with them.
	epoch uint64
	stats FrameStats
}

func (f *frameState) pushFree(h Handle) {
	if f.inFree[h] {
		return
	}
	f.inFree[h] = true
	f.free = append(f.free, h)
}

// batch is one grant and the instances dispatched under it.
type batch struct {
	frame     *frameState
	task      *TaskDescriptor
	token     GrantToken
	instances []*TaskInstance
	stage     string
	due       int
	sem       *semaphore.Weighted
}

// Orchestrator is the frame driver. Once per RunFrame it walks the stage
// pipeline, pulls eligible tasks through the arbiter and hands batches to the
// worker pool, while draining the free stack of one-shot instances. It never
// runs task bodies itself.
type Orchestrator struct {
	registry *TaskRegistry
	pipeline *StagePipeline
	arbiter  *ResourceArbiter
	pool     *WorkerPool

	fairness     FairnessPolicy
	fanOut       int
	metrics      Metrics
	panicHandler PanicHandler
	logger       Logger
	contract     contract
	batches      *batchLog

	busy atomic.Bool

	mu         sync.Mutex
	frame      *frameState
	incoming   []queuedInstance
	carried    []Handle
	frameCount uint64
	lastFrame  FrameStats
}

// NewOrchestrator wires a frame driver over existing components.
func NewOrchestrator(registry *TaskRegistry, arbiter *ResourceArbiter, pool *WorkerPool, config *SchedulerConfig) *Orchestrator {
	cfg := config.resolved()
	return &Orchestrator{
		registry:     registry,
		pipeline:     registry.Pipeline(),
		arbiter:      arbiter,
		pool:         pool,
		fairness:     cfg.Fairness,
		fanOut:       cfg.StageFanOut,
		metrics:      cfg.Metrics,
		panicHandler: cfg.PanicHandler,
		logger:       cfg.Logger,
		contract:     contract{assertions: cfg.Assertions, logger: cfg.Logger},
		batches:      newBatchLog(cfg.HistoryCapacity),
	}
}

// RunFrame runs one frame to completion: every stage opened and closed in
// order, the free stack drained or carried over, and no batch in flight.
// Cancelling ctx stops dispatching; batches already handed to the pool still
// run before RunFrame returns.
func (o *Orchestrator) RunFrame(ctx context.Context) (FrameStats, error) {
	if !o.busy.CompareAndSwap(false, true) {
		return FrameStats{}, ErrFrameInProgress
	}
	defer o.busy.Store(false)

	if !o.pool.IsRunning() {
		return FrameStats{}, ErrPoolStopped
	}

	f := o.beginFrame(ctx)
	err := o.drive(ctx, f)
	stats := o.endFrame(f)
	if err != nil {
		return stats, fmt.Errorf("frame %d: %w", stats.Frame, err)
	}
	return stats, nil
}

func (o *Orchestrator) beginFrame(ctx context.Context) *frameState {
	if n := o.arbiter.Outstanding(); n != 0 {
		o.logger.Error("Grants outstanding at frame start", F("grants", n))
	}

	snap := o.pipeline.Snapshot()

	o.mu.Lock()
	defer o.mu.Unlock()

	f := &frameState{
		number:    o.frameCount,
		ctx:       ctx,
		stages:    make([]frameStage, len(snap)),
		signals:   newStageSignals(len(snap), o.fanOut),
		inFree:    make(map[Handle]bool),
		completed: make(map[Handle]bool),
		stats: FrameStats{
			Frame:     o.frameCount,
			StartedAt: time.Now(),
			Stages:    len(snap),
		},
	}

	for i, s := range snap {
		fs := frameStage{name: s.Name}
		for _, h := range s.Tasks {
			d, ok := o.registry.Descriptor(h)
			if !ok {
				continue
			}
			insts := o.recurringInstances(d)
			d.mu.Lock()
			d.stagePending = insts
			d.mu.Unlock()
			if len(insts) > 0 {
				fs.tasks = append(fs.tasks, h)
			}
		}
		f.stages[i] = fs
	}

	for _, h := range o.carried {
		f.pushFree(h)
	}
	o.carried = nil

	for _, q := range o.incoming {
		d, ok := o.registry.Descriptor(q.task)
		if !ok {
			f.stats.Dropped++
			continue
		}
		d.mu.Lock()
		d.freePending = append(d.freePending, q.inst)
		d.mu.Unlock()
		f.pushFree(q.task)
	}
	o.incoming = nil

	o.frame = f
	return f
}

func (o *Orchestrator) recurringInstances(d *TaskDescriptor) []*TaskInstance {
	if !d.entityType.IsValid() {
		return []*TaskInstance{d.newInstance(d.arg, EntityRef{})}
	}
	refs := o.registry.Entities().LiveEntities(d.entityType)
	insts := make([]*TaskInstance, 0, len(refs))
	for _, ref := range refs {
		insts = append(insts, d.newInstance(d.arg, ref))
	}
	return insts
}

// drive is the per-frame loop. It returns once no stage is open, the free
// stack is empty or stalled, and nothing is in flight.
func (o *Orchestrator) drive(ctx context.Context, f *frameState) error {
	for {
		if err := ctx.Err(); err != nil {
			o.drain(f)
			return err
		}

		o.mu.Lock()
		mark := f.epoch
		o.mu.Unlock()

		progressed := false
		stageOpen := o.advanceStages(f)
		if stageOpen {
			p, err := o.dispatchStage(ctx, f)
			if err != nil {
				o.drain(f)
				return err
			}
			progressed = p
			stageOpen = o.advanceStages(f)
		}

		p, err := o.dispatchFree(f)
		if err != nil {
			o.drain(f)
			return err
		}
		progressed = progressed || p

		o.mu.Lock()
		inFlight := f.inFlight
		freeEmpty := len(f.free) == 0
		raced := f.epoch != mark
		o.mu.Unlock()

		if !stageOpen && freeEmpty && inFlight == 0 {
			return nil
		}
		if progressed || raced {
			continue
		}
		if inFlight > 0 {
			select {
			case <-o.arbiter.Changed():
			case <-ctx.Done():
			}
			continue
		}

		// Nothing in flight and nothing dispatchable.
		if stageOpen {
			o.forceClose(f)
			continue
		}
		// Only one-shot instances that cannot become ready this frame remain.
		return nil
	}
}

// advanceStages closes every leading stage whose list is empty and whose due
// work has finished. It reports whether a stage is still open.
func (o *Orchestrator) advanceStages(f *frameState) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	for f.current < len(f.stages) {
		st := &f.stages[f.current]
		if len(st.tasks) > 0 || f.signals[f.current].due > 0 {
			return true
		}
		o.logger.Debug("Stage closed", F("stage", st.name), F("frame", f.number))
		f.current++
	}
	return false
}

// dispatchStage makes one pass over the current stage's recurring list.
func (o *Orchestrator) dispatchStage(ctx context.Context, f *frameState) (bool, error) {
	o.mu.Lock()
	idx := f.current
	sem := f.signals[idx].sem
	o.mu.Unlock()

	progressed := false
	failures := 0
	for {
		o.mu.Lock()
		n := len(f.stages[idx].tasks)
		o.mu.Unlock()

		if n == 0 || failures >= n {
			return progressed, nil
		}
		if failures > 0 && o.fairness == FairnessStopOnFirstFailure {
			return progressed, nil
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			return progressed, err
		}

		b, res := o.attempt(f, laneStage, idx)
		switch res {
		case attemptDispatched:
			progressed = true
			failures = 0
			b.sem = sem
			if err := o.enqueueBatch(b); err != nil {
				return progressed, err
			}
		case attemptDropped:
			progressed = true
			sem.Release(1)
			if o.fairness == FairnessStopOnFirstFailure {
				return progressed, nil
			}
		default:
			failures++
			sem.Release(1)
		}
	}
}

// dispatchFree makes one pass over the free stack. One-shot instances carry
// no stage restriction.
func (o *Orchestrator) dispatchFree(f *frameState) (bool, error) {
	progressed := false
	failures := 0
	for {
		o.mu.Lock()
		n := len(f.free)
		o.mu.Unlock()

		if n == 0 || failures >= n {
			return progressed, nil
		}
		if failures > 0 && o.fairness == FairnessStopOnFirstFailure {
			return progressed, nil
		}

		b, res := o.attempt(f, laneFree, UnboundedStage)
		switch res {
		case attemptDispatched:
			progressed = true
			failures = 0
			if err := o.enqueueBatch(b); err != nil {
				return progressed, err
			}
		case attemptDropped:
			progressed = true
			if o.fairness == FairnessStopOnFirstFailure {
				return progressed, nil
			}
		default:
			failures++
		}
	}
}

// attempt tries to dispatch the task under the round-robin cursor of a list.
func (o *Orchestrator) attempt(f *frameState, l lane, stageIdx int) (*batch, attemptResult) {
	o.mu.Lock()
	defer o.mu.Unlock()

	list, cursor := &f.free, &f.freeCursor
	stageName := ""
	if l == laneStage {
		list, cursor = &f.stages[stageIdx].tasks, &f.stages[stageIdx].cursor
		stageName = f.stages[stageIdx].name
	}
	if len(*list) == 0 {
		return nil, attemptBlocked
	}

	i := *cursor % len(*list)
	h := (*list)[i]
	remove := func() {
		*list = append((*list)[:i], (*list)[i+1:]...)
		if l == laneFree {
			delete(f.inFree, h)
		}
		if len(*list) == 0 || i >= len(*list) {
			*cursor = 0
		} else {
			*cursor = i
		}
	}
	advance := func() {
		*cursor = (i + 1) % len(*list)
	}

	d, ok := o.registry.Descriptor(h)
	if !ok {
		remove()
		return nil, attemptDropped
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	pending := &d.freePending
	if l == laneStage {
		pending = &d.stagePending
	}
	if len(*pending) == 0 {
		remove()
		return nil, attemptDropped
	}

	token, ok := o.arbiter.TryAcquire(d.access)
	if !ok {
		f.stats.Conflicts++
		o.metrics.RecordArbitrationConflict(d.name)
		advance()
		return nil, attemptBlocked
	}

	predDone := !d.predecessor.IsValid() || f.completed[d.predecessor]
	all := *pending
	kept := all[:0]
	for _, inst := range all {
		if !predDone {
			kept = append(kept, inst)
			continue
		}
		ready, alive := o.ready(inst)
		switch {
		case !alive:
			f.stats.Dropped++
		case ready:
			o.arbiter.AddInstance(token, inst)
		default:
			kept = append(kept, inst)
		}
	}
	for j := len(kept); j < len(all); j++ {
		all[j] = nil
	}
	*pending = kept

	if !o.arbiter.HasValidInstances(token) {
		o.arbiter.Revoke(token)
		if len(kept) == 0 {
			remove()
			return nil, attemptDropped
		}
		advance()
		return nil, attemptBlocked
	}

	b := &batch{
		frame:     f,
		task:      d,
		token:     token,
		instances: o.arbiter.Instances(token),
		stage:     stageName,
		due:       d.endStage,
	}
	f.inFlight++
	d.inFlight++
	if b.due != UnboundedStage && b.due < len(f.signals) {
		f.signals[b.due].due++
	}
	f.stats.Batches++
	f.stats.Instances += len(b.instances)

	if len(kept) == 0 {
		remove()
	} else {
		advance()
	}
	return b, attemptDispatched
}

// ready reports whether the instance's entity has reached its checkpoint.
// alive is false when the entity no longer exists.
func (o *Orchestrator) ready(inst *TaskInstance) (ready, alive bool) {
	if !inst.entity.IsValid() {
		return true, true
	}
	step, ok := o.registry.Entities().SetupStep(inst.entity)
	if !ok {
		return false, false
	}
	return step == inst.checkpoint, true
}

func (o *Orchestrator) enqueueBatch(b *batch) error {
	err := o.pool.Enqueue(func(workerID int) {
		o.runBatch(b, workerID)
	})
	if err != nil {
		o.logger.Error("Batch rejected by worker pool",
			F("task", b.task.name), F("instances", len(b.instances)), F("error", err))
		o.finish(b)
		return err
	}
	return nil
}

// runBatch executes every instance of a batch on a worker, then hands the
// grant back.
func (o *Orchestrator) runBatch(b *batch, workerID int) {
	d := b.task
	startedAt := time.Now()
	panics := 0

	for _, inst := range b.instances {
		tc := &TaskContext{
			Context:   b.frame.ctx,
			Frame:     b.frame.number,
			Task:      d.name,
			WorkerID:  workerID,
			Entity:    inst.entity,
			Scheduler: o,
			Logger:    o.logger,
		}
		if !o.invoke(tc, inst) {
			panics++
			continue
		}
		if d.advancesSetup && inst.entity.IsValid() {
			o.registry.Entities().AdvanceSetup(inst.entity)
		}
	}

	finishedAt := time.Now()
	record := BatchRecord{
		Frame:      b.frame.number,
		Task:       d.name,
		Stage:      b.stage,
		Instances:  len(b.instances),
		Panics:     panics,
		WorkerID:   workerID,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		Duration:   finishedAt.Sub(startedAt),
	}
	o.batches.Add(record)
	o.metrics.RecordTaskDuration(d.name, b.stage, record.Duration)

	o.finish(b)
}

// invoke runs one instance and reports whether it returned normally.
func (o *Orchestrator) invoke(tc *TaskContext, inst *TaskInstance) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			o.panicHandler.HandlePanic(tc.Context, tc.Task, tc.WorkerID, r, debug.Stack())
			o.metrics.RecordTaskPanic(tc.Task, r)
			o.logger.Error("Task panicked",
				F("task", tc.Task), F("frame", tc.Frame), F("worker", tc.WorkerID), F("panic", r))
		}
	}()
	inst.call.Invoke(tc)
	return true
}

// finish updates the frame bookkeeping for a completed batch and releases its
// grant. Both happen under o.mu so a woken frame driver sees them together.
func (o *Orchestrator) finish(b *batch) {
	o.mu.Lock()
	defer o.mu.Unlock()

	f := b.frame
	f.inFlight--
	f.epoch++
	if b.due != UnboundedStage && b.due < len(f.signals) {
		f.signals[b.due].due--
	}

	d := b.task
	d.mu.Lock()
	d.inFlight--
	if d.awaited && d.idleLocked() {
		f.completed[d.handle] = true
	}
	d.mu.Unlock()

	if b.sem != nil {
		b.sem.Release(1)
	}
	o.arbiter.Release(b.token)
}

// drain waits for every batch in flight. Accepted instances are never cancelled.
func (o *Orchestrator) drain(f *frameState) {
	for {
		o.mu.Lock()
		n := f.inFlight
		o.mu.Unlock()
		if n == 0 {
			return
		}
		<-o.arbiter.Changed()
	}
}

// forceClose closes the current stage when nothing is in flight and none of
// its tasks can become ready. Tasks whose end stage is later move on to the
// next stage; the rest drop their pending instances.
func (o *Orchestrator) forceClose(f *frameState) {
	o.mu.Lock()
	defer o.mu.Unlock()

	idx := f.current
	st := &f.stages[idx]
	f.stats.Stalls++

	carried, dropped := 0, 0
	for _, h := range st.tasks {
		d, ok := o.registry.Descriptor(h)
		if !ok {
			continue
		}
		if d.endStage > idx && idx+1 < len(f.stages) {
			f.stages[idx+1].tasks = append(f.stages[idx+1].tasks, h)
			carried++
			continue
		}
		d.mu.Lock()
		dropped += len(d.stagePending)
		d.stagePending = nil
		d.mu.Unlock()
	}
	f.stats.Dropped += dropped

	o.logger.Warn("Stage stalled, closing it",
		F("stage", st.name),
		F("frame", f.number),
		F("carried_tasks", carried),
		F("dropped_instances", dropped),
	)
	st.tasks = nil
	st.cursor = 0
	f.current++
}

func (o *Orchestrator) endFrame(f *frameState) FrameStats {
	o.mu.Lock()
	for i := range f.stages {
		for _, h := range f.stages[i].tasks {
			if d, ok := o.registry.Descriptor(h); ok {
				d.mu.Lock()
				f.stats.Dropped += len(d.stagePending)
				d.stagePending = nil
				d.mu.Unlock()
			}
		}
	}
	for _, h := range f.free {
		if d, ok := o.registry.Descriptor(h); ok {
			f.stats.CarriedOut += d.Pending()
		}
	}
	o.carried = append(o.carried, f.free...)

	f.stats.Duration = time.Since(f.stats.StartedAt)
	stats := f.stats
	o.frame = nil
	o.frameCount++
	o.lastFrame = stats
	o.mu.Unlock()

	if n := o.arbiter.Outstanding(); n != 0 {
		o.logger.Error("Grants outstanding at frame end", F("frame", stats.Frame), F("grants", n))
	}
	o.metrics.RecordFrame(stats)
	o.logger.Debug("Frame finished",
		F("frame", stats.Frame),
		F("batches", stats.Batches),
		F("instances", stats.Instances),
		F("conflicts", stats.Conflicts),
		F("duration", stats.Duration),
	)
	return stats
}

// submit implements Scheduler.
func (o *Orchestrator) submit(task Handle, arg any, entities []EntityRef, deferred bool) error {
	d, ok := o.registry.Descriptor(task)
	if !ok {
		err := &ContractError{Op: "EnqueueTask", Detail: fmt.Sprintf("task %s is not registered", task)}
		o.contract.violate(err.Op, "%s", err.Detail)
		return err
	}

	var insts []*TaskInstance
	if len(entities) == 0 {
		insts = []*TaskInstance{d.newInstance(arg, EntityRef{})}
	} else {
		insts = make([]*TaskInstance, 0, len(entities))
		for _, ref := range entities {
			insts = append(insts, d.newInstance(arg, ref))
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if deferred || o.frame == nil {
		for _, inst := range insts {
			o.incoming = append(o.incoming, queuedInstance{task: task, inst: inst})
		}
		return nil
	}

	d.mu.Lock()
	d.freePending = append(d.freePending, insts...)
	d.mu.Unlock()
	o.frame.pushFree(task)
	o.frame.epoch++
	o.arbiter.Notify()
	return nil
}

// Frame returns the number of frames run so far.
func (o *Orchestrator) Frame() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.frameCount
}

// InFrame reports whether RunFrame is executing.
func (o *Orchestrator) InFrame() bool {
	return o.busy.Load()
}

func (o *Orchestrator) LastFrame() FrameStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastFrame
}

// PendingOneShot returns the number of one-shot instances waiting for the next frame.
func (o *Orchestrator) PendingOneShot() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	n := len(o.incoming)
	for _, h := range o.carried {
		if d, ok := o.registry.Descriptor(h); ok {
			n += d.Pending()
		}
	}
	return n
}

// RecentBatches returns up to limit batch records, newest first.
func (o *Orchestrator) RecentBatches(limit int) []BatchRecord {
	return o.batches.Recent(limit)
}

// LastBatch returns the most recently completed batch.
func (o *Orchestrator) LastBatch() (BatchRecord, bool) {
	return o.batches.Last()
}

// FrameBatches returns the batch records still held for frame, in completion
// order.
func (o *Orchestrator) FrameBatches(frame uint64) ([]BatchRecord, bool) {
	return o.batches.Frame(frame)
}
