package core

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// WorkerPool is a fixed set of worker goroutines, each owning one WorkQueue.
// Enqueue spreads work over the queues and idle workers steal from the
// queues of busy ones before blocking on their own.
type WorkerPool struct {
	id          string
	queues      []*WorkQueue
	queueNames  []string
	stealRounds int
	next        atomic.Uint32
	// wake is posted after every push so sleeping workers rescan all queues.
	wake chan struct{}

	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	running   bool
	stopped   bool
	runningMu sync.RWMutex

	metricActive atomic.Int32
	executed     atomic.Int64
	rejected     atomic.Int64

	// Handlers and Metrics
	panicHandler        PanicHandler
	metrics             Metrics
	rejectedTaskHandler RejectedTaskHandler
	logger              Logger
}

// NewWorkerPool creates a pool sized by config. The pool does nothing until Start.
func NewWorkerPool(id string, config *SchedulerConfig) *WorkerPool {
	cfg := config.resolved()
	if id == "" {
		id = defaultPoolID
	}

	p := &WorkerPool{
		id:                  id,
		queues:              make([]*WorkQueue, cfg.Workers),
		queueNames:          make([]string, cfg.Workers),
		stealRounds:         cfg.StealRounds,
		wake:                make(chan struct{}, cfg.Workers),
		panicHandler:        cfg.PanicHandler,
		metrics:             cfg.Metrics,
		rejectedTaskHandler: cfg.RejectedTaskHandler,
		logger:              cfg.Logger,
	}
	for i := range p.queues {
		p.queues[i] = NewWorkQueue(cfg.QueueCapacity)
		p.queueNames[i] = fmt.Sprintf("%s/%d", id, i)
	}
	return p
}

// Start starts all worker goroutines
func (p *WorkerPool) Start(ctx context.Context) {
	p.runningMu.Lock()
	defer p.runningMu.Unlock()

	if p.running || p.stopped {
		return
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.running = true

	for i := range p.queues {
		p.wg.Add(1)
		go p.workerLoop(i)
	}
	p.logger.Debug("Worker pool started", F("pool", p.id), F("workers", len(p.queues)))
}

// Stop ends every queue and joins every worker. Work pushed before Stop still
// runs; work offered afterwards is rejected. A stopped pool cannot be restarted.
func (p *WorkerPool) Stop() {
	p.runningMu.Lock()
	if p.stopped {
		p.runningMu.Unlock()
		return
	}
	p.stopped = true
	wasRunning := p.running
	p.running = false
	p.runningMu.Unlock()

	for _, q := range p.queues {
		q.End()
	}
	if !wasRunning {
		return
	}

	p.Join()
	if p.cancel != nil {
		p.cancel()
	}
	p.logger.Debug("Worker pool stopped", F("pool", p.id), F("executed", p.executed.Load()))
}

// Join waits for all worker goroutines to finish
func (p *WorkerPool) Join() {
	p.wg.Wait()
}

// Enqueue hands item to a worker. It makes StealRounds round trips of
// non-blocking pushes over all queues starting at a rotating index, then
// falls back to a blocking push into the queue at that index.
func (p *WorkerPool) Enqueue(item WorkItem) error {
	if !p.IsRunning() {
		p.reject("stopped")
		return ErrPoolStopped
	}

	n := len(p.queues)
	start := int(p.next.Add(1)-1) % n
	for i := 0; i < n*p.stealRounds; i++ {
		idx := (start + i) % n
		if p.queues[idx].TryPush(item) {
			p.pushed(idx)
			return nil
		}
	}

	if p.queues[start].Push(item) {
		p.pushed(start)
		return nil
	}

	// The queue ended between the running check and the push.
	p.reject("stopped")
	return ErrPoolStopped
}

// WaitIdle blocks until every queue has no pending work.
func (p *WorkerPool) WaitIdle(ctx context.Context) error {
	for _, q := range p.queues {
		if err := q.WaitIdle(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *WorkerPool) pushed(idx int) {
	p.metrics.RecordQueueDepth(p.queueNames[idx], p.queues[idx].Len())
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *WorkerPool) reject(reason string) {
	p.rejected.Add(1)
	p.rejectedTaskHandler.HandleRejectedTask(p.id, reason)
	p.metrics.RecordTaskRejected(p.id, reason)
}

// workerLoop is the main loop for each worker
func (p *WorkerPool) workerLoop(id int) {
	defer p.wg.Done()

	own := p.queues[id]
	for {
		item, q, ok := p.steal(id)
		if !ok {
			// Nothing anywhere: block on our own queue
			var woken bool
			item, ok, woken = own.PopOr(p.wake)
			if woken {
				continue
			}
			if !ok {
				// Ended and drained
				return
			}
			q = own
		}

		p.execute(id, item)
		q.Done()
	}
}

// steal scans StealRounds round trips over all queues starting at the
// worker's own index.
func (p *WorkerPool) steal(id int) (WorkItem, *WorkQueue, bool) {
	n := len(p.queues)
	for i := 0; i < n*p.stealRounds; i++ {
		q := p.queues[(id+i)%n]
		if item, ok := q.TryPop(); ok {
			return item, q, true
		}
	}
	return nil, nil, false
}

func (p *WorkerPool) execute(id int, item WorkItem) {
	p.metricActive.Add(1)
	defer func() {
		p.metricActive.Add(-1)
		p.executed.Add(1)
		if r := recover(); r != nil {
			p.panicHandler.HandlePanic(p.ctx, p.id, id, r, debug.Stack())
			p.metrics.RecordTaskPanic(p.id, r)
		}
	}()
	item(id)
}

// ID returns the ID of the pool
func (p *WorkerPool) ID() string {
	return p.id
}

// IsRunning returns whether the pool accepts work
func (p *WorkerPool) IsRunning() bool {
	p.runningMu.RLock()
	defer p.runningMu.RUnlock()
	return p.running
}

// WorkerCount returns the number of workers
func (p *WorkerPool) WorkerCount() int {
	return len(p.queues)
}

func (p *WorkerPool) QueuedTaskCount() int {
	total := 0
	for _, q := range p.queues {
		total += q.Len()
	}
	return total
}

func (p *WorkerPool) ActiveTaskCount() int {
	return int(p.metricActive.Load())
}

func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		ID:       p.id,
		Workers:  len(p.queues),
		Queued:   p.QueuedTaskCount(),
		Active:   p.ActiveTaskCount(),
		Executed: p.executed.Load(),
		Rejected: p.rejected.Load(),
		Running:  p.IsRunning(),
	}
}
