package prometheus

import (
	"context"
	"sync"
	"time"

	"github.com/Swind/go-frame-scheduler/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

// EngineSnapshotProvider provides current engine stats snapshots.
type EngineSnapshotProvider interface {
	Stats() core.EngineStats
}

// PoolSnapshotProvider provides current pool stats snapshots.
type PoolSnapshotProvider interface {
	Stats() core.PoolStats
}

// SnapshotPoller periodically exports engine/pool Stats() snapshots into Prometheus gauges.
type SnapshotPoller struct {
	interval time.Duration

	enginesMu sync.RWMutex
	engines   map[string]EngineSnapshotProvider

	poolsMu sync.RWMutex
	pools   map[string]PoolSnapshotProvider

	engineFrames  *prom.GaugeVec
	engineStages  *prom.GaugeVec
	engineTasks   *prom.GaugeVec
	enginePending *prom.GaugeVec
	engineGrants  *prom.GaugeVec

	poolQueued   *prom.GaugeVec
	poolActive   *prom.GaugeVec
	poolWorkers  *prom.GaugeVec
	poolRejected *prom.GaugeVec
	poolRunning  *prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	engineFrames := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "framesched",
		Name:      "engine_frames",
		Help:      "Frames run per engine.",
	}, []string{"engine"})
	engineStages := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "framesched",
		Name:      "engine_stages",
		Help:      "Stages in the engine's pipeline.",
	}, []string{"engine"})
	engineTasks := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "framesched",
		Name:      "engine_tasks",
		Help:      "Registered tasks per engine.",
	}, []string{"engine"})
	enginePending := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "framesched",
		Name:      "engine_pending_one_shot",
		Help:      "One-shot instances waiting for the next frame.",
	}, []string{"engine"})
	engineGrants := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "framesched",
		Name:      "engine_outstanding_grants",
		Help:      "Grants currently held in the resource arbiter.",
	}, []string{"engine"})

	poolQueued := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "framesched",
		Name:      "pool_queued",
		Help:      "Queued work items per pool.",
	}, []string{"pool"})
	poolActive := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "framesched",
		Name:      "pool_active",
		Help:      "Active work items per pool.",
	}, []string{"pool"})
	poolWorkers := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "framesched",
		Name:      "pool_workers",
		Help:      "Worker count per pool.",
	}, []string{"pool"})
	poolRejected := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "framesched",
		Name:      "pool_rejected_total",
		Help:      "Pool rejected work count snapshot.",
	}, []string{"pool"})
	poolRunning := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "framesched",
		Name:      "pool_running",
		Help:      "Pool running state (1=running, 0=stopped).",
	}, []string{"pool"})

	var err error
	if engineFrames, err = registerCollector(reg, engineFrames); err != nil {
		return nil, err
	}
	if engineStages, err = registerCollector(reg, engineStages); err != nil {
		return nil, err
	}
	if engineTasks, err = registerCollector(reg, engineTasks); err != nil {
		return nil, err
	}
	if enginePending, err = registerCollector(reg, enginePending); err != nil {
		return nil, err
	}
	if engineGrants, err = registerCollector(reg, engineGrants); err != nil {
		return nil, err
	}
	if poolQueued, err = registerCollector(reg, poolQueued); err != nil {
		return nil, err
	}
	if poolActive, err = registerCollector(reg, poolActive); err != nil {
		return nil, err
	}
	if poolWorkers, err = registerCollector(reg, poolWorkers); err != nil {
		return nil, err
	}
	if poolRejected, err = registerCollector(reg, poolRejected); err != nil {
		return nil, err
	}
	if poolRunning, err = registerCollector(reg, poolRunning); err != nil {
		return nil, err
	}

	return &SnapshotPoller{
		interval:      interval,
		engines:       make(map[string]EngineSnapshotProvider),
		pools:         make(map[string]PoolSnapshotProvider),
		engineFrames:  engineFrames,
		engineStages:  engineStages,
		engineTasks:   engineTasks,
		enginePending: enginePending,
		engineGrants:  engineGrants,
		poolQueued:    poolQueued,
		poolActive:    poolActive,
		poolWorkers:   poolWorkers,
		poolRejected:  poolRejected,
		poolRunning:   poolRunning,
	}, nil
}

// AddEngine adds or replaces an engine snapshot provider by name.
func (p *SnapshotPoller) AddEngine(name string, provider EngineSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "engine")
	p.enginesMu.Lock()
	p.engines[name] = provider
	p.enginesMu.Unlock()
}

// AddPool adds or replaces a pool snapshot provider by name.
func (p *SnapshotPoller) AddPool(name string, provider PoolSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "pool")
	p.poolsMu.Lock()
	p.pools[name] = provider
	p.poolsMu.Unlock()
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.stateMu.Unlock()

	go p.loop(pollCtx)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	p.stateMu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

func (p *SnapshotPoller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.collectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.collectOnce()
		}
	}
}

func (p *SnapshotPoller) collectOnce() {
	p.enginesMu.RLock()
	for name, provider := range p.engines {
		stats := provider.Stats()
		p.engineFrames.WithLabelValues(name).Set(float64(stats.Frames))
		p.engineStages.WithLabelValues(name).Set(float64(stats.Stages))
		p.engineTasks.WithLabelValues(name).Set(float64(stats.Tasks))
		p.enginePending.WithLabelValues(name).Set(float64(stats.Pending))
		p.engineGrants.WithLabelValues(name).Set(float64(stats.Arbiter.Outstanding))
	}
	p.enginesMu.RUnlock()

	p.poolsMu.RLock()
	for name, provider := range p.pools {
		p.setPool(name, provider.Stats())
	}
	p.poolsMu.RUnlock()
}

func (p *SnapshotPoller) setPool(name string, stats core.PoolStats) {
	p.poolQueued.WithLabelValues(name).Set(float64(stats.Queued))
	p.poolActive.WithLabelValues(name).Set(float64(stats.Active))
	p.poolWorkers.WithLabelValues(name).Set(float64(stats.Workers))
	p.poolRejected.WithLabelValues(name).Set(float64(stats.Rejected))
	if stats.Running {
		p.poolRunning.WithLabelValues(name).Set(1)
	} else {
		p.poolRunning.WithLabelValues(name).Set(0)
	}
}
