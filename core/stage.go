package core

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

type stageEntry struct {
	name  string
	tasks []Handle
}

// StageInfo describes one stage.
type StageInfo struct {
	Name  string
	Index int
	Tasks int
}

// StageSnapshot is a stage with a copy of its recurring task list.
type StageSnapshot struct {
	Name  string
	Index int
	Tasks []Handle
}

// StagePipeline is the ordered, append-only list of stages. Each stage owns
// the handles of the recurring tasks dispatched while it is open.
type StagePipeline struct {
	mu       sync.RWMutex
	stages   []*stageEntry
	byName   map[string]int
	contract contract
	logger   Logger
}

// NewStagePipeline creates an empty pipeline.
func NewStagePipeline(config *SchedulerConfig) *StagePipeline {
	cfg := config.resolved()
	return &StagePipeline{
		byName:   make(map[string]int),
		contract: contract{assertions: cfg.Assertions, logger: cfg.Logger},
		logger:   cfg.Logger,
	}
}

// AddStage appends a stage and returns its index. Stage names are unique;
// adding a name twice is a contract violation and leaves the pipeline as is.
func (p *StagePipeline) AddStage(name string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if name == "" {
		p.contract.violate("AddStage", "stage name is empty")
		return -1, false
	}
	if idx, ok := p.byName[name]; ok {
		p.contract.violate("AddStage", "stage %q already exists", name)
		return idx, false
	}

	idx := len(p.stages)
	p.stages = append(p.stages, &stageEntry{name: name})
	p.byName[name] = idx
	p.logger.Debug("Stage added", F("stage", name), F("index", idx))
	return idx, true
}

// Stage looks a stage up by name.
func (p *StagePipeline) Stage(name string) (StageInfo, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	idx, ok := p.byName[name]
	if !ok {
		return StageInfo{}, false
	}
	return StageInfo{Name: name, Index: idx, Tasks: len(p.stages[idx].tasks)}, true
}

// StageName returns the name of the stage at idx, or "" when out of range.
func (p *StagePipeline) StageName(idx int) string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if idx < 0 || idx >= len(p.stages) {
		return ""
	}
	return p.stages[idx].name
}

func (p *StagePipeline) StageCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.stages)
}

// Snapshot copies every stage and its recurring list.
func (p *StagePipeline) Snapshot() []StageSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]StageSnapshot, len(p.stages))
	for i, s := range p.stages {
		tasks := make([]Handle, len(s.tasks))
		copy(tasks, s.tasks)
		out[i] = StageSnapshot{Name: s.name, Index: i, Tasks: tasks}
	}
	return out
}

func (p *StagePipeline) indexOf(name string) (int, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	idx, ok := p.byName[name]
	return idx, ok
}

func (p *StagePipeline) appendTask(idx int, h Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stages[idx].tasks = append(p.stages[idx].tasks, h)
}

func (p *StagePipeline) hasTask(idx int, h Handle) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, t := range p.stages[idx].tasks {
		if t == h {
			return true
		}
	}
	return false
}

func (p *StagePipeline) removeTask(idx int, h Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	tasks := p.stages[idx].tasks
	for i, t := range tasks {
		if t == h {
			p.stages[idx].tasks = append(tasks[:i], tasks[i+1:]...)
			return true
		}
	}
	return false
}

// stageSignal is the per-frame counting signal of one stage. The semaphore
// bounds how many of the stage's batches may be in flight; due counts the
// in-flight batches whose end stage is this one.
type stageSignal struct {
	sem *semaphore.Weighted
	due int
}

func newStageSignals(n, fanOut int) []stageSignal {
	signals := make([]stageSignal, n)
	for i := range signals {
		signals[i].sem = semaphore.NewWeighted(int64(fanOut))
	}
	return signals
}
