package core

import "time"

// BatchRecord captures one completed batch: a single grant and every
// instance that ran under it.
type BatchRecord struct {
	Frame      uint64
	Task       string
	Stage      string
	Instances  int
	Panics     int
	WorkerID   int
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
}

// FrameStats summarizes one call to RunFrame.
type FrameStats struct {
	Frame      uint64
	StartedAt  time.Time
	Duration   time.Duration
	Stages     int
	Batches    int
	Instances  int
	Conflicts  int
	Dropped    int
	Stalls     int
	CarriedOut int
}

// PoolStats represents runtime observability state for the worker pool.
type PoolStats struct {
	ID       string
	Workers  int
	Queued   int
	Active   int
	Executed int64
	Rejected int64
	Running  bool
}

// ArbiterStats represents the grant table of the resource arbiter.
type ArbiterStats struct {
	Outstanding int
	Acquired    uint64
	Released    uint64
	Conflicts   uint64
}

// EngineStats is a point-in-time view over every component of an engine.
type EngineStats struct {
	ID        string
	Frames    uint64
	Stages    int
	Tasks     int
	Pending   int
	Pool      PoolStats
	Arbiter   ArbiterStats
	LastFrame FrameStats
}
