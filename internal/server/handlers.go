package server

import (
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/Swind/go-frame-scheduler/core"
)

const (
	defaultBatchLimit = 50
	maxBatchLimit     = 1000
)

type healthResponse struct {
	Status      string `json:"status"`
	Engine      string `json:"engine"`
	GoVersion   string `json:"go_version"`
	Uptime      string `json:"uptime"`
	Frames      uint64 `json:"frames"`
	PoolRunning bool   `json:"pool_running"`
}

// handleHealth answers 503 once the engine's pool has stopped.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	stats := s.engine.Stats()
	resp := healthResponse{
		Status:      "healthy",
		Engine:      stats.ID,
		GoVersion:   runtime.Version(),
		Uptime:      time.Since(s.startTime).Round(time.Second).String(),
		Frames:      stats.Frames,
		PoolRunning: stats.Pool.Running,
	}
	if !stats.Pool.Running {
		resp.Status = "stopped"
		respondJSON(w, http.StatusServiceUnavailable, response{Status: "error", RequestID: reqID, Data: resp, Error: "worker pool is not running"})
		return
	}
	respondOK(w, reqID, resp)
}

type frameView struct {
	Frame      uint64    `json:"frame"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS float64   `json:"duration_ms"`
	Stages     int       `json:"stages"`
	Batches    int       `json:"batches"`
	Instances  int       `json:"instances"`
	Conflicts  int       `json:"conflicts"`
	Dropped    int       `json:"dropped"`
	Stalls     int       `json:"stalls"`
	CarriedOut int       `json:"carried_out"`
}

type batchView struct {
	Frame      uint64    `json:"frame"`
	Task       string    `json:"task"`
	Stage      string    `json:"stage"`
	Instances  int       `json:"instances"`
	Panics     int       `json:"panics"`
	WorkerID   int       `json:"worker_id"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS float64   `json:"duration_ms"`
}

type framesResponse struct {
	Engine    string      `json:"engine"`
	Frames    uint64      `json:"frames"`
	Stages    int         `json:"stages"`
	Tasks     int         `json:"tasks"`
	Pending   int         `json:"pending"`
	Grants    int         `json:"outstanding_grants"`
	LastFrame frameView   `json:"last_frame"`
	Batches   []batchView `json:"batches"`
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// handleFrames returns engine stats and the newest batch records.
// ?limit=N caps the batch list. ?frame=N lists that frame's batches in
// completion order instead.
func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	limit := defaultBatchLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, reqID, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = min(n, maxBatchLimit)
	}

	var (
		frame    uint64
		hasFrame bool
	)
	if v := r.URL.Query().Get("frame"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			respondError(w, reqID, http.StatusBadRequest, "frame must be a non-negative integer")
			return
		}
		frame, hasFrame = n, true
	}

	stats := s.engine.Stats()
	last := stats.LastFrame
	resp := framesResponse{
		Engine:  stats.ID,
		Frames:  stats.Frames,
		Stages:  stats.Stages,
		Tasks:   stats.Tasks,
		Pending: stats.Pending,
		Grants:  stats.Arbiter.Outstanding,
		LastFrame: frameView{
			Frame:      last.Frame,
			StartedAt:  last.StartedAt,
			DurationMS: milliseconds(last.Duration),
			Stages:     last.Stages,
			Batches:    last.Batches,
			Instances:  last.Instances,
			Conflicts:  last.Conflicts,
			Dropped:    last.Dropped,
			Stalls:     last.Stalls,
			CarriedOut: last.CarriedOut,
		},
		Batches: []batchView{},
	}
	var records []core.BatchRecord
	switch {
	case hasFrame:
		held, ok := s.engine.FrameBatches(frame)
		if !ok {
			respondError(w, reqID, http.StatusNotFound, fmt.Sprintf("no batch records held for frame %d", frame))
			return
		}
		records = held[:min(limit, len(held))]
	case limit > 0:
		records = s.engine.RecentBatches(limit)
	}
	for _, b := range records {
		resp.Batches = append(resp.Batches, toBatchView(b))
	}
	respondOK(w, reqID, resp)
}

func toBatchView(b core.BatchRecord) batchView {
	stage := b.Stage
	if stage == "" {
		stage = "free"
	}
	return batchView{
		Frame:      b.Frame,
		Task:       b.Task,
		Stage:      stage,
		Instances:  b.Instances,
		Panics:     b.Panics,
		WorkerID:   b.WorkerID,
		StartedAt:  b.StartedAt,
		DurationMS: milliseconds(b.Duration),
	}
}
