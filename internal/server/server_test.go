package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Swind/go-frame-scheduler/core"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type engineStub struct {
	stats   core.EngineStats
	batches []core.BatchRecord
	limits  []int
	frames  []uint64
}

func (e *engineStub) Stats() core.EngineStats { return e.stats }

func (e *engineStub) RecentBatches(limit int) []core.BatchRecord {
	e.limits = append(e.limits, limit)
	if limit < len(e.batches) {
		return e.batches[:limit]
	}
	return e.batches
}

func (e *engineStub) FrameBatches(frame uint64) ([]core.BatchRecord, bool) {
	e.frames = append(e.frames, frame)
	var out []core.BatchRecord
	for _, b := range e.batches {
		if b.Frame == frame {
			out = append(out, b)
		}
	}
	return out, len(out) > 0
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

// envelope is used to decode the standard response envelope.
type envelope struct {
	Status    string          `json:"status"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
}

func doGet(t *testing.T, srv *Server, path string, wantStatus int) envelope {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, wantStatus, w.Code, "GET %s body=%s", path, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, w.Header().Get("X-Request-ID"), env.RequestID)
	return env
}

func TestHealth(t *testing.T) {
	eng := &engineStub{stats: core.EngineStats{ID: "e1", Frames: 12, Pool: core.PoolStats{Running: true}}}
	srv := New(eng, quietLogger())

	env := doGet(t, srv, "/healthz", http.StatusOK)

	assert.Equal(t, "ok", env.Status)
	var data healthResponse
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "healthy", data.Status)
	assert.Equal(t, "e1", data.Engine)
	assert.Equal(t, uint64(12), data.Frames)
	assert.True(t, data.PoolRunning)
}

func TestHealth_PoolStopped(t *testing.T) {
	srv := New(&engineStub{stats: core.EngineStats{ID: "e1"}}, quietLogger())

	env := doGet(t, srv, "/healthz", http.StatusServiceUnavailable)

	assert.Equal(t, "error", env.Status)
	assert.Equal(t, "worker pool is not running", env.Error)
	var data healthResponse
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "stopped", data.Status)
}

// TestFrames verifies the batch history endpoint
// Given: An engine with stats and three batch records, one of them free-lane
// When: /debug/frames is requested with limit=2
// Then: Two batches come back with the free lane named and durations in ms
func TestFrames(t *testing.T) {
	// Arrange
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	eng := &engineStub{
		stats: core.EngineStats{
			ID: "e1", Frames: 3, Stages: 2, Tasks: 4, Pending: 1,
			Arbiter:   core.ArbiterStats{Outstanding: 0},
			LastFrame: core.FrameStats{Frame: 2, StartedAt: start, Duration: 1500 * time.Microsecond, Batches: 3, Instances: 5},
		},
		batches: []core.BatchRecord{
			{Frame: 2, Task: "toast", Stage: "", Instances: 1, WorkerID: 1, StartedAt: start, Duration: 2 * time.Millisecond},
			{Frame: 2, Task: "draw", Stage: "present", Instances: 4, StartedAt: start, Duration: time.Millisecond},
			{Frame: 1, Task: "draw", Stage: "present", Instances: 4, StartedAt: start},
		},
	}
	srv := New(eng, quietLogger())

	// Act
	env := doGet(t, srv, "/debug/frames?limit=2", http.StatusOK)

	// Assert
	var data framesResponse
	require.NoError(t, json.Unmarshal(env.Data, &data))
	want := framesResponse{
		Engine: "e1", Frames: 3, Stages: 2, Tasks: 4, Pending: 1,
		LastFrame: frameView{Frame: 2, StartedAt: start, DurationMS: 1.5, Batches: 3, Instances: 5},
		Batches: []batchView{
			{Frame: 2, Task: "toast", Stage: "free", Instances: 1, WorkerID: 1, StartedAt: start, DurationMS: 2},
			{Frame: 2, Task: "draw", Stage: "present", Instances: 4, StartedAt: start, DurationMS: 1},
		},
	}
	if diff := cmp.Diff(want, data); diff != "" {
		t.Errorf("/debug/frames mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []int{2}, eng.limits)
}

func TestFrames_Limits(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantLimits []int
	}{
		{"default", "", http.StatusOK, []int{defaultBatchLimit}},
		{"capped", "?limit=100000", http.StatusOK, []int{maxBatchLimit}},
		{"zero skips history", "?limit=0", http.StatusOK, nil},
		{"negative", "?limit=-1", http.StatusBadRequest, nil},
		{"not a number", "?limit=many", http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &engineStub{}
			srv := New(eng, quietLogger())

			env := doGet(t, srv, "/debug/frames"+tt.query, tt.wantStatus)

			assert.Equal(t, tt.wantLimits, eng.limits)
			if tt.wantStatus != http.StatusOK {
				assert.Equal(t, "error", env.Status)
			}
		})
	}
}

// TestFrames_OneFrame verifies the per-frame batch query
// Given: An engine holding batches of frames 1 and 2
// When: /debug/frames is requested for a single frame
// Then: Only that frame's batches come back, and unknown frames are 404
func TestFrames_OneFrame(t *testing.T) {
	// Arrange
	eng := &engineStub{batches: []core.BatchRecord{
		{Frame: 2, Task: "toast", Instances: 1},
		{Frame: 2, Task: "draw", Stage: "present", Instances: 4},
		{Frame: 1, Task: "draw", Stage: "present", Instances: 4},
	}}
	srv := New(eng, quietLogger())

	// Act
	env := doGet(t, srv, "/debug/frames?frame=2", http.StatusOK)
	capped := doGet(t, srv, "/debug/frames?frame=2&limit=1", http.StatusOK)
	missing := doGet(t, srv, "/debug/frames?frame=9", http.StatusNotFound)
	bad := doGet(t, srv, "/debug/frames?frame=-1", http.StatusBadRequest)

	// Assert
	var data framesResponse
	require.NoError(t, json.Unmarshal(env.Data, &data))
	want := []batchView{
		{Frame: 2, Task: "toast", Stage: "free", Instances: 1},
		{Frame: 2, Task: "draw", Stage: "present", Instances: 4},
	}
	if diff := cmp.Diff(want, data.Batches); diff != "" {
		t.Errorf("frame=2 batches mismatch (-want +got):\n%s", diff)
	}
	var one framesResponse
	require.NoError(t, json.Unmarshal(capped.Data, &one))
	assert.Len(t, one.Batches, 1)
	assert.Equal(t, "no batch records held for frame 9", missing.Error)
	assert.Equal(t, "error", bad.Status)
	assert.Equal(t, []uint64{2, 2, 9}, eng.frames)
	assert.Empty(t, eng.limits, "a frame query does not read recent history")
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "framesched_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Add(3)
	srv := New(&engineStub{}, quietLogger(), WithGatherer(reg))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "framesched_test_total 3")
}

func TestMetrics_NotMountedWithoutGatherer(t *testing.T) {
	srv := New(&engineStub{}, quietLogger())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	// Arrange
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	srv := New(&engineStub{stats: core.EngineStats{Pool: core.PoolStats{Running: true}}}, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx, addr) }()

	// Act
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	// Assert
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestRun_ListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	err = New(&engineStub{}, quietLogger()).Run(context.Background(), ln.Addr().String())

	assert.Error(t, err)
}
