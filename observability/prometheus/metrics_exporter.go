package prometheus

import (
	"errors"
	"fmt"
	"time"

	"github.com/Swind/go-frame-scheduler/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	DurationBuckets []float64
	FrameBuckets    []float64
}

// MetricsExporter adapts core.Metrics to Prometheus collectors.
type MetricsExporter struct {
	taskDurationSeconds *prom.HistogramVec
	taskPanicTotal      *prom.CounterVec
	taskRejectedTotal   *prom.CounterVec
	queueDepth          *prom.GaugeVec
	conflictTotal       *prom.CounterVec

	frameDurationSeconds prom.Histogram
	frameTotal           prom.Counter
	frameBatchTotal      prom.Counter
	frameInstanceTotal   prom.Counter
	frameDroppedTotal    prom.Counter
	frameStallTotal      prom.Counter
	frameCarriedOut      prom.Gauge
}

var _ core.Metrics = (*MetricsExporter)(nil)

// NewMetricsExporter creates and registers Prometheus collectors for core.Metrics.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = "framesched"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}
	frameBuckets := opts.FrameBuckets
	if len(frameBuckets) == 0 {
		frameBuckets = prom.ExponentialBuckets(0.001, 2, 12)
	}

	durationVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Batch execution duration in seconds.",
		Buckets:   buckets,
	}, []string{"task", "stage"})
	panicVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_panic_total",
		Help:      "Total number of task panics.",
	}, []string{"task"})
	rejectedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_rejected_total",
		Help:      "Total number of work items rejected by the worker pool.",
	}, []string{"source", "reason"})
	queueDepthVec := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Worker queue depth after the last push.",
	}, []string{"queue"})
	conflictVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "arbitration_conflicts_total",
		Help:      "Dispatch attempts refused because of a conflicting grant.",
	}, []string{"task"})

	frameDuration := prom.NewHistogram(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "frame_duration_seconds",
		Help:      "Wall time of one frame in seconds.",
		Buckets:   frameBuckets,
	})
	frameTotal := prom.NewCounter(prom.CounterOpts{
		Namespace: namespace,
		Name:      "frames_total",
		Help:      "Total number of frames run.",
	})
	batchTotal := prom.NewCounter(prom.CounterOpts{
		Namespace: namespace,
		Name:      "batches_total",
		Help:      "Total number of batches dispatched.",
	})
	instanceTotal := prom.NewCounter(prom.CounterOpts{
		Namespace: namespace,
		Name:      "instances_total",
		Help:      "Total number of task instances dispatched.",
	})
	droppedTotal := prom.NewCounter(prom.CounterOpts{
		Namespace: namespace,
		Name:      "instances_dropped_total",
		Help:      "Task instances dropped without running.",
	})
	stallTotal := prom.NewCounter(prom.CounterOpts{
		Namespace: namespace,
		Name:      "stage_stalls_total",
		Help:      "Stages closed because nothing left in them could run.",
	})
	carriedOut := prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "instances_carried_out",
		Help:      "One-shot instances carried out of the last frame.",
	})

	var err error
	if durationVec, err = registerCollector(reg, durationVec); err != nil {
		return nil, err
	}
	if panicVec, err = registerCollector(reg, panicVec); err != nil {
		return nil, err
	}
	if rejectedVec, err = registerCollector(reg, rejectedVec); err != nil {
		return nil, err
	}
	if queueDepthVec, err = registerCollector(reg, queueDepthVec); err != nil {
		return nil, err
	}
	if conflictVec, err = registerCollector(reg, conflictVec); err != nil {
		return nil, err
	}
	if frameDuration, err = registerCollector(reg, frameDuration); err != nil {
		return nil, err
	}
	if frameTotal, err = registerCollector(reg, frameTotal); err != nil {
		return nil, err
	}
	if batchTotal, err = registerCollector(reg, batchTotal); err != nil {
		return nil, err
	}
	if instanceTotal, err = registerCollector(reg, instanceTotal); err != nil {
		return nil, err
	}
	if droppedTotal, err = registerCollector(reg, droppedTotal); err != nil {
		return nil, err
	}
	if stallTotal, err = registerCollector(reg, stallTotal); err != nil {
		return nil, err
	}
	if carriedOut, err = registerCollector(reg, carriedOut); err != nil {
		return nil, err
	}

	return &MetricsExporter{
		taskDurationSeconds:  durationVec,
		taskPanicTotal:       panicVec,
		taskRejectedTotal:    rejectedVec,
		queueDepth:           queueDepthVec,
		conflictTotal:        conflictVec,
		frameDurationSeconds: frameDuration,
		frameTotal:           frameTotal,
		frameBatchTotal:      batchTotal,
		frameInstanceTotal:   instanceTotal,
		frameDroppedTotal:    droppedTotal,
		frameStallTotal:      stallTotal,
		frameCarriedOut:      carriedOut,
	}, nil
}

// RecordTaskDuration records batch execution duration.
func (m *MetricsExporter) RecordTaskDuration(task string, stage string, duration time.Duration) {
	if m == nil {
		return
	}
	m.taskDurationSeconds.WithLabelValues(normalizeLabel(task, "unknown"), normalizeLabel(stage, "free")).Observe(duration.Seconds())
}

// RecordTaskPanic records task panic events.
func (m *MetricsExporter) RecordTaskPanic(task string, panicInfo any) {
	if m == nil {
		return
	}
	m.taskPanicTotal.WithLabelValues(normalizeLabel(task, "unknown")).Inc()
}

// RecordQueueDepth records queue depth.
func (m *MetricsExporter) RecordQueueDepth(queue string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(normalizeLabel(queue, "unknown")).Set(float64(depth))
}

// RecordTaskRejected records work rejected by the pool.
func (m *MetricsExporter) RecordTaskRejected(source string, reason string) {
	if m == nil {
		return
	}
	m.taskRejectedTotal.WithLabelValues(normalizeLabel(source, "unknown"), normalizeLabel(reason, "unknown")).Inc()
}

// RecordArbitrationConflict records a refused grant.
func (m *MetricsExporter) RecordArbitrationConflict(task string) {
	if m == nil {
		return
	}
	m.conflictTotal.WithLabelValues(normalizeLabel(task, "unknown")).Inc()
}

// RecordFrame records the summary of a finished frame.
func (m *MetricsExporter) RecordFrame(stats core.FrameStats) {
	if m == nil {
		return
	}
	m.frameDurationSeconds.Observe(stats.Duration.Seconds())
	m.frameTotal.Inc()
	m.frameBatchTotal.Add(float64(stats.Batches))
	m.frameInstanceTotal.Add(float64(stats.Instances))
	m.frameDroppedTotal.Add(float64(stats.Dropped))
	m.frameStallTotal.Add(float64(stats.Stalls))
	m.frameCarriedOut.Set(float64(stats.CarriedOut))
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
