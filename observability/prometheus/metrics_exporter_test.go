package prometheus

import (
	"testing"
	"time"

	"github.com/Swind/go-frame-scheduler/core"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsExporter_RecordMethods(t *testing.T) {
	reg := prom.NewRegistry()
	exporter, err := NewMetricsExporter("framesched", reg, ExporterOptions{})
	if err != nil {
		t.Fatalf("NewMetricsExporter failed: %v", err)
	}

	exporter.RecordTaskDuration("integrate", "simulate", 250*time.Millisecond)
	exporter.RecordTaskDuration("spawn", "", time.Millisecond)
	exporter.RecordTaskPanic("integrate", "panic")
	exporter.RecordQueueDepth("frame-workers/0", 7)
	exporter.RecordTaskRejected("frame-workers", "stopped")
	exporter.RecordArbitrationConflict("integrate")
	exporter.RecordArbitrationConflict("integrate")

	panicTotal := testutil.ToFloat64(exporter.taskPanicTotal.WithLabelValues("integrate"))
	if panicTotal != 1 {
		t.Fatalf("panic total = %v, want 1", panicTotal)
	}

	queueDepth := testutil.ToFloat64(exporter.queueDepth.WithLabelValues("frame-workers/0"))
	if queueDepth != 7 {
		t.Fatalf("queue depth = %v, want 7", queueDepth)
	}

	rejected := testutil.ToFloat64(exporter.taskRejectedTotal.WithLabelValues("frame-workers", "stopped"))
	if rejected != 1 {
		t.Fatalf("rejected total = %v, want 1", rejected)
	}

	conflicts := testutil.ToFloat64(exporter.conflictTotal.WithLabelValues("integrate"))
	if conflicts != 2 {
		t.Fatalf("conflicts = %v, want 2", conflicts)
	}

	histCount, err := histogramSampleCount(exporter.taskDurationSeconds.WithLabelValues("integrate", "simulate"))
	if err != nil {
		t.Fatalf("histogramSampleCount failed: %v", err)
	}
	if histCount != 1 {
		t.Fatalf("duration sample count = %d, want 1", histCount)
	}

	freeCount, err := histogramSampleCount(exporter.taskDurationSeconds.WithLabelValues("spawn", "free"))
	if err != nil {
		t.Fatalf("histogramSampleCount failed: %v", err)
	}
	if freeCount != 1 {
		t.Fatalf("one-shot duration not labelled stage=free")
	}
}

func TestMetricsExporter_RecordFrame(t *testing.T) {
	reg := prom.NewRegistry()
	exporter, err := NewMetricsExporter("framesched", reg, ExporterOptions{})
	if err != nil {
		t.Fatalf("NewMetricsExporter failed: %v", err)
	}

	exporter.RecordFrame(core.FrameStats{Duration: 4 * time.Millisecond, Batches: 3, Instances: 10, Dropped: 1, Stalls: 1, CarriedOut: 2})
	exporter.RecordFrame(core.FrameStats{Duration: 2 * time.Millisecond, Batches: 2, Instances: 2})

	if got := testutil.ToFloat64(exporter.frameTotal); got != 2 {
		t.Errorf("frames_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(exporter.frameBatchTotal); got != 5 {
		t.Errorf("batches_total = %v, want 5", got)
	}
	if got := testutil.ToFloat64(exporter.frameInstanceTotal); got != 12 {
		t.Errorf("instances_total = %v, want 12", got)
	}
	if got := testutil.ToFloat64(exporter.frameStallTotal); got != 1 {
		t.Errorf("stage_stalls_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(exporter.frameCarriedOut); got != 0 {
		t.Errorf("instances_carried_out = %v, want the last frame's 0", got)
	}

	count, err := histogramSampleCount(exporter.frameDurationSeconds)
	if err != nil {
		t.Fatalf("histogramSampleCount failed: %v", err)
	}
	if count != 2 {
		t.Errorf("frame duration samples = %d, want 2", count)
	}
}

func TestMetricsExporter_AlreadyRegisteredReuse(t *testing.T) {
	reg := prom.NewRegistry()
	first, err := NewMetricsExporter("framesched", reg, ExporterOptions{})
	if err != nil {
		t.Fatalf("first NewMetricsExporter failed: %v", err)
	}
	second, err := NewMetricsExporter("framesched", reg, ExporterOptions{})
	if err != nil {
		t.Fatalf("second NewMetricsExporter failed: %v", err)
	}

	first.RecordTaskPanic("integrate", nil)
	second.RecordTaskPanic("integrate", nil)
	first.RecordFrame(core.FrameStats{})
	second.RecordFrame(core.FrameStats{})

	got := testutil.ToFloat64(first.taskPanicTotal.WithLabelValues("integrate"))
	if got != 2 {
		t.Fatalf("shared panic counter = %v, want 2", got)
	}
	if got := testutil.ToFloat64(first.frameTotal); got != 2 {
		t.Fatalf("shared frame counter = %v, want 2", got)
	}
}

func TestMetricsExporter_NilReceiver(t *testing.T) {
	var exporter *MetricsExporter
	exporter.RecordTaskDuration("t", "s", time.Millisecond)
	exporter.RecordTaskPanic("t", nil)
	exporter.RecordQueueDepth("q", 1)
	exporter.RecordTaskRejected("p", "stopped")
	exporter.RecordArbitrationConflict("t")
	exporter.RecordFrame(core.FrameStats{})
}

func histogramSampleCount(observer prom.Observer) (uint64, error) {
	collector, ok := observer.(prom.Collector)
	if !ok {
		return 0, nil
	}

	metricCh := make(chan prom.Metric, 1)
	collector.Collect(metricCh)
	close(metricCh)
	for metric := range metricCh {
		msg := &dto.Metric{}
		if err := metric.Write(msg); err != nil {
			return 0, err
		}
		if msg.Histogram != nil {
			return msg.Histogram.GetSampleCount(), nil
		}
	}
	return 0, nil
}
