package framescheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Swind/go-frame-scheduler/core"
)

// ErrLoopStarted is returned by FrameLoop.Run on a loop that already ran.
var ErrLoopStarted = errors.New("frame loop already started")

// FrameLoopConfig holds frame loop configuration.
type FrameLoopConfig struct {
	// Interval is the target time between frame starts. Zero runs frames back to back.
	Interval time.Duration

	// MaxFrames ends the loop after that many frames. Zero means no limit.
	MaxFrames int

	// OnFrame, if set, is called on the loop goroutine after every frame.
	// It may call Stop; the loop then ends before the next frame.
	OnFrame func(core.FrameStats)
}

// DefaultFrameLoopConfig returns a 60 frames per second loop without a frame limit.
func DefaultFrameLoopConfig() FrameLoopConfig {
	return FrameLoopConfig{Interval: time.Second / 60}
}

// FrameLoop runs frames of one engine at a target rate. A frame that
// overruns the interval delays the next one; missed ticks are not replayed.
type FrameLoop struct {
	engine *Engine
	config FrameLoopConfig
	logger core.Logger

	started   atomic.Bool
	inOnFrame atomic.Bool
	stopOnce  sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewFrameLoop creates a frame loop over e.
func NewFrameLoop(e *Engine, cfg FrameLoopConfig) *FrameLoop {
	return &FrameLoop{
		engine: e,
		config: cfg,
		logger: e.logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Run runs frames until ctx is cancelled, Stop is called, MaxFrames is
// reached or a frame fails. It returns ctx.Err() on cancellation, nil on Stop
// or when the frame limit is reached, and the frame error otherwise.
func (l *FrameLoop) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrLoopStarted
	}
	defer close(l.doneCh)

	l.logger.Info("Frame loop started",
		core.F("engine", l.engine.id),
		core.F("interval", l.config.Interval),
		core.F("max_frames", l.config.MaxFrames),
	)

	var tick <-chan time.Time
	if l.config.Interval > 0 {
		ticker := time.NewTicker(l.config.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for n := 0; l.config.MaxFrames <= 0 || n < l.config.MaxFrames; n++ {
		if n > 0 {
			if err := l.wait(ctx, tick); err != nil {
				return err
			}
		}
		if l.stopping() {
			return nil
		}

		stats, err := l.engine.orchestrator.RunFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.logger.Info("Frame loop stopping (context cancelled)", core.F("frames", n))
				return ctx.Err()
			}
			l.logger.Error("Frame failed", core.F("frame", stats.Frame), core.F("error", err))
			return err
		}
		if l.config.OnFrame != nil {
			l.inOnFrame.Store(true)
			l.config.OnFrame(stats)
			l.inOnFrame.Store(false)
		}
	}

	l.logger.Info("Frame loop finished", core.F("frames", l.config.MaxFrames))
	return nil
}

// wait blocks until the next tick. Without a ticker it only checks for
// cancellation and Stop.
func (l *FrameLoop) wait(ctx context.Context, tick <-chan time.Time) error {
	if tick == nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}

	select {
	case <-ctx.Done():
		l.logger.Info("Frame loop stopping (context cancelled)")
		return ctx.Err()
	case <-l.stopCh:
		return nil
	case <-tick:
		return nil
	}
}

func (l *FrameLoop) stopping() bool {
	select {
	case <-l.stopCh:
		l.logger.Info("Frame loop stopping (stop called)")
		return true
	default:
		return false
	}
}

// Stop ends the loop after the current frame and waits for Run to return.
// Calling Stop on a loop that never ran only prevents it from running frames.
// While OnFrame is running Stop does not wait, since the loop goroutine is
// the caller.
func (l *FrameLoop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	if l.started.Load() && !l.inOnFrame.Load() {
		<-l.doneCh
	}
}
