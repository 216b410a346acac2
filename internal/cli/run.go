package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	framescheduler "github.com/Swind/go-frame-scheduler"
	"github.com/Swind/go-frame-scheduler/config"
	"github.com/Swind/go-frame-scheduler/core"
	"github.com/Swind/go-frame-scheduler/internal/logging"
	"github.com/Swind/go-frame-scheduler/internal/server"
	obsprom "github.com/Swind/go-frame-scheduler/observability/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRunCmd() *cobra.Command {
	var (
		graphPath   string
		configPath  string
		frames      int
		interval    time.Duration
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run --graph <file.hcl>",
		Short: "Run a frame graph",
		Long: `Builds an engine from the settings file, applies the frame graph with the
built-in handlers and runs frames until --frames is reached or the process is
interrupted. With --metrics-addr the engine is served over HTTP while it runs
(/metrics, /healthz, /debug/frames).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := config.DefaultSettings()
			if configPath != "" {
				var err error
				if settings, err = config.LoadSettings(configPath); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("frames") {
				settings.Frames = frames
			}
			if cmd.Flags().Changed("interval") {
				settings.FrameInterval = interval
			}
			if cmd.Flags().Changed("metrics-addr") {
				settings.Metrics.Addr = metricsAddr
			}
			if err := settings.Validate(); err != nil {
				return err
			}

			logger := newLogger(cmd, settings.Log)
			g, err := config.LoadGraph(graphPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sum, err := runGraph(ctx, logger, settings, g)
			sum.print(cmd.OutOrStdout())
			return err
		},
	}

	cmd.Flags().StringVarP(&graphPath, "graph", "g", "", "Frame graph file (HCL)")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Engine settings file (YAML)")
	cmd.Flags().IntVarP(&frames, "frames", "n", 0, "Number of frames to run (0 runs until interrupted)")
	cmd.Flags().DurationVar(&interval, "interval", time.Second/60, "Target time between frame starts (0 runs back to back)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve /metrics, /healthz and /debug/frames on this address")
	_ = cmd.MarkFlagRequired("graph")

	return cmd
}

// runGraph builds an engine from settings, applies g and runs the frame loop
// next to the HTTP server when one is configured. The summary covers every
// frame that completed, also when an error is returned.
func runGraph(ctx context.Context, logger *slog.Logger, settings config.Settings, g *config.Graph) (*summary, error) {
	sum := &summary{}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	exporter, err := obsprom.NewMetricsExporter(settings.Metrics.Namespace, reg, obsprom.ExporterOptions{})
	if err != nil {
		return sum, fmt.Errorf("metrics exporter: %w", err)
	}
	poller, err := obsprom.NewSnapshotPoller(reg, settings.Metrics.PollInterval)
	if err != nil {
		return sum, fmt.Errorf("snapshot poller: %w", err)
	}

	cfg := settings.SchedulerConfig()
	cfg.Logger = logging.NewSchedulerLogger(logger)
	cfg.Metrics = exporter
	engine := framescheduler.NewEngine(cfg)
	if _, err := config.Apply(engine, g, config.BuiltinHandlers()); err != nil {
		return sum, err
	}
	sum.engine = engine.ID()

	engine.Start(ctx)
	defer engine.Stop()

	poller.AddEngine(engine.ID(), engine)
	poller.AddPool(engine.Pool().ID(), engine.Pool())
	poller.Start(ctx)
	defer poller.Stop()

	loop := framescheduler.NewFrameLoop(engine, framescheduler.FrameLoopConfig{
		Interval:  settings.FrameInterval,
		MaxFrames: settings.Frames,
		OnFrame:   sum.add,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, gctx := errgroup.WithContext(runCtx)

	group.Go(func() error {
		// The server goes down with the loop.
		defer cancel()
		if err := loop.Run(gctx); err != nil && gctx.Err() == nil {
			return err
		}
		return nil
	})
	if addr := settings.Metrics.Addr; addr != "" {
		srv := server.New(engine, logger, server.WithGatherer(reg))
		group.Go(func() error {
			return srv.Run(gctx, addr)
		})
	}

	err = group.Wait()
	sum.pending = engine.Stats().Pending
	return sum, err
}

// summary aggregates frame stats for the end-of-run report.
type summary struct {
	engine    string
	frames    int
	batches   int
	instances int
	conflicts int
	stalls    int
	dropped   int
	pending   int
	total     time.Duration
	longest   time.Duration
}

func (s *summary) add(st core.FrameStats) {
	s.frames++
	s.batches += st.Batches
	s.instances += st.Instances
	s.conflicts += st.Conflicts
	s.stalls += st.Stalls
	s.dropped += st.Dropped
	s.total += st.Duration
	s.longest = max(s.longest, st.Duration)
}

func (s *summary) print(w io.Writer) {
	if s == nil || s.engine == "" {
		return
	}
	var avg time.Duration
	if s.frames > 0 {
		avg = s.total / time.Duration(s.frames)
	}
	fmt.Fprintf(w, "engine %s: %d frames\n", s.engine[:8], s.frames)
	fmt.Fprintf(w, "  batches %d, instances %d, conflicts %d\n", s.batches, s.instances, s.conflicts)
	fmt.Fprintf(w, "  stalls %d, dropped %d, pending one-shot %d\n", s.stalls, s.dropped, s.pending)
	fmt.Fprintf(w, "  frame time avg %s, max %s\n", avg, s.longest)
}
