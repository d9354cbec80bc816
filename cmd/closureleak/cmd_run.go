package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"closureleak/internal/config"
	"closureleak/internal/debugserver"
	"closureleak/internal/profiler"
	"closureleak/pkg/capture"
	"closureleak/pkg/driver"
	"closureleak/pkg/gccontrol"
	"closureleak/pkg/metrics"
	"closureleak/pkg/pressure"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Leak deferred computations, then apply memory pressure",
		Long: `Run the leak routine on its own goroutine, wait for it, then loop:
allocate a buffer of --limit elements, compute a naive factorial into it,
sleep --pace and force a GC. The leaked queue stays reachable throughout.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg)
		},
	}

	cmd.Flags().String("variant", "", "Capture variant: shared or holder")
	cmd.Flags().Int("leak-count", 0, "Number of Leak calls")
	cmd.Flags().Int64("limit", 0, "Pressure iterations and buffer length")
	cmd.Flags().Duration("pace", 0, "Sleep between pressure iterations")
	cmd.Flags().Int("gc-percent", 0, "GOGC for the run (0 keeps the runtime setting, -1 disables)")
	cmd.Flags().Duration("gc-interval", 0, "Extra scheduled GC period (0 disables)")
	cmd.Flags().String("listen", "", "Address for /metrics, /stats and /debug/pprof")
	cmd.Flags().String("profile-dir", "", "Write periodic heap profiles to this directory")
	cmd.Flags().Duration("profile-interval", 0, "Period between heap profiles")

	return cmd
}

// loadConfig reads the config file and applies the flags that were set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("variant") {
		cfg.Leak.Variant, _ = flags.GetString("variant")
	}
	if flags.Changed("leak-count") {
		cfg.Leak.Count, _ = flags.GetInt("leak-count")
	}
	if flags.Changed("limit") {
		cfg.Pressure.Limit, _ = flags.GetInt64("limit")
	}
	if flags.Changed("pace") {
		cfg.Pressure.Pace, _ = flags.GetDuration("pace")
	}
	if flags.Changed("gc-percent") {
		cfg.GC.Percent, _ = flags.GetInt("gc-percent")
	}
	if flags.Changed("gc-interval") {
		cfg.GC.ScheduledInterval, _ = flags.GetDuration("gc-interval")
	}
	if flags.Changed("listen") {
		cfg.Debug.Listen, _ = flags.GetString("listen")
	}
	if flags.Changed("profile-dir") {
		cfg.Debug.ProfileDir, _ = flags.GetString("profile-dir")
	}
	if flags.Changed("profile-interval") {
		cfg.Debug.ProfileInterval, _ = flags.GetDuration("profile-interval")
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format, _ = flags.GetString("log-format")
	}

	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(w io.Writer, cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	_ = level.UnmarshalText([]byte(cfg.Level)) // validated by config

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func run(ctx context.Context, out, errOut io.Writer, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(errOut, cfg.Logging)

	collector := metrics.NewCollector(metrics.WithRuntimeCollectors())

	gcOpts := []gccontrol.Option{gccontrol.WithLogger(logger)}
	if cfg.GC.Percent != 0 {
		gcOpts = append(gcOpts, gccontrol.WithPercent(cfg.GC.Percent))
	}
	gc := gccontrol.NewGCController(cfg.GC.ScheduledInterval, gcOpts...)
	defer gc.Restore()
	gc.StartScheduledGC(ctx)

	d, err := driver.New(driver.Config{
		Variant:   capture.Variant(cfg.Leak.Variant),
		LeakCount: cfg.Leak.Count,
		Pressure: pressure.Config{
			Limit: cfg.Pressure.Limit,
			Pace:  cfg.Pressure.Pace,
		},
	},
		driver.WithLogger(logger),
		driver.WithGCController(gc),
		driver.WithMetrics(collector),
	)
	if err != nil {
		return err
	}

	if cfg.Debug.Listen != "" {
		srv := debugserver.New(cfg.Debug.Listen, collector, d, logger, debugserver.WithGCController(gc))
		if err = srv.Start(); err != nil {
			return fmt.Errorf("failed to start debug server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("debug server shutdown error", "error", err)
			}
		}()
	}

	if cfg.Debug.ProfileDir != "" {
		cp, err := profiler.NewContinuousProfiler(profiler.Config{
			OutputDir:       cfg.Debug.ProfileDir,
			Interval:        cfg.Debug.ProfileInterval,
			EnabledProfiles: []profiler.ProfileType{profiler.HeapProfile, profiler.AllocsProfile},
			Logger:          logger,
		})
		if err != nil {
			return err
		}
		cp.Start(ctx)
		defer cp.Stop()
	}

	metrics.WriteMemStats(out, "Before leak")

	res, err := d.Run(ctx)
	interrupted := errors.Is(err, context.Canceled)
	if err != nil && !interrupted {
		return err
	}

	_, _ = fmt.Fprintf(out, "\n=== Leak ===\n")
	_, _ = fmt.Fprintf(out, "Variant:        %s\n", cfg.Leak.Variant)
	_, _ = fmt.Fprintf(out, "Queue length:   %d\n", res.QueueLength)
	_, _ = fmt.Fprintf(out, "Retained bytes: %d\n", res.RetainedBytes)
	_, _ = fmt.Fprintf(out, "\n=== Pressure ===\n")
	_, _ = fmt.Fprintf(out, "Iterations:     %d\n", res.Pressure.Iterations)
	_, _ = fmt.Fprintf(out, "Last factorial: %d\n", res.Pressure.LastFactorial)
	_, _ = fmt.Fprintf(out, "Elapsed:        %v\n", res.Pressure.Elapsed)
	d.Latency().WriteStats(out, "Forced GC")
	metrics.WriteMemStats(out, "After pressure")

	if interrupted {
		logger.Info("interrupted", "state", d.State())
	}
	// The recorder is still referenced by d here, so the queue outlives every
	// collection above.
	_, _ = fmt.Fprintf(out, "\nQueue still holds %d computations\n", d.Recorder().Len())
	return nil
}
