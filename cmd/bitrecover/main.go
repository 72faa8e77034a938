package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/screa/bitrecover/internal/config"
	"github.com/screa/bitrecover/internal/logger"
	"github.com/screa/bitrecover/internal/observability"
	"github.com/screa/bitrecover/internal/output"
	"github.com/screa/bitrecover/internal/statusapi"
	"github.com/screa/bitrecover/pkg/campaign"
	"github.com/screa/bitrecover/pkg/device"
	"github.com/screa/bitrecover/pkg/stats"
	"github.com/screa/bitrecover/pkg/types"
	"github.com/screa/bitrecover/pkg/worker"
)

// flags holds command line values; only flags the user set override the
// config file.
type flags struct {
	configPath      string
	backend         string
	ids             []int
	useAll          bool
	count           int
	threadsPerBlock int
	blocks          int
	pointsPerThread int
	targets         string
	outputFile      string
	compression     string
	statusInterval  int
	displayInterval int
	logLevel        string
	logFile         string
	verbose         bool
	httpAddr        string
	sentryDSN       string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	return newRootCmdWith(&flags{})
}

func newRootCmdWith(f *flags) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bitrecover",
		Short: "Multi-device private key search",
		Long: `Searches the private key space on several devices in parallel for keys
whose Bitcoin or Ethereum address is in a target list. Matches are
appended to the output file as they are found.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	fs := rootCmd.Flags()
	fs.StringVarP(&f.configPath, "config", "c", config.DefaultPath, "Config file (YAML or JSON)")
	fs.StringVarP(&f.backend, "backend", "b", "", "Device backend: cpu, cuda, opencl")
	fs.IntSliceVarP(&f.ids, "devices", "d", nil, "Device ids to use (default: all)")
	fs.BoolVar(&f.useAll, "all", false, "Use every available device")
	fs.IntVar(&f.count, "count", 0, "Number of devices available to the backend")
	fs.IntVar(&f.threadsPerBlock, "threads", 0, "Threads per block hint")
	fs.IntVar(&f.blocks, "blocks", 0, "Blocks hint (0 lets the backend decide)")
	fs.IntVar(&f.pointsPerThread, "points", 0, "Points per thread hint")
	fs.StringVarP(&f.targets, "targets", "t", "", "Target address file")
	fs.StringVarP(&f.outputFile, "output", "o", "", "File matches are appended to")
	fs.StringVar(&f.compression, "compression", "", "UNCOMPRESSED, COMPRESSED or BOTH")
	fs.IntVar(&f.statusInterval, "status-interval", 0, "Worker status interval in milliseconds")
	fs.IntVar(&f.displayInterval, "display-interval", 0, "Progress log interval in milliseconds")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.StringVarP(&f.logFile, "log-file", "l", "", "Log file (default: stderr)")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "Verbose output (same as --log-level debug)")
	fs.StringVar(&f.httpAddr, "http-addr", "", "Serve /health and /stats on this address")
	fs.StringVar(&f.sentryDSN, "sentry-dsn", "", "Report worker faults to Sentry")
	return rootCmd
}

func loadConfig(cmd *cobra.Command, f *flags) (*config.Config, error) {
	fs := cmd.Flags()
	cfg, err := config.Load(f.configPath, fs.Changed("config"))
	if err != nil {
		return nil, err
	}

	set := func(name string, apply func()) {
		if fs.Changed(name) {
			apply()
		}
	}
	set("backend", func() { cfg.Devices.Backend = f.backend })
	set("devices", func() { cfg.Devices.IDs, cfg.Devices.UseAll = f.ids, false })
	set("all", func() { cfg.Devices.UseAll = f.useAll })
	set("count", func() { cfg.Devices.Count = f.count })
	set("threads", func() { cfg.Devices.ThreadsPerBlock = f.threadsPerBlock })
	set("blocks", func() { cfg.Devices.Blocks = f.blocks })
	set("points", func() { cfg.Devices.PointsPerThread = f.pointsPerThread })
	set("targets", func() { cfg.Search.TargetsFile = f.targets })
	set("output", func() { cfg.Search.OutputFile = f.outputFile })
	set("compression", func() { cfg.Search.Compression = f.compression })
	set("status-interval", func() { cfg.Search.StatusIntervalMS = f.statusInterval })
	set("display-interval", func() { cfg.Display.UpdateIntervalMS = f.displayInterval })
	set("log-level", func() { cfg.Log.Level = f.logLevel })
	set("log-file", func() { cfg.Log.File = f.logFile })
	set("verbose", func() {
		if f.verbose {
			cfg.Log.Level = "debug"
		}
	})
	set("http-addr", func() { cfg.HTTP.Addr = f.httpAddr })
	set("sentry-dsn", func() { cfg.Sentry.DSN = f.sentryDSN })

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	if cfg.Log.File != "" {
		return logger.NewFile(cfg.Log.File, cfg.Log.Level)
	}
	return logger.New(cfg.Log.Level)
}

func run(ctx context.Context, cfg *config.Config) error {
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	flushSentry, sentryEnabled, err := observability.InitSentry(observability.SentryOptions{
		DSN:         cfg.Sentry.DSN,
		Environment: cfg.Sentry.Environment,
	})
	if err != nil {
		return fmt.Errorf("sentry init: %w", err)
	}
	defer flushSentry()

	logSystemInfo(log, sentryEnabled)
	if cfg.CheckpointRequested() {
		log.Warn("checkpointing is not supported; settings ignored",
			zap.String("checkpoint_file", cfg.Search.CheckpointFile),
			zap.Int("checkpoint_interval_ms", cfg.Search.CheckpointIntervalMS))
	}

	file, err := output.OpenFile(cfg.Search.OutputFile, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := file.Close(); err != nil {
			log.Error("close output file", zap.Error(err))
		}
	}()
	results := stats.NewAsyncResultSink(stats.MultiResultSink(matchLogger(log), file), 64)
	defer results.Close()

	descs, ignored, err := device.Select(cfg.Selection())
	if len(ignored) > 0 {
		log.Warn("ignoring out of range device ids", zap.Ints("ids", ignored))
	}
	if err != nil {
		return err
	}

	c := campaign.New(campaign.Config{
		TargetsFile:    cfg.Search.TargetsFile,
		Compression:    cfg.Compression(),
		StatusInterval: cfg.StatusInterval(),
	},
		campaign.WithLogger(log),
		campaign.WithResultSink(results),
		campaign.WithFaultHook(reportFault),
	)
	for _, d := range descs {
		// failures are logged by the campaign
		_, _ = c.AddDevice(d)
	}
	log.Info("devices initialized",
		zap.Int("ready", c.Len()),
		zap.Int("excluded", len(c.Excluded())),
		zap.Stringer("compression", cfg.Compression()),
		zap.String("targets", cfg.Search.TargetsFile))

	if err := c.Start(ctx); err != nil {
		return errors.Join(err, c.StopAll())
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer cancel()
		select {
		case <-c.Done():
			log.Info("all devices finished")
		case <-gctx.Done():
			log.Info("shutting down")
		}
		return nil
	})
	g.Go(func() error {
		pollStatus(gctx, c, log, cfg.DisplayInterval(), cfg.Display.ShowDeviceDetails)
		return nil
	})
	if cfg.HTTP.Addr != "" {
		g.Go(func() error {
			return statusapi.NewServer(c, log).Serve(gctx, cfg.HTTP.Addr)
		})
	}

	runErr := g.Wait()
	stopErr := c.StopAll()
	results.Close()

	keys, _ := stats.Totals(c.SnapshotStats())
	log.Info("search finished", zap.Uint64("keys", keys), zap.Int("faults", len(c.Faults())))
	return errors.Join(runErr, stopErr, file.Err())
}

func matchLogger(log *logger.Logger) stats.ResultSink {
	return stats.ResultSinkFunc(func(m types.MatchResult) {
		log.Info("MATCH FOUND",
			zap.String("address", m.Address),
			zap.String("private_key", m.PrivateKeyHex()),
			zap.String("encoded", m.EncodedForm),
			zap.Bool("compressed", m.Compressed),
			zap.Int("device_id", m.DeviceID))
	})
}

func reportFault(err *worker.RuntimeSearchError) {
	observability.CaptureError(err, map[string]string{
		"component": "worker",
		"device_id": strconv.Itoa(err.DeviceID),
	}, nil)
}

// pollStatus logs progress every interval while any worker is running.
func pollStatus(ctx context.Context, c *campaign.Campaign, log *logger.Logger, every time.Duration, details bool) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !c.IsAnyActive() {
			continue
		}
		snaps := c.SnapshotStats()
		keys, speed := stats.Totals(snaps)
		if details {
			for _, s := range snaps {
				log.Info("device status",
					zap.Int("device_id", s.DeviceID),
					zap.String("device", s.Name),
					zap.String("speed", formatSpeed(s.Speed)),
					zap.Uint64("keys", s.KeysProcessed),
					zap.String("utilization", fmt.Sprintf("%.1f%%", s.Utilization)),
					zap.String("status", s.Status))
			}
		}
		log.Info("total", zap.String("speed", formatSpeed(speed)), zap.Uint64("keys", keys))
	}
}

func formatSpeed(keysPerSec float64) string {
	switch {
	case keysPerSec >= 1e9:
		return fmt.Sprintf("%.2f GKey/s", keysPerSec/1e9)
	case keysPerSec >= 1e6:
		return fmt.Sprintf("%.2f MKey/s", keysPerSec/1e6)
	case keysPerSec >= 1e3:
		return fmt.Sprintf("%.2f KKey/s", keysPerSec/1e3)
	}
	return fmt.Sprintf("%.0f Key/s", keysPerSec)
}

func logSystemInfo(log *logger.Logger, sentryEnabled bool) {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	log.Info("bitrecover starting",
		zap.String("host", host),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH),
		zap.Int("cpus", runtime.NumCPU()),
		zap.Bool("sentry", sentryEnabled))
}
