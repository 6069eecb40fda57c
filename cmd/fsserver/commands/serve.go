package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/fsserver/internal/exitcode"
	"github.com/marmos91/fsserver/internal/logger"
	"github.com/marmos91/fsserver/internal/protocol"
	"github.com/marmos91/fsserver/internal/settings"
	"github.com/marmos91/fsserver/internal/telemetry"
	"github.com/marmos91/fsserver/pkg/config"
	"github.com/marmos91/fsserver/pkg/dirtab"
	"github.com/marmos91/fsserver/pkg/lockfile"
	"github.com/marmos91/fsserver/pkg/metrics"
	"github.com/marmos91/fsserver/pkg/metrics/prometheus"
	"github.com/marmos91/fsserver/pkg/refresh"
	"github.com/marmos91/fsserver/pkg/server"
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownObservability, err := initObservability(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdownObservability()

	dir := cfg.Persistence.Dir
	table := dirtab.New(dirtab.Config{
		BaseDir:           dir,
		DefaultWatchState: defaultWatchState(cfg.Refresh.Mode),
	})
	if err := table.Init(cfg.Persistence.Clear); err != nil {
		return exitcode.New(exitcode.FailureInitPersistence, err)
	}
	if err := os.Chdir(dir); err != nil {
		return exitcode.Newf(exitcode.FailedChdir, "cannot change current directory to %s: %w", dir, err)
	}
	if cfg.Persistence.Enabled {
		logger.Info("Cache location", logger.KeyPath, dir)
	} else {
		logger.Info("Persistence is off")
	}

	lock, err := acquireLock(cfg)
	if err != nil {
		return err
	}
	if lock != nil {
		defer func() { _ = lock.Release() }()
	}

	if logger.IsEnabled(logger.LevelTrace) && !table.IsEmpty() {
		logger.Info("Loaded directory table", logger.KeyEntries, table.Len())
		table.Visit(func(path string, index int, _ *dirtab.Entry) bool {
			logger.Info("Directory table entry", logger.KeyIndex, index, logger.KeyPath, path)
			return true
		})
	}

	var requestLog io.Writer
	if cfg.Server.RequestLog {
		f, err := server.OpenRequestLog(filepath.Join(dir, server.RequestLogName), os.Args, time.Now())
		if err != nil {
			return exitcode.New(exitcode.FailureOpeningLog, err)
		}
		defer func() { _ = f.Close() }()
		requestLog = f
	}

	store := settings.New(cfg.Access.ForbiddenDirs, cfg.Access.FullCheck)
	out := protocol.NewWriter(os.Stdout)

	var engine *refresh.Engine
	if cfg.Persistence.Enabled {
		engine = refresh.New(table, out, store, prometheus.NewRefreshMetrics(), refresh.Config{
			Interval:      cfg.Refresh.Interval,
			Background:    cfg.Refresh.Enabled,
			Native:        cfg.Refresh.Enabled && cfg.Refresh.Mode == "native",
			WatchDebounce: cfg.Refresh.WatchDebounce,
		})
		if err := engine.Start(ctx); err != nil {
			return exitcode.New(exitcode.FailureStartingRefresh, err)
		}
	}

	srv, err := server.New(server.Config{
		Threads:        cfg.Server.Threads,
		MaxThreads:     cfg.Server.MaxThreads,
		Persistence:    cfg.Persistence.Enabled,
		ActiveWatch:    activeWatchState(cfg.Refresh.Mode),
		ShutdownGrace:  cfg.Server.ShutdownGrace,
		Statistics:     cfg.Server.Statistics,
		CopyBufferSize: cfg.Copy.BufferSize.Int(),
	}, server.Deps{
		Table:      table,
		Engine:     engine,
		Settings:   store,
		Out:        out,
		Metrics:    prometheus.NewServerMetrics(),
		RequestLog: requestLog,
		Stderr:     os.Stderr,
	})
	if err != nil {
		return exitcode.New(exitcode.FailureServing, err)
	}

	stopSignals := handleSignals(cancel)
	defer stopSignals()

	logger.Info("fs_server started",
		logger.KeyVersion, server.Version,
		logger.KeySessionID, telemetry.SessionID(),
		logger.KeyWorkers, cfg.Server.Threads,
		"refresh", cfg.Refresh.Enabled,
		"mode", cfg.Refresh.Mode)

	stats, err := srv.Serve(ctx, os.Stdin)
	logger.Info("fs_server exiting",
		"requests", stats.Requests,
		"malformed", stats.Malformed,
		"max_queue", stats.MaxQueueSize,
		"deleted", stats.Deleted)
	if err != nil {
		return exitcode.New(exitcode.FailureServing, err)
	}
	return nil
}

// loadServeConfig loads the config, overlays flags and initializes the
// logger. Every failure here is a wrong argument.
func loadServeConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return nil, exitcode.New(exitcode.WrongArgument, err)
	}

	warnings, err := applyFlags(cmd.Flags(), cfg)
	if err != nil {
		return nil, exitcode.New(exitcode.WrongArgument, err)
	}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, exitcode.New(exitcode.WrongArgument, err)
	}

	if err := prepareLogOutput(cfg); err != nil {
		return nil, exitcode.New(exitcode.FailureOpeningLog, err)
	}
	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return nil, exitcode.New(exitcode.FailureOpeningLog, err)
	}
	for _, w := range warnings {
		logger.Warn(w)
	}
	logger.Debug("Configuration loaded", "source", configSource(GetConfigFile()))
	return cfg, nil
}

// prepareLogOutput creates the directory of a file log target, which by
// default sits in the not yet initialized persistence directory.
func prepareLogOutput(cfg *config.Config) error {
	switch cfg.Logging.Output {
	case "stderr", "stdout":
		return nil
	}
	return os.MkdirAll(filepath.Dir(cfg.Logging.Output), 0o700)
}

// initObservability starts tracing, profiling and the metrics endpoint and
// returns a function stopping all of them.
func initObservability(ctx context.Context, cfg *config.Config) (func(), error) {
	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "fsserver",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	profilingShutdown, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "fsserver",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	})
	if err != nil {
		_ = telemetryShutdown(ctx)
		return nil, fmt.Errorf("failed to initialize profiling: %w", err)
	}

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		metricsServer, err = metrics.NewServer(fmt.Sprintf("localhost:%d", cfg.Metrics.Port))
		if err != nil {
			_ = profilingShutdown()
			_ = telemetryShutdown(ctx)
			return nil, fmt.Errorf("failed to initialize metrics: %w", err)
		}
		metricsServer.Start()
	}

	return func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if metricsServer != nil {
			if err := metricsServer.Stop(stopCtx); err != nil {
				logger.Error("metrics shutdown error", logger.KeyError, err)
			}
		}
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", logger.KeyError, err)
		}
		if err := telemetryShutdown(stopCtx); err != nil {
			logger.Error("telemetry shutdown error", logger.KeyError, err)
		}
	}, nil
}

// acquireLock takes the instance lock of the persistence directory. Without
// persistence nothing is shared, so several servers may use one directory
// and the returned lock is nil.
func acquireLock(cfg *config.Config) (*lockfile.Lock, error) {
	if !cfg.Persistence.Enabled {
		return nil, nil
	}
	path := filepath.Join(cfg.Persistence.Dir, lockfile.FileName)
	lock, err := lockfile.Acquire(path, lockfile.KillPolicy{
		Enabled: cfg.Lock.KillPrevious,
		PID:     cfg.Lock.KillPID,
		Wait:    cfg.Lock.KillWait,
	})
	switch {
	case err == nil:
		return lock, nil
	case errors.Is(err, lockfile.ErrLocked):
		return nil, exitcode.New(exitcode.FailureLockingLockFile, err)
	case lock != nil:
		// Locked, but the PID could not be written.
		_ = lock.Release()
		return nil, exitcode.New(exitcode.FailureLockingLockFile, err)
	default:
		return nil, exitcode.New(exitcode.FailureOpeningLockFile, err)
	}
}

// handleSignals cancels the serve context on termination signals, the same
// way a quit request ends the session.
func handleSignals(cancel context.CancelFunc) (stop func()) {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGPIPE)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case sig := <-sigCh:
				switch sig {
				case syscall.SIGUSR1:
					logger.Debug("Got signal", "signal", sig.String())
				case syscall.SIGPIPE:
					// The protocol writer sees EPIPE itself and stops the session.
					logger.Info("Got broken pipe", "signal", sig.String())
				default:
					logger.Info("Exiting by signal", "signal", sig.String())
					cancel()
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

func defaultWatchState(mode string) dirtab.WatchState {
	switch mode {
	case "explicit":
		return dirtab.WatchNone
	case "native":
		return dirtab.WatchNative
	default:
		return dirtab.WatchPoll
	}
}

func activeWatchState(mode string) dirtab.WatchState {
	if mode == "native" {
		return dirtab.WatchNative
	}
	return dirtab.WatchPoll
}

func configSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}
