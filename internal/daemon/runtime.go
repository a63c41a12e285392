// Package daemon assembles the agentd components into one runtime and runs
// it as a foreground process.
//
// There are no package-level singletons: the Runtime owns the lock manager,
// the context store, the history ledger, metrics and health, and every
// component receives what it needs from it.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"agentd/internal/config"
	"agentd/internal/contextstore"
	"agentd/internal/findings"
	"agentd/internal/health"
	"agentd/internal/history"
	"agentd/internal/lock"
	"agentd/internal/logging"
	"agentd/internal/metrics"
	"agentd/internal/txio"
)

// minFreeDisk degrades health when the state directory's filesystem has
// less space available.
const minFreeDisk = 64 << 20

// Runtime is the explicit context shared by all components of one daemon.
type Runtime struct {
	Config  *config.Config
	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Locks   *lock.Manager
	Store   *contextstore.Store
	History *history.Ledger
	Health  *health.Checker
	Crash   *logging.CrashHandler

	version   string
	closeOnce sync.Once
	ownLogger bool
}

// Options configures New.
type Options struct {
	Version string

	// Logger overrides the logger built from the configuration.
	Logger *logging.Logger
}

// NewLogger builds a logger from the logging section of the configuration.
func NewLogger(lc config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(lc.Format)
	if err != nil {
		return nil, err
	}

	cfg := logging.DefaultConfig()
	cfg.Level = level
	cfg.Format = format
	cfg.Output = lc.Output
	cfg.FilePath = lc.FilePath
	cfg.MaxSize = int64(lc.MaxSizeMB)
	cfg.MaxBackups = lc.MaxBackups
	cfg.MaxAge = lc.MaxAgeDays
	cfg.Compress = lc.Compress
	return logging.New(cfg)
}

// New wires every component from cfg. Nothing is read from disk yet; call
// Start for that. cfg must already be resolved and validated.
func New(cfg *config.Config, opts Options) (*Runtime, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	rt := &Runtime{
		Config:  cfg,
		Logger:  opts.Logger,
		Metrics: metrics.New(),
		Health:  health.NewChecker(),
		version: opts.Version,
	}
	if rt.Logger == nil {
		logger, err := NewLogger(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("create logger: %w", err)
		}
		rt.Logger = logger
		rt.ownLogger = true
	}

	rt.Crash = logging.NewCrashHandler(
		filepath.Join(cfg.Workspace.StateDir, "crashes"),
		opts.Version,
		rt.Logger.WithComponent("crash"),
		nil,
	)

	var observer lock.Observer
	var recorder contextstore.Recorder
	if cfg.History.Enabled {
		ledger, err := history.Open(cfg.History.Path, rt.Logger.WithComponent("history").Slog())
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.History = ledger
		observer = ledger
		recorder = ledger
	}

	rt.Locks = lock.NewManager(lock.Options{
		Logger:         rt.Logger.WithComponent("lock").Slog(),
		Metrics:        rt.Metrics,
		Observer:       observer,
		DefaultTimeout: cfg.Lock.DefaultTimeout(),
		ChunkSize:      cfg.Lock.HashChunkSize,
	})

	store, err := contextstore.New(cfg.Workspace.StateDir, contextstore.Options{
		Policy:   cfg.Policy,
		Logger:   rt.Logger.WithComponent("contextstore").Slog(),
		Recorder: recorder,
		Metrics:  rt.Metrics,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Store = store

	rt.registerChecks()
	return rt, nil
}

func (rt *Runtime) registerChecks() {
	stateDir := rt.Config.Workspace.StateDir

	rt.Health.RegisterFunc("state_dir", true, health.WritableDirCheck(stateDir))
	rt.Health.RegisterFunc("disk", false, health.DiskSpaceCheck(stateDir, minFreeDisk))
	rt.Health.RegisterFunc("context_store", true, health.CustomCheck(
		func(ctx context.Context) error {
			if _, err := rt.Store.ReadIndex(); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			return nil
		},
		func() map[string]any {
			counts := make(map[string]any, len(findings.Tiers))
			for _, tier := range findings.Tiers {
				counts[string(tier)] = rt.Store.Len(tier)
			}
			return counts
		},
	))
	rt.Health.RegisterFunc("locks", false, health.CustomCheck(
		func(ctx context.Context) error { return nil },
		func() map[string]any { return map[string]any{"held": len(rt.Locks.AllLocks())} },
	))
	if rt.History != nil {
		rt.Health.RegisterFunc("history", false, health.DatabaseCheck(rt.History.Ping))
	}
}

// StartReport summarizes what Start found on disk.
type StartReport struct {
	Init *txio.InitReport
	Load contextstore.LoadReport
}

// Start recovers the state directory and reloads persisted findings. It
// marks the runtime ready on success.
func (rt *Runtime) Start(ctx context.Context) (*StartReport, error) {
	logger := rt.Logger.WithComponent("daemon")
	stateDir := rt.Config.Workspace.StateDir

	initReport, err := txio.Initialize(ctx, stateDir, txio.InitOptions{
		BackupDir: rt.Config.Workspace.BackupDir,
		Logger:    rt.Logger.WithComponent("txio").Slog(),
	})
	if err != nil {
		return nil, fmt.Errorf("initialize state directory: %w", err)
	}
	rt.Metrics.RecordStartup(initReport.OrphansRemoved, len(initReport.Corrupted), len(initReport.Repaired))
	for range initReport.Unresolved {
		rt.Metrics.RecordChecksumFailure()
	}

	loadReport, err := rt.Store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load context store: %w", err)
	}

	logger.Info("state recovered",
		"state_dir", stateDir,
		"orphans_removed", initReport.OrphansRemoved,
		"checked", initReport.Checked,
		"corrupted", len(initReport.Corrupted),
		"repaired", len(initReport.Repaired),
		"findings_loaded", loadReport.Total(),
		"files_skipped", len(loadReport.Skipped),
	)

	rt.Health.SetReady(true)
	return &StartReport{Init: initReport, Load: loadReport}, nil
}

// ApplyConfig applies a reloaded configuration. Only the policy takes
// effect immediately; other sections are compared against the startup
// configuration and a restart is requested if they differ.
func (rt *Runtime) ApplyConfig(cfg *config.Config) error {
	logger := rt.Logger.WithComponent("config")

	if err := rt.Store.SetPolicy(cfg.Policy); err != nil {
		rt.Metrics.RecordReload(err)
		logger.Error("reloaded policy rejected", "error", err)
		return err
	}
	rt.Metrics.RecordReload(nil)

	old := rt.Config
	restart := old.Workspace != cfg.Workspace || old.Lock != cfg.Lock ||
		old.History != cfg.History || old.HTTP != cfg.HTTP ||
		old.Logging != cfg.Logging || old.PIDFile != cfg.PIDFile
	if restart {
		logger.Warn("configuration changes outside [policy] take effect after restart")
	}
	logger.Info("policy reloaded",
		"immediate_threshold", cfg.Policy.ImmediateThreshold,
		"relevant_threshold", cfg.Policy.RelevantThreshold,
		"high_watermark", cfg.Policy.HighWatermark,
		"trim_target", cfg.Policy.TrimTarget,
	)
	return nil
}

// Close releases the ledger and log files. It is safe to call more than
// once.
func (rt *Runtime) Close() error {
	var errs []error
	rt.closeOnce.Do(func() {
		rt.Health.SetReady(false)
		if rt.Locks != nil {
			rt.Locks.Reset()
		}
		if rt.History != nil {
			errs = append(errs, rt.History.Close())
		}
		if rt.ownLogger {
			errs = append(errs, rt.Logger.Close())
		}
	})
	return errors.Join(errs...)
}
