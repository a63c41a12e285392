package daemon

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentd/internal/config"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// RunOptions configures Run.
type RunOptions struct {
	Version string

	// Ready, if set, is called once the daemon has started.
	Ready func(*Runtime, *Server)

	// NoSignals disables OS signal handling; ctx alone controls shutdown.
	NoSignals bool
}

// Run starts a daemon for the configuration held by loader and blocks until
// ctx is done or SIGINT/SIGTERM arrives. SIGHUP reloads the configuration.
//
// Startup order: PID file, state recovery and store reload, HTTP, config
// watch. Shutdown runs in reverse.
func Run(ctx context.Context, loader *config.Loader, opts RunOptions) (err error) {
	cfg := loader.Config()
	if cfg == nil {
		if cfg, err = loader.Load(); err != nil {
			return err
		}
	}

	pid, err := AcquirePIDFile(cfg.PIDFile)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, pid.Release()) }()

	rt, err := New(cfg, Options{Version: opts.Version})
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, rt.Close()) }()
	defer rt.Crash.Recover("run", nil)

	logger := rt.Logger.WithComponent("daemon")

	if _, err := rt.Start(ctx); err != nil {
		return err
	}

	var srv *Server
	if cfg.HTTP.Enabled {
		if srv, err = rt.Listen(cfg.HTTP.Listen); err != nil {
			return err
		}
		srv.Serve()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			err = errors.Join(err, srv.Shutdown(sctx))
		}()
	}

	state := State{
		PID:       os.Getpid(),
		StartedAt: time.Now().UTC(),
		Version:   opts.Version,
		Root:      cfg.Workspace.Root,
	}
	if srv != nil {
		state.HTTPListen = srv.Addr()
	}
	if err := WriteState(cfg.Workspace.StateDir, state); err != nil {
		logger.Warn("daemon state not written", "error", err)
	}
	defer removeState(cfg.Workspace.StateDir)

	loader.OnChange(func(next *config.Config) { rt.ApplyConfig(next) })
	if err := loader.Watch(); err != nil {
		logger.Warn("config hot reload disabled", "path", loader.Path(), "error", err)
	}
	defer loader.Close()

	stop := make(chan struct{})
	defer close(stop)
	rt.Crash.Go("config-errors", func() {
		for {
			select {
			case <-stop:
				return
			case err := <-loader.Errors():
				rt.Metrics.RecordReload(err)
				logger.Error("config reload failed", "error", err)
			}
		}
	})

	var sigs chan os.Signal
	if !opts.NoSignals {
		sigs = make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		defer signal.Stop(sigs)
	}

	logger.Info("agentd started",
		"version", opts.Version,
		"root", cfg.Workspace.Root,
		"state_dir", cfg.Workspace.StateDir,
		"pid", state.PID,
	)
	if opts.Ready != nil {
		opts.Ready(rt, srv)
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down", "reason", ctx.Err())
			return nil
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				if err := loader.Reload(); err != nil {
					rt.Metrics.RecordReload(err)
					logger.Error("config reload failed", "error", err)
				}
				continue
			}
			logger.Info("shutting down", "signal", sig.String())
			return nil
		}
	}
}
