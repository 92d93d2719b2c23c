package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/BDNK1/flowgate/config"
	httpmod "github.com/BDNK1/flowgate/plugins/http"
	"github.com/BDNK1/flowgate/plugins/plugin"
	"github.com/BDNK1/flowgate/plugins/sqldb"
	"github.com/BDNK1/flowgate/plugins/state"
	"github.com/BDNK1/flowgate/runtime"
	"github.com/BDNK1/flowgate/runtime/kv"
	"github.com/BDNK1/flowgate/runtime/metrics"
	"github.com/BDNK1/flowgate/runtime/router"
	"github.com/BDNK1/flowgate/runtime/telemetry"
	"github.com/BDNK1/flowgate/server"
)

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level, ok := logLevels[cfg.Level]
	if !ok {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

const telemetryFlushTimeout = 5 * time.Second

// gateway owns every long-lived component of a running server.
type gateway struct {
	cfg *config.Config
	l   *slog.Logger

	telemetry *telemetry.Provider
	store     kv.Store
	sqlite    *kv.SQLiteStore
	sqlMod    *sqldb.Module
	metrics   *metrics.Recorder
	router    *router.Router
	orch      *runtime.Orchestrator
	handler   http.Handler

	background sync.WaitGroup
}

func newGateway(cfg *config.Config, l *slog.Logger) *gateway {
	return &gateway{cfg: cfg, l: l}
}

// setup builds the component graph and loads workflows. On error every
// component opened so far is closed.
func (g *gateway) setup(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			g.close()
		}
	}()

	tp, err := telemetry.NewProvider(ctx, g.cfg.Telemetry, Version)
	if err != nil {
		return err
	}
	g.telemetry = tp
	if tp.Enabled() {
		g.l.InfoContext(ctx, "Trace export enabled", "endpoint", g.cfg.Telemetry.Endpoint)
	}

	if err := g.openStore(ctx); err != nil {
		return err
	}

	g.metrics = metrics.NewRecorder()
	g.router = router.New(g.l, g.cfg.Router, g.metrics)
	if err := g.registerModules(ctx); err != nil {
		return err
	}

	store := runtime.NewWorkflowStore(g.l, g.store)
	stepExecutor := runtime.NewStepExecutor(g.l, g.router, g.cfg.Executor.BackoffUnit, g.metrics)
	executor := runtime.NewExecutor(g.l, stepExecutor, g.cfg.Executor.MaxParallelSteps, g.metrics)
	g.orch = runtime.NewOrchestrator(g.l, store, executor, g.cfg.Executor.ExecutionTimeout)
	g.metrics.TrackActive(g.orch.Running)

	restored, err := store.Restore(ctx)
	if err != nil {
		return err
	}
	g.l.InfoContext(ctx, "Restored persisted workflows", "count", restored)

	if dir := g.cfg.WorkflowsDir; dir != "" {
		loaded, err := g.orch.LoadDefinitions(ctx, dir)
		if err != nil {
			return fmt.Errorf("failed to load workflow definitions: %w", err)
		}
		g.l.InfoContext(ctx, "Loaded workflow definitions", "dir", dir, "count", loaded)
	}

	gin.SetMode(g.cfg.Server.Mode)
	g.handler = server.New(g.l, g.orch, g.router, g.metrics.Handler()).SetupRoutes()
	return nil
}

func (g *gateway) openStore(ctx context.Context) error {
	cfg := g.cfg.Store
	switch cfg.Driver {
	case config.DriverMemory:
		g.store = kv.NewMemoryStore()

	case config.DriverSQLite:
		s, err := kv.NewSQLiteStore(cfg.Path)
		if err != nil {
			return fmt.Errorf("failed to open state store: %w", err)
		}
		g.sqlite = s
		g.store = s
		if cfg.CacheSize > 0 {
			cached, err := kv.NewCachedStore(s, cfg.CacheSize, cfg.CacheTTL)
			if err != nil {
				return fmt.Errorf("failed to create state cache: %w", err)
			}
			g.store = cached
		}

	case config.DriverRedis:
		s, err := kv.NewRedisStore(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to open state store: %w", err)
		}
		g.store = s

	default:
		return fmt.Errorf("unknown store driver %q", cfg.Driver)
	}

	g.l.InfoContext(ctx, "State store opened", "driver", cfg.Driver)
	return nil
}

func (g *gateway) registerModules(ctx context.Context) error {
	modules := []plugin.Module{
		state.New(g.store),
		httpmod.New(g.cfg.Plugins.HTTP),
	}

	if sqlCfg := g.cfg.Plugins.SQL; sqlCfg != nil {
		m, err := sqldb.Open(ctx, g.l, *sqlCfg)
		if err != nil {
			return err
		}
		g.sqlMod = m
		modules = append(modules, m)
	}

	for _, m := range modules {
		if err := g.router.Register(m.Registration()); err != nil {
			return err
		}
	}
	for _, m := range g.cfg.Modules {
		if err := g.router.Register(m.Registration()); err != nil {
			return fmt.Errorf("module %s: %w", m.Name, err)
		}
	}
	return nil
}

// startBackground runs the periodic health probe and the expired state
// cleanup until ctx is done.
func (g *gateway) startBackground(ctx context.Context) {
	g.background.Add(1)
	go func() {
		defer g.background.Done()
		g.router.MonitorHealth(ctx, g.cfg.Health.Interval)
	}()

	if g.sqlite != nil && g.cfg.Store.CleanupInterval > 0 {
		g.background.Add(1)
		go func() {
			defer g.background.Done()
			g.sqlite.RunCleanup(ctx, g.cfg.Store.CleanupInterval, func(err error) {
				g.l.ErrorContext(ctx, "State cleanup failed", "error", err)
			})
		}()
	}
}

// run serves until ctx is done, then shuts down gracefully.
func (g *gateway) run(ctx context.Context) error {
	if err := g.setup(ctx); err != nil {
		return err
	}
	defer g.close()

	ln, err := net.Listen("tcp", g.cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", g.cfg.Server.Addr(), err)
	}
	return g.serve(ctx, ln)
}

func (g *gateway) serve(ctx context.Context, ln net.Listener) error {
	bgCtx, stopBackground := context.WithCancel(ctx)
	g.startBackground(bgCtx)

	srv := &http.Server{Handler: g.handler}
	errCh := make(chan error, 1)
	go func() {
		g.l.Info("HTTP server starting", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}

	g.l.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.Server.ShutdownTimeout)
	defer cancel()

	g.orch.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		g.l.Error("Shutdown failed", "error", err)
	}
	stopBackground()
	g.background.Wait()

	g.l.Info("Server exited")
	return serveErr
}

func (g *gateway) close() {
	if g.sqlMod != nil {
		if err := g.sqlMod.Close(); err != nil {
			g.l.Error("Failed to close sql module", "error", err)
		}
		g.sqlMod = nil
	}
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			g.l.Error("Failed to close state store", "error", err)
		}
		g.store = nil
	}
	if g.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), telemetryFlushTimeout)
		if err := g.telemetry.Shutdown(ctx); err != nil {
			g.l.Error("Failed to flush traces", "error", err)
		}
		cancel()
		g.telemetry = nil
	}
}
