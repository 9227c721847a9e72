package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lydakis/toolgate/internal/agent"
	"github.com/lydakis/toolgate/internal/cache"
	"github.com/lydakis/toolgate/internal/config"
	"github.com/lydakis/toolgate/internal/ipc"
	"github.com/lydakis/toolgate/internal/llm"
	"github.com/lydakis/toolgate/internal/mcppool"
	"github.com/lydakis/toolgate/internal/paths"
	"github.com/lydakis/toolgate/internal/registry"
	"github.com/lydakis/toolgate/internal/router"
	"github.com/lydakis/toolgate/internal/session"
)

var openSQLiteFn = func(ctx context.Context, path string, logger *slog.Logger) (session.Store, error) {
	return session.OpenSQLite(ctx, path, logger)
}

// Run starts the daemon process. Called when argv[1] == "__daemon".
func Run() error {
	if err := paths.EnsureDir(paths.RuntimeDir()); err != nil {
		return fmt.Errorf("creating runtime dir: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if verr := config.Validate(cfg); verr != nil {
		return fmt.Errorf("invalid config: %w", verr)
	}

	logger := config.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat).With("pid", os.Getpid())

	nonce, err := readOrCreateNonce()
	if err != nil {
		return fmt.Errorf("nonce setup: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := openStore(ctx, cfg, logger)
	defer store.Close()

	pool := mcppool.New(cfg, mcppool.WithLogger(logger))
	reg := registry.New(logger)
	pool.OnChange(func() {
		reg.Rebuild(registrySources(pool.Ready()))
	})

	report := pool.ConnectAll(ctx)
	for _, f := range report.Failed {
		logger.Warn("server unavailable", "server", f.Name, "error", f.Err)
	}
	logger.Info("servers connected", "ready", len(report.Ready), "failed", len(report.Failed))

	rt := router.New(reg, pool,
		router.WithServers(cfg.Servers),
		router.WithCache(cache.Default()),
		router.WithLogger(logger),
	)
	backend := llm.NewOllama(cfg.Model.BaseURLOrDefault(), llm.WithLogger(logger))
	loop := agent.New(backend, reg, rt,
		agent.WithStore(store),
		agent.WithLogger(logger),
		agent.WithModel(llm.Options{
			Model:       cfg.Model.ModelName(),
			Temperature: cfg.Model.TemperatureValue(),
			Timeout:     cfg.Model.TimeoutDuration(),
		}),
		agent.WithMaxSteps(cfg.Model.MaxStepsOrDefault()),
		agent.WithQueryTimeout(cfg.Model.QueryTimeoutDuration()),
		agent.WithParallelTools(cfg.ParallelTools),
	)

	if err := backend.Ping(ctx); err != nil {
		logger.Warn("model backend unreachable, queries will fail until it is up",
			"base_url", cfg.Model.BaseURLOrDefault(), "error", err)
	}

	ka := NewKeepalive(cfg.IdleTimeoutDuration(), func() {
		logger.Info("idle timeout reached", "idle_timeout", cfg.IdleTimeoutDuration())
		stop()
	})
	defer ka.Stop()

	h := &handler{
		base:     ctx,
		pool:     pool,
		catalog:  reg,
		loop:     loop,
		sessions: store,
		ka:       ka,
		logger:   logger,
		shutdown: stop,
	}

	srv := ipc.NewServer(paths.SocketPath(), nonce, h.handle, logger)
	if err := srv.Start(); err != nil {
		_ = pool.Shutdown(context.Background())
		return err
	}

	logger.Info("listening", "socket", paths.SocketPath())
	<-ctx.Done()
	logger.Info("shutting down")

	// Handlers see the cancelled base context and wind down first.
	srv.Stop()
	if err := pool.Shutdown(context.Background()); err != nil {
		logger.Warn("pool shutdown", "error", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) session.Store {
	if cfg.Session.BackendName() == config.SessionBackendNone {
		logger.Warn("session persistence disabled", "reason", "session.backend is none")
		return session.NopStore{}
	}

	path := cfg.Session.Path
	if path == "" {
		path = paths.SessionDB()
	}
	store, err := openSQLiteFn(ctx, path, logger)
	if err != nil {
		logger.Warn("session persistence disabled", "path", path, "error", err)
		return session.NopStore{}
	}
	return store
}

func registrySources(ready []mcppool.Info) []registry.Source {
	sources := make([]registry.Source, 0, len(ready))
	for _, info := range ready {
		sources = append(sources, registry.Source{Server: info.Name, Tools: info.Tools})
	}
	return sources
}
