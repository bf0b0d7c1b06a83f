package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/flowbox/config"
	"github.com/isdmx/flowbox/flowstore"
	"github.com/isdmx/flowbox/httpapi"
	"github.com/isdmx/flowbox/logger"
	"github.com/isdmx/flowbox/mcpserver"
	"github.com/isdmx/flowbox/metrics"
	"github.com/isdmx/flowbox/progress"
	"github.com/isdmx/flowbox/sandbox"
	"github.com/isdmx/flowbox/session"
)

func main() {
	app := fx.New(
		fx.Provide(
			config.New,
			logger.NewFromConfig,

			// Metrics registry and collector
			metrics.NewRegistry,
			metrics.NewFromConfig,

			// Capability registry and execution engine
			sandbox.NewRegistryFromConfig,
			newExecutor,

			progress.NewStoreFromConfig,
			newSessionManager,
			newFlowStore,

			newHTTPServer,
			mcpserver.New,
		),

		fx.Invoke(
			registerSessions,
			registerHTTP,
			registerMCP,
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	app.Run()
}

func newExecutor(log *zap.Logger, cfg *config.Config, registry *sandbox.Registry, collector *metrics.Collector) (sandbox.Executor, error) {
	return sandbox.NewExecutor(log, cfg, registry, sandbox.WithRecorder(collector))
}

func newSessionManager(log *zap.Logger, cfg *config.Config, executor sandbox.Executor, logs *progress.Store, collector *metrics.Collector) *session.Manager {
	return session.NewManagerFromConfig(log, cfg, executor, logs, session.WithRecorder(collector))
}

func newFlowStore(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config, collector *metrics.Collector) (flowstore.Store, error) {
	store, err := flowstore.New(context.Background(), log, cfg)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return store.Close()
		},
	})
	return flowstore.Instrument(store, log, collector), nil
}

func newHTTPServer(
	cfg *config.Config,
	log *zap.Logger,
	executor sandbox.Executor,
	sessions *session.Manager,
	logs *progress.Store,
	flows flowstore.Store,
	registry *sandbox.Registry,
	collector *metrics.Collector,
	reg *prometheus.Registry,
) *httpapi.Server {
	return httpapi.New(cfg, log, executor, sessions, logs, flows, registry, httpapi.WithMetrics(collector, reg))
}

func registerSessions(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config, sessions *session.Manager, logs *progress.Store) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			// logs left behind by a previous process
			removed, err := logs.Sweep(cfg.Sessions.Retention)
			if err != nil {
				log.Warn("failed to sweep stale progress logs", zap.Error(err))
			} else if removed > 0 {
				log.Info("removed stale progress logs", zap.Int("count", removed))
			}
			sessions.StartSweeper()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return sessions.Close(ctx)
		},
	})
}

func registerHTTP(lc fx.Lifecycle, shutdowner fx.Shutdowner, log *zap.Logger, cfg *config.Config, server *httpapi.Server) {
	if !cfg.Server.Enabled {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("REST server stopped", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: server.Shutdown,
	})
}

func registerMCP(lc fx.Lifecycle, shutdowner fx.Shutdowner, log *zap.Logger, cfg *config.Config, server *mcpserver.MCPServer) {
	if !cfg.MCP.Enabled {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				err := server.Serve()
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("MCP server stopped", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
					return
				}
				if cfg.MCP.Transport == "stdio" {
					// client closed stdin
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: server.Shutdown,
	})
}
