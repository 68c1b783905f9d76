package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"engram/internal/config"
	"engram/internal/logging"
	"engram/internal/mcp"
	"engram/internal/notify"
	"engram/internal/telemetry"
)

const shutdownGrace = 15 * time.Second

// serveCmd runs the MCP server until interrupted
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP memory server",
	Long: `Starts the HTTP server robots connect to:

  POST /mcp             JSON-RPC 2.0 (initialize, tools/list, tools/call)
  POST /mcp/tools/call  direct tool invocation
  GET  /mcp/health      store, pool, and breaker health
  GET  /metrics         Prometheus metrics

Group change channels (Postgres LISTEN/NOTIFY) are live for the lifetime
of the process. Editing the config file adjusts log level and query-cache
TTL without a restart; everything else needs one.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stk, err := buildStack(ctx)
	if err != nil {
		return err
	}
	log := logging.Named("serve")

	notifier := notify.New(stk.store.Pool())
	checker := telemetry.NewChecker(stk.store, stk.breakers, stk.metrics)

	mcpCfg := mcp.DefaultConfig()
	mcpCfg.Addr = cfg.Server.Addr
	srv := mcp.NewServer(mcpCfg, mcp.Deps{
		Store:    stk.store,
		Workflow: stk.workflow,
		Searcher: stk.searcher,
		Frames:   stk.frames,
		Sets:     stk.sets,
		Notifier: notifier,
		Checker:  checker,
	})

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  mcpCfg.ReadTimeout,
		WriteTimeout: mcpCfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Hot-reload the safe subset while running.
	if cfgPath != "" {
		watcher, werr := config.Watch(cfgPath, log, func(next *config.Config) {
			if err := logging.SetLevel(next.Logging.Level); err != nil {
				log.Warn("log level not applied", zap.String("level", next.Logging.Level), zap.Error(err))
			}
			stk.store.Cache().SetTTL(next.Cache.TTL)
		})
		if werr != nil {
			log.Warn("config watch unavailable", zap.Error(werr))
		} else {
			defer watcher.Close()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		stk.close(ctx)
		return fmt.Errorf("mcp server: %w", err)
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("mcp shutdown incomplete", zap.Error(err))
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}
	stk.close(shutdownCtx)
	return nil
}
