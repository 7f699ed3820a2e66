package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	mcp "github.com/TangGee/go-mcp-stream"
	"github.com/TangGee/go-mcp-stream/config"
	"github.com/TangGee/go-mcp-stream/servers/everything"
	"github.com/TangGee/go-mcp-stream/storage"
	"github.com/TangGee/go-mcp-stream/storage/bolt"
	"github.com/TangGee/go-mcp-stream/storage/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	pflag.StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file (default from MCP_STREAM_CONFIG)")
	pflag.Parse()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sessions := mcp.NewSessionManager(store,
		mcp.WithSessionTTL(cfg.Session.TTL),
		mcp.WithSessionSweepInterval(cfg.Session.SweepInterval),
		mcp.WithSessionLogger(logger),
	)
	streams := mcp.NewStreamManager(store,
		mcp.WithStreamQueueSize(cfg.Stream.QueueSize),
		mcp.WithStreamBroadcastConcurrency(cfg.Stream.BroadcastConcurrency),
		mcp.WithStreamMetrics(reg),
		mcp.WithStreamLogger(logger),
	)

	demo := everything.NewServer()
	defer demo.Close()

	srv := mcp.NewServer(mcp.Info{Name: "streaming-everything", Version: "1.0"}, sessions, streams,
		mcp.WithToolServer(demo),
		mcp.WithToolListUpdater(demo),
		mcp.WithResourceSubscriptionHandler(demo),
		mcp.WithLogHandler(demo),
		mcp.WithServerHeartbeat(cfg.Stream.Heartbeat),
		mcp.WithServerLogger(logger),
		mcp.WithServerOnClientConnected(func(id string, info mcp.Info) {
			logger.Info("client connected", slog.String("sessionID", id), slog.String("client", info.Name))
		}),
		mcp.WithServerOnClientDisconnected(func(id string) {
			logger.Info("client disconnected", slog.String("sessionID", id))
		}),
	)

	mux := http.NewServeMux()
	mux.Handle(cfg.Server.Endpoint, srv.Handler())
	if cfg.Server.MetricsEndpoint != "" {
		mux.Handle(cfg.Server.MetricsEndpoint, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}

	go srv.Serve()

	errs := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			slog.String("addr", httpSrv.Addr),
			slog.String("endpoint", cfg.Server.Endpoint),
			slog.String("storage", cfg.Storage.Backend))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errs:
		if err != nil {
			return fmt.Errorf("failed to serve: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Streams are closed first, so the open SSE responses end and the HTTP server can drain.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server listeners did not stop", slog.String("err", err.Error()))
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown http server: %w", err)
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

func openStorage(cfg config.StorageConfig) (storage.SessionStorage, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		store, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite storage: %w", err)
		}
		return store, nil
	case config.BackendBolt:
		store, err := bolt.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open bolt storage: %w", err)
		}
		return store, nil
	default:
		return storage.NewMemoryStorage(), nil
	}
}
