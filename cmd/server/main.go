package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pulsewatch/pulsewatch/internal/aggregate"
	"github.com/pulsewatch/pulsewatch/internal/api"
	"github.com/pulsewatch/pulsewatch/internal/config"
	"github.com/pulsewatch/pulsewatch/internal/detector"
	"github.com/pulsewatch/pulsewatch/internal/events"
	"github.com/pulsewatch/pulsewatch/internal/groupstate"
	"github.com/pulsewatch/pulsewatch/internal/notify"
	"github.com/pulsewatch/pulsewatch/internal/pulse"
	"github.com/pulsewatch/pulsewatch/internal/realtime"
	"github.com/pulsewatch/pulsewatch/internal/registry"
	"github.com/pulsewatch/pulsewatch/internal/selfmon"
	"github.com/pulsewatch/pulsewatch/internal/status"
	"github.com/pulsewatch/pulsewatch/internal/storage"
	"github.com/pulsewatch/pulsewatch/internal/telemetry"
)

// aggregationAbortCeiling is the hard ceiling after which a stuck
// aggregation run is cancelled in favour of a fresh one.
const aggregationAbortCeiling = 5 * time.Minute

func main() {
	configPath := flag.String("config", config.Path(), "path to the TOML configuration file")
	dumpConfig := flag.Bool("dump-config", false, "print an example configuration and exit")
	flag.Parse()

	if *dumpConfig {
		config.DumpExampleConfig(os.Stdout)
		return
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logger
	logger := initLogger(cfg.Logging)
	logger.Info("Starting pulsewatch server",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"monitors", len(cfg.Monitors),
		"groups", len(cfg.Groups),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage: pool + embedded migrations
	store, err := storage.Open(ctx, &cfg.Storage, logger)
	if err != nil {
		log.Fatalf("Storage init failed: %v", err)
	}
	defer store.Close()

	if err := store.RunMigrations(); err != nil {
		log.Fatalf("Migrations failed: %v", err)
	}

	// Engine wiring
	bus := events.NewBus(cfg.Engine.MaxBufferSize)
	defer bus.Close()

	metrics := telemetry.New()

	reg, err := registry.New(*configPath, cfg, bus, logger)
	if err != nil {
		log.Fatalf("Configuration rejected: %v", err)
	}

	cache := status.NewCache()
	tracker := groupstate.NewTracker()
	eval := status.NewEvaluator(reg, cache, store, tracker, bus, metrics, cfg.Engine.GracePeriod(), logger)

	writer := pulse.NewBatchWriter(store, metrics, cfg.Engine.FlushInterval(), cfg.Engine.MaxBatch, cfg.Engine.MaxBufferSize, logger)
	queue := pulse.NewRecomputeQueue(eval, cfg.Engine.FlushInterval(), cfg.Engine.RecomputeConcurrency, logger)
	ingestor := pulse.NewIngestor(reg, writer, queue, bus, metrics, logger)

	det := detector.New(reg, cache, bus, metrics, cfg.Engine.CheckInterval(), cfg.Engine.GracePeriod(), logger)
	dispatcher := notify.NewDispatcher(reg, bus, metrics, cfg.Engine.ProviderTimeout(), logger)
	aggJob := aggregate.New(store, reg, metrics, cfg.Engine.AggregationInterval(), aggregationAbortCeiling, logger)
	self := selfmon.New(store, reg, writer, bus, metrics, &cfg.SelfMonitor, logger)
	hub := realtime.NewHub(reg, bus, metrics, logger)

	// Background workers
	runWorker(ctx, logger, "batch writer", writer.Run)
	runWorker(ctx, logger, "recompute queue", queue.Run)
	runWorker(ctx, logger, "missing-pulse detector", det.Run)
	runWorker(ctx, logger, "notification dispatcher", dispatcher.Run)
	runWorker(ctx, logger, "aggregation job", aggJob.Run)
	runWorker(ctx, logger, "self-monitor", self.Run)
	runWorker(ctx, logger, "realtime hub", hub.Run)
	runWorker(ctx, logger, "config watcher", reg.Watch)
	runWorker(ctx, logger, "reload handler", func(ctx context.Context) error {
		// A reload prunes state for removed entities and recomputes the
		// fleet against the new snapshot.
		return eval.Run(ctx, det, tracker)
	})

	// Prime the cache before the first detector scan.
	go eval.RecomputeAll(ctx)

	router := api.NewRouter(&api.Dependencies{
		Registry:      reg,
		Cache:         cache,
		Store:         store,
		Ingestor:      ingestor,
		Detector:      det,
		Hub:           hub,
		Metrics:       metrics,
		Logger:        logger,
		CheckInterval: cfg.Engine.CheckInterval(),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout(),
		WriteTimeout: cfg.Server.WriteTimeout(),
	}

	go func() {
		logger.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	logger.Info("Server stopped gracefully")
}

func runWorker(ctx context.Context, logger *slog.Logger, name string, run func(context.Context) error) {
	go func() {
		if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Worker stopped", "worker", name, "error", err)
		}
	}()
}

func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
