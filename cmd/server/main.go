// Package main provides the entry point for the HiveWatch server: the
// honeypot telemetry pipeline that normalizes, enriches, and pushes
// deception events to dashboards in real time.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/hivewatch/internal/aggregate"
	"github.com/lvonguyen/hivewatch/internal/api"
	"github.com/lvonguyen/hivewatch/internal/api/gateway"
	"github.com/lvonguyen/hivewatch/internal/config"
	"github.com/lvonguyen/hivewatch/internal/enrich"
	"github.com/lvonguyen/hivewatch/internal/fanout"
	"github.com/lvonguyen/hivewatch/internal/ingest"
	"github.com/lvonguyen/hivewatch/internal/normalize"
	"github.com/lvonguyen/hivewatch/internal/observability"
	"github.com/lvonguyen/hivewatch/internal/store"
	"github.com/lvonguyen/hivewatch/internal/upstream"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("HiveWatch %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config not loaded (%v), using defaults\n", err)
		cfg = config.DefaultConfig()
	}
	cfg.Telemetry.ServiceVersion = Version
	cfg.Telemetry.LogLevel = cfg.Logging.Level
	cfg.Telemetry.LogFormat = cfg.Logging.Format

	telemetry, err := observability.New(cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize telemetry: %v\n", err)
		os.Exit(1)
	}
	logger := telemetry.Logger()

	logger.Info("Starting HiveWatch",
		zap.String("version", Version),
		zap.String("config", *configPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Event store
	eventStore := store.New(cfg.Redis, logger.Named("store"))
	defer eventStore.Close()
	if err := eventStore.Ping(ctx); err != nil {
		logger.Warn("Event store unreachable at startup", zap.Error(err))
	}

	// Pipeline
	upstreamClient := upstream.NewClient(cfg.Upstream)
	normalizer := normalize.New(eventStore)
	engine := enrich.New(cfg.Enrichment)
	aggregator := aggregate.NewAggregator(upstreamClient, logger.Named("aggregate"))
	service := aggregate.NewService(aggregator, normalizer, engine, eventStore,
		cfg.Enrichment.CorrelationWindow, logger.Named("aggregate"))
	upstreamClient.SetMetrics(telemetry.Metrics())
	service.SetMetrics(telemetry.Metrics())

	// Real-time fan-out
	fanoutSvc := fanout.NewService(cfg.Fanout, eventStore, service, eventStore, upstreamClient, logger.Named("fanout"))
	fanoutSvc.SetMetrics(telemetry.Metrics())
	fanoutSvc.Start(ctx)
	defer fanoutSvc.Stop()

	// Sensor receiver
	if cfg.Ingest.Enabled {
		receiver := ingest.NewReceiver(cfg.Ingest.Receiver, eventStore, logger.Named("ingest"))
		receiver.SetMetrics(telemetry.Metrics())
		go func() {
			if err := receiver.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Sensor receiver stopped", zap.Error(err))
			}
		}()
	}

	telemetry.StartSystemMetricsCollector(ctx)

	// HTTP API
	handler := api.NewHandler(cfg.API, service, fanoutSvc.Hub(), upstreamClient, logger.Named("api"))
	limiter := gateway.NewRateLimiter(eventStore.Client(), cfg.RateLimit, logger.Named("ratelimit"))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if m := telemetry.Metrics(); m != nil {
		r.Use(m.HTTPMiddleware)
	}

	r.Get("/health", handleHealth)
	r.Get("/ready", readinessHandler(eventStore))
	r.Handle("/metrics", telemetry.MetricsHandler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(limiter.Middleware(
			func(req *http.Request) string {
				if who, err := handler.ResolveCaller(req); err == nil {
					return who.Tier()
				}
				return "tenant"
			},
			func(req *http.Request) string { return req.Header.Get("x-client-id") },
		))
		handler.Routes(r)
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server error", zap.Error(err))
		}
	}()

	sig := <-sigChan
	logger.Info("Shutting down", zap.String("signal", sig.String()))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Shutdown error", zap.Error(err))
	}
	fanoutSvc.Stop()
	telemetry.Shutdown(shutdownCtx)

	logger.Info("Server stopped")
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","version":"` + Version + `"}`))
}

// readinessHandler reports ready only when the event store answers.
func readinessHandler(s *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		if err := s.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"not_ready","reason":"event store unreachable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}
}
