package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"github.com/helios-rt/helios/internal/v1/config"
	"github.com/helios-rt/helios/internal/v1/health"
	"github.com/helios-rt/helios/internal/v1/logging"
	"github.com/helios-rt/helios/internal/v1/middleware"
	"github.com/helios-rt/helios/internal/v1/protocol"
	"github.com/helios-rt/helios/internal/v1/ratelimit"
	"github.com/helios-rt/helios/internal/v1/session"
	"github.com/helios-rt/helios/internal/v1/tracing"
	"github.com/helios-rt/helios/internal/v1/transport"
)

const serviceName = "helios"

func main() {
	// Config first (it also applies a local .env); the structured logger
	// needs cfg.DevMode, so early failures go through slog.
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevMode, cfg.LogLevel); err != nil {
		slog.Error("Failed to initialize logging", "error", err)
		os.Exit(1)
	}
	defer func() { _ = logging.GetLogger().Sync() }()

	ctx := context.Background()
	cfg.Log(ctx)

	if cfg.DevMode {
		logging.Warn(ctx, "Running in DEVELOPMENT MODE - origin checks disabled, DO NOT USE IN PRODUCTION")
	}

	// --- Tracing (Optional) ---
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.OTLPEndpoint, cfg.DevMode)
		if err != nil {
			logging.Error(ctx, "Failed to initialize tracing, continuing without it", zap.Error(err))
		} else {
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tp.Shutdown(flushCtx); err != nil {
					logging.Error(flushCtx, "Failed to shut down tracer provider", zap.Error(err))
				}
			}()
			logging.Info(ctx, "Tracing initialized", zap.String("endpoint", cfg.OTLPEndpoint))
		}
	}

	limiter, err := ratelimit.New(cfg.RateLimitWsIP)
	if err != nil {
		logging.Fatal(ctx, "Invalid rate limit configuration", zap.Error(err))
	}

	// --- Create Hub with Dependencies ---
	hub, err := session.NewHub(session.Options{
		RequestTimeout: cfg.RequestTimeout,
		ParseMode:      protocol.ParseMode(cfg.ParseMode),
		Recovery: session.RecoveryConfig{
			Enabled:       cfg.SessionRecoveryEnabled,
			Secret:        cfg.SessionSecret,
			TTL:           cfg.SessionTTL,
			SweepInterval: cfg.SessionSweepInterval,
		},
		Health: session.HealthConfig{
			Enabled:   cfg.HealthCheckEnabled,
			Interval:  cfg.HealthCheckInterval,
			Timeout:   cfg.HealthCheckTimeout,
			MaxMissed: cfg.HealthCheckMaxMissed,
		},
	})
	if err != nil {
		logging.Fatal(ctx, "Failed to create hub", zap.Error(err))
	}

	allowedOrigins := cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:3000"}
	}

	server := transport.NewServer(hub, transport.Options{
		AllowedOrigins:  allowedOrigins,
		DevMode:         cfg.DevMode,
		MaxMessageBytes: cfg.MaxMessageBytes,
		Limiter:         limiter,
	})

	// --- Set up Server ---
	if !cfg.DevMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if cfg.TracingEnabled {
		router.Use(otelgin.Middleware(serviceName))
	}

	// Cors
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	router.Use(cors.New(corsConfig))

	// Routing
	router.GET("/ws", server.ServeWs)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(hub)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		logging.Info(ctx, "Server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Failed to run server", zap.Error(err))
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Close every active connection before stopping the HTTP listener so
	// clients see a clean close frame instead of a dropped TCP stream.
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "Error during hub shutdown", zap.Error(err))
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "Server forced to shutdown", zap.Error(err))
	}

	logging.Info(ctx, "Server exiting")
}
