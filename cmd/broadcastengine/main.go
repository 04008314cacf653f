// Broadcast Outbox Engine
//
// Standalone binary that runs the scheduler loop and the admin HTTP
// surface for a durable, rate-limited Telegram campaign fan-out
// pipeline.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.broadcastengine.dev/internal/broadcast"
	"go.broadcastengine.dev/internal/common/health"
	"go.broadcastengine.dev/internal/common/lifecycle"
	"go.broadcastengine.dev/internal/config"
	"go.broadcastengine.dev/internal/lock"
	"go.broadcastengine.dev/internal/platform"
	"go.broadcastengine.dev/internal/platform/api"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("BROADCAST_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("starting broadcast outbox engine", "version", version, "build_time", buildTime)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	infra, err := platform.Connect(ctx, cfg)
	if err != nil {
		slog.Error("failed to connect infrastructure", "error", err)
		os.Exit(1)
	}
	defer infra.Close()

	botToken, err := infra.BotToken(ctx)
	if err != nil {
		slog.Error("failed to load bot token", "error", err)
		os.Exit(1)
	}

	repo := broadcast.Instrument(broadcast.NewPostgresRepository(infra.DB))
	if err := repo.CreateSchema(ctx); err != nil {
		slog.Error("failed to create schema", "error", err)
		os.Exit(1)
	}

	audienceStore := broadcast.NewPostgresAudienceStore(infra.DB)
	resolver := broadcast.NewAudienceResolver(repo)

	gateway := broadcast.NewGateway(broadcast.GatewayConfig{
		BotToken:             botToken,
		RequestTimeout:       cfg.Engine.RequestTimeout,
		MaxMessagesPerSecond: cfg.Engine.MaxMessagesPerSecond,
	})

	lockMgr := lock.NewManager(infra.Redis, "broadcastengine:scheduler:lock")

	sched := broadcast.NewScheduler(broadcast.SchedulerConfig{
		TickInterval:  cfg.Engine.TickInterval,
		LiftLimit:     cfg.Engine.LiftLimit,
		RunningLimit:  cfg.Engine.RunningLimit,
		BatchSize:     cfg.Engine.BatchSize,
		MaxAttempts:   cfg.Engine.MaxAttempts,
		LockTTL:       cfg.Engine.LockTTL,
		LeaseDuration: cfg.Engine.LeaseDuration,
		InstanceID:    cfg.Engine.InstanceID,
	}, repo, gateway, resolver, audienceStore, lockMgr)

	admin := broadcast.NewAdminService(repo)

	healthChecker := health.NewChecker()
	healthChecker.AddReadinessCheck(health.PostgresCheck(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return repo.Ping(pingCtx)
	}))
	healthChecker.AddReadinessCheck(health.RedisCheck(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return infra.Redis.Ping(pingCtx).Err()
	}))
	if cfg.Engine.Enabled {
		healthChecker.AddReadinessCheck(health.SchedulerLeaseCheck(
			sched.IsPrimary,
			sched.LastTickAge,
			3*cfg.Engine.TickInterval,
		))
	}

	adminServer := &http.Server{
		Addr:         cfg.AdminAddr,
		Handler:      api.NewRouter(admin, cfg.AdminToken),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/q/health", healthChecker.HandleHealth)
	healthMux.HandleFunc("/q/health/live", healthChecker.HandleLive)
	healthMux.HandleFunc("/q/health/ready", healthChecker.HandleReady)
	healthServer := &http.Server{Addr: cfg.HealthAddr, Handler: healthMux}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	services := []lifecycle.Service{
		lifecycle.NewHTTPService("admin-api", adminServer),
		lifecycle.NewHTTPService("health", healthServer),
		lifecycle.NewHTTPService("metrics", metricsServer),
	}
	if cfg.Engine.Enabled {
		services = append(services, schedulerService(sched))
	} else {
		slog.Warn("scheduler loop disabled via BROADCAST_ENABLED=false")
	}

	if err := lifecycle.Run(ctx, services...); err != nil {
		slog.Error("lifecycle run exited with error", "error", err)
		os.Exit(1)
	}

	slog.Info("broadcast outbox engine stopped")
}

// schedulerService adapts the Scheduler's non-blocking Start/Stop pair
// to lifecycle.Service's blocking-Start contract.
func schedulerService(sched *broadcast.Scheduler) lifecycle.Service {
	return lifecycle.NewServiceFunc("scheduler",
		func(ctx context.Context) error {
			sched.Start(ctx)
			<-ctx.Done()
			return nil
		},
		func(ctx context.Context) error {
			sched.Stop()
			return nil
		},
	)
}
