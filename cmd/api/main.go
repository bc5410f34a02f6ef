package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"content-sync/internal/core/broadcast"
	"content-sync/internal/core/cache"
	"content-sync/internal/core/config"
	"content-sync/internal/core/logger"
	"content-sync/internal/core/server"
	"content-sync/internal/features/records/adapters"
	"content-sync/internal/features/records/domain"
	"content-sync/internal/features/records/handler"
	"content-sync/internal/features/records/service"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// @title Content Sync API
// @version 1.0
// @description This API saves banners and banner strips through the content synchronization engine and exposes each process's view of them.
// @contact.name API Support
// @license.name MIT
// @host localhost:8080
// @BasePath /
func main() {
	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logger.Init(cfg.Environment, cfg.LogLevel); err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer logger.Sync()

	l := logger.Get()
	l.Info("Application starting",
		zap.String("environment", cfg.Environment),
		zap.String("log_level", cfg.LogLevel),
		zap.String("instance", cfg.InstanceName),
		zap.String("broadcast_driver", cfg.Broadcast.Driver),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisCache, err := cache.NewRedisAdapter(cfg.Remote.RedisURL)
	if err != nil {
		l.Fatal("Invalid Redis configuration", zap.Error(err))
	}
	defer redisCache.Close()

	pingCtx, cancelPing := context.WithTimeout(ctx, cfg.Sync.ProbeTimeout())
	if err := redisCache.Ping(pingCtx); err != nil {
		// Writes fall back to the local store until Redis answers.
		l.Warn("Remote store unreachable at startup", zap.Error(err))
	} else {
		l.Info("Remote store connection verified")
	}
	cancelPing()

	remote := adapters.NewRedisRemoteStore(redisCache,
		adapters.WithWriteQuota(cfg.Remote.WriteQuota, cfg.Remote.QuotaWindow()),
	)

	local, err := adapters.NewSQLiteLocalStore(cfg.Local.Dir, cfg.InstanceName)
	if err != nil {
		l.Fatal("Failed to open local fallback store", zap.Error(err))
	}
	defer local.Close()

	bus, err := broadcast.New(cfg.Broadcast.Driver, cfg.Broadcast.Dir, redisCache)
	if err != nil {
		l.Fatal("Failed to create broadcast bus", zap.Error(err))
	}
	defer bus.Close()

	probe := adapters.NewAvailabilityProbe(remote, cfg.Sync.ProbeTimeout())
	realtime := adapters.NewRealtimeSubscriber(redisCache, remote)

	coordinator := service.NewCoordinator(remote, local, bus, probe, realtime, service.Options{
		WriteTimeout: cfg.Sync.WriteTimeout(),
		QueueLimit:   cfg.Sync.QueueLimit,
		ProbeEnabled: cfg.Sync.ProbeEnabled,
	})

	view := service.NewView(bus, local, realtime)
	if err := view.Start(ctx); err != nil {
		l.Fatal("Failed to start content view", zap.Error(err))
	}
	defer view.Stop()

	coordinator.Observe(func(rec domain.Record, _ domain.SyncSource) {
		if err := view.Refresh(context.Background(), rec.RecordID()); err != nil {
			l.Warn("Failed to refresh view", zap.String("id", rec.RecordID()), zap.Error(err))
		}
	})

	recordHandler := handler.NewRecordHandler(coordinator, view)

	srv := server.New(cfg)
	recordHandler.Register(srv.App)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run()
	})
	g.Go(func() error {
		<-gctx.Done()
		l.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			l.Warn("Server shutdown failed", zap.Error(err))
		}
		if err := coordinator.Wait(shutdownCtx); err != nil {
			l.Warn("Pending syncs abandoned", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		l.Error("Server failed", zap.Error(err))
	}
}
