// Package main 车队管理服务入口
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"botfleet-admin/internal/api"
	"botfleet-admin/internal/config"
	"botfleet-admin/internal/credcache"
	"botfleet-admin/internal/fleet"
	"botfleet-admin/internal/mcbot"
	"botfleet-admin/internal/msauth"
	"botfleet-admin/internal/storage"
	"botfleet-admin/internal/storage/driver/postgres"
	"botfleet-admin/internal/storage/driver/sqlite"
	"botfleet-admin/internal/storage/repository"
	"botfleet-admin/internal/userauth"
	"botfleet-admin/pkg/logging"
)

func main() {
	cfg := config.Load()
	log := logging.Default("fleet-server")
	log.Info("Starting fleet server", "env", string(cfg.Env), "config", cfg.String())

	store, err := openStore(cfg)
	if err != nil {
		log.WithError(err).Error("Failed to open storage")
		os.Exit(1)
	}
	defer store.Close()
	log.Info("Storage ready", "driver", cfg.Database.Driver)

	cache, err := openCredentialCache(cfg)
	if err != nil {
		log.WithError(err).Error("Failed to open credential cache")
		os.Exit(1)
	}
	log.Info("Credential cache ready", "backend", cfg.Cache.Backend)

	authCfg := userauth.Config{
		JWTSecret:         cfg.Auth.JWTSecret,
		AccessTokenTTL:    cfg.Auth.AccessTokenTTL,
		AdminUser:         cfg.Auth.AdminUser,
		AdminPasswordHash: cfg.Auth.AdminPassword,
	}
	if !authCfg.Enabled() {
		log.Warn("JWT_SECRET not set, running without authentication")
	}

	gateway := api.NewGateway(authCfg, nil, logging.Default("ws-gateway"))

	// Redis 配置后事件经流中继，支持多实例部署
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var broadcaster api.Broadcaster = gateway
	if cfg.RedisURL != "" {
		relay, err := api.NewRelay(cfg.RedisURL, gateway, logging.Default("event-relay"))
		if err != nil {
			log.WithError(err).Error("Failed to connect to Redis")
			os.Exit(1)
		}
		defer relay.Close()
		go relay.Run(ctx)
		broadcaster = relay
		log.Info("Event relay connected")
	}

	provider := msauth.NewMicrosoftProvider(cfg.Auth.MSAClientID, cache, logging.Default("msauth-provider"))
	orchestrator := msauth.New(store, cache, provider, broadcaster,
		cfg.Auth.HandshakeTimeout, cfg.Auth.PollInterval, logging.Default("msauth"))

	// 上次运行遗留的半成品握手统一回滚
	if err := orchestrator.RecoverStale(ctx); err != nil {
		log.WithError(err).Error("Startup recovery sweep failed")
		os.Exit(1)
	}

	drivers := mcbot.NewRegistry()
	drivers.Register(mcbot.NewProbeDialer())
	dialer, err := drivers.Get(getDriverName())
	if err != nil {
		log.WithError(err).Error("Protocol driver not available")
		os.Exit(1)
	}
	log.Info("Protocol driver selected", "driver", dialer.Name())

	registry := fleet.NewRegistry()
	metrics := api.NewMetrics("botfleet", registry.Len, orchestrator.PendingCount)
	gateway.SetMetrics(metrics)
	orchestrator.SetMetrics(metrics)

	manager := fleet.NewManager(store, cache, registry, dialer,
		broadcaster, metrics, logging.Default("fleet"))
	coordinator := fleet.NewCoordinator(manager, cfg.Fleet.StartDelay, logging.Default("fleet-coordinator"))

	handler := api.NewHandler(store, cache, orchestrator, manager, coordinator,
		gateway, broadcaster, metrics, authCfg, cfg.Fleet, logging.Default("api"))

	srv := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      userauth.Middleware(authCfg, logging.Default("auth"))(handler.Router()),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 优雅关闭：停止收新请求 → 断开全部机器人 → 回滚进行中的握手
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("HTTP server shutdown error")
		}
		coordinator.StopAll(shutdownCtx, cfg.Fleet.ShutdownGrace)
		manager.Wait()
		orchestrator.Shutdown(shutdownCtx)
		gateway.CloseAll()
		cancel()
	}()

	log.Info("Fleet server listening", "port", cfg.APIPort)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.WithError(err).Error("Server error")
		os.Exit(1)
	}
	log.Info("Server stopped")
}

// openStore 按配置打开存储层
func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		db, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		dialect := postgres.NewDialect()
		if err := dialect.AutoMigrate(db); err != nil {
			db.Close()
			return nil, err
		}
		return repository.NewStore(db, dialect), nil
	default:
		db, err := sqlite.Open(cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		dialect := sqlite.NewDialect()
		if err := dialect.AutoMigrate(db); err != nil {
			db.Close()
			return nil, err
		}
		return repository.NewStore(db, dialect), nil
	}
}

// openCredentialCache 按配置打开凭证缓存
func openCredentialCache(cfg *config.Config) (credcache.Cache, error) {
	if cfg.Cache.Backend == "minio" {
		cache, err := credcache.NewMinIOCache(cfg.MinIO)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := cache.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return cache, nil
	}
	return credcache.NewFSCache(cfg.Cache.Dir)
}

// getDriverName 协议驱动选择，预留接入真实协议库的开关
func getDriverName() string {
	if name := os.Getenv("BOT_DRIVER"); name != "" {
		return name
	}
	return "tcp-probe"
}
