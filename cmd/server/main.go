package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/namastexlabs/omni-gateway/internal/channels"
	"github.com/namastexlabs/omni-gateway/internal/channels/discord"
	"github.com/namastexlabs/omni-gateway/internal/channels/evolution"
	"github.com/namastexlabs/omni-gateway/internal/config"
	"github.com/namastexlabs/omni-gateway/internal/domain"
	"github.com/namastexlabs/omni-gateway/internal/handler"
	"github.com/namastexlabs/omni-gateway/internal/migrations"
	"github.com/namastexlabs/omni-gateway/internal/ratelimit"
	"github.com/namastexlabs/omni-gateway/internal/repository"
	"github.com/namastexlabs/omni-gateway/internal/router"
	"github.com/namastexlabs/omni-gateway/internal/services/access"
	"github.com/namastexlabs/omni-gateway/internal/services/agent"
	"github.com/namastexlabs/omni-gateway/internal/services/identity"
	"github.com/namastexlabs/omni-gateway/internal/services/instance"
	"github.com/namastexlabs/omni-gateway/internal/services/tracing"
	"github.com/namastexlabs/omni-gateway/pkg/logger"
	"github.com/namastexlabs/omni-gateway/pkg/redisx"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	if _, err := logger.Init(cfg.Environment, cfg.LogLevel); err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Base().Fatal("gateway exited", zap.Error(err))
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}

	repos := repository.NewGormRepositoryManager(db)
	defer repos.Close()

	// Services.
	instances, err := instance.NewService(ctx, repos)
	if err != nil {
		return err
	}
	accessSvc, err := access.NewService(ctx, repos)
	if err != nil {
		return err
	}

	var redisSvc *redisx.Service
	if cfg.RedisAddr != "" {
		redisSvc, err = redisx.New(&redisx.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			logger.Base().Warn("redis unavailable, identity memo falls back to memory", zap.Error(err))
			redisSvc = nil
		} else {
			defer redisSvc.Close()
		}
	}
	identitySvc := identity.NewService(repos, identity.NewMemoCache(redisSvc))

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequests:     cfg.RateLimitMaxRequests,
		WindowSeconds:   cfg.RateLimitWindowSeconds,
		CleanupInterval: time.Duration(cfg.RateLimitCleanupSeconds) * time.Second,
	})
	go limiter.StartSweeper(ctx)

	traceCfg := tracing.DefaultConfig()
	traceCfg.CompressionThreshold = cfg.CompressionThresholdBytes
	traces := tracing.NewStore(traceCfg)

	agentClient := agent.NewClient(agent.DefaultConfig())

	// Channel adapters.
	adapters := channels.NewRegistry()

	evoClient := evolution.NewClient(0)
	whatsapp := evolution.NewAdapter(evoClient)
	adapters.Register(whatsapp)
	instances.SetDiscovery(whatsapp)
	instances.RegisterProber(domain.ChannelWhatsApp, whatsapp)

	msgRouter := router.New(repos, instances, accessSvc, identitySvc, limiter, traces, agentClient, adapters)

	dc := discord.NewAdapter(discord.Config{
		QueueSize: cfg.DiscordQueueSize,
		Workers:   cfg.DiscordWorkers,
	}, msgRouter)
	defer dc.Close()
	adapters.Register(dc)
	instances.RegisterProber(domain.ChannelDiscord, dc)
	startDiscordSessions(ctx, instances, dc)

	// HTTP surface.
	manager := handler.NewHandlerManager(handler.Deps{
		Config:    cfg,
		Repos:     repos,
		Instances: instances,
		Access:    accessSvc,
		Identity:  identitySvc,
		Traces:    traces,
		Router:    msgRouter,
		Adapters:  adapters,
		WhatsApp:  whatsapp,
		Discord:   dc,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      manager.BuildRouter(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Base().Info("gateway listening",
			zap.String("addr", server.Addr),
			zap.String("environment", cfg.Environment),
		)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Base().Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	dbCfg := repository.LoadDatabaseConfigFromEnv()
	if dbCfg.DSN == "" {
		dbCfg.DSN = cfg.DatabaseURL
	}

	db, err := repository.NewDatabaseConnection(dbCfg)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if err := migrations.RunToHead(sqlDB); err != nil {
		return nil, err
	}
	return db, nil
}

// startDiscordSessions opens a gateway session for every active
// discord instance known at boot. Failures are logged, not fatal; the
// instance can be connected later through the admin API.
func startDiscordSessions(ctx context.Context, instances *instance.Service, dc *discord.Adapter) {
	list, err := instances.List(ctx, repository.InstanceFilter{
		ChannelType: domain.ChannelDiscord,
		ActiveOnly:  true,
	})
	if err != nil {
		logger.Base().Error("failed to list discord instances", zap.Error(err))
		return
	}
	for _, inst := range list {
		if err := dc.StartInstance(inst); err != nil {
			logger.Base().Error("failed to start discord session",
				zap.String("instance", inst.Name),
				zap.Error(err),
			)
		}
	}
}
