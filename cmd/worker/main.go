// cmd/worker/main.go
// RabbitMQ Worker 入口 (queue 派送模式)

package main

import (
	"os"
	"os/signal"
	"syscall"

	"sendy/internal/campaignlog"
	"sendy/internal/config"
	"sendy/internal/engine"
	"sendy/internal/logger"
	"sendy/internal/services"
	"sendy/internal/worker"
)

func main() {
	// 載入設定
	cfg := config.Load()
	log := logger.New(cfg.Env, cfg.LogLevel)
	log.Info().Str("transport", cfg.Transport).Msg("starting Sendy worker")

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	engineCfg, err := engine.ConfigFrom(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load inline image")
	}

	store, err := campaignlog.NewStore(cfg.LogDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open campaign log directory")
	}

	negotiate := services.ConfigNegotiator(cfg, logger.Component(log, "transport"))
	deps := services.CampaignServiceDeps{
		Config:    cfg,
		Engine:    engineCfg,
		Store:     store,
		Negotiate: negotiate,
		Logger:    logger.Component(log, "campaign"),
	}

	// 初始化資料庫
	if cfg.DatabaseURL != "" {
		db, err := services.InitDatabase(cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		deps.Repository = services.NewGormCampaignRepository(db)
	} else {
		log.Warn().Msg("DATABASE_URL not set, campaign status updates stay local to this worker")
	}

	// 初始化 KeyDB
	if cfg.KeyDBURL != "" {
		keydbService, err := services.NewKeyDBService(cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to KeyDB")
		}
		defer keydbService.Close()
		deps.Progress = keydbService
	}

	// 失敗隊列發布
	queueService, err := services.NewQueueService(cfg, logger.Component(log, "queue"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
	}
	defer queueService.Close()

	campaignService := services.NewCampaignService(deps)

	// 初始化 Consumer
	consumer := worker.NewConsumer(cfg, campaignService, negotiate, queueService, logger.Component(log, "worker"))
	if err := consumer.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start worker")
	}

	// 等待中斷信號
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down worker")
	consumer.GracefulShutdown()

	log.Info().Msg("worker stopped")
}
