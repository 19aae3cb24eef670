// cmd/api/main.go
// Gin RESTful API 入口

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"sendy/internal/api/routes"
	"sendy/internal/campaignlog"
	"sendy/internal/config"
	"sendy/internal/engine"
	"sendy/internal/logger"
	"sendy/internal/services"
)

func main() {
	// 載入設定
	cfg := config.Load()
	log := logger.New(cfg.Env, cfg.LogLevel)
	log.Info().Str("transport", cfg.Transport).Str("dispatch", cfg.DispatchMode).Msg("starting Sendy API server")

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	engineCfg, err := engine.ConfigFrom(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load inline image")
	}

	// 活動紀錄
	store, err := campaignlog.NewStore(cfg.LogDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open campaign log directory")
	}

	deps := services.CampaignServiceDeps{
		Config:    cfg,
		Engine:    engineCfg,
		Store:     store,
		Negotiate: services.ConfigNegotiator(cfg, logger.Component(log, "transport")),
		Logger:    logger.Component(log, "campaign"),
	}
	routeDeps := &routes.Dependencies{
		Config: cfg,
		Logger: logger.Component(log, "api"),
	}

	// 初始化資料庫 (未設定時使用記憶體)
	if cfg.DatabaseURL != "" {
		db, err := services.InitDatabase(cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		deps.Repository = services.NewGormCampaignRepository(db)
	} else {
		log.Warn().Msg("DATABASE_URL not set, campaign registry is kept in memory")
	}

	// 初始化 KeyDB (選用)
	if cfg.KeyDBURL != "" {
		keydbService, err := services.NewKeyDBService(cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to KeyDB")
		}
		defer keydbService.Close()
		deps.Progress = keydbService
		routeDeps.KeyDB = keydbService
	}

	// 初始化 RabbitMQ (queue 模式)
	if cfg.DispatchMode == config.DispatchQueue {
		queueService, err := services.NewQueueService(cfg, logger.Component(log, "queue"))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
		}
		defer queueService.Close()
		deps.Publisher = queueService
		routeDeps.Queue = queueService
	}

	campaignService := services.NewCampaignService(deps)
	routeDeps.CampaignService = campaignService

	// 初始化 Gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gin.Logger())
	router.MaxMultipartMemory = int64(cfg.MaxUploadSizeMB) << 20

	// 註冊路由
	routes.RegisterRoutes(router, routeDeps)

	// 建立 HTTP Server
	srv := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	go func() {
		log.Info().Str("port", cfg.APIPort).Msg("API server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// 等待中斷信號
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down API server")

	// 優雅關閉
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	// 進行中的活動在收件人之間停止，已處理的結果保留在紀錄中
	if err := campaignService.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("campaigns did not stop in time")
	}

	log.Info().Msg("API server stopped")
}
