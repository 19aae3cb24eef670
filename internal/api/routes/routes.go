// internal/api/routes/routes.go
// Gin 路由註冊

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"sendy/internal/api/handlers"
	"sendy/internal/api/middlewares"
	"sendy/internal/config"
	"sendy/internal/services"
)

// Dependencies 路由依賴
type Dependencies struct {
	Config          *config.Config
	CampaignService *services.CampaignService
	KeyDB           handlers.Pinger // nil 表示停用
	Queue           handlers.Pinger // nil 表示 inline 模式
	Logger          zerolog.Logger
}

// RegisterRoutes 註冊所有路由
func RegisterRoutes(router *gin.Engine, deps *Dependencies) {
	// 初始化 Handlers
	healthHandler := handlers.NewHealthHandler(
		deps.Config,
		deps.Config.LogDir,
		deps.CampaignService.Repository(),
		deps.KeyDB,
		deps.Queue,
	)
	authHandler := handlers.NewAuthHandler(deps.Config)
	campaignHandler := handlers.NewCampaignHandler(deps.Config, deps.CampaignService, deps.Logger)
	limiter := middlewares.NewRateLimiter(deps.Config.SubmitRatePerMin)

	// 公開路由
	router.GET("/health", healthHandler.Health)

	api := router.Group("/api")
	{
		api.POST("/auth/login", authHandler.Login)

		// 活動相關 API (需認證)
		campaigns := api.Group("/campaigns")
		campaigns.Use(middlewares.JWTAuth(deps.Config))
		{
			campaigns.POST("/send", limiter.Middleware(), campaignHandler.Send)
			campaigns.GET("/:campaignId", campaignHandler.GetStatus)
			campaigns.GET("/:campaignId/logs", campaignHandler.GetLogs)
			campaigns.GET("/:campaignId/failed", campaignHandler.GetFailed)
			campaigns.GET("/:campaignId/export", campaignHandler.Export)
		}
	}
}
