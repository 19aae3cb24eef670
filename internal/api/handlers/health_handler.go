// internal/api/handlers/health_handler.go
// 健康檢查 Handler

package handlers

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"sendy/internal/config"
)

// Pinger 可檢查連線狀態的外部服務
type Pinger interface {
	Ping(ctx context.Context) bool
}

// HealthHandler 健康檢查 Handler
type HealthHandler struct {
	cfg        *config.Config
	logDir     string
	repository Pinger
	keydb      Pinger // nil 表示停用
	queue      Pinger // nil 表示 inline 模式
}

// NewHealthHandler 建立 Health Handler
func NewHealthHandler(cfg *config.Config, logDir string, repository, keydb, queue Pinger) *HealthHandler {
	return &HealthHandler{
		cfg:        cfg,
		logDir:     logDir,
		repository: repository,
		keydb:      keydb,
		queue:      queue,
	}
}

// Health 健康檢查
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	services := gin.H{
		"logs":     "ok",
		"database": "ok",
		"keydb":    "disabled",
		"rabbitmq": "disabled",
	}
	status := "healthy"

	// 檢查紀錄目錄
	if info, err := os.Stat(h.logDir); err != nil || !info.IsDir() {
		services["logs"] = "error"
		status = "degraded"
	}

	// 檢查 PostgreSQL (或記憶體實作)
	if h.repository != nil && !h.repository.Ping(ctx) {
		services["database"] = "error"
		status = "degraded"
	}

	// 檢查 KeyDB
	if h.keydb != nil {
		services["keydb"] = "ok"
		if !h.keydb.Ping(ctx) {
			services["keydb"] = "error"
			status = "degraded"
		}
	}

	// 檢查 RabbitMQ
	if h.queue != nil {
		services["rabbitmq"] = "ok"
		if !h.queue.Ping(ctx) {
			services["rabbitmq"] = "error"
			status = "degraded"
		}
	}

	statusCode := http.StatusOK
	if status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status":    status,
		"service":   "Sendy API",
		"version":   "1.0.0",
		"transport": h.cfg.Transport,
		"dispatch":  h.cfg.DispatchMode,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"services":  services,
	})
}
