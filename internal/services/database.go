// internal/services/database.go
// PostgreSQL 連線初始化 (活動登記資料)

package services

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"sendy/internal/config"
	"sendy/internal/models"
)

// InitDatabase 初始化資料庫連接並建立資料表
func InitDatabase(cfg *config.Config, log zerolog.Logger) (*gorm.DB, error) {
	gormLogger := logger.Default
	if cfg.IsProduction() {
		gormLogger = logger.Default.LogMode(logger.Silent)
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 設定連接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&models.Campaign{}); err != nil {
		return nil, fmt.Errorf("failed to migrate campaigns table: %w", err)
	}

	log.Info().Msg("Database connected successfully")
	return db, nil
}
