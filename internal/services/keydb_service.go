// internal/services/keydb_service.go
// KeyDB 活動進度快取服務

package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"sendy/internal/config"
	"sendy/internal/models"
)

// ErrProgressNotFound 快取中沒有此活動的進度
var ErrProgressNotFound = errors.New("progress not found")

// ProgressCache 活動進度快取介面
type ProgressCache interface {
	SetProgress(ctx context.Context, progress *models.CampaignProgress) error
	GetProgress(ctx context.Context, campaignID string) (*models.CampaignProgress, error)
	Ping(ctx context.Context) bool
}

// KeyDBService KeyDB 服務
type KeyDBService struct {
	ttl    time.Duration
	client *redis.Client
}

// NewKeyDBService 建立 KeyDB 服務
func NewKeyDBService(cfg *config.Config) (*KeyDBService, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.KeyDBURL,
		Password: cfg.KeyDBPassword,
		DB:       0,
	})

	// 測試連接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to KeyDB: %w", err)
	}

	return &KeyDBService{
		ttl:    cfg.KeyDBStatusTTL,
		client: client,
	}, nil
}

func progressKey(campaignID string) string {
	return fmt.Sprintf("campaign:progress:%s", campaignID)
}

// SetProgress 設定活動進度
func (s *KeyDBService) SetProgress(ctx context.Context, progress *models.CampaignProgress) error {
	progress.LastUpdated = time.Now().UTC().Format(time.RFC3339)

	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}

	return s.client.Set(ctx, progressKey(progress.CampaignID), data, s.ttl).Err()
}

// GetProgress 取得活動進度
func (s *KeyDBService) GetProgress(ctx context.Context, campaignID string) (*models.CampaignProgress, error) {
	data, err := s.client.Get(ctx, progressKey(campaignID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrProgressNotFound
		}
		return nil, fmt.Errorf("failed to get progress: %w", err)
	}

	var progress models.CampaignProgress
	if err := json.Unmarshal(data, &progress); err != nil {
		return nil, fmt.Errorf("failed to unmarshal progress: %w", err)
	}

	return &progress, nil
}

// Ping 檢查連接
func (s *KeyDBService) Ping(ctx context.Context) bool {
	return s.client.Ping(ctx).Err() == nil
}

// Close 關閉連接
func (s *KeyDBService) Close() error {
	return s.client.Close()
}
