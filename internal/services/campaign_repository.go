// internal/services/campaign_repository.go
// 活動登記資料存取 - PostgreSQL (gorm) 或記憶體

package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"sendy/internal/models"
)

// ErrCampaignNotRegistered 登記資料中沒有此活動
var ErrCampaignNotRegistered = errors.New("campaign not registered")

// CampaignRepository 活動登記資料存取介面
type CampaignRepository interface {
	Create(ctx context.Context, campaign *models.Campaign) error
	Get(ctx context.Context, id string) (*models.Campaign, error)
	UpdateStatus(ctx context.Context, id string, status models.CampaignStatus, errMsg string) error
	Ping(ctx context.Context) bool
}

// GormCampaignRepository PostgreSQL 實作
type GormCampaignRepository struct {
	db *gorm.DB
}

// NewGormCampaignRepository 建立 PostgreSQL 實作
func NewGormCampaignRepository(db *gorm.DB) *GormCampaignRepository {
	return &GormCampaignRepository{db: db}
}

// Create 新增活動
func (r *GormCampaignRepository) Create(ctx context.Context, campaign *models.Campaign) error {
	if err := r.db.WithContext(ctx).Create(campaign).Error; err != nil {
		return fmt.Errorf("failed to save campaign: %w", err)
	}
	return nil
}

// Get 查詢活動
func (r *GormCampaignRepository) Get(ctx context.Context, id string) (*models.Campaign, error) {
	var campaign models.Campaign
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&campaign).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCampaignNotRegistered
		}
		return nil, fmt.Errorf("failed to load campaign: %w", err)
	}
	return &campaign, nil
}

// UpdateStatus 更新活動狀態，完成或失敗時記錄完成時間
func (r *GormCampaignRepository) UpdateStatus(ctx context.Context, id string, status models.CampaignStatus, errMsg string) error {
	updates := map[string]interface{}{
		"status":        status,
		"error_message": errMsg,
	}
	if status != models.CampaignStatusSending {
		updates["completed_at"] = time.Now()
	}

	result := r.db.WithContext(ctx).Model(&models.Campaign{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update campaign status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrCampaignNotRegistered
	}
	return nil
}

// Ping 檢查連接
func (r *GormCampaignRepository) Ping(ctx context.Context) bool {
	sqlDB, err := r.db.DB()
	if err != nil {
		return false
	}
	return sqlDB.PingContext(ctx) == nil
}

// MemoryCampaignRepository 記憶體實作 (未設定 DATABASE_URL 時使用)
type MemoryCampaignRepository struct {
	mu        sync.RWMutex
	campaigns map[string]models.Campaign
}

// NewMemoryCampaignRepository 建立記憶體實作
func NewMemoryCampaignRepository() *MemoryCampaignRepository {
	return &MemoryCampaignRepository{campaigns: make(map[string]models.Campaign)}
}

// Create 新增活動
func (r *MemoryCampaignRepository) Create(_ context.Context, campaign *models.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.campaigns[campaign.ID]; exists {
		return fmt.Errorf("campaign %s already exists", campaign.ID)
	}
	now := time.Now()
	campaign.CreatedAt = now
	campaign.UpdatedAt = now
	r.campaigns[campaign.ID] = *campaign
	return nil
}

// Get 查詢活動
func (r *MemoryCampaignRepository) Get(_ context.Context, id string) (*models.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	campaign, ok := r.campaigns[id]
	if !ok {
		return nil, ErrCampaignNotRegistered
	}
	return &campaign, nil
}

// UpdateStatus 更新活動狀態
func (r *MemoryCampaignRepository) UpdateStatus(_ context.Context, id string, status models.CampaignStatus, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	campaign, ok := r.campaigns[id]
	if !ok {
		return ErrCampaignNotRegistered
	}

	now := time.Now()
	campaign.Status = status
	campaign.ErrorMessage = errMsg
	campaign.UpdatedAt = now
	if status != models.CampaignStatusSending {
		campaign.CompletedAt = &now
	}
	r.campaigns[id] = campaign
	return nil
}

// Ping 記憶體實作永遠可用
func (r *MemoryCampaignRepository) Ping(context.Context) bool {
	return true
}
