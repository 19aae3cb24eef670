// internal/models/campaign.go
// 活動資料模型

package models

import (
	"time"

	"github.com/lib/pq"
)

// CampaignStatus 活動狀態
type CampaignStatus string

const (
	CampaignStatusSending   CampaignStatus = "sending"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusFailed    CampaignStatus = "failed"
)

// Campaign 活動登記資料
// 發送結果本身存於活動紀錄檔，這裡只保存提交時的中繼資料
type Campaign struct {
	ID               string         `json:"campaignId" gorm:"primaryKey;size:64"`
	Subject          string         `json:"subject" gorm:"not null"`
	ReplyTo          string         `json:"replyTo,omitempty"`
	TotalRecipients  int            `json:"totalRecipients" gorm:"not null"`
	Status           CampaignStatus `json:"status" gorm:"not null;default:'sending'"`
	Transport        string         `json:"transport,omitempty"`
	RecipientDomains pq.StringArray `json:"recipientDomains,omitempty" gorm:"type:text[]"`
	ErrorMessage     string         `json:"error,omitempty"`
	CompletedAt      *time.Time     `json:"completedAt,omitempty"`
	CreatedAt        time.Time      `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt        time.Time      `json:"updatedAt" gorm:"autoUpdateTime"`
}

// TableName 指定資料表名稱
func (Campaign) TableName() string {
	return "campaigns"
}

// CampaignJob RabbitMQ 訊息格式 (queue 派送模式)
type CampaignJob struct {
	CampaignID  string      `json:"campaign_id"`
	Subject     string      `json:"subject"`
	HTML        string      `json:"html"`
	Personalize bool        `json:"personalize"`
	ReplyTo     string      `json:"reply_to,omitempty"`
	Recipients  []Recipient `json:"recipients"`
}

// CampaignProgress KeyDB 快取格式
type CampaignProgress struct {
	CampaignID  string `json:"campaign_id"`
	Status      string `json:"status"`
	Total       int    `json:"total"`
	Processed   int    `json:"processed"`
	Successful  int    `json:"successful"`
	Failed      int    `json:"failed"`
	LastUpdated string `json:"last_updated"`
}

// FailedCampaign 無法執行的活動，發布到失敗隊列
type FailedCampaign struct {
	Job      CampaignJob `json:"job"`
	Error    string      `json:"error"`
	FailedAt time.Time   `json:"failed_at"`
}
