// internal/engine/config.go
// 由環境設定建立引擎設定

package engine

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"sendy/internal/config"
	"sendy/internal/models"
	"sendy/internal/render"
)

// inlineImageFilename 內嵌圖片的附件檔名
const inlineImageFilename = "image.jpg"

// ConfigFrom 轉換應用程式設定，並預先讀取內嵌圖片
func ConfigFrom(cfg *config.Config) (Config, error) {
	attachments, err := LoadInlineImage(cfg.InlineImageURL)
	if err != nil {
		return Config{}, err
	}

	return Config{
		MaxAttempts:    cfg.MaxRetryAttempts,
		RetryDelay:     cfg.RetryDelay,
		RateLimitDelay: cfg.EmailDelay,
		SenderName:     cfg.SenderName,
		SenderEmail:    cfg.SenderEmail,
		Attachments:    attachments,
	}, nil
}

// LoadInlineImage 讀取本機圖片作為 cid 內嵌附件
// 空值或 http(s) 網址不產生附件
func LoadInlineImage(src string) ([]models.Attachment, error) {
	if src == "" || strings.HasPrefix(src, "http") {
		return nil, nil
	}

	content, err := os.ReadFile(src)
	if err != nil {
		return nil, fmt.Errorf("failed to read inline image: %w", err)
	}

	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(src)))
	if contentType == "" {
		contentType = "image/jpeg"
	}

	return []models.Attachment{{
		Filename:    inlineImageFilename,
		ContentType: contentType,
		ContentID:   render.InlineImageCID,
		Content:     content,
	}}, nil
}
