// internal/api/handlers/campaign_handler.go
// 活動 API Handler

package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"sendy/internal/campaignlog"
	"sendy/internal/config"
	"sendy/internal/models"
	"sendy/internal/recipients"
	"sendy/internal/services"
	"sendy/internal/transport"
)

// CampaignHandler 活動 Handler
type CampaignHandler struct {
	cfg       *config.Config
	campaigns *services.CampaignService
	log       zerolog.Logger
}

// NewCampaignHandler 建立 Campaign Handler
func NewCampaignHandler(cfg *config.Config, campaigns *services.CampaignService, log zerolog.Logger) *CampaignHandler {
	return &CampaignHandler{
		cfg:       cfg,
		campaigns: campaigns,
		log:       log,
	}
}

// SendCampaignRequest 以 JSON 提交活動
type SendCampaignRequest struct {
	Subject     string             `json:"subject"`
	HTML        string             `json:"html,omitempty"`
	ReplyTo     string             `json:"replyTo,omitempty" binding:"omitempty,email"`
	Personalize *bool              `json:"personalize,omitempty"` // 預設 true
	Recipients  []models.Recipient `json:"recipients" binding:"required,min=1"`
}

// Send 提交活動
// 接受 JSON 或 multipart (csv 檔案)，回應後於背景發送
func (h *CampaignHandler) Send(c *gin.Context) {
	var (
		req     services.SubmitRequest
		skipped []recipients.SkippedRow
		ok      bool
	)

	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		req, skipped, ok = h.bindMultipart(c)
	} else {
		req, ok = h.bindJSON(c)
	}
	if !ok {
		return
	}

	result, err := h.campaigns.Submit(c.Request.Context(), req)
	if err != nil {
		h.submitError(c, err)
		return
	}

	replyTo := req.ReplyTo
	if replyTo == "" {
		replyTo = h.cfg.SenderEmail
	}

	response := gin.H{
		"success":         true,
		"campaignId":      result.CampaignID,
		"totalRecipients": result.TotalRecipients,
		"status":          result.Status,
		"replyTo":         replyTo,
		"message":         "Campaign started. Emails are being sent in the background.",
	}
	if h.cfg.DispatchMode == config.DispatchQueue {
		response["message"] = "Campaign queued. Emails will be sent by a worker."
	}
	if len(skipped) > 0 {
		response["skipped"] = skipped
	}

	c.JSON(http.StatusOK, response)
}

func (h *CampaignHandler) bindJSON(c *gin.Context) (services.SubmitRequest, bool) {
	var body SendCampaignRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		validationError(c, err.Error())
		return services.SubmitRequest{}, false
	}

	for i, r := range body.Recipients {
		if err := recipients.Validate(r); err != nil {
			validationError(c, fmt.Sprintf("recipient %d: %v", i, err))
			return services.SubmitRequest{}, false
		}
	}

	personalize := true
	if body.Personalize != nil {
		personalize = *body.Personalize
	}

	return services.SubmitRequest{
		Subject:     body.Subject,
		HTML:        body.HTML,
		ReplyTo:     body.ReplyTo,
		Personalize: personalize,
		Recipients:  body.Recipients,
	}, true
}

func (h *CampaignHandler) bindMultipart(c *gin.Context) (services.SubmitRequest, []recipients.SkippedRow, bool) {
	maxBytes := int64(h.cfg.MaxUploadSizeMB) << 20
	if maxBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
	}

	header, err := c.FormFile("csv")
	if err != nil {
		validationError(c, "CSV file required")
		return services.SubmitRequest{}, nil, false
	}

	file, err := header.Open()
	if err != nil {
		validationError(c, "failed to read CSV file")
		return services.SubmitRequest{}, nil, false
	}
	defer file.Close()

	parsed, err := recipients.ParseCSV(file)
	if err != nil {
		validationError(c, err.Error())
		return services.SubmitRequest{}, nil, false
	}

	replyTo := strings.TrimSpace(c.PostForm("replyTo"))
	if replyTo != "" {
		if err := recipients.Validate(models.Recipient{Name: "reply-to", Email: replyTo}); err != nil {
			validationError(c, "replyTo: "+err.Error())
			return services.SubmitRequest{}, nil, false
		}
	}

	return services.SubmitRequest{
		Subject:     c.PostForm("subject"),
		HTML:        c.PostForm("html"),
		ReplyTo:     replyTo,
		Personalize: true,
		Recipients:  parsed.Recipients,
	}, parsed.Skipped, true
}

func (h *CampaignHandler) submitError(c *gin.Context, err error) {
	var negErr *transport.NegotiationError
	switch {
	case errors.Is(err, services.ErrNoRecipients), errors.Is(err, services.ErrTemplateRequired):
		validationError(c, err.Error())
	case errors.As(err, &negErr):
		reasons := make([]string, 0, len(negErr.Failures))
		for _, f := range negErr.Failures {
			reasons = append(reasons, fmt.Sprintf("%s: %v", f.Endpoint, f.Err))
		}
		c.JSON(http.StatusBadGateway, gin.H{
			"success": false,
			"error":   "transport_unavailable",
			"message": err.Error(),
			"details": reasons,
		})
	default:
		h.log.Error().Err(err).Msg("failed to create campaign")
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "campaign_error",
			"message": "Failed to create campaign",
		})
	}
}

// GetStatus 查詢活動狀態
func (h *CampaignHandler) GetStatus(c *gin.Context) {
	status, err := h.campaigns.Status(c.Request.Context(), c.Param("campaignId"))
	if err != nil {
		h.lookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// GetLogs 查詢完整紀錄
func (h *CampaignHandler) GetLogs(c *gin.Context) {
	logs, err := h.campaigns.Logs(c.Param("campaignId"))
	if err != nil {
		h.lookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

// GetFailed 查詢失敗的收件人
func (h *CampaignHandler) GetFailed(c *gin.Context) {
	campaignID := c.Param("campaignId")
	failed, err := h.campaigns.Failed(campaignID)
	if err != nil {
		h.lookupError(c, err)
		return
	}
	if failed == nil {
		failed = []models.LogEntry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"campaignId": campaignID,
		"total":      len(failed),
		"failed":     failed,
	})
}

// Export 匯出 CSV
func (h *CampaignHandler) Export(c *gin.Context) {
	campaignID := c.Param("campaignId")

	// 先讀取以回傳正確的錯誤狀態碼
	logs, err := h.campaigns.Logs(campaignID)
	if err != nil {
		h.lookupError(c, err)
		return
	}
	if len(logs.Logs) == 0 {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "empty_log",
			"message": campaignlog.ErrEmptyLog.Error(),
		})
		return
	}

	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.csv"`, campaignID))
	c.Status(http.StatusOK)
	if err := campaignlog.WriteCSV(c.Writer, logs.Logs); err != nil {
		h.log.Error().Err(err).Str("campaign_id", campaignID).Msg("failed to export campaign")
	}
}

func (h *CampaignHandler) lookupError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, campaignlog.ErrInvalidCampaignID):
		validationError(c, err.Error())
	case errors.Is(err, campaignlog.ErrCampaignNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "not_found",
			"message": "Campaign not found",
		})
	default:
		h.log.Error().Err(err).Msg("failed to read campaign")
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "campaign_error",
			"message": "Failed to read campaign",
		})
	}
}

func validationError(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"success": false,
		"error":   "validation_error",
		"message": message,
	})
}
