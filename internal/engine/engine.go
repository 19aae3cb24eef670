// internal/engine/engine.go
// 發送引擎 - 依序處理收件人，含重試與速率限制

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sendy/internal/models"
	"sendy/internal/render"
	"sendy/internal/transport"
)

// Config 發送引擎設定
type Config struct {
	MaxAttempts    int           // 每位收件人最多嘗試次數 (含第一次)
	RetryDelay     time.Duration // 重試前等待
	RateLimitDelay time.Duration // 收件人之間的間隔

	SenderName  string
	SenderEmail string

	// Attachments 每封郵件都附上 (例如內嵌圖片)
	Attachments []models.Attachment
}

// OutcomeStore 活動紀錄寫入介面
type OutcomeStore interface {
	Append(campaignID string, outcome models.DeliveryOutcome) error
}

// Observer 每位收件人處理完成後呼叫 (紀錄寫入之後)
type Observer func(campaignID string, outcome models.DeliveryOutcome, processed, total int)

// SleepFunc 可被 context 中斷的等待
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option 引擎選項
type Option func(*Engine)

// WithSleep 替換等待函式 (測試使用)
func WithSleep(fn SleepFunc) Option {
	return func(e *Engine) { e.sleep = fn }
}

// WithObserver 設定進度回呼
func WithObserver(fn Observer) Option {
	return func(e *Engine) { e.observer = fn }
}

// WithClock 替換時間來源
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Job 一次活動執行
type Job struct {
	CampaignID string
	Recipients []models.Recipient
	Renderer   render.Renderer
	ReplyTo    string
}

// Report 執行結果
type Report struct {
	CampaignID    string
	Total         int
	Processed     int
	Successful    int
	Failed        int
	PersistErrors []error
	Cancelled     bool
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Duration 執行時間
func (r Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Engine 發送引擎
// 一個 Engine 只執行一次 Run，傳輸連線於 Run 結束時關閉
type Engine struct {
	cfg       Config
	transport transport.Transport
	store     OutcomeStore
	log       zerolog.Logger

	sleep    SleepFunc
	observer Observer
	now      func() time.Time
}

// New 建立發送引擎
func New(cfg Config, t transport.Transport, store OutcomeStore, log zerolog.Logger, opts ...Option) *Engine {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	e := &Engine{
		cfg:       cfg,
		transport: t,
		store:     store,
		log:       log,
		sleep:     sleepContext,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run 依提交順序逐一發送，每位收件人只寫入一筆最終結果
// context 取消時在步驟之間停止，未處理的收件人不會出現在紀錄中
func (e *Engine) Run(ctx context.Context, job Job) Report {
	report := Report{
		CampaignID: job.CampaignID,
		Total:      len(job.Recipients),
		StartedAt:  e.now(),
	}

	log := e.log.With().Str("campaign_id", job.CampaignID).Str("transport", e.transport.Name()).Logger()
	log.Info().Int("total", report.Total).Msg("campaign started")

	defer func() {
		if err := e.transport.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close transport")
		}
	}()

	for i, recipient := range job.Recipients {
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}

		outcome, ok := e.deliver(ctx, job, recipient)
		if !ok {
			report.Cancelled = true
			break
		}

		report.Processed++
		if outcome.Success {
			report.Successful++
			log.Info().
				Str("email", recipient.Email).
				Int("attempt", outcome.Attempt).
				Str("message_id", outcome.MessageID).
				Msg("email sent")
		} else {
			report.Failed++
			log.Warn().
				Str("email", recipient.Email).
				Int("attempt", outcome.Attempt).
				Str("error", outcome.Error).
				Msg("email failed")
		}

		if err := e.store.Append(job.CampaignID, outcome); err != nil {
			log.Error().Err(err).Str("email", recipient.Email).Msg("failed to persist delivery outcome")
			report.PersistErrors = append(report.PersistErrors, err)
		}

		if e.observer != nil {
			e.observer(job.CampaignID, outcome, report.Processed, report.Total)
		}

		if i < len(job.Recipients)-1 {
			if err := e.sleep(ctx, e.cfg.RateLimitDelay); err != nil {
				report.Cancelled = true
				break
			}
		}
	}

	report.FinishedAt = e.now()

	event := log.Info()
	if report.Cancelled {
		event = log.Warn().Bool("cancelled", true)
	}
	event.
		Int("processed", report.Processed).
		Int("successful", report.Successful).
		Int("failed", report.Failed).
		Int("persist_errors", len(report.PersistErrors)).
		Dur("duration", report.Duration()).
		Msg("campaign finished")

	return report
}

// deliver 產生內容並發送，失敗時依設定重試
// 回傳 false 表示在完成前被取消
func (e *Engine) deliver(ctx context.Context, job Job, recipient models.Recipient) (models.DeliveryOutcome, bool) {
	content, err := renderSafely(job.Renderer, recipient)
	if err != nil {
		return models.DeliveryOutcome{
			Recipient: recipient,
			Attempt:   1,
			Error:     err.Error(),
			Timestamp: e.now(),
		}, true
	}

	text := render.PlainText(content.HTML)

	for attempt := 1; ; attempt++ {
		msg := e.buildMessage(job, recipient, content, text)

		result, err := e.transport.Send(ctx, msg)
		if err == nil {
			return models.DeliveryOutcome{
				Recipient: recipient,
				Success:   true,
				Attempt:   attempt,
				MessageID: result.MessageID,
				Response:  result.Response,
				Timestamp: e.now(),
			}, true
		}

		if ctx.Err() != nil {
			return models.DeliveryOutcome{}, false
		}

		if attempt >= e.cfg.MaxAttempts {
			return models.DeliveryOutcome{
				Recipient: recipient,
				Attempt:   attempt,
				Error:     err.Error(),
				Timestamp: e.now(),
			}, true
		}

		e.log.Debug().
			Str("campaign_id", job.CampaignID).
			Str("email", recipient.Email).
			Int("attempt", attempt).
			Err(err).
			Msg("send attempt failed, retrying")

		if err := e.sleep(ctx, e.cfg.RetryDelay); err != nil {
			return models.DeliveryOutcome{}, false
		}
	}
}

// buildMessage 每次嘗試都重新建立郵件
func (e *Engine) buildMessage(job Job, recipient models.Recipient, content render.Content, text string) *models.OutboundMessage {
	return &models.OutboundMessage{
		FromName:  e.cfg.SenderName,
		FromEmail: e.cfg.SenderEmail,
		To:        recipient,
		Subject:   content.Subject,
		HTML:      content.HTML,
		Text:      text,
		ReplyTo:   job.ReplyTo,
		Headers: map[string]string{
			"X-Priority":      "3",
			"Importance":      "Normal",
			"X-Entity-Ref-ID": uuid.NewString(),
			"Precedence":      "bulk",
			"Auto-Submitted":  "auto-generated",
		},
		Attachments: e.cfg.Attachments,
	}
}

// renderSafely 將 Renderer 的錯誤與 panic 轉為 RenderError
func renderSafely(r render.Renderer, recipient models.Recipient) (content render.Content, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &render.RenderError{Recipient: recipient.Email, Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	if r == nil {
		return render.Content{}, &render.RenderError{Recipient: recipient.Email, Err: errors.New("no renderer")}
	}

	content, err = r.Render(recipient)
	if err != nil {
		var renderErr *render.RenderError
		if !errors.As(err, &renderErr) {
			err = &render.RenderError{Recipient: recipient.Email, Err: err}
		}
		return render.Content{}, err
	}
	return content, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
