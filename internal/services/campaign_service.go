// internal/services/campaign_service.go
// 活動服務 - 提交、執行與查詢活動

package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sendy/internal/campaignlog"
	"sendy/internal/config"
	"sendy/internal/engine"
	"sendy/internal/models"
	"sendy/internal/recipients"
	"sendy/internal/render"
	"sendy/internal/transport"
)

// 狀態查詢只回傳最後幾筆紀錄
const recentLogLimit = 10

var (
	// ErrNoRecipients 未提供收件人
	ErrNoRecipients = errors.New("at least one recipient is required")

	// ErrTemplateRequired 未提供 HTML 且無法讀取預設範本
	ErrTemplateRequired = errors.New("email template is required")
)

// Negotiator 協商出本次活動使用的傳輸
type Negotiator func(ctx context.Context) (transport.Transport, error)

// ConfigNegotiator 依設定建立候選列表並協商
func ConfigNegotiator(cfg *config.Config, log zerolog.Logger) Negotiator {
	return func(ctx context.Context) (transport.Transport, error) {
		candidates, err := transport.CandidatesFromConfig(cfg, log)
		if err != nil {
			return nil, err
		}
		return transport.Negotiate(ctx, candidates, log)
	}
}

// CampaignServiceDeps 活動服務依賴
type CampaignServiceDeps struct {
	Config     *config.Config
	Engine     engine.Config
	Store      *campaignlog.Store
	Repository CampaignRepository
	Progress   ProgressCache     // nil 表示停用進度快取
	Publisher  CampaignPublisher // queue 模式使用
	Negotiate  Negotiator
	Logger     zerolog.Logger

	// EngineOptions 額外的引擎選項 (測試使用)
	EngineOptions []engine.Option
}

// CampaignService 活動服務
type CampaignService struct {
	cfg        *config.Config
	engineCfg  engine.Config
	store      *campaignlog.Store
	repo       CampaignRepository
	progress   ProgressCache
	publisher  CampaignPublisher
	negotiate  Negotiator
	log        zerolog.Logger
	engineOpts []engine.Option

	// 背景執行的活動共用此 context，關機時取消
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCampaignService 建立活動服務
func NewCampaignService(deps CampaignServiceDeps) *CampaignService {
	ctx, cancel := context.WithCancel(context.Background())

	repo := deps.Repository
	if repo == nil {
		repo = NewMemoryCampaignRepository()
	}

	return &CampaignService{
		cfg:        deps.Config,
		engineCfg:  deps.Engine,
		store:      deps.Store,
		repo:       repo,
		progress:   deps.Progress,
		publisher:  deps.Publisher,
		negotiate:  deps.Negotiate,
		log:        deps.Logger,
		engineOpts: deps.EngineOptions,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SubmitRequest 提交活動請求
type SubmitRequest struct {
	Subject     string
	HTML        string
	ReplyTo     string
	Personalize bool
	Recipients  []models.Recipient
}

// SubmitResult 提交結果
type SubmitResult struct {
	CampaignID      string                `json:"campaignId"`
	TotalRecipients int                   `json:"totalRecipients"`
	Status          models.CampaignStatus `json:"status"`
}

// CampaignStatusView 活動狀態
type CampaignStatusView struct {
	CampaignID      string                `json:"campaignId"`
	Total           int                   `json:"total"`
	TotalRecipients int                   `json:"totalRecipients"`
	Successful      int                   `json:"successful"`
	Failed          int                   `json:"failed"`
	Status          models.CampaignStatus `json:"status"`
	Error           string                `json:"error,omitempty"`
	Logs            []models.LogEntry     `json:"logs"`
}

// CampaignLogView 完整活動紀錄
type CampaignLogView struct {
	CampaignID string            `json:"campaignId"`
	Logs       []models.LogEntry `json:"logs"`
	Summary    models.Summary    `json:"summary"`
}

// NewCampaignID 產生活動 ID: campaign_<毫秒時間戳>_<隨機碼>
func NewCampaignID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("campaign_%d_%s", now.UnixMilli(), suffix)
}

// Submit 提交活動
// inline 模式先協商傳輸 (失敗直接回傳錯誤)，再於背景依序發送
// queue 模式登記後發布到 RabbitMQ，由 Worker 執行
func (s *CampaignService) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if len(req.Recipients) == 0 {
		return nil, ErrNoRecipients
	}

	subject := req.Subject
	if subject == "" {
		subject = s.cfg.EmailSubject
	}

	html := req.HTML
	if html == "" {
		tmpl, err := render.LoadTemplate(s.cfg.TemplatePath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTemplateRequired, err)
		}
		html = tmpl
	}

	job := &models.CampaignJob{
		CampaignID:  NewCampaignID(time.Now()),
		Subject:     subject,
		HTML:        html,
		Personalize: req.Personalize,
		ReplyTo:     req.ReplyTo,
		Recipients:  req.Recipients,
	}

	if s.cfg.DispatchMode == config.DispatchQueue {
		return s.enqueue(ctx, job)
	}

	t, err := s.negotiate(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.register(ctx, job, t.Name()); err != nil {
		t.Close()
		return nil, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Execute(s.ctx, job, t)
	}()

	return &SubmitResult{
		CampaignID:      job.CampaignID,
		TotalRecipients: len(job.Recipients),
		Status:          models.CampaignStatusSending,
	}, nil
}

func (s *CampaignService) enqueue(ctx context.Context, job *models.CampaignJob) (*SubmitResult, error) {
	if s.publisher == nil {
		return nil, errors.New("queue dispatch mode requires a publisher")
	}

	if err := s.register(ctx, job, s.cfg.Transport); err != nil {
		return nil, err
	}

	if err := s.publisher.PublishCampaign(ctx, job); err != nil {
		s.MarkFailed(ctx, job, err)
		return nil, fmt.Errorf("failed to queue campaign: %w", err)
	}

	s.log.Info().Str("campaign_id", job.CampaignID).Int("total", len(job.Recipients)).Msg("campaign queued")

	return &SubmitResult{
		CampaignID:      job.CampaignID,
		TotalRecipients: len(job.Recipients),
		Status:          models.CampaignStatusSending,
	}, nil
}

// register 建立空白紀錄與登記資料，讓新活動立即可查詢
func (s *CampaignService) register(ctx context.Context, job *models.CampaignJob, transportName string) error {
	if err := s.store.Create(job.CampaignID); err != nil {
		return err
	}

	campaign := &models.Campaign{
		ID:               job.CampaignID,
		Subject:          job.Subject,
		ReplyTo:          job.ReplyTo,
		TotalRecipients:  len(job.Recipients),
		Status:           models.CampaignStatusSending,
		Transport:        transportName,
		RecipientDomains: recipients.Domains(job.Recipients),
	}
	if err := s.repo.Create(ctx, campaign); err != nil {
		return err
	}

	s.setProgress(&models.CampaignProgress{
		CampaignID: job.CampaignID,
		Status:     string(models.CampaignStatusSending),
		Total:      len(job.Recipients),
	})
	return nil
}

// Execute 以已協商的傳輸執行活動，結束時關閉傳輸
// 紀錄中已有的收件人會被略過 (Worker 重新投遞時接續執行)
func (s *CampaignService) Execute(ctx context.Context, job *models.CampaignJob, t transport.Transport) engine.Report {
	log := s.log.With().Str("campaign_id", job.CampaignID).Logger()

	existing, err := s.store.ReadAll(job.CampaignID)
	if errors.Is(err, campaignlog.ErrCampaignNotFound) {
		err = s.store.Create(job.CampaignID)
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to prepare campaign log")
		t.Close()
		s.MarkFailed(ctx, job, err)
		return engine.Report{CampaignID: job.CampaignID, Total: len(job.Recipients)}
	}

	offset := len(existing)
	if offset > len(job.Recipients) {
		offset = len(job.Recipients)
	}
	if offset > 0 {
		log.Info().Int("already_processed", offset).Msg("resuming campaign")
	}

	base := campaignlog.Summarize(existing)
	progress := &models.CampaignProgress{
		CampaignID: job.CampaignID,
		Status:     string(models.CampaignStatusSending),
		Total:      len(job.Recipients),
		Processed:  offset,
		Successful: base.Successful,
		Failed:     base.Failed,
	}

	observer := func(_ string, outcome models.DeliveryOutcome, processed, _ int) {
		progress.Processed = offset + processed
		if outcome.Success {
			progress.Successful++
		} else {
			progress.Failed++
		}
		s.setProgress(progress)
	}

	opts := append([]engine.Option{engine.WithObserver(observer)}, s.engineOpts...)
	report := engine.New(s.engineCfg, t, s.store, s.log, opts...).Run(ctx, engine.Job{
		CampaignID: job.CampaignID,
		Recipients: job.Recipients[offset:],
		Renderer:   s.renderer(job),
		ReplyTo:    job.ReplyTo,
	})

	if report.Cancelled {
		return report
	}

	if err := s.repo.UpdateStatus(context.Background(), job.CampaignID, models.CampaignStatusCompleted, ""); err != nil && !errors.Is(err, ErrCampaignNotRegistered) {
		log.Error().Err(err).Msg("failed to update campaign status")
	}
	progress.Status = string(models.CampaignStatusCompleted)
	s.setProgress(progress)

	return report
}

// MarkFailed 記錄活動無法執行 (例如 Worker 協商失敗)
func (s *CampaignService) MarkFailed(ctx context.Context, job *models.CampaignJob, cause error) {
	if err := s.repo.UpdateStatus(ctx, job.CampaignID, models.CampaignStatusFailed, cause.Error()); err != nil && !errors.Is(err, ErrCampaignNotRegistered) {
		s.log.Error().Err(err).Str("campaign_id", job.CampaignID).Msg("failed to update campaign status")
	}
	s.setProgress(&models.CampaignProgress{
		CampaignID: job.CampaignID,
		Status:     string(models.CampaignStatusFailed),
		Total:      len(job.Recipients),
	})
}

func (s *CampaignService) renderer(job *models.CampaignJob) render.Renderer {
	if !job.Personalize {
		return render.Final{Subject: job.Subject, HTML: job.HTML}
	}
	return render.Template{
		Subject:  job.Subject,
		HTML:     job.HTML,
		ImageSrc: render.ImageSource(s.cfg.InlineImageURL),
	}
}

func (s *CampaignService) setProgress(progress *models.CampaignProgress) {
	if s.progress == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	snapshot := *progress
	if err := s.progress.SetProgress(ctx, &snapshot); err != nil {
		s.log.Warn().Err(err).Str("campaign_id", progress.CampaignID).Msg("failed to update progress cache")
	}
}

// Status 查詢活動狀態 (含最後 10 筆紀錄)
func (s *CampaignService) Status(ctx context.Context, campaignID string) (*CampaignStatusView, error) {
	entries, err := s.store.ReadAll(campaignID)
	if err != nil {
		return nil, err
	}

	summary := campaignlog.Summarize(entries)
	view := &CampaignStatusView{
		CampaignID:      campaignID,
		Total:           len(entries),
		TotalRecipients: len(entries),
		Successful:      summary.Successful,
		Failed:          summary.Failed,
		Status:          models.CampaignStatusCompleted,
		Logs:            recent(entries, recentLogLimit),
	}

	campaign, err := s.repo.Get(ctx, campaignID)
	switch {
	case err == nil:
		view.TotalRecipients = campaign.TotalRecipients
		view.Status = resolveStatus(campaign.Status, len(entries), campaign.TotalRecipients)
		view.Error = campaign.ErrorMessage
	case errors.Is(err, ErrCampaignNotRegistered):
		// 登記資料遺失 (例如重啟後的記憶體實作)，改用進度快取
		if total, ok := s.cachedTotal(ctx, campaignID); ok {
			view.TotalRecipients = total
			view.Status = resolveStatus(models.CampaignStatusSending, len(entries), total)
		}
	default:
		return nil, err
	}

	return view, nil
}

func (s *CampaignService) cachedTotal(ctx context.Context, campaignID string) (int, bool) {
	if s.progress == nil {
		return 0, false
	}
	p, err := s.progress.GetProgress(ctx, campaignID)
	if err != nil {
		return 0, false
	}
	return p.Total, true
}

// resolveStatus 紀錄已涵蓋所有收件人時視為完成
func resolveStatus(status models.CampaignStatus, processed, total int) models.CampaignStatus {
	if status == models.CampaignStatusSending && processed >= total {
		return models.CampaignStatusCompleted
	}
	return status
}

func recent(entries []models.LogEntry, n int) []models.LogEntry {
	if len(entries) <= n {
		return entries
	}
	return entries[len(entries)-n:]
}

// Logs 取得完整紀錄與統計
func (s *CampaignService) Logs(campaignID string) (*CampaignLogView, error) {
	entries, err := s.store.ReadAll(campaignID)
	if err != nil {
		return nil, err
	}
	return &CampaignLogView{
		CampaignID: campaignID,
		Logs:       entries,
		Summary:    campaignlog.Summarize(entries),
	}, nil
}

// Failed 取得失敗的收件人紀錄
func (s *CampaignService) Failed(campaignID string) ([]models.LogEntry, error) {
	return s.store.Failed(campaignID)
}

// Export 匯出 CSV
func (s *CampaignService) Export(campaignID string, w io.Writer) error {
	return s.store.ExportCSV(campaignID, w)
}

// Repository 回傳登記資料存取 (健康檢查使用)
func (s *CampaignService) Repository() CampaignRepository {
	return s.repo
}

// Wait 等待所有背景活動結束
func (s *CampaignService) Wait() {
	s.wg.Wait()
}

// Shutdown 取消背景活動並等待其停止
func (s *CampaignService) Shutdown(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
