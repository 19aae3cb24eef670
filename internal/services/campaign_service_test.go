package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sendy/internal/campaignlog"
	"sendy/internal/config"
	"sendy/internal/engine"
	"sendy/internal/models"
	"sendy/internal/transport"
)

type recordingTransport struct {
	mu     sync.Mutex
	sent   []*models.OutboundMessage
	fail   map[string]bool
	gate   chan struct{} // 不為 nil 時每次發送前等待
	closed bool
}

func (t *recordingTransport) Name() string { return "recording" }

func (t *recordingTransport) Send(ctx context.Context, msg *models.OutboundMessage) (*transport.SendResult, error) {
	if t.gate != nil {
		select {
		case <-t.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, msg)
	if t.fail[msg.To.Email] {
		return nil, &transport.SendError{Transport: "recording", Err: errors.New("550 rejected")}
	}
	return &transport.SendResult{MessageID: "<" + msg.To.Email + ">", Response: "250 OK"}, nil
}

func (t *recordingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *recordingTransport) sentTo() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, m := range t.sent {
		out = append(out, m.To.Email)
	}
	return out
}

type memoryProgress struct {
	mu    sync.Mutex
	items map[string]models.CampaignProgress
}

func newMemoryProgress() *memoryProgress {
	return &memoryProgress{items: make(map[string]models.CampaignProgress)}
}

func (m *memoryProgress) SetProgress(_ context.Context, p *models.CampaignProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[p.CampaignID] = *p
	return nil
}

func (m *memoryProgress) GetProgress(_ context.Context, id string) (*models.CampaignProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.items[id]
	if !ok {
		return nil, ErrProgressNotFound
	}
	return &p, nil
}

func (m *memoryProgress) Ping(context.Context) bool { return true }

type recordingPublisher struct {
	jobs []*models.CampaignJob
	err  error
}

func (p *recordingPublisher) PublishCampaign(_ context.Context, job *models.CampaignJob) error {
	if p.err != nil {
		return p.err
	}
	p.jobs = append(p.jobs, job)
	return nil
}

type fixture struct {
	svc       *CampaignService
	cfg       *config.Config
	store     *campaignlog.Store
	repo      *MemoryCampaignRepository
	progress  *memoryProgress
	publisher *recordingPublisher
	transport *recordingTransport
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()

	store, err := campaignlog.NewStore(t.TempDir())
	require.NoError(t, err)

	cfg := &config.Config{
		DispatchMode: config.DispatchInline,
		Transport:    config.TransportLog,
		EmailSubject: "Hello {{Name}}",
		TemplatePath: filepath.Join(t.TempDir(), "missing.html"),
	}
	if mutate != nil {
		mutate(cfg)
	}

	f := &fixture{
		cfg:       cfg,
		store:     store,
		repo:      NewMemoryCampaignRepository(),
		progress:  newMemoryProgress(),
		publisher: &recordingPublisher{},
		transport: &recordingTransport{},
	}

	noSleep := func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	f.svc = NewCampaignService(CampaignServiceDeps{
		Config:     cfg,
		Engine:     engine.Config{MaxAttempts: 2, SenderName: "Sendy", SenderEmail: "sender@example.com"},
		Store:      store,
		Repository: f.repo,
		Progress:   f.progress,
		Publisher:  f.publisher,
		Negotiate: func(context.Context) (transport.Transport, error) {
			return f.transport, nil
		},
		Logger:        zerolog.Nop(),
		EngineOptions: []engine.Option{engine.WithSleep(noSleep)},
	})
	t.Cleanup(func() { f.svc.Shutdown(context.Background()) })
	return f
}

func recipientsN(n int) []models.Recipient {
	out := make([]models.Recipient, n)
	for i := range out {
		out[i] = models.Recipient{Name: fmt.Sprintf("User %d", i), Email: fmt.Sprintf("user%d@example.com", i)}
	}
	return out
}

func TestSubmitInlineRunsCampaign(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.svc.Submit(context.Background(), SubmitRequest{
		HTML:        "<p>Hi {{Name}}</p>",
		Personalize: true,
		ReplyTo:     "replies@example.com",
		Recipients:  recipientsN(3),
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.CampaignID, "campaign_"))
	assert.Equal(t, 3, res.TotalRecipients)
	assert.Equal(t, models.CampaignStatusSending, res.Status)

	f.svc.Wait()

	assert.Equal(t, []string{"user0@example.com", "user1@example.com", "user2@example.com"}, f.transport.sentTo())
	assert.True(t, f.transport.closed)
	assert.Equal(t, "Hello User 0", f.transport.sent[0].Subject)
	assert.Equal(t, "<p>Hi User 0</p>", f.transport.sent[0].HTML)
	assert.Equal(t, "replies@example.com", f.transport.sent[0].ReplyTo)

	status, err := f.svc.Status(context.Background(), res.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusCompleted, status.Status)
	assert.Equal(t, 3, status.Total)
	assert.Equal(t, 3, status.TotalRecipients)
	assert.Equal(t, 3, status.Successful)

	campaign, err := f.repo.Get(context.Background(), res.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusCompleted, campaign.Status)
	assert.Equal(t, "recording", campaign.Transport)
	assert.Equal(t, []string{"example.com"}, []string(campaign.RecipientDomains))
	assert.NotNil(t, campaign.CompletedAt)

	progress, err := f.progress.GetProgress(context.Background(), res.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, "completed", progress.Status)
	assert.Equal(t, 3, progress.Processed)
	assert.Equal(t, 3, progress.Successful)
}

func TestSubmitNegotiationFailure(t *testing.T) {
	f := newFixture(t, nil)
	negErr := &transport.NegotiationError{Failures: []transport.CandidateFailure{
		{Endpoint: "smtp.example.com:465", Err: errors.New("timeout")},
	}}
	f.svc.negotiate = func(context.Context) (transport.Transport, error) { return nil, negErr }

	_, err := f.svc.Submit(context.Background(), SubmitRequest{HTML: "<p>x</p>", Recipients: recipientsN(1)})
	require.Error(t, err)
	var got *transport.NegotiationError
	assert.True(t, errors.As(err, &got))

	files, _ := os.ReadDir(f.store.Dir())
	assert.Empty(t, files)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Submit(context.Background(), SubmitRequest{HTML: "<p>x</p>"})
	assert.ErrorIs(t, err, ErrNoRecipients)

	_, err = f.svc.Submit(context.Background(), SubmitRequest{Recipients: recipientsN(1)})
	assert.ErrorIs(t, err, ErrTemplateRequired)
}

func TestSubmitUsesDefaultTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "email.html")
	require.NoError(t, os.WriteFile(path, []byte("<p>Dear {{ name }}</p>"), 0o644))

	f := newFixture(t, func(cfg *config.Config) { cfg.TemplatePath = path })

	_, err := f.svc.Submit(context.Background(), SubmitRequest{Personalize: true, Recipients: recipientsN(1)})
	require.NoError(t, err)
	f.svc.Wait()

	require.Len(t, f.transport.sent, 1)
	assert.Equal(t, "<p>Dear User 0</p>", f.transport.sent[0].HTML)
	assert.Equal(t, "Hello User 0", f.transport.sent[0].Subject)
}

func TestSubmitWithoutPersonalizationSendsContentAsIs(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Submit(context.Background(), SubmitRequest{
		Subject:    "Launch",
		HTML:       "<p>Hi {{Name}}</p>",
		Recipients: recipientsN(1),
	})
	require.NoError(t, err)
	f.svc.Wait()

	assert.Equal(t, "Launch", f.transport.sent[0].Subject)
	assert.Equal(t, "<p>Hi {{Name}}</p>", f.transport.sent[0].HTML)
}

func TestStatusWhileSending(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.gate = make(chan struct{})

	res, err := f.svc.Submit(context.Background(), SubmitRequest{HTML: "<p>x</p>", Recipients: recipientsN(2)})
	require.NoError(t, err)

	status, err := f.svc.Status(context.Background(), res.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusSending, status.Status)
	assert.Zero(t, status.Total)
	assert.Equal(t, 2, status.TotalRecipients)
	assert.Empty(t, status.Logs)

	f.transport.gate <- struct{}{}
	require.Eventually(t, func() bool {
		s, err := f.svc.Status(context.Background(), res.CampaignID)
		return err == nil && s.Total == 1
	}, 2*time.Second, 10*time.Millisecond)

	status, err = f.svc.Status(context.Background(), res.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusSending, status.Status)

	f.transport.gate <- struct{}{}
	f.svc.Wait()

	status, err = f.svc.Status(context.Background(), res.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusCompleted, status.Status)
}

func TestStatusReturnsLastTenEntries(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.svc.Submit(context.Background(), SubmitRequest{HTML: "<p>x</p>", Recipients: recipientsN(12)})
	require.NoError(t, err)
	f.svc.Wait()

	status, err := f.svc.Status(context.Background(), res.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, 12, status.Total)
	require.Len(t, status.Logs, 10)
	assert.Equal(t, "user2@example.com", status.Logs[0].Recipient.Email)
	assert.Equal(t, "user11@example.com", status.Logs[9].Recipient.Email)

	logs, err := f.svc.Logs(res.CampaignID)
	require.NoError(t, err)
	assert.Len(t, logs.Logs, 12)
	assert.Equal(t, "100.00%", logs.Summary.SuccessRate)
}

func TestStatusUnknownCampaign(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Status(context.Background(), "campaign_404")
	assert.ErrorIs(t, err, campaignlog.ErrCampaignNotFound)

	_, err = f.svc.Status(context.Background(), "../etc/passwd")
	assert.ErrorIs(t, err, campaignlog.ErrInvalidCampaignID)
}

func TestStatusWithoutRegistration(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.store.Create("campaign_orphan"))
	require.NoError(t, f.store.Append("campaign_orphan", models.DeliveryOutcome{
		Recipient: recipientsN(1)[0], Success: true, Attempt: 1,
	}))

	status, err := f.svc.Status(context.Background(), "campaign_orphan")
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusCompleted, status.Status)
	assert.Equal(t, 1, status.TotalRecipients)

	// 進度快取仍有總數時以快取判斷
	require.NoError(t, f.progress.SetProgress(context.Background(), &models.CampaignProgress{CampaignID: "campaign_orphan", Total: 5}))
	status, err = f.svc.Status(context.Background(), "campaign_orphan")
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusSending, status.Status)
	assert.Equal(t, 5, status.TotalRecipients)
}

func TestFailedAndExport(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.fail = map[string]bool{"user1@example.com": true}

	res, err := f.svc.Submit(context.Background(), SubmitRequest{HTML: "<p>x</p>", Recipients: recipientsN(3)})
	require.NoError(t, err)
	f.svc.Wait()

	failed, err := f.svc.Failed(res.CampaignID)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "user1@example.com", failed[0].Recipient.Email)
	assert.Equal(t, 2, failed[0].Attempt)

	var buf bytes.Buffer
	require.NoError(t, f.svc.Export(res.CampaignID, &buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 4)
	assert.Equal(t, "Timestamp,Name,Email,Status,Attempt,MessageID,Error", lines[0])
}

func TestSubmitQueueMode(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.DispatchMode = config.DispatchQueue })

	res, err := f.svc.Submit(context.Background(), SubmitRequest{
		HTML:        "<p>Hi {{Name}}</p>",
		Personalize: true,
		Recipients:  recipientsN(2),
	})
	require.NoError(t, err)

	require.Len(t, f.publisher.jobs, 1)
	job := f.publisher.jobs[0]
	assert.Equal(t, res.CampaignID, job.CampaignID)
	assert.Equal(t, "Hello {{Name}}", job.Subject)
	assert.Empty(t, f.transport.sentTo())

	status, err := f.svc.Status(context.Background(), res.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusSending, status.Status)

	// Worker 端執行
	report := f.svc.Execute(context.Background(), job, f.transport)
	assert.Equal(t, 2, report.Successful)

	status, err = f.svc.Status(context.Background(), res.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusCompleted, status.Status)
}

func TestSubmitQueuePublishFailure(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.DispatchMode = config.DispatchQueue })
	f.publisher.err = errors.New("channel closed")

	_, err := f.svc.Submit(context.Background(), SubmitRequest{HTML: "<p>x</p>", Recipients: recipientsN(1)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to queue campaign")
}

func TestExecuteResumesAfterProcessedRecipients(t *testing.T) {
	f := newFixture(t, nil)
	list := recipientsN(3)

	job := &models.CampaignJob{CampaignID: "campaign_resume", Subject: "s", HTML: "<p>x</p>", Recipients: list}
	require.NoError(t, f.store.Create(job.CampaignID))
	require.NoError(t, f.store.Append(job.CampaignID, models.DeliveryOutcome{Recipient: list[0], Success: true, Attempt: 1}))

	report := f.svc.Execute(context.Background(), job, f.transport)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, []string{"user1@example.com", "user2@example.com"}, f.transport.sentTo())

	entries, err := f.store.ReadAll(job.CampaignID)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	progress, err := f.progress.GetProgress(context.Background(), job.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, 3, progress.Processed)
	assert.Equal(t, 3, progress.Successful)
}

func TestMarkFailed(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.DispatchMode = config.DispatchQueue })

	res, err := f.svc.Submit(context.Background(), SubmitRequest{HTML: "<p>x</p>", Recipients: recipientsN(2)})
	require.NoError(t, err)

	f.svc.MarkFailed(context.Background(), f.publisher.jobs[0], errors.New("transport negotiation failed: no candidates configured"))

	status, err := f.svc.Status(context.Background(), res.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusFailed, status.Status)
	assert.Contains(t, status.Error, "no candidates configured")
}

func TestShutdownCancelsRunningCampaigns(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.gate = make(chan struct{})

	res, err := f.svc.Submit(context.Background(), SubmitRequest{HTML: "<p>x</p>", Recipients: recipientsN(3)})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Shutdown(ctx))

	entries, err := f.store.ReadAll(res.CampaignID)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.True(t, f.transport.closed)
}

func TestNewCampaignID(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	id := NewCampaignID(now)
	assert.True(t, strings.HasPrefix(id, "campaign_1700000000000_"))
	assert.Len(t, id, len("campaign_1700000000000_")+8)
	assert.NoError(t, campaignlog.ValidateID(id))
	assert.NotEqual(t, id, NewCampaignID(now))
}

func TestMemoryCampaignRepository(t *testing.T) {
	repo := NewMemoryCampaignRepository()
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &models.Campaign{ID: "c1", Status: models.CampaignStatusSending}))
	assert.Error(t, repo.Create(ctx, &models.Campaign{ID: "c1"}))

	c, err := repo.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, c.CompletedAt)

	require.NoError(t, repo.UpdateStatus(ctx, "c1", models.CampaignStatusCompleted, ""))
	c, err = repo.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusCompleted, c.Status)
	assert.NotNil(t, c.CompletedAt)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrCampaignNotRegistered)
	assert.ErrorIs(t, repo.UpdateStatus(ctx, "missing", models.CampaignStatusFailed, "x"), ErrCampaignNotRegistered)
	assert.True(t, repo.Ping(ctx))
}

func TestProgressKey(t *testing.T) {
	assert.Equal(t, "campaign:progress:campaign_1", progressKey("campaign_1"))
}
