// internal/transport/resend.go
// Resend 傳輸 - 透過 Resend API 發送

package transport

import (
	"context"
	"errors"

	"github.com/resend/resend-go/v3"

	"sendy/internal/models"
)

// ResendCandidate Resend 候選設定
type ResendCandidate struct {
	apiKey string
}

// NewResendCandidate 建立 Resend 候選設定
func NewResendCandidate(apiKey string) *ResendCandidate {
	return &ResendCandidate{apiKey: apiKey}
}

// Endpoint 實作 Candidate
func (c *ResendCandidate) Endpoint() string {
	return "resend"
}

// Open 檢查 API Key 並建立 client
func (c *ResendCandidate) Open(context.Context) (Transport, error) {
	if c.apiKey == "" {
		return nil, errors.New("Resend API key not configured")
	}
	return &ResendTransport{client: resend.NewClient(c.apiKey)}, nil
}

// ResendTransport Resend 傳輸
type ResendTransport struct {
	client *resend.Client
}

// Name 實作 Transport
func (t *ResendTransport) Name() string {
	return "resend"
}

// Send 實作 Transport
func (t *ResendTransport) Send(ctx context.Context, msg *models.OutboundMessage) (*SendResult, error) {
	sent, err := t.client.Emails.SendWithContext(ctx, buildResendRequest(msg))
	if err != nil {
		return nil, &SendError{Transport: t.Name(), Err: err}
	}
	return &SendResult{MessageID: sent.Id, Response: "accepted"}, nil
}

// Close 實作 Transport
func (t *ResendTransport) Close() error {
	return nil
}

// buildResendRequest 轉換為 Resend 請求格式
func buildResendRequest(msg *models.OutboundMessage) *resend.SendEmailRequest {
	req := &resend.SendEmailRequest{
		From:    msg.From(),
		To:      []string{msg.To.Email},
		Subject: msg.Subject,
		Html:    msg.HTML,
		Text:    msg.Text,
		ReplyTo: msg.ReplyTo,
		Headers: msg.Headers,
	}

	if len(msg.Attachments) > 0 {
		req.Attachments = make([]*resend.Attachment, len(msg.Attachments))
		for i, a := range msg.Attachments {
			req.Attachments[i] = &resend.Attachment{
				Filename:    a.Filename,
				Content:     a.Content,
				ContentType: a.ContentType,
				ContentId:   a.ContentID,
			}
		}
	}
	return req
}
