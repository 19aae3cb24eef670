// internal/transport/sendgrid.go
// SendGrid 傳輸 - 透過 SendGrid v3 API 發送

package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"sendy/internal/models"
)

// SendGridCandidate SendGrid 候選設定
type SendGridCandidate struct {
	apiKey  string
	baseURL string
}

// NewSendGridCandidate 建立 SendGrid 候選設定
func NewSendGridCandidate(apiKey string) *SendGridCandidate {
	return &SendGridCandidate{apiKey: apiKey}
}

// WithBaseURL 覆寫 API 位址 (測試或代理使用)
func (c *SendGridCandidate) WithBaseURL(url string) *SendGridCandidate {
	c.baseURL = url
	return c
}

// Endpoint 實作 Candidate
func (c *SendGridCandidate) Endpoint() string {
	return "sendgrid"
}

// Open 檢查 API Key 並建立 client
func (c *SendGridCandidate) Open(context.Context) (Transport, error) {
	if c.apiKey == "" {
		return nil, errors.New("SendGrid API key not configured")
	}
	client := sendgrid.NewSendClient(c.apiKey)
	if c.baseURL != "" {
		client.BaseURL = c.baseURL
	}
	return &SendGridTransport{client: client}, nil
}

// SendGridTransport SendGrid 傳輸
type SendGridTransport struct {
	client *sendgrid.Client
}

// Name 實作 Transport
func (t *SendGridTransport) Name() string {
	return "sendgrid"
}

// Send 實作 Transport
func (t *SendGridTransport) Send(ctx context.Context, msg *models.OutboundMessage) (*SendResult, error) {
	message := buildSendGridMessage(msg)

	response, err := t.client.SendWithContext(ctx, message)
	if err != nil {
		return nil, &SendError{Transport: t.Name(), Err: err}
	}

	// 2xx 表示成功
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, &SendError{
			Transport: t.Name(),
			Err:       fmt.Errorf("SendGrid API error (status %d): %s", response.StatusCode, response.Body),
		}
	}

	result := &SendResult{Response: fmt.Sprintf("%d Accepted", response.StatusCode)}
	if ids := response.Headers["X-Message-Id"]; len(ids) > 0 {
		result.MessageID = ids[0]
	}
	return result, nil
}

// Close 實作 Transport
func (t *SendGridTransport) Close() error {
	return nil
}

// buildSendGridMessage 轉換為 SendGrid 郵件格式
func buildSendGridMessage(msg *models.OutboundMessage) *mail.SGMailV3 {
	message := mail.NewV3Mail()
	message.SetFrom(mail.NewEmail(msg.FromName, msg.FromEmail))
	message.Subject = msg.Subject

	personalization := mail.NewPersonalization()
	personalization.AddTos(mail.NewEmail(msg.To.Name, msg.To.Email))
	message.AddPersonalizations(personalization)

	if msg.ReplyTo != "" {
		message.SetReplyTo(mail.NewEmail("", msg.ReplyTo))
	}

	// SendGrid 要求順序: text/plain 必須在 text/html 之前
	if msg.Text != "" {
		message.AddContent(mail.NewContent("text/plain", msg.Text))
	}
	message.AddContent(mail.NewContent("text/html", msg.HTML))

	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		message.SetHeader(k, msg.Headers[k])
	}

	for _, att := range msg.Attachments {
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		a := mail.NewAttachment()
		a.SetContent(base64.StdEncoding.EncodeToString(att.Content))
		a.SetType(contentType)
		a.SetFilename(att.Filename)
		if att.Inline() {
			a.SetDisposition("inline")
			a.SetContentID(att.ContentID)
		} else {
			a.SetDisposition("attachment")
		}
		message.AddAttachment(a)
	}

	return message
}
