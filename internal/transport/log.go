// internal/transport/log.go
// Log 傳輸 - 只寫入日誌，不實際寄出 (dry run)

package transport

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sendy/internal/models"
)

// LogCandidate Log 傳輸候選，永遠可用
type LogCandidate struct {
	log zerolog.Logger
}

// NewLogCandidate 建立 Log 傳輸候選
func NewLogCandidate(log zerolog.Logger) *LogCandidate {
	return &LogCandidate{log: log}
}

// Endpoint 實作 Candidate
func (c *LogCandidate) Endpoint() string {
	return "log"
}

// Open 實作 Candidate
func (c *LogCandidate) Open(context.Context) (Transport, error) {
	return &LogTransport{log: c.log}, nil
}

// LogTransport 記錄郵件內容並回傳假的 Message-ID
type LogTransport struct {
	log zerolog.Logger
}

// Name 實作 Transport
func (t *LogTransport) Name() string {
	return "log"
}

// Send 實作 Transport
func (t *LogTransport) Send(ctx context.Context, msg *models.OutboundMessage) (*SendResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := "log-" + uuid.NewString()
	t.log.Info().
		Str("message_id", id).
		Str("from", msg.From()).
		Str("to", msg.To.String()).
		Str("subject", msg.Subject).
		Str("reply_to", msg.ReplyTo).
		Int("attachments", len(msg.Attachments)).
		Str("text", msg.Text).
		Msg("email logged instead of sent")

	return &SendResult{MessageID: id, Response: "logged"}, nil
}

// Close 實作 Transport
func (t *LogTransport) Close() error {
	return nil
}
