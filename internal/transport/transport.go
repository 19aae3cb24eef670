// internal/transport/transport.go
// 郵件傳輸共用介面與連線協商

package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"sendy/internal/models"
)

// SendResult 傳輸層回報的發送結果
type SendResult struct {
	MessageID string
	Response  string
}

// Transport 已就緒的郵件傳輸 (SMTP、SendGrid 等)
// 同一時間只屬於一個活動執行，使用完畢需 Close
type Transport interface {
	// Name 回傳傳輸名稱，用於 logging
	Name() string

	// Send 發送單封郵件
	Send(ctx context.Context, msg *models.OutboundMessage) (*SendResult, error)

	// Close 釋放連線
	Close() error
}

// Candidate 候選的傳輸設定
// Open 會建立連線並完成存活/認證檢查，成功時回傳保留連線的 Transport
type Candidate interface {
	Endpoint() string
	Open(ctx context.Context) (Transport, error)
}

// CandidateFailure 單一候選設定的失敗原因
type CandidateFailure struct {
	Endpoint string
	Err      error
}

// NegotiationError 所有候選設定皆無法連線
type NegotiationError struct {
	Failures []CandidateFailure
}

func (e *NegotiationError) Error() string {
	if len(e.Failures) == 0 {
		return "transport negotiation failed: no candidates configured"
	}
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("Attempt %s failed: %v", f.Endpoint, f.Err))
	}
	return "transport negotiation failed: " + strings.Join(parts, " | ")
}

// SendError 單次發送嘗試失敗
type SendError struct {
	Transport string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s send failed: %v", e.Transport, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Negotiate 依序嘗試候選設定，採用第一個通過檢查者
// 失敗的候選會被記錄，全部失敗時回傳彙整所有原因的 NegotiationError
func Negotiate(ctx context.Context, candidates []Candidate, log zerolog.Logger) (Transport, error) {
	negErr := &NegotiationError{}

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			negErr.Failures = append(negErr.Failures, CandidateFailure{Endpoint: c.Endpoint(), Err: err})
			break
		}

		t, err := c.Open(ctx)
		if err != nil {
			log.Warn().Str("endpoint", c.Endpoint()).Err(err).Msg("transport candidate failed")
			negErr.Failures = append(negErr.Failures, CandidateFailure{Endpoint: c.Endpoint(), Err: err})
			continue
		}

		log.Info().Str("endpoint", c.Endpoint()).Str("transport", t.Name()).Msg("transport negotiated")
		return t, nil
	}

	return nil, negErr
}
