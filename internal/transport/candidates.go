// internal/transport/candidates.go
// 依設定建立候選傳輸列表

package transport

import (
	"fmt"

	"github.com/rs/zerolog"

	"sendy/internal/config"
	"sendy/pkg/microsoft"
)

// CandidatesFromConfig 依 TRANSPORT 設定建立候選列表
func CandidatesFromConfig(cfg *config.Config, log zerolog.Logger) ([]Candidate, error) {
	switch cfg.Transport {
	case config.TransportSMTP:
		return SMTPCandidates(cfg), nil
	case config.TransportSendGrid:
		return []Candidate{NewSendGridCandidate(cfg.SendGridAPIKey)}, nil
	case config.TransportResend:
		return []Candidate{NewResendCandidate(cfg.ResendAPIKey)}, nil
	case config.TransportGraph:
		oauth := microsoft.NewOAuthService(cfg.MicrosoftTenantID, cfg.MicrosoftClientID, cfg.MicrosoftClientSecret)
		return []Candidate{NewGraphCandidate(oauth, cfg.SenderEmail)}, nil
	case config.TransportLog:
		return []Candidate{NewLogCandidate(log)}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// SMTPCandidates 明確設定的 SMTP_HOST/SMTP_PORT 排第一，其後依 SMTP_TRY_PORTS 嘗試
// 465 使用連線即 TLS，其他埠使用 STARTTLS；相同的埠與模式只嘗試一次
func SMTPCandidates(cfg *config.Config) []Candidate {
	base := SMTPOptions{
		Host:               cfg.SMTPHost,
		Username:           cfg.SMTPUser,
		Password:           cfg.SMTPPass,
		LocalName:          cfg.SMTPLocalName,
		InsecureSkipVerify: cfg.SMTPTLSInsecure,
		ConnTimeout:        cfg.ConnTimeout,
		GreetTimeout:       cfg.GreetTimeout,
		SocketTimeout:      cfg.SocketTimeout,
	}

	type key struct {
		port   int
		secure bool
	}
	seen := make(map[key]bool)
	var out []Candidate

	add := func(port int, secure bool) {
		k := key{port, secure}
		if port <= 0 || seen[k] {
			return
		}
		seen[k] = true
		opts := base
		opts.Port = port
		opts.Secure = secure
		out = append(out, NewSMTPCandidate(opts))
	}

	add(cfg.SMTPPort, cfg.SMTPSecure)
	for _, port := range cfg.SMTPTryPorts {
		add(port, port == 465)
	}
	return out
}
