// internal/smtp/server.go
// SMTP 測試收信伺服器 - 接收並保存郵件，供開發與整合測試使用

package smtp

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/rs/zerolog"
)

const maxStoredMessages = 1000

// Options 收信伺服器設定
type Options struct {
	Addr   string
	Domain string

	// AuthUser 不為空時要求 PLAIN 認證
	AuthUser string
	AuthPass string

	// Dir 不為空時將每封郵件存成 .eml
	Dir string

	MaxMessageBytes int64

	// RejectRecipient 回傳錯誤時拒絕該收件人 (模擬伺服器退信)
	RejectRecipient func(addr string) error

	// TLSConfig 不為空時提供 STARTTLS，ImplicitTLS 為 true 時連線即 TLS (465)
	TLSConfig   *tls.Config
	ImplicitTLS bool
}

// Server SMTP 收信伺服器
type Server struct {
	opts       Options
	log        zerolog.Logger
	smtpServer *gosmtp.Server

	mu       sync.Mutex
	messages []Message
}

// NewServer 建立收信伺服器
func NewServer(opts Options, log zerolog.Logger) *Server {
	if opts.Domain == "" {
		opts.Domain = "sendy.local"
	}
	if opts.MaxMessageBytes == 0 {
		opts.MaxMessageBytes = 25 * 1024 * 1024
	}

	s := &Server{opts: opts, log: log}

	s.smtpServer = gosmtp.NewServer(&Backend{server: s})
	s.smtpServer.Addr = opts.Addr
	s.smtpServer.Domain = opts.Domain
	s.smtpServer.ReadTimeout = 30 * time.Second
	s.smtpServer.WriteTimeout = 30 * time.Second
	s.smtpServer.MaxMessageBytes = opts.MaxMessageBytes
	s.smtpServer.MaxRecipients = 50
	s.smtpServer.AllowInsecureAuth = true // 僅供開發使用
	s.smtpServer.TLSConfig = opts.TLSConfig

	return s
}

// Start 啟動伺服器 (阻塞式)
func (s *Server) Start() error {
	s.log.Info().
		Str("addr", s.opts.Addr).
		Bool("auth_required", s.opts.AuthUser != "").
		Bool("tls", s.opts.TLSConfig != nil).
		Bool("implicit_tls", s.opts.ImplicitTLS).
		Str("dir", s.opts.Dir).
		Msg("SMTP sink listening")

	var err error
	if s.opts.ImplicitTLS {
		err = s.smtpServer.ListenAndServeTLS()
	} else {
		err = s.smtpServer.ListenAndServe()
	}
	if err != nil {
		return fmt.Errorf("SMTP server error: %w", err)
	}
	return nil
}

// Serve 在既有 listener 上提供服務 (阻塞式)
func (s *Server) Serve(l net.Listener) error {
	if s.opts.ImplicitTLS {
		if s.opts.TLSConfig == nil {
			return errors.New("implicit TLS requires a TLS config")
		}
		l = tls.NewListener(l, s.opts.TLSConfig)
	}
	return s.smtpServer.Serve(l)
}

// Shutdown 關閉伺服器
func (s *Server) Shutdown() error {
	s.log.Info().Msg("SMTP sink shutting down")
	return s.smtpServer.Close()
}

// Messages 回傳目前收到的郵件副本
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Server) store(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 只保留最近的郵件，完整內容以 .eml 保存
	if len(s.messages) >= maxStoredMessages {
		s.messages = append(s.messages[:0], s.messages[1:]...)
	}
	s.messages = append(s.messages, msg)
}
