// internal/smtp/session.go
// SMTP Session 處理 - 接收郵件並解析 MIME 格式

package smtp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"
)

// Message 收到的郵件
type Message struct {
	From        string
	To          []string
	Subject     string
	MessageID   string
	Headers     map[string]string
	Text        string
	HTML        string
	Attachments []ReceivedAttachment
	Raw         []byte
	ReceivedAt  time.Time
	TLS         bool // 是否經由加密連線收到
}

// ReceivedAttachment 收到的附件
type ReceivedAttachment struct {
	Filename    string
	ContentType string
	ContentID   string
	Size        int
}

// Session 實作 smtp.Session 與 smtp.AuthSession 介面
type Session struct {
	server        *Server
	authenticated bool
	tls           bool

	from string   // 寄件者地址
	to   []string // 收件者地址列表
}

// AuthMechanisms 未設定帳號時不提供 AUTH
func (s *Session) AuthMechanisms() []string {
	if s.server.opts.AuthUser == "" {
		return nil
	}
	return []string{sasl.Plain}
}

// Auth 處理 PLAIN 認證
func (s *Session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, gosmtp.ErrAuthUnknownMechanism
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != s.server.opts.AuthUser || password != s.server.opts.AuthPass {
			s.server.log.Warn().Str("username", username).Msg("SMTP authentication rejected")
			return gosmtp.ErrAuthFailed
		}
		s.authenticated = true
		return nil
	}), nil
}

// Mail 處理 MAIL FROM 指令
func (s *Session) Mail(from string, opts *gosmtp.MailOptions) error {
	if s.server.opts.AuthUser != "" && !s.authenticated {
		return gosmtp.ErrAuthRequired
	}
	s.from = cleanEmail(from)
	return nil
}

// Rcpt 處理 RCPT TO 指令
func (s *Session) Rcpt(to string, opts *gosmtp.RcptOptions) error {
	to = cleanEmail(to)
	if reject := s.server.opts.RejectRecipient; reject != nil {
		if err := reject(to); err != nil {
			return err
		}
	}
	s.to = append(s.to, to)
	return nil
}

// Data 處理 DATA 指令，接收郵件內容
func (s *Session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read mail data: %w", err)
	}

	msg := parseMessage(raw)
	msg.From = s.from
	msg.To = append([]string(nil), s.to...)
	msg.ReceivedAt = time.Now()
	msg.TLS = s.tls

	if dir := s.server.opts.Dir; dir != "" {
		path, err := saveMessage(dir, raw)
		if err != nil {
			s.server.log.Error().Err(err).Msg("failed to save message")
			return fmt.Errorf("failed to store message: %w", err)
		}
		s.server.log.Debug().Str("path", path).Msg("message saved")
	}

	s.server.store(msg)
	s.server.log.Info().
		Str("from", msg.From).
		Strs("to", msg.To).
		Str("subject", msg.Subject).
		Str("message_id", msg.MessageID).
		Bool("tls", msg.TLS).
		Int("bytes", len(raw)).
		Msg("message received")
	return nil
}

// Reset 重置 Session 狀態
func (s *Session) Reset() {
	s.from = ""
	s.to = make([]string, 0)
}

// Logout 處理 QUIT 指令
func (s *Session) Logout() error {
	return nil
}

// parseMessage 解析 MIME 郵件，無法解析時只保留原始內容
func parseMessage(raw []byte) Message {
	msg := Message{Raw: raw, Headers: make(map[string]string)}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		msg.Text = string(raw)
		return msg
	}
	defer mr.Close()

	msg.Subject, _ = mr.Header.Subject()
	msg.MessageID, _ = mr.Header.MessageID()

	fields := mr.Header.Fields()
	for fields.Next() {
		key := textproto.CanonicalMIMEHeaderKey(fields.Key())
		if _, exists := msg.Headers[key]; !exists {
			msg.Headers[key] = fields.Value()
		}
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			content, _ := io.ReadAll(part.Body)
			if strings.HasPrefix(contentType, "text/plain") {
				msg.Text = string(content)
			} else if strings.HasPrefix(contentType, "text/html") {
				msg.HTML = string(content)
			} else {
				// inline 圖片 (cid) 也視為附件
				_, params, _ := h.ContentDisposition()
				msg.Attachments = append(msg.Attachments, ReceivedAttachment{
					Filename:    params["filename"],
					ContentType: contentType,
					ContentID:   strings.Trim(h.Get("Content-ID"), "<>"),
					Size:        len(content),
				})
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			content, _ := io.ReadAll(part.Body)
			msg.Attachments = append(msg.Attachments, ReceivedAttachment{
				Filename:    filename,
				ContentType: contentType,
				ContentID:   strings.Trim(h.Get("Content-ID"), "<>"),
				Size:        len(content),
			})
		}
	}

	return msg
}

// saveMessage 將原始郵件寫入 <dir>/YYYY-MM-DD/<uuid>.eml
func saveMessage(dir string, raw []byte) (string, error) {
	path := filepath.Join(dir, time.Now().Format("2006-01-02"), uuid.NewString()+".eml")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create mailbox directory: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("failed to write message file: %w", err)
	}
	return path, nil
}

// cleanEmail 清理郵件地址（移除角括號）
func cleanEmail(email string) string {
	email = strings.TrimSpace(email)
	email = strings.TrimPrefix(email, "<")
	email = strings.TrimSuffix(email, ">")
	return email
}
