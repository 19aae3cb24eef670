// internal/transport/smtp.go
// SMTP 傳輸 - 以 go-smtp 連線外部郵件伺服器

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"sendy/internal/models"
)

// SMTPOptions 單一 SMTP 候選設定
type SMTPOptions struct {
	Host     string
	Port     int
	Secure   bool // true 表示連線即 TLS (465)，否則在伺服器支援時使用 STARTTLS
	Username string
	Password string

	// LocalName 為 EHLO 名稱，STARTTLS 升級前的第一次 EHLO 固定使用 localhost
	LocalName          string
	InsecureSkipVerify bool

	ConnTimeout   time.Duration
	GreetTimeout  time.Duration
	SocketTimeout time.Duration
}

// Addr 回傳 host:port
func (o SMTPOptions) Addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

func (o SMTPOptions) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         o.Host,
		InsecureSkipVerify: o.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
}

// SMTPCandidate SMTP 候選設定
type SMTPCandidate struct {
	opts SMTPOptions
}

// NewSMTPCandidate 建立 SMTP 候選設定
func NewSMTPCandidate(opts SMTPOptions) *SMTPCandidate {
	return &SMTPCandidate{opts: opts}
}

// Endpoint 實作 Candidate
func (c *SMTPCandidate) Endpoint() string {
	return c.opts.Addr()
}

// Options 回傳設定內容
func (c *SMTPCandidate) Options() SMTPOptions {
	return c.opts
}

// Open 連線並完成 EHLO / STARTTLS / AUTH 檢查，成功時保留連線
func (c *SMTPCandidate) Open(ctx context.Context) (Transport, error) {
	t := &SMTPTransport{opts: c.opts}
	if err := t.connect(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// SMTPTransport 已協商完成的 SMTP 傳輸
// 發送失敗後會丟棄連線，下一次發送以相同設定重新連線
type SMTPTransport struct {
	opts SMTPOptions

	mu       sync.Mutex
	client   *smtp.Client
	startTLS bool // 首次連線時探測到伺服器支援 STARTTLS
}

// Name 實作 Transport
func (t *SMTPTransport) Name() string {
	return "smtp " + t.opts.Addr()
}

// connect 呼叫端需持有 mu 或尚未對外公開
// 非 465 連線先以明文 EHLO 探測，伺服器支援 STARTTLS 時改以 STARTTLS 重新連線
func (t *SMTPTransport) connect(ctx context.Context) error {
	client, err := t.open(ctx, t.startTLS)
	if err != nil {
		return err
	}

	if !t.opts.Secure && !t.startTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.Quit(); err != nil {
				client.Close()
			}
			if client, err = t.open(ctx, true); err != nil {
				return err
			}
			t.startTLS = true
		}
	}

	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	if err := t.authenticate(client); err != nil {
		client.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	if t.opts.SocketTimeout > 0 {
		client.CommandTimeout = t.opts.SocketTimeout
		client.SubmissionTimeout = t.opts.SocketTimeout
	}
	t.client = client
	return nil
}

// open 建立連線並完成 EHLO，startTLS 為 true 時先升級為 TLS
func (t *SMTPTransport) open(ctx context.Context, startTLS bool) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: t.opts.ConnTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.opts.Addr())
	if err != nil {
		return nil, err
	}

	greetCtx := ctx
	if t.opts.GreetTimeout > 0 {
		var cancel context.CancelFunc
		greetCtx, cancel = context.WithTimeout(ctx, t.opts.ConnTimeout+t.opts.GreetTimeout)
		defer cancel()
	}
	stop := context.AfterFunc(greetCtx, func() { conn.Close() })
	defer stop()

	client, err := t.greet(greetCtx, conn, startTLS)
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if greetCtx.Err() != nil {
			return nil, fmt.Errorf("greeting timed out: %w", err)
		}
		return nil, err
	}
	return client, nil
}

func (t *SMTPTransport) greet(ctx context.Context, conn net.Conn, startTLS bool) (*smtp.Client, error) {
	if t.opts.Secure {
		tlsConn := tls.Client(conn, t.opts.tlsConfig())
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return nil, fmt.Errorf("TLS handshake failed: %w", err)
		}
		conn = tlsConn
	}

	var client *smtp.Client
	if startTLS {
		// NewClientStartTLS 以預設名稱完成第一次 EHLO，升級後才送出 LocalName
		c, err := smtp.NewClientStartTLS(conn, t.opts.tlsConfig())
		if err != nil {
			return nil, fmt.Errorf("STARTTLS failed: %w", err)
		}
		client = c
	} else {
		client = smtp.NewClient(conn)
	}
	if t.opts.GreetTimeout > 0 {
		client.CommandTimeout = t.opts.GreetTimeout
	}

	localName := t.opts.LocalName
	if localName == "" {
		localName = "localhost"
	}
	if err := client.Hello(localName); err != nil {
		client.Close()
		if startTLS {
			return nil, fmt.Errorf("STARTTLS failed: %w", err)
		}
		return nil, fmt.Errorf("greeting failed: %w", err)
	}
	return client, nil
}

func (t *SMTPTransport) authenticate(client *smtp.Client) error {
	if t.opts.Username == "" {
		return nil
	}
	if ok, _ := client.Extension("AUTH"); !ok {
		return errors.New("server does not support AUTH")
	}
	if err := client.Auth(sasl.NewPlainClient("", t.opts.Username, t.opts.Password)); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	return nil
}

// Send 實作 Transport
func (t *SMTPTransport) Send(ctx context.Context, msg *models.OutboundMessage) (*SendResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if t.client == nil {
		if err := t.connect(ctx); err != nil {
			return nil, &SendError{Transport: t.Name(), Err: fmt.Errorf("reconnect failed: %w", err)}
		}
	}

	data, messageID, err := BuildMIME(msg, time.Now())
	if err != nil {
		return nil, &SendError{Transport: t.Name(), Err: err}
	}

	client := t.client
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	resp, err := t.transmit(client, msg, data)
	if err != nil {
		t.resetAfterError(err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &SendError{Transport: t.Name(), Err: err}
	}

	return &SendResult{MessageID: messageID, Response: resp}, nil
}

func (t *SMTPTransport) transmit(client *smtp.Client, msg *models.OutboundMessage, data []byte) (string, error) {
	if err := client.Mail(msg.FromEmail, nil); err != nil {
		return "", err
	}
	if err := client.Rcpt(msg.To.Email, nil); err != nil {
		return "", err
	}

	w, err := client.Data()
	if err != nil {
		return "", err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", err
	}
	resp, err := w.CloseWithResponse()
	if err != nil {
		return "", err
	}
	return "250 " + resp.StatusText, nil
}

// resetAfterError 伺服器以 SMTP 錯誤碼拒絕時重設交易並保留連線，其他錯誤則丟棄連線
func (t *SMTPTransport) resetAfterError(err error) {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) && t.client.Reset() == nil {
		return
	}
	t.client.Close()
	t.client = nil
}

// Close 實作 Transport
func (t *SMTPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client == nil {
		return nil
	}
	err := t.client.Quit()
	if err != nil {
		t.client.Close()
	}
	t.client = nil
	return err
}
