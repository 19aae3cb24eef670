package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sendy/internal/models"
	sink "sendy/internal/smtp"
)

func startSink(t *testing.T, opts sink.Options) (*sink.Server, int) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := sink.NewServer(opts, zerolog.Nop())
	go srv.Serve(l)
	t.Cleanup(func() { srv.Shutdown() })

	return srv, l.Addr().(*net.TCPAddr).Port
}

func sinkOptions(port int) SMTPOptions {
	return SMTPOptions{
		Host:          "127.0.0.1",
		Port:          port,
		Username:      "user",
		Password:      "secret",
		ConnTimeout:   2 * time.Second,
		GreetTimeout:  2 * time.Second,
		SocketTimeout: 2 * time.Second,
	}
}

func testMessage(to string) *models.OutboundMessage {
	return &models.OutboundMessage{
		FromName:  "Sendy",
		FromEmail: "sender@example.com",
		To:        models.Recipient{Name: "Alice", Email: to},
		Subject:   "Hello Alice",
		HTML:      "<p>Hi Alice</p>",
		Text:      "Hi Alice",
		Headers: map[string]string{
			"X-Entity-Ref-ID": "ref-1",
			"Precedence":      "bulk",
		},
	}
}

func TestSMTPTransportSendsThroughSink(t *testing.T) {
	srv, port := startSink(t, sink.Options{AuthUser: "user", AuthPass: "secret"})

	tr, err := NewSMTPCandidate(sinkOptions(port)).Open(context.Background())
	require.NoError(t, err)
	defer tr.Close()

	res, err := tr.Send(context.Background(), testMessage("alice@example.com"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.MessageID, "<"))
	assert.True(t, strings.HasPrefix(res.Response, "250"))

	// 同一連線發送第二封
	_, err = tr.Send(context.Background(), testMessage("bob@example.com"))
	require.NoError(t, err)

	msgs := srv.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "sender@example.com", msgs[0].From)
	assert.Equal(t, []string{"alice@example.com"}, msgs[0].To)
	assert.Equal(t, "Hello Alice", msgs[0].Subject)
	assert.Equal(t, strings.Trim(res.MessageID, "<>"), msgs[0].MessageID)
	assert.Equal(t, "ref-1", msgs[0].Headers["X-Entity-Ref-Id"])
	assert.Equal(t, "bulk", msgs[0].Headers["Precedence"])
	assert.Contains(t, msgs[0].Text, "Hi Alice")
	assert.Contains(t, msgs[0].HTML, "<p>Hi Alice</p>")
	assert.Equal(t, []string{"bob@example.com"}, msgs[1].To)
}

func TestSMTPCandidateRejectsBadCredentials(t *testing.T) {
	_, port := startSink(t, sink.Options{AuthUser: "user", AuthPass: "secret"})

	opts := sinkOptions(port)
	opts.Password = "wrong"
	_, err := NewSMTPCandidate(opts).Open(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication failed")
}

func TestSMTPCandidateRequiresAuthSupport(t *testing.T) {
	_, port := startSink(t, sink.Options{})

	_, err := NewSMTPCandidate(sinkOptions(port)).Open(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not support AUTH")

	opts := sinkOptions(port)
	opts.Username = ""
	tr, err := NewSMTPCandidate(opts).Open(context.Background())
	require.NoError(t, err)
	assert.NoError(t, tr.Close())
}

func TestSMTPTransportRecipientRejected(t *testing.T) {
	srv, port := startSink(t, sink.Options{
		AuthUser: "user",
		AuthPass: "secret",
		RejectRecipient: func(addr string) error {
			if strings.HasPrefix(addr, "bounce") {
				return &gosmtp.SMTPError{Code: 550, EnhancedCode: gosmtp.EnhancedCode{5, 1, 1}, Message: "mailbox unavailable"}
			}
			return nil
		},
	})

	tr, err := NewSMTPCandidate(sinkOptions(port)).Open(context.Background())
	require.NoError(t, err)
	defer tr.Close()

	_, err = tr.Send(context.Background(), testMessage("bounce@example.com"))
	var sendErr *SendError
	require.True(t, errors.As(err, &sendErr))
	var smtpErr *gosmtp.SMTPError
	require.True(t, errors.As(err, &smtpErr))
	assert.Equal(t, 550, smtpErr.Code)

	// 拒收後連線仍可繼續使用
	_, err = tr.Send(context.Background(), testMessage("alice@example.com"))
	require.NoError(t, err)
	assert.Len(t, srv.Messages(), 1)
}

func TestSMTPTransportReconnectsAfterConnectionLoss(t *testing.T) {
	srv, port := startSink(t, sink.Options{AuthUser: "user", AuthPass: "secret"})

	tr, err := NewSMTPCandidate(sinkOptions(port)).Open(context.Background())
	require.NoError(t, err)
	defer tr.Close()

	st := tr.(*SMTPTransport)
	st.client.Close()

	_, err = tr.Send(context.Background(), testMessage("alice@example.com"))
	require.Error(t, err)
	assert.Nil(t, st.client)

	_, err = tr.Send(context.Background(), testMessage("alice@example.com"))
	require.NoError(t, err)
	assert.Len(t, srv.Messages(), 1)
}

func TestSMTPTransportCancelledContext(t *testing.T) {
	_, port := startSink(t, sink.Options{AuthUser: "user", AuthPass: "secret"})

	tr, err := NewSMTPCandidate(sinkOptions(port)).Open(context.Background())
	require.NoError(t, err)
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Send(ctx, testMessage("alice@example.com"))
	assert.ErrorIs(t, err, context.Canceled)
}

// testTLSConfig 取用 httptest 內建的自簽憑證
func testTLSConfig(t *testing.T) *tls.Config {
	t.Helper()

	srv := httptest.NewTLSServer(nil)
	cfg := srv.TLS.Clone()
	srv.Close()

	cfg.NextProtos = nil
	return cfg
}

func TestSMTPTransportImplicitTLS(t *testing.T) {
	srv, port := startSink(t, sink.Options{
		AuthUser:    "user",
		AuthPass:    "secret",
		TLSConfig:   testTLSConfig(t),
		ImplicitTLS: true,
	})

	opts := sinkOptions(port)
	opts.Secure = true
	opts.InsecureSkipVerify = true

	tr, err := NewSMTPCandidate(opts).Open(context.Background())
	require.NoError(t, err)
	defer tr.Close()

	_, err = tr.Send(context.Background(), testMessage("alice@example.com"))
	require.NoError(t, err)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].TLS)
	assert.Equal(t, []string{"alice@example.com"}, msgs[0].To)
}

func TestSMTPTransportStartTLS(t *testing.T) {
	srv, port := startSink(t, sink.Options{
		AuthUser:  "user",
		AuthPass:  "secret",
		TLSConfig: testTLSConfig(t),
	})

	opts := sinkOptions(port)
	opts.InsecureSkipVerify = true
	opts.LocalName = "sendy.test"

	tr, err := NewSMTPCandidate(opts).Open(context.Background())
	require.NoError(t, err)
	defer tr.Close()

	st := tr.(*SMTPTransport)
	assert.True(t, st.startTLS)
	state, ok := st.client.TLSConnectionState()
	require.True(t, ok)
	assert.True(t, state.HandshakeComplete)

	_, err = tr.Send(context.Background(), testMessage("alice@example.com"))
	require.NoError(t, err)

	// 連線中斷後直接以 STARTTLS 重新連線
	st.client.Close()
	_, err = tr.Send(context.Background(), testMessage("bob@example.com"))
	require.Error(t, err)
	_, err = tr.Send(context.Background(), testMessage("bob@example.com"))
	require.NoError(t, err)

	msgs := srv.Messages()
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.True(t, m.TLS)
	}
}

func TestSMTPTransportStartTLSRejectsUntrustedCertificate(t *testing.T) {
	_, port := startSink(t, sink.Options{
		AuthUser:  "user",
		AuthPass:  "secret",
		TLSConfig: testTLSConfig(t),
	})

	_, err := NewSMTPCandidate(sinkOptions(port)).Open(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STARTTLS failed")
}

func TestNegotiateFallsBackFromImplicitTLSToStartTLS(t *testing.T) {
	srv, port := startSink(t, sink.Options{
		AuthUser:  "user",
		AuthPass:  "secret",
		TLSConfig: testTLSConfig(t),
	})

	secure := sinkOptions(port)
	secure.Secure = true
	secure.InsecureSkipVerify = true

	plain := sinkOptions(port)
	plain.InsecureSkipVerify = true

	tr, err := Negotiate(context.Background(), []Candidate{
		NewSMTPCandidate(secure),
		NewSMTPCandidate(plain),
	}, zerolog.Nop())
	require.NoError(t, err)
	defer tr.Close()

	st := tr.(*SMTPTransport)
	assert.False(t, st.opts.Secure)
	assert.True(t, st.startTLS)

	_, err = tr.Send(context.Background(), testMessage("alice@example.com"))
	require.NoError(t, err)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].TLS)
}

func TestSMTPTransportDeliversInlineImage(t *testing.T) {
	srv, port := startSink(t, sink.Options{AuthUser: "user", AuthPass: "secret"})

	tr, err := NewSMTPCandidate(sinkOptions(port)).Open(context.Background())
	require.NoError(t, err)
	defer tr.Close()

	msg := testMessage("alice@example.com")
	msg.HTML = `<p>Hi Alice</p><img src="cid:inline-image">`
	msg.Attachments = []models.Attachment{
		{Filename: "logo.png", ContentType: "image/png", ContentID: "inline-image", Content: []byte("png")},
	}
	_, err = tr.Send(context.Background(), msg)
	require.NoError(t, err)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].HTML, "cid:inline-image")
	require.Len(t, msgs[0].Attachments, 1)
	assert.Equal(t, sink.ReceivedAttachment{
		Filename:    "logo.png",
		ContentType: "image/png",
		ContentID:   "inline-image",
		Size:        3,
	}, msgs[0].Attachments[0])
}
