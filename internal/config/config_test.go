package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t, "SMTP_HOST", "SMTP_PORT", "SMTP_SECURE", "SMTP_TRY_PORTS", "EMAIL_DELAY",
		"MAX_RETRY_ATTEMPTS", "RETRY_DELAY", "EMAIL_CONN_TIMEOUT", "TRANSPORT", "DISPATCH_MODE",
		"DATABASE_URL", "KEYDB_URL", "SMTP_USER", "SENDER_EMAIL", "CSV_FILE_PATH", "SINK_IMPLICIT_TLS")

	cfg := Load()

	assert.Equal(t, "smtp.gmail.com", cfg.SMTPHost)
	assert.Equal(t, 587, cfg.SMTPPort)
	assert.False(t, cfg.SMTPSecure)
	assert.Equal(t, []int{465, 587}, cfg.SMTPTryPorts)
	assert.Equal(t, 2*time.Second, cfg.EmailDelay)
	assert.Equal(t, 3, cfg.MaxRetryAttempts)
	assert.Equal(t, 5*time.Second, cfg.RetryDelay)
	assert.Equal(t, 30*time.Second, cfg.ConnTimeout)
	assert.Equal(t, TransportSMTP, cfg.Transport)
	assert.Equal(t, DispatchInline, cfg.DispatchMode)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Empty(t, cfg.KeyDBURL)
	assert.Equal(t, "./data/recipients.csv", cfg.CSVFilePath)
	assert.False(t, cfg.SinkTLSOnly)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SMTP_HOST", "relay.example.com")
	t.Setenv("SMTP_PORT", "2525")
	t.Setenv("SMTP_SECURE", "true")
	t.Setenv("SMTP_TRY_PORTS", "465, abc, 25,")
	t.Setenv("EMAIL_DELAY", "150")
	t.Setenv("MAX_RETRY_ATTEMPTS", "5")
	t.Setenv("TRANSPORT", "SendGrid")
	t.Setenv("SMTP_USER", "bot@example.com")
	t.Setenv("SENDER_EMAIL", "")
	t.Setenv("CSV_FILE_PATH", "/srv/lists/march.csv")
	t.Setenv("SINK_TLS_CERT", "/etc/sink/cert.pem")
	t.Setenv("SINK_IMPLICIT_TLS", "true")

	cfg := Load()

	assert.Equal(t, "relay.example.com", cfg.SMTPHost)
	assert.Equal(t, 2525, cfg.SMTPPort)
	assert.True(t, cfg.SMTPSecure)
	assert.Equal(t, []int{465, 25}, cfg.SMTPTryPorts)
	assert.Equal(t, 150*time.Millisecond, cfg.EmailDelay)
	assert.Equal(t, 5, cfg.MaxRetryAttempts)
	assert.Equal(t, TransportSendGrid, cfg.Transport)
	assert.Equal(t, "bot@example.com", cfg.SenderEmail, "sender falls back to SMTP_USER")
	assert.Equal(t, "/srv/lists/march.csv", cfg.CSVFilePath)
	assert.Equal(t, "/etc/sink/cert.pem", cfg.SinkTLSCert)
	assert.True(t, cfg.SinkTLSOnly)
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("SMTP_PORT", "not-a-port")
	t.Setenv("SMTP_TRY_PORTS", "x,y")

	cfg := Load()

	assert.Equal(t, 587, cfg.SMTPPort)
	assert.Equal(t, []int{465, 587}, cfg.SMTPTryPorts)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Transport:        TransportSMTP,
			SMTPHost:         "smtp.example.com",
			SMTPUser:         "user",
			SMTPPass:         "pass",
			SenderEmail:      "news@example.com",
			MaxRetryAttempts: 3,
			DispatchMode:     DispatchInline,
		}
	}

	t.Run("valid smtp", func(t *testing.T) {
		require.NoError(t, base().Validate())
	})

	t.Run("missing smtp credentials", func(t *testing.T) {
		cfg := base()
		cfg.SMTPUser = ""
		cfg.SMTPPass = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "SMTP_USER")
		assert.Contains(t, err.Error(), "SMTP_PASS")
	})

	t.Run("log transport needs no credentials", func(t *testing.T) {
		cfg := base()
		cfg.Transport = TransportLog
		cfg.SMTPUser = ""
		require.NoError(t, cfg.Validate())
	})

	t.Run("sendgrid requires api key", func(t *testing.T) {
		cfg := base()
		cfg.Transport = TransportSendGrid
		assert.ErrorContains(t, cfg.Validate(), "SENDGRID_API_KEY")
	})

	t.Run("unknown transport", func(t *testing.T) {
		cfg := base()
		cfg.Transport = "pigeon"
		assert.ErrorContains(t, cfg.Validate(), "unknown TRANSPORT")
	})

	t.Run("zero attempts", func(t *testing.T) {
		cfg := base()
		cfg.MaxRetryAttempts = 0
		assert.ErrorContains(t, cfg.Validate(), "MAX_RETRY_ATTEMPTS")
	})

	t.Run("unknown dispatch mode", func(t *testing.T) {
		cfg := base()
		cfg.DispatchMode = "later"
		assert.ErrorContains(t, cfg.Validate(), "DISPATCH_MODE")
	})
}
