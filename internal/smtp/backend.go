// internal/smtp/backend.go
// SMTP Backend 介面實作 - 為每個連線建立 Session

package smtp

import (
	gosmtp "github.com/emersion/go-smtp"
)

// Backend 實作 smtp.Backend 介面
type Backend struct {
	server *Server
}

// NewSession 建立新的 SMTP Session
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	_, isTLS := c.TLSConnectionState()
	b.server.log.Debug().
		Str("remote", c.Conn().RemoteAddr().String()).
		Bool("tls", isTLS).
		Msg("SMTP connection opened")
	return &Session{server: b.server, tls: isTLS, to: make([]string, 0)}, nil
}
