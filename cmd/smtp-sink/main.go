// cmd/smtp-sink/main.go
// SMTP 測試收信伺服器入口
// 接收寄出的郵件並存成 .eml，供開發時檢查活動內容

package main

import (
	"crypto/tls"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"sendy/internal/config"
	"sendy/internal/logger"
	"sendy/internal/smtp"
)

func main() {
	// 載入設定
	cfg := config.Load()
	log := logger.New(cfg.Env, cfg.LogLevel)

	opts := smtp.Options{
		Addr:     ":" + cfg.SinkPort,
		AuthUser: cfg.SinkAuthUser,
		AuthPass: cfg.SinkAuthPass,
		Dir:      cfg.SinkDir,
	}

	// 設定憑證時提供 STARTTLS 或 465 連線
	if cfg.SinkTLSCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.SinkTLSCert, cfg.SinkTLSKey)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load TLS certificate")
		}
		opts.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
		opts.ImplicitTLS = cfg.SinkTLSOnly
	} else if cfg.SinkTLSOnly {
		log.Fatal().Msg("SINK_IMPLICIT_TLS requires SINK_TLS_CERT and SINK_TLS_KEY")
	}

	sink := smtp.NewServer(opts, logger.Component(log, "smtp-sink"))

	var stopping atomic.Bool

	// 啟動 SMTP 伺服器（非同步）
	go func() {
		if err := sink.Start(); err != nil && !stopping.Load() {
			log.Fatal().Err(err).Msg("SMTP sink failed")
		}
	}()

	// 等待中斷信號
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stopping.Store(true)
	if err := sink.Shutdown(); err != nil {
		log.Error().Err(err).Msg("failed to stop SMTP sink")
	}

	log.Info().Int("received", len(sink.Messages())).Msg("SMTP sink stopped")
}
