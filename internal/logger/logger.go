// internal/logger/logger.go
// 結構化日誌 - 開發環境輸出易讀格式，正式環境輸出 JSON

package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const consoleTimeFormat = "15:04:05"

// New 建立根 logger
func New(env, level string) zerolog.Logger {
	return NewWithWriter(os.Stdout, env, level)
}

// NewWithWriter 建立寫入指定輸出的 logger
func NewWithWriter(w io.Writer, env, level string) zerolog.Logger {
	lvl := ParseLevel(level, zerolog.InfoLevel)

	var out io.Writer = w
	if env != "production" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
	}

	zerolog.TimeFieldFormat = time.RFC3339
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// Component 為子模組加上 component 欄位
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// ParseLevel 解析日誌等級，無法辨識時回傳預設值
func ParseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return def
	}
}
