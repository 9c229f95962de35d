// Package logger builds the process-wide slog logger.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config 日誌設定
type Config struct {
	Level  slog.Level
	Format string    // "json" 或 "text"
	Output io.Writer // nil 時使用 os.Stdout
}

// DefaultConfig 預設 info 等級的 JSON 日誌
func DefaultConfig() Config {
	return Config{Level: slog.LevelInfo, Format: "json"}
}

// ParseLevel 解析 debug / info / warn / error（大小寫不拘，可帶 +N 偏移）
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("parse log level %q: %w", s, err)
	}
	return level, nil
}

// New 建立 logger 並設為預設 logger
func New(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: cfg.Level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}

	l := slog.New(handler)
	slog.SetDefault(l)
	return l
}
