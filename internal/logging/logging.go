package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a structured zap logger with the provided level and
// encoding ("json" or "console"). An empty encoding means json.
func NewLogger(level, encoding string) (*zap.Logger, error) {
	cfg, err := loggerConfig(level, encoding)
	if err != nil {
		return nil, err
	}
	return cfg.Build()
}

func loggerConfig(level, encoding string) (zap.Config, error) {
	lower := strings.ToLower(level)
	var zapLevel zapcore.Level
	if err := zapLevel.Set(lower); err != nil {
		return zap.Config{}, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	enc := strings.ToLower(strings.TrimSpace(encoding))
	if enc == "" {
		enc = "json"
	}
	if enc != "json" && enc != "console" {
		return zap.Config{}, fmt.Errorf("invalid log encoding %q", encoding)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.Encoding = enc
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.MessageKey = "msg"
	if enc == "console" {
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	return cfg, nil
}
