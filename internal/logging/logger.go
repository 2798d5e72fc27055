// Package logging builds the zap loggers used by every command.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options select the logger flavour. An empty Level keeps the flavour's
// default: debug in development, info otherwise.
type Options struct {
	Development bool
	Level       string
	Service     string
}

// New builds a zap.Logger. Development loggers use coloured console output,
// production loggers JSON. Both use "ts" as the time key.
func New(opts Options) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.EncoderConfig.TimeKey = "ts"
	if opts.Level != "" {
		level, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		cfg.Level = zap.NewAtomicLevelAt(level)
	}
	if opts.Service != "" {
		cfg.InitialFields = map[string]any{"service": opts.Service}
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// ForTask scopes logger to one task.
func ForTask(logger *zap.Logger, requestID, itemID string) *zap.Logger {
	if itemID == "" {
		return logger.With(zap.String("request_id", requestID))
	}
	return logger.With(zap.String("request_id", requestID), zap.String("item_id", itemID))
}
