// Package logging provides zap logger helpers.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/checkout-crawler/internal/crawler"
)

// New builds a zap.Logger configured for development or production.
func New(development bool) (*zap.Logger, error) {
	if development {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		logger, err := cfg.Build()
		if err != nil {
			return nil, fmt.Errorf("build dev logger: %w", err)
		}
		return logger, nil
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = false
	cfg.EncoderConfig.TimeKey = "ts"
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build prod logger: %w", err)
	}
	return logger, nil
}

// ForSite scopes a logger to one site of a run.
func ForSite(logger *zap.Logger, runID string, site crawler.SiteEntry) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	fields := []zap.Field{
		zap.String("run_id", runID),
		zap.String("site", site.URL),
		zap.String("language", string(site.Language)),
	}
	if site.Row > 0 {
		fields = append(fields, zap.Int("row", site.Row))
	}
	return logger.With(fields...)
}
