package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/checkout-crawler/internal/progress"
)

// LogSink writes one structured log line per lifecycle event. Step events are
// logged at debug level.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.Stringer("run_id", evt.RunUUID()),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Site != "" {
			fields = append(fields, zap.String("site", evt.Site), zap.String("language", string(evt.Language)))
		}
		if evt.Status != "" {
			fields = append(fields, zap.String("status", string(evt.Status)))
		}
		if evt.Steps > 0 {
			fields = append(fields, zap.Int("steps", evt.Steps))
		}
		if evt.InputTokens > 0 {
			fields = append(fields, zap.Int64("input_tokens", evt.InputTokens))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Stage == progress.StageSiteStep {
			s.logger.Debug("progress event", fields...)
			continue
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
