package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-product-stream/internal/progress"
)

// LogSink writes each event as a structured log line. Intermediate stages
// log at debug level.
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
			zap.String("request_id", evt.RequestID),
			zap.String("stage", string(evt.Stage)),
			zap.String("source", evt.Source),
		}
		if evt.ItemID != "" {
			fields = append(fields, zap.String("item_id", evt.ItemID))
		}
		switch evt.Stage {
		case progress.StageDone, progress.StageRejected:
			fields = append(fields,
				zap.Int("status", evt.Status),
				zap.Duration("dur", evt.Dur),
			)
			if evt.Outcome != "" {
				fields = append(fields, zap.String("outcome", evt.Outcome))
			}
			if evt.Note != "" {
				fields = append(fields, zap.String("note", evt.Note))
			}
			s.logger.Info("task finished", fields...)
		default:
			s.logger.Debug("task progress", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
