package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/site-analyzer/internal/progress"
)

// LogSink turns job milestones into log lines. Failures log at warn and
// everything else at info.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a LogSink. A nil logger discards output.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("progress")}
}

// Consume writes one line per event.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.InfoLevel
		if evt.Kind == progress.KindJobFailed {
			level = zapcore.WarnLevel
		}
		ce := s.logger.Check(level, "analysis "+string(evt.Kind))
		if ce == nil {
			continue
		}
		ce.Write(eventFields(evt)...)
	}
	return nil
}

func eventFields(evt progress.Event) []zap.Field {
	fields := make([]zap.Field, 0, 9)
	fields = append(fields,
		zap.String("job_id", evt.JobID),
		zap.String("status", string(evt.Status)),
		zap.String("site", evt.Site),
	)
	if evt.Stage != "" {
		fields = append(fields, zap.String("stage", string(evt.Stage)))
	}
	if evt.Dur > 0 {
		fields = append(fields, zap.Duration("took", evt.Dur))
	}
	if evt.Bytes > 0 {
		fields = append(fields, zap.Int64("bytes", evt.Bytes))
	}
	if evt.TimedOut {
		fields = append(fields, zap.Bool("timed_out", true))
	}
	if evt.Note != "" {
		fields = append(fields, zap.String("note", evt.Note))
	}
	return fields
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error {
	return nil
}
