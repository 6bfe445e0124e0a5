package logging

import (
	"context"
	"log/slog"
	"time"

	"github.com/rs/zerolog"

	"github.com/rendis/cmdengine/pkg/command"
)

// SlogSink forwards engine messages to an slog logger.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink writing to logger, or to slog.Default when nil.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger.With(slog.String("component", "command"))}
}

func (s *SlogSink) Log(ts time.Time, level command.Level, msg string) {
	lvl := slog.LevelInfo
	if level == command.LevelError {
		lvl = slog.LevelError
	}
	if !s.logger.Enabled(context.Background(), lvl) {
		return
	}
	r := slog.NewRecord(ts, lvl, msg, 0)
	_ = s.logger.Handler().Handle(context.Background(), r)
}

// ZerologSink forwards engine messages to a zerolog logger.
type ZerologSink struct {
	logger zerolog.Logger
}

// NewZerologSink creates a sink writing to logger.
func NewZerologSink(logger zerolog.Logger) *ZerologSink {
	return &ZerologSink{logger: logger.With().Str("component", "command").Logger()}
}

func (s *ZerologSink) Log(ts time.Time, level command.Level, msg string) {
	ev := s.logger.Info()
	if level == command.LevelError {
		ev = s.logger.Error()
	}
	ev.Time("ts", ts).Msg(msg)
}
