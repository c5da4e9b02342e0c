// Package diag reports operational problems of the notification pipeline:
// stalled monitors and journals running without durability.
package diag

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/pimnotify/internal/notification"
)

// Stall describes a pipeline whose head has been waiting for entity data.
type Stall struct {
	Monitor  string
	Message  notification.Message
	Waiting  time.Duration
	Pipeline int
	Pending  int
}

// Tracer receives diagnostics. Implementations must not block the caller
// for long; monitors call them from their event loop.
type Tracer interface {
	PipelineStalled(ctx context.Context, stall Stall)
	JournalDegraded(ctx context.Context, journal string, err error)
}

// Noop discards everything.
type Noop struct{}

func (Noop) PipelineStalled(context.Context, Stall) {}
func (Noop) JournalDegraded(context.Context, string, error) {}

// Log writes diagnostics to a zap logger.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

func (l *Log) PipelineStalled(_ context.Context, s Stall) {
	l.logger.Warn("pipeline stalled",
		zap.String("monitor", s.Monitor),
		zap.Stringer("head", s.Message),
		zap.Int64s("ids", s.Message.UIDs()),
		zap.Duration("waiting", s.Waiting),
		zap.Int("pipeline", s.Pipeline),
		zap.Int("pending", s.Pending),
	)
}

func (l *Log) JournalDegraded(_ context.Context, journal string, err error) {
	l.logger.Warn("journal degraded, continuing in memory",
		zap.String("journal", journal),
		zap.Error(err),
	)
}

// Multi fans diagnostics out to several tracers in order.
type Multi []Tracer

func (m Multi) PipelineStalled(ctx context.Context, s Stall) {
	for _, t := range m {
		t.PipelineStalled(ctx, s)
	}
}

func (m Multi) JournalDegraded(ctx context.Context, journal string, err error) {
	for _, t := range m {
		t.JournalDegraded(ctx, journal, err)
	}
}

// New builds the tracer for cfg: always logging, plus ntfy alerts when
// enabled.
func New(cfg *Config, logger *zap.Logger) Tracer {
	log := NewLog(logger)
	if cfg == nil || !cfg.Enabled {
		return log
	}
	return Multi{log, NewClient(cfg, logger)}
}
