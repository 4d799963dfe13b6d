// Package notify delivers terminal intent outcomes to interested parties.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/vbonduro/lendchain/internal/domain"
)

// Sink is called exactly once for every intent that reaches Confirmed,
// Failed or Rejected. An error is logged by the caller and never changes
// the intent.
type Sink interface {
	OnIntentTerminal(ctx context.Context, intent domain.Intent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, intent domain.Intent) error

func (f SinkFunc) OnIntentTerminal(ctx context.Context, intent domain.Intent) error {
	return f(ctx, intent)
}

type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "notify")}
}

func (s *LogSink) OnIntentTerminal(ctx context.Context, intent domain.Intent) error {
	level := slog.LevelInfo
	if intent.Status != domain.StatusConfirmed {
		level = slog.LevelWarn
	}
	attrs := []any{
		"intent_id", intent.ID,
		"item_id", intent.ItemID,
		"kind", intent.Kind,
		"user_id", intent.UserID,
		"status", intent.Status,
	}
	if intent.Reason != "" {
		attrs = append(attrs, "reason", intent.Reason)
	}
	if intent.Tx != nil {
		attrs = append(attrs, "tx_hash", intent.Tx.Hash)
	}
	s.logger.Log(ctx, level, "intent terminal", attrs...)
	return nil
}

type multi []Sink

// Multi fans an outcome out to every sink, even if some of them fail.
func Multi(sinks ...Sink) Sink {
	return multi(sinks)
}

func (m multi) OnIntentTerminal(ctx context.Context, intent domain.Intent) error {
	var errs []error
	for _, s := range m {
		if err := s.OnIntentTerminal(ctx, intent); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
