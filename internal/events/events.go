// Package events delivers structured job lifecycle events to observability sinks.
package events

import (
	"context"
	"errors"
	"log/slog"

	"job-orchestrator/internal/models"
)

// Lifecycle messages emitted by the worker and dispatcher.
const (
	Enqueued  = "enqueued"
	Started   = "started"
	Completed = "completed"
	Retrying  = "retrying"
	Failed    = "failed"
	Cancelled = "cancelled"
)

// Sink accepts lifecycle events.
type Sink interface {
	Emit(ctx context.Context, e models.Event) error
}

// Log writes events to a slog logger.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Emit(ctx context.Context, e models.Event) error {
	attrs := []slog.Attr{
		slog.String("job_id", e.JobID),
		slog.String("source", e.Source),
		slog.Time("event_ts", e.Timestamp),
	}
	if len(e.Data) > 0 {
		attrs = append(attrs, slog.Any("data", e.Data))
	}
	l.logger.LogAttrs(ctx, level(e.Level), e.Message, attrs...)
	return nil
}

func level(l string) slog.Level {
	switch l {
	case models.LevelError:
		return slog.LevelError
	case models.LevelWarn:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// Appender is the subset of store.EventStore the Store sink needs.
type Appender interface {
	AppendEvent(ctx context.Context, e models.Event) error
}

// Store persists events so they stay queryable with the job.
type Store struct {
	events Appender
}

func NewStore(events Appender) *Store {
	return &Store{events: events}
}

func (s *Store) Emit(ctx context.Context, e models.Event) error {
	return s.events.AppendEvent(ctx, e)
}

// Fanout delivers to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Emit(ctx context.Context, e models.Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(context.Context, models.Event) error { return nil }
