package sink

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
)

// Log is a sink that writes publications to the structured log. Useful for
// local development and as the fallback when no webhook is configured.
type Log struct {
	logger *slog.Logger
	edits  atomic.Int64
}

// NewLog creates a logging sink.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

// Publish logs the content and returns a generated handle.
func (l *Log) Publish(ctx context.Context, content string) (string, error) {
	handle := uuid.New().String()
	l.logger.Info("publish",
		slog.String("handle", handle),
		slog.String("content", content))
	return handle, nil
}

// Edit logs the replacement content.
func (l *Log) Edit(ctx context.Context, handle, content string) error {
	l.edits.Add(1)
	l.logger.Info("edit",
		slog.String("handle", handle),
		slog.String("content", content))
	return nil
}

// Edits reports how many edits the sink has received.
func (l *Log) Edits() int64 {
	return l.edits.Load()
}
