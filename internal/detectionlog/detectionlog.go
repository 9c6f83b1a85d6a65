// Package detectionlog is the shared append-only sink for logged matches.
//
// Appends from every camera worker are serialized by a single mutex: each entry is written to
// every configured Sink and then to a bounded in-memory ring that backs the live display.
// Ordering is only guaranteed per caller.
package detectionlog

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/andresmejia3/overwatch/internal/types"
	"go.uber.org/zap"
)

// DefaultHistory is the number of entries kept for display.
const DefaultHistory = 50

// Sink persists entries somewhere durable.
type Sink interface {
	Write(ctx context.Context, e types.DetectionLogEntry) error
}

// Log fans entries out to its sinks and keeps the most recent ones in memory.
type Log struct {
	mu     sync.Mutex
	sinks  []Sink
	ring   []types.DetectionLogEntry
	next   int
	count  int
	logger *zap.Logger
}

// New returns a Log keeping the last history entries. history <= 0 uses DefaultHistory.
func New(history int, logger *zap.Logger, sinks ...Sink) *Log {
	if history <= 0 {
		history = DefaultHistory
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{
		sinks:  sinks,
		ring:   make([]types.DetectionLogEntry, history),
		logger: logger,
	}
}

// Append records e. The entry always reaches the in-memory ring; sink failures are
// logged and returned joined, but do not stop the remaining sinks.
func (l *Log) Append(ctx context.Context, e types.DetectionLogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for _, s := range l.sinks {
		if err := s.Write(ctx, e); err != nil {
			l.logger.Error("detection log sink write failed",
				zap.String("camera_id", e.CameraID),
				zap.String("regno", e.Regno),
				zap.Error(err))
			errs = append(errs, err)
		}
	}

	l.ring[l.next] = e
	l.next = (l.next + 1) % len(l.ring)
	if l.count < len(l.ring) {
		l.count++
	}
	return errors.Join(errs...)
}

// Recent returns a copy of the retained entries, newest first.
func (l *Log) Recent() []types.DetectionLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]types.DetectionLogEntry, l.count)
	for i := 0; i < l.count; i++ {
		idx := (l.next - 1 - i + len(l.ring)) % len(l.ring)
		out[i] = l.ring[idx]
	}
	return out
}

// Lines renders Recent as display lines.
func (l *Log) Lines() []string {
	entries := l.Recent()
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.String()
	}
	return lines
}

// Close closes every sink that holds resources.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for _, s := range l.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
