// Package history exports process lifecycle events to external systems.
package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/loykin/stepq/internal/queue"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventEnqueue   EventType = "enqueue"
	EventStart     EventType = "start"
	EventInterrupt EventType = "interrupt"
	EventProceed   EventType = "proceed"
	EventFinish    EventType = "finish"
)

// Event is a lifecycle transition of one process record.
type Event struct {
	Type       EventType    `json:"type"`
	OccurredAt time.Time    `json:"occurred_at"`
	Record     queue.Record `json:"record"`
}

// ExitCode returns the recorded exit code or -1 when the record has none.
func (e Event) ExitCode() int {
	if e.Record.ExitCode == nil {
		return -1
	}
	return *e.Record.ExitCode
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Fanout sends every event to all sinks. Failures are logged and do not
// stop delivery to the remaining sinks.
type Fanout struct {
	Sinks  []Sink
	Logger *slog.Logger
}

func (f *Fanout) Send(ctx context.Context, e Event) error {
	for _, s := range f.Sinks {
		if err := s.Send(ctx, e); err != nil {
			l := f.Logger
			if l == nil {
				l = slog.Default()
			}
			l.Warn("history sink failed", "event", e.Type, "pid", e.Record.PID, "error", err)
		}
	}
	return nil
}

// Close closes every sink that supports it.
func (f *Fanout) Close() error {
	var first error
	for _, s := range f.Sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
