package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of schedule event.
type EventType string

const (
	// EventTick is emitted after every execution attempt.
	EventTick EventType = "tick"
	// EventTransition is emitted when a schedule changes status.
	EventTransition EventType = "transition"
)

// Event is one append-only history entry exported to external systems.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Name       string    `json:"name"`
	PID        int       `json:"pid"`
	Status     string    `json:"status"`
	// Outcome is success, failure or timeout for ticks; empty otherwise.
	Outcome    string  `json:"outcome,omitempty"`
	Executions int64   `json:"executions"`
	Cost       float64 `json:"cost"`
	DurationMs int64   `json:"duration_ms"`
	Error      string  `json:"error,omitempty"`
}

// NewEvent fills in ID and OccurredAt.
func NewEvent(t EventType, name string, at time.Time) Event {
	return Event{ID: uuid.NewString(), Type: t, OccurredAt: at.UTC(), Name: name}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

const defaultSendTimeout = 5 * time.Second

// Publisher delivers events best-effort: a failing sink is logged at Warn
// and never reported to the caller. A nil Publisher or nil Sink is a no-op.
type Publisher struct {
	Sink    Sink
	Logger  *slog.Logger
	Timeout time.Duration
}

func (p *Publisher) Publish(ctx context.Context, e Event) {
	if p == nil || p.Sink == nil {
		return
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	// Detached from ctx so a stopping loop still records its last events.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := p.Sink.Send(sctx, e); err != nil && p.Logger != nil {
		p.Logger.Warn("history sink failed", "name", e.Name, "type", e.Type, "error", err)
	}
}

// Close closes the sink when it supports it.
func (p *Publisher) Close() error {
	if p == nil || p.Sink == nil {
		return nil
	}
	if c, ok := p.Sink.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ValidTable reports whether name is safe to splice into SQL as a table
// identifier.
func ValidTable(name string) bool {
	if name == "" || len(name) > 63 {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// NullString maps "" to a SQL NULL.
func NullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
