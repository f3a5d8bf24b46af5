package history

import (
	"context"
	"errors"
	"time"
)

// EventType names what happened to a task directory or its process.
type EventType string

const (
	EventLaunch        EventType = "launch"
	EventExit          EventType = "exit"
	EventLock          EventType = "lock"
	EventUnlock        EventType = "unlock"
	EventReclaim       EventType = "reclaim"
	EventReclaimFailed EventType = "reclaim_failed"
)

// Event is one entry in the reclamation and supervision history.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	TaskID     string    `json:"task_id"`
	Path       string    `json:"path"`
	Name       string    `json:"name,omitempty"`
	PID        int       `json:"pid,omitempty"`
	// Reason is the selector verdict for reclaim events and the exit status for exit events.
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Reader is implemented by sinks that can be queried back.
// Events returns the newest events for taskID first, at most limit of them.
type Reader interface {
	Events(ctx context.Context, taskID string, limit int) ([]Event, error)
}

// DefaultReadLimit caps Reader queries that pass limit <= 0.
const DefaultReadLimit = 100

// ClampLimit maps non-positive limits to DefaultReadLimit.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultReadLimit
	}
	return limit
}

// FirstReader returns the first sink that implements Reader, or nil.
func FirstReader(sinks []Sink) Reader {
	for _, s := range sinks {
		if r, ok := s.(Reader); ok {
			return r
		}
	}
	return nil
}

// Broadcast sends e to every sink and joins the failures.
func Broadcast(ctx context.Context, sinks []Sink, e Event) error {
	var errs []error
	for _, s := range sinks {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NullString maps "" to SQL NULL.
func NullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
