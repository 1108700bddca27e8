package events

import (
	"context"
	"time"
)

// Event is a single observation emitted during flow or scheduler execution.
type Event struct {
	RunID     string    `json:"run_id,omitempty"`
	BlockID   string    `json:"block_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Sequence  int64     `json:"sequence,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink receives events from the engine and scheduler. Implementations must
// be safe for concurrent use; emission is best-effort and must not block
// execution.
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

// NopSink discards all events. It is the default when no sink is injected.
type NopSink struct{}

func (NopSink) Emit(ctx context.Context, event Event) error { return nil }

// Fanout forwards each event to every underlying sink. The first error is
// returned after all sinks have been tried.
type Fanout []Sink

func (f Fanout) Emit(ctx context.Context, event Event) error {
	var first error
	for _, s := range f {
		if err := s.Emit(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var (
	_ Sink = NopSink{}
	_ Sink = Fanout{}
)
