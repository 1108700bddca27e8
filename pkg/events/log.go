package events

import (
	"context"
	"sync"
	"time"
)

// Log is an in-memory, append-only event recorder with per-run sequence
// numbers. It is useful for inspecting run history after the fact and as a
// test double for observability assertions.
type Log struct {
	mu     sync.RWMutex
	events []Event
	seqs   map[string]int64
}

// NewLog creates an empty event log.
func NewLog() *Log {
	return &Log{seqs: make(map[string]int64)}
}

// Emit records the event, assigning the next sequence for its run.
func (l *Log) Emit(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.seqs[event.RunID]++
	event.Sequence = l.seqs[event.RunID]
	l.events = append(l.events, event)
	return nil
}

// Events returns a copy of all recorded events matching the filter, in
// append order.
func (l *Log) Events(filter Filter) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Event
	for _, e := range l.events {
		if matchFilter(filter, e) {
			out = append(out, e)
		}
	}
	return out
}

// Since returns events for a run with sequence strictly greater than seq.
func (l *Log) Since(runID string, seq int64) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Event
	for _, e := range l.events {
		if e.RunID == runID && e.Sequence > seq {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the total number of recorded events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

var _ Sink = (*Log)(nil)
