package events

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_AppendAndSequence(t *testing.T) {
	log := NewLog()
	ctx := context.Background()

	require.NoError(t, log.Emit(ctx, Event{RunID: "run-1", Type: "run_started"}))
	require.NoError(t, log.Emit(ctx, Event{RunID: "run-1", Type: "block_started", BlockID: "a"}))
	require.NoError(t, log.Emit(ctx, Event{RunID: "run-2", Type: "run_started"}))

	got := log.Events(Filter{RunID: "run-1"})
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].Sequence)
	assert.Equal(t, int64(2), got[1].Sequence)
	assert.False(t, got[0].Timestamp.IsZero())

	// Sequences are per run.
	other := log.Events(Filter{RunID: "run-2"})
	require.Len(t, other, 1)
	assert.Equal(t, int64(1), other[0].Sequence)
}

func TestLog_FilterByType(t *testing.T) {
	log := NewLog()
	ctx := context.Background()

	_ = log.Emit(ctx, Event{RunID: "run-1", Type: "block_started", BlockID: "a"})
	_ = log.Emit(ctx, Event{RunID: "run-1", Type: "block_completed", BlockID: "a"})
	_ = log.Emit(ctx, Event{RunID: "run-1", Type: "block_started", BlockID: "b"})

	got := log.Events(Filter{Types: []string{"block_started"}})
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].BlockID)
	assert.Equal(t, "b", got[1].BlockID)
}

func TestLog_Since(t *testing.T) {
	log := NewLog()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = log.Emit(ctx, Event{RunID: "run-1", Type: "tick"})
	}

	got := log.Since("run-1", 3)
	require.Len(t, got, 2)
	assert.Equal(t, int64(4), got[0].Sequence)
	assert.Equal(t, int64(5), got[1].Sequence)

	assert.Empty(t, log.Since("run-1", 5))
	assert.Empty(t, log.Since("other", 0))
}

func TestLog_CancelledContext(t *testing.T) {
	log := NewLog()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := log.Emit(ctx, Event{RunID: "run-1", Type: "tick"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, log.Len())
}

func TestLog_ConcurrentAppend(t *testing.T) {
	log := NewLog()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = log.Emit(ctx, Event{RunID: "run-1", Type: "tick"})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1000, log.Len())

	// Sequences must be dense 1..1000 in append order.
	got := log.Events(Filter{RunID: "run-1"})
	for i, e := range got {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestFanout(t *testing.T) {
	ctx := context.Background()
	log1 := NewLog()
	log2 := NewLog()

	sink := Fanout{log1, log2}
	require.NoError(t, sink.Emit(ctx, Event{RunID: "run-1", Type: "tick"}))

	assert.Equal(t, 1, log1.Len())
	assert.Equal(t, 1, log2.Len())
}

func TestNopSink(t *testing.T) {
	assert.NoError(t, NopSink{}.Emit(context.Background(), Event{Type: "tick"}))
}
