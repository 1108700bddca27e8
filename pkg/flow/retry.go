package flow

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/kaiban-ai/kaiban-go/pkg/schema"
)

// RetryPolicy controls how block failures are retried. Attempts is the
// number of additional invocations after the first failure; Delay is the
// fixed wait between them. The zero policy disables retries. Suspensions are
// outcomes, not failures, and are never retried.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

func (p RetryPolicy) enabled() bool { return p.Attempts > 0 }

// isRetryableError classifies whether a block failure should be retried.
// Context cancellation means the run is shutting down; validation failures
// will not change by repeating them. Per-step deadline errors and network
// errors are transient and retryable.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Default: retryable, the policy's attempt limit bounds the damage.
	return true
}

// waitRetryDelay sleeps for the policy delay or returns early when the
// context is cancelled during the wait.
func waitRetryDelay(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
