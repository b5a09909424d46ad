// Package retry implements bounded exponential backoff for calls to the
// mailbox, the AI service, and the outbound transport. Every retried
// operation in this system is idempotent by construction, so retrying can
// never duplicate a side effect.
package retry

import (
	"context"
	"time"
)

// Do runs fn up to attempts times, doubling the delay between attempts
// starting from base. It returns nil on the first success, the last error
// after exhausting attempts, or the context error if cancelled while
// waiting.
func Do(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	delay := base
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
