package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDo(t *testing.T) {
	ctx := context.Background()

	t.Run("first success stops retrying", func(t *testing.T) {
		calls := 0
		err := Do(ctx, 3, time.Millisecond, func() error {
			calls++
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("recovers after transient failures", func(t *testing.T) {
		calls := 0
		err := Do(ctx, 3, time.Millisecond, func() error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("returns the last error after exhausting attempts", func(t *testing.T) {
		calls := 0
		last := errors.New("persistent")
		err := Do(ctx, 3, time.Millisecond, func() error {
			calls++
			return last
		})
		assert.ErrorIs(t, err, last)
		assert.Equal(t, 3, calls)
	})

	t.Run("cancellation interrupts the wait", func(t *testing.T) {
		cancelCtx, cancel := context.WithCancel(ctx)
		cancel()

		calls := 0
		err := Do(cancelCtx, 5, time.Hour, func() error {
			calls++
			return errors.New("fail")
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})

	t.Run("attempts below one still run once", func(t *testing.T) {
		calls := 0
		err := Do(ctx, 0, time.Millisecond, func() error {
			calls++
			return errors.New("fail")
		})
		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}
