package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLedger_ClaimOnce(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	ok, err := l.Claim(ctx, "ws_CO_1", EventPaymentConfirmed)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Claim(ctx, "ws_CO_1", EventPaymentConfirmed)
	require.NoError(t, err)
	assert.False(t, ok, "second claim is a replay")

	// Different event type on the same reference is a different key.
	ok, err = l.Claim(ctx, "ws_CO_1", EventPaymentFailed)
	require.NoError(t, err)
	assert.True(t, ok)

	seen, err := l.Seen(ctx, "ws_CO_1", EventPaymentConfirmed)
	require.NoError(t, err)
	assert.True(t, seen)
	assert.Equal(t, 2, l.Len())
}

func TestMemoryLedger_Release(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	_, _ = l.Claim(ctx, "ws_CO_2", EventPaymentConfirmed)
	require.NoError(t, l.Release(ctx, "ws_CO_2", EventPaymentConfirmed))

	seen, _ := l.Seen(ctx, "ws_CO_2", EventPaymentConfirmed)
	assert.False(t, seen)

	ok, _ := l.Claim(ctx, "ws_CO_2", EventPaymentConfirmed)
	assert.True(t, ok, "released key can be claimed again")
}

func TestMemoryLedger_EmptyKey(t *testing.T) {
	_, err := NewMemoryLedger().Claim(context.Background(), "", EventPaymentConfirmed)
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestMemoryLedger_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	l := NewMemoryLedger()
	var winners atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.Claim(context.Background(), "ws_CO_race", EventPaymentConfirmed); ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}
