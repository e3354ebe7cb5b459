package payout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftline/escrow/internal/logging"
)

func TestTimer_DrainsBacklogOnStart(t *testing.T) {
	fd := &fakeDisburser{}
	disp, store, _, _ := newTestDispatcher(fd)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := disp.Enqueue(ctx, payoutRequest("txn_1"))
	require.NoError(t, err)

	timer := NewTimer(disp, time.Hour, logging.Discard())
	go timer.Start(ctx)

	require.Eventually(t, func() bool {
		inst, err := store.GetByTransaction(ctx, "txn_1")
		return err == nil && inst.Status == StatusSent
	}, time.Second, 5*time.Millisecond)
	assert.True(t, timer.Running())
}

func TestTimer_RetriesOnTick(t *testing.T) {
	fd := &fakeDisburser{errs: []error{errors.New("daraja 503")}}
	disp, store, clock, _ := newTestDispatcher(fd)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := disp.Enqueue(ctx, payoutRequest("txn_1"))
	require.NoError(t, err)

	timer := NewTimer(disp, 10*time.Millisecond, logging.Discard())
	go timer.Start(ctx)

	require.Eventually(t, func() bool {
		inst, err := store.GetByTransaction(ctx, "txn_1")
		return err == nil && inst.Attempts == 1
	}, time.Second, 5*time.Millisecond)

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		inst, err := store.GetByTransaction(ctx, "txn_1")
		return err == nil && inst.Status == StatusSent
	}, time.Second, 5*time.Millisecond)
}

func TestTimer_StopAndCancel(t *testing.T) {
	disp, _, _, _ := newTestDispatcher(&fakeDisburser{})

	timer := NewTimer(disp, 10*time.Millisecond, logging.Discard())
	go timer.Start(context.Background())
	require.Eventually(t, timer.Running, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		timer.Stop()
		return !timer.Running()
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	timer = NewTimer(disp, 10*time.Millisecond, logging.Discard())
	go timer.Start(ctx)
	require.Eventually(t, timer.Running, time.Second, 5*time.Millisecond)
	cancel()
	assert.Eventually(t, func() bool { return !timer.Running() }, time.Second, 5*time.Millisecond)
}

func TestNewTimer_DefaultInterval(t *testing.T) {
	disp, _, _, _ := newTestDispatcher(&fakeDisburser{})
	assert.Equal(t, 30*time.Second, NewTimer(disp, 0, logging.Discard()).interval)
}
