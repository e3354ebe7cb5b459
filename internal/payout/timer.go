package payout

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically attempts due instructions.
type Timer struct {
	dispatcher *Dispatcher
	interval   time.Duration
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
}

// NewTimer creates a payout retry timer.
func NewTimer(dispatcher *Dispatcher, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		dispatcher: dispatcher,
		interval:   interval,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the dispatch loop. Call in a goroutine. Instructions left
// due by a previous process are attempted immediately.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	t.dispatcher.SyncInterventionGauge(ctx)
	t.safeRunDue(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRunDue(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRunDue(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in payout timer", "panic", fmt.Sprint(r))
		}
	}()
	if n, err := t.dispatcher.RunDue(ctx); err != nil {
		t.logger.Warn("payout run failed", "error", err)
	} else if n > 0 {
		t.logger.Debug("payout run complete", "attempted", n)
	}
}
