package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/swiftline/escrow/internal/apperr"
	"github.com/swiftline/escrow/internal/metrics"
	"github.com/swiftline/escrow/internal/retry"
)

// TimerConfig tunes the deadline scheduler.
type TimerConfig struct {
	Interval     time.Duration // time between sweeps
	BatchSize    int           // max transactions per sweep step
	PollInterval time.Duration // min time between payment status polls per transaction
	Concurrency  int           // items processed in parallel
	RetryBackoff time.Duration // first hold-back after a failed deadline action
	MaxBackoff   time.Duration // cap on the hold-back
}

func (c TimerConfig) withDefaults() TimerConfig {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 5 * time.Minute
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Hour
	}
	return c
}

// Timer drives time-based transitions. It never writes state directly:
// every action goes through Service.Apply with the version read at listing
// time, so a transition a user made in between wins.
type Timer struct {
	service  *Service
	store    Store
	cfg      TimerConfig
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	sweeping atomic.Bool
}

// NewTimer creates a new deadline scheduler.
func NewTimer(service *Service, store Store, cfg TimerConfig, logger *slog.Logger) *Timer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		service: service,
		store:   store,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		stop:    make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			go t.safeSweep(ctx)
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

func (t *Timer) safeSweep(ctx context.Context) {
	if !t.sweeping.CompareAndSwap(false, true) {
		metrics.SweepsTotal.WithLabelValues("skipped_overlap").Inc()
		t.logger.Debug("previous sweep still running, tick skipped")
		return
	}
	defer t.sweeping.Store(false)
	defer func() {
		if r := recover(); r != nil {
			metrics.SweepsTotal.WithLabelValues("panic").Inc()
			t.logger.Error("panic in deadline sweep", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep runs one pass over due deadlines, unconfirmed payments and
// unqueued settlements.
func (t *Timer) Sweep(ctx context.Context) {
	start := time.Now()
	now := t.service.now()

	t.expireDue(ctx, now)
	t.pollAwaiting(ctx, now)
	t.reconcileSettlements(ctx)
	t.reportStaleAccepted(ctx, now)

	metrics.SweepDuration.Observe(time.Since(start).Seconds())
	metrics.SweepsTotal.WithLabelValues("completed").Inc()
}

func (t *Timer) expireDue(ctx context.Context, now time.Time) {
	due, err := t.store.ListDue(ctx, now, t.cfg.BatchSize)
	if err != nil {
		t.logger.Warn("failed to list due transactions", "error", err)
		return
	}
	t.each(ctx, due, t.actOnDeadline, func(ctx context.Context, tx *Transaction) {
		t.holdBack(ctx, tx, "panic")
	})
}

func (t *Timer) actOnDeadline(ctx context.Context, tx *Transaction) {
	switch tx.Status {
	case StatusPending:
		t.expireUnpaid(ctx, tx)
	case StatusEscrowed:
		t.transition(ctx, tx, ExpireUnaccepted{})
	case StatusShipped:
		t.transition(ctx, tx, AutoDeliver{})
	case StatusDelivered:
		t.transition(ctx, tx, AutoRelease{})
	}
}

// holdBack keeps a transaction whose deadline action failed out of ListDue
// for a growing interval, so it cannot crowd later deadlines out of the
// batch. A transaction that moved on since it was listed is left alone.
func (t *Timer) holdBack(ctx context.Context, tx *Transaction, reason string) {
	delay := retry.Backoff(tx.SweepFailures+1, t.cfg.RetryBackoff, t.cfg.MaxBackoff)
	until := t.service.now().UTC().Add(delay)
	if err := t.store.DeferSweep(ctx, tx.ID, tx.Version, until); err != nil {
		t.logger.Warn("failed to defer transaction", "transactionId", tx.ID, "error", err)
		return
	}
	t.logger.Info("deadline action deferred",
		"transactionId", tx.ID, "reason", reason, "failures", tx.SweepFailures+1, "until", until)
}

// expireUnpaid asks the provider one last time before cancelling, so a
// payment whose callback was lost is not cancelled out from under the buyer.
func (t *Timer) expireUnpaid(ctx context.Context, tx *Transaction) {
	if tx.ProviderReference != "" {
		outcome, err := t.service.PollPayment(ctx, tx.ID)
		if err != nil {
			t.count("final_poll", err)
			t.logger.Warn("final payment poll failed, expiry deferred",
				"transactionId", tx.ID, "error", err)
			t.holdBack(ctx, tx, "final_poll")
			return
		}
		t.count("final_poll", nil)
		if outcome.Applied || outcome.Status != StatusPending {
			return
		}
	}
	t.transition(ctx, tx, ExpireUnpaid{})
}

func (t *Timer) transition(ctx context.Context, tx *Transaction, cmd Command) {
	action := string(cmd.Trigger())
	updated, err := t.service.Apply(ctx, ApplyRequest{
		TransactionID:   tx.ID,
		ExpectedVersion: tx.Version,
		Actor:           SystemActor,
		Command:         cmd,
	})
	t.count(action, err)
	switch {
	case err == nil:
		t.logger.Info("deadline transition applied",
			"transactionId", tx.ID, "trigger", action, "status", updated.Status)
	case apperr.Is(err, apperr.KindConcurrentModification):
		// Someone acted first; the next sweep re-evaluates.
		t.logger.Debug("deadline transition skipped",
			"transactionId", tx.ID, "trigger", action, "reason", apperr.Detail(err))
	default:
		t.logger.Warn("deadline transition failed",
			"transactionId", tx.ID, "trigger", action, "error", err)
		t.holdBack(ctx, tx, apperr.Code(apperr.KindOf(err)))
	}
}

func (t *Timer) pollAwaiting(ctx context.Context, now time.Time) {
	awaiting, err := t.store.ListAwaitingPayment(ctx, now.Add(-t.cfg.PollInterval), t.cfg.BatchSize)
	if err != nil {
		t.logger.Warn("failed to list transactions awaiting payment", "error", err)
		return
	}
	t.each(ctx, awaiting, func(ctx context.Context, tx *Transaction) {
		outcome, err := t.service.PollPayment(ctx, tx.ID)
		t.count("poll_payment", err)
		if err != nil {
			t.logger.Warn("payment poll failed", "transactionId", tx.ID, "error", err)
			return
		}
		if outcome.Applied {
			t.logger.Info("payment reconciled by poll",
				"transactionId", tx.ID, "status", outcome.Status)
		}
	}, nil)
}

func (t *Timer) reconcileSettlements(ctx context.Context) {
	pending, err := t.store.ListUnqueuedSettlements(ctx, t.cfg.BatchSize)
	if err != nil {
		t.logger.Warn("failed to list unqueued settlements", "error", err)
		return
	}
	t.each(ctx, pending, func(ctx context.Context, tx *Transaction) {
		err := t.service.QueueSettlement(ctx, tx)
		t.count("queue_settlement", err)
		if err != nil {
			t.logger.Error("failed to queue settlement",
				"transactionId", tx.ID, "settlement", tx.Settlement, "error", err)
			return
		}
		t.logger.Info("settlement queued by reconciliation",
			"transactionId", tx.ID, "settlement", tx.Settlement)
	}, nil)
}

// reportStaleAccepted surfaces ACCEPTED transactions past the shipping
// window. There is no automatic edge out of ACCEPTED; support decides.
func (t *Timer) reportStaleAccepted(ctx context.Context, now time.Time) {
	stale, err := t.store.ListStaleAccepted(ctx, now, t.cfg.BatchSize)
	if err != nil {
		t.logger.Warn("failed to list stale accepted transactions", "error", err)
		return
	}
	metrics.StaleAcceptedTransactions.Set(float64(len(stale)))
	for _, tx := range stale {
		t.logger.Warn("accepted transaction past shipping window",
			"transactionId", tx.ID,
			"sellerId", tx.SellerID,
			"expiresAt", tx.ExpiresAt)
	}
}

// each runs fn over txs with bounded parallelism. fn handles its own
// errors; one item never aborts the batch. onPanic, if set, runs after a
// panicking item is recovered.
func (t *Timer) each(ctx context.Context, txs []*Transaction, fn, onPanic func(context.Context, *Transaction)) {
	if len(txs) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(t.cfg.Concurrency)
	for _, tx := range txs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					metrics.SweepActionsTotal.WithLabelValues("item", "panic").Inc()
					t.logger.Error("panic processing transaction in sweep",
						"transactionId", tx.ID, "panic", fmt.Sprint(r))
					if onPanic != nil {
						onPanic(ctx, tx)
					}
				}
			}()
			fn(ctx, tx)
			return nil
		})
	}
	_ = g.Wait()
}

func (t *Timer) count(action string, err error) {
	result := "ok"
	if err != nil {
		result = apperr.Code(apperr.KindOf(err))
	}
	metrics.SweepActionsTotal.WithLabelValues(action, result).Inc()
}
