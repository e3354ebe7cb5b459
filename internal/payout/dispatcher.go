package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/swiftline/escrow/internal/circuitbreaker"
	"github.com/swiftline/escrow/internal/idgen"
	"github.com/swiftline/escrow/internal/metrics"
	"github.com/swiftline/escrow/internal/notify"
	"github.com/swiftline/escrow/internal/retry"
	"github.com/swiftline/escrow/internal/traces"
)

// Defaults for Config zero values.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 30 * time.Second
	DefaultMaxDelay    = time.Hour
	DefaultBatchSize   = 50
)

// Config tunes retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	BatchSize   int
}

// Dispatcher owns the instruction lifecycle.
type Dispatcher struct {
	store     Store
	disburser Disburser
	notifier  notify.Notifier
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(store Store, disburser Disburser, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:     store,
		disburser: disburser,
		notifier:  notify.Nop{},
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// WithNotifier sets the notifier used for sent payouts and refunds.
func (d *Dispatcher) WithNotifier(n notify.Notifier) *Dispatcher {
	d.notifier = n
	return d
}

// WithClock overrides the time source. Used in tests.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Enqueue records a settlement for a transaction. A transaction settles at
// most once: if an instruction already exists (of either kind) it is
// returned unchanged.
func (d *Dispatcher) Enqueue(ctx context.Context, req Request) (*Instruction, error) {
	if err := req.validate(); err != nil {
		return nil, fmt.Errorf("%w: transaction %q", err, req.TransactionID)
	}
	now := d.now().UTC()
	inst := &Instruction{
		ID:              idgen.WithPrefix(idgen.PrefixPayout),
		TransactionID:   req.TransactionID,
		Kind:            req.Kind,
		RecipientID:     req.RecipientID,
		PayoutMethodID:  req.PayoutMethodID,
		Destination:     req.Destination,
		ProviderReceipt: req.ProviderReceipt,
		Amount:          req.Amount,
		Currency:        req.Currency,
		Status:          StatusPending,
		NextAttemptAt:   now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	stored, created, err := d.store.Create(ctx, inst)
	if err != nil {
		return nil, fmt.Errorf("create instruction: %w", err)
	}
	if !created {
		if stored.Kind != req.Kind {
			d.logger.Error("CRITICAL: conflicting settlement for transaction",
				"transactionId", req.TransactionID,
				"existingKind", stored.Kind,
				"requestedKind", req.Kind)
		}
		return stored, nil
	}

	metrics.PayoutInstructionsTotal.WithLabelValues(string(stored.Kind), string(StatusPending)).Inc()
	d.logger.Info("settlement enqueued",
		"instructionId", stored.ID,
		"transactionId", stored.TransactionID,
		"kind", stored.Kind,
		"amount", stored.Amount.String())
	return stored, nil
}

// Attempt claims a PENDING instruction, makes one disbursement attempt and
// persists the outcome. An instruction another dispatcher already claimed
// is skipped.
func (d *Dispatcher) Attempt(ctx context.Context, inst *Instruction) error {
	if inst.Status != StatusPending {
		return nil
	}
	claimed, err := d.store.Claim(ctx, inst.ID, d.now().UTC())
	if err != nil {
		return fmt.Errorf("claim instruction: %w", err)
	}
	if !claimed {
		d.logger.Debug("instruction claimed elsewhere", "instructionId", inst.ID)
		return nil
	}
	inst.Status = StatusSending

	ctx, span := traces.StartSpan(ctx, "payout.Attempt",
		traces.InstructionID(inst.ID), traces.TransactionID(inst.TransactionID))
	var spanErr error
	defer func() { traces.End(span, spanErr) }()

	ref, err := d.send(ctx, inst)
	now := d.now().UTC()
	inst.UpdatedAt = now
	inst.Status = StatusPending

	switch {
	case err == nil:
		inst.Status = StatusSent
		inst.ProviderReference = ref
		inst.SentAt = &now
		inst.LastError = ""
		inst.Attempts++
		metrics.PayoutAttemptsTotal.WithLabelValues(string(inst.Kind), "ok").Inc()

	case errors.Is(err, circuitbreaker.ErrOpen):
		// Provider is known to be down; try again later without burning an attempt.
		inst.NextAttemptAt = now.Add(d.cfg.BaseDelay)
		inst.LastError = err.Error()
		metrics.PayoutAttemptsTotal.WithLabelValues(string(inst.Kind), "deferred").Inc()

	default:
		inst.Attempts++
		inst.LastError = err.Error()
		spanErr = err
		if retry.IsPermanent(err) || inst.Attempts >= d.cfg.MaxAttempts {
			inst.Status = StatusFailed
			metrics.PayoutAttemptsTotal.WithLabelValues(string(inst.Kind), "failed").Inc()
		} else {
			inst.NextAttemptAt = now.Add(retry.Backoff(inst.Attempts, d.cfg.BaseDelay, d.cfg.MaxDelay))
			metrics.PayoutAttemptsTotal.WithLabelValues(string(inst.Kind), "retry").Inc()
		}
	}

	if uerr := d.store.Update(ctx, inst); uerr != nil {
		// The provider may have accepted the request; the provider reference
		// (instruction ID) lets operators reconcile.
		d.logger.Error("CRITICAL: failed to persist payout attempt outcome",
			"instructionId", inst.ID,
			"transactionId", inst.TransactionID,
			"status", inst.Status,
			"providerReference", inst.ProviderReference,
			"error", uerr)
		spanErr = uerr
		return fmt.Errorf("persist attempt: %w", uerr)
	}

	switch inst.Status {
	case StatusSent:
		metrics.PayoutInstructionsTotal.WithLabelValues(string(inst.Kind), string(StatusSent)).Inc()
		d.logger.Info("settlement sent",
			"instructionId", inst.ID,
			"transactionId", inst.TransactionID,
			"kind", inst.Kind,
			"providerReference", ref)
		d.notifySent(ctx, inst)
	case StatusFailed:
		metrics.PayoutInstructionsTotal.WithLabelValues(string(inst.Kind), string(StatusFailed)).Inc()
		metrics.PayoutsNeedingIntervention.Inc()
		d.logger.Error("settlement failed, manual intervention required",
			"instructionId", inst.ID,
			"transactionId", inst.TransactionID,
			"kind", inst.Kind,
			"attempts", inst.Attempts,
			"error", inst.LastError)
	default:
		d.logger.Warn("settlement attempt failed, will retry",
			"instructionId", inst.ID,
			"transactionId", inst.TransactionID,
			"attempts", inst.Attempts,
			"nextAttemptAt", inst.NextAttemptAt,
			"error", inst.LastError)
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, inst *Instruction) (string, error) {
	switch inst.Kind {
	case KindPayout:
		return d.disburser.Disburse(ctx, inst.ID, inst.Amount, inst.Destination,
			"Escrow payout "+inst.TransactionID)
	case KindRefund:
		if inst.ProviderReceipt == "" {
			// Collections confirmed by status query carry no receipt to reverse.
			d.logger.Info("refund has no receipt, paying the payer directly",
				"instructionId", inst.ID, "transactionId", inst.TransactionID)
			return d.disburser.Disburse(ctx, inst.ID, inst.Amount, inst.Destination,
				"Escrow refund "+inst.TransactionID)
		}
		return d.disburser.Reverse(ctx, inst.ID, inst.ProviderReceipt, inst.Amount,
			"Escrow refund "+inst.TransactionID)
	default:
		return "", retry.Permanent(fmt.Errorf("unknown instruction kind %q", inst.Kind))
	}
}

func (d *Dispatcher) notifySent(ctx context.Context, inst *Instruction) {
	kind, body := notify.KindPayoutSent,
		fmt.Sprintf("SWIFTLINE: Payment of %s %s has been released to your M-Pesa account.", inst.Currency, inst.Amount.StringFixed(2))
	if inst.Kind == KindRefund {
		kind, body = notify.KindRefundSent,
			fmt.Sprintf("SWIFTLINE: Your payment of %s %s has been refunded to your M-Pesa account.", inst.Currency, inst.Amount.StringFixed(2))
	}
	d.notifier.Notify(ctx, &notify.Message{
		UserID:        inst.RecipientID,
		Kind:          kind,
		TransactionID: inst.TransactionID,
		Body:          body,
		Phone:         inst.Destination,
		Data:          map[string]any{"instructionId": inst.ID, "amount": inst.Amount.String()},
	})
}

// RunDue attempts every instruction whose next attempt is due. Returns the
// number attempted.
func (d *Dispatcher) RunDue(ctx context.Context) (int, error) {
	due, err := d.store.ListDue(ctx, d.now(), d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due instructions: %w", err)
	}
	for _, inst := range due {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if err := d.Attempt(ctx, inst); err != nil {
			d.logger.Warn("payout attempt error", "instructionId", inst.ID, "error", err)
		}
	}
	return len(due), nil
}

// Retry returns a FAILED instruction to PENDING with a fresh attempt budget.
func (d *Dispatcher) Retry(ctx context.Context, id string) (*Instruction, error) {
	inst, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status != StatusFailed {
		return nil, ErrNotRetryable
	}
	now := d.now().UTC()
	inst.Status = StatusPending
	inst.Attempts = 0
	inst.NextAttemptAt = now
	inst.UpdatedAt = now
	if err := d.store.Update(ctx, inst); err != nil {
		return nil, err
	}
	metrics.PayoutsNeedingIntervention.Dec()
	d.logger.Info("failed settlement requeued", "instructionId", inst.ID, "transactionId", inst.TransactionID)
	return inst, nil
}

// Get returns an instruction by ID.
func (d *Dispatcher) Get(ctx context.Context, id string) (*Instruction, error) {
	return d.store.Get(ctx, id)
}

// GetByTransaction returns a transaction's settlement instruction.
func (d *Dispatcher) GetByTransaction(ctx context.Context, transactionID string) (*Instruction, error) {
	return d.store.GetByTransaction(ctx, transactionID)
}

// List returns instructions by status ("" for all), newest first.
func (d *Dispatcher) List(ctx context.Context, status Status, limit int) ([]*Instruction, error) {
	return d.store.ListByStatus(ctx, status, limit)
}

// SyncInterventionGauge sets the manual intervention gauge from the store.
// Called at startup so the gauge survives restarts.
func (d *Dispatcher) SyncInterventionGauge(ctx context.Context) {
	n, err := d.store.CountByStatus(ctx, StatusFailed)
	if err != nil {
		d.logger.Warn("failed to count failed instructions", "error", err)
		return
	}
	metrics.PayoutsNeedingIntervention.Set(float64(n))
}
