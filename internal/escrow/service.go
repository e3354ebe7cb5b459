package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/swiftline/escrow/internal/apperr"
	"github.com/swiftline/escrow/internal/audit"
	"github.com/swiftline/escrow/internal/gateway"
	"github.com/swiftline/escrow/internal/idempotency"
	"github.com/swiftline/escrow/internal/idgen"
	"github.com/swiftline/escrow/internal/logging"
	"github.com/swiftline/escrow/internal/metrics"
	"github.com/swiftline/escrow/internal/notify"
	"github.com/swiftline/escrow/internal/otp"
	"github.com/swiftline/escrow/internal/pagination"
	"github.com/swiftline/escrow/internal/payout"
	"github.com/swiftline/escrow/internal/traces"
)

// maxConflictRetries bounds re-read-and-retry loops for transitions that
// must not be lost once their precondition was consumed (a verified OTP, a
// claimed provider event).
const maxConflictRetries = 3

// PaymentGateway collects payments from buyers.
type PaymentGateway interface {
	Initiate(ctx context.Context, transactionID string, amount decimal.Decimal, payerPhone string) (string, error)
	PollStatus(ctx context.Context, providerReference string) (*gateway.PaymentStatus, error)
}

// DeliveryCodes issues and checks delivery OTPs.
type DeliveryCodes interface {
	Issue(ctx context.Context, transactionID string) (*otp.Code, error)
	Verify(ctx context.Context, transactionID, code string) error
	Invalidate(ctx context.Context, transactionID string) error
	TTL() time.Duration
}

// Settler queues payouts and refunds.
type Settler interface {
	Enqueue(ctx context.Context, req payout.Request) (*payout.Instruction, error)
}

// PayoutMethods resolves a seller's disbursement target.
type PayoutMethods interface {
	Default(ctx context.Context, sellerID string) (*payout.Method, error)
	Get(ctx context.Context, id string) (*payout.Method, error)
}

// ApplyRequest asks the service to run one transition.
type ApplyRequest struct {
	TransactionID string
	// ExpectedVersion is the version the caller last read. Zero means the
	// version the service reads now.
	ExpectedVersion int64
	Actor           Actor
	Command         Command
}

// EventOutcome reports how a provider payment event was handled. A replay
// or a rejected event is an expected result, not an error.
type EventOutcome struct {
	TransactionID string `json:"transactionId,omitempty"`
	Status        Status `json:"status,omitempty"`
	Applied       bool   `json:"applied"`
	Replay        bool   `json:"replay"`
	Rejected      bool   `json:"rejected"`
	Pending       bool   `json:"pending"`
	Reason        string `json:"reason,omitempty"`
}

// Service implements the transaction lifecycle.
type Service struct {
	store    Store
	machine  *Machine
	gateway  PaymentGateway
	ledger   idempotency.Ledger
	codes    DeliveryCodes
	settler  Settler
	methods  PayoutMethods
	audit    audit.Logger
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, machine *Machine, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		machine:  machine,
		ledger:   idempotency.NewMemoryLedger(),
		audit:    audit.NewMemoryLogger(),
		notifier: notify.Nop{},
		logger:   logger,
		now:      time.Now,
	}
}

// WithGateway sets the payment gateway.
func (s *Service) WithGateway(g PaymentGateway) *Service {
	s.gateway = g
	return s
}

// WithLedger sets the idempotency ledger consulted for provider events.
func (s *Service) WithLedger(l idempotency.Ledger) *Service {
	s.ledger = l
	return s
}

// WithDeliveryCodes sets the OTP service.
func (s *Service) WithDeliveryCodes(c DeliveryCodes) *Service {
	s.codes = c
	return s
}

// WithSettler sets the payout dispatcher.
func (s *Service) WithSettler(st Settler) *Service {
	s.settler = st
	return s
}

// WithPayoutMethods sets the payout method registry.
func (s *Service) WithPayoutMethods(m PayoutMethods) *Service {
	s.methods = m
	return s
}

// WithAudit sets the audit logger.
func (s *Service) WithAudit(a audit.Logger) *Service {
	s.audit = a
	return s
}

// WithNotifier sets the notification dispatcher.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	s.notifier = n
	return s
}

// WithClock overrides the time source. Used in tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	if id := logging.RequestID(ctx); id != "" {
		return s.logger.With("request_id", id)
	}
	return s.logger
}

// Machine returns the underlying state machine.
func (s *Service) Machine() *Machine { return s.machine }

// Create persists a PENDING transaction and asks the gateway to collect
// payment. If initiation fails the transaction is kept and returned along
// with a GATEWAY_ERROR; the buyer may retry with InitiatePayment.
func (s *Service) Create(ctx context.Context, actor Actor, req CreateRequest) (*Transaction, error) {
	req.BuyerID = actor.ID
	tx, err := s.machine.Create(idgen.WithPrefix(idgen.PrefixTransaction), req, s.now())
	if err != nil {
		metrics.TransitionsTotal.WithLabelValues(string(TriggerCreate), apperr.Code(apperr.KindOf(err))).Inc()
		return nil, err
	}
	if err := s.store.Create(ctx, tx); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "create transaction")
	}

	metrics.TransactionsCreatedTotal.Inc()
	metrics.TransitionsTotal.WithLabelValues(string(TriggerCreate), "ok").Inc()
	s.record(ctx, tx, actor, &Effects{To: StatusPending, Trigger: TriggerCreate})
	s.log(ctx).Info("transaction created",
		"transactionId", tx.ID,
		"buyerId", tx.BuyerID,
		"sellerId", tx.SellerID,
		"amount", tx.Amount.String(),
		"currency", tx.Currency)

	if err := s.initiate(ctx, tx); err != nil {
		return tx, err
	}
	return tx, nil
}

// InitiatePayment (re)sends the payment request for a PENDING transaction.
// It returns the existing provider reference when one is already recorded.
func (s *Service) InitiatePayment(ctx context.Context, actor Actor, id string) (*Transaction, error) {
	tx, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.ID != tx.BuyerID {
		return nil, guardf("only the buyer may initiate payment")
	}
	if tx.Status != StatusPending {
		return nil, guardf("payment cannot be initiated from %s", tx.Status)
	}
	if err := s.initiate(ctx, tx); err != nil {
		return tx, err
	}
	return tx, nil
}

func (s *Service) initiate(ctx context.Context, tx *Transaction) error {
	if tx.ProviderReference != "" {
		return nil
	}
	if s.gateway == nil {
		return apperr.New(apperr.KindGatewayError, "payment gateway is not configured")
	}
	ref, err := s.gateway.Initiate(ctx, tx.ID, tx.Amount, tx.PayerPhone)
	if err != nil {
		s.log(ctx).Warn("payment initiation failed", "transactionId", tx.ID, "error", err)
		if apperr.KindOf(err) == apperr.KindInternal {
			return apperr.Wrap(apperr.KindGatewayError, err, "initiate payment")
		}
		return err
	}
	if err := s.store.SetProviderReference(ctx, tx.ID, ref); err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "record provider reference")
	}
	tx.ProviderReference = ref
	return nil
}

// Apply runs one guarded transition: load, version check, machine,
// compare-and-swap write, then side effects. It is the only path that
// changes a transaction's status.
func (s *Service) Apply(ctx context.Context, req ApplyRequest) (*Transaction, error) {
	if req.Command == nil {
		return nil, apperr.New(apperr.KindValidation, "command is required")
	}
	trigger := req.Command.Trigger()
	ctx, span := traces.StartSpan(ctx, "escrow.Apply",
		traces.TransactionID(req.TransactionID), traces.Trigger(string(trigger)))
	tx, fx, err := s.apply(ctx, req)
	traces.End(span, err)

	if err != nil {
		metrics.TransitionsTotal.WithLabelValues(string(trigger), apperr.Code(apperr.KindOf(err))).Inc()
		return nil, err
	}
	metrics.TransitionsTotal.WithLabelValues(string(trigger), "ok").Inc()
	s.afterCommit(ctx, tx, req.Actor, fx)
	return tx, nil
}

func (s *Service) apply(ctx context.Context, req ApplyRequest) (*Transaction, *Effects, error) {
	tx, err := s.Get(ctx, req.TransactionID)
	if err != nil {
		return nil, nil, err
	}
	expected := req.ExpectedVersion
	if expected == 0 {
		expected = tx.Version
	} else if expected != tx.Version {
		return nil, nil, apperr.New(apperr.KindConcurrentModification,
			"transaction %s is at version %d, not %d", tx.ID, tx.Version, expected)
	}

	cmd := req.Command
	if needsPayoutMethod(cmd) && !tx.IsTerminal() {
		methodID, err := s.resolvePayoutMethod(ctx, tx.SellerID)
		if err != nil {
			return nil, nil, err
		}
		cmd, _ = withPayoutMethod(cmd, methodID)
	}

	now := s.now()
	fx, err := s.machine.Apply(tx, req.Actor, cmd, now)
	if err != nil {
		return nil, nil, err
	}
	tx.Version = expected + 1
	if fx.IssueOTP && s.codes != nil {
		tx.DeliveryOTPExpiresAt = timePtr(now.UTC().Add(s.codes.TTL()))
	}

	if err := s.store.Update(ctx, tx, expected); err != nil {
		switch {
		case errors.Is(err, ErrVersionConflict):
			return nil, nil, apperr.Wrap(apperr.KindConcurrentModification, err,
				fmt.Sprintf("transaction %s changed while applying %s", tx.ID, cmd.Trigger()))
		case errors.Is(err, ErrTransactionNotFound):
			return nil, nil, apperr.Wrap(apperr.KindNotFound, err, "transaction not found")
		default:
			return nil, nil, apperr.Wrap(apperr.KindInternal, err, "persist transition")
		}
	}
	return tx, fx, nil
}

// resolvePayoutMethod returns the seller's default method ID, or "" when the
// seller has none.
func (s *Service) resolvePayoutMethod(ctx context.Context, sellerID string) (string, error) {
	if s.methods == nil {
		return "", nil
	}
	m, err := s.methods.Default(ctx, sellerID)
	if errors.Is(err, payout.ErrNoPayoutMethod) {
		return "", nil
	}
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, err, "resolve payout method")
	}
	return m.ID, nil
}

// afterCommit carries out the effects of a committed transition. Failures
// are logged; none of them undo the transition.
func (s *Service) afterCommit(ctx context.Context, tx *Transaction, actor Actor, fx *Effects) {
	log := s.log(ctx)
	log.Info("transaction transitioned",
		"transactionId", tx.ID,
		"trigger", fx.Trigger,
		"from", fx.From,
		"to", fx.To,
		"version", tx.Version,
		"actorId", actor.ID,
		"actorRole", actor.Role)

	s.record(ctx, tx, actor, fx)

	if fx.ClearOTP && s.codes != nil {
		if err := s.codes.Invalidate(ctx, tx.ID); err != nil {
			log.Warn("failed to clear delivery code", "transactionId", tx.ID, "error", err)
		}
	}
	if fx.IssueOTP {
		s.sendDeliveryCode(ctx, tx)
	}
	if fx.Settlement != SettlementNone {
		if err := s.QueueSettlement(ctx, tx); err != nil {
			log.Error("failed to queue settlement, scheduler will retry",
				"transactionId", tx.ID, "settlement", tx.Settlement, "error", err)
		}
	}

	for _, n := range fx.Notices {
		msg := &notify.Message{
			Kind:          n.Kind,
			TransactionID: tx.ID,
			Body:          n.Body,
			RealtimeOnly:  n.RealtimeOnly,
			Data:          map[string]any{"status": tx.Status, "version": tx.Version},
		}
		switch n.To {
		case RoleBuyer:
			msg.UserID, msg.Phone = tx.BuyerID, tx.PayerPhone
		case RoleSeller:
			msg.UserID = tx.SellerID
		default:
			continue
		}
		s.notifier.Notify(ctx, msg)
	}
	for _, userID := range []string{tx.BuyerID, tx.SellerID} {
		s.notifier.Notify(ctx, &notify.Message{
			UserID:        userID,
			Kind:          notify.KindStatusChanged,
			TransactionID: tx.ID,
			RealtimeOnly:  true,
			Data: map[string]any{
				"from":    fx.From,
				"status":  tx.Status,
				"trigger": fx.Trigger,
				"version": tx.Version,
			},
		})
	}

	if tx.IsTerminal() {
		metrics.TransactionDuration.WithLabelValues(string(tx.Status)).
			Observe(tx.LastTransitionAt.Sub(tx.CreatedAt).Seconds())
	}
}

func (s *Service) record(ctx context.Context, tx *Transaction, actor Actor, fx *Effects) {
	if s.audit == nil {
		return
	}
	err := s.audit.Log(ctx, &audit.Entry{
		TransactionID: tx.ID,
		ActorID:       actor.ID,
		ActorRole:     string(actor.Role),
		Trigger:       string(fx.Trigger),
		FromStatus:    string(fx.From),
		ToStatus:      string(fx.To),
		Version:       tx.Version,
		Detail:        fx.Detail,
	})
	if err != nil {
		s.log(ctx).Error("failed to write audit entry",
			"transactionId", tx.ID, "trigger", fx.Trigger, "error", err)
	}
}

func (s *Service) sendDeliveryCode(ctx context.Context, tx *Transaction) {
	if s.codes == nil {
		return
	}
	code, err := s.codes.Issue(ctx, tx.ID)
	if err != nil {
		s.log(ctx).Error("failed to issue delivery code", "transactionId", tx.ID, "error", err)
		return
	}
	s.notifier.Notify(ctx, &notify.Message{
		UserID:        tx.BuyerID,
		Kind:          notify.KindDeliveryOTP,
		TransactionID: tx.ID,
		Phone:         tx.PayerPhone,
		Sensitive:     true,
		Body: fmt.Sprintf("SWIFTLINE: Your delivery OTP is %s. Enter it to confirm delivery once you receive your order. Valid until %s. Do not share with anyone.",
			code.Plain, code.ExpiresAt.Format("02 Jan 15:04 MST")),
	})
}

// QueueSettlement enqueues the payout or refund a terminal transaction owes
// and marks it queued. Safe to call repeatedly.
func (s *Service) QueueSettlement(ctx context.Context, tx *Transaction) error {
	if tx.Settlement == SettlementNone {
		return nil
	}
	if s.settler == nil {
		return errors.New("no settler configured")
	}

	req := payout.Request{
		TransactionID: tx.ID,
		Amount:        tx.SettlementAmount(),
		Currency:      tx.Currency,
	}
	switch tx.Settlement {
	case SettlementPayout:
		req.Kind = payout.KindPayout
		req.RecipientID = tx.SellerID
		req.PayoutMethodID = tx.PayoutMethodID
		if s.methods == nil {
			return errors.New("no payout method registry configured")
		}
		m, err := s.methods.Get(ctx, tx.PayoutMethodID)
		if err != nil {
			return fmt.Errorf("load payout method %s: %w", tx.PayoutMethodID, err)
		}
		req.Destination = m.Destination
	case SettlementRefund:
		req.Kind = payout.KindRefund
		req.RecipientID = tx.BuyerID
		req.Destination = tx.PayerPhone
		req.ProviderReceipt = tx.ProviderReceipt
	}

	inst, err := s.settler.Enqueue(ctx, req)
	if err != nil {
		return err
	}
	if string(inst.Kind) != string(tx.Settlement) {
		s.log(ctx).Error("CRITICAL: settlement kind differs from existing instruction",
			"transactionId", tx.ID, "settlement", tx.Settlement, "instructionId", inst.ID, "instructionKind", inst.Kind)
	}
	now := s.now().UTC()
	if err := s.store.MarkSettlementQueued(ctx, tx.ID, now); err != nil {
		return fmt.Errorf("mark settlement queued: %w", err)
	}
	tx.SettlementQueuedAt = &now
	return nil
}

// ConfirmDelivery verifies the buyer's delivery code and moves the
// transaction to DELIVERED. OTP failures leave the transaction unchanged.
func (s *Service) ConfirmDelivery(ctx context.Context, actor Actor, id, code string, expectedVersion int64) (*Transaction, error) {
	tx, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireBuyer(tx, actor, TriggerBuyerConfirmOTP); err != nil {
		return nil, err
	}
	if err := requireStatus(tx, TriggerBuyerConfirmOTP, StatusShipped); err != nil {
		return nil, err
	}
	if expectedVersion != 0 && expectedVersion != tx.Version {
		return nil, apperr.New(apperr.KindConcurrentModification,
			"transaction %s is at version %d, not %d", tx.ID, tx.Version, expectedVersion)
	}
	if s.codes == nil {
		return nil, apperr.New(apperr.KindInternal, "delivery codes are not configured")
	}
	if err := s.codes.Verify(ctx, id, code); err != nil {
		return nil, err
	}

	// The code is consumed; a concurrent change must not cost the buyer it.
	return s.applyWithRetry(ctx, ApplyRequest{
		TransactionID: id,
		Actor:         actor,
		Command:       BuyerConfirmOTP{},
	})
}

func (s *Service) applyWithRetry(ctx context.Context, req ApplyRequest) (*Transaction, error) {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		var tx *Transaction
		tx, err = s.Apply(ctx, req)
		if !apperr.Is(err, apperr.KindConcurrentModification) {
			return tx, err
		}
		req.ExpectedVersion = 0
	}
	return nil, err
}

// ResendOTP issues a fresh delivery code, invalidating the previous one.
func (s *Service) ResendOTP(ctx context.Context, actor Actor, id string) (*Transaction, error) {
	tx, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !tx.IsParty(actor.ID) {
		return nil, guardf("only the buyer or seller may resend the delivery code")
	}
	if tx.Status != StatusShipped {
		return nil, guardf("delivery code can only be resent while %s", StatusShipped)
	}
	if s.codes == nil {
		return nil, apperr.New(apperr.KindInternal, "delivery codes are not configured")
	}

	expected := tx.Version
	now := s.now().UTC()
	tx.DeliveryOTPExpiresAt = timePtr(now.Add(s.codes.TTL()))
	tx.UpdatedAt = now
	tx.Version = expected + 1
	if err := s.store.Update(ctx, tx, expected); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return nil, apperr.Wrap(apperr.KindConcurrentModification, err, "transaction changed")
		}
		return nil, apperr.Wrap(apperr.KindInternal, err, "persist code expiry")
	}
	s.record(ctx, tx, actor, &Effects{From: tx.Status, To: tx.Status, Trigger: "resend_otp"})
	s.sendDeliveryCode(ctx, tx)
	return tx, nil
}

// HandlePaymentEvent applies a provider payment event exactly once per
// (provider reference, event type). Replays and events the state machine
// refuses are acknowledged outcomes; only transient failures are errors, and
// those release the claim so a provider retry can apply it.
//
// A claim whose transaction is still PENDING was recorded by a handler that
// never committed (a crash, or an event the machine refused). Such an event
// is applied again; the PENDING-only guards keep it to one transition.
func (s *Service) HandlePaymentEvent(ctx context.Context, ev *gateway.Event, source string) (*EventOutcome, error) {
	if ev == nil || ev.ProviderReference == "" {
		return nil, apperr.New(apperr.KindValidation, "provider reference is required")
	}
	switch ev.EventType {
	case idempotency.EventPaymentConfirmed, idempotency.EventPaymentFailed:
	default:
		return nil, apperr.New(apperr.KindValidation, "unknown payment event type %q", ev.EventType)
	}

	ctx, span := traces.StartSpan(ctx, "escrow.HandlePaymentEvent", traces.ProviderReference(ev.ProviderReference))
	var spanErr error
	defer func() { traces.End(span, spanErr) }()
	log := s.log(ctx).With("providerReference", ev.ProviderReference, "eventType", ev.EventType, "source", source)

	claimed, err := s.ledger.Claim(ctx, ev.ProviderReference, ev.EventType)
	if err != nil {
		spanErr = err
		metrics.PaymentEventsTotal.WithLabelValues(source, "error").Inc()
		return nil, apperr.Wrap(apperr.KindInternal, err, "claim payment event")
	}
	replay := func(tx *Transaction) *EventOutcome {
		metrics.PaymentEventsTotal.WithLabelValues(source, "replay").Inc()
		log.Info("payment event already processed")
		out := &EventOutcome{Replay: true, Reason: string(apperr.KindIdempotentReplay)}
		if tx != nil {
			out.TransactionID, out.Status = tx.ID, tx.Status
		}
		return out
	}
	release := func(cause error) error {
		spanErr = cause
		metrics.PaymentEventsTotal.WithLabelValues(source, "error").Inc()
		if !claimed {
			return cause
		}
		if rerr := s.ledger.Release(ctx, ev.ProviderReference, ev.EventType); rerr != nil {
			log.Error("failed to release payment event claim", "error", rerr)
		}
		return cause
	}

	tx, err := s.store.GetByProviderReference(ctx, ev.ProviderReference)
	if err != nil {
		if !claimed {
			return replay(nil), nil
		}
		if errors.Is(err, ErrTransactionNotFound) {
			// The callback may have raced the reference being recorded.
			return nil, release(apperr.Wrap(apperr.KindNotFound, err, "no transaction for provider reference"))
		}
		return nil, release(apperr.Wrap(apperr.KindInternal, err, "look up provider reference"))
	}
	log = log.With("transactionId", tx.ID)
	if !claimed {
		if tx.Status != StatusPending {
			return replay(tx), nil
		}
		log.Warn("payment event was claimed but never applied, applying again")
	}

	cmd := paymentCommand(ev, tx)
	if mm, ok := cmd.(PaymentMismatch); ok {
		metrics.PaymentAmountMismatchesTotal.Inc()
		log.Error("payment amount mismatch, cancelling and refunding what was received",
			"expected", tx.Amount.String(), "received", mm.Received.String(), "receipt", mm.Receipt)
	}

	updated, err := s.applyWithRetry(ctx, ApplyRequest{
		TransactionID: tx.ID,
		Actor:         ProviderActor,
		Command:       cmd,
	})
	switch kind := apperr.KindOf(err); {
	case err == nil:
		metrics.PaymentEventsTotal.WithLabelValues(source, "applied").Inc()
		out := &EventOutcome{TransactionID: tx.ID, Status: updated.Status, Applied: true}
		if cmd.Trigger() == TriggerPaymentMismatch {
			out.Reason = "amount mismatch"
		}
		return out, nil

	case kind == apperr.KindGuardViolation || kind == apperr.KindValidation:
		current := tx
		if fresh, gerr := s.Get(ctx, tx.ID); gerr == nil {
			current = fresh
		}
		if !claimed && current.Status != StatusPending {
			// The claim's owner committed while we were applying.
			return replay(current), nil
		}
		metrics.PaymentEventsTotal.WithLabelValues(source, "rejected").Inc()
		log.Warn("payment event rejected by state machine", "status", current.Status, "error", err)
		return &EventOutcome{TransactionID: tx.ID, Status: current.Status, Rejected: true, Reason: apperr.Detail(err)}, nil

	default:
		log.Warn("payment event application failed", "claimReleased", claimed, "error", err)
		return nil, release(err)
	}
}

// paymentCommand maps a provider event to the command it triggers. A
// confirmation for a PENDING transaction that collected the wrong sum
// becomes a PaymentMismatch.
func paymentCommand(ev *gateway.Event, tx *Transaction) Command {
	if ev.EventType == idempotency.EventPaymentFailed {
		return PaymentFailed{Reason: fmt.Sprintf("%d: %s", ev.ResultCode, ev.ResultDesc)}
	}
	if tx.Status == StatusPending && ev.Amount.IsPositive() && !ev.Amount.Equal(tx.Amount) {
		return PaymentMismatch{ProviderReference: ev.ProviderReference, Receipt: ev.Receipt, Received: ev.Amount}
	}
	return PaymentConfirmed{ProviderReference: ev.ProviderReference, Receipt: ev.Receipt, Amount: ev.Amount}
}

// PollPayment asks the provider for a PENDING transaction's payment status
// and applies a final result through HandlePaymentEvent.
func (s *Service) PollPayment(ctx context.Context, id string) (*EventOutcome, error) {
	tx, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status != StatusPending {
		return &EventOutcome{TransactionID: tx.ID, Status: tx.Status}, nil
	}
	if tx.ProviderReference == "" {
		return nil, guardf("payment has not been initiated")
	}
	if s.gateway == nil {
		return nil, apperr.New(apperr.KindGatewayError, "payment gateway is not configured")
	}

	st, err := s.gateway.PollStatus(ctx, tx.ProviderReference)
	if merr := s.store.MarkPolled(ctx, tx.ID, s.now().UTC()); merr != nil {
		s.log(ctx).Warn("failed to record poll time", "transactionId", tx.ID, "error", merr)
	}
	if err != nil {
		return nil, err
	}

	ev := &gateway.Event{
		ProviderReference: tx.ProviderReference,
		Outcome:           st.Status,
		ResultCode:        st.ResultCode,
		ResultDesc:        st.ResultDesc,
	}
	switch st.Status {
	case gateway.StatusConfirmed:
		// The query API does not echo the amount; a successful query is for
		// the amount that was requested.
		ev.EventType = idempotency.EventPaymentConfirmed
		ev.Amount = tx.Amount
	case gateway.StatusFailed:
		ev.EventType = idempotency.EventPaymentFailed
	default:
		return &EventOutcome{TransactionID: tx.ID, Status: tx.Status, Pending: true}, nil
	}
	return s.HandlePaymentEvent(ctx, ev, "poll")
}

// Get returns a transaction by ID.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	tx, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrTransactionNotFound) {
		return nil, apperr.Wrap(apperr.KindNotFound, err, "transaction not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "load transaction")
	}
	return tx, nil
}

// List returns a page of the user's transactions, newest first, and the
// cursor for the next page ("" when there is none).
func (s *Service) List(ctx context.Context, userID string, filter ListFilter, cursor string, limit int) ([]*Transaction, string, error) {
	c, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.KindValidation, err, "invalid cursor")
	}
	if limit <= 0 || limit > pagination.MaxLimit {
		limit = pagination.DefaultLimit
	}
	items, err := s.store.ListByParty(ctx, userID, filter, c, limit+1)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.KindInternal, err, "list transactions")
	}
	page, next, _ := pagination.ComputePage(items, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	return page, next, nil
}

// AuditTrail returns a transaction's audit entries, oldest first.
func (s *Service) AuditTrail(ctx context.Context, id string) ([]*audit.Entry, error) {
	entries, err := s.audit.List(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "list audit entries")
	}
	return entries, nil
}
