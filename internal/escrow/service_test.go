package escrow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/swiftline/escrow/internal/apperr"
	"github.com/swiftline/escrow/internal/gateway"
	"github.com/swiftline/escrow/internal/idempotency"
	"github.com/swiftline/escrow/internal/logging"
	"github.com/swiftline/escrow/internal/notify"
	"github.com/swiftline/escrow/internal/otp"
	"github.com/swiftline/escrow/internal/payout"
)

// --- fakes ---

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeGateway struct {
	mu        sync.Mutex
	n         int
	initErr   error
	status    gateway.Status
	pollErr   error
	initiated []string
	polls     int
}

func (g *fakeGateway) Initiate(_ context.Context, txID string, _ decimal.Decimal, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.initErr != nil {
		return "", g.initErr
	}
	g.n++
	g.initiated = append(g.initiated, txID)
	return fmt.Sprintf("ws_CO_%03d", g.n), nil
}

func (g *fakeGateway) PollStatus(_ context.Context, _ string) (*gateway.PaymentStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.polls++
	if g.pollErr != nil {
		return nil, g.pollErr
	}
	st := g.status
	if st == "" {
		st = gateway.StatusPending
	}
	return &gateway.PaymentStatus{Status: st, ResultDesc: string(st)}, nil
}

func (g *fakeGateway) setStatus(st gateway.Status) {
	g.mu.Lock()
	g.status = st
	g.mu.Unlock()
}

// recordingCodes wraps the real OTP service and keeps the last plaintext
// code issued, standing in for the buyer's SMS inbox.
type recordingCodes struct {
	*otp.Service
	mu   sync.Mutex
	last map[string]string
}

func (r *recordingCodes) Issue(ctx context.Context, txID string) (*otp.Code, error) {
	code, err := r.Service.Issue(ctx, txID)
	if err == nil {
		r.mu.Lock()
		r.last[txID] = code.Plain
		r.mu.Unlock()
	}
	return code, err
}

func (r *recordingCodes) code(txID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last[txID]
}

type fakeDisburser struct {
	mu       sync.Mutex
	payouts  []decimal.Decimal
	paidTo   []string
	reversed []string
}

func (f *fakeDisburser) Disburse(_ context.Context, id string, amount decimal.Decimal, phone, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payouts = append(f.payouts, amount)
	f.paidTo = append(f.paidTo, phone)
	return "AG_" + id, nil
}

func (f *fakeDisburser) Reverse(_ context.Context, id, receipt string, _ decimal.Decimal, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reversed = append(f.reversed, receipt)
	return "AG_" + id, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []*notify.Message
}

func (r *recordingNotifier) Notify(_ context.Context, msg *notify.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func (r *recordingNotifier) kinds(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.msgs {
		if m.UserID == userID && m.Kind != notify.KindStatusChanged {
			out = append(out, m.Kind)
		}
	}
	return out
}

// --- harness ---

type harness struct {
	svc       *Service
	store     *MemoryStore
	clock     *testClock
	gw        *fakeGateway
	codes     *recordingCodes
	payouts   *payout.Dispatcher
	payoutDB  *payout.MemoryStore
	registry  *payout.MemoryRegistry
	disburser *fakeDisburser
	notifier  *recordingNotifier
	timer     *Timer
	ledger    idempotency.Ledger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     NewMemoryStore(),
		clock:     &testClock{t: t0},
		gw:        &fakeGateway{},
		payoutDB:  payout.NewMemoryStore(),
		registry:  payout.NewMemoryRegistry(),
		disburser: &fakeDisburser{},
		notifier:  &recordingNotifier{},
		ledger:    idempotency.NewMemoryLedger(),
	}
	logger := logging.Discard()

	codes := otp.NewService(otp.NewMemoryStore(), otp.Config{
		Length:      6,
		TTL:         24 * time.Hour,
		MaxAttempts: 3,
		Cooldown:    15 * time.Minute,
		BcryptCost:  bcrypt.MinCost,
	}, logger).WithClock(h.clock.Now)
	h.codes = &recordingCodes{Service: codes, last: make(map[string]string)}

	h.payouts = payout.NewDispatcher(h.payoutDB, h.disburser, payout.Config{MaxAttempts: 3}, logger).
		WithClock(h.clock.Now)

	h.svc = NewService(h.store, NewMachine(DefaultPolicy(), []string{"KES"}), logger).
		WithGateway(h.gw).
		WithLedger(h.ledger).
		WithDeliveryCodes(h.codes).
		WithSettler(h.payouts).
		WithPayoutMethods(h.registry).
		WithNotifier(h.notifier).
		WithClock(h.clock.Now)

	h.timer = NewTimer(h.svc, h.store, TimerConfig{BatchSize: 50, PollInterval: 2 * time.Minute, Concurrency: 4}, logger)
	return h
}

func (h *harness) create(t *testing.T) *Transaction {
	t.Helper()
	tx, err := h.svc.Create(context.Background(), buyer, CreateRequest{
		SellerID:    seller.ID,
		Amount:      decimal.NewFromInt(5000),
		Currency:    "KES",
		Description: "Refurbished phone",
		PayerPhone:  "+254 712 345 678",
	})
	require.NoError(t, err)
	require.NotEmpty(t, tx.ProviderReference)
	return tx
}

func (h *harness) confirmEvent(tx *Transaction) *gateway.Event {
	return &gateway.Event{
		ProviderReference: tx.ProviderReference,
		EventType:         idempotency.EventPaymentConfirmed,
		Outcome:           gateway.StatusConfirmed,
		Amount:            tx.Amount,
		Receipt:           "QK71HG2XYZ",
	}
}

func (h *harness) pay(t *testing.T, tx *Transaction) {
	t.Helper()
	out, err := h.svc.HandlePaymentEvent(context.Background(), h.confirmEvent(tx), "webhook")
	require.NoError(t, err)
	require.True(t, out.Applied)
}

func (h *harness) do(t *testing.T, id string, actor Actor, cmd Command) *Transaction {
	t.Helper()
	tx, err := h.svc.Apply(context.Background(), ApplyRequest{TransactionID: id, Actor: actor, Command: cmd})
	require.NoError(t, err, "%s", cmd.Trigger())
	return tx
}

func (h *harness) delivered(t *testing.T) *Transaction {
	t.Helper()
	tx := h.create(t)
	h.pay(t, tx)
	h.do(t, tx.ID, seller, SellerAccept{})
	h.do(t, tx.ID, seller, SellerShip{Courier: "G4S"})
	tx, err := h.svc.ConfirmDelivery(context.Background(), buyer, tx.ID, h.codes.code(tx.ID), 0)
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, tx.Status)
	return tx
}

func (h *harness) get(t *testing.T, id string) *Transaction {
	t.Helper()
	tx, err := h.svc.Get(context.Background(), id)
	require.NoError(t, err)
	return tx
}

func wrongCode(code string) string {
	if code == "111111" {
		return "222222"
	}
	return "111111"
}

// --- end-to-end scenarios ---

func TestService_HappyPathReleasesOnePayout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.registry.SetDefault(ctx, seller.ID, "254700000001")
	require.NoError(t, err)

	tx := h.create(t)
	assert.Equal(t, StatusPending, tx.Status)
	assert.Equal(t, "254712345678", tx.PayerPhone)

	h.clock.Advance(time.Minute)
	h.pay(t, tx)
	tx = h.get(t, tx.ID)
	assert.Equal(t, StatusEscrowed, tx.Status)
	assert.WithinDuration(t, h.clock.Now().Add(DefaultAcceptanceWindow), *tx.ExpiresAt, time.Second)

	tx = h.do(t, tx.ID, seller, SellerAccept{})
	assert.Equal(t, StatusAccepted, tx.Status)

	tx = h.do(t, tx.ID, seller, SellerShip{Courier: "G4S", TrackingNumber: "TRK-1"})
	assert.Equal(t, StatusShipped, tx.Status)
	code := h.codes.code(tx.ID)
	require.Len(t, code, 6)
	require.NotNil(t, tx.DeliveryOTPExpiresAt)

	_, err = h.svc.ConfirmDelivery(ctx, buyer, tx.ID, wrongCode(code), 0)
	assert.True(t, apperr.Is(err, apperr.KindOTPInvalid), "got %v", err)
	assert.Equal(t, StatusShipped, h.get(t, tx.ID).Status)

	tx, err = h.svc.ConfirmDelivery(ctx, buyer, tx.ID, code, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, tx.Status)

	// Code is single use.
	_, err = h.svc.ConfirmDelivery(ctx, buyer, tx.ID, code, 0)
	assert.Error(t, err)

	h.timer.Sweep(ctx)
	assert.Equal(t, StatusDelivered, h.get(t, tx.ID).Status, "dispute window still open")

	h.clock.Advance(DefaultDisputeWindow + time.Minute)
	h.timer.Sweep(ctx)

	tx = h.get(t, tx.ID)
	assert.Equal(t, StatusCompleted, tx.Status)
	assert.NotNil(t, tx.SettlementQueuedAt)

	inst, err := h.payouts.GetByTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, payout.KindPayout, inst.Kind)
	assert.True(t, inst.Amount.Equal(decimal.NewFromInt(5000)))
	assert.Equal(t, "254700000001", inst.Destination)

	n, err := h.payouts.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, h.disburser.payouts, 1)
	assert.True(t, h.disburser.payouts[0].Equal(decimal.NewFromInt(5000)))

	// A second sweep must not pay again.
	h.clock.Advance(time.Hour)
	h.timer.Sweep(ctx)
	_, _ = h.payouts.RunDue(ctx)
	assert.Len(t, h.disburser.payouts, 1)

	trail, err := h.svc.AuditTrail(ctx, tx.ID)
	require.NoError(t, err)
	var triggers []string
	for _, e := range trail {
		triggers = append(triggers, e.Trigger)
	}
	assert.Equal(t, []string{"create", "payment_confirmed", "seller_accept", "seller_ship", "buyer_confirm_otp", "auto_release"}, triggers)
}

func TestService_UnacceptedExpiryRefunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tx := h.create(t)
	h.pay(t, tx)

	h.clock.Advance(DefaultAcceptanceWindow - time.Minute)
	h.timer.Sweep(ctx)
	assert.Equal(t, StatusEscrowed, h.get(t, tx.ID).Status)

	h.clock.Advance(2 * time.Minute)
	h.timer.Sweep(ctx)

	tx = h.get(t, tx.ID)
	assert.Equal(t, StatusCancelled, tx.Status)
	assert.Equal(t, SettlementRefund, tx.Settlement)

	inst, err := h.payouts.GetByTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, payout.KindRefund, inst.Kind)
	assert.Equal(t, "QK71HG2XYZ", inst.ProviderReceipt)
	assert.Equal(t, buyer.ID, inst.RecipientID)

	_, err = h.payouts.RunDue(ctx)
	require.NoError(t, err)
	assert.Empty(t, h.disburser.payouts)
	assert.Equal(t, []string{"QK71HG2XYZ"}, h.disburser.reversed)
}

func TestService_RefundOfPollConfirmedPaymentPaysPayer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tx := h.create(t)
	h.gw.setStatus(gateway.StatusConfirmed)
	h.clock.Advance(3 * time.Minute)
	h.timer.Sweep(ctx)
	tx = h.get(t, tx.ID)
	require.Equal(t, StatusEscrowed, tx.Status)
	assert.Empty(t, tx.ProviderReceipt, "status queries carry no receipt")

	h.do(t, tx.ID, seller, SellerReject{Reason: "out of stock"})
	inst, err := h.payouts.GetByTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, payout.KindRefund, inst.Kind)

	_, err = h.payouts.RunDue(ctx)
	require.NoError(t, err)

	inst, err = h.payouts.GetByTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, payout.StatusSent, inst.Status)
	assert.Empty(t, h.disburser.reversed)
	assert.Equal(t, []string{"254712345678"}, h.disburser.paidTo)
	require.Len(t, h.disburser.payouts, 1)
	assert.True(t, h.disburser.payouts[0].Equal(decimal.NewFromInt(5000)))
}

func TestService_DisputeBlocksAutoRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.registry.SetDefault(ctx, seller.ID, "254700000001")
	require.NoError(t, err)

	tx := h.delivered(t)
	releaseAt := *tx.AutoReleaseAt

	h.clock.Advance(time.Hour)
	tx = h.do(t, tx.ID, buyer, OpenDispute{Reason: "screen cracked"})
	assert.Equal(t, StatusDisputed, tx.Status)

	h.clock.Advance(releaseAt.Sub(h.clock.Now()) + time.Minute)
	h.timer.Sweep(ctx)

	assert.Equal(t, StatusDisputed, h.get(t, tx.ID).Status)
	_, err = h.payouts.GetByTransaction(ctx, tx.ID)
	assert.ErrorIs(t, err, payout.ErrInstructionNotFound)

	tx = h.do(t, tx.ID, adjudicate, ResolveDisputeRefund{Note: "photos confirm damage"})
	assert.Equal(t, StatusRefunded, tx.Status)
	inst, err := h.payouts.GetByTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, payout.KindRefund, inst.Kind)
}

// --- concurrency and idempotency ---

func TestService_ConcurrentSellerAccept(t *testing.T) {
	h := newHarness(t)
	tx := h.create(t)
	h.pay(t, tx)
	version := h.get(t, tx.ID).Version

	const racers = 2
	var (
		wg        sync.WaitGroup
		start     = make(chan struct{})
		ok        atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := h.svc.Apply(context.Background(), ApplyRequest{
				TransactionID:   tx.ID,
				ExpectedVersion: version,
				Actor:           seller,
				Command:         SellerAccept{},
			})
			switch {
			case err == nil:
				ok.Add(1)
			case apperr.Is(err, apperr.KindConcurrentModification):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(1), conflicts.Load())
	got := h.get(t, tx.ID)
	assert.Equal(t, StatusAccepted, got.Status)
	assert.Equal(t, version+1, got.Version)
}

func TestService_StaleVersionRejected(t *testing.T) {
	h := newHarness(t)
	tx := h.create(t)
	h.pay(t, tx)

	_, err := h.svc.Apply(context.Background(), ApplyRequest{
		TransactionID:   tx.ID,
		ExpectedVersion: tx.Version,
		Actor:           seller,
		Command:         SellerAccept{},
	})
	assert.True(t, apperr.Is(err, apperr.KindConcurrentModification))
	assert.Equal(t, StatusEscrowed, h.get(t, tx.ID).Status)
}

func TestService_WebhookReplay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.create(t)
	ev := h.confirmEvent(tx)

	first, err := h.svc.HandlePaymentEvent(ctx, ev, "webhook")
	require.NoError(t, err)
	assert.True(t, first.Applied)
	assert.Equal(t, StatusEscrowed, first.Status)

	second, err := h.svc.HandlePaymentEvent(ctx, ev, "webhook")
	require.NoError(t, err)
	assert.True(t, second.Replay)
	assert.False(t, second.Applied)

	got := h.get(t, tx.ID)
	assert.Equal(t, StatusEscrowed, got.Status)
	assert.Equal(t, tx.Version+1, got.Version)

	trail, err := h.svc.AuditTrail(ctx, tx.ID)
	require.NoError(t, err)
	confirmed := 0
	for _, e := range trail {
		if e.Trigger == string(TriggerPaymentConfirmed) {
			confirmed++
		}
	}
	assert.Equal(t, 1, confirmed)
	assert.Equal(t, []string{notify.KindPaymentSecured}, h.notifier.kinds(seller.ID))
}

func TestService_ConcurrentDuplicateWebhooks(t *testing.T) {
	h := newHarness(t)
	tx := h.create(t)
	ev := h.confirmEvent(tx)

	var (
		wg      sync.WaitGroup
		applied atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := h.svc.HandlePaymentEvent(context.Background(), ev, "webhook")
			if assert.NoError(t, err) && out.Applied {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), applied.Load())
}

func TestService_PaymentEventEdgeCases(t *testing.T) {
	ctx := context.Background()

	t.Run("amount mismatch cancels and refunds the received sum", func(t *testing.T) {
		h := newHarness(t)
		tx := h.create(t)
		ev := h.confirmEvent(tx)
		ev.Amount = decimal.NewFromInt(4000)

		out, err := h.svc.HandlePaymentEvent(ctx, ev, "webhook")
		require.NoError(t, err)
		assert.True(t, out.Applied)
		assert.Equal(t, "amount mismatch", out.Reason)
		assert.Equal(t, StatusCancelled, out.Status)

		got := h.get(t, tx.ID)
		assert.Equal(t, StatusCancelled, got.Status)
		assert.Equal(t, SettlementRefund, got.Settlement)
		require.NotNil(t, got.RefundAmount)
		assert.True(t, got.RefundAmount.Equal(decimal.NewFromInt(4000)))

		inst, err := h.payouts.GetByTransaction(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, payout.KindRefund, inst.Kind)
		assert.True(t, inst.Amount.Equal(decimal.NewFromInt(4000)))
		assert.Equal(t, "QK71HG2XYZ", inst.ProviderReceipt)

		// The poller's later confirmation for the requested sum is a replay.
		out, err = h.svc.HandlePaymentEvent(ctx, h.confirmEvent(tx), "poll")
		require.NoError(t, err)
		assert.True(t, out.Replay)
		assert.Equal(t, StatusCancelled, out.Status)
	})

	t.Run("unknown reference releases claim", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.HandlePaymentEvent(ctx, &gateway.Event{
			ProviderReference: "ws_CO_unknown",
			EventType:         idempotency.EventPaymentConfirmed,
			Amount:            decimal.NewFromInt(10),
		}, "webhook")
		assert.True(t, apperr.Is(err, apperr.KindNotFound))

		seen, err := h.ledger.Seen(ctx, "ws_CO_unknown", idempotency.EventPaymentConfirmed)
		require.NoError(t, err)
		assert.False(t, seen)
	})

	t.Run("failure cancels", func(t *testing.T) {
		h := newHarness(t)
		tx := h.create(t)
		out, err := h.svc.HandlePaymentEvent(ctx, &gateway.Event{
			ProviderReference: tx.ProviderReference,
			EventType:         idempotency.EventPaymentFailed,
			ResultCode:        gateway.ResultCancelledByUser,
			ResultDesc:        "Request cancelled by user",
		}, "webhook")
		require.NoError(t, err)
		assert.True(t, out.Applied)
		got := h.get(t, tx.ID)
		assert.Equal(t, StatusCancelled, got.Status)
		assert.Equal(t, SettlementNone, got.Settlement)
	})

	t.Run("confirmation after failure is rejected", func(t *testing.T) {
		h := newHarness(t)
		tx := h.create(t)
		_, err := h.svc.HandlePaymentEvent(ctx, &gateway.Event{
			ProviderReference: tx.ProviderReference,
			EventType:         idempotency.EventPaymentFailed,
		}, "webhook")
		require.NoError(t, err)

		out, err := h.svc.HandlePaymentEvent(ctx, h.confirmEvent(tx), "webhook")
		require.NoError(t, err)
		assert.True(t, out.Rejected)
		assert.Equal(t, StatusCancelled, out.Status)
	})
}

func TestService_ClaimedButUnappliedEventIsApplied(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.create(t)

	// A previous delivery claimed the event and died before applying it.
	claimed, err := h.ledger.Claim(ctx, tx.ProviderReference, idempotency.EventPaymentConfirmed)
	require.NoError(t, err)
	require.True(t, claimed)

	t.Run("the poller's confirmation still escrows", func(t *testing.T) {
		h.gw.setStatus(gateway.StatusConfirmed)
		out, err := h.svc.PollPayment(ctx, tx.ID)
		require.NoError(t, err)
		assert.True(t, out.Applied)
		assert.Equal(t, StatusEscrowed, out.Status)
		assert.Equal(t, StatusEscrowed, h.get(t, tx.ID).Status)
	})

	t.Run("once applied, the event is a replay with the current status", func(t *testing.T) {
		out, err := h.svc.HandlePaymentEvent(ctx, h.confirmEvent(tx), "webhook")
		require.NoError(t, err)
		assert.True(t, out.Replay)
		assert.Equal(t, tx.ID, out.TransactionID)
		assert.Equal(t, StatusEscrowed, out.Status)
	})
}

func TestService_ReplayedClaimDoesNotBlockExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.create(t)

	_, err := h.ledger.Claim(ctx, tx.ProviderReference, idempotency.EventPaymentFailed)
	require.NoError(t, err)

	h.gw.setStatus(gateway.StatusFailed)
	h.clock.Advance(DefaultPaymentWindow + time.Minute)
	h.timer.Sweep(ctx)

	assert.Equal(t, StatusCancelled, h.get(t, tx.ID).Status)
}

func TestService_CreateGatewayFailureKeepsTransaction(t *testing.T) {
	h := newHarness(t)
	h.gw.initErr = apperr.New(apperr.KindGatewayError, "daraja unavailable")

	tx, err := h.svc.Create(context.Background(), buyer, CreateRequest{
		SellerID:   seller.ID,
		Amount:     decimal.NewFromInt(100),
		Currency:   "KES",
		PayerPhone: "0712345678",
	})
	assert.True(t, apperr.Is(err, apperr.KindGatewayError))
	require.NotNil(t, tx)
	assert.Empty(t, tx.ProviderReference)

	h.gw.initErr = nil
	tx, err = h.svc.InitiatePayment(context.Background(), buyer, tx.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, tx.ProviderReference)

	again, err := h.svc.InitiatePayment(context.Background(), buyer, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, tx.ProviderReference, again.ProviderReference)
	assert.Len(t, h.gw.initiated, 1, "initiation is not repeated once a reference exists")

	_, err = h.svc.InitiatePayment(context.Background(), seller, tx.ID)
	assert.True(t, apperr.Is(err, apperr.KindGuardViolation))
}

func TestService_ReleaseWithoutPayoutMethod(t *testing.T) {
	h := newHarness(t)
	tx := h.delivered(t)

	_, err := h.svc.Apply(context.Background(), ApplyRequest{TransactionID: tx.ID, Actor: buyer, Command: Release{}})
	assert.True(t, apperr.Is(err, apperr.KindNoPayoutMethod))
	assert.Equal(t, StatusDelivered, h.get(t, tx.ID).Status)

	_, err = h.registry.SetDefault(context.Background(), seller.ID, "254700000001")
	require.NoError(t, err)
	got := h.do(t, tx.ID, buyer, Release{})
	assert.Equal(t, StatusCompleted, got.Status)
	assert.NotEmpty(t, got.PayoutMethodID)
}

func TestService_ConfirmDeliveryGuards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.create(t)
	h.pay(t, tx)
	h.do(t, tx.ID, seller, SellerAccept{})
	tx = h.do(t, tx.ID, seller, SellerShip{})
	code := h.codes.code(tx.ID)

	_, err := h.svc.ConfirmDelivery(ctx, Actor{ID: seller.ID, Role: RoleBuyer}, tx.ID, code, 0)
	assert.True(t, apperr.Is(err, apperr.KindGuardViolation))

	_, err = h.svc.ConfirmDelivery(ctx, buyer, tx.ID, "12ab", 0)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = h.svc.ConfirmDelivery(ctx, buyer, tx.ID, code, tx.Version-1)
	assert.True(t, apperr.Is(err, apperr.KindConcurrentModification))

	for i := 0; i < 3; i++ {
		_, err = h.svc.ConfirmDelivery(ctx, buyer, tx.ID, wrongCode(code), 0)
	}
	assert.True(t, apperr.Is(err, apperr.KindOTPInvalid))
	_, err = h.svc.ConfirmDelivery(ctx, buyer, tx.ID, code, 0)
	assert.True(t, apperr.Is(err, apperr.KindOTPLocked), "locked after repeated failures, got %v", err)
	assert.Equal(t, StatusShipped, h.get(t, tx.ID).Status)

	h.clock.Advance(16 * time.Minute)
	got, err := h.svc.ConfirmDelivery(ctx, buyer, tx.ID, code, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, got.Status)
}

func TestService_ResendOTPReplacesCode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.create(t)
	h.pay(t, tx)
	h.do(t, tx.ID, seller, SellerAccept{})
	tx = h.do(t, tx.ID, seller, SellerShip{})
	old := h.codes.code(tx.ID)

	h.clock.Advance(time.Hour)
	resent, err := h.svc.ResendOTP(ctx, buyer, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, tx.Version+1, resent.Version)
	assert.True(t, resent.DeliveryOTPExpiresAt.After(*tx.DeliveryOTPExpiresAt))
	fresh := h.codes.code(tx.ID)

	if old != fresh {
		_, err = h.svc.ConfirmDelivery(ctx, buyer, tx.ID, old, 0)
		assert.True(t, apperr.Is(err, apperr.KindOTPInvalid))
	}
	got, err := h.svc.ConfirmDelivery(ctx, buyer, tx.ID, fresh, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, got.Status)

	_, err = h.svc.ResendOTP(ctx, buyer, tx.ID)
	assert.True(t, apperr.Is(err, apperr.KindGuardViolation))
}

func TestService_DeliveryCodeGoesOnlyToBuyerBySMS(t *testing.T) {
	h := newHarness(t)
	tx := h.create(t)
	h.pay(t, tx)
	h.do(t, tx.ID, seller, SellerAccept{})
	h.do(t, tx.ID, seller, SellerShip{})

	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	var otpMsgs []*notify.Message
	for _, m := range h.notifier.msgs {
		if m.Kind == notify.KindDeliveryOTP {
			otpMsgs = append(otpMsgs, m)
		}
	}
	require.Len(t, otpMsgs, 1)
	assert.Equal(t, buyer.ID, otpMsgs[0].UserID)
	assert.True(t, otpMsgs[0].Sensitive)
	assert.Equal(t, "254712345678", otpMsgs[0].Phone)
	assert.Contains(t, otpMsgs[0].Body, h.codes.code(tx.ID))
}

func TestService_List(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		h.clock.Advance(time.Second)
		h.create(t)
	}

	page, next, err := h.svc.List(ctx, buyer.ID, ListFilter{}, "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.NotEmpty(t, next)
	assert.True(t, page[0].CreatedAt.After(page[1].CreatedAt))

	seen := map[string]bool{page[0].ID: true, page[1].ID: true}
	for next != "" {
		page, next, err = h.svc.List(ctx, buyer.ID, ListFilter{}, next, 2)
		require.NoError(t, err)
		for _, tx := range page {
			assert.False(t, seen[tx.ID], "duplicate across pages")
			seen[tx.ID] = true
		}
	}
	assert.Len(t, seen, 5)

	sellerPage, _, err := h.svc.List(ctx, seller.ID, ListFilter{Role: RoleBuyer}, "", 10)
	require.NoError(t, err)
	assert.Empty(t, sellerPage)

	_, _, err = h.svc.List(ctx, buyer.ID, ListFilter{}, "!!", 10)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}
