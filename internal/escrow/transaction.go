// Package escrow implements the transaction lifecycle of a mobile-money
// escrow.
//
// Flow:
//  1. Buyer creates a transaction → STK push sent to the payer (PENDING)
//  2. Provider confirms payment → funds held (ESCROWED)
//  3. Seller accepts and ships → delivery OTP sent to the buyer (SHIPPED)
//  4. Buyer confirms with the OTP, or the carrier deadline passes (DELIVERED)
//  5. Dispute window closes or buyer releases → payout to seller (COMPLETED)
//
// Rejection, expiry and refunded disputes end in REJECTED, CANCELLED or
// REFUNDED with a refund to the buyer where funds were held.
//
// Every state change goes through Machine.Apply; Service wraps it with
// optimistic versioning, persistence and post-commit side effects.
package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/swiftline/escrow/internal/pagination"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrVersionConflict     = errors.New("transaction version changed")
	ErrDuplicateReference  = errors.New("provider reference already assigned")
)

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusPending   Status = "PENDING"   // Awaiting payment confirmation
	StatusEscrowed  Status = "ESCROWED"  // Funds held, awaiting seller
	StatusAccepted  Status = "ACCEPTED"  // Seller committed to ship
	StatusShipped   Status = "SHIPPED"   // In transit, OTP with buyer
	StatusDelivered Status = "DELIVERED" // Dispute window running
	StatusDisputed  Status = "DISPUTED"  // Frozen pending adjudication
	StatusCompleted Status = "COMPLETED" // Paid out to seller
	StatusRefunded  Status = "REFUNDED"  // Dispute resolved for buyer
	StatusRejected  Status = "REJECTED"  // Seller declined
	StatusCancelled Status = "CANCELLED" // Unpaid, failed or never accepted
)

// AllStatuses lists every state in lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusEscrowed, StatusAccepted, StatusShipped, StatusDelivered,
	StatusDisputed, StatusCompleted, StatusRefunded, StatusRejected, StatusCancelled,
}

// IsTerminal returns true for states with no outgoing edges.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s Status) Valid() bool {
	for _, st := range AllStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// Role is the capacity in which an actor triggers a transition.
type Role string

const (
	RoleBuyer       Role = "buyer"
	RoleSeller      Role = "seller"
	RoleAdjudicator Role = "adjudicator"
	RoleFraudSignal Role = "fraud_signal"
	RoleSystem      Role = "system"
	RoleProvider    Role = "provider"
)

// Actor identifies who triggered a transition.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Well-known non-human actors.
var (
	SystemActor   = Actor{ID: "scheduler", Role: RoleSystem}
	ProviderActor = Actor{ID: "mpesa", Role: RoleProvider}
)

// Settlement is the fund movement a terminal transaction owes.
type Settlement string

const (
	SettlementNone   Settlement = ""
	SettlementPayout Settlement = "payout"
	SettlementRefund Settlement = "refund"
)

// Dispute resolutions.
const (
	ResolutionRelease = "release"
	ResolutionRefund  = "refund"
)

// Transaction is an escrowed purchase between a buyer and a seller.
type Transaction struct {
	ID          string          `json:"id"`
	BuyerID     string          `json:"buyerId"`
	SellerID    string          `json:"sellerId"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description,omitempty"`
	PayerPhone  string          `json:"-"`
	Status      Status          `json:"status"`

	ProviderReference string `json:"providerReference,omitempty"`
	ProviderReceipt   string `json:"providerReceipt,omitempty"`

	DeliveryOTPExpiresAt *time.Time `json:"deliveryOtpExpiresAt,omitempty"`
	DeliveryProofURLs    []string   `json:"deliveryProofUrls,omitempty"`
	Courier              string     `json:"courier,omitempty"`
	TrackingNumber       string     `json:"trackingNumber,omitempty"`

	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	AutoDeliverAt *time.Time `json:"autoDeliverAt,omitempty"`
	AutoReleaseAt *time.Time `json:"autoReleaseAt,omitempty"`

	PayoutMethodID     string     `json:"payoutMethodId,omitempty"`
	Settlement         Settlement `json:"settlement,omitempty"`
	SettlementQueuedAt *time.Time `json:"settlementQueuedAt,omitempty"`
	// RefundAmount overrides Amount for a refund when the provider collected
	// a different sum.
	RefundAmount *decimal.Decimal `json:"refundAmount,omitempty"`

	RejectReason    string `json:"rejectReason,omitempty"`
	DisputeReason   string `json:"disputeReason,omitempty"`
	DisputeOpenedBy string `json:"disputeOpenedBy,omitempty"`
	Resolution      string `json:"resolution,omitempty"`

	PaidAt       *time.Time `json:"paidAt,omitempty"`
	AcceptedAt   *time.Time `json:"acceptedAt,omitempty"`
	ShippedAt    *time.Time `json:"shippedAt,omitempty"`
	DeliveredAt  *time.Time `json:"deliveredAt,omitempty"`
	DisputedAt   *time.Time `json:"disputedAt,omitempty"`
	ResolvedAt   *time.Time `json:"resolvedAt,omitempty"`
	LastPolledAt *time.Time `json:"-"`

	// NextSweepAt holds a due transaction back from the scheduler after its
	// deadline action failed; SweepFailures counts consecutive failures.
	NextSweepAt   *time.Time `json:"-"`
	SweepFailures int        `json:"-"`

	Version          int64     `json:"version"`
	LastTransitionAt time.Time `json:"lastTransitionAt"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// IsTerminal returns true if the transaction is in a final state.
func (t *Transaction) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// IsParty reports whether userID is the buyer or the seller.
func (t *Transaction) IsParty(userID string) bool {
	return userID != "" && (userID == t.BuyerID || userID == t.SellerID)
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	cp := *t
	cp.DeliveryOTPExpiresAt = cloneTime(t.DeliveryOTPExpiresAt)
	cp.ExpiresAt = cloneTime(t.ExpiresAt)
	cp.AutoDeliverAt = cloneTime(t.AutoDeliverAt)
	cp.AutoReleaseAt = cloneTime(t.AutoReleaseAt)
	cp.SettlementQueuedAt = cloneTime(t.SettlementQueuedAt)
	cp.PaidAt = cloneTime(t.PaidAt)
	cp.AcceptedAt = cloneTime(t.AcceptedAt)
	cp.ShippedAt = cloneTime(t.ShippedAt)
	cp.DeliveredAt = cloneTime(t.DeliveredAt)
	cp.DisputedAt = cloneTime(t.DisputedAt)
	cp.ResolvedAt = cloneTime(t.ResolvedAt)
	cp.LastPolledAt = cloneTime(t.LastPolledAt)
	cp.NextSweepAt = cloneTime(t.NextSweepAt)
	if t.RefundAmount != nil {
		v := *t.RefundAmount
		cp.RefundAmount = &v
	}
	if t.DeliveryProofURLs != nil {
		cp.DeliveryProofURLs = append([]string(nil), t.DeliveryProofURLs...)
	}
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// Policy holds the lifecycle windows.
type Policy struct {
	PaymentWindow     time.Duration // PENDING until payment_confirmed
	AcceptanceWindow  time.Duration // ESCROWED until seller_accept
	ShippingWindow    time.Duration // ACCEPTED until seller_ship
	DeliveryWindow    time.Duration // SHIPPED until the release deadline
	DisputeWindow     time.Duration // minimum window after DELIVERED
	AutoDeliverWindow time.Duration // SHIPPED until auto_deliver
}

// Default windows.
const (
	DefaultPaymentWindow     = 15 * time.Minute
	DefaultAcceptanceWindow  = 48 * time.Hour
	DefaultShippingWindow    = 72 * time.Hour
	DefaultDeliveryWindow    = 72 * time.Hour
	DefaultDisputeWindow     = 72 * time.Hour
	DefaultAutoDeliverWindow = 7 * 24 * time.Hour
)

// DefaultPolicy returns the default windows.
func DefaultPolicy() Policy {
	return Policy{
		PaymentWindow:     DefaultPaymentWindow,
		AcceptanceWindow:  DefaultAcceptanceWindow,
		ShippingWindow:    DefaultShippingWindow,
		DeliveryWindow:    DefaultDeliveryWindow,
		DisputeWindow:     DefaultDisputeWindow,
		AutoDeliverWindow: DefaultAutoDeliverWindow,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.PaymentWindow <= 0 {
		p.PaymentWindow = d.PaymentWindow
	}
	if p.AcceptanceWindow <= 0 {
		p.AcceptanceWindow = d.AcceptanceWindow
	}
	if p.ShippingWindow <= 0 {
		p.ShippingWindow = d.ShippingWindow
	}
	if p.DeliveryWindow <= 0 {
		p.DeliveryWindow = d.DeliveryWindow
	}
	if p.DisputeWindow <= 0 {
		p.DisputeWindow = d.DisputeWindow
	}
	if p.AutoDeliverWindow <= 0 {
		p.AutoDeliverWindow = d.AutoDeliverWindow
	}
	return p
}

// ListFilter narrows ListByParty.
type ListFilter struct {
	Role   Role   // RoleBuyer, RoleSeller, or "" for either
	Status Status // "" for any
}

// SettlementAmount is what the settlement owes: the refund override when
// set, otherwise the transaction amount.
func (t *Transaction) SettlementAmount() decimal.Decimal {
	if t.Settlement == SettlementRefund && t.RefundAmount != nil {
		return *t.RefundAmount
	}
	return t.Amount
}

// Store persists transactions.
//
// Update is a compare-and-swap: it writes tx only if the stored version
// equals expectedVersion, and returns ErrVersionConflict otherwise. The
// caller sets tx.Version to the new value. A successful Update clears any
// sweep backoff.
//
// ListDue returns transactions whose deadline passed and whose sweep
// backoff (if any) has elapsed, earliest deadline first. DeferSweep sets
// that backoff, but only while the stored version still equals version.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	GetByProviderReference(ctx context.Context, ref string) (*Transaction, error)
	Update(ctx context.Context, tx *Transaction, expectedVersion int64) error
	SetProviderReference(ctx context.Context, id, ref string) error
	ProviderReference(ctx context.Context, id string) (string, error)
	ListByParty(ctx context.Context, userID string, filter ListFilter, cursor *pagination.Cursor, limit int) ([]*Transaction, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Transaction, error)
	ListAwaitingPayment(ctx context.Context, polledBefore time.Time, limit int) ([]*Transaction, error)
	ListStaleAccepted(ctx context.Context, now time.Time, limit int) ([]*Transaction, error)
	ListUnqueuedSettlements(ctx context.Context, limit int) ([]*Transaction, error)
	MarkSettlementQueued(ctx context.Context, id string, at time.Time) error
	MarkPolled(ctx context.Context, id string, at time.Time) error
	DeferSweep(ctx context.Context, id string, version int64, until time.Time) error
}
