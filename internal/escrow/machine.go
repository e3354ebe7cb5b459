package escrow

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/swiftline/escrow/internal/apperr"
	"github.com/swiftline/escrow/internal/notify"
	"github.com/swiftline/escrow/internal/validation"
)

// MaxDescriptionLength bounds the free-text order description.
const MaxDescriptionLength = 500

// CreateRequest contains the parameters for creating a transaction.
type CreateRequest struct {
	BuyerID     string          `json:"-"`
	SellerID    string          `json:"sellerId" binding:"required"`
	Amount      decimal.Decimal `json:"amount" binding:"required"`
	Currency    string          `json:"currency" binding:"required"`
	Description string          `json:"description"`
	PayerPhone  string          `json:"payerPhone" binding:"required"`
}

// Notice is a notification a transition owes one of the parties.
type Notice struct {
	To           Role
	Kind         string
	Body         string
	RealtimeOnly bool
}

// Effects describes a successful transition. The service carries them out
// after the new state is committed.
type Effects struct {
	From       Status
	To         Status
	Trigger    Trigger
	Settlement Settlement
	IssueOTP   bool
	ClearOTP   bool
	Notices    []Notice
	Detail     string
}

// Machine is the pure transition function. It holds no state besides the
// policy and performs no I/O.
type Machine struct {
	policy     Policy
	currencies map[string]bool
}

// NewMachine creates a machine. An empty currency list allows KES only.
func NewMachine(policy Policy, currencies []string) *Machine {
	if len(currencies) == 0 {
		currencies = []string{"KES"}
	}
	set := make(map[string]bool, len(currencies))
	for _, c := range currencies {
		set[strings.ToUpper(strings.TrimSpace(c))] = true
	}
	return &Machine{policy: policy.withDefaults(), currencies: set}
}

// Policy returns the machine's windows.
func (m *Machine) Policy() Policy { return m.policy }

// Create validates req and returns a new PENDING transaction. This is the
// create edge; it has no source state.
func (m *Machine) Create(id string, req CreateRequest, now time.Time) (*Transaction, error) {
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if errs := validation.Validate(
		validation.Required("sellerId", req.SellerID),
		validation.Required("payerPhone", req.PayerPhone),
		validation.ValidPhone("payerPhone", req.PayerPhone),
		validation.PositiveAmount("amount", req.Amount),
		validation.MaxLength("description", req.Description, MaxDescriptionLength),
	); len(errs) > 0 {
		return nil, apperr.Wrap(apperr.KindValidation, errs, errs.Error())
	}
	if !m.currencies[req.Currency] {
		return nil, apperr.New(apperr.KindValidation, "currency %q is not supported", req.Currency)
	}
	if req.BuyerID == "" {
		return nil, apperr.New(apperr.KindValidation, "buyer is required")
	}
	if req.BuyerID == req.SellerID {
		return nil, apperr.New(apperr.KindValidation, "buyer and seller cannot be the same user")
	}

	now = now.UTC()
	return &Transaction{
		ID:               id,
		BuyerID:          req.BuyerID,
		SellerID:         req.SellerID,
		Amount:           req.Amount,
		Currency:         req.Currency,
		Description:      validation.SanitizeString(req.Description, MaxDescriptionLength),
		PayerPhone:       validation.NormalizeMSISDN(req.PayerPhone),
		Status:           StatusPending,
		ExpiresAt:        timePtr(now.Add(m.policy.PaymentWindow)),
		Version:          1,
		LastTransitionAt: now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// Apply checks every guard for cmd against tx and, only if all pass,
// mutates tx into the target state. On error tx is untouched.
func (m *Machine) Apply(tx *Transaction, actor Actor, cmd Command, now time.Time) (*Effects, error) {
	if cmd == nil {
		return nil, apperr.New(apperr.KindValidation, "command is required")
	}
	if tx.Status.IsTerminal() {
		return nil, guardf("transaction is %s; %s not allowed", tx.Status, cmd.Trigger())
	}
	now = now.UTC()

	var (
		fx  *Effects
		err error
	)
	switch c := cmd.(type) {
	case PaymentConfirmed:
		fx, err = m.paymentConfirmed(tx, actor, c, now)
	case PaymentFailed:
		fx, err = m.paymentFailed(tx, actor, c, now)
	case PaymentMismatch:
		fx, err = m.paymentMismatch(tx, actor, c, now)
	case ExpireUnpaid:
		fx, err = m.expireUnpaid(tx, actor, now)
	case SellerAccept:
		fx, err = m.sellerAccept(tx, actor, now)
	case SellerReject:
		fx, err = m.sellerReject(tx, actor, c, now)
	case SellerShip:
		fx, err = m.sellerShip(tx, actor, c, now)
	case BuyerConfirmOTP:
		fx, err = m.deliver(tx, actor, TriggerBuyerConfirmOTP, now)
	case AutoDeliver:
		fx, err = m.deliver(tx, actor, TriggerAutoDeliver, now)
	case Release:
		fx, err = m.release(tx, actor, TriggerRelease, c.PayoutMethodID, now)
	case AutoRelease:
		fx, err = m.release(tx, actor, TriggerAutoRelease, c.PayoutMethodID, now)
	case OpenDispute:
		fx, err = m.openDispute(tx, actor, c, now)
	case ResolveDisputeRelease:
		fx, err = m.resolveRelease(tx, actor, c, now)
	case ResolveDisputeRefund:
		fx, err = m.resolveRefund(tx, actor, c, now)
	case ExpireUnaccepted:
		fx, err = m.expireUnaccepted(tx, actor, now)
	default:
		return nil, apperr.New(apperr.KindValidation, "unknown command %T", cmd)
	}
	if err != nil {
		return nil, err
	}

	tx.LastTransitionAt = now
	tx.UpdatedAt = now
	if tx.Status.IsTerminal() {
		tx.ExpiresAt = nil
		tx.AutoDeliverAt = nil
		tx.AutoReleaseAt = nil
		tx.DeliveryOTPExpiresAt = nil
		if tx.ResolvedAt == nil {
			tx.ResolvedAt = timePtr(now)
		}
	}
	return fx, nil
}

// --- guards ---

func guardf(format string, args ...any) error {
	return apperr.New(apperr.KindGuardViolation, format, args...)
}

func requireStatus(tx *Transaction, trigger Trigger, allowed ...Status) error {
	for _, s := range allowed {
		if tx.Status == s {
			return nil
		}
	}
	return guardf("%s not allowed from %s", trigger, tx.Status)
}

func requireRole(actor Actor, trigger Trigger, roles ...Role) error {
	for _, r := range roles {
		if actor.Role == r {
			return nil
		}
	}
	return guardf("role %q may not %s", actor.Role, trigger)
}

func requireBuyer(tx *Transaction, actor Actor, trigger Trigger) error {
	if actor.Role != RoleBuyer || actor.ID != tx.BuyerID {
		return guardf("only the buyer may %s", trigger)
	}
	return nil
}

func requireSeller(tx *Transaction, actor Actor, trigger Trigger) error {
	if actor.Role != RoleSeller || actor.ID != tx.SellerID {
		return guardf("only the seller may %s", trigger)
	}
	return nil
}

func requirePast(deadline *time.Time, now time.Time, what string) error {
	if deadline == nil || !now.After(*deadline) {
		return guardf("%s has not passed", what)
	}
	return nil
}

func first(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// --- edges ---

func (m *Machine) paymentConfirmed(tx *Transaction, actor Actor, c PaymentConfirmed, now time.Time) (*Effects, error) {
	t := TriggerPaymentConfirmed
	if err := first(
		requireRole(actor, t, RoleProvider),
		requireStatus(tx, t, StatusPending),
	); err != nil {
		return nil, err
	}
	if tx.ProviderReference != "" && c.ProviderReference != "" && c.ProviderReference != tx.ProviderReference {
		return nil, guardf("provider reference %s does not belong to this transaction", c.ProviderReference)
	}
	if !c.Amount.Equal(tx.Amount) {
		return nil, guardf("confirmed amount %s does not match requested amount %s", c.Amount.String(), tx.Amount.String())
	}

	from := tx.Status
	tx.Status = StatusEscrowed
	if tx.ProviderReference == "" {
		tx.ProviderReference = c.ProviderReference
	}
	tx.ProviderReceipt = c.Receipt
	tx.PaidAt = timePtr(now)
	tx.ExpiresAt = timePtr(now.Add(m.policy.AcceptanceWindow))

	return &Effects{
		From: from, To: tx.Status, Trigger: t,
		Detail: "receipt " + c.Receipt,
		Notices: []Notice{
			{
				To:   RoleSeller,
				Kind: notify.KindPaymentSecured,
				Body: fmt.Sprintf("SWIFTLINE: Payment of %s secured in escrow. Accept the order within %s. Funds will be released upon delivery confirmation.",
					money(tx), humanDuration(m.policy.AcceptanceWindow)),
			},
			{
				To:   RoleBuyer,
				Kind: notify.KindPaymentSecured,
				Body: fmt.Sprintf("SWIFTLINE: Your payment of %s is held in escrow. M-Pesa receipt %s.", money(tx), c.Receipt),
			},
		},
	}, nil
}

func (m *Machine) paymentFailed(tx *Transaction, actor Actor, c PaymentFailed, now time.Time) (*Effects, error) {
	t := TriggerPaymentFailed
	if err := first(
		requireRole(actor, t, RoleProvider),
		requireStatus(tx, t, StatusPending),
	); err != nil {
		return nil, err
	}
	from := tx.Status
	tx.Status = StatusCancelled
	return &Effects{
		From: from, To: tx.Status, Trigger: t, Detail: c.Reason,
		Notices: []Notice{{
			To:   RoleBuyer,
			Kind: notify.KindPaymentFailed,
			Body: fmt.Sprintf("SWIFTLINE: Payment of %s was not completed. No money was taken.", money(tx)),
		}},
	}, nil
}

func (m *Machine) paymentMismatch(tx *Transaction, actor Actor, c PaymentMismatch, now time.Time) (*Effects, error) {
	t := TriggerPaymentMismatch
	if err := first(
		requireRole(actor, t, RoleProvider),
		requireStatus(tx, t, StatusPending),
	); err != nil {
		return nil, err
	}
	if tx.ProviderReference != "" && c.ProviderReference != "" && c.ProviderReference != tx.ProviderReference {
		return nil, guardf("provider reference %s does not belong to this transaction", c.ProviderReference)
	}
	if c.Received.Equal(tx.Amount) {
		return nil, guardf("received amount matches; apply %s instead", TriggerPaymentConfirmed)
	}
	if !c.Received.IsPositive() {
		return nil, apperr.New(apperr.KindValidation, "received amount must be positive")
	}

	from := tx.Status
	tx.Status = StatusCancelled
	tx.ProviderReceipt = c.Receipt
	tx.PaidAt = timePtr(now)
	tx.Settlement = SettlementRefund
	received := c.Received
	tx.RefundAmount = &received
	return &Effects{
		From: from, To: tx.Status, Trigger: t, Settlement: SettlementRefund,
		Detail: fmt.Sprintf("received %s, expected %s, receipt %s", c.Received.String(), tx.Amount.String(), c.Receipt),
		Notices: []Notice{{
			To:   RoleBuyer,
			Kind: notify.KindPaymentFailed,
			Body: fmt.Sprintf("SWIFTLINE: We received %s %s instead of %s. The order was cancelled and the payment will be refunded to your M-Pesa account.",
				tx.Currency, c.Received.StringFixed(2), money(tx)),
		}},
	}, nil
}

func (m *Machine) expireUnpaid(tx *Transaction, actor Actor, now time.Time) (*Effects, error) {
	t := TriggerExpireUnpaid
	if err := first(
		requireRole(actor, t, RoleSystem),
		requireStatus(tx, t, StatusPending),
		requirePast(tx.ExpiresAt, now, "payment window"),
	); err != nil {
		return nil, err
	}
	from := tx.Status
	tx.Status = StatusCancelled
	return &Effects{
		From: from, To: tx.Status, Trigger: t, Detail: "payment window expired",
		Notices: []Notice{{
			To:           RoleBuyer,
			Kind:         notify.KindTransactionClosed,
			Body:         "Payment request expired before it was completed.",
			RealtimeOnly: true,
		}},
	}, nil
}

func (m *Machine) sellerAccept(tx *Transaction, actor Actor, now time.Time) (*Effects, error) {
	t := TriggerSellerAccept
	if err := first(
		requireSeller(tx, actor, t),
		requireStatus(tx, t, StatusEscrowed),
	); err != nil {
		return nil, err
	}
	from := tx.Status
	tx.Status = StatusAccepted
	tx.AcceptedAt = timePtr(now)
	tx.ExpiresAt = timePtr(now.Add(m.policy.ShippingWindow))
	return &Effects{
		From: from, To: tx.Status, Trigger: t,
		Notices: []Notice{{
			To:   RoleBuyer,
			Kind: notify.KindOrderAccepted,
			Body: fmt.Sprintf("SWIFTLINE: Your order of %s has been accepted by the seller.", money(tx)),
		}},
	}, nil
}

func (m *Machine) sellerReject(tx *Transaction, actor Actor, c SellerReject, now time.Time) (*Effects, error) {
	t := TriggerSellerReject
	if err := first(
		requireSeller(tx, actor, t),
		requireStatus(tx, t, StatusEscrowed, StatusAccepted),
	); err != nil {
		return nil, err
	}
	from := tx.Status
	tx.Status = StatusRejected
	tx.RejectReason = c.Reason
	tx.Settlement = SettlementRefund
	return &Effects{
		From: from, To: tx.Status, Trigger: t, Settlement: SettlementRefund, Detail: c.Reason,
		Notices: []Notice{{
			To:   RoleBuyer,
			Kind: notify.KindOrderRejected,
			Body: fmt.Sprintf("SWIFTLINE: The seller declined your order. %s will be refunded to your M-Pesa account.", money(tx)),
		}},
	}, nil
}

func (m *Machine) sellerShip(tx *Transaction, actor Actor, c SellerShip, now time.Time) (*Effects, error) {
	t := TriggerSellerShip
	if err := first(
		requireSeller(tx, actor, t),
		requireStatus(tx, t, StatusAccepted),
	); err != nil {
		return nil, err
	}
	from := tx.Status
	tx.Status = StatusShipped
	tx.ShippedAt = timePtr(now)
	tx.Courier = c.Courier
	tx.TrackingNumber = c.TrackingNumber
	tx.DeliveryProofURLs = append([]string(nil), c.ProofURLs...)
	tx.ExpiresAt = nil
	tx.AutoReleaseAt = timePtr(now.Add(m.policy.DeliveryWindow))
	tx.AutoDeliverAt = timePtr(now.Add(m.policy.AutoDeliverWindow))

	body := "Your order has been shipped."
	if c.Courier != "" {
		body = fmt.Sprintf("Your order has been shipped via %s.", c.Courier)
	}
	return &Effects{
		From: from, To: tx.Status, Trigger: t, IssueOTP: true,
		Notices: []Notice{{To: RoleBuyer, Kind: notify.KindOrderShipped, Body: body, RealtimeOnly: true}},
	}, nil
}

func (m *Machine) deliver(tx *Transaction, actor Actor, t Trigger, now time.Time) (*Effects, error) {
	var actorErr error
	if t == TriggerBuyerConfirmOTP {
		actorErr = requireBuyer(tx, actor, t)
	} else {
		actorErr = requireRole(actor, t, RoleSystem)
	}
	if err := first(actorErr, requireStatus(tx, t, StatusShipped)); err != nil {
		return nil, err
	}
	if t == TriggerAutoDeliver {
		if err := requirePast(tx.AutoDeliverAt, now, "auto-deliver deadline"); err != nil {
			return nil, err
		}
	}

	from := tx.Status
	tx.Status = StatusDelivered
	tx.DeliveredAt = timePtr(now)
	tx.AutoDeliverAt = nil
	tx.DeliveryOTPExpiresAt = nil
	disputeUntil := now.Add(m.policy.DisputeWindow)
	if tx.AutoReleaseAt == nil || tx.AutoReleaseAt.Before(disputeUntil) {
		tx.AutoReleaseAt = timePtr(disputeUntil)
	}

	return &Effects{
		From: from, To: tx.Status, Trigger: t, ClearOTP: true,
		Notices: []Notice{
			{
				To:   RoleSeller,
				Kind: notify.KindDelivered,
				Body: fmt.Sprintf("SWIFTLINE: Delivery confirmed. %s will be released to you after %s unless the buyer raises a dispute.",
					money(tx), tx.AutoReleaseAt.Format("02 Jan 15:04 MST")),
			},
			{
				To:           RoleBuyer,
				Kind:         notify.KindDelivered,
				Body:         fmt.Sprintf("Delivery recorded. You can raise a dispute until %s.", tx.AutoReleaseAt.Format(time.RFC3339)),
				RealtimeOnly: true,
			},
		},
	}, nil
}

func (m *Machine) release(tx *Transaction, actor Actor, t Trigger, methodID string, now time.Time) (*Effects, error) {
	if err := requireStatus(tx, t, StatusDelivered); err != nil {
		return nil, err
	}
	switch {
	case t == TriggerAutoRelease:
		if err := first(
			requireRole(actor, t, RoleSystem),
			requirePast(tx.AutoReleaseAt, now, "dispute window"),
		); err != nil {
			return nil, err
		}
	case actor.Role == RoleSystem:
		if err := requirePast(tx.AutoReleaseAt, now, "dispute window"); err != nil {
			return nil, err
		}
	default:
		if err := requireBuyer(tx, actor, t); err != nil {
			return nil, err
		}
	}
	if methodID == "" {
		return nil, apperr.New(apperr.KindNoPayoutMethod, "seller %s has no payout method", tx.SellerID)
	}

	from := tx.Status
	tx.Status = StatusCompleted
	tx.PayoutMethodID = methodID
	tx.Settlement = SettlementPayout
	return &Effects{
		From: from, To: tx.Status, Trigger: t, Settlement: SettlementPayout,
		Notices: []Notice{{
			To:           RoleBuyer,
			Kind:         notify.KindTransactionClosed,
			Body:         "Transaction completed. Thank you for using SWIFTLINE.",
			RealtimeOnly: true,
		}},
	}, nil
}

func (m *Machine) openDispute(tx *Transaction, actor Actor, c OpenDispute, now time.Time) (*Effects, error) {
	t := TriggerOpenDispute
	if strings.TrimSpace(c.Reason) == "" {
		return nil, apperr.New(apperr.KindValidation, "dispute reason is required")
	}
	var actorErr error
	if actor.Role != RoleFraudSignal {
		actorErr = requireBuyer(tx, actor, t)
	}
	if err := first(actorErr, requireStatus(tx, t, StatusDelivered)); err != nil {
		return nil, err
	}
	if tx.AutoReleaseAt == nil || now.After(*tx.AutoReleaseAt) {
		return nil, guardf("dispute window has closed")
	}

	from := tx.Status
	tx.Status = StatusDisputed
	tx.DisputedAt = timePtr(now)
	tx.DisputeReason = c.Reason
	tx.DisputeOpenedBy = actor.ID
	return &Effects{
		From: from, To: tx.Status, Trigger: t, Detail: c.Reason,
		Notices: []Notice{{
			To:   RoleSeller,
			Kind: notify.KindDisputeOpened,
			Body: fmt.Sprintf("SWIFTLINE: A dispute was raised on your order of %s. Funds are on hold until it is resolved.", money(tx)),
		}},
	}, nil
}

func (m *Machine) resolveRelease(tx *Transaction, actor Actor, c ResolveDisputeRelease, now time.Time) (*Effects, error) {
	t := TriggerResolveDisputeRelease
	if err := first(
		requireRole(actor, t, RoleAdjudicator),
		requireStatus(tx, t, StatusDisputed),
	); err != nil {
		return nil, err
	}
	if c.PayoutMethodID == "" {
		return nil, apperr.New(apperr.KindNoPayoutMethod, "seller %s has no payout method", tx.SellerID)
	}
	from := tx.Status
	tx.Status = StatusCompleted
	tx.PayoutMethodID = c.PayoutMethodID
	tx.Settlement = SettlementPayout
	tx.Resolution = ResolutionRelease
	return &Effects{
		From: from, To: tx.Status, Trigger: t, Settlement: SettlementPayout, Detail: c.Note,
		Notices: disputeResolved(tx, "in favour of the seller"),
	}, nil
}

func (m *Machine) resolveRefund(tx *Transaction, actor Actor, c ResolveDisputeRefund, now time.Time) (*Effects, error) {
	t := TriggerResolveDisputeRefund
	if err := first(
		requireRole(actor, t, RoleAdjudicator),
		requireStatus(tx, t, StatusDisputed),
	); err != nil {
		return nil, err
	}
	from := tx.Status
	tx.Status = StatusRefunded
	tx.Settlement = SettlementRefund
	tx.Resolution = ResolutionRefund
	return &Effects{
		From: from, To: tx.Status, Trigger: t, Settlement: SettlementRefund, Detail: c.Note,
		Notices: disputeResolved(tx, "in favour of the buyer"),
	}, nil
}

func (m *Machine) expireUnaccepted(tx *Transaction, actor Actor, now time.Time) (*Effects, error) {
	t := TriggerExpireUnaccepted
	if err := first(
		requireRole(actor, t, RoleSystem),
		requireStatus(tx, t, StatusEscrowed),
		requirePast(tx.ExpiresAt, now, "acceptance window"),
	); err != nil {
		return nil, err
	}
	from := tx.Status
	tx.Status = StatusCancelled
	tx.Settlement = SettlementRefund
	return &Effects{
		From: from, To: tx.Status, Trigger: t, Settlement: SettlementRefund, Detail: "seller did not accept in time",
		Notices: []Notice{{
			To:   RoleBuyer,
			Kind: notify.KindTransactionClosed,
			Body: fmt.Sprintf("SWIFTLINE: The seller did not accept your order in time. %s will be refunded to your M-Pesa account.", money(tx)),
		}},
	}, nil
}

func disputeResolved(tx *Transaction, outcome string) []Notice {
	body := fmt.Sprintf("SWIFTLINE: The dispute on the order of %s was resolved %s.", money(tx), outcome)
	return []Notice{
		{To: RoleBuyer, Kind: notify.KindDisputeResolved, Body: body},
		{To: RoleSeller, Kind: notify.KindDisputeResolved, Body: body},
	}
}

func money(tx *Transaction) string {
	return tx.Currency + " " + tx.Amount.StringFixed(2)
}

func humanDuration(d time.Duration) string {
	if d >= 24*time.Hour && d%(24*time.Hour) == 0 {
		days := int(d / (24 * time.Hour))
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
	if d >= time.Hour && d%time.Hour == 0 {
		return fmt.Sprintf("%d hours", int(d/time.Hour))
	}
	return d.String()
}
