package escrow

import (
	"github.com/shopspring/decimal"
)

// Trigger names an edge of the state machine.
type Trigger string

const (
	TriggerCreate                Trigger = "create"
	TriggerPaymentConfirmed      Trigger = "payment_confirmed"
	TriggerPaymentFailed         Trigger = "payment_failed"
	TriggerPaymentMismatch       Trigger = "payment_amount_mismatch"
	TriggerExpireUnpaid          Trigger = "expire_unpaid"
	TriggerSellerAccept          Trigger = "seller_accept"
	TriggerSellerReject          Trigger = "seller_reject"
	TriggerSellerShip            Trigger = "seller_ship"
	TriggerBuyerConfirmOTP       Trigger = "buyer_confirm_otp"
	TriggerAutoDeliver           Trigger = "auto_deliver"
	TriggerRelease               Trigger = "release"
	TriggerAutoRelease           Trigger = "auto_release"
	TriggerOpenDispute           Trigger = "open_dispute"
	TriggerResolveDisputeRelease Trigger = "resolve_dispute_release"
	TriggerResolveDisputeRefund  Trigger = "resolve_dispute_refund"
	TriggerExpireUnaccepted      Trigger = "expire_unaccepted"
)

// Command is a typed transition request. The set of implementations is
// closed; each maps to exactly one Trigger.
type Command interface {
	Trigger() Trigger
	command()
}

// PaymentConfirmed is applied when the provider reports a successful
// collection.
type PaymentConfirmed struct {
	ProviderReference string
	Receipt           string
	Amount            decimal.Decimal
}

// PaymentFailed is applied when the provider reports a terminal failure.
type PaymentFailed struct {
	Reason string
}

// PaymentMismatch is applied when the provider collected a sum other than
// the requested amount. The transaction is cancelled and what was collected
// is refunded.
type PaymentMismatch struct {
	ProviderReference string
	Receipt           string
	Received          decimal.Decimal
}

// ExpireUnpaid cancels a transaction whose payment window passed.
type ExpireUnpaid struct{}

// SellerAccept commits the seller to ship.
type SellerAccept struct{}

// SellerReject declines the order and refunds the buyer.
type SellerReject struct {
	Reason string
}

// SellerShip marks the goods as dispatched.
type SellerShip struct {
	Courier        string
	TrackingNumber string
	ProofURLs      []string
}

// BuyerConfirmOTP records delivery. Only constructed by the service after
// the buyer's code verified.
type BuyerConfirmOTP struct{}

// AutoDeliver records delivery after the carrier deadline passed.
type AutoDeliver struct{}

// Release pays the seller at the buyer's request or after the dispute
// window. PayoutMethodID is resolved by the service.
type Release struct {
	PayoutMethodID string
}

// AutoRelease pays the seller once the dispute window closed.
type AutoRelease struct {
	PayoutMethodID string
}

// OpenDispute freezes a delivered transaction.
type OpenDispute struct {
	Reason string
}

// ResolveDisputeRelease settles a dispute in the seller's favour.
type ResolveDisputeRelease struct {
	PayoutMethodID string
	Note           string
}

// ResolveDisputeRefund settles a dispute in the buyer's favour.
type ResolveDisputeRefund struct {
	Note string
}

// ExpireUnaccepted cancels and refunds an order the seller never accepted.
type ExpireUnaccepted struct{}

func (PaymentConfirmed) Trigger() Trigger      { return TriggerPaymentConfirmed }
func (PaymentFailed) Trigger() Trigger         { return TriggerPaymentFailed }
func (PaymentMismatch) Trigger() Trigger       { return TriggerPaymentMismatch }
func (ExpireUnpaid) Trigger() Trigger          { return TriggerExpireUnpaid }
func (SellerAccept) Trigger() Trigger          { return TriggerSellerAccept }
func (SellerReject) Trigger() Trigger          { return TriggerSellerReject }
func (SellerShip) Trigger() Trigger            { return TriggerSellerShip }
func (BuyerConfirmOTP) Trigger() Trigger       { return TriggerBuyerConfirmOTP }
func (AutoDeliver) Trigger() Trigger           { return TriggerAutoDeliver }
func (Release) Trigger() Trigger               { return TriggerRelease }
func (AutoRelease) Trigger() Trigger           { return TriggerAutoRelease }
func (OpenDispute) Trigger() Trigger           { return TriggerOpenDispute }
func (ResolveDisputeRelease) Trigger() Trigger { return TriggerResolveDisputeRelease }
func (ResolveDisputeRefund) Trigger() Trigger  { return TriggerResolveDisputeRefund }
func (ExpireUnaccepted) Trigger() Trigger      { return TriggerExpireUnaccepted }

func (PaymentConfirmed) command()      {}
func (PaymentFailed) command()         {}
func (PaymentMismatch) command()       {}
func (ExpireUnpaid) command()          {}
func (SellerAccept) command()          {}
func (SellerReject) command()          {}
func (SellerShip) command()            {}
func (BuyerConfirmOTP) command()       {}
func (AutoDeliver) command()           {}
func (Release) command()               {}
func (AutoRelease) command()           {}
func (OpenDispute) command()           {}
func (ResolveDisputeRelease) command() {}
func (ResolveDisputeRefund) command()  {}
func (ExpireUnaccepted) command()      {}

// withPayoutMethod returns cmd with the resolved payout method filled in for
// the release-type commands, and reports whether cmd needs one.
func withPayoutMethod(cmd Command, methodID string) (Command, bool) {
	switch c := cmd.(type) {
	case Release:
		c.PayoutMethodID = methodID
		return c, true
	case AutoRelease:
		c.PayoutMethodID = methodID
		return c, true
	case ResolveDisputeRelease:
		c.PayoutMethodID = methodID
		return c, true
	}
	return cmd, false
}

func needsPayoutMethod(cmd Command) bool {
	_, ok := withPayoutMethod(cmd, "")
	return ok
}
