// Package payout disburses settled escrow funds: payouts to sellers when a
// transaction completes and refunds to buyers when it is rejected, expires
// or loses a dispute.
//
// Every settlement is an Instruction persisted before any money moves. A
// dispatcher claims an instruction (PENDING to SENDING) before calling the
// provider, so replicas sharing a store never send it twice. Instructions
// are retried with exponential backoff and, when retries are
// exhausted or the provider rejects them outright, parked as FAILED for
// manual intervention. The escrow transaction itself is never rolled back.
package payout

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInstructionNotFound = errors.New("payout: instruction not found")
	ErrMethodNotFound      = errors.New("payout: payout method not found")
	ErrNoPayoutMethod      = errors.New("payout: seller has no default payout method")
	ErrNotRetryable        = errors.New("payout: only FAILED instructions can be retried")
	ErrInvalidRequest      = errors.New("payout: invalid instruction request")
)

// Kind distinguishes seller payouts from buyer refunds.
type Kind string

const (
	KindPayout Kind = "payout"
	KindRefund Kind = "refund"
)

// Status of an instruction.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSending Status = "SENDING" // claimed by a dispatcher, provider call in flight
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSending, StatusSent, StatusFailed:
		return true
	}
	return false
}

// Instruction is a request to move settled funds out of escrow.
type Instruction struct {
	ID             string `json:"id"`
	TransactionID  string `json:"transactionId"`
	Kind           Kind   `json:"kind"`
	RecipientID    string `json:"recipientId"`
	PayoutMethodID string `json:"payoutMethodId,omitempty"`
	// Destination is the recipient MSISDN.
	Destination string `json:"destination"`
	// ProviderReceipt is the collection receipt a refund reverses. Without
	// one the refund is paid to Destination instead.
	ProviderReceipt   string          `json:"providerReceipt,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            Status          `json:"status"`
	Attempts          int             `json:"attempts"`
	NextAttemptAt     time.Time       `json:"nextAttemptAt"`
	LastError         string          `json:"lastError,omitempty"`
	ProviderReference string          `json:"providerReference,omitempty"`
	SentAt            *time.Time      `json:"sentAt,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// Request asks the dispatcher to settle a transaction.
type Request struct {
	TransactionID   string
	Kind            Kind
	RecipientID     string
	PayoutMethodID  string
	Destination     string
	ProviderReceipt string
	Amount          decimal.Decimal
	Currency        string
}

func (r Request) validate() error {
	switch {
	case r.TransactionID == "", r.RecipientID == "", r.Destination == "":
		return ErrInvalidRequest
	case r.Kind != KindPayout && r.Kind != KindRefund:
		return ErrInvalidRequest
	case !r.Amount.IsPositive():
		return ErrInvalidRequest
	}
	return nil
}

// Store persists instructions.
type Store interface {
	// Create inserts inst unless the transaction already has an
	// instruction, in which case it returns the existing one and false.
	Create(ctx context.Context, inst *Instruction) (*Instruction, bool, error)
	Get(ctx context.Context, id string) (*Instruction, error)
	GetByTransaction(ctx context.Context, transactionID string) (*Instruction, error)
	Update(ctx context.Context, inst *Instruction) error
	// Claim moves a PENDING instruction to SENDING. It returns false when
	// the instruction is no longer PENDING.
	Claim(ctx context.Context, id string, now time.Time) (bool, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Instruction, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Instruction, error)
	CountByStatus(ctx context.Context, status Status) (int, error)
}

// Disburser moves money through the payment provider. Both calls return
// the provider's reference for the request.
type Disburser interface {
	Disburse(ctx context.Context, instructionID string, amount decimal.Decimal, destination, remarks string) (string, error)
	Reverse(ctx context.Context, instructionID, receipt string, amount decimal.Decimal, remarks string) (string, error)
}
