// Package idempotency records which provider events have been applied so
// that webhook retries, duplicate deliveries and the reconciliation poll
// cause at most one state transition per (providerReference, eventType).
//
// A ledger is append-only. The single exception is Release, which undoes a
// claim whose application failed transiently so that the provider's next
// retry can apply it. The Postgres ledger keeps keys forever; the Redis
// ledger expires them after a retention period that outlasts every
// redelivery window.
package idempotency

import (
	"context"
	"errors"
)

// Event types recorded by the escrow engine.
const (
	EventPaymentConfirmed = "payment.confirmed"
	EventPaymentFailed    = "payment.failed"
)

// ErrEmptyKey is returned when a reference or event type is missing.
var ErrEmptyKey = errors.New("idempotency: provider reference and event type are required")

// Ledger is the idempotency gate for provider events.
type Ledger interface {
	// Claim atomically records the key if absent. It returns true when this
	// caller owns the event and must apply it, false when it was already
	// processed (or is being processed) elsewhere.
	Claim(ctx context.Context, providerReference, eventType string) (bool, error)
	// Release removes a claim whose application did not commit.
	Release(ctx context.Context, providerReference, eventType string) error
	// Seen reports whether the key has been recorded.
	Seen(ctx context.Context, providerReference, eventType string) (bool, error)
}

func validKey(providerReference, eventType string) error {
	if providerReference == "" || eventType == "" {
		return ErrEmptyKey
	}
	return nil
}
