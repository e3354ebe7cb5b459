// Package gateway adapts the M-Pesa Daraja API to the escrow engine:
// initiating STK push collections, reconciling their status, verifying
// result callbacks and disbursing payouts and refunds.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/swiftline/escrow/internal/apperr"
	"github.com/swiftline/escrow/internal/circuitbreaker"
	"github.com/swiftline/escrow/internal/logging"
	"github.com/swiftline/escrow/internal/metrics"
	"github.com/swiftline/escrow/internal/retry"
	"github.com/swiftline/escrow/internal/traces"
	"github.com/swiftline/escrow/internal/validation"
)

// Status is the provider-side state of a collection.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
)

// Operation names used for breaker keys, spans and metrics.
const (
	OpSTKPush  = "stk_push"
	OpSTKQuery = "stk_query"
	OpB2C      = "b2c"
	OpReversal = "reversal"
)

// queryAttempts bounds retries of a status query inside one poll. Queries
// are read-only, so retrying a 5xx or a dropped connection is safe.
const queryAttempts = 3

// PaymentStatus is the result of polling a collection.
type PaymentStatus struct {
	Status     Status
	ResultCode int
	ResultDesc string
}

// ReferenceStore looks up a provider reference already recorded for a
// transaction. It returns "" when none exists.
type ReferenceStore interface {
	ProviderReference(ctx context.Context, transactionID string) (string, error)
}

// Adapter is the engine-facing payment gateway.
type Adapter struct {
	client  *Client
	refs    ReferenceStore
	secret  []byte
	breaker *circuitbreaker.Breaker
	group   singleflight.Group
	logger  *slog.Logger

	retryDelay time.Duration
}

// NewAdapter creates an adapter. refs may be nil, in which case Initiate
// relies on singleflight alone.
func NewAdapter(client *Client, refs ReferenceStore, webhookSecret string, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		client:  client,
		refs:    refs,
		secret:  []byte(webhookSecret),
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  logger,

		retryDelay: DefaultRetryDelay,
	}
}

// WithRetryDelay overrides the base backoff between status query retries.
func (a *Adapter) WithRetryDelay(d time.Duration) *Adapter {
	a.retryDelay = d
	return a
}

// WithBreaker overrides the circuit breaker.
func (a *Adapter) WithBreaker(b *circuitbreaker.Breaker) *Adapter {
	a.breaker = b
	return a
}

// Breaker exposes the adapter's breaker so callers can distinguish an open
// circuit from a provider failure.
func (a *Adapter) Breaker() *circuitbreaker.Breaker { return a.breaker }

// call runs fn under the operation's breaker, a tracing span and metrics.
// Permanent (4xx) errors do not trip the breaker.
func (a *Adapter) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := traces.StartSpan(ctx, "gateway."+op, traces.Operation(op))
	start := time.Now()

	err := a.breaker.Execute(op, func(err error) bool { return !retry.IsPermanent(err) }, func() error {
		return fn(ctx)
	})

	metrics.GatewayCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	metrics.GatewayCallsTotal.WithLabelValues(op, callResult(err)).Inc()
	traces.End(span, err)
	return err
}

func callResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, circuitbreaker.ErrOpen):
		return "circuit_open"
	case retry.IsPermanent(err):
		return "rejected"
	default:
		return "error"
	}
}

// Initiate sends an STK push for the transaction and returns the provider
// reference (CheckoutRequestID). Repeated calls for the same transaction
// return the existing reference; concurrent calls share one request.
func (a *Adapter) Initiate(ctx context.Context, transactionID string, amount decimal.Decimal, payerPhone string) (string, error) {
	phone := validation.NormalizeMSISDN(payerPhone)
	if phone == "" {
		return "", apperr.New(apperr.KindValidation, "payer phone %q is not a valid Safaricom number", logging.MaskPhone(payerPhone))
	}

	v, err, _ := a.group.Do(transactionID, func() (any, error) {
		if a.refs != nil {
			ref, err := a.refs.ProviderReference(ctx, transactionID)
			if err != nil {
				return "", apperr.Wrap(apperr.KindInternal, err, "look up provider reference")
			}
			if ref != "" {
				return ref, nil
			}
		}

		var resp *STKPushResponse
		err := a.call(ctx, OpSTKPush, func(ctx context.Context) error {
			var err error
			resp, err = a.client.STKPush(ctx, STKPushRequest{
				Amount:           amount,
				Phone:            phone,
				AccountReference: transactionID[len(transactionID)-min(12, len(transactionID)):],
				Description:      "Escrow payment",
			})
			return err
		})
		if err != nil {
			return "", apperr.Wrap(apperr.KindGatewayError, err, "initiate payment")
		}

		a.logger.Info("stk push initiated",
			"transactionId", transactionID,
			"providerReference", resp.CheckoutRequestID,
			"phone", logging.MaskPhone(phone))
		return resp.CheckoutRequestID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// PollStatus queries the provider for a collection's outcome. Transient
// failures are retried a few times; each attempt counts against the
// breaker, and an open circuit ends the retries.
func (a *Adapter) PollStatus(ctx context.Context, providerReference string) (*PaymentStatus, error) {
	var resp *STKQueryResponse
	err := retry.Do(ctx, queryAttempts, a.retryDelay, func() error {
		err := a.call(ctx, OpSTKQuery, func(ctx context.Context) error {
			var err error
			resp, err = a.client.STKQuery(ctx, providerReference)
			if IsStillProcessing(err) {
				resp = nil
				return nil
			}
			return err
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(err)
		}
		if err != nil {
			a.logger.Debug("stk query failed", "providerReference", providerReference, "error", err)
		}
		return err
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindGatewayError, err, "query payment status")
	}
	if resp == nil || resp.ResultCode == "" {
		return &PaymentStatus{Status: StatusPending}, nil
	}

	code, convErr := strconv.Atoi(resp.ResultCode)
	if convErr != nil {
		return nil, apperr.New(apperr.KindGatewayError, "unexpected result code %q", resp.ResultCode)
	}
	st := &PaymentStatus{ResultCode: code, ResultDesc: resp.ResultDesc}
	if code == ResultSuccess {
		st.Status = StatusConfirmed
	} else {
		st.Status = StatusFailed
	}
	return st, nil
}

// HandleWebhook verifies and parses an inbound STK callback. An invalid
// signature returns ErrInvalidSignature; an unparseable body returns a
// VALIDATION error wrapping ErrMalformedPayload.
func (a *Adapter) HandleWebhook(raw []byte, signature string) (*Event, error) {
	if !VerifySignature(a.secret, raw, signature) {
		return nil, ErrInvalidSignature
	}
	ev, err := ParseSTKCallback(raw)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "parse callback")
	}
	return ev, nil
}

// Disburse pays amount to destination (an MSISDN) through B2C. The
// instruction ID is sent as the originator conversation ID so a provider
// retry is recognisable. Returns the provider conversation ID.
func (a *Adapter) Disburse(ctx context.Context, instructionID string, amount decimal.Decimal, destination, remarks string) (string, error) {
	phone := validation.NormalizeMSISDN(destination)
	if phone == "" {
		return "", retry.Permanent(fmt.Errorf("invalid payout destination %s", logging.MaskPhone(destination)))
	}
	var resp *AsyncResponse
	err := a.call(ctx, OpB2C, func(ctx context.Context) error {
		var err error
		resp, err = a.client.B2C(ctx, B2CRequest{
			OriginatorConversationID: instructionID,
			Amount:                   amount,
			Phone:                    phone,
			Remarks:                  remarks,
			Occasion:                 instructionID,
		})
		return err
	})
	if err != nil {
		return "", err
	}
	return resp.ConversationID, nil
}

// Reverse returns a collected payment to the payer by reversing its
// receipt. Returns the provider conversation ID.
func (a *Adapter) Reverse(ctx context.Context, instructionID, receipt string, amount decimal.Decimal, remarks string) (string, error) {
	if receipt == "" {
		return "", retry.Permanent(fmt.Errorf("instruction %s has no provider receipt to reverse", instructionID))
	}
	var resp *AsyncResponse
	err := a.call(ctx, OpReversal, func(ctx context.Context) error {
		var err error
		resp, err = a.client.Reverse(ctx, ReversalRequest{Receipt: receipt, Amount: amount, Remarks: remarks})
		return err
	})
	if err != nil {
		return "", err
	}
	return resp.ConversationID, nil
}
