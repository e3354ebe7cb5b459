package gateway

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/swiftline/escrow/internal/idempotency"
)

// SignatureHeader carries hex(HMAC-SHA256(secret, body)) on inbound callbacks.
const SignatureHeader = "X-Swiftline-Signature"

var (
	// ErrInvalidSignature is returned when a callback fails verification.
	ErrInvalidSignature = errors.New("gateway: invalid webhook signature")
	// ErrMalformedPayload is returned when a verified callback cannot be parsed.
	ErrMalformedPayload = errors.New("gateway: malformed webhook payload")
)

// Result codes that appear in STK callbacks and queries.
const (
	ResultSuccess         = 0
	ResultCancelledByUser = 1032
)

// Event is a verified, parsed provider payment event.
type Event struct {
	ProviderReference string          `json:"providerReference"`
	MerchantRequestID string          `json:"merchantRequestId,omitempty"`
	EventType         string          `json:"eventType"`
	Outcome           Status          `json:"outcome"`
	Amount            decimal.Decimal `json:"amount"`
	Receipt           string          `json:"receipt,omitempty"`
	Phone             string          `json:"phone,omitempty"`
	TransactionDate   *time.Time      `json:"transactionDate,omitempty"`
	ResultCode        int             `json:"resultCode"`
	ResultDesc        string          `json:"resultDesc"`
}

// Sign computes the callback signature for body. Exposed for tests and for
// the relay that fronts Daraja.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks signature against body in constant time.
func VerifySignature(secret, body []byte, signature string) bool {
	if len(secret) == 0 || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

type stkCallbackEnvelope struct {
	Body struct {
		STKCallback *struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  *struct {
				Item []struct {
					Name  string          `json:"Name"`
					Value json.RawMessage `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseSTKCallback decodes a Lipa Na M-Pesa Online result callback.
func ParseSTKCallback(raw []byte) (*Event, error) {
	var env stkCallbackEnvelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	cb := env.Body.STKCallback
	if cb == nil || cb.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%w: missing stkCallback.CheckoutRequestID", ErrMalformedPayload)
	}

	ev := &Event{
		ProviderReference: cb.CheckoutRequestID,
		MerchantRequestID: cb.MerchantRequestID,
		ResultCode:        cb.ResultCode,
		ResultDesc:        cb.ResultDesc,
	}
	if cb.ResultCode != ResultSuccess {
		ev.EventType = idempotency.EventPaymentFailed
		ev.Outcome = StatusFailed
		return ev, nil
	}

	ev.EventType = idempotency.EventPaymentConfirmed
	ev.Outcome = StatusConfirmed
	if cb.CallbackMetadata == nil {
		return nil, fmt.Errorf("%w: successful callback without metadata", ErrMalformedPayload)
	}
	for _, item := range cb.CallbackMetadata.Item {
		val := rawValue(item.Value)
		switch item.Name {
		case "Amount":
			amt, err := decimal.NewFromString(val)
			if err != nil {
				return nil, fmt.Errorf("%w: amount %q", ErrMalformedPayload, val)
			}
			ev.Amount = amt
		case "MpesaReceiptNumber":
			ev.Receipt = val
		case "PhoneNumber":
			ev.Phone = val
		case "TransactionDate":
			if t, err := time.ParseInLocation(stampLayout, val, nairobi); err == nil {
				t = t.UTC()
				ev.TransactionDate = &t
			}
		}
	}
	if ev.Receipt == "" || !ev.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: successful callback missing receipt or amount", ErrMalformedPayload)
	}
	return ev, nil
}

// rawValue renders a metadata value as text whether Daraja sent it as a
// JSON string or a number.
func rawValue(v json.RawMessage) string {
	s := strings.TrimSpace(string(v))
	if unq, err := strconv.Unquote(s); err == nil {
		return unq
	}
	return s
}
