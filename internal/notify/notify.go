// Package notify delivers user-facing notifications about escrow progress.
//
// Delivery is best effort: the Dispatcher fans a message out to every
// channel in the background, logs and counts failures, and never reports
// them back to the caller. A state transition is never undone because a
// text message did not arrive.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/swiftline/escrow/internal/metrics"
)

// DefaultTimeout bounds each channel delivery.
const DefaultTimeout = 15 * time.Second

// ErrNoRecipient is returned by a channel that cannot address the user.
var ErrNoRecipient = errors.New("notify: no recipient address")

// Message kinds.
const (
	KindPaymentSecured    = "payment_secured"
	KindPaymentFailed     = "payment_failed"
	KindOrderAccepted     = "order_accepted"
	KindOrderRejected     = "order_rejected"
	KindOrderShipped      = "order_shipped"
	KindDeliveryOTP       = "delivery_otp"
	KindDelivered         = "delivered"
	KindDisputeOpened     = "dispute_opened"
	KindDisputeResolved   = "dispute_resolved"
	KindTransactionClosed = "transaction_closed"
	KindPayoutSent        = "payout_sent"
	KindRefundSent        = "refund_sent"
	KindStatusChanged     = "status_changed"
)

// Message is one notification for one user.
type Message struct {
	UserID        string
	Kind          string
	TransactionID string
	Body          string
	// Phone overrides the Directory lookup for SMS.
	Phone string
	// Sensitive messages (delivery codes) go to SMS only.
	Sensitive bool
	// Data is attached to realtime events.
	Data map[string]any
	// SMSOnly / RealtimeOnly restrict fan-out.
	SMSOnly      bool
	RealtimeOnly bool
}

// Channel delivers messages over one medium.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, msg *Message) error
}

// Notifier is what the engine depends on.
type Notifier interface {
	Notify(ctx context.Context, msg *Message)
}

// Dispatcher fans messages out to channels asynchronously.
type Dispatcher struct {
	channels []Channel
	timeout  time.Duration
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher over channels.
func NewDispatcher(logger *slog.Logger, channels ...Channel) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{channels: channels, timeout: DefaultTimeout, logger: logger}
}

// WithTimeout overrides the per-delivery timeout.
func (d *Dispatcher) WithTimeout(t time.Duration) *Dispatcher {
	d.timeout = t
	return d
}

// Notify starts delivery on every eligible channel and returns immediately.
// Deliveries outlive the caller's context but not the dispatcher timeout.
func (d *Dispatcher) Notify(ctx context.Context, msg *Message) {
	if msg == nil || msg.UserID == "" {
		return
	}
	base := context.WithoutCancel(ctx)
	for _, ch := range d.channels {
		if !eligible(ch.Name(), msg) {
			continue
		}
		d.wg.Add(1)
		go d.deliver(base, ch, msg)
	}
}

func eligible(channel string, msg *Message) bool {
	switch channel {
	case ChannelSMS:
		return !msg.RealtimeOnly
	case ChannelRealtime:
		return !msg.Sensitive && !msg.SMSOnly
	default:
		return !msg.Sensitive
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ch Channel, msg *Message) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in notification channel", "channel", ch.Name(), "panic", r)
			metrics.NotificationsTotal.WithLabelValues(ch.Name(), "panic").Inc()
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := ch.Deliver(ctx, msg); err != nil {
		result := "error"
		if errors.Is(err, ErrNoRecipient) {
			result = "no_recipient"
		}
		metrics.NotificationsTotal.WithLabelValues(ch.Name(), result).Inc()
		d.logger.Warn("notification delivery failed",
			"channel", ch.Name(),
			"kind", msg.Kind,
			"userId", msg.UserID,
			"transactionId", msg.TransactionID,
			"error", err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues(ch.Name(), "ok").Inc()
}

// Wait blocks until in-flight deliveries finish. Used at shutdown and in tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, *Message) {}

var (
	_ Notifier = (*Dispatcher)(nil)
	_ Notifier = Nop{}
)
