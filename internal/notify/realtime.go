package notify

import (
	"context"

	"github.com/swiftline/escrow/internal/realtime"
)

// Realtime pushes messages to the user's open WebSocket connections.
type Realtime struct {
	hub *realtime.Hub
}

// NewRealtime creates a realtime channel on hub.
func NewRealtime(hub *realtime.Hub) *Realtime {
	return &Realtime{hub: hub}
}

func (r *Realtime) Name() string { return ChannelRealtime }

func (r *Realtime) Deliver(_ context.Context, msg *Message) error {
	evType := realtime.EventNotification
	switch msg.Kind {
	case KindStatusChanged:
		evType = realtime.EventTransactionUpdated
	case KindPayoutSent, KindRefundSent:
		evType = realtime.EventPayoutUpdated
	}

	data := make(map[string]any, len(msg.Data)+2)
	for k, v := range msg.Data {
		data[k] = v
	}
	data["kind"] = msg.Kind
	if msg.Body != "" {
		data["message"] = msg.Body
	}

	r.hub.Send(msg.UserID, &realtime.Event{
		Type:          evType,
		TransactionID: msg.TransactionID,
		Data:          data,
	})
	return nil
}

var _ Channel = (*Realtime)(nil)
