package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/swiftline/escrow/internal/auth"
	"github.com/swiftline/escrow/internal/logging"
)

func testHub() *Hub {
	return NewHub(logging.Discard())
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)
	return h
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_OwnUserOnly(t *testing.T) {
	h := testHub()
	client := &Client{userID: "buyer_1"}

	event := &Event{Type: EventTransactionUpdated}
	if !h.shouldSend(client, "buyer_1", event) {
		t.Error("client should receive its own user's events")
	}
	if h.shouldSend(client, "buyer_2", event) {
		t.Error("client should NOT receive another user's events")
	}
}

func TestShouldSend_StaffAllUsers(t *testing.T) {
	h := testHub()
	event := &Event{Type: EventTransactionUpdated}

	staff := &Client{userID: "adj_1", staff: true, sub: Subscription{AllUsers: true}}
	if !h.shouldSend(staff, "buyer_1", event) {
		t.Error("staff with AllUsers should see every user's events")
	}

	// AllUsers is ignored for non-staff.
	user := &Client{userID: "buyer_2", sub: Subscription{AllUsers: true}}
	if h.shouldSend(user, "buyer_1", event) {
		t.Error("non-staff must not see other users' events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()
	client := &Client{userID: "u", sub: Subscription{EventTypes: []EventType{EventPayoutUpdated}}}

	if h.shouldSend(client, "u", &Event{Type: EventTransactionUpdated}) {
		t.Error("should NOT receive transaction events")
	}
	if !h.shouldSend(client, "u", &Event{Type: EventPayoutUpdated}) {
		t.Error("should receive payout events")
	}
}

func TestShouldSend_TransactionFilter(t *testing.T) {
	h := testHub()
	client := &Client{userID: "u", sub: Subscription{TransactionIDs: []string{"txn_a"}}}

	if !h.shouldSend(client, "u", &Event{Type: EventTransactionUpdated, TransactionID: "txn_a"}) {
		t.Error("should receive watched transaction")
	}
	if h.shouldSend(client, "u", &Event{Type: EventTransactionUpdated, TransactionID: "txn_b"}) {
		t.Error("should NOT receive unwatched transaction")
	}
	if !h.shouldSend(client, "u", &Event{Type: EventNotification}) {
		t.Error("events without a transaction pass the transaction filter")
	}
}

// ---------------------------------------------------------------------------
// Hub loop tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	stats := testHub().Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("expected 0 clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("expected 0 events, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := startHub(t)

	client := &Client{hub: h, userID: "seller_1", send: make(chan []byte, 256)}
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	if !h.Connected("seller_1") {
		t.Error("seller_1 should be connected")
	}
	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 || stats["connectedUsers"].(int) != 1 {
		t.Errorf("unexpected stats after register: %v", stats)
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	if h.Connected("seller_1") {
		t.Error("seller_1 should be disconnected")
	}
	if h.Stats()["peakClients"].(int64) != 1 {
		t.Error("peak should remain 1")
	}
}

func TestHub_SendRoutesByUser(t *testing.T) {
	h := startHub(t)

	buyer := &Client{hub: h, userID: "buyer_1", send: make(chan []byte, 8)}
	other := &Client{hub: h, userID: "buyer_2", send: make(chan []byte, 8)}
	h.register <- buyer
	h.register <- other
	time.Sleep(50 * time.Millisecond)

	h.Send("buyer_1", &Event{Type: EventTransactionUpdated, TransactionID: "txn_1", Data: map[string]string{"status": "ESCROWED"}})

	select {
	case msg := <-buyer.send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.TransactionID != "txn_1" || ev.Timestamp.IsZero() {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	time.Sleep(50 * time.Millisecond)
	select {
	case <-other.send:
		t.Error("other user should not receive the event")
	default:
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	if !h.Running() {
		t.Error("hub should report running")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("hub did not stop after context cancellation")
	}
	if h.Running() {
		t.Error("hub should report stopped")
	}
}

func TestHandler_EndToEnd(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := startHub(t)
	v := auth.NewVerifier("secret", "")

	r := gin.New()
	r.GET("/v1/ws", h.Handler(v))
	srv := httptest.NewServer(r)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"

	// No token: rejected before upgrade.
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Fatal("expected dial without token to fail")
	} else if resp != nil && resp.StatusCode != 401 {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}

	token, err := v.Sign(auth.Principal{ID: "buyer_1", Role: auth.RoleUser}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for !h.Connected("buyer_1") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	h.Send("buyer_1", &Event{Type: EventNotification, Data: "hello"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), `"notification"`) {
		t.Errorf("unexpected message %s", msg)
	}
}
