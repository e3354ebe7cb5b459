package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/swiftline/escrow/internal/logging"
)

type recordingChannel struct {
	name string
	mu   sync.Mutex
	got  []*Message
	err  error
	wait time.Duration
}

func (r *recordingChannel) Name() string { return r.name }

func (r *recordingChannel) Deliver(ctx context.Context, msg *Message) error {
	if r.wait > 0 {
		select {
		case <-time.After(r.wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	r.got = append(r.got, msg)
	r.mu.Unlock()
	return r.err
}

func (r *recordingChannel) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestDispatcher_FanOut(t *testing.T) {
	sms := &recordingChannel{name: ChannelSMS}
	rt := &recordingChannel{name: ChannelRealtime}
	d := NewDispatcher(logging.Discard(), sms, rt)

	d.Notify(context.Background(), &Message{UserID: "seller_1", Kind: KindPaymentSecured, Body: "paid"})
	d.Wait()

	assert.Equal(t, 1, sms.count())
	assert.Equal(t, 1, rt.count())
}

func TestDispatcher_SensitiveGoesToSMSOnly(t *testing.T) {
	sms := &recordingChannel{name: ChannelSMS}
	rt := &recordingChannel{name: ChannelRealtime}
	d := NewDispatcher(logging.Discard(), sms, rt)

	d.Notify(context.Background(), &Message{UserID: "buyer_1", Kind: KindDeliveryOTP, Body: "code 123456", Sensitive: true})
	d.Wait()

	assert.Equal(t, 1, sms.count())
	assert.Zero(t, rt.count())
}

func TestDispatcher_RealtimeOnly(t *testing.T) {
	sms := &recordingChannel{name: ChannelSMS}
	rt := &recordingChannel{name: ChannelRealtime}
	d := NewDispatcher(logging.Discard(), sms, rt)

	d.Notify(context.Background(), &Message{UserID: "buyer_1", Kind: KindStatusChanged, RealtimeOnly: true})
	d.Wait()

	assert.Zero(t, sms.count())
	assert.Equal(t, 1, rt.count())
}

func TestDispatcher_FailuresAreSwallowed(t *testing.T) {
	failing := &recordingChannel{name: ChannelSMS, err: errors.New("boom")}
	slow := &recordingChannel{name: ChannelRealtime, wait: time.Second}
	d := NewDispatcher(logging.Discard(), failing, slow).WithTimeout(20 * time.Millisecond)

	// Caller's context being cancelled must not abort delivery.
	ctx, cancel := context.WithCancel(context.Background())
	d.Notify(ctx, &Message{UserID: "u", Body: "x"})
	cancel()
	d.Wait()

	assert.Equal(t, 1, failing.count())
	assert.Zero(t, slow.count(), "slow channel timed out")
}

func TestDispatcher_IgnoresMissingUser(t *testing.T) {
	ch := &recordingChannel{name: ChannelSMS}
	d := NewDispatcher(logging.Discard(), ch)
	d.Notify(context.Background(), &Message{Body: "x"})
	d.Notify(context.Background(), nil)
	d.Wait()
	assert.Zero(t, ch.count())
}

type fakeSender struct {
	to, body string
}

func (f *fakeSender) Send(_ context.Context, to, body string) (string, error) {
	f.to, f.body = to, body
	return "SM1", nil
}

func TestSMS_DirectoryLookup(t *testing.T) {
	dir := NewMemoryDirectory()
	dir.Set("buyer_1", "254712345678")
	sender := &fakeSender{}
	s := NewSMS(sender, dir)

	require.NoError(t, s.Deliver(context.Background(), &Message{UserID: "buyer_1", Body: "hi"}))
	assert.Equal(t, "+254712345678", sender.to)

	err := s.Deliver(context.Background(), &Message{UserID: "nobody", Body: "hi"})
	assert.ErrorIs(t, err, ErrNoRecipient)

	require.NoError(t, s.Deliver(context.Background(), &Message{UserID: "nobody", Phone: "+254700000001", Body: "hi"}))
	assert.Equal(t, "+254700000001", sender.to)
}

type fakeMessages struct {
	params []*twilioApi.CreateMessageParams
	err    error
}

func (f *fakeMessages) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	f.params = append(f.params, params)
	if f.err != nil {
		return nil, f.err
	}
	sid := "SM123"
	return &twilioApi.ApiV2010Message{Sid: &sid}, nil
}

func TestTwilioClient_Send(t *testing.T) {
	api := &fakeMessages{}
	c := &TwilioClient{api: api, from: "+15005550006"}

	sid, err := c.Send(context.Background(), "+254712345678", "hello")
	require.NoError(t, err)
	assert.Equal(t, "SM123", sid)
	require.Len(t, api.params, 1)
	assert.Equal(t, "+254712345678", *api.params[0].To)
	assert.Equal(t, "+15005550006", *api.params[0].From)
	assert.Equal(t, "hello", *api.params[0].Body)

	t.Run("rest error", func(t *testing.T) {
		api.err = &twilioclient.TwilioRestError{Code: 21211, Message: "invalid To", Status: 400}
		_, err := c.Send(context.Background(), "+254712345678", "hello")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid To")
		assert.Contains(t, err.Error(), "21211")
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		calls := len(api.params)
		_, err := c.Send(ctx, "+254712345678", "hello")
		assert.ErrorIs(t, err, context.Canceled)
		assert.Len(t, api.params, calls)
	})
}

func TestNewTwilioClient(t *testing.T) {
	c := NewTwilioClient("AC123", "token", "+15005550006")
	assert.NotNil(t, c.api)
	assert.Equal(t, "+15005550006", c.from)
}
