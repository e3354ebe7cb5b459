package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/swiftline/escrow/internal/logging"
)

// Channel names.
const (
	ChannelSMS      = "sms"
	ChannelRealtime = "realtime"
)

// messageCreator is the part of the Twilio REST client the SMS sender uses.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioClient sends SMS through Twilio's Messages resource.
type TwilioClient struct {
	api  messageCreator
	from string
}

// NewTwilioClient creates a client for the given account.
func NewTwilioClient(accountSID, authToken, from string) *TwilioClient {
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioClient{api: rest.Api, from: from}
}

// Send delivers body to the E.164 number to and returns the message SID.
func (c *TwilioClient) Send(ctx context.Context, to, body string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(c.from)
	params.SetBody(body)

	resp, err := c.api.CreateMessage(params)
	if err != nil {
		var restErr *twilioclient.TwilioRestError
		if errors.As(err, &restErr) {
			return "", fmt.Errorf("twilio: HTTP %d code %d: %s", restErr.Status, restErr.Code, restErr.Message)
		}
		return "", fmt.Errorf("twilio request failed: %w", err)
	}
	if resp == nil || resp.Sid == nil || *resp.Sid == "" {
		return "", errors.New("twilio: response carried no message sid")
	}
	return *resp.Sid, nil
}

// Sender is the SMS transport used by the SMS channel.
type Sender interface {
	Send(ctx context.Context, to, body string) (string, error)
}

// SMS is the text message channel.
type SMS struct {
	sender Sender
	dir    Directory
}

// NewSMS creates an SMS channel.
func NewSMS(sender Sender, dir Directory) *SMS {
	return &SMS{sender: sender, dir: dir}
}

func (s *SMS) Name() string { return ChannelSMS }

func (s *SMS) Deliver(ctx context.Context, msg *Message) error {
	if msg.Body == "" {
		return nil
	}
	phone := msg.Phone
	if phone == "" && s.dir != nil {
		p, err := s.dir.Phone(ctx, msg.UserID)
		if err != nil {
			return err
		}
		phone = p
	}
	if phone == "" {
		return ErrNoRecipient
	}
	to := phone
	if !strings.HasPrefix(to, "+") {
		to = "+" + to
	}
	if _, err := s.sender.Send(ctx, to, msg.Body); err != nil {
		return fmt.Errorf("send sms to %s: %w", logging.MaskPhone(phone), err)
	}
	return nil
}

var _ Channel = (*SMS)(nil)
