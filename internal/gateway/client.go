package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/swiftline/escrow/internal/retry"
)

const (
	maxResponseSize = 1 << 20

	// DefaultHTTPTimeout bounds every provider call.
	DefaultHTTPTimeout = 30 * time.Second

	pathToken     = "/oauth/v1/generate?grant_type=client_credentials"
	pathSTKPush   = "/mpesa/stkpush/v1/processrequest"
	pathSTKQuery  = "/mpesa/stkpushquery/v1/query"
	pathB2C       = "/mpesa/b2c/v3/paymentrequest"
	pathReversal  = "/mpesa/reversal/v1/request"
	stampLayout   = "20060102150405"
	tokenLeeway   = time.Minute
	codeAccepted  = "0"
	codeStillBusy = "500.001.1001"

	// DefaultRetryDelay is the first backoff between retries of idempotent
	// calls (token fetch, status query).
	DefaultRetryDelay = 250 * time.Millisecond
	tokenAttempts     = 3
)

// nairobi is the timezone Daraja expects for password timestamps.
var nairobi = time.FixedZone("EAT", 3*60*60)

// ClientConfig holds Daraja credentials and callback endpoints.
type ClientConfig struct {
	BaseURL            string
	ConsumerKey        string
	ConsumerSecret     string
	ShortCode          string
	Passkey            string
	CallbackURL        string
	ResultURL          string
	TimeoutURL         string
	InitiatorName      string
	SecurityCredential string
	Timeout            time.Duration
}

// APIError is a non-2xx response from Daraja.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("mpesa: HTTP %d: %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("mpesa: HTTP %d: %s", e.StatusCode, e.Message)
}

// IsStillProcessing reports whether err is Daraja's "transaction is being
// processed" answer to an STK query.
func IsStillProcessing(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == codeStillBusy
}

// Client is a minimal M-Pesa Daraja REST client.
type Client struct {
	cfg        ClientConfig
	http       *http.Client
	now        func() time.Time
	retryDelay time.Duration

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient creates a Daraja client. A zero Timeout uses DefaultHTTPTimeout.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultHTTPTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		http:       &http.Client{Timeout: cfg.Timeout},
		now:        time.Now,
		retryDelay: DefaultRetryDelay,
	}
}

// WithRetryDelay overrides the base backoff for retried calls.
func (c *Client) WithRetryDelay(d time.Duration) *Client {
	c.retryDelay = d
	return c
}

// accessToken returns a cached OAuth token, fetching a new one when the
// cached token is within a minute of expiry.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	err := retry.Do(ctx, tokenAttempts, c.retryDelay, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+pathToken, nil)
		if err != nil {
			return retry.Permanent(fmt.Errorf("create token request: %w", err))
		}
		req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)
		return c.do(req, &out)
	})
	if err != nil {
		return "", fmt.Errorf("fetch access token: %w", err)
	}
	if out.AccessToken == "" {
		return "", errors.New("mpesa: empty access token")
	}

	ttl, _ := strconv.Atoi(out.ExpiresIn)
	if ttl <= 0 {
		ttl = 3599
	}
	c.token = out.AccessToken
	c.tokenExpiry = c.now().Add(time.Duration(ttl)*time.Second - tokenLeeway)
	return c.token, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	err = c.do(req, out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
	}
	return err
}

// do executes req and decodes a JSON body into out. 4xx responses are
// permanent; 5xx and transport failures are transient.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("mpesa request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var e struct {
			ErrorCode    string `json:"errorCode"`
			ErrorMessage string `json:"errorMessage"`
		}
		if json.Unmarshal(body, &e) == nil && e.ErrorCode != "" {
			apiErr.Code = e.ErrorCode
			apiErr.Message = e.ErrorMessage
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return retry.Permanent(apiErr)
		}
		return apiErr
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) password(ts string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.cfg.ShortCode + c.cfg.Passkey + ts))
}

func (c *Client) timestamp() string {
	return c.now().In(nairobi).Format(stampLayout)
}

// wholeShillings renders amount the way Daraja requires: an integer.
func wholeShillings(amount decimal.Decimal) (string, error) {
	if !amount.Equal(amount.Truncate(0)) {
		return "", retry.Permanent(fmt.Errorf("mpesa amounts must be whole shillings, got %s", amount))
	}
	return amount.StringFixed(0), nil
}

// STKPushRequest initiates a Lipa Na M-Pesa Online collection.
type STKPushRequest struct {
	Amount           decimal.Decimal
	Phone            string
	AccountReference string
	Description      string
}

// STKPushResponse is Daraja's synchronous acknowledgement.
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// STKPush sends a payment prompt to the payer's handset.
func (c *Client) STKPush(ctx context.Context, r STKPushRequest) (*STKPushResponse, error) {
	amount, err := wholeShillings(r.Amount)
	if err != nil {
		return nil, err
	}
	ts := c.timestamp()
	body := map[string]string{
		"BusinessShortCode": c.cfg.ShortCode,
		"Password":          c.password(ts),
		"Timestamp":         ts,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            amount,
		"PartyA":            r.Phone,
		"PartyB":            c.cfg.ShortCode,
		"PhoneNumber":       r.Phone,
		"CallBackURL":       c.cfg.CallbackURL,
		"AccountReference":  truncate(r.AccountReference, 12),
		"TransactionDesc":   truncate(r.Description, 13),
	}
	var out STKPushResponse
	if err := c.post(ctx, pathSTKPush, body, &out); err != nil {
		return nil, err
	}
	if out.ResponseCode != codeAccepted || out.CheckoutRequestID == "" {
		return nil, retry.Permanent(fmt.Errorf("mpesa: stk push rejected: %s %s", out.ResponseCode, out.ResponseDescription))
	}
	return &out, nil
}

// STKQueryResponse is the status of an earlier STK push.
type STKQueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

// STKQuery asks for the outcome of an STK push. While the payer has not
// answered, Daraja replies with an error that IsStillProcessing recognises.
func (c *Client) STKQuery(ctx context.Context, checkoutRequestID string) (*STKQueryResponse, error) {
	ts := c.timestamp()
	body := map[string]string{
		"BusinessShortCode": c.cfg.ShortCode,
		"Password":          c.password(ts),
		"Timestamp":         ts,
		"CheckoutRequestID": checkoutRequestID,
	}
	var out STKQueryResponse
	if err := c.post(ctx, pathSTKQuery, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AsyncResponse acknowledges a B2C or reversal request. The final result is
// delivered later to ResultURL.
type AsyncResponse struct {
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
}

func (r *AsyncResponse) check(op string) error {
	if r.ResponseCode != codeAccepted {
		return retry.Permanent(fmt.Errorf("mpesa: %s rejected: %s %s", op, r.ResponseCode, r.ResponseDescription))
	}
	return nil
}

// B2CRequest pays out from the shortcode to a customer wallet.
type B2CRequest struct {
	OriginatorConversationID string
	Amount                   decimal.Decimal
	Phone                    string
	Remarks                  string
	Occasion                 string
}

// B2C sends a business payment.
func (c *Client) B2C(ctx context.Context, r B2CRequest) (*AsyncResponse, error) {
	amount, err := wholeShillings(r.Amount)
	if err != nil {
		return nil, err
	}
	body := map[string]string{
		"OriginatorConversationID": r.OriginatorConversationID,
		"InitiatorName":            c.cfg.InitiatorName,
		"SecurityCredential":       c.cfg.SecurityCredential,
		"CommandID":                "BusinessPayment",
		"Amount":                   amount,
		"PartyA":                   c.cfg.ShortCode,
		"PartyB":                   r.Phone,
		"Remarks":                  truncate(r.Remarks, 100),
		"QueueTimeOutURL":          c.cfg.TimeoutURL,
		"ResultURL":                c.cfg.ResultURL,
		"Occasion":                 truncate(r.Occasion, 100),
	}
	var out AsyncResponse
	if err := c.post(ctx, pathB2C, body, &out); err != nil {
		return nil, err
	}
	return &out, out.check("b2c")
}

// ReversalRequest reverses a completed C2B receipt back to the payer.
type ReversalRequest struct {
	Receipt string
	Amount  decimal.Decimal
	Remarks string
}

// Reverse requests a transaction reversal.
func (c *Client) Reverse(ctx context.Context, r ReversalRequest) (*AsyncResponse, error) {
	amount, err := wholeShillings(r.Amount)
	if err != nil {
		return nil, err
	}
	body := map[string]string{
		"Initiator":              c.cfg.InitiatorName,
		"SecurityCredential":     c.cfg.SecurityCredential,
		"CommandID":              "TransactionReversal",
		"TransactionID":          r.Receipt,
		"Amount":                 amount,
		"ReceiverParty":          c.cfg.ShortCode,
		"RecieverIdentifierType": "11",
		"ResultURL":              c.cfg.ResultURL,
		"QueueTimeOutURL":        c.cfg.TimeoutURL,
		"Remarks":                truncate(r.Remarks, 100),
		"Occasion":               "",
	}
	var out AsyncResponse
	if err := c.post(ctx, pathReversal, body, &out); err != nil {
		return nil, err
	}
	return &out, out.check("reversal")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
