package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftline/escrow/internal/apperr"
	"github.com/swiftline/escrow/internal/circuitbreaker"
	"github.com/swiftline/escrow/internal/idempotency"
	"github.com/swiftline/escrow/internal/logging"
	"github.com/swiftline/escrow/internal/retry"
)

const testSecret = "whsec_test"

// fakeDaraja is an httptest stand-in for the Daraja API.
type fakeDaraja struct {
	mu          sync.Mutex
	tokenCalls  atomic.Int32
	stkCalls    atomic.Int32
	lastBody    map[string]string
	queryResult string // "" means still processing
	b2cStatus   int
	stkDelay    time.Duration

	tokenFailures atomic.Int32 // 503s before a token is issued
	queryFailures atomic.Int32 // 503s before a query is answered
	queryCalls    atomic.Int32
}

// failOnce consumes one scheduled failure from n.
func failOnce(n *atomic.Int32) bool {
	for {
		left := n.Load()
		if left <= 0 {
			return false
		}
		if n.CompareAndSwap(left, left-1) {
			return true
		}
	}
}

func (f *fakeDaraja) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		if failOnce(&f.tokenFailures) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "tok", "expires_in": "3599"})
	})
	authed := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer tok" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			f.mu.Lock()
			f.lastBody = body
			f.mu.Unlock()
			next(w, r)
		}
	}
	mux.HandleFunc(pathSTKPush, authed(func(w http.ResponseWriter, r *http.Request) {
		f.stkCalls.Add(1)
		time.Sleep(f.stkDelay)
		_ = json.NewEncoder(w).Encode(STKPushResponse{
			MerchantRequestID: "29115-34620561-1",
			CheckoutRequestID: "ws_CO_191220191020363925",
			ResponseCode:      "0",
		})
	}))
	mux.HandleFunc(pathSTKQuery, authed(func(w http.ResponseWriter, r *http.Request) {
		f.queryCalls.Add(1)
		if failOnce(&f.queryFailures) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		f.mu.Lock()
		result := f.queryResult
		f.mu.Unlock()
		if result == "" {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"requestId":    "1",
				"errorCode":    codeStillBusy,
				"errorMessage": "The transaction is being processed",
			})
			return
		}
		_ = json.NewEncoder(w).Encode(STKQueryResponse{ResponseCode: "0", ResultCode: result, ResultDesc: "desc"})
	}))
	mux.HandleFunc(pathB2C, authed(func(w http.ResponseWriter, r *http.Request) {
		if f.b2cStatus != 0 {
			w.WriteHeader(f.b2cStatus)
			return
		}
		_ = json.NewEncoder(w).Encode(AsyncResponse{ConversationID: "AG_b2c_1", ResponseCode: "0"})
	}))
	mux.HandleFunc(pathReversal, authed(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(AsyncResponse{ConversationID: "AG_rev_1", ResponseCode: "0"})
	}))
	return mux
}

func (f *fakeDaraja) body() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastBody
}

func (f *fakeDaraja) setQueryResult(code string) {
	f.mu.Lock()
	f.queryResult = code
	f.mu.Unlock()
}

func newTestAdapter(t *testing.T, f *fakeDaraja, refs ReferenceStore) *Adapter {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	client := NewClient(ClientConfig{
		BaseURL:        srv.URL,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		ShortCode:      "174379",
		Passkey:        "passkey",
		CallbackURL:    "https://example.test/v1/webhooks/mpesa/stk",
	}).WithRetryDelay(time.Millisecond)
	return NewAdapter(client, refs, testSecret, logging.Discard()).WithRetryDelay(time.Millisecond)
}

type mapRefs map[string]string

func (m mapRefs) ProviderReference(_ context.Context, id string) (string, error) { return m[id], nil }

func TestInitiate_SendsSTKPush(t *testing.T) {
	f := &fakeDaraja{}
	a := newTestAdapter(t, f, nil)

	ref, err := a.Initiate(context.Background(), "txn_0123456789abcdef", decimal.NewFromInt(5000), "0712345678")
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_191220191020363925", ref)

	body := f.body()
	assert.Equal(t, "5000", body["Amount"])
	assert.Equal(t, "254712345678", body["PhoneNumber"])
	assert.Equal(t, "CustomerPayBillOnline", body["TransactionType"])
	assert.Len(t, body["Timestamp"], 14)
	assert.NotEmpty(t, body["Password"])
}

func TestInitiate_ReusesExistingReference(t *testing.T) {
	f := &fakeDaraja{}
	a := newTestAdapter(t, f, mapRefs{"txn_1": "ws_CO_existing"})

	ref, err := a.Initiate(context.Background(), "txn_1", decimal.NewFromInt(10), "254712345678")
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_existing", ref)
	assert.Zero(t, f.stkCalls.Load())
}

func TestInitiate_ConcurrentCallsShareOneRequest(t *testing.T) {
	f := &fakeDaraja{stkDelay: 50 * time.Millisecond}
	a := newTestAdapter(t, f, nil)

	var wg sync.WaitGroup
	refs := make([]string, 5)
	for i := range refs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			refs[i], _ = a.Initiate(context.Background(), "txn_same", decimal.NewFromInt(10), "254712345678")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.stkCalls.Load())
	for _, r := range refs {
		assert.Equal(t, "ws_CO_191220191020363925", r)
	}
}

func TestInitiate_Validation(t *testing.T) {
	a := newTestAdapter(t, &fakeDaraja{}, nil)

	_, err := a.Initiate(context.Background(), "txn_1", decimal.NewFromInt(10), "12345")
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = a.Initiate(context.Background(), "txn_2", decimal.RequireFromString("10.50"), "254712345678")
	assert.True(t, apperr.Is(err, apperr.KindGatewayError), "fractional shillings are refused: %v", err)
}

func TestClient_TokenCached(t *testing.T) {
	f := &fakeDaraja{}
	a := newTestAdapter(t, f, nil)

	for i := 0; i < 3; i++ {
		_, err := a.Initiate(context.Background(), "txn_tok_"+string(rune('a'+i)), decimal.NewFromInt(10), "254712345678")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), f.tokenCalls.Load())
}

func TestPollStatus(t *testing.T) {
	f := &fakeDaraja{}
	a := newTestAdapter(t, f, nil)
	ctx := context.Background()

	st, err := a.PollStatus(ctx, "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, st.Status)

	f.setQueryResult("0")
	st, err = a.PollStatus(ctx, "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, st.Status)

	f.setQueryResult("1032")
	st, err = a.PollStatus(ctx, "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, ResultCancelledByUser, st.ResultCode)
}

func TestPollStatus_RetriesTransientFailures(t *testing.T) {
	f := &fakeDaraja{}
	f.queryFailures.Store(2)
	f.setQueryResult("0")
	a := newTestAdapter(t, f, nil)

	st, err := a.PollStatus(context.Background(), "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, st.Status)
	assert.Equal(t, int32(3), f.queryCalls.Load())
}

func TestPollStatus_GivesUpAfterBoundedAttempts(t *testing.T) {
	f := &fakeDaraja{}
	f.queryFailures.Store(10)
	a := newTestAdapter(t, f, nil).WithBreaker(circuitbreaker.New(10, time.Minute))

	_, err := a.PollStatus(context.Background(), "ws_CO_1")
	assert.True(t, apperr.Is(err, apperr.KindGatewayError))
	assert.Equal(t, int32(queryAttempts), f.queryCalls.Load())
}

func TestPollStatus_OpenCircuitStopsRetrying(t *testing.T) {
	f := &fakeDaraja{}
	f.queryFailures.Store(10)
	a := newTestAdapter(t, f, nil).WithBreaker(circuitbreaker.New(1, time.Minute))

	_, err := a.PollStatus(context.Background(), "ws_CO_1")
	assert.True(t, errors.Is(err, circuitbreaker.ErrOpen), "got %v", err)
	assert.Equal(t, int32(1), f.queryCalls.Load())
}

func TestClient_TokenFetchRetries(t *testing.T) {
	f := &fakeDaraja{}
	f.tokenFailures.Store(2)
	a := newTestAdapter(t, f, nil)

	ref, err := a.Initiate(context.Background(), "txn_retry_token", decimal.NewFromInt(10), "254712345678")
	require.NoError(t, err)
	assert.NotEmpty(t, ref)
	assert.Equal(t, int32(3), f.tokenCalls.Load())
	assert.Equal(t, int32(1), f.stkCalls.Load())
}

func TestDisburse(t *testing.T) {
	f := &fakeDaraja{}
	a := newTestAdapter(t, f, nil)

	ref, err := a.Disburse(context.Background(), "pay_1", decimal.NewFromInt(5000), "0712345678", "escrow payout")
	require.NoError(t, err)
	assert.Equal(t, "AG_b2c_1", ref)
	assert.Equal(t, "pay_1", f.body()["OriginatorConversationID"])
	assert.Equal(t, "BusinessPayment", f.body()["CommandID"])
}

func TestDisburse_ClientErrorIsPermanent(t *testing.T) {
	f := &fakeDaraja{b2cStatus: http.StatusBadRequest}
	a := newTestAdapter(t, f, nil)

	_, err := a.Disburse(context.Background(), "pay_1", decimal.NewFromInt(10), "254712345678", "")
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
	assert.Equal(t, circuitbreaker.StateClosed, a.Breaker().State(OpB2C), "4xx does not trip the breaker")
}

func TestDisburse_ServerErrorsOpenBreaker(t *testing.T) {
	f := &fakeDaraja{b2cStatus: http.StatusServiceUnavailable}
	a := newTestAdapter(t, f, nil).WithBreaker(circuitbreaker.New(2, time.Minute))

	for i := 0; i < 2; i++ {
		_, err := a.Disburse(context.Background(), "pay_1", decimal.NewFromInt(10), "254712345678", "")
		require.Error(t, err)
		assert.False(t, retry.IsPermanent(err))
	}
	_, err := a.Disburse(context.Background(), "pay_1", decimal.NewFromInt(10), "254712345678", "")
	assert.True(t, errors.Is(err, circuitbreaker.ErrOpen))
}

func TestReverse(t *testing.T) {
	a := newTestAdapter(t, &fakeDaraja{}, nil)

	ref, err := a.Reverse(context.Background(), "pay_2", "NLJ7RT61SV", decimal.NewFromInt(5000), "escrow refund")
	require.NoError(t, err)
	assert.Equal(t, "AG_rev_1", ref)

	_, err = a.Reverse(context.Background(), "pay_3", "", decimal.NewFromInt(5000), "")
	assert.True(t, retry.IsPermanent(err))
}

const successCallback = `{"Body":{"stkCallback":{"MerchantRequestID":"29115-34620561-1","CheckoutRequestID":"ws_CO_191220191020363925","ResultCode":0,"ResultDesc":"The service request is processed successfully.","CallbackMetadata":{"Item":[{"Name":"Amount","Value":5000.00},{"Name":"MpesaReceiptNumber","Value":"NLJ7RT61SV"},{"Name":"TransactionDate","Value":20191219102115},{"Name":"PhoneNumber","Value":254708374149}]}}}}`

const cancelledCallback = `{"Body":{"stkCallback":{"MerchantRequestID":"29115-34620561-1","CheckoutRequestID":"ws_CO_191220191020363925","ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`

func TestHandleWebhook_Success(t *testing.T) {
	a := newTestAdapter(t, &fakeDaraja{}, nil)
	raw := []byte(successCallback)

	ev, err := a.HandleWebhook(raw, Sign([]byte(testSecret), raw))
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_191220191020363925", ev.ProviderReference)
	assert.Equal(t, idempotency.EventPaymentConfirmed, ev.EventType)
	assert.Equal(t, StatusConfirmed, ev.Outcome)
	assert.True(t, ev.Amount.Equal(decimal.NewFromInt(5000)))
	assert.Equal(t, "NLJ7RT61SV", ev.Receipt)
	assert.Equal(t, "254708374149", ev.Phone)
	require.NotNil(t, ev.TransactionDate)
	assert.Equal(t, time.Date(2019, 12, 19, 7, 21, 15, 0, time.UTC), *ev.TransactionDate)
}

func TestHandleWebhook_Cancelled(t *testing.T) {
	a := newTestAdapter(t, &fakeDaraja{}, nil)
	raw := []byte(cancelledCallback)

	ev, err := a.HandleWebhook(raw, Sign([]byte(testSecret), raw))
	require.NoError(t, err)
	assert.Equal(t, idempotency.EventPaymentFailed, ev.EventType)
	assert.Equal(t, StatusFailed, ev.Outcome)
	assert.Equal(t, ResultCancelledByUser, ev.ResultCode)
}

func TestHandleWebhook_Rejects(t *testing.T) {
	a := newTestAdapter(t, &fakeDaraja{}, nil)
	raw := []byte(successCallback)

	_, err := a.HandleWebhook(raw, "")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = a.HandleWebhook(raw, Sign([]byte("other"), raw))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	tampered := []byte(successCallback[:len(successCallback)-5] + "}}}}}")
	_, err = a.HandleWebhook(tampered, Sign([]byte(testSecret), raw))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	bad := []byte(`{"Body":{}}`)
	_, err = a.HandleWebhook(bad, Sign([]byte(testSecret), bad))
	assert.ErrorIs(t, err, ErrMalformedPayload)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	noReceipt := []byte(`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_1","ResultCode":0,"CallbackMetadata":{"Item":[{"Name":"Amount","Value":1}]}}}}`)
	_, err = a.HandleWebhook(noReceipt, Sign([]byte(testSecret), noReceipt))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}
