package validation

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeMSISDN(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0708374149", "254708374149"},
		{"+254708374149", "254708374149"},
		{"254708374149", "254708374149"},
		{"708374149", "254708374149"},
		{"0110 123 456", "254110123456"},
		{"0208374149", ""},
		{"12345", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeMSISDN(tt.in), tt.in)
	}
}

func TestIsValidTransactionID(t *testing.T) {
	assert.True(t, IsValidTransactionID("txn_0123456789abcdef0123456789abcdef"))
	assert.False(t, IsValidTransactionID("esc_0123456789abcdef0123456789abcdef"))
	assert.False(t, IsValidTransactionID("txn_123"))
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("  hel\x00lo  ", 100))
	assert.Equal(t, "abc", SanitizeString("abcdef", 3))
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("sellerId", ""),
		Required("currency", "KES"),
		ValidPhone("payerPhone", "not-a-phone"),
		MaxLength("description", "short", 10),
	)
	assert.Len(t, errs, 2)
	assert.Equal(t, "sellerId", errs[0].Field)
	assert.Equal(t, "payerPhone", errs[1].Field)
	assert.Equal(t, "sellerId: is required", errs.Error())

	assert.Empty(t, Validate(Required("a", "x")))
}

func TestPositiveAmount(t *testing.T) {
	assert.Nil(t, PositiveAmount("amount", decimal.NewFromInt(5000))())
	assert.Nil(t, PositiveAmount("amount", decimal.RequireFromString("10.50"))())
	assert.NotNil(t, PositiveAmount("amount", decimal.Zero)())
	assert.NotNil(t, PositiveAmount("amount", decimal.NewFromInt(-1))())
	assert.NotNil(t, PositiveAmount("amount", decimal.RequireFromString("1.005"))())
}

func TestOneOf(t *testing.T) {
	assert.Nil(t, OneOf("outcome", "release", []string{"release", "refund"})())
	assert.NotNil(t, OneOf("outcome", "split", []string{"release", "refund"})())
}

func TestHTTPURLs(t *testing.T) {
	assert.Nil(t, HTTPURLs("proofUrls", []string{"https://cdn.example.com/a.jpg"})())
	assert.Nil(t, HTTPURLs("proofUrls", nil)())
	assert.NotNil(t, HTTPURLs("proofUrls", []string{"ftp://x/y"})())
	assert.NotNil(t, HTTPURLs("proofUrls", []string{"/relative"})())
}

func TestTransactionIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/v1/transactions/:id", TransactionIDParamMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/transactions/bogus", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/transactions/txn_0123456789abcdef0123456789abcdef", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
