package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSecret = "test-secret"

func newTestVerifier() *Verifier {
	return NewVerifier(testSecret, "swiftline-identity")
}

func signToken(t *testing.T, v *Verifier, p Principal, ttl time.Duration) string {
	t.Helper()
	tok, err := v.Sign(p, ttl)
	require.NoError(t, err)
	return tok
}

// --- Verifier ---

func TestVerify_RoundTrip(t *testing.T) {
	v := newTestVerifier()
	tok := signToken(t, v, Principal{ID: "user_buyer", Role: RoleUser, Phone: "254708374149"}, time.Hour)

	p, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "user_buyer", p.ID)
	assert.Equal(t, RoleUser, p.Role)
	assert.Equal(t, "254708374149", p.Phone)
	assert.False(t, p.IsStaff())
}

func TestVerify_DefaultsRoleToUser(t *testing.T) {
	v := newTestVerifier()
	tok := signToken(t, v, Principal{ID: "user_1"}, time.Hour)

	p, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, RoleUser, p.Role)
}

func TestVerify_Rejects(t *testing.T) {
	v := newTestVerifier()

	expired := signToken(t, v, Principal{ID: "u"}, -time.Minute)
	_, err := v.Verify(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	other := NewVerifier("another-secret", "swiftline-identity")
	forged := signToken(t, other, Principal{ID: "u", Role: RoleAdmin}, time.Hour)
	_, err = v.Verify(forged)
	assert.ErrorIs(t, err, ErrInvalidToken)

	wrongIssuer := NewVerifier(testSecret, "someone-else")
	_, err = v.Verify(signToken(t, wrongIssuer, Principal{ID: "u"}, time.Hour))
	assert.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "u",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})
	raw, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = v.Verify(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Verify("")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer  abc "))
	assert.Equal(t, "", BearerToken("Basic abc"))
	assert.Equal(t, "", BearerToken(""))
}

// --- Middleware ---

func newRouter(v *Verifier, guard gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(Middleware(v))
	r.GET("/test", guard, func(c *gin.Context) {
		p, _ := GetPrincipal(c)
		c.JSON(http.StatusOK, gin.H{"id": p.ID, "actorId": c.GetString(ContextKeyActorID)})
	})
	return r
}

func get(r *gin.Engine, token string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/test", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestRequireAuth(t *testing.T) {
	v := newTestVerifier()
	r := newRouter(v, RequireAuth())

	assert.Equal(t, http.StatusUnauthorized, get(r, "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "garbage").Code)

	w := get(r, signToken(t, v, Principal{ID: "user_seller"}, time.Hour))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":"user_seller","actorId":"user_seller"}`, w.Body.String())
}

func TestRequireRole(t *testing.T) {
	v := newTestVerifier()
	r := newRouter(v, RequireRole(RoleAdjudicator, RoleAdmin))

	assert.Equal(t, http.StatusUnauthorized, get(r, "").Code)
	assert.Equal(t, http.StatusForbidden, get(r, signToken(t, v, Principal{ID: "u", Role: RoleUser}, time.Hour)).Code)
	assert.Equal(t, http.StatusOK, get(r, signToken(t, v, Principal{ID: "adj", Role: RoleAdjudicator}, time.Hour)).Code)
}

func TestGetPrincipal_Missing(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	_, ok := GetPrincipal(c)
	assert.False(t, ok)
}
