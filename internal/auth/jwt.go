// Package auth verifies bearer tokens issued by the identity service and
// exposes the authenticated principal to handlers.
//
// The escrow engine does not manage accounts. A token carries the user ID
// (sub) and a platform role; whether a user acts as buyer or seller is
// decided per transaction by the escrow guards.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role is a platform-level role carried in the token.
type Role string

const (
	RoleUser        Role = "user"
	RoleAdjudicator Role = "adjudicator"
	RoleAdmin       Role = "admin"
	RoleFraudSignal Role = "fraud_signal"
)

var (
	ErrMissingToken = errors.New("auth: missing bearer token")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Principal is the authenticated caller.
type Principal struct {
	ID    string `json:"id"`
	Role  Role   `json:"role"`
	Phone string `json:"phone,omitempty"`
}

// IsStaff reports whether the principal may adjudicate disputes and manage payouts.
func (p *Principal) IsStaff() bool {
	return p.Role == RoleAdjudicator || p.Role == RoleAdmin
}

// Claims are the JWT claims issued by the identity service.
type Claims struct {
	jwt.RegisteredClaims
	Role  Role   `json:"role"`
	Phone string `json:"phone,omitempty"`
}

// Verifier validates HS256 tokens.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewVerifier creates a verifier for tokens signed with secret. When issuer
// is non-empty the iss claim must match.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Verify parses and validates a raw token.
func (v *Verifier) Verify(raw string) (*Principal, error) {
	if raw == "" {
		return nil, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	role := claims.Role
	if role == "" {
		role = RoleUser
	}
	return &Principal{ID: claims.Subject, Role: role, Phone: claims.Phone}, nil
}

// Sign issues a token for p. The identity service owns issuance in
// production; this is used by tooling and tests.
func (v *Verifier) Sign(p Principal, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role:  p.Role,
		Phone: p.Phone,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
