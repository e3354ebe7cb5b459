// Package otp issues and verifies the single-use delivery codes a buyer
// presents to confirm receipt of goods.
//
// Only a bcrypt hash of each code is stored. Codes expire, lock after
// repeated mismatches and are consumed by the first successful verification.
package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/swiftline/escrow/internal/apperr"
	"github.com/swiftline/escrow/internal/metrics"
	"github.com/swiftline/escrow/internal/syncutil"
)

// Defaults used when a zero value is passed in Config.
const (
	DefaultLength      = 6
	DefaultTTL         = 24 * time.Hour
	DefaultMaxAttempts = 3
	DefaultCooldown    = 15 * time.Minute
)

// ErrNotFound is returned by stores when no record exists for a transaction.
var ErrNotFound = errors.New("otp: record not found")

// Record is the persisted state of a delivery code.
type Record struct {
	TransactionID  string
	CodeHash       []byte
	ExpiresAt      time.Time
	FailedAttempts int
	LockedUntil    *time.Time
	IssuedAt       time.Time
}

// Store persists OTP records keyed by transaction.
type Store interface {
	Put(ctx context.Context, rec *Record) error
	Get(ctx context.Context, transactionID string) (*Record, error)
	RecordFailure(ctx context.Context, transactionID string, attempts int, lockedUntil *time.Time) error
	Delete(ctx context.Context, transactionID string) error
}

// Code is a freshly issued delivery code. Plain is only ever sent to the
// buyer; it is never persisted.
type Code struct {
	Plain     string
	ExpiresAt time.Time
}

// Config tunes the service.
type Config struct {
	Length      int
	TTL         time.Duration
	MaxAttempts int
	Cooldown    time.Duration
	// BcryptCost defaults to bcrypt.DefaultCost. Tests lower it.
	BcryptCost int
}

// Service issues and verifies delivery codes.
type Service struct {
	store  Store
	cfg    Config
	locks  *syncutil.ContextShardedMutex
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates an OTP service.
func NewService(store Store, cfg Config, logger *slog.Logger) *Service {
	if cfg.Length <= 0 {
		cfg.Length = DefaultLength
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		cfg:    cfg,
		locks:  syncutil.NewContextShardedMutex(),
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the time source. Used in tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// TTL returns the configured code lifetime.
func (s *Service) TTL() time.Duration { return s.cfg.TTL }

// Issue generates a new code for the transaction, replacing any prior code
// and resetting its attempt counter.
func (s *Service) Issue(ctx context.Context, transactionID string) (*Code, error) {
	plain, err := generate(s.cfg.Length)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "generate code")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), s.cfg.BcryptCost)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "hash code")
	}

	now := s.now().UTC()
	rec := &Record{
		TransactionID: transactionID,
		CodeHash:      hash,
		ExpiresAt:     now.Add(s.cfg.TTL),
		IssuedAt:      now,
	}
	err = s.locks.WithLock(ctx, transactionID, func() error {
		return s.store.Put(ctx, rec)
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "store code")
	}

	metrics.OTPIssuedTotal.Inc()
	return &Code{Plain: plain, ExpiresAt: rec.ExpiresAt}, nil
}

// Verify checks code against the transaction's active code. A match
// consumes the code. Returned error kinds: VALIDATION for a malformed
// code, OTP_EXPIRED when no live code exists, OTP_LOCKED during the
// post-lockout cooldown, OTP_INVALID on mismatch.
func (s *Service) Verify(ctx context.Context, transactionID, code string) error {
	code = strings.TrimSpace(code)
	if !wellFormed(code, s.cfg.Length) {
		metrics.OTPVerificationsTotal.WithLabelValues("malformed").Inc()
		return apperr.New(apperr.KindValidation, "code must be %d digits", s.cfg.Length)
	}

	err := s.locks.WithLock(ctx, transactionID, func() error {
		return s.verifyLocked(ctx, transactionID, code)
	})
	metrics.OTPVerificationsTotal.WithLabelValues(verifyResult(err)).Inc()
	return err
}

func (s *Service) verifyLocked(ctx context.Context, transactionID, code string) error {
	rec, err := s.store.Get(ctx, transactionID)
	if errors.Is(err, ErrNotFound) {
		return apperr.New(apperr.KindOTPExpired, "no active delivery code")
	}
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "load code")
	}

	now := s.now()
	if rec.LockedUntil != nil && now.Before(*rec.LockedUntil) {
		return apperr.New(apperr.KindOTPLocked, "too many attempts, retry after %s", rec.LockedUntil.UTC().Format(time.RFC3339))
	}
	if !now.Before(rec.ExpiresAt) {
		if err := s.store.Delete(ctx, transactionID); err != nil {
			s.logger.Warn("failed to delete expired otp", "transactionId", transactionID, "error", err)
		}
		return apperr.New(apperr.KindOTPExpired, "delivery code expired")
	}

	if bcrypt.CompareHashAndPassword(rec.CodeHash, []byte(code)) != nil {
		attempts := rec.FailedAttempts + 1
		var lockedUntil *time.Time
		if attempts >= s.cfg.MaxAttempts {
			until := now.Add(s.cfg.Cooldown).UTC()
			lockedUntil = &until
			attempts = 0
			s.logger.Warn("delivery code locked", "transactionId", transactionID, "lockedUntil", until)
		}
		if err := s.store.RecordFailure(ctx, transactionID, attempts, lockedUntil); err != nil {
			return apperr.Wrap(apperr.KindInternal, err, "record failed attempt")
		}
		return apperr.New(apperr.KindOTPInvalid, "incorrect delivery code")
	}

	if err := s.store.Delete(ctx, transactionID); err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "consume code")
	}
	return nil
}

// Invalidate removes any active code for the transaction.
func (s *Service) Invalidate(ctx context.Context, transactionID string) error {
	err := s.locks.WithLock(ctx, transactionID, func() error {
		return s.store.Delete(ctx, transactionID)
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return apperr.Wrap(apperr.KindInternal, err, "invalidate code")
	}
	return nil
}

// generate returns n uniformly random decimal digits.
func generate(n int) (string, error) {
	var b strings.Builder
	b.Grow(n)
	ten := big.NewInt(10)
	for i := 0; i < n; i++ {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("crypto/rand: %w", err)
		}
		b.WriteByte(byte('0' + d.Int64()))
	}
	return b.String(), nil
}

func wellFormed(code string, n int) bool {
	if len(code) != n {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

func verifyResult(err error) string {
	if err == nil {
		return "ok"
	}
	return apperr.Code(apperr.KindOf(err))
}
