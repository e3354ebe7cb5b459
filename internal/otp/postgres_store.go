package otp

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists codes in the delivery_otps table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed OTP store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Put(ctx context.Context, rec *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO delivery_otps (transaction_id, code_hash, expires_at, failed_attempts, locked_until, issued_at)
		VALUES ($1, $2, $3, 0, NULL, $4)
		ON CONFLICT (transaction_id) DO UPDATE SET
			code_hash = EXCLUDED.code_hash,
			expires_at = EXCLUDED.expires_at,
			failed_attempts = 0,
			locked_until = NULL,
			issued_at = EXCLUDED.issued_at
	`, rec.TransactionID, rec.CodeHash, rec.ExpiresAt, rec.IssuedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, transactionID string) (*Record, error) {
	rec := &Record{}
	var lockedUntil sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT transaction_id, code_hash, expires_at, failed_attempts, locked_until, issued_at
		FROM delivery_otps WHERE transaction_id = $1
	`, transactionID).Scan(&rec.TransactionID, &rec.CodeHash, &rec.ExpiresAt, &rec.FailedAttempts, &lockedUntil, &rec.IssuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lockedUntil.Valid {
		rec.LockedUntil = &lockedUntil.Time
	}
	return rec, nil
}

func (p *PostgresStore) RecordFailure(ctx context.Context, transactionID string, attempts int, lockedUntil *time.Time) error {
	var locked sql.NullTime
	if lockedUntil != nil {
		locked = sql.NullTime{Time: *lockedUntil, Valid: true}
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE delivery_otps SET failed_attempts = $2, locked_until = $3
		WHERE transaction_id = $1
	`, transactionID, attempts, locked)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, transactionID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM delivery_otps WHERE transaction_id = $1`, transactionID)
	return err
}

var _ Store = (*PostgresStore)(nil)
