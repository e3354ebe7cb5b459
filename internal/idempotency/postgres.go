package idempotency

import (
	"context"
	"database/sql"
)

// PostgresLedger stores processed events in the processed_events table,
// relying on its primary key for atomic claims.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger creates a ledger backed by PostgreSQL.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) Claim(ctx context.Context, providerReference, eventType string) (bool, error) {
	if err := validKey(providerReference, eventType); err != nil {
		return false, err
	}
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO processed_events (provider_reference, event_type, processed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (provider_reference, event_type) DO NOTHING
	`, providerReference, eventType)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *PostgresLedger) Release(ctx context.Context, providerReference, eventType string) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM processed_events WHERE provider_reference = $1 AND event_type = $2`,
		providerReference, eventType)
	return err
}

func (l *PostgresLedger) Seen(ctx context.Context, providerReference, eventType string) (bool, error) {
	var exists bool
	err := l.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_events WHERE provider_reference = $1 AND event_type = $2)`,
		providerReference, eventType).Scan(&exists)
	return exists, err
}

var _ Ledger = (*PostgresLedger)(nil)
