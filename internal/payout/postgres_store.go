package payout

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists instructions in payout_instructions.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed instruction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const instructionColumns = `id, transaction_id, kind, recipient_id, payout_method_id,
		       destination, provider_receipt, amount, currency, status,
		       attempts, next_attempt_at, last_error, provider_reference, sent_at,
		       created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, inst *Instruction) (*Instruction, bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO payout_instructions (
			id, transaction_id, kind, recipient_id, payout_method_id,
			destination, provider_receipt, amount, currency, status,
			attempts, next_attempt_at, last_error, provider_reference, sent_at,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8::NUMERIC(20,2), $9, $10,
			$11, $12, $13, $14, $15,
			$16, $17
		)
		ON CONFLICT (transaction_id) DO NOTHING`,
		inst.ID, inst.TransactionID, string(inst.Kind), inst.RecipientID, nullString(inst.PayoutMethodID),
		inst.Destination, nullString(inst.ProviderReceipt), inst.Amount.String(), inst.Currency, string(inst.Status),
		inst.Attempts, inst.NextAttemptAt, nullString(inst.LastError), nullString(inst.ProviderReference), nullTime(inst.SentAt),
		inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		existing, err := p.GetByTransaction(ctx, inst.TransactionID)
		return existing, false, err
	}
	return inst, true, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Instruction, error) {
	inst, err := scanInstruction(p.db.QueryRowContext(ctx,
		`SELECT `+instructionColumns+` FROM payout_instructions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInstructionNotFound
	}
	return inst, err
}

func (p *PostgresStore) GetByTransaction(ctx context.Context, transactionID string) (*Instruction, error) {
	inst, err := scanInstruction(p.db.QueryRowContext(ctx,
		`SELECT `+instructionColumns+` FROM payout_instructions WHERE transaction_id = $1`, transactionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInstructionNotFound
	}
	return inst, err
}

func (p *PostgresStore) Update(ctx context.Context, inst *Instruction) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payout_instructions SET
			status = $1, attempts = $2, next_attempt_at = $3, last_error = $4,
			provider_reference = $5, sent_at = $6, updated_at = $7
		WHERE id = $8`,
		string(inst.Status), inst.Attempts, inst.NextAttemptAt, nullString(inst.LastError),
		nullString(inst.ProviderReference), nullTime(inst.SentAt), inst.UpdatedAt,
		inst.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrInstructionNotFound
	}
	return nil
}

func (p *PostgresStore) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	var claimed string
	err := p.db.QueryRowContext(ctx, `
		UPDATE payout_instructions SET status = 'SENDING', updated_at = $2
		WHERE id = $1 AND status = 'PENDING'
		RETURNING id`, id, now).Scan(&claimed)
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := p.Get(ctx, id); gerr != nil {
			return false, gerr
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Instruction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+instructionColumns+`
		FROM payout_instructions
		WHERE status = 'PENDING' AND next_attempt_at <= $1
		ORDER BY next_attempt_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanInstructions(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Instruction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+instructionColumns+`
		FROM payout_instructions
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanInstructions(rows)
}

func (p *PostgresStore) CountByStatus(ctx context.Context, status Status) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM payout_instructions WHERE status = $1`, string(status)).Scan(&n)
	return n, err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanInstruction(s scanner) (*Instruction, error) {
	inst := &Instruction{}
	var (
		kind, status      string
		methodID          sql.NullString
		receipt           sql.NullString
		amount            string
		lastError         sql.NullString
		providerReference sql.NullString
		sentAt            sql.NullTime
	)
	err := s.Scan(
		&inst.ID, &inst.TransactionID, &kind, &inst.RecipientID, &methodID,
		&inst.Destination, &receipt, &amount, &inst.Currency, &status,
		&inst.Attempts, &inst.NextAttemptAt, &lastError, &providerReference, &sentAt,
		&inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inst.Kind = Kind(kind)
	inst.Status = Status(status)
	inst.PayoutMethodID = methodID.String
	inst.ProviderReceipt = receipt.String
	inst.LastError = lastError.String
	inst.ProviderReference = providerReference.String
	if err := inst.Amount.Scan(amount); err != nil {
		return nil, err
	}
	if sentAt.Valid {
		inst.SentAt = &sentAt.Time
	}
	return inst, nil
}

func scanInstructions(rows *sql.Rows) ([]*Instruction, error) {
	var result []*Instruction
	for rows.Next() {
		inst, err := scanInstruction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inst)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
