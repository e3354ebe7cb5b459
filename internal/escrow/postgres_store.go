package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/swiftline/escrow/internal/pagination"
)

// PostgresStore persists transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const transactionColumns = `id, buyer_id, seller_id, amount, currency, description, payer_phone, status,
		       provider_reference, provider_receipt, delivery_otp_expires_at, delivery_proof_urls,
		       courier, tracking_number, expires_at, auto_deliver_at, auto_release_at,
		       payout_method_id, settlement, settlement_queued_at, refund_amount,
		       reject_reason, dispute_reason, dispute_opened_by, resolution,
		       paid_at, accepted_at, shipped_at, delivered_at, disputed_at, resolved_at,
		       last_polled_at, next_sweep_at, sweep_failures,
		       version, last_transition_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, tx *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, buyer_id, seller_id, amount, currency, description, payer_phone, status,
			provider_reference, expires_at, version, last_transition_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		tx.ID, tx.BuyerID, tx.SellerID, tx.Amount, tx.Currency, tx.Description, tx.PayerPhone, string(tx.Status),
		nullString(tx.ProviderReference), nullTime(tx.ExpiresAt), tx.Version, tx.LastTransitionAt, tx.CreatedAt, tx.UpdatedAt,
	)
	return mapUniqueViolation(err)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return tx, err
}

func (p *PostgresStore) GetByProviderReference(ctx context.Context, ref string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE provider_reference = $1`, ref)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return tx, err
}

func (p *PostgresStore) ProviderReference(ctx context.Context, id string) (string, error) {
	var ref sql.NullString
	err := p.db.QueryRowContext(ctx, `SELECT provider_reference FROM transactions WHERE id = $1`, id).Scan(&ref)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrTransactionNotFound
	}
	return ref.String, err
}

// Update writes every lifecycle column when the stored version matches and
// clears the sweep backoff. provider_reference is only ever filled, never
// cleared; settlement_queued_at and last_polled_at belong to
// MarkSettlementQueued and MarkPolled.
func (p *PostgresStore) Update(ctx context.Context, tx *Transaction, expectedVersion int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET
			status = $1, provider_reference = COALESCE(provider_reference, $2), provider_receipt = $3,
			delivery_otp_expires_at = $4, delivery_proof_urls = $5, courier = $6, tracking_number = $7,
			expires_at = $8, auto_deliver_at = $9, auto_release_at = $10,
			payout_method_id = $11, settlement = $12, refund_amount = $13,
			reject_reason = $14, dispute_reason = $15, dispute_opened_by = $16, resolution = $17,
			paid_at = $18, accepted_at = $19, shipped_at = $20, delivered_at = $21,
			disputed_at = $22, resolved_at = $23,
			next_sweep_at = NULL, sweep_failures = 0,
			version = $24, last_transition_at = $25, updated_at = $26
		WHERE id = $27 AND version = $28`,
		string(tx.Status), nullString(tx.ProviderReference), nullString(tx.ProviderReceipt),
		nullTime(tx.DeliveryOTPExpiresAt), pq.Array(nonNil(tx.DeliveryProofURLs)), nullString(tx.Courier), nullString(tx.TrackingNumber),
		nullTime(tx.ExpiresAt), nullTime(tx.AutoDeliverAt), nullTime(tx.AutoReleaseAt),
		nullString(tx.PayoutMethodID), string(tx.Settlement), nullDecimal(tx.RefundAmount),
		nullString(tx.RejectReason), nullString(tx.DisputeReason), nullString(tx.DisputeOpenedBy), nullString(tx.Resolution),
		nullTime(tx.PaidAt), nullTime(tx.AcceptedAt), nullTime(tx.ShippedAt), nullTime(tx.DeliveredAt),
		nullTime(tx.DisputedAt), nullTime(tx.ResolvedAt),
		tx.Version, tx.LastTransitionAt, tx.UpdatedAt,
		tx.ID, expectedVersion,
	)
	if err != nil {
		return mapUniqueViolation(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return p.missingOrConflict(ctx, tx.ID, ErrVersionConflict)
	}
	return nil
}

func (p *PostgresStore) SetProviderReference(ctx context.Context, id, ref string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET provider_reference = $2
		WHERE id = $1 AND (provider_reference IS NULL OR provider_reference = $2)`,
		id, ref)
	if err != nil {
		return mapUniqueViolation(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return p.missingOrConflict(ctx, id, ErrDuplicateReference)
	}
	return nil
}

// missingOrConflict distinguishes "no such row" from "row did not match".
func (p *PostgresStore) missingOrConflict(ctx context.Context, id string, conflict error) error {
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrTransactionNotFound
	}
	return conflict
}

func (p *PostgresStore) ListByParty(ctx context.Context, userID string, filter ListFilter, cursor *pagination.Cursor, limit int) ([]*Transaction, error) {
	var (
		where []string
		args  = []any{userID}
	)
	switch filter.Role {
	case RoleBuyer:
		where = append(where, "buyer_id = $1")
	case RoleSeller:
		where = append(where, "seller_id = $1")
	default:
		where = append(where, "(buyer_id = $1 OR seller_id = $1)")
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if cursor != nil {
		args = append(args, cursor.CreatedAt, cursor.ID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at DESC, id DESC
		LIMIT $`+fmt.Sprint(len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE ((status IN ('PENDING', 'ESCROWED') AND expires_at < $1)
		    OR (status = 'SHIPPED' AND auto_deliver_at < $1)
		    OR (status = 'DELIVERED' AND auto_release_at < $1))
		  AND (next_sweep_at IS NULL OR next_sweep_at <= $1)
		ORDER BY CASE status
		           WHEN 'SHIPPED' THEN auto_deliver_at
		           WHEN 'DELIVERED' THEN auto_release_at
		           ELSE expires_at
		         END ASC, id ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (p *PostgresStore) ListAwaitingPayment(ctx context.Context, polledBefore time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE status = 'PENDING'
		  AND provider_reference IS NOT NULL
		  AND COALESCE(last_polled_at, created_at) < $1
		ORDER BY created_at ASC
		LIMIT $2`, polledBefore, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (p *PostgresStore) ListStaleAccepted(ctx context.Context, now time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE status = 'ACCEPTED' AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (p *PostgresStore) ListUnqueuedSettlements(ctx context.Context, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE settlement <> '' AND settlement_queued_at IS NULL
		ORDER BY updated_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (p *PostgresStore) MarkSettlementQueued(ctx context.Context, id string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET settlement_queued_at = COALESCE(settlement_queued_at, $2)
		WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresStore) MarkPolled(ctx context.Context, id string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `UPDATE transactions SET last_polled_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresStore) DeferSweep(ctx context.Context, id string, version int64, until time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET next_sweep_at = $3, sweep_failures = sweep_failures + 1
		WHERE id = $1 AND version = $2`, id, version, until)
	return err
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func mapUniqueViolation(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicateReference, pqErr.Constraint)
	}
	return err
}

// --- scanning ---

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(sc scanner) (*Transaction, error) {
	tx := &Transaction{}
	var (
		status, settlement                                      string
		providerRef, receipt, courier, tracking, payoutMethodID sql.NullString
		rejectReason, disputeReason, disputeOpenedBy            sql.NullString
		resolution                                              sql.NullString
		otpExpiresAt, expiresAt, autoDeliverAt, autoReleaseAt   sql.NullTime
		settlementQueuedAt, paidAt, acceptedAt, shippedAt       sql.NullTime
		deliveredAt, disputedAt, resolvedAt, lastPolledAt       sql.NullTime
		nextSweepAt                                             sql.NullTime
		refundAmount                                            decimal.NullDecimal
		proofURLs                                               []string
	)

	err := sc.Scan(
		&tx.ID, &tx.BuyerID, &tx.SellerID, &tx.Amount, &tx.Currency, &tx.Description, &tx.PayerPhone, &status,
		&providerRef, &receipt, &otpExpiresAt, pq.Array(&proofURLs),
		&courier, &tracking, &expiresAt, &autoDeliverAt, &autoReleaseAt,
		&payoutMethodID, &settlement, &settlementQueuedAt, &refundAmount,
		&rejectReason, &disputeReason, &disputeOpenedBy, &resolution,
		&paidAt, &acceptedAt, &shippedAt, &deliveredAt, &disputedAt, &resolvedAt,
		&lastPolledAt, &nextSweepAt, &tx.SweepFailures, &tx.Version, &tx.LastTransitionAt, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.Status = Status(status)
	tx.Settlement = Settlement(settlement)
	tx.ProviderReference = providerRef.String
	tx.ProviderReceipt = receipt.String
	tx.Courier = courier.String
	tx.TrackingNumber = tracking.String
	tx.PayoutMethodID = payoutMethodID.String
	tx.RejectReason = rejectReason.String
	tx.DisputeReason = disputeReason.String
	tx.DisputeOpenedBy = disputeOpenedBy.String
	tx.Resolution = resolution.String
	if len(proofURLs) > 0 {
		tx.DeliveryProofURLs = proofURLs
	}
	tx.DeliveryOTPExpiresAt = timeOrNil(otpExpiresAt)
	tx.ExpiresAt = timeOrNil(expiresAt)
	tx.AutoDeliverAt = timeOrNil(autoDeliverAt)
	tx.AutoReleaseAt = timeOrNil(autoReleaseAt)
	tx.SettlementQueuedAt = timeOrNil(settlementQueuedAt)
	tx.PaidAt = timeOrNil(paidAt)
	tx.AcceptedAt = timeOrNil(acceptedAt)
	tx.ShippedAt = timeOrNil(shippedAt)
	tx.DeliveredAt = timeOrNil(deliveredAt)
	tx.DisputedAt = timeOrNil(disputedAt)
	tx.ResolvedAt = timeOrNil(resolvedAt)
	tx.LastPolledAt = timeOrNil(lastPolledAt)
	tx.NextSweepAt = timeOrNil(nextSweepAt)
	if refundAmount.Valid {
		v := refundAmount.Decimal
		tx.RefundAmount = &v
	}
	tx.Currency = strings.TrimSpace(tx.Currency)
	return tx, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func timeOrNil(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ Store = (*PostgresStore)(nil)
