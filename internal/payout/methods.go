package payout

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/swiftline/escrow/internal/idgen"
)

// Method is a seller's registered payout destination.
type Method struct {
	ID          string    `json:"id"`
	SellerID    string    `json:"sellerId"`
	Type        string    `json:"type"`
	Destination string    `json:"destination"`
	IsDefault   bool      `json:"isDefault"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// MethodTypeMpesa is the only supported method type.
const MethodTypeMpesa = "mpesa"

// Registry is the payout method lookup used at release time.
type Registry interface {
	// Default returns the seller's default method or ErrNoPayoutMethod.
	Default(ctx context.Context, sellerID string) (*Method, error)
	Get(ctx context.Context, id string) (*Method, error)
	// SetDefault registers destination as the seller's default method,
	// demoting any previous default.
	SetDefault(ctx context.Context, sellerID, destination string) (*Method, error)
}

// MemoryRegistry is an in-memory Registry for demo/testing.
type MemoryRegistry struct {
	mu      sync.RWMutex
	methods map[string]*Method
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{methods: make(map[string]*Method)}
}

func (r *MemoryRegistry) Default(_ context.Context, sellerID string) (*Method, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.methods {
		if m.SellerID == sellerID && m.IsDefault {
			cp := *m
			return &cp, nil
		}
	}
	return nil, ErrNoPayoutMethod
}

func (r *MemoryRegistry) Get(_ context.Context, id string) (*Method, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[id]
	if !ok {
		return nil, ErrMethodNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *MemoryRegistry) SetDefault(_ context.Context, sellerID, destination string) (*Method, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	for _, m := range r.methods {
		if m.SellerID != sellerID {
			continue
		}
		if m.Destination == destination {
			m.IsDefault = true
			m.UpdatedAt = now
			r.demoteOthersLocked(sellerID, m.ID, now)
			cp := *m
			return &cp, nil
		}
	}

	m := &Method{
		ID:          idgen.WithPrefix(idgen.PrefixMethod),
		SellerID:    sellerID,
		Type:        MethodTypeMpesa,
		Destination: destination,
		IsDefault:   true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.demoteOthersLocked(sellerID, m.ID, now)
	r.methods[m.ID] = m
	cp := *m
	return &cp, nil
}

func (r *MemoryRegistry) demoteOthersLocked(sellerID, keepID string, now time.Time) {
	for _, m := range r.methods {
		if m.SellerID == sellerID && m.ID != keepID && m.IsDefault {
			m.IsDefault = false
			m.UpdatedAt = now
		}
	}
}

// List returns a seller's methods, newest first.
func (r *MemoryRegistry) List(_ context.Context, sellerID string) ([]*Method, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Method
	for _, m := range r.methods {
		if m.SellerID == sellerID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// PostgresRegistry stores methods in the payout_methods table.
type PostgresRegistry struct {
	db *sql.DB
}

// NewPostgresRegistry creates a PostgreSQL-backed registry.
func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

const methodColumns = `id, seller_id, type, destination, is_default, created_at, updated_at`

func scanMethod(s scanner) (*Method, error) {
	m := &Method{}
	err := s.Scan(&m.ID, &m.SellerID, &m.Type, &m.Destination, &m.IsDefault, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}

func (r *PostgresRegistry) Default(ctx context.Context, sellerID string) (*Method, error) {
	m, err := scanMethod(r.db.QueryRowContext(ctx,
		`SELECT `+methodColumns+` FROM payout_methods WHERE seller_id = $1 AND is_default`, sellerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoPayoutMethod
	}
	return m, err
}

func (r *PostgresRegistry) Get(ctx context.Context, id string) (*Method, error) {
	m, err := scanMethod(r.db.QueryRowContext(ctx,
		`SELECT `+methodColumns+` FROM payout_methods WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMethodNotFound
	}
	return m, err
}

func (r *PostgresRegistry) SetDefault(ctx context.Context, sellerID, destination string) (*Method, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE payout_methods SET is_default = FALSE, updated_at = $2 WHERE seller_id = $1 AND is_default`,
		sellerID, now); err != nil {
		return nil, err
	}

	m, err := scanMethod(tx.QueryRowContext(ctx, `
		UPDATE payout_methods SET is_default = TRUE, updated_at = $3
		WHERE seller_id = $1 AND destination = $2
		RETURNING `+methodColumns, sellerID, destination, now))
	if errors.Is(err, sql.ErrNoRows) {
		m, err = scanMethod(tx.QueryRowContext(ctx, `
			INSERT INTO payout_methods (`+methodColumns+`)
			VALUES ($1, $2, $3, $4, TRUE, $5, $5)
			RETURNING `+methodColumns,
			idgen.WithPrefix(idgen.PrefixMethod), sellerID, MethodTypeMpesa, destination, now))
	}
	if err != nil {
		return nil, err
	}
	return m, tx.Commit()
}

var (
	_ Registry = (*MemoryRegistry)(nil)
	_ Registry = (*PostgresRegistry)(nil)
)
