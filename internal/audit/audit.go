// Package audit records every successful escrow state transition.
//
// The audit log is a side effect of a transition, never a precondition: the
// escrow service writes the entry after the state change commits, and a
// failed write is logged rather than rolled back.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/swiftline/escrow/internal/idgen"
)

type contextKey string

const ctxRequestID contextKey = "audit_request_id"

// WithRequestID attaches a request ID for audit correlation.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxRequestID, requestID)
}

func requestIDFromCtx(ctx context.Context) string {
	if v, ok := ctx.Value(ctxRequestID).(string); ok {
		return v
	}
	return ""
}

// Entry is a single audit record.
type Entry struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transactionId"`
	ActorID       string    `json:"actorId"`
	ActorRole     string    `json:"actorRole"`
	Trigger       string    `json:"trigger"`
	FromStatus    string    `json:"fromStatus,omitempty"`
	ToStatus      string    `json:"toStatus"`
	Version       int64     `json:"version"`
	Detail        string    `json:"detail,omitempty"`
	RequestID     string    `json:"requestId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Logger persists audit entries.
type Logger interface {
	Log(ctx context.Context, entry *Entry) error
	List(ctx context.Context, transactionID string) ([]*Entry, error)
}

// prepare fills ID, timestamps and the request ID from ctx.
func prepare(ctx context.Context, e *Entry) {
	if e.ID == "" {
		e.ID = idgen.WithPrefix(idgen.PrefixAudit)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.RequestID == "" {
		e.RequestID = requestIDFromCtx(ctx)
	}
}

// --- PostgresLogger ---

// PostgresLogger writes audit entries to PostgreSQL.
type PostgresLogger struct {
	db *sql.DB
}

// NewPostgresLogger creates an audit logger backed by PostgreSQL.
func NewPostgresLogger(db *sql.DB) *PostgresLogger {
	return &PostgresLogger{db: db}
}

func (l *PostgresLogger) Log(ctx context.Context, e *Entry) error {
	prepare(ctx, e)
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, transaction_id, actor_id, actor_role, trigger, from_status, to_status, version, detail, request_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.ID, e.TransactionID, e.ActorID, e.ActorRole, e.Trigger, e.FromStatus, e.ToStatus, e.Version,
		nullString(e.Detail), nullString(e.RequestID), e.CreatedAt)
	return err
}

func (l *PostgresLogger) List(ctx context.Context, transactionID string) ([]*Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, transaction_id, actor_id, actor_role, trigger, from_status, to_status, version,
		       COALESCE(detail, ''), COALESCE(request_id, ''), created_at
		FROM audit_log WHERE transaction_id = $1
		ORDER BY created_at ASC, version ASC
	`, transactionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.ActorID, &e.ActorRole, &e.Trigger,
			&e.FromStatus, &e.ToStatus, &e.Version, &e.Detail, &e.RequestID, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Logger = (*PostgresLogger)(nil)

// --- MemoryLogger ---

// MemoryLogger stores audit entries in memory for demo/testing.
type MemoryLogger struct {
	mu      sync.RWMutex
	entries map[string][]*Entry
}

// NewMemoryLogger creates an in-memory audit logger.
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{entries: make(map[string][]*Entry)}
}

func (l *MemoryLogger) Log(ctx context.Context, e *Entry) error {
	if e.TransactionID == "" {
		return errors.New("audit: transaction id required")
	}
	prepare(ctx, e)
	cp := *e
	l.mu.Lock()
	l.entries[e.TransactionID] = append(l.entries[e.TransactionID], &cp)
	l.mu.Unlock()
	return nil
}

func (l *MemoryLogger) List(_ context.Context, transactionID string) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	src := l.entries[transactionID]
	out := make([]*Entry, len(src))
	for i, e := range src {
		cp := *e
		out[i] = &cp
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

var _ Logger = (*MemoryLogger)(nil)
