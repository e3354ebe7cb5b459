package otp

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for demo/testing.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Put(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.TransactionID] = copyRecord(rec)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, transactionID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[transactionID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(rec), nil
}

func (m *MemoryStore) RecordFailure(_ context.Context, transactionID string, attempts int, lockedUntil *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[transactionID]
	if !ok {
		return ErrNotFound
	}
	rec.FailedAttempts = attempts
	rec.LockedUntil = copyTime(lockedUntil)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, transactionID string) error {
	m.mu.Lock()
	delete(m.records, transactionID)
	m.mu.Unlock()
	return nil
}

func copyRecord(r *Record) *Record {
	cp := *r
	cp.CodeHash = append([]byte(nil), r.CodeHash...)
	cp.LockedUntil = copyTime(r.LockedUntil)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

var _ Store = (*MemoryStore)(nil)
