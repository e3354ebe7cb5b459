package idempotency

import (
	"context"
	"sync"
	"time"
)

type key struct {
	ref   string
	event string
}

// record is the value MemoryLedger stores for each claimed key.
type record struct {
	ProviderReference string
	EventType         string
	ProcessedAt       time.Time
}

// MemoryLedger is an in-process ledger for demo/testing.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[key]record
	now     func() time.Time
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[key]record), now: time.Now}
}

func (l *MemoryLedger) Claim(_ context.Context, providerReference, eventType string) (bool, error) {
	if err := validKey(providerReference, eventType); err != nil {
		return false, err
	}
	k := key{providerReference, eventType}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[k]; ok {
		return false, nil
	}
	l.records[k] = record{ProviderReference: providerReference, EventType: eventType, ProcessedAt: l.now().UTC()}
	return true, nil
}

func (l *MemoryLedger) Release(_ context.Context, providerReference, eventType string) error {
	l.mu.Lock()
	delete(l.records, key{providerReference, eventType})
	l.mu.Unlock()
	return nil
}

func (l *MemoryLedger) Seen(_ context.Context, providerReference, eventType string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.records[key{providerReference, eventType}]
	return ok, nil
}

// Len returns the number of records held.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

var _ Ledger = (*MemoryLedger)(nil)
