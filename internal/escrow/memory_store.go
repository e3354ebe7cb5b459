package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/swiftline/escrow/internal/pagination"
)

// MemoryStore is an in-memory transaction store for demo/testing.
type MemoryStore struct {
	mu           sync.RWMutex
	transactions map[string]*Transaction
	byReference  map[string]string
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]*Transaction),
		byReference:  make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx.ProviderReference != "" {
		if _, taken := m.byReference[tx.ProviderReference]; taken {
			return ErrDuplicateReference
		}
		m.byReference[tx.ProviderReference] = tx.ID
	}
	m.transactions[tx.ID] = tx.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return tx.Clone(), nil
}

func (m *MemoryStore) GetByProviderReference(_ context.Context, ref string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byReference[ref]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return m.transactions[id].Clone(), nil
}

func (m *MemoryStore) ProviderReference(_ context.Context, id string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.transactions[id]
	if !ok {
		return "", ErrTransactionNotFound
	}
	return tx.ProviderReference, nil
}

func (m *MemoryStore) Update(_ context.Context, tx *Transaction, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.transactions[tx.ID]
	if !ok {
		return ErrTransactionNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}

	next := tx.Clone()
	// Columns owned by other writers.
	if next.ProviderReference == "" {
		next.ProviderReference = cur.ProviderReference
	}
	if next.SettlementQueuedAt == nil {
		next.SettlementQueuedAt = cloneTime(cur.SettlementQueuedAt)
	}
	if next.LastPolledAt == nil {
		next.LastPolledAt = cloneTime(cur.LastPolledAt)
	}
	next.NextSweepAt = nil
	next.SweepFailures = 0
	if next.ProviderReference != cur.ProviderReference {
		if owner, taken := m.byReference[next.ProviderReference]; taken && owner != next.ID {
			return ErrDuplicateReference
		}
		m.byReference[next.ProviderReference] = next.ID
	}
	m.transactions[tx.ID] = next
	return nil
}

func (m *MemoryStore) SetProviderReference(_ context.Context, id, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if tx.ProviderReference == ref {
		return nil
	}
	if tx.ProviderReference != "" {
		return ErrDuplicateReference
	}
	if owner, taken := m.byReference[ref]; taken && owner != id {
		return ErrDuplicateReference
	}
	tx.ProviderReference = ref
	m.byReference[ref] = id
	return nil
}

func (m *MemoryStore) ListByParty(_ context.Context, userID string, filter ListFilter, cursor *pagination.Cursor, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.transactions {
		switch filter.Role {
		case RoleBuyer:
			if tx.BuyerID != userID {
				continue
			}
		case RoleSeller:
			if tx.SellerID != userID {
				continue
			}
		default:
			if !tx.IsParty(userID) {
				continue
			}
		}
		if filter.Status != "" && tx.Status != filter.Status {
			continue
		}
		if !cursor.After(tx.CreatedAt, tx.ID) {
			continue
		}
		result = append(result, tx.Clone())
	}
	sortNewestFirst(result)
	return truncate(result, limit), nil
}

func (m *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.transactions {
		if tx.NextSweepAt != nil && tx.NextSweepAt.After(now) {
			continue
		}
		if d := dueAt(tx); d != nil && d.Before(now) {
			result = append(result, tx.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		di, dj := dueAt(result[i]), dueAt(result[j])
		if di.Equal(*dj) {
			return result[i].ID < result[j].ID
		}
		return di.Before(*dj)
	})
	return truncate(result, limit), nil
}

// dueAt returns the deadline the scheduler acts on in tx's status, mirroring
// the predicate of PostgresStore.ListDue.
func dueAt(tx *Transaction) *time.Time {
	switch tx.Status {
	case StatusPending, StatusEscrowed:
		return tx.ExpiresAt
	case StatusShipped:
		return tx.AutoDeliverAt
	case StatusDelivered:
		return tx.AutoReleaseAt
	}
	return nil
}

func (m *MemoryStore) ListAwaitingPayment(_ context.Context, polledBefore time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.transactions {
		if tx.Status != StatusPending || tx.ProviderReference == "" {
			continue
		}
		if tx.LastPolledAt != nil && !tx.LastPolledAt.Before(polledBefore) {
			continue
		}
		if tx.LastPolledAt == nil && !tx.CreatedAt.Before(polledBefore) {
			continue
		}
		result = append(result, tx.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return truncate(result, limit), nil
}

func (m *MemoryStore) ListStaleAccepted(_ context.Context, now time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.transactions {
		if tx.Status == StatusAccepted && tx.ExpiresAt != nil && tx.ExpiresAt.Before(now) {
			result = append(result, tx.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ExpiresAt.Before(*result[j].ExpiresAt) })
	return truncate(result, limit), nil
}

func (m *MemoryStore) ListUnqueuedSettlements(_ context.Context, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.transactions {
		if tx.Settlement != SettlementNone && tx.SettlementQueuedAt == nil {
			result = append(result, tx.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.Before(result[j].UpdatedAt) })
	return truncate(result, limit), nil
}

func (m *MemoryStore) MarkSettlementQueued(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if tx.SettlementQueuedAt == nil {
		tx.SettlementQueuedAt = &at
	}
	return nil
}

func (m *MemoryStore) MarkPolled(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[id]
	if !ok {
		return ErrTransactionNotFound
	}
	tx.LastPolledAt = &at
	return nil
}

func (m *MemoryStore) DeferSweep(_ context.Context, id string, version int64, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if tx.Version != version {
		return nil
	}
	tx.NextSweepAt = &until
	tx.SweepFailures++
	return nil
}

func sortNewestFirst(txs []*Transaction) {
	sort.Slice(txs, func(i, j int) bool {
		if txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return txs[i].ID > txs[j].ID
		}
		return txs[i].CreatedAt.After(txs[j].CreatedAt)
	})
}

func truncate(txs []*Transaction, limit int) []*Transaction {
	if limit > 0 && len(txs) > limit {
		return txs[:limit]
	}
	return txs
}

var _ Store = (*MemoryStore)(nil)
