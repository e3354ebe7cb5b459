package payout

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory instruction store for demo/testing.
type MemoryStore struct {
	mu            sync.RWMutex
	instructions  map[string]*Instruction
	byTransaction map[string]string
}

// NewMemoryStore creates a new in-memory instruction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instructions:  make(map[string]*Instruction),
		byTransaction: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, inst *Instruction) (*Instruction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byTransaction[inst.TransactionID]; ok {
		return copyInstruction(m.instructions[id]), false, nil
	}
	m.instructions[inst.ID] = copyInstruction(inst)
	m.byTransaction[inst.TransactionID] = inst.ID
	return copyInstruction(inst), true, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Instruction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instructions[id]
	if !ok {
		return nil, ErrInstructionNotFound
	}
	return copyInstruction(inst), nil
}

func (m *MemoryStore) GetByTransaction(_ context.Context, transactionID string) (*Instruction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byTransaction[transactionID]
	if !ok {
		return nil, ErrInstructionNotFound
	}
	return copyInstruction(m.instructions[id]), nil
}

func (m *MemoryStore) Update(_ context.Context, inst *Instruction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instructions[inst.ID]; !ok {
		return ErrInstructionNotFound
	}
	m.instructions[inst.ID] = copyInstruction(inst)
	return nil
}

func (m *MemoryStore) Claim(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instructions[id]
	if !ok {
		return false, ErrInstructionNotFound
	}
	if inst.Status != StatusPending {
		return false, nil
	}
	inst.Status = StatusSending
	inst.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]*Instruction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Instruction
	for _, inst := range m.instructions {
		if inst.Status == StatusPending && !inst.NextAttemptAt.After(now) {
			result = append(result, copyInstruction(inst))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].NextAttemptAt.Before(result[j].NextAttemptAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Instruction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Instruction
	for _, inst := range m.instructions {
		if status == "" || inst.Status == status {
			result = append(result, copyInstruction(inst))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CountByStatus(_ context.Context, status Status) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, inst := range m.instructions {
		if inst.Status == status {
			n++
		}
	}
	return n, nil
}

func copyInstruction(inst *Instruction) *Instruction {
	cp := *inst
	if inst.SentAt != nil {
		t := *inst.SentAt
		cp.SentAt = &t
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
