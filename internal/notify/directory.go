package notify

import (
	"context"
	"sync"
)

// Directory resolves a user's phone number.
type Directory interface {
	Phone(ctx context.Context, userID string) (string, error)
}

// MemoryDirectory is a process-local Directory. Phones are registered when
// transactions are created (buyer) and payout methods saved (seller).
type MemoryDirectory struct {
	mu     sync.RWMutex
	phones map[string]string
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{phones: make(map[string]string)}
}

// Set records userID's phone. Empty phones are ignored.
func (d *MemoryDirectory) Set(userID, phone string) {
	if userID == "" || phone == "" {
		return
	}
	d.mu.Lock()
	d.phones[userID] = phone
	d.mu.Unlock()
}

func (d *MemoryDirectory) Phone(_ context.Context, userID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.phones[userID]
	if !ok {
		return "", ErrNoRecipient
	}
	return p, nil
}

var _ Directory = (*MemoryDirectory)(nil)
