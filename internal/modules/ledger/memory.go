package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryMarks is a process-local mark store for tests and single-node setups.
type MemoryMarks struct {
	mu    sync.Mutex
	marks map[string]time.Time
}

func NewMemoryMarks() *MemoryMarks {
	return &MemoryMarks{marks: make(map[string]time.Time)}
}

func (m *MemoryMarks) Claim(_ context.Context, key string, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.marks[key]; ok {
		return false, nil
	}
	m.marks[key] = expiresAt
	return true, nil
}

func (m *MemoryMarks) Release(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.marks, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryMarks) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, exp := range m.marks {
		if exp.Before(cutoff) {
			delete(m.marks, key)
			n++
		}
	}
	return n, nil
}

// Has reports whether key is currently claimed.
func (m *MemoryMarks) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.marks[key]
	return ok
}
