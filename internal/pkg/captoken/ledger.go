package captoken

import (
	"context"
	"sync"
	"time"
)

// ConsumeResult is the outcome of a successful ledger write attempt.
type ConsumeResult int

const (
	Fresh ConsumeResult = iota + 1
	AlreadyUsed
)

func (r ConsumeResult) String() string {
	switch r {
	case Fresh:
		return "fresh"
	case AlreadyUsed:
		return "already_used"
	default:
		return "unknown"
	}
}

// Ledger records consumed nonces. Consume must return Fresh exactly once per
// nonce system-wide; the backing store enforces that with a uniqueness
// constraint, never with a read before the write. Storage failures come back as
// an error and no result.
type Ledger interface {
	Consume(ctx context.Context, nonce string, expiresAt time.Time) (ConsumeResult, error)
}

// MemoryLedger is a process-local Ledger for tests and single-node development.
type MemoryLedger struct {
	entries sync.Map // nonce -> expiresAt
}

func NewMemoryLedger() *MemoryLedger { return &MemoryLedger{} }

func (l *MemoryLedger) Consume(ctx context.Context, nonce string, expiresAt time.Time) (ConsumeResult, error) {
	if err := ctx.Err(); err != nil {
		return 0, newError(KindStorage, err)
	}
	if _, loaded := l.entries.LoadOrStore(nonce, expiresAt); loaded {
		return AlreadyUsed, nil
	}
	return Fresh, nil
}

// Prune forgets nonces whose token expired before cutoff.
func (l *MemoryLedger) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	var n int64
	l.entries.Range(func(key, value any) bool {
		if exp, ok := value.(time.Time); ok && !exp.IsZero() && exp.Before(cutoff) {
			l.entries.Delete(key)
			n++
		}
		return true
	})
	return n, nil
}
