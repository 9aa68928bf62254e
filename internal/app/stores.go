package app

import (
	"context"
	"fmt"
	"time"

	"github.com/mx-space/newsletter/internal/config"
	"github.com/mx-space/newsletter/internal/modules/digest"
	"github.com/mx-space/newsletter/internal/modules/ledger"
	"github.com/mx-space/newsletter/internal/pkg/captoken"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// stores are the single-use records picked by capability.nonce_store. Redis
// keys expire on their own, so nonces has no pruner there.
type stores struct {
	kind        string
	nonces      captoken.Ledger
	marks       digest.Marks
	noncePruner pruner
	markPruner  pruner
}

func newStores(cfg config.CapabilityConfig, db *gorm.DB, rdb *redis.Client) (*stores, error) {
	switch cfg.NonceStore {
	case config.NonceStoreDatabase, "":
		nonces := ledger.NewGormLedger(db)
		marks := ledger.NewGormMarks(db)
		return &stores{kind: config.NonceStoreDatabase, nonces: nonces, marks: marks, noncePruner: nonces, markPruner: marks}, nil
	case config.NonceStoreRedis:
		return &stores{
			kind:   config.NonceStoreRedis,
			nonces: ledger.NewRedisLedger(rdb, cfg.NonceRetention),
			marks:  ledger.NewRedisMarks(rdb),
		}, nil
	case config.NonceStoreMemory:
		nonces := captoken.NewMemoryLedger()
		marks := ledger.NewMemoryMarks()
		return &stores{kind: config.NonceStoreMemory, nonces: nonces, marks: marks, noncePruner: nonces, markPruner: marks}, nil
	default:
		return nil, fmt.Errorf("unknown capability.nonce_store %q", cfg.NonceStore)
	}
}
