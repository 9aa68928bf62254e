package ledger

import (
	"context"
	"time"

	"github.com/mx-space/newsletter/internal/pkg/captoken"
	"github.com/redis/go-redis/v9"
)

const (
	nonceKeyPrefix = "nl:nonce:"
	markKeyPrefix  = "nl:digest:mark:"
)

// RedisLedger keeps consumed nonces as SETNX keys that outlive the token by
// the retention window.
type RedisLedger struct {
	rdb       *redis.Client
	retention time.Duration
	now       func() time.Time
}

func NewRedisLedger(rdb *redis.Client, retention time.Duration) *RedisLedger {
	return &RedisLedger{rdb: rdb, retention: retention, now: time.Now}
}

func (l *RedisLedger) Consume(ctx context.Context, nonce string, expiresAt time.Time) (captoken.ConsumeResult, error) {
	ok, err := l.rdb.SetNX(ctx, nonceKeyPrefix+nonce, l.now().Unix(), l.ttl(expiresAt)).Result()
	if err != nil {
		return 0, captoken.StorageError(err)
	}
	if ok {
		return captoken.Fresh, nil
	}
	return captoken.AlreadyUsed, nil
}

// ttl is zero (no expiry) for tokens that never expire.
func (l *RedisLedger) ttl(expiresAt time.Time) time.Duration {
	if expiresAt.IsZero() {
		return 0
	}
	ttl := expiresAt.Sub(l.now()) + l.retention
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// RedisMarks stores digest delivery marks as expiring SETNX keys.
type RedisMarks struct {
	rdb *redis.Client
	now func() time.Time
}

func NewRedisMarks(rdb *redis.Client) *RedisMarks {
	return &RedisMarks{rdb: rdb, now: time.Now}
}

func (m *RedisMarks) Claim(ctx context.Context, key string, expiresAt time.Time) (bool, error) {
	ttl := expiresAt.Sub(m.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	return m.rdb.SetNX(ctx, markKeyPrefix+key, m.now().Unix(), ttl).Result()
}

func (m *RedisMarks) Release(ctx context.Context, key string) error {
	return m.rdb.Del(ctx, markKeyPrefix+key).Err()
}

// Prune is a no-op; redis expires marks on its own.
func (m *RedisMarks) Prune(context.Context, time.Time) (int64, error) { return 0, nil }
