// Package ledger holds the storage-backed single-use records: consumed
// capability nonces and per-day digest delivery marks. Both rely on a unique
// key in the store, never on a read before the write.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/mx-space/newsletter/internal/models"
	"github.com/mx-space/newsletter/internal/pkg/captoken"
	"gorm.io/gorm"
)

const mysqlDuplicateEntry = 1062

// GormLedger is the database-backed nonce ledger.
type GormLedger struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db, now: time.Now}
}

func (l *GormLedger) Consume(ctx context.Context, nonce string, expiresAt time.Time) (captoken.ConsumeResult, error) {
	row := models.NonceModel{
		Nonce:      nonce,
		ConsumedAt: l.now().UTC(),
	}
	if !expiresAt.IsZero() {
		exp := expiresAt.UTC()
		row.ExpiresAt = &exp
	}

	err := l.db.WithContext(ctx).Create(&row).Error
	switch {
	case err == nil:
		return captoken.Fresh, nil
	case isDuplicateKey(err):
		return captoken.AlreadyUsed, nil
	default:
		return 0, captoken.StorageError(err)
	}
}

// Prune deletes nonces whose token expired before cutoff; they can no longer
// be replayed because the token itself is dead.
func (l *GormLedger) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result := l.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ?", cutoff.UTC()).
		Delete(&models.NonceModel{})
	return result.RowsAffected, result.Error
}

// GormMarks stores digest delivery marks in the database.
type GormMarks struct {
	db *gorm.DB
}

func NewGormMarks(db *gorm.DB) *GormMarks { return &GormMarks{db: db} }

// Claim inserts the mark; false means another run already holds it.
func (m *GormMarks) Claim(ctx context.Context, key string, expiresAt time.Time) (bool, error) {
	err := m.db.WithContext(ctx).Create(&models.DeliveryMarkModel{
		MarkKey:   key,
		ExpiresAt: expiresAt.UTC(),
	}).Error
	switch {
	case err == nil:
		return true, nil
	case isDuplicateKey(err):
		return false, nil
	default:
		return false, err
	}
}

func (m *GormMarks) Release(ctx context.Context, key string) error {
	return m.db.WithContext(ctx).Where("mark_key = ?", key).Delete(&models.DeliveryMarkModel{}).Error
}

func (m *GormMarks) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result := m.db.WithContext(ctx).Where("expires_at < ?", cutoff.UTC()).Delete(&models.DeliveryMarkModel{})
	return result.RowsAffected, result.Error
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry
}
