package models

import "time"

// NonceModel is a consumed capability-link nonce. The primary key is the
// single-use guarantee; rows are inserted once and never updated.
type NonceModel struct {
	Nonce      string     `json:"nonce"       gorm:"primaryKey;size:64"`
	ConsumedAt time.Time  `json:"consumed_at" gorm:"not null"`
	ExpiresAt  *time.Time `json:"expires_at" gorm:"index"` // nil: token never expires, row is kept
}

func (NonceModel) TableName() string { return "capability_nonces" }

// DeliveryMarkModel records that a subscriber's digest went out for one local day.
type DeliveryMarkModel struct {
	MarkKey   string    `json:"mark_key"   gorm:"primaryKey;size:128"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at" gorm:"index"`
}

func (DeliveryMarkModel) TableName() string { return "digest_deliveries" }
