package models

import (
	"time"

	"gorm.io/datatypes"
)

// AuditEntry is one sealed row of the hash-chained audit ledger. Rows are
// append-only: content and position never change after the write commits.
type AuditEntry struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Seq uint64 `gorm:"not null;uniqueIndex"` // Position in the hash chain.

	PlatformID    string `gorm:"type:text;not null;uniqueIndex"` // Internal operational record ID.
	UserReceiptID string `gorm:"type:text;not null;uniqueIndex"` // User-facing receipt ID.

	AccountID *uint64 `gorm:"index"`                    // Related account, when applicable.
	Actor     string  `gorm:"type:text;not null;index"` // Acting agent or role.
	Action    string  `gorm:"type:text;not null;index"` // Action kind.

	Payload    datatypes.JSON `gorm:"type:jsonb;not null"` // Structured event payload.
	CostMicros int64          `gorm:"not null;default:0"`  // Signed cost in LUC micros, if any.

	PrevHash  string `gorm:"type:text;not null"` // Hex hash of the previous entry; empty for the genesis entry.
	ChainHash string `gorm:"type:text;not null"` // Hex SHA-256 over prev hash and canonical payload.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Seal timestamp.
}
