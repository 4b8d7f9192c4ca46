package models

import (
	"time"

	"gorm.io/datatypes"
)

// UsageEvent records one quota debit or credit. Rows are append-only.
type UsageEvent struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	EventID   string `gorm:"type:text;not null;uniqueIndex"` // Public event identifier.
	AccountID uint64 `gorm:"not null;index"`                 // Owning account ID.

	ServiceKey string `gorm:"type:text;not null;index"` // Metered service key.
	UnitsDelta int64  `gorm:"not null"`                 // Signed unit delta; negative for credits.
	CostMicros int64  `gorm:"not null;default:0"`       // Signed cost in LUC micros.

	RequestID string `gorm:"type:text;index:idx_usage_request,unique,where:request_id <> ''"` // Idempotency key for debits.
	Reason    string `gorm:"type:text"`                                                       // Human-readable reason for credits.

	OriginalEventID string         `gorm:"type:text"`  // Event a credit compensates, if any.
	Metadata        datatypes.JSON `gorm:"type:jsonb"` // Free-form caller metadata.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Creation timestamp.
}
