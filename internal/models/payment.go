package models

import (
	"time"

	"gorm.io/datatypes"
)

// PaymentToken is a scoped, time-boxed spending credential for an agent.
type PaymentToken struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	TokenID string `gorm:"type:text;not null;uniqueIndex"` // Public token identifier.
	AgentID string `gorm:"type:text;not null;index"`       // Agent the token was issued to.

	MaxAmountMicros int64 `gorm:"not null"` // Remaining spendable amount; only decreases.
	UsesRemaining   int   `gorm:"not null"` // Remaining uses; only decreases.

	AllowedProducts datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'"` // Product allow-list.

	ExpiresAt time.Time `gorm:"not null;index"` // Hard expiry.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// Payment session status values.
const (
	// PaymentSessionPending awaits a payment proof.
	PaymentSessionPending = "pending"
	// PaymentSessionVerified has a confirmed proof.
	PaymentSessionVerified = "verified"
)

// PaymentSession is one X402 payment-required exchange. Sessions expire and
// are purged; verification after expiry fails closed.
type PaymentSession struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	SessionID string `gorm:"type:text;not null;uniqueIndex"` // Public session identifier.

	AgentID     string `gorm:"type:text;not null;index"` // Paying agent identifier.
	Resource    string `gorm:"type:text;not null"`       // Resource the payment unlocks.
	Description string `gorm:"type:text"`                // Human-readable description.

	LucCostMicros int64 `gorm:"not null"` // Price in LUC micros.

	Status string `gorm:"type:text;not null;default:pending"` // pending or verified.

	ExpiresAt  time.Time  `gorm:"not null;index"` // Session expiry.
	VerifiedAt *time.Time // Proof confirmation time, if verified.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
