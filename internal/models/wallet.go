package models

import "time"

// AgentWallet holds an agent's LUC balance and spend ceilings.
type AgentWallet struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	AgentID string `gorm:"type:text;not null;uniqueIndex"` // Owning agent identifier.

	BalanceMicros int64 `gorm:"not null;default:0"` // LUC balance in micros; never negative.

	LimitPerTransactionMicros int64 `gorm:"not null;default:0"` // Ceiling for a single purchase.
	LimitPerHourMicros        int64 `gorm:"not null;default:0"` // Rolling one-hour spend ceiling.
	LimitPerDayMicros         int64 `gorm:"not null;default:0"` // Rolling one-day spend ceiling.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// AgentTransaction kinds.
const (
	// AgentTxnDebit records spend leaving the wallet.
	AgentTxnDebit = "debit"
	// AgentTxnCredit records funds entering the wallet.
	AgentTxnCredit = "credit"
)

// AgentTransaction records one wallet balance change. Rows are append-only;
// rolling-window spend is always summed from these rows, never from a counter.
type AgentTransaction struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	AgentID string `gorm:"type:text;not null;index:idx_agent_txn_window"` // Owning agent identifier.
	Kind    string `gorm:"type:text;not null"`                            // debit or credit.

	AmountMicros int64 `gorm:"not null"` // Amount in LUC micros, always positive.

	ProductID   string `gorm:"type:text"` // Purchased product, for debits.
	TokenID     string `gorm:"type:text"` // Payment token used, for debits.
	Description string `gorm:"type:text"` // Human-readable description.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index:idx_agent_txn_window"` // Creation timestamp.
}
