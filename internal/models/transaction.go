package models

import (
	"time"

	"gorm.io/datatypes"
)

// TransactionStatus enumerates lifecycle states.
type TransactionStatus string

// Transaction lifecycle states.
const (
	StatusInitiated       TransactionStatus = "initiated"
	StatusPendingApproval TransactionStatus = "pending_approval"
	StatusApproved        TransactionStatus = "approved"
	StatusExecuting       TransactionStatus = "executing"
	StatusPendingVerify   TransactionStatus = "pending_verify"
	StatusVerified        TransactionStatus = "verified"
	StatusSettled         TransactionStatus = "settled"
	StatusRejected        TransactionStatus = "rejected"
	StatusFailed          TransactionStatus = "failed"
	StatusRolledBack      TransactionStatus = "rolled_back"
)

// GateType names a settlement precondition.
type GateType string

// Gate types attachable to a transaction.
const (
	GateBudgetCheck      GateType = "budget_check"
	GateHumanApproval    GateType = "human_approval"
	GateSecurityReview   GateType = "security_review"
	GateAuthorityCheck   GateType = "authority_check"
	GateEvidenceRequired GateType = "evidence_required"
)

// Transaction is the accountable unit of work.
type Transaction struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	PublicID string `gorm:"type:text;not null;uniqueIndex"` // External transaction identifier.

	Owner       string `gorm:"type:text;not null;index"` // Owning agent or role.
	DelegatedBy string `gorm:"type:text"`                // Delegating owner for sub-dispatched work.
	Department  string `gorm:"type:text"`                // Department classification.
	Category    string `gorm:"type:text;not null;index"` // Work category; drives required gates.

	Status TransactionStatus `gorm:"type:text;not null;index"` // Current lifecycle state.

	AccountID  *uint64 `gorm:"index"`     // Billed account, when the work is metered.
	ServiceKey string  `gorm:"type:text"` // Metered service key, when applicable.
	Units      int64   `gorm:"not null;default:0"` // Metered units, when applicable.

	EstimatedCostMicros int64 `gorm:"not null;default:0"` // Estimated cost in LUC micros.
	ActualCostMicros    int64 `gorm:"not null;default:0"` // Actual cost in LUC micros.

	RequiredGates datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'"` // Ordered gate list for the category.
	Evidence      datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'"` // Append-only evidence references.
	Artifacts     datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'"` // Append-only artifact references.
	AuditRefs     datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'"` // Sealed ledger platform IDs.

	StartedAt   *time.Time // Set on the transition into executing.
	CompletedAt *time.Time // Set on the transition into pending_verify.
	SettledAt   *time.Time // Set on settlement.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// TransactionGate is the recorded result of one gate check.
// Rows are upserted per gate type so re-checks stay idempotent.
type TransactionGate struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	TransactionID uint64   `gorm:"not null;index;uniqueIndex:idx_txn_gate"` // Owning transaction ID.
	Gate          GateType `gorm:"type:text;not null;uniqueIndex:idx_txn_gate"` // Gate type.

	Passed    bool   `gorm:"not null"`           // Whether the gate passed.
	Reason    string `gorm:"type:text"`          // Decision reason.
	CheckedBy string `gorm:"type:text;not null"` // Identity that ran the check.

	CheckedAt time.Time `gorm:"not null"` // Check timestamp.
}

// TransactionStatusChange is one row of a transaction's append-only status history.
type TransactionStatusChange struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	TransactionID uint64            `gorm:"not null;index"`     // Owning transaction ID.
	FromStatus    TransactionStatus `gorm:"type:text;not null"` // State before the transition.
	ToStatus      TransactionStatus `gorm:"type:text;not null"` // State after the transition.

	By     string `gorm:"type:text;not null"` // Identity that drove the transition.
	Reason string `gorm:"type:text"`          // Optional transition reason.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Transition timestamp.
}
