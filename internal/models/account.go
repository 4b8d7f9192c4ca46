package models

import "time"

// OveragePolicy controls behavior once a quota limit is reached.
type OveragePolicy string

// Overage policy values.
const (
	// OverageBlock denies further consumption at the limit.
	OverageBlock OveragePolicy = "block"
	// OverageAllow lets consumption continue and accrues overage cost.
	OverageAllow OveragePolicy = "allow_overage"
	// OverageSoftLimit allows consumption but flags it for review.
	OverageSoftLimit OveragePolicy = "soft_limit"
)

// Account status values.
const (
	// AccountStatusActive marks an account that may consume services.
	AccountStatusActive = "active"
	// AccountStatusSuspended marks an account that is gated off.
	AccountStatusSuspended = "suspended"
)

// Account represents one billable workspace.
type Account struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	WorkspaceID string `gorm:"type:text;not null;uniqueIndex"` // External workspace identifier.
	PlanKey     string `gorm:"type:text;not null"`             // Pricing plan key.
	Status      string `gorm:"type:text;not null;default:active"` // active or suspended.

	OveragePolicy OveragePolicy `gorm:"type:text;not null;default:block"` // Behavior at the quota limit.

	PeriodStart time.Time `gorm:"not null"` // Current billing period start.
	PeriodEnd   time.Time `gorm:"not null"` // Current billing period end (exclusive).

	Quotas []Quota `gorm:"foreignKey:AccountID"` // Per-service quotas.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// UnmeteredLimit is the sentinel limit for pay-as-you-go services.
const UnmeteredLimit int64 = -1

// Quota tracks consumption of one service key within an account's period.
type Quota struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	AccountID  uint64 `gorm:"not null;index;uniqueIndex:idx_quota_account_service"` // Owning account ID.
	ServiceKey string `gorm:"type:text;not null;uniqueIndex:idx_quota_account_service"` // Metered service key.

	LimitUnits int64 `gorm:"not null;default:0"` // Unit limit for the period, -1 for unmetered.
	UsedUnits  int64 `gorm:"not null;default:0"` // Units consumed this period.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// Unmetered reports whether the quota is pay-as-you-go.
func (q *Quota) Unmetered() bool {
	return q.LimitUnits == UnmeteredLimit
}

// Remaining returns the units left in the period, 0-floored.
// The result is meaningless for unmetered quotas.
func (q *Quota) Remaining() int64 {
	if q.Unmetered() {
		return 0
	}
	left := q.LimitUnits - q.UsedUnits
	if left < 0 {
		return 0
	}
	return left
}
