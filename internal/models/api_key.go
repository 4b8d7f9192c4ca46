package models

import "time"

// APIKey authenticates a service caller against the platform API.
type APIKey struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	AccountID *uint64 `gorm:"index"` // Bound account, when scoped to one workspace.

	Name   string `gorm:"type:text;not null"`             // Display name for the key.
	APIKey string `gorm:"type:text;not null;uniqueIndex"` // Full key string with the luc_ prefix.

	IsAdmin bool `gorm:"not null;default:false"` // Grants provisioning endpoints.

	Active     bool       `gorm:"not null;default:true"` // Whether the key is enabled.
	ExpiresAt  *time.Time // Optional expiration timestamp.
	RevokedAt  *time.Time // Revocation timestamp when disabled.
	LastUsedAt *time.Time // Last successful usage time.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// Status returns the current key status based on revocation, expiry, and the active flag.
func (k *APIKey) Status() string {
	if k.RevokedAt != nil {
		return "revoked"
	}
	if k.ExpiresAt != nil && k.ExpiresAt.Before(time.Now()) {
		return "expired"
	}
	if k.Active {
		return "active"
	}
	return "inactive"
}

// Operator is a human platform operator with password login.
type Operator struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Name         string `gorm:"type:text;not null;uniqueIndex"` // Operator login name.
	PasswordHash string `gorm:"type:text;not null"`             // Bcrypt password hash.

	Active bool `gorm:"not null;default:true"` // Whether the operator may log in.

	LastLoginAt *time.Time // Last successful login time.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// Approver is a human identity allowed to confirm human_approval gates.
type Approver struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Name       string `gorm:"type:text;not null;uniqueIndex"` // Approver login name.
	TOTPSecret string `gorm:"type:text;not null"`             // Shared TOTP secret.

	Active bool `gorm:"not null;default:true"` // Whether the approver may confirm gates.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
