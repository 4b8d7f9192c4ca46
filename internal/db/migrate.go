package db

import (
	"fmt"

	"github.com/lucentra/lucentra/internal/models"
	"gorm.io/gorm"
)

// Migrate creates or updates the schema for all platform tables.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	return conn.AutoMigrate(
		&models.Account{},
		&models.Quota{},
		&models.UsageEvent{},
		&models.Transaction{},
		&models.TransactionGate{},
		&models.TransactionStatusChange{},
		&models.AgentWallet{},
		&models.AgentTransaction{},
		&models.PaymentToken{},
		&models.PaymentSession{},
		&models.AuditEntry{},
		&models.APIKey{},
		&models.Approver{},
		&models.Operator{},
	)
}
