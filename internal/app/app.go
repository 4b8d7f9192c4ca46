// Package app wires the platform components together and runs the server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lucentra/lucentra/internal/config"
	"github.com/lucentra/lucentra/internal/db"
	internalhttp "github.com/lucentra/lucentra/internal/http"
	"github.com/lucentra/lucentra/internal/ledger"
	"github.com/lucentra/lucentra/internal/lifecycle"
	"github.com/lucentra/lucentra/internal/models"
	"github.com/lucentra/lucentra/internal/payments"
	"github.com/lucentra/lucentra/internal/pricing"
	"github.com/lucentra/lucentra/internal/quota"
	"github.com/lucentra/lucentra/internal/security"
	"github.com/lucentra/lucentra/internal/wallet"
	log "github.com/sirupsen/logrus"
)

// Migrate opens the database and runs schema migrations.
func Migrate(ctx context.Context, cfg config.Config) error {
	conn, errOpen := db.Open(cfg.DSN)
	if errOpen != nil {
		return errOpen
	}
	return db.Migrate(conn)
}

// CreateAPIKey provisions a new platform API key and prints it once.
func CreateAPIKey(ctx context.Context, cfg config.Config, name string, admin bool) (string, error) {
	conn, errOpen := db.Open(cfg.DSN)
	if errOpen != nil {
		return "", errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return "", errMigrate
	}

	raw, errGen := security.GenerateAPIKey()
	if errGen != nil {
		return "", errGen
	}
	record := models.APIKey{Name: name, APIKey: raw, IsAdmin: admin, Active: true}
	if errCreate := conn.WithContext(ctx).Create(&record).Error; errCreate != nil {
		return "", fmt.Errorf("create api key: %w", errCreate)
	}
	return raw, nil
}

// CreateOperator provisions a password-login operator account.
func CreateOperator(ctx context.Context, cfg config.Config, name, password string) error {
	conn, errOpen := db.Open(cfg.DSN)
	if errOpen != nil {
		return errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	hash, errHash := security.HashPassword(password)
	if errHash != nil {
		return fmt.Errorf("hash password: %w", errHash)
	}
	record := models.Operator{Name: name, PasswordHash: hash, Active: true}
	if errCreate := conn.WithContext(ctx).Create(&record).Error; errCreate != nil {
		return fmt.Errorf("create operator: %w", errCreate)
	}
	return nil
}

// RunServer boots the metering and transaction engine.
func RunServer(ctx context.Context, cfg config.Config) error {
	conn, errOpen := db.Open(cfg.DSN)
	if errOpen != nil {
		return errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	var cache *pricing.PatternCache
	if cfg.RedisAddr != "" {
		cache = pricing.NewPatternCache(cfg.RedisAddr, cfg.RedisPassword)
		defer func() {
			if errClose := cache.Close(); errClose != nil {
				log.WithError(errClose).Warn("pattern cache close failed")
			}
		}()
	}

	auditLog := ledger.New(conn)
	engine := quota.NewEngine(conn, auditLog, cache)
	wallets := wallet.NewService(conn, auditLog)
	manager := lifecycle.NewManager(conn, auditLog, engine)
	pay := payments.NewService(conn, auditLog, wallets, payments.NewHMACVerifier(cfg.JWTSecret))
	pay.StartSweeper(ctx, cfg.SweepInterval)

	router := internalhttp.NewRouter(internalhttp.Services{
		DB:        conn,
		Ledger:    auditLog,
		Quota:     engine,
		Wallets:   wallets,
		Lifecycle: manager,
		Payments:  pay,
		JWTSecret: cfg.JWTSecret,
		JWTExpiry: cfg.JWTExpiry,
	})

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
			log.WithError(errShutdown).Warn("server shutdown failed")
		}
	}()

	log.WithField("addr", cfg.Addr).Info("starting lucentra server")
	if errServe := server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
		return errServe
	}
	return nil
}
