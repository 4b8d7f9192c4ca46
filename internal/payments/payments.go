// Package payments implements the X402 payment-required flow: sessions with
// explicit expiry, proof verification delegated to an external processor
// boundary, and a retention sweep for expired sessions and payment tokens.
package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lucentra/lucentra/internal/ledger"
	"github.com/lucentra/lucentra/internal/models"
	"github.com/lucentra/lucentra/internal/wallet"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Service errors.
var (
	// ErrSessionNotFound indicates an unknown or already purged session.
	ErrSessionNotFound = errors.New("payments: session not found")
	// ErrSessionExpired indicates verification after expiry; the session is purged.
	ErrSessionExpired = errors.New("payments: session expired")
	// ErrSessionConsumed indicates the session was already verified.
	ErrSessionConsumed = errors.New("payments: session already verified")
	// ErrProofRejected indicates the external processor rejected the proof.
	ErrProofRejected = errors.New("payments: payment proof rejected")
)

// defaultSessionTTL bounds a session when the caller passes no TTL.
const defaultSessionTTL = 15 * time.Minute

// ProofVerifier is the external payment-processor boundary. Implementations
// must not be called inside any storage critical section.
type ProofVerifier interface {
	VerifyProof(ctx context.Context, sessionID, proof string) error
}

// ProofVerifierFunc adapts a function to ProofVerifier.
type ProofVerifierFunc func(ctx context.Context, sessionID, proof string) error

// VerifyProof calls f.
func (f ProofVerifierFunc) VerifyProof(ctx context.Context, sessionID, proof string) error {
	return f(ctx, sessionID, proof)
}

// NewHMACVerifier returns a verifier that accepts the hex HMAC-SHA256 of the
// session ID under the shared processor secret.
func NewHMACVerifier(secret string) ProofVerifier {
	return ProofVerifierFunc(func(_ context.Context, sessionID, proof string) error {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(sessionID))
		expected := hex.EncodeToString(mac.Sum(nil))
		if !hmac.Equal([]byte(expected), []byte(proof)) {
			return errors.New("proof signature mismatch")
		}
		return nil
	})
}

// Service manages payment sessions.
type Service struct {
	db       *gorm.DB
	ledger   *ledger.Ledger
	wallets  *wallet.Service
	verifier ProofVerifier
}

// NewService constructs a payments Service.
func NewService(conn *gorm.DB, auditLog *ledger.Ledger, wallets *wallet.Service, verifier ProofVerifier) *Service {
	return &Service{db: conn, ledger: auditLog, wallets: wallets, verifier: verifier}
}

// Create402 opens a payment session for a resource. The caller answers the
// original request with HTTP 402 and the session's payment headers.
func (s *Service) Create402(ctx context.Context, agentID, resource string, lucCostMicros int64, description string, ttl time.Duration) (*models.PaymentSession, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, errors.New("payments: agent id required")
	}
	if strings.TrimSpace(resource) == "" {
		return nil, errors.New("payments: resource required")
	}
	if lucCostMicros <= 0 {
		return nil, errors.New("payments: cost must be positive")
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}

	session := models.PaymentSession{
		SessionID:     "pay_" + uuid.NewString(),
		AgentID:       agentID,
		Resource:      resource,
		Description:   description,
		LucCostMicros: lucCostMicros,
		Status:        models.PaymentSessionPending,
		ExpiresAt:     time.Now().UTC().Add(ttl),
	}
	if errCreate := s.db.WithContext(ctx).Create(&session).Error; errCreate != nil {
		return nil, fmt.Errorf("payments: create session: %w", errCreate)
	}

	s.audit(ctx, agentID, "payment.session_opened", map[string]any{
		"session_id": session.SessionID,
		"resource":   resource,
		"expires_at": session.ExpiresAt.Format(time.RFC3339),
	}, 0)
	return &session, nil
}

// Verify settles a session against a payment proof. Proof checking happens
// at the external boundary, outside any storage transaction; the session row
// flips to verified only after the processor confirms. Verification after
// expiry fails closed and purges the session.
func (s *Service) Verify(ctx context.Context, sessionID, proof string) (*models.PaymentSession, error) {
	var session models.PaymentSession
	errTake := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&session).Error
	if errTake != nil {
		if errors.Is(errTake, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("payments: load session: %w", errTake)
	}
	if session.Status == models.PaymentSessionVerified {
		return nil, ErrSessionConsumed
	}
	if time.Now().UTC().After(session.ExpiresAt) {
		if errPurge := s.db.WithContext(ctx).Delete(&models.PaymentSession{}, session.ID).Error; errPurge != nil {
			log.WithError(errPurge).WithField("session", sessionID).Warn("payments: purge expired session failed")
		}
		s.audit(ctx, session.AgentID, "payment.session_expired", map[string]any{
			"session_id": sessionID,
		}, 0)
		return nil, ErrSessionExpired
	}

	// External processor call, outside any lock or transaction.
	if errProof := s.verifier.VerifyProof(ctx, sessionID, proof); errProof != nil {
		return nil, fmt.Errorf("%w: %v", ErrProofRejected, errProof)
	}

	now := time.Now().UTC()
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var locked models.PaymentSession
		if errLock := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", session.ID).Take(&locked).Error; errLock != nil {
			if errors.Is(errLock, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return errLock
		}
		if locked.Status == models.PaymentSessionVerified {
			return ErrSessionConsumed
		}
		if now.After(locked.ExpiresAt) {
			return ErrSessionExpired
		}
		return tx.Model(&models.PaymentSession{}).
			Where("id = ?", session.ID).
			Updates(map[string]any{"status": models.PaymentSessionVerified, "verified_at": now}).Error
	})
	if errTx != nil {
		return nil, errTx
	}
	session.Status = models.PaymentSessionVerified
	session.VerifiedAt = &now

	// Incoming settlement lands in the agent's wallet.
	if _, errCredit := s.wallets.CreditWallet(ctx, session.AgentID, session.LucCostMicros,
		"payment settlement: "+session.Resource); errCredit != nil {
		return nil, fmt.Errorf("payments: settle credit: %w", errCredit)
	}

	s.audit(ctx, session.AgentID, "payment.session_verified", map[string]any{
		"session_id": sessionID,
		"resource":   session.Resource,
	}, -session.LucCostMicros)
	return &session, nil
}

// Session loads one session by its public identifier.
func (s *Service) Session(ctx context.Context, sessionID string) (*models.PaymentSession, error) {
	var session models.PaymentSession
	errTake := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&session).Error
	if errTake != nil {
		if errors.Is(errTake, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("payments: load session: %w", errTake)
	}
	return &session, nil
}

// SweepExpired purges expired pending sessions and exhausted or expired
// payment tokens. Returns the number of rows removed.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	now := time.Now().UTC()

	sessions := s.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", models.PaymentSessionPending, now).
		Delete(&models.PaymentSession{})
	if sessions.Error != nil {
		return 0, fmt.Errorf("payments: sweep sessions: %w", sessions.Error)
	}

	tokens := s.db.WithContext(ctx).
		Where("expires_at < ? OR uses_remaining <= 0", now).
		Delete(&models.PaymentToken{})
	if tokens.Error != nil {
		return sessions.RowsAffected, fmt.Errorf("payments: sweep tokens: %w", tokens.Error)
	}
	return sessions.RowsAffected + tokens.RowsAffected, nil
}

// StartSweeper runs SweepExpired on the interval until the context ends.
func (s *Service) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, errSweep := s.SweepExpired(ctx)
				if errSweep != nil {
					log.WithError(errSweep).Warn("payments: sweep failed")
					continue
				}
				if removed > 0 {
					log.WithField("removed", removed).Debug("payments: swept expired rows")
				}
			}
		}
	}()
}

// audit appends a ledger entry for a payment event.
func (s *Service) audit(ctx context.Context, agentID, action string, payload map[string]any, costMicros int64) {
	if s.ledger == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["agent_id"] = agentID
	if _, errWrite := s.ledger.Write(ctx, ledger.Entry{
		Actor:      agentID,
		Action:     action,
		Payload:    payload,
		CostMicros: costMicros,
	}); errWrite != nil {
		log.WithError(errWrite).WithField("action", action).Error("payments: audit write failed")
	}
}
