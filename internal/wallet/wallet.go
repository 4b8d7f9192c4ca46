// Package wallet enforces per-agent spending guardrails: balances, scoped
// payment tokens, and rolling-window spend ceilings. Every balance change is
// paired with exactly one AgentTransaction row and an audit ledger entry.
package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lucentra/lucentra/internal/ledger"
	"github.com/lucentra/lucentra/internal/metrics"
	"github.com/lucentra/lucentra/internal/models"
	"github.com/lucentra/lucentra/internal/pricing"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Service errors.
var (
	// ErrUnknownProduct indicates a product absent from the catalog.
	ErrUnknownProduct = errors.New("wallet: unknown product")
	// ErrWalletNotFound indicates no wallet exists for the agent.
	ErrWalletNotFound = errors.New("wallet: wallet not found")
)

// Purchase rejection reasons, one per enforcement step. The first violated
// check in this order always wins.
const (
	ReasonTokenInvalid        = "token_invalid"
	ReasonProductNotAllowed   = "product_not_allowed"
	ReasonTokenAmountExceeded = "token_amount_exceeded"
	ReasonPerTransactionLimit = "per_transaction_limit"
	ReasonHourlyLimit         = "hourly_limit"
	ReasonDailyLimit          = "daily_limit"
	ReasonInsufficientBalance = "insufficient_balance"
)

// Default wallet parameters, in LUC micros.
const (
	// startingBalanceMicros funds a lazily created wallet.
	startingBalanceMicros = 100 * pricing.MicrosPerLUC
	// defaultLimitPerTransactionMicros caps a single purchase.
	defaultLimitPerTransactionMicros = 10 * pricing.MicrosPerLUC
	// defaultLimitPerHourMicros caps the rolling one-hour spend.
	defaultLimitPerHourMicros = 25 * pricing.MicrosPerLUC
	// defaultLimitPerDayMicros caps the rolling one-day spend.
	defaultLimitPerDayMicros = 50 * pricing.MicrosPerLUC
)

// PurchaseResult reports the outcome of one purchase attempt.
type PurchaseResult struct {
	OK            bool   `json:"ok"`
	Reason        string `json:"reason,omitempty"`
	Detail        string `json:"detail,omitempty"`
	AmountMicros  int64  `json:"amount_micros"`
	BalanceMicros int64  `json:"balance_micros"`
	TransactionID uint64 `json:"transaction_id,omitempty"`
}

// View is the externally visible wallet state.
type View struct {
	AgentID                   string `json:"agent_id"`
	BalanceMicros             int64  `json:"balance_micros"`
	LimitPerTransactionMicros int64  `json:"limit_per_transaction_micros"`
	LimitPerHourMicros        int64  `json:"limit_per_hour_micros"`
	LimitPerDayMicros         int64  `json:"limit_per_day_micros"`
	HourlySpendMicros         int64  `json:"hourly_spend_micros"`
	DailySpendMicros          int64  `json:"daily_spend_micros"`
}

// Service is the agent wallet and guardrail layer.
type Service struct {
	db     *gorm.DB
	ledger *ledger.Ledger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService constructs a wallet Service.
func NewService(conn *gorm.DB, auditLog *ledger.Ledger) *Service {
	return &Service{db: conn, ledger: auditLog, locks: make(map[string]*sync.Mutex)}
}

// lock serializes wallet mutations per agent.
func (s *Service) lock(agentID string) func() {
	s.mu.Lock()
	l, ok := s.locks[agentID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[agentID] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// GetOrCreateWallet returns the agent's wallet, lazily creating it with the
// fixed starting balance. Creation is audited.
func (s *Service) GetOrCreateWallet(ctx context.Context, agentID string) (*models.AgentWallet, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, errors.New("wallet: empty agent id")
	}

	var wallet models.AgentWallet
	errTake := s.db.WithContext(ctx).Where("agent_id = ?", agentID).Take(&wallet).Error
	if errTake == nil {
		return &wallet, nil
	}
	if !errors.Is(errTake, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("wallet: load: %w", errTake)
	}

	unlock := s.lock(agentID)
	defer unlock()

	// Re-check under the lock; a concurrent caller may have created it.
	errTake = s.db.WithContext(ctx).Where("agent_id = ?", agentID).Take(&wallet).Error
	if errTake == nil {
		return &wallet, nil
	}
	if !errors.Is(errTake, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("wallet: load: %w", errTake)
	}

	wallet = models.AgentWallet{
		AgentID:                   agentID,
		BalanceMicros:             startingBalanceMicros,
		LimitPerTransactionMicros: defaultLimitPerTransactionMicros,
		LimitPerHourMicros:        defaultLimitPerHourMicros,
		LimitPerDayMicros:         defaultLimitPerDayMicros,
	}
	if errCreate := s.db.WithContext(ctx).Create(&wallet).Error; errCreate != nil {
		return nil, fmt.Errorf("wallet: create: %w", errCreate)
	}

	s.audit(ctx, agentID, "wallet.created", map[string]any{
		"starting_balance_micros": startingBalanceMicros,
	}, 0)
	return &wallet, nil
}

// CreatePaymentToken issues a scoped spending credential. The token is never
// a raw balance handle: it carries its own amount ceiling, product
// allow-list, TTL, and use count.
func (s *Service) CreatePaymentToken(ctx context.Context, agentID string, maxAmountMicros int64, allowedProducts []string, ttl time.Duration, maxUses int) (*models.PaymentToken, error) {
	if _, errWallet := s.GetOrCreateWallet(ctx, agentID); errWallet != nil {
		return nil, errWallet
	}
	if maxAmountMicros <= 0 {
		return nil, errors.New("wallet: token max amount must be positive")
	}
	if maxUses <= 0 {
		return nil, errors.New("wallet: token max uses must be positive")
	}
	if ttl <= 0 {
		return nil, errors.New("wallet: token ttl must be positive")
	}
	for _, productID := range allowedProducts {
		if _, ok := pricing.UnitPrice(productID); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProduct, productID)
		}
	}

	products, errMarshal := json.Marshal(allowedProducts)
	if errMarshal != nil {
		return nil, fmt.Errorf("wallet: marshal products: %w", errMarshal)
	}

	token := models.PaymentToken{
		TokenID:         "ptk_" + uuid.NewString(),
		AgentID:         agentID,
		MaxAmountMicros: maxAmountMicros,
		UsesRemaining:   maxUses,
		AllowedProducts: datatypes.JSON(products),
		ExpiresAt:       time.Now().UTC().Add(ttl),
	}
	if errCreate := s.db.WithContext(ctx).Create(&token).Error; errCreate != nil {
		return nil, fmt.Errorf("wallet: create token: %w", errCreate)
	}

	s.audit(ctx, agentID, "wallet.token_issued", map[string]any{
		"token_id":         token.TokenID,
		"max_amount":       maxAmountMicros,
		"allowed_products": allowedProducts,
		"max_uses":         maxUses,
		"expires_at":       token.ExpiresAt.Format(time.RFC3339),
	}, 0)
	return &token, nil
}

// ProcessPurchase runs the seven guardrail checks in order and, only if all
// pass, commits the token decrement, the debit row, and the balance change
// as one atomic unit.
func (s *Service) ProcessPurchase(ctx context.Context, tokenID, productID string, quantity int64) (PurchaseResult, error) {
	if quantity <= 0 {
		return PurchaseResult{}, errors.New("wallet: quantity must be positive")
	}

	// Check 1: token exists, is unexpired, and has uses remaining.
	var token models.PaymentToken
	errToken := s.db.WithContext(ctx).Where("token_id = ?", tokenID).Take(&token).Error
	if errToken != nil {
		if errors.Is(errToken, gorm.ErrRecordNotFound) {
			metrics.Purchases.WithLabelValues(ReasonTokenInvalid).Inc()
			return PurchaseResult{Reason: ReasonTokenInvalid, Detail: "token not found"}, nil
		}
		return PurchaseResult{}, fmt.Errorf("wallet: load token: %w", errToken)
	}

	unlock := s.lock(token.AgentID)
	defer unlock()

	var result PurchaseResult
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()

		if errReload := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("token_id = ?", tokenID).Take(&token).Error; errReload != nil {
			return errReload
		}
		if now.After(token.ExpiresAt) {
			result = PurchaseResult{Reason: ReasonTokenInvalid, Detail: "token expired"}
			return nil
		}
		if token.UsesRemaining <= 0 {
			result = PurchaseResult{Reason: ReasonTokenInvalid, Detail: "token exhausted"}
			return nil
		}

		// Check 2: product is in the token's allow-list.
		if !productAllowed(token.AllowedProducts, productID) {
			result = PurchaseResult{Reason: ReasonProductNotAllowed, Detail: productID}
			return nil
		}

		unitPrice, ok := pricing.UnitPrice(productID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownProduct, productID)
		}
		amount := quantity * unitPrice
		result.AmountMicros = amount

		// Check 3: amount within the token's remaining ceiling.
		if amount > token.MaxAmountMicros {
			result.Reason = ReasonTokenAmountExceeded
			result.Detail = fmt.Sprintf("amount %d exceeds token ceiling %d", amount, token.MaxAmountMicros)
			return nil
		}

		var wallet models.AgentWallet
		if errWallet := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("agent_id = ?", token.AgentID).Take(&wallet).Error; errWallet != nil {
			if errors.Is(errWallet, gorm.ErrRecordNotFound) {
				return ErrWalletNotFound
			}
			return errWallet
		}

		// Check 4: per-transaction ceiling.
		if amount > wallet.LimitPerTransactionMicros {
			result.Reason = ReasonPerTransactionLimit
			result.Detail = fmt.Sprintf("amount %d exceeds per-transaction limit %d", amount, wallet.LimitPerTransactionMicros)
			return nil
		}

		// Checks 5 and 6: rolling-window ceilings, summed from the
		// transaction history rather than a maintained counter.
		hourly, errHourly := s.windowSpend(ctx, tx, token.AgentID, now.Add(-time.Hour))
		if errHourly != nil {
			return errHourly
		}
		if hourly+amount > wallet.LimitPerHourMicros {
			result.Reason = ReasonHourlyLimit
			result.Detail = fmt.Sprintf("hourly spend %d plus %d exceeds limit %d", hourly, amount, wallet.LimitPerHourMicros)
			return nil
		}
		daily, errDaily := s.windowSpend(ctx, tx, token.AgentID, now.Add(-24*time.Hour))
		if errDaily != nil {
			return errDaily
		}
		if daily+amount > wallet.LimitPerDayMicros {
			result.Reason = ReasonDailyLimit
			result.Detail = fmt.Sprintf("daily spend %d plus %d exceeds limit %d", daily, amount, wallet.LimitPerDayMicros)
			return nil
		}

		// Check 7: sufficient balance.
		lucCost := pricing.LucCost(amount)
		if wallet.BalanceMicros < lucCost {
			result.Reason = ReasonInsufficientBalance
			result.Detail = fmt.Sprintf("balance %d below cost %d", wallet.BalanceMicros, lucCost)
			result.BalanceMicros = wallet.BalanceMicros
			return nil
		}

		// All seven passed: token, debit row, and balance move together.
		if errUpdateToken := tx.Model(&models.PaymentToken{}).
			Where("id = ?", token.ID).
			Updates(map[string]any{
				"uses_remaining":    gorm.Expr("uses_remaining - 1"),
				"max_amount_micros": gorm.Expr("max_amount_micros - ?", amount),
			}).Error; errUpdateToken != nil {
			return errUpdateToken
		}

		debit := models.AgentTransaction{
			AgentID:      token.AgentID,
			Kind:         models.AgentTxnDebit,
			AmountMicros: amount,
			ProductID:    productID,
			TokenID:      token.TokenID,
			Description:  fmt.Sprintf("purchase %dx %s", quantity, productID),
		}
		if errDebit := tx.Create(&debit).Error; errDebit != nil {
			return errDebit
		}

		if errBalance := tx.Model(&models.AgentWallet{}).
			Where("id = ?", wallet.ID).
			Update("balance_micros", gorm.Expr("balance_micros - ?", lucCost)).Error; errBalance != nil {
			return errBalance
		}

		result.OK = true
		result.BalanceMicros = wallet.BalanceMicros - lucCost
		result.TransactionID = debit.ID
		return nil
	})
	if errTx != nil {
		return PurchaseResult{}, fmt.Errorf("wallet: process purchase: %w", errTx)
	}

	if result.OK {
		metrics.Purchases.WithLabelValues("ok").Inc()
	} else {
		metrics.Purchases.WithLabelValues(result.Reason).Inc()
	}

	if result.OK {
		s.audit(ctx, token.AgentID, "wallet.debit", map[string]any{
			"token_id":   token.TokenID,
			"product_id": productID,
			"quantity":   quantity,
		}, result.AmountMicros)
	}
	return result, nil
}

// CreditWallet adds funds to an agent's wallet. Always legal, always audited;
// used for refunds and incoming agent-to-agent settlement.
func (s *Service) CreditWallet(ctx context.Context, agentID string, amountMicros int64, description string) (*models.AgentWallet, error) {
	if amountMicros <= 0 {
		return nil, errors.New("wallet: credit amount must be positive")
	}
	wallet, errWallet := s.GetOrCreateWallet(ctx, agentID)
	if errWallet != nil {
		return nil, errWallet
	}

	unlock := s.lock(agentID)
	defer unlock()

	if errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errBalance := tx.Model(&models.AgentWallet{}).
			Where("id = ?", wallet.ID).
			Update("balance_micros", gorm.Expr("balance_micros + ?", amountMicros)).Error; errBalance != nil {
			return errBalance
		}
		credit := models.AgentTransaction{
			AgentID:      agentID,
			Kind:         models.AgentTxnCredit,
			AmountMicros: amountMicros,
			Description:  description,
		}
		return tx.Create(&credit).Error
	}); errTx != nil {
		return nil, fmt.Errorf("wallet: credit: %w", errTx)
	}
	wallet.BalanceMicros += amountMicros

	s.audit(ctx, agentID, "wallet.credit", map[string]any{
		"description": description,
	}, -amountMicros)
	return wallet, nil
}

// WalletView builds the external wallet state including window spends.
func (s *Service) WalletView(ctx context.Context, agentID string) (View, error) {
	var wallet models.AgentWallet
	errTake := s.db.WithContext(ctx).Where("agent_id = ?", agentID).Take(&wallet).Error
	if errTake != nil {
		if errors.Is(errTake, gorm.ErrRecordNotFound) {
			return View{}, ErrWalletNotFound
		}
		return View{}, fmt.Errorf("wallet: load: %w", errTake)
	}

	now := time.Now().UTC()
	hourly, errHourly := s.windowSpend(ctx, s.db, agentID, now.Add(-time.Hour))
	if errHourly != nil {
		return View{}, errHourly
	}
	daily, errDaily := s.windowSpend(ctx, s.db, agentID, now.Add(-24*time.Hour))
	if errDaily != nil {
		return View{}, errDaily
	}
	return View{
		AgentID:                   wallet.AgentID,
		BalanceMicros:             wallet.BalanceMicros,
		LimitPerTransactionMicros: wallet.LimitPerTransactionMicros,
		LimitPerHourMicros:        wallet.LimitPerHourMicros,
		LimitPerDayMicros:         wallet.LimitPerDayMicros,
		HourlySpendMicros:         hourly,
		DailySpendMicros:          daily,
	}, nil
}

// SetLimits adjusts a wallet's spend ceilings. Audited.
func (s *Service) SetLimits(ctx context.Context, agentID string, perTxn, perHour, perDay int64) error {
	if perTxn <= 0 || perHour <= 0 || perDay <= 0 {
		return errors.New("wallet: limits must be positive")
	}
	wallet, errWallet := s.GetOrCreateWallet(ctx, agentID)
	if errWallet != nil {
		return errWallet
	}

	unlock := s.lock(agentID)
	defer unlock()

	if errUpdate := s.db.WithContext(ctx).Model(&models.AgentWallet{}).
		Where("id = ?", wallet.ID).
		Updates(map[string]any{
			"limit_per_transaction_micros": perTxn,
			"limit_per_hour_micros":        perHour,
			"limit_per_day_micros":         perDay,
		}).Error; errUpdate != nil {
		return fmt.Errorf("wallet: set limits: %w", errUpdate)
	}

	s.audit(ctx, agentID, "wallet.limits_changed", map[string]any{
		"limit_per_transaction": perTxn,
		"limit_per_hour":        perHour,
		"limit_per_day":         perDay,
	}, 0)
	return nil
}

// windowSpend sums debit amounts since the window start.
func (s *Service) windowSpend(ctx context.Context, tx *gorm.DB, agentID string, since time.Time) (int64, error) {
	var total int64
	errScan := tx.WithContext(ctx).Model(&models.AgentTransaction{}).
		Where("agent_id = ? AND kind = ? AND created_at >= ?", agentID, models.AgentTxnDebit, since).
		Select("COALESCE(SUM(amount_micros), 0)").
		Scan(&total).Error
	if errScan != nil {
		return 0, fmt.Errorf("wallet: window spend: %w", errScan)
	}
	return total, nil
}

// productAllowed checks a product against the token's allow-list.
func productAllowed(allowed datatypes.JSON, productID string) bool {
	var products []string
	if errUnmarshal := json.Unmarshal(allowed, &products); errUnmarshal != nil {
		return false
	}
	for _, p := range products {
		if p == productID {
			return true
		}
	}
	return false
}

// audit appends a ledger entry for a wallet action.
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
		log.WithError(errWrite).WithField("action", action).Error("wallet: audit write failed")
	}
}
