// Package quota implements the quota and usage accounting engine. It gates
// consumption of named services, meters actual usage against per-account
// quotas, and writes an audit ledger entry for every debit and credit.
package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
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

// Engine errors.
var (
	// ErrAccountNotFound indicates the account does not exist.
	ErrAccountNotFound = errors.New("quota: account not found")
	// ErrAccountSuspended indicates the account is gated off entirely.
	ErrAccountSuspended = errors.New("quota: account suspended")
	// ErrQuotaExceeded indicates a debit was denied under the block policy.
	// It is a caller-visible billing condition, not a fault.
	ErrQuotaExceeded = errors.New("quota: quota exceeded")
	// ErrReasonRequired indicates a credit without a human-readable reason.
	ErrReasonRequired = errors.New("quota: credit reason required")
)

// Warning levels emitted alongside gate decisions.
const (
	// WarnNone means consumption is below the warning threshold.
	WarnNone = ""
	// WarnApproaching means the period is at least 80% consumed.
	WarnApproaching = "warning"
	// WarnExceeded means the period limit is fully consumed.
	WarnExceeded = "exceeded"
)

// warnThresholdPercent is the consumption percentage that triggers a warning.
const warnThresholdPercent = 80

// Decision is the outcome of a gate check.
type Decision struct {
	Allowed      bool   `json:"allowed"`
	Remaining    int64  `json:"remaining"`
	Limit        int64  `json:"limit"`
	PercentUsed  int    `json:"percent_used"`
	WarningLevel string `json:"warning_level,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Flagged      bool   `json:"flagged,omitempty"`
	Overage      bool   `json:"overage,omitempty"`
}

// QuotaView is the externally visible state of one service quota.
type QuotaView struct {
	ServiceKey  string `json:"service_key"`
	Limit       int64  `json:"limit"`
	Used        int64  `json:"used"`
	Remaining   int64  `json:"remaining"`
	PercentUsed int    `json:"percent_used"`
	Unmetered   bool   `json:"unmetered,omitempty"`
}

// UsageResult is the outcome of a debit or credit.
type UsageResult struct {
	EventID  string    `json:"event_id"`
	Quota    QuotaView `json:"quota"`
	Replayed bool      `json:"replayed,omitempty"`
	Decision *Decision `json:"decision,omitempty"`
}

// ServiceUnits names one service and a unit count for estimation.
type ServiceUnits struct {
	ServiceKey string `json:"service_key"`
	Units      int64  `json:"units"`
}

// EstimateItem is the cost breakdown for one service.
type EstimateItem struct {
	ServiceKey string `json:"service_key"`
	Units      int64  `json:"units"`
	RateMicros int64  `json:"rate_micros"`
	CostMicros int64  `json:"cost_micros"`
}

// Estimate is a read-only cost projection across services.
type Estimate struct {
	Items            []EstimateItem `json:"items"`
	TotalMicros      int64          `json:"total_micros"`
	CacheHit         bool           `json:"cache_hit"`
	DiscountPercent  int            `json:"discount_percent,omitempty"`
	DiscountedMicros int64          `json:"discounted_micros"`
}

// Engine is the quota and usage accounting engine.
type Engine struct {
	db     *gorm.DB
	ledger *ledger.Ledger
	cache  *pricing.PatternCache
	locks  *keyedMutex
}

// NewEngine constructs an Engine. The pattern cache may be nil.
func NewEngine(conn *gorm.DB, auditLog *ledger.Ledger, cache *pricing.PatternCache) *Engine {
	return &Engine{db: conn, ledger: auditLog, cache: cache, locks: newKeyedMutex()}
}

// CreateAccount onboards a workspace onto a plan, creating its quotas from
// the plan's limits. The creation is audited.
func (e *Engine) CreateAccount(ctx context.Context, workspaceID, planKey string, policy models.OveragePolicy) (*models.Account, error) {
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return nil, errors.New("quota: empty workspace id")
	}
	if !pricing.KnownPlan(planKey) {
		return nil, fmt.Errorf("quota: unknown plan %q", planKey)
	}
	switch policy {
	case models.OverageBlock, models.OverageAllow, models.OverageSoftLimit:
	default:
		return nil, fmt.Errorf("quota: unknown overage policy %q", policy)
	}

	now := time.Now().UTC()
	account := models.Account{
		WorkspaceID:   workspaceID,
		PlanKey:       planKey,
		Status:        models.AccountStatusActive,
		OveragePolicy: policy,
		PeriodStart:   now,
		PeriodEnd:     now.AddDate(0, 1, 0),
	}

	if errTx := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errCreate := tx.Create(&account).Error; errCreate != nil {
			return errCreate
		}
		for serviceKey, limit := range pricing.PlanLimits(planKey) {
			q := models.Quota{AccountID: account.ID, ServiceKey: serviceKey, LimitUnits: limit}
			if errQuota := tx.Create(&q).Error; errQuota != nil {
				return errQuota
			}
		}
		return nil
	}); errTx != nil {
		return nil, fmt.Errorf("quota: create account: %w", errTx)
	}

	e.audit(ctx, &account.ID, "system", "account.created", map[string]any{
		"workspace_id":   workspaceID,
		"plan":           planKey,
		"overage_policy": string(policy),
	}, 0)
	return &account, nil
}

// SetQuotaLimit adjusts one service limit for an account. Used units are
// untouched; -1 makes the service unmetered.
func (e *Engine) SetQuotaLimit(ctx context.Context, accountID uint64, serviceKey string, limit int64) error {
	if !pricing.KnownServiceKey(serviceKey) {
		return &pricing.ErrUnknownServiceKey{ServiceKey: serviceKey}
	}
	if limit < models.UnmeteredLimit {
		return fmt.Errorf("quota: invalid limit %d", limit)
	}
	if _, errLoad := e.loadAccount(ctx, accountID); errLoad != nil {
		return errLoad
	}

	unlock := e.locks.Lock(accountID)
	defer unlock()

	if errTx := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var quota models.Quota
		errTake := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("account_id = ? AND service_key = ?", accountID, serviceKey).
			Take(&quota).Error
		if errTake != nil {
			if !errors.Is(errTake, gorm.ErrRecordNotFound) {
				return errTake
			}
			return tx.Create(&models.Quota{AccountID: accountID, ServiceKey: serviceKey, LimitUnits: limit}).Error
		}
		return tx.Model(&models.Quota{}).Where("id = ?", quota.ID).Update("limit_units", limit).Error
	}); errTx != nil {
		return fmt.Errorf("quota: set limit: %w", errTx)
	}

	e.audit(ctx, &accountID, "quota-engine", "quota.limit_changed", map[string]any{
		"service_key": serviceKey,
		"limit":       limit,
	}, 0)
	return nil
}

// CanExecute answers whether a debit of the given size would be allowed,
// without any side effect on the quota.
func (e *Engine) CanExecute(ctx context.Context, accountID uint64, serviceKey string, units int64) (Decision, error) {
	if !pricing.KnownServiceKey(serviceKey) {
		return Decision{}, &pricing.ErrUnknownServiceKey{ServiceKey: serviceKey}
	}
	if units < 0 {
		return Decision{}, errors.New("quota: negative units")
	}

	account, quota, rolled, errLoad := e.loadAccountQuota(ctx, e.db, accountID, serviceKey, false)
	if errLoad != nil {
		return Decision{}, errLoad
	}
	if rolled {
		e.auditRollover(ctx, account)
	}
	if account.Status == models.AccountStatusSuspended {
		return Decision{Reason: "account suspended"}, ErrAccountSuspended
	}
	decision := decide(quota, account.OveragePolicy, units)
	metrics.GateChecks.WithLabelValues(gateOutcome(decision)).Inc()
	return decision, nil
}

// gateOutcome maps a decision to its metric label.
func gateOutcome(d Decision) string {
	switch {
	case !d.Allowed:
		return "denied"
	case d.Overage:
		return "overage"
	case d.Flagged:
		return "flagged"
	default:
		return "allowed"
	}
}

// decide applies the overage policy to a prospective debit. The gate uses
// exact integer comparison; only PercentUsed is rounded, for display.
func decide(quota *models.Quota, policy models.OveragePolicy, units int64) Decision {
	d := Decision{
		Limit:       quota.LimitUnits,
		Remaining:   quota.Remaining(),
		PercentUsed: percentUsed(quota),
	}
	if quota.Unmetered() {
		d.Allowed = true
		d.Remaining = 0
		return d
	}

	d.WarningLevel = warningLevel(quota.UsedUnits, quota.LimitUnits)
	within := quota.UsedUnits+units <= quota.LimitUnits
	switch {
	case within:
		d.Allowed = true
	case policy == models.OverageAllow:
		d.Allowed = true
		d.Overage = true
	case policy == models.OverageSoftLimit:
		d.Allowed = true
		d.Flagged = true
		d.Reason = "soft limit exceeded"
	default:
		d.Reason = fmt.Sprintf("quota exceeded: %d of %d units used; raise the limit or wait for the period reset", quota.UsedUnits, quota.LimitUnits)
	}
	return d
}

// warningLevel maps consumption to the emitted warning band.
func warningLevel(used, limit int64) string {
	if limit <= 0 {
		return WarnNone
	}
	if used >= limit {
		return WarnExceeded
	}
	if used*100 >= limit*int64(warnThresholdPercent) {
		return WarnApproaching
	}
	return WarnNone
}

// percentUsed rounds consumption to the nearest integer percent for display.
func percentUsed(quota *models.Quota) int {
	if quota.Unmetered() || quota.LimitUnits <= 0 {
		return 0
	}
	return int(math.Round(float64(quota.UsedUnits) / float64(quota.LimitUnits) * 100))
}

// EstimateCost projects the cost of running the named services. Read-only;
// a pattern-cache hit applies the prior-pattern discount.
func (e *Engine) EstimateCost(ctx context.Context, accountID uint64, services []ServiceUnits) (Estimate, error) {
	account, errLoad := e.loadAccount(ctx, accountID)
	if errLoad != nil {
		return Estimate{}, errLoad
	}

	out := Estimate{Items: make([]EstimateItem, 0, len(services))}
	keys := make([]string, 0, len(services))
	for _, svc := range services {
		rate, errRate := pricing.Rate(svc.ServiceKey, account.PlanKey)
		if errRate != nil {
			return Estimate{}, errRate
		}
		item := EstimateItem{
			ServiceKey: svc.ServiceKey,
			Units:      svc.Units,
			RateMicros: rate,
			CostMicros: svc.Units * rate,
		}
		out.Items = append(out.Items, item)
		out.TotalMicros += item.CostMicros
		keys = append(keys, svc.ServiceKey)
	}

	out.DiscountedMicros = out.TotalMicros
	patternKey := pricing.PatternKey(accountID, keys)
	if e.cache.Hit(ctx, patternKey) {
		out.CacheHit = true
		out.DiscountPercent = pricing.HitDiscountPercent
		out.DiscountedMicros = out.TotalMicros * int64(100-pricing.HitDiscountPercent) / 100
	}
	e.cache.Store(ctx, patternKey)
	return out, nil
}

// RecordUsage atomically debits a quota and appends a UsageEvent. Replays of
// the same requestID return the original event without a second debit. A
// denial under the block policy returns ErrQuotaExceeded with the decision
// attached to the result.
func (e *Engine) RecordUsage(ctx context.Context, accountID uint64, serviceKey string, units int64, requestID string, metadata map[string]any) (UsageResult, error) {
	if !pricing.KnownServiceKey(serviceKey) {
		return UsageResult{}, &pricing.ErrUnknownServiceKey{ServiceKey: serviceKey}
	}
	if units <= 0 {
		return UsageResult{}, errors.New("quota: units must be positive")
	}
	requestID = strings.TrimSpace(requestID)

	unlock := e.locks.Lock(accountID)
	defer unlock()

	var (
		result        UsageResult
		denied        *Decision
		costMicr      int64
		rolledAccount *models.Account
	)
	errTx := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if requestID != "" {
			var prior models.UsageEvent
			errPrior := tx.Where("request_id = ? AND account_id = ?", requestID, accountID).Take(&prior).Error
			if errPrior == nil {
				quota, errQuota := e.lockQuota(tx, accountID, serviceKey)
				if errQuota != nil {
					return errQuota
				}
				result = UsageResult{EventID: prior.EventID, Quota: viewOf(quota), Replayed: true}
				return nil
			}
			if !errors.Is(errPrior, gorm.ErrRecordNotFound) {
				return errPrior
			}
		}

		account, quota, rolled, errLoad := e.loadAccountQuota(ctx, tx, accountID, serviceKey, true)
		if errLoad != nil {
			return errLoad
		}
		if rolled {
			rolledAccount = account
		}
		if account.Status == models.AccountStatusSuspended {
			return ErrAccountSuspended
		}

		decision := decide(quota, account.OveragePolicy, units)
		if !decision.Allowed {
			denied = &decision
			return ErrQuotaExceeded
		}

		rate, errRate := pricing.Rate(serviceKey, account.PlanKey)
		if errRate != nil {
			return errRate
		}
		costMicr = units * rate

		if errUpdate := tx.Model(&models.Quota{}).
			Where("id = ?", quota.ID).
			Update("used_units", gorm.Expr("used_units + ?", units)).Error; errUpdate != nil {
			return errUpdate
		}
		quota.UsedUnits += units

		event := models.UsageEvent{
			EventID:    "ue_" + uuid.NewString(),
			AccountID:  accountID,
			ServiceKey: serviceKey,
			UnitsDelta: units,
			CostMicros: costMicr,
			RequestID:  requestID,
			Metadata:   marshalMetadata(metadata),
		}
		if errCreate := tx.Create(&event).Error; errCreate != nil {
			return errCreate
		}

		result = UsageResult{EventID: event.EventID, Quota: viewOf(quota)}
		if decision.WarningLevel != WarnNone || decision.Flagged || decision.Overage {
			result.Decision = &decision
		}
		return nil
	})
	if errTx != nil {
		if errors.Is(errTx, ErrQuotaExceeded) && denied != nil {
			return UsageResult{Decision: denied}, ErrQuotaExceeded
		}
		if errors.Is(errTx, ErrAccountSuspended) || errors.Is(errTx, ErrAccountNotFound) {
			return UsageResult{}, errTx
		}
		return UsageResult{}, fmt.Errorf("quota: record usage: %w", errTx)
	}

	if rolledAccount != nil {
		e.auditRollover(ctx, rolledAccount)
	}
	if !result.Replayed {
		metrics.UsageUnits.WithLabelValues(serviceKey).Add(float64(units))
		e.audit(ctx, &accountID, "quota-engine", "usage.debit", map[string]any{
			"service_key": serviceKey,
			"units":       units,
			"request_id":  requestID,
			"event_id":    result.EventID,
		}, costMicr)
	}
	return result, nil
}

// CreditUsage decrements used units (floored at zero) and appends a
// negative-delta UsageEvent. A human-readable reason is mandatory.
func (e *Engine) CreditUsage(ctx context.Context, accountID uint64, serviceKey string, units int64, reason, originalEventID string) (UsageResult, error) {
	if !pricing.KnownServiceKey(serviceKey) {
		return UsageResult{}, &pricing.ErrUnknownServiceKey{ServiceKey: serviceKey}
	}
	if units <= 0 {
		return UsageResult{}, errors.New("quota: units must be positive")
	}
	if strings.TrimSpace(reason) == "" {
		return UsageResult{}, ErrReasonRequired
	}

	unlock := e.locks.Lock(accountID)
	defer unlock()

	var (
		result        UsageResult
		costMicr      int64
		rolledAccount *models.Account
	)
	errTx := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, quota, rolled, errLoad := e.loadAccountQuota(ctx, tx, accountID, serviceKey, true)
		if errLoad != nil {
			return errLoad
		}
		if rolled {
			rolledAccount = account
		}

		// Floor at zero: crediting more than was used leaves used at 0.
		credited := units
		if credited > quota.UsedUnits {
			credited = quota.UsedUnits
		}
		if errUpdate := tx.Model(&models.Quota{}).
			Where("id = ?", quota.ID).
			Update("used_units", gorm.Expr("used_units - ?", credited)).Error; errUpdate != nil {
			return errUpdate
		}
		quota.UsedUnits -= credited

		rate, errRate := pricing.Rate(serviceKey, account.PlanKey)
		if errRate != nil {
			return errRate
		}
		costMicr = -credited * rate

		event := models.UsageEvent{
			EventID:         "ue_" + uuid.NewString(),
			AccountID:       accountID,
			ServiceKey:      serviceKey,
			UnitsDelta:      -units,
			CostMicros:      costMicr,
			Reason:          reason,
			OriginalEventID: originalEventID,
		}
		if errCreate := tx.Create(&event).Error; errCreate != nil {
			return errCreate
		}
		result = UsageResult{EventID: event.EventID, Quota: viewOf(quota)}
		return nil
	})
	if errTx != nil {
		if errors.Is(errTx, ErrAccountNotFound) {
			return UsageResult{}, errTx
		}
		return UsageResult{}, fmt.Errorf("quota: credit usage: %w", errTx)
	}

	if rolledAccount != nil {
		e.auditRollover(ctx, rolledAccount)
	}
	e.audit(ctx, &accountID, "quota-engine", "usage.credit", map[string]any{
		"service_key":       serviceKey,
		"units":             units,
		"reason":            reason,
		"original_event_id": originalEventID,
		"event_id":          result.EventID,
	}, costMicr)
	return result, nil
}

// Summary returns the full-period view: account, quotas, and event totals.
type Summary struct {
	AccountID     uint64      `json:"account_id"`
	WorkspaceID   string      `json:"workspace_id"`
	Plan          string      `json:"plan"`
	Status        string      `json:"status"`
	OveragePolicy string      `json:"overage_policy"`
	PeriodStart   time.Time   `json:"period_start"`
	PeriodEnd     time.Time   `json:"period_end"`
	Quotas        []QuotaView `json:"quotas"`
	EventCount    int64       `json:"event_count"`
	SpendMicros   int64       `json:"spend_micros"`
}

// AccountSummary builds the full-period quota view for an account.
func (e *Engine) AccountSummary(ctx context.Context, accountID uint64) (Summary, error) {
	account, errLoad := e.loadAccount(ctx, accountID)
	if errLoad != nil {
		return Summary{}, errLoad
	}

	var quotas []models.Quota
	if errFind := e.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("service_key ASC").
		Find(&quotas).Error; errFind != nil {
		return Summary{}, fmt.Errorf("quota: load quotas: %w", errFind)
	}

	summary := Summary{
		AccountID:     account.ID,
		WorkspaceID:   account.WorkspaceID,
		Plan:          account.PlanKey,
		Status:        account.Status,
		OveragePolicy: string(account.OveragePolicy),
		PeriodStart:   account.PeriodStart,
		PeriodEnd:     account.PeriodEnd,
	}
	for i := range quotas {
		summary.Quotas = append(summary.Quotas, viewOf(&quotas[i]))
	}

	var agg struct {
		EventCount  int64
		SpendMicros int64
	}
	if errScan := e.db.WithContext(ctx).Model(&models.UsageEvent{}).
		Where("account_id = ? AND created_at >= ?", accountID, account.PeriodStart).
		Select("COUNT(*) AS event_count, COALESCE(SUM(cost_micros), 0) AS spend_micros").
		Scan(&agg).Error; errScan != nil {
		return Summary{}, fmt.Errorf("quota: aggregate events: %w", errScan)
	}
	summary.EventCount = agg.EventCount
	summary.SpendMicros = agg.SpendMicros
	return summary, nil
}

// AccountState builds the compact per-service quota view.
func (e *Engine) AccountState(ctx context.Context, accountID uint64) (map[string]QuotaView, error) {
	if _, errLoad := e.loadAccount(ctx, accountID); errLoad != nil {
		return nil, errLoad
	}
	var quotas []models.Quota
	if errFind := e.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Find(&quotas).Error; errFind != nil {
		return nil, fmt.Errorf("quota: load quotas: %w", errFind)
	}
	state := make(map[string]QuotaView, len(quotas))
	for i := range quotas {
		state[quotas[i].ServiceKey] = viewOf(&quotas[i])
	}
	return state, nil
}

// loadAccount fetches an account and applies period rollover when due.
func (e *Engine) loadAccount(ctx context.Context, accountID uint64) (*models.Account, error) {
	var account models.Account
	errTake := e.db.WithContext(ctx).Where("id = ?", accountID).Take(&account).Error
	if errTake != nil {
		if errors.Is(errTake, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("quota: load account: %w", errTake)
	}
	if time.Now().UTC().Before(account.PeriodEnd) {
		return &account, nil
	}

	unlock := e.locks.Lock(accountID)
	defer unlock()
	rolled, errRollover := e.rollover(ctx, &account)
	if errRollover != nil {
		return nil, errRollover
	}
	if rolled {
		e.auditRollover(ctx, &account)
	}
	return &account, nil
}

// loadAccountQuota fetches the account and one quota row, optionally with
// row locks, applying period rollover first when due. Each lookup chains off
// tx from scratch; a chained statement must never carry over between
// queries. The rolled flag tells the caller to append the rollover audit
// entry once its transaction has committed.
func (e *Engine) loadAccountQuota(ctx context.Context, tx *gorm.DB, accountID uint64, serviceKey string, forUpdate bool) (*models.Account, *models.Quota, bool, error) {
	accountQ := tx.WithContext(ctx).Where("id = ?", accountID)
	if forUpdate {
		accountQ = accountQ.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var account models.Account
	errAccount := accountQ.Take(&account).Error
	if errAccount != nil {
		if errors.Is(errAccount, gorm.ErrRecordNotFound) {
			return nil, nil, false, ErrAccountNotFound
		}
		return nil, nil, false, fmt.Errorf("quota: load account: %w", errAccount)
	}

	rolled := false
	if !time.Now().UTC().Before(account.PeriodEnd) {
		var errRollover error
		rolled, errRollover = e.rolloverTx(ctx, tx, &account)
		if errRollover != nil {
			return nil, nil, false, errRollover
		}
	}

	quotaQ := tx.WithContext(ctx)
	if forUpdate {
		quotaQ = quotaQ.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	quota, errQuota := e.lockQuotaWith(quotaQ, accountID, serviceKey)
	if errQuota != nil {
		return nil, nil, false, errQuota
	}
	return &account, quota, rolled, nil
}

// lockQuota fetches one quota row inside a transaction with a row lock.
func (e *Engine) lockQuota(tx *gorm.DB, accountID uint64, serviceKey string) (*models.Quota, error) {
	return e.lockQuotaWith(tx.Clauses(clause.Locking{Strength: "UPDATE"}), accountID, serviceKey)
}

func (e *Engine) lockQuotaWith(q *gorm.DB, accountID uint64, serviceKey string) (*models.Quota, error) {
	var quota models.Quota
	errTake := q.Where("account_id = ? AND service_key = ?", accountID, serviceKey).Take(&quota).Error
	if errTake != nil {
		if errors.Is(errTake, gorm.ErrRecordNotFound) {
			// Unknown-but-catalogued services start at a zero limit so the
			// block policy denies them until the plan grants units.
			return &models.Quota{AccountID: accountID, ServiceKey: serviceKey}, nil
		}
		return nil, fmt.Errorf("quota: load quota: %w", errTake)
	}
	return &quota, nil
}

// rollover advances the billing period outside a caller transaction.
func (e *Engine) rollover(ctx context.Context, account *models.Account) (bool, error) {
	rolled := false
	errTx := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var errRollover error
		rolled, errRollover = e.rolloverTx(ctx, tx, account)
		return errRollover
	})
	return rolled, errTx
}

// rolloverTx advances the billing period by whole period lengths until now
// falls inside the window, resetting used units. Boundaries stay contiguous.
// The audit entry is the caller's to append after its transaction commits,
// so a rolled-back debit never leaves a phantom rollover in the ledger.
func (e *Engine) rolloverTx(ctx context.Context, tx *gorm.DB, account *models.Account) (bool, error) {
	now := time.Now().UTC()
	if now.Before(account.PeriodEnd) {
		return false, nil
	}

	start, end := account.PeriodStart, account.PeriodEnd
	for !now.Before(end) {
		start = end
		end = end.AddDate(0, 1, 0)
	}

	if errUpdate := tx.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", account.ID).
		Updates(map[string]any{"period_start": start, "period_end": end}).Error; errUpdate != nil {
		return false, fmt.Errorf("quota: rollover account: %w", errUpdate)
	}
	if errReset := tx.WithContext(ctx).Model(&models.Quota{}).
		Where("account_id = ?", account.ID).
		Update("used_units", 0).Error; errReset != nil {
		return false, fmt.Errorf("quota: reset quotas: %w", errReset)
	}
	account.PeriodStart = start
	account.PeriodEnd = end
	return true, nil
}

// auditRollover appends the period_rollover entry for a committed rollover.
func (e *Engine) auditRollover(ctx context.Context, account *models.Account) {
	accountID := account.ID
	e.audit(ctx, &accountID, "quota-engine", "account.period_rollover", map[string]any{
		"period_start": account.PeriodStart.Format(time.RFC3339),
		"period_end":   account.PeriodEnd.Format(time.RFC3339),
	}, 0)
}

// audit appends a ledger entry, logging rather than failing the caller when
// the write is rejected. A halted ledger is the one exception worth
// surfacing loudly.
func (e *Engine) audit(ctx context.Context, accountID *uint64, actor, action string, payload map[string]any, costMicros int64) {
	if e.ledger == nil {
		return
	}
	if _, errWrite := e.ledger.Write(ctx, ledger.Entry{
		AccountID:  accountID,
		Actor:      actor,
		Action:     action,
		Payload:    payload,
		CostMicros: costMicros,
	}); errWrite != nil {
		log.WithError(errWrite).WithField("action", action).Error("quota: audit write failed")
	}
}

// viewOf projects a quota row into its external view.
func viewOf(quota *models.Quota) QuotaView {
	return QuotaView{
		ServiceKey:  quota.ServiceKey,
		Limit:       quota.LimitUnits,
		Used:        quota.UsedUnits,
		Remaining:   quota.Remaining(),
		PercentUsed: percentUsed(quota),
		Unmetered:   quota.Unmetered(),
	}
}

// marshalMetadata renders caller metadata for storage.
func marshalMetadata(metadata map[string]any) datatypes.JSON {
	if len(metadata) == 0 {
		return nil
	}
	raw, errMarshal := json.Marshal(metadata)
	if errMarshal != nil {
		return nil
	}
	return datatypes.JSON(raw)
}
