// Package handlers implements the HTTP handlers behind the platform routes.
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/lucentra/lucentra/internal/models"
	"github.com/lucentra/lucentra/internal/pricing"
	"github.com/lucentra/lucentra/internal/quota"
)

// BillingHandler exposes the quota engine over HTTP.
type BillingHandler struct {
	engine *quota.Engine
}

// NewBillingHandler constructs a BillingHandler.
func NewBillingHandler(engine *quota.Engine) *BillingHandler {
	return &BillingHandler{engine: engine}
}

// gateRequest is the POST /billing/gate body.
type gateRequest struct {
	AccountID  uint64               `json:"account_id" binding:"required"`
	ServiceKey string               `json:"service_key" binding:"required"`
	Units      int64                `json:"units"`
	DryRun     bool                 `json:"dry_run"`
	Estimate   []quota.ServiceUnits `json:"estimate,omitempty"`
}

// Gate answers whether a debit of the given size would be allowed. dry_run
// never debits; gate never debits either, the debit happens on record.
func (h *BillingHandler) Gate(c *gin.Context) {
	var req gateRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errBind.Error()})
		return
	}

	decision, errGate := h.engine.CanExecute(c.Request.Context(), req.AccountID, req.ServiceKey, req.Units)
	if errGate != nil && !errors.Is(errGate, quota.ErrAccountSuspended) {
		writeQuotaError(c, errGate)
		return
	}

	resp := gin.H{"allowed": decision.Allowed, "quota": decision}
	if len(req.Estimate) > 0 {
		estimate, errEstimate := h.engine.EstimateCost(c.Request.Context(), req.AccountID, req.Estimate)
		if errEstimate != nil {
			writeQuotaError(c, errEstimate)
			return
		}
		resp["estimate"] = estimate
	}
	c.JSON(http.StatusOK, resp)
}

// recordRequest is the POST /billing/record body.
type recordRequest struct {
	AccountID  uint64         `json:"account_id" binding:"required"`
	ServiceKey string         `json:"service_key" binding:"required"`
	Units      int64          `json:"units" binding:"required"`
	RequestID  string         `json:"request_id"`
	Metadata   map[string]any `json:"metadata"`
}

// Record debits actual usage. Same request_id replays return the original
// event without a second debit.
func (h *BillingHandler) Record(c *gin.Context) {
	var req recordRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errBind.Error()})
		return
	}

	result, errRecord := h.engine.RecordUsage(c.Request.Context(), req.AccountID, req.ServiceKey, req.Units, req.RequestID, req.Metadata)
	if errRecord != nil {
		if errors.Is(errRecord, quota.ErrQuotaExceeded) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "quota exceeded", "quota": result.Decision})
			return
		}
		writeQuotaError(c, errRecord)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event_id": result.EventID, "quota": result.Quota, "replayed": result.Replayed, "decision": result.Decision})
}

// creditRequest is the POST /billing/credit body.
type creditRequest struct {
	AccountID       uint64 `json:"account_id" binding:"required"`
	ServiceKey      string `json:"service_key" binding:"required"`
	Units           int64  `json:"units" binding:"required"`
	Reason          string `json:"reason" binding:"required"`
	OriginalEventID string `json:"original_event_id"`
}

// Credit refunds previously debited units.
func (h *BillingHandler) Credit(c *gin.Context) {
	var req creditRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errBind.Error()})
		return
	}

	result, errCredit := h.engine.CreditUsage(c.Request.Context(), req.AccountID, req.ServiceKey, req.Units, req.Reason, req.OriginalEventID)
	if errCredit != nil {
		writeQuotaError(c, errCredit)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event_id": result.EventID, "quota": result.Quota})
}

// Summary returns the full-period quota view for an account.
func (h *BillingHandler) Summary(c *gin.Context) {
	accountID, ok := pathID(c, "accountID")
	if !ok {
		return
	}
	summary, errSummary := h.engine.AccountSummary(c.Request.Context(), accountID)
	if errSummary != nil {
		writeQuotaError(c, errSummary)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// State returns the per-service quota map for an account.
func (h *BillingHandler) State(c *gin.Context) {
	accountID, ok := pathID(c, "accountID")
	if !ok {
		return
	}
	state, errState := h.engine.AccountState(c.Request.Context(), accountID)
	if errState != nil {
		writeQuotaError(c, errState)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quotas": state})
}

// createAccountRequest is the POST /admin/accounts body.
type createAccountRequest struct {
	WorkspaceID   string `json:"workspace_id" binding:"required"`
	Plan          string `json:"plan" binding:"required"`
	OveragePolicy string `json:"overage_policy"`
}

// CreateAccount onboards a workspace onto a plan.
func (h *BillingHandler) CreateAccount(c *gin.Context) {
	var req createAccountRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errBind.Error()})
		return
	}
	policy := models.OveragePolicy(req.OveragePolicy)
	if req.OveragePolicy == "" {
		policy = models.OverageBlock
	}

	account, errCreate := h.engine.CreateAccount(c.Request.Context(), req.WorkspaceID, req.Plan, policy)
	if errCreate != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errCreate.Error()})
		return
	}
	c.JSON(http.StatusCreated, account)
}

// setQuotaRequest is the PUT /admin/accounts/:accountID/quotas body.
type setQuotaRequest struct {
	ServiceKey string `json:"service_key" binding:"required"`
	Limit      int64  `json:"limit" binding:"required"`
}

// SetQuota changes one service quota limit for an account.
func (h *BillingHandler) SetQuota(c *gin.Context) {
	accountID, ok := pathID(c, "accountID")
	if !ok {
		return
	}
	var req setQuotaRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errBind.Error()})
		return
	}
	if errSet := h.engine.SetQuotaLimit(c.Request.Context(), accountID, req.ServiceKey, req.Limit); errSet != nil {
		writeQuotaError(c, errSet)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// pathID parses an unsigned path parameter, answering 400 on failure.
func pathID(c *gin.Context, name string) (uint64, bool) {
	id, errParse := strconv.ParseUint(c.Param(name), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

// writeQuotaError maps quota engine errors to HTTP statuses.
func writeQuotaError(c *gin.Context, err error) {
	var unknownKey *pricing.ErrUnknownServiceKey
	switch {
	case errors.Is(err, quota.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
	case errors.Is(err, quota.ErrAccountSuspended):
		c.JSON(http.StatusForbidden, gin.H{"error": "account suspended"})
	case errors.Is(err, quota.ErrReasonRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason required"})
	case errors.As(err, &unknownKey):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
