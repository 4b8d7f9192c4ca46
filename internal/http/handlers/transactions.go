package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/lucentra/lucentra/internal/lifecycle"
	"github.com/lucentra/lucentra/internal/models"
)

// TransactionHandler exposes the transaction lifecycle over HTTP.
type TransactionHandler struct {
	manager *lifecycle.Manager
}

// NewTransactionHandler constructs a TransactionHandler.
func NewTransactionHandler(manager *lifecycle.Manager) *TransactionHandler {
	return &TransactionHandler{manager: manager}
}

// Initiate opens a new transaction.
func (h *TransactionHandler) Initiate(c *gin.Context) {
	var params lifecycle.InitiateParams
	if errBind := c.ShouldBindJSON(&params); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errBind.Error()})
		return
	}
	txn, errInit := h.manager.Initiate(c.Request.Context(), params)
	if errInit != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInit.Error()})
		return
	}
	c.JSON(http.StatusCreated, txn)
}

// Get returns one transaction by public ID.
func (h *TransactionHandler) Get(c *gin.Context) {
	txn, errGet := h.manager.Get(c.Request.Context(), c.Param("publicID"))
	if errGet != nil {
		writeLifecycleError(c, errGet)
		return
	}
	c.JSON(http.StatusOK, txn)
}

// List enumerates transactions, optionally filtered by ?status=.
func (h *TransactionHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	txns, errList := h.manager.List(c.Request.Context(),
		models.TransactionStatus(c.Query("status")), limit)
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": errList.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns})
}

// transitionRequest is the POST /transactions/:publicID/transition body.
type transitionRequest struct {
	Status string `json:"status" binding:"required"`
	By     string `json:"by" binding:"required"`
	Reason string `json:"reason"`
}

// Transition drives one edge of the state machine.
func (h *TransactionHandler) Transition(c *gin.Context) {
	txn, errGet := h.manager.Get(c.Request.Context(), c.Param("publicID"))
	if errGet != nil {
		writeLifecycleError(c, errGet)
		return
	}
	var req transitionRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errBind.Error()})
		return
	}
	updated, errTransition := h.manager.Transition(c.Request.Context(), txn.ID,
		models.TransactionStatus(req.Status), req.By, req.Reason)
	if errTransition != nil {
		writeLifecycleError(c, errTransition)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// gateCheckRequest is the POST /transactions/:publicID/gates body.
type gateCheckRequest struct {
	Gate      string `json:"gate" binding:"required"`
	Passed    *bool  `json:"passed" binding:"required"`
	Reason    string `json:"reason"`
	CheckedBy string `json:"checked_by" binding:"required"`

	// ApproverCode carries a TOTP code when the human_approval gate is
	// recorded through an approver identity.
	ApproverCode string `json:"approver_code"`
}

// RecordGate records one gate result. human_approval with an approver_code
// goes through TOTP verification.
func (h *TransactionHandler) RecordGate(c *gin.Context) {
	txn, errGet := h.manager.Get(c.Request.Context(), c.Param("publicID"))
	if errGet != nil {
		writeLifecycleError(c, errGet)
		return
	}
	var req gateCheckRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errBind.Error()})
		return
	}

	gate := models.GateType(req.Gate)
	var (
		result  lifecycle.GateResult
		errGate error
	)
	if gate == models.GateHumanApproval && req.ApproverCode != "" {
		result, errGate = h.manager.RecordHumanApproval(c.Request.Context(), txn.ID,
			req.CheckedBy, req.ApproverCode, *req.Passed, req.Reason)
	} else {
		result, errGate = h.manager.RecordGate(c.Request.Context(), txn.ID,
			gate, *req.Passed, req.Reason, req.CheckedBy)
	}
	if errGate != nil {
		writeLifecycleError(c, errGate)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Gates lists the recorded gate results for a transaction.
func (h *TransactionHandler) Gates(c *gin.Context) {
	txn, errGet := h.manager.Get(c.Request.Context(), c.Param("publicID"))
	if errGet != nil {
		writeLifecycleError(c, errGet)
		return
	}
	gates, errGates := h.manager.Gates(c.Request.Context(), txn.ID)
	if errGates != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": errGates.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"gates": gates})
}

// attachRequest is the evidence/artifacts attachment body.
type attachRequest struct {
	Refs []string `json:"refs" binding:"required"`
}

// AttachEvidence appends evidence references.
func (h *TransactionHandler) AttachEvidence(c *gin.Context) {
	h.attach(c, h.manager.AttachEvidence)
}

// AttachArtifacts appends artifact references.
func (h *TransactionHandler) AttachArtifacts(c *gin.Context) {
	h.attach(c, h.manager.AttachArtifacts)
}

func (h *TransactionHandler) attach(c *gin.Context, fn func(context.Context, uint64, []string) (*models.Transaction, error)) {
	txn, errGet := h.manager.Get(c.Request.Context(), c.Param("publicID"))
	if errGet != nil {
		writeLifecycleError(c, errGet)
		return
	}
	var req attachRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errBind.Error()})
		return
	}
	updated, errAttach := fn(c.Request.Context(), txn.ID, req.Refs)
	if errAttach != nil {
		writeLifecycleError(c, errAttach)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// settleRequest is the POST /transactions/:publicID/settle body.
type settleRequest struct {
	By               string `json:"by" binding:"required"`
	ActualCostMicros int64  `json:"actual_cost_micros"`
}

// Settle finalizes a verified transaction.
func (h *TransactionHandler) Settle(c *gin.Context) {
	txn, errGet := h.manager.Get(c.Request.Context(), c.Param("publicID"))
	if errGet != nil {
		writeLifecycleError(c, errGet)
		return
	}
	var req settleRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errBind.Error()})
		return
	}
	settled, errSettle := h.manager.Settle(c.Request.Context(), txn.ID, req.By, req.ActualCostMicros)
	if errSettle != nil {
		writeLifecycleError(c, errSettle)
		return
	}
	c.JSON(http.StatusOK, settled)
}

// rollbackRequest is the POST /transactions/:publicID/rollback body.
type rollbackRequest struct {
	By     string `json:"by" binding:"required"`
	Reason string `json:"reason" binding:"required"`
}

// Rollback reverses a settled transaction.
func (h *TransactionHandler) Rollback(c *gin.Context) {
	txn, errGet := h.manager.Get(c.Request.Context(), c.Param("publicID"))
	if errGet != nil {
		writeLifecycleError(c, errGet)
		return
	}
	var req rollbackRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errBind.Error()})
		return
	}
	rolled, errRollback := h.manager.Rollback(c.Request.Context(), txn.ID, req.By, req.Reason)
	if errRollback != nil {
		writeLifecycleError(c, errRollback)
		return
	}
	c.JSON(http.StatusOK, rolled)
}

// History returns the append-only status history.
func (h *TransactionHandler) History(c *gin.Context) {
	txn, errGet := h.manager.Get(c.Request.Context(), c.Param("publicID"))
	if errGet != nil {
		writeLifecycleError(c, errGet)
		return
	}
	history, errHistory := h.manager.StatusHistory(c.Request.Context(), txn.ID)
	if errHistory != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": errHistory.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

// writeLifecycleError maps lifecycle errors to HTTP statuses.
func writeLifecycleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
	case errors.Is(err, lifecycle.ErrIllegalTransition),
		errors.Is(err, lifecycle.ErrUnknownGate),
		errors.Is(err, lifecycle.ErrGatesPending),
		errors.Is(err, lifecycle.ErrEvidenceMissing):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, lifecycle.ErrApproverNotFound),
		errors.Is(err, lifecycle.ErrInvalidTOTP):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
