package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lucentra/lucentra/internal/payments"
)

// PaymentHandler exposes the X402 payment-required flow over HTTP.
type PaymentHandler struct {
	payments *payments.Service
}

// NewPaymentHandler constructs a PaymentHandler.
func NewPaymentHandler(svc *payments.Service) *PaymentHandler {
	return &PaymentHandler{payments: svc}
}

// create402Request is the POST /payments/402 body.
type create402Request struct {
	AgentID       string `json:"agent_id" binding:"required"`
	Resource      string `json:"resource" binding:"required"`
	LucCostMicros int64  `json:"luc_cost_micros" binding:"required"`
	Description   string `json:"description"`
	TTLSeconds    int64  `json:"ttl_seconds"`
}

// Create402 opens a payment session and answers 402 Payment Required with
// the session's payment headers.
func (h *PaymentHandler) Create402(c *gin.Context) {
	var req create402Request
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errBind.Error()})
		return
	}

	session, errCreate := h.payments.Create402(c.Request.Context(), req.AgentID, req.Resource,
		req.LucCostMicros, req.Description, time.Duration(req.TTLSeconds)*time.Second)
	if errCreate != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errCreate.Error()})
		return
	}

	c.Header("X-Payment-Session", session.SessionID)
	c.Header("X-Payment-Amount-Micros", strconv.FormatInt(session.LucCostMicros, 10))
	c.Header("X-Payment-Expires", session.ExpiresAt.Format(time.RFC3339))
	c.JSON(http.StatusPaymentRequired, gin.H{
		"session_id":      session.SessionID,
		"resource":        session.Resource,
		"luc_cost_micros": session.LucCostMicros,
		"expires_at":      session.ExpiresAt,
	})
}

// verifyRequest is the POST /payments/verify body.
type verifyRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Proof     string `json:"proof" binding:"required"`
}

// Verify settles a pending session against a payment proof.
func (h *PaymentHandler) Verify(c *gin.Context) {
	var req verifyRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errBind.Error()})
		return
	}

	session, errVerify := h.payments.Verify(c.Request.Context(), req.SessionID, req.Proof)
	if errVerify != nil {
		switch {
		case errors.Is(errVerify, payments.ErrSessionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		case errors.Is(errVerify, payments.ErrSessionExpired):
			c.JSON(http.StatusGone, gin.H{"error": "session expired"})
		case errors.Is(errVerify, payments.ErrSessionConsumed):
			c.JSON(http.StatusConflict, gin.H{"error": "session already verified"})
		case errors.Is(errVerify, payments.ErrProofRejected):
			c.JSON(http.StatusPaymentRequired, gin.H{"error": errVerify.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": errVerify.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id":  session.SessionID,
		"status":      session.Status,
		"verified_at": session.VerifiedAt,
	})
}
