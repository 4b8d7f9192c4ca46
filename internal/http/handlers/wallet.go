package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lucentra/lucentra/internal/wallet"
)

// WalletHandler exposes agent wallets and payment tokens over HTTP.
type WalletHandler struct {
	wallets *wallet.Service
}

// NewWalletHandler constructs a WalletHandler.
func NewWalletHandler(wallets *wallet.Service) *WalletHandler {
	return &WalletHandler{wallets: wallets}
}

// createTokenRequest is the POST /wallet/token body.
type createTokenRequest struct {
	AgentID         string   `json:"agent_id" binding:"required"`
	MaxAmountMicros int64    `json:"max_amount_micros" binding:"required"`
	AllowedProducts []string `json:"allowed_products" binding:"required"`
	TTLSeconds      int64    `json:"ttl_seconds" binding:"required"`
	MaxUses         int      `json:"max_uses" binding:"required"`
}

// CreateToken issues a scoped payment token for an agent.
func (h *WalletHandler) CreateToken(c *gin.Context) {
	var req createTokenRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errBind.Error()})
		return
	}

	token, errCreate := h.wallets.CreatePaymentToken(c.Request.Context(), req.AgentID,
		req.MaxAmountMicros, req.AllowedProducts, time.Duration(req.TTLSeconds)*time.Second, req.MaxUses)
	if errCreate != nil {
		status := http.StatusBadRequest
		if !errors.Is(errCreate, wallet.ErrUnknownProduct) {
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{"error": errCreate.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"token_id":          token.TokenID,
		"agent_id":          token.AgentID,
		"max_amount_micros": token.MaxAmountMicros,
		"uses_remaining":    token.UsesRemaining,
		"expires_at":        token.ExpiresAt,
	})
}

// purchaseRequest is the POST /wallet/purchase body.
type purchaseRequest struct {
	TokenID   string `json:"token_id" binding:"required"`
	ProductID string `json:"product_id" binding:"required"`
	Quantity  int64  `json:"quantity" binding:"required"`
}

// Purchase runs the guardrail checks and commits the purchase when all pass.
// Guardrail rejections are 200-with-result, not errors.
func (h *WalletHandler) Purchase(c *gin.Context) {
	var req purchaseRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errBind.Error()})
		return
	}

	result, errPurchase := h.wallets.ProcessPurchase(c.Request.Context(), req.TokenID, req.ProductID, req.Quantity)
	if errPurchase != nil {
		if errors.Is(errPurchase, wallet.ErrUnknownProduct) {
			c.JSON(http.StatusBadRequest, gin.H{"error": errPurchase.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": errPurchase.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// creditWalletRequest is the POST /wallet/credit body.
type creditWalletRequest struct {
	AgentID      string `json:"agent_id" binding:"required"`
	AmountMicros int64  `json:"amount_micros" binding:"required"`
	Description  string `json:"description"`
}

// Credit adds funds to an agent wallet.
func (h *WalletHandler) Credit(c *gin.Context) {
	var req creditWalletRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errBind.Error()})
		return
	}

	updated, errCredit := h.wallets.CreditWallet(c.Request.Context(), req.AgentID, req.AmountMicros, req.Description)
	if errCredit != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errCredit.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": updated.AgentID, "balance_micros": updated.BalanceMicros})
}

// View returns the wallet state including rolling-window spends.
func (h *WalletHandler) View(c *gin.Context) {
	agentID := c.Param("agentID")
	view, errView := h.wallets.WalletView(c.Request.Context(), agentID)
	if errView != nil {
		if errors.Is(errView, wallet.ErrWalletNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "wallet not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": errView.Error()})
		return
	}
	c.JSON(http.StatusOK, view)
}
