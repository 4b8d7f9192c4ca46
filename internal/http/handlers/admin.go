package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lucentra/lucentra/internal/ledger"
	"github.com/lucentra/lucentra/internal/models"
	"github.com/lucentra/lucentra/internal/security"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AdminHandler serves provisioning endpoints for keys and approvers.
type AdminHandler struct {
	db       *gorm.DB
	auditLog *ledger.Ledger
}

// NewAdminHandler constructs an AdminHandler.
func NewAdminHandler(db *gorm.DB, auditLog *ledger.Ledger) *AdminHandler {
	return &AdminHandler{db: db, auditLog: auditLog}
}

// createKeyRequest is the POST /admin/keys body.
type createKeyRequest struct {
	Name      string  `json:"name" binding:"required"` // Display name for the key.
	AccountID *uint64 `json:"account_id"`              // Optional workspace scope.
	IsAdmin   bool    `json:"is_admin"`                // Grant provisioning access.
	TTLHours  int     `json:"ttl_hours"`               // Expiry in hours, 0 for none.
}

// CreateKey provisions a new API key and returns the raw key string once.
func (h *AdminHandler) CreateKey(c *gin.Context) {
	var req createKeyRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errBind.Error()})
		return
	}

	raw, errGenerate := security.GenerateAPIKey()
	if errGenerate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "key generation failed"})
		return
	}
	key := models.APIKey{
		AccountID: req.AccountID,
		Name:      req.Name,
		APIKey:    raw,
		IsAdmin:   req.IsAdmin,
		Active:    true,
	}
	if req.TTLHours > 0 {
		expires := time.Now().Add(time.Duration(req.TTLHours) * time.Hour)
		key.ExpiresAt = &expires
	}
	if errCreate := h.db.WithContext(c.Request.Context()).Create(&key).Error; errCreate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "key creation failed"})
		return
	}
	h.audit(c, key.AccountID, "apikey.created", map[string]any{
		"key_id": key.ID, "name": key.Name, "is_admin": key.IsAdmin,
	})
	c.JSON(http.StatusCreated, gin.H{
		"id":      key.ID,
		"name":    key.Name,
		"api_key": raw,
	})
}

// createApproverRequest is the POST /admin/approvers body.
type createApproverRequest struct {
	Name string `json:"name" binding:"required"` // Approver login name.
}

// CreateApprover enrolls a human approver and returns the TOTP provisioning
// secret once.
func (h *AdminHandler) CreateApprover(c *gin.Context) {
	var req createApproverRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errBind.Error()})
		return
	}

	secret, url, errGenerate := security.GenerateTOTPSecret(req.Name)
	if errGenerate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "totp provisioning failed"})
		return
	}
	approver := models.Approver{
		Name:       req.Name,
		TOTPSecret: secret,
		Active:     true,
	}
	if errCreate := h.db.WithContext(c.Request.Context()).Create(&approver).Error; errCreate != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "approver creation failed"})
		return
	}
	h.audit(c, nil, "approver.enrolled", map[string]any{
		"approver_id": approver.ID, "name": approver.Name,
	})
	c.JSON(http.StatusCreated, gin.H{
		"id":          approver.ID,
		"name":        approver.Name,
		"totp_secret": secret,
		"totp_url":    url,
	})
}

func (h *AdminHandler) audit(c *gin.Context, accountID *uint64, action string, payload map[string]any) {
	if _, errWrite := h.auditLog.Write(c.Request.Context(), ledger.Entry{
		AccountID: accountID,
		Actor:     "admin",
		Action:    action,
		Payload:   payload,
	}); errWrite != nil {
		log.WithError(errWrite).WithField("action", action).Error("audit write failed")
	}
}
