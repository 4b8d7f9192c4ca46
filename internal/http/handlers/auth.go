package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lucentra/lucentra/internal/models"
	"github.com/lucentra/lucentra/internal/security"
	"gorm.io/gorm"
)

// AuthHandler issues operator session tokens.
type AuthHandler struct {
	db        *gorm.DB
	jwtSecret string
	expiry    time.Duration
}

// NewAuthHandler constructs an AuthHandler.
func NewAuthHandler(db *gorm.DB, jwtSecret string, expiry time.Duration) *AuthHandler {
	return &AuthHandler{db: db, jwtSecret: jwtSecret, expiry: expiry}
}

// passwordLoginRequest is the POST /auth/login body.
type passwordLoginRequest struct {
	Name     string `json:"name" binding:"required"`     // Operator login name.
	Password string `json:"password" binding:"required"` // Plaintext password.
}

// PasswordLogin authenticates an operator by name and password and issues an
// operator JWT.
func (h *AuthHandler) PasswordLogin(c *gin.Context) {
	if h.jwtSecret == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "operator sessions not configured"})
		return
	}
	var req passwordLoginRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errBind.Error()})
		return
	}

	var operator models.Operator
	errTake := h.db.WithContext(c.Request.Context()).
		Where("name = ? AND active = ?", req.Name, true).
		Take(&operator).Error
	if errTake != nil || !security.CheckPassword(operator.PasswordHash, req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	now := time.Now()
	h.db.WithContext(c.Request.Context()).Model(&operator).Update("last_login_at", &now)

	token, errSign := security.GenerateOperatorToken(h.jwtSecret, operator.ID, operator.Name, h.expiry)
	if errSign != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token signing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": int64(h.expiry.Seconds()),
	})
}

// Login exchanges an authenticated admin API key for a short-lived operator
// JWT. The key record is injected by the auth middleware.
func (h *AuthHandler) Login(c *gin.Context) {
	if h.jwtSecret == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "operator sessions not configured"})
		return
	}
	caller, _ := c.Get("apiKey")
	key, ok := caller.(*models.APIKey)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "api key login required"})
		return
	}

	token, errSign := security.GenerateOperatorToken(h.jwtSecret, key.ID, key.Name, h.expiry)
	if errSign != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token signing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": int64(h.expiry.Seconds()),
	})
}
