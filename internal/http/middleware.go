// Package http assembles the platform's HTTP surface: API-key
// authentication, the billing/wallet/transaction/payment route groups, and
// the operational endpoints.
package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lucentra/lucentra/internal/logging"
	"github.com/lucentra/lucentra/internal/models"
	"github.com/lucentra/lucentra/internal/security"
	"github.com/lucentra/lucentra/internal/util"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AccessLogMiddleware logs one line per request with the request ID and a
// masked query string.
func AccessLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"request_id": logging.GinRequestID(c),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"query":      util.MaskSensitiveQuery(c.Request.URL.RawQuery),
			"status":     c.Writer.Status(),
			"duration":   time.Since(start).String(),
		}).Info("request")
	}
}

// Gin context keys set by the auth middleware.
const (
	ctxAPIKey   = "apiKey"
	ctxIsAdmin  = "isAdmin"
	ctxOperator = "operator"
)

// APIKeyAuthMiddleware authenticates the bearer credential against the
// store and injects the caller identity into the request context. Platform
// API keys carry the luc_ prefix; anything else is tried as an operator JWT.
func APIKeyAuthMiddleware(conn *gorm.DB, jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing API key"})
			return
		}

		if !strings.HasPrefix(raw, "luc_") {
			if jwtSecret != "" {
				if claims, errParse := security.ParseOperatorToken(jwtSecret, raw); errParse == nil {
					c.Set(ctxOperator, claims)
					c.Set(ctxIsAdmin, true)
					c.Next()
					return
				}
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid credential"})
			return
		}

		var key models.APIKey
		errTake := conn.WithContext(c.Request.Context()).
			Where("api_key = ?", raw).Take(&key).Error
		if errTake != nil {
			if errors.Is(errTake, gorm.ErrRecordNotFound) {
				log.WithField("key", util.HideAPIKey(raw)).Debug("rejected unknown api key")
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
				return
			}
			log.WithError(errTake).Error("api key lookup failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Authentication service error"})
			return
		}
		if key.Status() != "active" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "API key " + key.Status()})
			return
		}

		now := time.Now().UTC()
		if errTouch := conn.WithContext(c.Request.Context()).Model(&models.APIKey{}).
			Where("id = ?", key.ID).
			Update("last_used_at", now).Error; errTouch != nil {
			log.WithError(errTouch).Warn("api key last_used_at update failed")
		}

		c.Set(ctxAPIKey, &key)
		c.Set(ctxIsAdmin, key.IsAdmin)
		c.Next()
	}
}

// AdminRequired gates provisioning endpoints on the key's admin flag.
func AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !c.GetBool(ctxIsAdmin) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Admin key required"})
			return
		}
		c.Next()
	}
}

// CallerKey returns the authenticated key record, if any.
func CallerKey(c *gin.Context) *models.APIKey {
	if v, ok := c.Get(ctxAPIKey); ok {
		if key, ok := v.(*models.APIKey); ok {
			return key
		}
	}
	return nil
}

// bearerToken extracts the API key from the Authorization header or the
// x-api-key fallback.
func bearerToken(c *gin.Context) string {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(c.GetHeader("x-api-key"))
}
