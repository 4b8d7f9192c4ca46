package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lucentra/lucentra/internal/ledger"
	"github.com/lucentra/lucentra/internal/models"
	"gorm.io/gorm"
)

// AuditHandler exposes the receipt projection of the audit ledger.
type AuditHandler struct {
	db     *gorm.DB
	ledger *ledger.Ledger
}

// NewAuditHandler constructs an AuditHandler.
func NewAuditHandler(conn *gorm.DB, auditLog *ledger.Ledger) *AuditHandler {
	return &AuditHandler{db: conn, ledger: auditLog}
}

// receiptRow is the user-facing projection of one ledger entry.
type receiptRow struct {
	Seq           uint64  `json:"seq"`
	UserReceiptID string  `json:"user_receipt_id"`
	AccountID     *uint64 `json:"account_id,omitempty"`
	Actor         string  `json:"actor"`
	Action        string  `json:"action"`
	CostMicros    int64   `json:"cost_micros"`
	ChainHash     string  `json:"chain_hash"`
	CreatedAt     string  `json:"created_at"`
}

// List returns ledger receipts newest first, filterable by account and action.
func (h *AuditHandler) List(c *gin.Context) {
	q := h.db.WithContext(c.Request.Context()).Model(&models.AuditEntry{})

	if accountStr := strings.TrimSpace(c.Query("account_id")); accountStr != "" {
		if id, errParse := strconv.ParseUint(accountStr, 10, 64); errParse == nil {
			q = q.Where("account_id = ?", id)
		}
	}
	if action := strings.TrimSpace(c.Query("action")); action != "" {
		q = q.Where("action = ?", action)
	}
	if actor := strings.TrimSpace(c.Query("actor")); actor != "" {
		q = q.Where("actor = ?", actor)
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var rows []models.AuditEntry
	if errFind := q.Order("seq DESC").Limit(limit).Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	receipts := make([]receiptRow, 0, len(rows))
	for i := range rows {
		row := &rows[i]
		receipts = append(receipts, receiptRow{
			Seq:           row.Seq,
			UserReceiptID: row.UserReceiptID,
			AccountID:     row.AccountID,
			Actor:         row.Actor,
			Action:        row.Action,
			CostMicros:    row.CostMicros,
			ChainHash:     row.ChainHash,
			CreatedAt:     row.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	c.JSON(http.StatusOK, gin.H{"receipts": receipts})
}

// Verify recomputes the hash chain across an optional [from, to] range.
func (h *AuditHandler) Verify(c *gin.Context) {
	fromSeq, _ := strconv.ParseUint(c.DefaultQuery("from", "0"), 10, 64)
	toSeq, _ := strconv.ParseUint(c.DefaultQuery("to", "0"), 10, 64)

	report, errVerify := h.ledger.VerifyChain(c.Request.Context(), fromSeq, toSeq)
	if errVerify != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": errVerify.Error()})
		return
	}
	status := http.StatusOK
	if !report.Valid {
		status = http.StatusConflict
	}
	c.JSON(status, report)
}
