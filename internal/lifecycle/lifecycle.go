// Package lifecycle drives accountable transactions from initiation to
// settlement. It owns the state machine, resolves required gates per work
// category, and is the only caller allowed to settle against the quota
// engine and the agent wallet.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lucentra/lucentra/internal/ledger"
	"github.com/lucentra/lucentra/internal/metrics"
	"github.com/lucentra/lucentra/internal/models"
	"github.com/lucentra/lucentra/internal/quota"
	"github.com/lucentra/lucentra/internal/security"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Manager errors.
var (
	// ErrTransactionNotFound indicates an unknown transaction ID.
	ErrTransactionNotFound = errors.New("lifecycle: transaction not found")
	// ErrIllegalTransition indicates a status edge the state machine forbids.
	ErrIllegalTransition = errors.New("lifecycle: illegal status transition")
	// ErrEvidenceMissing indicates settlement without required evidence.
	ErrEvidenceMissing = errors.New("lifecycle: evidence required but none attached")
	// ErrGatesPending indicates settlement while required gates are unpassed.
	ErrGatesPending = errors.New("lifecycle: required gates not all passed")
	// ErrUnknownGate indicates a gate type outside the transaction's required set.
	ErrUnknownGate = errors.New("lifecycle: gate not required for this transaction")
	// ErrApproverNotFound indicates an unknown or inactive approver identity.
	ErrApproverNotFound = errors.New("lifecycle: approver not found")
	// ErrInvalidTOTP indicates a rejected approver one-time code.
	ErrInvalidTOTP = errors.New("lifecycle: invalid approver code")
)

// categoryGates maps a work category to its ordered required gates.
var categoryGates = map[string][]models.GateType{
	"deployment": {
		models.GateBudgetCheck, models.GateHumanApproval,
		models.GateSecurityReview, models.GateAuthorityCheck,
		models.GateEvidenceRequired,
	},
	"procurement": {
		models.GateBudgetCheck, models.GateHumanApproval,
		models.GateAuthorityCheck,
	},
	"agent_dispatch": {
		models.GateBudgetCheck, models.GateAuthorityCheck,
	},
	"content_publish": {
		models.GateHumanApproval, models.GateEvidenceRequired,
		models.GateAuthorityCheck,
	},
	"monitoring": {
		models.GateAuthorityCheck,
	},
}

// fallbackGates apply to categories absent from the policy table.
var fallbackGates = []models.GateType{
	models.GateBudgetCheck, models.GateAuthorityCheck,
}

// legalTransitions is the full edge set of the status machine. rejected is
// reachable from every pre-executing state, failed from the execution
// states, rolled_back from settled only.
var legalTransitions = map[models.TransactionStatus][]models.TransactionStatus{
	models.StatusInitiated:       {models.StatusPendingApproval, models.StatusRejected},
	models.StatusPendingApproval: {models.StatusApproved, models.StatusRejected},
	models.StatusApproved:        {models.StatusExecuting, models.StatusRejected},
	models.StatusExecuting:       {models.StatusPendingVerify, models.StatusFailed},
	models.StatusPendingVerify:   {models.StatusVerified, models.StatusFailed},
	models.StatusVerified:        {models.StatusSettled},
	models.StatusSettled:         {models.StatusRolledBack},
}

// InitiateParams carries the context of a new transaction.
type InitiateParams struct {
	Owner               string  `json:"owner"`
	DelegatedBy         string  `json:"delegated_by,omitempty"`
	Department          string  `json:"department,omitempty"`
	Category            string  `json:"category"`
	AccountID           *uint64 `json:"account_id,omitempty"`
	ServiceKey          string  `json:"service_key,omitempty"`
	Units               int64   `json:"units,omitempty"`
	EstimatedCostMicros int64   `json:"estimated_cost_micros,omitempty"`
}

// GateResult reports the aggregate gate state after one recordGate call.
type GateResult struct {
	AllGatesPassed bool                     `json:"all_gates_passed"`
	PendingGates   []models.GateType        `json:"pending_gates"`
	Status         models.TransactionStatus `json:"status"`
}

// Manager orchestrates transaction lifecycles.
type Manager struct {
	db     *gorm.DB
	ledger *ledger.Ledger
	quota  *quota.Engine
}

// NewManager constructs a lifecycle Manager.
func NewManager(conn *gorm.DB, auditLog *ledger.Ledger, engine *quota.Engine) *Manager {
	return &Manager{db: conn, ledger: auditLog, quota: engine}
}

// RequiredGates resolves the gate policy for a category.
func RequiredGates(category string) []models.GateType {
	if gates, ok := categoryGates[category]; ok {
		return gates
	}
	return fallbackGates
}

// Initiate opens a transaction in the initiated state. The initiated audit
// entry is written before the transaction is returned to the caller.
func (m *Manager) Initiate(ctx context.Context, params InitiateParams) (*models.Transaction, error) {
	owner := strings.TrimSpace(params.Owner)
	if owner == "" {
		return nil, errors.New("lifecycle: owner required")
	}
	category := strings.TrimSpace(params.Category)
	if category == "" {
		return nil, errors.New("lifecycle: category required")
	}

	gates := RequiredGates(category)
	gatesJSON, errMarshal := json.Marshal(gates)
	if errMarshal != nil {
		return nil, fmt.Errorf("lifecycle: marshal gates: %w", errMarshal)
	}

	txn := models.Transaction{
		PublicID:            "txn_" + uuid.NewString(),
		Owner:               owner,
		DelegatedBy:         params.DelegatedBy,
		Department:          params.Department,
		Category:            category,
		Status:              models.StatusInitiated,
		AccountID:           params.AccountID,
		ServiceKey:          params.ServiceKey,
		Units:               params.Units,
		EstimatedCostMicros: params.EstimatedCostMicros,
		RequiredGates:       datatypes.JSON(gatesJSON),
		Evidence:            datatypes.JSON([]byte("[]")),
		Artifacts:           datatypes.JSON([]byte("[]")),
		AuditRefs:           datatypes.JSON([]byte("[]")),
	}
	if errCreate := m.db.WithContext(ctx).Create(&txn).Error; errCreate != nil {
		return nil, fmt.Errorf("lifecycle: create transaction: %w", errCreate)
	}

	receipt, errAudit := m.audit(ctx, &txn, "txn.initiated", map[string]any{
		"owner":          owner,
		"category":       category,
		"required_gates": gates,
		"estimated_cost": params.EstimatedCostMicros,
	}, 0)
	if errAudit != nil {
		return nil, errAudit
	}
	if errRef := m.appendAuditRef(ctx, txn.ID, receipt.PlatformID); errRef != nil {
		return nil, errRef
	}
	txn.AuditRefs = auditRefsJSON([]string{receipt.PlatformID})
	return &txn, nil
}

// Transition moves a transaction along one legal edge of the state machine,
// appending to the status history and stamping the milestone timestamps.
func (m *Manager) Transition(ctx context.Context, txnID uint64, newStatus models.TransactionStatus, by, reason string) (*models.Transaction, error) {
	var txn models.Transaction
	errTx := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errLoad := lockTransaction(tx, txnID, &txn); errLoad != nil {
			return errLoad
		}
		return m.transitionLocked(tx, &txn, newStatus, by, reason)
	})
	if errTx != nil {
		return nil, errTx
	}

	if _, errAudit := m.audit(ctx, &txn, "txn.status_changed", map[string]any{
		"to_status": string(newStatus),
		"by":        by,
		"reason":    reason,
	}, 0); errAudit != nil {
		return nil, errAudit
	}
	return &txn, nil
}

// transitionLocked applies one edge to a row already locked in tx.
func (m *Manager) transitionLocked(tx *gorm.DB, txn *models.Transaction, newStatus models.TransactionStatus, by, reason string) error {
	if !edgeLegal(txn.Status, newStatus) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, txn.Status, newStatus)
	}

	now := time.Now().UTC()
	updates := map[string]any{"status": newStatus}
	switch newStatus {
	case models.StatusExecuting:
		updates["started_at"] = now
		txn.StartedAt = &now
	case models.StatusPendingVerify:
		updates["completed_at"] = now
		txn.CompletedAt = &now
	case models.StatusSettled:
		updates["settled_at"] = now
		txn.SettledAt = &now
	}
	if errUpdate := tx.Model(&models.Transaction{}).
		Where("id = ?", txn.ID).Updates(updates).Error; errUpdate != nil {
		return fmt.Errorf("lifecycle: update status: %w", errUpdate)
	}

	change := models.TransactionStatusChange{
		TransactionID: txn.ID,
		FromStatus:    txn.Status,
		ToStatus:      newStatus,
		By:            by,
		Reason:        reason,
	}
	if errHistory := tx.Create(&change).Error; errHistory != nil {
		return fmt.Errorf("lifecycle: append status history: %w", errHistory)
	}
	txn.Status = newStatus
	metrics.TransactionsByStatus.WithLabelValues(string(newStatus)).Inc()
	return nil
}

// RecordGate records one gate check. Re-checking an already recorded gate
// upserts the same row rather than duplicating it. A failing gate moves the
// transaction straight to rejected.
func (m *Manager) RecordGate(ctx context.Context, txnID uint64, gate models.GateType, passed bool, reason, checkedBy string) (GateResult, error) {
	var (
		txn    models.Transaction
		result GateResult
	)
	errTx := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errLoad := lockTransaction(tx, txnID, &txn); errLoad != nil {
			return errLoad
		}
		required, errGates := requiredGatesOf(&txn)
		if errGates != nil {
			return errGates
		}
		if !gateRequired(required, gate) {
			return fmt.Errorf("%w: %s", ErrUnknownGate, gate)
		}

		row := models.TransactionGate{
			TransactionID: txnID,
			Gate:          gate,
			Passed:        passed,
			Reason:        reason,
			CheckedBy:     checkedBy,
			CheckedAt:     time.Now().UTC(),
		}
		if errUpsert := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "transaction_id"}, {Name: "gate"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"passed", "reason", "checked_by", "checked_at",
			}),
		}).Create(&row).Error; errUpsert != nil {
			return fmt.Errorf("lifecycle: upsert gate: %w", errUpsert)
		}

		if !passed && txn.Status != models.StatusRejected {
			if errReject := m.transitionLocked(tx, &txn, models.StatusRejected, checkedBy, "gate failed: "+string(gate)); errReject != nil {
				return errReject
			}
		}

		pending, errPending := m.pendingGates(tx, txnID, required)
		if errPending != nil {
			return errPending
		}
		result = GateResult{
			AllGatesPassed: len(pending) == 0 && txn.Status != models.StatusRejected,
			PendingGates:   pending,
			Status:         txn.Status,
		}
		return nil
	})
	if errTx != nil {
		return GateResult{}, errTx
	}

	if _, errAudit := m.audit(ctx, &txn, "txn.gate_checked", map[string]any{
		"gate":       string(gate),
		"passed":     passed,
		"reason":     reason,
		"checked_by": checkedBy,
	}, 0); errAudit != nil {
		return GateResult{}, errAudit
	}
	return result, nil
}

// RecordHumanApproval records the human_approval gate through an approver
// identity verified by a TOTP code.
func (m *Manager) RecordHumanApproval(ctx context.Context, txnID uint64, approverName, code string, passed bool, reason string) (GateResult, error) {
	var approver models.Approver
	errTake := m.db.WithContext(ctx).
		Where("name = ? AND active = ?", approverName, true).
		Take(&approver).Error
	if errTake != nil {
		if errors.Is(errTake, gorm.ErrRecordNotFound) {
			return GateResult{}, ErrApproverNotFound
		}
		return GateResult{}, fmt.Errorf("lifecycle: load approver: %w", errTake)
	}
	if !security.ValidateTOTP(approver.TOTPSecret, code) {
		return GateResult{}, ErrInvalidTOTP
	}
	return m.RecordGate(ctx, txnID, models.GateHumanApproval, passed, reason, approverName)
}

// AttachEvidence appends evidence references. Prior entries are never
// replaced.
func (m *Manager) AttachEvidence(ctx context.Context, txnID uint64, refs []string) (*models.Transaction, error) {
	return m.appendList(ctx, txnID, "evidence", refs, "txn.evidence_attached")
}

// AttachArtifacts appends artifact references. Prior entries are never
// replaced.
func (m *Manager) AttachArtifacts(ctx context.Context, txnID uint64, refs []string) (*models.Transaction, error) {
	return m.appendList(ctx, txnID, "artifacts", refs, "txn.artifacts_attached")
}

// Settle finalizes a verified transaction. It refuses while required gates
// are unpassed, and with ErrEvidenceMissing when evidence_required is in the
// gate set and nothing was attached. The final audit entry carries actual
// versus estimated cost.
func (m *Manager) Settle(ctx context.Context, txnID uint64, by string, actualCostMicros int64) (*models.Transaction, error) {
	var txn models.Transaction
	errTx := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errLoad := lockTransaction(tx, txnID, &txn); errLoad != nil {
			return errLoad
		}
		if !edgeLegal(txn.Status, models.StatusSettled) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, txn.Status, models.StatusSettled)
		}

		required, errGates := requiredGatesOf(&txn)
		if errGates != nil {
			return errGates
		}
		pending, errPending := m.pendingGates(tx, txnID, required)
		if errPending != nil {
			return errPending
		}
		if len(pending) > 0 {
			return fmt.Errorf("%w: %v", ErrGatesPending, pending)
		}
		if gateRequired(required, models.GateEvidenceRequired) {
			var evidence []string
			if errUnmarshal := json.Unmarshal(txn.Evidence, &evidence); errUnmarshal != nil {
				return fmt.Errorf("lifecycle: decode evidence: %w", errUnmarshal)
			}
			if len(evidence) == 0 {
				return ErrEvidenceMissing
			}
		}

		if errCost := tx.Model(&models.Transaction{}).
			Where("id = ?", txn.ID).
			Update("actual_cost_micros", actualCostMicros).Error; errCost != nil {
			return fmt.Errorf("lifecycle: record actual cost: %w", errCost)
		}
		txn.ActualCostMicros = actualCostMicros
		return m.transitionLocked(tx, &txn, models.StatusSettled, by, "settled")
	})
	if errTx != nil {
		return nil, errTx
	}

	receipt, errAudit := m.audit(ctx, &txn, "txn.settled", map[string]any{
		"by":             by,
		"estimated_cost": txn.EstimatedCostMicros,
		"actual_cost":    actualCostMicros,
	}, actualCostMicros)
	if errAudit != nil {
		return nil, errAudit
	}
	if errRef := m.appendAuditRef(ctx, txn.ID, receipt.PlatformID); errRef != nil {
		return nil, errRef
	}
	return &txn, nil
}

// Rollback reverses a settled transaction: a compensating negative-cost
// audit entry, a quota credit when the transaction carried a metered debit,
// and the rolled_back terminal state. There is no delete.
func (m *Manager) Rollback(ctx context.Context, txnID uint64, by, reason string) (*models.Transaction, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, errors.New("lifecycle: rollback reason required")
	}

	var txn models.Transaction
	errTx := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errLoad := lockTransaction(tx, txnID, &txn); errLoad != nil {
			return errLoad
		}
		return m.transitionLocked(tx, &txn, models.StatusRolledBack, by, reason)
	})
	if errTx != nil {
		return nil, errTx
	}

	if txn.AccountID != nil && txn.ServiceKey != "" && txn.Units > 0 {
		if _, errCredit := m.quota.CreditUsage(ctx, *txn.AccountID, txn.ServiceKey, txn.Units, "rollback: "+reason, txn.PublicID); errCredit != nil {
			log.WithError(errCredit).WithField("transaction", txn.PublicID).
				Error("lifecycle: rollback quota credit failed")
		}
	}

	receipt, errAudit := m.audit(ctx, &txn, "txn.rolled_back", map[string]any{
		"by":     by,
		"reason": reason,
	}, -txn.ActualCostMicros)
	if errAudit != nil {
		return nil, errAudit
	}
	if errRef := m.appendAuditRef(ctx, txn.ID, receipt.PlatformID); errRef != nil {
		return nil, errRef
	}
	return &txn, nil
}

// Get loads one transaction by its public ID.
func (m *Manager) Get(ctx context.Context, publicID string) (*models.Transaction, error) {
	var txn models.Transaction
	errTake := m.db.WithContext(ctx).Where("public_id = ?", publicID).Take(&txn).Error
	if errTake != nil {
		if errors.Is(errTake, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("lifecycle: load transaction: %w", errTake)
	}
	return &txn, nil
}

// List enumerates transactions, optionally filtered by status, newest first.
// pending_approval and executing listings let a supervisor apply its own
// timeout policy.
func (m *Manager) List(ctx context.Context, status models.TransactionStatus, limit int) ([]models.Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := m.db.WithContext(ctx).Model(&models.Transaction{}).
		Order("id DESC").Limit(limit)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var txns []models.Transaction
	if errFind := query.Find(&txns).Error; errFind != nil {
		return nil, fmt.Errorf("lifecycle: list transactions: %w", errFind)
	}
	return txns, nil
}

// StatusHistory returns a transaction's append-only transition log.
func (m *Manager) StatusHistory(ctx context.Context, txnID uint64) ([]models.TransactionStatusChange, error) {
	var history []models.TransactionStatusChange
	if errFind := m.db.WithContext(ctx).
		Where("transaction_id = ?", txnID).
		Order("id ASC").Find(&history).Error; errFind != nil {
		return nil, fmt.Errorf("lifecycle: load history: %w", errFind)
	}
	return history, nil
}

// Gates returns a transaction's recorded gate results.
func (m *Manager) Gates(ctx context.Context, txnID uint64) ([]models.TransactionGate, error) {
	var gates []models.TransactionGate
	if errFind := m.db.WithContext(ctx).
		Where("transaction_id = ?", txnID).
		Order("id ASC").Find(&gates).Error; errFind != nil {
		return nil, fmt.Errorf("lifecycle: load gates: %w", errFind)
	}
	return gates, nil
}

// appendList appends refs to one of the transaction's JSON list columns.
func (m *Manager) appendList(ctx context.Context, txnID uint64, column string, refs []string, action string) (*models.Transaction, error) {
	if len(refs) == 0 {
		return nil, errors.New("lifecycle: no references to attach")
	}

	var txn models.Transaction
	errTx := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errLoad := lockTransaction(tx, txnID, &txn); errLoad != nil {
			return errLoad
		}

		var raw datatypes.JSON
		switch column {
		case "evidence":
			raw = txn.Evidence
		case "artifacts":
			raw = txn.Artifacts
		default:
			return fmt.Errorf("lifecycle: unknown list column %q", column)
		}

		var existing []string
		if len(raw) > 0 {
			if errUnmarshal := json.Unmarshal(raw, &existing); errUnmarshal != nil {
				return fmt.Errorf("lifecycle: decode %s: %w", column, errUnmarshal)
			}
		}
		merged := append(existing, refs...)
		mergedJSON, errMarshal := json.Marshal(merged)
		if errMarshal != nil {
			return fmt.Errorf("lifecycle: marshal %s: %w", column, errMarshal)
		}
		if errUpdate := tx.Model(&models.Transaction{}).
			Where("id = ?", txn.ID).
			Update(column, datatypes.JSON(mergedJSON)).Error; errUpdate != nil {
			return fmt.Errorf("lifecycle: append %s: %w", column, errUpdate)
		}

		switch column {
		case "evidence":
			txn.Evidence = datatypes.JSON(mergedJSON)
		case "artifacts":
			txn.Artifacts = datatypes.JSON(mergedJSON)
		}
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}

	if _, errAudit := m.audit(ctx, &txn, action, map[string]any{
		"refs": refs,
	}, 0); errAudit != nil {
		return nil, errAudit
	}
	return &txn, nil
}

// pendingGates lists required gates without a passed result.
func (m *Manager) pendingGates(tx *gorm.DB, txnID uint64, required []models.GateType) ([]models.GateType, error) {
	var rows []models.TransactionGate
	if errFind := tx.Where("transaction_id = ? AND passed = ?", txnID, true).
		Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("lifecycle: load gate results: %w", errFind)
	}
	passed := make(map[models.GateType]bool, len(rows))
	for _, row := range rows {
		passed[row.Gate] = true
	}
	pending := make([]models.GateType, 0, len(required))
	for _, gate := range required {
		if !passed[gate] {
			pending = append(pending, gate)
		}
	}
	return pending, nil
}

// appendAuditRef records a sealed ledger platform ID on the transaction.
func (m *Manager) appendAuditRef(ctx context.Context, txnID uint64, platformID string) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txn models.Transaction
		if errLoad := lockTransaction(tx, txnID, &txn); errLoad != nil {
			return errLoad
		}
		var refs []string
		if len(txn.AuditRefs) > 0 {
			if errUnmarshal := json.Unmarshal(txn.AuditRefs, &refs); errUnmarshal != nil {
				return fmt.Errorf("lifecycle: decode audit refs: %w", errUnmarshal)
			}
		}
		refs = append(refs, platformID)
		refsJSON, errMarshal := json.Marshal(refs)
		if errMarshal != nil {
			return fmt.Errorf("lifecycle: marshal audit refs: %w", errMarshal)
		}
		return tx.Model(&models.Transaction{}).
			Where("id = ?", txnID).
			Update("audit_refs", datatypes.JSON(refsJSON)).Error
	})
}

// audit writes a sealed ledger entry for a transaction event.
func (m *Manager) audit(ctx context.Context, txn *models.Transaction, action string, payload map[string]any, costMicros int64) (ledger.Receipt, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["transaction_id"] = txn.PublicID
	payload["category"] = txn.Category
	receipt, errWrite := m.ledger.Write(ctx, ledger.Entry{
		AccountID:  txn.AccountID,
		Actor:      txn.Owner,
		Action:     action,
		Payload:    payload,
		CostMicros: costMicros,
	})
	if errWrite != nil {
		return ledger.Receipt{}, fmt.Errorf("lifecycle: audit write: %w", errWrite)
	}
	return receipt, nil
}

// lockTransaction loads a transaction row under a row lock.
func lockTransaction(tx *gorm.DB, txnID uint64, dst *models.Transaction) error {
	errTake := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", txnID).Take(dst).Error
	if errTake != nil {
		if errors.Is(errTake, gorm.ErrRecordNotFound) {
			return ErrTransactionNotFound
		}
		return fmt.Errorf("lifecycle: load transaction: %w", errTake)
	}
	return nil
}

// edgeLegal reports whether from -> to is in the state machine.
func edgeLegal(from, to models.TransactionStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// gateRequired reports membership of gate in the required set.
func gateRequired(required []models.GateType, gate models.GateType) bool {
	for _, g := range required {
		if g == gate {
			return true
		}
	}
	return false
}

// requiredGatesOf decodes a transaction's stored gate list.
func requiredGatesOf(txn *models.Transaction) ([]models.GateType, error) {
	var gates []models.GateType
	if errUnmarshal := json.Unmarshal(txn.RequiredGates, &gates); errUnmarshal != nil {
		return nil, fmt.Errorf("lifecycle: decode required gates: %w", errUnmarshal)
	}
	return gates, nil
}

// auditRefsJSON builds the JSON column value for a ref list.
func auditRefsJSON(refs []string) datatypes.JSON {
	raw, errMarshal := json.Marshal(refs)
	if errMarshal != nil {
		return datatypes.JSON([]byte("[]"))
	}
	return datatypes.JSON(raw)
}
