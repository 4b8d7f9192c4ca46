package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lucentra/lucentra/internal/db"
	"github.com/lucentra/lucentra/internal/ledger"
	"github.com/lucentra/lucentra/internal/models"
	"github.com/lucentra/lucentra/internal/quota"
	"github.com/lucentra/lucentra/internal/security"
	"github.com/pquerna/otp/totp"
	"gorm.io/gorm"
)

func newTestManager(t *testing.T) (*Manager, *quota.Engine, *gorm.DB) {
	t.Helper()
	conn, errOpen := db.Open(":memory:")
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	auditLog := ledger.New(conn)
	engine := quota.NewEngine(conn, auditLog, nil)
	return NewManager(conn, auditLog, engine), engine, conn
}

// passGates records a passing result for every required gate.
func passGates(t *testing.T, m *Manager, txn *models.Transaction) {
	t.Helper()
	for _, gate := range RequiredGates(txn.Category) {
		if _, errGate := m.RecordGate(context.Background(), txn.ID, gate, true, "ok", "checker"); errGate != nil {
			t.Fatalf("record gate %s: %v", gate, errGate)
		}
	}
}

// driveTo walks a transaction along the happy path up to target.
func driveTo(t *testing.T, m *Manager, txn *models.Transaction, target models.TransactionStatus) {
	t.Helper()
	path := []models.TransactionStatus{
		models.StatusPendingApproval, models.StatusApproved,
		models.StatusExecuting, models.StatusPendingVerify,
		models.StatusVerified,
	}
	for _, step := range path {
		if _, errStep := m.Transition(context.Background(), txn.ID, step, "driver", ""); errStep != nil {
			t.Fatalf("transition to %s: %v", step, errStep)
		}
		if step == target {
			return
		}
	}
	if target != models.StatusVerified {
		t.Fatalf("driveTo: unreachable target %s", target)
	}
}

func TestInitiateResolvesGatesAndAudits(t *testing.T) {
	m, _, conn := newTestManager(t)
	ctx := context.Background()

	txn, errInit := m.Initiate(ctx, InitiateParams{
		Owner:    "agent-ops",
		Category: "deployment",
	})
	if errInit != nil {
		t.Fatalf("initiate: %v", errInit)
	}
	if txn.Status != models.StatusInitiated {
		t.Fatalf("expected initiated, got %s", txn.Status)
	}
	if got, want := len(RequiredGates("deployment")), 5; got != want {
		t.Fatalf("deployment gate count: got %d want %d", got, want)
	}

	var entry models.AuditEntry
	if errTake := conn.Where("action = ?", "txn.initiated").Take(&entry).Error; errTake != nil {
		t.Fatalf("expected initiated audit entry: %v", errTake)
	}

	unknown, errUnknown := m.Initiate(ctx, InitiateParams{Owner: "agent-ops", Category: "something_new"})
	if errUnknown != nil {
		t.Fatalf("initiate unknown category: %v", errUnknown)
	}
	if got := RequiredGates(unknown.Category); len(got) != 2 ||
		got[0] != models.GateBudgetCheck || got[1] != models.GateAuthorityCheck {
		t.Fatalf("unknown category fallback gates wrong: %v", got)
	}
}

func TestIllegalTransitionsRejected(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	txn, errInit := m.Initiate(ctx, InitiateParams{Owner: "agent-ops", Category: "monitoring"})
	if errInit != nil {
		t.Fatalf("initiate: %v", errInit)
	}

	// initiated cannot jump straight to settled, executing, or rolled_back.
	for _, bad := range []models.TransactionStatus{
		models.StatusSettled, models.StatusExecuting, models.StatusRolledBack,
	} {
		if _, errBad := m.Transition(ctx, txn.ID, bad, "driver", ""); errBad == nil {
			t.Fatalf("expected illegal transition to %s", bad)
		}
	}

	if _, errOK := m.Transition(ctx, txn.ID, models.StatusPendingApproval, "driver", ""); errOK != nil {
		t.Fatalf("legal transition failed: %v", errOK)
	}

	history, errHistory := m.StatusHistory(ctx, txn.ID)
	if errHistory != nil {
		t.Fatalf("history: %v", errHistory)
	}
	if len(history) != 1 || history[0].ToStatus != models.StatusPendingApproval {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestTimestampsStampedOnMilestones(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	txn, errInit := m.Initiate(ctx, InitiateParams{Owner: "agent-ops", Category: "monitoring"})
	if errInit != nil {
		t.Fatalf("initiate: %v", errInit)
	}
	driveTo(t, m, txn, models.StatusVerified)

	reloaded, errGet := m.Get(ctx, txn.PublicID)
	if errGet != nil {
		t.Fatalf("get: %v", errGet)
	}
	if reloaded.StartedAt == nil {
		t.Fatal("started_at not stamped on executing")
	}
	if reloaded.CompletedAt == nil {
		t.Fatal("completed_at not stamped on pending_verify")
	}
	if reloaded.SettledAt != nil {
		t.Fatal("settled_at stamped before settlement")
	}
}

func TestFailingGateRejectsImmediately(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	txn, errInit := m.Initiate(ctx, InitiateParams{Owner: "agent-ops", Category: "procurement"})
	if errInit != nil {
		t.Fatalf("initiate: %v", errInit)
	}

	result, errGate := m.RecordGate(ctx, txn.ID, models.GateBudgetCheck, false, "over budget", "finance")
	if errGate != nil {
		t.Fatalf("record gate: %v", errGate)
	}
	if result.Status != models.StatusRejected {
		t.Fatalf("expected rejected, got %s", result.Status)
	}

	reloaded, errGet := m.Get(ctx, txn.PublicID)
	if errGet != nil {
		t.Fatalf("get: %v", errGet)
	}
	if reloaded.Status != models.StatusRejected {
		t.Fatalf("expected rejected persisted, got %s", reloaded.Status)
	}
}

func TestGateChecksIdempotentPerType(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	txn, errInit := m.Initiate(ctx, InitiateParams{Owner: "agent-ops", Category: "agent_dispatch"})
	if errInit != nil {
		t.Fatalf("initiate: %v", errInit)
	}

	for i := 0; i < 3; i++ {
		if _, errGate := m.RecordGate(ctx, txn.ID, models.GateBudgetCheck, true, "ok", "finance"); errGate != nil {
			t.Fatalf("record gate run %d: %v", i, errGate)
		}
	}

	gates, errGates := m.Gates(ctx, txn.ID)
	if errGates != nil {
		t.Fatalf("gates: %v", errGates)
	}
	if len(gates) != 1 {
		t.Fatalf("expected one gate row after re-checks, got %d", len(gates))
	}

	if _, errBad := m.RecordGate(ctx, txn.ID, models.GateSecurityReview, true, "ok", "sec"); errBad == nil {
		t.Fatal("expected rejection of a gate outside the required set")
	}
}

func TestSettleRequiresGatesAndEvidence(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	txn, errInit := m.Initiate(ctx, InitiateParams{
		Owner:               "agent-ops",
		Category:            "content_publish",
		EstimatedCostMicros: 2_000_000,
	})
	if errInit != nil {
		t.Fatalf("initiate: %v", errInit)
	}
	driveTo(t, m, txn, models.StatusVerified)

	if _, errPending := m.Settle(ctx, txn.ID, "driver", 1_900_000); errPending == nil {
		t.Fatal("expected settle to refuse with pending gates")
	}
	passGates(t, m, txn)

	// content_publish carries evidence_required; no evidence yet.
	if _, errEvidence := m.Settle(ctx, txn.ID, "driver", 1_900_000); errEvidence == nil {
		t.Fatal("expected ErrEvidenceMissing")
	}

	if _, errAttach := m.AttachEvidence(ctx, txn.ID, []string{"s3://evidence/report.pdf"}); errAttach != nil {
		t.Fatalf("attach evidence: %v", errAttach)
	}
	settled, errSettle := m.Settle(ctx, txn.ID, "driver", 1_900_000)
	if errSettle != nil {
		t.Fatalf("settle: %v", errSettle)
	}
	if settled.Status != models.StatusSettled || settled.SettledAt == nil {
		t.Fatalf("unexpected settled state: %+v", settled)
	}
	if settled.ActualCostMicros != 1_900_000 {
		t.Fatalf("actual cost not recorded: %d", settled.ActualCostMicros)
	}
}

func TestEvidenceAppendOnly(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	txn, errInit := m.Initiate(ctx, InitiateParams{Owner: "agent-ops", Category: "deployment"})
	if errInit != nil {
		t.Fatalf("initiate: %v", errInit)
	}
	first, errFirst := m.AttachEvidence(ctx, txn.ID, []string{"ref-1"})
	if errFirst != nil {
		t.Fatalf("attach: %v", errFirst)
	}
	second, errSecond := m.AttachEvidence(ctx, txn.ID, []string{"ref-2"})
	if errSecond != nil {
		t.Fatalf("attach: %v", errSecond)
	}
	if string(first.Evidence) != `["ref-1"]` {
		t.Fatalf("unexpected first evidence: %s", first.Evidence)
	}
	if string(second.Evidence) != `["ref-1","ref-2"]` {
		t.Fatalf("evidence was replaced, not appended: %s", second.Evidence)
	}
}

func TestRollbackOnlyFromSettledAndCreditsQuota(t *testing.T) {
	m, engine, conn := newTestManager(t)
	ctx := context.Background()

	account, errAccount := engine.CreateAccount(ctx, "ws-rollback", "starter", models.OverageBlock)
	if errAccount != nil {
		t.Fatalf("create account: %v", errAccount)
	}
	if errLimit := engine.SetQuotaLimit(ctx, account.ID, "model-inference", 1000); errLimit != nil {
		t.Fatalf("set limit: %v", errLimit)
	}
	if _, errUsage := engine.RecordUsage(ctx, account.ID, "model-inference", 200, "", nil); errUsage != nil {
		t.Fatalf("record usage: %v", errUsage)
	}

	txn, errInit := m.Initiate(ctx, InitiateParams{
		Owner:      "agent-ops",
		Category:   "monitoring",
		AccountID:  &account.ID,
		ServiceKey: "model-inference",
		Units:      200,
	})
	if errInit != nil {
		t.Fatalf("initiate: %v", errInit)
	}

	// rollback before settlement is illegal.
	if _, errEarly := m.Rollback(ctx, txn.ID, "driver", "mistake"); errEarly == nil {
		t.Fatal("expected rollback to refuse before settled")
	}

	driveTo(t, m, txn, models.StatusVerified)
	passGates(t, m, txn)
	if _, errSettle := m.Settle(ctx, txn.ID, "driver", 3_000_000); errSettle != nil {
		t.Fatalf("settle: %v", errSettle)
	}

	rolled, errRollback := m.Rollback(ctx, txn.ID, "driver", "duplicate work")
	if errRollback != nil {
		t.Fatalf("rollback: %v", errRollback)
	}
	if rolled.Status != models.StatusRolledBack {
		t.Fatalf("expected rolled_back, got %s", rolled.Status)
	}

	state, errState := engine.AccountState(ctx, account.ID)
	if errState != nil {
		t.Fatalf("account state: %v", errState)
	}
	if used := state["model-inference"].Used; used != 0 {
		t.Fatalf("expected quota credited back to 0 used, got %d", used)
	}

	var compensating models.AuditEntry
	if errTake := conn.Where("action = ?", "txn.rolled_back").Take(&compensating).Error; errTake != nil {
		t.Fatalf("expected rollback audit entry: %v", errTake)
	}
	if compensating.CostMicros != -3_000_000 {
		t.Fatalf("expected compensating negative cost, got %d", compensating.CostMicros)
	}
}

func TestListByStatus(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		txn, errInit := m.Initiate(ctx, InitiateParams{Owner: "agent-ops", Category: "monitoring"})
		if errInit != nil {
			t.Fatalf("initiate: %v", errInit)
		}
		if i > 0 {
			if _, errStep := m.Transition(ctx, txn.ID, models.StatusPendingApproval, "driver", ""); errStep != nil {
				t.Fatalf("transition: %v", errStep)
			}
		}
	}

	pending, errList := m.List(ctx, models.StatusPendingApproval, 10)
	if errList != nil {
		t.Fatalf("list: %v", errList)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending_approval, got %d", len(pending))
	}

	all, errAll := m.List(ctx, "", 10)
	if errAll != nil {
		t.Fatalf("list all: %v", errAll)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 total, got %d", len(all))
	}
}

func TestHumanApprovalRequiresValidTOTP(t *testing.T) {
	m, _, conn := newTestManager(t)
	ctx := context.Background()

	secret, _, errSecret := security.GenerateTOTPSecret("oncall-bob")
	if errSecret != nil {
		t.Fatalf("generate totp secret: %v", errSecret)
	}
	approver := models.Approver{Name: "oncall-bob", TOTPSecret: secret, Active: true}
	if errCreate := conn.Create(&approver).Error; errCreate != nil {
		t.Fatalf("create approver: %v", errCreate)
	}

	txn, errInitiate := m.Initiate(ctx, InitiateParams{
		Owner: "agent-7", Category: "procurement", Department: "licensing",
	})
	if errInitiate != nil {
		t.Fatalf("initiate: %v", errInitiate)
	}

	if _, errBad := m.RecordHumanApproval(ctx, txn.ID, "oncall-bob", "000000", true, "approved"); !errors.Is(errBad, ErrInvalidTOTP) {
		t.Fatalf("expected ErrInvalidTOTP, got %v", errBad)
	}
	if _, errUnknown := m.RecordHumanApproval(ctx, txn.ID, "nobody", "000000", true, "approved"); !errors.Is(errUnknown, ErrApproverNotFound) {
		t.Fatalf("expected ErrApproverNotFound, got %v", errUnknown)
	}

	code, errCode := totp.GenerateCode(secret, time.Now())
	if errCode != nil {
		t.Fatalf("generate code: %v", errCode)
	}
	result, errApprove := m.RecordHumanApproval(ctx, txn.ID, "oncall-bob", code, true, "approved")
	if errApprove != nil {
		t.Fatalf("record approval: %v", errApprove)
	}
	for _, pending := range result.PendingGates {
		if pending == models.GateHumanApproval {
			t.Fatal("human_approval should no longer be pending")
		}
	}

	var check models.TransactionGate
	if errFind := conn.Where("transaction_id = ? AND gate = ?", txn.ID, models.GateHumanApproval).
		Take(&check).Error; errFind != nil {
		t.Fatalf("load gate check: %v", errFind)
	}
	if !check.Passed || check.CheckedBy != "oncall-bob" {
		t.Fatalf("unexpected gate check: %+v", check)
	}
}
