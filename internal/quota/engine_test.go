package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lucentra/lucentra/internal/db"
	"github.com/lucentra/lucentra/internal/ledger"
	"github.com/lucentra/lucentra/internal/models"
	"gorm.io/gorm"
)

func newTestEngine(t *testing.T) (*Engine, *gorm.DB) {
	t.Helper()
	conn, errOpen := db.Open(":memory:")
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	return NewEngine(conn, ledger.New(conn), nil), conn
}

func newTestAccount(t *testing.T, e *Engine, policy models.OveragePolicy) *models.Account {
	t.Helper()
	account, errCreate := e.CreateAccount(context.Background(), "ws-"+t.Name(), "starter", policy)
	if errCreate != nil {
		t.Fatalf("create account: %v", errCreate)
	}
	return account
}

func TestCanExecuteBlockPolicy(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	account := newTestAccount(t, e, models.OverageBlock)

	if errSet := e.SetQuotaLimit(ctx, account.ID, "vector-search", 100); errSet != nil {
		t.Fatalf("set limit: %v", errSet)
	}

	d, errCan := e.CanExecute(ctx, account.ID, "vector-search", 100)
	if errCan != nil {
		t.Fatalf("can execute: %v", errCan)
	}
	if !d.Allowed || d.Remaining != 100 {
		t.Fatalf("expected allowed with remaining 100, got %+v", d)
	}

	if _, errRecord := e.RecordUsage(ctx, account.ID, "vector-search", 90, "req-1", nil); errRecord != nil {
		t.Fatalf("record usage: %v", errRecord)
	}

	d, errCan = e.CanExecute(ctx, account.ID, "vector-search", 20)
	if errCan != nil {
		t.Fatalf("can execute: %v", errCan)
	}
	if d.Allowed {
		t.Fatalf("expected denial past the limit, got %+v", d)
	}
	if d.WarningLevel != WarnApproaching {
		t.Fatalf("expected warning at 90%%, got %q", d.WarningLevel)
	}
	if d.Remaining != 10 {
		t.Fatalf("expected remaining 10, got %d", d.Remaining)
	}

	// Exactly up to the limit is allowed.
	d, errCan = e.CanExecute(ctx, account.ID, "vector-search", 10)
	if errCan != nil || !d.Allowed {
		t.Fatalf("expected exact fill allowed, got %+v err=%v", d, errCan)
	}
}

func TestCanExecuteUnknownServiceKeyFailsFast(t *testing.T) {
	e, _ := newTestEngine(t)
	account := newTestAccount(t, e, models.OverageBlock)

	if _, errCan := e.CanExecute(context.Background(), account.ID, "no-such-service", 1); errCan == nil {
		t.Fatal("expected error for unknown service key")
	}
}

func TestOveragePolicies(t *testing.T) {
	ctx := context.Background()

	t.Run("allow_overage", func(t *testing.T) {
		e, _ := newTestEngine(t)
		account := newTestAccount(t, e, models.OverageAllow)
		if errSet := e.SetQuotaLimit(ctx, account.ID, "vector-search", 10); errSet != nil {
			t.Fatalf("set limit: %v", errSet)
		}
		result, errRecord := e.RecordUsage(ctx, account.ID, "vector-search", 25, "req-ov", nil)
		if errRecord != nil {
			t.Fatalf("overage debit denied: %v", errRecord)
		}
		if result.Decision == nil || !result.Decision.Overage {
			t.Fatalf("expected overage flag, got %+v", result.Decision)
		}
	})

	t.Run("soft_limit", func(t *testing.T) {
		e, _ := newTestEngine(t)
		account := newTestAccount(t, e, models.OverageSoftLimit)
		if errSet := e.SetQuotaLimit(ctx, account.ID, "vector-search", 10); errSet != nil {
			t.Fatalf("set limit: %v", errSet)
		}
		result, errRecord := e.RecordUsage(ctx, account.ID, "vector-search", 25, "req-soft", nil)
		if errRecord != nil {
			t.Fatalf("soft-limit debit denied: %v", errRecord)
		}
		if result.Decision == nil || !result.Decision.Flagged {
			t.Fatalf("expected flagged decision, got %+v", result.Decision)
		}
	})

	t.Run("unmetered", func(t *testing.T) {
		e, _ := newTestEngine(t)
		account := newTestAccount(t, e, models.OverageBlock)
		if errSet := e.SetQuotaLimit(ctx, account.ID, "vector-search", models.UnmeteredLimit); errSet != nil {
			t.Fatalf("set limit: %v", errSet)
		}
		d, errCan := e.CanExecute(ctx, account.ID, "vector-search", 1_000_000)
		if errCan != nil || !d.Allowed {
			t.Fatalf("unmetered should always allow, got %+v err=%v", d, errCan)
		}
	})
}

func TestRecordUsageIdempotentPerRequestID(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	account := newTestAccount(t, e, models.OverageBlock)
	if errSet := e.SetQuotaLimit(ctx, account.ID, "vector-search", 100); errSet != nil {
		t.Fatalf("set limit: %v", errSet)
	}

	first, errFirst := e.RecordUsage(ctx, account.ID, "vector-search", 30, "req-same", nil)
	if errFirst != nil {
		t.Fatalf("first debit: %v", errFirst)
	}
	replay, errReplay := e.RecordUsage(ctx, account.ID, "vector-search", 30, "req-same", nil)
	if errReplay != nil {
		t.Fatalf("replay: %v", errReplay)
	}
	if !replay.Replayed {
		t.Fatal("replay not marked")
	}
	if replay.EventID != first.EventID {
		t.Fatalf("replay returned different event: %s vs %s", replay.EventID, first.EventID)
	}
	if replay.Quota.Used != 30 {
		t.Fatalf("replay double-debited: used=%d", replay.Quota.Used)
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	account := newTestAccount(t, e, models.OverageBlock)
	if errSet := e.SetQuotaLimit(ctx, account.ID, "vector-search", 100); errSet != nil {
		t.Fatalf("set limit: %v", errSet)
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = e.RecordUsage(ctx, account.ID, "vector-search", 60, "", nil)
		}(i)
	}
	wg.Wait()

	var allowed, denied int
	for _, errResult := range results {
		switch {
		case errResult == nil:
			allowed++
		case errors.Is(errResult, ErrQuotaExceeded):
			denied++
		default:
			t.Fatalf("unexpected error: %v", errResult)
		}
	}
	if allowed != 1 || denied != 1 {
		t.Fatalf("expected exactly one success and one denial, got allowed=%d denied=%d", allowed, denied)
	}

	state, errState := e.AccountState(ctx, account.ID)
	if errState != nil {
		t.Fatalf("state: %v", errState)
	}
	view := state["vector-search"]
	if view.Used != 60 || view.Remaining != 40 {
		t.Fatalf("expected used=60 remaining=40, got %+v", view)
	}
}

func TestCreditRoundTripRestoresUsed(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	account := newTestAccount(t, e, models.OverageBlock)
	if errSet := e.SetQuotaLimit(ctx, account.ID, "vector-search", 100); errSet != nil {
		t.Fatalf("set limit: %v", errSet)
	}

	debit, errDebit := e.RecordUsage(ctx, account.ID, "vector-search", 40, "req-rt", nil)
	if errDebit != nil {
		t.Fatalf("debit: %v", errDebit)
	}
	credit, errCredit := e.CreditUsage(ctx, account.ID, "vector-search", 40, "rolled back run", debit.EventID)
	if errCredit != nil {
		t.Fatalf("credit: %v", errCredit)
	}
	if credit.Quota.Used != 0 {
		t.Fatalf("expected used restored to 0, got %d", credit.Quota.Used)
	}

	redo, errRedo := e.RecordUsage(ctx, account.ID, "vector-search", 40, "req-rt2", nil)
	if errRedo != nil {
		t.Fatalf("re-debit: %v", errRedo)
	}
	if redo.Quota.Used != 40 {
		t.Fatalf("expected used=40 after round trip, got %d", redo.Quota.Used)
	}
}

func TestCreditRequiresReasonAndFloorsAtZero(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	account := newTestAccount(t, e, models.OverageBlock)
	if errSet := e.SetQuotaLimit(ctx, account.ID, "vector-search", 100); errSet != nil {
		t.Fatalf("set limit: %v", errSet)
	}

	if _, errCredit := e.CreditUsage(ctx, account.ID, "vector-search", 5, "  ", ""); !errors.Is(errCredit, ErrReasonRequired) {
		t.Fatalf("expected ErrReasonRequired, got %v", errCredit)
	}

	if _, errDebit := e.RecordUsage(ctx, account.ID, "vector-search", 10, "req-floor", nil); errDebit != nil {
		t.Fatalf("debit: %v", errDebit)
	}
	credit, errCredit := e.CreditUsage(ctx, account.ID, "vector-search", 50, "over-credit", "")
	if errCredit != nil {
		t.Fatalf("credit: %v", errCredit)
	}
	if credit.Quota.Used != 0 {
		t.Fatalf("expected floor at 0, got %d", credit.Quota.Used)
	}
}

func TestEstimateIsReadOnly(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	account := newTestAccount(t, e, models.OverageBlock)

	est, errEstimate := e.EstimateCost(ctx, account.ID, []ServiceUnits{
		{ServiceKey: "model-inference", Units: 1000},
		{ServiceKey: "vector-search", Units: 10},
	})
	if errEstimate != nil {
		t.Fatalf("estimate: %v", errEstimate)
	}
	if len(est.Items) != 2 || est.TotalMicros == 0 {
		t.Fatalf("unexpected estimate: %+v", est)
	}
	if est.DiscountedMicros != est.TotalMicros {
		t.Fatalf("no cache configured but discount applied: %+v", est)
	}

	state, errState := e.AccountState(ctx, account.ID)
	if errState != nil {
		t.Fatalf("state: %v", errState)
	}
	for key, view := range state {
		if view.Used != 0 {
			t.Fatalf("estimate debited %s: %+v", key, view)
		}
	}
}

func TestDebitsAreAudited(t *testing.T) {
	e, conn := newTestEngine(t)
	ctx := context.Background()
	account := newTestAccount(t, e, models.OverageBlock)
	if errSet := e.SetQuotaLimit(ctx, account.ID, "vector-search", 100); errSet != nil {
		t.Fatalf("set limit: %v", errSet)
	}
	if _, errDebit := e.RecordUsage(ctx, account.ID, "vector-search", 10, "req-aud", nil); errDebit != nil {
		t.Fatalf("debit: %v", errDebit)
	}

	var count int64
	if errCount := conn.Model(&models.AuditEntry{}).
		Where("action = ? AND account_id = ?", "usage.debit", account.ID).
		Count(&count).Error; errCount != nil {
		t.Fatalf("count audit entries: %v", errCount)
	}
	if count != 1 {
		t.Fatalf("expected one usage.debit audit entry, got %d", count)
	}
}

func TestPeriodRolloverResetsUsage(t *testing.T) {
	e, conn := newTestEngine(t)
	ctx := context.Background()
	account := newTestAccount(t, e, models.OverageBlock)
	if errSet := e.SetQuotaLimit(ctx, account.ID, "vector-search", 100); errSet != nil {
		t.Fatalf("set limit: %v", errSet)
	}
	if _, errDebit := e.RecordUsage(ctx, account.ID, "vector-search", 90, "req-roll", nil); errDebit != nil {
		t.Fatalf("debit: %v", errDebit)
	}

	// Backdate the billing window two and a half months.
	start := time.Now().UTC().AddDate(0, -2, -15)
	end := start.AddDate(0, 1, 0)
	if errBackdate := conn.Model(&models.Account{}).Where("id = ?", account.ID).
		Updates(map[string]any{"period_start": start, "period_end": end}).Error; errBackdate != nil {
		t.Fatalf("backdate period: %v", errBackdate)
	}

	decision, errGate := e.CanExecute(ctx, account.ID, "vector-search", 100)
	if errGate != nil {
		t.Fatalf("gate after rollover: %v", errGate)
	}
	if !decision.Allowed || decision.Remaining != 100 {
		t.Fatalf("expected a fresh window with 100 remaining, got %+v", decision)
	}

	var rolled models.Account
	if errFind := conn.First(&rolled, account.ID).Error; errFind != nil {
		t.Fatalf("reload account: %v", errFind)
	}
	now := time.Now().UTC()
	if now.Before(rolled.PeriodStart) || !now.Before(rolled.PeriodEnd) {
		t.Fatalf("now should fall inside the rolled window [%v, %v)", rolled.PeriodStart, rolled.PeriodEnd)
	}
	if !rolled.PeriodEnd.Equal(rolled.PeriodStart.AddDate(0, 1, 0)) {
		t.Fatalf("window is not one period long: [%v, %v)", rolled.PeriodStart, rolled.PeriodEnd)
	}
}

func TestRecordUsageAcrossServiceKeys(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	account := newTestAccount(t, e, models.OverageBlock)
	for _, key := range []string{"vector-search", "compute-minutes"} {
		if errSet := e.SetQuotaLimit(ctx, account.ID, key, 100); errSet != nil {
			t.Fatalf("set limit %s: %v", key, errSet)
		}
	}

	if _, errFirst := e.RecordUsage(ctx, account.ID, "vector-search", 30, "req-a", nil); errFirst != nil {
		t.Fatalf("debit vector-search: %v", errFirst)
	}
	if _, errSecond := e.RecordUsage(ctx, account.ID, "compute-minutes", 20, "req-b", nil); errSecond != nil {
		t.Fatalf("debit compute-minutes: %v", errSecond)
	}

	state, errState := e.AccountState(ctx, account.ID)
	if errState != nil {
		t.Fatalf("account state: %v", errState)
	}
	if got := state["vector-search"].Used; got != 30 {
		t.Fatalf("vector-search used: expected 30, got %d", got)
	}
	if got := state["compute-minutes"].Used; got != 20 {
		t.Fatalf("compute-minutes used: expected 20, got %d", got)
	}
}

func TestRolloverAuditFollowsCommit(t *testing.T) {
	e, conn := newTestEngine(t)
	ctx := context.Background()
	account := newTestAccount(t, e, models.OverageBlock)
	if errSet := e.SetQuotaLimit(ctx, account.ID, "vector-search", 100); errSet != nil {
		t.Fatalf("set limit: %v", errSet)
	}

	backdate := func() {
		start := time.Now().UTC().AddDate(0, -1, -5)
		if errUpdate := conn.Model(&models.Account{}).Where("id = ?", account.ID).
			Updates(map[string]any{"period_start": start, "period_end": start.AddDate(0, 1, 0)}).Error; errUpdate != nil {
			t.Fatalf("backdate period: %v", errUpdate)
		}
	}
	rolloverEntries := func() int64 {
		var count int64
		if errCount := conn.Model(&models.AuditEntry{}).
			Where("action = ? AND account_id = ?", "account.period_rollover", account.ID).
			Count(&count).Error; errCount != nil {
			t.Fatalf("count rollover entries: %v", errCount)
		}
		return count
	}

	// A denied debit rolls the whole transaction back, rollover included.
	backdate()
	if _, errDenied := e.RecordUsage(ctx, account.ID, "vector-search", 150, "req-over", nil); !errors.Is(errDenied, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", errDenied)
	}
	if got := rolloverEntries(); got != 0 {
		t.Fatalf("expected no rollover entry after a rolled-back debit, got %d", got)
	}

	if _, errDebit := e.RecordUsage(ctx, account.ID, "vector-search", 50, "req-ok", nil); errDebit != nil {
		t.Fatalf("debit after rollover: %v", errDebit)
	}
	if got := rolloverEntries(); got != 1 {
		t.Fatalf("expected one rollover entry after a committed debit, got %d", got)
	}
}
