package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/lucentra/lucentra/internal/db"
	"github.com/lucentra/lucentra/internal/models"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, errOpen := db.Open(":memory:")
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	return conn
}

func TestWriteProducesLinkedReceipts(t *testing.T) {
	conn := openTestDB(t)
	l := New(conn)
	ctx := context.Background()

	first, errFirst := l.Write(ctx, Entry{Actor: "agent-1", Action: "usage.debit", Payload: map[string]any{"units": 10}})
	if errFirst != nil {
		t.Fatalf("write first: %v", errFirst)
	}
	if first.Seq != 1 || first.PlatformID == "" || first.UserReceiptID == "" || first.ChainHash == "" {
		t.Fatalf("incomplete receipt: %+v", first)
	}

	second, errSecond := l.Write(ctx, Entry{Actor: "agent-1", Action: "usage.debit", Payload: map[string]any{"units": 5}})
	if errSecond != nil {
		t.Fatalf("write second: %v", errSecond)
	}
	if second.Seq != 2 {
		t.Fatalf("expected seq 2, got %d", second.Seq)
	}

	var row models.AuditEntry
	if errTake := conn.Where("seq = ?", 2).Take(&row).Error; errTake != nil {
		t.Fatalf("load second entry: %v", errTake)
	}
	if row.PrevHash != first.ChainHash {
		t.Fatalf("second entry not linked to first: prev=%s want=%s", row.PrevHash, first.ChainHash)
	}
}

func TestVerifyChainDetectsTamperedPayload(t *testing.T) {
	conn := openTestDB(t)
	l := New(conn)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, errWrite := l.Write(ctx, Entry{Actor: "agent-1", Action: "usage.debit", Payload: map[string]any{"i": i}}); errWrite != nil {
			t.Fatalf("write %d: %v", i, errWrite)
		}
	}

	before, errBefore := l.VerifyChain(ctx, 0, 0)
	if errBefore != nil {
		t.Fatalf("verify clean chain: %v", errBefore)
	}
	if !before.Valid || before.CheckedTo != 5 {
		t.Fatalf("clean chain reported invalid: %+v", before)
	}

	// Mutate entry 3 behind the ledger's back.
	if errExec := conn.Exec(`UPDATE audit_entries SET payload = '{"i":99}' WHERE seq = 3`).Error; errExec != nil {
		t.Fatalf("tamper: %v", errExec)
	}

	after, errAfter := l.VerifyChain(ctx, 0, 0)
	if errAfter != nil {
		t.Fatalf("verify tampered chain: %v", errAfter)
	}
	if after.Valid {
		t.Fatal("tampered chain reported valid")
	}
	if after.FirstBadSeq != 3 {
		t.Fatalf("expected first bad seq 3, got %d", after.FirstBadSeq)
	}
}

func TestVerifyChainDetectsRemovedEntry(t *testing.T) {
	conn := openTestDB(t)
	l := New(conn)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, errWrite := l.Write(ctx, Entry{Actor: "agent-2", Action: "wallet.debit"}); errWrite != nil {
			t.Fatalf("write %d: %v", i, errWrite)
		}
	}
	if errExec := conn.Exec(`DELETE FROM audit_entries WHERE seq = 2`).Error; errExec != nil {
		t.Fatalf("remove entry: %v", errExec)
	}

	report, errVerify := l.VerifyChain(ctx, 0, 0)
	if errVerify != nil {
		t.Fatalf("verify: %v", errVerify)
	}
	if report.Valid || report.FirstBadSeq != 2 {
		t.Fatalf("expected removal detected at seq 2, got %+v", report)
	}
}

func TestFailedVerificationHaltsWrites(t *testing.T) {
	conn := openTestDB(t)
	l := New(conn)
	ctx := context.Background()

	if _, errWrite := l.Write(ctx, Entry{Actor: "agent-1", Action: "txn.initiated"}); errWrite != nil {
		t.Fatalf("write: %v", errWrite)
	}
	if errExec := conn.Exec(`UPDATE audit_entries SET cost_micros = 123 WHERE seq = 1`).Error; errExec != nil {
		t.Fatalf("tamper: %v", errExec)
	}
	if report, errVerify := l.VerifyChain(ctx, 0, 0); errVerify != nil || report.Valid {
		t.Fatalf("expected invalid report, got %+v err=%v", report, errVerify)
	}

	if !l.Halted() {
		t.Fatal("ledger not halted after failed verification")
	}
	if _, errWrite := l.Write(ctx, Entry{Actor: "agent-1", Action: "txn.settled"}); !errors.Is(errWrite, ErrLedgerIntegrity) {
		t.Fatalf("expected ErrLedgerIntegrity, got %v", errWrite)
	}
}

func TestVerifySubrangeStartsFromPredecessorHash(t *testing.T) {
	conn := openTestDB(t)
	l := New(conn)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		if _, errWrite := l.Write(ctx, Entry{Actor: "agent-3", Action: "usage.credit"}); errWrite != nil {
			t.Fatalf("write %d: %v", i, errWrite)
		}
	}

	report, errVerify := l.VerifyChain(ctx, 3, 5)
	if errVerify != nil {
		t.Fatalf("verify subrange: %v", errVerify)
	}
	if !report.Valid || report.CheckedFrom != 3 || report.CheckedTo != 5 {
		t.Fatalf("unexpected subrange report: %+v", report)
	}
}
