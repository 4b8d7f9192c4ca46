// Package ledger implements the append-only, hash-chained audit ledger.
// Every state change in the platform lands here; entries are never updated
// or deleted, and corrections are always new entries referencing the
// original.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/lucentra/lucentra/internal/metrics"
	"github.com/lucentra/lucentra/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrLedgerIntegrity is returned once chain verification has failed. It is
// fatal: writes stay blocked until an operator intervenes.
var ErrLedgerIntegrity = errors.New("ledger: hash chain integrity violation")

// Entry is the input to one ledger write.
type Entry struct {
	AccountID  *uint64        // Related account, when applicable.
	Actor      string         // Acting agent or role.
	Action     string         // Action kind, e.g. "usage.debit".
	Payload    map[string]any // Structured event payload.
	CostMicros int64          // Signed cost in LUC micros, if any.
}

// Receipt carries the three projections of one sealed write.
type Receipt struct {
	Seq           uint64 `json:"seq"`
	PlatformID    string `json:"platform_id"`
	UserReceiptID string `json:"user_receipt_id"`
	ChainHash     string `json:"chain_hash"`
}

// Report is the outcome of a chain verification pass.
type Report struct {
	Valid       bool   `json:"valid"`
	CheckedFrom uint64 `json:"checked_from"`
	CheckedTo   uint64 `json:"checked_to"`
	FirstBadSeq uint64 `json:"first_bad_seq,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// Ledger serializes appends against the chain tail. The critical section is
// kept to "compute hash, append row"; payload canonicalization happens
// before the lock is taken.
type Ledger struct {
	db *gorm.DB

	mu         sync.Mutex
	tailLoaded bool
	tailSeq    uint64
	tailHash   string

	halted atomic.Bool
}

// New constructs a Ledger over the given store.
func New(conn *gorm.DB) *Ledger {
	return &Ledger{db: conn}
}

// Halted reports whether writes are blocked by a failed verification.
func (l *Ledger) Halted() bool {
	return l.halted.Load()
}

// Write seals one entry and returns its receipt.
func (l *Ledger) Write(ctx context.Context, entry Entry) (Receipt, error) {
	if l == nil || l.db == nil {
		return Receipt{}, errors.New("ledger: nil ledger")
	}
	if l.halted.Load() {
		return Receipt{}, ErrLedgerIntegrity
	}

	canonical, errCanonical := canonicalPayload(entry.Payload)
	if errCanonical != nil {
		return Receipt{}, fmt.Errorf("ledger: canonicalize payload: %w", errCanonical)
	}

	row := models.AuditEntry{
		PlatformID:    "evt_" + uuid.NewString(),
		UserReceiptID: "rcp_" + uuid.NewString(),
		AccountID:     entry.AccountID,
		Actor:         entry.Actor,
		Action:        entry.Action,
		Payload:       datatypes.JSON(canonical),
		CostMicros:    entry.CostMicros,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.halted.Load() {
		return Receipt{}, ErrLedgerIntegrity
	}
	if errTail := l.loadTailLocked(ctx); errTail != nil {
		return Receipt{}, errTail
	}

	row.Seq = l.tailSeq + 1
	row.PrevHash = l.tailHash
	row.ChainHash = chainHash(row.PrevHash, row.Seq, entry.Actor, entry.Action, entry.CostMicros, canonical)

	if errCreate := l.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return Receipt{}, fmt.Errorf("ledger: append: %w", errCreate)
	}
	l.tailSeq = row.Seq
	l.tailHash = row.ChainHash
	metrics.LedgerWrites.Inc()

	return Receipt{
		Seq:           row.Seq,
		PlatformID:    row.PlatformID,
		UserReceiptID: row.UserReceiptID,
		ChainHash:     row.ChainHash,
	}, nil
}

// VerifyChain recomputes hashes across [fromSeq, toSeq] and confirms no
// entry was altered or removed. Zero bounds mean "from genesis" and "to
// tail". A failed verification halts all further writes.
func (l *Ledger) VerifyChain(ctx context.Context, fromSeq, toSeq uint64) (Report, error) {
	if l == nil || l.db == nil {
		return Report{}, errors.New("ledger: nil ledger")
	}
	if fromSeq == 0 {
		fromSeq = 1
	}

	q := l.db.WithContext(ctx).Model(&models.AuditEntry{}).Where("seq >= ?", fromSeq)
	if toSeq > 0 {
		q = q.Where("seq <= ?", toSeq)
	}

	var rows []models.AuditEntry
	if errFind := q.Order("seq ASC").Find(&rows).Error; errFind != nil {
		return Report{}, fmt.Errorf("ledger: load range: %w", errFind)
	}

	report := Report{Valid: true, CheckedFrom: fromSeq}
	expectedSeq := fromSeq
	prevHash := ""
	if fromSeq > 1 {
		var prev models.AuditEntry
		errPrev := l.db.WithContext(ctx).Where("seq = ?", fromSeq-1).Take(&prev).Error
		if errPrev != nil {
			return Report{}, fmt.Errorf("ledger: load predecessor: %w", errPrev)
		}
		prevHash = prev.ChainHash
	}

	for i := range rows {
		row := &rows[i]
		if row.Seq != expectedSeq {
			return l.fail(report, expectedSeq, fmt.Sprintf("entry %d missing", expectedSeq))
		}
		if row.PrevHash != prevHash {
			return l.fail(report, row.Seq, "previous-hash link broken")
		}
		canonical, errCanonical := recanonicalize(row.Payload)
		if errCanonical != nil {
			return l.fail(report, row.Seq, "payload not canonicalizable")
		}
		computed := chainHash(row.PrevHash, row.Seq, row.Actor, row.Action, row.CostMicros, canonical)
		if computed != row.ChainHash {
			return l.fail(report, row.Seq, "chain hash mismatch")
		}
		prevHash = row.ChainHash
		expectedSeq++
	}

	report.CheckedTo = expectedSeq - 1
	return report, nil
}

// fail marks the report invalid, latches the halt flag, and pages via log.
func (l *Ledger) fail(report Report, badSeq uint64, detail string) (Report, error) {
	report.Valid = false
	report.FirstBadSeq = badSeq
	report.Detail = detail
	l.halted.Store(true)
	metrics.LedgerVerifyFailures.Inc()
	log.WithFields(log.Fields{"seq": badSeq, "detail": detail}).
		Error("audit ledger integrity violation, writes halted")
	return report, nil
}

// loadTailLocked primes the cached chain tail from the store.
func (l *Ledger) loadTailLocked(ctx context.Context) error {
	if l.tailLoaded {
		return nil
	}
	var tail models.AuditEntry
	errTake := l.db.WithContext(ctx).Order("seq DESC").Take(&tail).Error
	if errTake != nil {
		if !errors.Is(errTake, gorm.ErrRecordNotFound) {
			return fmt.Errorf("ledger: load tail: %w", errTake)
		}
		l.tailSeq = 0
		l.tailHash = ""
		l.tailLoaded = true
		return nil
	}
	l.tailSeq = tail.Seq
	l.tailHash = tail.ChainHash
	l.tailLoaded = true
	return nil
}

// chainHash computes H(prev || seq || actor || action || cost || payload).
// All inputs are length-delimited by the separator so the digest is
// reproducible across implementations.
func chainHash(prevHash string, seq uint64, actor, action string, costMicros int64, canonical []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatUint(seq, 10)))
	h.Write([]byte{'|'})
	h.Write([]byte(actor))
	h.Write([]byte{'|'})
	h.Write([]byte(action))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(costMicros, 10)))
	h.Write([]byte{'|'})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalPayload renders a payload as sorted-key JSON.
func canonicalPayload(payload map[string]any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	// encoding/json sorts map keys, which is the canonical form.
	return json.Marshal(payload)
}

// recanonicalize round-trips stored JSON back into canonical form.
func recanonicalize(stored datatypes.JSON) ([]byte, error) {
	if len(stored) == 0 {
		return json.Marshal(map[string]any{})
	}
	var payload map[string]any
	if errUnmarshal := json.Unmarshal(stored, &payload); errUnmarshal != nil {
		return nil, errUnmarshal
	}
	return json.Marshal(payload)
}
