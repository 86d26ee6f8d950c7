package ledger_test

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"escrowline/internal/db"
	"escrowline/internal/domain"
	"escrowline/internal/ledger"
	"escrowline/internal/migrate"
)

func newTestLedger(t *testing.T) (ledger.Ledger, *sql.DB) {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	seedProject(t, conn, "p1")
	l := ledger.Ledger{DB: conn, Now: func() time.Time {
		return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	}}
	return l, conn
}

// seedProject satisfies the foreign key on ledger_entries.
func seedProject(t *testing.T, conn *sql.DB, id string) {
	t.Helper()
	_, err := conn.Exec(`INSERT INTO projects (
		id, client_id, client_handle, freelancer_id, freelancer_handle,
		scope, budget_cents, currency, timeline_days, addenda,
		payment_mode, milestones_json, staged_milestones_json, status,
		custody_ref, agreement_hash, funding_method, offramp_order_id,
		payout_method, payout_address, releasing_index, disputed,
		conversation_json, created_at, updated_at
	) VALUES (?, 'c1', 'alice', '', '', 'scope', 1000, 'USD', 7, '',
		'', NULL, NULL, 'pending-invitation', '', '', '', '', '', '',
		NULL, 0, NULL, '2025-03-01T12:00:00Z', '2025-03-01T12:00:00Z')`, id)
	if err != nil {
		t.Fatalf("seed project: %v", err)
	}
}

func appendEntry(t *testing.T, l ledger.Ledger, conn *sql.DB, projectID, eventType string, details map[string]any) domain.LedgerEntry {
	t.Helper()
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	entry, err := l.Append(ctx, tx, projectID, eventType, details, "c1")
	if err != nil {
		t.Fatalf("append %s: %v", eventType, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return entry
}

func TestChainLinksFromGenesis(t *testing.T) {
	l, conn := newTestLedger(t)
	ctx := context.Background()

	first := appendEntry(t, l, conn, "p1", "PROJECT_DEFINED", map[string]any{"scope": "site", "budget_cents": int64(1000)})
	if first.PreviousHash != ledger.GenesisHash {
		t.Fatalf("first previous_hash = %q, want genesis", first.PreviousHash)
	}
	second := appendEntry(t, l, conn, "p1", "FREELANCER_ACCEPTED", map[string]any{"freelancer": "bob"})
	if second.PreviousHash != first.Hash {
		t.Fatalf("second previous_hash = %q, want %q", second.PreviousHash, first.Hash)
	}

	ok, err := l.Verify(ctx, "p1")
	if err != nil || !ok {
		t.Fatalf("verify = %v, %v; want true", ok, err)
	}

	entries, err := l.Entries(ctx, "p1")
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 || entries[0].Details["scope"] != "site" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestVerifyFailsOnMutatedDetails(t *testing.T) {
	l, conn := newTestLedger(t)
	ctx := context.Background()

	appendEntry(t, l, conn, "p1", "PROJECT_DEFINED", map[string]any{"scope": "site"})
	appendEntry(t, l, conn, "p1", "ESCROW_FUNDED", map[string]any{"amount_cents": int64(1000)})

	if _, err := conn.Exec(`UPDATE ledger_entries SET details_json='{"amount_cents":9999}' WHERE event_type='ESCROW_FUNDED'`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	ok, err := l.Verify(ctx, "p1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatal("mutated details must break verification")
	}
}

func TestVerifyFailsOnBrokenLink(t *testing.T) {
	l, conn := newTestLedger(t)
	ctx := context.Background()

	appendEntry(t, l, conn, "p1", "PROJECT_DEFINED", nil)
	appendEntry(t, l, conn, "p1", "FREELANCER_ACCEPTED", nil)

	if _, err := conn.Exec(`UPDATE ledger_entries SET previous_hash='deadbeef' WHERE event_type='FREELANCER_ACCEPTED'`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	ok, err := l.Verify(ctx, "p1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatal("broken linkage must not verify")
	}
}

func TestProofDocument(t *testing.T) {
	l, conn := newTestLedger(t)
	ctx := context.Background()

	appendEntry(t, l, conn, "p1", "PROJECT_DEFINED", map[string]any{"scope": "site"})
	appendEntry(t, l, conn, "p1", "ESCROW_FUNDED", map[string]any{"amount_cents": int64(1000)})

	doc, err := l.Proof(ctx, "p1")
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	for _, want := range []string{"PROJECT_DEFINED", "ESCROW_FUNDED", "genesis"} {
		if !strings.Contains(doc, want) {
			t.Fatalf("proof missing %q:\n%s", want, doc)
		}
	}
}
