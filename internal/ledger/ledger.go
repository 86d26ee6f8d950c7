// Package ledger maintains the per-project hash-chained audit trail.
// Entries are append-only; every entry carries the previous entry's hash
// (or the GENESIS sentinel) and its own digest over the canonicalized
// fields, so any post-hoc edit breaks the chain.
package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"escrowline/internal/domain"
)

// GenesisHash anchors the first entry of every project chain.
const GenesisHash = "GENESIS"

type Ledger struct {
	DB  *sql.DB
	Now func() time.Time
}

// entryDigestInput is the canonical serialization hashed into Entry.Hash.
// Field order is fixed; Details is re-marshaled from its stored JSON so
// verification sees byte-identical input.
type entryDigestInput struct {
	ProjectID    string          `json:"project_id"`
	EventType    string          `json:"event_type"`
	Details      json.RawMessage `json:"details"`
	ActorID      string          `json:"actor_id"`
	TS           string          `json:"ts"`
	PreviousHash string          `json:"previous_hash"`
}

func digest(projectID, eventType string, detailsJSON []byte, actorID, ts, previousHash string) (string, error) {
	in := entryDigestInput{
		ProjectID:    projectID,
		EventType:    eventType,
		Details:      detailsJSON,
		ActorID:      actorID,
		TS:           ts,
		PreviousHash: previousHash,
	}
	b, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal digest input: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Append writes one chained entry inside the caller's transaction, so a
// rolled-back workflow mutation never leaves a dangling audit record.
func (l Ledger) Append(ctx context.Context, tx *sql.Tx, projectID, eventType string, details map[string]any, actorID string) (domain.LedgerEntry, error) {
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	ts := now().UTC().Format(time.RFC3339)

	previousHash := GenesisHash
	err := tx.QueryRowContext(ctx,
		`SELECT hash FROM ledger_entries WHERE project_id=? ORDER BY seq DESC LIMIT 1`, projectID).
		Scan(&previousHash)
	if err != nil && err != sql.ErrNoRows {
		return domain.LedgerEntry{}, err
	}
	if err == sql.ErrNoRows {
		previousHash = GenesisHash
	}

	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("marshal details: %w", err)
	}
	hash, err := digest(projectID, eventType, detailsJSON, actorID, ts, previousHash)
	if err != nil {
		return domain.LedgerEntry{}, err
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_entries(project_id,event_type,details_json,actor_id,ts,previous_hash,hash) VALUES (?,?,?,?,?,?,?)`,
		projectID, eventType, string(detailsJSON), actorID, ts, previousHash, hash)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	seq, _ := res.LastInsertId()
	return domain.LedgerEntry{
		Seq:          seq,
		ProjectID:    projectID,
		EventType:    eventType,
		Details:      details,
		ActorID:      actorID,
		TS:           ts,
		PreviousHash: previousHash,
		Hash:         hash,
	}, nil
}

type rawEntry struct {
	seq          int64
	eventType    string
	detailsJSON  string
	actorID      string
	ts           string
	previousHash string
	hash         string
}

func (l Ledger) rawEntries(ctx context.Context, projectID string) ([]rawEntry, error) {
	rows, err := l.DB.QueryContext(ctx,
		`SELECT seq,event_type,details_json,actor_id,ts,previous_hash,hash FROM ledger_entries WHERE project_id=? ORDER BY seq ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []rawEntry
	for rows.Next() {
		var e rawEntry
		if err := rows.Scan(&e.seq, &e.eventType, &e.detailsJSON, &e.actorID, &e.ts, &e.previousHash, &e.hash); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// Entries returns the project chain in append order.
func (l Ledger) Entries(ctx context.Context, projectID string) ([]domain.LedgerEntry, error) {
	raw, err := l.rawEntries(ctx, projectID)
	if err != nil {
		return nil, err
	}
	res := make([]domain.LedgerEntry, 0, len(raw))
	for _, e := range raw {
		var details map[string]any
		if err := json.Unmarshal([]byte(e.detailsJSON), &details); err != nil {
			return nil, fmt.Errorf("entry %d details: %w", e.seq, err)
		}
		res = append(res, domain.LedgerEntry{
			Seq:          e.seq,
			ProjectID:    projectID,
			EventType:    e.eventType,
			Details:      details,
			ActorID:      e.actorID,
			TS:           e.ts,
			PreviousHash: e.previousHash,
			Hash:         e.hash,
		})
	}
	return res, nil
}

// EntriesAfter returns up to limit entries across all projects with a
// seq greater than the cursor, in append order. Used by the webhook
// dispatcher to stream the ledger incrementally.
func (l Ledger) EntriesAfter(ctx context.Context, afterSeq int64, limit int) ([]domain.LedgerEntry, error) {
	rows, err := l.DB.QueryContext(ctx,
		`SELECT seq,project_id,event_type,details_json,actor_id,ts,previous_hash,hash FROM ledger_entries WHERE seq>? ORDER BY seq ASC LIMIT ?`,
		afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var detailsJSON string
		if err := rows.Scan(&e.Seq, &e.ProjectID, &e.EventType, &detailsJSON, &e.ActorID, &e.TS, &e.PreviousHash, &e.Hash); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(detailsJSON), &e.Details); err != nil {
			return nil, fmt.Errorf("entry %d details: %w", e.Seq, err)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestSeq returns the highest seq in the ledger, 0 when empty.
func (l Ledger) LatestSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := l.DB.QueryRowContext(ctx, `SELECT MAX(seq) FROM ledger_entries`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

// Verify recomputes every hash in append order and returns false on the
// first mismatch, either of an entry's own digest or of its link to the
// previous entry. A broken chain is reported, never repaired.
func (l Ledger) Verify(ctx context.Context, projectID string) (bool, error) {
	raw, err := l.rawEntries(ctx, projectID)
	if err != nil {
		return false, err
	}
	expectedPrev := GenesisHash
	for _, e := range raw {
		if e.previousHash != expectedPrev {
			return false, nil
		}
		// Details were stored as the marshaled map; normalize through the
		// same map type so key order matches what Append hashed.
		var details map[string]any
		if err := json.Unmarshal([]byte(e.detailsJSON), &details); err != nil {
			return false, nil
		}
		detailsJSON, err := json.Marshal(details)
		if err != nil {
			return false, nil
		}
		h, err := digest(projectID, e.eventType, detailsJSON, e.actorID, e.ts, e.previousHash)
		if err != nil {
			return false, err
		}
		if h != e.hash {
			return false, nil
		}
		expectedPrev = e.hash
	}
	return true, nil
}

// Proof renders the chain as a human-readable attestation and fails with
// an integrity error when verification does not pass.
func (l Ledger) Proof(ctx context.Context, projectID string) (string, error) {
	ok, err := l.Verify(ctx, projectID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("ledger chain for project %s failed verification", projectID)
	}
	entries, err := l.Entries(ctx, projectID)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "No events found.", nil
	}
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Step %d: %s\n", i+1, e.EventType)
		fmt.Fprintf(&b, "Time: %s\n", e.TS)
		fmt.Fprintf(&b, "Actor: %s\n", e.ActorID)
		fmt.Fprintf(&b, "Hash: %s...", shortHash(e.Hash))
	}
	b.WriteString("\n\nVerified chain: all hashes link back to genesis.")
	return b.String(), nil
}

func shortHash(h string) string {
	if len(h) <= 16 {
		return h
	}
	return h[:16]
}
