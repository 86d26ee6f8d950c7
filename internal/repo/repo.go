package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"escrowline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrStaleSession reports that a session row changed between load and
// write; the caller's copy must be reloaded and the work replayed.
var ErrStaleSession = errors.New("stale session")

const projectCols = `id,client_id,client_handle,freelancer_id,freelancer_handle,scope,budget_cents,currency,timeline_days,addenda,payment_mode,milestones_json,staged_milestones_json,status,custody_ref,agreement_hash,funding_method,offramp_order_id,payout_method,payout_address,releasing_index,disputed,conversation_json,created_at,updated_at`

func scanProject(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	var (
		clientHandle, freelancerID, freelancerHandle        sql.NullString
		addenda, paymentMode, milestonesJSON, stagedJSON    sql.NullString
		custodyRef, agreementHash, fundingMethod            sql.NullString
		offrampOrderID, payoutMethod, payoutAddr, convoJSON sql.NullString
		releasingIndex                                      sql.NullInt64
		disputed                                            int
	)
	err := row.Scan(&p.ID, &p.Client.ID, &clientHandle, &freelancerID, &freelancerHandle,
		&p.Terms.Scope, &p.Terms.BudgetCents, &p.Terms.Currency, &p.Terms.TimelineDays, &addenda,
		&paymentMode, &milestonesJSON, &stagedJSON, &p.Status, &custodyRef, &agreementHash,
		&fundingMethod, &offrampOrderID, &payoutMethod, &payoutAddr, &releasingIndex, &disputed,
		&convoJSON, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Client.Role = domain.RoleClient
	p.Client.Handle = clientHandle.String
	p.Freelancer.ID = freelancerID.String
	p.Freelancer.Handle = freelancerHandle.String
	if p.Freelancer.ID != "" {
		p.Freelancer.Role = domain.RoleFreelancer
	}
	p.Terms.Addenda = addenda.String
	p.PaymentMode = paymentMode.String
	p.CustodyRef = custodyRef.String
	p.AgreementHash = agreementHash.String
	p.FundingMethod = fundingMethod.String
	p.OffRampOrderID = offrampOrderID.String
	p.PayoutMethod = payoutMethod.String
	p.PayoutAddress = payoutAddr.String
	if releasingIndex.Valid {
		idx := int(releasingIndex.Int64)
		p.ReleasingIndex = &idx
	}
	p.Disputed = disputed != 0
	if err := unmarshalInto(milestonesJSON, &p.Milestones); err != nil {
		return p, fmt.Errorf("milestones json: %w", err)
	}
	if err := unmarshalInto(stagedJSON, &p.StagedMilestones); err != nil {
		return p, fmt.Errorf("staged milestones json: %w", err)
	}
	if err := unmarshalInto(convoJSON, &p.Conversation); err != nil {
		return p, fmt.Errorf("conversation json: %w", err)
	}
	return p, nil
}

func projectArgs(p domain.Project) ([]any, error) {
	milestonesJSON, err := marshalOrNil(p.Milestones)
	if err != nil {
		return nil, err
	}
	stagedJSON, err := marshalOrNil(p.StagedMilestones)
	if err != nil {
		return nil, err
	}
	convoJSON, err := marshalOrNil(p.Conversation)
	if err != nil {
		return nil, err
	}
	var releasing any
	if p.ReleasingIndex != nil {
		releasing = *p.ReleasingIndex
	}
	disputed := 0
	if p.Disputed {
		disputed = 1
	}
	return []any{
		p.ID, p.Client.ID, nullable(p.Client.Handle), nullable(p.Freelancer.ID), nullable(p.Freelancer.Handle),
		p.Terms.Scope, p.Terms.BudgetCents, p.Terms.Currency, p.Terms.TimelineDays, nullable(p.Terms.Addenda),
		nullable(p.PaymentMode), milestonesJSON, stagedJSON, p.Status, nullable(p.CustodyRef), nullable(p.AgreementHash),
		nullable(p.FundingMethod), nullable(p.OffRampOrderID), nullable(p.PayoutMethod), nullable(p.PayoutAddress),
		releasing, disputed, convoJSON, p.CreatedAt, p.UpdatedAt,
	}, nil
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	args, err := projectArgs(p)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO projects(`+projectCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	return err
}

func (r Repo) UpdateProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	args, err := projectArgs(p)
	if err != nil {
		return err
	}
	// Reuse insert column order; id moves to the WHERE clause.
	args = append(args[1:], p.ID)
	res, err := tx.ExecContext(ctx, `UPDATE projects SET
		client_id=?,client_handle=?,freelancer_id=?,freelancer_handle=?,scope=?,budget_cents=?,currency=?,
		timeline_days=?,addenda=?,payment_mode=?,milestones_json=?,staged_milestones_json=?,status=?,
		custody_ref=?,agreement_hash=?,funding_method=?,offramp_order_id=?,payout_method=?,payout_address=?,
		releasing_index=?,disputed=?,conversation_json=?,created_at=?,updated_at=? WHERE id=?`, args...)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id))
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	return scanProject(tx.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id))
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	res := make([]domain.Project, 0, len(ids))
	for _, id := range ids {
		p, err := r.GetProject(ctx, id)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

// --- sessions ---

const sessionCols = `party_id,handle,role,state,project_id,draft_terms_json,history_json,submission_parts_json,staged_milestones_json,created_at,updated_at,rev`

func scanSession(row *sql.Row) (domain.Session, error) {
	var s domain.Session
	var handle, role, projectID, draftJSON, historyJSON, partsJSON, stagedJSON sql.NullString
	err := row.Scan(&s.PartyID, &handle, &role, &s.State, &projectID,
		&draftJSON, &historyJSON, &partsJSON, &stagedJSON, &s.CreatedAt, &s.UpdatedAt, &s.Rev)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Handle = handle.String
	s.Role = role.String
	s.ProjectID = projectID.String
	if draftJSON.Valid && draftJSON.String != "" {
		var t domain.Terms
		if err := json.Unmarshal([]byte(draftJSON.String), &t); err != nil {
			return s, fmt.Errorf("draft terms json: %w", err)
		}
		s.DraftTerms = &t
	}
	if err := unmarshalInto(historyJSON, &s.History); err != nil {
		return s, fmt.Errorf("history json: %w", err)
	}
	if err := unmarshalInto(partsJSON, &s.SubmissionParts); err != nil {
		return s, fmt.Errorf("submission parts json: %w", err)
	}
	if err := unmarshalInto(stagedJSON, &s.StagedMilestones); err != nil {
		return s, fmt.Errorf("staged milestones json: %w", err)
	}
	return s, nil
}

func sessionArgs(s domain.Session) ([]any, error) {
	var draftJSON any
	if s.DraftTerms != nil {
		b, err := json.Marshal(s.DraftTerms)
		if err != nil {
			return nil, err
		}
		draftJSON = string(b)
	}
	historyJSON, err := marshalOrNil(s.History)
	if err != nil {
		return nil, err
	}
	partsJSON, err := marshalOrNil(s.SubmissionParts)
	if err != nil {
		return nil, err
	}
	stagedJSON, err := marshalOrNil(s.StagedMilestones)
	if err != nil {
		return nil, err
	}
	return []any{
		s.PartyID, nullable(s.Handle), nullable(s.Role), s.State, nullable(s.ProjectID),
		draftJSON, historyJSON, partsJSON, stagedJSON, s.CreatedAt, s.UpdatedAt, s.Rev + 1,
	}, nil
}

func (r Repo) GetSession(ctx context.Context, partyID string) (domain.Session, error) {
	return scanSession(r.DB.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE party_id=?`, partyID))
}

func (r Repo) GetSessionTx(ctx context.Context, tx *sql.Tx, partyID string) (domain.Session, error) {
	return scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE party_id=?`, partyID))
}

// UpsertSessionTx persists the full session row; sessions are superseded,
// never deleted. The write bumps the revision and refuses to land on a
// row whose revision no longer matches the copy s was loaded from, so a
// transition racing a counterparty write fails with ErrStaleSession
// instead of silently clobbering it.
func (r Repo) UpsertSessionTx(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	args, err := sessionArgs(s)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO sessions(`+sessionCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(party_id) DO UPDATE SET
		handle=excluded.handle, role=excluded.role, state=excluded.state, project_id=excluded.project_id,
		draft_terms_json=excluded.draft_terms_json, history_json=excluded.history_json,
		submission_parts_json=excluded.submission_parts_json, staged_milestones_json=excluded.staged_milestones_json,
		updated_at=excluded.updated_at, rev=excluded.rev
		WHERE sessions.rev=excluded.rev-1`, args...)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrStaleSession
	}
	return nil
}

// --- invitations ---

func scanInvitation(row *sql.Row) (domain.Invitation, error) {
	var inv domain.Invitation
	err := row.Scan(&inv.Token, &inv.ProjectID, &inv.InviterID, &inv.Status, &inv.CreatedAt, &inv.UpdatedAt)
	if err == sql.ErrNoRows {
		return inv, ErrNotFound
	}
	return inv, err
}

func (r Repo) InsertInvitationTx(ctx context.Context, tx *sql.Tx, inv domain.Invitation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO invitations(token,project_id,inviter_id,status,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		inv.Token, inv.ProjectID, inv.InviterID, inv.Status, inv.CreatedAt, inv.UpdatedAt)
	return err
}

func (r Repo) GetInvitation(ctx context.Context, token string) (domain.Invitation, error) {
	return scanInvitation(r.DB.QueryRowContext(ctx, `SELECT token,project_id,inviter_id,status,created_at,updated_at FROM invitations WHERE token=?`, token))
}

func (r Repo) GetInvitationTx(ctx context.Context, tx *sql.Tx, token string) (domain.Invitation, error) {
	return scanInvitation(tx.QueryRowContext(ctx, `SELECT token,project_id,inviter_id,status,created_at,updated_at FROM invitations WHERE token=?`, token))
}

// RedeemInvitationTx flips a pending invitation to the given status. The
// WHERE status='pending' guard makes redemption single-use even under
// interleaved requests.
func (r Repo) RedeemInvitationTx(ctx context.Context, tx *sql.Tx, token, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE invitations SET status=?, updated_at=? WHERE token=? AND status=?`,
		status, updatedAt, token, domain.InvitationPending)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- handle directory ---

// UpsertHandle records the latest party id seen for a handle, the way a
// chat transport learns usernames.
func (r Repo) UpsertHandle(ctx context.Context, handle, partyID, updatedAt string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO handles(handle,party_id,updated_at) VALUES (?,?,?)
		ON CONFLICT(handle) DO UPDATE SET party_id=excluded.party_id, updated_at=excluded.updated_at`,
		handle, partyID, updatedAt)
	return err
}

func (r Repo) LookupHandle(ctx context.Context, handle string) (string, error) {
	var partyID string
	err := r.DB.QueryRowContext(ctx, `SELECT party_id FROM handles WHERE handle=?`, handle).Scan(&partyID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return partyID, err
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func marshalOrNil(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	if s == "null" {
		return nil, nil
	}
	return s, nil
}

func unmarshalInto(col sql.NullString, dst any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dst)
}
