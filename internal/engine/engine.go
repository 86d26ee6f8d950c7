package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"escrowline/internal/config"
	"escrowline/internal/custody"
	"escrowline/internal/domain"
	"escrowline/internal/extract"
	"escrowline/internal/ledger"
	"escrowline/internal/notify"
	"escrowline/internal/offramp"
	"escrowline/internal/repo"
)

// Engine coordinates the two-party workflow: it resolves each incoming
// event against the transition table, enforces role and state guards,
// and persists session, project and ledger mutations in one sqlite
// transaction before any notification leaves the process.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Ledger ledger.Ledger
	Config *config.Config
	Now    func() time.Time
	Logger *log.Logger

	Extractor  extract.TermsExtractor
	Summarizer extract.Summarizer
	Custody    custody.Client
	OffRamp    offramp.Client
	Delivery   notify.Delivery

	locks    sync.Map // scope key -> *sync.Mutex
	inflight sync.Map // project id -> struct{}, custody call in progress
}

// Deps carries the external collaborators.
type Deps struct {
	Extractor  extract.TermsExtractor
	Summarizer extract.Summarizer
	Custody    custody.Client
	OffRamp    offramp.Client
	Delivery   notify.Delivery
	Logger     *log.Logger
}

func New(db *sql.DB, cfg *config.Config, deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Ledger:     ledger.Ledger{DB: db, Now: time.Now},
		Config:     cfg,
		Now:        time.Now,
		Logger:     logger,
		Extractor:  deps.Extractor,
		Summarizer: deps.Summarizer,
		Custody:    deps.Custody,
		OffRamp:    deps.OffRamp,
		Delivery:   deps.Delivery,
	}
}

// Outcome reports the result of one applied event: the acting party's
// new state, the reply shown to them, and the notifications dispatched
// to the counterparty.
type Outcome struct {
	State         string
	Reply         string
	Notifications []notify.Message
}

// txnCtx collects the mutations one transition produces. Handlers only
// mutate in-memory copies and queue ledger appends and notifications;
// Apply persists everything atomically afterwards.
type txnCtx struct {
	ctx   context.Context
	event Event

	sess        *domain.Session
	project     *domain.Project
	projectNew  bool
	counterSess *domain.Session
	invitation  *domain.Invitation

	redeemToken  string
	redeemStatus string

	appends []ledgerAppend
	notes   []notify.Message
	reply   string
}

type ledgerAppend struct {
	eventType string
	details   map[string]any
}

func (tc *txnCtx) append(eventType string, details map[string]any) {
	tc.appends = append(tc.appends, ledgerAppend{eventType: eventType, details: details})
}

func (tc *txnCtx) notifyParty(partyID, text string) {
	tc.notes = append(tc.notes, notify.Message{PartyID: partyID, Text: text})
}

// Apply processes one event from one party. The event is validated
// against the transition table, the handler computes the mutations, and
// everything is committed in a single transaction. Notifications go out
// only after the commit succeeds.
func (e *Engine) Apply(ctx context.Context, partyID, handle string, ev Event) (Outcome, error) {
	out, err := e.apply(ctx, partyID, handle, ev)
	if errors.Is(err, repo.ErrStaleSession) {
		// A counterparty write landed on this session mid-transition.
		// Nothing was persisted, so the event replays against the
		// current row.
		out, err = e.apply(ctx, partyID, handle, ev)
	}
	return out, err
}

func (e *Engine) apply(ctx context.Context, partyID, handle string, ev Event) (Outcome, error) {
	sess, err := e.ensureSession(ctx, partyID, handle)
	if err != nil {
		return Outcome{}, err
	}

	// Acquire the session's scope lock, then reload under it; another
	// event may have advanced the state between fetch and acquire, and
	// an invitation can rebind the party from their own scope to a
	// project scope. Chase the key until the reloaded row agrees with
	// the lock held.
	key := scopeKey(sess)
	mu := e.lockFor(key)
	mu.Lock()
	for {
		sess, err = e.Repo.GetSession(ctx, partyID)
		if err != nil {
			mu.Unlock()
			return Outcome{}, err
		}
		next := scopeKey(sess)
		if next == key {
			break
		}
		mu.Unlock()
		key = next
		mu = e.lockFor(key)
		mu.Lock()
	}
	unlocked := false
	unlock := func() {
		if !unlocked {
			unlocked = true
			mu.Unlock()
		}
	}
	defer unlock()

	switch ev.Kind {
	case EventStart:
		return e.handleStart(ctx, sess)
	case EventReset:
		return e.handleReset(ctx, sess)
	}

	tr, ok := transitions[transitionKey{sess.State, ev.Kind}]
	if !ok {
		return Outcome{}, &TransitionError{State: sess.State, Kind: ev.Kind}
	}
	if tr.role != "" && sess.Role != tr.role {
		return Outcome{}, &RoleError{Required: tr.role, Actual: sess.Role}
	}

	tc := &txnCtx{ctx: ctx, event: ev, sess: &sess}
	if sess.ProjectID != "" {
		p, err := e.Repo.GetProject(ctx, sess.ProjectID)
		if err != nil {
			return Outcome{}, err
		}
		tc.project = &p
	}

	if tr.custody {
		// The external round trip happens with the scope lock released;
		// the marker persisted in the prepare phase plus the validated
		// commit afterwards keep duplicates out.
		op, err := e.prepareCustody(tc)
		if err != nil {
			return Outcome{}, err
		}
		if op == nil {
			return Outcome{State: tc.sess.State, Reply: tc.reply}, nil
		}
		unlock()
		return e.finishCustody(ctx, mu, op)
	}

	if err := tr.handler(e, tc); err != nil {
		return Outcome{}, err
	}
	if err := e.commit(tc); err != nil {
		return Outcome{}, err
	}
	e.dispatch(tc.notes)
	return Outcome{State: tc.sess.State, Reply: tc.reply, Notifications: tc.notes}, nil
}

// commit persists every mutation the handler queued in one transaction.
func (e *Engine) commit(tc *txnCtx) error {
	now := e.timestamp()
	tc.sess.UpdatedAt = now
	if tc.sess.CreatedAt == "" {
		tc.sess.CreatedAt = now
	}

	tx, err := e.DB.BeginTx(tc.ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := e.Repo.UpsertSessionTx(tc.ctx, tx, *tc.sess); err != nil {
		return err
	}
	if tc.counterSess != nil {
		tc.counterSess.UpdatedAt = now
		if tc.counterSess.CreatedAt == "" {
			tc.counterSess.CreatedAt = now
		}
		if err := e.Repo.UpsertSessionTx(tc.ctx, tx, *tc.counterSess); err != nil {
			return err
		}
	}
	if tc.project != nil {
		tc.project.UpdatedAt = now
		if tc.projectNew {
			tc.project.CreatedAt = now
			if err := e.Repo.InsertProjectTx(tc.ctx, tx, *tc.project); err != nil {
				return err
			}
		} else if err := e.Repo.UpdateProjectTx(tc.ctx, tx, *tc.project); err != nil {
			return err
		}
	}
	if tc.invitation != nil {
		if err := e.Repo.InsertInvitationTx(tc.ctx, tx, *tc.invitation); err != nil {
			return err
		}
	}
	if tc.redeemToken != "" {
		if err := e.Repo.RedeemInvitationTx(tc.ctx, tx, tc.redeemToken, tc.redeemStatus, now); err != nil {
			return err
		}
	}
	for _, a := range tc.appends {
		if _, err := e.Ledger.Append(tc.ctx, tx, tc.project.ID, a.eventType, a.details, tc.sess.PartyID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// dispatch sends queued notifications after the commit. Delivery
// failures are logged, never surfaced: the state change already
// happened and the counterparty will see it on next contact.
func (e *Engine) dispatch(notes []notify.Message) {
	for _, n := range notes {
		if err := e.Delivery.Send(n.PartyID, n.Text); err != nil {
			e.Logger.Printf("engine: notify %s failed: %v", n.PartyID, err)
		}
	}
}

// ensureSession loads the party's session, creating an idle one on
// first contact, and keeps the handle directory current.
func (e *Engine) ensureSession(ctx context.Context, partyID, handle string) (domain.Session, error) {
	sess, err := e.Repo.GetSession(ctx, partyID)
	if errors.Is(err, repo.ErrNotFound) {
		now := e.timestamp()
		sess = domain.Session{PartyID: partyID, Handle: handle, State: StateIdle, CreatedAt: now, UpdatedAt: now}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return domain.Session{}, err
		}
		defer tx.Rollback()
		if err := e.Repo.UpsertSessionTx(ctx, tx, sess); err != nil {
			return domain.Session{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Session{}, err
		}
	} else if err != nil {
		return domain.Session{}, err
	}
	if handle != "" {
		if err := e.Repo.UpsertHandle(ctx, handle, partyID, e.timestamp()); err != nil {
			return domain.Session{}, err
		}
	}
	return sess, nil
}

// loadCounterparty fetches the other party's session for a shared
// project so the handler can move both parties in one commit.
func (e *Engine) loadCounterparty(tc *txnCtx) (*domain.Session, error) {
	if tc.counterSess != nil {
		return tc.counterSess, nil
	}
	if tc.project == nil {
		return nil, fmt.Errorf("no project in scope")
	}
	other := tc.project.Counterparty(tc.sess.PartyID)
	if other.ID == "" {
		return nil, fmt.Errorf("project %s has no counterparty for %s", tc.project.ID, tc.sess.PartyID)
	}
	cs, err := e.Repo.GetSession(tc.ctx, other.ID)
	if err != nil {
		return nil, err
	}
	tc.counterSess = &cs
	return tc.counterSess, nil
}

// lockFor returns the mutex serializing events for one scope: the
// shared project once one exists, otherwise the party's own session.
func (e *Engine) lockFor(key string) *sync.Mutex {
	v, _ := e.locks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func scopeKey(sess domain.Session) string {
	if sess.ProjectID != "" {
		return "project:" + sess.ProjectID
	}
	return "party:" + sess.PartyID
}

func (e *Engine) timestamp() string {
	return e.Now().UTC().Format(time.RFC3339)
}

// handleStart greets a new party or resumes an existing session. A
// party locked into an active engagement cannot start over.
func (e *Engine) handleStart(ctx context.Context, sess domain.Session) (Outcome, error) {
	if lockedStates[sess.State] {
		return Outcome{}, e.activeProjectError(ctx, sess)
	}
	if sess.State != StateIdle {
		return Outcome{
			State: sess.State,
			Reply: fmt.Sprintf("Resuming where you left off (%s). Send 'reset' to start over.", sess.State),
		}, nil
	}
	return Outcome{
		State: StateIdle,
		Reply: "Welcome. Are you hiring (client) or working (freelancer)?",
	}, nil
}

// handleReset clears a non-engaged session back to idle.
func (e *Engine) handleReset(ctx context.Context, sess domain.Session) (Outcome, error) {
	if lockedStates[sess.State] {
		return Outcome{}, e.activeProjectError(ctx, sess)
	}
	sess.State = StateIdle
	sess.Role = ""
	sess.ProjectID = ""
	sess.DraftTerms = nil
	sess.History = nil
	sess.SubmissionParts = nil
	sess.StagedMilestones = nil
	sess.UpdatedAt = e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertSessionTx(ctx, tx, sess); err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, err
	}
	return Outcome{State: StateIdle, Reply: "Session reset. Are you hiring (client) or working (freelancer)?"}, nil
}

// activeProjectError names the counterparty the session is engaged
// with, so the rejection is actionable.
func (e *Engine) activeProjectError(ctx context.Context, sess domain.Session) error {
	counterparty := "your counterparty"
	if sess.ProjectID != "" {
		if p, err := e.Repo.GetProject(ctx, sess.ProjectID); err == nil {
			if other := p.Counterparty(sess.PartyID); other.Handle != "" {
				counterparty = other.Handle
			}
		}
	}
	return &ActiveProjectError{Counterparty: counterparty}
}
