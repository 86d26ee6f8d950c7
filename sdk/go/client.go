package escrowlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal escrowline HTTP API client. Authenticate with a
// BearerToken; PartyID and Handle are the legacy header fallback for
// servers running with allow_legacy_actor_header.
type Client struct {
	BaseURL     string
	BearerToken string
	PartyID     string
	Handle      string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Event is one party input: an action selection or free text.
type Event struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
}

// Outcome reports an applied event's result.
type Outcome struct {
	State         string         `json:"state"`
	Reply         string         `json:"reply,omitempty"`
	Notifications []Notification `json:"notifications,omitempty"`
}

type Notification struct {
	PartyID string `json:"party_id"`
	Text    string `json:"text"`
}

type Party struct {
	ID     string `json:"id"`
	Handle string `json:"handle,omitempty"`
	Role   string `json:"role,omitempty"`
}

type Terms struct {
	Scope        string `json:"scope"`
	BudgetCents  int64  `json:"budget_cents"`
	Currency     string `json:"currency"`
	TimelineDays int    `json:"timeline_days"`
	Addenda      string `json:"addenda,omitempty"`
}

type Milestone struct {
	Description string `json:"description"`
	AmountCents int64  `json:"amount_cents"`
	Status      string `json:"status"`
}

type Project struct {
	ID               string      `json:"id"`
	Client           Party       `json:"client"`
	Freelancer       Party       `json:"freelancer"`
	Terms            Terms       `json:"terms"`
	PaymentMode      string      `json:"payment_mode,omitempty"`
	Milestones       []Milestone `json:"milestones,omitempty"`
	StagedMilestones []Milestone `json:"staged_milestones,omitempty"`
	Status           string      `json:"status"`
	CustodyRef       string      `json:"custody_ref,omitempty"`
	AgreementHash    string      `json:"agreement_hash,omitempty"`
	FundingMethod    string      `json:"funding_method,omitempty"`
	PayoutMethod     string      `json:"payout_method,omitempty"`
	PayoutAddress    string      `json:"payout_address,omitempty"`
	Disputed         bool        `json:"disputed,omitempty"`
	CreatedAt        string      `json:"created_at"`
	UpdatedAt        string      `json:"updated_at"`
}

type Session struct {
	PartyID   string `json:"party_id"`
	Handle    string `json:"handle,omitempty"`
	Role      string `json:"role,omitempty"`
	State     string `json:"state"`
	ProjectID string `json:"project_id,omitempty"`
}

// LedgerEntry is one hash-chained timeline record.
type LedgerEntry struct {
	Seq          int64          `json:"seq"`
	EventType    string         `json:"event_type"`
	Details      map[string]any `json:"details,omitempty"`
	ActorID      string         `json:"actor_id"`
	TS           string         `json:"ts"`
	PreviousHash string         `json:"previous_hash"`
	Hash         string         `json:"hash"`
}

type Invitation struct {
	Token     string `json:"token"`
	Status    string `json:"status"`
	Inviter   Party  `json:"inviter"`
	Terms     Terms  `json:"terms"`
	CreatedAt string `json:"created_at"`
}

// APIError wraps non-2xx responses. Code and Message come from the
// server's error envelope when one is present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ApplyEvent sends one workflow event as the authenticated party.
func (c *Client) ApplyEvent(ctx context.Context, ev Event) (Outcome, error) {
	var resp Outcome
	err := c.do(ctx, http.MethodPost, "sessions/events", ev, &resp)
	return resp, err
}

// Session returns the authenticated party's session.
func (c *Client) Session(ctx context.Context) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, "sessions/me", nil, &resp)
	return resp, err
}

// Summary returns a narrative status of the party's current project.
func (c *Client) Summary(ctx context.Context) (string, error) {
	var resp struct {
		Summary string `json:"summary"`
	}
	err := c.do(ctx, http.MethodGet, "sessions/me/summary", nil, &resp)
	return resp.Summary, err
}

// Projects lists the projects the party is a member of.
func (c *Client) Projects(ctx context.Context) ([]Project, error) {
	var resp []Project
	err := c.do(ctx, http.MethodGet, "projects", nil, &resp)
	return resp, err
}

// Project fetches one project by id.
func (c *Client) Project(ctx context.Context, projectID string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(projectID), nil, &resp)
	return resp, err
}

// Timeline returns the project's full event ledger.
func (c *Client) Timeline(ctx context.Context, projectID string) ([]LedgerEntry, error) {
	var resp []LedgerEntry
	err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(projectID)+"/timeline", nil, &resp)
	return resp, err
}

// VerifyTimeline checks the project ledger's hash chain server-side.
func (c *Client) VerifyTimeline(ctx context.Context, projectID string) (bool, error) {
	var resp struct {
		Verified bool `json:"verified"`
	}
	err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(projectID)+"/timeline/verify", nil, &resp)
	return resp.Verified, err
}

// Proof returns the human-readable chain-of-custody document.
func (c *Client) Proof(ctx context.Context, projectID string) (string, error) {
	var resp struct {
		Proof string `json:"proof"`
	}
	err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(projectID)+"/timeline/proof", nil, &resp)
	return resp.Proof, err
}

// Invitation previews an invitation without consuming it.
func (c *Client) Invitation(ctx context.Context, token string) (Invitation, error) {
	var resp Invitation
	err := c.do(ctx, http.MethodGet, "invitations/"+url.PathEscape(token), nil, &resp)
	return resp, err
}

// AcceptInvitation redeems an invitation token as the authenticated
// party. Tokens are single-use.
func (c *Client) AcceptInvitation(ctx context.Context, token string) (Outcome, error) {
	var resp Outcome
	err := c.do(ctx, http.MethodPost, "invitations/"+url.PathEscape(token)+"/accept", nil, &resp)
	return resp, err
}

// DeclineInvitation declines and consumes an invitation token.
func (c *Client) DeclineInvitation(ctx context.Context, token string) (Outcome, error) {
	var resp Outcome
	err := c.do(ctx, http.MethodPost, "invitations/"+url.PathEscape(token)+"/decline", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.PartyID != "":
		req.Header.Set("X-Party-Id", c.PartyID)
		if c.Handle != "" {
			req.Header.Set("X-Party-Handle", c.Handle)
		}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return apiError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func apiError(status int, body []byte) *APIError {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	if err := json.Unmarshal(body, &envelope); err == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	return apiErr
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
