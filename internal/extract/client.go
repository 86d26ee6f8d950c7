package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"escrowline/internal/config"
	"escrowline/internal/domain"
)

// ErrInvalidOutput marks a collaborator response the client could not
// turn into a structured result.
var ErrInvalidOutput = errors.New("invalid extractor output")

// Client calls an Ollama-compatible generation endpoint and parses the
// structured decision out of the model text.
type Client struct {
	cfg  clientConfig
	http *http.Client
}

type clientConfig struct {
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

// NewClient builds a Client from the extractor section of the config.
func NewClient(cfg *config.Config) *Client {
	timeout := time.Duration(cfg.Extractor.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg: clientConfig{
			BaseURL:    strings.TrimRight(cfg.Extractor.BaseURL, "/"),
			Model:      cfg.Extractor.Model,
			Timeout:    timeout,
			MaxRetries: cfg.Extractor.MaxRetries,
		},
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			},
		},
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	System string `json:"system,omitempty"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
}

const extractSystemPrompt = `You are the escrow agent finalizing contract terms (scope, budget, currency, timeline).
Be direct and transaction-focused. Ask only for missing details.
Return ONLY one JSON object, no markdown:
{"status":"incomplete","reply":"<direct question>"}
or
{"status":"complete","data":{"scope":"...","budget":100.0,"currency":"USD","timeline_days":7,"additional_info":"... or None"},"reply":"Terms captured."}`

// wireDecision is the collaborator's JSON contract.
type wireDecision struct {
	Status string `json:"status"`
	Reply  string `json:"reply"`
	Data   struct {
		Scope          string  `json:"scope"`
		Budget         float64 `json:"budget"`
		Currency       string  `json:"currency"`
		TimelineDays   int     `json:"timeline_days"`
		AdditionalInfo string  `json:"additional_info"`
	} `json:"data"`
}

func (c *Client) Extract(ctx context.Context, history []domain.Exchange, input string) (Result, error) {
	var prompt strings.Builder
	prompt.WriteString("Conversation so far:\n")
	for _, h := range history {
		fmt.Fprintf(&prompt, "%s: %s\n", h.Role, h.Text)
	}
	fmt.Fprintf(&prompt, "\nLatest user input: %q\n", input)

	text, err := c.generate(ctx, extractSystemPrompt, prompt.String())
	if err != nil {
		return Result{}, err
	}
	var decision wireDecision
	if err := decodeJSONBlock(text, &decision); err != nil {
		return Result{}, err
	}
	switch decision.Status {
	case StatusIncomplete:
		return Result{Status: StatusIncomplete, FollowUp: decision.Reply}, nil
	case StatusComplete:
		terms := domain.Terms{
			Scope:        decision.Data.Scope,
			BudgetCents:  toCents(decision.Data.Budget),
			Currency:     decision.Data.Currency,
			TimelineDays: decision.Data.TimelineDays,
		}
		if info := decision.Data.AdditionalInfo; info != "" && !strings.EqualFold(info, "none") {
			terms.Addenda = info
		}
		if terms.Scope == "" || terms.BudgetCents <= 0 || terms.Currency == "" || terms.TimelineDays <= 0 {
			return Result{}, fmt.Errorf("%w: complete decision missing required terms", ErrInvalidOutput)
		}
		return Result{Status: StatusComplete, Terms: terms}, nil
	default:
		return Result{}, fmt.Errorf("%w: unknown status %q", ErrInvalidOutput, decision.Status)
	}
}

func (c *Client) Summarize(ctx context.Context, project domain.Project, log []domain.ConversationMessage) (string, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Scope: %s\nBudget: %d %s (minor units)\nTimeline: %d days\nPayment mode: %s\nStatus: %s\n",
		project.Terms.Scope, project.Terms.BudgetCents, project.Terms.Currency,
		project.Terms.TimelineDays, project.PaymentMode, project.Status)
	if len(project.Milestones) > 0 {
		prompt.WriteString("Milestones:\n")
		for i, m := range project.Milestones {
			fmt.Fprintf(&prompt, "%d. %s (%d) [%s]\n", i+1, m.Description, m.AmountCents, m.Status)
		}
	}
	if len(log) > 0 {
		prompt.WriteString("Recent messages:\n")
		for _, m := range log {
			fmt.Fprintf(&prompt, "[%s] %s\n", m.Role, m.Text)
		}
	}
	prompt.WriteString("\nSummarize current status and what is pending, under 200 words, neutral tone.")
	return c.generate(ctx, "You are the project manager for a freelance escrow contract.", prompt.String())
}

func (c *Client) generate(ctx context.Context, system, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body := generateRequest{Model: c.cfg.Model, System: system, Prompt: prompt, Stream: false}
	var lastErr error
	attempts := 1 + c.cfg.MaxRetries
	for i := 0; i < attempts; i++ {
		resp, err := c.doRequest(ctx, body)
		if err == nil {
			return resp.Response, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return "", lastErr
}

func (c *Client) doRequest(ctx context.Context, body generateRequest) (*generateResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("extractor returned %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
	var out generateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode extractor response: %w", err)
	}
	return &out, nil
}

// decodeJSONBlock pulls the first balanced JSON object out of model text,
// tolerating markdown fences and surrounding prose.
func decodeJSONBlock(raw string, dst any) error {
	cleaned := strings.ReplaceAll(raw, "```json", "")
	cleaned = strings.ReplaceAll(cleaned, "```", "")
	start := strings.IndexByte(cleaned, '{')
	if start == -1 {
		return fmt.Errorf("%w: no JSON object found", ErrInvalidOutput)
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(cleaned); i++ {
		ch := cleaned[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					if err := json.Unmarshal([]byte(cleaned[start:i+1]), dst); err != nil {
						return fmt.Errorf("%w: %v", ErrInvalidOutput, err)
					}
					return nil
				}
			}
		}
	}
	return fmt.Errorf("%w: unbalanced JSON object", ErrInvalidOutput)
}

func toCents(budget float64) int64 {
	return int64(math.Round(budget * 100))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
