package extract

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"escrowline/internal/config"
	"escrowline/internal/domain"
)

func TestDecodeJSONBlockPlain(t *testing.T) {
	var out struct {
		Status string `json:"status"`
	}
	if err := decodeJSONBlock(`{"status":"complete"}`, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != "complete" {
		t.Fatalf("status = %q", out.Status)
	}
}

func TestDecodeJSONBlockFenced(t *testing.T) {
	raw := "Here is the result:\n```json\n{\"status\":\"incomplete\",\"reply\":\"What is the budget?\"}\n```\nLet me know."
	var out struct {
		Status string `json:"status"`
		Reply  string `json:"reply"`
	}
	if err := decodeJSONBlock(raw, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != "incomplete" || out.Reply != "What is the budget?" {
		t.Fatalf("decoded %+v", out)
	}
}

func TestDecodeJSONBlockBracesInStrings(t *testing.T) {
	raw := `{"reply":"use {curly} braces and a \" quote","status":"incomplete"} trailing prose`
	var out struct {
		Status string `json:"status"`
		Reply  string `json:"reply"`
	}
	if err := decodeJSONBlock(raw, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Reply != `use {curly} braces and a " quote` {
		t.Fatalf("reply = %q", out.Reply)
	}
}

func TestDecodeJSONBlockNoObject(t *testing.T) {
	var out map[string]any
	if err := decodeJSONBlock("sorry, I cannot help with that", &out); !errors.Is(err, ErrInvalidOutput) {
		t.Fatalf("err = %v, want ErrInvalidOutput", err)
	}
}

func TestDecodeJSONBlockUnbalanced(t *testing.T) {
	var out map[string]any
	if err := decodeJSONBlock(`{"status":"complete"`, &out); !errors.Is(err, ErrInvalidOutput) {
		t.Fatalf("err = %v, want ErrInvalidOutput", err)
	}
}

func TestToCents(t *testing.T) {
	cases := []struct {
		in   float64
		want int64
	}{
		{100, 10000},
		{250.5, 25050},
		{0.1, 10},
		{19.99, 1999},
		{0, 0},
	}
	for _, c := range cases {
		if got := toCents(c.in); got != c.want {
			t.Errorf("toCents(%v) = %d, want %d", c.in, got, c.want)
		}
	}
}

func extractServer(t *testing.T, response string) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(generateResponse{Model: req.Model, Response: response})
	}))
	t.Cleanup(srv.Close)
	cfg := config.Default()
	cfg.Extractor.BaseURL = srv.URL
	return NewClient(cfg)
}

func TestExtractComplete(t *testing.T) {
	client := extractServer(t, "```json\n"+
		`{"status":"complete","data":{"scope":"Build a landing page","budget":1000.0,"currency":"USD","timeline_days":14,"additional_info":"None"},"reply":"Terms captured."}`+
		"\n```")
	res, err := client.Extract(context.Background(), nil, "landing page, $1000, two weeks")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.Status != StatusComplete {
		t.Fatalf("status = %q", res.Status)
	}
	want := domain.Terms{Scope: "Build a landing page", BudgetCents: 100000, Currency: "USD", TimelineDays: 14}
	if res.Terms != want {
		t.Fatalf("terms = %+v, want %+v", res.Terms, want)
	}
}

func TestExtractIncomplete(t *testing.T) {
	client := extractServer(t, `{"status":"incomplete","reply":"What is your budget?"}`)
	res, err := client.Extract(context.Background(), []domain.Exchange{{Role: "user", Text: "I need a website"}}, "something modern")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.Status != StatusIncomplete || res.FollowUp != "What is your budget?" {
		t.Fatalf("result = %+v", res)
	}
}

func TestExtractRejectsIncompleteTerms(t *testing.T) {
	client := extractServer(t, `{"status":"complete","data":{"scope":"","budget":0,"currency":"","timeline_days":0},"reply":"done"}`)
	if _, err := client.Extract(context.Background(), nil, "whatever"); !errors.Is(err, ErrInvalidOutput) {
		t.Fatalf("err = %v, want ErrInvalidOutput", err)
	}
}

func TestExtractUnknownStatus(t *testing.T) {
	client := extractServer(t, `{"status":"maybe","reply":"hmm"}`)
	if _, err := client.Extract(context.Background(), nil, "whatever"); !errors.Is(err, ErrInvalidOutput) {
		t.Fatalf("err = %v, want ErrInvalidOutput", err)
	}
}
