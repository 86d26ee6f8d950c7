package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"escrowline/internal/config"
	"escrowline/internal/custody"
	"escrowline/internal/db"
	"escrowline/internal/engine"
	"escrowline/internal/extract"
	"escrowline/internal/migrate"
	"escrowline/internal/notify"
	"escrowline/internal/offramp"
)

const testSecret = "server-test-secret"

func TestWebhookDeliversLedgerEntries(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	var (
		mu       sync.Mutex
		received []webhookEntry
	)
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var entry webhookEntry
		if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
			t.Errorf("decode webhook body: %v", err)
		}
		if got := r.Header.Get("X-Escrowline-Event"); got != entry.EventType {
			t.Errorf("event header %q, body %q", got, entry.EventType)
		}
		mu.Lock()
		received = append(received, entry)
		mu.Unlock()
	}))
	t.Cleanup(sink.Close)

	cfg := config.Default()
	cfg.Webhooks = []config.WebhookConfig{{URL: sink.URL, Events: []string{"PAYMENT_RELEASED"}}}
	e := engine.New(conn, cfg, engine.Deps{
		Extractor:  &extract.Stub{},
		Summarizer: extract.StubSummarizer{},
		Custody:    &custody.Mock{},
		OffRamp:    offramp.New(cfg),
		Delivery:   notify.NewStub(),
	})

	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	for _, eventType := range []string{"PROJECT_DEFINED", "ESCROW_FUNDED", "PAYMENT_RELEASED"} {
		if _, err := e.Ledger.Append(ctx, tx, "p1", eventType, map[string]any{"k": "v"}, "alice-id"); err != nil {
			t.Fatalf("append %s: %v", eventType, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	d := &webhookDispatcher{
		engine:   e,
		webhooks: cfg.Webhooks,
		client:   &http.Client{Timeout: time.Second},
		cursors:  map[int]int64{0: 0},
	}
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("received %d deliveries, want 1 (filter drops the rest)", len(received))
	}
	if received[0].EventType != "PAYMENT_RELEASED" || received[0].ProjectID != "p1" {
		t.Fatalf("delivered %+v", received[0])
	}
	if d.cursors[0] != received[0].Seq {
		t.Fatalf("cursor %d, want %d", d.cursors[0], received[0].Seq)
	}
}

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	e := engine.New(conn, cfg, engine.Deps{
		Extractor:  &extract.Stub{},
		Summarizer: extract.StubSummarizer{},
		Custody:    &custody.Mock{},
		OffRamp:    offramp.New(cfg),
		Delivery:   notify.NewStub(),
	})
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func mintToken(t *testing.T, partyID, handle string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   partyID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Handle: handle,
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decodeErrorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope %q: %v", string(data), err)
	}
	return envelope.Error.Code
}

func TestHealthSkipsAuth(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions/events", map[string]any{
		"kind": "start",
	}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	if code := decodeErrorCode(t, data); code != "unauthorized" {
		t.Fatalf("error code %q", code)
	}
}

func TestBadTokenRejected(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sessions/me", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	if code := decodeErrorCode(t, data); code != "invalid_credentials" {
		t.Fatalf("error code %q", code)
	}
}

func TestJWTEventRoundTrip(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	headers := map[string]string{"Authorization": "Bearer " + mintToken(t, "alice-id", "alice")}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions/events", map[string]any{
		"kind": "start",
	}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("apply status %d: %s", res.StatusCode, string(data))
	}
	var out OutcomeResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal outcome: %v", err)
	}
	if out.State != engine.StateIdle || out.Reply == "" {
		t.Fatalf("outcome %+v", out)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sessions/me", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("session status %d: %s", res.StatusCode, string(data))
	}
	var sess SessionResponse
	if err := json.Unmarshal(data, &sess); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	if sess.PartyID != "alice-id" || sess.Handle != "alice" {
		t.Fatalf("session %+v", sess)
	}
}

func TestLegacyHeaderEvent(t *testing.T) {
	srv := newTestServer(t, AuthConfig{AllowLegacyActorHeader: true})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions/events", map[string]any{
		"kind": "start",
	}, map[string]string{"X-Party-Id": "carol-id", "X-Party-Handle": "carol"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("apply status %d: %s", res.StatusCode, string(data))
	}
}

func TestInvalidTransitionEnvelope(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	headers := map[string]string{"Authorization": "Bearer " + mintToken(t, "alice-id", "alice")}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions/events", map[string]any{
		"kind": "accept",
	}, headers)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	if code := decodeErrorCode(t, data); code != "invalid_transition" {
		t.Fatalf("error code %q", code)
	}
}
