package escrowlinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestApplyEventRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/sessions/events" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("authorization = %q", got)
		}
		var ev Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil || ev.Kind != "role-client" {
			t.Errorf("decoded event %+v, err %v", ev, err)
		}
		json.NewEncoder(w).Encode(Outcome{State: "capturing-terms", Reply: "Describe the project."})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok-1"
	out, err := c.ApplyEvent(context.Background(), Event{Kind: "role-client"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.State != "capturing-terms" {
		t.Fatalf("state = %q", out.State)
	}
}

func TestLegacyHeadersSent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Party-Id") != "alice-id" || r.Header.Get("X-Party-Handle") != "alice" {
			t.Errorf("missing legacy headers: %v", r.Header)
		}
		json.NewEncoder(w).Encode(Session{PartyID: "alice-id", State: "idle"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.PartyID = "alice-id"
	c.Handle = "alice"
	s, err := c.Session(context.Background())
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if s.State != "idle" {
		t.Fatalf("state = %q", s.State)
	}
}

func TestAPIErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"invalid_transition","message":"cannot accept from idle"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok-1"
	_, err := c.ApplyEvent(context.Background(), Event{Kind: "accept"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("want APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "invalid_transition" {
		t.Fatalf("got %+v", apiErr)
	}
}
