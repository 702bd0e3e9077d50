package backing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stakeline/engage/internal/challenge"
)

func TestAct_ReturnsCommittedEntity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/api/challenges/42/accept" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token123" {
			t.Errorf("unexpected auth header %q", got)
		}
		json.NewEncoder(w).Encode(challenge.Challenge{
			ID:      42,
			Status:  challenge.StatusActive,
			Version: 2,
		})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, AuthToken: "token123"})
	ch, err := c.Act(context.Background(), 42, challenge.ActionAccept)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ch.Status != challenge.StatusActive || ch.Version != 2 {
		t.Errorf("expected active v2, got %s v%d", ch.Status, ch.Version)
	}
}

func TestAct_StructuredError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{
			"code":    "invalid_transition",
			"message": "challenge already cancelled",
		})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	_, err := c.Act(context.Background(), 42, challenge.ActionAccept)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "invalid_transition" {
		t.Errorf("unexpected error fields: %+v", apiErr)
	}
	if apiErr.Temporary() {
		t.Error("409 must not be retryable")
	}
}

func TestDo_TemporaryErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	_, err := c.Get(context.Background(), 1)
	if !IsTemporary(err) {
		t.Errorf("expected 503 to be temporary, got %v", err)
	}
}

func TestListNotifications(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/notifications" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`[{"id":"n1","type":"tip-received","read":false},{"id":"n2","type":"new-follower","read":true}]`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	items, err := c.ListNotifications(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 2 || items[0].ID != "n1" || !items[1].Read {
		t.Errorf("unexpected items: %+v", items)
	}
}

func TestMarkNotificationRead(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	if err := c.MarkNotificationRead(context.Background(), "n1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotMethod != http.MethodPatch || gotPath != "/api/notifications/n1" {
		t.Errorf("expected PATCH /api/notifications/n1, got %s %s", gotMethod, gotPath)
	}
}
