package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mobility_hub/internal/config"
)

func testClient(attempts int) *Client {
	return NewClient(config.Source{
		MaxRetries:   attempts,
		RetryBackoff: time.Millisecond,
	}, zerolog.Nop())
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	body, err := testClient(5).Get(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Errorf("body = %q", body)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server called %d times, want 3", got)
	}
}

func TestClient_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := testClient(3).Get(context.Background(), srv.URL, nil)
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server called %d times, want 3", got)
	}
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := testClient(5).Get(context.Background(), srv.URL, nil)
	if err == nil {
		t.Fatal("expected error for 401")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server called %d times, want 1 (no retry on 4xx)", got)
	}
}

func TestClient_BasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "crawler" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	_, err := testClient(1).Get(context.Background(), srv.URL, &BasicAuth{User: "crawler", Password: "secret"})
	if err != nil {
		t.Fatalf("authenticated Get: %v", err)
	}
}

func TestClient_ContextCancelStopsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient(config.Source{MaxRetries: 5, RetryBackoff: time.Minute}, zerolog.Nop())
	start := time.Now()
	_, err := c.Get(ctx, srv.URL, nil)
	if err == nil {
		t.Fatal("expected error with cancelled context")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancelled context still waited out the backoff")
	}
}

func TestClient_GetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":{"token":"abc"}}`))
	}))
	defer srv.Close()

	var payload struct {
		Result struct {
			Token string `json:"token"`
		} `json:"result"`
	}
	if err := testClient(1).GetJSON(context.Background(), srv.URL, nil, &payload); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if payload.Result.Token != "abc" {
		t.Errorf("token = %q", payload.Result.Token)
	}
}

func TestRegistry(t *testing.T) {
	r := New()
	r.Register("pull-src", func(cfg config.Source, log zerolog.Logger) (Adapter, error) {
		return nil, nil
	})
	r.RegisterPush("push-src", func(cfg config.Source, log zerolog.Logger) (Pusher, error) {
		return nil, nil
	})

	if !r.Has("pull-src") || !r.Has("push-src") {
		t.Error("registered sources not found")
	}
	if r.Has("missing") {
		t.Error("unregistered source reported present")
	}
	if r.IsPush("pull-src") {
		t.Error("pull source reported as push")
	}
	if !r.IsPush("push-src") {
		t.Error("push source not reported as push")
	}

	names := r.Names()
	if len(names) != 2 || names[0] != "pull-src" || names[1] != "push-src" {
		t.Errorf("Names() = %v", names)
	}

	if _, err := r.Build("missing", config.Source{}, zerolog.Nop()); err == nil {
		t.Error("expected error building unknown adapter")
	}
}
