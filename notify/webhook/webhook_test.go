package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/pithecene-io/theory/notify"
)

func testEvent() *notify.RunCompletedEvent {
	return &notify.RunCompletedEvent{
		ContractVersion: notify.ContractVersion,
		EventType:       notify.EventTypeRunCompleted,
		ExecutionID:     "exec-001",
		Ref:             "llm/litellm@1.0.0",
		Status:          "error",
		ErrorCode:       "ERR_PROVIDER",
		Timestamp:       "2026-08-26T12:00:00Z",
		DurationMs:      900,
	}
}

func TestPublish_PostsJSON(t *testing.T) {
	var got notify.RunCompletedEvent
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
	}))
	defer ts.Close()

	p, err := New(Config{URL: ts.URL, Headers: map[string]string{"X-Token": "abc"}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = p.Close() }()

	if err := p.Publish(t.Context(), testEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got.ExecutionID != "exec-001" || got.ErrorCode != "ERR_PROVIDER" {
		t.Errorf("received = %+v", got)
	}
}

func TestPublish_RetriesOn5xx(t *testing.T) {
	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
	}))
	defer ts.Close()

	p, err := New(Config{URL: ts.URL, Retries: 3})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = p.Close() }()

	if err := p.Publish(t.Context(), testEvent()); err != nil {
		t.Fatalf("publish after retries: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestPublish_4xxNotRetried(t *testing.T) {
	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer ts.Close()

	p, err := New(Config{URL: ts.URL, Retries: 3})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = p.Close() }()

	if err := p.Publish(t.Context(), testEvent()); err == nil {
		t.Fatal("publish succeeded against 422")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (4xx is non-retriable)", calls.Load())
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("empty URL accepted")
	}
	if _, err := New(Config{URL: "http://x", Retries: -1}); err == nil {
		t.Error("negative retries accepted")
	}
	p, err := New(Config{URL: "http://x"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if p.config.Timeout != DefaultTimeout {
		t.Errorf("timeout = %v, want default %v", p.config.Timeout, DefaultTimeout)
	}
}
