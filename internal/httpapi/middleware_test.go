package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

func TestCorrelationMiddleware_EchoesClientID(t *testing.T) {
	var seen string
	handler := CorrelationMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/v1/sync/state", nil)
	req.Header.Set("X-Correlation-ID", "client-chosen-42")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if seen != "client-chosen-42" {
		t.Errorf("Expected context correlation id %q, got %q", "client-chosen-42", seen)
	}
	if got := w.Header().Get("X-Correlation-ID"); got != "client-chosen-42" {
		t.Errorf("Expected echoed header %q, got %q", "client-chosen-42", got)
	}
}

func TestCorrelationMiddleware_GeneratesIDWhenAbsent(t *testing.T) {
	var seen string
	handler := CorrelationMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/v1/sync/state", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if seen == "" {
		t.Fatal("Expected a generated correlation id in the context")
	}
	if _, err := uuid.Parse(seen); err != nil {
		t.Errorf("Expected generated id to be a UUID, got %q: %v", seen, err)
	}
	if got := w.Header().Get("X-Correlation-ID"); got != seen {
		t.Errorf("Header %q and context %q should carry the same id", got, seen)
	}
}

func TestSessionMiddleware_PropagatesHeader(t *testing.T) {
	var seen string
	handler := SessionMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetSessionID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/v1/sync/state", nil)
	req.Header.Set("X-Sync-Session", "sess-abc")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if seen != "sess-abc" {
		t.Errorf("Expected session id %q, got %q", "sess-abc", seen)
	}
}

func TestSessionMiddleware_AbsentHeaderLeavesContextEmpty(t *testing.T) {
	var seen string
	handler := SessionMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetSessionID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/v1/sync/state", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if seen != "" {
		t.Errorf("Expected empty session id, got %q", seen)
	}
}
