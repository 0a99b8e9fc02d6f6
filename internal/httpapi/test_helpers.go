package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkarols/daybook-api/internal/db"
)

// getTestDB connects to the integration test database, runs migrations,
// and cleans all entity tables. Tests are skipped when TEST_DATABASE_URL
// is unset.
func getTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration tests")
	}

	ctx := context.Background()
	if err := db.Migrate(ctx, dbURL); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	pool, err := db.Open(ctx, dbURL, db.PoolConfig{})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	for _, table := range []string{"task", "transaction_record", "calendar_event", "owner_state"} {
		if _, err := pool.Exec(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("Failed to clean %s table: %v", table, err)
		}
	}

	return pool
}

// testSession holds what a client needs to hit reconcile endpoints.
type testSession struct {
	ID    string
	Epoch int
}

// createTestSession creates a sync session for the given user and returns
// the session ID and epoch.
func createTestSession(t *testing.T, router http.Handler, user string) testSession {
	t.Helper()

	req := httptest.NewRequest("POST", "/v1/sync/sessions", nil)
	req.Header.Set("X-Debug-Sub", user)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != 201 {
		t.Fatalf("Failed to create session: got status %d, body: %s", w.Code, w.Body.String())
	}

	var session struct {
		ID    string `json:"id"`
		Epoch int    `json:"epoch"`
	}
	if err := json.NewDecoder(w.Body).Decode(&session); err != nil {
		t.Fatalf("Failed to decode session response: %v", err)
	}

	return testSession{ID: session.ID, Epoch: session.Epoch}
}

// makeSyncRequest makes an HTTP request carrying session and epoch headers.
func makeSyncRequest(t *testing.T, router http.Handler, method, path string, body any, user string, sess testSession) *httptest.ResponseRecorder {
	t.Helper()

	var bodyReader *bytes.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request body: %v", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	} else {
		bodyReader = bytes.NewReader([]byte{})
	}

	req := httptest.NewRequest(method, path, bodyReader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Debug-Sub", user)
	req.Header.Set("X-Sync-Session", sess.ID)
	req.Header.Set("X-Sync-Epoch", strconv.Itoa(sess.Epoch))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	return w
}

// emptyReconcileBody is a valid reconcile request with no mutations.
func emptyReconcileBody() map[string]any {
	return map[string]any{"watermark": nil, "mutations": []any{}}
}
