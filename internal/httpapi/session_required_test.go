package httpapi

import (
	"testing"

	"github.com/mkarols/daybook-api/internal/auth"
)

func TestSessionRequired_UserMismatch(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	pool := getTestDB(t)
	defer pool.Close()

	srv := &Server{DB: pool, RateLimitConfig: DefaultRateLimitConfig}
	router := srv.Routes(auth.JWTCfg{HS256Secret: "test-secret", DevMode: true})

	// User A creates a session
	sessA := createTestSession(t, router, "user-a")

	// User B tries to use User A's session (should be rejected)
	rec := makeSyncRequest(t, router, "POST", "/v1/sync/tasks/reconcile", emptyReconcileBody(), "user-b", sessA)

	t.Logf("User B attempting to use User A's session: sessionID=%s, status=%d, body=%s",
		sessA.ID, rec.Code, rec.Body.String())

	// Should get 403 Forbidden because session doesn't belong to user-b
	if rec.Code != 403 {
		t.Errorf("Expected 403 Forbidden when using another user's session, got %d: %s",
			rec.Code, rec.Body.String())
	}

	if rec.Body.String() == "" {
		t.Error("Expected error message in response body")
	}
}

func TestSessionRequired_SameUser(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	pool := getTestDB(t)
	defer pool.Close()

	srv := &Server{DB: pool, RateLimitConfig: DefaultRateLimitConfig}
	router := srv.Routes(auth.JWTCfg{HS256Secret: "test-secret", DevMode: true})

	sess := createTestSession(t, router, "test-user")

	// Same user uses their own session (should succeed)
	rec := makeSyncRequest(t, router, "POST", "/v1/sync/tasks/reconcile", emptyReconcileBody(), "test-user", sess)

	if rec.Code != 200 {
		t.Errorf("Expected 200 when using own session, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestEpochRequired_StaleClient(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	pool := getTestDB(t)
	defer pool.Close()

	srv := &Server{DB: pool, RateLimitConfig: DefaultRateLimitConfig}
	router := srv.Routes(auth.JWTCfg{HS256Secret: "test-secret", DevMode: true})

	sess := createTestSession(t, router, "test-user")

	// Wipe the account so the server epoch moves past the session's epoch
	wipeRec := makeSyncRequest(t, router, "POST", "/v1/account/wipe",
		map[string]string{"confirm": "WIPE"}, "test-user", sess)
	if wipeRec.Code != 200 {
		t.Fatalf("Wipe failed: status %d, body %s", wipeRec.Code, wipeRec.Body.String())
	}

	// A fresh session with the stale epoch header must be rejected with 409
	sess2 := createTestSession(t, router, "test-user")
	sess2.Epoch = sess.Epoch // pretend the client never saw the wipe

	rec := makeSyncRequest(t, router, "POST", "/v1/sync/tasks/reconcile", emptyReconcileBody(), "test-user", sess2)

	if rec.Code != 409 {
		t.Errorf("Expected 409 Conflict for stale epoch, got %d: %s", rec.Code, rec.Body.String())
	}

	if got := rec.Header().Get("X-Sync-Epoch"); got == "" {
		t.Error("Expected X-Sync-Epoch header on 409 response")
	}
}
