package syncservice

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkarols/daybook-api/internal/db"
)

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

	for _, table := range []string{"task", "transaction_record", "calendar_event"} {
		if _, err := pool.Exec(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("Failed to clean %s table: %v", table, err)
		}
	}

	return pool
}

func TestReconcile_CreateDeletedOffline(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	pool := getTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	svc := NewTaskReconciler(pool)

	// A record created and deleted before ever syncing must land as a
	// tombstone, not be silently dropped, so other devices converge.
	res, err := svc.Reconcile(ctx, "owner-1", 0, []Mutation{
		{ClientKey: "ghost-1", Deleted: true, Payload: map[string]any{"title": "never seen"}},
	})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if len(res.Accepted) != 1 {
		t.Fatalf("Expected 1 accepted, got %+v", res)
	}
	if !res.Accepted[0].Deleted {
		t.Error("Expected accepted record to be a tombstone")
	}
	if res.Accepted[0].DeletedAt == nil {
		t.Error("Expected deletedAt on tombstone")
	}

	var deleted bool
	if err := pool.QueryRow(ctx,
		`SELECT deleted FROM task WHERE owner_id = 'owner-1' AND client_key = 'ghost-1'`).Scan(&deleted); err != nil {
		t.Fatalf("row lookup failed: %v", err)
	}
	if !deleted {
		t.Error("Expected stored row to carry deleted = true")
	}
}

func TestReconcile_UpdateByIDWithNewClientKey(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	pool := getTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	svc := NewTaskReconciler(pool)

	res, err := svc.Reconcile(ctx, "owner-1", 0, []Mutation{
		{ClientKey: "dev-a-key", Payload: map[string]any{"title": "original"}},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	id := res.Accepted[0].ID

	// A second device edits the record under its own clientKey, targeting
	// the server id it pulled earlier.
	res, err = svc.Reconcile(ctx, "owner-1", 0, []Mutation{
		{ClientKey: "dev-b-key", ID: &id, BelievedRevision: 1,
			Payload: map[string]any{"title": "edited elsewhere"}},
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if len(res.Accepted) != 1 {
		t.Fatalf("Expected 1 accepted, got %+v", res)
	}
	if res.Accepted[0].ID != id {
		t.Errorf("Expected update to hit id %d, got %d", id, res.Accepted[0].ID)
	}
	if res.Accepted[0].Revision != 2 {
		t.Errorf("Expected revision 2, got %d", res.Accepted[0].Revision)
	}
}

func TestReconcile_UnknownIDRejectedNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	pool := getTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	svc := NewTaskReconciler(pool)

	missing := int64(987654321)
	res, err := svc.Reconcile(ctx, "owner-1", 0, []Mutation{
		{ClientKey: "orphan-1", ID: &missing, BelievedRevision: 5,
			Payload: map[string]any{"title": "points nowhere"}},
	})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if len(res.Rejected) != 1 {
		t.Fatalf("Expected 1 rejection, got %+v", res)
	}
	if res.Rejected[0].Reason != ReasonNotFound {
		t.Errorf("Expected reason %q, got %q", ReasonNotFound, res.Rejected[0].Reason)
	}
}

func TestReconcile_OwnerIsolation(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	pool := getTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	svc := NewTaskReconciler(pool)

	if _, err := svc.Reconcile(ctx, "owner-a", 0, []Mutation{
		{ClientKey: "private-1", Payload: map[string]any{"title": "owner A's task"}},
	}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Owner B pulls from epoch and must not see owner A's data.
	res, err := svc.Reconcile(ctx, "owner-b", 0, nil)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if len(res.ServerChanges) != 0 {
		t.Errorf("Owner B received foreign records: %+v", res.ServerChanges)
	}

	// Same clientKey under a different owner is a distinct record.
	res, err = svc.Reconcile(ctx, "owner-b", 0, []Mutation{
		{ClientKey: "private-1", Payload: map[string]any{"title": "owner B's task"}},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if len(res.Accepted) != 1 || res.Accepted[0].Revision != 1 {
		t.Errorf("Expected independent create for owner B, got %+v", res)
	}
}

func TestReconcile_MixedBatchPartialAcceptance(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	pool := getTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	svc := NewEventReconciler(pool)

	res, err := svc.Reconcile(ctx, "owner-1", 0, []Mutation{
		{ClientKey: "evt-1", Payload: map[string]any{"title": "standup", "dueAtMs": 1767171600000}},
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	res, err = svc.Reconcile(ctx, "owner-1", 0, []Mutation{
		{ClientKey: "evt-1", BelievedRevision: res.Accepted[0].Revision,
			Payload: map[string]any{"title": "standup", "dueAtMs": 1767171600000}},
	})
	if err != nil {
		t.Fatalf("seed update failed: %v", err)
	}
	rev := res.Accepted[0].Revision // now 2

	// One good update and one stale update in the same batch: the good one
	// commits, the stale one comes back as data, and the call succeeds.
	res, err = svc.Reconcile(ctx, "owner-1", 0, []Mutation{
		{ClientKey: "evt-1", BelievedRevision: rev,
			Payload: map[string]any{"title": "standup (moved)", "dueAtMs": 1767175200000}},
		{ClientKey: "evt-1", BelievedRevision: rev - 1,
			Payload: map[string]any{"title": "zombie edit"}},
	})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if len(res.Accepted) != 1 {
		t.Errorf("Expected 1 accepted, got %d", len(res.Accepted))
	}
	if len(res.Rejected) != 1 {
		t.Errorf("Expected 1 rejected, got %d", len(res.Rejected))
	}
}
