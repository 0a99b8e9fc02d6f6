package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkarols/daybook-api/internal/db"
	"github.com/mkarols/daybook-api/internal/notify"
)

// capturePublisher records published events for assertions.
type capturePublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *capturePublisher) Publish(ev notify.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *capturePublisher) drain() []notify.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.events
	c.events = nil
	return out
}

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

	for _, table := range []string{"task", "calendar_event"} {
		if _, err := pool.Exec(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("Failed to clean %s table: %v", table, err)
		}
	}

	return pool
}

// setLastScan pins the scan_state bookkeeping rows, simulating a scanner
// that has been ticking up to the given instant.
func setLastScan(t *testing.T, pool *pgxpool.Pool, ms int64) {
	t.Helper()
	if _, err := pool.Exec(context.Background(),
		`UPDATE scan_state SET last_scan_ms = $1`, ms); err != nil {
		t.Fatalf("Failed to set scan_state: %v", err)
	}
}

func insertTask(t *testing.T, pool *pgxpool.Pool, owner, key string, payload map[string]any) int64 {
	t.Helper()
	return insertRow(t, pool, "task", owner, key, payload)
}

func insertEvent(t *testing.T, pool *pgxpool.Pool, owner, key string, payload map[string]any) int64 {
	t.Helper()
	return insertRow(t, pool, "calendar_event", owner, key, payload)
}

func insertRow(t *testing.T, pool *pgxpool.Pool, table, owner, key string, payload map[string]any) int64 {
	t.Helper()

	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Failed to marshal payload: %v", err)
	}

	var id int64
	err = pool.QueryRow(context.Background(), fmt.Sprintf(`
		INSERT INTO %s (owner_id, client_key, revision, changed_at_ms, deleted, payload_json)
		VALUES ($1, $2, 1, $3, FALSE, $4)
		RETURNING id
	`, table), owner, key, time.Now().UnixMilli(), data).Scan(&id)
	if err != nil {
		t.Fatalf("Failed to insert %s row: %v", table, err)
	}
	return id
}

func TestScan_ReminderFiresExactlyOnce_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	pool := getTestDB(t)
	defer pool.Close()

	base := time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC)

	remindAt := base.Add(2 * time.Minute)
	id := insertTask(t, pool, "owner-1", "t1", map[string]any{
		"title":      "water the plants",
		"remindAtMs": remindAt.UnixMilli(),
	})

	pub := &capturePublisher{}
	s := New(pool, pub, time.Minute)

	// Tick before the reminder instant: nothing fires.
	if _, err := s.Scan(context.Background(), base.Add(time.Minute)); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if got := pub.drain(); len(got) != 0 {
		t.Fatalf("Expected no events before due, got %v", got)
	}

	// Tick past the reminder instant: fires once.
	if _, err := s.Scan(context.Background(), base.Add(3*time.Minute)); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	got := pub.drain()
	if len(got) != 1 {
		t.Fatalf("Expected 1 event, got %d: %v", len(got), got)
	}
	if got[0].Kind != notify.KindReminderDue {
		t.Errorf("Kind = %s, want %s", got[0].Kind, notify.KindReminderDue)
	}
	if got[0].ID != id {
		t.Errorf("ID = %d, want %d", got[0].ID, id)
	}
	if got[0].Title != "water the plants" {
		t.Errorf("Title = %q", got[0].Title)
	}

	// Later tick must not re-fire the same occurrence.
	if _, err := s.Scan(context.Background(), base.Add(5*time.Minute)); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if got := pub.drain(); len(got) != 0 {
		t.Fatalf("Reminder fired twice: %v", got)
	}
}

func TestScan_DeadlineAndOneShotEvent_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	pool := getTestDB(t)
	defer pool.Close()

	base := time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC)

	due := base.Add(30 * time.Second)
	insertTask(t, pool, "owner-1", "t-deadline", map[string]any{
		"title":   "file taxes",
		"dueAtMs": due.UnixMilli(),
	})
	insertEvent(t, pool, "owner-1", "e-oneshot", map[string]any{
		"title":   "dentist",
		"dueAtMs": due.UnixMilli(),
	})

	pub := &capturePublisher{}
	s := New(pool, pub, time.Minute)

	if _, err := s.Scan(context.Background(), base.Add(time.Minute)); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	got := pub.drain()
	if len(got) != 2 {
		t.Fatalf("Expected 2 events, got %d: %v", len(got), got)
	}

	kinds := map[notify.Kind]bool{}
	for _, ev := range got {
		kinds[ev.Kind] = true
	}
	if !kinds[notify.KindDeadlineDue] || !kinds[notify.KindEventDue] {
		t.Errorf("Expected deadline_due and event_due, got %v", got)
	}
}

func TestScan_RecurringAdvancesAndNeverDoubleFires_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	pool := getTestDB(t)
	defer pool.Close()

	base := time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC)

	// Weekly event due at base.
	id := insertEvent(t, pool, "owner-1", "e-weekly", map[string]any{
		"title":       "weekly standup",
		"dueAtMs":     base.UnixMilli(),
		"isRecurring": true,
		"recurrence":  "weekly",
	})

	pub := &capturePublisher{}
	s := New(pool, pub, time.Minute)

	// Tick just past the due instant: event fires once.
	if _, err := s.Scan(context.Background(), base.Add(time.Second)); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	got := pub.drain()
	if len(got) != 1 {
		t.Fatalf("Expected 1 event, got %d: %v", len(got), got)
	}
	if got[0].Kind != notify.KindEventDue || got[0].ID != id {
		t.Errorf("Unexpected event: %v", got[0])
	}

	// Due instant advanced to base + 7 days, revision bumped.
	var dueMs int64
	var revision int
	err := pool.QueryRow(context.Background(),
		`SELECT due_at_ms, revision FROM calendar_event WHERE id = $1`, id).
		Scan(&dueMs, &revision)
	if err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	if want := base.AddDate(0, 0, 7).UnixMilli(); dueMs != want {
		t.Errorf("due_at_ms = %d, want %d", dueMs, want)
	}
	if revision != 2 {
		t.Errorf("revision = %d, want 2", revision)
	}

	// Re-run of the same instant must not fire again.
	if _, err := s.Scan(context.Background(), base.Add(time.Second)); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if got := pub.drain(); len(got) != 0 {
		t.Fatalf("Recurring event fired twice for one occurrence: %v", got)
	}
}

func TestScan_RecurringBacklogCatchesUpInOneTick_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	pool := getTestDB(t)
	defer pool.Close()

	due := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	now := time.Date(2026, 1, 22, 12, 0, 0, 0, time.UTC)

	id := insertEvent(t, pool, "owner-1", "e-stale", map[string]any{
		"title":       "weekly review",
		"dueAtMs":     due.UnixMilli(),
		"isRecurring": true,
		"recurrence":  "weekly",
	})

	pub := &capturePublisher{}
	s := New(pool, pub, time.Minute)

	if _, err := s.Scan(context.Background(), now); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	// One notification for the backlog, and the due instant lands strictly
	// after now rather than one interval at a time.
	if got := pub.drain(); len(got) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(got))
	}

	var dueMs int64
	if err := pool.QueryRow(context.Background(),
		`SELECT due_at_ms FROM calendar_event WHERE id = $1`, id).Scan(&dueMs); err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	if want := time.Date(2026, 1, 29, 8, 0, 0, 0, time.UTC).UnixMilli(); dueMs != want {
		t.Errorf("due_at_ms = %d, want %d", dueMs, want)
	}
}

func TestScan_ReminderSyncedAfterItsInstantStillFires_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	pool := getTestDB(t)
	defer pool.Close()

	// Scanner has been ticking up to now; an offline client then syncs a
	// reminder whose instant already passed. It must still fire once.
	now := time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC)
	setLastScan(t, pool, now.UnixMilli())

	id := insertTask(t, pool, "owner-1", "t-late", map[string]any{
		"title":      "synced too late",
		"remindAtMs": now.Add(-time.Minute).UnixMilli(),
	})

	pub := &capturePublisher{}
	s := New(pool, pub, time.Minute)

	if _, err := s.Scan(context.Background(), now); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	got := pub.drain()
	if len(got) != 1 {
		t.Fatalf("Expected 1 event for late-synced reminder, got %d: %v", len(got), got)
	}
	if got[0].ID != id || got[0].Kind != notify.KindReminderDue {
		t.Errorf("Unexpected event: %v", got[0])
	}

	// And only once.
	if _, err := s.Scan(context.Background(), now.Add(time.Minute)); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if got := pub.drain(); len(got) != 0 {
		t.Fatalf("Late-synced reminder fired twice: %v", got)
	}
}

func TestScan_RescheduledReminderRearms_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	pool := getTestDB(t)
	defer pool.Close()

	base := time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC)

	id := insertTask(t, pool, "owner-1", "t-resched", map[string]any{
		"title":      "follow up",
		"remindAtMs": base.UnixMilli(),
	})

	pub := &capturePublisher{}
	s := New(pool, pub, time.Minute)

	if _, err := s.Scan(context.Background(), base.Add(time.Second)); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if got := pub.drain(); len(got) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(got))
	}

	// The client moves the reminder. The notified stamp records the old
	// instant, so the new one fires again; the old one never re-fires.
	newRemind := base.Add(10 * time.Minute)
	if _, err := pool.Exec(context.Background(), `
		UPDATE task
		SET payload_json = jsonb_set(payload_json, '{remindAtMs}', to_jsonb($2::bigint))
		WHERE id = $1
	`, id, newRemind.UnixMilli()); err != nil {
		t.Fatalf("Failed to reschedule reminder: %v", err)
	}

	if _, err := s.Scan(context.Background(), newRemind.Add(time.Second)); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	got := pub.drain()
	if len(got) != 1 {
		t.Fatalf("Expected rescheduled reminder to fire once, got %d: %v", len(got), got)
	}
	if got[0].ID != id {
		t.Errorf("ID = %d, want %d", got[0].ID, id)
	}

	if _, err := s.Scan(context.Background(), newRemind.Add(time.Minute)); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if got := pub.drain(); len(got) != 0 {
		t.Fatalf("Rescheduled reminder fired twice: %v", got)
	}
}

func TestScan_DeletedTriggersAreSuppressed_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	pool := getTestDB(t)
	defer pool.Close()

	base := time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC)

	id := insertEvent(t, pool, "owner-1", "e-deleted", map[string]any{
		"title":       "cancelled",
		"dueAtMs":     base.Add(10 * time.Second).UnixMilli(),
		"isRecurring": true,
		"recurrence":  "daily",
	})
	if _, err := pool.Exec(context.Background(),
		`UPDATE calendar_event SET deleted = TRUE, deleted_at_ms = $2 WHERE id = $1`,
		id, base.UnixMilli()); err != nil {
		t.Fatalf("Failed to tombstone event: %v", err)
	}

	pub := &capturePublisher{}
	s := New(pool, pub, time.Minute)

	if _, err := s.Scan(context.Background(), base.Add(time.Minute)); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if got := pub.drain(); len(got) != 0 {
		t.Fatalf("Tombstoned trigger fired: %v", got)
	}
}
