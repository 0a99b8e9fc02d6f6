// Package scanner is the temporal-trigger engine: a recurring background
// task that detects reminders, deadlines, and calendar events crossing
// their due instant, publishes one notification per occurrence, and rolls
// recurring events forward to their next occurrence.
//
// Exactly-once is carried by the store, not by process state:
//
//   - one-shot triggers carry a notified stamp recording the instant that
//     was notified, written in the same transaction that selected them; a
//     trigger fires when its instant is past and differs from the stamp, so
//     a reschedule re-arms it and a record synced after its instant passed
//     still fires once;
//   - recurring events are advanced in the same transaction that selected
//     them, so a concurrent scanner instance cannot re-select the same
//     occurrence;
//   - scan_state rows are locked FOR UPDATE, serializing whole ticks across
//     instances (a rolling deployment runs two scanners for a while), and
//     due rows are selected FOR UPDATE SKIP LOCKED besides.
//
// Notifications publish after commit: a crash in between loses at most one
// batch, it never duplicates one.
package scanner

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/mkarols/daybook-api/internal/notify"
	"github.com/mkarols/daybook-api/internal/recurrence"
	"github.com/mkarols/daybook-api/internal/syncx"
)

// Trigger classes, each with its own persisted scan watermark.
const (
	classReminder = "reminder"
	classDeadline = "deadline"
	classEvent    = "event"
)

// Publisher is the notification channel the scanner emits into.
// Fire-and-forget: implementations must not block.
type Publisher interface {
	Publish(notify.Event)
}

// Scanner runs the periodic due-trigger scan.
type Scanner struct {
	db       *pgxpool.Pool
	pub      Publisher
	interval time.Duration
}

// New creates a scanner. interval is both the tick period and the nominal
// scan window width; the actual window is derived from the persisted
// watermark, never from wall-clock minus interval.
func New(db *pgxpool.Pool, pub Publisher, interval time.Duration) *Scanner {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scanner{db: db, pub: pub, interval: interval}
}

// Run ticks until ctx is cancelled. Scans execute on the loop goroutine,
// so a tick that overruns delays the next one instead of overlapping it.
func (s *Scanner) Run(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Msg("trigger scanner started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("trigger scanner stopped")
			return
		case <-ticker.C:
			if _, err := s.Scan(ctx, time.Now()); err != nil {
				log.Error().Err(err).Msg("trigger scan failed")
			}
		}
	}
}

// Scan executes one tick: select every one-shot trigger due before now and
// not yet notified for its current instant, stamp it, advance recurring
// events, record the tick in scan_state, commit, then publish. Returns the
// published events.
func (s *Scanner) Scan(ctx context.Context, now time.Time) ([]notify.Event, error) {
	nowMs := now.UTC().UnixMilli()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin scan: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockScanState(ctx, tx); err != nil {
		return nil, err
	}

	var events []notify.Event

	reminders, err := scanOneShot(ctx, tx, oneShotQuery{
		table:  "task",
		column: "remind_at_ms",
		stamp:  "remind_notified_ms",
		kind:   notify.KindReminderDue,
		nowMs:  nowMs,
	})
	if err != nil {
		return nil, err
	}
	events = append(events, reminders...)

	deadlines, err := scanOneShot(ctx, tx, oneShotQuery{
		table:  "task",
		column: "due_at_ms",
		stamp:  "due_notified_ms",
		kind:   notify.KindDeadlineDue,
		nowMs:  nowMs,
	})
	if err != nil {
		return nil, err
	}
	events = append(events, deadlines...)

	oneShotEvents, err := scanOneShot(ctx, tx, oneShotQuery{
		table:        "calendar_event",
		column:       "due_at_ms",
		stamp:        "notified_ms",
		kind:         notify.KindEventDue,
		nowMs:        nowMs,
		excludeWhere: "AND NOT is_recurring",
	})
	if err != nil {
		return nil, err
	}
	events = append(events, oneShotEvents...)

	recurringEvents, err := s.advanceRecurring(ctx, tx, nowMs)
	if err != nil {
		return nil, err
	}
	events = append(events, recurringEvents...)

	if err := recordScan(ctx, tx, nowMs); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit scan: %w", err)
	}

	for _, ev := range events {
		s.pub.Publish(ev)
	}

	if len(events) > 0 {
		log.Info().Int("notified", len(events)).Int64("windowEndMs", nowMs).Msg("trigger scan tick")
	}

	return events, nil
}

// lockScanState locks the per-class scan_state rows, serializing whole
// ticks across scanner instances: the loser of the race blocks here until
// the winner commits its stamps.
func lockScanState(ctx context.Context, tx pgx.Tx) error {
	rows, err := tx.Query(ctx, `
		SELECT trigger_class
		FROM scan_state
		ORDER BY trigger_class
		FOR UPDATE
	`)
	if err != nil {
		return fmt.Errorf("lock scan state: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool, 3)
	for rows.Next() {
		var class string
		if err := rows.Scan(&class); err != nil {
			return fmt.Errorf("scan scan_state row: %w", err)
		}
		seen[class] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate scan_state: %w", err)
	}

	for _, class := range []string{classReminder, classDeadline, classEvent} {
		if !seen[class] {
			return fmt.Errorf("scan_state row missing for class %q", class)
		}
	}
	return nil
}

func recordScan(ctx context.Context, tx pgx.Tx, nowMs int64) error {
	// Ticks can land out of order across instances; GREATEST keeps the
	// recorded instant monotonic.
	if _, err := tx.Exec(ctx, `
		UPDATE scan_state SET last_scan_ms = GREATEST(last_scan_ms, $1)
	`, nowMs); err != nil {
		return fmt.Errorf("record scan instant: %w", err)
	}
	return nil
}

type oneShotQuery struct {
	table        string
	column       string
	stamp        string
	kind         notify.Kind
	nowMs        int64
	excludeWhere string
}

// scanOneShot selects one-shot triggers whose instant is past and differs
// from the notified stamp, then stamps them in the same transaction. The
// stamp stores the instant, not the notify time, so editing the trigger to
// a new instant re-arms it and repeating the old instant does not.
func scanOneShot(ctx context.Context, tx pgx.Tx, q oneShotQuery) ([]notify.Event, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, COALESCE(payload_json->>'title', ''), `+q.column+`
		FROM `+q.table+`
		WHERE NOT deleted
		  AND `+q.column+` IS NOT NULL
		  AND `+q.column+` < $1
		  AND `+q.column+` IS DISTINCT FROM `+q.stamp+`
		  `+q.excludeWhere+`
		ORDER BY `+q.column+`, id
		FOR UPDATE SKIP LOCKED
	`, q.nowMs)
	if err != nil {
		return nil, fmt.Errorf("scan %s.%s: %w", q.table, q.column, err)
	}

	var events []notify.Event
	var ids []int64
	for rows.Next() {
		var id int64
		var title string
		var dueMs int64
		if err := rows.Scan(&id, &title, &dueMs); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan %s row: %w", q.table, err)
		}
		ids = append(ids, id)
		events = append(events, notify.Event{
			Kind:  q.kind,
			ID:    id,
			Title: title,
			DueAt: syncx.RFC3339(dueMs),
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s rows: %w", q.table, err)
	}

	if len(ids) > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE `+q.table+`
			SET `+q.stamp+` = `+q.column+`
			WHERE id = ANY($1)
		`, ids); err != nil {
			return nil, fmt.Errorf("stamp %s.%s: %w", q.table, q.stamp, err)
		}
	}

	return events, nil
}

// advanceRecurring selects every recurring event at or past due and rolls
// it to its first occurrence after now, in the same transaction. No lower
// window bound: the advance itself guarantees an occurrence is selected at
// most once. The rewrite bumps revision and changed_at, so devices pick up
// the new due instant on their next reconcile.
func (s *Scanner) advanceRecurring(ctx context.Context, tx pgx.Tx, nowMs int64) ([]notify.Event, error) {
	rows, err := tx.Query(ctx, `
		SELECT ce.id, COALESCE(ce.payload_json->>'title', ''), ce.due_at_ms,
		       COALESCE(ce.recurrence, ''), ce.changed_at_ms,
		       COALESCE(os.timezone, 'UTC')
		FROM calendar_event ce
		LEFT JOIN owner_state os ON os.owner_id = ce.owner_id
		WHERE NOT ce.deleted
		  AND ce.is_recurring
		  AND ce.due_at_ms IS NOT NULL
		  AND ce.due_at_ms < $1
		ORDER BY ce.due_at_ms, ce.id
		FOR UPDATE OF ce SKIP LOCKED
	`, nowMs)
	if err != nil {
		return nil, fmt.Errorf("scan recurring events: %w", err)
	}

	type dueRow struct {
		id          int64
		title       string
		dueMs       int64
		pattern     string
		changedAtMs int64
		tz          string
	}
	var due []dueRow
	for rows.Next() {
		var r dueRow
		if err := rows.Scan(&r.id, &r.title, &r.dueMs, &r.pattern, &r.changedAtMs, &r.tz); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan recurring row: %w", err)
		}
		due = append(due, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recurring rows: %w", err)
	}

	var events []notify.Event
	for _, r := range due {
		pattern, ok := recurrence.Parse(r.pattern)
		if !ok {
			log.Warn().Int64("id", r.id).Str("recurrence", r.pattern).Msg("recurring event with unknown pattern, skipping")
			continue
		}

		loc, err := time.LoadLocation(r.tz)
		if err != nil {
			loc = time.UTC
		}

		nextMs := recurrence.NextAfter(r.dueMs, pattern, loc, nowMs)
		changed := syncx.EnsureMonotonicMs(r.changedAtMs, nowMs)

		// dueAtMs lives in the payload; due_at_ms is generated from it.
		if _, err := tx.Exec(ctx, `
			UPDATE calendar_event
			SET payload_json = jsonb_set(payload_json, '{dueAtMs}', to_jsonb($2::bigint)),
			    revision = revision + 1,
			    changed_at_ms = $3
			WHERE id = $1
		`, r.id, nextMs, changed); err != nil {
			return nil, fmt.Errorf("advance recurring event %d: %w", r.id, err)
		}

		events = append(events, notify.Event{
			Kind:  notify.KindEventDue,
			ID:    r.id,
			Title: r.title,
			DueAt: syncx.RFC3339(r.dueMs),
		})
	}

	return events, nil
}
