// Package recurrence computes the next occurrence of a recurring calendar
// event. Steps are taken in the owner's timezone so that a "daily at 09:00"
// event stays at 09:00 wall clock across DST transitions, and monthly/yearly
// steps land on the same day-of-month regardless of the server host zone.
package recurrence

import "time"

// Pattern is a recurrence interval.
type Pattern string

const (
	Daily   Pattern = "daily"
	Weekly  Pattern = "weekly"
	Monthly Pattern = "monthly"
	Yearly  Pattern = "yearly"
)

// Parse validates a recurrence pattern string.
func Parse(s string) (Pattern, bool) {
	switch Pattern(s) {
	case Daily, Weekly, Monthly, Yearly:
		return Pattern(s), true
	}
	return "", false
}

// Next returns the occurrence one pattern interval after dueMs, computed in
// loc. Day and larger steps use calendar arithmetic (time.AddDate), so the
// wall-clock time of day is preserved across DST boundaries.
func Next(dueMs int64, p Pattern, loc *time.Location) int64 {
	if loc == nil {
		loc = time.UTC
	}
	t := time.UnixMilli(dueMs).In(loc)

	switch p {
	case Daily:
		t = t.AddDate(0, 0, 1)
	case Weekly:
		t = t.AddDate(0, 0, 7)
	case Monthly:
		t = t.AddDate(0, 1, 0)
	case Yearly:
		t = t.AddDate(1, 0, 0)
	default:
		return dueMs
	}
	return t.UnixMilli()
}

// NextAfter advances dueMs by whole pattern intervals until it is strictly
// later than afterMs. Used by the scanner to roll a trigger past a backlog
// in one step instead of one interval per tick.
func NextAfter(dueMs int64, p Pattern, loc *time.Location, afterMs int64) int64 {
	next := Next(dueMs, p, loc)
	for next <= afterMs {
		advanced := Next(next, p, loc)
		if advanced <= next {
			// Defend against a pattern that fails to move forward.
			break
		}
		next = advanced
	}
	return next
}
