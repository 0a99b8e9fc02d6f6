package syncx

import (
	"strconv"
	"time"
)

// The sync watermark is the changed_at instant a client last confirmed
// receiving. It travels as an RFC3339 timestamp in request/response bodies
// and as Unix milliseconds in storage. An absent watermark means epoch:
// "send everything".

// ParseWatermark converts a client-supplied watermark to Unix milliseconds.
// Accepts RFC3339 or numeric milliseconds; empty string means epoch (0).
// Returns false only for a non-empty value that cannot be parsed.
func ParseWatermark(s string) (int64, bool) {
	if s == "" {
		return 0, true
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC().UnixMilli(), true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC().UnixMilli(), true
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, true
	}
	return 0, false
}

// FormatWatermark renders a millisecond watermark as RFC3339 for responses.
func FormatWatermark(ms int64) string {
	return RFC3339(ms)
}

// RFC3339 converts Unix milliseconds to an RFC3339 timestamp string
func RFC3339(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}

// NowMs returns current Unix milliseconds timestamp (UTC)
func NowMs() int64 {
	return time.Now().UTC().UnixMilli()
}

// EnsureMonotonicMs returns a changed_at stamp strictly greater than the
// row's existing one. The server clock normally wins; the +1 path only
// matters when two writes land inside the same millisecond or the clock
// stepped backwards.
func EnsureMonotonicMs(existing, candidate int64) int64 {
	if candidate > existing {
		return candidate
	}
	return existing + 1
}
