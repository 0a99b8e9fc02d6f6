package syncservice

import (
	"errors"
	"fmt"

	"github.com/mkarols/daybook-api/internal/recurrence"
)

// ErrInvalidPayload marks a mutation whose payload would not survive
// storage: trigger fields are cast to typed columns on write, so a
// malformed value must fail the call as a client error before the
// transaction touches any row.
var ErrInvalidPayload = errors.New("invalid payload")

// msField checks that an optional payload field holds a millisecond
// timestamp. JSON numbers decode to float64; direct service callers may
// pass Go integers.
func msField(p map[string]any, field string) error {
	v, ok := p[field]
	if !ok || v == nil {
		return nil
	}
	switch n := v.(type) {
	case float64:
		if n != float64(int64(n)) {
			return fmt.Errorf("%w: %s must be integer milliseconds", ErrInvalidPayload, field)
		}
	case int, int64:
	default:
		return fmt.Errorf("%w: %s must be a number, got %T", ErrInvalidPayload, field, v)
	}
	return nil
}

func boolField(p map[string]any, field string) error {
	v, ok := p[field]
	if !ok || v == nil {
		return nil
	}
	if _, ok := v.(bool); !ok {
		return fmt.Errorf("%w: %s must be a boolean, got %T", ErrInvalidPayload, field, v)
	}
	return nil
}

func validateTaskPayload(p map[string]any) error {
	if err := msField(p, "remindAtMs"); err != nil {
		return err
	}
	return msField(p, "dueAtMs")
}

func validateEventPayload(p map[string]any) error {
	if err := msField(p, "dueAtMs"); err != nil {
		return err
	}
	if err := boolField(p, "isRecurring"); err != nil {
		return err
	}
	v, ok := p["recurrence"]
	if !ok || v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("%w: recurrence must be a string, got %T", ErrInvalidPayload, v)
	}
	if s == "" {
		return nil
	}
	if _, ok := recurrence.Parse(s); !ok {
		return fmt.Errorf("%w: unknown recurrence %q", ErrInvalidPayload, s)
	}
	return nil
}
