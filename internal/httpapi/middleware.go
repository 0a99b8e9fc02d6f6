package httpapi

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type contextKey string

const (
	sessionIDKey     contextKey = "sessionId"
	correlationIDKey contextKey = "correlationId"
)

// SessionMiddleware carries the X-Sync-Session header into the request
// context and the contextual logger, so every log line of one device's
// sync session can be grouped. Validation happens later, in
// SessionRequired; an unknown or absent session is simply not tagged here.
func SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.Header.Get("X-Sync-Session")

		if sessionID != "" {
			ctx := context.WithValue(r.Context(), sessionIDKey, sessionID)

			// Extend the contextual logger rather than the root one, keeping
			// the correlation id attached upstream.
			logger := log.Ctx(ctx).With().Str("sessionId", sessionID).Logger()
			ctx = logger.WithContext(ctx)

			r = r.WithContext(ctx)
		}

		next.ServeHTTP(w, r)
	})
}

// GetSessionID returns the sync session id carried by the request context,
// or "" when the client sent none.
func GetSessionID(ctx context.Context) string {
	if sessionID, ok := ctx.Value(sessionIDKey).(string); ok {
		return sessionID
	}
	return ""
}

// CorrelationMiddleware assigns every request a correlation id: the
// client's X-Correlation-ID when present, a fresh UUID otherwise. The id is
// echoed in the response header, stored in the context for writeError, and
// stamped on the contextual logger, so a failed reconcile can be traced
// from a client bug report to its server log lines.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		w.Header().Set("X-Correlation-ID", correlationID)

		ctx := context.WithValue(r.Context(), correlationIDKey, correlationID)

		logger := log.With().Str("correlationId", correlationID).Logger()
		ctx = logger.WithContext(ctx)

		r = r.WithContext(ctx)
		next.ServeHTTP(w, r)
	})
}

// GetCorrelationID returns the request's correlation id, or "" outside a
// request handled by CorrelationMiddleware.
func GetCorrelationID(ctx context.Context) string {
	if correlationID, ok := ctx.Value(correlationIDKey).(string); ok {
		return correlationID
	}
	return ""
}
