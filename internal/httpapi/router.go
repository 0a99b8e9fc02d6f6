package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/mkarols/daybook-api/internal/auth"
	"github.com/mkarols/daybook-api/internal/authcode"
	"github.com/mkarols/daybook-api/internal/notify"
	"github.com/mkarols/daybook-api/internal/service/syncservice"
)

// Server holds dependencies for HTTP handlers
type Server struct {
	DB              *pgxpool.Pool
	Notify          *notify.Hub
	Codes           *authcode.Store
	Sessions        *SessionStore
	RateLimitConfig RateLimitInfo

	jwtCfg auth.JWTCfg
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError writes a structured JSON error, carrying the correlation id so
// clients can quote it in bug reports.
func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, map[string]any{
		"error":          msg,
		"correlation_id": GetCorrelationID(r.Context()),
	})
}

// Routes creates the HTTP router with all endpoints
func (s *Server) Routes(jwt auth.JWTCfg) http.Handler {
	s.jwtCfg = jwt
	if s.Sessions == nil {
		s.Sessions = NewSessionStore(0)
	}
	if s.RateLimitConfig == (RateLimitInfo{}) {
		s.RateLimitConfig = DefaultRateLimitConfig
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(CorrelationMiddleware)
	r.Use(SessionMiddleware)

	// Health check (unauthenticated)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})

	// Capability discovery (unauthenticated)
	r.Get("/v1/info", s.Info)

	// Passcode login (unauthenticated by definition)
	r.Post("/v1/auth/code", s.RequestCode)
	r.Post("/v1/auth/token", s.ExchangeCode)

	// Everything else requires authentication
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.DB, jwt))

		// Sync sessions
		r.Post("/v1/sync/sessions", s.BeginSession)
		r.Get("/v1/sync/sessions/{id}", s.GetSession)
		r.Delete("/v1/sync/sessions/{id}", s.EndSession)

		// Sync state and account management
		r.Get("/v1/sync/state", s.GetSyncState)
		r.Post("/v1/account/wipe", s.WipeAccount)
		r.Put("/v1/account/timezone", s.SetTimezone)

		// Trigger notification stream
		if s.Notify != nil {
			r.Get("/v1/notifications/ws", s.Notify.Handler())
		}

		// Reconcile endpoints: session, epoch, and rate limit enforced
		r.Group(func(r chi.Router) {
			r.Use(s.SessionRequired)
			r.Use(EpochRequired(s.DB))
			r.Use(RateLimitMiddleware(s.RateLimitConfig))

			r.Post("/v1/sync/tasks/reconcile", s.handleReconcile(syncservice.NewTaskReconciler(s.DB)))
			r.Post("/v1/sync/transactions/reconcile", s.handleReconcile(syncservice.NewTransactionReconciler(s.DB)))
			r.Post("/v1/sync/events/reconcile", s.handleReconcile(syncservice.NewEventReconciler(s.DB)))
		})
	})

	log.Info().Msg("HTTP routes registered")
	return r
}
