package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mkarols/daybook-api/internal/auth"
)

type timezoneRequest struct {
	Timezone string `json:"timezone"` // IANA zone name, e.g. "America/New_York"
}

// SetTimezone handles PUT /v1/account/timezone.
// The stored zone decides the wall-clock interpretation of recurring events
// when the scanner advances them.
func (s *Server) SetTimezone(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req timezoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	if _, err := time.LoadLocation(req.Timezone); err != nil || req.Timezone == "" {
		writeError(w, r, http.StatusBadRequest, "unknown timezone: "+req.Timezone)
		return
	}

	_, err := s.DB.Exec(r.Context(), `
		INSERT INTO owner_state(owner_id, timezone, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (owner_id) DO UPDATE
			SET timezone = EXCLUDED.timezone,
				updated_at = NOW()
	`, userID, req.Timezone)
	if err != nil {
		log.Error().Err(err).Str("userId", userID).Msg("Failed to update timezone")
		writeError(w, r, http.StatusInternalServerError, "timezone update failed")
		return
	}

	log.Info().Str("userId", userID).Str("timezone", req.Timezone).Msg("timezone updated")

	writeJSON(w, http.StatusOK, map[string]string{"timezone": req.Timezone})
}
