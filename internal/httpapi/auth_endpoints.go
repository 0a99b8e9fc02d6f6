package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/mkarols/daybook-api/internal/auth"
)

type codeRequest struct {
	Email string `json:"email"`
}

type codeResponse struct {
	Status string `json:"status"`
	// Code is populated only in dev mode, where no mail delivery exists.
	Code string `json:"code,omitempty"`
}

type tokenRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// RequestCode handles POST /v1/auth/code.
// Issues a short-lived one-time passcode for the given email address.
// Delivery is out of band; in dev mode the code is echoed in the response.
func (s *Server) RequestCode(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		writeError(w, r, http.StatusBadRequest, "valid email required")
		return
	}

	code, err := s.Codes.Issue(email)
	if err != nil {
		log.Error().Err(err).Msg("Failed to issue passcode")
		writeError(w, r, http.StatusInternalServerError, "failed to issue code")
		return
	}

	log.Info().Str("email", email).Msg("passcode issued")

	resp := codeResponse{Status: "sent"}
	if s.jwtCfg.DevMode {
		resp.Code = code
	}
	writeJSON(w, http.StatusOK, resp)
}

// ExchangeCode handles POST /v1/auth/token.
// Exchanges a one-time passcode for a bearer token.
func (s *Server) ExchangeCode(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Code == "" {
		writeError(w, r, http.StatusBadRequest, "email and code required")
		return
	}

	if !s.Codes.Verify(email, req.Code) {
		log.Warn().Str("email", email).Msg("passcode verification failed")
		writeError(w, r, http.StatusUnauthorized, "invalid or expired code")
		return
	}

	tok, err := auth.IssueToken(email, s.jwtCfg)
	if err != nil {
		log.Error().Err(err).Str("email", email).Msg("Failed to issue token")
		writeError(w, r, http.StatusInternalServerError, "failed to issue token")
		return
	}

	ttl := s.jwtCfg.TokenTTL
	if ttl <= 0 {
		ttl = auth.DefaultTokenTTL
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: tok,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ttl.Seconds()),
	})
}
