package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mkarols/daybook-api/internal/auth"
	"github.com/mkarols/daybook-api/internal/service/syncservice"
	"github.com/mkarols/daybook-api/internal/syncx"
)

// reconcileReq is the request body for reconcile endpoints. A null or
// absent watermark means epoch: the client wants everything.
type reconcileReq struct {
	Watermark *string                `json:"watermark"`
	Mutations []syncservice.Mutation `json:"mutations"`
}

// handleReconcile serves POST /v1/sync/{entity}/reconcile. One handler
// covers all entity types; the conflict policy and response shape are
// deliberately identical across them.
func (s *Server) handleReconcile(svc *syncservice.Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := auth.UserID(r.Context())
		ctx := r.Context()

		var req reconcileReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("invalid reconcile request body")
			writeError(w, r, http.StatusBadRequest, "invalid json")
			return
		}

		watermark := ""
		if req.Watermark != nil {
			watermark = *req.Watermark
		}
		watermarkMs, ok := syncx.ParseWatermark(watermark)
		if !ok {
			writeError(w, r, http.StatusBadRequest, "invalid watermark")
			return
		}

		res, err := svc.Reconcile(ctx, userID, watermarkMs, req.Mutations)
		if err != nil {
			if errors.Is(err, syncservice.ErrInvalidPayload) {
				writeError(w, r, http.StatusBadRequest, err.Error())
				return
			}
			// The whole call is atomic: nothing was applied. Retrying with
			// the same clientKeys is safe.
			writeError(w, r, http.StatusInternalServerError, "reconcile failed, retry with the same mutations")
			return
		}

		writeJSON(w, http.StatusOK, res)
	}
}
