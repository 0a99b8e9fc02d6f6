package httpapi

import (
	"net/http"
	"time"
)

// ServerInfo represents the server's capabilities and configuration
type ServerInfo struct {
	APIVersion       string                      `json:"apiVersion"`
	ServerTime       string                      `json:"serverTime"`
	Entities         map[string]EntityCapability `json:"entities"`
	Locking          LockingCapability           `json:"locking"`
	MinClientVersion string                      `json:"minClientVersion"`
	RateLimit        *RateLimitInfo              `json:"rateLimit,omitempty"`
	Hints            *SyncHints                  `json:"hints,omitempty"`
}

// RateLimitInfo describes the server's rate limiting policy
type RateLimitInfo struct {
	WindowSeconds int `json:"windowSeconds"` // e.g. 60
	MaxRequests   int `json:"maxRequests"`   // per window
	Burst         int `json:"burst"`         // token bucket size
}

// DefaultRateLimitConfig is the policy applied when none is configured.
var DefaultRateLimitConfig = RateLimitInfo{
	WindowSeconds: 60,
	MaxRequests:   600,
	Burst:         120,
}

// SyncHints provides recommendations for client behavior
type SyncHints struct {
	RecommendedBatch int `json:"recommendedBatch"` // safe mutation batch size
	BackoffMsOn429   int `json:"backoffMsOn429"`   // default backoff if Retry-After missing
}

// EntityCapability describes capabilities for a specific entity type
type EntityCapability struct {
	Reconcile bool `json:"reconcile"` // reconcile endpoint enabled
	MaxBatch  int  `json:"maxBatch"`  // max mutations per reconcile call
	Recurring bool `json:"recurring"` // server advances recurring instances
}

// LockingCapability describes sync locking/session support
type LockingCapability struct {
	Supported bool   `json:"supported"`
	Mode      string `json:"mode"` // "session" or "none"
}

// Info handles GET /v1/info
// Returns server capabilities, API version, and supported features
// This endpoint can be called without authentication to allow capability discovery
func (s *Server) Info(w http.ResponseWriter, r *http.Request) {
	info := ServerInfo{
		APIVersion: "1.0",
		ServerTime: time.Now().UTC().Format(time.RFC3339Nano),
		Entities: map[string]EntityCapability{
			"tasks": {
				Reconcile: true,
				MaxBatch:  500,
			},
			"transactions": {
				Reconcile: true,
				MaxBatch:  500,
			},
			"events": {
				Reconcile: true,
				MaxBatch:  500,
				Recurring: true,
			},
		},
		Locking: LockingCapability{
			Supported: true,
			Mode:      "session",
		},
		MinClientVersion: "0.1.0",
		RateLimit:        &s.RateLimitConfig,
		Hints: &SyncHints{
			RecommendedBatch: 500,
			BackoffMsOn429:   1500,
		},
	}

	writeJSON(w, http.StatusOK, info)
}
