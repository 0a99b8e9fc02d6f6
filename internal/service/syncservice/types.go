package syncservice

// Mutation is one locally-made create/update/delete from a client's
// offline log.
type Mutation struct {
	ClientKey        string         `json:"clientKey"`
	ID               *int64         `json:"id"`
	BelievedRevision int            `json:"believedRevision"`
	Deleted          bool           `json:"deleted"`
	Payload          map[string]any `json:"payload"`
}

// Record is an entity with its change-tracking metadata exposed.
type Record struct {
	ID        int64          `json:"id"`
	ClientKey string         `json:"clientKey"`
	Revision  int            `json:"revision"`
	ChangedAt string         `json:"changedAt"`
	Deleted   bool           `json:"deleted"`
	DeletedAt *string        `json:"deletedAt,omitempty"`
	Payload   map[string]any `json:"payload"`
}

// Rejection reasons. Conflicts are data, not errors: a rejected mutation
// travels back to the client with the current server state attached.
const (
	ReasonStaleRevision = "stale_revision"
	ReasonTombstoned    = "tombstoned"
	ReasonNotFound      = "not_found"
	ReasonMissingKey    = "missing_client_key"
)

// Rejection is a refused mutation plus the server state the client needs
// to rebase or discard its edit.
type Rejection struct {
	ClientKey   string  `json:"clientKey"`
	Reason      string  `json:"reason"`
	ServerState *Record `json:"serverState,omitempty"`
}

// ReconcileResult is the full outcome of one reconcile call.
type ReconcileResult struct {
	Accepted      []Record    `json:"accepted"`
	Rejected      []Rejection `json:"rejected"`
	ServerChanges []Record    `json:"serverChanges"`
	Watermark     string      `json:"watermark"`
}
