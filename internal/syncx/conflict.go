package syncx

// Decision is the outcome of comparing a client mutation against the
// server's current revision for the same record.
type Decision int

const (
	// DecisionAccept applies the mutation and bumps the server revision.
	DecisionAccept Decision = iota
	// DecisionReject refuses the mutation; the caller returns the current
	// server state so the client can rebase or discard its edit.
	DecisionReject
)

// Decide is the conflict resolution policy, identical for every entity
// type. Revisions are server-assigned and strictly increase on every
// accepted write, so a plain integer comparison is enough:
//
//   - clientBelievedRevision == 0: the record is new on the client; accept
//     as a create.
//   - clientBelievedRevision >= serverRevision: the client edited on top of
//     the latest state; accept. Equal is the normal case. Greater should
//     not happen (it points at a wipe/reset race) and is allowed through;
//     the epoch check is the guard for that state, not this policy.
//   - clientBelievedRevision < serverRevision: the server holds a write the
//     client never saw; reject. No field-level merge is attempted.
//
// Deletes run through the same comparison. A delete against a stale
// revision is rejected exactly like an update would be.
func Decide(serverRevision, clientBelievedRevision int) Decision {
	if clientBelievedRevision == 0 {
		return DecisionAccept
	}
	if clientBelievedRevision >= serverRevision {
		return DecisionAccept
	}
	return DecisionReject
}
