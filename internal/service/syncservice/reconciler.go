// Package syncservice implements the reconcile operation that merges a
// client's offline mutation log with the server's current state. One
// Reconciler serves one entity table; the contract and the conflict policy
// are identical across tables.
package syncservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/mkarols/daybook-api/internal/syncx"
)

// Reconciler runs reconcile calls against a single entity table.
type Reconciler struct {
	DB    *pgxpool.Pool
	Table string
	Kind  string

	// validate rejects payloads whose trigger fields would fail the cast
	// to the table's generated columns. Nil when the table has none.
	validate func(map[string]any) error
}

// NewTaskReconciler serves the task table.
func NewTaskReconciler(db *pgxpool.Pool) *Reconciler {
	return &Reconciler{DB: db, Table: "task", Kind: "task", validate: validateTaskPayload}
}

// NewTransactionReconciler serves the transaction_record table.
func NewTransactionReconciler(db *pgxpool.Pool) *Reconciler {
	return &Reconciler{DB: db, Table: "transaction_record", Kind: "transaction"}
}

// NewEventReconciler serves the calendar_event table.
func NewEventReconciler(db *pgxpool.Pool) *Reconciler {
	return &Reconciler{DB: db, Table: "calendar_event", Kind: "event", validate: validateEventPayload}
}

// Reconcile applies the client's mutations and computes the server-side
// delta since watermarkMs, all inside one transaction. Either every
// accepted mutation commits or none does; a storage fault surfaces as an
// error and the client retries with the same clientKeys, which is safe
// because creation is clientKey-idempotent.
func (r *Reconciler) Reconcile(ctx context.Context, ownerID string, watermarkMs int64, muts []Mutation) (*ReconcileResult, error) {
	logger := log.Ctx(ctx).With().Str("entity", r.Kind).Str("ownerId", ownerID).Logger()

	tx, err := r.DB.Begin(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to begin reconcile transaction")
		return nil, fmt.Errorf("begin reconcile: %w", err)
	}
	defer tx.Rollback(ctx)

	// One transaction timestamp for the whole call. It becomes the new
	// watermark and the changed_at stamp of every accepted mutation.
	nowMs := syncx.NowMs()

	res := &ReconcileResult{
		Accepted:      []Record{},
		Rejected:      []Rejection{},
		ServerChanges: []Record{},
		Watermark:     syncx.FormatWatermark(nowMs),
	}
	touched := make(map[int64]struct{}, len(muts))

	for _, m := range muts {
		rec, rej, err := r.applyMutation(ctx, tx, ownerID, nowMs, m)
		if err != nil {
			logger.Error().Err(err).Str("clientKey", m.ClientKey).Msg("mutation failed, aborting reconcile")
			return nil, err
		}
		if rej != nil {
			res.Rejected = append(res.Rejected, *rej)
			continue
		}
		touched[rec.ID] = struct{}{}
		res.Accepted = append(res.Accepted, *rec)
	}

	changes, err := r.serverChanges(ctx, tx, ownerID, watermarkMs, touched)
	if err != nil {
		logger.Error().Err(err).Msg("failed to compute server changes")
		return nil, err
	}
	res.ServerChanges = changes

	if err := tx.Commit(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to commit reconcile")
		return nil, fmt.Errorf("commit reconcile: %w", err)
	}

	logger.Debug().
		Int("accepted", len(res.Accepted)).
		Int("rejected", len(res.Rejected)).
		Int("serverChanges", len(res.ServerChanges)).
		Msg("reconcile complete")

	return res, nil
}

// applyMutation resolves one mutation inside the transaction. The row is
// locked before the revision comparison so two devices racing on the same
// record serialize instead of losing an update.
func (r *Reconciler) applyMutation(ctx context.Context, tx pgx.Tx, ownerID string, nowMs int64, m Mutation) (*Record, *Rejection, error) {
	if m.ClientKey == "" {
		return nil, &Rejection{Reason: ReasonMissingKey}, nil
	}

	if r.validate != nil && m.Payload != nil {
		if err := r.validate(m.Payload); err != nil {
			return nil, nil, fmt.Errorf("mutation %q: %w", m.ClientKey, err)
		}
	}

	var (
		id          int64
		revision    int
		changedAtMs int64
		deleted     bool
	)

	err := tx.QueryRow(ctx, `
		SELECT id, revision, changed_at_ms, deleted
		FROM `+r.Table+`
		WHERE owner_id = $1 AND client_key = $2
		FOR UPDATE
	`, ownerID, m.ClientKey).Scan(&id, &revision, &changedAtMs, &deleted)

	if errors.Is(err, pgx.ErrNoRows) {
		// The clientKey is unknown. If the client names an id, the
		// mutation targets a record it believes exists; anything else is
		// a create.
		if m.ID != nil {
			err = tx.QueryRow(ctx, `
				SELECT id, revision, changed_at_ms, deleted
				FROM `+r.Table+`
				WHERE owner_id = $1 AND id = $2
				FOR UPDATE
			`, ownerID, *m.ID).Scan(&id, &revision, &changedAtMs, &deleted)
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, &Rejection{ClientKey: m.ClientKey, Reason: ReasonNotFound}, nil
			}
			if err != nil {
				return nil, nil, fmt.Errorf("lookup %s by id: %w", r.Table, err)
			}
		} else {
			return r.create(ctx, tx, ownerID, nowMs, m)
		}
	} else if err != nil {
		return nil, nil, fmt.Errorf("lookup %s by client key: %w", r.Table, err)
	}

	return r.update(ctx, tx, ownerID, nowMs, m, id, revision, changedAtMs, deleted)
}

func (r *Reconciler) create(ctx context.Context, tx pgx.Tx, ownerID string, nowMs int64, m Mutation) (*Record, *Rejection, error) {
	payloadJSON, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal payload: %w", err)
	}

	var deletedAtMs *int64
	if m.Deleted {
		// Created and deleted offline before ever reaching the server:
		// materialize straight into a tombstone so other devices converge.
		ms := nowMs
		deletedAtMs = &ms
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO `+r.Table+` (owner_id, client_key, revision, changed_at_ms, deleted, deleted_at_ms, payload_json)
		VALUES ($1, $2, 1, $3, $4, $5, $6)
		RETURNING id
	`, ownerID, m.ClientKey, nowMs, m.Deleted, deletedAtMs, payloadJSON).Scan(&id)
	if err != nil {
		return nil, nil, fmt.Errorf("insert %s: %w", r.Table, err)
	}

	rec := &Record{
		ID:        id,
		ClientKey: m.ClientKey,
		Revision:  1,
		ChangedAt: syncx.RFC3339(nowMs),
		Deleted:   m.Deleted,
		Payload:   m.Payload,
	}
	if deletedAtMs != nil {
		ts := syncx.RFC3339(*deletedAtMs)
		rec.DeletedAt = &ts
	}
	return rec, nil, nil
}

func (r *Reconciler) update(ctx context.Context, tx pgx.Tx, ownerID string, nowMs int64, m Mutation, id int64, revision int, changedAtMs int64, deleted bool) (*Record, *Rejection, error) {
	// Tombstones are permanent: nothing may flip deleted back to false.
	// Surface the tombstone so the client stops resubmitting.
	if deleted {
		state, err := r.loadRecord(ctx, tx, ownerID, id)
		if err != nil {
			return nil, nil, err
		}
		return nil, &Rejection{ClientKey: m.ClientKey, Reason: ReasonTombstoned, ServerState: state}, nil
	}

	if syncx.Decide(revision, m.BelievedRevision) == syncx.DecisionReject {
		state, err := r.loadRecord(ctx, tx, ownerID, id)
		if err != nil {
			return nil, nil, err
		}
		return nil, &Rejection{ClientKey: m.ClientKey, Reason: ReasonStaleRevision, ServerState: state}, nil
	}

	payloadJSON, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal payload: %w", err)
	}

	// Revision bumps and changed_at advances even when the payload is
	// byte-identical to the stored state.
	changed := syncx.EnsureMonotonicMs(changedAtMs, nowMs)

	var deletedAtMs *int64
	if m.Deleted {
		ms := changed
		deletedAtMs = &ms
	}

	var newRevision int
	err = tx.QueryRow(ctx, `
		UPDATE `+r.Table+`
		SET payload_json = $3,
		    revision = revision + 1,
		    changed_at_ms = $4,
		    deleted = $5,
		    deleted_at_ms = $6
		WHERE owner_id = $1 AND id = $2
		RETURNING revision
	`, ownerID, id, payloadJSON, changed, m.Deleted, deletedAtMs).Scan(&newRevision)
	if err != nil {
		return nil, nil, fmt.Errorf("update %s: %w", r.Table, err)
	}

	rec := &Record{
		ID:        id,
		ClientKey: m.ClientKey,
		Revision:  newRevision,
		ChangedAt: syncx.RFC3339(changed),
		Deleted:   m.Deleted,
		Payload:   m.Payload,
	}
	if deletedAtMs != nil {
		ts := syncx.RFC3339(*deletedAtMs)
		rec.DeletedAt = &ts
	}
	return rec, nil, nil
}

// loadRecord reads the authoritative state of one row, tombstone included.
func (r *Reconciler) loadRecord(ctx context.Context, tx pgx.Tx, ownerID string, id int64) (*Record, error) {
	var (
		clientKey   string
		revision    int
		changedAtMs int64
		deleted     bool
		deletedAtMs *int64
		payload     map[string]any
	)

	err := tx.QueryRow(ctx, `
		SELECT client_key, revision, changed_at_ms, deleted, deleted_at_ms, payload_json
		FROM `+r.Table+`
		WHERE owner_id = $1 AND id = $2
	`, ownerID, id).Scan(&clientKey, &revision, &changedAtMs, &deleted, &deletedAtMs, &payload)
	if err != nil {
		return nil, fmt.Errorf("load %s state: %w", r.Table, err)
	}

	rec := &Record{
		ID:        id,
		ClientKey: clientKey,
		Revision:  revision,
		ChangedAt: syncx.RFC3339(changedAtMs),
		Deleted:   deleted,
		Payload:   payload,
	}
	if deletedAtMs != nil {
		ts := syncx.RFC3339(*deletedAtMs)
		rec.DeletedAt = &ts
	}
	return rec, nil
}

// serverChanges returns every record of the owner changed since the
// watermark, tombstones included. Rows written by this call are skipped
// so a client never receives its own mutations echoed back.
func (r *Reconciler) serverChanges(ctx context.Context, tx pgx.Tx, ownerID string, watermarkMs int64, touched map[int64]struct{}) ([]Record, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, client_key, revision, changed_at_ms, deleted, deleted_at_ms, payload_json
		FROM `+r.Table+`
		WHERE owner_id = $1 AND changed_at_ms > $2
		ORDER BY changed_at_ms, id
	`, ownerID, watermarkMs)
	if err != nil {
		return nil, fmt.Errorf("query %s changes: %w", r.Table, err)
	}
	defer rows.Close()

	changes := []Record{}
	for rows.Next() {
		var (
			id          int64
			clientKey   string
			revision    int
			changedAtMs int64
			deleted     bool
			deletedAtMs *int64
			payload     map[string]any
		)
		if err := rows.Scan(&id, &clientKey, &revision, &changedAtMs, &deleted, &deletedAtMs, &payload); err != nil {
			return nil, fmt.Errorf("scan %s change: %w", r.Table, err)
		}

		if _, ok := touched[id]; ok {
			continue
		}

		rec := Record{
			ID:        id,
			ClientKey: clientKey,
			Revision:  revision,
			ChangedAt: syncx.RFC3339(changedAtMs),
			Deleted:   deleted,
			Payload:   payload,
		}
		if deletedAtMs != nil {
			ts := syncx.RFC3339(*deletedAtMs)
			rec.DeletedAt = &ts
		}
		changes = append(changes, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s changes: %w", r.Table, err)
	}

	return changes, nil
}
