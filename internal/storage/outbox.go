package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/bunrui/internal/model"
)

const outboxColumns = `id, run_id, ai_tool_type, run_status, state, attempts, last_error, created_at, updated_at`

// ClaimDispatchEntries locks and returns up to batchSize pending outbox
// entries that are due for delivery. FOR UPDATE SKIP LOCKED lets concurrent
// workers claim disjoint batches; locked_until keeps an entry invisible to
// other claims while a delivery is in flight. The claim transaction is
// replayed under WithRetry on deadlock or serialization failure.
func (db *DB) ClaimDispatchEntries(ctx context.Context, batchSize, maxAttempts int, lockFor time.Duration) ([]model.DispatchEntry, error) {
	var entries []model.DispatchEntry
	err := WithRetry(ctx, txMaxRetries, txRetryBase, func() error {
		var err error
		entries, err = db.claimDispatchEntriesTx(ctx, batchSize, maxAttempts, lockFor)
		return err
	})
	return entries, err
}

func (db *DB) claimDispatchEntriesTx(ctx context.Context, batchSize, maxAttempts int, lockFor time.Duration) ([]model.DispatchEntry, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: claim dispatch: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT `+outboxColumns+`
		 FROM dispatch_outbox
		 WHERE state = $1
		   AND (locked_until IS NULL OR locked_until < now())
		   AND attempts < $2
		 ORDER BY created_at ASC
		 LIMIT $3
		 FOR UPDATE SKIP LOCKED`,
		model.DispatchStatePending, maxAttempts, batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: claim dispatch: query: %w", err)
	}
	entries, err := scanDispatchEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE dispatch_outbox SET locked_until = now() + $1 WHERE id = ANY($2)`,
		lockFor, ids,
	); err != nil {
		return nil, fmt.Errorf("storage: claim dispatch: lock: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: claim dispatch: commit: %w", err)
	}
	return entries, nil
}

// MarkDispatchDelivered settles an entry after a successful delivery.
func (db *DB) MarkDispatchDelivered(ctx context.Context, id int64) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE dispatch_outbox
		 SET state = $1, attempts = attempts + 1, last_error = NULL,
		     locked_until = NULL, updated_at = now()
		 WHERE id = $2`,
		model.DispatchStateDelivered, id,
	); err != nil {
		return fmt.Errorf("storage: mark delivered: %w", err)
	}
	return nil
}

// MarkDispatchFailed records a failed delivery attempt. Below maxAttempts the
// entry stays pending with exponential backoff written as locked_until
// (capped at 5 minutes); at maxAttempts it moves to the failed state, which
// is the operator-visible DispatchFailed annotation. The run's own status is
// never touched from here.
func (db *DB) MarkDispatchFailed(ctx context.Context, id int64, errMsg string, maxAttempts int) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE dispatch_outbox
		 SET attempts = attempts + 1,
		     last_error = $1,
		     state = CASE WHEN attempts + 1 >= $2 THEN 'failed' ELSE state END,
		     locked_until = now() + LEAST(POWER(2, attempts + 1), 300) * interval '1 second',
		     updated_at = now()
		 WHERE id = $3`,
		errMsg, maxAttempts, id,
	); err != nil {
		return fmt.Errorf("storage: mark failed: %w", err)
	}
	return nil
}

// MarkDispatchDeferred parks an entry whose tool-type code is unknown to this
// process. Deferred entries are reported, never dropped; a later deployment
// that registers the code re-arms them via RearmDeferredDispatches.
func (db *DB) MarkDispatchDeferred(ctx context.Context, id int64, reason string) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE dispatch_outbox
		 SET state = $1, last_error = $2, locked_until = NULL, updated_at = now()
		 WHERE id = $3`,
		model.DispatchStateDeferred, reason, id,
	); err != nil {
		return fmt.Errorf("storage: mark deferred: %w", err)
	}
	return nil
}

// RearmDeferredDispatches moves deferred entries whose codes this process now
// knows back to pending. Called once at worker startup, after the registry is
// fully populated. Returns the number of re-armed entries.
func (db *DB) RearmDeferredDispatches(ctx context.Context, knownCodes []int) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE dispatch_outbox
		 SET state = $1, attempts = 0, last_error = NULL, locked_until = NULL, updated_at = now()
		 WHERE state = $2 AND ai_tool_type = ANY($3)`,
		model.DispatchStatePending, model.DispatchStateDeferred, knownCodes,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: rearm deferred: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListDispatchEntries returns all outbox entries for a run, oldest first.
// Used to annotate run reads with dispatch outcomes.
func (db *DB) ListDispatchEntries(ctx context.Context, runID uuid.UUID) ([]model.DispatchEntry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+outboxColumns+` FROM dispatch_outbox WHERE run_id = $1 ORDER BY created_at ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list dispatch entries: %w", err)
	}
	return scanDispatchEntries(rows)
}

// CountPendingDispatches returns the outbox depth, for health and metrics.
func (db *DB) CountPendingDispatches(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM dispatch_outbox WHERE state = $1`,
		model.DispatchStatePending,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count pending dispatches: %w", err)
	}
	return n, nil
}

func scanDispatchEntries(rows pgx.Rows) ([]model.DispatchEntry, error) {
	defer rows.Close()
	var entries []model.DispatchEntry
	for rows.Next() {
		var e model.DispatchEntry
		if err := rows.Scan(
			&e.ID, &e.RunID, &e.ToolType, &e.RunStatus, &e.State,
			&e.Attempts, &e.LastError, &e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan dispatch entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
