package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/bunrui/internal/model"
	"github.com/ashita-ai/bunrui/internal/tooltype"
)

const runColumns = `id, app_id, ai_tool_type, status, payload, created_at, updated_at`

// CreateRun inserts a new run and returns it. Classification and the initial
// pending status land in the same INSERT: a run is never observable in a
// classified-but-stateless condition, and this INSERT is the only writer of
// ai_tool_type anywhere in the codebase.
//
// The code is checked against the registry here, at the write itself. Reads
// and transitions tolerate unknown codes (rows written by newer deployments),
// but this process never creates one: an unregistered code fails with
// ErrInvalidToolType and nothing is persisted.
func (db *DB) CreateRun(ctx context.Context, appID string, toolType int, payload map[string]any) (model.RunRecord, error) {
	if !db.registry.IsValidForCreation(toolType) {
		return model.RunRecord{}, fmt.Errorf("storage: create run with code %d: %w", toolType, ErrInvalidToolType)
	}

	now := time.Now().UTC()
	run := model.RunRecord{
		ID:        uuid.New(),
		AppID:     appID,
		ToolType:  toolType,
		Status:    model.RunStatusPending,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if run.Payload == nil {
		run.Payload = map[string]any{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO app_runs (id, app_id, ai_tool_type, status, payload, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.AppID, run.ToolType, string(run.Status), run.Payload, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return model.RunRecord{}, fmt.Errorf("storage: create run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by ID. Rows whose ai_tool_type is unknown to this
// process scan like any other: forward compatibility is the reader's problem,
// not the store's.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.RunRecord, error) {
	var run model.RunRecord
	err := db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM app_runs WHERE id = $1`, id,
	).Scan(
		&run.ID, &run.AppID, &run.ToolType, &run.Status, &run.Payload, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RunRecord{}, fmt.Errorf("storage: get run %s: %w", id, ErrNotFound)
		}
		return model.RunRecord{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// UpdateRunStatus applies one status transition under the run state machine
// and returns the updated record.
//
// The row is locked with SELECT ... FOR UPDATE so mutations on one run are
// serialized (single-writer-per-row): two racing terminal writes cannot both
// win. Illegal transitions return ErrInvalidTransition and leave the row
// unchanged. When an AI-classified run reaches a terminal status, a dispatch
// outbox entry is enqueued in the same transaction; the UNIQUE
// (run_id, run_status) constraint makes that enqueue exactly-once per
// transition even across retries. Regular runs (code 0) are never enqueued.
//
// The whole transaction is replayed under WithRetry when Postgres reports a
// deadlock or serialization failure; state-machine rejections are not
// retried.
func (db *DB) UpdateRunStatus(ctx context.Context, id uuid.UUID, newStatus model.RunStatus) (model.RunRecord, error) {
	var run model.RunRecord
	err := WithRetry(ctx, txMaxRetries, txRetryBase, func() error {
		var err error
		run, err = db.updateRunStatusTx(ctx, id, newStatus)
		return err
	})
	return run, err
}

func (db *DB) updateRunStatusTx(ctx context.Context, id uuid.UUID, newStatus model.RunStatus) (model.RunRecord, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.RunRecord{}, fmt.Errorf("storage: update status: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var run model.RunRecord
	err = tx.QueryRow(ctx,
		`SELECT `+runColumns+` FROM app_runs WHERE id = $1 FOR UPDATE`, id,
	).Scan(
		&run.ID, &run.AppID, &run.ToolType, &run.Status, &run.Payload, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RunRecord{}, fmt.Errorf("storage: update status of %s: %w", id, ErrNotFound)
		}
		return model.RunRecord{}, fmt.Errorf("storage: update status: lock row: %w", err)
	}

	if !model.CanTransition(run.Status, newStatus) {
		return model.RunRecord{}, fmt.Errorf("storage: %s -> %s on run %s: %w", run.Status, newStatus, id, ErrInvalidTransition)
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`UPDATE app_runs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(newStatus), now, id,
	); err != nil {
		return model.RunRecord{}, fmt.Errorf("storage: update status: %w", err)
	}
	run.Status = newStatus
	run.UpdatedAt = now

	if newStatus.IsTerminal() && run.ToolType != tooltype.CodeRegularApp {
		if _, err := tx.Exec(ctx,
			`INSERT INTO dispatch_outbox (run_id, ai_tool_type, run_status)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (run_id, run_status) DO NOTHING`,
			run.ID, run.ToolType, string(newStatus),
		); err != nil {
			return model.RunRecord{}, fmt.Errorf("storage: enqueue dispatch: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.RunRecord{}, fmt.Errorf("storage: update status: commit: %w", err)
	}
	return run, nil
}

// ListRunsByToolType returns up to limit runs with the given classification,
// ordered by created_at ascending, starting after the cursor position. The
// returned cursor restarts the listing at the next row; it is empty-valued
// when the page was short (listing exhausted).
func (db *DB) ListRunsByToolType(ctx context.Context, code int, cursor model.Cursor, limit int) ([]model.RunRecord, model.Cursor, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var (
		rows pgx.Rows
		err  error
	)
	if cursor.IsZero() {
		rows, err = db.pool.Query(ctx,
			`SELECT `+runColumns+` FROM app_runs
			 WHERE ai_tool_type = $1
			 ORDER BY created_at ASC, id ASC
			 LIMIT $2`,
			code, limit,
		)
	} else {
		rows, err = db.pool.Query(ctx,
			`SELECT `+runColumns+` FROM app_runs
			 WHERE ai_tool_type = $1 AND (created_at, id) > ($2, $3)
			 ORDER BY created_at ASC, id ASC
			 LIMIT $4`,
			code, cursor.CreatedAt, cursor.ID, limit,
		)
	}
	if err != nil {
		return nil, model.Cursor{}, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.RunRecord
	for rows.Next() {
		var r model.RunRecord
		if err := rows.Scan(
			&r.ID, &r.AppID, &r.ToolType, &r.Status, &r.Payload, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, model.Cursor{}, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Cursor{}, fmt.Errorf("storage: list runs: %w", err)
	}

	var next model.Cursor
	if len(runs) == limit {
		last := runs[len(runs)-1]
		next = model.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return runs, next, nil
}
