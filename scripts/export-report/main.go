// Command export-report snapshots the run classification tables into a local
// SQLite file for offline analysis. It copies app_runs and dispatch_outbox
// and precomputes a per-tool-type summary so ops can query run volumes and
// dispatch health without touching the production database.
//
// Usage:
//
//	DATABASE_URL=postgres://... go run ./scripts/export-report [out.db]
//
// The output file defaults to bunrui-report.db. An existing file with the
// same name is overwritten.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	_ "modernc.org/sqlite"
)

const reportSchema = `
CREATE TABLE runs (
	id TEXT PRIMARY KEY,
	app_id TEXT NOT NULL,
	ai_tool_type INTEGER NOT NULL,
	status TEXT NOT NULL,
	payload TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE dispatches (
	id INTEGER PRIMARY KEY,
	run_id TEXT NOT NULL,
	ai_tool_type INTEGER NOT NULL,
	run_status TEXT NOT NULL,
	state TEXT NOT NULL,
	attempts INTEGER NOT NULL,
	last_error TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE tool_type_summary (
	ai_tool_type INTEGER PRIMARY KEY,
	total_runs INTEGER NOT NULL,
	terminal_runs INTEGER NOT NULL,
	pending_dispatches INTEGER NOT NULL,
	deferred_dispatches INTEGER NOT NULL,
	failed_dispatches INTEGER NOT NULL
);
`

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	outPath := "bunrui-report.db"
	if len(os.Args) > 1 {
		outPath = os.Args[1]
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()

	_ = os.Remove(outPath)
	out, err := sql.Open("sqlite", outPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", outPath, err)
	}
	defer func() { _ = out.Close() }()

	if _, err := out.Exec(reportSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	runCount, err := copyRuns(ctx, pool, out)
	if err != nil {
		return fmt.Errorf("copy runs: %w", err)
	}
	dispatchCount, err := copyDispatches(ctx, pool, out)
	if err != nil {
		return fmt.Errorf("copy dispatches: %w", err)
	}
	if err := buildSummary(out); err != nil {
		return fmt.Errorf("build summary: %w", err)
	}

	fmt.Printf("wrote %s: %d runs, %d dispatch entries\n", outPath, runCount, dispatchCount)
	return nil
}

func copyRuns(ctx context.Context, pool *pgxpool.Pool, out *sql.DB) (int, error) {
	rows, err := pool.Query(ctx,
		`SELECT id, app_id, ai_tool_type, status, payload, created_at, updated_at
		 FROM app_runs
		 ORDER BY created_at ASC`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	tx, err := out.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(
		`INSERT INTO runs (id, app_id, ai_tool_type, status, payload, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer func() { _ = stmt.Close() }()

	var n int
	for rows.Next() {
		var (
			id, appID, status    string
			toolType             int
			payload              map[string]any
			createdAt, updatedAt time.Time
		)
		if err := rows.Scan(&id, &appID, &toolType, &status, &payload, &createdAt, &updatedAt); err != nil {
			return 0, err
		}

		var payloadJSON *string
		if payload != nil {
			b, err := json.Marshal(payload)
			if err != nil {
				return 0, err
			}
			s := string(b)
			payloadJSON = &s
		}

		if _, err := stmt.Exec(id, appID, toolType, status, payloadJSON,
			createdAt.UTC().Format(time.RFC3339Nano), updatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return 0, err
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func copyDispatches(ctx context.Context, pool *pgxpool.Pool, out *sql.DB) (int, error) {
	rows, err := pool.Query(ctx,
		`SELECT id, run_id, ai_tool_type, run_status, state, attempts, last_error, created_at, updated_at
		 FROM dispatch_outbox
		 ORDER BY id ASC`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	tx, err := out.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(
		`INSERT INTO dispatches (id, run_id, ai_tool_type, run_status, state, attempts, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer func() { _ = stmt.Close() }()

	var n int
	for rows.Next() {
		var (
			id                   int64
			runID, runStatus     string
			state                string
			toolType, attempts   int
			lastError            *string
			createdAt, updatedAt time.Time
		)
		if err := rows.Scan(&id, &runID, &toolType, &runStatus, &state, &attempts, &lastError, &createdAt, &updatedAt); err != nil {
			return 0, err
		}
		if _, err := stmt.Exec(id, runID, toolType, runStatus, state, attempts, lastError,
			createdAt.UTC().Format(time.RFC3339Nano), updatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return 0, err
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func buildSummary(out *sql.DB) error {
	_, err := out.Exec(`
		INSERT INTO tool_type_summary
		SELECT
			r.ai_tool_type,
			COUNT(*),
			SUM(CASE WHEN r.status IN ('succeeded', 'failed', 'cancelled') THEN 1 ELSE 0 END),
			(SELECT COUNT(*) FROM dispatches d WHERE d.ai_tool_type = r.ai_tool_type AND d.state = 'pending'),
			(SELECT COUNT(*) FROM dispatches d WHERE d.ai_tool_type = r.ai_tool_type AND d.state = 'deferred'),
			(SELECT COUNT(*) FROM dispatches d WHERE d.ai_tool_type = r.ai_tool_type AND d.state = 'failed')
		FROM runs r
		GROUP BY r.ai_tool_type`)
	return err
}
