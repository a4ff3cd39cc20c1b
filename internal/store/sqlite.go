package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ZanzyTHEbar/errbuilder-go"
	_ "modernc.org/sqlite"

	dragonpilot "github.com/ZanzyTHEbar/dragonpilot"
)

// SQLiteStore is the durable history of execution results.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ dragonpilot.ResultStore = (*SQLiteStore)(nil)

// OpenSQLite opens or creates the history database at path. ":memory:" is accepted.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, dragonpilot.NewConfigurationError("create history directory", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, dragonpilot.NewConfigurationError("open history database", err)
	}
	// A single connection keeps ":memory:" databases shared and serialises writers.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, dragonpilot.NewConfigurationError("migrate history database", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	PRAGMA journal_mode = WAL;
	PRAGMA busy_timeout = 5000;

	CREATE TABLE IF NOT EXISTS executions (
		plan_id TEXT PRIMARY KEY,
		plan_name TEXT NOT NULL,
		status TEXT NOT NULL,
		code TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL,
		result_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_executions_finished ON executions(finished_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save inserts or replaces the result for its plan.
func (s *SQLiteStore) Save(ctx context.Context, result *dragonpilot.ExecutionResult) error {
	if result == nil || result.PlanID == "" {
		return dragonpilot.NewInternalError(dragonpilot.StageExecution, "cannot store a result without a plan id", nil)
	}
	data, err := json.Marshal(result)
	if err != nil {
		return dragonpilot.NewInternalError(dragonpilot.StageExecution, "encode execution result", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO executions (plan_id, plan_name, status, code, started_at, finished_at, result_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, result.PlanID, result.PlanName, string(result.Status), result.Code,
		result.StartedAt.UnixNano(), result.FinishedAt.UnixNano(), string(data))
	if err != nil {
		return fmt.Errorf("save execution %s: %w", result.PlanID, errbuilder.WrapIfContextDone(ctx, err))
	}
	return nil
}

// Get loads the result for planID.
func (s *SQLiteStore) Get(ctx context.Context, planID string) (*dragonpilot.ExecutionResult, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT result_json FROM executions WHERE plan_id = ?`, planID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(planID, "no such execution in history")
	}
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", planID, errbuilder.WrapIfContextDone(ctx, err))
	}
	return decodeResult(data)
}

// List returns up to limit results, most recently finished first. limit <= 0 means no limit.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]*dragonpilot.ExecutionResult, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT result_json FROM executions ORDER BY finished_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", errbuilder.WrapIfContextDone(ctx, err))
	}
	defer rows.Close()

	var out []*dragonpilot.ExecutionResult
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		res, err := decodeResult(data)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// Prune deletes all but the keep most recent results and returns how many were removed.
func (s *SQLiteStore) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM executions WHERE plan_id NOT IN (
			SELECT plan_id FROM executions ORDER BY finished_at DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune executions: %w", err)
	}
	return res.RowsAffected()
}

func decodeResult(data string) (*dragonpilot.ExecutionResult, error) {
	var res dragonpilot.ExecutionResult
	if err := json.Unmarshal([]byte(data), &res); err != nil {
		return nil, dragonpilot.NewInternalError(dragonpilot.StageExecution, "decode execution result", err)
	}
	return &res, nil
}
