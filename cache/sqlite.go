package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/XiaoChennnng/DeepResearchPro/model"
)

// Entry kinds inside the sqlite cache table.
const (
	kindPlan    = "plan"
	kindSources = "sources"
)

// SQLite is a TaskCache backed by a single SQLite database file. One
// row per (task id, kind) holding the JSON-serialized value.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the cache database at path.
func NewSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("cache database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure cache database: %w", err)
		}
	}

	schema := `CREATE TABLE IF NOT EXISTS task_cache (
		task_id INTEGER NOT NULL,
		kind    TEXT    NOT NULL,
		value   TEXT    NOT NULL,
		PRIMARY KEY (task_id, kind)
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create cache schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) load(ctx context.Context, taskID int64, kind string, out any) error {
	var value string
	row := s.db.QueryRowContext(ctx,
		"SELECT value FROM task_cache WHERE task_id = ? AND kind = ?", taskID, kind)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("load cache entry: %w", err)
	}
	if err := json.Unmarshal([]byte(value), out); err != nil {
		return fmt.Errorf("parse cache entry: %w", err)
	}
	return nil
}

func (s *SQLite) save(ctx context.Context, taskID int64, kind string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO task_cache (task_id, kind, value) VALUES (?, ?, ?)
		 ON CONFLICT (task_id, kind) DO UPDATE SET value = excluded.value`,
		taskID, kind, string(data))
	if err != nil {
		return fmt.Errorf("save cache entry: %w", err)
	}
	return nil
}

// LoadPlan implements TaskCache.
func (s *SQLite) LoadPlan(ctx context.Context, taskID int64) ([]model.PlanNode, error) {
	var nodes []model.PlanNode
	if err := s.load(ctx, taskID, kindPlan, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// SavePlan implements TaskCache.
func (s *SQLite) SavePlan(ctx context.Context, taskID int64, nodes []model.PlanNode) error {
	return s.save(ctx, taskID, kindPlan, nodes)
}

// LoadSources implements TaskCache.
func (s *SQLite) LoadSources(ctx context.Context, taskID int64) ([]model.DataItem, error) {
	var items []model.DataItem
	if err := s.load(ctx, taskID, kindSources, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// SaveSources implements TaskCache.
func (s *SQLite) SaveSources(ctx context.Context, taskID int64, items []model.DataItem) error {
	return s.save(ctx, taskID, kindSources, items)
}

// Clear implements TaskCache.
func (s *SQLite) Clear(ctx context.Context, taskID int64) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM task_cache WHERE task_id = ?", taskID); err != nil {
		return fmt.Errorf("clear task cache: %w", err)
	}
	return nil
}

// Close implements TaskCache.
func (s *SQLite) Close() error {
	return s.db.Close()
}
