package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/XiaoChennnng/DeepResearchPro/model"
)

// File names inside each task directory.
const (
	planFile    = "plan.json"
	sourcesFile = "sources.json"
)

// File is a TaskCache backed by JSON files under a root directory, one
// subdirectory per task id: {root}/task-{id}/plan.json, sources.json.
type File struct {
	root string
}

// NewFile creates a file cache rooted at dir, creating it if needed.
func NewFile(dir string) (*File, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &File{root: dir}, nil
}

func (f *File) taskDir(taskID int64) string {
	return filepath.Join(f.root, "task-"+strconv.FormatInt(taskID, 10))
}

func (f *File) read(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("read cache entry: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse cache entry: %w", err)
	}
	return nil
}

func (f *File) write(taskID int64, name string, v any) error {
	dir := f.taskDir(taskID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create task cache directory: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

// LoadPlan implements TaskCache.
func (f *File) LoadPlan(ctx context.Context, taskID int64) ([]model.PlanNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var nodes []model.PlanNode
	if err := f.read(filepath.Join(f.taskDir(taskID), planFile), &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// SavePlan implements TaskCache.
func (f *File) SavePlan(ctx context.Context, taskID int64, nodes []model.PlanNode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.write(taskID, planFile, nodes)
}

// LoadSources implements TaskCache.
func (f *File) LoadSources(ctx context.Context, taskID int64) ([]model.DataItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var items []model.DataItem
	if err := f.read(filepath.Join(f.taskDir(taskID), sourcesFile), &items); err != nil {
		return nil, err
	}
	return items, nil
}

// SaveSources implements TaskCache.
func (f *File) SaveSources(ctx context.Context, taskID int64, items []model.DataItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.write(taskID, sourcesFile, items)
}

// Clear implements TaskCache.
func (f *File) Clear(ctx context.Context, taskID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.RemoveAll(f.taskDir(taskID)); err != nil {
		return fmt.Errorf("clear task cache: %w", err)
	}
	return nil
}

// Close implements TaskCache.
func (f *File) Close() error { return nil }
