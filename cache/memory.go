package cache

import (
	"context"
	"sync"

	"github.com/XiaoChennnng/DeepResearchPro/model"
)

// Memory is an in-process TaskCache. It backs tests and the --no-cache
// mode; nothing survives process exit.
type Memory struct {
	mu      sync.RWMutex
	plans   map[int64][]model.PlanNode
	sources map[int64][]model.DataItem
}

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{
		plans:   make(map[int64][]model.PlanNode),
		sources: make(map[int64][]model.DataItem),
	}
}

// LoadPlan implements TaskCache.
func (m *Memory) LoadPlan(_ context.Context, taskID int64) ([]model.PlanNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nodes, ok := m.plans[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return model.ClonePlan(nodes), nil
}

// SavePlan implements TaskCache.
func (m *Memory) SavePlan(_ context.Context, taskID int64, nodes []model.PlanNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[taskID] = model.ClonePlan(nodes)
	return nil
}

// LoadSources implements TaskCache.
func (m *Memory) LoadSources(_ context.Context, taskID int64) ([]model.DataItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items, ok := m.sources[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]model.DataItem(nil), items...), nil
}

// SaveSources implements TaskCache.
func (m *Memory) SaveSources(_ context.Context, taskID int64, items []model.DataItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[taskID] = append([]model.DataItem(nil), items...)
	return nil
}

// Clear implements TaskCache.
func (m *Memory) Clear(_ context.Context, taskID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.plans, taskID)
	delete(m.sources, taskID)
	return nil
}

// Close implements TaskCache.
func (m *Memory) Close() error { return nil }
