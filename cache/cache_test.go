package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XiaoChennnng/DeepResearchPro/model"
	"github.com/XiaoChennnng/DeepResearchPro/pipeline"
)

func samplePlan() []model.PlanNode {
	return []model.PlanNode{
		{
			ID:     "step-1",
			Title:  "Background",
			Status: pipeline.PlanStatusCompleted,
			Children: []model.PlanNode{
				{ID: "step-1.1", Title: "Prior work", Status: pipeline.PlanStatusCompleted},
			},
		},
		{ID: "step-2", Title: "Synthesis", Status: pipeline.PlanStatusInProgress},
	}
}

func sampleSources() []model.DataItem {
	return []model.DataItem{
		{Source: "WHO Report", Info: "https://who.int/r", Confidence: "high", Time: "10:15:30"},
		{Source: "Reuters", Info: "wire", Confidence: "medium"},
	}
}

// Memory and File share the same contract; run the suite over both.
func openCaches(t *testing.T) map[string]TaskCache {
	t.Helper()
	file, err := NewFile(t.TempDir())
	require.NoError(t, err)
	return map[string]TaskCache{
		"memory": NewMemory(),
		"file":   file,
	}
}

func TestCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, c := range openCaches(t) {
		t.Run(name, func(t *testing.T) {
			defer c.Close()

			require.NoError(t, c.SavePlan(ctx, 7, samplePlan()))
			require.NoError(t, c.SaveSources(ctx, 7, sampleSources()))

			plan, err := c.LoadPlan(ctx, 7)
			require.NoError(t, err)
			assert.Equal(t, samplePlan(), plan)

			sources, err := c.LoadSources(ctx, 7)
			require.NoError(t, err)
			assert.Equal(t, sampleSources(), sources)
		})
	}
}

func TestCacheMissingTask(t *testing.T) {
	ctx := context.Background()
	for name, c := range openCaches(t) {
		t.Run(name, func(t *testing.T) {
			defer c.Close()

			_, err := c.LoadPlan(ctx, 404)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = c.LoadSources(ctx, 404)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestCacheClear(t *testing.T) {
	ctx := context.Background()
	for name, c := range openCaches(t) {
		t.Run(name, func(t *testing.T) {
			defer c.Close()

			require.NoError(t, c.SavePlan(ctx, 7, samplePlan()))
			require.NoError(t, c.SaveSources(ctx, 7, sampleSources()))
			require.NoError(t, c.SavePlan(ctx, 8, samplePlan()))

			require.NoError(t, c.Clear(ctx, 7))

			_, err := c.LoadPlan(ctx, 7)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = c.LoadSources(ctx, 7)
			assert.ErrorIs(t, err, ErrNotFound)

			// Other tasks are untouched.
			plan, err := c.LoadPlan(ctx, 8)
			require.NoError(t, err)
			assert.Len(t, plan, 2)

			// Clearing an absent task is not an error.
			assert.NoError(t, c.Clear(ctx, 7))
		})
	}
}

func TestCacheOverwrite(t *testing.T) {
	ctx := context.Background()
	for name, c := range openCaches(t) {
		t.Run(name, func(t *testing.T) {
			defer c.Close()

			require.NoError(t, c.SavePlan(ctx, 7, samplePlan()))
			require.NoError(t, c.SavePlan(ctx, 7, samplePlan()[:1]))

			plan, err := c.LoadPlan(ctx, 7)
			require.NoError(t, err)
			assert.Len(t, plan, 1)
		})
	}
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()

	saved := samplePlan()
	require.NoError(t, c.SavePlan(ctx, 7, saved))
	saved[0].Title = "mutated after save"

	plan, err := c.LoadPlan(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "Background", plan[0].Title)

	plan[1].Title = "mutated after load"
	again, err := c.LoadPlan(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "Synthesis", again[1].Title)
}

func TestFileCacheSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first, err := NewFile(dir)
	require.NoError(t, err)
	require.NoError(t, first.SaveSources(ctx, 7, sampleSources()))
	require.NoError(t, first.Close())

	second, err := NewFile(dir)
	require.NoError(t, err)
	defer second.Close()

	sources, err := second.LoadSources(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, sampleSources(), sources)
}

func TestFileCacheCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c, err := NewFile(t.TempDir())
	require.NoError(t, err)
	defer c.Close()

	assert.Error(t, c.SavePlan(ctx, 7, samplePlan()))
	_, err = c.LoadPlan(ctx, 7)
	assert.Error(t, err)
}
