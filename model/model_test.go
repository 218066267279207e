package model

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XiaoChennnng/DeepResearchPro/pipeline"
)

func TestMetricsMerge(t *testing.T) {
	tests := []struct {
		name string
		base Metrics
		in   Metrics
		want Metrics
	}{
		{
			name: "higher counters win",
			base: Metrics{TokensUsed: 100, APICalls: 3, Duration: "1.0s"},
			in:   Metrics{TokensUsed: 250, APICalls: 5, Duration: "2.0s"},
			want: Metrics{TokensUsed: 250, APICalls: 5, Duration: "2.0s"},
		},
		{
			name: "lower counters are stale",
			base: Metrics{TokensUsed: 250, APICalls: 5, Duration: "2.0s"},
			in:   Metrics{TokensUsed: 100, APICalls: 3, Duration: "1.0s"},
			want: Metrics{TokensUsed: 250, APICalls: 5, Duration: "1.0s"},
		},
		{
			name: "zero counters never regress",
			base: Metrics{TokensUsed: 250, APICalls: 5, Duration: "2.0s"},
			in:   Metrics{},
			want: Metrics{TokensUsed: 250, APICalls: 5, Duration: "2.0s"},
		},
		{
			name: "placeholder never clobbers",
			base: Metrics{TokensUsed: 10, Duration: "3.5s"},
			in:   Metrics{TokensUsed: 20, Duration: DurationPlaceholder},
			want: Metrics{TokensUsed: 20, Duration: "3.5s"},
		},
		{
			name: "concrete replaces placeholder",
			base: NewMetrics(),
			in:   Metrics{Duration: "0.8s"},
			want: Metrics{Duration: "0.8s"},
		},
		{
			name: "empty duration normalizes to placeholder",
			base: Metrics{},
			in:   Metrics{},
			want: Metrics{Duration: DurationPlaceholder},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.base.Merge(tt.in))
		})
	}
}

func TestMetricsMergeCommutative(t *testing.T) {
	a := Metrics{TokensUsed: 100, APICalls: 2, Duration: DurationPlaceholder}
	b := Metrics{TokensUsed: 300, APICalls: 7, Duration: "4.0s"}

	base := NewMetrics()
	ab := base.Merge(a).Merge(b)
	ba := base.Merge(b).Merge(a)
	assert.Equal(t, ab.TokensUsed, ba.TokensUsed)
	assert.Equal(t, ab.APICalls, ba.APICalls)
	// Duplicate delivery is idempotent.
	assert.Equal(t, ab, ab.Merge(b).Merge(a))
}

func TestNewAgentSequenceDerivedLinks(t *testing.T) {
	planner := NewAgent(pipeline.AgentPlanner)
	assert.Empty(t, planner.Dependencies)
	assert.Equal(t, []pipeline.AgentType{pipeline.AgentSearcher}, planner.Outputs)

	writer := NewAgent(pipeline.AgentWriter)
	assert.Equal(t, []pipeline.AgentType{pipeline.AgentAnalyzer}, writer.Dependencies)
	assert.Equal(t, []pipeline.AgentType{pipeline.AgentCiter}, writer.Outputs)

	reviewer := NewAgent(pipeline.AgentReviewer)
	assert.Equal(t, []pipeline.AgentType{pipeline.AgentCiter}, reviewer.Dependencies)
	assert.Empty(t, reviewer.Outputs)

	assert.Equal(t, pipeline.AgentStatusPending, planner.Status)
	assert.Equal(t, DurationPlaceholder, planner.Metrics.Duration)
}

func TestUpsertSubTask(t *testing.T) {
	a := NewAgent(pipeline.AgentSearcher)

	a.UpsertSubTask(SubTask{ID: "s1", Title: "query web", Status: pipeline.SubTaskRunning})
	a.UpsertSubTask(SubTask{ID: "s2", Title: "query academic"})
	require.Len(t, a.SubTasks, 2)
	assert.Equal(t, pipeline.SubTaskPending, a.SubTasks[1].Status)

	// Update by id; empty fields do not clear populated ones.
	a.UpsertSubTask(SubTask{ID: "s1", Status: pipeline.SubTaskCompleted, Result: "32 hits"})
	require.Len(t, a.SubTasks, 2)
	assert.Equal(t, "query web", a.SubTasks[0].Title)
	assert.Equal(t, pipeline.SubTaskCompleted, a.SubTasks[0].Status)
	assert.Equal(t, "32 hits", a.SubTasks[0].Result)

	// Missing id is ignored.
	a.UpsertSubTask(SubTask{Title: "no id"})
	assert.Len(t, a.SubTasks, 2)
}

func TestAgentCloneIsDeep(t *testing.T) {
	a := NewAgent(pipeline.AgentCurator)
	a.UpsertSubTask(SubTask{ID: "c1", Title: "filter"})

	clone := a.Clone()
	clone.SubTasks[0].Title = "changed"
	clone.Metrics.TokensUsed = 999

	assert.Equal(t, "filter", a.SubTasks[0].Title)
	assert.Zero(t, a.Metrics.TokensUsed)
}

func TestMergeDataItems(t *testing.T) {
	existing := []DataItem{
		{Source: "WHO Report", Info: "old excerpt", Confidence: "medium"},
		{Source: "Lancet", Info: "https://lancet.com/x", Confidence: "high"},
	}
	incoming := []DataItem{
		{Source: "WHO Report", Info: "https://who.int/r", Confidence: "high"},
		{Source: "Reuters", Info: "wire", Confidence: "medium"},
	}

	out := MergeDataItems(existing, incoming)
	require.Len(t, out, 3)
	// Matching title overwrites in place, keeping position.
	assert.Equal(t, "https://who.int/r", out[0].Info)
	assert.Equal(t, "high", out[0].Confidence)
	// Existing items absent from incoming survive.
	assert.Equal(t, "Lancet", out[1].Source)
	// New items append in arrival order.
	assert.Equal(t, "Reuters", out[2].Source)

	// Inputs are not mutated.
	assert.Equal(t, "old excerpt", existing[0].Info)
}

func TestMergeDataItemsIdempotent(t *testing.T) {
	incoming := []DataItem{{Source: "A", Info: "1"}, {Source: "B", Info: "2"}}
	once := MergeDataItems(nil, incoming)
	twice := MergeDataItems(once, incoming)
	assert.Equal(t, once, twice)
}

func TestAppendLogBounded(t *testing.T) {
	var tail []LogEntry
	for i := 0; i < LogCapacity+10; i++ {
		tail = AppendLog(tail, LogEntry{Content: fmt.Sprintf("line %d", i)})
	}
	require.Len(t, tail, LogCapacity)
	assert.Equal(t, "line 10", tail[0].Content)
	assert.Equal(t, fmt.Sprintf("line %d", LogCapacity+9), tail[len(tail)-1].Content)
}

func TestClonePlanIsDeep(t *testing.T) {
	plan := []PlanNode{
		{ID: "a", Title: "A", Children: []PlanNode{{ID: "a1", Title: "A1"}}},
	}
	clone := ClonePlan(plan)
	clone[0].Children[0].Title = "changed"
	assert.Equal(t, "A1", plan[0].Children[0].Title)
	assert.Nil(t, ClonePlan(nil))
}

func TestCountLeaves(t *testing.T) {
	plan := []PlanNode{
		{ID: "a"},
		{ID: "b", Children: []PlanNode{{ID: "b1"}, {ID: "b2"}, {ID: "b3"}}},
	}
	assert.Equal(t, 4, CountLeaves(plan))
	assert.Zero(t, CountLeaves(nil))
}
