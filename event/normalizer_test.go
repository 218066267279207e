package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XiaoChennnng/DeepResearchPro/model"
	"github.com/XiaoChennnng/DeepResearchPro/pipeline"
)

func fixedNormalizer(taskID int64) *Normalizer {
	n := NewNormalizer(taskID)
	n.now = func() time.Time {
		return time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	}
	return n
}

func TestParseFrameDropsWrongTask(t *testing.T) {
	n := fixedNormalizer(42)
	_, err := n.ParseFrame([]byte(`{"type": "agent_log", "task_id": 7, "agent_type": "planner", "content": "x"}`))
	assert.ErrorIs(t, err, ErrWrongTask)
}

func TestParseFrameAcceptsBroadcastWithoutTaskID(t *testing.T) {
	// agent_status_update is broadcast without a task id filter.
	n := fixedNormalizer(42)
	ev, err := n.ParseFrame([]byte(`{"type": "agent_status_update", "agent_type": "searcher", "tokens_used": 321, "api_calls": 5, "current_subtask": "query expansion"}`))
	require.NoError(t, err)

	upd, ok := ev.(AgentStatusUpdated)
	require.True(t, ok)
	assert.Equal(t, pipeline.AgentSearcher, upd.Agent)
	assert.Equal(t, 321, upd.Metrics.TokensUsed)
	assert.Equal(t, 5, upd.Metrics.APICalls)
	assert.Equal(t, "query expansion", upd.CurrentSubtask)
}

func TestParseFrameUnknownTypeAndAgent(t *testing.T) {
	n := fixedNormalizer(42)

	_, err := n.ParseFrame([]byte(`{"type": "telemetry_v2"}`))
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = n.ParseFrame([]byte(`{"type": "agent_log", "agent_type": "orchestrator", "content": "x"}`))
	assert.ErrorIs(t, err, ErrUnknownAgent)

	_, err = n.ParseFrame([]byte(`{not json`))
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = n.ParseFrame([]byte(`{"progress": 10}`))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestParseFrameAgentLog(t *testing.T) {
	n := fixedNormalizer(42)
	ev, err := n.ParseFrame([]byte(`{
		"type": "agent_log", "task_id": 42, "agent_type": "Curator",
		"action": "Filter", "content": "removed 3 low-quality sources",
		"status": "success", "tokens_used": 210, "duration_ms": 1500,
		"timestamp": "2026-08-30T10:15:30"
	}`))
	require.NoError(t, err)

	log, ok := ev.(LogAppended)
	require.True(t, ok)
	assert.Equal(t, pipeline.AgentCurator, log.Agent)
	assert.Equal(t, "Filter", log.Action)
	assert.Equal(t, "success", log.Severity)
	assert.Equal(t, 210, log.Metrics.TokensUsed)
	assert.Equal(t, "1.5s", log.Metrics.Duration)
	assert.Equal(t, "10:15:30", log.Time)
}

func TestParseFrameAgentLogZeroDurationYieldsPlaceholder(t *testing.T) {
	n := fixedNormalizer(42)
	ev, err := n.ParseFrame([]byte(`{"type": "agent_log", "agent_type": "planner", "content": "x"}`))
	require.NoError(t, err)
	assert.Equal(t, model.DurationPlaceholder, ev.(LogAppended).Metrics.Duration)
}

func TestParseFrameProgress(t *testing.T) {
	n := fixedNormalizer(42)
	tests := []struct {
		name     string
		raw      string
		progress float64
		stage    pipeline.Stage
	}{
		{"normal", `{"type": "progress", "progress": 62.5, "stage": "writing"}`, 62.5, pipeline.StageWriting},
		{"clamped", `{"type": "progress", "progress": 150, "stage": "reviewing"}`, 100, pipeline.StageReviewing},
		{"unknown stage", `{"type": "progress", "progress": 10, "stage": "warp"}`, 10, pipeline.StagePending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := n.ParseFrame([]byte(tt.raw))
			require.NoError(t, err)
			p := ev.(ProgressUpdated)
			assert.Equal(t, tt.progress, p.Progress)
			assert.Equal(t, tt.stage, p.Stage)
		})
	}
}

func TestParseFramePlanSnapshotSynthesizesIDs(t *testing.T) {
	n := fixedNormalizer(42)
	ev, err := n.ParseFrame([]byte(`{
		"type": "plan_snapshot",
		"plan": [
			{"title": "Background", "sub_steps": [{"title": "Timeline"}]},
			{"id": "s2", "title": "Findings", "status": "in_progress"}
		]
	}`))
	require.NoError(t, err)

	rep := ev.(PlanReplaced)
	require.Len(t, rep.Nodes, 2)
	assert.Equal(t, "step-1", rep.Nodes[0].ID)
	require.Len(t, rep.Nodes[0].Children, 1)
	assert.Equal(t, "step-1.1", rep.Nodes[0].Children[0].ID)
	assert.Equal(t, "s2", rep.Nodes[1].ID)
	assert.Equal(t, pipeline.PlanStatusInProgress, rep.Nodes[1].Status)
}

func TestParseFrameSourceAdded(t *testing.T) {
	n := fixedNormalizer(42)
	ev, err := n.ParseFrame([]byte(`{
		"type": "source_added",
		"source": {"title": "WHO Report", "url": "https://who.int/r", "confidence": "HIGH"}
	}`))
	require.NoError(t, err)

	item := ev.(SourceAdded).Item
	assert.Equal(t, "WHO Report", item.Source)
	assert.Equal(t, "https://who.int/r", item.Info)
	assert.Equal(t, "high", item.Confidence)

	_, err = n.ParseFrame([]byte(`{"type": "source_added"}`))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestParseFrameReviewFailedDefaults(t *testing.T) {
	n := fixedNormalizer(42)

	ev, err := n.ParseFrame([]byte(`{"type": "review_failed", "message": "rejected"}`))
	require.NoError(t, err)
	rf := ev.(ReviewFailed)
	assert.Equal(t, float64(70), rf.RollbackProgress)
	assert.Equal(t, "rejected", rf.Message)

	ev, err = n.ParseFrame([]byte(`{"type": "review_failed", "rollback_progress": 55.0, "review_round": 3, "issues": ["a", "b"]}`))
	require.NoError(t, err)
	rf = ev.(ReviewFailed)
	assert.Equal(t, float64(55), rf.RollbackProgress)
	assert.Equal(t, 3, rf.Round)
	assert.Equal(t, []string{"a", "b"}, rf.Issues)
}

func TestParseFrameAgentActivity(t *testing.T) {
	n := fixedNormalizer(42)
	ev, err := n.ParseFrame([]byte(`{
		"type": "agent_activity", "agent_type": "analyzer", "status": "running",
		"current_task": "clustering evidence", "progress": 40,
		"metrics": {"tokensUsed": 900, "apiCalls": 4, "duration": "2.2s"}
	}`))
	require.NoError(t, err)

	act := ev.(AgentActivity)
	assert.Equal(t, pipeline.AgentAnalyzer, act.Agent)
	assert.Equal(t, pipeline.AgentStatusActive, act.Status)
	assert.True(t, act.HasProgress)
	assert.Equal(t, float64(40), act.Progress)
	assert.Equal(t, 900, act.Metrics.TokensUsed)
	assert.Equal(t, "2.2s", act.Metrics.Duration)
}

func TestParseFrameSubTaskUpdate(t *testing.T) {
	n := fixedNormalizer(42)
	ev, err := n.ParseFrame([]byte(`{
		"type": "agent_subtask_update", "agent_type": "citer",
		"sub_task": {"id": 7, "title": "verify citation 3", "status": "running"},
		"metrics": {"tokensUsed": 150}
	}`))
	require.NoError(t, err)

	st := ev.(SubTaskUpserted)
	assert.Equal(t, pipeline.AgentCiter, st.Agent)
	// Numeric ids are tolerated and normalized to strings.
	assert.Equal(t, "7", st.SubTask.ID)
	assert.Equal(t, pipeline.SubTaskRunning, st.SubTask.Status)

	_, err = n.ParseFrame([]byte(`{"type": "agent_subtask_update", "agent_type": "citer"}`))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestParseFrameSimpleTypes(t *testing.T) {
	n := fixedNormalizer(42)

	ev, err := n.ParseFrame([]byte(`{"type": "connected", "task_id": 42, "message": "hi"}`))
	require.NoError(t, err)
	assert.Equal(t, Connected{TaskID: 42, Message: "hi"}, ev)

	ev, err = n.ParseFrame([]byte(`{"type": "pong"}`))
	require.NoError(t, err)
	assert.Equal(t, Pong{}, ev)

	ev, err = n.ParseFrame([]byte(`{"type": "plan_update"}`))
	require.NoError(t, err)
	assert.Equal(t, PlanRefreshRequested{}, ev)

	ev, err = n.ParseFrame([]byte(`{"type": "data_refresh"}`))
	require.NoError(t, err)
	assert.Equal(t, DataRefreshRequested{}, ev)

	ev, err = n.ParseFrame([]byte(`{"type": "completed"}`))
	require.NoError(t, err)
	assert.Equal(t, Completed{}, ev)

	ev, err = n.ParseFrame([]byte(`{"type": "error", "message": "provider quota"}`))
	require.NoError(t, err)
	assert.Equal(t, PipelineError{Message: "provider quota"}, ev)
}

func TestParseTaskDetailBuildsTree(t *testing.T) {
	n := fixedNormalizer(42)
	snap, err := n.ParseTaskDetail([]byte(`{
		"status": "Searching", "progress": 18,
		"plan_items": [
			{"id": 2, "parent_id": null, "title": "Second", "status": "pending", "order": 2},
			{"id": 1, "parent_id": null, "title": "First", "status": "completed", "order": 1},
			{"id": 3, "parent_id": 1, "title": "Child", "status": "done", "order": 1},
			{"id": 9, "parent_id": 99, "title": "Orphan", "status": "pending", "order": 1}
		],
		"sources": [
			{"title": "Lancet", "content": "excerpt", "confidence": "unsure"},
			{"title": "", "content": "dropped"}
		],
		"recent_logs": [
			{"agent_type": "searcher", "action": "Search", "content": "newest", "status": "info"},
			{"agent_type": "planner", "action": "Plan", "content": "oldest", "status": "info"}
		]
	}`))
	require.NoError(t, err)

	assert.Equal(t, pipeline.StageSearching, snap.Stage)
	assert.Equal(t, float64(18), snap.Progress)

	require.Len(t, snap.Plan, 3)
	assert.Equal(t, "First", snap.Plan[0].Title)
	assert.Equal(t, pipeline.PlanStatusCompleted, snap.Plan[0].Status)
	require.Len(t, snap.Plan[0].Children, 1)
	assert.Equal(t, pipeline.PlanStatusCompleted, snap.Plan[0].Children[0].Status)
	assert.Equal(t, "Second", snap.Plan[1].Title)
	// Orphaned children are promoted, not dropped.
	assert.Equal(t, "Orphan", snap.Plan[2].Title)

	require.Len(t, snap.Sources, 1)
	assert.Equal(t, "medium", snap.Sources[0].Confidence)

	require.Len(t, snap.Logs, 2)
	assert.Equal(t, "Plan: oldest", snap.Logs[0].Content)
	assert.Equal(t, "Search: newest", snap.Logs[1].Content)
}

func TestParseTaskDetailUnknownStatus(t *testing.T) {
	n := fixedNormalizer(42)
	snap, err := n.ParseTaskDetail([]byte(`{"status": "mystery", "progress": -5}`))
	require.NoError(t, err)
	assert.Equal(t, pipeline.StagePending, snap.Stage)
	assert.Zero(t, snap.Progress)
}

func TestParseAgentActivitySubTaskShapes(t *testing.T) {
	n := fixedNormalizer(42)
	snap, err := n.ParseAgentActivity([]byte(`{
		"agents": [
			{"agent_type": "writer", "status": "active", "sub_tasks": [
				"drafting introduction",
				{"id": "w2", "title": "drafting body", "status": "pending"},
				null
			]}
		]
	}`))
	require.NoError(t, err)

	require.Len(t, snap.Agents, 1)
	sts := snap.Agents[0].SubTasks
	require.Len(t, sts, 2)
	assert.Equal(t, "current_subtask_writer", sts[0].ID)
	assert.Equal(t, pipeline.SubTaskRunning, sts[0].Status)
	assert.Equal(t, "w2", sts[1].ID)
}
