package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/XiaoChennnng/DeepResearchPro/model"
	"github.com/XiaoChennnng/DeepResearchPro/pipeline"
)

// Sentinel errors for dropped frames. Droppable conditions are reported
// to the caller for debug logging; they never abort the stream.
var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownType    = errors.New("unknown frame type")
	ErrUnknownAgent   = errors.New("unknown agent type")
	ErrWrongTask      = errors.New("frame for different task")
)

// Normalizer parses raw inputs into canonical Events for one task.
type Normalizer struct {
	taskID int64
	now    func() time.Time
}

// NewNormalizer creates a normalizer scoped to a task id.
func NewNormalizer(taskID int64) *Normalizer {
	return &Normalizer{taskID: taskID, now: time.Now}
}

// flexID tolerates numeric or string ids on the wire.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*f = ""
		return nil
	}
	if len(s) >= 2 && s[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*f = flexID(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

// metricsWire matches the camelCase metrics object the backend emits.
type metricsWire struct {
	TokensUsed int     `json:"tokensUsed"`
	APICalls   int     `json:"apiCalls"`
	Duration   string  `json:"duration"`
	DurationMS float64 `json:"duration_ms"`
}

func (m *metricsWire) toModel() model.Metrics {
	out := model.Metrics{
		TokensUsed: m.TokensUsed,
		APICalls:   m.APICalls,
		Duration:   m.Duration,
	}
	if out.Duration == "" {
		out.Duration = formatDurationMS(m.DurationMS)
	}
	return out
}

// subTaskWire matches the sub_task object of agent_subtask_update.
type subTaskWire struct {
	ID        flexID `json:"id"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Result    string `json:"result"`
	Detail    string `json:"detail"`
}

func (s *subTaskWire) toModel() model.SubTask {
	st := model.SubTask{
		ID:        string(s.ID),
		Title:     s.Title,
		StartTime: s.StartTime,
		EndTime:   s.EndTime,
		Result:    s.Result,
		Detail:    s.Detail,
	}
	if v := pipeline.SubTaskStatus(strings.ToLower(s.Status)); v.IsValid() {
		st.Status = v
	} else {
		st.Status = pipeline.SubTaskPending
	}
	return st
}

// planStepWire matches one step of a plan_snapshot frame.
type planStepWire struct {
	ID          flexID         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Status      string         `json:"status"`
	SubSteps    []planStepWire `json:"sub_steps"`
}

// sourceWire matches the source object of a source_added frame.
type sourceWire struct {
	Title      string `json:"title"`
	URL        string `json:"url"`
	Content    string `json:"content"`
	Confidence string `json:"confidence"`
}

// frame is the superset envelope of every stream message. Absent fields
// stay zero; each frame type reads only the fields it defines.
type frame struct {
	Type             string         `json:"type"`
	TaskID           *int64         `json:"task_id"`
	Message          string         `json:"message"`
	AgentType        string         `json:"agent_type"`
	Action           string         `json:"action"`
	Content          string         `json:"content"`
	Status           string         `json:"status"`
	TokensUsed       int            `json:"tokens_used"`
	APICalls         int            `json:"api_calls"`
	DurationMS       float64        `json:"duration_ms"`
	Duration         string         `json:"duration"`
	Progress         *float64       `json:"progress"`
	Stage            string         `json:"stage"`
	Plan             []planStepWire `json:"plan"`
	ResearchPlan     []planStepWire `json:"research_plan"`
	Steps            []planStepWire `json:"steps"`
	Source           *sourceWire    `json:"source"`
	CurrentTask      string         `json:"current_task"`
	CurrentSubtask   string         `json:"current_subtask"`
	OutputContent    string         `json:"output_content"`
	Metrics          *metricsWire   `json:"metrics"`
	SubTask          *subTaskWire   `json:"sub_task"`
	RollbackProgress *float64       `json:"rollback_progress"`
	ReviewRound      int            `json:"review_round"`
	Issues           []string       `json:"issues"`
	Timestamp        string         `json:"timestamp"`
}

// ParseFrame normalizes one raw stream frame. A nil Event with a non-nil
// error means the frame must be dropped; parsing never panics and a
// malformed payload is reported, not propagated.
func (n *Normalizer) ParseFrame(data []byte) (Event, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	// Frames addressed to another task are dropped. Frames without a
	// task id are accepted: the backend broadcasts agent_status_update,
	// agent_subtask_update and review_failed without one.
	if f.TaskID != nil && *f.TaskID != n.taskID {
		return nil, fmt.Errorf("%w: got %d, watching %d", ErrWrongTask, *f.TaskID, n.taskID)
	}

	switch f.Type {
	case "connected":
		return Connected{TaskID: n.taskID, Message: f.Message}, nil

	case "pong":
		return Pong{}, nil

	case "agent_log":
		agent, ok := pipeline.ParseAgentType(f.AgentType)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, f.AgentType)
		}
		return LogAppended{
			Agent:    agent,
			Action:   f.Action,
			Content:  f.Content,
			Severity: logSeverity(f.Status),
			Metrics: model.Metrics{
				TokensUsed: f.TokensUsed,
				Duration:   formatDurationMS(f.DurationMS),
			},
			Time: n.displayTime(f.Timestamp),
		}, nil

	case "progress":
		ev := ProgressUpdated{Stage: pipeline.Stage(strings.ToLower(f.Stage))}
		if f.Progress != nil {
			ev.Progress = clampProgress(*f.Progress)
		}
		if !ev.Stage.IsValid() {
			ev.Stage = pipeline.StagePending
		}
		return ev, nil

	case "plan_update":
		return PlanRefreshRequested{}, nil

	case "plan_snapshot":
		steps := f.Plan
		if len(steps) == 0 {
			steps = f.ResearchPlan
		}
		if len(steps) == 0 {
			steps = f.Steps
		}
		return PlanReplaced{Nodes: planFromSteps(steps)}, nil

	case "source_added":
		if f.Source == nil || f.Source.Title == "" {
			return nil, fmt.Errorf("%w: source_added without source", ErrMalformedFrame)
		}
		return SourceAdded{Item: model.DataItem{
			Source:     f.Source.Title,
			Info:       firstNonEmpty(f.Source.Content, f.Source.URL),
			Confidence: normalizeConfidence(f.Source.Confidence),
			Time:       n.displayTime(f.Timestamp),
		}}, nil

	case "data_refresh":
		return DataRefreshRequested{}, nil

	case "completed":
		return Completed{}, nil

	case "agent_status_update":
		agent, ok := pipeline.ParseAgentType(f.AgentType)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, f.AgentType)
		}
		return AgentStatusUpdated{
			Agent: agent,
			Metrics: model.Metrics{
				TokensUsed: f.TokensUsed,
				APICalls:   f.APICalls,
				Duration:   firstNonEmpty(f.Duration, formatDurationMS(f.DurationMS)),
			},
			CurrentSubtask: f.CurrentSubtask,
			OutputContent:  f.OutputContent,
		}, nil

	case "review_failed":
		ev := ReviewFailed{
			RollbackProgress: 70, // backend default rollback point
			Message:          f.Message,
			Round:            f.ReviewRound,
			Issues:           f.Issues,
		}
		if f.RollbackProgress != nil && *f.RollbackProgress > 0 {
			ev.RollbackProgress = clampProgress(*f.RollbackProgress)
		}
		return ev, nil

	case "agent_activity":
		agent, ok := pipeline.ParseAgentType(f.AgentType)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, f.AgentType)
		}
		ev := AgentActivity{
			Agent:       agent,
			CurrentTask: f.CurrentTask,
		}
		if st, ok := pipeline.ParseAgentStatus(f.Status); ok {
			ev.Status = st
		} else {
			ev.Status = pipeline.AgentStatusActive
		}
		if f.Progress != nil {
			ev.Progress = clampProgress(*f.Progress)
			ev.HasProgress = true
		}
		if f.Metrics != nil {
			ev.Metrics = f.Metrics.toModel()
		}
		return ev, nil

	case "agent_subtask_update":
		agent, ok := pipeline.ParseAgentType(f.AgentType)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, f.AgentType)
		}
		if f.SubTask == nil || f.SubTask.ID == "" {
			return nil, fmt.Errorf("%w: agent_subtask_update without sub_task id", ErrMalformedFrame)
		}
		return SubTaskUpserted{
			Agent:   agent,
			SubTask: f.SubTask.toModel(),
			Metrics: model.Metrics{
				TokensUsed: f.TokensUsed,
				APICalls:   f.APICalls,
				Duration:   firstNonEmpty(f.Duration, formatDurationMS(f.DurationMS)),
			},
		}, nil

	case "error":
		return PipelineError{Message: f.Message}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
}

// taskDetailWire matches GET /api/research/{id}.
type taskDetailWire struct {
	Status     string             `json:"status"`
	Progress   float64            `json:"progress"`
	PlanItems  []planItemWire     `json:"plan_items"`
	Sources    []sourceDetailWire `json:"sources"`
	RecentLogs []logWire          `json:"recent_logs"`
}

type planItemWire struct {
	ID          int64  `json:"id"`
	ParentID    *int64 `json:"parent_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Order       int    `json:"order"`
}

type sourceDetailWire struct {
	Title      string `json:"title"`
	URL        string `json:"url"`
	Content    string `json:"content"`
	Confidence string `json:"confidence"`
	CreatedAt  string `json:"created_at"`
}

type logWire struct {
	AgentType  string  `json:"agent_type"`
	Action     string  `json:"action"`
	Content    string  `json:"content"`
	Status     string  `json:"status"`
	TokensUsed int     `json:"tokens_used"`
	DurationMS float64 `json:"duration_ms"`
	CreatedAt  string  `json:"created_at"`
}

// ParseTaskDetail normalizes a REST task detail response.
func (n *Normalizer) ParseTaskDetail(data []byte) (TaskSnapshot, error) {
	var w taskDetailWire
	if err := json.Unmarshal(data, &w); err != nil {
		return TaskSnapshot{}, fmt.Errorf("parse task detail: %w", err)
	}

	snap := TaskSnapshot{
		Progress: clampProgress(w.Progress),
		Stage:    pipeline.Stage(strings.ToLower(w.Status)),
		Plan:     planFromItems(w.PlanItems),
	}
	if !snap.Stage.IsValid() {
		snap.Stage = pipeline.StagePending
	}

	for _, s := range w.Sources {
		if s.Title == "" {
			continue
		}
		snap.Sources = append(snap.Sources, model.DataItem{
			Source:     s.Title,
			Info:       firstNonEmpty(s.Content, s.URL),
			Confidence: normalizeConfidence(s.Confidence),
			Time:       n.displayTime(s.CreatedAt),
		})
	}

	// recent_logs arrive newest first; the tail is oldest first.
	for i := len(w.RecentLogs) - 1; i >= 0; i-- {
		l := w.RecentLogs[i]
		agent, ok := pipeline.ParseAgentType(l.AgentType)
		if !ok {
			continue
		}
		content := l.Content
		if l.Action != "" {
			content = l.Action + ": " + l.Content
		}
		snap.Logs = append(snap.Logs, model.LogEntry{
			Time:     n.displayTime(l.CreatedAt),
			Agent:    agent,
			Content:  content,
			Severity: logSeverity(l.Status),
		})
	}

	return snap, nil
}

// activityWire matches GET /api/research/{id}/agents.
type activityWire struct {
	Agents []agentStatusWire `json:"agents"`
}

type agentStatusWire struct {
	AgentType     string            `json:"agent_type"`
	Status        string            `json:"status"`
	CurrentTask   string            `json:"current_task"`
	Progress      float64           `json:"progress"`
	Metrics       *metricsWire      `json:"metrics"`
	SubTasks      []json.RawMessage `json:"sub_tasks"`
	OutputContent string            `json:"output_content"`
}

// ParseAgentActivity normalizes a REST agent-activity response. The
// backend reports sub_tasks either as structured objects or as bare
// title strings; both are accepted.
func (n *Normalizer) ParseAgentActivity(data []byte) (ActivitySnapshot, error) {
	var w activityWire
	if err := json.Unmarshal(data, &w); err != nil {
		return ActivitySnapshot{}, fmt.Errorf("parse agent activity: %w", err)
	}

	var snap ActivitySnapshot
	for _, a := range w.Agents {
		agent, ok := pipeline.ParseAgentType(a.AgentType)
		if !ok {
			continue
		}
		upd := AgentUpdate{
			Agent:       agent,
			CurrentTask: a.CurrentTask,
			Progress:    clampProgress(a.Progress),
			Output:      a.OutputContent,
		}
		if st, ok := pipeline.ParseAgentStatus(a.Status); ok {
			upd.Status = st
			upd.HasStatus = true
		}
		if a.Metrics != nil {
			upd.Metrics = a.Metrics.toModel()
		}
		for _, raw := range a.SubTasks {
			if st, ok := parseSubTaskValue(raw, agent); ok {
				upd.SubTasks = append(upd.SubTasks, st)
			}
		}
		snap.Agents = append(snap.Agents, upd)
	}
	return snap, nil
}

func parseSubTaskValue(raw json.RawMessage, agent pipeline.AgentType) (model.SubTask, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if len(trimmed) == 0 || trimmed == "null" {
		return model.SubTask{}, false
	}
	if trimmed[0] == '"' {
		var title string
		if err := json.Unmarshal(raw, &title); err != nil || title == "" {
			return model.SubTask{}, false
		}
		return model.SubTask{
			ID:     "current_subtask_" + agent.String(),
			Title:  title,
			Status: pipeline.SubTaskRunning,
		}, true
	}
	var w subTaskWire
	if err := json.Unmarshal(raw, &w); err != nil || w.ID == "" {
		return model.SubTask{}, false
	}
	return w.toModel(), true
}

// planFromItems builds the two-level tree from the backend's flat
// plan_items rows, ordered by the reported order then id.
func planFromItems(items []planItemWire) []model.PlanNode {
	if len(items) == 0 {
		return nil
	}

	ordered := make([]planItemWire, len(items))
	copy(ordered, items)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Order != ordered[j].Order {
			return ordered[i].Order < ordered[j].Order
		}
		return ordered[i].ID < ordered[j].ID
	})

	var roots []model.PlanNode
	rootIndex := make(map[int64]int)
	for _, it := range ordered {
		if it.ParentID != nil {
			continue
		}
		rootIndex[it.ID] = len(roots)
		roots = append(roots, model.PlanNode{
			ID:          strconv.FormatInt(it.ID, 10),
			Title:       it.Title,
			Description: it.Description,
			Status:      planStatusFromWire(it.Status),
		})
	}
	for _, it := range ordered {
		if it.ParentID == nil {
			continue
		}
		i, ok := rootIndex[*it.ParentID]
		if !ok {
			// Orphaned child: promote to top level rather than drop.
			roots = append(roots, model.PlanNode{
				ID:          strconv.FormatInt(it.ID, 10),
				Title:       it.Title,
				Description: it.Description,
				Status:      planStatusFromWire(it.Status),
			})
			continue
		}
		roots[i].Children = append(roots[i].Children, model.PlanNode{
			ID:          strconv.FormatInt(it.ID, 10),
			Title:       it.Title,
			Description: it.Description,
			Status:      planStatusFromWire(it.Status),
		})
	}
	return roots
}

// planFromSteps converts plan_snapshot steps into plan nodes, keeping
// two levels and synthesizing stable ids for steps that lack one.
func planFromSteps(steps []planStepWire) []model.PlanNode {
	nodes := make([]model.PlanNode, 0, len(steps))
	for i, s := range steps {
		node := model.PlanNode{
			ID:          string(s.ID),
			Title:       s.Title,
			Description: s.Description,
			Status:      planStatusFromWire(s.Status),
		}
		if node.ID == "" {
			node.ID = "step-" + strconv.Itoa(i+1)
		}
		if node.Title == "" {
			node.Title = "Step " + strconv.Itoa(i+1)
		}
		for j, sub := range s.SubSteps {
			child := model.PlanNode{
				ID:          string(sub.ID),
				Title:       sub.Title,
				Description: sub.Description,
				Status:      planStatusFromWire(sub.Status),
			}
			if child.ID == "" {
				child.ID = node.ID + "." + strconv.Itoa(j+1)
			}
			node.Children = append(node.Children, child)
		}
		nodes = append(nodes, node)
	}
	return nodes
}

func planStatusFromWire(raw string) pipeline.PlanStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "completed", "complete", "done":
		return pipeline.PlanStatusCompleted
	case "in_progress", "running", "active":
		return pipeline.PlanStatusInProgress
	default:
		return pipeline.PlanStatusPending
	}
}

func logSeverity(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success":
		return "success"
	case "error", "failed":
		return "error"
	default:
		return "info"
	}
}

func normalizeConfidence(raw string) string {
	if strings.EqualFold(raw, "high") {
		return "high"
	}
	return "medium"
}

func formatDurationMS(ms float64) string {
	if ms <= 0 {
		return model.DurationPlaceholder
	}
	return strconv.FormatFloat(ms/1000, 'f', 1, 64) + "s"
}

func clampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// displayTime renders an ISO timestamp for display, falling back to the
// current clock when the backend's timestamp is absent or unparseable.
func (n *Normalizer) displayTime(iso string) string {
	if iso != "" {
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
			if t, err := time.Parse(layout, iso); err == nil {
				return model.FormatTime(t)
			}
		}
	}
	return model.FormatTime(n.now())
}
