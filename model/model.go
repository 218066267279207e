// Package model defines the entities the reconciliation engine tracks
// for one research task: per-agent activity records, the two-level plan
// tree, curated data items, and the bounded log tail.
//
// All types round-trip through JSON; the persistence layer serializes
// them verbatim, so field tags are part of the cache format.
package model

import (
	"time"

	"github.com/XiaoChennnng/DeepResearchPro/pipeline"
)

// DurationPlaceholder is the backend's "no measurement yet" duration.
// The merge policy never lets it clobber a concrete value.
const DurationPlaceholder = "-"

// Metrics holds an agent's resource counters. TokensUsed and APICalls
// are monotonically non-decreasing over a task's lifetime; Duration is
// a display string that may only be replaced by a concrete newer value.
type Metrics struct {
	TokensUsed int    `json:"tokensUsed"`
	APICalls   int    `json:"apiCalls"`
	Duration   string `json:"duration"`
}

// NewMetrics returns zeroed metrics with the duration placeholder.
func NewMetrics() Metrics {
	return Metrics{Duration: DurationPlaceholder}
}

// Merge folds an incoming partial observation into the metrics and
// returns the result. This is the single merge policy shared by every
// event type that carries metrics: counters take max-with-existing when
// the incoming value is positive, and the duration placeholder never
// overwrites a concrete value. The merge is commutative over duplicate
// and out-of-order observations of the same underlying counters.
func (m Metrics) Merge(in Metrics) Metrics {
	out := m
	if in.TokensUsed > 0 && in.TokensUsed > out.TokensUsed {
		out.TokensUsed = in.TokensUsed
	}
	if in.APICalls > 0 && in.APICalls > out.APICalls {
		out.APICalls = in.APICalls
	}
	if in.Duration != "" && in.Duration != DurationPlaceholder {
		out.Duration = in.Duration
	}
	if out.Duration == "" {
		out.Duration = DurationPlaceholder
	}
	return out
}

// SubTask is one unit of work inside an agent, reported by the backend
// as agent_subtask_update frames or in REST activity snapshots.
type SubTask struct {
	// ID is unique within the owning agent.
	ID string `json:"id"`

	// Title is the display title.
	Title string `json:"title"`

	// Status is the sub-task execution state.
	Status pipeline.SubTaskStatus `json:"status"`

	// StartTime is the reported start, if any.
	StartTime string `json:"start_time,omitempty"`

	// EndTime is the reported end, if any.
	EndTime string `json:"end_time,omitempty"`

	// Result is the sub-task's result text once finished.
	Result string `json:"result,omitempty"`

	// Detail carries extra free-text detail.
	Detail string `json:"detail,omitempty"`
}

// Agent is the reconciled record of one pipeline agent.
type Agent struct {
	// Type identifies which of the seven agents this record tracks.
	Type pipeline.AgentType `json:"type"`

	// Status is the agent's execution state.
	Status pipeline.AgentStatus `json:"status"`

	// CurrentTask is an advisory description of current work.
	CurrentTask string `json:"current_task,omitempty"`

	// CurrentAction is an advisory description of the current action.
	CurrentAction string `json:"current_action,omitempty"`

	// OutputContent is the agent's most recent output excerpt.
	OutputContent string `json:"output_content,omitempty"`

	// Progress is the advisory 0-100 local completion estimate.
	Progress float64 `json:"progress"`

	// SubTasks are ordered by arrival; IDs are unique within the agent.
	SubTasks []SubTask `json:"sub_tasks,omitempty"`

	// Metrics are the monotonic resource counters.
	Metrics Metrics `json:"metrics"`

	// Dependencies and Outputs are derived from the agent's position
	// in the fixed sequence. They are recomputed on construction and
	// never persisted.
	Dependencies []pipeline.AgentType `json:"-"`
	Outputs      []pipeline.AgentType `json:"-"`
}

// NewAgent constructs a pending agent record with sequence-derived
// dependencies: agent N depends on agent N-1 and feeds agent N+1.
func NewAgent(t pipeline.AgentType) *Agent {
	a := &Agent{
		Type:    t,
		Status:  pipeline.AgentStatusPending,
		Metrics: NewMetrics(),
	}
	if i, ok := t.Order(); ok {
		agents := pipeline.Agents()
		if i > 0 {
			a.Dependencies = []pipeline.AgentType{agents[i-1]}
		}
		if i < len(agents)-1 {
			a.Outputs = []pipeline.AgentType{agents[i+1]}
		}
	}
	return a
}

// UpsertSubTask inserts or updates a sub-task by ID, preserving arrival
// order for new entries. Empty incoming fields never clear populated
// ones on an existing entry.
func (a *Agent) UpsertSubTask(st SubTask) {
	if st.ID == "" {
		return
	}
	for i := range a.SubTasks {
		if a.SubTasks[i].ID != st.ID {
			continue
		}
		cur := &a.SubTasks[i]
		if st.Title != "" {
			cur.Title = st.Title
		}
		if st.Status.IsValid() {
			cur.Status = st.Status
		}
		if st.StartTime != "" {
			cur.StartTime = st.StartTime
		}
		if st.EndTime != "" {
			cur.EndTime = st.EndTime
		}
		if st.Result != "" {
			cur.Result = st.Result
		}
		if st.Detail != "" {
			cur.Detail = st.Detail
		}
		return
	}
	if !st.Status.IsValid() {
		st.Status = pipeline.SubTaskPending
	}
	a.SubTasks = append(a.SubTasks, st)
}

// Clone returns a deep copy of the agent record.
func (a *Agent) Clone() *Agent {
	out := *a
	out.SubTasks = append([]SubTask(nil), a.SubTasks...)
	out.Dependencies = append([]pipeline.AgentType(nil), a.Dependencies...)
	out.Outputs = append([]pipeline.AgentType(nil), a.Outputs...)
	return &out
}

// PlanNode is one item of the two-level research plan tree.
type PlanNode struct {
	// ID is unique within the task.
	ID string `json:"id"`

	// Title is the display title.
	Title string `json:"title"`

	// Description is the optional step description.
	Description string `json:"description,omitempty"`

	// Status is the derived execution state.
	Status pipeline.PlanStatus `json:"status"`

	// Children are the second-level nodes, ordered.
	Children []PlanNode `json:"children,omitempty"`
}

// ClonePlan deep-copies a plan tree.
func ClonePlan(nodes []PlanNode) []PlanNode {
	if nodes == nil {
		return nil
	}
	out := make([]PlanNode, len(nodes))
	for i, n := range nodes {
		out[i] = n
		out[i].Children = ClonePlan(n.Children)
	}
	return out
}

// CountLeaves returns the number of leaf-equivalent task units in a
// plan tree: childless top-level nodes count as one, otherwise the
// children count.
func CountLeaves(nodes []PlanNode) int {
	total := 0
	for _, n := range nodes {
		if len(n.Children) == 0 {
			total++
			continue
		}
		total += len(n.Children)
	}
	return total
}

// DataItem is one extracted or curated information unit. Identity for
// deduplication is the Source title string, exact match. That key is
// fragile (two distinct sources with identical titles collide) but it
// is what the backend exposes, so it is preserved here.
type DataItem struct {
	// Source is the title string, and the dedup key.
	Source string `json:"source"`

	// Info is the content or URL text.
	Info string `json:"info"`

	// Confidence is "high" or "medium".
	Confidence string `json:"confidence"`

	// Time is a display timestamp.
	Time string `json:"time"`
}

// MergeDataItems merges incoming items into existing by Source title.
// A matching incoming item overwrites the existing entry's fields in
// place; unmatched incoming items append in arrival order. Existing
// items absent from incoming are kept, so a snapshot that lags behind
// stream-added items never loses them.
func MergeDataItems(existing, incoming []DataItem) []DataItem {
	out := append([]DataItem(nil), existing...)
	index := make(map[string]int, len(out))
	for i, it := range out {
		index[it.Source] = i
	}
	for _, in := range incoming {
		if i, ok := index[in.Source]; ok {
			out[i] = in
			continue
		}
		index[in.Source] = len(out)
		out = append(out, in)
	}
	return out
}

// LogEntry is one line of the bounded log tail.
type LogEntry struct {
	// Time is a display timestamp.
	Time string `json:"time"`

	// Agent is the lowercase agent key.
	Agent pipeline.AgentType `json:"agent"`

	// Content is the derived human-readable line.
	Content string `json:"content"`

	// Severity is info, success or error.
	Severity string `json:"severity,omitempty"`
}

// LogCapacity bounds the retained log tail. Oldest entries drop first.
const LogCapacity = 26

// AppendLog appends an entry and trims to LogCapacity, oldest first.
func AppendLog(tail []LogEntry, e LogEntry) []LogEntry {
	tail = append(tail, e)
	if n := len(tail) - LogCapacity; n > 0 {
		tail = append([]LogEntry(nil), tail[n:]...)
	}
	return tail
}

// FormatTime renders a timestamp for log and data-item display.
func FormatTime(t time.Time) string {
	return t.Format("15:04:05")
}
