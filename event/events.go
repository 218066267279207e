// Package event converts the backend's heterogeneous inputs (stream
// frames, REST task snapshots and REST agent-activity snapshots) into
// a small set of canonical, validated update records for the
// reconciliation store.
//
// The stream protocol is forward-compatible: unknown frame types and
// unknown agent keys are dropped, never errors that abort the stream.
package event

import (
	"github.com/XiaoChennnng/DeepResearchPro/model"
	"github.com/XiaoChennnng/DeepResearchPro/pipeline"
)

// Event is one normalized update record. The concrete types below form
// a closed union; the store switches over them exhaustively and treats
// anything else as a protocol error.
type Event interface {
	isEvent()
}

// Connected marks the stream as confirmed by the server.
type Connected struct {
	TaskID  int64
	Message string
}

// Pong is the server's reply to a client ping. No state effect.
type Pong struct{}

// LogAppended appends one line to the bounded log tail and merges the
// carried metrics into the named agent.
type LogAppended struct {
	Agent    pipeline.AgentType
	Action   string
	Content  string
	Severity string
	Metrics  model.Metrics
	Time     string
}

// ProgressUpdated carries the scalar global progress and stage.
type ProgressUpdated struct {
	Progress float64
	Stage    pipeline.Stage
}

// PlanRefreshRequested signals that the plan changed server-side and a
// REST re-fetch of the task detail should be scheduled.
type PlanRefreshRequested struct{}

// PlanReplaced wholesale-replaces the plan tree with an authoritative
// snapshot pushed by the planner.
type PlanReplaced struct {
	Nodes []model.PlanNode
}

// SourceAdded appends one data item.
type SourceAdded struct {
	Item model.DataItem
}

// DataRefreshRequested signals that sources changed server-side and a
// REST re-fetch should be scheduled.
type DataRefreshRequested struct{}

// Completed marks the pipeline finished.
type Completed struct{}

// AgentStatusUpdated merges metrics and current work into one agent and
// marks prior-sequence agents completed.
type AgentStatusUpdated struct {
	Agent          pipeline.AgentType
	Metrics        model.Metrics
	CurrentSubtask string
	OutputContent  string
}

// ReviewFailed forces a stage rollback: the reviewer rejected the
// report and the pipeline restarted part of its work.
type ReviewFailed struct {
	RollbackProgress float64
	Message          string
	Round            int
	Issues           []string
}

// AgentActivity creates or merges one agent's full record.
type AgentActivity struct {
	Agent       pipeline.AgentType
	Status      pipeline.AgentStatus
	CurrentTask string
	Progress    float64
	HasProgress bool
	Metrics     model.Metrics
}

// SubTaskUpserted upserts one sub-task by id within an agent and merges
// the carried metrics.
type SubTaskUpserted struct {
	Agent   pipeline.AgentType
	SubTask model.SubTask
	Metrics model.Metrics
}

// PipelineError surfaces a recoverable error reported by the pipeline
// itself; it implies the pipeline is paused.
type PipelineError struct {
	Message string
}

// TaskSnapshot is the normalized REST task detail: a full-state
// replacement candidate for plan, sources and log tail plus the scalar
// progress/stage.
type TaskSnapshot struct {
	Stage    pipeline.Stage
	Progress float64
	Plan     []model.PlanNode
	Sources  []model.DataItem
	Logs     []model.LogEntry
}

// AgentUpdate is one agent's candidate record from the REST activity
// snapshot.
type AgentUpdate struct {
	Agent       pipeline.AgentType
	Status      pipeline.AgentStatus
	HasStatus   bool
	CurrentTask string
	Progress    float64
	Metrics     model.Metrics
	SubTasks    []model.SubTask
	Output      string
}

// ActivitySnapshot is the normalized REST agent-activity snapshot.
type ActivitySnapshot struct {
	Agents []AgentUpdate
}

func (Connected) isEvent()            {}
func (Pong) isEvent()                 {}
func (LogAppended) isEvent()          {}
func (ProgressUpdated) isEvent()      {}
func (PlanRefreshRequested) isEvent() {}
func (PlanReplaced) isEvent()         {}
func (SourceAdded) isEvent()          {}
func (DataRefreshRequested) isEvent() {}
func (Completed) isEvent()            {}
func (AgentStatusUpdated) isEvent()   {}
func (ReviewFailed) isEvent()         {}
func (AgentActivity) isEvent()        {}
func (SubTaskUpserted) isEvent()      {}
func (PipelineError) isEvent()        {}
func (TaskSnapshot) isEvent()         {}
func (ActivitySnapshot) isEvent()     {}
