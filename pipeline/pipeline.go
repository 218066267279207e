// Package pipeline defines the fixed vocabulary of the DeepResearchPro
// multi-agent research pipeline: the ordered stage sequence, the agent
// types mapped 1:1 to those stages, and the status sets used by the
// reconciliation engine.
//
// The stage and agent sequences are total orders. Their ordering is load
// bearing: the reconciler infers "everything before the active stage is
// done" from sequence position alone, so both tables live here and are
// consumed by every component instead of being re-derived per call site.
package pipeline

import "strings"

// Stage represents the pipeline's current named phase.
type Stage string

const (
	// StagePending indicates the task has been created but not started.
	StagePending Stage = "pending"
	// StagePlanning indicates the planner is building the research plan.
	StagePlanning Stage = "planning"
	// StageSearching indicates multi-channel information search.
	StageSearching Stage = "searching"
	// StageCurating indicates source quality filtering.
	StageCurating Stage = "curating"
	// StageAnalyzing indicates data analysis.
	StageAnalyzing Stage = "analyzing"
	// StageWriting indicates report composition.
	StageWriting Stage = "writing"
	// StageCiting indicates citation verification.
	StageCiting Stage = "citing"
	// StageReviewing indicates final report review.
	StageReviewing Stage = "reviewing"
	// StageCompleted indicates the pipeline finished successfully.
	StageCompleted Stage = "completed"
	// StageFailed indicates the pipeline terminated with an error.
	StageFailed Stage = "failed"
	// StagePaused indicates the pipeline was paused by the user.
	StagePaused Stage = "paused"
)

// pipelineStages is the ordered working sequence, excluding the
// pending/completed/failed/paused bookkeeping states.
var pipelineStages = []Stage{
	StagePlanning,
	StageSearching,
	StageCurating,
	StageAnalyzing,
	StageWriting,
	StageCiting,
	StageReviewing,
}

// Stages returns the ordered pipeline stage sequence.
func Stages() []Stage {
	out := make([]Stage, len(pipelineStages))
	copy(out, pipelineStages)
	return out
}

// String returns the string representation of the stage.
func (s Stage) String() string {
	return string(s)
}

// IsValid returns true if the stage is a known stage value.
func (s Stage) IsValid() bool {
	switch s {
	case StagePending, StagePlanning, StageSearching, StageCurating,
		StageAnalyzing, StageWriting, StageCiting, StageReviewing,
		StageCompleted, StageFailed, StagePaused:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for stages that end the pipeline.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Order returns the stage's position in the pipeline sequence, and true
// if the stage is a working pipeline stage. Bookkeeping states
// (pending, completed, failed, paused) return -1, false.
func (s Stage) Order() (int, bool) {
	for i, st := range pipelineStages {
		if st == s {
			return i, true
		}
	}
	return -1, false
}

// AgentType identifies one stage-specific worker in the backend pipeline.
type AgentType string

const (
	AgentPlanner  AgentType = "planner"
	AgentSearcher AgentType = "searcher"
	AgentCurator  AgentType = "curator"
	AgentAnalyzer AgentType = "analyzer"
	AgentWriter   AgentType = "writer"
	AgentCiter    AgentType = "citer"
	AgentReviewer AgentType = "reviewer"
)

// agentSequence mirrors pipelineStages 1:1. Agent N works stage N.
var agentSequence = []AgentType{
	AgentPlanner,
	AgentSearcher,
	AgentCurator,
	AgentAnalyzer,
	AgentWriter,
	AgentCiter,
	AgentReviewer,
}

// Agents returns the ordered agent sequence.
func Agents() []AgentType {
	out := make([]AgentType, len(agentSequence))
	copy(out, agentSequence)
	return out
}

// AgentCount is the number of agents in the pipeline.
const AgentCount = 7

// String returns the string representation of the agent type.
func (a AgentType) String() string {
	return string(a)
}

// IsValid returns true if the agent type is one of the seven pipeline agents.
func (a AgentType) IsValid() bool {
	_, ok := a.Order()
	return ok
}

// Order returns the agent's position in the fixed sequence, and true if
// the agent type is known.
func (a AgentType) Order() (int, bool) {
	for i, at := range agentSequence {
		if at == a {
			return i, true
		}
	}
	return -1, false
}

// Stage returns the pipeline stage this agent works.
func (a AgentType) Stage() (Stage, bool) {
	i, ok := a.Order()
	if !ok {
		return "", false
	}
	return pipelineStages[i], true
}

// AgentForStage returns the agent mapped to a working stage.
func AgentForStage(s Stage) (AgentType, bool) {
	i, ok := s.Order()
	if !ok {
		return "", false
	}
	return agentSequence[i], true
}

// ParseAgentType normalizes a wire agent key (case-insensitive) to an
// AgentType. Unknown keys return false; per the stream contract they
// are ignored rather than treated as errors.
func ParseAgentType(raw string) (AgentType, bool) {
	a := AgentType(strings.ToLower(strings.TrimSpace(raw)))
	if a.IsValid() {
		return a, true
	}
	return "", false
}

// AgentStatus represents the execution state of one agent.
type AgentStatus string

const (
	// AgentStatusPending indicates the agent has not started.
	AgentStatusPending AgentStatus = "pending"
	// AgentStatusActive indicates the agent is currently working.
	AgentStatusActive AgentStatus = "active"
	// AgentStatusCompleted indicates the agent finished its stage.
	AgentStatusCompleted AgentStatus = "completed"
	// AgentStatusFailed indicates the agent's stage failed.
	AgentStatusFailed AgentStatus = "failed"
	// AgentStatusIdle indicates the agent's stage has not been reached.
	AgentStatusIdle AgentStatus = "idle"
)

// String returns the string representation of the agent status.
func (s AgentStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a known agent status.
func (s AgentStatus) IsValid() bool {
	switch s {
	case AgentStatusPending, AgentStatusActive, AgentStatusCompleted,
		AgentStatusFailed, AgentStatusIdle:
		return true
	default:
		return false
	}
}

// ParseAgentStatus normalizes a wire status string. The backend uses
// "running" and "active" interchangeably for a working agent.
func ParseAgentStatus(raw string) (AgentStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active", "running":
		return AgentStatusActive, true
	case "pending":
		return AgentStatusPending, true
	case "completed", "complete":
		return AgentStatusCompleted, true
	case "failed", "error":
		return AgentStatusFailed, true
	case "idle", "waiting":
		return AgentStatusIdle, true
	default:
		return "", false
	}
}

// PlanStatus represents the derived execution state of a plan node.
type PlanStatus string

const (
	PlanStatusPending    PlanStatus = "pending"
	PlanStatusInProgress PlanStatus = "in_progress"
	PlanStatusCompleted  PlanStatus = "completed"
)

// String returns the string representation of the plan status.
func (s PlanStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a known plan status.
func (s PlanStatus) IsValid() bool {
	switch s {
	case PlanStatusPending, PlanStatusInProgress, PlanStatusCompleted:
		return true
	default:
		return false
	}
}

// SubTaskStatus represents the state of an agent sub-task.
type SubTaskStatus string

const (
	SubTaskPending   SubTaskStatus = "pending"
	SubTaskRunning   SubTaskStatus = "running"
	SubTaskCompleted SubTaskStatus = "completed"
	SubTaskFailed    SubTaskStatus = "failed"
)

// IsValid returns true if the status is a known sub-task status.
func (s SubTaskStatus) IsValid() bool {
	switch s {
	case SubTaskPending, SubTaskRunning, SubTaskCompleted, SubTaskFailed:
		return true
	default:
		return false
	}
}
