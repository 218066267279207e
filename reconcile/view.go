package reconcile

import (
	"github.com/XiaoChennnng/DeepResearchPro/model"
	"github.com/XiaoChennnng/DeepResearchPro/pipeline"
)

// View is an immutable copy of the reconciled state, safe to hand to
// renderers and metric exporters outside the fold goroutine.
type View struct {
	TaskID   int64
	State    ViewState
	Stage    pipeline.Stage
	Progress float64

	Agents  []model.Agent
	Plan    []model.PlanNode
	Sources []model.DataItem
	Logs    []model.LogEntry

	LastError  string
	LastReview *ReviewOutcome
}

// Snapshot deep-copies the current state. Call from the fold goroutine.
func (s *Store) Snapshot() View {
	v := View{
		TaskID:    s.taskID,
		State:     s.state,
		Stage:     s.stage,
		Progress:  s.progress,
		LastError: s.lastError,
	}

	v.Agents = make([]model.Agent, 0, len(s.agents))
	for _, at := range pipeline.Agents() {
		if a, ok := s.agents[at]; ok {
			v.Agents = append(v.Agents, *a.Clone())
		}
	}

	v.Plan = model.ClonePlan(s.plan)

	if len(s.sources) > 0 {
		v.Sources = make([]model.DataItem, len(s.sources))
		copy(v.Sources, s.sources)
	}
	if len(s.logs) > 0 {
		v.Logs = make([]model.LogEntry, len(s.logs))
		copy(v.Logs, s.logs)
	}

	if s.lastReview != nil {
		r := *s.lastReview
		r.Issues = append([]string(nil), s.lastReview.Issues...)
		v.LastReview = &r
	}
	return v
}

// Agent returns the copied agent card for one agent type, if present.
func (v View) Agent(t pipeline.AgentType) (model.Agent, bool) {
	for _, a := range v.Agents {
		if a.Type == t {
			return a, true
		}
	}
	return model.Agent{}, false
}
