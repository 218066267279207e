package reconcile

import (
	"github.com/XiaoChennnng/DeepResearchPro/model"
	"github.com/XiaoChennnng/DeepResearchPro/pipeline"
)

// AgentSignal is the per-agent input to plan derivation: which agents
// have been observed at all and what state they are in.
type AgentSignal struct {
	Status   pipeline.AgentStatus
	Observed bool
}

// DerivePlanStatuses computes the execution status of every top-level
// plan node in place. The backend pushes no authoritative node-status
// feed, so status is triangulated: agent activity when available,
// coarse progress interpolation otherwise. The result is heuristic, not
// ground truth.
//
// Agent-inferred rule: each agent maps to the plan index equal to its
// sequence position (clamped to the last node). If any agent is active,
// every node before its index is completed, its own node is in
// progress, the rest pending; a later active agent wins when several
// report active. With no active agent, each completed agent completes
// every node up to and including its index.
//
// Progress fallback (only when no agent has been observed): the total
// is split into n equal bands of 100/n; node i is completed once the
// global progress passes the end of its band, in progress while inside
// it, pending before it. At 100 everything is completed.
func DerivePlanStatuses(nodes []model.PlanNode, signals map[pipeline.AgentType]AgentSignal, progress float64) {
	n := len(nodes)
	if n == 0 {
		return
	}

	statuses, determined := deriveFromAgents(n, signals)
	if !determined {
		statuses = deriveFromProgress(n, progress)
	}

	for i := range nodes {
		applyNodeStatus(&nodes[i], statuses[i])
	}
}

func deriveFromAgents(n int, signals map[pipeline.AgentType]AgentSignal) ([]pipeline.PlanStatus, bool) {
	anyObserved := false
	activeIndex := -1
	maxCompleted := -1

	for _, agent := range pipeline.Agents() {
		sig, ok := signals[agent]
		if !ok || !sig.Observed {
			continue
		}
		anyObserved = true

		order, _ := agent.Order()
		idx := order
		if idx > n-1 {
			idx = n - 1
		}

		switch sig.Status {
		case pipeline.AgentStatusActive:
			if idx > activeIndex {
				activeIndex = idx
			}
		case pipeline.AgentStatusCompleted:
			if idx > maxCompleted {
				maxCompleted = idx
			}
		}
	}

	if !anyObserved {
		return nil, false
	}

	statuses := make([]pipeline.PlanStatus, n)
	for i := range statuses {
		statuses[i] = pipeline.PlanStatusPending
	}

	if activeIndex >= 0 {
		for i := 0; i < activeIndex; i++ {
			statuses[i] = pipeline.PlanStatusCompleted
		}
		statuses[activeIndex] = pipeline.PlanStatusInProgress
		return statuses, true
	}

	for i := 0; i <= maxCompleted && i < n; i++ {
		statuses[i] = pipeline.PlanStatusCompleted
	}
	return statuses, true
}

func deriveFromProgress(n int, progress float64) []pipeline.PlanStatus {
	statuses := make([]pipeline.PlanStatus, n)
	if progress >= 100 {
		for i := range statuses {
			statuses[i] = pipeline.PlanStatusCompleted
		}
		return statuses
	}

	band := 100.0 / float64(n)
	for i := range statuses {
		end := band * float64(i+1)
		start := band * float64(i)
		switch {
		case progress > end:
			statuses[i] = pipeline.PlanStatusCompleted
		case progress > start:
			statuses[i] = pipeline.PlanStatusInProgress
		default:
			statuses[i] = pipeline.PlanStatusPending
		}
	}
	return statuses
}

// applyNodeStatus sets a derived status on a node and its children. A
// parent is never shown less complete than its children: children of a
// completed parent are completed, children already completed never
// regress, and an in-progress parent leaves known child statuses alone.
func applyNodeStatus(node *model.PlanNode, status pipeline.PlanStatus) {
	node.Status = status
	for i := range node.Children {
		child := &node.Children[i]
		switch status {
		case pipeline.PlanStatusCompleted:
			child.Status = pipeline.PlanStatusCompleted
		case pipeline.PlanStatusPending:
			if child.Status != pipeline.PlanStatusCompleted {
				child.Status = pipeline.PlanStatusPending
			}
		case pipeline.PlanStatusInProgress:
			// Child statuses from snapshots are kept as observed.
		}
	}
}
