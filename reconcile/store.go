// Package reconcile merges asynchronous, out-of-order, partially
// redundant observations of one research task (the initial REST
// snapshot, periodic REST polls and the live stream) into a single
// consistent view of the multi-agent pipeline.
//
// Every fold is a pure merge over the previous state: counters never
// regress, placeholders never clobber concrete values, and list merges
// are keyed (node id for the plan, source title for data items) so the
// result does not depend on which transport delivered an update first.
// The one deliberate exception is the review rollback, which is an
// explicit override because the pipeline really did restart part of its
// work.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/XiaoChennnng/DeepResearchPro/cache"
	"github.com/XiaoChennnng/DeepResearchPro/event"
	"github.com/XiaoChennnng/DeepResearchPro/model"
	"github.com/XiaoChennnng/DeepResearchPro/pipeline"
)

// ViewState is the lifecycle state of one task view.
type ViewState string

const (
	// StateUninitialized is the state before a task is attached.
	StateUninitialized ViewState = "uninitialized"
	// StateLoading indicates the initial snapshots are in flight.
	StateLoading ViewState = "loading"
	// StateLive indicates the view is folding events.
	StateLive ViewState = "live"
	// StateCompleted indicates the pipeline finished.
	StateCompleted ViewState = "completed"
	// StateError indicates the pipeline reported a recoverable error.
	StateError ViewState = "error"
	// StateTornDown indicates the view was dismantled.
	StateTornDown ViewState = "torn-down"
)

// String returns the string representation of the view state.
func (s ViewState) String() string {
	return string(s)
}

// Effect tells the scheduler what a fold requires beyond the state
// change itself. Folds stay pure; side effects are the caller's.
type Effect int

const (
	// EffectNone requires nothing.
	EffectNone Effect = iota
	// EffectStreamConfirmed means the stream handshake completed.
	EffectStreamConfirmed
	// EffectRefetchDetail means the task detail should be re-fetched.
	EffectRefetchDetail
	// EffectRefetchSources means sources should be re-fetched.
	EffectRefetchSources
	// EffectCompleted means the task finished and the view can hand
	// off to the report.
	EffectCompleted
	// EffectErrored means the pipeline reported a recoverable error.
	EffectErrored
)

// ReviewOutcome records the most recent review_failed rollback.
type ReviewOutcome struct {
	Round            int
	Message          string
	Issues           []string
	RollbackProgress float64
	At               time.Time
}

// Store is the reconciliation state for exactly one task id. It is not
// safe for concurrent use: the scheduler funnels all inputs through a
// single fold goroutine, which is what makes the merge functions safe
// without locks.
type Store struct {
	taskID int64
	state  ViewState

	stage    pipeline.Stage
	progress float64

	agents   map[pipeline.AgentType]*model.Agent
	observed map[pipeline.AgentType]bool

	plan    []model.PlanNode
	sources []model.DataItem
	logs    []model.LogEntry

	lastError  string
	lastReview *ReviewOutcome

	// rollbackPinned holds the reviewer-failed/writer-active override
	// in place until the pipeline demonstrably reaches reviewing again.
	rollbackPinned bool

	bands  pipeline.BandTable
	cache  cache.TaskCache
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithCache attaches a persistence backend. Without one the store
// keeps state in memory only.
func WithCache(c cache.TaskCache) Option {
	return func(s *Store) { s.cache = c }
}

// WithLogger sets the logger; slog.Default is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithBands overrides the stage→progress band table.
func WithBands(t pipeline.BandTable) Option {
	return func(s *Store) { s.bands = t }
}

// NewStore creates an uninitialized store for one task id.
func NewStore(taskID int64, opts ...Option) *Store {
	s := &Store{
		taskID:   taskID,
		state:    StateUninitialized,
		stage:    pipeline.StagePending,
		agents:   make(map[pipeline.AgentType]*model.Agent),
		observed: make(map[pipeline.AgentType]bool),
		bands:    pipeline.DefaultBands(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// TaskID returns the task id this store reconciles.
func (s *Store) TaskID() int64 { return s.taskID }

// State returns the current view state.
func (s *Store) State() ViewState { return s.state }

// SetBands swaps the band table. Call from the fold goroutine only.
func (s *Store) SetBands(t pipeline.BandTable) {
	if err := t.Validate(); err != nil {
		s.logger.Warn("Rejected invalid band table", "error", err)
		return
	}
	s.bands = t
}

// BeginLoad transitions uninitialized → loading.
func (s *Store) BeginLoad() {
	if s.state != StateUninitialized {
		return
	}
	s.state = StateLoading
}

// Purge discards in-memory state and the persisted cache entries for
// this task id. Called when the watched task id changes; a plain
// mount keeps the cache so it can bridge a reload.
func (s *Store) Purge(ctx context.Context) {
	s.agents = make(map[pipeline.AgentType]*model.Agent)
	s.observed = make(map[pipeline.AgentType]bool)
	s.plan = nil
	s.sources = nil
	s.logs = nil
	s.progress = 0
	s.stage = pipeline.StagePending
	s.lastError = ""
	s.lastReview = nil
	s.rollbackPinned = false
	if s.cache != nil {
		if err := s.cache.Clear(ctx, s.taskID); err != nil {
			s.logger.Warn("Failed to clear task cache", "task_id", s.taskID, "error", err)
		}
	}
}

// ApplyInitial folds the results of the parallel initial fetches and
// moves the view to live. Either snapshot may be nil when its fetch
// failed; the persisted cache bridges an empty or missing snapshot so
// a reload mid-task does not flash an empty view. A total fetch
// failure is reported through LastError but the view still goes live
// and keeps folding stream events.
func (s *Store) ApplyInitial(ctx context.Context, task *event.TaskSnapshot, activity *event.ActivitySnapshot, fetchErr error) {
	if s.state == StateTornDown {
		return
	}
	s.state = StateLive

	if task != nil {
		s.foldTaskSnapshot(*task)
	}
	if activity != nil {
		s.foldActivitySnapshot(*activity)
	}

	if len(s.plan) == 0 {
		s.bridgePlanFromCache(ctx)
	}
	if len(s.sources) == 0 {
		s.bridgeSourcesFromCache(ctx)
	}

	if fetchErr != nil {
		s.lastError = fmt.Sprintf("failed to load task %d: %v", s.taskID, fetchErr)
		s.logger.Warn("Initial load failed, continuing with cached state",
			"task_id", s.taskID, "error", fetchErr)
	}

	s.derivePlan()
}

// Apply folds one normalized event and reports the required side
// effect. Events after teardown or completion are no-ops.
func (s *Store) Apply(ctx context.Context, ev event.Event) Effect {
	if s.state == StateTornDown || s.state == StateCompleted {
		return EffectNone
	}

	switch e := ev.(type) {
	case event.Connected:
		// A healthy stream supersedes an earlier load failure. Pipeline
		// errors keep their message until resumed.
		if s.state != StateError {
			s.lastError = ""
		}
		return EffectStreamConfirmed

	case event.Pong:
		return EffectNone

	case event.LogAppended:
		s.foldLog(e)

	case event.ProgressUpdated:
		s.foldProgress(e)

	case event.PlanRefreshRequested:
		return EffectRefetchDetail

	case event.PlanReplaced:
		s.foldPlanReplaced(ctx, e)

	case event.SourceAdded:
		s.sources = model.MergeDataItems(s.sources, []model.DataItem{e.Item})
		s.persistSources(ctx)

	case event.DataRefreshRequested:
		return EffectRefetchSources

	case event.Completed:
		s.foldCompleted()
		return EffectCompleted

	case event.AgentStatusUpdated:
		s.foldAgentStatus(e)

	case event.ReviewFailed:
		s.foldReviewFailed(e)

	case event.AgentActivity:
		s.foldAgentActivity(e)

	case event.SubTaskUpserted:
		s.foldSubTask(e)

	case event.PipelineError:
		s.lastError = e.Message
		if s.state == StateLive {
			s.state = StateError
		}
		return EffectErrored

	case event.TaskSnapshot:
		s.foldTaskSnapshot(e)
		s.derivePlan()
		s.persistPlan(ctx)
		s.persistSources(ctx)
		if s.state == StateError && s.stage != pipeline.StageFailed && s.stage != pipeline.StagePaused {
			// Backend recovered while we were marked errored.
			s.state = StateLive
		}
		if s.stage == pipeline.StageFailed {
			if s.lastError == "" {
				s.lastError = "research task failed"
			}
			s.state = StateError
			return EffectErrored
		}

	case event.ActivitySnapshot:
		s.foldActivitySnapshot(e)
		s.derivePlan()

	default:
		s.logger.Debug("Dropped unhandled event", "event", fmt.Sprintf("%T", ev))
	}

	return EffectNone
}

// Resume clears a recoverable error after the user resumed the
// pipeline, returning the view to live.
func (s *Store) Resume() {
	if s.state != StateError {
		return
	}
	s.lastError = ""
	s.state = StateLive
}

// Teardown moves the view to its terminal state. Events applied after
// teardown are ignored.
func (s *Store) Teardown() {
	s.state = StateTornDown
}

func (s *Store) foldLog(e event.LogAppended) {
	content := e.Content
	if e.Action != "" {
		content = e.Action + ": " + e.Content
	}
	s.logs = model.AppendLog(s.logs, model.LogEntry{
		Time:     e.Time,
		Agent:    e.Agent,
		Content:  content,
		Severity: e.Severity,
	})
	agent := s.ensureAgent(e.Agent)
	agent.Metrics = agent.Metrics.Merge(e.Metrics)
}

func (s *Store) foldProgress(e event.ProgressUpdated) {
	if e.Progress > s.progress {
		s.progress = e.Progress
	}
	s.setStage(e.Stage)

	// Derive advisory per-agent local progress from the band table and
	// complete every agent ahead of the current stage in sequence.
	if order, ok := s.stage.Order(); ok {
		for _, at := range pipeline.Agents() {
			aOrder, _ := at.Order()
			agent := s.ensureAgent(at)
			stage, _ := at.Stage()
			local := s.bands.LocalProgress(stage, s.progress)
			if local > agent.Progress {
				agent.Progress = local
			}
			switch {
			case aOrder < order:
				s.completeAgent(agent)
			case aOrder == order:
				if agent.Status != pipeline.AgentStatusCompleted &&
					!s.rollbackPins(at, pipeline.AgentStatusActive) {
					agent.Status = pipeline.AgentStatusActive
				}
				s.observed[at] = true
			}
		}
	}

	if s.stage == pipeline.StageCompleted || s.progress >= 100 {
		s.foldCompleted()
	}
	s.derivePlan()
}

func (s *Store) foldPlanReplaced(ctx context.Context, e event.PlanReplaced) {
	if len(e.Nodes) == 0 {
		return
	}
	s.plan = model.ClonePlan(e.Nodes)
	s.derivePlan()
	s.persistPlan(ctx)
}

func (s *Store) foldCompleted() {
	s.progress = 100
	s.stage = pipeline.StageCompleted
	s.rollbackPinned = false
	for _, at := range pipeline.Agents() {
		s.completeAgent(s.ensureAgent(at))
		s.observed[at] = true
	}
	s.derivePlan()
	s.state = StateCompleted
}

func (s *Store) foldAgentStatus(e event.AgentStatusUpdated) {
	agent := s.ensureAgent(e.Agent)
	agent.Metrics = agent.Metrics.Merge(e.Metrics)
	if e.CurrentSubtask != "" {
		agent.CurrentAction = e.CurrentSubtask
	}
	if e.OutputContent != "" {
		agent.OutputContent = e.OutputContent
	}
	if agent.Status != pipeline.AgentStatusCompleted &&
		!s.rollbackPins(e.Agent, pipeline.AgentStatusActive) {
		agent.Status = pipeline.AgentStatusActive
	}
	s.observed[e.Agent] = true
	s.completePriorAgents(e.Agent)
	s.derivePlan()
}

func (s *Store) foldAgentActivity(e event.AgentActivity) {
	agent := s.ensureAgent(e.Agent)
	agent.Metrics = agent.Metrics.Merge(e.Metrics)
	if e.CurrentTask != "" {
		agent.CurrentTask = e.CurrentTask
	}
	if e.HasProgress && e.Progress > agent.Progress {
		agent.Progress = e.Progress
	}
	if !s.rollbackPins(e.Agent, e.Status) {
		agent.Status = e.Status
		if e.Status == pipeline.AgentStatusCompleted {
			agent.Progress = 100
		}
	}
	s.observed[e.Agent] = true
	s.derivePlan()
}

func (s *Store) foldSubTask(e event.SubTaskUpserted) {
	agent := s.ensureAgent(e.Agent)
	agent.UpsertSubTask(e.SubTask)
	agent.Metrics = agent.Metrics.Merge(e.Metrics)
	s.observed[e.Agent] = true
}

// foldReviewFailed is the stage rollback: an explicit override, not a
// merge, because the pipeline restarted part of its work. The forced
// reviewer/writer statuses stay pinned until the pipeline reaches the
// reviewing stage again, so a concurrently delivered completion claim
// for the reviewer cannot undo the rollback regardless of arrival
// order.
func (s *Store) foldReviewFailed(e event.ReviewFailed) {
	rollback := e.RollbackProgress
	if rollback <= 0 {
		rollback = 70
	}
	s.progress = rollback
	stage := s.bands.StageFor(rollback)
	// A rollback landing on a band boundary redoes the band below it:
	// the backend's default of 70 means the writer starts over.
	if order, ok := stage.Order(); ok && order > 0 && s.bands.LocalProgress(stage, rollback) == 0 {
		stage = pipeline.Stages()[order-1]
	}
	s.stage = stage
	s.rollbackPinned = true
	s.lastReview = &ReviewOutcome{
		Round:            e.Round,
		Message:          e.Message,
		Issues:           append([]string(nil), e.Issues...),
		RollbackProgress: rollback,
		At:               time.Now(),
	}

	reviewer := s.ensureAgent(pipeline.AgentReviewer)
	reviewer.Status = pipeline.AgentStatusFailed
	reviewer.Progress = 0
	s.observed[pipeline.AgentReviewer] = true

	writer := s.ensureAgent(pipeline.AgentWriter)
	writer.Status = pipeline.AgentStatusActive
	s.observed[pipeline.AgentWriter] = true

	if e.Message != "" {
		s.logs = model.AppendLog(s.logs, model.LogEntry{
			Time:     model.FormatTime(time.Now()),
			Agent:    pipeline.AgentReviewer,
			Content:  e.Message,
			Severity: "error",
		})
	}
	for _, issue := range e.Issues {
		s.logs = model.AppendLog(s.logs, model.LogEntry{
			Time:     model.FormatTime(time.Now()),
			Agent:    pipeline.AgentReviewer,
			Content:  issue,
			Severity: "error",
		})
	}
	s.derivePlan()
}

func (s *Store) foldTaskSnapshot(e event.TaskSnapshot) {
	if e.Progress > s.progress {
		s.progress = e.Progress
	}
	s.setStage(e.Stage)

	if len(e.Plan) > 0 {
		s.plan = mergePlanByID(s.plan, e.Plan)
	}
	if len(e.Sources) > 0 {
		s.sources = model.MergeDataItems(s.sources, e.Sources)
	}
	// The stream owns the log tail once it has content; the snapshot
	// only seeds an empty one.
	if len(s.logs) == 0 && len(e.Logs) > 0 {
		for _, l := range e.Logs {
			s.logs = model.AppendLog(s.logs, l)
		}
	}
}

func (s *Store) foldActivitySnapshot(e event.ActivitySnapshot) {
	for _, upd := range e.Agents {
		agent := s.ensureAgent(upd.Agent)
		agent.Metrics = agent.Metrics.Merge(upd.Metrics)
		if upd.CurrentTask != "" {
			agent.CurrentTask = upd.CurrentTask
		}
		if upd.Output != "" {
			agent.OutputContent = upd.Output
		}
		if upd.Progress > agent.Progress {
			agent.Progress = upd.Progress
		}
		for _, st := range upd.SubTasks {
			agent.UpsertSubTask(st)
		}
		if upd.HasStatus && !s.rollbackPins(upd.Agent, upd.Status) {
			// Idle from the snapshot never downgrades an agent the
			// stream already saw working.
			if upd.Status != pipeline.AgentStatusIdle || agent.Status == pipeline.AgentStatusPending {
				agent.Status = upd.Status
			}
			if upd.Status == pipeline.AgentStatusActive || upd.Status == pipeline.AgentStatusCompleted ||
				upd.Status == pipeline.AgentStatusFailed {
				s.observed[upd.Agent] = true
			}
		}
	}
}

// setStage advances the stage monotonically along the pipeline order so
// a stale poll response cannot roll the display backward; terminal and
// bookkeeping states apply directly. The rollback override bypasses
// this via direct assignment.
func (s *Store) setStage(next pipeline.Stage) {
	if !next.IsValid() || next == pipeline.StagePending {
		return
	}
	if next == s.stage {
		return
	}
	switch next {
	case pipeline.StageCompleted, pipeline.StageFailed, pipeline.StagePaused:
		s.stage = next
		return
	}
	nextOrder, ok := next.Order()
	if !ok {
		return
	}
	curOrder, curWorking := s.stage.Order()
	if !curWorking || nextOrder >= curOrder {
		s.stage = next
		if s.rollbackPinned && next == pipeline.StageReviewing {
			s.rollbackPinned = false
		}
	}
}

// rollbackPins reports whether the rollback override forbids moving the
// agent to the given status. While pinned the reviewer stays failed and
// the writer stays active, so completion claims delivered concurrently
// with the rollback cannot undo it in either arrival order. The pin
// releases once the pipeline demonstrably reaches reviewing again.
func (s *Store) rollbackPins(a pipeline.AgentType, next pipeline.AgentStatus) bool {
	if !s.rollbackPinned {
		return false
	}
	switch a {
	case pipeline.AgentReviewer:
		return next != pipeline.AgentStatusFailed
	case pipeline.AgentWriter:
		return next != pipeline.AgentStatusActive
	}
	return false
}

func (s *Store) ensureAgent(t pipeline.AgentType) *model.Agent {
	if a, ok := s.agents[t]; ok {
		return a
	}
	a := model.NewAgent(t)
	s.agents[t] = a
	return a
}

func (s *Store) completeAgent(a *model.Agent) {
	if s.rollbackPins(a.Type, pipeline.AgentStatusCompleted) {
		return
	}
	a.Status = pipeline.AgentStatusCompleted
	a.Progress = 100
}

func (s *Store) completePriorAgents(t pipeline.AgentType) {
	order, ok := t.Order()
	if !ok {
		return
	}
	for _, at := range pipeline.Agents() {
		if o, _ := at.Order(); o < order {
			s.completeAgent(s.ensureAgent(at))
			s.observed[at] = true
		}
	}
}

func (s *Store) derivePlan() {
	signals := make(map[pipeline.AgentType]AgentSignal, len(s.agents))
	for t, a := range s.agents {
		signals[t] = AgentSignal{Status: a.Status, Observed: s.observed[t]}
	}
	DerivePlanStatuses(s.plan, signals, s.progress)
}

func (s *Store) bridgePlanFromCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	nodes, err := s.cache.LoadPlan(ctx, s.taskID)
	if err != nil || len(nodes) == 0 {
		return
	}
	s.plan = nodes
	s.logger.Debug("Bridged plan from cache", "task_id", s.taskID, "nodes", len(nodes))
}

func (s *Store) bridgeSourcesFromCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	items, err := s.cache.LoadSources(ctx, s.taskID)
	if err != nil || len(items) == 0 {
		return
	}
	s.sources = items
	s.logger.Debug("Bridged sources from cache", "task_id", s.taskID, "items", len(items))
}

func (s *Store) persistPlan(ctx context.Context) {
	if s.cache == nil || len(s.plan) == 0 {
		return
	}
	if err := s.cache.SavePlan(ctx, s.taskID, s.plan); err != nil {
		s.logger.Warn("Failed to persist plan", "task_id", s.taskID, "error", err)
	}
}

func (s *Store) persistSources(ctx context.Context) {
	if s.cache == nil || len(s.sources) == 0 {
		return
	}
	if err := s.cache.SaveSources(ctx, s.taskID, s.sources); err != nil {
		s.logger.Warn("Failed to persist sources", "task_id", s.taskID, "error", err)
	}
}

// mergePlanByID merges an authoritative snapshot into the current plan.
// The snapshot's nodes and ordering win; current nodes missing from the
// snapshot (stream-added, not yet reflected server-side) are appended
// rather than lost. Known child statuses survive a snapshot that
// reports everything pending.
func mergePlanByID(current, incoming []model.PlanNode) []model.PlanNode {
	existing := make(map[string]model.PlanNode, len(current))
	for _, n := range current {
		existing[n.ID] = n
	}

	out := make([]model.PlanNode, 0, len(incoming))
	seen := make(map[string]bool, len(incoming))
	for _, in := range incoming {
		node := in
		if prev, ok := existing[in.ID]; ok {
			if node.Status == pipeline.PlanStatusPending && prev.Status != pipeline.PlanStatusPending {
				node.Status = prev.Status
			}
			node.Children = mergePlanByID(prev.Children, in.Children)
		} else {
			node.Children = model.ClonePlan(in.Children)
		}
		seen[in.ID] = true
		out = append(out, node)
	}
	for _, n := range current {
		if !seen[n.ID] {
			out = append(out, n)
		}
	}
	return out
}
