// Package monitor schedules the three input paths of one watched task,
// the initial REST snapshot, adaptive REST polling and the websocket
// stream, and funnels everything through a single fold goroutine that
// owns the reconciliation store.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/XiaoChennnng/DeepResearchPro/api"
	"github.com/XiaoChennnng/DeepResearchPro/cache"
	"github.com/XiaoChennnng/DeepResearchPro/config"
	"github.com/XiaoChennnng/DeepResearchPro/event"
	"github.com/XiaoChennnng/DeepResearchPro/pipeline"
	"github.com/XiaoChennnng/DeepResearchPro/reconcile"
)

// ErrSessionClosed is returned by controls on a closed session.
var ErrSessionClosed = errors.New("session closed")

// envelope pairs an event with the attach generation that produced it.
// Events from a previous generation are stale and dropped unseen.
type envelope struct {
	gen int64
	ev  event.Event
}

// Session attaches to one research task and keeps its reconciled view
// current until the task completes or the session closes.
type Session struct {
	id        string
	taskID    int64
	cfg       *config.Config
	client    *api.Client
	store     *reconcile.Store
	norm      *event.Normalizer
	logger    *slog.Logger
	metrics   *Metrics
	streamURL string

	events chan envelope
	ops    chan func()

	gen             atomic.Int64
	streamConfirmed atomic.Bool
	everConfirmed   atomic.Bool
	started         atomic.Bool

	viewMu sync.RWMutex
	view   reconcile.View

	closeOnce sync.Once
	cancelMu  sync.Mutex
	closed    bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// SessionOption configures a Session.
type SessionOption func(*sessionOptions)

type sessionOptions struct {
	logger   *slog.Logger
	cache    cache.TaskCache
	registry prometheus.Registerer
	purge    bool
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) SessionOption {
	return func(o *sessionOptions) { o.logger = l }
}

// WithCache attaches a task cache for persistence bridging.
func WithCache(c cache.TaskCache) SessionOption {
	return func(o *sessionOptions) { o.cache = c }
}

// WithRegistry sets the Prometheus registerer for scheduler metrics.
func WithRegistry(r prometheus.Registerer) SessionOption {
	return func(o *sessionOptions) { o.registry = r }
}

// WithPurge clears persisted state for the task before attaching. Used
// when the watched task id changed since the cache was written.
func WithPurge() SessionOption {
	return func(o *sessionOptions) { o.purge = true }
}

// NewSession builds a session for one task. Run starts it.
func NewSession(cfg *config.Config, taskID int64, opts ...SessionOption) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := sessionOptions{
		logger:   slog.Default(),
		registry: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	client, err := api.NewClient(cfg.Backend.URL,
		api.WithLogger(o.logger),
		api.WithTimeout(cfg.Backend.Timeout))
	if err != nil {
		return nil, err
	}

	bands, err := cfg.BandTable()
	if err != nil {
		return nil, err
	}

	storeOpts := []reconcile.Option{
		reconcile.WithLogger(o.logger),
		reconcile.WithBands(bands),
	}
	if o.cache != nil {
		storeOpts = append(storeOpts, reconcile.WithCache(o.cache))
	}
	store := reconcile.NewStore(taskID, storeOpts...)

	streamURL := client.StreamURL(taskID)
	if cfg.Backend.StreamURL != "" {
		streamURL = fmt.Sprintf("%s/api/ws/research/%d", cfg.Backend.StreamURL, taskID)
	}

	id := uuid.NewString()
	s := &Session{
		id:        id,
		taskID:    taskID,
		cfg:       cfg,
		client:    client,
		store:     store,
		norm:      event.NewNormalizer(taskID),
		logger:    o.logger.With("session_id", id, "task_id", taskID),
		metrics:   NewMetrics(o.registry),
		streamURL: streamURL,
		events:    make(chan envelope, 256),
		ops:       make(chan func(), 16),
		done:      make(chan struct{}),
	}
	if o.purge {
		s.store.Purge(context.Background())
	}
	return s, nil
}

// ID returns the unique identifier of this attach session. It appears
// on every log line the session emits.
func (s *Session) ID() string { return s.id }

// Snapshot returns the most recently published view copy. Safe from any
// goroutine.
func (s *Session) Snapshot() reconcile.View {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.view
}

// Close detaches from the task. In-flight REST responses resolve as
// no-ops; Run returns once the fold loop has exited.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.gen.Add(1)
		s.cancelMu.Lock()
		s.closed = true
		if s.cancel != nil {
			s.cancel()
		}
		s.cancelMu.Unlock()
	})
	if s.started.Load() {
		<-s.done
	}
}

// Run attaches to the task and blocks until the task completes, the
// context is cancelled or Close is called. It returns nil on
// completion and ErrSessionClosed when the session was already closed.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancelMu.Lock()
	if s.closed {
		s.cancelMu.Unlock()
		cancel()
		return ErrSessionClosed
	}
	s.cancel = cancel
	s.cancelMu.Unlock()
	s.started.Store(true)
	defer cancel()
	defer close(s.done)
	defer func() {
		s.store.Teardown()
		s.publishView()
	}()

	s.logger.Info("Attaching to research task")
	s.store.BeginLoad()
	s.publishView()

	gen := s.gen.Load()
	task, activity, fetchErr := s.fetchInitial(ctx)
	if ctx.Err() != nil || gen != s.gen.Load() {
		return nil
	}
	s.store.ApplyInitial(ctx, task, activity, fetchErr)
	s.publishView()

	// A task the backend has never heard of will not start streaming.
	if errors.Is(fetchErr, api.ErrTaskNotFound) {
		return fetchErr
	}

	go s.runStream(ctx)
	go s.runPolls(ctx)

	return s.foldLoop(ctx)
}

// Pause asks the backend to pause the pipeline.
func (s *Session) Pause(ctx context.Context) error {
	return s.client.Pause(ctx, s.taskID)
}

// Resume asks the backend to resume the pipeline and clears the view's
// error condition on success.
func (s *Session) Resume(ctx context.Context) error {
	if err := s.client.Resume(ctx, s.taskID); err != nil {
		return err
	}
	return s.enqueue(ctx, s.store.Resume)
}

// ApplyBands swaps the stage band table, typically after a config
// reload.
func (s *Session) ApplyBands(ctx context.Context, table pipeline.BandTable) error {
	return s.enqueue(ctx, func() { s.store.SetBands(table) })
}

// enqueue runs fn on the fold goroutine.
func (s *Session) enqueue(ctx context.Context, fn func()) error {
	select {
	case s.ops <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

// foldLoop is the only goroutine that touches the store.
func (s *Session) foldLoop(ctx context.Context) error {
	lastStage := s.store.Snapshot().Stage

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Detaching from research task")
			return nil

		case fn := <-s.ops:
			fn()
			s.publishView()

		case env := <-s.events:
			if env.gen != s.gen.Load() {
				continue
			}
			eff := s.store.Apply(ctx, env.ev)
			s.metrics.EventsFolded.Inc()

			view := s.publishView()
			if view.Stage != lastStage {
				s.logger.Info("Pipeline stage changed",
					"from", lastStage, "to", view.Stage,
					"progress", view.Progress)
				lastStage = view.Stage
			}

			switch eff {
			case reconcile.EffectStreamConfirmed:
				s.everConfirmed.Store(true)
				if !s.streamConfirmed.Swap(true) {
					s.logger.Info("Stream confirmed, relaxing poll interval")
				}
			case reconcile.EffectRefetchDetail, reconcile.EffectRefetchSources:
				go s.refetchDetail(ctx, env.gen)
			case reconcile.EffectErrored:
				s.logger.Warn("Pipeline reported an error", "error", view.LastError)
			case reconcile.EffectCompleted:
				s.logger.Info("Research task completed")
				return nil
			}
		}
	}
}

// publishView snapshots the store for concurrent readers.
func (s *Session) publishView() reconcile.View {
	view := s.store.Snapshot()
	s.viewMu.Lock()
	s.view = view
	s.viewMu.Unlock()
	return view
}

// fetchInitial runs the two snapshot fetches in parallel.
func (s *Session) fetchInitial(ctx context.Context) (*event.TaskSnapshot, *event.ActivitySnapshot, error) {
	var (
		wg       sync.WaitGroup
		task     event.TaskSnapshot
		activity event.ActivitySnapshot
		taskErr  error
		actErr   error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		task, taskErr = s.client.TaskDetail(ctx, s.taskID)
	}()
	go func() {
		defer wg.Done()
		activity, actErr = s.client.AgentActivity(ctx, s.taskID)
	}()
	wg.Wait()

	var taskPtr *event.TaskSnapshot
	var actPtr *event.ActivitySnapshot
	if taskErr == nil {
		taskPtr = &task
	}
	if actErr == nil {
		actPtr = &activity
	}
	return taskPtr, actPtr, errors.Join(taskErr, actErr)
}

// refetchDetail re-fetches the task detail after a plan_updated or
// data_updated signal. The generation guard turns responses that
// outlive the attach into no-ops.
func (s *Session) refetchDetail(ctx context.Context, gen int64) {
	snap, err := s.client.TaskDetail(ctx, s.taskID)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("Detail refetch failed", "error", err)
		}
		return
	}
	s.publish(ctx, gen, snap)
}
