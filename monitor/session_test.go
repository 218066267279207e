package monitor

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XiaoChennnng/DeepResearchPro/api"
	"github.com/XiaoChennnng/DeepResearchPro/config"
	"github.com/XiaoChennnng/DeepResearchPro/pipeline"
	"github.com/XiaoChennnng/DeepResearchPro/reconcile"
)

// fakeBackend serves the REST endpoints and the websocket stream of one
// task from a single test server.
type fakeBackend struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	// frames are written to the stream as soon as a client connects.
	frames []string

	// closeStream, when set, closes the connection once the channel is
	// closed instead of holding it open.
	closeStream chan struct{}

	detailBody   string
	activityBody string
}

func newFakeBackend(t *testing.T, frames []string) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		frames:       frames,
		detailBody:   `{"id": 42, "status": "pending", "progress": 0, "plan_items": [], "sources": [], "recent_logs": []}`,
		activityBody: `{"agents": []}`,
	}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/ws/research/"):
			b.serveStream(t, w, r)
		case strings.HasSuffix(r.URL.Path, "/agents"):
			_, _ = w.Write([]byte(b.activityBody))
		default:
			_, _ = w.Write([]byte(b.detailBody))
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) serveStream(t *testing.T, w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for _, f := range b.frames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			return
		}
	}
	if b.closeStream != nil {
		<-b.closeStream
		return
	}
	// Hold the connection open until the client goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// logSink captures slog output for assertions.
type logSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *logSink) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *logSink) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

func debugLogger(sink *logSink) *slog.Logger {
	return slog.New(slog.NewTextHandler(sink, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func waitForLog(t *testing.T, sink *logSink, substr string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(sink.String(), substr) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("log line %q not observed, logs:\n%s", substr, sink.String())
}

func testConfig(url string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Backend.URL = url
	// Keep the poll loop out of stream-driven tests.
	cfg.Poll.Unconfirmed = time.Hour
	cfg.Poll.Confirmed = time.Hour
	cfg.Poll.Reevaluate = time.Hour
	return cfg
}

func waitForView(t *testing.T, s *Session, cond func(reconcile.View) bool) reconcile.View {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if v := s.Snapshot(); cond(v) {
			return v
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("view condition not met, last view: %+v", s.Snapshot())
	return reconcile.View{}
}

func TestSessionFoldsStreamToCompletion(t *testing.T) {
	backend := newFakeBackend(t, []string{
		`{"type": "connected", "task_id": 42, "message": "WebSocket"}`,
		`{"type": "agent_log", "task_id": 42, "agent_type": "planner", "action": "Plan", "content": "drafting outline", "status": "info", "tokens_used": 120, "duration_ms": 800}`,
		`{"type": "plan_snapshot", "task_id": 42, "plan": [{"title": "Background"}, {"title": "Findings"}]}`,
		`{"type": "progress", "task_id": 42, "progress": 30, "stage": "curating"}`,
		`{"type": "source_added", "task_id": 42, "source": {"title": "WHO Report", "url": "https://who.int/r", "confidence": "high"}}`,
		`{"type": "not_a_real_frame"}`,
		`{"type": "completed", "task_id": 42}`,
	})

	s, err := NewSession(testConfig(backend.srv.URL), 42)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(context.Background()) }()

	select {
	case err := <-runErr:
		require.NoError(t, err, "Run returns nil on completion")
	case <-time.After(5 * time.Second):
		t.Fatal("session did not complete")
	}

	v := s.Snapshot()
	assert.Equal(t, reconcile.StateTornDown, v.State)
	assert.Equal(t, pipeline.StageCompleted, v.Stage)
	assert.Equal(t, float64(100), v.Progress)

	planner, ok := v.Agent(pipeline.AgentPlanner)
	require.True(t, ok)
	assert.Equal(t, pipeline.AgentStatusCompleted, planner.Status)
	assert.Equal(t, 120, planner.Metrics.TokensUsed)

	require.Len(t, v.Plan, 2)
	assert.Equal(t, "Background", v.Plan[0].Title)
	require.Len(t, v.Sources, 1)
	assert.Equal(t, "WHO Report", v.Sources[0].Source)
	require.Len(t, v.Logs, 1)
	assert.Equal(t, "Plan: drafting outline", v.Logs[0].Content)
}

func TestSessionCloseTearsDown(t *testing.T) {
	backend := newFakeBackend(t, []string{
		`{"type": "connected", "task_id": 42}`,
		`{"type": "progress", "task_id": 42, "progress": 20, "stage": "searching"}`,
	})

	s, err := NewSession(testConfig(backend.srv.URL), 42)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(context.Background()) }()

	waitForView(t, s, func(v reconcile.View) bool {
		return v.Progress == 20
	})

	s.Close()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.Equal(t, reconcile.StateTornDown, s.Snapshot().State)
}

func TestSessionSurvivesInitialFetchFailure(t *testing.T) {
	backend := newFakeBackend(t, []string{
		`{"type": "connected", "task_id": 42}`,
	})
	srvDown := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/ws/") {
			backend.serveStream(t, w, r)
			return
		}
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srvDown.Close()

	s, err := NewSession(testConfig(srvDown.URL), 42)
	require.NoError(t, err)

	go func() { _ = s.Run(context.Background()) }()
	defer s.Close()

	v := waitForView(t, s, func(v reconcile.View) bool {
		return v.State == reconcile.StateLive
	})
	assert.NotEmpty(t, v.LastError, "failed load is surfaced, not fatal")
}

func TestStreamFailureWarnsUntilFirstConfirmation(t *testing.T) {
	// The websocket endpoint refuses every dial while REST works, so
	// the view runs degraded on polling alone.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/ws/") {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"id": 42, "status": "pending", "progress": 0, "plan_items": [], "sources": [], "recent_logs": []}`))
	}))
	defer srv.Close()

	sink := &logSink{}
	s, err := NewSession(testConfig(srv.URL), 42, WithLogger(debugLogger(sink)))
	require.NoError(t, err)

	go func() { _ = s.Run(context.Background()) }()
	defer s.Close()

	waitForLog(t, sink, "Stream unavailable, relying on polling")
}

func TestStreamDisconnectAfterConfirmationIsQuiet(t *testing.T) {
	disconnect := make(chan struct{})
	backend := newFakeBackend(t, []string{`{"type": "connected", "task_id": 42}`})
	backend.closeStream = disconnect

	sink := &logSink{}
	s, err := NewSession(testConfig(backend.srv.URL), 42, WithLogger(debugLogger(sink)))
	require.NoError(t, err)

	go func() { _ = s.Run(context.Background()) }()
	defer s.Close()

	waitForLog(t, sink, "Stream confirmed")
	close(disconnect)
	waitForLog(t, sink, "Stream disconnected, reconnecting")
	assert.NotContains(t, sink.String(), "Stream unavailable",
		"a once-confirmed stream reconnects without the degraded-mode notice")
}

func TestCloseBeforeRunPreventsStart(t *testing.T) {
	backend := newFakeBackend(t, nil)

	s, err := NewSession(testConfig(backend.srv.URL), 42)
	require.NoError(t, err)

	s.Close()
	assert.ErrorIs(t, s.Run(context.Background()), ErrSessionClosed)

	// Closing again stays a no-op.
	s.Close()
}

func TestSessionStopsOnMissingTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(http.NotFound))
	defer srv.Close()

	s, err := NewSession(testConfig(srv.URL), 42)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(context.Background()) }()

	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, api.ErrTaskNotFound)
	case <-time.After(5 * time.Second):
		t.Fatal("session kept running for a task the backend does not have")
	}
}

func TestSessionPollFeedsSnapshots(t *testing.T) {
	// No stream frames: the websocket connects but stays silent, so the
	// unconfirmed poll path carries all updates.
	backend := newFakeBackend(t, nil)
	backend.detailBody = `{
		"id": 42, "status": "analyzing", "progress": 45,
		"plan_items": [{"id": 1, "parent_id": null, "title": "Scope", "status": "completed", "order": 1}],
		"sources": [{"title": "NIH Study", "url": "https://nih.gov/s", "confidence": "high"}],
		"recent_logs": []
	}`

	cfg := testConfig(backend.srv.URL)
	cfg.Poll.Unconfirmed = 50 * time.Millisecond
	cfg.Poll.Reevaluate = time.Hour

	s, err := NewSession(cfg, 42)
	require.NoError(t, err)

	go func() { _ = s.Run(context.Background()) }()
	defer s.Close()

	v := waitForView(t, s, func(v reconcile.View) bool {
		return v.Progress == 45 && len(v.Sources) == 1
	})
	assert.Equal(t, pipeline.StageAnalyzing, v.Stage)
	assert.Equal(t, "Scope", v.Plan[0].Title)
}

func TestPollIntervalAdaptsToStreamState(t *testing.T) {
	backend := newFakeBackend(t, nil)
	cfg := testConfig(backend.srv.URL)

	s, err := NewSession(cfg, 42)
	require.NoError(t, err)

	assert.Equal(t, cfg.Poll.Unconfirmed, s.pollInterval())
	s.streamConfirmed.Store(true)
	assert.Equal(t, cfg.Poll.Confirmed, s.pollInterval())
	s.streamConfirmed.Store(false)
	assert.Equal(t, cfg.Poll.Unconfirmed, s.pollInterval())
}

func TestSessionRollbackVisibleInView(t *testing.T) {
	backend := newFakeBackend(t, []string{
		`{"type": "connected", "task_id": 42}`,
		`{"type": "progress", "task_id": 42, "progress": 92, "stage": "reviewing"}`,
		`{"type": "review_failed", "task_id": 42, "message": "unsupported claims", "review_round": 1, "rollback_progress": 70.0, "issues": ["claim 2"]}`,
	})

	s, err := NewSession(testConfig(backend.srv.URL), 42)
	require.NoError(t, err)

	go func() { _ = s.Run(context.Background()) }()
	defer s.Close()

	v := waitForView(t, s, func(v reconcile.View) bool {
		return v.LastReview != nil
	})
	assert.Equal(t, float64(70), v.Progress)
	assert.Equal(t, pipeline.StageWriting, v.Stage)
	assert.Equal(t, 1, v.LastReview.Round)

	reviewer, ok := v.Agent(pipeline.AgentReviewer)
	require.True(t, ok)
	assert.Equal(t, pipeline.AgentStatusFailed, reviewer.Status)
}
