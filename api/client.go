// Package api is the REST client for the DeepResearchPro backend. It
// fetches the task detail and agent activity snapshots the reconciler
// folds, and exposes the pause/resume task controls.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/XiaoChennnng/DeepResearchPro/event"
)

// maxResponseSize bounds REST response bodies.
const maxResponseSize = 4 * 1024 * 1024 // 4MB

// ErrTaskNotFound is returned when the backend does not know the task id.
var ErrTaskNotFound = errors.New("research task not found")

// ErrBackendUnavailable is returned for 5xx responses; callers treat it
// as transient and keep the current view.
var ErrBackendUnavailable = errors.New("backend unavailable")

// Client talks to one backend instance. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the per-request timeout. Ignored when non-positive
// or when WithHTTPClient supplies a client of its own.
func WithTimeout(d time.Duration) ClientOption {
	return func(client *Client) {
		if d > 0 {
			client.httpClient.Timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// NewClient creates a REST client for the backend at baseURL, e.g.
// "http://localhost:8000".
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// TaskDetail fetches and normalizes the full task snapshot.
func (c *Client) TaskDetail(ctx context.Context, taskID int64) (event.TaskSnapshot, error) {
	var snap event.TaskSnapshot
	body, err := c.get(ctx, fmt.Sprintf("%s/api/research/tasks/%d", c.baseURL, taskID))
	if err != nil {
		return snap, fmt.Errorf("fetch task %d detail: %w", taskID, err)
	}
	return event.NewNormalizer(taskID).ParseTaskDetail(body)
}

// AgentActivity fetches and normalizes the agent activity snapshot.
func (c *Client) AgentActivity(ctx context.Context, taskID int64) (event.ActivitySnapshot, error) {
	var snap event.ActivitySnapshot
	body, err := c.get(ctx, fmt.Sprintf("%s/api/research/tasks/%d/agents", c.baseURL, taskID))
	if err != nil {
		return snap, fmt.Errorf("fetch task %d agent activity: %w", taskID, err)
	}
	return event.NewNormalizer(taskID).ParseAgentActivity(body)
}

// Pause asks the backend to pause the pipeline.
func (c *Client) Pause(ctx context.Context, taskID int64) error {
	if err := c.post(ctx, fmt.Sprintf("%s/api/research/tasks/%d/pause", c.baseURL, taskID)); err != nil {
		return fmt.Errorf("pause task %d: %w", taskID, err)
	}
	return nil
}

// Resume asks the backend to resume a paused or errored pipeline.
func (c *Client) Resume(ctx context.Context, taskID int64) error {
	if err := c.post(ctx, fmt.Sprintf("%s/api/research/tasks/%d/resume", c.baseURL, taskID)); err != nil {
		return fmt.Errorf("resume task %d: %w", taskID, err)
	}
	return nil
}

// StreamURL returns the websocket endpoint for a task, derived from the
// REST base URL.
func (c *Client) StreamURL(taskID int64) string {
	ws := c.baseURL
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return fmt.Sprintf("%s/api/ws/research/%d", ws, taskID)
}

func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req)
}

func (c *Client) post(ctx context.Context, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	_, err = c.do(req)
	return err
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrTaskNotFound
	case resp.StatusCode >= 500:
		c.logger.Debug("Backend returned server error",
			"url", req.URL.String(), "status", resp.StatusCode)
		return nil, fmt.Errorf("%w: status %d", ErrBackendUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(body, 200))
	}
	return body, nil
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
