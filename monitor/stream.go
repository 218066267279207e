package monitor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/XiaoChennnng/DeepResearchPro/event"
)

// pingInterval keeps intermediaries from idling out the socket. The
// backend answers the JSON ping with a pong frame.
const pingInterval = 30 * time.Second

// handshakeTimeout bounds the websocket dial.
const handshakeTimeout = 10 * time.Second

// runStream owns the websocket connection for the session's lifetime:
// dial, read, reconnect with exponential backoff. Every received frame
// is normalized and published to the fold loop; drops are counted, not
// fatal.
func (s *Session) runStream(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry until the session closes

	for {
		if ctx.Err() != nil {
			return
		}

		err := s.streamOnce(ctx, bo)
		if ctx.Err() != nil {
			return
		}
		s.streamConfirmed.Store(false)
		s.metrics.Reconnects.Inc()

		wait := bo.NextBackOff()
		if s.everConfirmed.Load() {
			s.logger.Debug("Stream disconnected, reconnecting",
				"error", err, "backoff", wait)
		} else {
			// Never saw a connected frame: the view is running degraded
			// on REST polling alone.
			s.logger.Warn("Stream unavailable, relying on polling",
				"error", err, "backoff", wait)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// streamOnce runs one websocket connection until it fails or the
// session closes.
func (s *Session) streamOnce(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.streamURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	bo.Reset()

	s.logger.Debug("Stream connected", "url", s.streamURL)

	// The read loop below is the only reader; this goroutine is the
	// only writer. Closing the connection unblocks the read on ctx
	// cancellation.
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-pingDone:
				return
			case <-ticker.C:
				if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	gen := s.gen.Load()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.metrics.FramesTotal.WithLabelValues(frameType(data)).Inc()

		ev, err := s.norm.ParseFrame(data)
		if err != nil {
			s.metrics.FramesDropped.Inc()
			s.logger.Debug("Dropped stream frame", "error", err)
			continue
		}
		s.publish(ctx, gen, ev)
	}
}

// frameType peeks the frame's type tag for metric labelling.
func frameType(data []byte) string {
	var peek struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &peek); err != nil || peek.Type == "" {
		return "invalid"
	}
	return peek.Type
}

// publish hands one normalized event to the fold loop.
func (s *Session) publish(ctx context.Context, gen int64, ev event.Event) {
	select {
	case <-ctx.Done():
	case s.events <- envelope{gen: gen, ev: ev}:
	}
}
