package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hearthchat/hearth/pkg/log"
	"github.com/hearthchat/hearth/pkg/metrics"
	"github.com/hearthchat/hearth/pkg/storage"
	"github.com/hearthchat/hearth/pkg/types"
)

// RowHandler applies replicated rows for one stream on the reader side.
// Implementations must invalidate any caches the rows affect before
// returning: the client only advances its durable position afterwards, so
// a crash between the two replays the rows rather than serving stale
// reads. Applying the same row twice must be a no-op.
type RowHandler interface {
	StreamName() types.StreamName
	ApplyRows(token int64, rows []json.RawMessage) error
}

// PositionWatcher is notified after a stream's local position advances.
// Used by readers that gate request handling on replication progress.
type PositionWatcher interface {
	OnPosition(stream types.StreamName, token int64)
}

// ClientConfig tunes the subscriber side of the replication protocol.
type ClientConfig struct {
	// URL of the writer's replication endpoint, e.g.
	// ws://manager:8080/replication.
	URL string

	// PingTimeout bounds the silence tolerated before the connection is
	// declared dead. The writer pings well inside this window.
	PingTimeout time.Duration

	ReconnectBackoff    time.Duration
	ReconnectBackoffMax time.Duration
}

// Client maintains a replication subscription to the writer, dispatching
// rows to per-stream handlers and persisting stream positions. It
// reconnects forever with backoff; on every (re)connect it resumes from
// the durable positions, so rows may be redelivered but never skipped.
type Client struct {
	store    storage.Store
	cfg      ClientConfig
	logger   zerolog.Logger
	handlers map[types.StreamName]RowHandler

	mu       sync.Mutex
	watchers []PositionWatcher

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewClient builds a replication client over the given handlers. One
// handler per stream; streams without a handler still have their
// positions tracked.
func NewClient(store storage.Store, cfg ClientConfig, handlers ...RowHandler) *Client {
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 30 * time.Second
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = time.Second
	}
	if cfg.ReconnectBackoffMax <= 0 {
		cfg.ReconnectBackoffMax = 30 * time.Second
	}
	byName := make(map[types.StreamName]RowHandler, len(handlers))
	for _, h := range handlers {
		byName[h.StreamName()] = h
	}
	return &Client{
		store:    store,
		cfg:      cfg,
		logger:   log.WithComponent("replication-client"),
		handlers: byName,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Watch registers w for position advances.
func (c *Client) Watch(w PositionWatcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, w)
}

// Start runs the connect loop until Stop or ctx cancellation.
func (c *Client) Start(ctx context.Context) {
	go c.run(ctx)
}

// Stop terminates the connect loop and waits for it to exit.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.done
}

// Position returns the durable local position for a stream.
func (c *Client) Position(stream types.StreamName) (int64, error) {
	return c.store.LocalPosition(stream)
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	backoff := c.cfg.ReconnectBackoff
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		err := c.runConn(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Dur("backoff", backoff).Msg("replication connection lost")
		}

		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.ReconnectBackoffMax {
			backoff = c.cfg.ReconnectBackoffMax
		}
	}
}

// runConn dials, introduces itself, and consumes frames until the
// connection dies. Any error forces a reconnect; resumption from durable
// positions makes that safe.
func (c *Client) runConn(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.cfg.URL, err)
	}
	defer ws.Close()

	positions := make(map[types.StreamName]int64, len(c.handlers))
	for name := range c.handlers {
		pos, err := c.store.LocalPosition(name)
		if err != nil {
			return fmt.Errorf("reading local position for %s: %w", name, err)
		}
		positions[name] = pos
	}

	ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := ws.WriteJSON(Frame{Type: FrameReplicate, Positions: positions}); err != nil {
		return fmt.Errorf("sending REPLICATE: %w", err)
	}

	c.logger.Info().Interface("positions", positions).Msg("replication connected")

	// Tracks the furthest token applied per stream on this connection so
	// redelivered or reordered rows are dropped instead of re-applied out
	// of order.
	applied := positions

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		default:
		}

		ws.SetReadDeadline(time.Now().Add(c.cfg.PingTimeout))
		var frame Frame
		if err := ws.ReadJSON(&frame); err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}

		switch frame.Type {
		case FramePing:
			// Read deadline already reset above; nothing else to do.
		case FrameError:
			return fmt.Errorf("writer reported error: %s", frame.Message)
		case FrameRData, FramePosition:
			if err := c.handleUpdate(frame, applied); err != nil {
				return err
			}
		default:
			c.logger.Warn().Str("type", string(frame.Type)).Msg("ignoring unknown frame type")
		}
	}
}

// handleUpdate applies one RDATA or POSITION frame. Rows are applied
// before the durable position advances, so a crash in between replays
// them; handlers are idempotent so that is harmless.
func (c *Client) handleUpdate(frame Frame, applied map[types.StreamName]int64) error {
	if frame.Token <= applied[frame.Stream] {
		// Redelivery from catch-up overlap; already applied.
		return nil
	}

	if frame.Type == FrameRData {
		handler := c.handlers[frame.Stream]
		rows := make([]json.RawMessage, 0, len(frame.Rows))
		for _, row := range frame.Rows {
			if row.Token <= applied[frame.Stream] {
				continue
			}
			rows = append(rows, row.Row)
		}
		if handler != nil && len(rows) > 0 {
			if err := handler.ApplyRows(frame.Token, rows); err != nil {
				return fmt.Errorf("applying %s rows: %w", frame.Stream, err)
			}
			metrics.StreamRowsApplied.WithLabelValues(string(frame.Stream)).Add(float64(len(rows)))
		}
	}

	if err := c.store.SetLocalPosition(frame.Stream, frame.Token); err != nil {
		return fmt.Errorf("persisting %s position: %w", frame.Stream, err)
	}
	applied[frame.Stream] = frame.Token

	c.mu.Lock()
	watchers := make([]PositionWatcher, len(c.watchers))
	copy(watchers, c.watchers)
	c.mu.Unlock()
	for _, w := range watchers {
		w.OnPosition(frame.Stream, frame.Token)
	}
	return nil
}
