package replication

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hearthchat/hearth/pkg/log"
	"github.com/hearthchat/hearth/pkg/metrics"
	"github.com/hearthchat/hearth/pkg/notifier"
	"github.com/hearthchat/hearth/pkg/types"
)

// StreamerConfig tunes the publisher side of the replication protocol.
type StreamerConfig struct {
	// BatchSize bounds how many rows one fetch may return; a subscriber
	// whose backlog fills a whole batch is disconnected for resync.
	BatchSize int

	PingInterval time.Duration
	WriteTimeout time.Duration
}

// Streamer pushes ordered row batches to connected workers. Per subscriber
// and per stream it tracks the last token sent; a commit poke from the
// notifier triggers a pass over every (subscriber, stream) pair with new
// rows.
type Streamer struct {
	registry *Registry
	notifier *notifier.Notifier
	cfg      StreamerConfig
	logger   zerolog.Logger

	mu    sync.Mutex
	conns map[*subscriber]bool

	pokes  notifier.Subscriber
	stopCh chan struct{}
}

// subscriber is one connected worker.
type subscriber struct {
	id   string
	ws   *websocket.Conn
	send chan Frame

	mu        sync.Mutex
	positions map[types.StreamName]int64 // last token sent per stream

	closeOnce sync.Once
	closed    chan struct{}
}

// NewStreamer creates a Streamer over the given streams. Call Start before
// accepting connections.
func NewStreamer(registry *Registry, n *notifier.Notifier, cfg StreamerConfig) *Streamer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Streamer{
		registry: registry,
		notifier: n,
		cfg:      cfg,
		logger:   log.WithComponent("streamer"),
		conns:    make(map[*subscriber]bool),
		stopCh:   make(chan struct{}),
	}
}

// Start subscribes to commit pokes and begins the notifier loop.
func (s *Streamer) Start() {
	s.pokes = s.notifier.Subscribe()
	go s.run()
	go s.pingLoop()
}

// Stop tears down all connections and the loops.
func (s *Streamer) Stop() {
	close(s.stopCh)
	s.notifier.Unsubscribe(s.pokes)

	s.mu.Lock()
	conns := make([]*subscriber, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		s.disconnect(c, "shutdown")
	}
}

func (s *Streamer) run() {
	for {
		select {
		case <-s.stopCh:
			return
		case poke := <-s.pokes:
			// Drain coalesced pokes; one pass per distinct stream covers
			// them all because each pass re-reads rows from the store.
			streams := map[types.StreamName]bool{poke.Stream: true}
			for drained := false; !drained; {
				select {
				case p := <-s.pokes:
					streams[p.Stream] = true
				default:
					drained = true
				}
			}
			for name := range streams {
				s.broadcast(notifier.Poke{Stream: name})
			}
		}
	}
}

// broadcast sends any new rows to every subscriber. Streams advance even
// with nobody connected: the current-token gauges are refreshed so they
// never fall behind the writer.
func (s *Streamer) broadcast(poke notifier.Poke) {
	for _, stream := range s.registry.All() {
		metrics.StreamCurrentToken.WithLabelValues(string(stream.Name())).Set(float64(stream.CurrentToken()))
	}

	stream := s.registry.Get(poke.Stream)
	if stream == nil {
		s.logger.Warn().Str("stream", string(poke.Stream)).Msg("poke for unknown stream")
		return
	}

	s.mu.Lock()
	conns := make([]*subscriber, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		if err := s.sendUpdates(conn, stream, false); err != nil {
			reason := "transport"
			if errors.Is(err, ErrFallenBehind) {
				reason = "backlog"
			}
			s.logger.Info().Err(err).Str("conn", conn.id).Msg("dropping subscriber")
			s.disconnect(conn, reason)
		}
	}
}

// sendUpdates pushes everything conn is missing on one stream. Rows for a
// stream always leave in strictly increasing token order because this is
// the only sender and conn.mu serializes passes.
//
// With page set (initial catch-up) a backlog larger than one batch is
// paged through; without it (live fan-out) it disconnects the subscriber,
// which resyncs from its durable position instead of being buffered
// indefinitely.
func (s *Streamer) sendUpdates(conn *subscriber, stream Stream, page bool) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	for {
		from := conn.positions[stream.Name()]
		updates, pos, limited, err := stream.UpdatesSince(from, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		if limited && !page {
			return fmt.Errorf("%w: stream %s", ErrFallenBehind, stream.Name())
		}
		if pos <= from {
			return nil
		}

		frame := Frame{Type: FramePosition, Stream: stream.Name(), Token: pos}
		if len(updates) > 0 {
			frame = Frame{
				Type:   FrameRData,
				Stream: stream.Name(),
				Token:  pos,
				Rows:   make([]UpdateRow, len(updates)),
			}
			for i, u := range updates {
				frame.Rows[i] = UpdateRow{Token: u.Token, Row: u.Row}
			}
		}

		if page {
			// Catch-up may outrun the socket; block until the writer drains.
			select {
			case conn.send <- frame:
			case <-conn.closed:
				return errors.New("connection closed during catch-up")
			}
		} else {
			select {
			case conn.send <- frame:
			default:
				return fmt.Errorf("%w: send buffer full", ErrFallenBehind)
			}
		}

		conn.positions[stream.Name()] = pos
		metrics.StreamRowsSent.WithLabelValues(string(stream.Name())).Add(float64(len(updates)))

		if len(updates) == 0 && !limited {
			return nil
		}
	}
}

// catchUp pages every registered stream forward from conn's recorded
// positions. Safe to run while live fan-out is active: conn.mu serializes
// sendUpdates passes, so rows still leave in token order.
func (s *Streamer) catchUp(conn *subscriber) error {
	for _, stream := range s.registry.All() {
		if err := s.sendUpdates(conn, stream, true); err != nil {
			return err
		}
	}
	return nil
}

// HandleConn serves one worker connection. The first frame must be a
// REPLICATE declaring resume positions; after the initial catch-up the
// connection joins live fan-out. Blocks until the connection dies.
func (s *Streamer) HandleConn(ws *websocket.Conn) {
	conn := &subscriber{
		id:        uuid.New().String(),
		ws:        ws,
		send:      make(chan Frame, 4*s.cfg.BatchSize),
		positions: make(map[types.StreamName]int64),
		closed:    make(chan struct{}),
	}

	var hello Frame
	ws.SetReadDeadline(time.Now().Add(30 * time.Second))
	if err := ws.ReadJSON(&hello); err != nil {
		s.logger.Info().Err(err).Msg("subscriber failed to introduce itself")
		ws.Close()
		return
	}
	ws.SetReadDeadline(time.Time{})

	if err := hello.Validate(); err != nil || hello.Type != FrameReplicate {
		s.logger.Info().Err(err).Str("type", string(hello.Type)).Msg("expected REPLICATE frame")
		s.writeError(ws, "expected REPLICATE frame")
		ws.Close()
		return
	}

	for name, pos := range hello.Positions {
		conn.positions[name] = pos
	}

	s.logger.Info().Str("conn", conn.id).Interface("positions", hello.Positions).Msg("subscriber connected")
	metrics.ReplicationConnections.Inc()

	go s.writeLoop(conn)

	// Streams with no resume point start "from now": fast-forward to the
	// current token so the subscriber learns its starting position.
	for _, stream := range s.registry.All() {
		if _, ok := conn.positions[stream.Name()]; !ok {
			conn.positions[stream.Name()] = stream.CurrentToken()
			select {
			case conn.send <- Frame{Type: FramePosition, Stream: stream.Name(), Token: stream.CurrentToken()}:
			default:
			}
		}
	}

	// Catch up from the reported positions before joining the live set, so
	// resumption is gapless.
	if err := s.catchUp(conn); err != nil {
		s.logger.Info().Err(err).Str("conn", conn.id).Msg("catch-up failed")
		s.disconnect(conn, "catchup")
		metrics.ReplicationConnections.Dec()
		return
	}

	s.mu.Lock()
	s.conns[conn] = true
	s.mu.Unlock()

	// Commits between the end of catch-up and registration above raised no
	// poke this subscriber could see. One more sweep closes that window.
	if err := s.catchUp(conn); err != nil {
		s.logger.Info().Err(err).Str("conn", conn.id).Msg("catch-up failed")
		s.disconnect(conn, "catchup")
		metrics.ReplicationConnections.Dec()
		return
	}

	// Subscribers send nothing after REPLICATE; the read loop only exists
	// to notice the connection dying.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}

	s.disconnect(conn, "transport")
	metrics.ReplicationConnections.Dec()
}

func (s *Streamer) writeLoop(conn *subscriber) {
	for {
		select {
		case <-conn.closed:
			return
		case frame := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.ws.WriteJSON(frame); err != nil {
				s.disconnect(conn, "transport")
				return
			}
		}
	}
}

func (s *Streamer) pingLoop() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			for conn := range s.conns {
				select {
				case conn.send <- Frame{Type: FramePing}:
				default:
					// Buffer full; the next broadcast pass will notice.
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *Streamer) disconnect(conn *subscriber, reason string) {
	conn.closeOnce.Do(func() {
		close(conn.closed)
		conn.ws.Close()
		metrics.ReplicationDisconnects.WithLabelValues(reason).Inc()
	})

	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Streamer) writeError(ws *websocket.Conn, msg string) {
	ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	_ = ws.WriteJSON(Frame{Type: FrameError, Message: msg})
}

// ConnCount returns the number of live subscribers.
func (s *Streamer) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
