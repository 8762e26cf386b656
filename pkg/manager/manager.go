package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/hearthchat/hearth/pkg/cache"
	"github.com/hearthchat/hearth/pkg/config"
	"github.com/hearthchat/hearth/pkg/log"
	"github.com/hearthchat/hearth/pkg/metrics"
	"github.com/hearthchat/hearth/pkg/notifier"
	"github.com/hearthchat/hearth/pkg/replication"
	"github.com/hearthchat/hearth/pkg/state"
	"github.com/hearthchat/hearth/pkg/storage"
	"github.com/hearthchat/hearth/pkg/types"
	"github.com/hearthchat/hearth/pkg/worker"
)

// Manager is the writer instance: it owns the store, allocates stream
// tokens, persists events, and streams committed rows to workers.
type Manager struct {
	cfg      *config.Config
	store    storage.Store
	notifier *notifier.Notifier
	shared   *cache.SharedCache

	Persister *Persister
	Groups    *state.GroupStore

	// The writer keeps the same caches its workers do and feeds them the
	// same rows, just in-process instead of over the wire.
	localEvents   *worker.EventStore
	localReceipts *worker.ReceiptStore
	local         map[types.StreamName]replication.RowHandler

	streamer *replication.Streamer
	server   *http.Server
	upgrader websocket.Upgrader
}

// New builds a manager from configuration.
func New(cfg *config.Config) (*Manager, error) {
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	shared, err := cache.NewShared(cache.Config{
		Addr:     cfg.Cache.RedisAddr,
		Password: cfg.Cache.RedisPassword,
		Timeout:  cfg.Cache.RedisTimeout,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("connecting shared cache: %w", err)
	}

	groups := state.NewGroupStore(store, cfg.State.MaxDeltaHops)
	n := notifier.New()

	persister, err := NewPersister(store, groups, n, cfg.Persist, cfg.Instance)
	if err != nil {
		store.Close()
		return nil, err
	}

	m := &Manager{
		cfg:           cfg,
		store:         store,
		notifier:      n,
		shared:        shared,
		Persister:     persister,
		Groups:        groups,
		localEvents:   worker.NewEventStore(store, groups, shared),
		localReceipts: worker.NewReceiptStore(store),
		upgrader:      websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}

	invalidator := worker.NewCacheInvalidator(
		m.localEvents.InvalidatableCaches(),
		m.localReceipts.InvalidatableCaches(),
	)
	m.local = map[types.StreamName]replication.RowHandler{
		types.StreamEvents:   m.localEvents,
		types.StreamReceipts: m.localReceipts,
		types.StreamCaches:   invalidator,
	}
	persister.OnCommit(m.invalidateLocal)

	registry := replication.NewRegistry(
		replication.NewStoreStream(types.StreamEvents, store, func() int64 { return persister.CurrentToken(types.StreamEvents) }),
		replication.NewStoreStream(types.StreamReceipts, store, func() int64 { return persister.CurrentToken(types.StreamReceipts) }),
		replication.NewStoreStream(types.StreamPushRules, store, func() int64 { return persister.CurrentToken(types.StreamPushRules) }),
		replication.NewStoreStream(types.StreamToDevice, store, func() int64 { return persister.CurrentToken(types.StreamToDevice) }),
		replication.NewStoreStream(types.StreamDeviceLists, store, func() int64 { return persister.CurrentToken(types.StreamDeviceLists) }),
		replication.NewStoreStream(types.StreamCaches, store, func() int64 { return persister.CurrentToken(types.StreamCaches) }),
	)
	m.streamer = replication.NewStreamer(registry, n, replication.StreamerConfig{
		BatchSize:    cfg.Replication.BatchSize,
		PingInterval: cfg.Replication.PingInterval,
	})

	return m, nil
}

// invalidateLocal feeds committed rows through the writer's own caches
// before the tokens become visible.
func (m *Manager) invalidateLocal(name types.StreamName, token int64, rows []json.RawMessage) {
	if h, ok := m.local[name]; ok {
		if err := h.ApplyRows(token, rows); err != nil {
			log.Errorf("applying rows to writer caches", err)
		}
	}
}

// Start launches the notifier, the streamer, and the HTTP surface.
// Non-blocking.
func (m *Manager) Start() error {
	m.notifier.Start()
	m.streamer.Start()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	m.routes(router)

	m.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", m.cfg.Server.Host, m.cfg.Server.Port),
		Handler: router,
	}
	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("manager server failed", err)
		}
	}()

	if m.cfg.Server.MetricsPort > 0 {
		go func() {
			if err := metrics.Serve(m.cfg.Server.MetricsPort); err != nil {
				log.Errorf("metrics server failed", err)
			}
		}()
	}

	logger := log.WithComponent("manager")
	logger.Info().
		Str("instance", m.cfg.Instance).
		Int("port", m.cfg.Server.Port).
		Msg("manager started")
	return nil
}

// Stop shuts down in dependency order: HTTP first so no new writes
// arrive, then the streamer, then the store.
func (m *Manager) Stop() error {
	if m.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.server.Shutdown(ctx)
	}
	m.streamer.Stop()
	m.notifier.Stop()
	m.shared.Close()
	return m.store.Close()
}

// persistEventRequest is the write-API payload for one event.
type persistEventRequest struct {
	EventID    string          `json:"event_id" binding:"required"`
	Type       string          `json:"type" binding:"required"`
	StateKey   *string         `json:"state_key"`
	Sender     string          `json:"sender"`
	Content    json.RawMessage `json:"content"`
	PrevEvents []string        `json:"prev_events"`
	Depth      int64           `json:"depth"`

	// Rejected poisons the resulting context; the event is stored for
	// reference but never contributes to room state.
	Rejected string `json:"rejected,omitempty"`
}

func (m *Manager) routes(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "instance": m.cfg.Instance})
	})

	// Workers attach here; the connection is handed to the streamer for
	// its whole lifetime.
	router.GET("/replication", func(c *gin.Context) {
		ws, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		m.streamer.HandleConn(ws)
	})

	router.GET("/streams/positions", func(c *gin.Context) {
		positions := make(map[string]int64)
		for _, name := range []types.StreamName{
			types.StreamEvents, types.StreamReceipts, types.StreamPushRules,
			types.StreamToDevice, types.StreamDeviceLists, types.StreamCaches,
		} {
			positions[string(name)] = m.Persister.CurrentToken(name)
		}
		c.JSON(http.StatusOK, positions)
	})

	router.POST("/rooms/:roomID/events", func(c *gin.Context) {
		var reqs []persistEventRequest
		if err := c.ShouldBindJSON(&reqs); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if len(reqs) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "empty batch"})
			return
		}

		roomID := c.Param("roomID")
		batch := make([]state.EventAndContext, len(reqs))
		for i, req := range reqs {
			batch[i] = state.EventAndContext{
				Event: &types.Event{
					EventID:    req.EventID,
					RoomID:     roomID,
					Type:       req.Type,
					StateKey:   req.StateKey,
					Sender:     req.Sender,
					Content:    req.Content,
					PrevEvents: req.PrevEvents,
					Depth:      req.Depth,
					OriginTS:   time.Now().UTC(),
				},
				Context: &state.UnpersistedEventContext{
					StateBefore:    types.StateMap{},
					RejectedReason: req.Rejected,
				},
			}
		}

		pairs, err := m.Persister.PersistEvents(roomID, batch)
		if err != nil {
			if errors.Is(err, storage.ErrIntegrity) {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "integrity violation"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		out := make([]gin.H, len(pairs))
		for i, pair := range pairs {
			entry := gin.H{
				"event_id":        pair.Event.EventID,
				"stream_ordering": pair.Event.StreamOrdering,
			}
			if pair.Context.Rejected() == "" {
				entry["state_group"] = pair.Context.StateGroup()
			} else {
				entry["rejected"] = pair.Context.Rejected()
			}
			out[i] = entry
		}
		c.JSON(http.StatusOK, gin.H{"events": out})
	})

	router.POST("/rooms/:roomID/receipts", func(c *gin.Context) {
		var req struct {
			ReceiptType string `json:"receipt_type" binding:"required"`
			UserID      string `json:"user_id" binding:"required"`
			EventID     string `json:"event_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		r := &types.Receipt{
			RoomID:      c.Param("roomID"),
			ReceiptType: req.ReceiptType,
			UserID:      req.UserID,
			EventID:     req.EventID,
		}
		if err := m.Persister.SetReceipt(r); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"stream_id": r.StreamID})
	})

	router.POST("/users/:userID/push_rules/changed", func(c *gin.Context) {
		if err := m.Persister.NotifyPushRulesChanged(c.Param("userID")); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusAccepted)
	})

	router.POST("/users/:userID/devices/:deviceID/to_device", func(c *gin.Context) {
		if err := m.Persister.SendToDevice(c.Param("userID"), c.Param("deviceID")); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusAccepted)
	})

	router.POST("/users/:userID/device_lists/changed", func(c *gin.Context) {
		if err := m.Persister.NotifyDeviceListChanged(c.Param("userID")); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusAccepted)
	})

	router.POST("/caches/invalidate", func(c *gin.Context) {
		var req struct {
			Cache string   `json:"cache" binding:"required"`
			Keys  []string `json:"keys"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := m.Persister.InvalidateCache(req.Cache, req.Keys); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusAccepted)
	})
}
