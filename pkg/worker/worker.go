package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hearthchat/hearth/pkg/cache"
	"github.com/hearthchat/hearth/pkg/config"
	"github.com/hearthchat/hearth/pkg/log"
	"github.com/hearthchat/hearth/pkg/replication"
	"github.com/hearthchat/hearth/pkg/state"
	"github.com/hearthchat/hearth/pkg/storage"
	"github.com/hearthchat/hearth/pkg/types"
)

// Worker is a read-only instance: it follows the writer's replication
// streams, keeps its caches coherent, and serves reads over HTTP.
type Worker struct {
	cfg    *config.Config
	store  storage.Store
	shared *cache.SharedCache

	Events    *EventStore
	Receipts  *ReceiptStore
	PushRules *PushRuleStore
	Devices   *DeviceStore

	client *replication.Client
	server *http.Server
	cancel context.CancelFunc
}

// New builds a worker from configuration. writerURL is the writer's
// replication endpoint.
func New(cfg *config.Config, writerURL string) (*Worker, error) {
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

	w := &Worker{
		cfg:       cfg,
		store:     store,
		shared:    shared,
		Events:    NewReplicaEventStore(store, groups, shared),
		Receipts:  NewReplicaReceiptStore(store),
		PushRules: NewPushRuleStore(store),
		Devices:   NewDeviceStore(store),
	}

	invalidator := NewCacheInvalidator(
		w.Events.InvalidatableCaches(),
		w.Receipts.InvalidatableCaches(),
		w.PushRules.InvalidatableCaches(),
	)

	w.client = replication.NewClient(store, replication.ClientConfig{
		URL:                 writerURL,
		PingTimeout:         cfg.Replication.PingTimeout,
		ReconnectBackoff:    cfg.Replication.ReconnectBackoff,
		ReconnectBackoffMax: cfg.Replication.ReconnectBackoffMax,
	},
		w.Events,
		w.Receipts,
		w.PushRules,
		w.Devices.DeviceListHandler(),
		w.Devices.ToDeviceHandler(),
		invalidator,
	)

	return w, nil
}

// Start begins replication and, when cfg.Server.Port is set, the read
// API. Non-blocking.
func (w *Worker) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.client.Start(ctx)

	if w.cfg.Server.Port > 0 {
		gin.SetMode(gin.ReleaseMode)
		router := gin.New()
		router.Use(gin.Recovery())
		w.routes(router)

		w.server = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", w.cfg.Server.Host, w.cfg.Server.Port),
			Handler: router,
		}
		go func() {
			if err := w.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("worker API server failed", err)
			}
		}()
	}

	logger := log.WithComponent("worker")
	logger.Info().Str("instance", w.cfg.Instance).Msg("worker started")
	return nil
}

// Stop shuts everything down in dependency order.
func (w *Worker) Stop() error {
	if w.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		w.server.Shutdown(ctx)
	}
	w.client.Stop()
	if w.cancel != nil {
		w.cancel()
	}
	w.shared.Close()
	return w.store.Close()
}

func (w *Worker) routes(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/positions", func(c *gin.Context) {
		positions := make(map[string]int64)
		for _, name := range []types.StreamName{
			types.StreamEvents, types.StreamReceipts, types.StreamPushRules,
			types.StreamToDevice, types.StreamDeviceLists, types.StreamCaches,
		} {
			pos, err := w.store.LocalPosition(name)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			positions[string(name)] = pos
		}
		c.JSON(http.StatusOK, positions)
	})

	router.GET("/events/:eventID", func(c *gin.Context) {
		ev, err := w.Events.GetEvent(c.Param("eventID"))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, ev)
	})

	router.GET("/rooms/:roomID/state", func(c *gin.Context) {
		current, err := w.Events.GetCurrentState(c.Param("roomID"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out := make(map[string]string, len(current))
		for key, eventID := range current {
			out[key.Type+"|"+key.StateKey] = eventID
		}
		c.JSON(http.StatusOK, out)
	})

	router.GET("/rooms/:roomID/members", func(c *gin.Context) {
		users, err := w.Events.GetUsersInRoom(c.Request.Context(), c.Param("roomID"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"members": users})
	})

	router.GET("/rooms/:roomID/receipts/:receiptType/:userID", func(c *gin.Context) {
		r, err := w.Receipts.GetReceipt(c.Param("roomID"), c.Param("receiptType"), c.Param("userID"))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "receipt not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, r)
	})
}
