package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hearthchat/hearth/pkg/config"
	"github.com/hearthchat/hearth/pkg/log"
	"github.com/hearthchat/hearth/pkg/metrics"
	"github.com/hearthchat/hearth/pkg/notifier"
	"github.com/hearthchat/hearth/pkg/state"
	"github.com/hearthchat/hearth/pkg/storage"
	"github.com/hearthchat/hearth/pkg/stream"
	"github.com/hearthchat/hearth/pkg/types"
)

// InvalidateFunc is called after a write transaction commits but before
// its tokens become visible, with the stream rows the transaction
// produced. The writer invalidates its own caches here, so no reader of
// this process ever observes a new position with stale caches.
type InvalidateFunc func(streamName types.StreamName, token int64, rows []json.RawMessage)

// Persister owns every write path. It serializes writes per room, pairs
// each write with a stream token inside one atomic transaction, and
// retries transient storage failures with backoff before giving the
// token up.
type Persister struct {
	store    storage.Store
	groups   *state.GroupStore
	notifier *notifier.Notifier
	cfg      config.PersistConfig
	logger   zerolog.Logger

	events    *stream.StreamIDGenerator
	receipts  *stream.StreamIDGenerator
	pushRules *stream.StreamIDGenerator
	caches    *stream.StreamIDGenerator

	toDevice    *stream.MultiWriterIDGenerator
	deviceLists *stream.MultiWriterIDGenerator

	onCommit InvalidateFunc

	mu        sync.Mutex
	roomLocks map[string]*sync.Mutex
	lastGroup map[string]int64 // room -> state group after its latest event
}

// NewPersister builds the write path. instance names this writer on the
// multi-writer streams.
func NewPersister(
	store storage.Store,
	groups *state.GroupStore,
	n *notifier.Notifier,
	cfg config.PersistConfig,
	instance string,
) (*Persister, error) {
	p := &Persister{
		store:     store,
		groups:    groups,
		notifier:  n,
		cfg:       cfg,
		logger:    log.WithComponent("persister"),
		roomLocks: make(map[string]*sync.Mutex),
		lastGroup: make(map[string]int64),
	}

	var err error
	if p.events, err = stream.NewStreamIDGenerator(store, types.StreamEvents); err != nil {
		return nil, err
	}
	if p.receipts, err = stream.NewStreamIDGenerator(store, types.StreamReceipts); err != nil {
		return nil, err
	}
	if p.pushRules, err = stream.NewStreamIDGenerator(store, types.StreamPushRules); err != nil {
		return nil, err
	}
	if p.caches, err = stream.NewStreamIDGenerator(store, types.StreamCaches); err != nil {
		return nil, err
	}
	if p.toDevice, err = stream.NewMultiWriterIDGenerator(store, types.StreamToDevice, instance); err != nil {
		return nil, err
	}
	if p.deviceLists, err = stream.NewMultiWriterIDGenerator(store, types.StreamDeviceLists, instance); err != nil {
		return nil, err
	}
	return p, nil
}

// OnCommit registers the cache-invalidation hook.
func (p *Persister) OnCommit(fn InvalidateFunc) {
	p.onCommit = fn
}

// CurrentToken returns the live position of a single-writer stream, or
// the low-water mark of a multi-writer one.
func (p *Persister) CurrentToken(name types.StreamName) int64 {
	switch name {
	case types.StreamEvents:
		return p.events.CurrentToken()
	case types.StreamReceipts:
		return p.receipts.CurrentToken()
	case types.StreamPushRules:
		return p.pushRules.CurrentToken()
	case types.StreamCaches:
		return p.caches.CurrentToken()
	case types.StreamToDevice:
		return p.lowWaterMark(p.toDevice)
	case types.StreamDeviceLists:
		return p.lowWaterMark(p.deviceLists)
	}
	return 0
}

func (p *Persister) lowWaterMark(g *stream.MultiWriterIDGenerator) int64 {
	lwm, err := g.LowWaterMark()
	if err != nil {
		p.logger.Error().Err(err).Msg("reading low-water mark")
		return 0
	}
	return lwm
}

func (p *Persister) roomLock(roomID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.roomLocks[roomID]
	if !ok {
		l = &sync.Mutex{}
		p.roomLocks[roomID] = l
	}
	return l
}

// withRetry runs fn until it succeeds or the retry budget is spent.
// Storage errors here are treated as transient; integrity violations and
// invalid inputs are permanent and not retried.
func (p *Persister) withRetry(fn func() error) error {
	backoff := p.cfg.RetryBackoff
	var err error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.PersistRetries.Inc()
			time.Sleep(backoff)
			backoff *= 2
		}
		err = fn()
		if err == nil || errors.Is(err, storage.ErrIntegrity) || errors.Is(err, state.ErrInvalidContext) {
			return err
		}
		p.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("write transaction failed")
	}
	return fmt.Errorf("write failed after %d retries: %w", p.cfg.MaxRetries, err)
}

// PersistEvent persists one event with its context.
func (p *Persister) PersistEvent(ev *types.Event, uctx *state.UnpersistedEventContext) (*state.EventContext, error) {
	pairs, err := p.PersistEvents(ev.RoomID, []state.EventAndContext{{Event: ev, Context: uctx}})
	if err != nil {
		return nil, err
	}
	return pairs[0].Context, nil
}

// PersistEvents persists a linear batch of events for one room: state
// groups, event rows, current-state updates, and replication rows all
// land in one transaction together with the stream tokens. Tokens become
// visible only after the transaction commits and the writer's caches are
// invalidated.
func (p *Persister) PersistEvents(roomID string, batch []state.EventAndContext) ([]state.PersistedPair, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	lock := p.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	lastKnown, seeded := p.lastGroup[roomID]
	p.mu.Unlock()

	// The in-memory mapping is a cache over the room record: a restarted
	// writer must chain from the room's persisted latest group, never mint
	// a fresh root for a room that already has state.
	createdAt := time.Now().UTC()
	room, err := p.store.GetRoom(roomID)
	switch {
	case err == nil:
		createdAt = room.CreatedAt
		if !seeded {
			lastKnown = room.LastStateGroup
		}
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("reading room %s: %w", roomID, err)
	}

	allocs := p.events.AllocateMany(len(batch))
	for i, ec := range batch {
		ec.Event.StreamOrdering = allocs[i].Token
	}

	var (
		pairs []state.PersistedPair
		rows  []json.RawMessage
	)
	err = p.withRetry(func() error {
		pairs = nil
		rows = nil
		return p.store.WithUpdate(func(txn storage.Txn) error {
			var err error
			pairs, err = state.PersistBatch(txn, p.groups, roomID, lastKnown, batch)
			if err != nil {
				return err
			}

			lastAccepted := lastKnown
			for _, pair := range pairs {
				if pair.Context.Rejected() == "" {
					lastAccepted = pair.Context.StateGroup()
				}
			}
			if err := txn.UpsertRoom(&types.Room{
				ID:             roomID,
				CreatedAt:      createdAt,
				LastStateGroup: lastAccepted,
			}); err != nil {
				return err
			}

			for i, pair := range pairs {
				ev := pair.Event
				if err := txn.InsertEvent(ev); err != nil {
					return err
				}

				row := types.EventStreamRow{
					EventID: ev.EventID,
					RoomID:  ev.RoomID,
					Type:    ev.Type,
					IsState: ev.IsState(),
					Event:   ev,
				}
				if pair.Context.Rejected() == "" {
					if ev.IsState() {
						row.StateKey = *ev.StateKey
						row.StateGroup = pair.Context.StateGroup()
						key := types.StateKeyTuple{Type: ev.Type, StateKey: *ev.StateKey}
						if err := txn.SetCurrentState(roomID, key, ev.EventID); err != nil {
							return err
						}
					}
				}

				data, err := json.Marshal(row)
				if err != nil {
					return err
				}
				rows = append(rows, data)
				if err := txn.AppendStreamRow(types.StreamEvents, allocs[i].Token, data); err != nil {
					return err
				}
				if err := allocs[i].Persist(txn); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		for _, a := range allocs {
			a.Rollback()
		}
		return nil, err
	}

	// Track the room's latest accepted group for the next batch.
	for _, pair := range pairs {
		if pair.Context.Rejected() == "" {
			p.mu.Lock()
			p.lastGroup[roomID] = pair.Context.StateGroup()
			p.mu.Unlock()
		}
		kind := "message"
		if pair.Event.IsState() {
			kind = "state"
		}
		metrics.EventsPersisted.WithLabelValues(kind).Inc()
	}

	last := allocs[len(allocs)-1].Token
	p.finish(types.StreamEvents, last, rows, func() {
		for _, a := range allocs {
			a.Commit()
		}
	})
	return pairs, nil
}

// SetReceipt upserts a read receipt and replicates it.
func (p *Persister) SetReceipt(r *types.Receipt) error {
	alloc := p.receipts.Allocate()
	r.StreamID = alloc.Token

	row, err := json.Marshal(types.ReceiptStreamRow{
		RoomID:      r.RoomID,
		ReceiptType: r.ReceiptType,
		UserID:      r.UserID,
		EventID:     r.EventID,
		StreamID:    alloc.Token,
	})
	if err != nil {
		alloc.Rollback()
		return err
	}

	err = p.withRetry(func() error {
		return p.store.WithUpdate(func(txn storage.Txn) error {
			if err := txn.SetReceipt(r); err != nil {
				return err
			}
			if err := txn.AppendStreamRow(types.StreamReceipts, alloc.Token, row); err != nil {
				return err
			}
			return alloc.Persist(txn)
		})
	})
	if err != nil {
		alloc.Rollback()
		return err
	}

	p.finish(types.StreamReceipts, alloc.Token, []json.RawMessage{row}, alloc.Commit)
	return nil
}

// NotifyPushRulesChanged records that a user's push rules changed.
func (p *Persister) NotifyPushRulesChanged(userID string) error {
	row, _ := json.Marshal(types.PushRuleStreamRow{UserID: userID})
	return p.appendOnly(p.pushRules.Allocate(), types.StreamPushRules, row)
}

// InvalidateCache replicates an explicit cache invalidation. nil keys
// means invalidate everything under the cache.
func (p *Persister) InvalidateCache(cacheName string, keys []string) error {
	row, _ := json.Marshal(types.CacheStreamRow{CacheName: cacheName, Keys: keys})
	return p.appendOnly(p.caches.Allocate(), types.StreamCaches, row)
}

// appendOnly persists a row-only write on a single-writer stream.
func (p *Persister) appendOnly(alloc *stream.Allocation, name types.StreamName, row []byte) error {
	err := p.withRetry(func() error {
		return p.store.WithUpdate(func(txn storage.Txn) error {
			if err := txn.AppendStreamRow(name, alloc.Token, row); err != nil {
				return err
			}
			return alloc.Persist(txn)
		})
	})
	if err != nil {
		alloc.Rollback()
		return err
	}
	p.finish(name, alloc.Token, []json.RawMessage{row}, alloc.Commit)
	return nil
}

// SendToDevice records a to-device message notification for one device.
// The to_device stream accepts writes from several instances; tokens come
// from the multi-writer generator.
func (p *Persister) SendToDevice(userID, deviceID string) error {
	row, _ := json.Marshal(types.ToDeviceStreamRow{UserID: userID, DeviceID: deviceID})
	return p.appendMultiWriter(p.toDevice, types.StreamToDevice, row)
}

// NotifyDeviceListChanged records that a user's device list changed.
func (p *Persister) NotifyDeviceListChanged(userID string) error {
	row, _ := json.Marshal(types.DeviceListStreamRow{UserID: userID})
	return p.appendMultiWriter(p.deviceLists, types.StreamDeviceLists, row)
}

func (p *Persister) appendMultiWriter(g *stream.MultiWriterIDGenerator, name types.StreamName, row []byte) error {
	alloc, err := g.Allocate()
	if err != nil {
		return err
	}
	err = p.withRetry(func() error {
		return p.store.WithUpdate(func(txn storage.Txn) error {
			if err := txn.AppendStreamRow(name, alloc.Token, row); err != nil {
				return err
			}
			return alloc.Persist(txn)
		})
	})
	if err != nil {
		alloc.Rollback()
		return err
	}
	p.finish(name, alloc.Token, []json.RawMessage{row}, alloc.Commit)
	return nil
}

// finish runs the committed-write epilogue in its fixed order: invalidate
// writer caches, make the tokens visible, then poke the streamer.
func (p *Persister) finish(name types.StreamName, token int64, rows []json.RawMessage, commit func()) {
	if p.onCommit != nil {
		p.onCommit(name, token, rows)
	}
	commit()
	p.notifier.Publish(notifier.Poke{Stream: name, Token: p.CurrentToken(name)})
}
