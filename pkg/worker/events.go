package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/hearthchat/hearth/pkg/cache"
	"github.com/hearthchat/hearth/pkg/metrics"
	"github.com/hearthchat/hearth/pkg/state"
	"github.com/hearthchat/hearth/pkg/storage"
	"github.com/hearthchat/hearth/pkg/types"
)

// EventStore is the reader-side view of events and room state. All reads
// go through its caches; the caches are kept honest by applying events
// stream rows in token order, invalidating before the stream position
// advances.
type EventStore struct {
	store  storage.Store
	groups *state.GroupStore

	events       *cache.Cache[string, *types.Event]
	currentState *cache.Cache[string, types.StateMap]
	usersInRoom  *cache.Cache[string, []string]
	shared       *cache.SharedCache

	changes *StreamChangeCache

	// materialize makes ApplyRows write replicated events into the local
	// store. Off for the writer's own store, which already holds them.
	materialize bool
}

// NewEventStore builds an EventStore over a store opened read-mostly.
// shared may be nil for local-only caching.
func NewEventStore(store storage.Store, groups *state.GroupStore, shared *cache.SharedCache) *EventStore {
	s := &EventStore{
		store:        store,
		groups:       groups,
		events:       cache.New[string, *types.Event]("get_event"),
		currentState: cache.New[string, types.StateMap]("current_state"),
		usersInRoom:  cache.New[string, []string]("users_in_room"),
		shared:       shared,
		changes:      NewStreamChangeCache("events", changeCacheFloor(store, types.StreamEvents)),
	}
	// Local invalidations of users-in-room propagate to the shared tier
	// so other workers don't serve the stale entry.
	s.usersInRoom.OnInvalidate(func(keys []string) {
		s.shared.Invalidate(context.Background(), s.usersInRoom.Name(), keys)
	})
	return s
}

// NewReplicaEventStore builds an EventStore for a worker running over its
// own database file. Replicated rows are written into the local store as
// they arrive, so reads are served without access to the writer's file.
func NewReplicaEventStore(store storage.Store, groups *state.GroupStore, shared *cache.SharedCache) *EventStore {
	s := NewEventStore(store, groups, shared)
	s.materialize = true
	return s
}

// StreamName implements replication.RowHandler.
func (s *EventStore) StreamName() types.StreamName {
	return types.StreamEvents
}

// ApplyRows implements replication.RowHandler for the events stream.
// Replica stores first write the carried event into the local store, then
// every store invalidates its caches. Re-applying a row is harmless: the
// upsert is idempotent and invalidating an absent cache entry is a no-op.
func (s *EventStore) ApplyRows(token int64, rows []json.RawMessage) error {
	for _, raw := range rows {
		var row types.EventStreamRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return fmt.Errorf("decoding events row: %w", err)
		}

		if s.materialize && row.Event != nil {
			err := s.store.WithUpdate(func(txn storage.Txn) error {
				if err := txn.InsertEvent(row.Event); err != nil {
					return err
				}
				if row.IsState && row.StateGroup > 0 {
					key := types.StateKeyTuple{Type: row.Type, StateKey: row.StateKey}
					return txn.SetCurrentState(row.RoomID, key, row.EventID)
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("materializing event %s: %w", row.EventID, err)
			}
		}

		s.events.Invalidate(row.EventID)
		metrics.CacheInvalidations.WithLabelValues(s.events.Name()).Inc()

		if row.IsState {
			s.currentState.Invalidate(row.RoomID)
			metrics.CacheInvalidations.WithLabelValues(s.currentState.Name()).Inc()
			if row.Type == types.EventTypeMember {
				s.usersInRoom.Invalidate(row.RoomID)
				metrics.CacheInvalidations.WithLabelValues(s.usersInRoom.Name()).Inc()
			}
		}

		s.changes.EntityChanged(row.RoomID, token)
	}
	return nil
}

// GetEvent returns an event by ID, from cache when possible.
func (s *EventStore) GetEvent(eventID string) (*types.Event, error) {
	if ev, ok := s.events.Get(eventID); ok {
		return ev, nil
	}
	ev, err := s.store.GetEvent(eventID)
	if err != nil {
		return nil, err
	}
	s.events.Set(eventID, ev)
	return ev, nil
}

// GetCurrentState returns a room's current state map.
func (s *EventStore) GetCurrentState(roomID string) (types.StateMap, error) {
	if m, ok := s.currentState.Get(roomID); ok {
		return m.Copy(), nil
	}
	m, err := s.store.GetCurrentState(roomID)
	if err != nil {
		return nil, err
	}
	s.currentState.Set(roomID, m)
	return m.Copy(), nil
}

// GetStateAtGroup resolves the full state at a state group, optionally
// filtered.
func (s *EventStore) GetStateAtGroup(groupID int64, filter state.StateFilter) (types.StateMap, bool, error) {
	return s.groups.GetStateIDsForGroup(groupID, filter)
}

// GetUsersInRoom returns the members of a room, sorted. Checks the local
// cache, then the shared tier, then recomputes from current state. The
// returned slice is the caller's to keep; the cached copy never escapes.
func (s *EventStore) GetUsersInRoom(ctx context.Context, roomID string) ([]string, error) {
	if users, ok := s.usersInRoom.Get(roomID); ok {
		return append([]string(nil), users...), nil
	}

	var users []string
	if s.shared.Get(ctx, s.usersInRoom.Name(), roomID, &users) {
		s.usersInRoom.Set(roomID, users)
		return append([]string(nil), users...), nil
	}

	current, err := s.store.GetCurrentState(roomID)
	if err != nil {
		return nil, err
	}
	for key := range current {
		if key.Type == types.EventTypeMember {
			users = append(users, key.StateKey)
		}
	}
	sort.Strings(users)

	s.usersInRoom.Set(roomID, users)
	s.shared.Set(ctx, s.usersInRoom.Name(), roomID, users)
	return append([]string(nil), users...), nil
}

// HasRoomChangedSince reports whether a room may have new events past the
// given stream token.
func (s *EventStore) HasRoomChangedSince(roomID string, token int64) bool {
	return s.changes.HasEntityChanged(roomID, token)
}

// RoomsChangedSince returns room IDs with events after token, hitting the
// store only when the change cache can't answer.
func (s *EventStore) RoomsChangedSince(token int64, limit int) ([]string, error) {
	if rooms, ok := s.changes.EntitiesChangedSince(token); ok {
		sort.Strings(rooms)
		return rooms, nil
	}

	events, err := s.store.EventsAfter(token, limit)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var rooms []string
	for _, ev := range events {
		if !seen[ev.RoomID] {
			seen[ev.RoomID] = true
			rooms = append(rooms, ev.RoomID)
		}
	}
	sort.Strings(rooms)
	return rooms, nil
}

// InvalidatableCaches exposes this store's caches for the caches-stream
// invalidator, keyed by cache name.
func (s *EventStore) InvalidatableCaches() map[string]Invalidator {
	return map[string]Invalidator{
		s.events.Name():       stringCache{s.events},
		s.currentState.Name(): stringCache{s.currentState},
		s.usersInRoom.Name():  stringCache{s.usersInRoom},
	}
}

// roomKey joins composite cache keys the same way everywhere.
func roomKey(parts ...string) string {
	return strings.Join(parts, "\x1f")
}
