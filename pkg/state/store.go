package state

import (
	"errors"
	"fmt"

	"github.com/hearthchat/hearth/pkg/cache"
	"github.com/hearthchat/hearth/pkg/metrics"
	"github.com/hearthchat/hearth/pkg/storage"
	"github.com/hearthchat/hearth/pkg/types"
)

// DefaultMaxDeltaHops bounds the length of a delta chain before a full
// snapshot is stored instead of another delta, keeping read cost bounded.
const DefaultMaxDeltaHops = 100

// GroupStore stores and reconstructs room state as chains of deltas. A
// group's full state is its ancestors' deltas applied oldest to newest; the
// store never materializes more than the caller asks for and caches full
// maps per group, since groups are immutable once written.
type GroupStore struct {
	store        storage.Store
	maxDeltaHops int
	cache        *cache.Cache[int64, types.StateMap]
}

// NewGroupStore creates a GroupStore. maxDeltaHops <= 0 selects the default.
func NewGroupStore(store storage.Store, maxDeltaHops int) *GroupStore {
	if maxDeltaHops <= 0 {
		maxDeltaHops = DefaultMaxDeltaHops
	}
	return &GroupStore{
		store:        store,
		maxDeltaHops: maxDeltaHops,
		cache:        cache.New[int64, types.StateMap]("state_group"),
	}
}

// Cache exposes the group cache for replication-driven invalidation.
func (s *GroupStore) Cache() *cache.Cache[int64, types.StateMap] {
	return s.cache
}

// StoreStateGroup allocates a new group id and persists the group inside
// the caller's transaction, atomically with the event write that produced
// it.
//
// Exactly one of (prevGroup+delta) or fullState must describe the state: if
// fullState is given without a prevGroup the group is stored as a root
// snapshot whose delta is the full state, which replays identically. When
// the chain behind prevGroup has reached maxDeltaHops the group is stored
// as a snapshot instead of a delta; that is an optimization only, replay
// yields the same map either way.
func (s *GroupStore) StoreStateGroup(
	txn storage.Txn,
	eventID, roomID string,
	prevGroup int64,
	delta types.StateMap,
	fullState types.StateMap,
) (int64, error) {
	if delta == nil && fullState == nil {
		return 0, fmt.Errorf("state group for %s: neither delta nor full state supplied", eventID)
	}

	if prevGroup == 0 {
		if fullState == nil {
			return 0, fmt.Errorf("state group for %s: delta without prev_group", eventID)
		}
		// No ancestor to diff against: root snapshot.
		delta = fullState
	} else if delta == nil {
		// Materialize a delta for fullState against prevGroup.
		prevState, _, err := s.GetStateIDsForGroup(prevGroup, FilterAll())
		if err != nil {
			return 0, err
		}
		delta = diffState(prevState, fullState)
	}

	snapshot := false
	if prevGroup != 0 {
		hops, err := txn.CountStateGroupHops(prevGroup, s.maxDeltaHops)
		if err != nil {
			return 0, err
		}
		snapshot = hops >= s.maxDeltaHops
	}

	id, err := txn.NextStateGroupID()
	if err != nil {
		return 0, err
	}

	group := &types.StateGroup{
		ID:      id,
		RoomID:  roomID,
		EventID: eventID,
	}

	if snapshot {
		// Collapse the chain: store the group's full state with no parent.
		prevState, _, err := s.GetStateIDsForGroup(prevGroup, FilterAll())
		if err != nil {
			return 0, err
		}
		full := prevState.Copy()
		for k, v := range delta {
			full[k] = v
		}
		group.Delta = full
	} else {
		group.PrevGroup = prevGroup
		group.Delta = delta
	}

	if err := txn.InsertStateGroup(group); err != nil {
		return 0, err
	}

	metrics.StateGroupsCreated.Inc()
	return id, nil
}

// GetStateIDsForGroup reconstructs the state at a group by walking its
// parent chain and applying deltas oldest to newest. The returned bool is
// the room's partial-state flag: when set, a missing key means "unknown
// until backfill completes", never "absent in the room".
//
// Safe for concurrent use; the underlying groups are immutable and the
// cache synchronizes internally.
func (s *GroupStore) GetStateIDsForGroup(groupID int64, filter StateFilter) (types.StateMap, bool, error) {
	if full, ok := s.cache.Get(groupID); ok {
		partial, err := s.roomPartial(full, groupID)
		if err != nil {
			return nil, false, err
		}
		return filter.Apply(full).Copy(), partial, nil
	}

	// Collect the chain root-first.
	var chain []*types.StateGroup
	id := groupID
	for id != 0 {
		if len(chain) > s.maxDeltaHops+1 {
			return nil, false, fmt.Errorf("%w: state group %d chain exceeds %d hops",
				storage.ErrIntegrity, groupID, s.maxDeltaHops)
		}
		group, err := s.store.GetStateGroup(id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) && id != groupID {
				return nil, false, fmt.Errorf("%w: state group %d references missing ancestor %d",
					storage.ErrIntegrity, groupID, id)
			}
			return nil, false, err
		}
		chain = append(chain, group)
		id = group.PrevGroup
	}
	metrics.StateGroupChainWalks.Observe(float64(len(chain) - 1))

	full := make(types.StateMap)
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i].Delta {
			full[k] = v
		}
	}
	s.cache.Set(groupID, full)

	room, err := s.store.GetRoom(chain[0].RoomID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, false, err
	}
	partial := room != nil && room.PartialState

	return filter.Apply(full).Copy(), partial, nil
}

// GetStateGroupDelta returns a group's stored (prev_group, delta) pair
// without reconstructing full state.
func (s *GroupStore) GetStateGroupDelta(groupID int64) (int64, types.StateMap, error) {
	group, err := s.store.GetStateGroup(groupID)
	if err != nil {
		return 0, nil, err
	}
	return group.PrevGroup, group.Delta, nil
}

func (s *GroupStore) roomPartial(_ types.StateMap, groupID int64) (bool, error) {
	group, err := s.store.GetStateGroup(groupID)
	if err != nil {
		return false, err
	}
	room, err := s.store.GetRoom(group.RoomID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return room.PartialState, nil
}

// diffState computes the delta turning prev into next. State in this model
// is only ever added or replaced, never removed, so the diff is the set of
// keys whose event changed.
func diffState(prev, next types.StateMap) types.StateMap {
	delta := make(types.StateMap)
	for k, v := range next {
		if prev[k] != v {
			delta[k] = v
		}
	}
	return delta
}
