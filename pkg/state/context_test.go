package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthchat/hearth/pkg/storage"
	"github.com/hearthchat/hearth/pkg/types"
)

func stateEvent(eventID, eventType, stateKey string) *types.Event {
	return &types.Event{
		EventID:  eventID,
		RoomID:   "!room:hs",
		Type:     eventType,
		StateKey: &stateKey,
	}
}

func TestPersistAllocatesGroups(t *testing.T) {
	store := newTestStore(t)
	groups := NewGroupStore(store, 0)

	ev := stateEvent("$create", types.EventTypeCreate, "")
	uctx := &UnpersistedEventContext{StateBefore: types.StateMap{}}

	var ctx *EventContext
	err := store.WithUpdate(func(txn storage.Txn) error {
		var err error
		ctx, err = uctx.Persist(txn, groups, ev)
		return err
	})
	require.NoError(t, err)

	// A state event gets distinct before and after groups; the delta is
	// its own entry.
	assert.NotZero(t, ctx.StateGroupBefore())
	assert.NotEqual(t, ctx.StateGroupBefore(), ctx.StateGroup())
	assert.Equal(t, types.StateMap{tuple(types.EventTypeCreate, ""): "$create"}, ctx.Delta)

	full, _, err := groups.GetStateIDsForGroup(ctx.StateGroup(), FilterAll())
	require.NoError(t, err)
	assert.Equal(t, "$create", full[tuple(types.EventTypeCreate, "")])
}

func TestPersistMessageEventKeepsGroup(t *testing.T) {
	store := newTestStore(t)
	groups := NewGroupStore(store, 0)

	before := storeGroup(t, store, groups, "$create", 0, nil, types.StateMap{
		tuple(types.EventTypeCreate, ""): "$create",
	})

	ev := &types.Event{EventID: "$msg", RoomID: "!room:hs", Type: "m.room.message"}
	uctx := &UnpersistedEventContext{StateGroupBefore: before}

	var ctx *EventContext
	err := store.WithUpdate(func(txn storage.Txn) error {
		var err error
		ctx, err = uctx.Persist(txn, groups, ev)
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, before, ctx.StateGroupBefore())
	assert.Equal(t, before, ctx.StateGroup(), "non-state events share the before group")
	assert.Empty(t, ctx.Delta)
}

func TestRejectedContextPanicsOnStateRead(t *testing.T) {
	store := newTestStore(t)
	groups := NewGroupStore(store, 0)

	before := storeGroup(t, store, groups, "$create", 0, nil, types.StateMap{
		tuple(types.EventTypeCreate, ""): "$create",
	})

	ev := stateEvent("$evil", types.EventTypeName, "")
	uctx := &UnpersistedEventContext{
		StateGroupBefore: before,
		RejectedReason:   "auth failure",
	}

	var ctx *EventContext
	err := store.WithUpdate(func(txn storage.Txn) error {
		var err error
		ctx, err = uctx.Persist(txn, groups, ev)
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, "auth failure", ctx.Rejected())
	assert.Panics(t, func() { ctx.StateGroup() })
	assert.Panics(t, func() { ctx.StateGroupBefore() })
}

func TestRejectedStateEventCreatesNoGroup(t *testing.T) {
	store := newTestStore(t)
	groups := NewGroupStore(store, 0)

	before := storeGroup(t, store, groups, "$create", 0, nil, types.StateMap{
		tuple(types.EventTypeCreate, ""): "$create",
	})
	maxBefore, err := store.MaxStateGroupID()
	require.NoError(t, err)

	uctx := &UnpersistedEventContext{StateGroupBefore: before, RejectedReason: "auth failure"}
	err = store.WithUpdate(func(txn storage.Txn) error {
		_, err := uctx.Persist(txn, groups, stateEvent("$evil", types.EventTypeName, ""))
		return err
	})
	require.NoError(t, err)

	maxAfter, err := store.MaxStateGroupID()
	require.NoError(t, err)
	assert.Equal(t, maxBefore, maxAfter, "rejected events must not mint groups")
}

func TestPersistBatchThreadsStateThrough(t *testing.T) {
	store := newTestStore(t)
	groups := NewGroupStore(store, 0)

	batch := []EventAndContext{
		{
			Event:   stateEvent("$create", types.EventTypeCreate, ""),
			Context: &UnpersistedEventContext{StateBefore: types.StateMap{}},
		},
		{
			Event:   stateEvent("$ma", types.EventTypeMember, "@a:hs"),
			Context: &UnpersistedEventContext{},
		},
		{
			Event:   stateEvent("$evil", types.EventTypeName, ""),
			Context: &UnpersistedEventContext{RejectedReason: "auth failure"},
		},
		{
			Event:   stateEvent("$mb", types.EventTypeMember, "@b:hs"),
			Context: &UnpersistedEventContext{},
		},
	}

	var pairs []PersistedPair
	err := store.WithUpdate(func(txn storage.Txn) error {
		var err error
		pairs, err = PersistBatch(txn, groups, "!room:hs", 0, batch)
		return err
	})
	require.NoError(t, err)
	require.Len(t, pairs, 4)

	// Each accepted event builds on the previous accepted event's after
	// group; the rejected one is skipped in the chain.
	assert.Equal(t, pairs[0].Context.StateGroup(), pairs[1].Context.StateGroupBefore())
	assert.Equal(t, pairs[1].Context.StateGroup(), pairs[3].Context.StateGroupBefore())

	full, _, err := groups.GetStateIDsForGroup(pairs[3].Context.StateGroup(), FilterAll())
	require.NoError(t, err)
	assert.Equal(t, types.StateMap{
		tuple(types.EventTypeCreate, ""):      "$create",
		tuple(types.EventTypeMember, "@a:hs"): "$ma",
		tuple(types.EventTypeMember, "@b:hs"): "$mb",
	}, full)
	assert.NotContains(t, full, tuple(types.EventTypeName, ""), "rejected state must not leak")
}

func TestPersistBatchRejectsForeignRoom(t *testing.T) {
	store := newTestStore(t)
	groups := NewGroupStore(store, 0)

	batch := []EventAndContext{{
		Event: &types.Event{EventID: "$x", RoomID: "!other:hs", Type: "m.room.message"},
		Context: &UnpersistedEventContext{
			StateBefore: types.StateMap{},
		},
	}}
	err := store.WithUpdate(func(txn storage.Txn) error {
		_, err := PersistBatch(txn, groups, "!room:hs", 0, batch)
		return err
	})
	require.Error(t, err)
}
