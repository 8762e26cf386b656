package manager

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthchat/hearth/pkg/config"
	"github.com/hearthchat/hearth/pkg/notifier"
	"github.com/hearthchat/hearth/pkg/state"
	"github.com/hearthchat/hearth/pkg/storage"
	"github.com/hearthchat/hearth/pkg/types"
)

func newTestPersister(t *testing.T) (*Persister, *storage.BoltStore, *notifier.Notifier) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	n := notifier.New()
	n.Start()
	t.Cleanup(n.Stop)

	groups := state.NewGroupStore(store, 100)
	p, err := NewPersister(store, groups, n, config.PersistConfig{
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
	}, "writer-1")
	require.NoError(t, err)
	return p, store, n
}

func stateEvent(eventID, roomID, typ, stateKey string) *types.Event {
	return &types.Event{
		EventID:  eventID,
		RoomID:   roomID,
		Type:     typ,
		StateKey: &stateKey,
		OriginTS: time.Now().UTC(),
	}
}

func messageEvent(eventID, roomID string) *types.Event {
	return &types.Event{
		EventID:  eventID,
		RoomID:   roomID,
		Type:     "m.room.message",
		OriginTS: time.Now().UTC(),
	}
}

func awaitPoke(t *testing.T, sub notifier.Subscriber, stream types.StreamName) notifier.Poke {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case poke := <-sub:
			if poke.Stream == stream {
				return poke
			}
		case <-deadline:
			t.Fatalf("no poke for stream %s", stream)
		}
	}
}

func TestPersistEventWritesEverythingInOneGo(t *testing.T) {
	p, store, _ := newTestPersister(t)

	ev := stateEvent("$create", "!room", "m.room.create", "")
	ctx, err := p.PersistEvent(ev, &state.UnpersistedEventContext{
		StateBefore: types.StateMap{},
	})
	require.NoError(t, err)

	// The event row landed with its stream ordering.
	got, err := store.GetEvent("$create")
	require.NoError(t, err)
	assert.Equal(t, ev.StreamOrdering, got.StreamOrdering)
	assert.Equal(t, ev.StreamOrdering, p.CurrentToken(types.StreamEvents))

	// Current state reflects the event.
	current, err := store.GetCurrentState("!room")
	require.NoError(t, err)
	assert.Equal(t, "$create", current[types.StateKeyTuple{Type: "m.room.create", StateKey: ""}])

	// A replication row exists at the same token.
	entries, err := store.StreamRowsSince(types.StreamEvents, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ev.StreamOrdering, entries[0].Token)

	var row types.EventStreamRow
	require.NoError(t, json.Unmarshal(entries[0].Data, &row))
	assert.Equal(t, "$create", row.EventID)
	assert.True(t, row.IsState)
	assert.Equal(t, ctx.StateGroup(), row.StateGroup)
}

func TestPersistEventPublishesPoke(t *testing.T) {
	p, _, n := newTestPersister(t)
	sub := n.Subscribe()

	ev := stateEvent("$create", "!room", "m.room.create", "")
	_, err := p.PersistEvent(ev, &state.UnpersistedEventContext{StateBefore: types.StateMap{}})
	require.NoError(t, err)

	poke := awaitPoke(t, sub, types.StreamEvents)
	assert.Equal(t, p.CurrentToken(types.StreamEvents), poke.Token)
}

func TestOnCommitRunsBeforeTokenVisible(t *testing.T) {
	p, _, _ := newTestPersister(t)

	var visibleDuringHook int64 = -1
	var hookToken int64
	p.OnCommit(func(name types.StreamName, token int64, rows []json.RawMessage) {
		visibleDuringHook = p.CurrentToken(name)
		hookToken = token
	})

	ev := stateEvent("$create", "!room", "m.room.create", "")
	_, err := p.PersistEvent(ev, &state.UnpersistedEventContext{StateBefore: types.StateMap{}})
	require.NoError(t, err)

	assert.Equal(t, ev.StreamOrdering, hookToken)
	assert.Less(t, visibleDuringHook, ev.StreamOrdering,
		"caches must be invalidated before the token is published")
	assert.Equal(t, ev.StreamOrdering, p.CurrentToken(types.StreamEvents))
}

func TestPersistBatchAssignsContiguousOrderings(t *testing.T) {
	p, _, _ := newTestPersister(t)

	batch := []state.EventAndContext{
		{Event: stateEvent("$create", "!room", "m.room.create", ""), Context: &state.UnpersistedEventContext{StateBefore: types.StateMap{}}},
		{Event: messageEvent("$m1", "!room"), Context: &state.UnpersistedEventContext{}},
		{Event: messageEvent("$m2", "!room"), Context: &state.UnpersistedEventContext{}},
	}
	pairs, err := p.PersistEvents("!room", batch)
	require.NoError(t, err)
	require.Len(t, pairs, 3)

	first := pairs[0].Event.StreamOrdering
	for i, pair := range pairs {
		assert.Equal(t, first+int64(i), pair.Event.StreamOrdering)
	}
	assert.Equal(t, first+2, p.CurrentToken(types.StreamEvents))

	// Message events share the create event's state group.
	assert.Equal(t, pairs[0].Context.StateGroup(), pairs[1].Context.StateGroup())
}

func TestRejectedEventCreatesNoStateButStillReplicates(t *testing.T) {
	p, store, _ := newTestPersister(t)

	ev := stateEvent("$create", "!room", "m.room.create", "")
	ctx, err := p.PersistEvent(ev, &state.UnpersistedEventContext{StateBefore: types.StateMap{}})
	require.NoError(t, err)

	groupsBefore, err := store.MaxStateGroupID()
	require.NoError(t, err)

	bad := stateEvent("$bad", "!room", types.EventTypeMember, "@mallory:hearth")
	badCtx, err := p.PersistEvent(bad, &state.UnpersistedEventContext{
		StateGroupBefore: ctx.StateGroup(),
		RejectedReason:   "auth failure",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, badCtx.Rejected())

	// No state group and no current-state entry for the rejected event.
	groupsAfter, err := store.MaxStateGroupID()
	require.NoError(t, err)
	assert.Equal(t, groupsBefore, groupsAfter)

	_, err = store.GetCurrentStateEvent("!room", types.StateKeyTuple{
		Type: types.EventTypeMember, StateKey: "@mallory:hearth",
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// The event still occupies a stream token so readers see it.
	entries, err := store.StreamRowsSince(types.StreamEvents, ev.StreamOrdering, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, bad.StreamOrdering, entries[0].Token)
}

func TestIntegrityFailureIsNotRetried(t *testing.T) {
	p, _, _ := newTestPersister(t)

	before := p.CurrentToken(types.StreamEvents)
	start := time.Now()

	ev := stateEvent("$orphan", "!room", types.EventTypeMember, "@a:hearth")
	_, err := p.PersistEvent(ev, &state.UnpersistedEventContext{
		StateGroupBefore: 9999,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrIntegrity)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "integrity errors must fail fast")

	// The allocated token was rolled back, not published.
	assert.Equal(t, before, p.CurrentToken(types.StreamEvents))

	// The stream keeps working afterwards.
	good := stateEvent("$create", "!room", "m.room.create", "")
	_, err = p.PersistEvent(good, &state.UnpersistedEventContext{StateBefore: types.StateMap{}})
	require.NoError(t, err)
	assert.Equal(t, good.StreamOrdering, p.CurrentToken(types.StreamEvents))
}

func TestRestartedWriterChainsFromPersistedGroup(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	n := notifier.New()
	n.Start()
	t.Cleanup(n.Stop)

	cfg := config.PersistConfig{MaxRetries: 2, RetryBackoff: time.Millisecond}
	p1, err := NewPersister(store, state.NewGroupStore(store, 100), n, cfg, "writer-1")
	require.NoError(t, err)

	_, err = p1.PersistEvent(stateEvent("$create", "!room", "m.room.create", ""),
		&state.UnpersistedEventContext{StateBefore: types.StateMap{}})
	require.NoError(t, err)
	topicCtx, err := p1.PersistEvent(stateEvent("$topic", "!room", "m.room.topic", ""),
		&state.UnpersistedEventContext{StateBefore: types.StateMap{}})
	require.NoError(t, err)

	// Same database, fresh process: the new writer must pick up the room's
	// chain where the old one left it instead of rooting a second one.
	p2, err := NewPersister(store, state.NewGroupStore(store, 100), n, cfg, "writer-1")
	require.NoError(t, err)

	msgCtx, err := p2.PersistEvent(messageEvent("$m1", "!room"),
		&state.UnpersistedEventContext{StateBefore: types.StateMap{}})
	require.NoError(t, err)
	assert.Equal(t, topicCtx.StateGroup(), msgCtx.StateGroup())

	full, _, err := state.NewGroupStore(store, 100).GetStateIDsForGroup(msgCtx.StateGroup(), state.FilterAll())
	require.NoError(t, err)
	assert.Equal(t, "$create", full[types.StateKeyTuple{Type: "m.room.create", StateKey: ""}])
	assert.Equal(t, "$topic", full[types.StateKeyTuple{Type: "m.room.topic", StateKey: ""}])
}

func TestForeignRoomBatchFailsFast(t *testing.T) {
	p, _, _ := newTestPersister(t)

	before := p.CurrentToken(types.StreamEvents)
	batch := []state.EventAndContext{
		{Event: stateEvent("$create", "!room", "m.room.create", ""), Context: &state.UnpersistedEventContext{StateBefore: types.StateMap{}}},
		{Event: messageEvent("$stray", "!other"), Context: &state.UnpersistedEventContext{}},
	}
	_, err := p.PersistEvents("!room", batch)
	require.Error(t, err)
	assert.ErrorIs(t, err, state.ErrInvalidContext)
	assert.NotContains(t, err.Error(), "write failed after",
		"validation errors must not eat the retry budget")

	// The allocated tokens were rolled back, not published.
	assert.Equal(t, before, p.CurrentToken(types.StreamEvents))
}

func TestSetReceiptAssignsStreamID(t *testing.T) {
	p, store, n := newTestPersister(t)
	sub := n.Subscribe()

	r := &types.Receipt{
		RoomID:      "!room",
		ReceiptType: "m.read",
		UserID:      "@alice:hearth",
		EventID:     "$1",
	}
	require.NoError(t, p.SetReceipt(r))
	assert.Equal(t, r.StreamID, p.CurrentToken(types.StreamReceipts))

	got, err := store.GetReceipt("!room", "m.read", "@alice:hearth")
	require.NoError(t, err)
	assert.Equal(t, "$1", got.EventID)
	assert.Equal(t, r.StreamID, got.StreamID)

	poke := awaitPoke(t, sub, types.StreamReceipts)
	assert.Equal(t, r.StreamID, poke.Token)
}

func TestMultiWriterTokenIsLowWaterMark(t *testing.T) {
	p, store, _ := newTestPersister(t)

	require.NoError(t, p.SendToDevice("@alice:hearth", "DEV1"))
	require.NoError(t, p.SendToDevice("@alice:hearth", "DEV2"))

	entries, err := store.StreamRowsSince(types.StreamToDevice, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// With every write committed, the low-water mark is the newest token.
	assert.Equal(t, entries[1].Token, p.CurrentToken(types.StreamToDevice))
}

func TestPushRuleAndCacheStreamsAreIndependent(t *testing.T) {
	p, store, _ := newTestPersister(t)

	require.NoError(t, p.NotifyPushRulesChanged("@alice:hearth"))
	require.NoError(t, p.InvalidateCache("get_thing", []string{"k"}))
	require.NoError(t, p.InvalidateCache("get_other", nil))

	assert.Equal(t, int64(1), p.CurrentToken(types.StreamPushRules))
	assert.Equal(t, int64(2), p.CurrentToken(types.StreamCaches))

	entries, err := store.StreamRowsSince(types.StreamCaches, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	var row types.CacheStreamRow
	require.NoError(t, json.Unmarshal(entries[1].Data, &row))
	assert.Equal(t, "get_other", row.CacheName)
	assert.Nil(t, row.Keys)
}
