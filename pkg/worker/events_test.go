package worker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthchat/hearth/pkg/state"
	"github.com/hearthchat/hearth/pkg/storage"
	"github.com/hearthchat/hearth/pkg/types"
)

func newTestEventStore(t *testing.T) (*EventStore, *storage.BoltStore) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	groups := state.NewGroupStore(store, 100)
	return NewEventStore(store, groups, nil), store
}

func seedMemberState(t *testing.T, store *storage.BoltStore, roomID string, users ...string) {
	t.Helper()
	err := store.WithUpdate(func(txn storage.Txn) error {
		for _, u := range users {
			key := types.StateKeyTuple{Type: types.EventTypeMember, StateKey: u}
			if err := txn.SetCurrentState(roomID, key, "$m-"+u); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func eventRow(t *testing.T, row types.EventStreamRow) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(row)
	require.NoError(t, err)
	return raw
}

func TestApplyRowsInvalidatesEventAndStateCaches(t *testing.T) {
	s, store := newTestEventStore(t)

	stateKey := "@alice:hearth"
	err := store.WithUpdate(func(txn storage.Txn) error {
		return txn.InsertEvent(&types.Event{
			EventID:  "$1",
			RoomID:   "!room",
			Type:     types.EventTypeMember,
			StateKey: &stateKey,
		})
	})
	require.NoError(t, err)
	seedMemberState(t, store, "!room", "alice")

	// Prime every cache.
	_, err = s.GetEvent("$1")
	require.NoError(t, err)
	_, err = s.GetCurrentState("!room")
	require.NoError(t, err)
	_, err = s.GetUsersInRoom(context.Background(), "!room")
	require.NoError(t, err)

	row := eventRow(t, types.EventStreamRow{
		EventID:  "$1",
		RoomID:   "!room",
		Type:     types.EventTypeMember,
		StateKey: stateKey,
		IsState:  true,
	})
	require.NoError(t, s.ApplyRows(7, []json.RawMessage{row}))

	_, ok := s.events.Get("$1")
	assert.False(t, ok, "event entry must be dropped")
	_, ok = s.currentState.Get("!room")
	assert.False(t, ok, "current state entry must be dropped")
	_, ok = s.usersInRoom.Get("!room")
	assert.False(t, ok, "membership entry must be dropped")

	assert.True(t, s.HasRoomChangedSince("!room", 6))
	assert.False(t, s.HasRoomChangedSince("!room", 7))
}

func TestApplyRowsMessageEventKeepsStateCaches(t *testing.T) {
	s, store := newTestEventStore(t)
	seedMemberState(t, store, "!room", "bob")

	_, err := s.GetCurrentState("!room")
	require.NoError(t, err)
	_, err = s.GetUsersInRoom(context.Background(), "!room")
	require.NoError(t, err)

	row := eventRow(t, types.EventStreamRow{
		EventID: "$msg",
		RoomID:  "!room",
		Type:    "m.room.message",
	})
	require.NoError(t, s.ApplyRows(3, []json.RawMessage{row}))

	_, ok := s.currentState.Get("!room")
	assert.True(t, ok, "non-state rows leave current state alone")
	_, ok = s.usersInRoom.Get("!room")
	assert.True(t, ok)
}

func TestGetUsersInRoomSortsMembers(t *testing.T) {
	s, store := newTestEventStore(t)
	seedMemberState(t, store, "!room", "carol", "alice", "bob")

	users, err := s.GetUsersInRoom(context.Background(), "!room")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol"}, users)

	// A second read comes from cache.
	again, err := s.GetUsersInRoom(context.Background(), "!room")
	require.NoError(t, err)
	assert.Equal(t, users, again)
}

func TestGetUsersInRoomReturnsPrivateCopy(t *testing.T) {
	s, store := newTestEventStore(t)
	seedMemberState(t, store, "!room", "alice", "bob")

	users, err := s.GetUsersInRoom(context.Background(), "!room")
	require.NoError(t, err)
	users[0] = "@mallory:hearth"

	// A caller scribbling on its slice must not corrupt the cached entry.
	again, err := s.GetUsersInRoom(context.Background(), "!room")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, again)
}

func TestChangeCacheKeepsAnswersAcrossLaterRows(t *testing.T) {
	s, _ := newTestEventStore(t)

	rowA := eventRow(t, types.EventStreamRow{EventID: "$1", RoomID: "!a"})
	require.NoError(t, s.ApplyRows(4, []json.RawMessage{rowA}))

	// Rows keep flowing. Queries about tokens the cache has tracked since
	// startup must stay precise instead of degrading to store fallbacks.
	rowB := eventRow(t, types.EventStreamRow{EventID: "$2", RoomID: "!b"})
	require.NoError(t, s.ApplyRows(9, []json.RawMessage{rowB}))

	rooms, err := s.RoomsChangedSince(3, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"!a", "!b"}, rooms)

	rooms, err = s.RoomsChangedSince(4, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"!b"}, rooms)

	assert.False(t, s.HasRoomChangedSince("!a", 7))
	assert.True(t, s.HasRoomChangedSince("!b", 7))
}

func TestReplicaMaterializesEventsFromRows(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	groups := state.NewGroupStore(store, 100)
	s := NewReplicaEventStore(store, groups, nil)

	// The replica's store starts empty; everything it serves must come in
	// over the stream.
	stateKey := "@alice:hearth"
	member := &types.Event{
		EventID:  "$m1",
		RoomID:   "!room",
		Type:     types.EventTypeMember,
		StateKey: &stateKey,
		Sender:   "@alice:hearth",
	}
	msg := &types.Event{
		EventID: "$e1",
		RoomID:  "!room",
		Type:    "m.room.message",
		Sender:  "@alice:hearth",
	}

	rows := []json.RawMessage{
		eventRow(t, types.EventStreamRow{
			EventID:    member.EventID,
			RoomID:     member.RoomID,
			Type:       member.Type,
			StateKey:   stateKey,
			IsState:    true,
			StateGroup: 1,
			Event:      member,
		}),
		eventRow(t, types.EventStreamRow{
			EventID: msg.EventID,
			RoomID:  msg.RoomID,
			Type:    msg.Type,
			Event:   msg,
		}),
	}
	require.NoError(t, s.ApplyRows(2, rows))

	got, err := s.GetEvent("$e1")
	require.NoError(t, err)
	assert.Equal(t, "m.room.message", got.Type)

	current, err := s.GetCurrentState("!room")
	require.NoError(t, err)
	key := types.StateKeyTuple{Type: types.EventTypeMember, StateKey: stateKey}
	assert.Equal(t, "$m1", current[key])

	users, err := s.GetUsersInRoom(context.Background(), "!room")
	require.NoError(t, err)
	assert.Equal(t, []string{stateKey}, users)

	// Redelivery after a reconnect must be harmless.
	require.NoError(t, s.ApplyRows(2, rows))
	again, err := s.GetEvent("$m1")
	require.NoError(t, err)
	assert.Equal(t, types.EventTypeMember, again.Type)
}
