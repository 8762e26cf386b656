package storage

import (
	"errors"

	"github.com/hearthchat/hearth/pkg/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrIntegrity marks integrity violations (e.g. a state group referencing a
// prev_group that was never persisted). These indicate corruption or a
// programming error and must never be silently repaired.
var ErrIntegrity = errors.New("integrity violation")

// RowEntry is one persisted replication row: the token assigned within its
// stream plus the JSON-encoded row payload.
type RowEntry struct {
	Token int64
	Data  []byte
}

// Txn is a write transaction. Every mutation performed through one Txn
// commits atomically; this is how an event row, its state groups, and its
// stream token land together or not at all.
type Txn interface {
	// InsertEvent writes an event row.
	InsertEvent(ev *types.Event) error

	// InsertStateGroup writes a state group and its delta rows. Fails with
	// ErrIntegrity if prevGroup is non-zero and not already persisted.
	InsertStateGroup(group *types.StateGroup) error

	// StateGroupExists reports whether a group id has been persisted.
	StateGroupExists(id int64) (bool, error)

	// CountStateGroupHops walks the parent chain from the given group and
	// returns its length, stopping at limit.
	CountStateGroupHops(id int64, limit int) (int, error)

	// NextStateGroupID increments and returns the state-group sequence.
	NextStateGroupID() (int64, error)

	// UpsertRoom writes room metadata.
	UpsertRoom(room *types.Room) error

	// SetCurrentState replaces one entry of a room's current state.
	SetCurrentState(roomID string, key types.StateKeyTuple, eventID string) error

	// SetReceipt upserts a read receipt.
	SetReceipt(r *types.Receipt) error

	// AppendStreamRow persists a replication row under its token.
	AppendStreamRow(stream types.StreamName, token int64, data []byte) error

	// StreamCounter reads the last allocated token of a stream.
	StreamCounter(stream types.StreamName) (int64, error)

	// SetStreamCounter persists the last allocated token of a stream.
	SetStreamCounter(stream types.StreamName, token int64) error

	// SetWriterPosition records a writer instance's last published token on
	// a multi-writer stream.
	SetWriterPosition(stream types.StreamName, instance string, token int64) error
}

// Store is the durable storage shared (conceptually) between the writer and
// its workers. Reads are safe to call concurrently with one ongoing write
// transaction.
type Store interface {
	// WithUpdate runs fn inside a single atomic write transaction.
	WithUpdate(fn func(txn Txn) error) error

	// Events
	GetEvent(eventID string) (*types.Event, error)
	EventsAfter(streamOrdering int64, limit int) ([]*types.Event, error)

	// State groups
	GetStateGroup(id int64) (*types.StateGroup, error)
	MaxStateGroupID() (int64, error)

	// Rooms
	GetRoom(roomID string) (*types.Room, error)
	GetCurrentState(roomID string) (types.StateMap, error)
	GetCurrentStateEvent(roomID string, key types.StateKeyTuple) (string, error)

	// Receipts
	GetReceipt(roomID, receiptType, userID string) (*types.Receipt, error)

	// Replication rows
	StreamRowsSince(stream types.StreamName, from int64, limit int) ([]RowEntry, error)
	StreamCounter(stream types.StreamName) (int64, error)

	// Multi-writer positions
	WriterPositions(stream types.StreamName) (map[string]int64, error)

	// Worker-local resume positions
	LocalPosition(stream types.StreamName) (int64, error)
	SetLocalPosition(stream types.StreamName, token int64) error

	Close() error
}
