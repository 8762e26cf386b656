package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/hearthchat/hearth/pkg/types"
)

var (
	// Bucket names
	bucketEvents          = []byte("events")
	bucketEventOrder      = []byte("event_order")
	bucketStateGroups     = []byte("state_groups")
	bucketStateGroupState = []byte("state_groups_state")
	bucketRooms           = []byte("rooms")
	bucketRoomState       = []byte("room_state")
	bucketReceipts        = []byte("receipts")
	bucketStreamRows      = []byte("stream_rows")
	bucketStreamCounters  = []byte("stream_counters")
	bucketWriterPositions = []byte("writer_positions")
	bucketLocalPositions  = []byte("local_positions")
	bucketSequences       = []byte("sequences")
)

var seqStateGroup = []byte("state_group")

// Separator for composite keys. 0x1f never appears in room/user/event IDs.
const keySep = "\x1f"

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) the database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "hearth.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketEvents,
			bucketEventOrder,
			bucketStateGroups,
			bucketStateGroupState,
			bucketRooms,
			bucketRoomState,
			bucketReceipts,
			bucketStreamRows,
			bucketStreamCounters,
			bucketWriterPositions,
			bucketLocalPositions,
			bucketSequences,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// itob encodes an int64 as a big-endian key so bolt cursors iterate in
// numeric order.
func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func btoi(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

// stateGroupMeta is the persisted shape of a state group minus its delta
// rows, which live in their own per-group bucket.
type stateGroupMeta struct {
	RoomID    string `json:"room_id"`
	EventID   string `json:"event_id"`
	PrevGroup int64  `json:"prev_group,omitempty"`
}

func tupleKey(key types.StateKeyTuple) []byte {
	return []byte(key.Type + keySep + key.StateKey)
}

func parseTupleKey(k []byte) types.StateKeyTuple {
	parts := bytes.SplitN(k, []byte(keySep), 2)
	t := types.StateKeyTuple{Type: string(parts[0])}
	if len(parts) == 2 {
		t.StateKey = string(parts[1])
	}
	return t
}

// boltTxn implements Txn on top of a single bolt write transaction.
type boltTxn struct {
	tx *bolt.Tx
}

// WithUpdate runs fn in one atomic write transaction.
func (s *BoltStore) WithUpdate(fn func(txn Txn) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTxn{tx: tx})
	})
}

func (t *boltTxn) InsertEvent(ev *types.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := t.tx.Bucket(bucketEvents).Put([]byte(ev.EventID), data); err != nil {
		return err
	}
	return t.tx.Bucket(bucketEventOrder).Put(itob(ev.StreamOrdering), []byte(ev.EventID))
}

func (t *boltTxn) InsertStateGroup(group *types.StateGroup) error {
	if group.PrevGroup != 0 {
		ok, err := t.StateGroupExists(group.PrevGroup)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: state group %d references unpersisted prev_group %d",
				ErrIntegrity, group.ID, group.PrevGroup)
		}
	}

	meta := stateGroupMeta{
		RoomID:    group.RoomID,
		EventID:   group.EventID,
		PrevGroup: group.PrevGroup,
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := t.tx.Bucket(bucketStateGroups).Put(itob(group.ID), data); err != nil {
		return err
	}

	deltas, err := t.tx.Bucket(bucketStateGroupState).CreateBucketIfNotExists(itob(group.ID))
	if err != nil {
		return err
	}
	for key, eventID := range group.Delta {
		if err := deltas.Put(tupleKey(key), []byte(eventID)); err != nil {
			return err
		}
	}
	return nil
}

func (t *boltTxn) StateGroupExists(id int64) (bool, error) {
	return t.tx.Bucket(bucketStateGroups).Get(itob(id)) != nil, nil
}

func (t *boltTxn) CountStateGroupHops(id int64, limit int) (int, error) {
	b := t.tx.Bucket(bucketStateGroups)
	hops := 0
	for id != 0 && hops < limit {
		data := b.Get(itob(id))
		if data == nil {
			return 0, fmt.Errorf("%w: state group %d missing mid-chain", ErrIntegrity, id)
		}
		var meta stateGroupMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			return 0, err
		}
		if meta.PrevGroup == 0 {
			break
		}
		id = meta.PrevGroup
		hops++
	}
	return hops, nil
}

func (t *boltTxn) NextStateGroupID() (int64, error) {
	b := t.tx.Bucket(bucketSequences)
	next := int64(1)
	if data := b.Get(seqStateGroup); data != nil {
		next = btoi(data) + 1
	}
	if err := b.Put(seqStateGroup, itob(next)); err != nil {
		return 0, err
	}
	return next, nil
}

func (t *boltTxn) UpsertRoom(room *types.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return err
	}
	return t.tx.Bucket(bucketRooms).Put([]byte(room.ID), data)
}

func (t *boltTxn) SetCurrentState(roomID string, key types.StateKeyTuple, eventID string) error {
	b, err := t.tx.Bucket(bucketRoomState).CreateBucketIfNotExists([]byte(roomID))
	if err != nil {
		return err
	}
	return b.Put(tupleKey(key), []byte(eventID))
}

func (t *boltTxn) SetReceipt(r *types.Receipt) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	key := r.RoomID + keySep + r.ReceiptType + keySep + r.UserID
	return t.tx.Bucket(bucketReceipts).Put([]byte(key), data)
}

func (t *boltTxn) AppendStreamRow(stream types.StreamName, token int64, data []byte) error {
	b, err := t.tx.Bucket(bucketStreamRows).CreateBucketIfNotExists([]byte(stream))
	if err != nil {
		return err
	}
	return b.Put(itob(token), data)
}

func (t *boltTxn) StreamCounter(stream types.StreamName) (int64, error) {
	if data := t.tx.Bucket(bucketStreamCounters).Get([]byte(stream)); data != nil {
		return btoi(data), nil
	}
	return 0, nil
}

func (t *boltTxn) SetStreamCounter(stream types.StreamName, token int64) error {
	return t.tx.Bucket(bucketStreamCounters).Put([]byte(stream), itob(token))
}

func (t *boltTxn) SetWriterPosition(stream types.StreamName, instance string, token int64) error {
	b, err := t.tx.Bucket(bucketWriterPositions).CreateBucketIfNotExists([]byte(stream))
	if err != nil {
		return err
	}
	return b.Put([]byte(instance), itob(token))
}

// Read side

func (s *BoltStore) GetEvent(eventID string) (*types.Event, error) {
	var ev types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEvents).Get([]byte(eventID))
		if data == nil {
			return fmt.Errorf("event %s: %w", eventID, ErrNotFound)
		}
		return json.Unmarshal(data, &ev)
	})
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (s *BoltStore) EventsAfter(streamOrdering int64, limit int) ([]*types.Event, error) {
	var events []*types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		order := tx.Bucket(bucketEventOrder)
		evs := tx.Bucket(bucketEvents)
		c := order.Cursor()
		for k, id := c.Seek(itob(streamOrdering + 1)); k != nil; k, id = c.Next() {
			if limit > 0 && len(events) >= limit {
				break
			}
			data := evs.Get(id)
			if data == nil {
				return fmt.Errorf("%w: ordered event %s has no row", ErrIntegrity, id)
			}
			var ev types.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				return err
			}
			events = append(events, &ev)
		}
		return nil
	})
	return events, err
}

func (s *BoltStore) GetStateGroup(id int64) (*types.StateGroup, error) {
	group := &types.StateGroup{ID: id, Delta: make(types.StateMap)}
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketStateGroups).Get(itob(id))
		if data == nil {
			return fmt.Errorf("state group %d: %w", id, ErrNotFound)
		}
		var meta stateGroupMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			return err
		}
		group.RoomID = meta.RoomID
		group.EventID = meta.EventID
		group.PrevGroup = meta.PrevGroup

		deltas := tx.Bucket(bucketStateGroupState).Bucket(itob(id))
		if deltas == nil {
			return nil
		}
		return deltas.ForEach(func(k, v []byte) error {
			group.Delta[parseTupleKey(k)] = string(v)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return group, nil
}

func (s *BoltStore) MaxStateGroupID() (int64, error) {
	var max int64
	err := s.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(bucketSequences).Get(seqStateGroup); data != nil {
			max = btoi(data)
		}
		return nil
	})
	return max, err
}

func (s *BoltStore) GetRoom(roomID string) (*types.Room, error) {
	var room types.Room
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRooms).Get([]byte(roomID))
		if data == nil {
			return fmt.Errorf("room %s: %w", roomID, ErrNotFound)
		}
		return json.Unmarshal(data, &room)
	})
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *BoltStore) GetCurrentState(roomID string) (types.StateMap, error) {
	state := make(types.StateMap)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoomState).Bucket([]byte(roomID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			state[parseTupleKey(k)] = string(v)
			return nil
		})
	})
	return state, err
}

func (s *BoltStore) GetCurrentStateEvent(roomID string, key types.StateKeyTuple) (string, error) {
	var eventID string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoomState).Bucket([]byte(roomID))
		if b == nil {
			return fmt.Errorf("room %s state: %w", roomID, ErrNotFound)
		}
		data := b.Get(tupleKey(key))
		if data == nil {
			return fmt.Errorf("state %s/%s: %w", key.Type, key.StateKey, ErrNotFound)
		}
		eventID = string(data)
		return nil
	})
	return eventID, err
}

func (s *BoltStore) GetReceipt(roomID, receiptType, userID string) (*types.Receipt, error) {
	var r types.Receipt
	err := s.db.View(func(tx *bolt.Tx) error {
		key := roomID + keySep + receiptType + keySep + userID
		data := tx.Bucket(bucketReceipts).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("receipt: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *BoltStore) StreamRowsSince(stream types.StreamName, from int64, limit int) ([]RowEntry, error) {
	var rows []RowEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStreamRows).Bucket([]byte(stream))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(itob(from + 1)); k != nil; k, v = c.Next() {
			if limit > 0 && len(rows) >= limit {
				break
			}
			data := make([]byte, len(v))
			copy(data, v)
			rows = append(rows, RowEntry{Token: btoi(k), Data: data})
		}
		return nil
	})
	return rows, err
}

func (s *BoltStore) StreamCounter(stream types.StreamName) (int64, error) {
	var token int64
	err := s.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(bucketStreamCounters).Get([]byte(stream)); data != nil {
			token = btoi(data)
		}
		return nil
	})
	return token, err
}

func (s *BoltStore) WriterPositions(stream types.StreamName) (map[string]int64, error) {
	positions := make(map[string]int64)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWriterPositions).Bucket([]byte(stream))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			positions[string(k)] = btoi(v)
			return nil
		})
	})
	return positions, err
}

func (s *BoltStore) LocalPosition(stream types.StreamName) (int64, error) {
	var token int64
	err := s.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(bucketLocalPositions).Get([]byte(stream)); data != nil {
			token = btoi(data)
		}
		return nil
	})
	return token, err
}

func (s *BoltStore) SetLocalPosition(stream types.StreamName, token int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocalPositions).Put([]byte(stream), itob(token))
	})
}
