package worker

import (
	"encoding/json"
	"fmt"

	"github.com/hearthchat/hearth/pkg/cache"
	"github.com/hearthchat/hearth/pkg/metrics"
	"github.com/hearthchat/hearth/pkg/storage"
	"github.com/hearthchat/hearth/pkg/types"
)

// ReceiptStore is the reader-side view of read receipts.
type ReceiptStore struct {
	store       storage.Store
	receipts    *cache.Cache[string, *types.Receipt]
	changes     *StreamChangeCache
	materialize bool
}

func NewReceiptStore(store storage.Store) *ReceiptStore {
	return &ReceiptStore{
		store:    store,
		receipts: cache.New[string, *types.Receipt]("get_receipt"),
		changes:  NewStreamChangeCache("receipts", changeCacheFloor(store, types.StreamReceipts)),
	}
}

// NewReplicaReceiptStore builds a ReceiptStore that writes replicated
// receipts into its own store as rows arrive.
func NewReplicaReceiptStore(store storage.Store) *ReceiptStore {
	s := NewReceiptStore(store)
	s.materialize = true
	return s
}

// StreamName implements replication.RowHandler.
func (s *ReceiptStore) StreamName() types.StreamName {
	return types.StreamReceipts
}

// ApplyRows implements replication.RowHandler for the receipts stream.
func (s *ReceiptStore) ApplyRows(token int64, rows []json.RawMessage) error {
	for _, raw := range rows {
		var row types.ReceiptStreamRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return fmt.Errorf("decoding receipts row: %w", err)
		}
		if s.materialize {
			err := s.store.WithUpdate(func(txn storage.Txn) error {
				return txn.SetReceipt(&types.Receipt{
					RoomID:      row.RoomID,
					ReceiptType: row.ReceiptType,
					UserID:      row.UserID,
					EventID:     row.EventID,
					StreamID:    row.StreamID,
				})
			})
			if err != nil {
				return fmt.Errorf("materializing receipt: %w", err)
			}
		}
		s.receipts.Invalidate(roomKey(row.RoomID, row.ReceiptType, row.UserID))
		metrics.CacheInvalidations.WithLabelValues(s.receipts.Name()).Inc()
		s.changes.EntityChanged(row.RoomID, token)
	}
	return nil
}

// GetReceipt returns the receipt a user last set in a room.
func (s *ReceiptStore) GetReceipt(roomID, receiptType, userID string) (*types.Receipt, error) {
	key := roomKey(roomID, receiptType, userID)
	if r, ok := s.receipts.Get(key); ok {
		return r, nil
	}
	r, err := s.store.GetReceipt(roomID, receiptType, userID)
	if err != nil {
		return nil, err
	}
	s.receipts.Set(key, r)
	return r, nil
}

// HasRoomChangedSince reports whether a room may have new receipts past
// the given token.
func (s *ReceiptStore) HasRoomChangedSince(roomID string, token int64) bool {
	return s.changes.HasEntityChanged(roomID, token)
}

// InvalidatableCaches exposes this store's caches for the caches-stream
// invalidator.
func (s *ReceiptStore) InvalidatableCaches() map[string]Invalidator {
	return map[string]Invalidator{
		s.receipts.Name(): stringCache{s.receipts},
	}
}
