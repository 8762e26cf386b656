package worker

import (
	"encoding/json"
	"fmt"

	"github.com/hearthchat/hearth/pkg/cache"
	"github.com/hearthchat/hearth/pkg/metrics"
	"github.com/hearthchat/hearth/pkg/storage"
	"github.com/hearthchat/hearth/pkg/types"
)

// PushRuleStore tracks per-user push rule changes on the reader side.
// Rule evaluation itself happens elsewhere; this store answers "have this
// user's rules changed since token" and keeps the compiled-rules cache
// honest.
type PushRuleStore struct {
	compiled *cache.Cache[string, json.RawMessage]
	changes  *StreamChangeCache
}

func NewPushRuleStore(store storage.Store) *PushRuleStore {
	return &PushRuleStore{
		compiled: cache.New[string, json.RawMessage]("push_rules"),
		changes:  NewStreamChangeCache("push_rules", changeCacheFloor(store, types.StreamPushRules)),
	}
}

// StreamName implements replication.RowHandler.
func (s *PushRuleStore) StreamName() types.StreamName {
	return types.StreamPushRules
}

// ApplyRows implements replication.RowHandler for the push_rules stream.
func (s *PushRuleStore) ApplyRows(token int64, rows []json.RawMessage) error {
	for _, raw := range rows {
		var row types.PushRuleStreamRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return fmt.Errorf("decoding push_rules row: %w", err)
		}
		s.compiled.Invalidate(row.UserID)
		metrics.CacheInvalidations.WithLabelValues(s.compiled.Name()).Inc()
		s.changes.EntityChanged(row.UserID, token)
	}
	return nil
}

// HaveRulesChanged reports whether a user's push rules may have changed
// since token.
func (s *PushRuleStore) HaveRulesChanged(userID string, token int64) bool {
	return s.changes.HasEntityChanged(userID, token)
}

// CachedRules returns the compiled rules for a user if still cached.
func (s *PushRuleStore) CachedRules(userID string) (json.RawMessage, bool) {
	return s.compiled.Get(userID)
}

// SetCachedRules stores a compiled rule set for a user.
func (s *PushRuleStore) SetCachedRules(userID string, rules json.RawMessage) {
	s.compiled.Set(userID, rules)
}

// InvalidatableCaches exposes this store's caches for the caches-stream
// invalidator.
func (s *PushRuleStore) InvalidatableCaches() map[string]Invalidator {
	return map[string]Invalidator{
		s.compiled.Name(): stringCache{s.compiled},
	}
}
