package replication

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hearthchat/hearth/pkg/storage"
	"github.com/hearthchat/hearth/pkg/types"
)

// ErrFallenBehind means a subscriber's backlog filled an entire fetch
// batch. Rather than buffer unboundedly, the streamer disconnects such a
// subscriber and lets it resync from its resume position.
var ErrFallenBehind = errors.New("subscriber has fallen too far behind")

// Update is one replication row with the token assigned to it.
type Update struct {
	Token int64
	Row   json.RawMessage
}

// Stream is one named, independently ordered change stream on the writer
// side. CurrentToken must never expose a token whose allocating transaction
// is still in flight.
type Stream interface {
	Name() types.StreamName
	CurrentToken() int64

	// UpdatesSince returns committed rows with from < token <= returned
	// position, at most limit of them. limited reports that the batch
	// filled before the current token was reached; the caller pages by
	// calling again from the returned position.
	UpdatesSince(from int64, limit int) (updates []Update, pos int64, limited bool, err error)
}

// storeStream implements Stream over the store's persisted row log. The
// current-token source is injected because it differs per stream kind: a
// single-writer stream asks its id generator, a multi-writer stream uses
// the low-water mark.
type storeStream struct {
	name    types.StreamName
	store   storage.Store
	current func() int64
}

// NewStoreStream builds a Stream reading rows from the store, bounded by
// the given current-token source.
func NewStoreStream(name types.StreamName, store storage.Store, current func() int64) Stream {
	return &storeStream{name: name, store: store, current: current}
}

func (s *storeStream) Name() types.StreamName {
	return s.name
}

func (s *storeStream) CurrentToken() int64 {
	return s.current()
}

func (s *storeStream) UpdatesSince(from int64, limit int) ([]Update, int64, bool, error) {
	current := s.current()
	if from >= current {
		return nil, current, false, nil
	}

	// Fetch one beyond the limit so a full batch is distinguishable from
	// an exactly-full backlog.
	rows, err := s.store.StreamRowsSince(s.name, from, limit+1)
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to read %s rows: %w", s.name, err)
	}

	updates := make([]Update, 0, len(rows))
	for _, row := range rows {
		if row.Token > current {
			// Stop at the current token boundary: anything past it belongs
			// to a transaction we must not announce yet.
			break
		}
		updates = append(updates, Update{Token: row.Token, Row: row.Data})
	}

	if len(updates) > limit {
		// Page: hand back a full batch ending at its own last token so the
		// caller can resume exactly after it.
		updates = updates[:limit]
		return updates, updates[limit-1].Token, true, nil
	}

	// Everything at or below current is committed and was fetched, so the
	// subscriber can fast-forward to current even across abandoned-token
	// gaps.
	return updates, current, false, nil
}

// Registry holds the writer's streams by name.
type Registry struct {
	byName map[types.StreamName]Stream
	order  []Stream
}

// NewRegistry builds a registry; iteration order follows registration
// order.
func NewRegistry(streams ...Stream) *Registry {
	r := &Registry{byName: make(map[types.StreamName]Stream)}
	for _, s := range streams {
		r.byName[s.Name()] = s
		r.order = append(r.order, s)
	}
	return r
}

// Get returns the stream with the given name, or nil.
func (r *Registry) Get(name types.StreamName) Stream {
	return r.byName[name]
}

// All returns the streams in registration order.
func (r *Registry) All() []Stream {
	return r.order
}
