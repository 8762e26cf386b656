package stream

import (
	"fmt"
	"sync"

	"github.com/hearthchat/hearth/pkg/storage"
	"github.com/hearthchat/hearth/pkg/types"
)

// MultiWriterIDGenerator coordinates one stream's token space across several
// writer processes sharing the same store. Reservation is an atomic
// read-increment-write of the shared stream counter inside a store write
// transaction, which is the only cross-process mutual exclusion required.
//
// Each writer durably records its own last-published token. The low-water
// mark is derived from those rows: it is the point below which every writer
// has committed, and the only position a reader may treat as fully caught
// up. A writer that reserved a token but has not committed it holds its
// published position back, so the mark cannot pass the in-flight token.
type MultiWriterIDGenerator struct {
	store    storage.Store
	stream   types.StreamName
	instance string

	mu        sync.Mutex
	published int64          // our last committed token
	inflight  map[int64]bool // reserved by us, not yet settled
}

// NewMultiWriterIDGenerator restores this instance's published position from
// the store. Any token this instance reserved before a crash was never
// published and is simply abandoned.
func NewMultiWriterIDGenerator(store storage.Store, stream types.StreamName, instance string) (*MultiWriterIDGenerator, error) {
	positions, err := store.WriterPositions(stream)
	if err != nil {
		return nil, fmt.Errorf("failed to load writer positions for %s: %w", stream, err)
	}
	return &MultiWriterIDGenerator{
		store:     store,
		stream:    stream,
		instance:  instance,
		published: positions[instance],
		inflight:  make(map[int64]bool),
	}, nil
}

// Allocate reserves the next token from the shared sequence. The
// reservation itself is durable immediately (the counter advances even if
// the caller later rolls back) so no other writer can be handed the same
// token.
func (g *MultiWriterIDGenerator) Allocate() (*Allocation, error) {
	var token int64
	err := g.store.WithUpdate(func(txn storage.Txn) error {
		current, err := txn.StreamCounter(g.stream)
		if err != nil {
			return err
		}
		token = current + 1
		return txn.SetStreamCounter(g.stream, token)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reserve token on %s: %w", g.stream, err)
	}

	g.mu.Lock()
	g.inflight[token] = true
	g.mu.Unlock()

	return &Allocation{
		Token: token,
		persist: func(txn storage.Txn) error {
			return txn.SetWriterPosition(g.stream, g.instance, token)
		},
		finish: func(committed bool) {
			g.settle(token, committed)
		},
	}, nil
}

func (g *MultiWriterIDGenerator) settle(token int64, committed bool) {
	g.mu.Lock()
	delete(g.inflight, token)
	if committed && token > g.published {
		g.published = token
	}
	idle := len(g.inflight) == 0
	g.mu.Unlock()

	if !idle {
		return
	}

	// With nothing in flight locally we can advance our published position
	// to the newest token any writer has committed. This is what lets the
	// low-water mark reach other writers' tokens instead of sticking at our
	// last own write.
	positions, err := g.store.WriterPositions(g.stream)
	if err != nil {
		return
	}
	max := g.Published()
	for _, pos := range positions {
		if pos > max {
			max = pos
		}
	}

	g.mu.Lock()
	advanced := len(g.inflight) == 0 && max > g.published
	if advanced {
		g.published = max
	}
	g.mu.Unlock()

	if advanced {
		_ = g.store.WithUpdate(func(txn storage.Txn) error {
			return txn.SetWriterPosition(g.stream, g.instance, max)
		})
	}
}

// Published returns this instance's last published token.
func (g *MultiWriterIDGenerator) Published() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.published
}

// LowWaterMark returns the minimum last-published token across all known
// writers. Readers must not treat anything past this as fully caught up.
func (g *MultiWriterIDGenerator) LowWaterMark() (int64, error) {
	positions, err := g.store.WriterPositions(g.stream)
	if err != nil {
		return 0, err
	}
	g.mu.Lock()
	positions[g.instance] = g.published
	g.mu.Unlock()
	return LowWaterMarkOf(positions), nil
}

// LowWaterMarkOf computes the low-water mark from a set of per-instance
// published positions. Exposed so readers can derive it straight from the
// store without a generator.
func LowWaterMarkOf(positions map[string]int64) int64 {
	first := true
	var min int64
	for _, pos := range positions {
		if first || pos < min {
			min = pos
			first = false
		}
	}
	return min
}
