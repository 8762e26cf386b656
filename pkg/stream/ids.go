package stream

import (
	"fmt"
	"sync"

	"github.com/hearthchat/hearth/pkg/storage"
	"github.com/hearthchat/hearth/pkg/types"
)

// Allocation is a reserved stream token. The allocation discipline is:
//
//	alloc := gen.Allocate()
//	err := store.WithUpdate(func(txn storage.Txn) error {
//		// ... write the rows the token identifies ...
//		return alloc.Persist(txn)
//	})
//	if err != nil {
//		alloc.Rollback()
//	} else {
//		alloc.Commit()
//	}
//
// Until Commit, the token is not eligible for publication: CurrentToken (and
// LowWaterMark for multi-writer streams) will not advance past it. Rollback
// abandons the token; the resulting gap is harmless because rows carry
// explicit tokens on the wire.
type Allocation struct {
	Token    int64
	finish   func(committed bool)
	persist  func(txn storage.Txn) error
	finished bool
	mu       sync.Mutex
}

// Persist records the allocation durably inside the caller's transaction.
func (a *Allocation) Persist(txn storage.Txn) error {
	return a.persist(txn)
}

// Commit marks the allocation complete after its transaction committed.
func (a *Allocation) Commit() { a.settle(true) }

// Rollback abandons the allocation after its transaction failed.
func (a *Allocation) Rollback() { a.settle(false) }

func (a *Allocation) settle(committed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finished {
		return
	}
	a.finished = true
	a.finish(committed)
}

// StreamIDGenerator allocates strictly increasing tokens for one stream
// owned by a single writer process. The counter is seeded from the persisted
// value at startup and re-persisted with every allocation, so tokens survive
// restarts without rescanning the stream's rows.
type StreamIDGenerator struct {
	store  storage.Store
	stream types.StreamName

	mu         sync.Mutex
	current    int64           // last allocated
	unfinished map[int64]bool  // allocated but not yet settled
}

// NewStreamIDGenerator seeds the generator from the store.
func NewStreamIDGenerator(store storage.Store, stream types.StreamName) (*StreamIDGenerator, error) {
	seed, err := store.StreamCounter(stream)
	if err != nil {
		return nil, fmt.Errorf("failed to seed id generator for %s: %w", stream, err)
	}
	return &StreamIDGenerator{
		store:      store,
		stream:     stream,
		current:    seed,
		unfinished: make(map[int64]bool),
	}, nil
}

// Allocate reserves the next token.
func (g *StreamIDGenerator) Allocate() *Allocation {
	allocs := g.AllocateMany(1)
	return allocs[0]
}

// AllocateMany reserves n contiguous tokens, for batch persists.
func (g *StreamIDGenerator) AllocateMany(n int) []*Allocation {
	g.mu.Lock()
	defer g.mu.Unlock()

	allocs := make([]*Allocation, n)
	for i := 0; i < n; i++ {
		g.current++
		token := g.current
		g.unfinished[token] = true
		allocs[i] = &Allocation{
			Token: token,
			persist: func(txn storage.Txn) error {
				return txn.SetStreamCounter(g.stream, token)
			},
			finish: func(bool) {
				g.mu.Lock()
				delete(g.unfinished, token)
				g.mu.Unlock()
			},
		}
	}
	return allocs
}

// CurrentToken returns the highest token below which every allocation has
// settled. Tokens above it may still be in flight, so readers must not be
// told about them yet.
func (g *StreamIDGenerator) CurrentToken() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	current := g.current
	for token := range g.unfinished {
		if token-1 < current {
			current = token - 1
		}
	}
	return current
}
