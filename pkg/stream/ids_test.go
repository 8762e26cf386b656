package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthchat/hearth/pkg/storage"
	"github.com/hearthchat/hearth/pkg/types"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func persistAlloc(t *testing.T, store storage.Store, a *Allocation) {
	t.Helper()
	require.NoError(t, store.WithUpdate(func(txn storage.Txn) error {
		return a.Persist(txn)
	}))
}

func TestAllocateIsMonotonic(t *testing.T) {
	store := newTestStore(t)
	gen, err := NewStreamIDGenerator(store, types.StreamEvents)
	require.NoError(t, err)

	var last int64
	for i := 0; i < 10; i++ {
		alloc := gen.Allocate()
		assert.Greater(t, alloc.Token, last)
		last = alloc.Token
		persistAlloc(t, store, alloc)
		alloc.Commit()
	}
	assert.Equal(t, int64(10), gen.CurrentToken())
}

func TestTokenInvisibleUntilCommit(t *testing.T) {
	store := newTestStore(t)
	gen, err := NewStreamIDGenerator(store, types.StreamEvents)
	require.NoError(t, err)

	a1 := gen.Allocate()
	persistAlloc(t, store, a1)
	a1.Commit()
	require.Equal(t, int64(1), gen.CurrentToken())

	// Token 2 in flight: the visible position must stay at 1 even while
	// token 3 commits first.
	a2 := gen.Allocate()
	a3 := gen.Allocate()
	persistAlloc(t, store, a3)
	a3.Commit()
	assert.Equal(t, int64(1), gen.CurrentToken())

	persistAlloc(t, store, a2)
	a2.Commit()
	assert.Equal(t, int64(3), gen.CurrentToken())
}

func TestRollbackSkipsToken(t *testing.T) {
	store := newTestStore(t)
	gen, err := NewStreamIDGenerator(store, types.StreamEvents)
	require.NoError(t, err)

	a1 := gen.Allocate()
	a1.Rollback()

	a2 := gen.Allocate()
	assert.Equal(t, int64(2), a2.Token, "abandoned token must not be reissued")
	persistAlloc(t, store, a2)
	a2.Commit()

	// The position jumps over the abandoned token.
	assert.Equal(t, int64(2), gen.CurrentToken())
}

func TestSettleIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	gen, err := NewStreamIDGenerator(store, types.StreamEvents)
	require.NoError(t, err)

	a := gen.Allocate()
	persistAlloc(t, store, a)
	a.Commit()
	a.Commit()
	a.Rollback()
	assert.Equal(t, int64(1), gen.CurrentToken())
}

func TestAllocateManyIsContiguous(t *testing.T) {
	store := newTestStore(t)
	gen, err := NewStreamIDGenerator(store, types.StreamEvents)
	require.NoError(t, err)

	allocs := gen.AllocateMany(5)
	require.Len(t, allocs, 5)
	for i, a := range allocs {
		assert.Equal(t, int64(i+1), a.Token)
	}
	for _, a := range allocs {
		persistAlloc(t, store, a)
		a.Commit()
	}
	assert.Equal(t, int64(5), gen.CurrentToken())
}

func TestGeneratorSeedsFromStore(t *testing.T) {
	store := newTestStore(t)
	gen, err := NewStreamIDGenerator(store, types.StreamEvents)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		a := gen.Allocate()
		persistAlloc(t, store, a)
		a.Commit()
	}

	// A fresh generator over the same store resumes past every persisted
	// token, as after a restart.
	gen2, err := NewStreamIDGenerator(store, types.StreamEvents)
	require.NoError(t, err)
	assert.Equal(t, int64(4), gen2.Allocate().Token)
}

func TestStreamsDoNotShareTokens(t *testing.T) {
	store := newTestStore(t)
	events, err := NewStreamIDGenerator(store, types.StreamEvents)
	require.NoError(t, err)
	receipts, err := NewStreamIDGenerator(store, types.StreamReceipts)
	require.NoError(t, err)

	a := events.Allocate()
	persistAlloc(t, store, a)
	a.Commit()

	b := receipts.Allocate()
	assert.Equal(t, int64(1), b.Token, "each stream has its own token space")
}
