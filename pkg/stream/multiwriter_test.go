package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthchat/hearth/pkg/types"
)

func TestMultiWriterReservationsAreUnique(t *testing.T) {
	store := newTestStore(t)
	a, err := NewMultiWriterIDGenerator(store, types.StreamToDevice, "writer-a")
	require.NoError(t, err)
	b, err := NewMultiWriterIDGenerator(store, types.StreamToDevice, "writer-b")
	require.NoError(t, err)

	seen := make(map[int64]bool)
	for i := 0; i < 5; i++ {
		for _, g := range []*MultiWriterIDGenerator{a, b} {
			alloc, err := g.Allocate()
			require.NoError(t, err)
			assert.False(t, seen[alloc.Token], "token %d issued twice", alloc.Token)
			seen[alloc.Token] = true
			persistAlloc(t, store, alloc)
			alloc.Commit()
		}
	}
	assert.Len(t, seen, 10)
}

func TestLowWaterMarkHeldBackByInflightWrite(t *testing.T) {
	store := newTestStore(t)
	a, err := NewMultiWriterIDGenerator(store, types.StreamToDevice, "writer-a")
	require.NoError(t, err)
	b, err := NewMultiWriterIDGenerator(store, types.StreamToDevice, "writer-b")
	require.NoError(t, err)

	// Both writers commit a first write so both have published positions.
	for _, g := range []*MultiWriterIDGenerator{a, b} {
		alloc, err := g.Allocate()
		require.NoError(t, err)
		persistAlloc(t, store, alloc)
		alloc.Commit()
	}

	// A reserves token 3 but stalls; B commits token 4.
	inflight, err := a.Allocate()
	require.NoError(t, err)
	bAlloc, err := b.Allocate()
	require.NoError(t, err)
	persistAlloc(t, store, bAlloc)
	bAlloc.Commit()

	// The mark must not pass A's in-flight token.
	lwm, err := a.LowWaterMark()
	require.NoError(t, err)
	assert.Less(t, lwm, inflight.Token)

	// Once A commits, both writers are at or past token 4.
	persistAlloc(t, store, inflight)
	inflight.Commit()

	lwm, err = a.LowWaterMark()
	require.NoError(t, err)
	assert.Equal(t, bAlloc.Token, lwm)
}

func TestIdleWriterAdvancesPastOtherWriters(t *testing.T) {
	store := newTestStore(t)
	a, err := NewMultiWriterIDGenerator(store, types.StreamToDevice, "writer-a")
	require.NoError(t, err)
	b, err := NewMultiWriterIDGenerator(store, types.StreamToDevice, "writer-b")
	require.NoError(t, err)

	alloc, err := a.Allocate()
	require.NoError(t, err)
	persistAlloc(t, store, alloc)
	alloc.Commit()

	// B writes several times while A stays idle at token 1.
	var last int64
	for i := 0; i < 3; i++ {
		alloc, err := b.Allocate()
		require.NoError(t, err)
		persistAlloc(t, store, alloc)
		alloc.Commit()
		last = alloc.Token
	}

	lwm, err := a.LowWaterMark()
	require.NoError(t, err)
	assert.Equal(t, int64(1), lwm, "mark stuck at A's last own write")

	// A's next settle with nothing in flight advances its published
	// position to the newest committed token, freeing the mark. A rolled
	// back reservation is enough to trigger it.
	aAlloc, err := a.Allocate()
	require.NoError(t, err)
	aAlloc.Rollback()

	lwm, err = a.LowWaterMark()
	require.NoError(t, err)
	assert.Equal(t, last, lwm, "idle writer caught up to the newest commit")
}

func TestMultiWriterRollbackLeavesGap(t *testing.T) {
	store := newTestStore(t)
	g, err := NewMultiWriterIDGenerator(store, types.StreamToDevice, "writer-a")
	require.NoError(t, err)

	first, err := g.Allocate()
	require.NoError(t, err)
	persistAlloc(t, store, first)
	first.Commit()

	dropped, err := g.Allocate()
	require.NoError(t, err)
	dropped.Rollback()

	// The counter advanced durably at reservation, so the next token skips
	// the abandoned one.
	next, err := g.Allocate()
	require.NoError(t, err)
	assert.Equal(t, dropped.Token+1, next.Token)
	persistAlloc(t, store, next)
	next.Commit()

	lwm, err := g.LowWaterMark()
	require.NoError(t, err)
	assert.Equal(t, next.Token, lwm, "abandoned token must not hold the mark back forever")
}

func TestMultiWriterRestartRestoresPublished(t *testing.T) {
	store := newTestStore(t)
	g, err := NewMultiWriterIDGenerator(store, types.StreamToDevice, "writer-a")
	require.NoError(t, err)

	alloc, err := g.Allocate()
	require.NoError(t, err)
	persistAlloc(t, store, alloc)
	alloc.Commit()

	g2, err := NewMultiWriterIDGenerator(store, types.StreamToDevice, "writer-a")
	require.NoError(t, err)
	assert.Equal(t, alloc.Token, g2.Published())
}

func TestLowWaterMarkOf(t *testing.T) {
	assert.Equal(t, int64(0), LowWaterMarkOf(nil))
	assert.Equal(t, int64(3), LowWaterMarkOf(map[string]int64{"a": 7, "b": 3, "c": 5}))
}
