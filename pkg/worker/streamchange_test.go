package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasEntityChanged(t *testing.T) {
	c := NewStreamChangeCache("events", 10)

	// Below the low-water mark the cache cannot know, so it must say yes.
	assert.True(t, c.HasEntityChanged("!a", 5))

	c.EntityChanged("!a", 12)
	assert.True(t, c.HasEntityChanged("!a", 11))
	assert.False(t, c.HasEntityChanged("!a", 12))
	assert.False(t, c.HasEntityChanged("!b", 11), "untracked entity unchanged above the mark")
}

func TestEntitiesChangedSince(t *testing.T) {
	c := NewStreamChangeCache("events", 0)
	c.EntityChanged("!a", 3)
	c.EntityChanged("!b", 5)

	entities, ok := c.EntitiesChangedSince(3)
	assert.True(t, ok)
	assert.Equal(t, []string{"!b"}, entities)

	_, ok = c.EntitiesChangedSince(-1)
	assert.False(t, ok, "tokens before the mark need a store fallback")
}

func TestStaleTokensIgnored(t *testing.T) {
	c := NewStreamChangeCache("events", 0)
	c.EntityChanged("!a", 5)
	c.EntityChanged("!a", 3)
	assert.True(t, c.HasEntityChanged("!a", 4))
}

func TestKnowledgeSurvivesLaterChanges(t *testing.T) {
	c := NewStreamChangeCache("events", 0)
	c.EntityChanged("!a", 4)

	// Recording further changes must not erase what the cache already
	// knows about older tokens.
	c.EntityChanged("!b", 9)
	assert.True(t, c.HasEntityChanged("!a", 3))
	assert.False(t, c.HasEntityChanged("!a", 4))
	entities, ok := c.EntitiesChangedSince(4)
	assert.True(t, ok)
	assert.Equal(t, []string{"!b"}, entities)
}
