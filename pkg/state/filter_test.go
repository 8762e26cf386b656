package state

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hearthchat/hearth/pkg/types"
)

func TestFilterAllMatchesEverything(t *testing.T) {
	f := FilterAll()
	assert.True(t, f.All())
	assert.True(t, f.Matches(types.StateKeyTuple{Type: "m.room.member", StateKey: "@a"}))
	assert.True(t, f.Matches(types.StateKeyTuple{Type: "whatever"}))
}

func TestFilterTypesMatchesExactTuples(t *testing.T) {
	f := FilterTypes(
		types.StateKeyTuple{Type: "m.room.member", StateKey: "@alice:hearth"},
		types.StateKeyTuple{Type: "m.room.name", StateKey: ""},
	)
	assert.False(t, f.All())
	assert.True(t, f.Matches(types.StateKeyTuple{Type: "m.room.member", StateKey: "@alice:hearth"}))
	assert.False(t, f.Matches(types.StateKeyTuple{Type: "m.room.member", StateKey: "@bob:hearth"}))
	assert.True(t, f.Matches(types.StateKeyTuple{Type: "m.room.name", StateKey: ""}))
	assert.False(t, f.Matches(types.StateKeyTuple{Type: "m.room.topic", StateKey: ""}))
}

func TestFilterTypeMatchesAllKeysOfType(t *testing.T) {
	f := FilterType("m.room.member")
	assert.True(t, f.Matches(types.StateKeyTuple{Type: "m.room.member", StateKey: "@anyone"}))
	assert.False(t, f.Matches(types.StateKeyTuple{Type: "m.room.name", StateKey: ""}))
}

func TestFilterApply(t *testing.T) {
	state := types.StateMap{
		{Type: "m.room.member", StateKey: "@alice:hearth"}: "$a",
		{Type: "m.room.member", StateKey: "@bob:hearth"}:   "$b",
		{Type: "m.room.name", StateKey: ""}:                "$n",
	}

	got := FilterType("m.room.member").Apply(state)
	assert.Len(t, got, 2)
	assert.NotContains(t, got, types.StateKeyTuple{Type: "m.room.name", StateKey: ""})

	// FilterAll returns the input untouched.
	assert.Len(t, FilterAll().Apply(state), 3)
}
