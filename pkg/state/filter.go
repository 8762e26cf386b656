package state

import (
	"github.com/hearthchat/hearth/pkg/types"
)

// StateFilter restricts which (type, state_key) tuples a state read should
// materialize, so callers asking for one slice of room state don't pay for
// reconstructing all of it.
type StateFilter struct {
	// types maps event type to the set of state keys wanted; a nil set
	// means every state key of that type.
	types map[string]map[string]bool

	// includeOthers admits tuples whose type is not listed at all.
	includeOthers bool
}

// FilterAll matches every tuple.
func FilterAll() StateFilter {
	return StateFilter{includeOthers: true}
}

// FilterTypes matches exactly the given tuples.
func FilterTypes(tuples ...types.StateKeyTuple) StateFilter {
	f := StateFilter{types: make(map[string]map[string]bool)}
	for _, t := range tuples {
		keys := f.types[t.Type]
		if keys == nil {
			keys = make(map[string]bool)
			f.types[t.Type] = keys
		}
		keys[t.StateKey] = true
	}
	return f
}

// FilterType matches every state key of the given event types.
func FilterType(eventTypes ...string) StateFilter {
	f := StateFilter{types: make(map[string]map[string]bool)}
	for _, t := range eventTypes {
		f.types[t] = nil
	}
	return f
}

// Matches reports whether the tuple passes the filter.
func (f StateFilter) Matches(t types.StateKeyTuple) bool {
	keys, listed := f.types[t.Type]
	if !listed {
		return f.includeOthers
	}
	if keys == nil {
		return true
	}
	return keys[t.StateKey]
}

// All reports whether the filter matches everything, which decides whether
// a reconstructed map is cacheable as the group's full state.
func (f StateFilter) All() bool {
	return f.includeOthers && len(f.types) == 0
}

// Apply returns the subset of state passing the filter. The input map is
// never mutated.
func (f StateFilter) Apply(state types.StateMap) types.StateMap {
	if f.All() {
		return state
	}
	out := make(types.StateMap)
	for k, v := range state {
		if f.Matches(k) {
			out[k] = v
		}
	}
	return out
}
