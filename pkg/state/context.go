package state

import (
	"errors"
	"fmt"

	"github.com/hearthchat/hearth/pkg/storage"
	"github.com/hearthchat/hearth/pkg/types"
)

// ErrInvalidContext marks a persist request that can never succeed, no
// matter how often it is retried: a malformed context or an event that
// does not belong in the batch. Callers retrying transient storage
// failures must give up when they see it.
var ErrInvalidContext = errors.New("invalid event context")

// EventContext ties a persisted event to the state groups before and after
// it. The two groups are equal unless the event is a state event, in which
// case Delta holds the single entry the event contributed.
//
// A rejected context is poisoned: reading its state groups panics, because
// a rejected event's state must never leak into room state and doing so is
// always a programming error, not a runtime condition to recover from.
type EventContext struct {
	stateGroupBefore int64
	stateGroupAfter  int64

	// Delta is non-empty only for state events.
	Delta types.StateMap

	// PartialState marks state computed in a room whose history is not yet
	// fully backfilled.
	PartialState bool

	rejected string
}

// StateGroup returns the state group after the event.
// Panics if the event was rejected.
func (c *EventContext) StateGroup() int64 {
	c.checkPoison()
	return c.stateGroupAfter
}

// StateGroupBefore returns the state group before the event.
// Panics if the event was rejected.
func (c *EventContext) StateGroupBefore() int64 {
	c.checkPoison()
	return c.stateGroupBefore
}

func (c *EventContext) checkPoison() {
	if c.rejected != "" {
		panic(fmt.Sprintf("state group read on rejected event context (reason: %s)", c.rejected))
	}
}

// Rejected returns the rejection reason, or "" if the event was accepted.
func (c *EventContext) Rejected() string {
	return c.rejected
}

// UnpersistedEventContext carries enough information to compute an event's
// before-state without having committed anything: either a concrete parent
// group id, or a fully materialized state map, or both. Persist is its only
// exit; the transition to EventContext is terminal.
type UnpersistedEventContext struct {
	// StateGroupBefore is the state group the event builds on, 0 if the
	// before-state has not been assigned a group yet.
	StateGroupBefore int64

	// StateBefore is the materialized before-state; required when
	// StateGroupBefore is 0.
	StateBefore types.StateMap

	// PartialState marks the room as partially backfilled.
	PartialState bool

	// RejectedReason poisons the resulting context when non-empty.
	RejectedReason string
}

// Persist commits the context for ev inside the caller's transaction:
// allocates a before group if none exists yet, and an after group when the
// event changes state. The caller is responsible for writing the event row
// in the same transaction.
func (u *UnpersistedEventContext) Persist(
	txn storage.Txn,
	groups *GroupStore,
	ev *types.Event,
) (*EventContext, error) {
	before := u.StateGroupBefore
	if before == 0 {
		if u.StateBefore == nil {
			return nil, fmt.Errorf("persist %s: no state group and no state map: %w", ev.EventID, ErrInvalidContext)
		}
		id, err := groups.StoreStateGroup(txn, ev.EventID, ev.RoomID, 0, nil, u.StateBefore)
		if err != nil {
			return nil, err
		}
		before = id
	}

	ctx := &EventContext{
		stateGroupBefore: before,
		stateGroupAfter:  before,
		PartialState:     u.PartialState,
		rejected:         u.RejectedReason,
	}

	if ev.IsState() && u.RejectedReason == "" {
		delta := types.StateMap{
			{Type: ev.Type, StateKey: *ev.StateKey}: ev.EventID,
		}
		after, err := groups.StoreStateGroup(txn, ev.EventID, ev.RoomID, before, delta, nil)
		if err != nil {
			return nil, err
		}
		ctx.stateGroupAfter = after
		ctx.Delta = delta
	}

	return ctx, nil
}

// EventAndContext pairs an event with its not-yet-persisted context.
type EventAndContext struct {
	Event   *types.Event
	Context *UnpersistedEventContext
}

// PersistedPair is the result of persisting one event of a batch.
type PersistedPair struct {
	Event   *types.Event
	Context *EventContext
}

// PersistBatch commits a strictly linear chain of events in one storage
// operation: each event's before-state is the previous event's after-state,
// starting from lastKnownGroup (or the first context's own before-state).
// The result is defined to match N sequential Persist calls exactly; the
// point of the batch form is doing it inside a single transaction instead
// of paying a chain walk and a commit per event during imports.
func PersistBatch(
	txn storage.Txn,
	groups *GroupStore,
	roomID string,
	lastKnownGroup int64,
	batch []EventAndContext,
) ([]PersistedPair, error) {
	out := make([]PersistedPair, 0, len(batch))
	prev := lastKnownGroup

	for _, ec := range batch {
		if ec.Event.RoomID != roomID {
			return nil, fmt.Errorf("batch persist: event %s belongs to %s, not %s: %w",
				ec.Event.EventID, ec.Event.RoomID, roomID, ErrInvalidContext)
		}

		u := *ec.Context
		if prev != 0 {
			u.StateGroupBefore = prev
		}
		ctx, err := u.Persist(txn, groups, ec.Event)
		if err != nil {
			return nil, err
		}

		out = append(out, PersistedPair{Event: ec.Event, Context: ctx})
		if ctx.Rejected() == "" {
			prev = ctx.StateGroup()
		}
	}
	return out, nil
}
