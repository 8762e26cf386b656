/*
Package state implements state-group storage: the delta-chain representation
of room state that lets an event reference the state "as of" itself without
copying the full state set per event.

# Delta chains

Each state event appends a StateGroup holding only the diff against its
parent. Reconstruction walks the chain root-first and folds the deltas, so
the same full map is produced no matter which intermediate groups happen to
be cached. Chains are capped (max_delta_hops, default 100): past the cap a
group is stored as a full snapshot with no parent, which bounds read cost
without changing replay results.

# Event contexts

UnpersistedEventContext describes an event's before-state (a parent group
id, a materialized map, or both) prior to commit. Persist turns it into an
EventContext inside the caller's storage transaction, allocating the before
group if needed and an after group for state events. PersistBatch does the
same for a linear chain of events in one transaction, with results defined
to be identical to persisting them one by one.

A rejected event's context is poisoned: reading its state groups panics.
The hard failure is deliberate, catching at development time any path that
would let rejected state leak into a room's current state.
*/
package state
