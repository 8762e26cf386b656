/*
Package types defines the shared data model for Hearth's replication core.

The model is deliberately small: immutable Events, the state-group delta
chain that records room state as diffs, and the per-stream row payloads that
the manager replicates to workers.

# Events and state

An Event is produced by the (external) validation stage and never mutated
after creation. A state event (one with a non-nil StateKey) changes room
state; persisting it creates a new StateGroup whose Delta maps the event's
(type, state_key) tuple to its event ID.

	StateGroup 1 (snapshot)          StateGroup 2           StateGroup 3
	{create→$a, member→$b}  ◀──prev── {topic→$c}  ◀──prev── {member→$d}

Full state at group 3 is the union of all three deltas, with the delta
closest to the group winning on collisions. This keeps the cost of recording
state per event proportional to the delta, not to the full state size.

# Streams

A StreamName identifies one logical change stream (events, receipts,
push_rules, to_device, device_lists, caches). Each stream carries typed rows
with strictly increasing integer tokens; the row structs here are the wire
payloads serialised into RDATA frames by the replication package.
*/
package types
