/*
Package storage provides BoltDB-backed persistence for Hearth's replication
core.

All durable data lives in one embedded bbolt file per process. Values are
JSON except for tokens and orderings, which are stored as 8-byte big-endian
keys so cursors iterate in numeric order.

# Bucket structure

	┌──────────────────── hearth.db ───────────────────────────┐
	│  events             event_id → Event JSON                 │
	│  event_order        stream_ordering → event_id            │
	│  state_groups       group_id → {room_id, event_id, prev}  │
	│  state_groups_state group_id → { (type␟state_key) → ev }  │
	│  rooms              room_id → Room JSON                   │
	│  room_state         room_id → { (type␟state_key) → ev }   │
	│  receipts           room␟type␟user → Receipt JSON         │
	│  stream_rows        stream → { token → row JSON }         │
	│  stream_counters    stream → last allocated token         │
	│  writer_positions   stream → { instance → token }         │
	│  local_positions    stream → last applied token (worker)  │
	│  sequences          name → counter                        │
	└───────────────────────────────────────────────────────────┘

# Transactions

The interesting writes (persisting an event) must land atomically: the event
row, any new state groups, the replication row, and the stream counter all
commit or none do. Callers get that through Store.WithUpdate, which exposes
a Txn with the individual mutation ops; bbolt guarantees the rest.

Reads use bbolt's MVCC view transactions and are safe concurrently with one
ongoing write.
*/
package storage
