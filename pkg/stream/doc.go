/*
Package stream allocates the monotonic integer tokens that order each
replication stream.

Two generators exist. StreamIDGenerator serves streams owned by exactly one
writer process: an in-memory counter seeded from the store, with an
unfinished-allocation set so CurrentToken never exposes a token whose
transaction is still in flight. MultiWriterIDGenerator serves streams shared
by several writer processes: reservation goes through the store (an atomic
increment of the shared counter inside a write transaction), each writer
durably records its last published token, and LowWaterMark is the minimum of
those — the only position a reader may treat as fully caught up.

Both hand out Allocations following a reserve → persist → commit/rollback
discipline; a token never becomes visible to readers before the transaction
that allocated it has committed.
*/
package stream
