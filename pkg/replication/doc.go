// Package replication streams committed rows from the writer to reader
// instances over a persistent websocket connection.
//
// The protocol is a small set of JSON frames:
//
//	REPLICATE  reader -> writer  resume positions per stream
//	RDATA      writer -> reader  batch of rows, ends at a safe token
//	POSITION   writer -> reader  token advance with no rows
//	PING       writer -> reader  keepalive
//	ERROR      writer -> reader  fatal protocol error, then close
//
// Wiring:
//
//	           writer                               reader
//	 ┌────────────────────────┐          ┌──────────────────────────┐
//	 │ persister              │          │                          │
//	 │   │ commit             │          │  RowHandler (events)     │
//	 │   ▼                    │          │  RowHandler (receipts)   │
//	 │ notifier ──poke──►     │  RDATA   │  RowHandler (caches)     │
//	 │ Streamer ──────────────┼──────────┼──► Client ──ApplyRows──► │
//	 │   │ UpdatesSince       │ POSITION │      │                   │
//	 │   ▼                    │          │      ▼                   │
//	 │ Stream (store-backed)  │          │  SetLocalPosition        │
//	 └────────────────────────┘          └──────────────────────────┘
//
// The Streamer keeps one cursor per connection per stream, so each reader
// catches up from wherever it left off and a slow reader never holds back
// the others. A reader whose backlog exceeds one full batch, or whose
// send buffer fills, is disconnected and expected to reconnect and resync
// from its durable positions.
//
// Ordering guarantees: within one connection rows for a stream arrive in
// strictly increasing token order, and a frame's closing token is only
// sent after every row at or below it. Across reconnects rows may be
// redelivered; handlers must be idempotent. The Client applies rows
// before persisting the advanced position, preserving the rule that
// caches are invalidated before the position becomes visible.
package replication
