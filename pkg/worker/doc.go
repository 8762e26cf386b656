// Package worker implements a read-only instance that follows the
// writer's replication streams.
//
//	           replication.Client
//	                  │ rows, positions
//	        ┌─────────┼──────────┬───────────┐
//	        ▼         ▼          ▼           ▼
//	   EventStore ReceiptStore PushRuleStore DeviceStore
//	        │         │          │           │
//	        └── caches + stream-change caches ──┘
//	                  │
//	                  ▼
//	          gin read API (/events, /rooms/:id/state, ...)
//
// Each store owns its caches and implements replication.RowHandler for
// one stream. Applying a row invalidates the affected entries before the
// stream position advances, so a reader that sees the new position never
// sees a stale cache entry. The CacheInvalidator handles the caches
// stream, carrying invalidations the writer performed that no data row
// implies.
//
// Stream-change caches answer "has X changed since token T" without
// touching the store, falling back to the store for tokens older than
// their low-water mark.
package worker
