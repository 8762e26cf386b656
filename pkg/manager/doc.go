// Package manager implements the writer instance.
//
//	   HTTP write API (gin)
//	        │
//	        ▼
//	   Persister ──── per-room locks, retry with backoff
//	        │
//	        ▼
//	   one atomic transaction:
//	     event rows + state groups + current state
//	     + replication rows + stream tokens
//	        │ commit
//	        ├──► writer cache invalidation
//	        ├──► token becomes visible
//	        └──► notifier poke ──► replication.Streamer ──► workers
//
// The epilogue order after a commit is fixed: caches are invalidated
// before the allocated tokens become visible, and the streamer is poked
// last. A failed transaction rolls its tokens back instead, and the
// low-water mark of the stream simply skips them.
//
// Single-writer streams (events, receipts, push_rules, caches) use the
// in-memory ID generator; to_device and device_lists accept writes from
// several instances and use the multi-writer generator with persisted
// per-instance positions.
package manager
