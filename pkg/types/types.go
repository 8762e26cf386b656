package types

import (
	"encoding/json"
	"time"
)

// Event is an immutable chat event. Events are produced by an external
// validation stage and owned by the persistence layer once committed;
// nothing mutates an Event after creation.
type Event struct {
	EventID        string          `json:"event_id"`
	RoomID         string          `json:"room_id"`
	Type           string          `json:"type"`
	StateKey       *string         `json:"state_key,omitempty"`
	Sender         string          `json:"sender,omitempty"`
	Content        json.RawMessage `json:"content,omitempty"`
	PrevEvents     []string        `json:"prev_events,omitempty"`
	Depth          int64           `json:"depth"`
	StreamOrdering int64           `json:"stream_ordering"`
	OriginTS       time.Time       `json:"origin_ts"`
}

// IsState reports whether the event carries room state (has a state key).
func (e *Event) IsState() bool {
	return e.StateKey != nil
}

// StateKeyTuple identifies one piece of room state: a (type, state_key) pair.
type StateKeyTuple struct {
	Type     string `json:"type"`
	StateKey string `json:"state_key"`
}

// StateMap maps (type, state_key) tuples to the event ID that currently
// holds that piece of state.
type StateMap map[StateKeyTuple]string

// Copy returns a shallow copy of the map.
func (m StateMap) Copy() StateMap {
	out := make(StateMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// StateGroup is one node in a room's delta chain. The full state at a group
// is the union of all ancestor deltas, with the delta closest to the group
// winning on key collision. A group with PrevGroup == 0 holds a full
// snapshot in Delta.
type StateGroup struct {
	ID        int64    `json:"id"`
	RoomID    string   `json:"room_id"`
	EventID   string   `json:"event_id"`
	PrevGroup int64    `json:"prev_group,omitempty"`
	Delta     StateMap `json:"delta"`
}

// Well-known state event types.
const (
	EventTypeCreate = "m.room.create"
	EventTypeMember = "m.room.member"
	EventTypeName   = "m.room.name"
	EventTypeTopic  = "m.room.topic"
)

// Room holds per-room metadata tracked by the writer.
type Room struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	PartialState bool      `json:"partial_state"`

	// LastStateGroup is the state group after the room's latest accepted
	// event. New events chain their state from it, including after a
	// writer restart.
	LastStateGroup int64 `json:"last_state_group,omitempty"`
}

// StreamName identifies one logical replication stream.
type StreamName string

const (
	StreamEvents      StreamName = "events"
	StreamReceipts    StreamName = "receipts"
	StreamPushRules   StreamName = "push_rules"
	StreamToDevice    StreamName = "to_device"
	StreamDeviceLists StreamName = "device_lists"
	StreamCaches      StreamName = "caches"
)

// EventStreamRow is the row payload replicated on the events stream. It
// carries the full event so readers on other instances, which cannot open
// the writer's database file, can materialize their own copy from the
// stream alone.
type EventStreamRow struct {
	EventID    string `json:"event_id"`
	RoomID     string `json:"room_id"`
	Type       string `json:"type"`
	StateKey   string `json:"state_key,omitempty"`
	IsState    bool   `json:"is_state"`
	StateGroup int64  `json:"state_group,omitempty"`
	Event      *Event `json:"event,omitempty"`
}

// ReceiptStreamRow is the row payload replicated on the receipts stream.
type ReceiptStreamRow struct {
	RoomID      string `json:"room_id"`
	ReceiptType string `json:"receipt_type"`
	UserID      string `json:"user_id"`
	EventID     string `json:"event_id"`
	StreamID    int64  `json:"stream_id"`
}

// PushRuleStreamRow is the row payload replicated on the push_rules stream.
type PushRuleStreamRow struct {
	UserID string `json:"user_id"`
}

// ToDeviceStreamRow is the row payload replicated on the to_device stream.
type ToDeviceStreamRow struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

// DeviceListStreamRow is the row payload replicated on the device_lists
// stream.
type DeviceListStreamRow struct {
	UserID string `json:"user_id"`
}

// CacheStreamRow replicates cache invalidations that are not implied by any
// other stream's rows (e.g. an explicit InvalidateAll on the writer).
type CacheStreamRow struct {
	CacheName string   `json:"cache_name"`
	Keys      []string `json:"keys,omitempty"` // nil means invalidate all
}

// Receipt records that a user has read up to an event in a room.
type Receipt struct {
	RoomID      string `json:"room_id"`
	ReceiptType string `json:"receipt_type"`
	UserID      string `json:"user_id"`
	EventID     string `json:"event_id"`
	StreamID    int64  `json:"stream_id"`
}
