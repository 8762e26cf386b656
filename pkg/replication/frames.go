package replication

import (
	"encoding/json"
	"fmt"

	"github.com/hearthchat/hearth/pkg/types"
)

// FrameType identifies a replication protocol message.
type FrameType string

const (
	// FrameRData carries a batch of rows for one stream, up to and
	// including Token. Sent by the streamer.
	FrameRData FrameType = "RDATA"

	// FramePosition announces a stream's current position with no rows,
	// fast-forwarding a subscriber that has nothing new to apply.
	FramePosition FrameType = "POSITION"

	// FrameReplicate is the subscriber's first message: the resume position
	// per stream it wants updates for.
	FrameReplicate FrameType = "REPLICATE"

	// FramePing is a keepalive, sent by the streamer. The payload is
	// arbitrary.
	FramePing FrameType = "PING"

	// FrameError reports a fatal protocol error before disconnecting.
	FrameError FrameType = "ERROR"
)

// UpdateRow is one replicated row on the wire.
type UpdateRow struct {
	Token int64           `json:"token"`
	Row   json.RawMessage `json:"row"`
}

// Frame is the single wire envelope, JSON-encoded per websocket message.
// Which fields are meaningful depends on Type.
type Frame struct {
	Type   FrameType        `json:"type"`
	Stream types.StreamName `json:"stream,omitempty"`
	Token  int64            `json:"token,omitempty"`

	// Rows carries the batch payload for RDATA frames, each row with the
	// token assigned to it; Token is the position the subscriber may
	// advance to once every row is applied (it can exceed the last row's
	// token when trailing tokens were abandoned). Re-applying a row must
	// be a no-op on the receiver.
	Rows []UpdateRow `json:"rows,omitempty"`

	// Positions carries the per-stream resume points of a REPLICATE frame.
	Positions map[types.StreamName]int64 `json:"positions,omitempty"`

	// Message carries the description of an ERROR frame.
	Message string `json:"message,omitempty"`
}

// Validate checks the structural invariants of a received frame.
func (f *Frame) Validate() error {
	switch f.Type {
	case FrameRData:
		if f.Stream == "" {
			return fmt.Errorf("RDATA frame without stream")
		}
		if f.Token <= 0 {
			return fmt.Errorf("RDATA frame for %s with token %d", f.Stream, f.Token)
		}
		if len(f.Rows) == 0 {
			return fmt.Errorf("RDATA frame for %s with no rows", f.Stream)
		}
	case FramePosition:
		if f.Stream == "" {
			return fmt.Errorf("POSITION frame without stream")
		}
		if f.Token < 0 {
			return fmt.Errorf("POSITION frame for %s with token %d", f.Stream, f.Token)
		}
	case FrameReplicate:
		if f.Positions == nil {
			return fmt.Errorf("REPLICATE frame without positions")
		}
	case FramePing, FrameError:
	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
	return nil
}
