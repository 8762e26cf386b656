package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hearthchat/hearth/pkg/types"
)

// Client wraps the Hearth HTTP API for CLI and test usage. The same
// client talks to a manager (writes) or a worker (reads); calling a
// write method against a worker simply 404s.
type Client struct {
	base string
	http *http.Client
}

// New creates a client for the instance at baseURL, e.g.
// "http://localhost:8448".
func New(baseURL string) *Client {
	return &Client{
		base: baseURL,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// EventRequest describes one event to persist.
type EventRequest struct {
	EventID    string          `json:"event_id"`
	Type       string          `json:"type"`
	StateKey   *string         `json:"state_key,omitempty"`
	Sender     string          `json:"sender,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
	PrevEvents []string        `json:"prev_events,omitempty"`
	Depth      int64           `json:"depth,omitempty"`
	Rejected   string          `json:"rejected,omitempty"`
}

// PersistedEvent is the manager's answer for one persisted event.
type PersistedEvent struct {
	EventID        string `json:"event_id"`
	StreamOrdering int64  `json:"stream_ordering"`
	StateGroup     int64  `json:"state_group,omitempty"`
	Rejected       string `json:"rejected,omitempty"`
}

// SendEvents persists a batch of events in one room.
func (c *Client) SendEvents(ctx context.Context, roomID string, events []EventRequest) ([]PersistedEvent, error) {
	var resp struct {
		Events []PersistedEvent `json:"events"`
	}
	path := fmt.Sprintf("/rooms/%s/events", url.PathEscape(roomID))
	if err := c.post(ctx, path, events, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// SendReceipt upserts a read receipt and returns its stream ID.
func (c *Client) SendReceipt(ctx context.Context, roomID, receiptType, userID, eventID string) (int64, error) {
	var resp struct {
		StreamID int64 `json:"stream_id"`
	}
	path := fmt.Sprintf("/rooms/%s/receipts", url.PathEscape(roomID))
	body := map[string]string{
		"receipt_type": receiptType,
		"user_id":      userID,
		"event_id":     eventID,
	}
	if err := c.post(ctx, path, body, &resp); err != nil {
		return 0, err
	}
	return resp.StreamID, nil
}

// StreamPositions returns the instance's stream positions: current tokens
// on a manager, applied positions on a worker.
func (c *Client) StreamPositions(ctx context.Context) (map[string]int64, error) {
	positions := make(map[string]int64)
	if err := c.get(ctx, "/streams/positions", &positions); err != nil {
		// Workers expose the same data under /positions.
		if err2 := c.get(ctx, "/positions", &positions); err2 != nil {
			return nil, err
		}
	}
	return positions, nil
}

// GetEvent fetches one event from a worker.
func (c *Client) GetEvent(ctx context.Context, eventID string) (*types.Event, error) {
	var ev types.Event
	if err := c.get(ctx, "/events/"+url.PathEscape(eventID), &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// RoomMembers fetches a room's member list from a worker.
func (c *Client) RoomMembers(ctx context.Context, roomID string) ([]string, error) {
	var resp struct {
		Members []string `json:"members"`
	}
	path := fmt.Sprintf("/rooms/%s/members", url.PathEscape(roomID))
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Members, nil
}

// InvalidateCache asks the manager to replicate an explicit cache
// invalidation. nil keys drops the whole cache.
func (c *Client) InvalidateCache(ctx context.Context, cacheName string, keys []string) error {
	body := map[string]any{"cache": cacheName}
	if keys != nil {
		body["keys"] = keys
	}
	return c.post(ctx, "/caches/invalidate", body, nil)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (HTTP %d)", req.Method, req.URL.Path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: HTTP %d", req.Method, req.URL.Path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
