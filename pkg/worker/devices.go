package worker

import (
	"encoding/json"
	"fmt"

	"github.com/hearthchat/hearth/pkg/storage"
	"github.com/hearthchat/hearth/pkg/types"
)

// DeviceStore tracks device-list and to-device changes on the reader
// side. Both streams may be written by several instances, so tokens
// arrive as low-water marks rather than dense sequences; the change
// caches only ever compare tokens, which keeps gaps harmless.
type DeviceStore struct {
	deviceLists *StreamChangeCache
	toDevice    *StreamChangeCache
}

func NewDeviceStore(store storage.Store) *DeviceStore {
	return &DeviceStore{
		deviceLists: NewStreamChangeCache("device_lists", changeCacheFloor(store, types.StreamDeviceLists)),
		toDevice:    NewStreamChangeCache("to_device", changeCacheFloor(store, types.StreamToDevice)),
	}
}

// DeviceListHandler returns the handler for the device_lists stream.
func (s *DeviceStore) DeviceListHandler() *deviceListHandler {
	return &deviceListHandler{s}
}

// ToDeviceHandler returns the handler for the to_device stream.
func (s *DeviceStore) ToDeviceHandler() *toDeviceHandler {
	return &toDeviceHandler{s}
}

// UsersWithChangedDeviceLists returns users whose device lists changed
// after token, and ok=false when the cache can't know.
func (s *DeviceStore) UsersWithChangedDeviceLists(token int64) ([]string, bool) {
	return s.deviceLists.EntitiesChangedSince(token)
}

// HasDeviceListChanged reports whether a user's device list may have
// changed since token.
func (s *DeviceStore) HasDeviceListChanged(userID string, token int64) bool {
	return s.deviceLists.HasEntityChanged(userID, token)
}

// HasToDeviceMessages reports whether a device may have new to-device
// messages since token.
func (s *DeviceStore) HasToDeviceMessages(userID, deviceID string, token int64) bool {
	return s.toDevice.HasEntityChanged(roomKey(userID, deviceID), token)
}

type deviceListHandler struct {
	s *DeviceStore
}

func (h *deviceListHandler) StreamName() types.StreamName {
	return types.StreamDeviceLists
}

func (h *deviceListHandler) ApplyRows(token int64, rows []json.RawMessage) error {
	for _, raw := range rows {
		var row types.DeviceListStreamRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return fmt.Errorf("decoding device_lists row: %w", err)
		}
		h.s.deviceLists.EntityChanged(row.UserID, token)
	}
	return nil
}

type toDeviceHandler struct {
	s *DeviceStore
}

func (h *toDeviceHandler) StreamName() types.StreamName {
	return types.StreamToDevice
}

func (h *toDeviceHandler) ApplyRows(token int64, rows []json.RawMessage) error {
	for _, raw := range rows {
		var row types.ToDeviceStreamRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return fmt.Errorf("decoding to_device row: %w", err)
		}
		h.s.toDevice.EntityChanged(roomKey(row.UserID, row.DeviceID), token)
	}
	return nil
}
