package protocol

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// StableID is a participant's durable identity. It survives reconnects.
type StableID uint64

func (id StableID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// SessionHandle is the transport-local handle of a connected participant.
// Handles change on every reconnect.
type SessionHandle uint64

func (h SessionHandle) String() string {
	return "s" + strconv.FormatUint(uint64(h), 10)
}

// DeviceID identifies a participant's device; share replies are addressed to it.
type DeviceID = uuid.UUID

// GroupID names one colocation group. Minted by the directory authority.
type GroupID uint32

func NewDeviceID() DeviceID {
	return uuid.New()
}

func ParseDeviceID(raw string) (DeviceID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("protocol: invalid device id %q: %w", raw, err)
	}
	return id, nil
}
