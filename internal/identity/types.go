package identity

import (
	"fmt"

	"github.com/danmuck/coloc/internal/protocol"
	"github.com/google/uuid"
)

// Mapping ties the three identities of one connected participant together.
type Mapping struct {
	Stable  protocol.StableID      `json:"stable_id"`
	Session protocol.SessionHandle `json:"session"`
	Device  protocol.DeviceID      `json:"device_id"`
}

func (m Mapping) Validate() error {
	if m.Device == uuid.Nil {
		return fmt.Errorf("identity: mapping for stable=%s missing device id", m.Stable)
	}
	return nil
}

type Op uint8

const (
	OpRegister Op = iota + 1
	OpRemoveBySession
	OpRemoveByStable
	OpRemoveByDevice
)

func (op Op) String() string {
	switch op {
	case OpRegister:
		return "register"
	case OpRemoveBySession:
		return "remove_by_session"
	case OpRemoveByStable:
		return "remove_by_stable"
	case OpRemoveByDevice:
		return "remove_by_device"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

// Mutation is one forwarded identity change. Removals read only the key
// field matching Op.
type Mutation struct {
	Op      Op
	Mapping Mapping
}

func (m Mutation) Validate() error {
	switch m.Op {
	case OpRegister:
		return m.Mapping.Validate()
	case OpRemoveBySession, OpRemoveByStable, OpRemoveByDevice:
		return nil
	default:
		return fmt.Errorf("identity: unknown mutation op %d", uint8(m.Op))
	}
}

type Snapshot struct {
	Version  uint64    `json:"version"`
	Mappings []Mapping `json:"mappings"`
}
