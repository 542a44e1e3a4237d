package directory

import (
	"fmt"
	"strings"

	"github.com/danmuck/coloc/internal/protocol"
)

// MaxAnchorUUIDLen bounds anchor uuids on the wire.
const MaxAnchorUUIDLen = 64

// Anchor is one shareable spatial reference published to the session.
type Anchor struct {
	UUID        string            `json:"uuid"`
	IsAutomatic bool              `json:"is_automatic"`
	IsAlignment bool              `json:"is_alignment"`
	Owner       protocol.StableID `json:"owner"`
	GroupID     protocol.GroupID  `json:"group_id"`
}

func (a Anchor) Validate() error {
	uuid := strings.TrimSpace(a.UUID)
	if uuid == "" {
		return fmt.Errorf("directory: anchor missing uuid")
	}
	if len(uuid) > MaxAnchorUUIDLen {
		return fmt.Errorf("directory: anchor uuid longer than %d bytes", MaxAnchorUUIDLen)
	}
	return nil
}

// Participant records that a stable identity is aligned within a group.
type Participant struct {
	ID      protocol.StableID `json:"id"`
	GroupID protocol.GroupID  `json:"group_id"`
}

type Op uint8

const (
	OpAddParticipant Op = iota + 1
	OpRemoveParticipant
	OpAddAnchor
	OpRemoveAnchor
)

func (op Op) String() string {
	switch op {
	case OpAddParticipant:
		return "add_participant"
	case OpRemoveParticipant:
		return "remove_participant"
	case OpAddAnchor:
		return "add_anchor"
	case OpRemoveAnchor:
		return "remove_anchor"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

// Mutation is one forwarded directory change. Only the field matching Op is read.
type Mutation struct {
	Op          Op
	Anchor      Anchor
	Participant Participant
}

func (m Mutation) Validate() error {
	switch m.Op {
	case OpAddParticipant, OpRemoveParticipant:
		return nil
	case OpAddAnchor, OpRemoveAnchor:
		return m.Anchor.Validate()
	default:
		return fmt.Errorf("directory: unknown mutation op %d", uint8(m.Op))
	}
}

// Snapshot is the full replicated state at one version.
type Snapshot struct {
	Version      uint64           `json:"version"`
	GroupCount   protocol.GroupID `json:"group_count"`
	Anchors      []Anchor         `json:"anchors"`
	Participants []Participant    `json:"participants"`
}
