package session

import (
	"fmt"
	"strings"

	"github.com/danmuck/coloc/internal/directory"
	"github.com/danmuck/coloc/internal/identity"
	"github.com/danmuck/coloc/internal/protocol"
	"github.com/danmuck/coloc/internal/protocol/schema"
	"github.com/google/uuid"
)

// Kind is the wire message type of a Message. Values are fixed.
type Kind uint32

const (
	KindShareRequest      = Kind(schema.MsgShareRequest)
	KindShareReply        = Kind(schema.MsgShareReply)
	KindDirectoryMutation = Kind(schema.MsgDirectoryMutation)
	KindDirectorySnapshot = Kind(schema.MsgDirectorySnapshot)
	KindIdentityMutation  = Kind(schema.MsgIdentityMutation)
	KindIdentitySnapshot  = Kind(schema.MsgIdentitySnapshot)
	KindGroupMint         = Kind(schema.MsgGroupMint)
	KindGroupMintReply    = Kind(schema.MsgGroupMintReply)
	KindHeartbeat         = Kind(schema.MsgHeartbeat)
)

func (k Kind) String() string {
	switch k {
	case KindShareRequest:
		return "share.request"
	case KindShareReply:
		return "share.reply"
	case KindDirectoryMutation:
		return "directory.mutation"
	case KindDirectorySnapshot:
		return "directory.snapshot"
	case KindIdentityMutation:
		return "identity.mutation"
	case KindIdentitySnapshot:
		return "identity.snapshot"
	case KindGroupMint:
		return "group.mint"
	case KindGroupMintReply:
		return "group.mint.reply"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// Message is implemented by every typed message carried on a link.
type Message interface {
	Kind() Kind
	Validate() error
}

// ShareAndLocalize is the payload of both legs of the share handshake. The
// owner copies the request into its reply and sets Succeeded.
type ShareAndLocalize struct {
	RequestID       uint64
	Owner           protocol.StableID
	Requester       protocol.StableID
	RequesterDevice protocol.DeviceID
	AnchorUUID      string
	Succeeded       bool
}

func (s ShareAndLocalize) check(kind Kind) error {
	if s.RequestID == 0 {
		return fmt.Errorf("%s missing request_id", kind)
	}
	if s.RequesterDevice == uuid.Nil {
		return fmt.Errorf("%s missing requester_device", kind)
	}
	anchor := strings.TrimSpace(s.AnchorUUID)
	if anchor == "" {
		return fmt.Errorf("%s missing anchor_uuid", kind)
	}
	if len(anchor) > directory.MaxAnchorUUIDLen {
		return fmt.Errorf("%s anchor_uuid longer than %d bytes", kind, directory.MaxAnchorUUIDLen)
	}
	return nil
}

// ShareRequest asks an anchor owner to grant the requester access.
type ShareRequest struct {
	ShareAndLocalize
}

func (ShareRequest) Kind() Kind { return KindShareRequest }

func (r ShareRequest) Validate() error { return r.check(KindShareRequest) }

// ShareReply answers a ShareRequest on the requester's device.
type ShareReply struct {
	ShareAndLocalize
}

func (ShareReply) Kind() Kind { return KindShareReply }

func (r ShareReply) Validate() error { return r.check(KindShareReply) }

// Reply builds the answer to r.
func (r ShareRequest) Reply(succeeded bool) ShareReply {
	out := ShareReply{ShareAndLocalize: r.ShareAndLocalize}
	out.Succeeded = succeeded
	return out
}

// DirectoryMutation forwards a directory change to the authority.
type DirectoryMutation struct {
	Mutation directory.Mutation
}

func (DirectoryMutation) Kind() Kind { return KindDirectoryMutation }

func (m DirectoryMutation) Validate() error { return m.Mutation.Validate() }

// DirectorySnapshot is broadcast by the authority after every change.
type DirectorySnapshot struct {
	Snapshot directory.Snapshot
}

func (DirectorySnapshot) Kind() Kind { return KindDirectorySnapshot }

func (s DirectorySnapshot) Validate() error {
	for i, a := range s.Snapshot.Anchors {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("%s anchors[%d]: %w", KindDirectorySnapshot, i, err)
		}
	}
	return nil
}

// IdentityMutation forwards an identity change to the authority.
type IdentityMutation struct {
	Mutation identity.Mutation
}

func (IdentityMutation) Kind() Kind { return KindIdentityMutation }

func (m IdentityMutation) Validate() error { return m.Mutation.Validate() }

// IdentitySnapshot is broadcast by the authority after every change.
type IdentitySnapshot struct {
	Snapshot identity.Snapshot
}

func (IdentitySnapshot) Kind() Kind { return KindIdentitySnapshot }

func (s IdentitySnapshot) Validate() error {
	for i, m := range s.Snapshot.Mappings {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("%s mappings[%d]: %w", KindIdentitySnapshot, i, err)
		}
	}
	return nil
}

// GroupMint asks the authority for a fresh colocation group.
type GroupMint struct {
	RequestID uint64
}

func (GroupMint) Kind() Kind { return KindGroupMint }

func (m GroupMint) Validate() error {
	if m.RequestID == 0 {
		return fmt.Errorf("%s missing request_id", KindGroupMint)
	}
	return nil
}

type GroupMintReply struct {
	RequestID uint64
	GroupID   protocol.GroupID
}

func (GroupMintReply) Kind() Kind { return KindGroupMintReply }

func (m GroupMintReply) Validate() error {
	if m.RequestID == 0 {
		return fmt.Errorf("%s missing request_id", KindGroupMintReply)
	}
	return nil
}

// Heartbeat keeps an idle peer session alive at the relay.
type Heartbeat struct {
	TimestampMS uint64
}

func (Heartbeat) Kind() Kind { return KindHeartbeat }

func (h Heartbeat) Validate() error {
	if h.TimestampMS == 0 {
		return fmt.Errorf("%s missing timestamp_ms", KindHeartbeat)
	}
	return nil
}
