package session

import (
	"encoding/json"
	"fmt"

	"github.com/danmuck/coloc/internal/directory"
	"github.com/danmuck/coloc/internal/identity"
	"github.com/danmuck/coloc/internal/protocol"
	"github.com/danmuck/coloc/internal/protocol/frame"
	"github.com/danmuck/coloc/internal/protocol/schema"
	"github.com/danmuck/coloc/internal/protocol/tlv"
)

// EncodeFrame validates msg and builds its frame. Routing fields are added
// later by the link that sends it.
func EncodeFrame(messageID uint64, msg Message) (frame.Frame, error) {
	if msg == nil {
		return frame.Frame{}, fmt.Errorf("session: nil message")
	}
	if err := msg.Validate(); err != nil {
		return frame.Frame{}, err
	}
	fields, err := encodeFields(msg)
	if err != nil {
		return frame.Frame{}, err
	}
	if err := schema.Validate(uint32(msg.Kind()), fields); err != nil {
		return frame.Frame{}, err
	}
	return frame.New(messageID, uint32(msg.Kind()), tlv.EncodeFields(fields)), nil
}

// DecodeFrame parses and validates the typed message carried by f.
func DecodeFrame(f frame.Frame) (Message, error) {
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(f.Header.MessageType, fields); err != nil {
		return nil, err
	}
	msg, err := decodeFields(Kind(f.Header.MessageType), fieldReader{fields: fields})
	if err != nil {
		return nil, err
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

func encodeFields(msg Message) ([]tlv.Field, error) {
	switch m := msg.(type) {
	case ShareRequest:
		return shareFields(m.ShareAndLocalize), nil
	case ShareReply:
		return shareFields(m.ShareAndLocalize), nil
	case DirectoryMutation:
		anchor, err := json.Marshal(m.Mutation.Anchor)
		if err != nil {
			return nil, err
		}
		participant, err := json.Marshal(m.Mutation.Participant)
		if err != nil {
			return nil, err
		}
		return []tlv.Field{
			tlv.U8(schema.FieldDirectoryOp, uint8(m.Mutation.Op)),
			tlv.Bytes(schema.FieldAnchor, anchor),
			tlv.Bytes(schema.FieldParticipant, participant),
		}, nil
	case DirectorySnapshot:
		return snapshotFields(m.Snapshot.Version, m.Snapshot)
	case IdentityMutation:
		return []tlv.Field{
			tlv.U8(schema.FieldIdentityOp, uint8(m.Mutation.Op)),
			tlv.U64(schema.FieldStableID, uint64(m.Mutation.Mapping.Stable)),
			tlv.U64(schema.FieldSessionID, uint64(m.Mutation.Mapping.Session)),
			tlv.String(schema.FieldDeviceID, m.Mutation.Mapping.Device.String()),
		}, nil
	case IdentitySnapshot:
		return snapshotFields(m.Snapshot.Version, m.Snapshot)
	case GroupMint:
		return []tlv.Field{tlv.U64(schema.FieldRequestID, m.RequestID)}, nil
	case GroupMintReply:
		return []tlv.Field{
			tlv.U64(schema.FieldRequestID, m.RequestID),
			tlv.U32(schema.FieldGroupID, uint32(m.GroupID)),
		}, nil
	case Heartbeat:
		return []tlv.Field{tlv.U64(schema.FieldTimestampMS, m.TimestampMS)}, nil
	default:
		return nil, fmt.Errorf("session: no encoder for %s", msg.Kind())
	}
}

func shareFields(s ShareAndLocalize) []tlv.Field {
	return []tlv.Field{
		tlv.U64(schema.FieldRequestID, s.RequestID),
		tlv.U64(schema.FieldOwnerID, uint64(s.Owner)),
		tlv.U64(schema.FieldRequesterID, uint64(s.Requester)),
		tlv.String(schema.FieldRequesterDevice, s.RequesterDevice.String()),
		tlv.String(schema.FieldAnchorUUID, s.AnchorUUID),
		tlv.Bool(schema.FieldSucceeded, s.Succeeded),
	}
}

// Snapshot lists travel as one JSON document inside a bytes field.
func snapshotFields(version uint64, snapshot any) ([]tlv.Field, error) {
	body, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}
	return []tlv.Field{
		tlv.U64(schema.FieldVersion, version),
		tlv.Bytes(schema.FieldSnapshot, body),
	}, nil
}

func decodeFields(kind Kind, r fieldReader) (Message, error) {
	switch kind {
	case KindShareRequest:
		s := r.share()
		return ShareRequest{ShareAndLocalize: s}, r.err
	case KindShareReply:
		s := r.share()
		return ShareReply{ShareAndLocalize: s}, r.err
	case KindDirectoryMutation:
		var m directory.Mutation
		m.Op = directory.Op(r.u8(schema.FieldDirectoryOp))
		r.json(schema.FieldAnchor, &m.Anchor)
		r.json(schema.FieldParticipant, &m.Participant)
		return DirectoryMutation{Mutation: m}, r.err
	case KindDirectorySnapshot:
		var s directory.Snapshot
		r.json(schema.FieldSnapshot, &s)
		s.Version = r.u64(schema.FieldVersion)
		return DirectorySnapshot{Snapshot: s}, r.err
	case KindIdentityMutation:
		var m identity.Mutation
		m.Op = identity.Op(r.u8(schema.FieldIdentityOp))
		m.Mapping.Stable = protocol.StableID(r.u64(schema.FieldStableID))
		m.Mapping.Session = protocol.SessionHandle(r.u64(schema.FieldSessionID))
		m.Mapping.Device = r.device(schema.FieldDeviceID)
		return IdentityMutation{Mutation: m}, r.err
	case KindIdentitySnapshot:
		var s identity.Snapshot
		r.json(schema.FieldSnapshot, &s)
		s.Version = r.u64(schema.FieldVersion)
		return IdentitySnapshot{Snapshot: s}, r.err
	case KindGroupMint:
		m := GroupMint{RequestID: r.u64(schema.FieldRequestID)}
		return m, r.err
	case KindGroupMintReply:
		m := GroupMintReply{
			RequestID: r.u64(schema.FieldRequestID),
			GroupID:   protocol.GroupID(r.u32(schema.FieldGroupID)),
		}
		return m, r.err
	case KindHeartbeat:
		m := Heartbeat{TimestampMS: r.u64(schema.FieldTimestampMS)}
		return m, r.err
	default:
		return nil, fmt.Errorf("session: no decoder for %s", kind)
	}
}

// fieldReader decodes required fields, keeping the first error. The schema
// has already checked presence and type.
type fieldReader struct {
	fields []tlv.Field
	err    error
}

func (r *fieldReader) value(id uint16) []byte {
	if r.err != nil {
		return nil
	}
	f, ok := tlv.GetField(r.fields, id)
	if !ok {
		r.err = fmt.Errorf("session: missing field %d", id)
		return nil
	}
	return f.Value
}

func (r *fieldReader) keep(err error) {
	if r.err == nil && err != nil {
		r.err = err
	}
}

func (r *fieldReader) u8(id uint16) uint8 {
	b := r.value(id)
	if r.err != nil {
		return 0
	}
	v, err := tlv.U8FromBytes(b)
	r.keep(err)
	return v
}

func (r *fieldReader) u32(id uint16) uint32 {
	b := r.value(id)
	if r.err != nil {
		return 0
	}
	v, err := tlv.U32FromBytes(b)
	r.keep(err)
	return v
}

func (r *fieldReader) u64(id uint16) uint64 {
	b := r.value(id)
	if r.err != nil {
		return 0
	}
	v, err := tlv.U64FromBytes(b)
	r.keep(err)
	return v
}

func (r *fieldReader) boolean(id uint16) bool {
	b := r.value(id)
	if r.err != nil {
		return false
	}
	v, err := tlv.BoolFromBytes(b)
	r.keep(err)
	return v
}

func (r *fieldReader) str(id uint16) string {
	return string(r.value(id))
}

func (r *fieldReader) device(id uint16) protocol.DeviceID {
	raw := r.str(id)
	if r.err != nil {
		return protocol.DeviceID{}
	}
	d, err := protocol.ParseDeviceID(raw)
	r.keep(err)
	return d
}

func (r *fieldReader) json(id uint16, into any) {
	b := r.value(id)
	if r.err != nil {
		return
	}
	if err := json.Unmarshal(b, into); err != nil {
		r.keep(fmt.Errorf("session: field %d: %w", id, err))
	}
}

func (r *fieldReader) share() ShareAndLocalize {
	return ShareAndLocalize{
		RequestID:       r.u64(schema.FieldRequestID),
		Owner:           protocol.StableID(r.u64(schema.FieldOwnerID)),
		Requester:       protocol.StableID(r.u64(schema.FieldRequesterID)),
		RequesterDevice: r.device(schema.FieldRequesterDevice),
		AnchorUUID:      r.str(schema.FieldAnchorUUID),
		Succeeded:       r.boolean(schema.FieldSucceeded),
	}
}
