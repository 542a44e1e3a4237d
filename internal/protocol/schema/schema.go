// Package schema holds the required-field table for every message type on
// the wire. Payloads may carry extra fields; only required ones are checked.
package schema

import (
	"fmt"

	"github.com/danmuck/coloc/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs.
const (
	MsgShareRequest      uint32 = 1
	MsgShareReply        uint32 = 2
	MsgDirectoryMutation uint32 = 3
	MsgDirectorySnapshot uint32 = 4
	MsgIdentityMutation  uint32 = 5
	MsgIdentitySnapshot  uint32 = 6
	MsgGroupMint         uint32 = 7
	MsgGroupMintReply    uint32 = 8
	MsgHeartbeat         uint32 = 9
)

// Field IDs.
const (
	// routing, stamped by links and the relay; never part of a message body
	FieldRouteKind    uint16 = 1
	FieldRouteSession uint16 = 2
	FieldRouteSource  uint16 = 3

	FieldRequestID   uint16 = 10
	FieldTimestampMS uint16 = 11

	FieldOwnerID         uint16 = 100
	FieldRequesterID     uint16 = 101
	FieldRequesterDevice uint16 = 102
	FieldAnchorUUID      uint16 = 103
	FieldSucceeded       uint16 = 104

	FieldDirectoryOp uint16 = 200
	FieldAnchor      uint16 = 201
	FieldParticipant uint16 = 202
	FieldSnapshot    uint16 = 203
	FieldVersion     uint16 = 204
	FieldGroupID     uint16 = 205

	FieldIdentityOp uint16 = 300
	FieldStableID   uint16 = 301
	FieldSessionID  uint16 = 302
	FieldDeviceID   uint16 = 303
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var shareFields = []Requirement{
	{FieldRequestID, tlv.TypeU64},
	{FieldOwnerID, tlv.TypeU64},
	{FieldRequesterID, tlv.TypeU64},
	{FieldRequesterDevice, tlv.TypeString},
	{FieldAnchorUUID, tlv.TypeString},
	{FieldSucceeded, tlv.TypeBool},
}

var requirements = map[uint32][]Requirement{
	MsgShareRequest: shareFields,
	MsgShareReply:   shareFields,
	MsgDirectoryMutation: {
		{FieldDirectoryOp, tlv.TypeU8},
		{FieldAnchor, tlv.TypeBytes},
		{FieldParticipant, tlv.TypeBytes},
	},
	MsgDirectorySnapshot: {
		{FieldVersion, tlv.TypeU64},
		{FieldSnapshot, tlv.TypeBytes},
	},
	MsgIdentityMutation: {
		{FieldIdentityOp, tlv.TypeU8},
		{FieldStableID, tlv.TypeU64},
		{FieldSessionID, tlv.TypeU64},
		{FieldDeviceID, tlv.TypeString},
	},
	MsgIdentitySnapshot: {
		{FieldVersion, tlv.TypeU64},
		{FieldSnapshot, tlv.TypeBytes},
	},
	MsgGroupMint: {
		{FieldRequestID, tlv.TypeU64},
	},
	MsgGroupMintReply: {
		{FieldRequestID, tlv.TypeU64},
		{FieldGroupID, tlv.TypeU32},
	},
	MsgHeartbeat: {
		{FieldTimestampMS, tlv.TypeU64},
	},
}

// Known reports whether messageType has a schema entry.
func Known(messageType uint32) bool {
	_, ok := requirements[messageType]
	return ok
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Msgf("schema.Validate unknown message_type=%d", messageType)
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Error().Msgf(
				"schema.Validate missing field message_type=%d field_id=%d",
				messageType,
				req.ID,
			)
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().Msgf(
				"schema.Validate type mismatch message_type=%d field_id=%d got=%d want=%d",
				messageType,
				req.ID,
				f.Type,
				req.Type,
			)
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
