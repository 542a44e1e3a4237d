package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/coloc/internal/protocol"
	"github.com/google/uuid"
)

const (
	controlTypeJoin    = "peer.join"
	controlTypeJoinAck = "peer.join.ack"

	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"

	maxControlLineBytes = 16 * 1024
)

var (
	ErrInvalidJoin            = errors.New("session: invalid join")
	ErrInvalidJoinAck         = errors.New("session: invalid join ack")
	ErrControlMessageTooLarge = errors.New("session: control message too large")
)

// Join opens a peer session at the relay. The relay answers with the
// session handle it assigned.
type Join struct {
	StableID protocol.StableID `json:"stable_id"`
	DeviceID string            `json:"device_id"`
	Name     string            `json:"name,omitempty"`
	Token    string            `json:"token,omitempty"`
}

func (j Join) Validate() error {
	if strings.TrimSpace(j.DeviceID) == "" {
		return fmt.Errorf("%w: missing device_id", ErrInvalidJoin)
	}
	id, err := uuid.Parse(j.DeviceID)
	if err != nil || id == uuid.Nil {
		return fmt.Errorf("%w: malformed device_id", ErrInvalidJoin)
	}
	return nil
}

func (j Join) Device() protocol.DeviceID {
	id, _ := uuid.Parse(j.DeviceID)
	return id
}

// JoinAck is the relay's answer to Join.
type JoinAck struct {
	Status      string                 `json:"status"`
	Code        uint32                 `json:"code"`
	Message     string                 `json:"message"`
	Session     protocol.SessionHandle `json:"session"`
	TimestampMS uint64                 `json:"timestamp_ms"`
}

func (a JoinAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidJoinAck)
	}
	if status == AckStatusAccepted && a.Session == 0 {
		return fmt.Errorf("%w: accepted without session", ErrInvalidJoinAck)
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidJoinAck)
	}
	return nil
}

type controlEnvelope struct {
	Type string   `json:"type"`
	Join *Join    `json:"join,omitempty"`
	Ack  *JoinAck `json:"join_ack,omitempty"`
}

func WriteJoin(w io.Writer, join Join) error {
	if err := join.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: controlTypeJoin, Join: &join})
}

func ReadJoin(r *bufio.Reader) (Join, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return Join{}, err
	}
	if env.Type != controlTypeJoin || env.Join == nil {
		return Join{}, fmt.Errorf("%w: unexpected control type", ErrInvalidJoin)
	}
	if err := env.Join.Validate(); err != nil {
		return Join{}, err
	}
	return *env.Join, nil
}

func WriteJoinAck(w io.Writer, ack JoinAck) error {
	if err := ack.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: controlTypeJoinAck, Ack: &ack})
}

func ReadJoinAck(r *bufio.Reader) (JoinAck, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return JoinAck{}, err
	}
	if env.Type != controlTypeJoinAck || env.Ack == nil {
		return JoinAck{}, fmt.Errorf("%w: unexpected control type", ErrInvalidJoinAck)
	}
	if err := env.Ack.Validate(); err != nil {
		return JoinAck{}, err
	}
	return *env.Ack, nil
}

func writeControlEnvelope(w io.Writer, env controlEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}

func readControlEnvelope(r *bufio.Reader) (controlEnvelope, error) {
	line, err := r.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) || len(line) > maxControlLineBytes {
		return controlEnvelope{}, ErrControlMessageTooLarge
	}
	if err != nil {
		return controlEnvelope{}, err
	}
	var env controlEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return controlEnvelope{}, err
	}
	return env, nil
}
