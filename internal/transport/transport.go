// Package transport delivers typed session messages between colocation
// nodes over a Link, addressing peers by stable id, session handle, device
// id, the authority, or everyone.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/danmuck/coloc/internal/protocol"
	"github.com/danmuck/coloc/internal/protocol/frame"
	"github.com/danmuck/coloc/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

var (
	ErrTargetUnreachable = errors.New("transport: target unreachable")
	ErrLinkClosed        = errors.New("transport: link closed")
)

// Link moves routed frames between this node and the rest of the session.
// Receivers are called from a single goroutine per link.
type Link interface {
	Local() protocol.SessionHandle
	Send(ctx context.Context, route session.Route, f frame.Frame) error
	SetReceiver(fn func(from protocol.SessionHandle, f frame.Frame))
}

// Resolver translates durable identities into session handles.
type Resolver interface {
	SessionForStable(id protocol.StableID) (protocol.SessionHandle, bool)
	SessionForDevice(id protocol.DeviceID) (protocol.SessionHandle, bool)
}

// Handler processes one inbound message.
type Handler func(ctx context.Context, from protocol.SessionHandle, msg session.Message)

// Messenger encodes outbound messages onto a Link and dispatches inbound
// ones to handlers registered per message kind.
type Messenger struct {
	link     Link
	resolver Resolver
	base     context.Context

	mu       sync.RWMutex
	handlers map[session.Kind]Handler
	nextID   atomic.Uint64
}

func NewMessenger(link Link, resolver Resolver) *Messenger {
	m := &Messenger{
		link:     link,
		resolver: resolver,
		base:     context.Background(),
		handlers: make(map[session.Kind]Handler),
	}
	link.SetReceiver(m.deliver)
	return m
}

func (m *Messenger) Local() protocol.SessionHandle {
	return m.link.Local()
}

// RegisterHandler installs h for kind, replacing any previous handler.
func (m *Messenger) RegisterHandler(kind session.Kind, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.handlers[kind]; exists {
		log.Debug().Msgf("transport.Messenger.RegisterHandler replacing kind=%s", kind)
	}
	m.handlers[kind] = h
}

// Handle registers a typed handler for the message kind of T.
func Handle[T session.Message](m *Messenger, fn func(ctx context.Context, from protocol.SessionHandle, msg T)) {
	var zero T
	m.RegisterHandler(zero.Kind(), func(ctx context.Context, from protocol.SessionHandle, msg session.Message) {
		typed, ok := msg.(T)
		if !ok {
			log.Error().Msgf("transport.Handle kind=%s unexpected type %T", msg.Kind(), msg)
			return
		}
		fn(ctx, from, typed)
	})
}

func (m *Messenger) SendToStableID(ctx context.Context, id protocol.StableID, msg session.Message) error {
	h, ok := m.resolver.SessionForStable(id)
	if !ok {
		return fmt.Errorf("%w: stable=%s", ErrTargetUnreachable, id)
	}
	return m.send(ctx, session.ToSession(h), msg)
}

func (m *Messenger) SendToDevice(ctx context.Context, id protocol.DeviceID, msg session.Message) error {
	h, ok := m.resolver.SessionForDevice(id)
	if !ok {
		return fmt.Errorf("%w: device=%s", ErrTargetUnreachable, id)
	}
	return m.send(ctx, session.ToSession(h), msg)
}

func (m *Messenger) SendToSession(ctx context.Context, h protocol.SessionHandle, msg session.Message) error {
	return m.send(ctx, session.ToSession(h), msg)
}

func (m *Messenger) SendToAuthority(ctx context.Context, msg session.Message) error {
	return m.send(ctx, session.ToAuthority(), msg)
}

// Broadcast sends msg to every other connected node.
func (m *Messenger) Broadcast(ctx context.Context, msg session.Message) error {
	return m.send(ctx, session.ToAll(), msg)
}

func (m *Messenger) send(ctx context.Context, route session.Route, msg session.Message) error {
	f, err := session.EncodeFrame(m.nextID.Add(1), msg)
	if err != nil {
		return err
	}
	if err := m.link.Send(ctx, route, f); err != nil {
		return fmt.Errorf("transport: send %s to %s: %w", msg.Kind(), route, err)
	}
	return nil
}

func (m *Messenger) deliver(from protocol.SessionHandle, f frame.Frame) {
	msg, err := session.DecodeFrame(f)
	if err != nil {
		log.Warn().Msgf("transport.Messenger.deliver drop from=%s message_id=%d err=%v", from, f.Header.MessageID, err)
		return
	}
	m.mu.RLock()
	h, ok := m.handlers[msg.Kind()]
	m.mu.RUnlock()
	if !ok {
		log.Debug().Msgf("transport.Messenger.deliver no handler kind=%s from=%s", msg.Kind(), from)
		return
	}
	h(m.base, from, msg)
}
