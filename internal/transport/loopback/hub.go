// Package loopback is an in-process Link implementation. Every frame is
// written to bytes and read back so loopback traffic exercises the same
// wire path as the TCP relay.
package loopback

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/danmuck/coloc/internal/protocol"
	"github.com/danmuck/coloc/internal/protocol/frame"
	"github.com/danmuck/coloc/internal/protocol/session"
	"github.com/danmuck/coloc/internal/transport"
	"github.com/rs/zerolog/log"
)

// Envelope describes one routed frame, reported to observers.
type Envelope struct {
	From        protocol.SessionHandle
	Route       session.Route
	MessageType uint32
}

// Hub connects endpoints in one process. One endpoint may be designated the
// authority.
type Hub struct {
	// fanout keeps each frame's deliveries atomic with respect to other
	// frames, so a broadcast reaches every target before anything it
	// triggers can overtake it.
	fanout sync.Mutex

	mu           sync.Mutex
	next         protocol.SessionHandle
	endpoints    map[protocol.SessionHandle]*Endpoint
	authority    protocol.SessionHandle
	hasAuthority bool
	leaveHooks   []func(protocol.SessionHandle)
	observers    []func(Envelope)
	limits       frame.Limits
}

func NewHub() *Hub {
	return &Hub{
		endpoints: make(map[protocol.SessionHandle]*Endpoint),
		limits:    frame.DefaultLimits(),
	}
}

// Join attaches a new endpoint with a fresh session handle.
func (h *Hub) Join() *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	ep := newEndpoint(h, h.next)
	h.endpoints[ep.handle] = ep
	log.Debug().Msgf("loopback.Hub.Join session=%s", ep.handle)
	return ep
}

func (h *Hub) SetAuthority(ep *Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.authority = ep.handle
	h.hasAuthority = true
}

// OnLeave registers fn to run after an endpoint leaves.
func (h *Hub) OnLeave(fn func(protocol.SessionHandle)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveHooks = append(h.leaveHooks, fn)
}

// Observe registers fn to see every routed frame before delivery.
func (h *Hub) Observe(fn func(Envelope)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers = append(h.observers, fn)
}

// Leave disconnects ep and runs the leave hooks. Leaving twice is a no-op.
func (h *Hub) Leave(ep *Endpoint) {
	h.mu.Lock()
	if _, ok := h.endpoints[ep.handle]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.endpoints, ep.handle)
	if h.hasAuthority && h.authority == ep.handle {
		h.hasAuthority = false
	}
	hooks := append([]func(protocol.SessionHandle){}, h.leaveHooks...)
	h.mu.Unlock()

	ep.close()
	log.Debug().Msgf("loopback.Hub.Leave session=%s", ep.handle)
	for _, fn := range hooks {
		fn(ep.handle)
	}
}

// Close disconnects every endpoint without running leave hooks.
func (h *Hub) Close() {
	h.mu.Lock()
	eps := make([]*Endpoint, 0, len(h.endpoints))
	for _, ep := range h.endpoints {
		eps = append(eps, ep)
	}
	h.endpoints = make(map[protocol.SessionHandle]*Endpoint)
	h.hasAuthority = false
	h.mu.Unlock()
	for _, ep := range eps {
		ep.close()
	}
}

func (h *Hub) route(src protocol.SessionHandle, f frame.Frame) error {
	route, _, err := session.RouteOf(f)
	if err != nil {
		return err
	}
	var wire bytes.Buffer
	if err := frame.WriteFrame(&wire, f, h.limits); err != nil {
		return err
	}

	h.mu.Lock()
	var targets []*Endpoint
	switch route.Kind {
	case session.RouteAuthority:
		if ep, ok := h.endpoints[h.authority]; ok && h.hasAuthority {
			targets = append(targets, ep)
		}
	case session.RouteSession:
		if ep, ok := h.endpoints[route.Session]; ok {
			targets = append(targets, ep)
		}
	case session.RouteBroadcast:
		for handle, ep := range h.endpoints {
			if handle != src {
				targets = append(targets, ep)
			}
		}
	}
	observers := h.observers
	h.mu.Unlock()

	for _, fn := range observers {
		fn(Envelope{From: src, Route: route, MessageType: f.Header.MessageType})
	}
	if len(targets) == 0 && route.Kind != session.RouteBroadcast {
		return fmt.Errorf("%w: route=%s", transport.ErrTargetUnreachable, route)
	}
	h.fanout.Lock()
	defer h.fanout.Unlock()
	for _, ep := range targets {
		in, err := frame.ReadFrame(bytes.NewReader(wire.Bytes()), h.limits)
		if err != nil {
			return err
		}
		ep.enqueue(src, in)
	}
	return nil
}

type inbound struct {
	from protocol.SessionHandle
	f    frame.Frame
}

// Endpoint is one node's attachment to a Hub. Frames are delivered in order
// on a dedicated goroutine.
type Endpoint struct {
	hub    *Hub
	handle protocol.SessionHandle

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []inbound
	recv   func(protocol.SessionHandle, frame.Frame)
	closed bool
	done   chan struct{}
}

func newEndpoint(hub *Hub, handle protocol.SessionHandle) *Endpoint {
	ep := &Endpoint{hub: hub, handle: handle, done: make(chan struct{})}
	ep.cond = sync.NewCond(&ep.mu)
	go ep.run()
	return ep
}

func (e *Endpoint) Local() protocol.SessionHandle {
	return e.handle
}

func (e *Endpoint) SetReceiver(fn func(protocol.SessionHandle, frame.Frame)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recv = fn
	e.cond.Broadcast()
}

func (e *Endpoint) Send(ctx context.Context, route session.Route, f frame.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return transport.ErrLinkClosed
	}
	routed, err := session.AttachRoute(f, route, e.handle)
	if err != nil {
		return err
	}
	return e.hub.route(e.handle, routed)
}

// Done is closed once the endpoint has left and drained its goroutine.
func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}

func (e *Endpoint) enqueue(from protocol.SessionHandle, f frame.Frame) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.queue = append(e.queue, inbound{from: from, f: f})
	e.cond.Broadcast()
}

func (e *Endpoint) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.queue = nil
	e.cond.Broadcast()
}

func (e *Endpoint) run() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for !e.closed && (len(e.queue) == 0 || e.recv == nil) {
			e.cond.Wait()
		}
		if e.closed {
			e.mu.Unlock()
			return
		}
		next := e.queue[0]
		e.queue = e.queue[1:]
		recv := e.recv
		e.mu.Unlock()

		recv(next.from, next.f)
	}
}
