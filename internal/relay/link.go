package relay

import (
	"context"
	"sync"

	"github.com/danmuck/coloc/internal/protocol"
	"github.com/danmuck/coloc/internal/protocol/frame"
	"github.com/danmuck/coloc/internal/protocol/session"
	"github.com/danmuck/coloc/internal/transport"
)

type inbound struct {
	from protocol.SessionHandle
	f    frame.Frame
}

// localLink attaches the relay's authority node to the relay. Frames for
// the authority queue here and are delivered on one goroutine.
type localLink struct {
	relay *Relay

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []inbound
	recv   func(protocol.SessionHandle, frame.Frame)
	closed bool
}

func newLocalLink(r *Relay) *localLink {
	l := &localLink{relay: r}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

func (l *localLink) Local() protocol.SessionHandle {
	return AuthorityHandle
}

func (l *localLink) SetReceiver(fn func(protocol.SessionHandle, frame.Frame)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recv = fn
	l.cond.Broadcast()
}

func (l *localLink) Send(ctx context.Context, route session.Route, f frame.Frame) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return transport.ErrLinkClosed
	}
	routed, err := session.AttachRoute(f, route, AuthorityHandle)
	if err != nil {
		return err
	}
	return l.relay.route(ctx, AuthorityHandle, routed)
}

func (l *localLink) enqueue(from protocol.SessionHandle, f frame.Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.queue = append(l.queue, inbound{from: from, f: f})
	l.cond.Broadcast()
}

func (l *localLink) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.queue = nil
	l.cond.Broadcast()
}

func (l *localLink) run() {
	for {
		l.mu.Lock()
		for !l.closed && (len(l.queue) == 0 || l.recv == nil) {
			l.cond.Wait()
		}
		if l.closed {
			l.mu.Unlock()
			return
		}
		next := l.queue[0]
		l.queue = l.queue[1:]
		recv := l.recv
		l.mu.Unlock()

		recv(next.from, next.f)
	}
}
