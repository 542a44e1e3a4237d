package peer

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/coloc/internal/protocol"
	"github.com/danmuck/coloc/internal/protocol/frame"
	"github.com/danmuck/coloc/internal/protocol/session"
	"github.com/danmuck/coloc/internal/transport"
	"github.com/rs/zerolog/log"
)

// Link is a joined relay connection. Inbound frames are delivered on the
// goroutine running Run.
type Link struct {
	conn   net.Conn
	reader *bufio.Reader
	handle protocol.SessionHandle
	cfg    session.Config
	limits frame.Limits

	writeMu sync.Mutex
	mu      sync.Mutex
	recv    func(protocol.SessionHandle, frame.Frame)

	nextID    atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func newLink(conn net.Conn, reader *bufio.Reader, handle protocol.SessionHandle, cfg session.Config, limits frame.Limits) *Link {
	l := &Link{
		conn:   conn,
		reader: reader,
		handle: handle,
		cfg:    cfg,
		limits: limits,
		done:   make(chan struct{}),
	}
	l.nextID.Store(uint64(time.Now().UnixNano()))
	return l
}

func (l *Link) Local() protocol.SessionHandle {
	return l.handle
}

func (l *Link) SetReceiver(fn func(protocol.SessionHandle, frame.Frame)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recv = fn
}

func (l *Link) Send(ctx context.Context, route session.Route, f frame.Frame) error {
	if l.closed.Load() {
		return transport.ErrLinkClosed
	}
	routed, err := session.AttachRoute(f, route, l.handle)
	if err != nil {
		return err
	}
	return l.write(ctx, routed)
}

func (l *Link) write(ctx context.Context, f frame.Frame) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	deadline := time.Now().Add(l.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := l.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return frame.WriteFrame(l.conn, f, l.limits)
}

// Run reads frames until the connection closes or ctx ends, and keeps the
// session alive with heartbeats meanwhile. A clean close returns nil.
func (l *Link) Run(ctx context.Context) error {
	defer close(l.done)
	stop := make(chan struct{})
	defer close(stop)
	go l.heartbeat(ctx, stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = l.Close()
		case <-stop:
		}
	}()

	for {
		f, err := frame.ReadFrame(l.reader, l.limits)
		if err != nil {
			if l.closed.Load() || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		_, source, err := session.RouteOf(f)
		if err != nil {
			log.Warn().Msgf("peer.Link.Run session=%s drop message_type=%d: %v", l.handle, f.Header.MessageType, err)
			continue
		}
		l.mu.Lock()
		recv := l.recv
		l.mu.Unlock()
		if recv == nil {
			log.Debug().Msgf("peer.Link.Run session=%s no receiver for message_type=%d", l.handle, f.Header.MessageType)
			continue
		}
		recv(source, f)
	}
}

func (l *Link) heartbeat(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case now := <-ticker.C:
			f, err := session.EncodeFrame(l.nextID.Add(1), session.Heartbeat{TimestampMS: uint64(now.UnixMilli())})
			if err != nil {
				log.Error().Msgf("peer.Link.heartbeat encode err=%v", err)
				return
			}
			if err := l.Send(ctx, session.ToAuthority(), f); err != nil {
				log.Warn().Msgf("peer.Link.heartbeat session=%s err=%v", l.handle, err)
				return
			}
		}
	}
}

func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		err = l.conn.Close()
	})
	return err
}

// Done is closed when Run returns.
func (l *Link) Done() <-chan struct{} {
	return l.done
}
