// Package relay hosts a colocation session over TCP. It accepts peers,
// assigns session handles, routes frames between them, and runs the
// headless authority node that owns the directory and identity tables.
package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/coloc/internal/auth"
	"github.com/danmuck/coloc/internal/directory"
	"github.com/danmuck/coloc/internal/identity"
	"github.com/danmuck/coloc/internal/node"
	"github.com/danmuck/coloc/internal/observability"
	"github.com/danmuck/coloc/internal/protocol"
	"github.com/danmuck/coloc/internal/protocol/frame"
	"github.com/danmuck/coloc/internal/protocol/schema"
	"github.com/danmuck/coloc/internal/protocol/session"
	"github.com/danmuck/coloc/internal/transport"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// AuthorityHandle is the session handle of the relay's own node.
const AuthorityHandle protocol.SessionHandle = 1

const (
	codeInvalidJoin  uint32 = 1001
	codeUnauthorized uint32 = 1002
)

type Config struct {
	ListenAddr string
	// AdminAddr serves the HTTP admin API. Empty disables it.
	AdminAddr   string
	Token       string
	CORSOrigins []string
	Directory   directory.Options
	Identity    identity.Options
	Session     session.Config
}

func DefaultConfig() Config {
	return Config{
		ListenAddr: ":7400",
		AdminAddr:  "",
		Session:    session.DefaultConfig(),
	}
}

// PeerInfo describes one connected peer.
type PeerInfo struct {
	Session     protocol.SessionHandle `json:"session"`
	StableID    protocol.StableID      `json:"stable_id"`
	DeviceID    string                 `json:"device_id"`
	Name        string                 `json:"name,omitempty"`
	RemoteAddr  string                 `json:"remote_addr"`
	ConnectedAt time.Time              `json:"connected_at"`
}

type peerConn struct {
	info    PeerInfo
	conn    net.Conn
	writeMu sync.Mutex
}

type Relay struct {
	cfg       Config
	validator auth.Validator
	limits    frame.Limits
	local     *localLink
	node      *node.Node
	started   time.Time

	mu    sync.RWMutex
	next  protocol.SessionHandle
	peers map[protocol.SessionHandle]*peerConn

	// fanout serializes deliveries so one frame reaches all of its targets
	// before any frame sent in response to it.
	fanout sync.Mutex

	sessionCount atomic.Int64
}

func New(cfg Config) (*Relay, error) {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = DefaultConfig().ListenAddr
	}
	cfg.Session = cfg.Session.WithDefaults()
	r := &Relay{
		cfg:       cfg,
		validator: auth.ForToken(cfg.Token),
		limits:    frame.DefaultLimits(),
		started:   time.Now(),
		next:      AuthorityHandle,
		peers:     make(map[protocol.SessionHandle]*peerConn),
	}
	r.local = newLocalLink(r)
	n, err := node.New(node.Config{
		Authority: true,
		Headless:  true,
		Directory: cfg.Directory,
		Identity:  cfg.Identity,
		Session:   cfg.Session,
	}, node.Deps{Link: r.local})
	if err != nil {
		return nil, fmt.Errorf("relay: authority node: %w", err)
	}
	r.node = n
	observability.RegisterMetrics()
	return r, nil
}

// Node is the relay's authority node.
func (r *Relay) Node() *node.Node {
	return r.node
}

// Run listens on the configured addresses until ctx ends.
func (r *Relay) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", r.cfg.ListenAddr)
	if err != nil {
		return err
	}
	log.Info().Msgf("relay.Run listening addr=%q", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Serve(gctx, ln) })
	if addr := strings.TrimSpace(r.cfg.AdminAddr); addr != "" {
		srv := &http.Server{Addr: addr, Handler: r.AdminRouter(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Info().Msgf("relay.Run admin addr=%q", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

// Serve accepts peers on ln until ctx ends.
func (r *Relay) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		r.closeAll()
		_ = ln.Close()
		r.local.close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go r.handleConn(ctx, conn)
	}
}

// Peers lists connected peers ordered by session handle.
func (r *Relay) Peers() []PeerInfo {
	r.mu.RLock()
	out := make([]PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p.info)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Session < out[j].Session })
	return out
}

func (r *Relay) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	reader := bufio.NewReader(conn)

	p, err := r.handshake(conn, reader)
	if err != nil {
		log.Warn().Msgf("relay.handleConn remote=%q join failed: %v", remote, err)
		return
	}
	active := r.sessionCount.Add(1)
	observability.SetRelaySessions(int(active))
	log.Info().Msgf("relay.handleConn joined session=%s stable=%s remote=%q active=%d", p.info.Session, p.info.StableID, remote, active)
	defer r.dropPeer(ctx, p)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(r.cfg.Session.SessionDeadAfter))
		f, err := frame.ReadFrame(reader, r.limits)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				log.Info().Msgf("relay.handleConn session=%s closed", p.info.Session)
			} else {
				log.Warn().Msgf("relay.handleConn session=%s read err=%v", p.info.Session, err)
			}
			return
		}
		if f.Header.MessageType == schema.MsgHeartbeat {
			continue
		}
		if err := r.route(ctx, p.info.Session, f); err != nil {
			log.Warn().Msgf("relay.handleConn session=%s message_type=%d dropped: %v", p.info.Session, f.Header.MessageType, err)
		}
	}
}

func (r *Relay) handshake(conn net.Conn, reader *bufio.Reader) (*peerConn, error) {
	_ = conn.SetDeadline(time.Now().Add(r.cfg.Session.HandshakeTimeout))
	now := uint64(time.Now().UnixMilli())

	join, err := session.ReadJoin(reader)
	if err != nil {
		_ = session.WriteJoinAck(conn, session.JoinAck{
			Status:      session.AckStatusRejected,
			Code:        codeInvalidJoin,
			Message:     "invalid join payload",
			TimestampMS: now,
		})
		return nil, err
	}
	if err := r.validator.Validate(join.Token); err != nil {
		_ = session.WriteJoinAck(conn, session.JoinAck{
			Status:      session.AckStatusRejected,
			Code:        codeUnauthorized,
			Message:     "unauthorized",
			TimestampMS: now,
		})
		return nil, fmt.Errorf("stable=%s: %w", join.StableID, err)
	}

	r.mu.Lock()
	r.next++
	handle := r.next
	p := &peerConn{
		info: PeerInfo{
			Session:     handle,
			StableID:    join.StableID,
			DeviceID:    join.DeviceID,
			Name:        join.Name,
			RemoteAddr:  conn.RemoteAddr().String(),
			ConnectedAt: time.Now(),
		},
		conn: conn,
	}
	r.peers[handle] = p
	r.mu.Unlock()

	err = session.WriteJoinAck(conn, session.JoinAck{
		Status:      session.AckStatusAccepted,
		Message:     "joined",
		Session:     handle,
		TimestampMS: now,
	})
	if err != nil {
		r.mu.Lock()
		delete(r.peers, handle)
		r.mu.Unlock()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return p, nil
}

func (r *Relay) dropPeer(ctx context.Context, p *peerConn) {
	r.mu.Lock()
	delete(r.peers, p.info.Session)
	r.mu.Unlock()
	remaining := r.sessionCount.Add(-1)
	observability.SetRelaySessions(int(remaining))
	log.Info().Msgf("relay.dropPeer session=%s stable=%s active=%d", p.info.Session, p.info.StableID, remaining)
	r.node.PeerLeft(ctx, p.info.Session)
}

func (r *Relay) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.peers {
		_ = p.conn.Close()
	}
}

// route delivers f from src to the targets named by its routing fields.
// The source field is always rewritten to src.
func (r *Relay) route(ctx context.Context, src protocol.SessionHandle, f frame.Frame) error {
	route, _, err := session.RouteOf(f)
	if err != nil {
		observability.RecordRelayFrame("invalid", "dropped")
		return err
	}
	f, err = session.AttachRoute(f, route, src)
	if err != nil {
		return err
	}
	kind := route.Kind.String()

	r.fanout.Lock()
	defer r.fanout.Unlock()

	switch route.Kind {
	case session.RouteAuthority:
		r.local.enqueue(src, f)
	case session.RouteSession:
		if route.Session == AuthorityHandle {
			r.local.enqueue(src, f)
			break
		}
		r.mu.RLock()
		p, ok := r.peers[route.Session]
		r.mu.RUnlock()
		if !ok {
			observability.RecordRelayFrame(kind, "unreachable")
			return fmt.Errorf("%w: route=%s", transport.ErrTargetUnreachable, route)
		}
		if err := r.write(ctx, p, f); err != nil {
			observability.RecordRelayFrame(kind, "error")
			return err
		}
	case session.RouteBroadcast:
		r.mu.RLock()
		targets := make([]*peerConn, 0, len(r.peers))
		for h, p := range r.peers {
			if h != src {
				targets = append(targets, p)
			}
		}
		r.mu.RUnlock()
		for _, p := range targets {
			if err := r.write(ctx, p, f); err != nil {
				log.Warn().Msgf("relay.route broadcast to session=%s err=%v", p.info.Session, err)
			}
		}
		if src != AuthorityHandle {
			r.local.enqueue(src, f)
		}
	}
	observability.RecordRelayFrame(kind, "delivered")
	return nil
}

func (r *Relay) write(ctx context.Context, p *peerConn, f frame.Frame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	deadline := time.Now().Add(r.cfg.Session.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = p.conn.SetWriteDeadline(deadline)
	return frame.WriteFrame(p.conn, f, r.limits)
}
