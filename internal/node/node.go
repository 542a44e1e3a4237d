// Package node assembles one colocation participant, or the session
// authority, from a transport link and its external collaborators.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/coloc/internal/alignment"
	"github.com/danmuck/coloc/internal/anchor"
	"github.com/danmuck/coloc/internal/colocation"
	"github.com/danmuck/coloc/internal/directory"
	"github.com/danmuck/coloc/internal/identity"
	"github.com/danmuck/coloc/internal/observability"
	"github.com/danmuck/coloc/internal/protocol"
	"github.com/danmuck/coloc/internal/protocol/session"
	"github.com/danmuck/coloc/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

type Config struct {
	Self   protocol.StableID
	Device protocol.DeviceID
	// Authority nodes own the directory and identity tables.
	Authority bool
	// Headless nodes relay and arbitrate but never colocate themselves.
	Headless bool

	CreateSpaceOnFailure bool
	GrantTimeout         time.Duration

	Directory directory.Options
	Identity  identity.Options
	Session   session.Config
}

type Deps struct {
	Link     transport.Link
	Backend  anchor.Backend
	Executor alignment.Executor
	Tracer   trace.Tracer
}

// Node wires the messenger, directory, identity router and launcher of one
// participant. It is the forwarder and publisher for its replicated tables.
type Node struct {
	cfg      Config
	link     transport.Link
	msgr     *transport.Messenger
	dir      *directory.Directory
	router   *identity.Router
	launcher *colocation.Launcher
	mints    *session.PendingTable[protocol.GroupID]

	readyOnce sync.Once
	ready     chan struct{}
}

func New(cfg Config, deps Deps) (*Node, error) {
	if deps.Link == nil {
		return nil, errors.New("node: link is required")
	}
	if cfg.Device == uuid.Nil {
		cfg.Device = protocol.NewDeviceID()
	}
	if cfg.Session == (session.Config{}) {
		cfg.Session = session.DefaultConfig()
	} else {
		cfg.Session = cfg.Session.WithDefaults()
	}

	n := &Node{
		cfg:   cfg,
		link:  deps.Link,
		mints: session.NewPendingTable[protocol.GroupID](),
		ready: make(chan struct{}),
	}
	if cfg.Authority {
		n.dir = directory.NewAuthority(n, cfg.Directory)
		n.router = identity.NewAuthority(n, cfg.Identity)
	} else {
		n.dir = directory.NewReplica(n, cfg.Directory)
		n.router = identity.NewReplica(n, cfg.Identity)
	}
	n.msgr = transport.NewMessenger(deps.Link, n.router)

	if !cfg.Headless {
		launcherCfg := colocation.Config{
			Self:                 cfg.Self,
			Device:               cfg.Device,
			CreateSpaceOnFailure: cfg.CreateSpaceOnFailure,
			AttemptTimeout:       cfg.Session.AttemptTimeout,
			GrantTimeout:         cfg.GrantTimeout,
		}
		launcher, err := colocation.New(launcherCfg, colocation.Deps{
			Directory: n.dir,
			Messenger: n.msgr,
			Backend:   deps.Backend,
			Executor:  deps.Executor,
			Tracer:    deps.Tracer,
		})
		if err != nil {
			return nil, fmt.Errorf("node: %w", err)
		}
		n.launcher = launcher
		transport.Handle(n.msgr, launcher.HandleShareRequest)
		transport.Handle(n.msgr, launcher.HandleShareReply)
	}

	if cfg.Authority {
		transport.Handle(n.msgr, n.handleDirectoryMutation)
		transport.Handle(n.msgr, n.handleGroupMint)
		transport.Handle(n.msgr, n.handleIdentityMutation)
	} else {
		transport.Handle(n.msgr, n.handleDirectorySnapshot)
		transport.Handle(n.msgr, n.handleIdentitySnapshot)
		transport.Handle(n.msgr, n.handleGroupMintReply)
	}

	log.Info().Msgf("node.New self=%s device=%s session=%s authority=%v headless=%v",
		cfg.Self, cfg.Device, deps.Link.Local(), cfg.Authority, cfg.Headless)
	return n, nil
}

func (n *Node) Self() protocol.StableID { return n.cfg.Self }
func (n *Node) Device() protocol.DeviceID { return n.cfg.Device }
func (n *Node) Session() protocol.SessionHandle { return n.link.Local() }
func (n *Node) IsAuthority() bool { return n.cfg.Authority }
func (n *Node) Directory() *directory.Directory { return n.dir }
func (n *Node) Router() *identity.Router { return n.router }
func (n *Node) Messenger() *transport.Messenger { return n.msgr }

// Launcher is nil on headless nodes.
func (n *Node) Launcher() *colocation.Launcher { return n.launcher }

// Join registers this node's identity with the authority. On a replica the
// node is ready once the authority's identity snapshot lists it.
func (n *Node) Join(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := n.router.Register(n.cfg.Self, n.link.Local(), n.cfg.Device); err != nil {
		return fmt.Errorf("node: register identity: %w", err)
	}
	if n.cfg.Authority {
		n.markReady()
	}
	return nil
}

// Ready is closed once this node can address its peers.
func (n *Node) Ready() <-chan struct{} {
	return n.ready
}

func (n *Node) WaitReady(ctx context.Context) error {
	select {
	case <-n.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("node: waiting for identity snapshot: %w", ctx.Err())
	}
}

func (n *Node) markReady() {
	n.readyOnce.Do(func() {
		log.Info().Msgf("node.ready self=%s session=%s", n.cfg.Self, n.link.Local())
		close(n.ready)
	})
}

// PeerLeft drops a disconnected session from the identity table and its
// participant entries from the directory. Only the authority acts on it.
func (n *Node) PeerLeft(ctx context.Context, h protocol.SessionHandle) {
	if !n.cfg.Authority {
		return
	}
	m, found := n.router.LookupBySession(h)
	n.router.RemoveBySession(h)
	if !found {
		log.Debug().Msgf("node.PeerLeft session=%s had no identity", h)
		return
	}
	if _, still := n.router.LookupByStable(m.Stable); still {
		log.Info().Msgf("node.PeerLeft stable=%s still connected elsewhere", m.Stable)
		return
	}
	log.Info().Msgf("node.PeerLeft session=%s stable=%s", h, m.Stable)
	if n.launcher != nil {
		n.launcher.OnPeerLeft(ctx, m.Stable)
		return
	}
	for _, p := range n.dir.GetAllParticipants() {
		if p.ID == m.Stable {
			if err := n.dir.RemoveParticipant(ctx, p); err != nil {
				log.Warn().Msgf("node.PeerLeft remove participant=%s err=%v", p.ID, err)
			}
		}
	}
}

// directory.Forwarder

func (n *Node) ForwardMutation(ctx context.Context, m directory.Mutation) error {
	return n.msgr.SendToAuthority(ctx, session.DirectoryMutation{Mutation: m})
}

func (n *Node) MintGroup(ctx context.Context) (protocol.GroupID, error) {
	id, reply := n.mints.Open("authority", n.cfg.Session.MintTimeout)
	if err := n.msgr.SendToAuthority(ctx, session.GroupMint{RequestID: id}); err != nil {
		n.mints.Cancel(id)
		return 0, fmt.Errorf("%w: %w", directory.ErrMintUnavailable, err)
	}
	timer := time.NewTimer(n.cfg.Session.MintTimeout)
	defer timer.Stop()
	select {
	case g := <-reply:
		return g, nil
	case <-timer.C:
		n.mints.Cancel(id)
		return 0, fmt.Errorf("%w: no reply after %s", directory.ErrMintUnavailable, n.cfg.Session.MintTimeout)
	case <-ctx.Done():
		n.mints.Cancel(id)
		return 0, ctx.Err()
	}
}

// directory.Publisher

func (n *Node) PublishSnapshot(s directory.Snapshot) error {
	return n.msgr.Broadcast(context.Background(), session.DirectorySnapshot{Snapshot: s})
}

// identity.Forwarder

func (n *Node) ForwardIdentity(m identity.Mutation) error {
	return n.msgr.SendToAuthority(context.Background(), session.IdentityMutation{Mutation: m})
}

// identity.Publisher

func (n *Node) PublishIdentities(s identity.Snapshot) error {
	return n.msgr.Broadcast(context.Background(), session.IdentitySnapshot{Snapshot: s})
}

func (n *Node) handleDirectoryMutation(_ context.Context, from protocol.SessionHandle, msg session.DirectoryMutation) {
	changed, err := n.dir.Apply(msg.Mutation)
	if err != nil {
		log.Warn().Msgf("node.handleDirectoryMutation from=%s op=%s err=%v", from, msg.Mutation.Op, err)
		return
	}
	if changed {
		observability.RecordDirectoryMutation(msg.Mutation.Op.String())
	}
}

func (n *Node) handleGroupMint(ctx context.Context, from protocol.SessionHandle, msg session.GroupMint) {
	g, err := n.dir.IncrementGroupCount(ctx)
	if err != nil {
		log.Error().Msgf("node.handleGroupMint from=%s request_id=%d err=%v", from, msg.RequestID, err)
		return
	}
	reply := session.GroupMintReply{RequestID: msg.RequestID, GroupID: g}
	if err := n.msgr.SendToSession(ctx, from, reply); err != nil {
		log.Warn().Msgf("node.handleGroupMint reply to=%s group=%d dropped: %v", from, g, err)
	}
}

// handleIdentityMutation trusts the transport over the payload for the
// registering session handle. The directory goes out first so a replica
// has it by the time its own identity shows up.
func (n *Node) handleIdentityMutation(_ context.Context, from protocol.SessionHandle, msg session.IdentityMutation) {
	m := msg.Mutation
	if m.Op == identity.OpRegister {
		if m.Mapping.Session != from {
			log.Debug().Msgf("node.handleIdentityMutation stable=%s session %s -> %s", m.Mapping.Stable, m.Mapping.Session, from)
		}
		m.Mapping.Session = from
		n.dir.Republish()
	}
	if _, err := n.router.Apply(m); err != nil {
		log.Warn().Msgf("node.handleIdentityMutation from=%s op=%s err=%v", from, m.Op, err)
	}
}

func (n *Node) handleDirectorySnapshot(_ context.Context, _ protocol.SessionHandle, msg session.DirectorySnapshot) {
	n.dir.ApplySnapshot(msg.Snapshot)
}

func (n *Node) handleIdentitySnapshot(_ context.Context, _ protocol.SessionHandle, msg session.IdentitySnapshot) {
	n.router.ApplySnapshot(msg.Snapshot)
	if m, ok := n.router.LookupByStable(n.cfg.Self); ok && m.Device == n.cfg.Device {
		n.markReady()
	}
}

func (n *Node) handleGroupMintReply(_ context.Context, from protocol.SessionHandle, msg session.GroupMintReply) {
	if !n.mints.Resolve(msg.RequestID, msg.GroupID) {
		log.Warn().Msgf("node.handleGroupMintReply from=%s drop request_id=%d", from, msg.RequestID)
	}
}
