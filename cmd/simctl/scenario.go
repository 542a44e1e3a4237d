package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/coloc/internal/alignment"
	"github.com/danmuck/coloc/internal/anchor/sqlstore"
	"github.com/danmuck/coloc/internal/node"
	"github.com/danmuck/coloc/internal/protocol"
	"github.com/danmuck/coloc/internal/protocol/session"
	"github.com/danmuck/coloc/internal/transport/loopback"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type options struct {
	// Joiners colocate automatically and concurrently after the first three.
	Joiners int
	// HostLeaves drops the host before one last joiner, which must then be
	// served by another member of the host's group.
	HostLeaves bool
	Dir        string
	Timeout    time.Duration
}

type outcome struct {
	ID       protocol.StableID
	Group    protocol.GroupID
	Anchor   string
	State    string
	Rig      alignment.RigTransform
	Departed bool
}

type report struct {
	Participants []outcome
	Messages     map[session.Kind]int
	Groups       protocol.GroupID
}

type member struct {
	node    *node.Node
	ep      *loopback.Endpoint
	aligner *alignment.RigAligner
}

type simulation struct {
	opts      options
	hub       *loopback.Hub
	store     *sqlstore.Store
	authority *node.Node
	members   map[protocol.StableID]*member
	departed  map[protocol.StableID]bool

	mu       sync.Mutex
	messages map[session.Kind]int
}

// simulate runs a host, an automatic joiner, a follower, opts.Joiners
// concurrent joiners and optionally a late joiner after the host left, all
// over an in-process hub sharing one anchor store.
func simulate(ctx context.Context, opts options) (report, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	store, err := sqlstore.Open(ctx, filepath.Join(opts.Dir, "anchors.db"))
	if err != nil {
		return report{}, err
	}
	defer store.Close()

	s := &simulation{
		opts:     opts,
		hub:      loopback.NewHub(),
		store:    store,
		members:  make(map[protocol.StableID]*member),
		departed: make(map[protocol.StableID]bool),
		messages: make(map[session.Kind]int),
	}
	defer s.hub.Close()
	s.hub.Observe(func(e loopback.Envelope) {
		s.mu.Lock()
		s.messages[session.Kind(e.MessageType)]++
		s.mu.Unlock()
	})

	ep := s.hub.Join()
	s.hub.SetAuthority(ep)
	s.authority, err = node.New(node.Config{Authority: true, Headless: true}, node.Deps{Link: ep})
	if err != nil {
		return report{}, err
	}
	s.hub.OnLeave(func(h protocol.SessionHandle) { s.authority.PeerLeft(context.Background(), h) })

	if err := s.run(ctx); err != nil {
		return report{}, err
	}
	return s.report(), nil
}

func (s *simulation) run(ctx context.Context) error {
	host, err := s.join(ctx, 1)
	if err != nil {
		return err
	}
	if err := host.node.Launcher().CreateColocatedSpace(ctx); err != nil {
		return fmt.Errorf("host create: %w", err)
	}
	if err := s.await(ctx, func() bool { return s.everyoneSees(1) }); err != nil {
		return err
	}

	second, err := s.join(ctx, 2)
	if err != nil {
		return err
	}
	if err := second.node.Launcher().ColocateAutomatically(ctx); err != nil {
		return fmt.Errorf("participant 2 auto: %w", err)
	}
	follower, err := s.join(ctx, 3)
	if err != nil {
		return err
	}
	if err := s.await(ctx, func() bool { return s.everyoneSees(2) }); err != nil {
		return err
	}
	if err := follower.node.Launcher().ColocateToParticipant(ctx, 2); err != nil {
		return fmt.Errorf("participant 3 follow: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.opts.Joiners; i++ {
		id := protocol.StableID(10 + i)
		m, err := s.join(ctx, id)
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := m.node.Launcher().ColocateAutomatically(gctx); err != nil {
				return fmt.Errorf("joiner %s: %w", id, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if s.opts.HostLeaves {
		s.hub.Leave(host.ep)
		s.departed[1] = true
		if err := s.await(ctx, func() bool {
			_, listed := s.authority.Directory().GetParticipant(1)
			return !listed
		}); err != nil {
			return err
		}
		late, err := s.join(ctx, 99)
		if err != nil {
			return err
		}
		if err := s.await(ctx, func() bool { return s.everyoneSees(3) }); err != nil {
			return err
		}
		if err := late.node.Launcher().ColocateToParticipant(ctx, 3); err != nil {
			return fmt.Errorf("late joiner: %w", err)
		}
	}
	return nil
}

func (s *simulation) join(ctx context.Context, id protocol.StableID) (*member, error) {
	ep := s.hub.Join()
	aligner := alignment.NewRigAligner(2)
	n, err := node.New(node.Config{Self: id}, node.Deps{
		Link:     ep,
		Backend:  sqlstore.NewManager(id, s.store),
		Executor: aligner,
	})
	if err != nil {
		return nil, err
	}
	if err := n.Join(ctx); err != nil {
		return nil, err
	}
	if err := n.WaitReady(ctx); err != nil {
		return nil, fmt.Errorf("participant %s not ready: %w", id, err)
	}
	m := &member{node: n, ep: ep, aligner: aligner}
	s.members[id] = m
	log.Debug().Msgf("simctl.join id=%s session=%s", id, n.Session())
	return m, nil
}

// everyoneSees reports whether every live member lists id in its directory.
func (s *simulation) everyoneSees(id protocol.StableID) bool {
	for other, m := range s.members {
		if s.departed[other] {
			continue
		}
		if _, ok := m.node.Directory().GetParticipant(id); !ok {
			return false
		}
	}
	return true
}

func (s *simulation) await(ctx context.Context, fn func() bool) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for !fn() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("simctl: waiting for replication: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

func (s *simulation) report() report {
	out := report{
		Messages: make(map[session.Kind]int),
		Groups:   s.authority.Directory().GetGroupCount(),
	}
	for id, m := range s.members {
		o := outcome{
			ID:       id,
			State:    m.node.Launcher().State().String(),
			Rig:      m.aligner.Rig(),
			Departed: s.departed[id],
		}
		if h, ok := m.node.Launcher().AlignmentAnchor(); ok {
			o.Anchor = h.UUID
		}
		if p, ok := s.authority.Directory().GetParticipant(id); ok {
			o.Group = p.GroupID
		}
		out.Participants = append(out.Participants, o)
	}
	sort.Slice(out.Participants, func(i, j int) bool { return out.Participants[i].ID < out.Participants[j].ID })
	s.mu.Lock()
	for k, v := range s.messages {
		out.Messages[k] = v
	}
	s.mu.Unlock()
	return out
}
