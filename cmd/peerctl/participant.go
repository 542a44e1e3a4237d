package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/coloc/internal/alignment"
	"github.com/danmuck/coloc/internal/anchor"
	"github.com/danmuck/coloc/internal/anchor/sqlstore"
	"github.com/danmuck/coloc/internal/colocation"
	"github.com/danmuck/coloc/internal/config"
	"github.com/danmuck/coloc/internal/node"
	"github.com/danmuck/coloc/internal/observability"
	"github.com/danmuck/coloc/internal/peer"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var errRelayClosed = errors.New("relay closed the session")

// participate joins the relay, runs the configured colocation mode, and
// stays in the session answering share requests until ctx ends or the
// relay goes away. colocated, when set, runs once the mode finished.
func participate(ctx context.Context, cfg config.PeerConfig, colocated func(*node.Node)) error {
	store, err := sqlstore.Open(ctx, cfg.AnchorDB)
	if err != nil {
		return err
	}
	defer store.Close()

	client, err := peer.NewClient(cfg.Client)
	if err != nil {
		return err
	}
	link, err := client.ConnectAndJoin(ctx)
	if err != nil {
		return err
	}
	defer link.Close()

	aligner := alignment.NewRigAligner(cfg.AlignPasses)
	n, err := node.New(node.Config{
		Self:                 cfg.Client.StableID,
		Device:               cfg.Client.Device,
		CreateSpaceOnFailure: cfg.CreateOnFailure,
		Session:              cfg.Client.Session,
	}, node.Deps{
		Link:     link,
		Backend:  sqlstore.NewManager(cfg.Client.StableID, store),
		Executor: aligner,
		Tracer:   observability.Tracer("peerctl"),
	})
	if err != nil {
		return err
	}

	launcher := n.Launcher()
	launcher.OnAligned(func(h anchor.Handle) {
		rig := aligner.Rig()
		log.Info().Msgf("peerctl aligned self=%s anchor=%s owner=%s rig_pos=%v rig_yaw=%.2f",
			n.Self(), h.UUID, h.Owner, rig.Position, rig.Yaw)
	})
	launcher.OnAutoColocationFailed(func() {
		log.Warn().Msgf("peerctl self=%s automatic colocation failed", n.Self())
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := link.Run(gctx); err != nil {
			return fmt.Errorf("relay link: %w", err)
		}
		if gctx.Err() == nil {
			return errRelayClosed
		}
		return nil
	})
	g.Go(func() error {
		if err := n.Join(gctx); err != nil {
			return err
		}
		if err := n.WaitReady(gctx); err != nil {
			return ignoreCancel(err)
		}
		if err := colocate(gctx, cfg, launcher); err != nil {
			return ignoreCancel(err)
		}
		if colocated != nil {
			colocated(n)
		}
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}

func colocate(ctx context.Context, cfg config.PeerConfig, launcher *colocation.Launcher) error {
	switch cfg.Mode {
	case config.ModeHost:
		return launcher.CreateColocatedSpace(ctx)
	case config.ModeAuto:
		return launcher.ColocateAutomatically(ctx)
	case config.ModeFollow:
		return launcher.ColocateToParticipant(ctx, cfg.Target)
	default:
		return fmt.Errorf("unsupported mode %q", cfg.Mode)
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
