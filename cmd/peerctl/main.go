package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/coloc/internal/config"
	"github.com/danmuck/coloc/internal/observability"
	"github.com/danmuck/coloc/internal/protocol"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "peerctl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	path := flag.String("config", "", "peer config path (optional)")
	mode := flag.String("mode", "", "override mode: host|auto|follow")
	target := flag.Uint64("target", 0, "stable id to follow (mode follow)")
	anchorDB := flag.String("anchor-db", "", "override anchor store path")
	trace := flag.Bool("trace", false, "export spans to stdout")
	flag.Parse()

	observability.InitLogger("peerctl")

	cfg, err := config.LoadPeerConfig(*path)
	if err != nil {
		return err
	}
	if m := strings.TrimSpace(*mode); m != "" {
		cfg.Mode = strings.ToLower(m)
	}
	if *target != 0 {
		cfg.Target = protocol.StableID(*target)
	}
	if db := strings.TrimSpace(*anchorDB); db != "" {
		cfg.AnchorDB = db
	}
	if cfg.Mode == config.ModeFollow && cfg.Target == 0 {
		return fmt.Errorf("mode follow requires -target")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     *trace,
		ServiceName: "peerctl",
	})
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	return participate(ctx, cfg, nil)
}
