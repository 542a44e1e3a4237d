package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/coloc/internal/config"
	"github.com/danmuck/coloc/internal/observability"
	"github.com/danmuck/coloc/internal/relay"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	path := flag.String("config", "", "relay config path (optional)")
	trace := flag.Bool("trace", false, "export spans to stdout")
	flag.Parse()

	logger := observability.InitLogger("relayctl")

	cfg, err := config.LoadRelayConfig(*path)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     *trace,
		ServiceName: "relayctl",
	})
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	r, err := relay.New(cfg)
	if err != nil {
		return err
	}
	logger.Info().Msgf("relayctl.run listen=%s admin=%q", cfg.ListenAddr, cfg.AdminAddr)
	return r.Run(ctx)
}
