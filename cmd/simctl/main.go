package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/danmuck/coloc/internal/observability"
	"github.com/danmuck/coloc/internal/protocol/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "simctl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	joiners := flag.Int("joiners", 4, "concurrent automatic joiners after the first three participants")
	hostLeaves := flag.Bool("host-leaves", true, "drop the host before a late joiner")
	timeout := flag.Duration("timeout", 10*time.Second, "overall scenario timeout")
	asJSON := flag.Bool("json", false, "print the report as JSON")
	flag.Parse()

	observability.InitLogger("simctl")

	dir, err := os.MkdirTemp("", "simctl-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rep, err := simulate(ctx, options{
		Joiners:    *joiners,
		HostLeaves: *hostLeaves,
		Dir:        dir,
		Timeout:    *timeout,
	})
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	return printReport(os.Stdout, rep)
}

func printReport(out io.Writer, rep report) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tGROUP\tSTATE\tANCHOR\tRIG\tLEFT")
	for _, p := range rep.Participants {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%.2f/%.1f\t%v\n",
			p.ID, p.Group, p.State, p.Anchor, p.Rig.Position, p.Rig.Yaw, p.Departed)
	}
	fmt.Fprintln(w)

	kinds := make([]session.Kind, 0, len(rep.Messages))
	for k := range rep.Messages {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	fmt.Fprintln(w, "MESSAGE\tCOUNT")
	for _, k := range kinds {
		fmt.Fprintf(w, "%s\t%d\n", k, rep.Messages[k])
	}
	fmt.Fprintf(w, "groups minted\t%d\n", rep.Groups)
	return w.Flush()
}
