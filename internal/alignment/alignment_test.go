package alignment

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/danmuck/coloc/internal/anchor"
	"github.com/danmuck/coloc/internal/testutil/testlog"
)

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestRigForIdentityAnchor(t *testing.T) {
	rig := rigFor(anchor.Origin)
	if rig.Position != [3]float64{} || rig.Yaw != 0 {
		t.Fatalf("origin anchor should give identity rig, got %+v", rig)
	}
}

func TestRigForTranslatedAndRotatedAnchor(t *testing.T) {
	// anchor one meter ahead (z) and turned 90 degrees: the origin sits one
	// meter along the anchor's local +x
	rig := rigFor(anchor.Pose{Position: [3]float64{0, 0, 1}, Yaw: 90})
	if !near(rig.Position[0], 1) || !near(rig.Position[1], 0) || !near(rig.Position[2], 0) {
		t.Fatalf("unexpected rig position: %v", rig.Position)
	}
	if rig.Yaw != -90 {
		t.Fatalf("unexpected rig yaw: %v", rig.Yaw)
	}
}

func TestAlignFiresListenersAndRealigns(t *testing.T) {
	testlog.Start(t)
	r := NewRigAligner(2)
	if err := r.Realign(context.Background()); !errors.Is(err, ErrNotAligned) {
		t.Fatalf("expected ErrNotAligned before first alignment, got %v", err)
	}
	var seen []string
	r.OnAfterAlignment(func(h anchor.Handle) { seen = append(seen, h.UUID) })

	h := anchor.Handle{UUID: "a-1", Pose: anchor.Pose{Position: [3]float64{2, 1, 0}}}
	if err := r.AlignSelfToAnchor(context.Background(), h); err != nil {
		t.Fatalf("align: %v", err)
	}
	if rig := r.Rig(); rig.Position != [3]float64{-2, -1, 0} {
		t.Fatalf("unexpected rig: %+v", rig)
	}
	if err := r.Realign(context.Background()); err != nil {
		t.Fatalf("realign: %v", err)
	}
	if len(seen) != 2 || seen[1] != "a-1" {
		t.Fatalf("listeners got=%v", seen)
	}
	if cur, ok := r.Current(); !ok || cur.UUID != "a-1" {
		t.Fatalf("current got=%+v ok=%v", cur, ok)
	}
}

func TestAlignHonoursCancellation(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewRigAligner(1)
	if err := r.AlignSelfToAnchor(ctx, anchor.Handle{UUID: "a-1"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, ok := r.Current(); ok {
		t.Fatalf("cancelled alignment must not record an anchor")
	}
}
