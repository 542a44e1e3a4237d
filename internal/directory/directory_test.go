package directory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/danmuck/coloc/internal/protocol"
	"github.com/danmuck/coloc/internal/testutil/testlog"
)

type capturePublisher struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (p *capturePublisher) PublishSnapshot(s Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snaps = append(p.snaps, s)
	return nil
}

type stubForwarder struct {
	muts    []Mutation
	mint    protocol.GroupID
	mintErr error
}

func (f *stubForwarder) ForwardMutation(_ context.Context, m Mutation) error {
	f.muts = append(f.muts, m)
	return nil
}

func (f *stubForwarder) MintGroup(context.Context) (protocol.GroupID, error) {
	return f.mint, f.mintErr
}

func TestGroupMintStartsAtZeroAndIncrements(t *testing.T) {
	testlog.Start(t)
	pub := &capturePublisher{}
	d := NewAuthority(pub, Options{})
	ctx := context.Background()
	for want := protocol.GroupID(0); want < 3; want++ {
		got, err := d.IncrementGroupCount(ctx)
		if err != nil {
			t.Fatalf("mint: %v", err)
		}
		if got != want {
			t.Fatalf("mint got=%d want=%d", got, want)
		}
	}
	if d.GetGroupCount() != 3 {
		t.Fatalf("group count got=%d want=3", d.GetGroupCount())
	}
	if len(pub.snaps) != 3 || pub.snaps[2].GroupCount != 3 {
		t.Fatalf("each mint must publish, got %+v", pub.snaps)
	}
}

func TestConcurrentMintsAreDistinct(t *testing.T) {
	testlog.Start(t)
	d := NewAuthority(nil, Options{})
	const n = 50
	ids := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := d.IncrementGroupCount(context.Background())
			if err != nil {
				t.Errorf("mint: %v", err)
			}
			ids[i] = int(id)
		}(i)
	}
	wg.Wait()
	sort.Ints(ids)
	for i, id := range ids {
		if id != i {
			t.Fatalf("minted ids not distinct and dense: %v", ids)
		}
	}
}

func TestAuthorityLookups(t *testing.T) {
	testlog.Start(t)
	d := NewAuthority(nil, Options{})
	ctx := context.Background()
	anchor := Anchor{UUID: "a-1", IsAlignment: true, IsAutomatic: true, Owner: 1, GroupID: 0}
	if err := d.AddAnchor(ctx, anchor); err != nil {
		t.Fatalf("add anchor: %v", err)
	}
	for _, p := range []Participant{{ID: 1, GroupID: 0}, {ID: 2, GroupID: 1}, {ID: 3, GroupID: 1}} {
		if err := d.AddParticipant(ctx, p); err != nil {
			t.Fatalf("add participant: %v", err)
		}
	}
	if got, ok := d.GetAnchor("a-1"); !ok || got != anchor {
		t.Fatalf("GetAnchor got=%+v ok=%v", got, ok)
	}
	if got, ok := d.GetAnchorByOwner(1); !ok || got.UUID != "a-1" {
		t.Fatalf("GetAnchorByOwner got=%+v ok=%v", got, ok)
	}
	if got, ok := d.GetFirstParticipantInGroup(1); !ok || got.ID != 2 {
		t.Fatalf("GetFirstParticipantInGroup got=%+v ok=%v", got, ok)
	}
	if _, ok := d.GetFirstParticipantInGroup(9); ok {
		t.Fatalf("expected miss for empty group")
	}
	if _, ok := d.GetParticipant(42); ok {
		t.Fatalf("expected miss for unknown participant")
	}
	if _, ok := d.GetAnchor("missing"); ok {
		t.Fatalf("expected miss for unknown anchor")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	testlog.Start(t)
	pub := &capturePublisher{}
	d := NewAuthority(pub, Options{})
	ctx := context.Background()
	p := Participant{ID: 1, GroupID: 0}
	_ = d.AddParticipant(ctx, p)
	if err := d.RemoveParticipant(ctx, p); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := d.RemoveParticipant(ctx, p); err != nil {
		t.Fatalf("second remove: %v", err)
	}
	if err := d.RemoveAnchor(ctx, Anchor{UUID: "none"}); err != nil {
		t.Fatalf("remove absent anchor: %v", err)
	}
	if len(pub.snaps) != 2 {
		t.Fatalf("no-op removals must not publish, got %d snapshots", len(pub.snaps))
	}
}

func TestDuplicateParticipantPolicy(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	allow := NewAuthority(nil, Options{})
	_ = allow.AddParticipant(ctx, Participant{ID: 1, GroupID: 0})
	_ = allow.AddParticipant(ctx, Participant{ID: 1, GroupID: 2})
	if got := len(allow.GetAllParticipants()); got != 2 {
		t.Fatalf("allow: got %d entries", got)
	}

	replace := NewAuthority(nil, Options{Duplicates: ReplaceExisting})
	_ = replace.AddParticipant(ctx, Participant{ID: 1, GroupID: 0})
	_ = replace.AddParticipant(ctx, Participant{ID: 1, GroupID: 2})
	all := replace.GetAllParticipants()
	if len(all) != 1 || all[0].GroupID != 2 {
		t.Fatalf("replace: got %+v", all)
	}
}

func TestCapacityBound(t *testing.T) {
	testlog.Start(t)
	d := NewAuthority(nil, Options{Capacity: 1})
	ctx := context.Background()
	if err := d.AddAnchor(ctx, Anchor{UUID: "a-1"}); err != nil {
		t.Fatalf("add anchor: %v", err)
	}
	if err := d.AddAnchor(ctx, Anchor{UUID: "a-2"}); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
}

func TestAddAnchorValidatesUUID(t *testing.T) {
	testlog.Start(t)
	d := NewAuthority(nil, Options{})
	if err := d.AddAnchor(context.Background(), Anchor{}); err == nil {
		t.Fatalf("expected error for empty uuid")
	}
}

func TestReplicaForwardsAndWaitsForSnapshot(t *testing.T) {
	testlog.Start(t)
	fwd := &stubForwarder{mint: 7}
	d := NewReplica(fwd, Options{})
	ctx := context.Background()
	if err := d.AddParticipant(ctx, Participant{ID: 5, GroupID: 7}); err != nil {
		t.Fatalf("add participant: %v", err)
	}
	if len(fwd.muts) != 1 || fwd.muts[0].Op != OpAddParticipant {
		t.Fatalf("expected forwarded mutation, got %+v", fwd.muts)
	}
	if _, ok := d.GetParticipant(5); ok {
		t.Fatalf("replica must not apply forwarded mutation locally")
	}
	if _, err := d.Apply(fwd.muts[0]); !errors.Is(err, ErrApplyOnReplica) {
		t.Fatalf("expected ErrApplyOnReplica, got %v", err)
	}

	id, err := d.IncrementGroupCount(ctx)
	if err != nil || id != 7 {
		t.Fatalf("replica mint got=%d err=%v", id, err)
	}

	snap := Snapshot{Version: 4, GroupCount: 8, Participants: []Participant{{ID: 5, GroupID: 7}}}
	if !d.ApplySnapshot(snap) {
		t.Fatalf("expected snapshot to apply")
	}
	if d.ApplySnapshot(Snapshot{Version: 4}) || d.ApplySnapshot(Snapshot{Version: 3}) {
		t.Fatalf("snapshots at or below the current version must be ignored")
	}
	if p, ok := d.GetParticipant(5); !ok || p.GroupID != 7 {
		t.Fatalf("participant missing after snapshot: %+v %v", p, ok)
	}
	if d.GetGroupCount() != 8 {
		t.Fatalf("group count not replicated: %d", d.GetGroupCount())
	}
}

func TestReplicaMintFailureIsWrapped(t *testing.T) {
	testlog.Start(t)
	d := NewReplica(&stubForwarder{mintErr: context.DeadlineExceeded}, Options{})
	_, err := d.IncrementGroupCount(context.Background())
	if !errors.Is(err, ErrMintUnavailable) {
		t.Fatalf("expected ErrMintUnavailable, got %v", err)
	}
}

func TestAuthorityIgnoresSnapshots(t *testing.T) {
	testlog.Start(t)
	d := NewAuthority(nil, Options{})
	if d.ApplySnapshot(Snapshot{Version: 100}) {
		t.Fatalf("authority must not accept snapshots")
	}
}
