package identity

import (
	"errors"
	"sync"
	"testing"

	"github.com/danmuck/coloc/internal/protocol"
	"github.com/danmuck/coloc/internal/testutil/testlog"
)

type capturePublisher struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (p *capturePublisher) PublishIdentities(s Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snaps = append(p.snaps, s)
	return nil
}

func (p *capturePublisher) last() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snaps[len(p.snaps)-1]
}

type captureForwarder struct {
	muts []Mutation
	err  error
}

func (f *captureForwarder) ForwardIdentity(m Mutation) error {
	f.muts = append(f.muts, m)
	return f.err
}

func TestAuthorityRegisterLookupAllKeys(t *testing.T) {
	testlog.Start(t)
	pub := &capturePublisher{}
	r := NewAuthority(pub, Options{})
	dev := protocol.NewDeviceID()
	if err := r.Register(10, 3, dev); err != nil {
		t.Fatalf("register: %v", err)
	}
	for name, lookup := range map[string]func() (Mapping, bool){
		"session": func() (Mapping, bool) { return r.LookupBySession(3) },
		"stable":  func() (Mapping, bool) { return r.LookupByStable(10) },
		"device":  func() (Mapping, bool) { return r.LookupByDevice(dev) },
	} {
		m, ok := lookup()
		if !ok || m.Stable != 10 || m.Session != 3 || m.Device != dev {
			t.Fatalf("lookup by %s: got=%+v ok=%v", name, m, ok)
		}
	}
	if h, ok := r.SessionForStable(10); !ok || h != 3 {
		t.Fatalf("SessionForStable got=%s ok=%v", h, ok)
	}
	if snap := pub.last(); snap.Version != 1 || len(snap.Mappings) != 1 {
		t.Fatalf("unexpected published snapshot: %+v", snap)
	}
}

func TestRemovalTakesAllKeysAndIsIdempotent(t *testing.T) {
	testlog.Start(t)
	r := NewAuthority(&capturePublisher{}, Options{})
	dev := protocol.NewDeviceID()
	if err := r.Register(10, 3, dev); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !r.RemoveBySession(3) {
		t.Fatalf("expected removal")
	}
	if _, ok := r.LookupByStable(10); ok {
		t.Fatalf("stable key survived session removal")
	}
	if _, ok := r.LookupByDevice(dev); ok {
		t.Fatalf("device key survived session removal")
	}
	if r.RemoveBySession(3) || r.RemoveByStable(10) || r.RemoveByDevice(dev) {
		t.Fatalf("removing absent keys must report false")
	}
	if v := r.Snapshot().Version; v != 2 {
		t.Fatalf("no-op removals must not bump version, got=%d", v)
	}
}

func TestLookupMissReturnsFalse(t *testing.T) {
	testlog.Start(t)
	r := NewAuthority(nil, Options{})
	if _, ok := r.LookupBySession(1); ok {
		t.Fatalf("expected miss")
	}
	if _, ok := r.SessionForDevice(protocol.NewDeviceID()); ok {
		t.Fatalf("expected miss")
	}
}

func TestDuplicatePolicies(t *testing.T) {
	testlog.Start(t)
	dev := protocol.NewDeviceID()

	allow := NewAuthority(nil, Options{Duplicates: AllowDuplicates})
	_ = allow.Register(10, 3, dev)
	_ = allow.Register(10, 4, dev)
	if got := len(allow.Snapshot().Mappings); got != 2 {
		t.Fatalf("allow: expected 2 entries, got=%d", got)
	}
	if m, _ := allow.LookupByStable(10); m.Session != 3 {
		t.Fatalf("allow: lookups return the first match, got session=%s", m.Session)
	}

	replace := NewAuthority(nil, Options{Duplicates: ReplaceExisting})
	_ = replace.Register(10, 3, dev)
	_ = replace.Register(10, 4, dev)
	snap := replace.Snapshot()
	if len(snap.Mappings) != 1 || snap.Mappings[0].Session != 4 {
		t.Fatalf("replace: unexpected table %+v", snap.Mappings)
	}

	reject := NewAuthority(nil, Options{Duplicates: RejectDuplicates})
	if err := reject.Register(10, 3, dev); err != nil {
		t.Fatalf("reject: first register: %v", err)
	}
	if err := reject.Register(11, 3, protocol.NewDeviceID()); !errors.Is(err, ErrDuplicateIdentity) {
		t.Fatalf("reject: expected ErrDuplicateIdentity on session reuse, got %v", err)
	}
	if _, err := reject.Apply(Mutation{Op: OpRegister, Mapping: Mapping{Stable: 10, Session: 9, Device: protocol.NewDeviceID()}}); !errors.Is(err, ErrDuplicateIdentity) {
		t.Fatalf("reject: authority apply should refuse duplicates, got %v", err)
	}
}

func TestRegisterRequiresDevice(t *testing.T) {
	testlog.Start(t)
	r := NewAuthority(nil, Options{})
	if err := r.Register(1, 1, protocol.DeviceID{}); err == nil {
		t.Fatalf("expected error for nil device")
	}
}

func TestReplicaForwardsAndAppliesNewerSnapshots(t *testing.T) {
	testlog.Start(t)
	fwd := &captureForwarder{}
	r := NewReplica(fwd, Options{})
	dev := protocol.NewDeviceID()
	if err := r.Register(10, 3, dev); err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(fwd.muts) != 1 || fwd.muts[0].Op != OpRegister {
		t.Fatalf("expected forwarded register, got %+v", fwd.muts)
	}
	if _, ok := r.LookupByStable(10); ok {
		t.Fatalf("replica must not apply locally before the snapshot")
	}
	if _, err := r.Apply(Mutation{Op: OpRegister}); err == nil {
		t.Fatalf("apply on replica should fail")
	}

	if !r.ApplySnapshot(Snapshot{Version: 2, Mappings: []Mapping{{Stable: 10, Session: 3, Device: dev}}}) {
		t.Fatalf("expected snapshot v2 to apply")
	}
	if r.ApplySnapshot(Snapshot{Version: 1}) {
		t.Fatalf("stale snapshot must be ignored")
	}
	if _, ok := r.LookupByDevice(dev); !ok {
		t.Fatalf("mapping missing after snapshot")
	}

	if !r.RemoveByStable(10) {
		t.Fatalf("expected forwarded removal of a visible mapping")
	}
	if len(fwd.muts) != 2 || fwd.muts[1].Op != OpRemoveByStable {
		t.Fatalf("expected forwarded removal, got %+v", fwd.muts)
	}
	if r.RemoveByStable(99) || len(fwd.muts) != 2 {
		t.Fatalf("absent key must not be forwarded")
	}
}
