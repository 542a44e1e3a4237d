package loopback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/coloc/internal/protocol"
	"github.com/danmuck/coloc/internal/protocol/session"
	"github.com/danmuck/coloc/internal/testutil/testlog"
	"github.com/danmuck/coloc/internal/transport"
)

type staticResolver struct {
	stable map[protocol.StableID]protocol.SessionHandle
	device map[protocol.DeviceID]protocol.SessionHandle
}

func (r staticResolver) SessionForStable(id protocol.StableID) (protocol.SessionHandle, bool) {
	h, ok := r.stable[id]
	return h, ok
}

func (r staticResolver) SessionForDevice(id protocol.DeviceID) (protocol.SessionHandle, bool) {
	h, ok := r.device[id]
	return h, ok
}

type recorder struct {
	mu   sync.Mutex
	got  []session.GroupMint
	from []protocol.SessionHandle
	ch   chan struct{}
}

func newRecorder(m *transport.Messenger) *recorder {
	r := &recorder{ch: make(chan struct{}, 64)}
	transport.Handle(m, func(_ context.Context, from protocol.SessionHandle, msg session.GroupMint) {
		r.mu.Lock()
		r.got = append(r.got, msg)
		r.from = append(r.from, from)
		r.mu.Unlock()
		r.ch <- struct{}{}
	})
	return r
}

func (r *recorder) wait(t *testing.T, n int) []session.GroupMint {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-r.ch:
		case <-deadline:
			t.Fatalf("timed out waiting for %d messages", n)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.GroupMint(nil), r.got...)
}

func TestHubRoutesByStableAndDevice(t *testing.T) {
	testlog.Start(t)
	hub := NewHub()
	defer hub.Close()
	a, b := hub.Join(), hub.Join()
	device := protocol.NewDeviceID()
	res := staticResolver{
		stable: map[protocol.StableID]protocol.SessionHandle{20: b.Local()},
		device: map[protocol.DeviceID]protocol.SessionHandle{device: b.Local()},
	}
	ma := transport.NewMessenger(a, res)
	mb := transport.NewMessenger(b, res)
	rec := newRecorder(mb)

	ctx := context.Background()
	if err := ma.SendToStableID(ctx, 20, session.GroupMint{RequestID: 1}); err != nil {
		t.Fatalf("send to stable: %v", err)
	}
	if err := ma.SendToDevice(ctx, device, session.GroupMint{RequestID: 2}); err != nil {
		t.Fatalf("send to device: %v", err)
	}
	got := rec.wait(t, 2)
	if got[0].RequestID != 1 || got[1].RequestID != 2 {
		t.Fatalf("out-of-order delivery: %+v", got)
	}
	if rec.from[0] != a.Local() {
		t.Fatalf("source mismatch: got=%s want=%s", rec.from[0], a.Local())
	}
}

func TestHubUnknownTargetIsUnreachable(t *testing.T) {
	testlog.Start(t)
	hub := NewHub()
	defer hub.Close()
	a := hub.Join()
	m := transport.NewMessenger(a, staticResolver{})
	err := m.SendToStableID(context.Background(), 99, session.GroupMint{RequestID: 1})
	if !errors.Is(err, transport.ErrTargetUnreachable) {
		t.Fatalf("expected ErrTargetUnreachable, got %v", err)
	}
	err = m.SendToSession(context.Background(), 42, session.GroupMint{RequestID: 1})
	if !errors.Is(err, transport.ErrTargetUnreachable) {
		t.Fatalf("expected ErrTargetUnreachable for unknown session, got %v", err)
	}
	err = m.SendToAuthority(context.Background(), session.GroupMint{RequestID: 1})
	if !errors.Is(err, transport.ErrTargetUnreachable) {
		t.Fatalf("expected ErrTargetUnreachable without authority, got %v", err)
	}
}

func TestHubBroadcastSkipsSender(t *testing.T) {
	testlog.Start(t)
	hub := NewHub()
	defer hub.Close()
	a, b, c := hub.Join(), hub.Join(), hub.Join()
	ma := transport.NewMessenger(a, staticResolver{})
	recA := newRecorder(ma)
	recB := newRecorder(transport.NewMessenger(b, staticResolver{}))
	recC := newRecorder(transport.NewMessenger(c, staticResolver{}))

	if err := ma.Broadcast(context.Background(), session.GroupMint{RequestID: 5}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	recB.wait(t, 1)
	recC.wait(t, 1)
	select {
	case <-recA.ch:
		t.Fatalf("sender received its own broadcast")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubAuthorityRouteAndLeaveHooks(t *testing.T) {
	testlog.Start(t)
	hub := NewHub()
	defer hub.Close()
	auth, peer := hub.Join(), hub.Join()
	hub.SetAuthority(auth)
	rec := newRecorder(transport.NewMessenger(auth, staticResolver{}))
	mp := transport.NewMessenger(peer, staticResolver{})

	var sent []Envelope
	var mu sync.Mutex
	hub.Observe(func(e Envelope) {
		mu.Lock()
		sent = append(sent, e)
		mu.Unlock()
	})
	left := make(chan protocol.SessionHandle, 1)
	hub.OnLeave(func(h protocol.SessionHandle) { left <- h })

	if err := mp.SendToAuthority(context.Background(), session.GroupMint{RequestID: 3}); err != nil {
		t.Fatalf("send to authority: %v", err)
	}
	rec.wait(t, 1)
	mu.Lock()
	if len(sent) != 1 || sent[0].Route.Kind != session.RouteAuthority || sent[0].From != peer.Local() {
		t.Fatalf("unexpected observed traffic: %+v", sent)
	}
	mu.Unlock()

	hub.Leave(peer)
	hub.Leave(peer)
	select {
	case h := <-left:
		if h != peer.Local() {
			t.Fatalf("leave hook got=%s want=%s", h, peer.Local())
		}
	case <-time.After(time.Second):
		t.Fatalf("leave hook not called")
	}
	<-peer.Done()
	if err := mp.SendToAuthority(context.Background(), session.GroupMint{RequestID: 4}); !errors.Is(err, transport.ErrLinkClosed) {
		t.Fatalf("expected ErrLinkClosed after leave, got %v", err)
	}
}
