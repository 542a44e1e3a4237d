package colocation

import (
	"context"
	"sync"

	"github.com/danmuck/coloc/internal/anchor"
	"github.com/danmuck/coloc/internal/directory"
	"github.com/danmuck/coloc/internal/protocol"
)

// Attempt is the pending result of one share-and-localize handshake. It
// resolves exactly once.
type Attempt struct {
	anchor directory.Anchor
	done   chan struct{}
	once   sync.Once

	// written before done is closed
	requestID uint64
	target    protocol.StableID
	ok        bool
	handle    anchor.Handle
	err       error
}

func newAttempt(a directory.Anchor) *Attempt {
	return &Attempt{anchor: a, done: make(chan struct{})}
}

func (a *Attempt) Anchor() directory.Anchor {
	return a.anchor
}

// Done is closed when the attempt resolves.
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Result blocks until the attempt resolves. The bool is the outcome; the
// error explains a false outcome.
func (a *Attempt) Result() (bool, error) {
	<-a.done
	return a.ok, a.err
}

// Wait is Result bounded by ctx.
func (a *Attempt) Wait(ctx context.Context) (bool, error) {
	select {
	case <-a.done:
		return a.ok, a.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Handle is the localized anchor of a successful attempt.
func (a *Attempt) Handle() anchor.Handle {
	<-a.done
	return a.handle
}

// RequestID is zero when no share request was sent.
func (a *Attempt) RequestID() uint64 {
	<-a.done
	return a.requestID
}

// Target is the participant the share request went to.
func (a *Attempt) Target() protocol.StableID {
	<-a.done
	return a.target
}

func (a *Attempt) resolve(ok bool, h anchor.Handle, err error) {
	a.once.Do(func() {
		a.ok = ok
		a.handle = h
		a.err = err
		close(a.done)
	})
}
