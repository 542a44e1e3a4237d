// Package alignment moves a participant's tracking rig so that a localized
// anchor becomes the shared origin.
package alignment

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/danmuck/coloc/internal/anchor"
	"github.com/rs/zerolog/log"
)

// Executor aligns the local coordinate frame to a localized anchor.
type Executor interface {
	AlignSelfToAnchor(ctx context.Context, h anchor.Handle) error
}

var ErrNotAligned = errors.New("alignment: no anchor to realign to")

// RigTransform is the offset applied to the tracking rig.
type RigTransform struct {
	Position [3]float64
	Yaw      float64
}

// RigAligner is the reference Executor. It places the rig at the world
// origin expressed in the anchor's frame and cancels the anchor's heading.
type RigAligner struct {
	passes int

	mu        sync.Mutex
	rig       RigTransform
	current   *anchor.Handle
	listeners []func(anchor.Handle)
}

// NewRigAligner runs passes alignment passes per call. Tracking systems
// settle after the first pass moves the rig, so two is the usual value.
func NewRigAligner(passes int) *RigAligner {
	if passes < 1 {
		passes = 1
	}
	return &RigAligner{passes: passes}
}

func (r *RigAligner) AlignSelfToAnchor(ctx context.Context, h anchor.Handle) error {
	for i := 0; i < r.passes; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.mu.Lock()
		r.rig = rigFor(h.Pose)
		r.mu.Unlock()
	}

	r.mu.Lock()
	cur := h
	r.current = &cur
	rig := r.rig
	listeners := append([]func(anchor.Handle){}, r.listeners...)
	r.mu.Unlock()

	log.Info().Msgf("alignment.RigAligner aligned uuid=%s rig_pos=%v rig_yaw=%.2f", h.UUID, rig.Position, rig.Yaw)
	for _, fn := range listeners {
		fn(h)
	}
	return nil
}

// Realign repeats the last alignment, e.g. after the user recentered.
func (r *RigAligner) Realign(ctx context.Context) error {
	r.mu.Lock()
	cur := r.current
	r.mu.Unlock()
	if cur == nil {
		return ErrNotAligned
	}
	return r.AlignSelfToAnchor(ctx, *cur)
}

// OnAfterAlignment registers fn to run after every completed alignment.
func (r *RigAligner) OnAfterAlignment(fn func(anchor.Handle)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *RigAligner) Rig() RigTransform {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rig
}

func (r *RigAligner) Current() (anchor.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return anchor.Handle{}, false
	}
	return *r.current, true
}

// rigFor maps the world origin into the anchor's frame: translate by the
// negated anchor position, then rotate by the negated anchor yaw.
func rigFor(p anchor.Pose) RigTransform {
	rad := p.Yaw * math.Pi / 180
	sin, cos := math.Sincos(rad)
	x, y, z := -p.Position[0], -p.Position[1], -p.Position[2]
	return RigTransform{
		Position: [3]float64{x*cos - z*sin, y, x*sin + z*cos},
		Yaw:      -p.Yaw,
	}
}
