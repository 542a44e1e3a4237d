// Package directory is the replicated list of anchors, participants and the
// colocation group counter shared by every node in a session.
//
// The authority applies every change and publishes a versioned snapshot.
// Replicas forward changes and only observe them when a newer snapshot
// arrives; the one exception is IncrementGroupCount, which waits for the
// authority's reply because the caller needs the minted id.
package directory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/danmuck/coloc/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	ErrMintUnavailable  = errors.New("directory: group mint unavailable")
	ErrCapacityExceeded = errors.New("directory: capacity exceeded")
	ErrApplyOnReplica   = errors.New("directory: apply on replica")
)

const DefaultCapacity = 64

// DuplicatePolicy decides what AddParticipant does for an id already listed.
type DuplicatePolicy int

const (
	// AllowDuplicates appends another entry.
	AllowDuplicates DuplicatePolicy = iota
	// ReplaceExisting drops earlier entries for the same id first.
	ReplaceExisting
)

type Options struct {
	Duplicates DuplicatePolicy
	// Capacity bounds each list. Zero means DefaultCapacity.
	Capacity int
}

// Forwarder carries replica calls to the authority.
type Forwarder interface {
	ForwardMutation(ctx context.Context, m Mutation) error
	MintGroup(ctx context.Context) (protocol.GroupID, error)
}

// Publisher distributes authority snapshots.
type Publisher interface {
	PublishSnapshot(s Snapshot) error
}

type Directory struct {
	mu           sync.RWMutex
	authority    bool
	fwd          Forwarder
	pub          Publisher
	opts         Options
	version      uint64
	groupCount   protocol.GroupID
	anchors      []Anchor
	participants []Participant
}

func NewAuthority(pub Publisher, opts Options) *Directory {
	return &Directory{authority: true, pub: pub, opts: withDefaults(opts)}
}

func NewReplica(fwd Forwarder, opts Options) *Directory {
	return &Directory{fwd: fwd, opts: withDefaults(opts)}
}

func withDefaults(opts Options) Options {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	return opts
}

func (d *Directory) IsAuthority() bool {
	return d.authority
}

func (d *Directory) AddParticipant(ctx context.Context, p Participant) error {
	return d.submit(ctx, Mutation{Op: OpAddParticipant, Participant: p})
}

// RemoveParticipant drops the first entry equal to p.
func (d *Directory) RemoveParticipant(ctx context.Context, p Participant) error {
	return d.submit(ctx, Mutation{Op: OpRemoveParticipant, Participant: p})
}

func (d *Directory) AddAnchor(ctx context.Context, a Anchor) error {
	if err := a.Validate(); err != nil {
		return err
	}
	return d.submit(ctx, Mutation{Op: OpAddAnchor, Anchor: a})
}

// RemoveAnchor drops the anchor with a's uuid.
func (d *Directory) RemoveAnchor(ctx context.Context, a Anchor) error {
	return d.submit(ctx, Mutation{Op: OpRemoveAnchor, Anchor: a})
}

// GetParticipant returns the first entry for id.
func (d *Directory) GetParticipant(id protocol.StableID) (Participant, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, p := range d.participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

func (d *Directory) GetAllParticipants() []Participant {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.participants)
}

func (d *Directory) GetFirstParticipantInGroup(group protocol.GroupID) (Participant, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, p := range d.participants {
		if p.GroupID == group {
			return p, true
		}
	}
	return Participant{}, false
}

func (d *Directory) GetAnchor(uuid string) (Anchor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, a := range d.anchors {
		if a.UUID == uuid {
			return a, true
		}
	}
	return Anchor{}, false
}

func (d *Directory) GetAnchorByOwner(owner protocol.StableID) (Anchor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, a := range d.anchors {
		if a.Owner == owner {
			return a, true
		}
	}
	return Anchor{}, false
}

func (d *Directory) GetAllAnchors() []Anchor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.anchors)
}

func (d *Directory) GetGroupCount() protocol.GroupID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.groupCount
}

// IncrementGroupCount mints a fresh group id: the counter's value before the
// increment. Concurrent callers on any node get distinct, increasing ids.
func (d *Directory) IncrementGroupCount(ctx context.Context) (protocol.GroupID, error) {
	if !d.authority {
		id, err := d.fwd.MintGroup(ctx)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrMintUnavailable, err)
		}
		return id, nil
	}
	d.mu.Lock()
	id := d.groupCount
	d.groupCount++
	d.version++
	snap := d.snapshotLocked()
	d.mu.Unlock()

	log.Debug().Msgf("directory.IncrementGroupCount minted=%d version=%d", id, snap.Version)
	d.publish(snap)
	return id, nil
}

func (d *Directory) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snapshotLocked()
}

// ApplySnapshot replaces a replica's state when s is newer. It reports
// whether s was applied.
func (d *Directory) ApplySnapshot(s Snapshot) bool {
	if d.authority {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if s.Version <= d.version {
		return false
	}
	d.version = s.Version
	d.groupCount = s.GroupCount
	d.anchors = slices.Clone(s.Anchors)
	d.participants = slices.Clone(s.Participants)
	return true
}

// Apply executes m on the authority and publishes the new snapshot. It
// reports whether state changed.
func (d *Directory) Apply(m Mutation) (bool, error) {
	if !d.authority {
		return false, ErrApplyOnReplica
	}
	if err := m.Validate(); err != nil {
		return false, err
	}
	d.mu.Lock()
	changed, err := d.applyLocked(m)
	if !changed || err != nil {
		d.mu.Unlock()
		return changed, err
	}
	d.version++
	snap := d.snapshotLocked()
	d.mu.Unlock()

	d.publish(snap)
	return true, nil
}

// Republish sends the current snapshot again, for nodes that joined late.
func (d *Directory) Republish() {
	if !d.authority {
		return
	}
	d.publish(d.Snapshot())
}

func (d *Directory) submit(ctx context.Context, m Mutation) error {
	if d.authority {
		_, err := d.Apply(m)
		return err
	}
	if err := m.Validate(); err != nil {
		return err
	}
	return d.fwd.ForwardMutation(ctx, m)
}

func (d *Directory) publish(snap Snapshot) {
	if d.pub == nil {
		return
	}
	if err := d.pub.PublishSnapshot(snap); err != nil {
		log.Warn().Msgf("directory.publish version=%d err=%v", snap.Version, err)
	}
}

func (d *Directory) snapshotLocked() Snapshot {
	return Snapshot{
		Version:      d.version,
		GroupCount:   d.groupCount,
		Anchors:      slices.Clone(d.anchors),
		Participants: slices.Clone(d.participants),
	}
}

func (d *Directory) applyLocked(m Mutation) (bool, error) {
	switch m.Op {
	case OpAddParticipant:
		if d.opts.Duplicates == ReplaceExisting {
			d.participants = slices.DeleteFunc(d.participants, func(p Participant) bool {
				return p.ID == m.Participant.ID
			})
		}
		if len(d.participants) >= d.opts.Capacity {
			return false, fmt.Errorf("%w: participants=%d", ErrCapacityExceeded, len(d.participants))
		}
		d.participants = append(d.participants, m.Participant)
		return true, nil
	case OpRemoveParticipant:
		i := slices.Index(d.participants, m.Participant)
		if i < 0 {
			return false, nil
		}
		d.participants = slices.Delete(d.participants, i, i+1)
		return true, nil
	case OpAddAnchor:
		if len(d.anchors) >= d.opts.Capacity {
			return false, fmt.Errorf("%w: anchors=%d", ErrCapacityExceeded, len(d.anchors))
		}
		d.anchors = append(d.anchors, m.Anchor)
		return true, nil
	case OpRemoveAnchor:
		i := slices.IndexFunc(d.anchors, func(a Anchor) bool { return a.UUID == m.Anchor.UUID })
		if i < 0 {
			return false, nil
		}
		d.anchors = slices.Delete(d.anchors, i, i+1)
		return true, nil
	default:
		return false, fmt.Errorf("directory: unknown mutation op %d", uint8(m.Op))
	}
}
