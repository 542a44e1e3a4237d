// Package identity maps durable participant identities to the session
// handles and devices they are currently connected with.
//
// One node holds the authoritative table and publishes a versioned
// snapshot after every change; every other node keeps a replica and
// forwards its changes to the authority.
package identity

import (
	"errors"
	"slices"
	"sync"

	"github.com/danmuck/coloc/internal/protocol"
	"github.com/rs/zerolog/log"
)

var ErrDuplicateIdentity = errors.New("identity: duplicate identity")

// DuplicatePolicy decides what Register does when a key is already mapped.
type DuplicatePolicy int

const (
	// AllowDuplicates appends; lookups return the first match.
	AllowDuplicates DuplicatePolicy = iota
	// ReplaceExisting drops every entry sharing any key with the new one.
	ReplaceExisting
	// RejectDuplicates refuses the registration with ErrDuplicateIdentity.
	RejectDuplicates
)

type Options struct {
	Duplicates DuplicatePolicy
}

// Forwarder carries replica changes to the authority.
type Forwarder interface {
	ForwardIdentity(m Mutation) error
}

// Publisher distributes authority snapshots to replicas.
type Publisher interface {
	PublishIdentities(s Snapshot) error
}

type Router struct {
	mu        sync.RWMutex
	authority bool
	fwd       Forwarder
	pub       Publisher
	opts      Options
	version   uint64
	table     []Mapping
}

func NewAuthority(pub Publisher, opts Options) *Router {
	return &Router{authority: true, pub: pub, opts: opts}
}

func NewReplica(fwd Forwarder, opts Options) *Router {
	return &Router{fwd: fwd, opts: opts}
}

func (r *Router) IsAuthority() bool {
	return r.authority
}

// Register maps stable, session and device together. On a replica the
// change is visible once the authority's next snapshot arrives.
func (r *Router) Register(stable protocol.StableID, session protocol.SessionHandle, device protocol.DeviceID) error {
	m := Mapping{Stable: stable, Session: session, Device: device}
	if err := m.Validate(); err != nil {
		return err
	}
	if r.opts.Duplicates == RejectDuplicates {
		r.mu.RLock()
		dup := r.conflicts(m)
		r.mu.RUnlock()
		if dup {
			return ErrDuplicateIdentity
		}
	}
	_, err := r.submit(Mutation{Op: OpRegister, Mapping: m})
	return err
}

func (r *Router) LookupBySession(h protocol.SessionHandle) (Mapping, bool) {
	return r.find(func(m Mapping) bool { return m.Session == h })
}

func (r *Router) LookupByStable(id protocol.StableID) (Mapping, bool) {
	return r.find(func(m Mapping) bool { return m.Stable == id })
}

func (r *Router) LookupByDevice(id protocol.DeviceID) (Mapping, bool) {
	return r.find(func(m Mapping) bool { return m.Device == id })
}

// RemoveBySession drops the mapping for h. It reports whether a mapping was
// present; removing an absent key does nothing.
func (r *Router) RemoveBySession(h protocol.SessionHandle) bool {
	return r.remove(Mutation{Op: OpRemoveBySession, Mapping: Mapping{Session: h}})
}

func (r *Router) RemoveByStable(id protocol.StableID) bool {
	return r.remove(Mutation{Op: OpRemoveByStable, Mapping: Mapping{Stable: id}})
}

func (r *Router) RemoveByDevice(id protocol.DeviceID) bool {
	return r.remove(Mutation{Op: OpRemoveByDevice, Mapping: Mapping{Device: id}})
}

// SessionForStable and SessionForDevice let a transport address peers by
// durable identity.
func (r *Router) SessionForStable(id protocol.StableID) (protocol.SessionHandle, bool) {
	m, ok := r.LookupByStable(id)
	return m.Session, ok
}

func (r *Router) SessionForDevice(id protocol.DeviceID) (protocol.SessionHandle, bool) {
	m, ok := r.LookupByDevice(id)
	return m.Session, ok
}

func (r *Router) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Snapshot{Version: r.version, Mappings: slices.Clone(r.table)}
}

// ApplySnapshot replaces a replica's table when s is newer than what it
// holds. It reports whether s was applied.
func (r *Router) ApplySnapshot(s Snapshot) bool {
	if r.authority {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.Version <= r.version {
		return false
	}
	r.version = s.Version
	r.table = slices.Clone(s.Mappings)
	return true
}

// Apply executes m on the authority and publishes the result. It reports
// whether the table changed.
func (r *Router) Apply(m Mutation) (bool, error) {
	if !r.authority {
		return false, errors.New("identity: apply on replica")
	}
	if err := m.Validate(); err != nil {
		return false, err
	}
	r.mu.Lock()
	changed, err := r.applyLocked(m)
	if !changed || err != nil {
		r.mu.Unlock()
		return changed, err
	}
	r.version++
	snap := Snapshot{Version: r.version, Mappings: slices.Clone(r.table)}
	r.mu.Unlock()

	if r.pub != nil {
		if err := r.pub.PublishIdentities(snap); err != nil {
			log.Warn().Msgf("identity.Router.Apply publish version=%d err=%v", snap.Version, err)
		}
	}
	return true, nil
}

// Republish sends the current table again, for nodes that joined late.
func (r *Router) Republish() {
	if !r.authority || r.pub == nil {
		return
	}
	snap := r.Snapshot()
	if err := r.pub.PublishIdentities(snap); err != nil {
		log.Warn().Msgf("identity.Router.Republish version=%d err=%v", snap.Version, err)
	}
}

func (r *Router) submit(m Mutation) (bool, error) {
	if r.authority {
		return r.Apply(m)
	}
	if err := r.fwd.ForwardIdentity(m); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Router) remove(m Mutation) bool {
	r.mu.RLock()
	present := slices.IndexFunc(r.table, matcher(m)) >= 0
	r.mu.RUnlock()
	if !present {
		return false
	}
	if _, err := r.submit(m); err != nil {
		log.Warn().Msgf("identity.Router.remove op=%s err=%v", m.Op, err)
		return false
	}
	return true
}

func (r *Router) find(match func(Mapping) bool) (Mapping, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.table {
		if match(m) {
			return m, true
		}
	}
	return Mapping{}, false
}

func (r *Router) conflicts(m Mapping) bool {
	for _, cur := range r.table {
		if cur.Stable == m.Stable || cur.Session == m.Session || cur.Device == m.Device {
			return true
		}
	}
	return false
}

func (r *Router) applyLocked(m Mutation) (bool, error) {
	switch m.Op {
	case OpRegister:
		switch r.opts.Duplicates {
		case RejectDuplicates:
			if r.conflicts(m.Mapping) {
				log.Warn().Msgf("identity.Router.Apply reject duplicate stable=%s session=%s", m.Mapping.Stable, m.Mapping.Session)
				return false, ErrDuplicateIdentity
			}
		case ReplaceExisting:
			r.table = slices.DeleteFunc(r.table, func(cur Mapping) bool {
				return cur.Stable == m.Mapping.Stable || cur.Session == m.Mapping.Session || cur.Device == m.Mapping.Device
			})
		}
		r.table = append(r.table, m.Mapping)
		return true, nil
	default:
		// one removal takes out all three keys of the first matching entry
		i := slices.IndexFunc(r.table, matcher(m))
		if i < 0 {
			return false, nil
		}
		r.table = slices.Delete(r.table, i, i+1)
		return true, nil
	}
}

func matcher(m Mutation) func(Mapping) bool {
	switch m.Op {
	case OpRemoveBySession:
		return func(cur Mapping) bool { return cur.Session == m.Mapping.Session }
	case OpRemoveByStable:
		return func(cur Mapping) bool { return cur.Stable == m.Mapping.Stable }
	case OpRemoveByDevice:
		return func(cur Mapping) bool { return cur.Device == m.Mapping.Device }
	default:
		return func(Mapping) bool { return false }
	}
}
