package sqlstore

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/danmuck/coloc/internal/anchor"
	"github.com/danmuck/coloc/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Manager is one participant's anchor backend over a shared Store. It keeps
// the anchors this participant created, the anchors it localized from
// others, and the users it shares them with.
type Manager struct {
	self  protocol.StableID
	store *Store

	mu       sync.Mutex
	local    []anchor.Handle
	retained []anchor.Handle
	users    []protocol.StableID
}

func NewManager(self protocol.StableID, store *Store) *Manager {
	return &Manager{self: self, store: store}
}

func (m *Manager) CreateAnchor(ctx context.Context, pose anchor.Pose) (anchor.Handle, error) {
	if err := ctx.Err(); err != nil {
		return anchor.Handle{}, err
	}
	h := anchor.Handle{UUID: uuid.NewString(), Pose: pose, Owner: m.self}
	m.mu.Lock()
	m.local = append(m.local, h)
	m.mu.Unlock()
	log.Debug().Msgf("sqlstore.Manager.CreateAnchor self=%s uuid=%s", m.self, h.UUID)
	return h, nil
}

func (m *Manager) PersistToStore(ctx context.Context, handles []anchor.Handle) (bool, error) {
	if len(handles) == 0 {
		return true, nil
	}
	if err := m.store.SaveAnchors(ctx, handles); err != nil {
		return false, err
	}
	return true, nil
}

// GrantAccess adds user to the share list and grants it every anchor this
// participant holds, including ones it localized from the original owner.
// That lets a group member stand in for an owner who left.
func (m *Manager) GrantAccess(ctx context.Context, user protocol.StableID) (bool, error) {
	m.mu.Lock()
	if !slices.Contains(m.users, user) {
		m.users = append(m.users, user)
	}
	local := slices.Concat(m.local, m.retained)
	m.mu.Unlock()

	if len(local) == 0 {
		log.Info().Msgf("sqlstore.Manager.GrantAccess self=%s user=%s no anchors to share", m.self, user)
		return true, nil
	}
	for _, h := range local {
		if err := m.store.Grant(ctx, h.UUID, user); err != nil {
			return false, err
		}
	}
	return true, nil
}

// StopSharingWith removes user from the share list and revokes its grants.
func (m *Manager) StopSharingWith(ctx context.Context, user protocol.StableID) error {
	m.mu.Lock()
	m.users = slices.DeleteFunc(m.users, func(u protocol.StableID) bool { return u == user })
	local := slices.Clone(m.local)
	m.mu.Unlock()

	for _, h := range local {
		if err := m.store.Revoke(ctx, h.UUID, user); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) Retrieve(ctx context.Context, uuids []string) ([]anchor.Handle, error) {
	if len(uuids) > anchor.MaxRetrieveBatch {
		return nil, fmt.Errorf("%w: %d > %d", anchor.ErrTooManyUUIDs, len(uuids), anchor.MaxRetrieveBatch)
	}
	found, err := m.store.Load(ctx, m.self, uuids)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	for _, h := range found {
		if h.Owner == m.self || slices.ContainsFunc(m.retained, func(r anchor.Handle) bool { return r.UUID == h.UUID }) {
			continue
		}
		m.retained = append(m.retained, h)
	}
	m.mu.Unlock()
	return found, nil
}

func (m *Manager) LocalAnchors() []anchor.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.local)
}

// RetainedAnchors are anchors owned by others that this participant localized.
func (m *Manager) RetainedAnchors() []anchor.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.retained)
}

func (m *Manager) SharedWith() []protocol.StableID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.users)
}
