// Package anchor defines the spatial anchor backend used by colocation:
// creating an anchor at a pose, saving it to shared storage, granting other
// participants access, and retrieving anchors by uuid.
package anchor

import (
	"context"
	"errors"

	"github.com/danmuck/coloc/internal/protocol"
)

// MaxRetrieveBatch caps the uuids accepted by one Retrieve call.
const MaxRetrieveBatch = 50

var ErrTooManyUUIDs = errors.New("anchor: too many uuids in one retrieve")

// Pose is a position in meters and a heading in degrees about the vertical
// axis.
type Pose struct {
	Position [3]float64 `json:"position"`
	Yaw      float64    `json:"yaw"`
}

// Origin is the local origin pose used when creating a colocated space.
var Origin = Pose{}

// Handle is a created or localized anchor.
type Handle struct {
	UUID  string            `json:"uuid"`
	Pose  Pose              `json:"pose"`
	Owner protocol.StableID `json:"owner"`
}

// Backend creates, persists, shares and retrieves anchors. Calls block
// until the backend answers or ctx ends.
type Backend interface {
	CreateAnchor(ctx context.Context, pose Pose) (Handle, error)
	PersistToStore(ctx context.Context, handles []Handle) (bool, error)
	// GrantAccess lets user retrieve every anchor this participant created.
	// Having nothing to share counts as success.
	GrantAccess(ctx context.Context, user protocol.StableID) (bool, error)
	// Retrieve returns the anchors among uuids visible to the caller.
	Retrieve(ctx context.Context, uuids []string) ([]Handle, error)
}
