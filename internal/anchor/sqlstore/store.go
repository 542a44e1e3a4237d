// Package sqlstore is a SQLite-backed anchor backend. Store is the shared
// "cloud" that holds saved anchors and access grants; Manager is one
// participant's view of it and implements anchor.Backend.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/coloc/internal/anchor"
	"github.com/danmuck/coloc/internal/anchor/sqlstore/migrations"
	"github.com/danmuck/coloc/internal/protocol"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

// Open opens the store at path and applies the embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlstore: storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveAnchors upserts handles under their owners in one transaction.
func (s *Store) SaveAnchors(ctx context.Context, handles []anchor.Handle) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin save: %w", err)
	}
	now := time.Now().UTC().UnixMilli()
	for _, h := range handles {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO anchors (uuid, owner_id, pos_x, pos_y, pos_z, yaw, saved_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (uuid) DO UPDATE SET
    pos_x = excluded.pos_x,
    pos_y = excluded.pos_y,
    pos_z = excluded.pos_z,
    yaw = excluded.yaw,
    saved_at = excluded.saved_at`,
			h.UUID, int64(h.Owner),
			h.Pose.Position[0], h.Pose.Position[1], h.Pose.Position[2], h.Pose.Yaw,
			now,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlstore: save anchor %s: %w", h.UUID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlstore: commit save: %w", err)
	}
	return nil
}

// Grant lets user load the saved anchor uuid. Granting twice is a no-op.
func (s *Store) Grant(ctx context.Context, uuid string, user protocol.StableID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO anchor_grants (anchor_uuid, user_id, granted_at) VALUES (?, ?, ?)`,
		uuid, int64(user), time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("sqlstore: grant %s to %s: %w", uuid, user, err)
	}
	return nil
}

func (s *Store) Revoke(ctx context.Context, uuid string, user protocol.StableID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM anchor_grants WHERE anchor_uuid = ? AND user_id = ?`,
		uuid, int64(user),
	)
	if err != nil {
		return fmt.Errorf("sqlstore: revoke %s from %s: %w", uuid, user, err)
	}
	return nil
}

// Load returns the anchors among uuids that viewer owns or was granted, in
// the order requested.
func (s *Store) Load(ctx context.Context, viewer protocol.StableID, uuids []string) ([]anchor.Handle, error) {
	if len(uuids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(uuids)), ",")
	args := make([]any, 0, len(uuids)+2)
	for _, u := range uuids {
		args = append(args, u)
	}
	args = append(args, int64(viewer), int64(viewer))

	rows, err := s.db.QueryContext(ctx, `
SELECT a.uuid, a.owner_id, a.pos_x, a.pos_y, a.pos_z, a.yaw
FROM anchors a
WHERE a.uuid IN (`+placeholders+`)
  AND (a.owner_id = ? OR EXISTS (
      SELECT 1 FROM anchor_grants g WHERE g.anchor_uuid = a.uuid AND g.user_id = ?
  ))`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: load anchors: %w", err)
	}
	defer rows.Close()

	found := make(map[string]anchor.Handle, len(uuids))
	for rows.Next() {
		var (
			h     anchor.Handle
			owner int64
		)
		if err := rows.Scan(&h.UUID, &owner, &h.Pose.Position[0], &h.Pose.Position[1], &h.Pose.Position[2], &h.Pose.Yaw); err != nil {
			return nil, fmt.Errorf("sqlstore: scan anchor: %w", err)
		}
		h.Owner = protocol.StableID(owner)
		found[h.UUID] = h
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: load anchors: %w", err)
	}

	out := make([]anchor.Handle, 0, len(found))
	for _, u := range uuids {
		if h, ok := found[u]; ok {
			out = append(out, h)
			delete(found, u)
		}
	}
	return out, nil
}
