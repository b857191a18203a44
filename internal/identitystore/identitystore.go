// Package identitystore implements the anonymous identity lifecycle:
// create-or-get by hashed address, last-active tracking, and idle eviction.
package identitystore

import (
	"context"
	"time"

	"github.com/studyrooms/backend/internal/identity"
	"github.com/studyrooms/backend/internal/store"
)

// IdleThreshold is how long a principal with no active membership may sit
// untouched before EvictIdle reclaims it.
const IdleThreshold = 30 * time.Minute

// Store is the identity lifecycle's persistence dependency; store.Store
// satisfies it.
type Store interface {
	RunTx(ctx context.Context, fn func(ctx context.Context, tx store.TxQuerier) error) error
}

// IdentityStore owns the Principal entity.
type IdentityStore struct {
	db Store
}

// New builds an IdentityStore over a transactional Store.
func New(db Store) *IdentityStore {
	return &IdentityStore{db: db}
}

// Upsert inserts a new Principal if hashedAddress is unseen, otherwise
// refreshes its display name and last-active timestamp. displayName must
// already be validated; it is sanitized here before storage.
func (s *IdentityStore) Upsert(ctx context.Context, hashedAddress, displayName string) (store.Principal, error) {
	sanitized := identity.SanitizeDisplayName(displayName)

	var principal store.Principal
	err := s.db.RunTx(ctx, func(ctx context.Context, tx store.TxQuerier) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO principals (hashed_address, display_name, created_at, last_active_at)
			VALUES ($1, $2, now(), now())
			ON CONFLICT (hashed_address) DO UPDATE
				SET display_name = EXCLUDED.display_name, last_active_at = now()
			RETURNING hashed_address, display_name, created_at, last_active_at`,
			hashedAddress, sanitized,
		)
		return row.Scan(&principal.HashedAddress, &principal.DisplayName, &principal.CreatedAt, &principal.LastActiveAt)
	})
	return principal, err
}

// Touch refreshes last_active_at for an existing principal. It is a no-op
// (not an error) if the principal no longer exists.
func (s *IdentityStore) Touch(ctx context.Context, principalID string) error {
	return s.db.RunTx(ctx, func(ctx context.Context, tx store.TxQuerier) error {
		_, err := tx.Exec(ctx, `UPDATE principals SET last_active_at = now() WHERE hashed_address = $1`, principalID)
		return err
	})
}

// EvictIdle deletes principals whose last_active_at predates the idle
// threshold and who hold no current membership, returning the count
// removed. Deletion of a principal cascades to its memberships at the
// schema level, but idle principals with a live membership are excluded by
// this query's own join, not by relying on cascade to skip them.
func (s *IdentityStore) EvictIdle(ctx context.Context) (int64, error) {
	var removed int64
	err := s.db.RunTx(ctx, func(ctx context.Context, tx store.TxQuerier) error {
		tag, err := tx.Exec(ctx, `
			DELETE FROM principals p
			WHERE p.last_active_at < now() - make_interval(secs => $1)
			  AND NOT EXISTS (
				SELECT 1 FROM memberships m WHERE m.principal_id = p.hashed_address
			  )`,
			IdleThreshold.Seconds(),
		)
		if err != nil {
			return err
		}
		removed = tag.RowsAffected()
		return nil
	})
	return removed, err
}
