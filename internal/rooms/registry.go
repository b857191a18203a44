// Package rooms implements the Room Registry: a fixed set of rooms with
// capacity and occupancy, atomic join/leave enforcing 0 <= occupancy <=
// capacity and at most one active room per principal.
package rooms

import (
	"errors"
	"time"

	"context"

	"github.com/jackc/pgx/v5"

	"github.com/studyrooms/backend/internal/apperr"
	"github.com/studyrooms/backend/internal/config"
	"github.com/studyrooms/backend/internal/store"
)

// Store is the registry's persistence dependency.
type Store interface {
	RunTx(ctx context.Context, fn func(ctx context.Context, tx store.TxQuerier) error) error
}

// Registry owns Room and Membership.
type Registry struct {
	db Store
}

// New builds a Registry over a transactional Store.
func New(db Store) *Registry {
	return &Registry{db: db}
}

// JoinResult is returned on a successful join.
type JoinResult struct {
	RoomID    string
	JoinedAt  time.Time
	Occupancy int
}

// errIntegrityViolation marks the occupancy-underflow guard failing, which
// the spec treats as fatal: it can only happen if Membership and Room
// occupancy have already drifted out of sync.
var errIntegrityViolation = errors.New("rooms: occupancy underflow guard tripped")

// Join executes the five-step join transaction: lock the room row, check
// for an existing membership, check capacity, insert the membership, and
// bump occupancy.
func (r *Registry) Join(ctx context.Context, principalID, roomID string) (JoinResult, *apperr.Error) {
	var result JoinResult

	err := r.db.RunTx(ctx, func(ctx context.Context, tx store.TxQuerier) error {
		var locked bool
		var capacity, occupancy int
		row := tx.QueryRow(ctx, `SELECT capacity, occupancy, locked FROM rooms WHERE id = $1 FOR UPDATE`, roomID)
		if scanErr := row.Scan(&capacity, &occupancy, &locked); scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return apperr.New(apperr.RoomNotFound, "room does not exist")
			}
			return scanErr
		}
		if locked {
			return apperr.New(apperr.RoomLocked, "room is locked")
		}

		var existingRoom string
		existsRow := tx.QueryRow(ctx, `SELECT room_id FROM memberships WHERE principal_id = $1`, principalID)
		switch scanErr := existsRow.Scan(&existingRoom); {
		case scanErr == nil:
			return apperr.New(apperr.AlreadyInRoom, "principal already has an active membership")
		case errors.Is(scanErr, pgx.ErrNoRows):
			// no existing membership; fall through
		default:
			return scanErr
		}

		if occupancy >= capacity {
			return apperr.New(apperr.RoomFull, "room is at capacity")
		}

		var joinedAt time.Time
		insertRow := tx.QueryRow(ctx, `
			INSERT INTO memberships (room_id, principal_id, joined_at, video_on, audio_on)
			VALUES ($1, $2, now(), false, false)
			RETURNING joined_at`,
			roomID, principalID,
		)
		if scanErr := insertRow.Scan(&joinedAt); scanErr != nil {
			return scanErr
		}

		var newOccupancy int
		occRow := tx.QueryRow(ctx, `UPDATE rooms SET occupancy = occupancy + 1 WHERE id = $1 RETURNING occupancy`, roomID)
		if scanErr := occRow.Scan(&newOccupancy); scanErr != nil {
			return scanErr
		}

		result = JoinResult{RoomID: roomID, JoinedAt: joinedAt, Occupancy: newOccupancy}
		return nil
	})

	if err == nil {
		return result, nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return JoinResult{}, appErr
	}
	return JoinResult{}, apperr.New(apperr.Internal, "join failed")
}

// Verify confirms principalID already holds a Membership in roomID and
// reports the room's current occupancy, without creating or mutating
// anything. This is what the Session Gateway calls on handshake: by the
// time a client opens `/room/{id}`, it has already joined over the HTTP
// surface (which is what actually runs the five-step Join transaction and
// enforces capacity); the gateway only binds a live connection to that
// existing membership. See DESIGN.md for why the gateway does not call
// Join itself.
func (r *Registry) Verify(ctx context.Context, principalID, roomID string) (JoinResult, *apperr.Error) {
	var result JoinResult

	err := r.db.RunTx(ctx, func(ctx context.Context, tx store.TxQuerier) error {
		var existingRoom string
		var joinedAt time.Time
		row := tx.QueryRow(ctx, `SELECT room_id, joined_at FROM memberships WHERE principal_id = $1`, principalID)
		if scanErr := row.Scan(&existingRoom, &joinedAt); scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return apperr.New(apperr.NotAMember, "principal has no active membership")
			}
			return scanErr
		}
		if existingRoom != roomID {
			return apperr.New(apperr.NotAMember, "principal's membership is in a different room")
		}

		var occupancy int
		occRow := tx.QueryRow(ctx, `SELECT occupancy FROM rooms WHERE id = $1`, roomID)
		if scanErr := occRow.Scan(&occupancy); scanErr != nil {
			return scanErr
		}

		result = JoinResult{RoomID: roomID, JoinedAt: joinedAt, Occupancy: occupancy}
		return nil
	})

	if err == nil {
		return result, nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return JoinResult{}, appErr
	}
	return JoinResult{}, apperr.New(apperr.Internal, "membership verification failed")
}

// Participant is one room member as surfaced by the join response and the
// room-detail read path.
type Participant struct {
	PrincipalID string
	DisplayName string
	VideoOn     bool
	AudioOn     bool
	JoinedAt    time.Time
}

// Participants lists everyone currently in roomID, joined against the
// identity store for display names the way the teacher's GetRoomsByUser
// joins rooms against room_members.
func (r *Registry) Participants(ctx context.Context, roomID string) ([]Participant, error) {
	var participants []Participant
	err := r.db.RunTx(ctx, func(ctx context.Context, tx store.TxQuerier) error {
		rows, queryErr := tx.Query(ctx, `
			SELECT m.principal_id, p.display_name, m.video_on, m.audio_on, m.joined_at
			FROM memberships m
			JOIN principals p ON p.hashed_address = m.principal_id
			WHERE m.room_id = $1
			ORDER BY m.joined_at`,
			roomID,
		)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()

		for rows.Next() {
			var p Participant
			if scanErr := rows.Scan(&p.PrincipalID, &p.DisplayName, &p.VideoOn, &p.AudioOn, &p.JoinedAt); scanErr != nil {
				return scanErr
			}
			participants = append(participants, p)
		}
		return rows.Err()
	})
	return participants, err
}

// LeaveResult is returned on a successful leave.
type LeaveResult struct {
	Duration  time.Duration
	Occupancy int
}

// Leave executes the leave transaction and returns the completed session's
// duration and the room's resulting occupancy (for the lobby's
// occupancy-update broadcast).
func (r *Registry) Leave(ctx context.Context, principalID, roomID string) (LeaveResult, *apperr.Error) {
	var result LeaveResult

	err := r.db.RunTx(ctx, func(ctx context.Context, tx store.TxQuerier) error {
		var joinedAt time.Time
		row := tx.QueryRow(ctx, `DELETE FROM memberships WHERE room_id = $1 AND principal_id = $2 RETURNING joined_at`, roomID, principalID)
		if scanErr := row.Scan(&joinedAt); scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return apperr.New(apperr.NotAMember, "principal is not a member of this room")
			}
			return scanErr
		}

		occupancy, decErr := decrementOccupancy(ctx, tx, roomID)
		if decErr != nil {
			return decErr
		}

		result = LeaveResult{Duration: time.Since(joinedAt), Occupancy: occupancy}
		return nil
	})

	if err == nil {
		return result, nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return LeaveResult{}, appErr
	}
	return LeaveResult{}, apperr.New(apperr.Internal, "leave failed: occupancy integrity violation")
}

// ForceRemoveResult is returned by ForceRemove when a membership was
// actually removed.
type ForceRemoveResult struct {
	Removed   bool
	Occupancy int
}

// ForceRemove is Leave's idempotent counterpart for CG-driven teardown
// (disconnect, idle eviction, kick): a missing membership is not an error.
func (r *Registry) ForceRemove(ctx context.Context, principalID, roomID string) (ForceRemoveResult, error) {
	var result ForceRemoveResult
	err := r.db.RunTx(ctx, func(ctx context.Context, tx store.TxQuerier) error {
		row := tx.QueryRow(ctx, `DELETE FROM memberships WHERE room_id = $1 AND principal_id = $2 RETURNING joined_at`, roomID, principalID)
		var joinedAt time.Time
		if scanErr := row.Scan(&joinedAt); scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return nil
			}
			return scanErr
		}

		occupancy, decErr := decrementOccupancy(ctx, tx, roomID)
		if decErr != nil {
			return decErr
		}

		result = ForceRemoveResult{Removed: true, Occupancy: occupancy}
		return nil
	})
	return result, err
}

// decrementOccupancy applies the occupancy-underflow guard shared by Leave
// and ForceRemove: the WHERE clause only matches rows that are still
// positive, so a RETURNING miss means occupancy and membership count have
// already drifted out of sync.
func decrementOccupancy(ctx context.Context, tx store.TxQuerier, roomID string) (int, error) {
	var occupancy int
	row := tx.QueryRow(ctx, `UPDATE rooms SET occupancy = occupancy - 1 WHERE id = $1 AND occupancy > 0 RETURNING occupancy`, roomID)
	if scanErr := row.Scan(&occupancy); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return 0, errIntegrityViolation
		}
		return 0, scanErr
	}
	return occupancy, nil
}

// Summary is a room's externally visible state.
type Summary struct {
	ID        string
	Name      string
	Capacity  int
	Occupancy int
	Full      bool
}

// Get returns a single room's current state, for surfacing alongside a
// join result (whose own JoinResult carries occupancy but not name/capacity).
func (r *Registry) Get(ctx context.Context, roomID string) (Summary, *apperr.Error) {
	var summary Summary
	err := r.db.RunTx(ctx, func(ctx context.Context, tx store.TxQuerier) error {
		row := tx.QueryRow(ctx, `SELECT id, name, capacity, occupancy FROM rooms WHERE id = $1`, roomID)
		if scanErr := row.Scan(&summary.ID, &summary.Name, &summary.Capacity, &summary.Occupancy); scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return apperr.New(apperr.RoomNotFound, "room does not exist")
			}
			return scanErr
		}
		summary.Full = summary.Occupancy >= summary.Capacity
		return nil
	})
	if err == nil {
		return summary, nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return Summary{}, appErr
	}
	return Summary{}, apperr.New(apperr.Internal, "room lookup failed")
}

// Bootstrap seeds the fixed room set at startup, the way the teacher's own
// migrations seed static lookup data: idempotent, so a restart against an
// already-seeded database is a no-op rather than a conflict.
func (r *Registry) Bootstrap(ctx context.Context, seeds []config.RoomSeed) error {
	return r.db.RunTx(ctx, func(ctx context.Context, tx store.TxQuerier) error {
		for _, seed := range seeds {
			_, err := tx.Exec(ctx, `
				INSERT INTO rooms (id, name, capacity, occupancy, locked)
				VALUES (gen_random_uuid(), $1, $2, 0, false)
				ON CONFLICT (name) DO NOTHING`,
				seed.Name, seed.Capacity,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// List returns all rooms. The read takes no row lock (a plain SELECT inside
// RunTx's transaction, which gives snapshot isolation), so occupancy may lag
// the most recent commit by at most one.
func (r *Registry) List(ctx context.Context) ([]Summary, error) {
	var summaries []Summary
	err := r.db.RunTx(ctx, func(ctx context.Context, tx store.TxQuerier) error {
		rows, queryErr := tx.Query(ctx, `SELECT id, name, capacity, occupancy FROM rooms ORDER BY name`)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()

		for rows.Next() {
			var s Summary
			if scanErr := rows.Scan(&s.ID, &s.Name, &s.Capacity, &s.Occupancy); scanErr != nil {
				return scanErr
			}
			s.Full = s.Occupancy >= s.Capacity
			summaries = append(summaries, s)
		}
		return rows.Err()
	})
	return summaries, err
}
