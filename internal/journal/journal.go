// Package journal is the append-only chat log (MJ): one append per
// successfully sanitized message, bounded reads for history-on-join.
package journal

import (
	"context"

	"github.com/studyrooms/backend/internal/store"
)

// DefaultHistoryLimit is the number of records returned by History when the
// caller does not specify one.
const DefaultHistoryLimit = 50

// Store is the journal's persistence dependency.
type Store interface {
	RunTx(ctx context.Context, fn func(ctx context.Context, tx store.TxQuerier) error) error
}

// Journal owns the ChatRecord entity.
type Journal struct {
	db Store
}

// New builds a Journal over a transactional Store.
func New(db Store) *Journal {
	return &Journal{db: db}
}

// Append records one chat message. content must already be validated and
// sanitized by the identity package; Append does not re-check it.
func (j *Journal) Append(ctx context.Context, roomID, principalID, content string) (store.ChatRecord, error) {
	record := store.ChatRecord{RoomID: roomID, PrincipalID: principalID, Content: content}
	err := j.db.RunTx(ctx, func(ctx context.Context, tx store.TxQuerier) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO chat_records (room_id, principal_id, content, created_at)
			VALUES ($1, $2, $3, now())
			RETURNING id, created_at`,
			roomID, principalID, content,
		)
		return row.Scan(&record.ID, &record.CreatedAt)
	})
	return record, err
}

// History returns the most recent `limit` records for a room in
// chronological order. limit <= 0 uses DefaultHistoryLimit.
func (j *Journal) History(ctx context.Context, roomID string, limit int) ([]store.ChatRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	var records []store.ChatRecord
	err := j.db.RunTx(ctx, func(ctx context.Context, tx store.TxQuerier) error {
		rows, err := tx.Query(ctx, `
			SELECT id, room_id, principal_id, content, created_at
			FROM (
				SELECT id, room_id, principal_id, content, created_at
				FROM chat_records
				WHERE room_id = $1
				ORDER BY created_at DESC, id DESC
				LIMIT $2
			) recent
			ORDER BY created_at ASC, id ASC`,
			roomID, limit,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var rec store.ChatRecord
			if err := rows.Scan(&rec.ID, &rec.RoomID, &rec.PrincipalID, &rec.Content, &rec.CreatedAt); err != nil {
				return err
			}
			records = append(records, rec)
		}
		return rows.Err()
	})
	return records, err
}
