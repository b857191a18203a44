package rooms

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyrooms/backend/internal/apperr"
	"github.com/studyrooms/backend/internal/config"
	"github.com/studyrooms/backend/internal/store"
)

// scriptedRow replays a fixed Scan outcome: either populate dest from
// values, or return err (e.g. pgx.ErrNoRows for "not found").
type scriptedRow struct {
	values []interface{}
	err    error
}

func (r scriptedRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch v := d.(type) {
		case *string:
			*v = r.values[i].(string)
		case *int:
			*v = r.values[i].(int)
		case *bool:
			*v = r.values[i].(bool)
		case *time.Time:
			*v = r.values[i].(time.Time)
		}
	}
	return nil
}

// scriptedTx answers QueryRow calls in order from rows, and Exec calls from
// execResults in order.
type scriptedTx struct {
	rows        []scriptedRow
	rowIdx      int
	execResults []pgconn.CommandTag
	execErrs    []error
	execIdx     int
}

func (t *scriptedTx) QueryRow(_ context.Context, _ string, _ ...interface{}) pgx.Row {
	r := t.rows[t.rowIdx]
	t.rowIdx++
	return r
}

func (t *scriptedTx) Query(_ context.Context, _ string, _ ...interface{}) (pgx.Rows, error) {
	return nil, nil
}

func (t *scriptedTx) Exec(_ context.Context, _ string, _ ...interface{}) (pgconn.CommandTag, error) {
	idx := t.execIdx
	t.execIdx++
	var err error
	if idx < len(t.execErrs) {
		err = t.execErrs[idx]
	}
	return t.execResults[idx], err
}

type scriptedStore struct{ tx *scriptedTx }

func (s *scriptedStore) RunTx(ctx context.Context, fn func(ctx context.Context, tx store.TxQuerier) error) error {
	return fn(ctx, s.tx)
}

func TestJoin_Success(t *testing.T) {
	tx := &scriptedTx{
		rows: []scriptedRow{
			{values: []interface{}{5, 3, false}}, // capacity, occupancy, locked
			{err: pgx.ErrNoRows},                  // no existing membership
			{values: []interface{}{time.Now()}},   // insert ... returning joined_at
			{values: []interface{}{4}},             // update occupancy ... returning occupancy
		},
	}
	r := New(&scriptedStore{tx: tx})

	result, err := r.Join(context.Background(), "principal-1", "R1")
	require.Nil(t, err)
	assert.Equal(t, "R1", result.RoomID)
	assert.Equal(t, 4, result.Occupancy)
}

func TestJoin_RoomNotFound(t *testing.T) {
	tx := &scriptedTx{rows: []scriptedRow{{err: pgx.ErrNoRows}}}
	r := New(&scriptedStore{tx: tx})

	_, err := r.Join(context.Background(), "principal-1", "missing")
	require.NotNil(t, err)
	assert.Equal(t, apperr.RoomNotFound, err.Code)
}

func TestJoin_RoomLocked(t *testing.T) {
	tx := &scriptedTx{rows: []scriptedRow{{values: []interface{}{5, 3, true}}}}
	r := New(&scriptedStore{tx: tx})

	_, err := r.Join(context.Background(), "principal-1", "R1")
	require.NotNil(t, err)
	assert.Equal(t, apperr.RoomLocked, err.Code)
}

func TestJoin_AlreadyInRoom(t *testing.T) {
	tx := &scriptedTx{
		rows: []scriptedRow{
			{values: []interface{}{5, 3, false}},
			{values: []interface{}{"R2"}},
		},
	}
	r := New(&scriptedStore{tx: tx})

	_, err := r.Join(context.Background(), "principal-1", "R1")
	require.NotNil(t, err)
	assert.Equal(t, apperr.AlreadyInRoom, err.Code)
}

func TestJoin_RoomFull(t *testing.T) {
	tx := &scriptedTx{
		rows: []scriptedRow{
			{values: []interface{}{5, 5, false}},
			{err: pgx.ErrNoRows},
		},
	}
	r := New(&scriptedStore{tx: tx})

	_, err := r.Join(context.Background(), "principal-1", "R1")
	require.NotNil(t, err)
	assert.Equal(t, apperr.RoomFull, err.Code)
}

func TestVerify_Success(t *testing.T) {
	tx := &scriptedTx{
		rows: []scriptedRow{
			{values: []interface{}{"R1", time.Now()}}, // membership lookup
			{values: []interface{}{4}},                  // room occupancy
		},
	}
	r := New(&scriptedStore{tx: tx})

	result, err := r.Verify(context.Background(), "principal-1", "R1")
	require.Nil(t, err)
	assert.Equal(t, "R1", result.RoomID)
	assert.Equal(t, 4, result.Occupancy)
}

func TestVerify_NoMembershipIsNotAMember(t *testing.T) {
	tx := &scriptedTx{rows: []scriptedRow{{err: pgx.ErrNoRows}}}
	r := New(&scriptedStore{tx: tx})

	_, err := r.Verify(context.Background(), "principal-1", "R1")
	require.NotNil(t, err)
	assert.Equal(t, apperr.NotAMember, err.Code)
}

func TestVerify_MembershipInDifferentRoomIsNotAMember(t *testing.T) {
	tx := &scriptedTx{rows: []scriptedRow{{values: []interface{}{"R2", time.Now()}}}}
	r := New(&scriptedStore{tx: tx})

	_, err := r.Verify(context.Background(), "principal-1", "R1")
	require.NotNil(t, err)
	assert.Equal(t, apperr.NotAMember, err.Code)
}

func TestLeave_Success(t *testing.T) {
	tx := &scriptedTx{
		rows: []scriptedRow{
			{values: []interface{}{time.Now().Add(-time.Minute)}},
			{values: []interface{}{2}},
		},
	}
	r := New(&scriptedStore{tx: tx})

	result, err := r.Leave(context.Background(), "principal-1", "R1")
	require.Nil(t, err)
	assert.True(t, result.Duration > 0)
	assert.Equal(t, 2, result.Occupancy)
}

func TestLeave_NotAMember(t *testing.T) {
	tx := &scriptedTx{rows: []scriptedRow{{err: pgx.ErrNoRows}}}
	r := New(&scriptedStore{tx: tx})

	_, err := r.Leave(context.Background(), "principal-1", "R1")
	require.NotNil(t, err)
	assert.Equal(t, apperr.NotAMember, err.Code)
}

func TestLeave_IntegrityViolationSurfacesAsInternal(t *testing.T) {
	tx := &scriptedTx{
		rows: []scriptedRow{
			{values: []interface{}{time.Now()}},
			{err: pgx.ErrNoRows},
		},
	}
	r := New(&scriptedStore{tx: tx})

	_, err := r.Leave(context.Background(), "principal-1", "R1")
	require.NotNil(t, err)
	assert.Equal(t, apperr.Internal, err.Code)
}

func TestForceRemove_MissingMembershipIsNotAnError(t *testing.T) {
	tx := &scriptedTx{rows: []scriptedRow{{err: pgx.ErrNoRows}}}
	r := New(&scriptedStore{tx: tx})

	result, err := r.ForceRemove(context.Background(), "principal-1", "R1")
	assert.NoError(t, err)
	assert.False(t, result.Removed)
}

func TestForceRemove_PropagatesUnexpectedErrors(t *testing.T) {
	wantErr := errors.New("boom")
	tx := &scriptedTx{rows: []scriptedRow{{err: wantErr}}}
	r := New(&scriptedStore{tx: tx})

	_, err := r.ForceRemove(context.Background(), "principal-1", "R1")
	assert.ErrorIs(t, err, wantErr)
}

func TestGet_Success(t *testing.T) {
	tx := &scriptedTx{rows: []scriptedRow{{values: []interface{}{"R1", "R1", 5, 5}}}}
	r := New(&scriptedStore{tx: tx})

	summary, err := r.Get(context.Background(), "R1")
	require.Nil(t, err)
	assert.Equal(t, "R1", summary.ID)
	assert.True(t, summary.Full)
}

func TestGet_NotFound(t *testing.T) {
	tx := &scriptedTx{rows: []scriptedRow{{err: pgx.ErrNoRows}}}
	r := New(&scriptedStore{tx: tx})

	_, err := r.Get(context.Background(), "missing")
	require.NotNil(t, err)
	assert.Equal(t, apperr.RoomNotFound, err.Code)
}

func TestBootstrap_SeedsEveryRoomIdempotently(t *testing.T) {
	tx := &scriptedTx{
		execResults: []pgconn.CommandTag{
			pgconn.NewCommandTag("INSERT 0 1"),
			pgconn.NewCommandTag("INSERT 0 0"), // already seeded, ON CONFLICT DO NOTHING
		},
	}
	r := New(&scriptedStore{tx: tx})

	err := r.Bootstrap(context.Background(), []config.RoomSeed{
		{Name: "R1", Capacity: 10},
		{Name: "R2", Capacity: 10},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, tx.execIdx)
}

func TestBootstrap_PropagatesExecErrors(t *testing.T) {
	wantErr := errors.New("boom")
	tx := &scriptedTx{
		execResults: []pgconn.CommandTag{pgconn.CommandTag{}},
		execErrs:    []error{wantErr},
	}
	r := New(&scriptedStore{tx: tx})

	err := r.Bootstrap(context.Background(), []config.RoomSeed{{Name: "R1", Capacity: 10}})
	assert.ErrorIs(t, err, wantErr)
}
