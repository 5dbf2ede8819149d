package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MR-GREEN1337/wakil/store"
)

var checkpointColumns = []string{"thread_id", "checkpoint_ns", "checkpoint_id", "parent_checkpoint_id", "state", "metadata", "created_at"}

func newMock(t *testing.T) (pgxmock.PgxPoolIface, *PostgresCheckpointStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return mock, NewPostgresCheckpointStoreWithPool(mock, "checkpoints")
}

func TestPostgresCheckpointStore_InitSchema(t *testing.T) {
	mock, s := newMock(t)
	defer mock.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS checkpoints")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.InitSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointStore_PutRoot(t *testing.T) {
	mock, s := newMock(t)
	defer mock.Close()

	createdAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cp := &store.Checkpoint{ID: "cp-1", State: []byte(`{"messages":[]}`), CreatedAt: createdAt}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT checkpoint_id FROM checkpoints WHERE thread_id = $1 AND checkpoint_ns = $2")).
		WithArgs("thread-1", "", "cp-1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkpoints")).
		WithArgs("thread-1", "", "cp-1", nil, []byte(`{"messages":[]}`), []byte(`{"source":"input","step":1}`), createdAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	key, err := s.Put(context.Background(), "thread-1", "", cp, map[string]any{"source": "input", "step": 1})
	require.NoError(t, err)
	assert.Equal(t, store.CheckpointKey{ThreadID: "thread-1", CheckpointID: "cp-1"}, key)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointStore_PutChild(t *testing.T) {
	mock, s := newMock(t)
	defer mock.Close()

	createdAt := time.Now().UTC()
	cp := &store.Checkpoint{ID: "cp-2", ParentID: "cp-1", State: []byte(`{}`), CreatedAt: createdAt}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM checkpoints")).
		WithArgs("thread-1", "", "cp-1").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT checkpoint_id FROM checkpoints")).
		WithArgs("thread-1", "", "cp-1", "cp-2").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkpoints")).
		WithArgs("thread-1", "", "cp-2", "cp-1", []byte(`{}`), []byte(`{}`), createdAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	_, err := s.Put(context.Background(), "thread-1", "", cp, nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointStore_PutMissingParent(t *testing.T) {
	mock, s := newMock(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM checkpoints")).
		WithArgs("thread-1", "", "ghost").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.Put(context.Background(), "thread-1", "", &store.Checkpoint{ID: "cp-2", ParentID: "ghost", State: []byte(`{}`)}, nil)

	var chainErr *store.ChainIntegrityError
	require.True(t, errors.As(err, &chainErr))
	assert.Equal(t, "ghost", chainErr.ParentID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointStore_PutFork(t *testing.T) {
	mock, s := newMock(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM checkpoints")).
		WithArgs("thread-1", "", "cp-1").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT checkpoint_id FROM checkpoints")).
		WithArgs("thread-1", "", "cp-1", "cp-3").
		WillReturnRows(pgxmock.NewRows([]string{"checkpoint_id"}).AddRow("cp-2"))
	mock.ExpectRollback()

	_, err := s.Put(context.Background(), "thread-1", "", &store.Checkpoint{ID: "cp-3", ParentID: "cp-1", State: []byte(`{}`)}, nil)

	var chainErr *store.ChainIntegrityError
	require.True(t, errors.As(err, &chainErr))
	assert.Equal(t, "cp-2", chainErr.ExistingChild)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointStore_PutSecondRoot(t *testing.T) {
	mock, s := newMock(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT checkpoint_id FROM checkpoints WHERE thread_id = $1 AND checkpoint_ns = $2")).
		WithArgs("thread-1", "", "cp-9").
		WillReturnRows(pgxmock.NewRows([]string{"checkpoint_id"}).AddRow("cp-2"))
	mock.ExpectRollback()

	_, err := s.Put(context.Background(), "thread-1", "", &store.Checkpoint{ID: "cp-9", State: []byte(`{}`)}, nil)

	var chainErr *store.ChainIntegrityError
	require.True(t, errors.As(err, &chainErr), "got %v", err)
	assert.Equal(t, "cp-2", chainErr.Head)
	assert.Empty(t, chainErr.ParentID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointStore_PutLosesRaceToSibling(t *testing.T) {
	mock, s := newMock(t)
	defer mock.Close()

	createdAt := time.Now().UTC()
	cp := &store.Checkpoint{ID: "cp-3", ParentID: "cp-1", State: []byte(`{}`), CreatedAt: createdAt}

	// A concurrent writer commits cp-2 under cp-1 between our check and insert.
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM checkpoints")).
		WithArgs("thread-1", "", "cp-1").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT checkpoint_id FROM checkpoints")).
		WithArgs("thread-1", "", "cp-1", "cp-3").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkpoints")).
		WithArgs("thread-1", "", "cp-3", "cp-1", []byte(`{}`), []byte(`{}`), createdAt).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "idx_checkpoints_child"})
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM checkpoints")).
		WithArgs("thread-1", "", "cp-1").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT checkpoint_id FROM checkpoints")).
		WithArgs("thread-1", "", "cp-1", "cp-3").
		WillReturnRows(pgxmock.NewRows([]string{"checkpoint_id"}).AddRow("cp-2"))
	mock.ExpectRollback()

	_, err := s.Put(context.Background(), "thread-1", "", cp, nil)

	var chainErr *store.ChainIntegrityError
	require.True(t, errors.As(err, &chainErr), "got %v", err)
	assert.Equal(t, "cp-2", chainErr.ExistingChild)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointStore_PutSameKeyRaceIsUpsert(t *testing.T) {
	mock, s := newMock(t)
	defer mock.Close()

	createdAt := time.Now().UTC()
	cp := &store.Checkpoint{ID: "cp-2", ParentID: "cp-1", State: []byte(`{}`), CreatedAt: createdAt}

	expectChildPut := func() *pgxmock.ExpectedExec {
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM checkpoints")).
			WithArgs("thread-1", "", "cp-1").
			WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT checkpoint_id FROM checkpoints")).
			WithArgs("thread-1", "", "cp-1", "cp-2").
			WillReturnError(pgx.ErrNoRows)
		return mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkpoints")).
			WithArgs("thread-1", "", "cp-2", "cp-1", []byte(`{}`), []byte(`{}`), createdAt)
	}
	expectChildPut().WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()
	expectChildPut().WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	key, err := s.Put(context.Background(), "thread-1", "", cp, nil)
	require.NoError(t, err)
	assert.Equal(t, "cp-2", key.CheckpointID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointStore_GetLatest(t *testing.T) {
	mock, s := newMock(t)
	defer mock.Close()

	createdAt := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, state, metadata, created_at FROM checkpoints WHERE thread_id = $1 AND checkpoint_ns = $2 ORDER BY checkpoint_id DESC LIMIT 1")).
		WithArgs("thread-1", "").
		WillReturnRows(pgxmock.NewRows(checkpointColumns).
			AddRow("thread-1", "", "cp-2", "cp-1", []byte(`{"v":2}`), []byte(`{"source":"loop","step":2}`), createdAt))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT task_id, idx, channel, value FROM checkpoints_writes")).
		WithArgs("thread-1", "", "cp-2").
		WillReturnRows(pgxmock.NewRows([]string{"task_id", "idx", "channel", "value"}).
			AddRow("tools:3", 0, "messages", []byte(`"result"`)))

	tuple, err := s.GetLatest(context.Background(), "thread-1", "", "")
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, "cp-2", tuple.Key.CheckpointID)
	require.NotNil(t, tuple.ParentKey)
	assert.Equal(t, "cp-1", tuple.ParentKey.CheckpointID)
	assert.Equal(t, "loop", tuple.Metadata["source"])
	assert.Equal(t, createdAt, tuple.Checkpoint.CreatedAt)
	require.Len(t, tuple.PendingWrites, 1)
	assert.Equal(t, "tools:3", tuple.PendingWrites[0].TaskID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointStore_GetLatestMissing(t *testing.T) {
	mock, s := newMock(t)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("AND checkpoint_id = $3")).
		WithArgs("thread-1", "", "cp-9").
		WillReturnError(pgx.ErrNoRows)

	tuple, err := s.GetLatest(context.Background(), "thread-1", "", "cp-9")
	require.NoError(t, err)
	assert.Nil(t, tuple)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointStore_ListWithFilter(t *testing.T) {
	mock, s := newMock(t)
	defer mock.Close()

	createdAt := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE thread_id = $1 AND checkpoint_id < $2 AND metadata @> $3::jsonb ORDER BY checkpoint_id DESC, thread_id, checkpoint_ns LIMIT 2")).
		WithArgs("thread-1", "cp-9", []byte(`{"source":"loop"}`)).
		WillReturnRows(pgxmock.NewRows(checkpointColumns).
			AddRow("thread-1", "", "cp-3", "cp-2", []byte(`{}`), []byte(`{"source":"loop"}`), createdAt).
			AddRow("thread-1", "", "cp-2", "cp-1", []byte(`{}`), []byte(`{"source":"loop"}`), createdAt))

	var ids []string
	for tuple, err := range s.List(context.Background(), store.ListOptions{
		ThreadID: "thread-1",
		Before:   "cp-9",
		Filter:   map[string]any{"source": "loop"},
		Limit:    2,
	}) {
		require.NoError(t, err)
		ids = append(ids, tuple.Key.CheckpointID)
	}
	assert.Equal(t, []string{"cp-3", "cp-2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointStore_PutWrites(t *testing.T) {
	mock, s := newMock(t)
	defer mock.Close()

	key := store.CheckpointKey{ThreadID: "thread-1", CheckpointID: "cp-1"}
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkpoints_writes")).
		WithArgs("thread-1", "", "cp-1", "tools:2", 0, "messages", []byte(`"a"`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkpoints_writes")).
		WithArgs("thread-1", "", "cp-1", "tools:2", 1, "messages", []byte(`"b"`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.PutWrites(context.Background(), key, "tools:2", []store.Write{
		{Channel: "messages", Value: "a"},
		{Channel: "messages", Value: "b"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointStore_RemoveAll(t *testing.T) {
	mock, s := newMock(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM checkpoints_writes")).
		WithArgs("thread-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM checkpoints WHERE")).
		WithArgs("thread-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectCommit()

	removed, err := s.RemoveAll(context.Background(), "thread-1")
	require.NoError(t, err)
	assert.Equal(t, 5, removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointStore_RemoveAllRollsBack(t *testing.T) {
	mock, s := newMock(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM checkpoints_writes")).
		WithArgs("thread-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM checkpoints WHERE")).
		WithArgs("thread-1").
		WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	removed, err := s.RemoveAll(context.Background(), "thread-1")
	assert.Zero(t, removed)

	var queryErr *store.QueryError
	require.True(t, errors.As(err, &queryErr))
	assert.Equal(t, "delete thread", queryErr.Op)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointStore_ConnectionError(t *testing.T) {
	mock, s := newMock(t)
	defer mock.Close()

	mock.ExpectBegin().WillReturnError(&pgconn.ConnectError{})

	_, err := s.Put(context.Background(), "thread-1", "", &store.Checkpoint{ID: "cp-1", State: []byte(`{}`)}, nil)
	assert.True(t, store.IsConnectionError(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointStore_Closed(t *testing.T) {
	_, s := newMock(t)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.GetLatest(context.Background(), "thread-1", "", "")
	assert.ErrorIs(t, err, store.ErrStoreClosed)
	_, err = s.RemoveAll(context.Background(), "thread-1")
	assert.ErrorIs(t, err, store.ErrStoreClosed)
}
