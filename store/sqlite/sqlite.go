package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/MR-GREEN1337/wakil/store"
)

const backend = "sqlite"

// SqliteCheckpointStore implements store.CheckpointStore using SQLite.
type SqliteCheckpointStore struct {
	db          *sql.DB
	tableName   string
	writesTable string
	closed      atomic.Bool
}

var _ store.CheckpointStore = (*SqliteCheckpointStore)(nil)

// SqliteOptions configuration for SQLite connection
type SqliteOptions struct {
	Path      string
	TableName string // Default "checkpoints"; writes go to "<TableName>_writes"
}

// NewSqliteCheckpointStore opens the database at opts.Path and creates the schema.
func NewSqliteCheckpointStore(opts SqliteOptions) (*SqliteCheckpointStore, error) {
	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, &store.ConnectionError{Backend: backend, Err: err}
	}
	// One connection keeps writers from racing for the file lock and makes
	// ":memory:" databases behave as a single database.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, &store.ConnectionError{Backend: backend, Err: err}
	}

	tableName := opts.TableName
	if tableName == "" {
		tableName = "checkpoints"
	}

	s := &SqliteCheckpointStore{
		db:          db,
		tableName:   tableName,
		writesTable: tableName + "_writes",
	}

	if err := s.InitSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// InitSchema creates the necessary tables if they don't exist
func (s *SqliteCheckpointStore) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			thread_id TEXT NOT NULL,
			checkpoint_ns TEXT NOT NULL DEFAULT '',
			checkpoint_id TEXT NOT NULL,
			parent_checkpoint_id TEXT,
			state TEXT NOT NULL,
			metadata TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id)
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_parent ON %[1]s (thread_id, checkpoint_ns, parent_checkpoint_id);
		CREATE TABLE IF NOT EXISTS %[2]s (
			thread_id TEXT NOT NULL,
			checkpoint_ns TEXT NOT NULL DEFAULT '',
			checkpoint_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			channel TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id, task_id, idx)
		);
	`, s.tableName, s.writesTable)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return &store.QueryError{Backend: backend, Op: "create schema", Err: err}
	}
	return nil
}

// Close closes the database connection
func (s *SqliteCheckpointStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// GetLatest returns the requested checkpoint, or the chain head when checkpointID is empty.
func (s *SqliteCheckpointStore) GetLatest(ctx context.Context, threadID, namespace, checkpointID string) (*store.CheckpointTuple, error) {
	if s.closed.Load() {
		return nil, store.ErrStoreClosed
	}

	query := fmt.Sprintf(`
		SELECT checkpoint_id, parent_checkpoint_id, state, metadata, created_at
		FROM %s
		WHERE thread_id = ? AND checkpoint_ns = ?`, s.tableName)
	args := []any{threadID, namespace}
	if checkpointID != "" {
		query += ` AND checkpoint_id = ?`
		args = append(args, checkpointID)
	}
	query += ` ORDER BY checkpoint_id DESC LIMIT 1`

	tuple, err := scanTuple(s.db.QueryRowContext(ctx, query, args...), threadID, namespace)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &store.QueryError{Backend: backend, Op: "get checkpoint", Err: err}
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT task_id, idx, channel, value
		FROM %s
		WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?
		ORDER BY task_id, idx`, s.writesTable),
		threadID, namespace, tuple.Key.CheckpointID)
	if err != nil {
		return nil, &store.QueryError{Backend: backend, Op: "get writes", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var w store.PendingWrite
		var value string
		if err := rows.Scan(&w.TaskID, &w.Idx, &w.Channel, &value); err != nil {
			return nil, &store.QueryError{Backend: backend, Op: "scan write", Err: err}
		}
		w.Value = []byte(value)
		tuple.PendingWrites = append(tuple.PendingWrites, w)
	}
	if err := rows.Err(); err != nil {
		return nil, &store.QueryError{Backend: backend, Op: "get writes", Err: err}
	}

	return tuple, nil
}

// List yields matching checkpoints newest first.
func (s *SqliteCheckpointStore) List(ctx context.Context, opts store.ListOptions) iter.Seq2[*store.CheckpointTuple, error] {
	return func(yield func(*store.CheckpointTuple, error) bool) {
		tuples, err := s.list(ctx, opts)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, t := range tuples {
			if !yield(t, nil) {
				return
			}
		}
	}
}

// list drains the rows before yielding so callers may use the store while iterating.
func (s *SqliteCheckpointStore) list(ctx context.Context, opts store.ListOptions) ([]*store.CheckpointTuple, error) {
	if s.closed.Load() {
		return nil, store.ErrStoreClosed
	}
	filter, err := store.NormalizeMetadata(opts.Filter)
	if err != nil {
		return nil, err
	}

	var where []string
	var args []any
	if opts.ThreadID != "" {
		where = append(where, "thread_id = ?")
		args = append(args, opts.ThreadID)
	}
	if opts.Namespace != nil {
		where = append(where, "checkpoint_ns = ?")
		args = append(args, *opts.Namespace)
	}
	if opts.Before != "" {
		where = append(where, "checkpoint_id < ?")
		args = append(args, opts.Before)
	}

	query := fmt.Sprintf(`SELECT thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, state, metadata, created_at FROM %s`, s.tableName)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY checkpoint_id DESC, thread_id, checkpoint_ns"
	if opts.Limit > 0 && len(filter) == 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &store.QueryError{Backend: backend, Op: "list checkpoints", Err: err}
	}
	defer rows.Close()

	var out []*store.CheckpointTuple
	for rows.Next() {
		var threadID, namespace string
		var parentID sql.NullString
		var state, metadata, createdAt string
		var id string
		if err := rows.Scan(&threadID, &namespace, &id, &parentID, &state, &metadata, &createdAt); err != nil {
			return nil, &store.QueryError{Backend: backend, Op: "scan checkpoint", Err: err}
		}
		tuple, err := buildTuple(threadID, namespace, id, parentID, state, metadata, createdAt)
		if err != nil {
			return nil, err
		}
		if !store.MatchesFilter(tuple.Metadata, filter) {
			continue
		}
		out = append(out, tuple)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &store.QueryError{Backend: backend, Op: "list checkpoints", Err: err}
	}
	return out, nil
}

// Put upserts a checkpoint after checking that it extends its parent without forking the chain.
func (s *SqliteCheckpointStore) Put(ctx context.Context, threadID, namespace string, cp *store.Checkpoint, metadata map[string]any) (store.CheckpointKey, error) {
	if err := store.ValidateKey(threadID, cp); err != nil {
		return store.CheckpointKey{}, err
	}
	if s.closed.Load() {
		return store.CheckpointKey{}, store.ErrStoreClosed
	}
	metadataJSON, err := store.EncodeMetadata(metadata)
	if err != nil {
		return store.CheckpointKey{}, err
	}

	key := store.CheckpointKey{ThreadID: threadID, Namespace: namespace, CheckpointID: cp.ID}
	createdAt := cp.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.CheckpointKey{}, &store.QueryError{Backend: backend, Op: "begin", Err: err}
	}
	defer tx.Rollback()

	var parent sql.NullString
	if cp.ParentID != "" {
		parent = sql.NullString{String: cp.ParentID, Valid: true}

		var exists int
		err := tx.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT 1 FROM %s WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?`, s.tableName),
			threadID, namespace, cp.ParentID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return store.CheckpointKey{}, &store.ChainIntegrityError{Key: key, ParentID: cp.ParentID}
		}
		if err != nil {
			return store.CheckpointKey{}, &store.QueryError{Backend: backend, Op: "check parent", Err: err}
		}

		var child string
		err = tx.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT checkpoint_id FROM %s WHERE thread_id = ? AND checkpoint_ns = ? AND parent_checkpoint_id = ? AND checkpoint_id != ? LIMIT 1`, s.tableName),
			threadID, namespace, cp.ParentID, cp.ID).Scan(&child)
		if err == nil {
			return store.CheckpointKey{}, &store.ChainIntegrityError{Key: key, ParentID: cp.ParentID, ExistingChild: child}
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return store.CheckpointKey{}, &store.QueryError{Backend: backend, Op: "check children", Err: err}
		}
	} else {
		var head string
		err := tx.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT checkpoint_id FROM %[1]s WHERE thread_id = ? AND checkpoint_ns = ?
			AND NOT EXISTS (SELECT 1 FROM %[1]s WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?)
			ORDER BY checkpoint_id DESC LIMIT 1`, s.tableName),
			threadID, namespace, threadID, namespace, cp.ID).Scan(&head)
		if err == nil {
			return store.CheckpointKey{}, &store.ChainIntegrityError{Key: key, Head: head}
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return store.CheckpointKey{}, &store.QueryError{Backend: backend, Op: "check root", Err: err}
		}
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, state, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id, checkpoint_ns, checkpoint_id) DO UPDATE SET
			parent_checkpoint_id = excluded.parent_checkpoint_id,
			state = excluded.state,
			metadata = excluded.metadata,
			created_at = excluded.created_at
	`, s.tableName),
		threadID, namespace, cp.ID, parent, string(cp.State), string(metadataJSON), createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return store.CheckpointKey{}, &store.QueryError{Backend: backend, Op: "put checkpoint", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return store.CheckpointKey{}, &store.QueryError{Backend: backend, Op: "commit", Err: err}
	}
	return key, nil
}

// PutWrites upserts pending writes for a checkpoint.
func (s *SqliteCheckpointStore) PutWrites(ctx context.Context, key store.CheckpointKey, taskID string, writes []store.Write) error {
	if key.ThreadID == "" || key.CheckpointID == "" {
		return store.ErrInvalidKey
	}
	if s.closed.Load() {
		return store.ErrStoreClosed
	}
	pending, err := store.MarshalWrites(taskID, writes)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &store.QueryError{Backend: backend, Op: "begin", Err: err}
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
		INSERT INTO %s (thread_id, checkpoint_ns, checkpoint_id, task_id, idx, channel, value)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id, checkpoint_ns, checkpoint_id, task_id, idx) DO UPDATE SET
			channel = excluded.channel,
			value = excluded.value
	`, s.writesTable)
	for _, w := range pending {
		if _, err := tx.ExecContext(ctx, query,
			key.ThreadID, key.Namespace, key.CheckpointID, w.TaskID, w.Idx, w.Channel, string(w.Value)); err != nil {
			return &store.QueryError{Backend: backend, Op: "put writes", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &store.QueryError{Backend: backend, Op: "commit", Err: err}
	}
	return nil
}

// RemoveAll deletes a thread's checkpoints and writes in one transaction.
func (s *SqliteCheckpointStore) RemoveAll(ctx context.Context, threadID string) (int, error) {
	if s.closed.Load() {
		return 0, store.ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &store.QueryError{Backend: backend, Op: "begin", Err: err}
	}
	defer tx.Rollback()

	removed := 0
	for _, table := range []string{s.writesTable, s.tableName} {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE thread_id = ?`, table), threadID)
		if err != nil {
			return 0, &store.QueryError{Backend: backend, Op: "delete thread", Err: err}
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, &store.QueryError{Backend: backend, Op: "delete thread", Err: err}
		}
		removed += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, &store.QueryError{Backend: backend, Op: "commit", Err: err}
	}
	return removed, nil
}

func scanTuple(row *sql.Row, threadID, namespace string) (*store.CheckpointTuple, error) {
	var id string
	var parentID sql.NullString
	var state, metadata, createdAt string
	if err := row.Scan(&id, &parentID, &state, &metadata, &createdAt); err != nil {
		return nil, err
	}
	return buildTuple(threadID, namespace, id, parentID, state, metadata, createdAt)
}

func buildTuple(threadID, namespace, id string, parentID sql.NullString, state, metadata, createdAt string) (*store.CheckpointTuple, error) {
	meta, err := store.DecodeMetadata([]byte(metadata))
	if err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at of checkpoint %s: %w", id, err)
	}
	cp := &store.Checkpoint{
		ID:        id,
		ParentID:  parentID.String,
		State:     []byte(state),
		CreatedAt: ts,
	}
	return &store.CheckpointTuple{
		Key:        store.CheckpointKey{ThreadID: threadID, Namespace: namespace, CheckpointID: id},
		ParentKey:  store.ParentKey(threadID, namespace, cp),
		Checkpoint: cp,
		Metadata:   meta,
	}, nil
}
