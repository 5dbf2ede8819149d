package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MR-GREEN1337/wakil/store"
)

const backend = "postgres"

// DBPool defines the interface for database connection pool
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PostgresCheckpointStore implements store.CheckpointStore using PostgreSQL
type PostgresCheckpointStore struct {
	pool        DBPool
	tableName   string
	writesTable string
	closed      atomic.Bool
}

var _ store.CheckpointStore = (*PostgresCheckpointStore)(nil)

// PostgresOptions configuration for Postgres connection
type PostgresOptions struct {
	ConnString string
	TableName  string // Default "checkpoints"; writes go to "<TableName>_writes"
}

// NewPostgresCheckpointStore connects to Postgres and creates the schema.
func NewPostgresCheckpointStore(ctx context.Context, opts PostgresOptions) (*PostgresCheckpointStore, error) {
	pool, err := pgxpool.New(ctx, opts.ConnString)
	if err != nil {
		return nil, &store.ConnectionError{Backend: backend, Err: err}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &store.ConnectionError{Backend: backend, Err: err}
	}

	s := NewPostgresCheckpointStoreWithPool(pool, opts.TableName)
	if err := s.InitSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresCheckpointStoreWithPool creates a new Postgres checkpoint store with an existing pool
// Useful for testing with mocks
func NewPostgresCheckpointStoreWithPool(pool DBPool, tableName string) *PostgresCheckpointStore {
	if tableName == "" {
		tableName = "checkpoints"
	}
	return &PostgresCheckpointStore{
		pool:        pool,
		tableName:   tableName,
		writesTable: tableName + "_writes",
	}
}

// InitSchema creates the necessary tables if they don't exist
func (s *PostgresCheckpointStore) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			thread_id TEXT NOT NULL,
			checkpoint_ns TEXT NOT NULL DEFAULT '',
			checkpoint_id TEXT NOT NULL,
			parent_checkpoint_id TEXT,
			state JSONB NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_%[1]s_child ON %[1]s (thread_id, checkpoint_ns, parent_checkpoint_id)
			WHERE parent_checkpoint_id IS NOT NULL;
		CREATE UNIQUE INDEX IF NOT EXISTS idx_%[1]s_root ON %[1]s (thread_id, checkpoint_ns)
			WHERE parent_checkpoint_id IS NULL;
		CREATE INDEX IF NOT EXISTS idx_%[1]s_metadata ON %[1]s USING GIN (metadata);
		CREATE TABLE IF NOT EXISTS %[2]s (
			thread_id TEXT NOT NULL,
			checkpoint_ns TEXT NOT NULL DEFAULT '',
			checkpoint_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			channel TEXT NOT NULL,
			value JSONB NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id, task_id, idx)
		);
	`, s.tableName, s.writesTable)

	if _, err := s.pool.Exec(ctx, query); err != nil {
		return wrapErr("create schema", err)
	}
	return nil
}

// Close closes the connection pool
func (s *PostgresCheckpointStore) Close() error {
	if !s.closed.Swap(true) {
		s.pool.Close()
	}
	return nil
}

// GetLatest returns the requested checkpoint, or the chain head when checkpointID is empty.
func (s *PostgresCheckpointStore) GetLatest(ctx context.Context, threadID, namespace, checkpointID string) (*store.CheckpointTuple, error) {
	if s.closed.Load() {
		return nil, store.ErrStoreClosed
	}

	query := fmt.Sprintf(`SELECT thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, state, metadata, created_at FROM %s WHERE thread_id = $1 AND checkpoint_ns = $2`, s.tableName)
	args := []any{threadID, namespace}
	if checkpointID != "" {
		query += ` AND checkpoint_id = $3`
		args = append(args, checkpointID)
	}
	query += ` ORDER BY checkpoint_id DESC LIMIT 1`

	tuple, err := scanTuple(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("get checkpoint", err)
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT task_id, idx, channel, value FROM %s WHERE thread_id = $1 AND checkpoint_ns = $2 AND checkpoint_id = $3 ORDER BY task_id, idx`, s.writesTable),
		threadID, namespace, tuple.Key.CheckpointID)
	if err != nil {
		return nil, wrapErr("get writes", err)
	}
	defer rows.Close()

	for rows.Next() {
		var w store.PendingWrite
		var value []byte
		if err := rows.Scan(&w.TaskID, &w.Idx, &w.Channel, &value); err != nil {
			return nil, wrapErr("scan write", err)
		}
		w.Value = value
		tuple.PendingWrites = append(tuple.PendingWrites, w)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("get writes", err)
	}

	return tuple, nil
}

// List yields matching checkpoints newest first. Metadata filtering uses JSONB containment.
func (s *PostgresCheckpointStore) List(ctx context.Context, opts store.ListOptions) iter.Seq2[*store.CheckpointTuple, error] {
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

func (s *PostgresCheckpointStore) list(ctx context.Context, opts store.ListOptions) ([]*store.CheckpointTuple, error) {
	if s.closed.Load() {
		return nil, store.ErrStoreClosed
	}

	var where []string
	var args []any
	arg := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if opts.ThreadID != "" {
		arg("thread_id = $%d", opts.ThreadID)
	}
	if opts.Namespace != nil {
		arg("checkpoint_ns = $%d", *opts.Namespace)
	}
	if opts.Before != "" {
		arg("checkpoint_id < $%d", opts.Before)
	}
	if len(opts.Filter) > 0 {
		filter, err := store.EncodeMetadata(opts.Filter)
		if err != nil {
			return nil, err
		}
		arg("metadata @> $%d::jsonb", filter)
	}

	query := fmt.Sprintf(`SELECT thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, state, metadata, created_at FROM %s`, s.tableName)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY checkpoint_id DESC, thread_id, checkpoint_ns"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("list checkpoints", err)
	}
	defer rows.Close()

	var out []*store.CheckpointTuple
	for rows.Next() {
		tuple, err := scanTuple(rows)
		if err != nil {
			return nil, wrapErr("scan checkpoint", err)
		}
		out = append(out, tuple)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list checkpoints", err)
	}
	return out, nil
}

// Put upserts a checkpoint after checking, in the same transaction, that it
// extends its parent without forking the chain. The parent row is locked for
// the check, and unique indexes on (thread, ns, parent) and on the root catch
// writers that race past it. A unique violation reruns the transaction once
// so the checks see the winning row.
func (s *PostgresCheckpointStore) Put(ctx context.Context, threadID, namespace string, cp *store.Checkpoint, metadata map[string]any) (store.CheckpointKey, error) {
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

	put := func(tx pgx.Tx) error {
		var parent any
		if cp.ParentID != "" {
			parent = cp.ParentID
			if err := s.checkParent(ctx, tx, key, cp.ParentID); err != nil {
				return err
			}
		} else if err := s.checkRoot(ctx, tx, key); err != nil {
			return err
		}

		_, err := tx.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s (thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, state, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (thread_id, checkpoint_ns, checkpoint_id) DO UPDATE SET
				parent_checkpoint_id = EXCLUDED.parent_checkpoint_id,
				state = EXCLUDED.state,
				metadata = EXCLUDED.metadata,
				created_at = EXCLUDED.created_at
		`, s.tableName),
			threadID, namespace, cp.ID, parent, []byte(cp.State), metadataJSON, createdAt)
		if err != nil {
			return wrapErr("put checkpoint", err)
		}
		return nil
	}

	err = s.inTx(ctx, put)
	if isUniqueViolation(err) {
		err = s.inTx(ctx, put)
	}
	if isUniqueViolation(err) {
		return store.CheckpointKey{}, &store.ChainIntegrityError{Key: key, ParentID: cp.ParentID}
	}
	if err != nil {
		return store.CheckpointKey{}, err
	}
	return key, nil
}

func (s *PostgresCheckpointStore) checkParent(ctx context.Context, tx pgx.Tx, key store.CheckpointKey, parentID string) error {
	var exists int
	err := tx.QueryRow(ctx, fmt.Sprintf(`SELECT 1 FROM %s WHERE thread_id = $1 AND checkpoint_ns = $2 AND checkpoint_id = $3 FOR UPDATE`, s.tableName),
		key.ThreadID, key.Namespace, parentID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return &store.ChainIntegrityError{Key: key, ParentID: parentID}
	}
	if err != nil {
		return wrapErr("check parent", err)
	}

	var child string
	err = tx.QueryRow(ctx, fmt.Sprintf(`SELECT checkpoint_id FROM %s WHERE thread_id = $1 AND checkpoint_ns = $2 AND parent_checkpoint_id = $3 AND checkpoint_id <> $4 LIMIT 1`, s.tableName),
		key.ThreadID, key.Namespace, parentID, key.CheckpointID).Scan(&child)
	if err == nil {
		return &store.ChainIntegrityError{Key: key, ParentID: parentID, ExistingChild: child}
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return wrapErr("check children", err)
	}
	return nil
}

// checkRoot rejects a new parentless checkpoint on a non-empty chain.
func (s *PostgresCheckpointStore) checkRoot(ctx context.Context, tx pgx.Tx, key store.CheckpointKey) error {
	var head string
	err := tx.QueryRow(ctx, fmt.Sprintf(`SELECT checkpoint_id FROM %[1]s WHERE thread_id = $1 AND checkpoint_ns = $2
		AND NOT EXISTS (SELECT 1 FROM %[1]s WHERE thread_id = $1 AND checkpoint_ns = $2 AND checkpoint_id = $3)
		ORDER BY checkpoint_id DESC LIMIT 1`, s.tableName),
		key.ThreadID, key.Namespace, key.CheckpointID).Scan(&head)
	if err == nil {
		return &store.ChainIntegrityError{Key: key, Head: head}
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return wrapErr("check root", err)
	}
	return nil
}

// PutWrites upserts pending writes for a checkpoint.
func (s *PostgresCheckpointStore) PutWrites(ctx context.Context, key store.CheckpointKey, taskID string, writes []store.Write) error {
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

	query := fmt.Sprintf(`
		INSERT INTO %s (thread_id, checkpoint_ns, checkpoint_id, task_id, idx, channel, value)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (thread_id, checkpoint_ns, checkpoint_id, task_id, idx) DO UPDATE SET
			channel = EXCLUDED.channel,
			value = EXCLUDED.value
	`, s.writesTable)

	return s.inTx(ctx, func(tx pgx.Tx) error {
		for _, w := range pending {
			if _, err := tx.Exec(ctx, query,
				key.ThreadID, key.Namespace, key.CheckpointID, w.TaskID, w.Idx, w.Channel, []byte(w.Value)); err != nil {
				return wrapErr("put writes", err)
			}
		}
		return nil
	})
}

// RemoveAll deletes a thread's checkpoints and writes in one transaction.
func (s *PostgresCheckpointStore) RemoveAll(ctx context.Context, threadID string) (int, error) {
	if s.closed.Load() {
		return 0, store.ErrStoreClosed
	}

	removed := 0
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		for _, table := range []string{s.writesTable, s.tableName} {
			tag, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE thread_id = $1`, table), threadID)
			if err != nil {
				return wrapErr("delete thread", err)
			}
			removed += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		// Nothing is removed when the transaction rolls back.
		return 0, err
	}
	return removed, nil
}

func (s *PostgresCheckpointStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapErr("begin", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapErr("commit", err)
	}
	return nil
}

func scanTuple(row pgx.Row) (*store.CheckpointTuple, error) {
	var key store.CheckpointKey
	var parentID sql.NullString
	var state, metadata []byte
	var createdAt time.Time
	if err := row.Scan(&key.ThreadID, &key.Namespace, &key.CheckpointID, &parentID, &state, &metadata, &createdAt); err != nil {
		return nil, err
	}

	meta, err := store.DecodeMetadata(metadata)
	if err != nil {
		return nil, err
	}
	cp := &store.Checkpoint{ID: key.CheckpointID, ParentID: parentID.String, State: state, CreatedAt: createdAt}
	return &store.CheckpointTuple{
		Key:        key,
		ParentKey:  store.ParentKey(key.ThreadID, key.Namespace, cp),
		Checkpoint: cp,
		Metadata:   meta,
	}, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// wrapErr classifies a pgx error as a connection or query failure.
func wrapErr(op string, err error) error {
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return &store.ConnectionError{Backend: backend, Err: err}
	}
	return &store.QueryError{Backend: backend, Op: op, Err: err}
}
