package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MR-GREEN1337/wakil/rag"
	ckpt "github.com/MR-GREEN1337/wakil/store"
)

const pgvectorBackend = "pgvector"

// DBPool is the subset of pgxpool.Pool used by PGVectorStore
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

var errVectorStoreClosed = errors.New("vector store is closed")

// PGVectorOptions configuration for the pgvector store
type PGVectorOptions struct {
	ConnString string
	TableName  string // Default "wakil_vectors"
}

// PGVectorStore is a rag.VectorStore on PostgreSQL with the pgvector
// extension. Collections share one table; their dimensions are recorded in
// "<table>_collections".
type PGVectorStore struct {
	pool   DBPool
	table  string
	closed atomic.Bool
}

var _ rag.VectorStore = (*PGVectorStore)(nil)

// NewPGVectorStore connects, pings and creates the schema.
func NewPGVectorStore(ctx context.Context, opts PGVectorOptions) (*PGVectorStore, error) {
	pool, err := pgxpool.New(ctx, opts.ConnString)
	if err != nil {
		return nil, &ckpt.ConnectionError{Backend: pgvectorBackend, Err: err}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &ckpt.ConnectionError{Backend: pgvectorBackend, Err: err}
	}

	s := NewPGVectorStoreWithPool(pool, opts.TableName)
	if err := s.InitSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPGVectorStoreWithPool creates a store over an existing pool
func NewPGVectorStoreWithPool(pool DBPool, tableName string) *PGVectorStore {
	if tableName == "" {
		tableName = "wakil_vectors"
	}
	return &PGVectorStore{pool: pool, table: tableName}
}

// InitSchema creates the extension, tables and payload index
func (s *PGVectorStore) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS %[1]s_collections (
			name TEXT PRIMARY KEY,
			dimension INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS %[1]s (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			embedding vector NOT NULL,
			payload JSONB NOT NULL DEFAULT '{}',
			PRIMARY KEY (collection, id)
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_payload ON %[1]s USING GIN (payload);
	`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return wrapErr("create schema", err)
	}
	return nil
}

func (s *PGVectorStore) EnsureCollection(ctx context.Context, name string, dim int) error {
	if s.closed.Load() {
		return errVectorStoreClosed
	}
	if dim <= 0 {
		return fmt.Errorf("collection %q: dimension must be positive", name)
	}
	insert := fmt.Sprintf(`INSERT INTO %s_collections (name, dimension) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`, s.table)
	if _, err := s.pool.Exec(ctx, insert, name, dim); err != nil {
		return wrapErr("create collection "+name, err)
	}
	existing, err := s.dimension(ctx, name)
	if err != nil {
		return err
	}
	if existing != dim {
		return fmt.Errorf("%w: collection %q has dimension %d, requested %d", rag.ErrDimensionMismatch, name, existing, dim)
	}
	return nil
}

func (s *PGVectorStore) Upsert(ctx context.Context, collection string, points []rag.Point) error {
	if s.closed.Load() {
		return errVectorStoreClosed
	}
	dim, err := s.dimension(ctx, collection)
	if err != nil {
		return err
	}
	for _, p := range points {
		if err := rag.CheckDimension(p.Vector, dim); err != nil {
			return fmt.Errorf("point %s: %w", p.ID, err)
		}
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (collection, id, embedding, payload)
		VALUES ($1, $2, $3::vector, $4::jsonb)
		ON CONFLICT (collection, id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			payload = EXCLUDED.payload
	`, s.table)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapErr("begin", err)
	}
	for _, p := range points {
		if err := upsertPoint(ctx, tx, query, collection, p); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapErr("commit upsert", err)
	}
	return nil
}

func (s *PGVectorStore) Search(ctx context.Context, collection string, vector []float32, filter map[string]any, limit int) ([]rag.SearchResult, error) {
	if s.closed.Load() {
		return nil, errVectorStoreClosed
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}
	dim, err := s.dimension(ctx, collection)
	if err != nil {
		return nil, err
	}
	if err := rag.CheckDimension(vector, dim); err != nil {
		return nil, err
	}

	args := []any{collection, vectorLiteral(vector)}
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT id, 1 - (embedding <=> $2::vector) AS score, payload FROM %s WHERE collection = $1", s.table)
	if len(filter) > 0 {
		f, err := json.Marshal(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal filter: %w", err)
		}
		args = append(args, f)
		fmt.Fprintf(&sb, " AND payload @> $%d::jsonb", len(args))
	}
	args = append(args, limit)
	fmt.Fprintf(&sb, " ORDER BY embedding <=> $2::vector LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, wrapErr("search "+collection, err)
	}
	defer rows.Close()

	results := make([]rag.SearchResult, 0, limit)
	for rows.Next() {
		var (
			r       rag.SearchResult
			payload []byte
		)
		if err := rows.Scan(&r.ID, &r.Score, &payload); err != nil {
			return nil, wrapErr("scan search result", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &r.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode payload of %s: %w", r.ID, err)
			}
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("search "+collection, err)
	}
	return results, nil
}

func (s *PGVectorStore) Delete(ctx context.Context, collection string, filter map[string]any) (int, error) {
	if s.closed.Load() {
		return 0, errVectorStoreClosed
	}
	if _, err := s.dimension(ctx, collection); err != nil {
		return 0, err
	}
	if filter == nil {
		filter = map[string]any{}
	}
	f, err := json.Marshal(filter)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal filter: %w", err)
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE collection = $1 AND payload @> $2::jsonb`, s.table)
	tag, err := s.pool.Exec(ctx, query, collection, f)
	if err != nil {
		return 0, wrapErr("delete from "+collection, err)
	}
	return int(tag.RowsAffected()), nil
}

// Close closes the connection pool
func (s *PGVectorStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *PGVectorStore) dimension(ctx context.Context, collection string) (int, error) {
	var dim int
	query := fmt.Sprintf(`SELECT dimension FROM %s_collections WHERE name = $1`, s.table)
	if err := s.pool.QueryRow(ctx, query, collection).Scan(&dim); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", rag.ErrCollectionNotFound, collection)
		}
		return 0, wrapErr("read collection "+collection, err)
	}
	return dim, nil
}

func upsertPoint(ctx context.Context, tx pgx.Tx, query, collection string, p rag.Point) error {
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload of %s: %w", p.ID, err)
	}
	if _, err := tx.Exec(ctx, query, collection, p.ID, vectorLiteral(p.Vector), payload); err != nil {
		return wrapErr("upsert point "+p.ID, err)
	}
	return nil
}

// wrapErr classifies a pgx error as a connection or query failure.
func wrapErr(op string, err error) error {
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return &ckpt.ConnectionError{Backend: pgvectorBackend, Err: err}
	}
	return &ckpt.QueryError{Backend: pgvectorBackend, Op: op, Err: err}
}

// vectorLiteral renders v in pgvector's text form, e.g. "[1,0.5,-2]".
func vectorLiteral(v []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}
