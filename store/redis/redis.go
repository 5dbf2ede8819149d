package redis

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MR-GREEN1337/wakil/store"
)

const backend = "redis"

// putScript checks the chain and writes a checkpoint in one step.
//
//	KEYS: chain, children, checkpoint, namespaces, threads
//	ARGV: id, parent id, record, ttl in ms, namespace, thread id
//
// It returns {0, ""} on success, {1, ""} for a missing parent, {2, child}
// when the parent already has another child and {3, head} for a second root.
var putScript = redis.NewScript(`
local id, parent = ARGV[1], ARGV[2]
if parent ~= '' then
	if not redis.call('ZSCORE', KEYS[1], parent) then
		return {1, ''}
	end
	local child = redis.call('HGET', KEYS[2], parent)
	if child and child ~= id then
		return {2, child}
	end
elseif not redis.call('ZSCORE', KEYS[1], id) then
	local head = redis.call('ZREVRANGE', KEYS[1], 0, 0)
	if #head > 0 then
		return {3, head[1]}
	end
end

local ttl = tonumber(ARGV[4])
if ttl > 0 then
	redis.call('SET', KEYS[3], ARGV[3], 'PX', ttl)
else
	redis.call('SET', KEYS[3], ARGV[3])
end
redis.call('ZADD', KEYS[1], 0, id)
if parent ~= '' then
	redis.call('HSET', KEYS[2], parent, id)
end
redis.call('SADD', KEYS[4], ARGV[5])
redis.call('SADD', KEYS[5], ARGV[6])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
	redis.call('PEXPIRE', KEYS[2], ttl)
end
return {0, ''}
`)

// RedisCheckpointStore implements store.CheckpointStore using Redis.
//
// Key layout, all under Prefix:
//
//	threads                          set of thread ids
//	thread:<t>:ns                    set of namespaces of thread t
//	chain:<t>:<ns>                   zset of checkpoint ids, all scored 0 so members sort lexicographically
//	children:<t>:<ns>                hash parent id -> child id
//	checkpoint:<t>:<ns>:<id>         JSON record
//	writes:<t>:<ns>:<id>             hash "<task>|<idx>" -> JSON pending write
type RedisCheckpointStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	closed atomic.Bool
}

var _ store.CheckpointStore = (*RedisCheckpointStore)(nil)

// RedisOptions configuration for Redis connection
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string        // Key prefix, default "wakil:"
	TTL      time.Duration // Expiration for checkpoints, default 0 (no expiration)
}

type record struct {
	ParentID  string          `json:"parent_id,omitempty"`
	State     json.RawMessage `json:"state"`
	Metadata  json.RawMessage `json:"metadata"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewRedisCheckpointStore creates a new Redis checkpoint store
func NewRedisCheckpointStore(opts RedisOptions) *RedisCheckpointStore {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	prefix := opts.Prefix
	if prefix == "" {
		prefix = "wakil:"
	}

	return &RedisCheckpointStore{
		client: client,
		prefix: prefix,
		ttl:    opts.TTL,
	}
}

// Ping checks that the server is reachable.
func (s *RedisCheckpointStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return &store.ConnectionError{Backend: backend, Err: err}
	}
	return nil
}

func (s *RedisCheckpointStore) threadsKey() string { return s.prefix + "threads" }

func (s *RedisCheckpointStore) namespacesKey(threadID string) string {
	return fmt.Sprintf("%sthread:%s:ns", s.prefix, threadID)
}

func (s *RedisCheckpointStore) chainKey(threadID, ns string) string {
	return fmt.Sprintf("%schain:%s:%s", s.prefix, threadID, ns)
}

func (s *RedisCheckpointStore) childrenKey(threadID, ns string) string {
	return fmt.Sprintf("%schildren:%s:%s", s.prefix, threadID, ns)
}

func (s *RedisCheckpointStore) checkpointKey(threadID, ns, id string) string {
	return fmt.Sprintf("%scheckpoint:%s:%s:%s", s.prefix, threadID, ns, id)
}

func (s *RedisCheckpointStore) writesKey(threadID, ns, id string) string {
	return fmt.Sprintf("%swrites:%s:%s:%s", s.prefix, threadID, ns, id)
}

// GetLatest returns the requested checkpoint, or the chain head when checkpointID is empty.
func (s *RedisCheckpointStore) GetLatest(ctx context.Context, threadID, namespace, checkpointID string) (*store.CheckpointTuple, error) {
	if s.closed.Load() {
		return nil, store.ErrStoreClosed
	}

	if checkpointID == "" {
		ids, err := s.client.ZRevRange(ctx, s.chainKey(threadID, namespace), 0, 0).Result()
		if err != nil {
			return nil, wrapErr("get head", err)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		checkpointID = ids[0]
	}

	data, err := s.client.Get(ctx, s.checkpointKey(threadID, namespace, checkpointID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("get checkpoint", err)
	}
	tuple, err := decodeTuple(threadID, namespace, checkpointID, data)
	if err != nil {
		return nil, err
	}

	fields, err := s.client.HGetAll(ctx, s.writesKey(threadID, namespace, checkpointID)).Result()
	if err != nil {
		return nil, wrapErr("get writes", err)
	}
	for _, raw := range fields {
		var w store.PendingWrite
		if err := json.Unmarshal([]byte(raw), &w); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pending write: %w", err)
		}
		tuple.PendingWrites = append(tuple.PendingWrites, w)
	}
	slices.SortFunc(tuple.PendingWrites, func(a, b store.PendingWrite) int {
		return cmp.Or(cmp.Compare(a.TaskID, b.TaskID), cmp.Compare(a.Idx, b.Idx))
	})

	return tuple, nil
}

// List yields matching checkpoints newest first.
func (s *RedisCheckpointStore) List(ctx context.Context, opts store.ListOptions) iter.Seq2[*store.CheckpointTuple, error] {
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

func (s *RedisCheckpointStore) list(ctx context.Context, opts store.ListOptions) ([]*store.CheckpointTuple, error) {
	if s.closed.Load() {
		return nil, store.ErrStoreClosed
	}
	filter, err := store.NormalizeMetadata(opts.Filter)
	if err != nil {
		return nil, err
	}

	threads := []string{opts.ThreadID}
	if opts.ThreadID == "" {
		if threads, err = s.client.SMembers(ctx, s.threadsKey()).Result(); err != nil {
			return nil, wrapErr("list threads", err)
		}
	}

	bound := &redis.ZRangeBy{Min: "-", Max: "+"}
	if opts.Before != "" {
		bound.Max = "(" + opts.Before
	}

	var out []*store.CheckpointTuple
	for _, threadID := range threads {
		namespaces := []string{}
		if opts.Namespace != nil {
			namespaces = append(namespaces, *opts.Namespace)
		} else if namespaces, err = s.client.SMembers(ctx, s.namespacesKey(threadID)).Result(); err != nil {
			return nil, wrapErr("list namespaces", err)
		}

		for _, ns := range namespaces {
			ids, err := s.client.ZRevRangeByLex(ctx, s.chainKey(threadID, ns), bound).Result()
			if err != nil {
				return nil, wrapErr("list checkpoints", err)
			}
			if len(ids) == 0 {
				continue
			}

			keys := make([]string, len(ids))
			for i, id := range ids {
				keys[i] = s.checkpointKey(threadID, ns, id)
			}
			values, err := s.client.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, wrapErr("list checkpoints", err)
			}

			for i, v := range values {
				raw, ok := v.(string)
				if !ok {
					// Expired between ZRANGE and MGET.
					continue
				}
				tuple, err := decodeTuple(threadID, ns, ids[i], []byte(raw))
				if err != nil {
					return nil, err
				}
				if store.MatchesFilter(tuple.Metadata, filter) {
					out = append(out, tuple)
				}
			}
		}
	}

	slices.SortFunc(out, func(a, b *store.CheckpointTuple) int {
		return cmp.Or(
			cmp.Compare(b.Key.CheckpointID, a.Key.CheckpointID),
			cmp.Compare(a.Key.ThreadID, b.Key.ThreadID),
			cmp.Compare(a.Key.Namespace, b.Key.Namespace),
		)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Put upserts a checkpoint. The parent, fork and root checks run in the
// same server-side script as the write.
func (s *RedisCheckpointStore) Put(ctx context.Context, threadID, namespace string, cp *store.Checkpoint, metadata map[string]any) (store.CheckpointKey, error) {
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
	rec := record{ParentID: cp.ParentID, State: cp.State, Metadata: metadataJSON, CreatedAt: cp.CreatedAt}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if len(rec.State) == 0 {
		rec.State = json.RawMessage("null")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return store.CheckpointKey{}, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	keys := []string{
		s.chainKey(threadID, namespace),
		s.childrenKey(threadID, namespace),
		s.checkpointKey(threadID, namespace, cp.ID),
		s.namespacesKey(threadID),
		s.threadsKey(),
	}
	reply, err := putScript.Run(ctx, s.client, keys,
		cp.ID, cp.ParentID, data, s.ttl.Milliseconds(), namespace, threadID).Slice()
	if err != nil {
		return store.CheckpointKey{}, wrapErr("put checkpoint", err)
	}
	if len(reply) != 2 {
		return store.CheckpointKey{}, &store.QueryError{Backend: backend, Op: "put checkpoint", Err: fmt.Errorf("unexpected script reply %v", reply)}
	}
	code, _ := reply[0].(int64)
	detail, _ := reply[1].(string)
	switch code {
	case 0:
		return key, nil
	case 1:
		return store.CheckpointKey{}, &store.ChainIntegrityError{Key: key, ParentID: cp.ParentID}
	case 2:
		return store.CheckpointKey{}, &store.ChainIntegrityError{Key: key, ParentID: cp.ParentID, ExistingChild: detail}
	case 3:
		return store.CheckpointKey{}, &store.ChainIntegrityError{Key: key, Head: detail}
	}
	return store.CheckpointKey{}, &store.QueryError{Backend: backend, Op: "put checkpoint", Err: fmt.Errorf("unexpected script status %d", code)}
}

// PutWrites upserts pending writes for a checkpoint.
func (s *RedisCheckpointStore) PutWrites(ctx context.Context, key store.CheckpointKey, taskID string, writes []store.Write) error {
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
	if len(pending) == 0 {
		return nil
	}

	writesKey := s.writesKey(key.ThreadID, key.Namespace, key.CheckpointID)
	fields := make([]any, 0, len(pending)*2)
	for _, w := range pending {
		data, err := json.Marshal(w)
		if err != nil {
			return fmt.Errorf("failed to marshal pending write: %w", err)
		}
		fields = append(fields, w.TaskID+"|"+strconv.Itoa(w.Idx), data)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, writesKey, fields...)
		if s.ttl > 0 {
			pipe.Expire(ctx, writesKey, s.ttl)
		}
		return nil
	})
	if err != nil {
		return wrapErr("put writes", err)
	}
	return nil
}

// RemoveAll deletes a thread's checkpoints and writes. Deletion is not atomic:
// on failure the returned count covers what was removed before the error.
func (s *RedisCheckpointStore) RemoveAll(ctx context.Context, threadID string) (int, error) {
	if s.closed.Load() {
		return 0, store.ErrStoreClosed
	}

	namespaces, err := s.client.SMembers(ctx, s.namespacesKey(threadID)).Result()
	if err != nil {
		return 0, wrapErr("list namespaces", err)
	}

	removed := 0
	for _, ns := range namespaces {
		ids, err := s.client.ZRange(ctx, s.chainKey(threadID, ns), 0, -1).Result()
		if err != nil {
			return removed, wrapErr("list checkpoints", err)
		}
		for _, id := range ids {
			writesKey := s.writesKey(threadID, ns, id)
			n, err := s.client.HLen(ctx, writesKey).Result()
			if err != nil {
				return removed, wrapErr("count writes", err)
			}
			if n > 0 {
				deleted, err := s.client.Del(ctx, writesKey).Result()
				if err != nil {
					return removed, wrapErr("delete writes", err)
				}
				if deleted > 0 {
					removed += int(n)
				}
			}

			deleted, err := s.client.Del(ctx, s.checkpointKey(threadID, ns, id)).Result()
			if err != nil {
				return removed, wrapErr("delete checkpoint", err)
			}
			removed += int(deleted)
		}
		if err := s.client.Del(ctx, s.chainKey(threadID, ns), s.childrenKey(threadID, ns)).Err(); err != nil {
			return removed, wrapErr("delete chain", err)
		}
	}

	if err := s.client.Del(ctx, s.namespacesKey(threadID)).Err(); err != nil {
		return removed, wrapErr("delete thread", err)
	}
	if err := s.client.SRem(ctx, s.threadsKey(), threadID).Err(); err != nil {
		return removed, wrapErr("delete thread", err)
	}
	return removed, nil
}

// Close closes the client.
func (s *RedisCheckpointStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.client.Close()
}

func decodeTuple(threadID, namespace, id string, data []byte) (*store.CheckpointTuple, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint %s: %w", id, err)
	}
	meta, err := store.DecodeMetadata(rec.Metadata)
	if err != nil {
		return nil, err
	}
	cp := &store.Checkpoint{ID: id, ParentID: rec.ParentID, State: rec.State, CreatedAt: rec.CreatedAt}
	return &store.CheckpointTuple{
		Key:        store.CheckpointKey{ThreadID: threadID, Namespace: namespace, CheckpointID: id},
		ParentKey:  store.ParentKey(threadID, namespace, cp),
		Checkpoint: cp,
		Metadata:   meta,
	}, nil
}

// wrapErr classifies a client error as a connection or query failure.
func wrapErr(op string, err error) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) || errors.Is(err, redis.ErrClosed) {
		return &store.ConnectionError{Backend: backend, Err: err}
	}
	return &store.QueryError{Backend: backend, Op: op, Err: err}
}
