package memory

import (
	"cmp"
	"context"
	"iter"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/MR-GREEN1337/wakil/store"
)

type chainKey struct {
	threadID  string
	namespace string
}

type writeKey struct {
	taskID string
	idx    int
}

type record struct {
	checkpoint store.Checkpoint
	metadata   map[string]any
}

// MemoryCheckpointStore implements store.CheckpointStore in process memory.
type MemoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[chainKey]map[string]*record
	children    map[chainKey]map[string]string
	writes      map[store.CheckpointKey]map[writeKey]store.PendingWrite
	closed      bool
}

var _ store.CheckpointStore = (*MemoryCheckpointStore)(nil)

// NewMemoryCheckpointStore creates a new in-memory checkpoint store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{
		checkpoints: make(map[chainKey]map[string]*record),
		children:    make(map[chainKey]map[string]string),
		writes:      make(map[store.CheckpointKey]map[writeKey]store.PendingWrite),
	}
}

// headID is the largest, and so newest, checkpoint id of a non-empty chain.
func headID(chain map[string]*record) string {
	return slices.Max(slices.Collect(maps.Keys(chain)))
}

// GetLatest returns the requested checkpoint or the chain head.
func (s *MemoryCheckpointStore) GetLatest(ctx context.Context, threadID, namespace, checkpointID string) (*store.CheckpointTuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, store.ErrStoreClosed
	}

	chain := s.checkpoints[chainKey{threadID, namespace}]
	if len(chain) == 0 {
		return nil, nil
	}

	if checkpointID == "" {
		checkpointID = headID(chain)
	}
	rec := chain[checkpointID]
	if rec == nil {
		return nil, nil
	}

	tuple := s.tuple(threadID, namespace, rec)
	key := tuple.Key
	for _, w := range s.writes[key] {
		tuple.PendingWrites = append(tuple.PendingWrites, w)
	}
	slices.SortFunc(tuple.PendingWrites, func(a, b store.PendingWrite) int {
		return cmp.Or(cmp.Compare(a.TaskID, b.TaskID), cmp.Compare(a.Idx, b.Idx))
	})
	return tuple, nil
}

// List yields matching checkpoints newest first. Each iteration takes a fresh snapshot.
func (s *MemoryCheckpointStore) List(ctx context.Context, opts store.ListOptions) iter.Seq2[*store.CheckpointTuple, error] {
	return func(yield func(*store.CheckpointTuple, error) bool) {
		filter, err := store.NormalizeMetadata(opts.Filter)
		if err != nil {
			yield(nil, err)
			return
		}

		s.mu.RLock()
		if s.closed {
			s.mu.RUnlock()
			yield(nil, store.ErrStoreClosed)
			return
		}
		var matched []*store.CheckpointTuple
		for ck, chain := range s.checkpoints {
			if opts.ThreadID != "" && ck.threadID != opts.ThreadID {
				continue
			}
			if opts.Namespace != nil && ck.namespace != *opts.Namespace {
				continue
			}
			for id, rec := range chain {
				if opts.Before != "" && id >= opts.Before {
					continue
				}
				if !store.MatchesFilter(rec.metadata, filter) {
					continue
				}
				matched = append(matched, s.tuple(ck.threadID, ck.namespace, rec))
			}
		}
		s.mu.RUnlock()

		slices.SortFunc(matched, func(a, b *store.CheckpointTuple) int {
			return cmp.Or(
				cmp.Compare(b.Key.CheckpointID, a.Key.CheckpointID),
				cmp.Compare(a.Key.ThreadID, b.Key.ThreadID),
				cmp.Compare(a.Key.Namespace, b.Key.Namespace),
			)
		})
		if opts.Limit > 0 && len(matched) > opts.Limit {
			matched = matched[:opts.Limit]
		}
		for _, t := range matched {
			if !yield(t, nil) {
				return
			}
		}
	}
}

// Put stores a checkpoint, replacing any previous version under the same key.
func (s *MemoryCheckpointStore) Put(ctx context.Context, threadID, namespace string, cp *store.Checkpoint, metadata map[string]any) (store.CheckpointKey, error) {
	if err := store.ValidateKey(threadID, cp); err != nil {
		return store.CheckpointKey{}, err
	}
	meta, err := store.NormalizeMetadata(metadata)
	if err != nil {
		return store.CheckpointKey{}, err
	}

	key := store.CheckpointKey{ThreadID: threadID, Namespace: namespace, CheckpointID: cp.ID}
	ck := chainKey{threadID, namespace}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.CheckpointKey{}, store.ErrStoreClosed
	}

	chain := s.checkpoints[ck]
	if cp.ParentID != "" {
		if _, ok := chain[cp.ParentID]; !ok {
			return store.CheckpointKey{}, &store.ChainIntegrityError{Key: key, ParentID: cp.ParentID}
		}
		if child, ok := s.children[ck][cp.ParentID]; ok && child != cp.ID {
			return store.CheckpointKey{}, &store.ChainIntegrityError{Key: key, ParentID: cp.ParentID, ExistingChild: child}
		}
	} else if _, ok := chain[cp.ID]; !ok && len(chain) > 0 {
		return store.CheckpointKey{}, &store.ChainIntegrityError{Key: key, Head: headID(chain)}
	}

	if chain == nil {
		chain = make(map[string]*record)
		s.checkpoints[ck] = chain
	}
	if prev, ok := chain[cp.ID]; ok && prev.checkpoint.ParentID != "" && prev.checkpoint.ParentID != cp.ParentID {
		delete(s.children[ck], prev.checkpoint.ParentID)
	}

	stored := *cp
	stored.State = append([]byte(nil), cp.State...)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	chain[cp.ID] = &record{checkpoint: stored, metadata: meta}

	if cp.ParentID != "" {
		if s.children[ck] == nil {
			s.children[ck] = make(map[string]string)
		}
		s.children[ck][cp.ParentID] = cp.ID
	}

	return key, nil
}

// PutWrites upserts pending writes for a checkpoint.
func (s *MemoryCheckpointStore) PutWrites(ctx context.Context, key store.CheckpointKey, taskID string, writes []store.Write) error {
	if key.ThreadID == "" || key.CheckpointID == "" {
		return store.ErrInvalidKey
	}
	pending, err := store.MarshalWrites(taskID, writes)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrStoreClosed
	}

	bucket := s.writes[key]
	if bucket == nil {
		bucket = make(map[writeKey]store.PendingWrite)
		s.writes[key] = bucket
	}
	for _, w := range pending {
		bucket[writeKey{w.TaskID, w.Idx}] = w
	}
	return nil
}

// RemoveAll deletes every checkpoint and pending write of a thread.
func (s *MemoryCheckpointStore) RemoveAll(ctx context.Context, threadID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, store.ErrStoreClosed
	}

	removed := 0
	for ck, chain := range s.checkpoints {
		if ck.threadID != threadID {
			continue
		}
		removed += len(chain)
		delete(s.checkpoints, ck)
		delete(s.children, ck)
	}
	for key, bucket := range s.writes {
		if key.ThreadID != threadID {
			continue
		}
		removed += len(bucket)
		delete(s.writes, key)
	}
	return removed, nil
}

// Close marks the store closed.
func (s *MemoryCheckpointStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryCheckpointStore) tuple(threadID, namespace string, rec *record) *store.CheckpointTuple {
	cp := rec.checkpoint
	cp.State = append([]byte(nil), rec.checkpoint.State...)
	meta := make(map[string]any, len(rec.metadata))
	for k, v := range rec.metadata {
		meta[k] = v
	}
	return &store.CheckpointTuple{
		Key:        store.CheckpointKey{ThreadID: threadID, Namespace: namespace, CheckpointID: cp.ID},
		ParentKey:  store.ParentKey(threadID, namespace, &cp),
		Checkpoint: &cp,
		Metadata:   meta,
	}
}
