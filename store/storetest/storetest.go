// Package storetest holds the behaviour every store.CheckpointStore backend must share.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MR-GREEN1337/wakil/store"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.CheckpointStore

// Run executes the contract suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.CheckpointStore)
	}{
		{"GetLatestEmpty", testGetLatestEmpty},
		{"ChainHead", testChainHead},
		{"PutIdempotent", testPutIdempotent},
		{"MissingParent", testMissingParent},
		{"Fork", testFork},
		{"SecondRoot", testSecondRoot},
		{"ConcurrentPutSameKey", testConcurrentPutSameKey},
		{"ConcurrentPutWritesSameKey", testConcurrentPutWritesSameKey},
		{"ConcurrentThreads", testConcurrentThreads},
		{"NamespaceIsolation", testNamespaceIsolation},
		{"PendingWrites", testPendingWrites},
		{"WritesDoNotLeakAcrossThreads", testWritesIsolation},
		{"ListOptions", testListOptions},
		{"RemoveAll", testRemoveAll},
		{"InvalidKey", testInvalidKey},
		{"Closed", testClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

func state(v any) json.RawMessage {
	data, _ := json.Marshal(map[string]any{"v": v})
	return data
}

// chain writes n linked checkpoints and returns their ids oldest first.
func chain(t *testing.T, s store.CheckpointStore, threadID, ns string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	parent := ""
	for i := range n {
		cp := &store.Checkpoint{ID: store.NewCheckpointID(), ParentID: parent, State: state(i), CreatedAt: time.Now().UTC()}
		_, err := s.Put(context.Background(), threadID, ns, cp, map[string]any{"step": i, "source": "loop"})
		require.NoError(t, err)
		ids = append(ids, cp.ID)
		parent = cp.ID
	}
	return ids
}

func list(t *testing.T, s store.CheckpointStore, opts store.ListOptions) []string {
	t.Helper()
	var ids []string
	for tuple, err := range s.List(context.Background(), opts) {
		require.NoError(t, err)
		ids = append(ids, tuple.Key.CheckpointID)
	}
	return ids
}

func testGetLatestEmpty(t *testing.T, s store.CheckpointStore) {
	tuple, err := s.GetLatest(context.Background(), "nobody", "", "")
	require.NoError(t, err)
	assert.Nil(t, tuple)

	tuple, err = s.GetLatest(context.Background(), "nobody", "", store.NewCheckpointID())
	require.NoError(t, err)
	assert.Nil(t, tuple)
}

func testChainHead(t *testing.T, s store.CheckpointStore) {
	ctx := context.Background()
	ids := chain(t, s, "t1", "", 3)

	head, err := s.GetLatest(ctx, "t1", "", "")
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, ids[2], head.Key.CheckpointID)
	require.NotNil(t, head.ParentKey)
	assert.Equal(t, ids[1], head.ParentKey.CheckpointID)
	assert.JSONEq(t, `{"v":2}`, string(head.Checkpoint.State))
	assert.Equal(t, "loop", head.Metadata["source"])
	assert.EqualValues(t, 2, head.Metadata["step"])
	assert.False(t, head.Checkpoint.CreatedAt.IsZero())

	first, err := s.GetLatest(ctx, "t1", "", ids[0])
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, ids[0], first.Key.CheckpointID)
	assert.Nil(t, first.ParentKey)
}

func testPutIdempotent(t *testing.T, s store.CheckpointStore) {
	ctx := context.Background()
	ids := chain(t, s, "t1", "", 2)

	again := &store.Checkpoint{ID: ids[1], ParentID: ids[0], State: state("again"), CreatedAt: time.Now().UTC()}
	for range 2 {
		key, err := s.Put(ctx, "t1", "", again, map[string]any{"source": "loop"})
		require.NoError(t, err)
		assert.Equal(t, store.CheckpointKey{ThreadID: "t1", CheckpointID: ids[1]}, key)
	}

	assert.Len(t, list(t, s, store.ListOptions{ThreadID: "t1"}), 2)
	head, err := s.GetLatest(ctx, "t1", "", "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"again"}`, string(head.Checkpoint.State))
}

func testMissingParent(t *testing.T, s store.CheckpointStore) {
	cp := &store.Checkpoint{ID: store.NewCheckpointID(), ParentID: store.NewCheckpointID(), State: state(0)}
	_, err := s.Put(context.Background(), "t1", "", cp, nil)

	var chainErr *store.ChainIntegrityError
	require.True(t, errors.As(err, &chainErr), "got %v", err)
	assert.Equal(t, cp.ParentID, chainErr.ParentID)
	assert.Empty(t, chainErr.ExistingChild)
}

func testFork(t *testing.T, s store.CheckpointStore) {
	ids := chain(t, s, "t1", "", 2)

	fork := &store.Checkpoint{ID: store.NewCheckpointID(), ParentID: ids[0], State: state("fork")}
	_, err := s.Put(context.Background(), "t1", "", fork, nil)

	var chainErr *store.ChainIntegrityError
	require.True(t, errors.As(err, &chainErr), "got %v", err)
	assert.Equal(t, ids[1], chainErr.ExistingChild)
	assert.True(t, store.IsChainIntegrityError(err))

	// A parent in another namespace does not count.
	other := &store.Checkpoint{ID: store.NewCheckpointID(), ParentID: ids[1], State: state("x")}
	_, err = s.Put(context.Background(), "t1", "sub", other, nil)
	assert.True(t, store.IsChainIntegrityError(err))
}

func testSecondRoot(t *testing.T, s store.CheckpointStore) {
	ctx := context.Background()
	ids := chain(t, s, "t1", "", 2)

	stray := &store.Checkpoint{ID: store.NewCheckpointID(), State: state("stray")}
	_, err := s.Put(ctx, "t1", "", stray, nil)
	var chainErr *store.ChainIntegrityError
	require.True(t, errors.As(err, &chainErr), "got %v", err)
	assert.Equal(t, ids[1], chainErr.Head)

	// Re-putting the existing root is still an upsert.
	_, err = s.Put(ctx, "t1", "", &store.Checkpoint{ID: ids[0], State: state("root again")}, nil)
	require.NoError(t, err)

	head, err := s.GetLatest(ctx, "t1", "", "")
	require.NoError(t, err)
	assert.Equal(t, ids[1], head.Key.CheckpointID)
}

func testConcurrentPutSameKey(t *testing.T, s store.CheckpointStore) {
	ctx := context.Background()
	ids := chain(t, s, "t1", "", 1)
	id := store.NewCheckpointID()

	const writers = 32
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cp := &store.Checkpoint{ID: id, ParentID: ids[0], State: state(i), CreatedAt: time.Now().UTC()}
			_, errs[i] = s.Put(ctx, "t1", "", cp, map[string]any{"writer": i})
		}()
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "writer %d", i)
	}
	head, err := s.GetLatest(ctx, "t1", "", "")
	require.NoError(t, err)
	assert.Equal(t, id, head.Key.CheckpointID)
	assert.Len(t, list(t, s, store.ListOptions{ThreadID: "t1"}), 2)
}

func testConcurrentPutWritesSameKey(t *testing.T, s store.CheckpointStore) {
	ctx := context.Background()
	ids := chain(t, s, "t1", "", 1)
	key := store.CheckpointKey{ThreadID: "t1", CheckpointID: ids[0]}

	const writers = 32
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.PutWrites(ctx, key, "tools:1", []store.Write{
				{Channel: "messages", Value: i},
				{Channel: "messages", Value: i},
			})
		}()
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "writer %d", i)
	}
	tuple, err := s.GetLatest(ctx, "t1", "", "")
	require.NoError(t, err)
	assert.Len(t, tuple.PendingWrites, 2)
}

func testConcurrentThreads(t *testing.T, s store.CheckpointStore) {
	const threads, steps = 8, 5

	var wg sync.WaitGroup
	for i := range threads {
		wg.Add(1)
		go func() {
			defer wg.Done()
			thread := fmt.Sprintf("thread-%d", i)
			parent := ""
			for step := range steps {
				cp := &store.Checkpoint{ID: store.NewCheckpointID(), ParentID: parent, State: state(step)}
				if _, err := s.Put(context.Background(), thread, "", cp, nil); err != nil {
					t.Errorf("%s step %d: %v", thread, step, err)
					return
				}
				parent = cp.ID
			}
		}()
	}
	wg.Wait()

	for i := range threads {
		assert.Len(t, list(t, s, store.ListOptions{ThreadID: fmt.Sprintf("thread-%d", i)}), steps)
	}
}

func testNamespaceIsolation(t *testing.T, s store.CheckpointStore) {
	ctx := context.Background()
	root := chain(t, s, "t1", "", 1)
	sub := chain(t, s, "t1", "sub", 2)

	head, err := s.GetLatest(ctx, "t1", "", "")
	require.NoError(t, err)
	assert.Equal(t, root[0], head.Key.CheckpointID)

	head, err = s.GetLatest(ctx, "t1", "sub", "")
	require.NoError(t, err)
	assert.Equal(t, sub[1], head.Key.CheckpointID)
	assert.Equal(t, "sub", head.Key.Namespace)

	ns := ""
	assert.Equal(t, root, list(t, s, store.ListOptions{ThreadID: "t1", Namespace: &ns}))
	assert.Len(t, list(t, s, store.ListOptions{ThreadID: "t1"}), 3)
}

func testPendingWrites(t *testing.T, s store.CheckpointStore) {
	ctx := context.Background()
	ids := chain(t, s, "t1", "", 1)
	key := store.CheckpointKey{ThreadID: "t1", CheckpointID: ids[0]}

	require.NoError(t, s.PutWrites(ctx, key, "tools:2", []store.Write{
		{Channel: "messages", Value: "first"},
		{Channel: "messages", Value: "second"},
	}))
	require.NoError(t, s.PutWrites(ctx, key, "llm:1", []store.Write{{Channel: "messages", Value: 7}}))
	// Replaying a task overwrites by (task, idx).
	require.NoError(t, s.PutWrites(ctx, key, "tools:2", []store.Write{{Channel: "messages", Value: "first again"}}))

	tuple, err := s.GetLatest(ctx, "t1", "", "")
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 3)

	got := make([]string, 0, 3)
	for _, w := range tuple.PendingWrites {
		got = append(got, fmt.Sprintf("%s/%d/%s=%s", w.TaskID, w.Idx, w.Channel, w.Value))
	}
	assert.Equal(t, []string{
		`llm:1/0/messages=7`,
		`tools:2/0/messages="first again"`,
		`tools:2/1/messages="second"`,
	}, got)
}

func testWritesIsolation(t *testing.T, s store.CheckpointStore) {
	ctx := context.Background()
	id := store.NewCheckpointID()
	for _, thread := range []string{"a", "b"} {
		_, err := s.Put(ctx, thread, "", &store.Checkpoint{ID: id, State: state(thread)}, nil)
		require.NoError(t, err)
	}

	require.NoError(t, s.PutWrites(ctx, store.CheckpointKey{ThreadID: "a", CheckpointID: id}, "task", []store.Write{{Channel: "c", Value: "only a"}}))

	a, err := s.GetLatest(ctx, "a", "", id)
	require.NoError(t, err)
	assert.Len(t, a.PendingWrites, 1)

	b, err := s.GetLatest(ctx, "b", "", id)
	require.NoError(t, err)
	assert.Empty(t, b.PendingWrites)
}

func testListOptions(t *testing.T, s store.CheckpointStore) {
	ids := chain(t, s, "t1", "", 4)
	other := chain(t, s, "t2", "", 1)

	assert.Equal(t, []string{ids[3], ids[2], ids[1], ids[0]}, list(t, s, store.ListOptions{ThreadID: "t1"}))
	assert.Equal(t, []string{ids[1], ids[0]}, list(t, s, store.ListOptions{ThreadID: "t1", Before: ids[2]}))
	assert.Equal(t, []string{ids[3], ids[2]}, list(t, s, store.ListOptions{ThreadID: "t1", Limit: 2}))
	assert.Len(t, list(t, s, store.ListOptions{ThreadID: "t1", Limit: -1}), 4)
	assert.Equal(t, []string{ids[2]}, list(t, s, store.ListOptions{ThreadID: "t1", Filter: map[string]any{"step": 2}}))
	assert.Equal(t, []string{ids[0]}, list(t, s, store.ListOptions{Filter: map[string]any{"step": 0, "source": "loop"}, Before: other[0]}))
	assert.Empty(t, list(t, s, store.ListOptions{ThreadID: "t1", Filter: map[string]any{"source": "input"}}))

	all := list(t, s, store.ListOptions{})
	assert.Len(t, all, 5)
	assert.Equal(t, other[0], all[0])

	// Each call restarts the sequence, and stopping early is allowed.
	seq := s.List(context.Background(), store.ListOptions{ThreadID: "t1"})
	for range 2 {
		n := 0
		for _, err := range seq {
			require.NoError(t, err)
			n++
			if n == 2 {
				break
			}
		}
		assert.Equal(t, 2, n)
	}
}

func testRemoveAll(t *testing.T, s store.CheckpointStore) {
	ctx := context.Background()
	ids := chain(t, s, "t1", "", 2)
	chain(t, s, "t1", "sub", 1)
	keep := chain(t, s, "t2", "", 1)
	require.NoError(t, s.PutWrites(ctx, store.CheckpointKey{ThreadID: "t1", CheckpointID: ids[1]}, "task", []store.Write{
		{Channel: "a", Value: 1},
		{Channel: "b", Value: 2},
	}))

	removed, err := s.RemoveAll(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 5, removed)

	head, err := s.GetLatest(ctx, "t1", "", "")
	require.NoError(t, err)
	assert.Nil(t, head)

	head, err = s.GetLatest(ctx, "t2", "", "")
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, keep[0], head.Key.CheckpointID)

	removed, err = s.RemoveAll(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func testInvalidKey(t *testing.T, s store.CheckpointStore) {
	ctx := context.Background()
	_, err := s.Put(ctx, "", "", &store.Checkpoint{ID: store.NewCheckpointID()}, nil)
	assert.ErrorIs(t, err, store.ErrInvalidKey)

	_, err = s.Put(ctx, "t1", "", &store.Checkpoint{}, nil)
	assert.ErrorIs(t, err, store.ErrInvalidKey)

	err = s.PutWrites(ctx, store.CheckpointKey{ThreadID: "t1"}, "task", nil)
	assert.ErrorIs(t, err, store.ErrInvalidKey)
}

func testClosed(t *testing.T, s store.CheckpointStore) {
	require.NoError(t, s.Close())

	_, err := s.GetLatest(context.Background(), "t1", "", "")
	assert.ErrorIs(t, err, store.ErrStoreClosed)

	_, err = s.Put(context.Background(), "t1", "", &store.Checkpoint{ID: store.NewCheckpointID(), State: state(0)}, nil)
	assert.ErrorIs(t, err, store.ErrStoreClosed)
}
