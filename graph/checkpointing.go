package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/MR-GREEN1337/wakil/store"
)

// ErrMissingThreadID is returned when a checkpointed run has no thread to write to.
var ErrMissingThreadID = errors.New("thread id is required")

// Checkpoint metadata keys written by CheckpointableRunnable.
const (
	MetadataSource = "source"
	MetadataStep   = "step"
	MetadataNode   = "node"
	MetadataNext   = "next"

	SourceInput = "input"
	SourceLoop  = "loop"
)

// Config addresses the conversation a checkpointed run belongs to.
type Config struct {
	ThreadID  string
	Namespace string

	// CheckpointID selects a checkpoint for GetState. Empty means the chain head.
	CheckpointID string

	// MaxSteps bounds the run. Zero means DefaultMaxSteps.
	MaxSteps int

	// Metadata is copied into every checkpoint written by the run.
	Metadata map[string]any
}

// StateSnapshot is the decoded state of one checkpoint.
type StateSnapshot[S any] struct {
	Values    S
	Key       store.CheckpointKey
	ParentKey *store.CheckpointKey
	Metadata  map[string]any
	// Next is the node that would run after this checkpoint, or END.
	Next      string
	CreatedAt time.Time
}

// CheckpointOption configures a CheckpointableRunnable.
type CheckpointOption[S any] func(*CheckpointableRunnable[S])

// WithPendingWrites records the writes fn derives from a node's update before
// the checkpoint of that step is committed.
func WithPendingWrites[S any](fn func(node string, update S) []store.Write) CheckpointOption[S] {
	return func(cr *CheckpointableRunnable[S]) {
		cr.pendingWrites = fn
	}
}

// WithWritesDecoder lets a resumed run rebuild a node's update from the pending
// writes of an interrupted step instead of executing the node again.
func WithWritesDecoder[S any](fn func(node string, writes []store.PendingWrite) (S, bool)) CheckpointOption[S] {
	return func(cr *CheckpointableRunnable[S]) {
		cr.decodeWrites = fn
	}
}

// CheckpointableRunnable runs a compiled graph and persists every step as a
// checkpoint of the thread given in Config. Runs on the same thread are serialized.
type CheckpointableRunnable[S any] struct {
	runnable *StateRunnable[S]
	store    store.CheckpointStore
	locks    *keyedMutex

	pendingWrites func(node string, update S) []store.Write
	decodeWrites  func(node string, writes []store.PendingWrite) (S, bool)
}

// NewCheckpointableRunnable wraps runnable with checkpoint persistence on st.
func NewCheckpointableRunnable[S any](runnable *StateRunnable[S], st store.CheckpointStore, opts ...CheckpointOption[S]) *CheckpointableRunnable[S] {
	cr := &CheckpointableRunnable[S]{
		runnable: runnable,
		store:    st,
		locks:    newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(cr)
	}
	return cr
}

// Store returns the checkpoint store the runnable writes to.
func (cr *CheckpointableRunnable[S]) Store() store.CheckpointStore {
	return cr.store
}

// Invoke runs one turn on the thread named by cfg.
//
// The thread's head checkpoint is restored first. If that head recorded an
// unfinished step, the interrupted run is completed before input is applied.
// Then input is merged, an "input" checkpoint is written and the graph runs
// from its entry point, writing a "loop" checkpoint after every node.
func (cr *CheckpointableRunnable[S]) Invoke(ctx context.Context, input S, cfg Config) (S, error) {
	var zero S
	if cfg.ThreadID == "" {
		return zero, ErrMissingThreadID
	}

	unlock := cr.locks.Lock(cfg.ThreadID + "\x00" + cfg.Namespace)
	defer unlock()

	head, err := cr.store.GetLatest(ctx, cfg.ThreadID, cfg.Namespace, "")
	if err != nil {
		return zero, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}

	w := &chainWriter[S]{cr: cr, cfg: cfg}
	state, err := cr.runnable.InitialState(zero)
	if err != nil {
		return zero, err
	}

	if head != nil {
		if err := json.Unmarshal(head.Checkpoint.State, &state); err != nil {
			return zero, fmt.Errorf("failed to decode checkpoint %s: %w", head.Key.CheckpointID, err)
		}
		w.parent = head.Key
		w.step = metadataInt(head.Metadata, MetadataStep)

		if next, _ := head.Metadata[MetadataNext].(string); next != "" && next != END {
			state, err = cr.runnable.Run(ctx, state, RunOptions[S]{
				StartAt:  next,
				MaxSteps: cfg.MaxSteps,
				OnStep:   w.onStep,
				Replay:   cr.replayer(head, w.step+1),
			})
			if err != nil {
				return zero, fmt.Errorf("failed to resume thread %s: %w", cfg.ThreadID, err)
			}
		}
	}

	state, err = cr.runnable.Merge(state, input)
	if err != nil {
		return zero, err
	}
	w.step++
	if err := w.put(ctx, state, SourceInput, "", cr.runnable.EntryPoint()); err != nil {
		return zero, err
	}

	return cr.runnable.Run(ctx, state, RunOptions[S]{
		MaxSteps: cfg.MaxSteps,
		OnStep:   w.onStep,
	})
}

// GetState decodes the checkpoint addressed by cfg. It returns nil, nil when
// the thread has no checkpoints.
func (cr *CheckpointableRunnable[S]) GetState(ctx context.Context, cfg Config) (*StateSnapshot[S], error) {
	if cfg.ThreadID == "" {
		return nil, ErrMissingThreadID
	}
	tuple, err := cr.store.GetLatest(ctx, cfg.ThreadID, cfg.Namespace, cfg.CheckpointID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if tuple == nil {
		return nil, nil
	}
	return decodeSnapshot[S](tuple)
}

// History returns the thread's snapshots newest first. A limit of zero returns all of them.
func (cr *CheckpointableRunnable[S]) History(ctx context.Context, cfg Config, limit int) ([]*StateSnapshot[S], error) {
	if cfg.ThreadID == "" {
		return nil, ErrMissingThreadID
	}
	ns := cfg.Namespace
	var out []*StateSnapshot[S]
	for tuple, err := range cr.store.List(ctx, store.ListOptions{ThreadID: cfg.ThreadID, Namespace: &ns, Limit: limit}) {
		if err != nil {
			return nil, fmt.Errorf("failed to list checkpoints: %w", err)
		}
		snap, err := decodeSnapshot[S](tuple)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func (cr *CheckpointableRunnable[S]) replayer(head *store.CheckpointTuple, step int) func(context.Context, string, int) (S, bool) {
	return func(_ context.Context, node string, index int) (S, bool) {
		var zero S
		if index != 0 || cr.decodeWrites == nil {
			return zero, false
		}
		taskID := TaskID(node, step)
		var writes []store.PendingWrite
		for _, pw := range head.PendingWrites {
			if pw.TaskID == taskID {
				writes = append(writes, pw)
			}
		}
		if len(writes) == 0 {
			return zero, false
		}
		return cr.decodeWrites(node, writes)
	}
}

// TaskID names the task that ran node at a thread-wide step number.
func TaskID(node string, step int) string {
	return fmt.Sprintf("%s:%d", node, step)
}

// chainWriter appends checkpoints to one thread, tracking the current parent.
type chainWriter[S any] struct {
	cr     *CheckpointableRunnable[S]
	cfg    Config
	parent store.CheckpointKey
	step   int
}

func (w *chainWriter[S]) onStep(ctx context.Context, st Step[S]) error {
	w.step++
	if w.cr.pendingWrites != nil && w.parent.CheckpointID != "" {
		if writes := w.cr.pendingWrites(st.Node, st.Update); len(writes) > 0 {
			if err := w.cr.store.PutWrites(ctx, w.parent, TaskID(st.Node, w.step), writes); err != nil {
				return fmt.Errorf("failed to save pending writes: %w", err)
			}
		}
	}
	return w.put(ctx, st.State, SourceLoop, st.Node, st.Next)
}

func (w *chainWriter[S]) put(ctx context.Context, state S, source, node, next string) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	metadata := make(map[string]any, len(w.cfg.Metadata)+4)
	maps.Copy(metadata, w.cfg.Metadata)
	metadata[MetadataSource] = source
	metadata[MetadataStep] = w.step
	metadata[MetadataNext] = next
	if node != "" {
		metadata[MetadataNode] = node
	}

	cp := &store.Checkpoint{
		ID:        store.NewCheckpointID(),
		ParentID:  w.parent.CheckpointID,
		State:     data,
		CreatedAt: time.Now().UTC(),
	}
	key, err := w.cr.store.Put(ctx, w.cfg.ThreadID, w.cfg.Namespace, cp, metadata)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	w.parent = key
	return nil
}

func decodeSnapshot[S any](tuple *store.CheckpointTuple) (*StateSnapshot[S], error) {
	var values S
	if err := json.Unmarshal(tuple.Checkpoint.State, &values); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", tuple.Key.CheckpointID, err)
	}
	next, _ := tuple.Metadata[MetadataNext].(string)
	return &StateSnapshot[S]{
		Values:    values,
		Key:       tuple.Key,
		ParentKey: tuple.ParentKey,
		Metadata:  tuple.Metadata,
		Next:      next,
		CreatedAt: tuple.Checkpoint.CreatedAt,
	}, nil
}

// metadataInt reads a number that may have been normalized to float64 or json.Number.
func metadataInt(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}
