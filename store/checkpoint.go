package store

import (
	"context"
	"encoding/json"
	"iter"
	"time"

	"github.com/google/uuid"
)

// Checkpoint is one durable snapshot of a thread's state.
type Checkpoint struct {
	ID string `json:"id"`

	// ParentID points at the previous checkpoint of the same thread and namespace.
	// It is empty for the first checkpoint of a chain.
	ParentID string `json:"parent_id,omitempty"`

	// State is the serialized graph state.
	State json.RawMessage `json:"state"`

	CreatedAt time.Time `json:"created_at"`
}

// CheckpointKey addresses a checkpoint.
type CheckpointKey struct {
	ThreadID     string `json:"thread_id"`
	Namespace    string `json:"namespace"`
	CheckpointID string `json:"checkpoint_id"`
}

// Write is a single channel value produced by a task before its checkpoint is committed.
type Write struct {
	Channel string
	Value   any
}

// PendingWrite is a stored Write.
type PendingWrite struct {
	TaskID  string          `json:"task_id"`
	Idx     int             `json:"idx"`
	Channel string          `json:"channel"`
	Value   json.RawMessage `json:"value"`
}

// CheckpointTuple bundles a checkpoint with its key, metadata and pending writes.
type CheckpointTuple struct {
	Key        CheckpointKey
	ParentKey  *CheckpointKey
	Checkpoint *Checkpoint
	Metadata   map[string]any

	// PendingWrites is only populated by GetLatest.
	PendingWrites []PendingWrite
}

// ListOptions narrows a List call. Zero values mean "no restriction".
type ListOptions struct {
	ThreadID string

	// Namespace restricts to one namespace when non-nil. The empty string is a valid namespace.
	Namespace *string

	// Filter matches metadata keys by equality.
	Filter map[string]any

	// Before keeps checkpoints whose id is strictly less than this one.
	Before string

	// Limit caps the number of results. Zero or negative means unlimited.
	Limit int
}

// CheckpointStore persists checkpoint chains and pending writes.
type CheckpointStore interface {
	// GetLatest returns the checkpoint with checkpointID, or the chain head when
	// checkpointID is empty. It returns nil, nil when nothing matches.
	GetLatest(ctx context.Context, threadID, namespace, checkpointID string) (*CheckpointTuple, error)

	// List yields matching checkpoints newest first.
	List(ctx context.Context, opts ListOptions) iter.Seq2[*CheckpointTuple, error]

	// Put upserts a checkpoint under (threadID, namespace, cp.ID).
	Put(ctx context.Context, threadID, namespace string, cp *Checkpoint, metadata map[string]any) (CheckpointKey, error)

	// PutWrites upserts writes under (key, taskID, idx).
	PutWrites(ctx context.Context, key CheckpointKey, taskID string, writes []Write) error

	// RemoveAll deletes every checkpoint and pending write of a thread and
	// reports how many rows were removed, even when it fails partway.
	RemoveAll(ctx context.Context, threadID string) (int, error)

	// Close releases the underlying client.
	Close() error
}

// NewCheckpointID returns a time-ordered id. Later ids sort after earlier ones,
// so the lexicographically largest id of a chain is its head.
func NewCheckpointID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// ParentKey returns the key of cp's parent, or nil for a root checkpoint.
func ParentKey(threadID, namespace string, cp *Checkpoint) *CheckpointKey {
	if cp == nil || cp.ParentID == "" {
		return nil
	}
	return &CheckpointKey{ThreadID: threadID, Namespace: namespace, CheckpointID: cp.ParentID}
}
