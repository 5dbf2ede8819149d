package store

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrInvalidKey is returned when a required key component is empty.
	ErrInvalidKey = errors.New("invalid checkpoint key")
)

// ChainIntegrityError reports a Put that would fork a thread's history,
// attach a checkpoint to a parent that does not exist, or start a second
// root on a thread that already has checkpoints.
type ChainIntegrityError struct {
	Key           CheckpointKey
	ParentID      string
	ExistingChild string
	// Head is the current chain head when a parentless checkpoint was rejected.
	Head string
}

func (e *ChainIntegrityError) Error() string {
	if e.ParentID == "" {
		return fmt.Sprintf("checkpoint %s on thread %q: no parent given but the thread already has head %s",
			e.Key.CheckpointID, e.Key.ThreadID, e.Head)
	}
	if e.ExistingChild == "" {
		return fmt.Sprintf("checkpoint %s on thread %q: parent %s does not exist",
			e.Key.CheckpointID, e.Key.ThreadID, e.ParentID)
	}
	return fmt.Sprintf("checkpoint %s on thread %q: parent %s already has child %s",
		e.Key.CheckpointID, e.Key.ThreadID, e.ParentID, e.ExistingChild)
}

// ConnectionError wraps a failure to reach a storage collaborator.
type ConnectionError struct {
	Backend string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s connection failed: %v", e.Backend, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// QueryError wraps a failed read or write against a reachable collaborator.
type QueryError struct {
	Backend string
	Op      string
	Err     error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Backend, e.Op, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err is, or wraps, a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsChainIntegrityError reports whether err is, or wraps, a ChainIntegrityError.
func IsChainIntegrityError(err error) bool {
	var ce *ChainIntegrityError
	return errors.As(err, &ce)
}

// ValidateKey checks the components every backend requires.
func ValidateKey(threadID string, cp *Checkpoint) error {
	if threadID == "" {
		return fmt.Errorf("%w: empty thread id", ErrInvalidKey)
	}
	if cp == nil || cp.ID == "" {
		return fmt.Errorf("%w: empty checkpoint id", ErrInvalidKey)
	}
	return nil
}
