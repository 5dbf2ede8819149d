package nodes

import (
	"errors"
	"fmt"
)

var (
	// ErrNoConstructor is wrapped when a tag has no constructor in the
	// requested family.
	ErrNoConstructor = errors.New("no constructor for node type")
	// ErrMissingMetadata is wrapped when a required metadata key is absent.
	ErrMissingMetadata = errors.New("missing required metadata")
	// ErrSourceConsumed is yielded by a second Chunks call on one source.
	ErrSourceConsumed = errors.New("source chunks already consumed")
)

// UnsupportedModelError reports a model id outside the allowlist, or one
// that does not belong to the node's provider.
type UnsupportedModelError struct {
	Type  NodeType
	Model string
}

func (e *UnsupportedModelError) Error() string {
	return fmt.Sprintf("unsupported model %q for node type %s", e.Model, e.Type)
}

// NodeInitializationError reports a node that could not be constructed.
type NodeInitializationError struct {
	NodeID string
	Type   NodeType
	Err    error
}

func (e *NodeInitializationError) Error() string {
	return fmt.Sprintf("failed to initialize node %s (%s): %v", e.NodeID, e.Type, e.Err)
}

func (e *NodeInitializationError) Unwrap() error {
	return e.Err
}

func initError(cfg Config, err error) error {
	return &NodeInitializationError{NodeID: cfg.ID, Type: cfg.Type, Err: err}
}

func missing(cfg Config, key string) error {
	return initError(cfg, fmt.Errorf("%w %q", ErrMissingMetadata, key))
}
