package graph

import (
	"context"
	"errors"
)

// END is a special constant used to represent the end node in the graph.
const END = "END"

var (
	// ErrEntryPointNotSet is returned when the entry point of the graph is not set.
	ErrEntryPointNotSet = errors.New("entry point not set")

	// ErrNodeNotFound is returned when a node is not found in the graph.
	ErrNodeNotFound = errors.New("node not found")

	// ErrNoOutgoingEdge is returned when no outgoing edge is found for a node.
	ErrNoOutgoingEdge = errors.New("no outgoing edge found for node")

	// ErrStepLimitExceeded is returned when a run takes more steps than its limit allows.
	ErrStepLimitExceeded = errors.New("step limit exceeded")
)

// DefaultMaxSteps bounds a single run when the caller does not set a limit.
const DefaultMaxSteps = 25

// Edge represents an edge in the graph.
type Edge struct {
	// From is the name of the node from which the edge originates.
	From string

	// To is the name of the node to which the edge points.
	To string
}

// TypedNode represents a typed node in the graph.
type TypedNode[S any] struct {
	Name        string
	Description string

	// Function receives the full current state and returns a partial update.
	// The update is merged into the state by the graph schema.
	Function func(ctx context.Context, state S) (S, error)
}

// Router picks the next node from the merged state.
type Router[S any] func(ctx context.Context, state S) string
