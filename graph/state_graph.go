package graph

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"
)

// StateGraph represents a state-based graph with compile-time type safety.
// The type parameter S is the state type, typically a struct.
//
// Example usage:
//
//	g := graph.NewStateGraph[MyState]()
//	g.AddNode("increment", "Increment counter", func(ctx context.Context, state MyState) (MyState, error) {
//	    return MyState{Count: state.Count + 1}, nil
//	})
//	g.AddEdge("increment", graph.END)
//	g.SetEntryPoint("increment")
type StateGraph[S any] struct {
	nodes map[string]TypedNode[S]

	edges []Edge

	// conditionalEdges maps a "From" node to the router that picks its successor.
	conditionalEdges map[string]Router[S]

	entryPoint string

	// Schema defines the initial state and how node updates are merged.
	// Without a schema each node's return value replaces the state.
	Schema StateSchema[S]
}

// NewStateGraph creates a new instance of StateGraph.
func NewStateGraph[S any]() *StateGraph[S] {
	return &StateGraph[S]{
		nodes:            make(map[string]TypedNode[S]),
		conditionalEdges: make(map[string]Router[S]),
	}
}

// AddNode adds a new node to the state graph with the given name, description and function.
func (g *StateGraph[S]) AddNode(name string, description string, fn func(ctx context.Context, state S) (S, error)) {
	g.nodes[name] = TypedNode[S]{
		Name:        name,
		Description: description,
		Function:    fn,
	}
}

// AddEdge adds a new edge to the state graph between the "from" and "to" nodes.
func (g *StateGraph[S]) AddEdge(from, to string) {
	g.edges = append(g.edges, Edge{From: from, To: to})
}

// AddConditionalEdge adds a conditional edge where the target node is determined at runtime.
// A conditional edge takes precedence over static edges leaving the same node.
func (g *StateGraph[S]) AddConditionalEdge(from string, router Router[S]) {
	g.conditionalEdges[from] = router
}

// SetEntryPoint sets the entry point node name for the state graph.
func (g *StateGraph[S]) SetEntryPoint(name string) {
	g.entryPoint = name
}

// SetSchema sets the state schema for the graph.
func (g *StateGraph[S]) SetSchema(schema StateSchema[S]) {
	g.Schema = schema
}

// Nodes returns the registered node names and descriptions.
func (g *StateGraph[S]) Nodes() map[string]string {
	out := make(map[string]string, len(g.nodes))
	for name, n := range g.nodes {
		out[name] = n.Description
	}
	return out
}

// Compile checks the graph wiring and returns a StateRunnable.
func (g *StateGraph[S]) Compile() (*StateRunnable[S], error) {
	if g.entryPoint == "" {
		return nil, ErrEntryPointNotSet
	}
	if _, ok := g.nodes[g.entryPoint]; !ok {
		return nil, fmt.Errorf("%w: entry point %s", ErrNodeNotFound, g.entryPoint)
	}
	for _, e := range g.edges {
		if _, ok := g.nodes[e.From]; !ok {
			return nil, fmt.Errorf("%w: edge source %s", ErrNodeNotFound, e.From)
		}
		if _, ok := g.nodes[e.To]; !ok && e.To != END {
			return nil, fmt.Errorf("%w: edge target %s", ErrNodeNotFound, e.To)
		}
	}
	for from := range g.conditionalEdges {
		if _, ok := g.nodes[from]; !ok {
			return nil, fmt.Errorf("%w: conditional edge source %s", ErrNodeNotFound, from)
		}
	}

	return &StateRunnable[S]{
		graph:  g,
		tracer: defaultTracer(),
	}, nil
}

// Step describes one completed node execution.
type Step[S any] struct {
	// Index counts steps from zero within a single run.
	Index int
	// Node is the node that ran.
	Node string
	// Update is the partial state the node returned.
	Update S
	// State is the state after the update was merged.
	State S
	// Next is the node that will run next, or END.
	Next string
}

// RunOptions controls a single run of a StateRunnable.
type RunOptions[S any] struct {
	// StartAt overrides the entry point.
	StartAt string

	// MaxSteps bounds the number of node executions. Zero means DefaultMaxSteps.
	MaxSteps int

	// OnStep is called after each step is merged and routed. An error aborts the run.
	OnStep func(ctx context.Context, step Step[S]) error

	// Replay may supply a node's update without executing it.
	Replay func(ctx context.Context, node string, index int) (S, bool)
}

// StateRunnable represents a compiled state graph that can be invoked.
type StateRunnable[S any] struct {
	graph  *StateGraph[S]
	tracer trace.Tracer
}

// WithTracerProvider returns a copy of the runnable that records spans on tp.
func (r *StateRunnable[S]) WithTracerProvider(tp trace.TracerProvider) *StateRunnable[S] {
	return &StateRunnable[S]{
		graph:  r.graph,
		tracer: tp.Tracer(instrumentationName),
	}
}

// EntryPoint returns the name of the entry node.
func (r *StateRunnable[S]) EntryPoint() string {
	return r.graph.entryPoint
}

// InitialState merges input into the schema's initial state.
func (r *StateRunnable[S]) InitialState(input S) (S, error) {
	if r.graph.Schema == nil {
		return input, nil
	}
	state, err := r.graph.Schema.Update(r.graph.Schema.Init(), input)
	if err != nil {
		var zero S
		return zero, fmt.Errorf("failed to initialize state with schema: %w", err)
	}
	return state, nil
}

// Merge applies a partial update to state using the graph schema.
func (r *StateRunnable[S]) Merge(state, update S) (S, error) {
	if r.graph.Schema == nil {
		return update, nil
	}
	merged, err := r.graph.Schema.Update(state, update)
	if err != nil {
		var zero S
		return zero, fmt.Errorf("schema update failed: %w", err)
	}
	return merged, nil
}

// Invoke executes the compiled graph from its entry point with the given input.
func (r *StateRunnable[S]) Invoke(ctx context.Context, input S) (S, error) {
	state, err := r.InitialState(input)
	if err != nil {
		var zero S
		return zero, err
	}
	return r.Run(ctx, state, RunOptions[S]{})
}

// Run executes the graph on an already initialised state until END is reached.
func (r *StateRunnable[S]) Run(ctx context.Context, state S, opts RunOptions[S]) (_ S, runErr error) {
	var zero S

	current := opts.StartAt
	if current == "" {
		current = r.graph.entryPoint
	}
	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	ctx, span := r.startRunSpan(ctx, current)
	defer func() { endSpan(span, runErr) }()

	for index := 0; current != END; index++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if index >= maxSteps {
			return zero, fmt.Errorf("%w: %d", ErrStepLimitExceeded, maxSteps)
		}

		node, ok := r.graph.nodes[current]
		if !ok {
			return zero, fmt.Errorf("%w: %s", ErrNodeNotFound, current)
		}

		update, err := r.executeNode(ctx, node, state, index, opts.Replay)
		if err != nil {
			return zero, fmt.Errorf("error in node %s: %w", current, err)
		}

		state, err = r.Merge(state, update)
		if err != nil {
			return zero, err
		}

		next, err := r.nextNode(ctx, current, state)
		if err != nil {
			return zero, err
		}

		if opts.OnStep != nil {
			step := Step[S]{Index: index, Node: current, Update: update, State: state, Next: next}
			if err := opts.OnStep(ctx, step); err != nil {
				return zero, fmt.Errorf("step listener failed after node %s: %w", current, err)
			}
		}

		current = next
	}

	return state, nil
}

func (r *StateRunnable[S]) executeNode(ctx context.Context, node TypedNode[S], state S, index int, replay func(context.Context, string, int) (S, bool)) (update S, err error) {
	if replay != nil {
		if u, ok := replay(ctx, node.Name, index); ok {
			return u, nil
		}
	}

	ctx, span := r.startNodeSpan(ctx, node.Name, index)
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in node %s: %v", node.Name, p)
		}
		endSpan(span, err)
	}()

	return node.Function(ctx, state)
}

func (r *StateRunnable[S]) nextNode(ctx context.Context, current string, state S) (string, error) {
	if router, ok := r.graph.conditionalEdges[current]; ok {
		next := router(ctx, state)
		if next == "" {
			return "", fmt.Errorf("conditional edge returned empty next node from %s", current)
		}
		if _, ok := r.graph.nodes[next]; !ok && next != END {
			return "", fmt.Errorf("%w: %s (routed from %s)", ErrNodeNotFound, next, current)
		}
		return next, nil
	}

	for _, e := range r.graph.edges {
		if e.From == current {
			return e.To, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoOutgoingEdge, current)
}
