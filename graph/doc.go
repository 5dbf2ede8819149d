// Package graph is the state graph engine that agent loops run on.
//
// A StateGraph[S] holds named nodes, static edges and conditional edges.
// Nodes receive the full state and return a partial update which the
// graph's StateSchema merges in. Without a schema the update replaces the
// state. Compile checks the wiring and returns a StateRunnable:
//
//	g := graph.NewStateGraph[State]()
//	g.AddNode("llm", "call the model", callModel)
//	g.AddNode("tools", "run tool calls", runTools)
//	g.AddConditionalEdge("llm", func(ctx context.Context, s State) string {
//		if len(graph.ToolCalls(s.last())) > 0 {
//			return "tools"
//		}
//		return graph.END
//	})
//	g.AddEdge("tools", "llm")
//	g.SetEntryPoint("llm")
//	g.SetSchema(schema)
//	runnable, err := g.Compile()
//
// Runs are bounded by RunOptions.MaxSteps (DefaultMaxSteps when unset) and
// fail with ErrStepLimitExceeded past it. Each run and node gets an
// OpenTelemetry span from the tracer provider set by WithTracerProvider.
//
// # Checkpointing
//
// CheckpointableRunnable persists a thread's state after the input merge
// and after every node into a store.CheckpointStore. Invoke continues from
// the thread head. When the head records an unfinished step, that step runs
// again first, using pending writes saved for it when a decoder is
// configured. Calls on the same thread are serialized.
package graph
