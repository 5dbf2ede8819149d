// Package agent compiles a user-authored graph of typed nodes into a
// resumable conversational agent.
//
// Compilation runs in a fixed order: the graph is validated, the model node
// is built, every source is loaded and ingested into the stores it feeds,
// the state schema and system prompt are derived from the node types, and
// the store retrieval tools are bound to the model. The result is a
// two-state loop: "llm" calls the model, "tools" runs the tool calls it
// asked for, and the loop ends when the model answers without a tool call.
//
// Every step of a turn is written to a store.CheckpointStore, so a thread
// can be continued, inspected or resumed after a crash.
//
//	c, _ := agent.NewCompiler(registry, checkpoints)
//	compiled, err := c.Compile(ctx, a)
//	reply, err := compiled.Chat(ctx, "thread-1", "What changed last week?")
package agent
