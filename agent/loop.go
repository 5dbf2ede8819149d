package agent

import (
	"context"
	"fmt"
	"slices"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/tools"
	"go.opentelemetry.io/otel/trace"

	"github.com/MR-GREEN1337/wakil/graph"
	"github.com/MR-GREEN1337/wakil/log"
	"github.com/MR-GREEN1337/wakil/nodes"
)

// CompiledAgent is a runnable conversational agent. Turns on the same thread
// run one at a time; different threads run in parallel.
type CompiledAgent struct {
	agent    *Agent
	schema   *StateSchema
	prompt   string
	model    nodes.Model
	tools    []tools.Tool
	ingested int
	maxSteps int

	runnable *graph.CheckpointableRunnable[AgentState]
	logger   log.Logger
	metrics  *metrics
}

// Agent returns the compiled agent definition.
func (c *CompiledAgent) Agent() *Agent { return c.agent }

// Prompt returns the rendered system prompt.
func (c *CompiledAgent) Prompt() string { return c.prompt }

// Schema returns the state schema.
func (c *CompiledAgent) Schema() *StateSchema { return c.schema }

// Tools returns the tools bound to the model.
func (c *CompiledAgent) Tools() []tools.Tool { return slices.Clone(c.tools) }

// Ingested returns the number of vectors written during compilation.
func (c *CompiledAgent) Ingested() int { return c.ingested }

// Runnable exposes the checkpointed loop.
func (c *CompiledAgent) Runnable() *graph.CheckpointableRunnable[AgentState] { return c.runnable }

func (c *CompiledAgent) buildLoop(tp trace.TracerProvider) (*graph.StateRunnable[AgentState], error) {
	byName := make(map[string]tools.Tool, len(c.tools))
	for _, t := range c.tools {
		byName[t.Name()] = t
	}
	system := llms.TextParts(llms.ChatMessageTypeSystem, c.prompt)

	g := graph.NewStateGraph[AgentState]()
	g.SetSchema(c.schema)

	g.AddNode(NodeLLM, "Call the model with the system prompt and the message log", func(ctx context.Context, state AgentState) (AgentState, error) {
		messages := make([]llms.MessageContent, 0, len(state.Messages)+1)
		messages = append(messages, system)
		messages = append(messages, state.Messages...)
		msg, err := c.model.Invoke(ctx, messages)
		if err != nil {
			return AgentState{}, err
		}
		return AgentState{Messages: []llms.MessageContent{msg}}, nil
	})

	g.AddNode(NodeTools, "Run the tool calls of the latest model message", func(ctx context.Context, state AgentState) (AgentState, error) {
		last, ok := graph.LastMessage(state.Messages)
		if !ok {
			return AgentState{}, fmt.Errorf("no messages in state")
		}
		var update AgentState
		for _, tc := range graph.ToolCalls(last) {
			if tc.FunctionCall == nil {
				return AgentState{}, fmt.Errorf("tool call %s has no function", tc.ID)
			}
			name := tc.FunctionCall.Name
			t, ok := byName[name]
			if !ok {
				return AgentState{}, fmt.Errorf("model called unknown tool %q", name)
			}
			c.metrics.recordToolCall(ctx, name)
			out, err := t.Call(ctx, nodes.ToolInput(tc.FunctionCall.Arguments))
			if err != nil {
				return AgentState{}, fmt.Errorf("tool %s failed: %w", name, err)
			}
			update.Messages = append(update.Messages, llms.MessageContent{
				Role:  llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{ToolCallID: tc.ID, Name: name, Content: out}},
			})
		}
		return update, nil
	})

	g.SetEntryPoint(NodeLLM)
	g.AddConditionalEdge(NodeLLM, routeTools)
	g.AddEdge(NodeTools, NodeLLM)

	r, err := g.Compile()
	if err != nil {
		return nil, err
	}
	if tp != nil {
		r = r.WithTracerProvider(tp)
	}
	return r, nil
}

// routeTools sends the loop to TOOLS when the latest message asks for a
// tool, and ends the turn otherwise.
func routeTools(_ context.Context, state AgentState) string {
	last, ok := graph.LastMessage(state.Messages)
	if ok && len(graph.ToolCalls(last)) > 0 {
		return NodeTools
	}
	return graph.END
}

func (c *CompiledAgent) config(threadID string) graph.Config {
	return graph.Config{
		ThreadID: threadID,
		MaxSteps: c.maxSteps,
		Metadata: map[string]any{"agent_id": c.agent.ID, "user_id": c.agent.OwnerID},
	}
}

// Chat runs one turn on threadID and returns the model's final answer.
// A failed turn leaves the thread at its last durable checkpoint.
func (c *CompiledAgent) Chat(ctx context.Context, threadID, input string) (reply string, err error) {
	defer func() { c.metrics.recordTurn(ctx, c.agent.ID, err) }()

	in := AgentState{Messages: []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, input)}}
	state, err := c.runnable.Invoke(ctx, in, c.config(threadID))
	if err != nil {
		c.logger.Error("turn on thread %s failed: %v", threadID, err)
		return "", err
	}
	last, _ := graph.LastMessage(state.Messages)
	return MessageText(last), nil
}

// Messages returns the message log of threadID, or nil for a new thread.
func (c *CompiledAgent) Messages(ctx context.Context, threadID string) ([]llms.MessageContent, error) {
	snap, err := c.runnable.GetState(ctx, c.config(threadID))
	if err != nil || snap == nil {
		return nil, err
	}
	return snap.Values.Messages, nil
}

// History returns the checkpoints of threadID newest first.
func (c *CompiledAgent) History(ctx context.Context, threadID string, limit int) ([]*graph.StateSnapshot[AgentState], error) {
	return c.runnable.History(ctx, c.config(threadID), limit)
}
