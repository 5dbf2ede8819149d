package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/tools"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MR-GREEN1337/wakil/graph"
	"github.com/MR-GREEN1337/wakil/log"
	"github.com/MR-GREEN1337/wakil/nodes"
	"github.com/MR-GREEN1337/wakil/store"
)

// Names of the two states of the control loop.
const (
	NodeLLM   = "llm"
	NodeTools = "tools"
)

// Option configures a Compiler.
type Option func(*Compiler)

// WithLogger sets the logger. The package default is used otherwise.
func WithLogger(l log.Logger) Option {
	return func(c *Compiler) {
		c.logger = l
	}
}

// WithMaxSteps bounds the number of loop steps in one turn.
func WithMaxSteps(n int) Option {
	return func(c *Compiler) {
		c.maxSteps = n
	}
}

// WithConcurrency limits how many sources load, and how many stores ingest,
// at the same time. Zero means no limit.
func WithConcurrency(n int) Option {
	return func(c *Compiler) {
		c.concurrency = n
	}
}

// WithMeterProvider records metrics on mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Compiler) {
		c.meterProvider = mp
	}
}

// WithTracerProvider records loop spans on tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Compiler) {
		c.tracerProvider = tp
	}
}

// Compiler turns agents into runnable conversational loops. It holds no
// per-agent state and may compile several agents concurrently.
type Compiler struct {
	registry    *nodes.Registry
	checkpoints store.CheckpointStore

	logger         log.Logger
	maxSteps       int
	concurrency    int
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	metrics        *metrics
}

// NewCompiler creates a compiler that builds nodes with registry and
// persists every turn to checkpoints.
func NewCompiler(registry *nodes.Registry, checkpoints store.CheckpointStore, opts ...Option) (*Compiler, error) {
	if registry == nil {
		return nil, errors.New("node registry is required")
	}
	if checkpoints == nil {
		return nil, errors.New("checkpoint store is required")
	}
	c := &Compiler{registry: registry, checkpoints: checkpoints, maxSteps: graph.DefaultMaxSteps}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = log.OrDefault(c.logger)
	if c.maxSteps <= 0 {
		c.maxSteps = graph.DefaultMaxSteps
	}
	m, err := newMetrics(c.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	c.metrics = m
	return c, nil
}

// Compile validates a, builds its model node, ingests every source into the
// stores it feeds, and assembles the model/tool loop. Nothing is returned
// unless every step succeeds.
func (c *Compiler) Compile(ctx context.Context, a *Agent) (*CompiledAgent, error) {
	if err := Validate(a); err != nil {
		return nil, err
	}
	c.logger.Info("agent %s is valid", a.ID)

	modelCfg, ok := a.Graph.ModelNode()
	if !ok {
		return nil, ErrNoModelNode
	}
	model, err := c.registry.NewModel(modelCfg.Config())
	if err != nil {
		return nil, err
	}
	c.logger.Info("model node %s is ready (%s)", modelCfg.ID, modelCfg.Type)

	stores, ingested, err := c.buildStores(ctx, a)
	if err != nil {
		return nil, err
	}
	c.logger.Info("vector store nodes are ready: %d vectors ingested", ingested)

	schema := BuildStateSchema(a.Graph)
	schema, err = schema.WithDefaults(c.stateDefaults(a, model, modelCfg))
	if err != nil {
		return nil, fmt.Errorf("failed to build state: %w", err)
	}
	c.logger.Debug("state fields: %v", schema.Fields())

	prompt, err := BuildPrompt(a, schema)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("prompt built (%d bytes)", len(prompt))

	toolList := make([]tools.Tool, 0, len(stores))
	for _, st := range stores {
		toolList = append(toolList, st.RetrievalTool())
	}
	model.BindTools(toolList)

	compiled := &CompiledAgent{
		agent:    a,
		schema:   schema,
		prompt:   prompt,
		model:    model,
		tools:    toolList,
		ingested: ingested,
		maxSteps: c.maxSteps,
		logger:   c.logger,
		metrics:  c.metrics,
	}
	runnable, err := compiled.buildLoop(c.tracerProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to compile control loop: %w", err)
	}
	compiled.runnable = graph.NewCheckpointableRunnable(runnable, c.checkpoints,
		graph.WithPendingWrites(toolWrites(c.logger)),
		graph.WithWritesDecoder(decodeToolWrites),
	)

	c.logger.Info("agent %s compiled with %d tools", a.ID, len(toolList))
	return compiled, nil
}

// buildStores constructs every source and store node, then loads each
// source once and ingests its chunks into the stores it is connected to.
func (c *Compiler) buildStores(ctx context.Context, a *Agent) ([]nodes.Store, int, error) {
	g := a.Graph
	sourceNodes := g.NodesOf(nodes.FamilySource)
	storeNodes := g.NodesOf(nodes.FamilyStore)

	sources := make([]nodes.Source, len(sourceNodes))
	for i, n := range sourceNodes {
		src, err := c.registry.NewSource(n.Config())
		if err != nil {
			return nil, 0, err
		}
		sources[i] = src
	}
	stores := make([]nodes.Store, len(storeNodes))
	for i, n := range storeNodes {
		cfg := n.Config()
		cfg.AgentID = a.ID
		st, err := c.registry.NewStore(cfg)
		if err != nil {
			return nil, 0, err
		}
		stores[i] = st
	}

	chunks := make(map[string][]string, len(sourceNodes))
	var mu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	if c.concurrency > 0 {
		eg.SetLimit(c.concurrency)
	}
	for i, n := range sourceNodes {
		src := sources[i]
		eg.Go(func() error {
			var out []string
			for chunk, err := range src.Chunks(egCtx) {
				if err != nil {
					return &nodes.NodeInitializationError{NodeID: n.ID, Type: n.Type, Err: fmt.Errorf("failed to load source: %w", err)}
				}
				out = append(out, chunk)
			}
			c.logger.Info("loaded %d chunks from %s node %s", len(out), n.Type, n.ID)
			mu.Lock()
			chunks[n.ID] = out
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, 0, err
	}

	counts := make([]int, len(storeNodes))
	eg, egCtx = errgroup.WithContext(ctx)
	if c.concurrency > 0 {
		eg.SetLimit(c.concurrency)
	}
	for i, n := range storeNodes {
		var data []string
		for _, srcID := range g.Sources(n.ID) {
			data = append(data, chunks[srcID]...)
		}
		st := stores[i]
		eg.Go(func() error {
			count, err := st.Ingest(egCtx, data, a.OwnerID, a.ID, n.ID)
			if err != nil {
				return &nodes.NodeInitializationError{NodeID: n.ID, Type: n.Type, Err: err}
			}
			c.metrics.recordIngested(egCtx, n.ID, count)
			counts[i] = count
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, 0, err
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	return stores, total, nil
}

func (c *Compiler) stateDefaults(a *Agent, model nodes.Model, modelNode Node) AgentState {
	var d AgentState
	for _, n := range a.Graph.Nodes {
		switch {
		case n.Type.IsStore():
			if d.VectorStore == nil {
				d.VectorStore = map[string]any{}
			}
			d.VectorStore[n.ID] = string(n.Type)
		case n.Type == nodes.TypeURLScraper:
			d.ScrapedData = append(d.ScrapedData, n.Config().String("urlSearch"))
		case n.Type == nodes.TypeFileUpload:
			d.UploadedFiles = append(d.UploadedFiles, n.Config().String("url"))
		}
	}
	d.LLMConfig = map[string]any{"type": string(modelNode.Type)}
	if mn, ok := model.(interface {
		ModelID() string
		Temperature() float64
	}); ok {
		d.LLMConfig["model"] = mn.ModelID()
		d.LLMConfig["temperature"] = mn.Temperature()
	}
	return d
}

// toolWrites records each tool response of a TOOLS step so an interrupted
// step can be completed without calling the tools again. A step is saved
// whole or not at all; an unsaved step runs its tools again on resume.
func toolWrites(logger log.Logger) func(string, AgentState) []store.Write {
	return func(node string, update AgentState) []store.Write {
		if node != NodeTools {
			return nil
		}
		writes := make([]store.Write, 0, len(update.Messages))
		for _, m := range update.Messages {
			wm, err := encodeMessage(m)
			if err != nil {
				logger.Warn("pending writes of %s step not saved: %v", node, err)
				return nil
			}
			writes = append(writes, store.Write{Channel: FieldMessages, Value: wm})
		}
		return writes
	}
}

func decodeToolWrites(node string, writes []store.PendingWrite) (AgentState, bool) {
	if node != NodeTools {
		return AgentState{}, false
	}
	var update AgentState
	for _, w := range writes {
		if w.Channel != FieldMessages {
			continue
		}
		var wm wireMessage
		if err := json.Unmarshal(w.Value, &wm); err != nil {
			return AgentState{}, false
		}
		m, err := decodeMessage(wm)
		if err != nil {
			return AgentState{}, false
		}
		update.Messages = append(update.Messages, m)
	}
	return update, len(update.Messages) > 0
}

// MessageText joins the text parts of msg.
func MessageText(msg llms.MessageContent) string {
	var text string
	for _, p := range msg.Parts {
		if t, ok := p.(llms.TextContent); ok {
			text += t.Text
		}
	}
	return text
}
