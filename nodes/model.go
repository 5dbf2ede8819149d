package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/tools"

	"github.com/MR-GREEN1337/wakil/llms/anthropic"
)

// Provider is a model backend family.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

const (
	DefaultTemperature = 0.7
	DefaultPrompt      = "You are a helpful assistant"
)

// SupportedModels is the allowlist of provider model ids.
var SupportedModels = map[string]Provider{
	"gpt-4o":                      ProviderOpenAI,
	"gpt-4o-mini":                 ProviderOpenAI,
	"o1":                          ProviderOpenAI,
	"o1-mini":                     ProviderOpenAI,
	"gpt-4":                       ProviderOpenAI,
	"gpt-4-turbo":                 ProviderOpenAI,
	"gpt-3.5-turbo":               ProviderOpenAI,
	anthropic.ModelClaude35Sonnet: ProviderAnthropic,
	"claude-3-5-haiku-20241022":   ProviderAnthropic,
	anthropic.ModelClaude3Haiku:   ProviderAnthropic,
	"claude-3-opus-20240229":      ProviderAnthropic,
}

// modelDefaults maps each model tag to its provider and default model id.
var modelDefaults = map[NodeType]struct {
	provider Provider
	model    string
}{
	TypeGPT4o:          {ProviderOpenAI, "gpt-4o"},
	TypeGPTo1:          {ProviderOpenAI, "o1-mini"},
	TypeGPT4:           {ProviderOpenAI, "gpt-4"},
	TypeGPT35Turbo:     {ProviderOpenAI, "gpt-3.5-turbo"},
	TypeClaude35Sonnet: {ProviderAnthropic, anthropic.ModelClaude35Sonnet},
	TypeClaude3Haiku:   {ProviderAnthropic, anthropic.ModelClaude3Haiku},
}

// ResolveModel returns the provider and model id a model node will use:
// metadata "model" when set, else the tag's default. The id must be in
// SupportedModels and belong to the tag's provider.
func ResolveModel(cfg Config) (Provider, string, error) {
	def, ok := modelDefaults[cfg.Type]
	if !ok {
		return "", "", initError(cfg, fmt.Errorf("%w %q in model family", ErrNoConstructor, cfg.Type))
	}
	id := def.model
	if m := cfg.String("model"); m != "" {
		id = m
	}
	if p, ok := SupportedModels[id]; !ok || p != def.provider {
		return "", "", &UnsupportedModelError{Type: cfg.Type, Model: id}
	}
	return def.provider, id, nil
}

// ModelNode is the model family implementation.
type ModelNode struct {
	id          string
	tag         NodeType
	modelID     string
	llm         llms.Model
	temperature float64
	prompt      string
	tools       []tools.Tool
	defs        []llms.Tool
}

var _ Model = (*ModelNode)(nil)

func newModelNode(d Deps, cfg Config) (Model, error) {
	provider, modelID, err := ResolveModel(cfg)
	if err != nil {
		return nil, err
	}
	temp, err := cfg.Float("temperature", DefaultTemperature)
	if err != nil {
		return nil, initError(cfg, err)
	}
	prompt := cfg.String("prompt")
	if prompt == "" {
		prompt = DefaultPrompt
	}

	factory := d.NewLLM
	if factory == nil {
		factory = d.defaultLLM
	}
	llm, err := factory(provider, modelID)
	if err != nil {
		return nil, initError(cfg, err)
	}
	return &ModelNode{
		id:          cfg.ID,
		tag:         cfg.Type,
		modelID:     modelID,
		llm:         llm,
		temperature: temp,
		prompt:      prompt,
	}, nil
}

func (d Deps) defaultLLM(provider Provider, modelID string) (llms.Model, error) {
	switch provider {
	case ProviderOpenAI:
		opts := []openai.Option{openai.WithModel(modelID), openai.WithToken(d.OpenAIAPIKey)}
		if d.OpenAIBaseURL != "" {
			opts = append(opts, openai.WithBaseURL(d.OpenAIBaseURL))
		}
		return openai.New(opts...)
	case ProviderAnthropic:
		opts := []anthropic.Option{anthropic.WithModel(modelID), anthropic.WithAPIKey(d.AnthropicAPIKey)}
		if d.AnthropicBaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(d.AnthropicBaseURL))
		}
		return anthropic.New(opts...)
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}

func (m *ModelNode) ModelID() string              { return m.modelID }
func (m *ModelNode) Temperature() float64         { return m.temperature }
func (m *ModelNode) Prompt() string               { return m.prompt }
func (m *ModelNode) Tools() []tools.Tool          { return m.tools }
func (m *ModelNode) ToolDefinitions() []llms.Tool { return m.defs }

// BindTools makes ts available to the model. Each tool takes one string
// argument, "query".
func (m *ModelNode) BindTools(ts []tools.Tool) {
	m.tools = ts
	m.defs = make([]llms.Tool, len(ts))
	for i, t := range ts {
		m.defs[i] = llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{
							"type":        "string",
							"description": "The question to look up.",
						},
					},
					"required": []string{"query"},
				},
			},
		}
	}
}

// Invoke calls the model and converts its first choice into an AI message
// carrying text and tool calls.
func (m *ModelNode) Invoke(ctx context.Context, messages []llms.MessageContent) (llms.MessageContent, error) {
	opts := []llms.CallOption{llms.WithTemperature(m.temperature)}
	if len(m.defs) > 0 {
		opts = append(opts, llms.WithTools(m.defs))
	}
	resp, err := m.llm.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return llms.MessageContent{}, fmt.Errorf("model %s failed: %w", m.modelID, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return llms.MessageContent{}, fmt.Errorf("model %s returned no choices", m.modelID)
	}

	choice := resp.Choices[0]
	msg := llms.MessageContent{Role: llms.ChatMessageTypeAI}
	if choice.Content != "" || len(choice.ToolCalls) == 0 {
		msg.Parts = append(msg.Parts, llms.TextContent{Text: choice.Content})
	}
	for _, tc := range choice.ToolCalls {
		msg.Parts = append(msg.Parts, tc)
	}
	return msg, nil
}

// ToolInput extracts the "query" argument of a tool call, falling back to
// the raw arguments.
func ToolInput(arguments string) string {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err == nil && args.Query != "" {
		return args.Query
	}
	return strings.TrimSpace(arguments)
}

// IsUnsupportedModel reports whether err is an UnsupportedModelError.
func IsUnsupportedModel(err error) bool {
	var target *UnsupportedModelError
	return errors.As(err, &target)
}
