package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/liushuangls/go-anthropic/v2"
	"github.com/tmc/langchaingo/callbacks"
	"github.com/tmc/langchaingo/llms"
)

var (
	ErrEmptyResponse = errors.New("no response")
	ErrMissingAPIKey = errors.New("anthropic api key not set")
)

// LLM adapts the Anthropic Messages API to langchaingo's llms.Model,
// including tool calls.
type LLM struct {
	client           *anthropic.Client
	model            string
	maxTokens        int
	CallbacksHandler callbacks.Handler
}

var _ llms.Model = (*LLM)(nil)

// New returns a new Anthropic LLM client.
//
//	llm, err := anthropic.New(
//		anthropic.WithAPIKey(key),
//		anthropic.WithModel(anthropic.ModelClaude3Haiku),
//	)
func New(opts ...Option) (*LLM, error) {
	o := &options{
		apiKey:    getEnvOrDefault("ANTHROPIC_API_KEY", ""),
		model:     ModelClaude35Sonnet,
		maxTokens: defaultMaxTokens,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.apiKey == "" {
		return nil, fmt.Errorf("%w: pass anthropic.WithAPIKey or export ANTHROPIC_API_KEY", ErrMissingAPIKey)
	}

	var clientOpts []anthropic.ClientOption
	if o.baseURL != "" {
		clientOpts = append(clientOpts, anthropic.WithBaseURL(o.baseURL))
	}
	if o.httpClient != nil {
		clientOpts = append(clientOpts, anthropic.WithHTTPClient(o.httpClient))
	}

	return &LLM{
		client:           anthropic.NewClient(o.apiKey, clientOpts...),
		model:            o.model,
		maxTokens:        o.maxTokens,
		CallbacksHandler: o.callbacksHandler,
	}, nil
}

// Call generates a response from the LLM for the given prompt.
func (o *LLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, o, prompt, options...)
}

// GenerateContent implements the Model interface.
func (o *LLM) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	if o.CallbacksHandler != nil {
		o.CallbacksHandler.HandleLLMGenerateContentStart(ctx, messages)
	}

	opts := &llms.CallOptions{}
	for _, opt := range options {
		opt(opts)
	}

	req, err := o.buildRequest(messages, opts)
	if err != nil {
		return nil, o.fail(ctx, err)
	}

	result, err := o.client.CreateMessages(ctx, req)
	if err != nil {
		return nil, o.fail(ctx, fmt.Errorf("anthropic request failed: %w", err))
	}
	if len(result.Content) == 0 {
		return nil, o.fail(ctx, ErrEmptyResponse)
	}

	choice := &llms.ContentChoice{
		StopReason: string(result.StopReason),
		GenerationInfo: map[string]any{
			"input_tokens":  result.Usage.InputTokens,
			"output_tokens": result.Usage.OutputTokens,
		},
	}
	var text strings.Builder
	for _, c := range result.Content {
		switch c.Type {
		case anthropic.MessagesContentTypeText:
			if c.Text != nil {
				text.WriteString(*c.Text)
			}
		case anthropic.MessagesContentTypeToolUse:
			if c.MessageContentToolUse == nil {
				continue
			}
			args := string(c.MessageContentToolUse.Input)
			if args == "" {
				args = "{}"
			}
			choice.ToolCalls = append(choice.ToolCalls, llms.ToolCall{
				ID:   c.MessageContentToolUse.ID,
				Type: "function",
				FunctionCall: &llms.FunctionCall{
					Name:      c.MessageContentToolUse.Name,
					Arguments: args,
				},
			})
		}
	}
	choice.Content = text.String()

	resp := &llms.ContentResponse{Choices: []*llms.ContentChoice{choice}}
	if o.CallbacksHandler != nil {
		o.CallbacksHandler.HandleLLMGenerateContentEnd(ctx, resp)
	}
	return resp, nil
}

func (o *LLM) fail(ctx context.Context, err error) error {
	if o.CallbacksHandler != nil {
		o.CallbacksHandler.HandleLLMError(ctx, err)
	}
	return err
}

func (o *LLM) buildRequest(messages []llms.MessageContent, opts *llms.CallOptions) (anthropic.MessagesRequest, error) {
	model := o.model
	if opts.Model != "" {
		model = opts.Model
	}
	maxTokens := o.maxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}

	req := anthropic.MessagesRequest{
		Model:         anthropic.Model(model),
		MaxTokens:     maxTokens,
		StopSequences: opts.StopWords,
	}
	if opts.Temperature > 0 {
		t := float32(opts.Temperature)
		req.Temperature = &t
	}

	var system []string
	for _, msg := range messages {
		if msg.Role == llms.ChatMessageTypeSystem {
			for _, part := range msg.Parts {
				if text, ok := part.(llms.TextContent); ok {
					system = append(system, text.Text)
				}
			}
			continue
		}

		role, content, err := convertMessage(msg)
		if err != nil {
			return req, err
		}
		if len(content) == 0 {
			continue
		}
		// consecutive turns of one role are merged; the API requires alternation
		if n := len(req.Messages); n > 0 && req.Messages[n-1].Role == role {
			req.Messages[n-1].Content = append(req.Messages[n-1].Content, content...)
			continue
		}
		req.Messages = append(req.Messages, anthropic.Message{Role: role, Content: content})
	}
	req.System = strings.Join(system, "\n\n")

	for _, t := range opts.Tools {
		if t.Function == nil {
			continue
		}
		params := t.Function.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		req.Tools = append(req.Tools, anthropic.ToolDefinition{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: params,
		})
	}
	return req, nil
}

func convertMessage(msg llms.MessageContent) (anthropic.ChatRole, []anthropic.MessageContent, error) {
	var content []anthropic.MessageContent
	switch msg.Role {
	case llms.ChatMessageTypeHuman, llms.ChatMessageTypeGeneric, "":
		for _, part := range msg.Parts {
			if text, ok := part.(llms.TextContent); ok {
				content = append(content, anthropic.NewTextMessageContent(text.Text))
			}
		}
		return anthropic.RoleUser, content, nil

	case llms.ChatMessageTypeAI:
		for _, part := range msg.Parts {
			switch p := part.(type) {
			case llms.TextContent:
				if p.Text != "" {
					content = append(content, anthropic.NewTextMessageContent(p.Text))
				}
			case llms.ToolCall:
				if p.FunctionCall == nil {
					continue
				}
				input := json.RawMessage(p.FunctionCall.Arguments)
				if len(input) == 0 || !json.Valid(input) {
					input = json.RawMessage("{}")
				}
				content = append(content, anthropic.MessageContent{
					Type: anthropic.MessagesContentTypeToolUse,
					MessageContentToolUse: &anthropic.MessageContentToolUse{
						ID:    p.ID,
						Name:  p.FunctionCall.Name,
						Input: input,
					},
				})
			}
		}
		return anthropic.RoleAssistant, content, nil

	case llms.ChatMessageTypeTool:
		for _, part := range msg.Parts {
			if p, ok := part.(llms.ToolCallResponse); ok {
				content = append(content, anthropic.NewToolResultMessageContent(p.ToolCallID, p.Content, false))
			}
		}
		return anthropic.RoleUser, content, nil

	default:
		return "", nil, fmt.Errorf("unsupported message role %q", msg.Role)
	}
}
