package agent

import (
	"encoding/json"
	"fmt"

	"github.com/tmc/langchaingo/llms"
)

// Message parts are stored with an explicit kind so a restored log keeps
// tool calls and tool responses apart from text.
const (
	partText         = "text"
	partToolCall     = "tool_call"
	partToolResponse = "tool_response"
)

type wirePart struct {
	Kind       string `json:"kind"`
	Text       string `json:"text,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
	Arguments  string `json:"arguments,omitempty"`
	Content    string `json:"content,omitempty"`
}

type wireMessage struct {
	Role  llms.ChatMessageType `json:"role"`
	Parts []wirePart           `json:"parts"`
}

type wireState struct {
	Messages      []wireMessage  `json:"messages"`
	VectorStore   map[string]any `json:"vector_store,omitempty"`
	ScrapedData   []string       `json:"scraped_data,omitempty"`
	UploadedFiles []string       `json:"uploaded_files,omitempty"`
	LLMConfig     map[string]any `json:"llm_config,omitempty"`
}

func (s AgentState) MarshalJSON() ([]byte, error) {
	msgs, err := encodeMessages(s.Messages)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireState{
		Messages:      msgs,
		VectorStore:   s.VectorStore,
		ScrapedData:   s.ScrapedData,
		UploadedFiles: s.UploadedFiles,
		LLMConfig:     s.LLMConfig,
	})
}

func (s *AgentState) UnmarshalJSON(data []byte) error {
	var w wireState
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	msgs, err := decodeMessages(w.Messages)
	if err != nil {
		return err
	}
	*s = AgentState{
		Messages:      msgs,
		VectorStore:   w.VectorStore,
		ScrapedData:   w.ScrapedData,
		UploadedFiles: w.UploadedFiles,
		LLMConfig:     w.LLMConfig,
	}
	return nil
}

func encodeMessages(msgs []llms.MessageContent) ([]wireMessage, error) {
	out := make([]wireMessage, len(msgs))
	for i, m := range msgs {
		wm, err := encodeMessage(m)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		out[i] = wm
	}
	return out, nil
}

func encodeMessage(m llms.MessageContent) (wireMessage, error) {
	wm := wireMessage{Role: m.Role, Parts: make([]wirePart, 0, len(m.Parts))}
	for _, p := range m.Parts {
		switch p := p.(type) {
		case llms.TextContent:
			wm.Parts = append(wm.Parts, wirePart{Kind: partText, Text: p.Text})
		case llms.ToolCall:
			wp := wirePart{Kind: partToolCall, ToolCallID: p.ID}
			if p.FunctionCall != nil {
				wp.Name = p.FunctionCall.Name
				wp.Arguments = p.FunctionCall.Arguments
			}
			wm.Parts = append(wm.Parts, wp)
		case llms.ToolCallResponse:
			wm.Parts = append(wm.Parts, wirePart{Kind: partToolResponse, ToolCallID: p.ToolCallID, Name: p.Name, Content: p.Content})
		default:
			return wireMessage{}, fmt.Errorf("unsupported message part %T", p)
		}
	}
	return wm, nil
}

func decodeMessages(wms []wireMessage) ([]llms.MessageContent, error) {
	out := make([]llms.MessageContent, len(wms))
	for i, wm := range wms {
		m, err := decodeMessage(wm)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		out[i] = m
	}
	return out, nil
}

func decodeMessage(wm wireMessage) (llms.MessageContent, error) {
	m := llms.MessageContent{Role: wm.Role}
	for _, p := range wm.Parts {
		switch p.Kind {
		case partText:
			m.Parts = append(m.Parts, llms.TextContent{Text: p.Text})
		case partToolCall:
			m.Parts = append(m.Parts, llms.ToolCall{
				ID:           p.ToolCallID,
				Type:         "function",
				FunctionCall: &llms.FunctionCall{Name: p.Name, Arguments: p.Arguments},
			})
		case partToolResponse:
			m.Parts = append(m.Parts, llms.ToolCallResponse{ToolCallID: p.ToolCallID, Name: p.Name, Content: p.Content})
		default:
			return llms.MessageContent{}, fmt.Errorf("unknown message part kind %q", p.Kind)
		}
	}
	return m, nil
}
