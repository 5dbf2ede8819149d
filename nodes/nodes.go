package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/tools"

	"github.com/MR-GREEN1337/wakil/log"
	"github.com/MR-GREEN1337/wakil/rag"
	"github.com/MR-GREEN1337/wakil/tool"
)

// Source produces text for ingestion.
type Source interface {
	Load(ctx context.Context) (string, error)
	// Chunks loads and splits the text. A source yields its chunks once.
	Chunks(ctx context.Context) iter.Seq2[string, error]
}

// Store ingests text as vectors and answers similarity queries.
type Store interface {
	Ingest(ctx context.Context, chunks []string, ownerID, agentID, nodeID string) (int, error)
	Query(ctx context.Context, text string) ([]rag.SearchResult, error)
	RetrievalTool() tools.Tool
}

// Model wraps a language model backend.
type Model interface {
	BindTools(tools []tools.Tool)
	// Invoke returns the next assistant message for messages.
	Invoke(ctx context.Context, messages []llms.MessageContent) (llms.MessageContent, error)
}

// Config is the part of a graph node that constructors read.
type Config struct {
	ID       string
	Type     NodeType
	Metadata map[string]any
	// AgentID scopes what store nodes read back. Node ids are only unique
	// within one agent.
	AgentID string
}

// String returns the trimmed string value of key, or "".
func (c Config) String(key string) string {
	switch v := c.Metadata[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	default:
		return ""
	}
}

// Float returns the numeric value of key, or def when absent.
func (c Config) Float(key string, def float64) (float64, error) {
	v, ok := c.Metadata[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		if strings.TrimSpace(n) == "" {
			return def, nil
		}
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		return 0, fmt.Errorf("metadata %q: expected a number, got %T", key, v)
	}
}

// LLMFactory builds a model backend for an allowlisted model id.
type LLMFactory func(provider Provider, modelID string) (llms.Model, error)

// Deps are the collaborators constructors may use. Clients are created once
// by the caller and shared across nodes.
type Deps struct {
	HTTP      tool.HTTPOptions
	Wikipedia []tool.WikipediaOption
	Blobs     tool.BlobFetcher

	Vectors    rag.VectorStore
	Embedder   rag.Embedder
	Collection string
	TopK       int

	OpenAIAPIKey     string
	OpenAIBaseURL    string
	AnthropicAPIKey  string
	AnthropicBaseURL string
	// NewLLM replaces the built-in OpenAI and Anthropic backends.
	NewLLM LLMFactory

	Logger log.Logger
	Now    func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Collection == "" {
		d.Collection = rag.DefaultCollection
	}
	if d.TopK <= 0 {
		d.TopK = rag.DefaultTopK
	}
	if d.Blobs == nil {
		d.Blobs = tool.NewHTTPBlobFetcher(d.HTTP)
	}
	d.Logger = log.OrDefault(d.Logger)
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}
