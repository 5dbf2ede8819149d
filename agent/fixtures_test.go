package agent

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/MR-GREEN1337/wakil/log"
	"github.com/MR-GREEN1337/wakil/nodes"
	"github.com/MR-GREEN1337/wakil/rag"
	vecstore "github.com/MR-GREEN1337/wakil/rag/store"
	"github.com/MR-GREEN1337/wakil/store"
)

const pageText = "Paris is the capital of France."

func node(id string, typ nodes.NodeType, metadata map[string]any) Node {
	return Node{ID: id, Type: typ, Data: NodeData{Title: string(typ), Metadata: metadata}}
}

func edge(from, to string) Edge {
	return Edge{ID: from + "-" + to, Source: from, SourceHandle: "out", Target: to}
}

func testAgent(pageURL string) *Agent {
	return &Agent{
		ID:          "agent-1",
		OwnerID:     "user-1",
		Title:       "Geo",
		Description: "answers geography questions",
		Graph: &Graph{
			Nodes: []Node{
				node("src", nodes.TypeURLScraper, map[string]any{"urlSearch": pageURL}),
				node("vec", nodes.TypeQdrant, nil),
				node("llm", nodes.TypeGPT4o, map[string]any{"prompt": "You know geography", "temperature": 0.2}),
			},
			Edges: []Edge{edge("src", "vec"), edge("vec", "llm")},
		},
	}
}

func newPageServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("<html><body><p>" + pageText + "</p></body></html>"))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

// scriptedLLM answers with its replies in order, then with "done".
type scriptedLLM struct {
	mu      sync.Mutex
	replies []*llms.ContentResponse
	calls   [][]llms.MessageContent
}

func (s *scriptedLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, s, prompt, options...)
}

func (s *scriptedLLM) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, append([]llms.MessageContent(nil), messages...))
	if len(s.replies) == 0 {
		return textReply("done"), nil
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r, nil
}

func (s *scriptedLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func textReply(text string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: text}}}
}

func toolReply(id, tool, query string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		ToolCalls: []llms.ToolCall{{
			ID:           id,
			Type:         "function",
			FunctionCall: &llms.FunctionCall{Name: tool, Arguments: `{"query":"` + query + `"}`},
		}},
	}}}
}

// countingEmbedder counts EmbedDocuments calls and can be made to fail.
type countingEmbedder struct {
	*rag.MockEmbedder
	docCalls atomic.Int32
	fail     error
}

func (e *countingEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	e.docCalls.Add(1)
	if e.fail != nil {
		return nil, e.fail
	}
	return e.MockEmbedder.EmbedDocuments(ctx, texts)
}

type harness struct {
	llm      *scriptedLLM
	embedder *countingEmbedder
	vectors  *vecstore.InMemoryVectorStore
	registry *nodes.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		llm:      &scriptedLLM{},
		embedder: &countingEmbedder{MockEmbedder: rag.NewMockEmbedder(32)},
		vectors:  vecstore.NewInMemoryVectorStore(),
	}
	h.registry = nodes.NewRegistry(nodes.Deps{
		Vectors:  h.vectors,
		Embedder: h.embedder,
		NewLLM: func(nodes.Provider, string) (llms.Model, error) {
			return h.llm, nil
		},
		Logger: &log.NoOpLogger{},
	})
	return h
}

var errEmbed = errors.New("embedding quota exceeded")

// unreachableVectors fails every upsert the way a lost connection does.
type unreachableVectors struct{ rag.VectorStore }

func (unreachableVectors) Upsert(context.Context, string, []rag.Point) error {
	return &store.ConnectionError{Backend: "pgvector", Err: errors.New("dial tcp: connection refused")}
}

func requireViolations(t *testing.T, err error) []string {
	t.Helper()
	var ve *GraphValidationError
	require.True(t, errors.As(err, &ve), "expected GraphValidationError, got %v", err)
	return ve.Violations()
}
