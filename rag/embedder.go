package rag

import (
	"context"
	"fmt"
	"math"

	"github.com/sashabaranov/go-openai"
	"github.com/tmc/langchaingo/embeddings"
)

// OpenAIEmbedderOptions configures NewOpenAIEmbedder.
type OpenAIEmbedderOptions struct {
	APIKey    string
	BaseURL   string
	Model     string // defaults to text-embedding-3-small
	Dimension int    // defaults to DefaultDimension
}

// OpenAIEmbedder calls the OpenAI embeddings endpoint.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
	dim    int
}

// NewOpenAIEmbedder creates an embedder backed by go-openai.
func NewOpenAIEmbedder(opts OpenAIEmbedderOptions) *OpenAIEmbedder {
	config := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		config.BaseURL = opts.BaseURL
	}
	model := openai.SmallEmbedding3
	if opts.Model != "" {
		model = openai.EmbeddingModel(opts.Model)
	}
	dim := opts.Dimension
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(config),
		model:  model,
		dim:    dim,
	}
}

// EmbedDocuments embeds texts in one request. The result is in input order.
func (e *OpenAIEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		if err := CheckDimension(d.Embedding, e.dim); err != nil {
			return nil, err
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// EmbedQuery embeds a single query string.
func (e *OpenAIEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Dimension returns the configured vector length.
func (e *OpenAIEmbedder) Dimension() int {
	return e.dim
}

// MockEmbedder produces deterministic unit vectors derived from the text.
// Equal texts embed equally; it needs no network.
type MockEmbedder struct {
	dim int
}

// NewMockEmbedder creates a new MockEmbedder
func NewMockEmbedder(dimension int) *MockEmbedder {
	return &MockEmbedder{dim: dimension}
}

func (e *MockEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.generateEmbedding(text)
	}
	return out, nil
}

func (e *MockEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return e.generateEmbedding(text), nil
}

func (e *MockEmbedder) Dimension() int {
	return e.dim
}

func (e *MockEmbedder) generateEmbedding(text string) []float32 {
	embedding := make([]float32, e.dim)
	for i := 0; i < e.dim; i++ {
		var sum float64
		for j, char := range text {
			sum += float64(char) * float64(i+j+1)
		}
		embedding[i] = float32(math.Sin(sum / 1000.0))
	}

	var norm float64
	for _, v := range embedding {
		norm += float64(v * v)
	}
	if norm == 0 {
		return embedding
	}
	norm = math.Sqrt(norm)
	for i := range embedding {
		embedding[i] = float32(float64(embedding[i]) / norm)
	}
	return embedding
}

// LangChainEmbedder adapts a langchaingo embeddings.Embedder. The dimension
// must be supplied because langchaingo embedders do not expose it.
type LangChainEmbedder struct {
	embedder embeddings.Embedder
	dim      int
}

// NewLangChainEmbedder creates a new adapter for langchaingo embedders
func NewLangChainEmbedder(embedder embeddings.Embedder, dimension int) *LangChainEmbedder {
	return &LangChainEmbedder{embedder: embedder, dim: dimension}
}

func (l *LangChainEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := l.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed documents: %w", err)
	}
	for _, v := range vecs {
		if err := CheckDimension(v, l.dim); err != nil {
			return nil, err
		}
	}
	return vecs, nil
}

func (l *LangChainEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	v, err := l.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if err := CheckDimension(v, l.dim); err != nil {
		return nil, err
	}
	return v, nil
}

func (l *LangChainEmbedder) Dimension() int {
	return l.dim
}
