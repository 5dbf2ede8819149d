package nodes

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MR-GREEN1337/wakil/log"
	"github.com/MR-GREEN1337/wakil/rag"
	vecstore "github.com/MR-GREEN1337/wakil/rag/store"
)

var fixedNow = func() time.Time { return time.Date(2024, 10, 1, 12, 0, 0, 0, time.UTC) }

func newTestStore(t *testing.T, typ NodeType, vs rag.VectorStore) *VectorStoreNode {
	t.Helper()
	reg := NewRegistry(Deps{
		Vectors:  vs,
		Embedder: rag.NewMockEmbedder(16),
		Logger:   &log.NoOpLogger{},
		Now:      fixedNow,
	})
	st, err := reg.NewStore(Config{ID: "v1", Type: typ, AgentID: "agent-1"})
	require.NoError(t, err)
	return st.(*VectorStoreNode)
}

func TestVectorStoreNode_IngestAndQuery(t *testing.T) {
	vs := vecstore.NewInMemoryVectorStore()
	st := newTestStore(t, TypeQdrant, vs)
	ctx := context.Background()

	chunks := []string{"Paris is the capital of France.", "Go was designed at Google.", "Rust has a borrow checker."}
	n, err := st.Ingest(ctx, chunks, "user-1", "agent-1", "v1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, vs.Count(rag.DefaultCollection))

	// Same text again overwrites the same points.
	_, err = st.Ingest(ctx, chunks, "user-1", "agent-1", "v1")
	require.NoError(t, err)
	assert.Equal(t, 3, vs.Count(rag.DefaultCollection))

	results, err := st.Query(ctx, "Go was designed at Google.")
	require.NoError(t, err)
	require.NotEmpty(t, results)
	top := results[0]
	assert.Equal(t, "Go was designed at Google.", top.Content())
	assert.Equal(t, "user-1", top.Payload[rag.PayloadUserID])
	assert.Equal(t, "agent-1", top.Payload[rag.PayloadGraphID])
	assert.Equal(t, "v1", top.Payload[rag.PayloadNodeID])
	assert.Equal(t, "2024-10-01T12:00:00Z", top.Payload[rag.PayloadCreatedAt])
	assert.Equal(t, PointID("agent-1", "v1", 1, chunks[1]), top.ID)
}

func TestVectorStoreNode_QueryIsScopedToNode(t *testing.T) {
	vs := vecstore.NewInMemoryVectorStore()
	st := newTestStore(t, TypePGVector, vs)
	ctx := context.Background()

	_, err := st.Ingest(ctx, []string{"belongs to another node"}, "u", "agent-1", "other")
	require.NoError(t, err)

	results, err := st.Query(ctx, "belongs to another node")
	require.NoError(t, err)
	assert.Empty(t, results)

	out, err := st.RetrievalTool().Call(ctx, "belongs to another node")
	require.NoError(t, err)
	assert.Equal(t, NoRelevantInformation, out)
}

func TestVectorStoreNode_QueryIsScopedToAgent(t *testing.T) {
	vs := vecstore.NewInMemoryVectorStore()
	st := newTestStore(t, TypeQdrant, vs)
	ctx := context.Background()

	// Another agent's node with the same canvas id shares the collection.
	_, err := st.Ingest(ctx, []string{"Bob's salary is 1M."}, "user-2", "agent-2", "v1")
	require.NoError(t, err)
	_, err = st.Ingest(ctx, []string{"Paris is the capital of France."}, "user-1", "agent-1", "v1")
	require.NoError(t, err)
	require.Equal(t, 2, vs.Count(rag.DefaultCollection))

	results, err := st.Query(ctx, "Bob's salary is 1M.")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Paris is the capital of France.", results[0].Content())
	assert.Equal(t, "agent-1", results[0].Payload[rag.PayloadGraphID])
}

func TestVectorStoreNode_EmptyIngest(t *testing.T) {
	st := newTestStore(t, TypeQdrant, vecstore.NewInMemoryVectorStore())
	n, err := st.Ingest(context.Background(), nil, "u", "agent-1", "v1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestVectorStoreNode_DimensionMismatch(t *testing.T) {
	vs := vecstore.NewInMemoryVectorStore()
	require.NoError(t, vs.EnsureCollection(context.Background(), rag.DefaultCollection, 8))

	st := newTestStore(t, TypeQdrant, vs)
	_, err := st.Ingest(context.Background(), []string{"text"}, "u", "agent-1", "v1")
	assert.ErrorIs(t, err, rag.ErrDimensionMismatch)
}

func TestRetrievalTool(t *testing.T) {
	vs := vecstore.NewInMemoryVectorStore()
	st := newTestStore(t, TypePinecone, vs)
	ctx := context.Background()

	tl := st.RetrievalTool()
	assert.Equal(t, "PineconeRAGTool", tl.Name())
	assert.Equal(t, "A tool to retrieve relevant information from the Pinecone vector database based on a given query.", tl.Description())

	_, err := st.Ingest(ctx, []string{"the answer is 42"}, "u", "agent-1", "v1")
	require.NoError(t, err)

	out, err := tl.Call(ctx, "the answer is 42")
	require.NoError(t, err)
	assert.Equal(t, "Content: the answer is 42", out)
}

type brokenVectors struct{ rag.VectorStore }

func (brokenVectors) Search(context.Context, string, []float32, map[string]any, int) ([]rag.SearchResult, error) {
	return nil, errors.New("connection refused")
}

func TestRetrievalTool_DegradesOnStoreError(t *testing.T) {
	st := newTestStore(t, TypeQdrant, brokenVectors{})

	_, err := st.Query(context.Background(), "anything")
	assert.ErrorContains(t, err, "connection refused")

	out, err := st.RetrievalTool().Call(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, NoRelevantInformation, out)
}

func TestNewVectorStoreNode_RequiresCollaborators(t *testing.T) {
	_, err := NewRegistry(Deps{Embedder: rag.NewMockEmbedder(4)}).NewStore(Config{ID: "v1", Type: TypeQdrant})
	assert.ErrorContains(t, err, "no vector store configured")

	_, err = NewRegistry(Deps{Vectors: vecstore.NewInMemoryVectorStore()}).NewStore(Config{ID: "v1", Type: TypeQdrant})
	assert.ErrorContains(t, err, "no embedder configured")
}

func TestFormatResults(t *testing.T) {
	assert.Equal(t, NoRelevantInformation, FormatResults(nil))
	out := FormatResults([]rag.SearchResult{
		{Payload: map[string]any{rag.PayloadContent: "first"}},
		{Payload: map[string]any{}},
	})
	assert.Equal(t, "Content: first\n\nContent: No content available", out)
}

func TestPointID(t *testing.T) {
	a := PointID("agent", "node", 0, "text")
	assert.Equal(t, a, PointID("agent", "node", 0, "text"))
	assert.NotEqual(t, a, PointID("agent", "node", 1, "text"))
	assert.NotEqual(t, a, PointID("agent", "other", 0, "text"))
	assert.Len(t, a, 36)
}
