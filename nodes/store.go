package nodes

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/tools"

	"github.com/MR-GREEN1337/wakil/log"
	"github.com/MR-GREEN1337/wakil/rag"
)

// NoRelevantInformation is the retrieval answer for empty or failed queries.
const NoRelevantInformation = "No relevant information found."

// VectorStoreNode is the store family implementation for every store tag.
// The tag only names the retrieval tool; vectors go to the injected
// rag.VectorStore.
type VectorStoreNode struct {
	id         string
	agentID    string
	tag        NodeType
	vectors    rag.VectorStore
	embedder   rag.Embedder
	collection string
	topK       int
	logger     log.Logger
	now        func() time.Time
}

var _ Store = (*VectorStoreNode)(nil)

func newVectorStoreNode(d Deps, cfg Config) (Store, error) {
	if d.Vectors == nil {
		return nil, initError(cfg, errors.New("no vector store configured"))
	}
	if d.Embedder == nil {
		return nil, initError(cfg, errors.New("no embedder configured"))
	}
	return &VectorStoreNode{
		id:         cfg.ID,
		agentID:    cfg.AgentID,
		tag:        cfg.Type,
		vectors:    d.Vectors,
		embedder:   d.Embedder,
		collection: d.Collection,
		topK:       d.TopK,
		logger:     d.Logger,
		now:        d.Now,
	}, nil
}

// Ingest embeds chunks and upserts one point per chunk. Point ids are
// derived from agent, node, position and content, so re-ingesting the same
// text overwrites instead of duplicating.
func (n *VectorStoreNode) Ingest(ctx context.Context, chunks []string, ownerID, agentID, nodeID string) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}
	n.logger.Info("vectorizing %d chunks for node %s into %s", len(chunks), nodeID, n.tag)

	if err := n.vectors.EnsureCollection(ctx, n.collection, n.embedder.Dimension()); err != nil {
		return 0, fmt.Errorf("failed to prepare collection %s: %w", n.collection, err)
	}
	vecs, err := n.embedder.EmbedDocuments(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("failed to embed chunks: %w", err)
	}
	if len(vecs) != len(chunks) {
		return 0, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vecs), len(chunks))
	}

	createdAt := n.now().UTC().Format(time.RFC3339)
	points := make([]rag.Point, len(chunks))
	for i, chunk := range chunks {
		points[i] = rag.Point{
			ID:     PointID(agentID, nodeID, i, chunk),
			Vector: vecs[i],
			Payload: map[string]any{
				rag.PayloadUserID:    ownerID,
				rag.PayloadGraphID:   agentID,
				rag.PayloadNodeID:    nodeID,
				rag.PayloadContent:   chunk,
				rag.PayloadCreatedAt: createdAt,
			},
		}
	}
	if err := n.vectors.Upsert(ctx, n.collection, points); err != nil {
		return 0, fmt.Errorf("failed to upsert vectors: %w", err)
	}
	return len(points), nil
}

// Query returns the top-k chunks ingested by this node for its agent.
func (n *VectorStoreNode) Query(ctx context.Context, text string) ([]rag.SearchResult, error) {
	vec, err := n.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	filter := map[string]any{rag.PayloadGraphID: n.agentID, rag.PayloadNodeID: n.id}
	results, err := n.vectors.Search(ctx, n.collection, vec, filter, n.topK)
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", n.collection, err)
	}
	return results, nil
}

// RetrievalTool exposes Query to the model.
func (n *VectorStoreNode) RetrievalTool() tools.Tool {
	return &retrievalTool{node: n}
}

// PointID is the deterministic (UUIDv5) id of an ingested chunk.
func PointID(agentID, nodeID string, idx int, chunk string) string {
	name := strings.Join([]string{agentID, nodeID, strconv.Itoa(idx), chunk}, "\x00")
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

type retrievalTool struct {
	node *VectorStoreNode
}

func (t *retrievalTool) Name() string {
	return string(t.node.tag) + "RAGTool"
}

func (t *retrievalTool) Description() string {
	return fmt.Sprintf("A tool to retrieve relevant information from the %s vector database based on a given query.", t.node.tag)
}

// Call never fails: an unavailable store degrades to NoRelevantInformation.
func (t *retrievalTool) Call(ctx context.Context, input string) (string, error) {
	results, err := t.node.Query(ctx, input)
	if err != nil {
		t.node.logger.Warn("retrieval from %s node %s failed: %v", t.node.tag, t.node.id, err)
		return NoRelevantInformation, nil
	}
	return FormatResults(results), nil
}

// FormatResults renders results as "Content: ..." blocks separated by blank
// lines.
func FormatResults(results []rag.SearchResult) string {
	if len(results) == 0 {
		return NoRelevantInformation
	}
	blocks := make([]string, len(results))
	for i, r := range results {
		content := r.Content()
		if content == "" {
			content = "No content available"
		}
		blocks[i] = "Content: " + content
	}
	return strings.Join(blocks, "\n\n")
}
