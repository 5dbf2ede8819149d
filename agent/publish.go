package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MR-GREEN1337/wakil/rag"
	"github.com/MR-GREEN1337/wakil/store"
)

// Publish compiles a and, on success, marks it published at now. A failed
// compilation leaves the publish state untouched.
func Publish(ctx context.Context, c *Compiler, a *Agent, now time.Time) (*CompiledAgent, error) {
	compiled, err := c.Compile(ctx, a)
	if err != nil {
		return nil, err
	}
	at := now.UTC()
	a.Publish.Published = true
	a.Publish.LastPublished = &at
	a.Publish.PublishCount++
	return compiled, nil
}

// DescribeGraph renders g for humans: one line per node, then one
// "node X is connected to node Y" line per edge.
func DescribeGraph(g *Graph) string {
	if g == nil {
		return "No graph found"
	}
	var b strings.Builder
	b.WriteString("nodes:\n")
	for _, n := range g.Nodes {
		fmt.Fprintf(&b, "  id: %s, type: %s, title: %s, description: %s, completed: %t\n",
			strings.TrimSpace(n.ID), n.Type, strings.TrimSpace(n.Data.Title),
			strings.TrimSpace(n.Data.Description), n.Data.Completed)
	}
	b.WriteString("edges:\n")
	for _, e := range g.Edges {
		fmt.Fprintf(&b, "  node %s is connected to node %s\n", label(g, e.Source), label(g, e.Target))
	}
	return b.String()
}

func label(g *Graph, id string) string {
	if n, ok := g.Node(id); ok {
		return n.Label()
	}
	return id
}

// ForgetResult counts what Forget removed.
type ForgetResult struct {
	Checkpoints int
	Vectors     int
}

// Forget deletes the conversation threads of an agent and every vector it
// ingested into collection. Counts are returned even when a step fails.
func Forget(ctx context.Context, checkpoints store.CheckpointStore, vectors rag.VectorStore, collection string, a *Agent, threadIDs ...string) (ForgetResult, error) {
	var res ForgetResult
	var errs []error
	for _, id := range threadIDs {
		n, err := checkpoints.RemoveAll(ctx, id)
		res.Checkpoints += n
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to remove thread %s: %w", id, err))
		}
	}
	if vectors != nil && a != nil && a.ID != "" {
		if collection == "" {
			collection = rag.DefaultCollection
		}
		n, err := vectors.Delete(ctx, collection, map[string]any{rag.PayloadGraphID: a.ID})
		res.Vectors = n
		if err != nil && !errors.Is(err, rag.ErrCollectionNotFound) {
			errs = append(errs, fmt.Errorf("failed to delete vectors of agent %s: %w", a.ID, err))
		}
	}
	return res, errors.Join(errs...)
}
