package rag

import (
	"context"
	"fmt"
	"maps"
	"strings"

	"github.com/tmc/langchaingo/documentloaders"
	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/textsplitter"
)

// Chunking parameters used for every ingested source.
const (
	ChunkSize    = 1000
	ChunkOverlap = 100
)

// NewRecursiveSplitter returns the recursive character splitter used for
// ingestion.
func NewRecursiveSplitter() textsplitter.TextSplitter {
	return textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(ChunkSize),
		textsplitter.WithChunkOverlap(ChunkOverlap),
	)
}

// LoadDocuments runs a langchaingo loader and converts its output.
func LoadDocuments(ctx context.Context, loader documentloaders.Loader) ([]Document, error) {
	schemaDocs, err := loader.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load documents: %w", err)
	}
	return convertSchemaDocuments(schemaDocs), nil
}

// JoinDocuments concatenates document contents with blank lines, skipping
// empty documents.
func JoinDocuments(docs []Document) string {
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		if s := strings.TrimSpace(d.Content); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}

// SplitText splits text with splitter and drops blank chunks.
func SplitText(splitter textsplitter.TextSplitter, text string) ([]string, error) {
	chunks, err := splitter.SplitText(text)
	if err != nil {
		return nil, fmt.Errorf("failed to split text: %w", err)
	}
	out := chunks[:0]
	for _, c := range chunks {
		if strings.TrimSpace(c) != "" {
			out = append(out, c)
		}
	}
	return out, nil
}

// convertSchemaDocuments converts langchaingo schema.Document to our Document type
func convertSchemaDocuments(schemaDocs []schema.Document) []Document {
	docs := make([]Document, len(schemaDocs))
	for i, schemaDoc := range schemaDocs {
		md := make(map[string]any, len(schemaDoc.Metadata))
		maps.Copy(md, schemaDoc.Metadata)
		docs[i] = Document{Content: schemaDoc.PageContent, Metadata: md}
	}
	return docs
}
