// Package store provides rag.VectorStore implementations: an in-memory
// cosine index and a PostgreSQL pgvector store.
package store
