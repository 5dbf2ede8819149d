// Package rag holds the retrieval primitives shared by store nodes: the
// VectorStore and Embedder contracts, embedders backed by OpenAI or
// langchaingo, and loader/splitter helpers over langchaingo's
// documentloaders and textsplitter packages.
//
// Vectors live in collections whose dimension is fixed at creation. Store
// nodes write one point per chunk with the payload keys Payload* and query
// with a node_id filter.
package rag
