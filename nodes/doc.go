// Package nodes turns the typed nodes of an agent graph into runnable
// components.
//
// Every node tag belongs to one of three capability families:
//
//   - Source nodes (URL Scraper, Wikipedia Search, File Upload) produce text.
//   - Store nodes (Qdrant, Pinecone, PGVector) embed that text into a
//     rag.VectorStore and expose a retrieval tool to the model.
//   - Model nodes (GPT and Claude tags) wrap an llms.Model.
//
// The remaining tags are reserved: they parse, but a Registry has no
// constructor for them.
//
//	reg := nodes.NewRegistry(nodes.Deps{Vectors: vs, Embedder: emb})
//	src, err := reg.NewSource(nodes.Config{ID: "n1", Type: nodes.TypeURLScraper,
//		Metadata: map[string]any{"urlSearch": "https://go.dev"}})
package nodes
