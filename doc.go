// Package wakil compiles user-drawn agent graphs into runnable
// retrieval-augmented chat agents.
//
// An agent graph has three families of nodes. Source nodes (URL Scraper,
// Wikipedia Search, File Upload) produce text. Store nodes (Qdrant,
// Pinecone, PGVector) chunk, embed and index that text. Exactly one model
// node (GPT-4o, Claude-3.5-Sonnet, ...) answers questions, calling the
// store nodes as retrieval tools. Data flows source -> store -> model.
//
// # Packages
//
//	agent/     graph model, validation, state schema, prompt, compiler, chat loop
//	nodes/     node type enum and the constructor dispatch tables
//	graph/     the state graph engine and checkpointed runs
//	store/     checkpoint persistence: memory, sqlite, postgres, redis
//	rag/       embedders, text splitting and vector stores
//	tool/      HTTP fetching, page extraction and Wikipedia search
//	llms/      the Anthropic backend
//	config/    TOML/YAML/.env configuration
//	log/       leveled logging on kataras/golog
//	cmd/wakil  command line front end
//
// # Example
//
//	registry := nodes.NewRegistry(nodes.Deps{
//		Vectors:      ragstore.NewInMemoryVectorStore(),
//		Embedder:     rag.NewOpenAIEmbedder(rag.OpenAIEmbedderOptions{APIKey: key}),
//		OpenAIAPIKey: key,
//	})
//	compiler, _ := agent.NewCompiler(registry, memory.NewMemoryCheckpointStore())
//	compiled, err := compiler.Compile(ctx, a)
//	if err != nil {
//		return err
//	}
//	reply, err := compiled.Chat(ctx, "thread-1", "What is on the page?")
package wakil
