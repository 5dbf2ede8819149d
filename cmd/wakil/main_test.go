package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/MR-GREEN1337/wakil/agent"
	"github.com/MR-GREEN1337/wakil/config"
	"github.com/MR-GREEN1337/wakil/rag"
	"github.com/MR-GREEN1337/wakil/store"
	"github.com/MR-GREEN1337/wakil/store/sqlite"
)

const validAgent = `{
  "id": "agent-1",
  "user_id": "user-1",
  "title": "Geo",
  "graph": {
    "nodes": [
      {"id": "src", "type": "URL Scraper", "data": {"title": "Source", "metadata": {"urlSearch": "https://example.com"}}},
      {"id": "vec", "type": "Qdrant", "data": {"title": "Store"}},
      {"id": "llm", "type": "GPT-4o", "data": {"title": "Model"}}
    ],
    "edges": [
      {"id": "e1", "source": "src", "target": "vec"},
      {"id": "e2", "source": "vec", "target": "llm"}
    ]
  }
}`

const loneModelGraph = `{
  "nodes": [{"id": "llm", "type": "GPT-4o", "data": {"title": "Model"}}],
  "edges": []
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func runCLI(t *testing.T, stdin string, args ...string) (int, string, string) {
	t.Helper()
	t.Setenv("WAKIL_EMBEDDING_PROVIDER", "mock")
	t.Setenv("WAKIL_LOG_LEVEL", "error")
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, strings.NewReader(stdin), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func sqliteConfig(t *testing.T) (string, string) {
	t.Helper()
	db := filepath.Join(t.TempDir(), "wakil.db")
	cfg := writeFile(t, "wakil.toml", "[checkpoint]\nbackend = \"sqlite\"\npath = \""+filepath.ToSlash(db)+"\"\n")
	return cfg, db
}

func TestRun_Usage(t *testing.T) {
	code, _, stderr := runCLI(t, "")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "usage: wakil")

	code, _, stderr = runCLI(t, "", "deploy")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, `unknown command "deploy"`)
}

func TestRun_Validate(t *testing.T) {
	code, stdout, _ := runCLI(t, "", "validate", writeFile(t, "agent.json", validAgent))
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "graph is valid")

	code, stdout, stderr := runCLI(t, "", "validate", writeFile(t, "graph.json", loneModelGraph))
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "graph is invalid (2 problems):")
	assert.Contains(t, stdout, "there should be at least one source node in the graph")
	assert.Contains(t, stdout, "there should be at least one store node in the graph")
	assert.Empty(t, stderr)
}

func TestRun_ValidateMissingFile(t *testing.T) {
	code, _, stderr := runCLI(t, "", "validate", filepath.Join(t.TempDir(), "nope.json"))
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "failed to read")

	code, _, stderr = runCLI(t, "", "validate")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "validate takes exactly one argument")
}

func TestRun_Describe(t *testing.T) {
	code, stdout, _ := runCLI(t, "", "describe", writeFile(t, "agent.json", validAgent))
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "Geo")
	assert.Contains(t, stdout, "id: src, type: URL Scraper, title: Source")
	assert.Contains(t, stdout, "node Source is connected to node Store")
	assert.Contains(t, stdout, "node Store is connected to node Model")

	code, stdout, _ = runCLI(t, "", "describe", "-mermaid", writeFile(t, "agent.json", validAgent))
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "flowchart LR\n")
	assert.Contains(t, stdout, "n0 --> n1\n")
}

func TestRun_InvalidConfig(t *testing.T) {
	cfg := writeFile(t, "wakil.yaml", "checkpoint:\n  backend: etcd\n")
	code, _, stderr := runCLI(t, "", "-config", cfg, "describe", writeFile(t, "agent.json", validAgent))
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, `unknown backend "etcd"`)
}

// putCheckpoint appends a checkpoint to thread's chain and returns its id.
func putCheckpoint(t *testing.T, db, thread, parent string, msgs ...llms.MessageContent) string {
	t.Helper()
	s, err := sqlite.NewSqliteCheckpointStore(sqlite.SqliteOptions{Path: db})
	require.NoError(t, err)
	defer s.Close()

	state, err := json.Marshal(agent.AgentState{Messages: msgs})
	require.NoError(t, err)
	key, err := s.Put(context.Background(), thread, "",
		&store.Checkpoint{ID: store.NewCheckpointID(), ParentID: parent, State: state},
		map[string]any{"source": "input", "step": 0, "next": "llm"})
	require.NoError(t, err)
	return key.CheckpointID
}

func TestRun_History(t *testing.T) {
	cfg, db := sqliteConfig(t)
	putCheckpoint(t, db, "t1", "", llms.TextParts(llms.ChatMessageTypeHuman, "where is Paris?"))

	code, stdout, stderr := runCLI(t, "", "-config", cfg, "history", "t1")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "thread t1")
	assert.Contains(t, stdout, "source=input step=0")
	assert.Contains(t, stdout, "next=llm messages=1")
	assert.Contains(t, stdout, "where is Paris?")

	code, stdout, _ = runCLI(t, "", "-config", cfg, "history", "other")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "no checkpoints")
}

func TestRun_Forget(t *testing.T) {
	cfg, db := sqliteConfig(t)
	root := putCheckpoint(t, db, "t1", "", llms.TextParts(llms.ChatMessageTypeHuman, "hi"))
	putCheckpoint(t, db, "t1", root, llms.TextParts(llms.ChatMessageTypeHuman, "hi again"))

	code, stdout, stderr := runCLI(t, "", "-config", cfg, "forget", "-agent", writeFile(t, "agent.json", validAgent), "t1")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "removed 2 checkpoints and 0 vectors")

	s, err := sqlite.NewSqliteCheckpointStore(sqlite.SqliteOptions{Path: db})
	require.NoError(t, err)
	defer s.Close()
	tuple, err := s.GetLatest(context.Background(), "t1", "", "")
	require.NoError(t, err)
	assert.Nil(t, tuple)

	code, _, stderr = runCLI(t, "", "-config", cfg, "forget")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "forget needs a thread id or -agent")
}

func TestOpenCheckpointStore(t *testing.T) {
	ctx := context.Background()

	s, err := openCheckpointStore(ctx, config.CheckpointConfig{Backend: "memory"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	mr := miniredis.RunT(t)
	s, err = openCheckpointStore(ctx, config.CheckpointConfig{Backend: "redis", Addr: mr.Addr(), Prefix: "cli:"})
	require.NoError(t, err)
	_, err = s.Put(ctx, "t1", "", &store.Checkpoint{ID: store.NewCheckpointID(), State: []byte(`{}`)}, nil)
	require.NoError(t, err)
	assert.True(t, mr.Exists("cli:threads"))
	require.NoError(t, s.Close())

	addr := mr.Addr()
	mr.Close()
	_, err = openCheckpointStore(ctx, config.CheckpointConfig{Backend: "redis", Addr: addr})
	assert.True(t, store.IsConnectionError(err), "got %v", err)

	_, err = openCheckpointStore(ctx, config.CheckpointConfig{Backend: "etcd"})
	assert.EqualError(t, err, `unknown checkpoint backend "etcd"`)
}

func TestOpenBackends(t *testing.T) {
	cfg := config.Default()
	cfg.Embedding.Provider = "mock"
	cfg.Vector.Dimension = 8

	b, err := openBackends(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, 8, b.embedder.Dimension())
	assert.IsType(t, &rag.MockEmbedder{}, b.embedder)
	assert.NotNil(t, b.registry)

	cfg.Embedding.Provider = "langchaingo"
	cfg.Embedding.APIKey = "sk-test"
	emb, err := newEmbedder(cfg)
	require.NoError(t, err)
	assert.IsType(t, &rag.LangChainEmbedder{}, emb)
	assert.Equal(t, 8, emb.Dimension())

	cfg.Embedding.Provider = "openai"
	emb, err = newEmbedder(cfg)
	require.NoError(t, err)
	assert.IsType(t, &rag.OpenAIEmbedder{}, emb)

	cfg.Vector.Backend = "qdrant"
	_, err = openBackends(context.Background(), cfg, nil)
	assert.EqualError(t, err, `unknown vector backend "qdrant"`)
}

func TestRenderTranscript(t *testing.T) {
	msgs := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, "What is the capital of **France**?"),
		{Role: llms.ChatMessageTypeAI, Parts: []llms.ContentPart{llms.ToolCall{ID: "c1", Type: "function", FunctionCall: &llms.FunctionCall{Name: "PineconeRAGTool", Arguments: `{"query":"France"}`}}}},
		{Role: llms.ChatMessageTypeTool, Parts: []llms.ContentPart{llms.ToolCallResponse{ToolCallID: "c1", Name: "PineconeRAGTool", Content: "Paris"}}},
		llms.TextParts(llms.ChatMessageTypeAI, "Paris. <script>alert(1)</script>"),
	}

	md := transcriptMarkdown("Geo", msgs)
	assert.Equal(t, "# Geo\n\n**You:**\n\nWhat is the capital of **France**?\n\n**Agent:**\n\nParis. <script>alert(1)</script>\n\n", md)

	out := string(renderTranscript("Geo <1>", msgs))
	assert.Contains(t, out, "<title>Geo &lt;1&gt;</title>")
	assert.Contains(t, out, "<strong>France</strong>")
	assert.Contains(t, out, "<strong>Agent:</strong>")
	assert.NotContains(t, out, "<script>")
	assert.NotContains(t, out, "PineconeRAGTool")
}
