package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MR-GREEN1337/wakil/nodes"
)

func TestBuildPrompt(t *testing.T) {
	a := testAgent("https://example.com")
	schema := BuildStateSchema(a.Graph)

	prompt, err := BuildPrompt(a, schema)
	require.NoError(t, err)

	lines := strings.Split(prompt, "\n\n")
	assert.Equal(t, "You are Geo, an AI agent with the following purpose: answers geography questions", lines[0])
	assert.Equal(t, "Your base capabilities are defined as: You know geography", lines[1])
	assert.Equal(t, "You have access to the following types of nodes: GPT-4o, Qdrant, URL Scraper", lines[2])
	assert.Equal(t, "Your knowledge graph consists of 3 nodes and 2 connections.", lines[3])
	assert.Equal(t, "Your state contains the following fields: messages, vector_store, scraped_data, llm_config", lines[4])
	assert.Contains(t, prompt, "specify that you're using the URL Scraper")
	assert.Contains(t, prompt, "You have access to scraped data in your state.")
	assert.NotContains(t, prompt, "uploaded files")
	assert.True(t, strings.HasSuffix(prompt, "specify which state field you're utilizing."))
}

func TestBuildPrompt_IsPure(t *testing.T) {
	a := testAgent("https://example.com")
	a.Outlines = []string{"greet", "answer"}
	schema := BuildStateSchema(a.Graph)

	first, err := BuildPrompt(a, schema)
	require.NoError(t, err)
	second, err := BuildPrompt(a, schema)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Contains(t, first, "Follow this outline when it applies:\n- greet\n- answer")

	// Reordering nodes does not change the output.
	b := testAgent("https://example.com")
	b.Outlines = a.Outlines
	b.Graph.Nodes[0], b.Graph.Nodes[2] = b.Graph.Nodes[2], b.Graph.Nodes[0]
	third, err := BuildPrompt(b, BuildStateSchema(b.Graph))
	require.NoError(t, err)
	assert.Equal(t, first, third)

	assert.Equal(t, testAgent("https://example.com").Graph, a.Graph)
}

func TestBuildPrompt_DefaultBasePrompt(t *testing.T) {
	a := testAgent("https://example.com")
	a.Graph.Nodes[2].Data.Metadata = nil

	prompt, err := BuildPrompt(a, BuildStateSchema(a.Graph))
	require.NoError(t, err)
	assert.Contains(t, prompt, "Your base capabilities are defined as: "+nodes.DefaultPrompt)
}

func TestBuildPrompt_NoModelNode(t *testing.T) {
	a := testAgent("https://example.com")
	a.Graph.Nodes = a.Graph.Nodes[:2]

	_, err := BuildPrompt(a, BuildStateSchema(a.Graph))
	assert.ErrorIs(t, err, ErrNoModelNode)
}
