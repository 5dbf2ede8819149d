package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MR-GREEN1337/wakil/nodes"
)

func TestValidate_Accepts(t *testing.T) {
	a := testAgent("https://example.com")
	assert.NoError(t, Validate(a))

	// Two sources into two stores, both feeding the model.
	g := &Graph{
		Nodes: []Node{
			node("s1", nodes.TypeURLScraper, nil),
			node("s2", nodes.TypeWikipediaSearch, nil),
			node("v1", nodes.TypeQdrant, nil),
			node("v2", nodes.TypePGVector, nil),
			node("m", nodes.TypeClaude35Sonnet, nil),
		},
		Edges: []Edge{edge("s1", "v1"), edge("s2", "v2"), edge("v1", "m"), edge("v2", "m")},
	}
	assert.NoError(t, ValidateGraph(g))
}

func TestValidate_SourceAndStoreIntoModel(t *testing.T) {
	g := &Graph{
		Nodes: []Node{
			node("s", nodes.TypeURLScraper, nil),
			node("v", nodes.TypeQdrant, nil),
			node("m", nodes.TypeGPT4o, nil),
		},
		Edges: []Edge{edge("s", "m"), edge("v", "m")},
	}
	v := requireViolations(t, ValidateGraph(g))
	assert.Equal(t, []string{"source node s is not connected to a vector db node"}, v)
}

func TestValidate_MissingStore(t *testing.T) {
	g := &Graph{
		Nodes: []Node{node("s", nodes.TypeURLScraper, nil), node("m", nodes.TypeGPT4o, nil)},
		Edges: []Edge{edge("s", "m")},
	}
	v := requireViolations(t, ValidateGraph(g))
	assert.Equal(t, []string{
		"there should be at least one store node in the graph",
		"source node s is not connected to a vector db node",
	}, v)
}

func TestValidate_EmptyGraphReportsEveryRule(t *testing.T) {
	err := ValidateGraph(&Graph{Nodes: []Node{}, Edges: []Edge{}})
	v := requireViolations(t, err)
	assert.Equal(t, []string{
		"graph is not connected: 0 nodes, 0 edges",
		"there should be exactly one model node in the graph, found 0",
		"there should be at least one source node in the graph",
		"there should be at least one store node in the graph",
	}, v)
	assert.Equal(t, "graph is not connected: 0 nodes, 0 edges; "+
		"there should be exactly one model node in the graph, found 0; "+
		"there should be at least one source node in the graph; "+
		"there should be at least one store node in the graph", err.Error())
}

func TestValidate_MissingGraph(t *testing.T) {
	for _, a := range []*Agent{nil, {ID: "a"}, {ID: "a", Graph: &Graph{}}} {
		v := requireViolations(t, Validate(a))
		assert.Equal(t, []string{"agent graph is missing"}, v)
	}
}

func TestValidate_TwoModelsSharingAStore(t *testing.T) {
	g := &Graph{
		Nodes: []Node{
			node("s", nodes.TypeURLScraper, nil),
			node("v", nodes.TypeQdrant, nil),
			node("m1", nodes.TypeGPT4o, nil),
			node("m2", nodes.TypeClaude3Haiku, nil),
		},
		Edges: []Edge{edge("s", "v"), edge("v", "m1"), edge("v", "m2")},
	}
	v := requireViolations(t, ValidateGraph(g))
	assert.Equal(t, []string{"there should be exactly one model node in the graph, found 2"}, v)
}

func TestValidate_StoreChain(t *testing.T) {
	g := &Graph{
		Nodes: []Node{
			node("s", nodes.TypeFileUpload, nil),
			node("v1", nodes.TypeQdrant, nil),
			node("v2", nodes.TypePinecone, nil),
			node("m", nodes.TypeGPT4, nil),
		},
		Edges: []Edge{edge("s", "v1"), edge("v1", "v2"), edge("v2", "m")},
	}
	v := requireViolations(t, ValidateGraph(g))
	assert.Equal(t, []string{"store node v1 is not connected to a model node"}, v)
}

func TestValidate_OneViolationPerMisconnectedNode(t *testing.T) {
	g := &Graph{
		Nodes: []Node{
			node("s", nodes.TypeURLScraper, nil),
			node("w", nodes.TypeWikipediaSearch, nil),
			node("v", nodes.TypeQdrant, nil),
			node("m", nodes.TypeGPT4o, nil),
		},
		Edges: []Edge{edge("s", "m"), edge("s", "w"), edge("v", "m")},
	}
	v := requireViolations(t, ValidateGraph(g))
	assert.Equal(t, []string{"source node s is not connected to a vector db node"}, v)
}

func TestGraphValidationError_ViolationsIsACopy(t *testing.T) {
	err := ValidateGraph(&Graph{Nodes: []Node{}, Edges: []Edge{}})
	v := requireViolations(t, err)
	v[0] = "changed"
	require.True(t, IsGraphValidationError(err))
	assert.Contains(t, err.Error(), "graph is not connected")
}

func TestParseGraph(t *testing.T) {
	g, err := ParseGraph([]byte(`{
		"nodes": [
			{"id": "1", "type": "URL Scraper", "position": {"x": 1, "y": 2},
			 "data": {"title": "Docs", "description": "", "completed": true, "metadata": {"urlSearch": "https://go.dev"}}},
			{"id": "2", "type": "Qdrant", "position": {"x": 0, "y": 0}, "data": {"title": "Qdrant"}}
		],
		"edges": [{"id": "e1", "source": "1", "sourceHandle": "a", "target": "2"}]
	}`))
	require.NoError(t, err)
	require.Len(t, g.Nodes, 2)
	assert.Equal(t, nodes.TypeURLScraper, g.Nodes[0].Type)
	assert.Equal(t, "https://go.dev", g.Nodes[0].Config().String("urlSearch"))
	assert.Equal(t, []string{"2"}, g.Targets("1"))
	assert.Equal(t, []string{"1"}, g.Sources("2"))
	assert.Equal(t, "a", g.Edges[0].SourceHandle)

	_, err = ParseGraph([]byte(`{"nodes":[{"id":"1","type":"Telepathy"}],"edges":[]}`))
	assert.ErrorContains(t, err, `unknown node type "Telepathy"`)
}

func TestParseAgent(t *testing.T) {
	a, err := ParseAgent([]byte(`{"id":"a1","user_id":"u1","title":"","description":"d","outlines":["x"],"graph":{"nodes":[],"edges":[]}}`))
	require.NoError(t, err)
	assert.Equal(t, "Untitled", a.Title)
	assert.Equal(t, "u1", a.OwnerID)
	assert.NotNil(t, a.Graph)
}
