package agent

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/MR-GREEN1337/wakil/nodes"
)

// Position is a node's place on the editor canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NodeData is the editable content of a node.
type NodeData struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Completed   bool           `json:"completed"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Node is one typed vertex of an agent graph.
type Node struct {
	ID       string         `json:"id"`
	Type     nodes.NodeType `json:"type"`
	Position Position       `json:"position"`
	Data     NodeData       `json:"data"`
}

// Config returns the part of n that node constructors read.
func (n Node) Config() nodes.Config {
	return nodes.Config{ID: n.ID, Type: n.Type, Metadata: n.Data.Metadata}
}

// Label is the title of n, or its id when untitled.
func (n Node) Label() string {
	if n.Data.Title != "" {
		return n.Data.Title
	}
	return n.ID
}

// Edge is a directed connection between two nodes.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	SourceHandle string `json:"sourceHandle"`
	Target       string `json:"target"`
}

// Graph is the node and edge list of an agent. It is replaced wholesale on save.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// ParseGraph decodes a graph document. Unknown node types are rejected.
func ParseGraph(data []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to parse graph: %w", err)
	}
	return &g, nil
}

// Node returns the node with id.
func (g *Graph) Node(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// NodesOf returns the nodes of family f in graph order.
func (g *Graph) NodesOf(f nodes.Family) []Node {
	var out []Node
	for _, n := range g.Nodes {
		if n.Type.Valid() && n.Type.Family() == f {
			out = append(out, n)
		}
	}
	return out
}

// ModelNode returns the first model node.
func (g *Graph) ModelNode() (Node, bool) {
	models := g.NodesOf(nodes.FamilyModel)
	if len(models) == 0 {
		return Node{}, false
	}
	return models[0], true
}

// Targets returns the ids that edges leaving id point at.
func (g *Graph) Targets(id string) []string {
	var out []string
	for _, e := range g.Edges {
		if e.Source == id {
			out = append(out, e.Target)
		}
	}
	return out
}

// Sources returns the ids of nodes with an edge into id.
func (g *Graph) Sources(id string) []string {
	var out []string
	for _, e := range g.Edges {
		if e.Target == id {
			out = append(out, e.Source)
		}
	}
	return out
}

// NodeTypes returns the sorted distinct node types of g.
func (g *Graph) NodeTypes() []nodes.NodeType {
	var out []nodes.NodeType
	for _, n := range g.Nodes {
		if !slices.Contains(out, n.Type) {
			out = append(out, n.Type)
		}
	}
	slices.Sort(out)
	return out
}

// PublishState records whether and how often an agent was published.
type PublishState struct {
	Published     bool       `json:"published"`
	LastPublished *time.Time `json:"last_published,omitempty"`
	PublishCount  int        `json:"publish_count"`
}

// Agent is the unit of compilation: a graph plus the metadata the prompt
// is rendered from.
type Agent struct {
	ID          string       `json:"id"`
	OwnerID     string       `json:"user_id"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Outlines    []string     `json:"outlines,omitempty"`
	Graph       *Graph       `json:"graph"`
	Publish     PublishState `json:"publish"`
}

// ParseAgent decodes an agent document.
func ParseAgent(data []byte) (*Agent, error) {
	var a Agent
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to parse agent: %w", err)
	}
	if a.Title == "" {
		a.Title = "Untitled"
	}
	return &a, nil
}
