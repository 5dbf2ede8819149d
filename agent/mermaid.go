package agent

import (
	"fmt"
	"strings"

	"github.com/MR-GREEN1337/wakil/nodes"
)

// MermaidOptions configures DrawMermaid.
type MermaidOptions struct {
	// Direction of the flowchart, "LR" when empty.
	Direction string
}

// DrawMermaid renders g as a Mermaid flowchart. Sources are stadiums,
// stores are cylinders and the model is a hexagon. Edges to unknown nodes
// are drawn to a dangling id so that broken graphs stay visible.
func DrawMermaid(g *Graph, opts MermaidOptions) string {
	direction := opts.Direction
	if direction == "" {
		direction = "LR"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "flowchart %s\n", direction)
	if g == nil {
		return sb.String()
	}

	ids := make(map[string]string, len(g.Nodes))
	for i, n := range g.Nodes {
		ids[n.ID] = fmt.Sprintf("n%d", i)
	}
	mermaidID := func(id string) string {
		if m, ok := ids[id]; ok {
			return m
		}
		m := fmt.Sprintf("x%d", len(ids))
		ids[id] = m
		fmt.Fprintf(&sb, "    %s[\"%s\"]\n", m, mermaidText(id))
		return m
	}

	for _, n := range g.Nodes {
		label := mermaidText(fmt.Sprintf("%s<br/>%s", n.Label(), n.Type))
		switch n.Type.Family() {
		case nodes.FamilySource:
			fmt.Fprintf(&sb, "    %s([\"%s\"])\n", ids[n.ID], label)
		case nodes.FamilyStore:
			fmt.Fprintf(&sb, "    %s[(\"%s\")]\n", ids[n.ID], label)
		case nodes.FamilyModel:
			fmt.Fprintf(&sb, "    %s{{\"%s\"}}\n", ids[n.ID], label)
		default:
			fmt.Fprintf(&sb, "    %s[\"%s\"]\n", ids[n.ID], label)
		}
	}
	for _, e := range g.Edges {
		from := mermaidID(e.Source)
		to := mermaidID(e.Target)
		fmt.Fprintf(&sb, "    %s --> %s\n", from, to)
	}
	if m, ok := g.ModelNode(); ok {
		fmt.Fprintf(&sb, "    style %s fill:#87CEEB\n", ids[m.ID])
	}
	return sb.String()
}

// mermaidText escapes double quotes, which end a Mermaid label.
func mermaidText(s string) string {
	return strings.ReplaceAll(s, `"`, "#quot;")
}
