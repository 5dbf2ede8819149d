package agent

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/MR-GREEN1337/wakil/nodes"
)

// GraphValidationError lists every rule a graph violates.
type GraphValidationError struct {
	violations []string
}

func (e *GraphValidationError) Error() string {
	return strings.Join(e.violations, "; ")
}

// Violations returns the violated rules in check order.
func (e *GraphValidationError) Violations() []string {
	return slices.Clone(e.violations)
}

// IsGraphValidationError reports whether err is a GraphValidationError.
func IsGraphValidationError(err error) bool {
	var target *GraphValidationError
	return errors.As(err, &target)
}

// Validate checks that a's graph can be compiled. It touches no external
// resource and returns a *GraphValidationError carrying all violations.
func Validate(a *Agent) error {
	if a == nil {
		return &GraphValidationError{violations: []string{"agent graph is missing"}}
	}
	return ValidateGraph(a.Graph)
}

// ValidateGraph applies the structural rules to g:
//
//   - the graph is present
//   - it has exactly one more node than edges
//   - it has exactly one model node
//   - it has at least one source node and one store node
//   - source nodes only lead to store nodes
//   - store nodes only lead to the model node
func ValidateGraph(g *Graph) error {
	if g == nil || g.Nodes == nil || g.Edges == nil {
		return &GraphValidationError{violations: []string{"agent graph is missing"}}
	}

	var v []string
	if len(g.Nodes) != len(g.Edges)+1 {
		v = append(v, fmt.Sprintf("graph is not connected: %d nodes, %d edges", len(g.Nodes), len(g.Edges)))
	}

	models := g.NodesOf(nodes.FamilyModel)
	sources := g.NodesOf(nodes.FamilySource)
	stores := g.NodesOf(nodes.FamilyStore)

	if len(models) != 1 {
		v = append(v, fmt.Sprintf("there should be exactly one model node in the graph, found %d", len(models)))
	}
	if len(sources) == 0 {
		v = append(v, "there should be at least one source node in the graph")
	}
	if len(stores) == 0 {
		v = append(v, "there should be at least one store node in the graph")
	}

	isStore := ids(stores)
	for _, src := range sources {
		for _, target := range g.Targets(src.ID) {
			if !isStore[target] {
				v = append(v, fmt.Sprintf("source node %s is not connected to a vector db node", src.ID))
				break
			}
		}
	}

	isModel := ids(models)
	for _, st := range stores {
		for _, target := range g.Targets(st.ID) {
			if !isModel[target] {
				v = append(v, fmt.Sprintf("store node %s is not connected to a model node", st.ID))
				break
			}
		}
	}

	if len(v) > 0 {
		return &GraphValidationError{violations: v}
	}
	return nil
}

func ids(ns []Node) map[string]bool {
	m := make(map[string]bool, len(ns))
	for _, n := range ns {
		m[n.ID] = true
	}
	return m
}
