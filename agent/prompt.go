package agent

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/MR-GREEN1337/wakil/nodes"
)

// ErrNoModelNode is returned when a graph has no model node to build around.
var ErrNoModelNode = errors.New("no model node found in the graph")

var fieldInstructions = map[string]string{
	FieldMessages:      "You have access to the conversation history. Use this to maintain context throughout the interaction.",
	FieldVectorStore:   "You can access and update the vector store in your state. Use this for maintaining and querying embedded information.",
	FieldScrapedData:   "You have access to scraped data in your state. Refer to this when providing information from web sources.",
	FieldUploadedFiles: "You can access information about uploaded files. Use this when discussing or analyzing user-provided documents.",
	FieldLLMConfig:     "You have access to LLM configuration. You can adjust your behavior based on this configuration if needed.",
}

// BuildPrompt renders the system prompt of a. It performs no I/O and the
// same agent and schema always render the same text.
func BuildPrompt(a *Agent, schema *StateSchema) (string, error) {
	if a == nil || a.Graph == nil {
		return "", ErrNoModelNode
	}
	model, ok := a.Graph.ModelNode()
	if !ok {
		return "", ErrNoModelNode
	}
	base := model.Config().String("prompt")
	if base == "" {
		base = nodes.DefaultPrompt
	}

	types := a.Graph.NodeTypes()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	fields := schema.Fields()

	parts := []string{
		fmt.Sprintf("You are %s, an AI agent with the following purpose: %s", a.Title, a.Description),
		fmt.Sprintf("Your base capabilities are defined as: %s", base),
		fmt.Sprintf("You have access to the following types of nodes: %s", strings.Join(names, ", ")),
		fmt.Sprintf("Your knowledge graph consists of %d nodes and %d connections.", len(a.Graph.Nodes), len(a.Graph.Edges)),
		fmt.Sprintf("Your state contains the following fields: %s", strings.Join(fields, ", ")),
		"Your task is to utilize your capabilities, the provided graph structure, and your current state to assist users effectively.",
		"Always consider the context of the user's query, your current state, and leverage the appropriate nodes in your responses.",
		"If you need to access specific information or perform certain actions, mention the relevant node types you would use.",
		"Maintain a professional and helpful demeanor while adhering to ethical guidelines and user privacy.",
	}
	if len(a.Outlines) > 0 {
		parts = append(parts, "Follow this outline when it applies:\n- "+strings.Join(a.Outlines, "\n- "))
	}
	if slices.Contains(types, nodes.TypeURLScraper) {
		parts = append(parts, "You can access web content. When referring to online information, specify that you're using the URL Scraper.")
	}
	for _, f := range fields {
		if line, ok := fieldInstructions[f]; ok {
			parts = append(parts, line)
		}
	}
	parts = append(parts,
		"Remember to update your state appropriately as you process information and interact with the user.",
		"When referring to or using information from your state, specify which state field you're utilizing.",
	)
	return strings.Join(parts, "\n\n"), nil
}
