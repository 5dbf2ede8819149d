package agent

import (
	"fmt"
	"maps"
	"slices"

	"github.com/tmc/langchaingo/llms"

	"github.com/MR-GREEN1337/wakil/graph"
	"github.com/MR-GREEN1337/wakil/nodes"
)

// State field names.
const (
	FieldMessages      = "messages"
	FieldVectorStore   = "vector_store"
	FieldScrapedData   = "scraped_data"
	FieldUploadedFiles = "uploaded_files"
	FieldLLMConfig     = "llm_config"
)

// fieldTable declares which node types add which optional state field.
// Fields appear in the schema in table order.
var fieldTable = []struct {
	field   string
	matches func(nodes.NodeType) bool
}{
	{FieldVectorStore, nodes.NodeType.IsStore},
	{FieldScrapedData, func(t nodes.NodeType) bool { return t == nodes.TypeURLScraper }},
	{FieldUploadedFiles, func(t nodes.NodeType) bool { return t == nodes.TypeFileUpload }},
	{FieldLLMConfig, nodes.NodeType.IsModel},
}

// AgentState is the per-conversation state of a compiled agent. Optional
// fields are only written when the schema declares them.
type AgentState struct {
	Messages      []llms.MessageContent
	VectorStore   map[string]any
	ScrapedData   []string
	UploadedFiles []string
	LLMConfig     map[string]any
}

// set returns the names of the optional fields s carries a value for.
func (s AgentState) set() []string {
	var out []string
	if s.VectorStore != nil {
		out = append(out, FieldVectorStore)
	}
	if s.ScrapedData != nil {
		out = append(out, FieldScrapedData)
	}
	if s.UploadedFiles != nil {
		out = append(out, FieldUploadedFiles)
	}
	if s.LLMConfig != nil {
		out = append(out, FieldLLMConfig)
	}
	return out
}

// StateSchema is the shape of AgentState for one agent: the message log
// plus the optional fields its node types need.
type StateSchema struct {
	fields   []string
	defaults AgentState
}

var _ graph.StateSchema[AgentState] = (*StateSchema)(nil)

// BuildStateSchema derives the schema from the node types of g. The result
// depends only on the set of types present.
func BuildStateSchema(g *Graph) *StateSchema {
	s := &StateSchema{fields: []string{FieldMessages}}
	if g == nil {
		return s
	}
	for _, entry := range fieldTable {
		for _, n := range g.Nodes {
			if entry.matches(n.Type) {
				s.fields = append(s.fields, entry.field)
				break
			}
		}
	}
	return s
}

// Fields returns the declared field names, messages first.
func (s *StateSchema) Fields() []string {
	return slices.Clone(s.fields)
}

// Has reports whether field is declared.
func (s *StateSchema) Has(field string) bool {
	return slices.Contains(s.fields, field)
}

// WithDefaults returns a copy of s whose Init starts from d. d may only set
// declared fields.
func (s *StateSchema) WithDefaults(d AgentState) (*StateSchema, error) {
	if err := s.check(d); err != nil {
		return nil, err
	}
	return &StateSchema{fields: s.fields, defaults: d}, nil
}

// Init returns a fresh state holding the defaults and an empty message log.
func (s *StateSchema) Init() AgentState {
	return AgentState{
		Messages:      append([]llms.MessageContent{}, s.defaults.Messages...),
		VectorStore:   maps.Clone(s.defaults.VectorStore),
		ScrapedData:   slices.Clone(s.defaults.ScrapedData),
		UploadedFiles: slices.Clone(s.defaults.UploadedFiles),
		LLMConfig:     maps.Clone(s.defaults.LLMConfig),
	}
}

// Update merges update into current. Messages and lists are appended, maps
// are merged key by key. Writing an undeclared field is an error.
func (s *StateSchema) Update(current, update AgentState) (AgentState, error) {
	if err := s.check(update); err != nil {
		return current, err
	}
	current.Messages = graph.AddMessages(current.Messages, update.Messages)
	current.VectorStore = mergeMap(current.VectorStore, update.VectorStore)
	current.LLMConfig = mergeMap(current.LLMConfig, update.LLMConfig)
	if update.ScrapedData != nil {
		current.ScrapedData = append(slices.Clone(current.ScrapedData), update.ScrapedData...)
	}
	if update.UploadedFiles != nil {
		current.UploadedFiles = append(slices.Clone(current.UploadedFiles), update.UploadedFiles...)
	}
	return current, nil
}

func (s *StateSchema) check(st AgentState) error {
	for _, f := range st.set() {
		if !s.Has(f) {
			return fmt.Errorf("state field %q is not declared by this agent", f)
		}
	}
	return nil
}

func mergeMap(dst, src map[string]any) map[string]any {
	if src == nil {
		return dst
	}
	out := maps.Clone(dst)
	if out == nil {
		out = make(map[string]any, len(src))
	}
	maps.Copy(out, src)
	return out
}
