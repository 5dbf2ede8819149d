package nodes

import "fmt"

type (
	sourceConstructor func(Deps, Config) (Source, error)
	storeConstructor  func(Deps, Config) (Store, error)
	modelConstructor  func(Deps, Config) (Model, error)
)

var sourceConstructors = map[NodeType]sourceConstructor{
	TypeURLScraper:      newURLScraper,
	TypeWikipediaSearch: newWikipediaSource,
	TypeFileUpload:      newFileUpload,
}

var storeConstructors = map[NodeType]storeConstructor{
	TypeQdrant:   newVectorStoreNode,
	TypePinecone: newVectorStoreNode,
	TypePGVector: newVectorStoreNode,
}

var modelConstructors = map[NodeType]modelConstructor{
	TypeGPT4o:          newModelNode,
	TypeGPTo1:          newModelNode,
	TypeGPT4:           newModelNode,
	TypeGPT35Turbo:     newModelNode,
	TypeClaude35Sonnet: newModelNode,
	TypeClaude3Haiku:   newModelNode,
}

// Registry maps node tags to constructors. It holds no per-graph state and
// is safe for concurrent use.
type Registry struct {
	deps Deps
}

// NewRegistry creates a registry over deps.
func NewRegistry(deps Deps) *Registry {
	return &Registry{deps: deps.withDefaults()}
}

// HasConstructor reports whether t can be built.
func HasConstructor(t NodeType) bool {
	switch t.Family() {
	case FamilySource:
		_, ok := sourceConstructors[t]
		return ok
	case FamilyStore:
		_, ok := storeConstructors[t]
		return ok
	case FamilyModel:
		_, ok := modelConstructors[t]
		return ok
	default:
		return false
	}
}

// NewSource builds a source node.
func (r *Registry) NewSource(cfg Config) (Source, error) {
	ctor, ok := sourceConstructors[cfg.Type]
	if !ok {
		return nil, initError(cfg, fmt.Errorf("%w %q in source family", ErrNoConstructor, cfg.Type))
	}
	return ctor(r.deps, cfg)
}

// NewStore builds a store node.
func (r *Registry) NewStore(cfg Config) (Store, error) {
	ctor, ok := storeConstructors[cfg.Type]
	if !ok {
		return nil, initError(cfg, fmt.Errorf("%w %q in store family", ErrNoConstructor, cfg.Type))
	}
	return ctor(r.deps, cfg)
}

// NewModel builds a model node.
func (r *Registry) NewModel(cfg Config) (Model, error) {
	ctor, ok := modelConstructors[cfg.Type]
	if !ok {
		return nil, initError(cfg, fmt.Errorf("%w %q in model family", ErrNoConstructor, cfg.Type))
	}
	return ctor(r.deps, cfg)
}
