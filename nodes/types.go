package nodes

import (
	"encoding/json"
	"fmt"
)

// NodeType is the closed set of capability tags a graph node may carry.
type NodeType string

// Model tags.
const (
	TypeGPT4o          NodeType = "GPT-4o"
	TypeGPTo1          NodeType = "GPT-o1"
	TypeGPT4           NodeType = "GPT-4"
	TypeGPT35Turbo     NodeType = "GPT-3.5-turbo"
	TypeClaude35Sonnet NodeType = "Claude-3.5-Sonnet"
	TypeClaude3Haiku   NodeType = "Claude-3-Haiku"
)

// Source tags.
const (
	TypeURLScraper      NodeType = "URL Scraper"
	TypeWikipediaSearch NodeType = "Wikipedia Search"
	TypeFileUpload      NodeType = "File Upload"
)

// Store tags.
const (
	TypeQdrant   NodeType = "Qdrant"
	TypePinecone NodeType = "Pinecone"
	TypePGVector NodeType = "PGVector"
)

// Reserved tags parse but have no constructor.
const (
	TypeGoogleDrive    NodeType = "Google Drive"
	TypeSQLDB          NodeType = "SQL DB"
	TypeNotion         NodeType = "Notion"
	TypeCustomWebhook  NodeType = "Custom Webhook"
	TypeGoogleCalendar NodeType = "Google Calendar"
	TypeTrigger        NodeType = "Trigger"
	TypeAction         NodeType = "Action"
	TypeWait           NodeType = "Wait"
	TypeCondition      NodeType = "Condition"
	TypeAWSBedrock     NodeType = "AWS Bedrock"
	TypeEmail          NodeType = "Email"
	TypeDocker         NodeType = "Docker"
	TypeWebhook        NodeType = "Webhook"
)

// Family is the capability family of a node type.
type Family int

const (
	FamilyReserved Family = iota
	FamilySource
	FamilyStore
	FamilyModel
)

func (f Family) String() string {
	switch f {
	case FamilySource:
		return "source"
	case FamilyStore:
		return "store"
	case FamilyModel:
		return "model"
	default:
		return "reserved"
	}
}

// allNodeTypes lists every tag in declaration order with its family.
var allNodeTypes = []struct {
	typ    NodeType
	family Family
}{
	{TypeGPT4o, FamilyModel},
	{TypeGPTo1, FamilyModel},
	{TypeGPT4, FamilyModel},
	{TypeGPT35Turbo, FamilyModel},
	{TypeClaude35Sonnet, FamilyModel},
	{TypeClaude3Haiku, FamilyModel},
	{TypeURLScraper, FamilySource},
	{TypeWikipediaSearch, FamilySource},
	{TypeFileUpload, FamilySource},
	{TypeQdrant, FamilyStore},
	{TypePinecone, FamilyStore},
	{TypePGVector, FamilyStore},
	{TypeGoogleDrive, FamilyReserved},
	{TypeSQLDB, FamilyReserved},
	{TypeNotion, FamilyReserved},
	{TypeCustomWebhook, FamilyReserved},
	{TypeGoogleCalendar, FamilyReserved},
	{TypeTrigger, FamilyReserved},
	{TypeAction, FamilyReserved},
	{TypeWait, FamilyReserved},
	{TypeCondition, FamilyReserved},
	{TypeAWSBedrock, FamilyReserved},
	{TypeEmail, FamilyReserved},
	{TypeDocker, FamilyReserved},
	{TypeWebhook, FamilyReserved},
}

var familyOf = func() map[NodeType]Family {
	m := make(map[NodeType]Family, len(allNodeTypes))
	for _, e := range allNodeTypes {
		m[e.typ] = e.family
	}
	return m
}()

// AllNodeTypes returns every known tag.
func AllNodeTypes() []NodeType {
	out := make([]NodeType, len(allNodeTypes))
	for i, e := range allNodeTypes {
		out[i] = e.typ
	}
	return out
}

// Valid reports whether t is a known tag.
func (t NodeType) Valid() bool {
	_, ok := familyOf[t]
	return ok
}

// Family returns the tag's capability family.
func (t NodeType) Family() Family {
	return familyOf[t]
}

func (t NodeType) IsModel() bool  { return t.Family() == FamilyModel }
func (t NodeType) IsSource() bool { return t.Family() == FamilySource }
func (t NodeType) IsStore() bool  { return t.Family() == FamilyStore }

// ParseNodeType validates s against the closed set of tags.
func ParseNodeType(s string) (NodeType, error) {
	t := NodeType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown node type %q", s)
	}
	return t, nil
}

// UnmarshalJSON rejects unknown tags.
func (t *NodeType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("node type must be a string: %w", err)
	}
	parsed, err := ParseNodeType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
