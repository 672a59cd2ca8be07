package memory

import "time"

// Node is implemented by every typed memory record (Person, Event, Fact,
// Preference, KnowledgeChunk, KnowledgeDocument). It captures the "tagged
// variant" contract from the design notes: each concrete type knows its own
// label, merge key, and the text an embedding should be computed from.
type Node interface {
	// Label identifies the node's table/type (e.g. "Person", "Fact").
	Label() string

	// MergeKey returns the field values that uniquely identify this node
	// within its label, keyed by column name. MergeNode upserts on these.
	MergeKey() map[string]any

	// EmbeddingText returns the text whose embedding should be stored
	// alongside this node. An empty string means the node carries no vector.
	EmbeddingText() string

	// Fields returns the full set of column values to persist, including
	// the merge key fields.
	Fields() map[string]any
}

// Person is a named individual the user knows. At most one Person exists per
// exact name. [API.AddOrUpdatePerson] merges on that exact name and does not
// run the entity canonicalizer, so an alternate spelling written through it
// creates a separate Person rather than an entry in Aliases.
type Person struct {
	ID          string
	Name        string
	Description string
	Aliases     []string
	Embedding   []float32
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (p Person) Label() string { return "Person" }

func (p Person) MergeKey() map[string]any { return map[string]any{"name": p.Name} }

func (p Person) EmbeddingText() string { return p.Name }

func (p Person) Fields() map[string]any {
	return map[string]any{
		"name":        p.Name,
		"description": p.Description,
		"aliases":     p.Aliases,
	}
}

// Event is something that happened on a given date, involving one or more
// people as participants and optionally mentioning others in passing.
type Event struct {
	ID          string
	Date        string // YYYY-MM-DD
	Description string
	Embedding   []float32
	CreatedAt   time.Time
}

func (e Event) Label() string { return "Event" }

func (e Event) MergeKey() map[string]any {
	return map[string]any{"date": e.Date, "description": e.Description}
}

func (e Event) EmbeddingText() string { return e.Description }

func (e Event) Fields() map[string]any {
	return map[string]any{"date": e.Date, "description": e.Description}
}

// Fact is a piece of information about the user, owned via a HAS_FACT edge
// from the singleton User node. Near-duplicate facts collapse via the
// duplicate guard rather than accumulating (see [API.AddFact]).
type Fact struct {
	ID        string
	Content   string
	Category  string
	Embedding []float32
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (f Fact) Label() string { return "Fact" }

func (f Fact) MergeKey() map[string]any { return map[string]any{"content": f.Content} }

func (f Fact) EmbeddingText() string { return f.Content }

func (f Fact) Fields() map[string]any {
	return map[string]any{"content": f.Content, "category": f.Category}
}

// Preference is a standing instruction the user has given the agent, owned
// via a HAS_PREFERENCE edge from the singleton User node.
type Preference struct {
	ID          string
	Instruction string
	Embedding   []float32
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (p Preference) Label() string { return "Preference" }

func (p Preference) MergeKey() map[string]any { return map[string]any{"instruction": p.Instruction} }

func (p Preference) EmbeddingText() string { return p.Instruction }

func (p Preference) Fields() map[string]any {
	return map[string]any{"instruction": p.Instruction}
}

// KnowledgeChunk is one indexed segment of an ingested document, scoped to a
// named collection and tagged from a closed vocabulary of content-type labels.
type KnowledgeChunk struct {
	ID         string
	DocumentID string
	ChunkIndex int
	Content    string
	Summary    string
	Tags       []string
	Scope      string
	Embedding  []float32
}

func (c KnowledgeChunk) Label() string { return "KnowledgeChunk" }

func (c KnowledgeChunk) MergeKey() map[string]any {
	return map[string]any{"document_id": c.DocumentID, "chunk_index": c.ChunkIndex}
}

func (c KnowledgeChunk) EmbeddingText() string {
	if c.Summary != "" {
		return c.Summary
	}
	return c.Content
}

func (c KnowledgeChunk) Fields() map[string]any {
	return map[string]any{
		"document_id": c.DocumentID,
		"chunk_index": c.ChunkIndex,
		"content":     c.Content,
		"summary":     c.Summary,
		"tags":        c.Tags,
		"scope":       c.Scope,
	}
}

// KnowledgeDocument groups the chunks produced from a single ingested file.
type KnowledgeDocument struct {
	ID         string
	Filename   string
	DocType    string // "text" | "pdf"
	ChunkCount int
	CreatedAt  time.Time
}

func (d KnowledgeDocument) Label() string { return "KnowledgeDocument" }

func (d KnowledgeDocument) MergeKey() map[string]any { return map[string]any{"id": d.ID} }

func (d KnowledgeDocument) EmbeddingText() string { return "" }

func (d KnowledgeDocument) Fields() map[string]any {
	return map[string]any{
		"id":          d.ID,
		"filename":    d.Filename,
		"doc_type":    d.DocType,
		"chunk_count": d.ChunkCount,
	}
}

// StringSlice normalizes a Fields value that should be a []string. Values
// round-tripped through JSONB decode as []any rather than []string, so
// callers reading Person.Aliases or KnowledgeChunk.Tags back off a
// [GraphStore] must go through this rather than a direct type assertion.
func StringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// UserNodeName is the singleton User node's merge key value. Exactly one
// User node exists per memory store; it anchors HAS_FACT, HAS_PREFERENCE,
// and KNOWS edges.
const UserNodeName = "User"

// RelationKnows labels the edge from the User node to a Person.
const RelationKnows = "KNOWS"

// RelationHasFact labels the edge from the User node to a Fact.
const RelationHasFact = "HAS_FACT"

// RelationHasPreference labels the edge from the User node to a Preference.
const RelationHasPreference = "HAS_PREFERENCE"

// RelationParticipatedIn labels the edge from an Event to a participating Person.
const RelationParticipatedIn = "PARTICIPATED_IN"

// RelationMentions labels the edge from an Event to a mentioned Person.
const RelationMentions = "MENTIONS"

// RelationHasChunk labels the edge from a KnowledgeDocument to its KnowledgeChunks.
const RelationHasChunk = "HAS_CHUNK"

// KnownContentTags is the closed vocabulary of KnowledgeChunk topical tags.
// Callers should reject tags outside this set rather than growing it ad hoc.
var KnownContentTags = []string{
	"overview", "procedure", "reference", "faq", "policy", "definition",
	"example", "troubleshooting", "changelog", "api", "configuration",
	"tutorial", "specification", "announcement", "glossary", "comparison",
	"warning", "requirement", "decision", "summary",
}
