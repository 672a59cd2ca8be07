// Package memorytool exposes the memory subsystem's ten operations as MCP
// tools so the agent turn engine can call them through the ordinary tool
// loop instead of a bespoke code path.
//
// Ten tools are exported via [NewTools]:
//   - "add_or_update_person"     — merge a Person and link User-KNOWS->Person.
//   - "add_event"                — record an event and its participants.
//   - "add_fact"                 — record a duplicate-guarded fact.
//   - "add_preference"           — record a duplicate-guarded preference.
//   - "add_or_update_relationship" — upsert Person-KNOWS-Person.
//   - "update_fact_or_preference" — edit a fact or preference in place.
//   - "delete_memory"            — detach-delete a memory node.
//   - "retrieve_context"         — hybrid semantic + subgraph retrieval.
//   - "get_user_preferences"     — list all recorded preferences.
//   - "check_relationship"       — look up what's known about a person.
//
// Tool names beginning with "add_", "update_", or "delete_" are mutating and
// require confirmation before execution; see internal/confirm.
//
// All handlers are safe for concurrent use.
package memorytool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rtxchat/rtxchat/internal/mcp/tools"
	"github.com/rtxchat/rtxchat/internal/retriever"
	"github.com/rtxchat/rtxchat/pkg/memory"
	"github.com/rtxchat/rtxchat/pkg/types"
)

// defaultRetrieveLimit bounds retrieve_context when the caller omits limit.
const defaultRetrieveLimit = 10

// defaultMinSimilarity is the retrieval floor used when the caller omits it.
// Matches the memory-search default from the agent turn engine (§9: 0.65 for
// memory, higher for knowledge chunks).
const defaultMinSimilarity = 0.65

type addOrUpdatePersonArgs struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	RelationType string `json:"relation_type,omitempty"`
	Sentiment    string `json:"sentiment,omitempty"`
}

func makeAddOrUpdatePersonHandler(api *memory.API) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a addOrUpdatePersonArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memory tool: add_or_update_person: failed to parse arguments: %w", err)
		}
		if a.Name == "" {
			return "", fmt.Errorf("memory tool: add_or_update_person: name must not be empty")
		}
		id, err := api.AddOrUpdatePerson(ctx, a.Name, a.Description, a.RelationType, a.Sentiment)
		if err != nil {
			return "", fmt.Errorf("memory tool: add_or_update_person: %w", err)
		}
		return marshal(map[string]any{"id": id})
	}
}

type addEventArgs struct {
	Description  string   `json:"description"`
	Participants []string `json:"participants,omitempty"`
	Mentioned    []string `json:"mentioned,omitempty"`
	Date         string   `json:"date,omitempty"`
}

func makeAddEventHandler(api *memory.API) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a addEventArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memory tool: add_event: failed to parse arguments: %w", err)
		}
		if a.Description == "" {
			return "", fmt.Errorf("memory tool: add_event: description must not be empty")
		}
		id, err := api.AddEvent(ctx, a.Description, a.Participants, a.Mentioned, a.Date)
		if err != nil {
			return "", fmt.Errorf("memory tool: add_event: %w", err)
		}
		return marshal(map[string]any{"id": id})
	}
}

type addFactArgs struct {
	Content  string `json:"content"`
	Category string `json:"category,omitempty"`
}

func makeAddFactHandler(api *memory.API) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a addFactArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memory tool: add_fact: failed to parse arguments: %w", err)
		}
		if a.Content == "" {
			return "", fmt.Errorf("memory tool: add_fact: content must not be empty")
		}
		dup, err := api.AddFact(ctx, a.Content, a.Category)
		if err != nil {
			return "", fmt.Errorf("memory tool: add_fact: %w", err)
		}
		return marshal(duplicateCheckResult(dup))
	}
}

type addPreferenceArgs struct {
	Instruction string `json:"instruction"`
}

func makeAddPreferenceHandler(api *memory.API) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a addPreferenceArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memory tool: add_preference: failed to parse arguments: %w", err)
		}
		if a.Instruction == "" {
			return "", fmt.Errorf("memory tool: add_preference: instruction must not be empty")
		}
		dup, err := api.AddPreference(ctx, a.Instruction)
		if err != nil {
			return "", fmt.Errorf("memory tool: add_preference: %w", err)
		}
		return marshal(duplicateCheckResult(dup))
	}
}

type addOrUpdateRelationshipArgs struct {
	PersonA      string `json:"person_a"`
	PersonB      string `json:"person_b"`
	RelationType string `json:"relation_type"`
	Sentiment    string `json:"sentiment,omitempty"`
}

func makeAddOrUpdateRelationshipHandler(api *memory.API) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a addOrUpdateRelationshipArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memory tool: add_or_update_relationship: failed to parse arguments: %w", err)
		}
		if a.PersonA == "" || a.PersonB == "" {
			return "", fmt.Errorf("memory tool: add_or_update_relationship: person_a and person_b must not be empty")
		}
		if err := api.AddOrUpdateRelationship(ctx, a.PersonA, a.PersonB, a.RelationType, a.Sentiment); err != nil {
			return "", fmt.Errorf("memory tool: add_or_update_relationship: %w", err)
		}
		return marshal(map[string]any{"ok": true})
	}
}

type updateFactOrPreferenceArgs struct {
	Label    string `json:"label"`
	ID       string `json:"id"`
	NewValue string `json:"new_value"`
}

func makeUpdateFactOrPreferenceHandler(api *memory.API) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a updateFactOrPreferenceArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memory tool: update_fact_or_preference: failed to parse arguments: %w", err)
		}
		if a.ID == "" || a.Label == "" {
			return "", fmt.Errorf("memory tool: update_fact_or_preference: label and id must not be empty")
		}
		if err := api.UpdateFactOrPreference(ctx, a.Label, a.ID, a.NewValue); err != nil {
			return "", fmt.Errorf("memory tool: update_fact_or_preference: %w", err)
		}
		return marshal(map[string]any{"ok": true})
	}
}

type deleteMemoryArgs struct {
	Label string `json:"label"`
	ID    string `json:"id"`
}

func makeDeleteMemoryHandler(api *memory.API) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a deleteMemoryArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memory tool: delete_memory: failed to parse arguments: %w", err)
		}
		if a.ID == "" || a.Label == "" {
			return "", fmt.Errorf("memory tool: delete_memory: label and id must not be empty")
		}
		if err := api.DeleteMemory(ctx, a.Label, a.ID); err != nil {
			return "", fmt.Errorf("memory tool: delete_memory: %w", err)
		}
		return marshal(map[string]any{"ok": true})
	}
}

type retrieveContextArgs struct {
	Query         string   `json:"query"`
	EntityNames   []string `json:"entity_names,omitempty"`
	NodeLabels    []string `json:"node_labels,omitempty"`
	Limit         int      `json:"limit,omitempty"`
	MinSimilarity float64  `json:"min_similarity,omitempty"`
}

// defaultNodeLabels is the label set scanned when the caller omits
// node_labels, covering every retrievable memory type.
var defaultNodeLabels = []string{"Person", "Event", "Fact", "Preference", "KnowledgeChunk"}

func makeRetrieveContextHandler(r *retriever.Retriever) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a retrieveContextArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memory tool: retrieve_context: failed to parse arguments: %w", err)
		}
		if a.Query == "" {
			return "", fmt.Errorf("memory tool: retrieve_context: query must not be empty")
		}

		labels := a.NodeLabels
		if len(labels) == 0 {
			labels = defaultNodeLabels
		}
		limit := a.Limit
		if limit <= 0 {
			limit = defaultRetrieveLimit
		}
		minSim := a.MinSimilarity
		if minSim <= 0 {
			minSim = defaultMinSimilarity
		}

		// entity_names is accepted for interface compatibility but the
		// retriever derives entity focus from query text itself via
		// detectEntity; an explicit override is not currently honored.
		results, err := r.Retrieve(ctx, a.Query, labels, limit, minSim)
		if err != nil {
			return "", fmt.Errorf("memory tool: retrieve_context: %w", err)
		}
		return marshal(results)
	}
}

func makeGetUserPreferencesHandler(api *memory.API) func(context.Context, string) (string, error) {
	return func(ctx context.Context, _ string) (string, error) {
		prefs, err := api.GetUserPreferences(ctx)
		if err != nil {
			return "", fmt.Errorf("memory tool: get_user_preferences: %w", err)
		}
		return marshal(prefs)
	}
}

type checkRelationshipArgs struct {
	PersonName string `json:"person_name"`
}

type checkRelationshipResult struct {
	Found      bool           `json:"found"`
	Properties map[string]any `json:"properties,omitempty"`
	Events     []string       `json:"events,omitempty"`
}

func makeCheckRelationshipHandler(api *memory.API) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a checkRelationshipArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memory tool: check_relationship: failed to parse arguments: %w", err)
		}
		if a.PersonName == "" {
			return "", fmt.Errorf("memory tool: check_relationship: person_name must not be empty")
		}
		props, events, found, err := api.CheckRelationship(ctx, a.PersonName)
		if err != nil {
			return "", fmt.Errorf("memory tool: check_relationship: %w", err)
		}
		return marshal(checkRelationshipResult{Found: found, Properties: props, Events: events})
	}
}

func duplicateCheckResult(dup memory.DuplicateCheck) map[string]any {
	return map[string]any{
		"matched": dup.Matched,
		"id":      dup.ID,
		"score":   dup.Score,
		"content": dup.Content,
	}
}

func marshal(v any) (string, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode result: %w", err)
	}
	return string(out), nil
}

// NewTools constructs the full set of memory tools, wired to the memory API
// for mutating and direct-lookup operations and to the retriever for hybrid
// context retrieval.
func NewTools(api *memory.API, r *retriever.Retriever) []tools.Tool {
	return []tools.Tool{
		{
			Definition: types.ToolDefinition{
				Name:        "add_or_update_person",
				Description: "Record or update a person the user knows. Creates a Person if none exists with this name (or alias), and links it to the user via a KNOWS relationship with optional relation type and sentiment.",
				Category:    "memory",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name":          map[string]any{"type": "string", "description": "The person's name."},
						"description":   map[string]any{"type": "string", "description": "Free-text description of the person."},
						"relation_type": map[string]any{"type": "string", "description": "How the user relates to this person, e.g. friend, colleague, sibling."},
						"sentiment":     map[string]any{"type": "string", "description": "The user's sentiment toward this person."},
					},
					"required": []string{"name"},
				},
				EstimatedDurationMs: 150,
				MaxDurationMs:       1000,
				Idempotent:          true,
			},
			Handler:     makeAddOrUpdatePersonHandler(api),
			DeclaredP50: 150,
			DeclaredMax: 1000,
		},
		{
			Definition: types.ToolDefinition{
				Name:        "add_event",
				Description: "Record an event the user mentioned, with its participants and who was merely mentioned. Participants must already be known as persons; add them with add_or_update_person first.",
				Category:    "memory",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"description":  map[string]any{"type": "string", "description": "What happened."},
						"participants": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Names of people who took part."},
						"mentioned":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Names of people who were mentioned but did not take part."},
						"date":         map[string]any{"type": "string", "description": "Date of the event (YYYY-MM-DD). Defaults to today."},
					},
					"required": []string{"description"},
				},
				EstimatedDurationMs: 150,
				MaxDurationMs:       1000,
				Idempotent:          true,
			},
			Handler:     makeAddEventHandler(api),
			DeclaredP50: 150,
			DeclaredMax: 1000,
		},
		{
			Definition: types.ToolDefinition{
				Name:        "add_fact",
				Description: "Record a fact about the user. Near-duplicate facts (by meaning, not exact text) update the existing fact instead of creating a new one.",
				Category:    "memory",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"content":  map[string]any{"type": "string", "description": "The fact, stated plainly."},
						"category": map[string]any{"type": "string", "description": "A short category label, e.g. possession, health, work."},
					},
					"required": []string{"content"},
				},
				EstimatedDurationMs: 150,
				MaxDurationMs:       1000,
				Idempotent:          true,
			},
			Handler:     makeAddFactHandler(api),
			DeclaredP50: 150,
			DeclaredMax: 1000,
		},
		{
			Definition: types.ToolDefinition{
				Name:        "add_preference",
				Description: "Record a standing instruction or preference for how the assistant should behave or what the user likes. Near-duplicate preferences update the existing one instead of creating a new one.",
				Category:    "memory",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"instruction": map[string]any{"type": "string", "description": "The preference or instruction, stated plainly."},
					},
					"required": []string{"instruction"},
				},
				EstimatedDurationMs: 150,
				MaxDurationMs:       1000,
				Idempotent:          true,
			},
			Handler:     makeAddPreferenceHandler(api),
			DeclaredP50: 150,
			DeclaredMax: 1000,
		},
		{
			Definition: types.ToolDefinition{
				Name:        "add_or_update_relationship",
				Description: "Record or update how two known people relate to each other.",
				Category:    "memory",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"person_a":      map[string]any{"type": "string", "description": "Name of the first person."},
						"person_b":      map[string]any{"type": "string", "description": "Name of the second person."},
						"relation_type": map[string]any{"type": "string", "description": "How person_a relates to person_b."},
						"sentiment":     map[string]any{"type": "string", "description": "The sentiment of the relationship."},
					},
					"required": []string{"person_a", "person_b", "relation_type"},
				},
				EstimatedDurationMs: 150,
				MaxDurationMs:       1000,
				Idempotent:          true,
			},
			Handler:     makeAddOrUpdateRelationshipHandler(api),
			DeclaredP50: 150,
			DeclaredMax: 1000,
		},
		{
			Definition: types.ToolDefinition{
				Name:        "update_fact_or_preference",
				Description: "Edit an existing fact or preference in place given its label and id.",
				Category:    "memory",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"label":     map[string]any{"type": "string", "enum": []string{"Fact", "Preference"}, "description": "Which node type id refers to."},
						"id":        map[string]any{"type": "string", "description": "The node's id."},
						"new_value": map[string]any{"type": "string", "description": "The replacement text."},
					},
					"required": []string{"label", "id", "new_value"},
				},
				EstimatedDurationMs: 150,
				MaxDurationMs:       1000,
				Idempotent:          true,
			},
			Handler:     makeUpdateFactOrPreferenceHandler(api),
			DeclaredP50: 150,
			DeclaredMax: 1000,
		},
		{
			Definition: types.ToolDefinition{
				Name:        "delete_memory",
				Description: "Permanently delete a memory node and its relationships.",
				Category:    "memory",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"label": map[string]any{"type": "string", "description": "The node's label, e.g. Fact, Preference, Person, Event."},
						"id":    map[string]any{"type": "string", "description": "The node's id."},
					},
					"required": []string{"label", "id"},
				},
				EstimatedDurationMs: 100,
				MaxDurationMs:       800,
				Idempotent:          true,
			},
			Handler:     makeDeleteMemoryHandler(api),
			DeclaredP50: 100,
			DeclaredMax: 800,
		},
		{
			Definition: types.ToolDefinition{
				Name:        "retrieve_context",
				Description: "Hybrid semantic and relationship search over everything remembered about the user: facts, preferences, events, people, and knowledge chunks. Returns the most relevant matches, annotated with how each relates to other results.",
				Category:    "memory",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query":          map[string]any{"type": "string", "description": "Natural-language search query."},
						"entity_names":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Optional known entity names to focus the search on."},
						"node_labels":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Restrict the search to these node types."},
						"limit":          map[string]any{"type": "integer", "description": "Maximum number of results. Defaults to 10."},
						"min_similarity": map[string]any{"type": "number", "description": "Minimum cosine similarity to include a semantic match. Defaults to 0.65."},
					},
					"required": []string{"query"},
				},
				EstimatedDurationMs: 200,
				MaxDurationMs:       1500,
				Idempotent:          true,
				CacheableSeconds:    10,
			},
			Handler:     makeRetrieveContextHandler(r),
			DeclaredP50: 200,
			DeclaredMax: 1500,
		},
		{
			Definition: types.ToolDefinition{
				Name:        "get_user_preferences",
				Description: "List every preference and standing instruction recorded for the user.",
				Category:    "memory",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{},
					"required":   []string{},
				},
				EstimatedDurationMs: 80,
				MaxDurationMs:       500,
				Idempotent:          true,
				CacheableSeconds:    10,
			},
			Handler:     makeGetUserPreferencesHandler(api),
			DeclaredP50: 80,
			DeclaredMax: 500,
		},
		{
			Definition: types.ToolDefinition{
				Name:        "check_relationship",
				Description: "Look up what is known about a specific person: the user's relationship properties toward them and the events they participated in.",
				Category:    "memory",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"person_name": map[string]any{"type": "string", "description": "The person's name."},
					},
					"required": []string{"person_name"},
				},
				EstimatedDurationMs: 120,
				MaxDurationMs:       800,
				Idempotent:          true,
				CacheableSeconds:    10,
			},
			Handler:     makeCheckRelationshipHandler(api),
			DeclaredP50: 120,
			DeclaredMax: 800,
		},
	}
}
