package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rtxchat/rtxchat/pkg/provider/embeddings"
)

// NotFound is the sentinel text for a lookup that finds nothing. No method
// of [API] returns it: a miss is reported as a nil slice, found=false, or
// an error instead.
const NotFound = "No results"

// DuplicateThreshold is the default cosine-similarity threshold above which
// a new Fact or Preference collapses into an existing node instead of
// creating a new one.
const DuplicateThreshold = 0.93

// DuplicateCheck reports the outcome of a guarded insert: whether an
// existing node matched, its id, the similarity score, and its content.
type DuplicateCheck struct {
	Matched bool
	ID      string
	Score   float64
	Content string
}

// API implements the ten memory operations on top of a [GraphStore] and an
// [embeddings.Provider]. All writes are idempotent on their merge keys; the
// graph store is the sole owner of every typed node and edge, so every
// mutation in the process goes through this type.
type API struct {
	graph    GraphStore
	embedder embeddings.Provider

	// DuplicateThreshold overrides [DuplicateThreshold] when non-zero.
	DuplicateThreshold float64
}

// New constructs an API over graph and embedder.
func New(graph GraphStore, embedder embeddings.Provider) *API {
	return &API{graph: graph, embedder: embedder}
}

func (a *API) duplicateThreshold() float64 {
	if a.DuplicateThreshold > 0 {
		return a.DuplicateThreshold
	}
	return DuplicateThreshold
}

func stringField(fields map[string]any, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

// AddOrUpdatePerson merges a Person by name and upserts the User-KNOWS->Person
// edge carrying the optional relationship props.
func (a *API) AddOrUpdatePerson(ctx context.Context, name, description, relationType, sentiment string) (string, error) {
	emb, err := a.embedder.Embed(ctx, name)
	if err != nil {
		return "", fmt.Errorf("memory: embed person name: %w", err)
	}

	p := Person{Name: name, Description: description, Embedding: emb}
	if existingID, existingFields, err := a.graph.GetNode(ctx, p.Label(), p.MergeKey()); err != nil {
		return "", fmt.Errorf("memory: lookup existing person %q: %w", name, err)
	} else if existingID != "" {
		p.Aliases = StringSlice(existingFields["aliases"])
	}

	id, _, err := a.graph.MergeNode(ctx, p.Label(), p.MergeKey(), p.Fields(), emb)
	if err != nil {
		return "", fmt.Errorf("memory: merge person %q: %w", name, err)
	}

	props := map[string]any{"since": time.Now().UTC().Format("2006-01-02")}
	if relationType != "" {
		props["relation_type"] = relationType
	}
	if sentiment != "" {
		props["sentiment"] = sentiment
	}

	userID, err := a.ensureUser(ctx)
	if err != nil {
		return "", err
	}
	if err := a.graph.UpsertEdge(ctx, "User", userID, RelationKnows, p.Label(), id, props); err != nil {
		return "", fmt.Errorf("memory: upsert KNOWS edge to %q: %w", name, err)
	}
	return id, nil
}

// ensureUser merges the singleton User node, creating it on first use.
func (a *API) ensureUser(ctx context.Context) (string, error) {
	id, _, err := a.graph.MergeNode(ctx, "User", map[string]any{"name": UserNodeName}, map[string]any{"name": UserNodeName}, nil)
	if err != nil {
		return "", fmt.Errorf("memory: ensure user node: %w", err)
	}
	return id, nil
}

// AddEvent creates an Event merged on (date, description), defaulting date to
// today, then links PARTICIPATED_IN edges for participants and MENTIONS
// edges for mentioned, resolving each name by an exact-name Person lookup.
// Names with no existing Person are skipped without an edge or an error.
func (a *API) AddEvent(ctx context.Context, description string, participants, mentioned []string, date string) (string, error) {
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}

	emb, err := a.embedder.Embed(ctx, description)
	if err != nil {
		return "", fmt.Errorf("memory: embed event: %w", err)
	}

	e := Event{Date: date, Description: description, Embedding: emb}
	id, _, err := a.graph.MergeNode(ctx, e.Label(), e.MergeKey(), e.Fields(), emb)
	if err != nil {
		return "", fmt.Errorf("memory: merge event: %w", err)
	}

	for _, name := range participants {
		personID, _, err := a.graph.GetNode(ctx, "Person", map[string]any{"name": name})
		if err != nil {
			return "", fmt.Errorf("memory: lookup participant %q: %w", name, err)
		}
		if personID == "" {
			continue
		}
		if err := a.graph.UpsertEdge(ctx, e.Label(), id, RelationParticipatedIn, "Person", personID, nil); err != nil {
			return "", fmt.Errorf("memory: link participant %q: %w", name, err)
		}
	}
	for _, name := range mentioned {
		personID, _, err := a.graph.GetNode(ctx, "Person", map[string]any{"name": name})
		if err != nil {
			return "", fmt.Errorf("memory: lookup mentioned %q: %w", name, err)
		}
		if personID == "" {
			continue
		}
		if err := a.graph.UpsertEdge(ctx, e.Label(), id, RelationMentions, "Person", personID, nil); err != nil {
			return "", fmt.Errorf("memory: link mentioned %q: %w", name, err)
		}
	}
	return id, nil
}

// checkDuplicate scans every node of label for one whose embedding is within
// threshold cosine similarity of emb, returning the closest match if any.
func (a *API) checkDuplicate(ctx context.Context, label string, emb []float32, contentField string) (DuplicateCheck, error) {
	matches, err := a.graph.QueryNodesByVector(ctx, label, 1, emb)
	if err != nil {
		return DuplicateCheck{}, fmt.Errorf("memory: duplicate check for %s: %w", label, err)
	}
	if len(matches) == 0 {
		return DuplicateCheck{}, nil
	}
	best := matches[0]
	if best.Similarity < a.duplicateThreshold() {
		return DuplicateCheck{}, nil
	}
	return DuplicateCheck{Matched: true, ID: best.ID, Score: best.Similarity, Content: stringField(best.Fields, contentField)}, nil
}

// AddFact inserts a Fact, collapsing into an existing near-duplicate (cosine
// similarity ≥ [API.duplicateThreshold]) by updating it in place instead.
func (a *API) AddFact(ctx context.Context, content, category string) (DuplicateCheck, error) {
	emb, err := a.embedder.Embed(ctx, content)
	if err != nil {
		return DuplicateCheck{}, fmt.Errorf("memory: embed fact: %w", err)
	}

	dup, err := a.checkDuplicate(ctx, "Fact", emb, "content")
	if err != nil {
		return DuplicateCheck{}, err
	}
	if dup.Matched {
		if err := a.graph.UpdateFields(ctx, "Fact", dup.ID, map[string]any{"content": content, "category": category}, emb); err != nil {
			return DuplicateCheck{}, fmt.Errorf("memory: update duplicate fact: %w", err)
		}
		return dup, nil
	}

	f := Fact{Content: content, Category: category, Embedding: emb}
	id, _, err := a.graph.MergeNode(ctx, f.Label(), f.MergeKey(), f.Fields(), emb)
	if err != nil {
		return DuplicateCheck{}, fmt.Errorf("memory: merge fact: %w", err)
	}
	if err := a.linkUserOwned(ctx, RelationHasFact, "Fact", id); err != nil {
		return DuplicateCheck{}, err
	}
	return DuplicateCheck{ID: id}, nil
}

// AddPreference inserts a Preference, collapsing into an existing
// near-duplicate by updating it in place instead.
func (a *API) AddPreference(ctx context.Context, instruction string) (DuplicateCheck, error) {
	emb, err := a.embedder.Embed(ctx, instruction)
	if err != nil {
		return DuplicateCheck{}, fmt.Errorf("memory: embed preference: %w", err)
	}

	dup, err := a.checkDuplicate(ctx, "Preference", emb, "instruction")
	if err != nil {
		return DuplicateCheck{}, err
	}
	if dup.Matched {
		if err := a.graph.UpdateFields(ctx, "Preference", dup.ID, map[string]any{"instruction": instruction}, emb); err != nil {
			return DuplicateCheck{}, fmt.Errorf("memory: update duplicate preference: %w", err)
		}
		return dup, nil
	}

	p := Preference{Instruction: instruction, Embedding: emb}
	id, _, err := a.graph.MergeNode(ctx, p.Label(), p.MergeKey(), p.Fields(), emb)
	if err != nil {
		return DuplicateCheck{}, fmt.Errorf("memory: merge preference: %w", err)
	}
	if err := a.linkUserOwned(ctx, RelationHasPreference, "Preference", id); err != nil {
		return DuplicateCheck{}, err
	}
	return DuplicateCheck{ID: id}, nil
}

func (a *API) linkUserOwned(ctx context.Context, relType, toLabel, toID string) error {
	userID, err := a.ensureUser(ctx)
	if err != nil {
		return err
	}
	if err := a.graph.UpsertEdge(ctx, "User", userID, relType, toLabel, toID, nil); err != nil {
		return fmt.Errorf("memory: link %s to User: %w", toLabel, err)
	}
	return nil
}

// AddOrUpdateRelationship upserts a Person-KNOWS-Person edge between personA
// and personB.
func (a *API) AddOrUpdateRelationship(ctx context.Context, personA, personB, relationType, sentiment string) error {
	aID, _, err := a.graph.GetNode(ctx, "Person", map[string]any{"name": personA})
	if err != nil {
		return fmt.Errorf("memory: lookup %q: %w", personA, err)
	}
	if aID == "" {
		return fmt.Errorf("memory: person %q not found", personA)
	}
	bID, _, err := a.graph.GetNode(ctx, "Person", map[string]any{"name": personB})
	if err != nil {
		return fmt.Errorf("memory: lookup %q: %w", personB, err)
	}
	if bID == "" {
		return fmt.Errorf("memory: person %q not found", personB)
	}

	props := map[string]any{}
	if relationType != "" {
		props["relation_type"] = relationType
	}
	if sentiment != "" {
		props["sentiment"] = sentiment
	}
	if err := a.graph.UpsertEdge(ctx, "Person", aID, RelationKnows, "Person", bID, props); err != nil {
		return fmt.Errorf("memory: upsert relationship %s-%s: %w", personA, personB, err)
	}
	return nil
}

// UpdateFactOrPreference recomputes the embedding for newValue and updates
// the node of the given label in place.
func (a *API) UpdateFactOrPreference(ctx context.Context, label, id, newValue string) error {
	emb, err := a.embedder.Embed(ctx, newValue)
	if err != nil {
		return fmt.Errorf("memory: embed updated value: %w", err)
	}

	var fields map[string]any
	switch label {
	case "Fact":
		fields = map[string]any{"content": newValue}
	case "Preference":
		fields = map[string]any{"instruction": newValue}
	default:
		return fmt.Errorf("memory: update_fact_or_preference: unsupported label %q", label)
	}
	if err := a.graph.UpdateFields(ctx, label, id, fields, emb); err != nil {
		return fmt.Errorf("memory: update %s %q: %w", label, id, err)
	}
	return nil
}

// DeleteMemory detach-deletes the node of the given label and id, removing
// its incident edges along with it.
func (a *API) DeleteMemory(ctx context.Context, label, id string) error {
	if err := a.graph.DeleteByID(ctx, label, id); err != nil {
		return fmt.Errorf("memory: delete %s %q: %w", label, id, err)
	}
	return nil
}

// GetUserPreferences returns every Preference instruction, sorted
// alphabetically, or nil when none exist.
func (a *API) GetUserPreferences(ctx context.Context) ([]string, error) {
	nodes, err := a.graph.AllNodes(ctx, "Preference")
	if err != nil {
		return nil, fmt.Errorf("memory: list preferences: %w", err)
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, stringField(n.Fields, "instruction"))
	}
	sort.Strings(out)
	return out, nil
}

// GetKnownPeople returns the names of every Person node on record, sorted
// alphabetically. Used to populate the {known_people} system prompt
// placeholder.
func (a *API) GetKnownPeople(ctx context.Context) ([]string, error) {
	nodes, err := a.graph.AllNodes(ctx, "Person")
	if err != nil {
		return nil, fmt.Errorf("memory: list known people: %w", err)
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, stringField(n.Fields, "name"))
	}
	sort.Strings(out)
	return out, nil
}

// CheckRelationship returns the KNOWS edge props from User to the named
// Person, plus the descriptions of events that person participated in.
// Returns found=false when the person is unknown.
func (a *API) CheckRelationship(ctx context.Context, personName string) (props map[string]any, eventDescriptions []string, found bool, err error) {
	personID, _, err := a.graph.GetNode(ctx, "Person", map[string]any{"name": personName})
	if err != nil {
		return nil, nil, false, fmt.Errorf("memory: lookup %q: %w", personName, err)
	}
	if personID == "" {
		return nil, nil, false, nil
	}

	userID, err := a.ensureUser(ctx)
	if err != nil {
		return nil, nil, false, err
	}
	edges, err := a.graph.Neighbors(ctx, "User", userID, RelationKnows)
	if err != nil {
		return nil, nil, false, fmt.Errorf("memory: knows edges: %w", err)
	}
	for _, e := range edges {
		if e.ToLabel == "Person" && e.ToID == personID {
			props = e.Props
			break
		}
	}

	events, err := a.eventsFor(ctx, personID)
	if err != nil {
		return nil, nil, false, err
	}
	return props, events, true, nil
}

// eventsFor returns the descriptions of events a Person participated in,
// walking PARTICIPATED_IN edges backwards by scanning every Event.
func (a *API) eventsFor(ctx context.Context, personID string) ([]string, error) {
	events, err := a.graph.AllNodes(ctx, "Event")
	if err != nil {
		return nil, fmt.Errorf("memory: list events: %w", err)
	}

	var out []string
	for _, ev := range events {
		edges, err := a.graph.Neighbors(ctx, "Event", ev.ID, RelationParticipatedIn)
		if err != nil {
			return nil, fmt.Errorf("memory: participated_in edges for event %q: %w", ev.ID, err)
		}
		for _, e := range edges {
			if e.ToID == personID {
				out = append(out, stringField(ev.Fields, "description"))
				break
			}
		}
	}
	return out, nil
}
