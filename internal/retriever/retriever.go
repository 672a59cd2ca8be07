// Package retriever implements hybrid (semantic + structural) memory
// retrieval: vector search over requested node labels, entity detection in
// the query text, and subgraph expansion around any detected entity, merged
// into a single ranked, annotated result list.
package retriever

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
	"golang.org/x/sync/errgroup"

	"github.com/rtxchat/rtxchat/pkg/memory"
	"github.com/rtxchat/rtxchat/pkg/provider/embeddings"
)

const (
	// entityFuzzyThreshold is the minimum fuzzy-ratio score for a query token
	// to be accepted as referring to a Person by a non-exact spelling.
	entityFuzzyThreshold = 0.8

	// entityEmbeddingThreshold is the minimum cosine similarity for the
	// short-query cosine fallback entity detection pass.
	entityEmbeddingThreshold = 0.85

	// shortQueryTokenLimit bounds how many tokens a query may have for the
	// cosine-similarity entity-detection fallback to apply.
	shortQueryTokenLimit = 4

	// structuralScore is the fixed score assigned to every memory reached via
	// subgraph expansion around a detected entity.
	structuralScore = 0.9

	// overlapBoost is added to a memory's score when it is found by both
	// vector search and subgraph expansion.
	overlapBoost = 0.05
)

// Result is one ranked, annotated retrieval hit.
type Result struct {
	Label      string
	ID         string
	Fields     map[string]any
	Score      float64
	Source     string // "graph" (entity-linked) or "semantic"
	Annotation string
}

// Retriever implements the hybrid retrieval algorithm over a [memory.GraphStore].
type Retriever struct {
	graph    memory.GraphStore
	embedder embeddings.Provider
}

// New constructs a Retriever.
func New(graph memory.GraphStore, embedder embeddings.Provider) *Retriever {
	return &Retriever{graph: graph, embedder: embedder}
}

var wordPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// Retrieve runs the full hybrid retrieval algorithm for query, restricted to
// nodeLabels, and returns at most limit results ordered by descending score
// with entity-linked hits breaking ties ahead of semantic-only hits.
// Results whose semantic score falls below minSimilarity are discarded
// before the subgraph-expansion boost is applied.
func (r *Retriever) Retrieve(ctx context.Context, query string, nodeLabels []string, limit int, minSimilarity float64) ([]Result, error) {
	qEmb, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("retriever: embed query: %w", err)
	}

	entity, err := r.detectEntity(ctx, query, qEmb)
	if err != nil {
		return nil, fmt.Errorf("retriever: detect entity: %w", err)
	}

	semantic, err := r.vectorSearch(ctx, nodeLabels, limit, minSimilarity, qEmb)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]*Result, len(semantic))
	key := func(label, id string) string { return label + "/" + id }
	for i := range semantic {
		m := &semantic[i]
		merged[key(m.Label, m.ID)] = m
	}

	if entity != "" {
		structural, err := r.expandSubgraph(ctx, entity, limit)
		if err != nil {
			return nil, err
		}
		for _, s := range structural {
			k := key(s.Label, s.ID)
			if existing, ok := merged[k]; ok {
				if s.Score > existing.Score {
					existing.Score = s.Score
				}
				existing.Score += overlapBoost
				existing.Source = "graph"
				existing.Annotation = s.Annotation
			} else {
				sc := s
				merged[k] = &sc
			}
		}
	}

	out := make([]Result, 0, len(merged))
	for _, m := range merged {
		out = append(out, *m)
	}
	sortResults(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// sortResults orders by descending score; ties prefer source="graph" over
// "semantic", then break deterministically on label then id.
func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if (a.Source == "graph") != (b.Source == "graph") {
			return a.Source == "graph"
		}
		if a.Label != b.Label {
			return a.Label < b.Label
		}
		return a.ID < b.ID
	})
}

// vectorSearch runs a per-label vector query fan-out via errgroup, keeping
// hits whose similarity clears minSimilarity.
func (r *Retriever) vectorSearch(ctx context.Context, labels []string, limit int, minSimilarity float64, qEmb []float32) ([]Result, error) {
	resultsByLabel := make([][]Result, len(labels))

	g, gctx := errgroup.WithContext(ctx)
	for i, label := range labels {
		i, label := i, label
		g.Go(func() error {
			matches, err := r.graph.QueryNodesByVector(gctx, label, limit, qEmb)
			if err != nil {
				return fmt.Errorf("vector search label %q: %w", label, err)
			}
			hits := make([]Result, 0, len(matches))
			for _, m := range matches {
				if m.Similarity < minSimilarity {
					continue
				}
				hits = append(hits, Result{Label: label, ID: m.ID, Fields: m.Fields, Score: m.Similarity, Source: "semantic"})
			}
			resultsByLabel[i] = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("retriever: %w", err)
	}

	var out []Result
	for _, hits := range resultsByLabel {
		out = append(out, hits...)
	}

	for i := range out {
		conns, err := r.outgoingPersonNames(ctx, out[i].Label, out[i].ID)
		if err != nil {
			return nil, err
		}
		if len(conns) > 0 {
			out[i].Annotation = "[" + strings.Join(conns, ", ") + "]"
		}
	}
	return out, nil
}

// expandSubgraph fetches up to 2*limit memories linked to the given Person
// id, assigning each the fixed structural score and a relationship-type
// annotation.
func (r *Retriever) expandSubgraph(ctx context.Context, personID string, limit int) ([]Result, error) {
	edges, err := r.graph.Neighbors(ctx, "Person", personID)
	if err != nil {
		return nil, fmt.Errorf("retriever: expand subgraph: %w", err)
	}

	entityName, err := r.personName(ctx, personID)
	if err != nil {
		return nil, err
	}

	max := 2 * limit
	out := make([]Result, 0, len(edges))
	for _, e := range edges {
		if len(out) >= max {
			break
		}
		fields, err := r.graph.GetNodeByID(ctx, e.ToLabel, e.ToID)
		if err != nil {
			return nil, fmt.Errorf("retriever: load linked node %s/%s: %w", e.ToLabel, e.ToID, err)
		}
		if fields == nil {
			continue
		}
		out = append(out, Result{
			Label:      e.ToLabel,
			ID:         e.ToID,
			Fields:     fields,
			Score:      structuralScore,
			Source:     "graph",
			Annotation: fmt.Sprintf("[%s %s]", e.RelType, entityName),
		})
	}
	return out, nil
}

func (r *Retriever) personName(ctx context.Context, personID string) (string, error) {
	fields, err := r.graph.GetNodeByID(ctx, "Person", personID)
	if err != nil {
		return "", fmt.Errorf("retriever: load person %q: %w", personID, err)
	}
	name, _ := fields["name"].(string)
	return name, nil
}

// outgoingPersonNames returns the names of Persons reachable via an outgoing
// edge from (label, id), used to annotate semantic-only hits with
// "[conn1, conn2]".
func (r *Retriever) outgoingPersonNames(ctx context.Context, label, id string) ([]string, error) {
	edges, err := r.graph.Neighbors(ctx, label, id)
	if err != nil {
		return nil, fmt.Errorf("retriever: outgoing edges for %s/%s: %w", label, id, err)
	}
	var names []string
	for _, e := range edges {
		if e.ToLabel != "Person" {
			continue
		}
		fields, err := r.graph.GetNodeByID(ctx, "Person", e.ToID)
		if err != nil {
			return nil, fmt.Errorf("retriever: load person %q: %w", e.ToID, err)
		}
		if name, ok := fields["name"].(string); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// detectEntity implements detect_entity_hybrid: tokenize the query, look for
// an exact or fuzzy name/alias match against every Person, falling back to
// cosine similarity on short queries. Returns the matched Person's id, or ""
// if none was detected.
func (r *Retriever) detectEntity(ctx context.Context, query string, qEmb []float32) (string, error) {
	tokens := wordPattern.FindAllString(strings.ToLower(query), -1)
	if len(tokens) == 0 {
		return "", nil
	}

	persons, err := r.graph.AllNodes(ctx, "Person")
	if err != nil {
		return "", fmt.Errorf("scan persons: %w", err)
	}

	var bestID string
	var bestScore float64
	for _, p := range persons {
		name, _ := p.Fields["name"].(string)
		candidates := append([]string{name}, memory.StringSlice(p.Fields["aliases"])...)

		for _, token := range tokens {
			for _, candidate := range candidates {
				if candidate == "" {
					continue
				}
				if strings.EqualFold(token, candidate) {
					return p.ID, nil
				}
				score := fuzzyRatio(token, strings.ToLower(candidate))
				if score >= entityFuzzyThreshold && score > bestScore {
					bestID, bestScore = p.ID, score
				}
			}
		}
	}
	if bestID != "" {
		return bestID, nil
	}

	if len(tokens) > shortQueryTokenLimit {
		return "", nil
	}
	return r.cosineEntityFallback(ctx, persons, qEmb)
}

// cosineEntityFallback matches the query's embedding directly against every
// Person's stored embedding, accepting the closest one at or above
// entityEmbeddingThreshold.
func (r *Retriever) cosineEntityFallback(ctx context.Context, persons []memory.VectorMatch, qEmb []float32) (string, error) {
	matches, err := r.graph.QueryNodesByVector(ctx, "Person", 1, qEmb)
	if err != nil {
		return "", fmt.Errorf("cosine entity fallback: %w", err)
	}
	if len(matches) == 0 || matches[0].Similarity < entityEmbeddingThreshold {
		return "", nil
	}
	return matches[0].ID, nil
}

// fuzzyRatio is a normalized edit-distance similarity in [0, 1]: 1 for
// identical strings, decreasing toward 0 as Levenshtein distance grows
// relative to the longer string's length.
func fuzzyRatio(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	maxLen := len([]rune(a))
	if bl := len([]rune(b)); bl > maxLen {
		maxLen = bl
	}
	if maxLen == 0 {
		return 1
	}
	dist := matchr.Levenshtein(a, b)
	return 1 - float64(dist)/float64(maxLen)
}
