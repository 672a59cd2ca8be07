// Package canonicalize resolves a free-text person name to a single stable
// Person id, collapsing spelling variants into aliases of one canonical
// Person rather than letting them fragment into duplicate nodes.
package canonicalize

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/rtxchat/rtxchat/pkg/memory"
	"github.com/rtxchat/rtxchat/pkg/provider/embeddings"
)

const (
	// fuzzyThreshold is the minimum cosine similarity between a candidate
	// name's embedding and an existing Person's embedding for the candidate
	// to be accepted as an alias rather than a new Person.
	fuzzyThreshold = 0.85

	// maxLenDelta bounds the absolute rune-count difference permitted
	// between a candidate name and an existing Person's canonical name.
	maxLenDelta = 6
)

// Canonicalizer resolves person names to Person ids, merging near-duplicate
// spellings as aliases of an existing Person rather than minting a new node.
type Canonicalizer struct {
	graph    memory.GraphStore
	embedder embeddings.Provider
}

// New constructs a Canonicalizer over graph and embedder.
func New(graph memory.GraphStore, embedder embeddings.Provider) *Canonicalizer {
	return &Canonicalizer{graph: graph, embedder: embedder}
}

// Canonicalize resolves name to a Person id using a three-step algorithm:
//
//  1. Exact match on name, or membership in an existing Person's aliases.
//  2. Fuzzy match: embed name, scan every Person, accept the closest one iff
//     cosine similarity ≥ 0.85, the first rune matches case-insensitively, and
//     the rune-length difference is ≤ 6. On acceptance, name is appended to
//     that Person's aliases.
//  3. Otherwise, create a new Person with the computed embedding.
//
// If embedding fails, Canonicalize falls back to step 1 only and never
// guesses at a fuzzy or new-node outcome.
func (c *Canonicalizer) Canonicalize(ctx context.Context, name string) (string, error) {
	if id, err := c.exactMatch(ctx, name); err != nil {
		return "", err
	} else if id != "" {
		return id, nil
	}

	emb, err := c.embedder.Embed(ctx, name)
	if err != nil {
		return "", nil //nolint:nilerr // embedding failure: fall back to exact-match-only per design, never guess
	}

	id, err := c.fuzzyMatch(ctx, name, emb)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	p := memory.Person{Name: name, Embedding: emb}
	id, _, err = c.graph.MergeNode(ctx, p.Label(), p.MergeKey(), p.Fields(), emb)
	if err != nil {
		return "", fmt.Errorf("canonicalize: create person %q: %w", name, err)
	}
	return id, nil
}

// exactMatch returns a Person's id if name equals its canonical name or
// appears in its aliases, case-sensitively (names are expected pre-trimmed).
func (c *Canonicalizer) exactMatch(ctx context.Context, name string) (string, error) {
	id, _, err := c.graph.GetNode(ctx, "Person", map[string]any{"name": name})
	if err != nil {
		return "", fmt.Errorf("canonicalize: exact match %q: %w", name, err)
	}
	if id != "" {
		return id, nil
	}

	nodes, err := c.graph.AllNodes(ctx, "Person")
	if err != nil {
		return "", fmt.Errorf("canonicalize: scan persons for alias match: %w", err)
	}
	for _, n := range nodes {
		aliases := memory.StringSlice(n.Fields["aliases"])
		for _, a := range aliases {
			if a == name {
				return n.ID, nil
			}
		}
	}
	return "", nil
}

// fuzzyMatch scans every Person and accepts the closest one whose embedding
// clears fuzzyThreshold and whose name shape (first rune, length) is close
// enough to name to plausibly be the same entity.
func (c *Canonicalizer) fuzzyMatch(ctx context.Context, name string, emb []float32) (string, error) {
	nodes, err := c.graph.AllNodes(ctx, "Person")
	if err != nil {
		return "", fmt.Errorf("canonicalize: scan persons for fuzzy match: %w", err)
	}

	matches, err := c.graph.QueryNodesByVector(ctx, "Person", len(nodes), emb)
	if err != nil {
		return "", fmt.Errorf("canonicalize: vector query persons: %w", err)
	}

	byID := make(map[string]map[string]any, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n.Fields
	}

	var bestID string
	var bestScore float64
	for _, m := range matches {
		fields := byID[m.ID]
		candidateName, _ := fields["name"].(string)
		if !shapeCompatible(name, candidateName) {
			continue
		}
		if m.Similarity >= fuzzyThreshold && m.Similarity > bestScore {
			bestID, bestScore = m.ID, m.Similarity
		}
	}
	if bestID == "" {
		return "", nil
	}

	if err := c.appendAlias(ctx, bestID, name); err != nil {
		return "", err
	}
	return bestID, nil
}

// shapeCompatible reports whether a and b share a case-insensitive first
// rune and differ in rune length by no more than maxLenDelta.
func shapeCompatible(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	ra := []rune(strings.ToLower(a))
	rb := []rune(strings.ToLower(b))
	if ra[0] != rb[0] {
		return false
	}
	delta := len(ra) - len(rb)
	return math.Abs(float64(delta)) <= maxLenDelta
}

// appendAlias merges name into the Person's stored alias list, deduplicating.
func (c *Canonicalizer) appendAlias(ctx context.Context, personID, name string) error {
	fields, err := c.graph.GetNodeByID(ctx, "Person", personID)
	if err != nil {
		return fmt.Errorf("canonicalize: load person %q: %w", personID, err)
	}
	aliases := memory.StringSlice(fields["aliases"])
	for _, a := range aliases {
		if a == name {
			return nil
		}
	}
	aliases = append(aliases, name)
	if err := c.graph.UpdateFields(ctx, "Person", personID, map[string]any{"aliases": aliases}, nil); err != nil {
		return fmt.Errorf("canonicalize: append alias to %q: %w", personID, err)
	}
	return nil
}
