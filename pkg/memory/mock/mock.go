// Package mock provides an in-memory [memory.GraphStore] for tests that
// don't need a real PostgreSQL instance.
package mock

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/rtxchat/rtxchat/pkg/memory"
)

type node struct {
	id        string
	fields    map[string]any
	mergeKey  string
	embedding []float32
}

type edgeKey struct {
	fromLabel, fromID, relType, toLabel, toID string
}

// Store is a mutex-guarded in-memory [memory.GraphStore]. Safe for
// concurrent use; IDs are "<label>-<n>" with n taken from one counter shared
// by all labels, which is deterministic enough for tests to assert against.
type Store struct {
	mu      sync.Mutex
	nodes   map[string]map[string]*node // label -> id -> node
	byKey   map[string]map[string]*node // label -> mergeKey -> node
	edges   map[edgeKey]map[string]any
	edgeSeq []edgeKey // insertion order, for deterministic Neighbors output
	seq     int
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		nodes: make(map[string]map[string]*node),
		byKey: make(map[string]map[string]*node),
		edges: make(map[edgeKey]map[string]any),
	}
}

var _ memory.GraphStore = (*Store)(nil)

func canonicalMergeKey(mergeKeys map[string]any) string {
	keys := make([]string, 0, len(mergeKeys))
	for k := range mergeKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s := ""
	for i, k := range keys {
		if i > 0 {
			s += "|"
		}
		s += fmt.Sprintf("%s=%v", k, mergeKeys[k])
	}
	return s
}

// CreateVectorIndex is a no-op; the in-memory store has no index to build.
func (s *Store) CreateVectorIndex(ctx context.Context, label string, dim int) error {
	return nil
}

func (s *Store) MergeNode(ctx context.Context, label string, mergeKeys, fields map[string]any, embedding []float32) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.byKey[label] == nil {
		s.byKey[label] = make(map[string]*node)
		s.nodes[label] = make(map[string]*node)
	}

	key := canonicalMergeKey(mergeKeys)
	if n, ok := s.byKey[label][key]; ok {
		n.fields = fields
		if embedding != nil {
			n.embedding = embedding
		}
		return n.id, false, nil
	}

	s.seq++
	n := &node{id: fmt.Sprintf("%s-%d", label, s.seq), fields: fields, mergeKey: key, embedding: embedding}
	s.byKey[label][key] = n
	s.nodes[label][n.id] = n
	return n.id, true, nil
}

func (s *Store) GetNode(ctx context.Context, label string, mergeKeys map[string]any) (string, map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.byKey[label][canonicalMergeKey(mergeKeys)]
	if !ok {
		return "", nil, nil
	}
	return n.id, n.fields, nil
}

func (s *Store) GetNodeByID(ctx context.Context, label, id string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[label][id]
	if !ok {
		return nil, nil
	}
	return n.fields, nil
}

func (s *Store) UpdateFields(ctx context.Context, label, id string, fields map[string]any, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[label][id]
	if !ok {
		return fmt.Errorf("mock graph store: node %q/%q not found", label, id)
	}
	for k, v := range fields {
		n.fields[k] = v
	}
	if embedding != nil {
		n.embedding = embedding
	}
	return nil
}

func (s *Store) AllNodes(ctx context.Context, label string) ([]memory.VectorMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.nodes[label]))
	for id := range s.nodes[label] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]memory.VectorMatch, 0, len(ids))
	for _, id := range ids {
		n := s.nodes[label][id]
		out = append(out, memory.VectorMatch{ID: n.id, Fields: n.fields})
	}
	return out, nil
}

func (s *Store) UpsertEdge(ctx context.Context, fromLabel, fromID, relType, toLabel, toID string, props map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := edgeKey{fromLabel, fromID, relType, toLabel, toID}
	if _, exists := s.edges[k]; !exists {
		s.edgeSeq = append(s.edgeSeq, k)
	}
	s.edges[k] = props
	return nil
}

func (s *Store) Neighbors(ctx context.Context, fromLabel, fromID string, relTypes ...string) ([]memory.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	allowed := make(map[string]bool, len(relTypes))
	for _, rt := range relTypes {
		allowed[rt] = true
	}

	var out []memory.Edge
	for _, k := range s.edgeSeq {
		if k.fromLabel != fromLabel || k.fromID != fromID {
			continue
		}
		if len(relTypes) > 0 && !allowed[k.relType] {
			continue
		}
		out = append(out, memory.Edge{
			FromID:  fromID,
			ToLabel: k.toLabel,
			ToID:    k.toID,
			RelType: k.relType,
			Props:   s.edges[k],
		})
	}
	return out, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func (s *Store) QueryNodesByVector(ctx context.Context, label string, k int, vec []float32) ([]memory.VectorMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches := make([]memory.VectorMatch, 0, len(s.nodes[label]))
	for _, n := range s.nodes[label] {
		if n.embedding == nil {
			continue
		}
		matches = append(matches, memory.VectorMatch{
			ID:         n.id,
			Fields:     n.fields,
			Similarity: cosineSimilarity(vec, n.embedding),
		})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].ID < matches[j].ID
	})
	if k < len(matches) {
		matches = matches[:k]
	}
	return matches, nil
}

func (s *Store) DeleteByID(ctx context.Context, label, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[label][id]
	if !ok {
		return nil
	}
	delete(s.nodes[label], id)
	delete(s.byKey[label], n.mergeKey)

	remaining := s.edgeSeq[:0]
	for _, k := range s.edgeSeq {
		if (k.fromLabel == label && k.fromID == id) || (k.toLabel == label && k.toID == id) {
			delete(s.edges, k)
			continue
		}
		remaining = append(remaining, k)
	}
	s.edgeSeq = remaining
	return nil
}
