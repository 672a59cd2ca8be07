package memory

import (
	"context"

	"github.com/rtxchat/rtxchat/internal/resilience"
)

// CircuitBreakerStore wraps a [GraphStore] with a [resilience.CircuitBreaker]
// that guards the store's connection health. Once consecutive failures (e.g.
// a Postgres outage) trip the breaker, calls fail fast with
// [resilience.ErrCircuitOpen] instead of piling up against a dead connection
// pool; the breaker probes again after its reset timeout.
//
// CircuitBreakerStore is safe for concurrent use whenever the wrapped
// GraphStore is.
type CircuitBreakerStore struct {
	inner   GraphStore
	breaker *resilience.CircuitBreaker
}

// Compile-time interface assertion.
var _ GraphStore = (*CircuitBreakerStore)(nil)

// NewCircuitBreakerStore wraps inner with a circuit breaker configured per
// cfg. cfg.Name defaults to "graph-store" when empty.
func NewCircuitBreakerStore(inner GraphStore, cfg resilience.CircuitBreakerConfig) *CircuitBreakerStore {
	if cfg.Name == "" {
		cfg.Name = "graph-store"
	}
	return &CircuitBreakerStore{
		inner:   inner,
		breaker: resilience.NewCircuitBreaker(cfg),
	}
}

// State returns the breaker's current state, for health reporting.
func (s *CircuitBreakerStore) State() resilience.State {
	return s.breaker.State()
}

func (s *CircuitBreakerStore) CreateVectorIndex(ctx context.Context, label string, dim int) error {
	return s.breaker.Execute(func() error {
		return s.inner.CreateVectorIndex(ctx, label, dim)
	})
}

func (s *CircuitBreakerStore) MergeNode(ctx context.Context, label string, mergeKeys, fields map[string]any, embedding []float32) (id string, created bool, err error) {
	err = s.breaker.Execute(func() error {
		var innerErr error
		id, created, innerErr = s.inner.MergeNode(ctx, label, mergeKeys, fields, embedding)
		return innerErr
	})
	return id, created, err
}

func (s *CircuitBreakerStore) GetNode(ctx context.Context, label string, mergeKeys map[string]any) (id string, fields map[string]any, err error) {
	err = s.breaker.Execute(func() error {
		var innerErr error
		id, fields, innerErr = s.inner.GetNode(ctx, label, mergeKeys)
		return innerErr
	})
	return id, fields, err
}

func (s *CircuitBreakerStore) GetNodeByID(ctx context.Context, label, id string) (fields map[string]any, err error) {
	err = s.breaker.Execute(func() error {
		var innerErr error
		fields, innerErr = s.inner.GetNodeByID(ctx, label, id)
		return innerErr
	})
	return fields, err
}

func (s *CircuitBreakerStore) UpdateFields(ctx context.Context, label, id string, fields map[string]any, embedding []float32) error {
	return s.breaker.Execute(func() error {
		return s.inner.UpdateFields(ctx, label, id, fields, embedding)
	})
}

func (s *CircuitBreakerStore) AllNodes(ctx context.Context, label string) (nodes []VectorMatch, err error) {
	err = s.breaker.Execute(func() error {
		var innerErr error
		nodes, innerErr = s.inner.AllNodes(ctx, label)
		return innerErr
	})
	return nodes, err
}

func (s *CircuitBreakerStore) UpsertEdge(ctx context.Context, fromLabel, fromID, relType, toLabel, toID string, props map[string]any) error {
	return s.breaker.Execute(func() error {
		return s.inner.UpsertEdge(ctx, fromLabel, fromID, relType, toLabel, toID, props)
	})
}

func (s *CircuitBreakerStore) Neighbors(ctx context.Context, fromLabel, fromID string, relTypes ...string) (edges []Edge, err error) {
	err = s.breaker.Execute(func() error {
		var innerErr error
		edges, innerErr = s.inner.Neighbors(ctx, fromLabel, fromID, relTypes...)
		return innerErr
	})
	return edges, err
}

func (s *CircuitBreakerStore) QueryNodesByVector(ctx context.Context, label string, k int, vec []float32) (matches []VectorMatch, err error) {
	err = s.breaker.Execute(func() error {
		var innerErr error
		matches, innerErr = s.inner.QueryNodesByVector(ctx, label, k, vec)
		return innerErr
	})
	return matches, err
}

func (s *CircuitBreakerStore) DeleteByID(ctx context.Context, label, id string) error {
	return s.breaker.Execute(func() error {
		return s.inner.DeleteByID(ctx, label, id)
	})
}
