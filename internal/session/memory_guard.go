package session

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/rtxchat/rtxchat/pkg/memory"
)

// MemoryGuard wraps a [memory.GraphStore] and makes every operation
// non-fatal. If the underlying store fails, read operations return zero
// values and write operations are swallowed, both logged as warnings instead
// of propagated as errors.
//
// This lets the agent turn engine keep responding even when the memory
// backend is temporarily unavailable (e.g., database restart, network
// partition), at the cost of operating without long-term memory until the
// backend recovers. IsDegraded reports whether the most recent operation
// failed.
//
// MemoryGuard implements [memory.GraphStore].
//
// All methods are safe for concurrent use.
type MemoryGuard struct {
	store    memory.GraphStore
	degraded atomic.Bool
}

// NewMemoryGuard creates a new [MemoryGuard] wrapping the given store.
func NewMemoryGuard(store memory.GraphStore) *MemoryGuard {
	return &MemoryGuard{store: store}
}

// IsDegraded reports whether the most recent operation on the underlying
// store failed.
func (mg *MemoryGuard) IsDegraded() bool {
	return mg.degraded.Load()
}

func (mg *MemoryGuard) warn(op string, err error, kv ...any) {
	mg.degraded.Store(true)
	slog.Warn("memory guard: operation failed, degrading gracefully", append([]any{"op", op, "error", err}, kv...)...)
}

func (mg *MemoryGuard) CreateVectorIndex(ctx context.Context, label string, dim int) error {
	if err := mg.store.CreateVectorIndex(ctx, label, dim); err != nil {
		mg.warn("CreateVectorIndex", err, "label", label)
		return nil
	}
	mg.degraded.Store(false)
	return nil
}

func (mg *MemoryGuard) MergeNode(ctx context.Context, label string, mergeKeys, fields map[string]any, embedding []float32) (string, bool, error) {
	id, created, err := mg.store.MergeNode(ctx, label, mergeKeys, fields, embedding)
	if err != nil {
		mg.warn("MergeNode", err, "label", label)
		return "", false, nil
	}
	mg.degraded.Store(false)
	return id, created, nil
}

func (mg *MemoryGuard) GetNode(ctx context.Context, label string, mergeKeys map[string]any) (string, map[string]any, error) {
	id, fields, err := mg.store.GetNode(ctx, label, mergeKeys)
	if err != nil {
		mg.warn("GetNode", err, "label", label)
		return "", nil, nil
	}
	mg.degraded.Store(false)
	return id, fields, nil
}

func (mg *MemoryGuard) GetNodeByID(ctx context.Context, label, id string) (map[string]any, error) {
	fields, err := mg.store.GetNodeByID(ctx, label, id)
	if err != nil {
		mg.warn("GetNodeByID", err, "label", label, "id", id)
		return nil, nil
	}
	mg.degraded.Store(false)
	return fields, nil
}

func (mg *MemoryGuard) UpdateFields(ctx context.Context, label, id string, fields map[string]any, embedding []float32) error {
	if err := mg.store.UpdateFields(ctx, label, id, fields, embedding); err != nil {
		mg.warn("UpdateFields", err, "label", label, "id", id)
		return nil
	}
	mg.degraded.Store(false)
	return nil
}

func (mg *MemoryGuard) AllNodes(ctx context.Context, label string) ([]memory.VectorMatch, error) {
	nodes, err := mg.store.AllNodes(ctx, label)
	if err != nil {
		mg.warn("AllNodes", err, "label", label)
		return nil, nil
	}
	mg.degraded.Store(false)
	return nodes, nil
}

func (mg *MemoryGuard) UpsertEdge(ctx context.Context, fromLabel, fromID, relType, toLabel, toID string, props map[string]any) error {
	if err := mg.store.UpsertEdge(ctx, fromLabel, fromID, relType, toLabel, toID, props); err != nil {
		mg.warn("UpsertEdge", err, "from", fromLabel+"/"+fromID, "to", toLabel+"/"+toID)
		return nil
	}
	mg.degraded.Store(false)
	return nil
}

func (mg *MemoryGuard) Neighbors(ctx context.Context, fromLabel, fromID string, relTypes ...string) ([]memory.Edge, error) {
	edges, err := mg.store.Neighbors(ctx, fromLabel, fromID, relTypes...)
	if err != nil {
		mg.warn("Neighbors", err, "from", fromLabel+"/"+fromID)
		return nil, nil
	}
	mg.degraded.Store(false)
	return edges, nil
}

func (mg *MemoryGuard) QueryNodesByVector(ctx context.Context, label string, k int, vec []float32) ([]memory.VectorMatch, error) {
	matches, err := mg.store.QueryNodesByVector(ctx, label, k, vec)
	if err != nil {
		mg.warn("QueryNodesByVector", err, "label", label)
		return nil, nil
	}
	mg.degraded.Store(false)
	return matches, nil
}

func (mg *MemoryGuard) DeleteByID(ctx context.Context, label, id string) error {
	if err := mg.store.DeleteByID(ctx, label, id); err != nil {
		mg.warn("DeleteByID", err, "label", label, "id", id)
		return nil
	}
	mg.degraded.Store(false)
	return nil
}

// Compile-time check that MemoryGuard satisfies memory.GraphStore.
var _ memory.GraphStore = (*MemoryGuard)(nil)
