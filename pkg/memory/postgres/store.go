package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/rtxchat/rtxchat/pkg/memory"
)

// Store is a [memory.GraphStore] backed by PostgreSQL + pgvector. It opens a
// single pooled connection manager for the process lifetime; every method
// borrows a short-lived connection from the pool rather than holding one.
//
// The zero value is not usable; construct with [New].
type Store struct {
	pool *pgxpool.Pool
}

var _ memory.GraphStore = (*Store)(nil)

// New wraps an already-configured pgxpool.Pool. Callers are responsible for
// calling [Migrate] before first use.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// CreateVectorIndex implements [memory.GraphStore]. Table and index creation
// for a label is idempotent, so this simply re-runs the same DDL [Migrate]
// uses; callers that add a label after startup can call it directly.
func (s *Store) CreateVectorIndex(ctx context.Context, label string, dim int) error {
	if _, err := s.pool.Exec(ctx, ddlNodeTable(label, dim)); err != nil {
		return fmt.Errorf("graph store: create vector index for label %q: %w", label, err)
	}
	return nil
}

// canonicalMergeKey renders mergeKeys into a deterministic string so that
// composite merge keys (e.g. Event's date+description) can share a single
// UNIQUE column across every label's table.
func canonicalMergeKey(mergeKeys map[string]any) string {
	keys := make([]string, 0, len(mergeKeys))
	for k := range mergeKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(k)
		b.WriteByte('=')
		fmt.Fprintf(&b, "%v", mergeKeys[k])
	}
	return b.String()
}

// MergeNode implements [memory.GraphStore] with an INSERT ... ON CONFLICT
// (merge_key) DO UPDATE, making every write idempotent on its merge key.
func (s *Store) MergeNode(ctx context.Context, label string, mergeKeys, fields map[string]any, embedding []float32) (string, bool, error) {
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return "", false, fmt.Errorf("graph store: marshal fields for label %q: %w", label, err)
	}

	var vec *pgvector.Vector
	if embedding != nil {
		v := pgvector.NewVector(embedding)
		vec = &v
	}

	table := tableName(label)
	mergeKey := canonicalMergeKey(mergeKeys)

	q := fmt.Sprintf(`
		INSERT INTO %s (merge_key, fields, embedding, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (merge_key) DO UPDATE SET
		    fields     = EXCLUDED.fields,
		    embedding  = COALESCE(EXCLUDED.embedding, %[1]s.embedding),
		    updated_at = now()
		RETURNING id, (xmax = 0) AS inserted`, table)

	var id string
	var inserted bool
	if err := s.pool.QueryRow(ctx, q, mergeKey, fieldsJSON, vec).Scan(&id, &inserted); err != nil {
		return "", false, fmt.Errorf("graph store: merge node into %q: %w", table, err)
	}
	return id, inserted, nil
}

// GetNode implements [memory.GraphStore]. Returns a nil fields map (not an
// error) when no node matches mergeKeys.
func (s *Store) GetNode(ctx context.Context, label string, mergeKeys map[string]any) (string, map[string]any, error) {
	table := tableName(label)
	q := fmt.Sprintf(`SELECT id, fields FROM %s WHERE merge_key = $1`, table)

	var id string
	var fieldsJSON []byte
	err := s.pool.QueryRow(ctx, q, canonicalMergeKey(mergeKeys)).Scan(&id, &fieldsJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil, nil
		}
		return "", nil, fmt.Errorf("graph store: get node from %q: %w", table, err)
	}

	var fields map[string]any
	if err := json.Unmarshal(fieldsJSON, &fields); err != nil {
		return "", nil, fmt.Errorf("graph store: unmarshal fields from %q: %w", table, err)
	}
	return id, fields, nil
}

// GetNodeByID implements [memory.GraphStore]. Returns a nil map (not an
// error) when the node does not exist.
func (s *Store) GetNodeByID(ctx context.Context, label, id string) (map[string]any, error) {
	table := tableName(label)
	q := fmt.Sprintf(`SELECT fields FROM %s WHERE id = $1`, table)

	var fieldsJSON []byte
	if err := s.pool.QueryRow(ctx, q, id).Scan(&fieldsJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("graph store: get node by id from %q: %w", table, err)
	}

	var fields map[string]any
	if err := json.Unmarshal(fieldsJSON, &fields); err != nil {
		return nil, fmt.Errorf("graph store: unmarshal fields from %q: %w", table, err)
	}
	return fields, nil
}

// UpdateFields implements [memory.GraphStore]. Merges fields into the node's
// stored JSONB and, when embedding is non-nil, replaces its stored vector.
// Returns an error when the node does not exist.
func (s *Store) UpdateFields(ctx context.Context, label, id string, fields map[string]any, embedding []float32) error {
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("graph store: marshal update fields for label %q: %w", label, err)
	}

	var vec *pgvector.Vector
	if embedding != nil {
		v := pgvector.NewVector(embedding)
		vec = &v
	}

	table := tableName(label)
	q := fmt.Sprintf(`
		UPDATE %s
		SET    fields     = fields || $2::jsonb,
		       embedding  = COALESCE($3, embedding),
		       updated_at = now()
		WHERE  id = $1`, table)

	tag, err := s.pool.Exec(ctx, q, id, fieldsJSON, vec)
	if err != nil {
		return fmt.Errorf("graph store: update fields in %q: %w", table, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("graph store: update fields in %q: node %q not found", table, id)
	}
	return nil
}

// AllNodes implements [memory.GraphStore]. Used by the entity canonicalizer,
// which must scan every Person rather than relying on approximate vector
// index search.
func (s *Store) AllNodes(ctx context.Context, label string) ([]memory.VectorMatch, error) {
	table := tableName(label)
	q := fmt.Sprintf(`SELECT id, fields FROM %s`, table)

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("graph store: all nodes from %q: %w", table, err)
	}
	defer rows.Close()

	var out []memory.VectorMatch
	for rows.Next() {
		var (
			id         string
			fieldsJSON []byte
		)
		if err := rows.Scan(&id, &fieldsJSON); err != nil {
			return nil, fmt.Errorf("graph store: scan node from %q: %w", table, err)
		}
		var fields map[string]any
		if err := json.Unmarshal(fieldsJSON, &fields); err != nil {
			return nil, fmt.Errorf("graph store: unmarshal fields from %q: %w", table, err)
		}
		out = append(out, memory.VectorMatch{ID: id, Fields: fields})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("graph store: all nodes from %q: %w", table, err)
	}
	return out, nil
}

// UpsertEdge implements [memory.GraphStore]. relType is assumed already
// sanitized by the caller via [memory.SanitizeRelType].
func (s *Store) UpsertEdge(ctx context.Context, fromLabel, fromID, relType, toLabel, toID string, props map[string]any) error {
	propsJSON, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("graph store: marshal edge props: %w", err)
	}

	const q = `
		INSERT INTO graph_edges (from_label, from_id, rel_type, to_label, to_id, props, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (from_label, from_id, rel_type, to_label, to_id) DO UPDATE SET
		    props = EXCLUDED.props`

	if _, err := s.pool.Exec(ctx, q, fromLabel, fromID, relType, toLabel, toID, propsJSON); err != nil {
		return fmt.Errorf("graph store: upsert edge: %w", err)
	}
	return nil
}

// Neighbors implements [memory.GraphStore]: the outgoing edges from fromID,
// optionally filtered to relTypes.
func (s *Store) Neighbors(ctx context.Context, fromLabel, fromID string, relTypes ...string) ([]memory.Edge, error) {
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"from_label = " + next(fromLabel), "from_id = " + next(fromID)}
	if len(relTypes) > 0 {
		conditions = append(conditions, "rel_type = ANY("+next(relTypes)+"::text[])")
	}

	q := "SELECT to_label, to_id, rel_type, props FROM graph_edges WHERE " +
		strings.Join(conditions, " AND ") + " ORDER BY created_at"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("graph store: neighbors: %w", err)
	}
	defer rows.Close()

	var out []memory.Edge
	for rows.Next() {
		var e memory.Edge
		var propsJSON []byte
		if err := rows.Scan(&e.ToLabel, &e.ToID, &e.RelType, &propsJSON); err != nil {
			return nil, fmt.Errorf("graph store: scan edge: %w", err)
		}
		if err := json.Unmarshal(propsJSON, &e.Props); err != nil {
			return nil, fmt.Errorf("graph store: unmarshal edge props: %w", err)
		}
		e.FromID = fromID
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("graph store: neighbors: %w", err)
	}
	return out, nil
}

// QueryNodesByVector implements [memory.GraphStore] using pgvector's cosine
// distance operator (<=>); Similarity is reported as 1 - distance so higher
// is better, consistent across every label.
func (s *Store) QueryNodesByVector(ctx context.Context, label string, k int, vec []float32) ([]memory.VectorMatch, error) {
	table := tableName(label)
	queryVec := pgvector.NewVector(vec)

	q := fmt.Sprintf(`
		SELECT id, fields, embedding <=> $1 AS distance
		FROM   %s
		WHERE  embedding IS NOT NULL
		ORDER  BY distance
		LIMIT  $2`, table)

	rows, err := s.pool.Query(ctx, q, queryVec, k)
	if err != nil {
		return nil, fmt.Errorf("graph store: query nodes by vector from %q: %w", table, err)
	}
	defer rows.Close()

	var out []memory.VectorMatch
	for rows.Next() {
		var (
			id         string
			fieldsJSON []byte
			distance   float64
		)
		if err := rows.Scan(&id, &fieldsJSON, &distance); err != nil {
			return nil, fmt.Errorf("graph store: scan vector match from %q: %w", table, err)
		}
		var fields map[string]any
		if err := json.Unmarshal(fieldsJSON, &fields); err != nil {
			return nil, fmt.Errorf("graph store: unmarshal fields from %q: %w", table, err)
		}
		out = append(out, memory.VectorMatch{ID: id, Fields: fields, Similarity: 1 - distance})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("graph store: query nodes by vector from %q: %w", table, err)
	}
	return out, nil
}

// DeleteByID implements [memory.GraphStore]. Deleting a non-existent node is
// not an error. Incident edges are removed in the same statement batch so
// delete_memory never leaves dangling relationships.
func (s *Store) DeleteByID(ctx context.Context, label, id string) error {
	table := tableName(label)

	batch := &pgx.Batch{}
	batch.Queue(fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table), id)
	batch.Queue(`DELETE FROM graph_edges WHERE (from_label = $1 AND from_id = $2) OR (to_label = $1 AND to_id = $2)`, label, id)

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("graph store: delete by id from %q: %w", table, err)
		}
	}
	return nil
}
