// Package postgres implements the memory package's [memory.GraphStore] on
// top of PostgreSQL with the pgvector extension, following the same
// idempotent-DDL-per-label approach the rest of the pack uses for its
// vector-backed stores.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlExtension ensures the pgvector extension is available. Safe to run on
// every startup; CREATE EXTENSION IF NOT EXISTS is idempotent.
const ddlExtension = `CREATE EXTENSION IF NOT EXISTS vector`

// ddlEdges is the single shared table for all typed relationships, keyed by
// the five-tuple that makes UpsertEdge idempotent on its merge key.
const ddlEdges = `
CREATE TABLE IF NOT EXISTS graph_edges (
    from_label TEXT        NOT NULL,
    from_id    TEXT        NOT NULL,
    rel_type   TEXT        NOT NULL,
    to_label   TEXT        NOT NULL,
    to_id      TEXT        NOT NULL,
    props      JSONB       NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (from_label, from_id, rel_type, to_label, to_id)
);
CREATE INDEX IF NOT EXISTS idx_graph_edges_from ON graph_edges (from_label, from_id);
CREATE INDEX IF NOT EXISTS idx_graph_edges_to   ON graph_edges (to_label, to_id);
`

// tableName maps a node label to its backing table name, e.g. "Person" →
// "person_nodes". Labels are caller-controlled constants (see [memory.Node]
// implementations), never end-user input, so direct string interpolation
// into DDL is safe here — unlike relationship types, which only ever reach a
// query as bound parameters.
func tableName(label string) string {
	return strings.ToLower(label) + "_nodes"
}

// ddlNodeTable renders the idempotent CREATE TABLE/INDEX statements for a
// single label's node table, including its HNSW vector index at the given
// embedding dimension.
func ddlNodeTable(label string, dim int) string {
	table := tableName(label)
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id         TEXT        PRIMARY KEY DEFAULT gen_random_uuid()::text,
    merge_key  TEXT        NOT NULL UNIQUE,
    fields     JSONB       NOT NULL DEFAULT '{}',
    embedding  vector(%[2]d),
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_embedding
    ON %[1]s USING hnsw (embedding vector_cosine_ops);
`, table, dim)
}

// Migrate runs all idempotent DDL needed to create the graph_edges table and
// the node table + vector index for each of the given labels at dim
// dimensions. Safe to call on every process startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool, labels []string, dim int) error {
	if _, err := pool.Exec(ctx, ddlExtension); err != nil {
		return fmt.Errorf("postgres graph store: create vector extension: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlEdges); err != nil {
		return fmt.Errorf("postgres graph store: create graph_edges: %w", err)
	}
	for _, label := range labels {
		if _, err := pool.Exec(ctx, ddlNodeTable(label, dim)); err != nil {
			return fmt.Errorf("postgres graph store: create table for label %q: %w", label, err)
		}
	}
	return nil
}
