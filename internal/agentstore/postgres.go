package agentstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the agent_records table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS agent_records (
    id                    TEXT PRIMARY KEY,
    name                  TEXT NOT NULL,
    prompt                TEXT NOT NULL DEFAULT '',
    enabled_tools         JSONB NOT NULL DEFAULT '[]',
    max_memories          INTEGER NOT NULL DEFAULT 0,
    max_tool_runs         INTEGER NOT NULL DEFAULT 0,
    min_similarity        DOUBLE PRECISION NOT NULL DEFAULT 0,
    context_compression   BOOLEAN NOT NULL DEFAULT false,
    context_max_tokens    INTEGER NOT NULL DEFAULT 0,
    context_window_tokens INTEGER NOT NULL DEFAULT 0,
    is_template           BOOLEAN NOT NULL DEFAULT false,
    created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_agent_records_name ON agent_records(name);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database. It serialises
// EnabledTools as JSONB.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new [PostgresStore] using the given database
// connection or pool. Callers must run [PostgresStore.Migrate] before first use.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL, creating the agent_records table and
// its index if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("agentstore: migrate: %w", err)
	}
	return nil
}

// Create inserts a new agent record. It validates r and returns an error if
// a record with the same ID already exists.
func (s *PostgresStore) Create(ctx context.Context, r *Record) error {
	if err := r.Validate(); err != nil {
		return err
	}

	toolsJSON, err := json.Marshal(emptyStrings(r.EnabledTools))
	if err != nil {
		return fmt.Errorf("agentstore: marshal enabled_tools: %w", err)
	}

	const query = `
		INSERT INTO agent_records (
			id, name, prompt, enabled_tools, max_memories, max_tool_runs,
			min_similarity, context_compression, context_max_tokens,
			context_window_tokens, is_template
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`

	err = s.db.QueryRow(ctx, query,
		r.ID, r.Name, r.Prompt, toolsJSON, r.MaxMemories, r.MaxToolRuns,
		r.MinSimilarity, r.ContextCompression, r.ContextMaxTokens,
		r.ContextWindowTokens, r.IsTemplate,
	).Scan(&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("agentstore: agent with id %q already exists", r.ID)
		}
		return fmt.Errorf("agentstore: create: %w", err)
	}
	return nil
}

// Get retrieves an agent record by ID. It returns (nil, nil) if no record
// with the given ID exists.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	const query = `
		SELECT id, name, prompt, enabled_tools, max_memories, max_tool_runs,
		       min_similarity, context_compression, context_max_tokens,
		       context_window_tokens, is_template, created_at, updated_at
		FROM agent_records
		WHERE id = $1`

	var r Record
	var toolsJSON []byte

	err := s.db.QueryRow(ctx, query, id).Scan(
		&r.ID, &r.Name, &r.Prompt, &toolsJSON, &r.MaxMemories, &r.MaxToolRuns,
		&r.MinSimilarity, &r.ContextCompression, &r.ContextMaxTokens,
		&r.ContextWindowTokens, &r.IsTemplate, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("agentstore: get %q: %w", id, err)
	}
	if err := json.Unmarshal(toolsJSON, &r.EnabledTools); err != nil {
		return nil, fmt.Errorf("agentstore: unmarshal enabled_tools: %w", err)
	}
	return &r, nil
}

// Update replaces an existing agent record. It returns [ErrNotFound] if no
// record with r.ID exists.
func (s *PostgresStore) Update(ctx context.Context, r *Record) error {
	if err := r.Validate(); err != nil {
		return err
	}

	toolsJSON, err := json.Marshal(emptyStrings(r.EnabledTools))
	if err != nil {
		return fmt.Errorf("agentstore: marshal enabled_tools: %w", err)
	}

	const query = `
		UPDATE agent_records SET
			name = $2, prompt = $3, enabled_tools = $4, max_memories = $5,
			max_tool_runs = $6, min_similarity = $7, context_compression = $8,
			context_max_tokens = $9, context_window_tokens = $10,
			is_template = $11, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`

	err = s.db.QueryRow(ctx, query,
		r.ID, r.Name, r.Prompt, toolsJSON, r.MaxMemories, r.MaxToolRuns,
		r.MinSimilarity, r.ContextCompression, r.ContextMaxTokens,
		r.ContextWindowTokens, r.IsTemplate,
	).Scan(&r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return notFoundError(r.ID)
		}
		return fmt.Errorf("agentstore: update: %w", err)
	}
	return nil
}

// Delete removes an agent record by ID. Deleting a non-existent record is
// not an error.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM agent_records WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("agentstore: delete %q: %w", id, err)
	}
	return nil
}

// List returns every agent record, ordered by name, optionally excluding
// templates.
func (s *PostgresStore) List(ctx context.Context, includeTemplates bool) ([]Record, error) {
	query := `
		SELECT id, name, prompt, enabled_tools, max_memories, max_tool_runs,
		       min_similarity, context_compression, context_max_tokens,
		       context_window_tokens, is_template, created_at, updated_at
		FROM agent_records`
	if !includeTemplates {
		query += ` WHERE is_template = false`
	}
	query += ` ORDER BY name`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("agentstore: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var toolsJSON []byte
		if err := rows.Scan(
			&r.ID, &r.Name, &r.Prompt, &toolsJSON, &r.MaxMemories, &r.MaxToolRuns,
			&r.MinSimilarity, &r.ContextCompression, &r.ContextMaxTokens,
			&r.ContextWindowTokens, &r.IsTemplate, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("agentstore: list scan: %w", err)
		}
		if err := json.Unmarshal(toolsJSON, &r.EnabledTools); err != nil {
			return nil, fmt.Errorf("agentstore: unmarshal enabled_tools: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agentstore: list: %w", err)
	}
	return out, nil
}

// emptyStrings returns ss if non-nil, otherwise an empty non-nil slice, so
// JSON marshalling produces "[]" instead of "null".
func emptyStrings(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

// isDuplicateKeyError checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
