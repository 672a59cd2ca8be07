package convostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rtxchat/rtxchat/pkg/types"
)

// Schema is the SQL DDL for the conversations table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id             TEXT PRIMARY KEY,
    title          TEXT NOT NULL DEFAULT '',
    agent_name     TEXT NOT NULL,
    model          TEXT NOT NULL DEFAULT '',
    messages       JSONB NOT NULL DEFAULT '[]',
    summary_chunks JSONB NOT NULL DEFAULT '[]',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_conversations_agent ON conversations(agent_name);
CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at DESC);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database. It serialises
// the message history and summary chunks as JSONB.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new [PostgresStore] using the given database
// connection or pool. Callers must run [PostgresStore.Migrate] before first use.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL, creating the conversations table and
// its indexes if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("convostore: migrate: %w", err)
	}
	return nil
}

// Create inserts a new conversation. It validates c and returns an error if
// a conversation with the same ID already exists.
func (s *PostgresStore) Create(ctx context.Context, c *Conversation) error {
	if err := c.Validate(); err != nil {
		return err
	}

	msgJSON, err := json.Marshal(emptyMessages(c.Messages))
	if err != nil {
		return fmt.Errorf("convostore: marshal messages: %w", err)
	}
	chunksJSON, err := json.Marshal(emptyStrings(c.SummaryChunks))
	if err != nil {
		return fmt.Errorf("convostore: marshal summary_chunks: %w", err)
	}

	const query = `
		INSERT INTO conversations (id, title, agent_name, model, messages, summary_chunks)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`

	err = s.db.QueryRow(ctx, query,
		c.ID, c.Title, c.AgentName, c.Model, msgJSON, chunksJSON,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("convostore: conversation with id %q already exists", c.ID)
		}
		return fmt.Errorf("convostore: create: %w", err)
	}
	return nil
}

// Get retrieves a conversation by ID. It returns (nil, nil) if no
// conversation with the given ID exists.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Conversation, error) {
	const query = `
		SELECT id, title, agent_name, model, messages, summary_chunks, created_at, updated_at
		FROM conversations
		WHERE id = $1`

	var c Conversation
	var msgJSON, chunksJSON []byte

	err := s.db.QueryRow(ctx, query, id).Scan(
		&c.ID, &c.Title, &c.AgentName, &c.Model, &msgJSON, &chunksJSON, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("convostore: get %q: %w", id, err)
	}
	if err := unmarshalConversation(&c, msgJSON, chunksJSON); err != nil {
		return nil, err
	}
	return &c, nil
}

// Update replaces the title, messages, and summary chunks of an existing
// conversation. It returns [ErrNotFound] if no conversation with c.ID exists.
func (s *PostgresStore) Update(ctx context.Context, c *Conversation) error {
	if err := c.Validate(); err != nil {
		return err
	}

	msgJSON, err := json.Marshal(emptyMessages(c.Messages))
	if err != nil {
		return fmt.Errorf("convostore: marshal messages: %w", err)
	}
	chunksJSON, err := json.Marshal(emptyStrings(c.SummaryChunks))
	if err != nil {
		return fmt.Errorf("convostore: marshal summary_chunks: %w", err)
	}

	const query = `
		UPDATE conversations SET
			title = $2, model = $3, messages = $4, summary_chunks = $5, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`

	err = s.db.QueryRow(ctx, query, c.ID, c.Title, c.Model, msgJSON, chunksJSON).Scan(&c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return notFoundError(c.ID)
		}
		return fmt.Errorf("convostore: update: %w", err)
	}
	return nil
}

// Delete removes a conversation by ID. Deleting a non-existent conversation
// is not an error.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM conversations WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("convostore: delete %q: %w", id, err)
	}
	return nil
}

// ListMetadata returns metadata for every conversation, optionally filtered
// by agent name, most recently updated first.
func (s *PostgresStore) ListMetadata(ctx context.Context, agentName string) ([]Metadata, error) {
	args := []any{}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	query := `SELECT id, title, agent_name, model, created_at, updated_at FROM conversations`
	if agentName != "" {
		query += " WHERE agent_name = " + next(agentName)
	}
	query += " ORDER BY updated_at DESC"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("convostore: list metadata: %w", err)
	}
	defer rows.Close()

	var out []Metadata
	for rows.Next() {
		var m Metadata
		if err := rows.Scan(&m.ID, &m.Title, &m.AgentName, &m.Model, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("convostore: list metadata scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convostore: list metadata: %w", err)
	}
	return out, nil
}

// unmarshalConversation deserialises the JSONB columns into c's fields.
func unmarshalConversation(c *Conversation, msgJSON, chunksJSON []byte) error {
	if err := json.Unmarshal(msgJSON, &c.Messages); err != nil {
		return fmt.Errorf("convostore: unmarshal messages: %w", err)
	}
	if err := json.Unmarshal(chunksJSON, &c.SummaryChunks); err != nil {
		return fmt.Errorf("convostore: unmarshal summary_chunks: %w", err)
	}
	return nil
}

// emptyMessages returns msgs if non-nil, otherwise an empty non-nil slice,
// so JSON marshalling produces "[]" instead of "null".
func emptyMessages(msgs []types.Message) []types.Message {
	if msgs == nil {
		return []types.Message{}
	}
	return msgs
}

// emptyStrings returns ss if non-nil, otherwise an empty non-nil slice.
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
