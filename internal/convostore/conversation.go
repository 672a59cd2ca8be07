// Package convostore provides persistent storage for conversations and a
// title-generation helper, together forming the session/store adapter: the
// durable record of what a user and an agent said to each other, independent
// of the in-memory message list the turn engine operates on.
package convostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rtxchat/rtxchat/pkg/provider/llm"
	"github.com/rtxchat/rtxchat/pkg/types"
)

// Conversation is the full persisted record of one conversation: its
// messages, the agent and model that served it, and any rolling-summary
// chunks folded in by the context manager.
type Conversation struct {
	// ID uniquely identifies this conversation. Generated by [New] if left empty.
	ID string `json:"id"`

	// Title is a short human-readable label, generated from the first user
	// turn via [GenerateTitle] unless the caller supplies one.
	Title string `json:"title"`

	// AgentName identifies which agent configuration served this conversation.
	AgentName string `json:"agent_name"`

	// Model is the LLM model identifier used for the most recent turn.
	Model string `json:"model"`

	// Messages is the full ordered message history, including any system
	// message rendered for the most recent turn.
	Messages []types.Message `json:"messages"`

	// SummaryChunks holds the rolling-summary text produced by the context
	// manager each time compaction runs, oldest first. Concatenating them in
	// order reconstructs what was removed from Messages over time.
	SummaryChunks []string `json:"summary_chunks"`

	// CreatedAt is set by the store on first insert.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is set by the store on every write.
	UpdatedAt time.Time `json:"updated_at"`
}

// Metadata is the lightweight projection of a [Conversation] used for list
// views: everything except the message history and summary chunks.
type Metadata struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	AgentName string    `json:"agent_name"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks c for logical consistency. It returns a joined error
// describing every violation found, or nil if c is valid.
func (c *Conversation) Validate() error {
	var errs []error
	if c.ID == "" {
		errs = append(errs, errors.New("convostore: id must not be empty"))
	}
	if c.AgentName == "" {
		errs = append(errs, errors.New("convostore: agent_name must not be empty"))
	}
	return errors.Join(errs...)
}

// New returns a [Conversation] with a freshly generated ID, ready to be
// populated and passed to [Store.Create].
func New(agentName, model string) *Conversation {
	return &Conversation{
		ID:        uuid.NewString(),
		AgentName: agentName,
		Model:     model,
	}
}

// Store provides CRUD and metadata-only list operations for conversations.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create inserts a new conversation. Returns an error if a conversation
	// with the same ID already exists.
	Create(ctx context.Context, c *Conversation) error

	// Get retrieves a conversation by ID. Returns (nil, nil) if not found.
	Get(ctx context.Context, id string) (*Conversation, error)

	// Update replaces the title, messages, and summary chunks of an existing
	// conversation. Returns an error if the conversation is not found.
	Update(ctx context.Context, c *Conversation) error

	// Delete removes a conversation by ID. Deleting a non-existent
	// conversation is not an error.
	Delete(ctx context.Context, id string) error

	// ListMetadata returns metadata for every conversation, optionally
	// filtered by agent name, most recently updated first. An empty
	// agentName returns conversations for every agent.
	ListMetadata(ctx context.Context, agentName string) ([]Metadata, error)
}

// titleWordLimit bounds how much of the first user turn is fed to the title
// completion, keeping the second LLM call cheap.
const titleWordLimit = 200

// titlePrompt instructs the model to produce a short conversation title.
const titlePrompt = "Summarize the following message in 3 to 6 words to use as a conversation title. Respond with the title only, no quotes or punctuation at the end."

// GenerateTitle produces a short title for a conversation by running a
// second, cheap completion over the first user message. Falls back to a
// truncated copy of firstUserMessage if the model call fails, since a
// missing title must never block conversation creation.
func GenerateTitle(ctx context.Context, provider llm.Provider, firstUserMessage string) string {
	input := firstUserMessage
	if words := strings.Fields(input); len(words) > titleWordLimit {
		input = strings.Join(words[:titleWordLimit], " ")
	}

	resp, err := provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: titlePrompt,
		Messages:     []types.Message{{Role: "user", Content: input}},
		Temperature:  0.3,
		MaxTokens:    32,
	})
	if err != nil || resp.Content == "" {
		return fallbackTitle(firstUserMessage)
	}
	return resp.Content
}

// fallbackTitle truncates msg to a reasonable title length when the
// generation completion is unavailable.
func fallbackTitle(msg string) string {
	const maxRunes = 60
	runes := []rune(msg)
	if len(runes) <= maxRunes {
		return msg
	}
	return string(runes[:maxRunes]) + "..."
}

// ErrNotFound is returned by operations that require an existing
// conversation (e.g. Update) when the ID is unknown.
var ErrNotFound = errors.New("convostore: conversation not found")

// notFoundError wraps ErrNotFound with the offending ID for diagnostics.
func notFoundError(id string) error {
	return fmt.Errorf("%w: %q", ErrNotFound, id)
}
