// Package session implements conversation context management for the agent
// runtime: token-budget tracking and rolling summarisation ([ContextManager],
// [Summariser], [LLMSummariser]) and graceful degradation when the memory
// layer is unavailable ([MemoryGuard]).
//
// All exported types are safe for concurrent use.
package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/rtxchat/rtxchat/pkg/provider/llm"
	"github.com/rtxchat/rtxchat/pkg/types"
)

// summarisationPrompt is the system prompt sent to the LLM when compacting
// older turns of a conversation into a rolling summary.
const summarisationPrompt = `Summarise the following conversation segment in the third person, in no more than 300 words.
Preserve: facts stated about the user, decisions made, commitments given, and any information
that later turns might need to refer back to. If an existing summary is provided, merge it with
the new segment rather than discarding it.`

// Summariser produces a concise summary of a conversation segment, optionally
// folding in a prior summary so repeated compaction doesn't lose information.
type Summariser interface {
	// Summarise condenses messages into a summary of at most ~300 words,
	// merging existingSummary (which may be empty) into the result.
	Summarise(ctx context.Context, existingSummary string, messages []types.Message) (string, error)
}

// LLMSummariser uses an LLM provider to summarise conversations.
type LLMSummariser struct {
	llm llm.Provider
}

// NewLLMSummariser creates a new [LLMSummariser] backed by the given provider.
func NewLLMSummariser(provider llm.Provider) *LLMSummariser {
	return &LLMSummariser{llm: provider}
}

// Summarise sends messages, plus the existing summary if any, to the LLM
// with a summarisation prompt and returns the merged summary text.
func (s *LLMSummariser) Summarise(ctx context.Context, existingSummary string, messages []types.Message) (string, error) {
	if len(messages) == 0 && existingSummary == "" {
		return "", nil
	}

	var sb strings.Builder
	if existingSummary != "" {
		fmt.Fprintf(&sb, "Existing summary: %s\n\n", existingSummary)
	}
	for _, m := range messages {
		speaker := m.Role
		if m.Name != "" {
			speaker = m.Name
		}
		fmt.Fprintf(&sb, "[%s]: %s\n", speaker, m.Content)
	}

	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summarisationPrompt,
		Messages: []types.Message{
			{Role: "user", Content: sb.String()},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("summarise: %w", err)
	}

	return resp.Content, nil
}
