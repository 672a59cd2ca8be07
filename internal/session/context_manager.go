package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/rtxchat/rtxchat/pkg/types"
)

// charsPerToken is the heuristic ratio used for token estimation.
// English text averages roughly 4 characters per token across common
// LLM tokenizers. This avoids pulling in a tokenizer dependency.
const charsPerToken = 4

// minMessagesForCompaction is the smallest message count at which compaction
// is even considered; shorter conversations are left untouched.
const minMessagesForCompaction = 3

// CompactionEvent describes a summary-generation pass, reported so callers
// can log or surface the token savings.
type CompactionEvent struct {
	TokensBefore int
	TokensAfter  int
}

// ContextManager tracks token usage in a conversation and compacts it when
// approaching the context window limit.
//
// Compaction keeps the first message (the system prompt) and walks backward
// from the end of the conversation, accumulating messages until adding the
// next one would exceed WindowTokens. Everything older is summarised into a
// single system message carrying the rolling summary. This is deliberately
// not a halving split: it always keeps as much of the most recent exchange
// as fits, regardless of how that splits the message list.
//
// All methods are safe for concurrent use.
type ContextManager struct {
	maxContextTokens int
	windowTokens     int
	summariser       Summariser

	disabled bool

	mu      sync.Mutex
	summary string
}

// ContextManagerConfig configures a [ContextManager].
type ContextManagerConfig struct {
	// MaxContextTokens is the provider's context window size. Compaction
	// triggers when the estimated total exceeds this value.
	MaxContextTokens int

	// WindowTokens bounds how many of the most recent tokens are kept
	// verbatim during compaction. Must be less than MaxContextTokens.
	WindowTokens int

	// Summariser compresses older messages when compaction triggers. Must
	// not be nil if compaction is enabled.
	Summariser Summariser

	// Disabled, when true, makes Process a no-op that returns its input
	// unchanged.
	Disabled bool
}

// NewContextManager creates a new [ContextManager] with the given configuration.
func NewContextManager(cfg ContextManagerConfig) *ContextManager {
	return &ContextManager{
		maxContextTokens: cfg.MaxContextTokens,
		windowTokens:     cfg.WindowTokens,
		summariser:       cfg.Summariser,
		disabled:         cfg.Disabled,
	}
}

// Process implements the context-compaction algorithm. When disabled, or
// when fewer than [minMessagesForCompaction] messages are present, or when
// the estimated total does not exceed MaxContextTokens, messages is returned
// unchanged and event is nil.
//
// Otherwise the first message is kept, the tail is walked backward until
// WindowTokens would be exceeded, and everything older is folded into the
// rolling summary via the [Summariser]. The returned slice is
// [system, summary-as-system, ...recent]. If the kept window already spans
// every non-system message, the existing summary (if any) is still injected
// but is not regenerated.
func (cm *ContextManager) Process(ctx context.Context, messages []types.Message) ([]types.Message, *CompactionEvent, error) {
	if cm.cfgDisabled() || len(messages) < minMessagesForCompaction {
		return messages, nil, nil
	}

	before := totalTokens(messages)
	if before <= cm.maxContextTokens {
		return messages, nil, nil
	}

	system := messages[0]
	rest := messages[1:]

	kept, toSummarize := splitFromEnd(rest, cm.windowTokens)

	cm.mu.Lock()
	existingSummary := cm.summary
	cm.mu.Unlock()

	if len(toSummarize) == 0 {
		if existingSummary == "" {
			return messages, nil, nil
		}
		out := append([]types.Message{system, summaryMessage(existingSummary)}, kept...)
		return out, nil, nil
	}

	newSummary, err := cm.summariser.Summarise(ctx, existingSummary, toSummarize)
	if err != nil {
		return nil, nil, fmt.Errorf("context manager: summarise: %w", err)
	}

	cm.mu.Lock()
	cm.summary = newSummary
	cm.mu.Unlock()

	out := append([]types.Message{system, summaryMessage(newSummary)}, kept...)
	after := totalTokens(out)

	return out, &CompactionEvent{TokensBefore: before, TokensAfter: after}, nil
}

func (cm *ContextManager) cfgDisabled() bool {
	return cm.disabled
}

func summaryMessage(summary string) types.Message {
	return types.Message{Role: "system", Content: fmt.Sprintf("[Previous conversation summary]: %s", summary)}
}

// splitFromEnd walks rest from the end, accumulating messages while the
// running token total stays at or under windowTokens, and returns the kept
// suffix (in original order) plus the discarded prefix.
func splitFromEnd(rest []types.Message, windowTokens int) (kept, toSummarize []types.Message) {
	total := 0
	cut := len(rest)
	for i := len(rest) - 1; i >= 0; i-- {
		t := estimateTokens(rest[i])
		if total+t > windowTokens && cut != len(rest) {
			break
		}
		total += t
		cut = i
	}
	return rest[cut:], rest[:cut]
}

func totalTokens(messages []types.Message) int {
	total := 0
	for _, m := range messages {
		total += estimateTokens(m)
	}
	return total
}

// estimateTokens returns a rough token count for a single message using the
// 1-token-per-4-characters heuristic, floored at 1 for any non-empty content.
func estimateTokens(m types.Message) int {
	chars := len(m.Content) + len(m.Role) + len(m.Name)
	for _, tc := range m.ToolCalls {
		chars += len(tc.Name) + len(tc.Arguments) + len(tc.ID)
	}
	if chars == 0 {
		return 0
	}
	tokens := chars / charsPerToken
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}
