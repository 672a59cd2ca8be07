// Package engine implements the agent turn engine: the streaming loop that
// turns a user message into a sequence of [Event] values, interleaving LLM
// generation with memory retrieval, tool execution, and human-in-the-loop
// confirmation for mutating tool calls.
//
// This package lives under internal/ because it encapsulates
// application-private orchestration logic and is not intended to be
// imported by external code.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rtxchat/rtxchat/internal/confirm"
	"github.com/rtxchat/rtxchat/internal/mcp"
	"github.com/rtxchat/rtxchat/internal/retriever"
	"github.com/rtxchat/rtxchat/internal/session"
	"github.com/rtxchat/rtxchat/pkg/memory"
	"github.com/rtxchat/rtxchat/pkg/provider/llm"
	"github.com/rtxchat/rtxchat/pkg/types"
)

// EventKind names one stage of a streamed turn.
type EventKind string

const (
	EventMemorySearchStart        EventKind = "memory_search_start"
	EventMemorySearchEnd          EventKind = "memory_search_end"
	EventKnowledgeSearchStart     EventKind = "knowledge_search_start"
	EventKnowledgeSearchEnd       EventKind = "knowledge_search_end"
	EventThinking                 EventKind = "thinking"
	EventContent                  EventKind = "content"
	EventToolStart                EventKind = "tool_start"
	EventToolConfirmationRequired EventKind = "tool_confirmation_required"
	EventToolDenied               EventKind = "tool_denied"
	EventToolEnd                  EventKind = "tool_end"
	EventMemoriesSaved            EventKind = "memories_saved"
	EventMetadata                 EventKind = "metadata"
	EventError                    EventKind = "error"
	EventDone                     EventKind = "done"
)

// TurnMetadata is carried by the terminal [EventMetadata] event.
type TurnMetadata struct {
	ElapsedMs       int64
	InputTokens     int
	OutputTokens    int
	TokensPerSecond float64
}

// Event is one entry in the stream returned by [Engine.StreamTurn].
type Event struct {
	Kind EventKind

	// Query is set on memory/knowledge search start events.
	Query string

	// Memories is set on memory/knowledge search end events.
	Memories []retriever.Result

	// Text carries incremental content for EventThinking and EventContent.
	Text string

	// ToolCallID, ToolName, and ToolArgs identify the tool call a tool_*
	// event refers to. ToolOutput carries its result (or denial marker).
	ToolCallID string
	ToolName   string
	ToolArgs   map[string]any
	ToolOutput string

	Metadata *TurnMetadata
	Err      error
}

// AgentConfig is a named configuration record (a "Mode" in the data model):
// system prompt template, enabled tools, and the per-agent knobs that tune
// retrieval and the tool loop.
type AgentConfig struct {
	Name          string
	Prompt        string
	EnabledTools  []string
	MaxMemories   int
	MaxToolRuns   int
	MinSimilarity float64

	ContextCompression  bool
	ContextMaxTokens    int
	ContextWindowTokens int
}

// compactionMessageThreshold is the message count above which a rolling
// summary, if one exists, is folded back into the working set even without
// a fresh over-budget compaction pass.
const compactionMessageThreshold = 15

// recentKeepCount is how many of the most recent messages are kept verbatim
// when message count exceeds compactionMessageThreshold.
const recentKeepCount = 6

// Engine runs the agent turn loop described by [AgentConfig] against an LLM
// provider, a hybrid retriever, a tool host, and a confirmation broker.
type Engine struct {
	llm       llm.Provider
	retriever *retriever.Retriever
	memoryAPI *memory.API
	tools     mcp.Host
	broker    *confirm.Broker
	ctxMgr    *session.ContextManager
}

// New constructs an Engine from its collaborators.
func New(llmProvider llm.Provider, r *retriever.Retriever, memoryAPI *memory.API, tools mcp.Host, broker *confirm.Broker, ctxMgr *session.ContextManager) *Engine {
	return &Engine{llm: llmProvider, retriever: r, memoryAPI: memoryAPI, tools: tools, broker: broker, ctxMgr: ctxMgr}
}

// StreamTurn runs one complete turn: retrieval, system prompt
// rendering, and the bounded tool loop, emitting [Event] values as the turn
// progresses. The returned channel is closed when the turn ends, whether by
// reaching a final answer, exhausting MaxToolRuns, or encountering an error.
//
// history, when non-nil, replaces the working message list for this turn
// (e.g. when the caller maintains its own transcript); otherwise userInput is
// appended to existing.
func (e *Engine) StreamTurn(ctx context.Context, userInput string, cfg AgentConfig, existing []types.Message, history []types.Message) <-chan Event {
	events := make(chan Event, 16)

	go func() {
		defer close(events)
		if err := e.runTurn(ctx, userInput, cfg, existing, history, events); err != nil {
			events <- Event{Kind: EventError, Err: err}
		}
		events <- Event{Kind: EventDone}
	}()

	return events
}

func (e *Engine) runTurn(ctx context.Context, userInput string, cfg AgentConfig, existing, history []types.Message, events chan<- Event) error {
	start := time.Now()

	truncatedQuery := userInput
	if len(truncatedQuery) > 100 {
		truncatedQuery = truncatedQuery[:100]
	}
	events <- Event{Kind: EventMemorySearchStart, Query: truncatedQuery}

	limit := cfg.MaxMemories
	if limit <= 0 {
		limit = 10
	}
	minSim := cfg.MinSimilarity
	if minSim <= 0 {
		minSim = 0.65
	}
	memories, err := e.retriever.Retrieve(ctx, userInput, []string{"Fact", "Preference", "Event", "Person"}, limit, minSim)
	if err != nil {
		return fmt.Errorf("engine: retrieve memories: %w", err)
	}
	events <- Event{Kind: EventMemorySearchEnd, Memories: memories}

	preferences, knownPeople, err := e.loadProfile(ctx)
	if err != nil {
		return fmt.Errorf("engine: load profile: %w", err)
	}

	systemPrompt := renderPrompt(cfg.Prompt, memories, preferences, knownPeople)

	messages := e.buildMessages(systemPrompt, existing, history, userInput)
	messages = e.compactIfNeeded(ctx, messages, cfg)

	maxRuns := cfg.MaxToolRuns
	if maxRuns <= 0 {
		maxRuns = 3
	}

	var outputTokens int
	for iteration := 0; iteration < maxRuns; iteration++ {
		assistantMsg, hasToolCalls, err := e.streamOneCompletion(ctx, messages, cfg, events, &outputTokens)
		if err != nil {
			return err
		}
		messages = append(messages, assistantMsg)

		if !hasToolCalls {
			break
		}

		for _, tc := range assistantMsg.ToolCalls {
			result := e.runToolCall(ctx, tc, events)
			messages = append(messages, types.Message{Role: "tool", Content: result, ToolCallID: tc.ID})
		}
	}

	inputTokens, _ := e.llm.CountTokens(messages)
	elapsed := time.Since(start)
	tps := 0.0
	if elapsed > 0 {
		tps = float64(outputTokens) / elapsed.Seconds()
	}
	events <- Event{Kind: EventMetadata, Metadata: &TurnMetadata{
		ElapsedMs:       elapsed.Milliseconds(),
		InputTokens:     inputTokens,
		OutputTokens:    outputTokens,
		TokensPerSecond: tps,
	}}
	return nil
}

// buildMessages assembles the working message list for this turn: either a
// rebuild from an explicit history, or the existing list with userInput
// appended. Message 0 is always replaced with systemPrompt.
func (e *Engine) buildMessages(systemPrompt string, existing, history []types.Message, userInput string) []types.Message {
	var messages []types.Message
	if history != nil {
		messages = make([]types.Message, len(history))
		copy(messages, history)
	} else {
		messages = make([]types.Message, len(existing))
		copy(messages, existing)
		messages = append(messages, types.Message{Role: "user", Content: userInput})
	}

	system := types.Message{Role: "system", Content: systemPrompt}
	if len(messages) == 0 || messages[0].Role != "system" {
		return append([]types.Message{system}, messages...)
	}
	messages[0] = system
	return messages
}

// compactIfNeeded applies the 15-message rolling-summary fold when the
// conversation has grown long, and otherwise runs the full context-manager
// compaction pass when the configured token budget is exceeded.
func (e *Engine) compactIfNeeded(ctx context.Context, messages []types.Message, cfg AgentConfig) []types.Message {
	if !cfg.ContextCompression || e.ctxMgr == nil {
		return messages
	}

	if len(messages) > compactionMessageThreshold {
		keepFrom := len(messages) - recentKeepCount
		if keepFrom < 1 {
			keepFrom = 1
		}
		folded := append([]types.Message{messages[0]}, messages[keepFrom:]...)
		messages = folded
	}

	out, _, err := e.ctxMgr.Process(ctx, messages)
	if err != nil {
		return messages
	}
	return out
}

// streamOneCompletion runs a single streaming LLM call, forwarding content
// and reasoning chunks as events and aggregating streamed tool-call
// fragments by id, reconciling them against the provider's final resolved
// tool_calls once the stream ends.
func (e *Engine) streamOneCompletion(ctx context.Context, messages []types.Message, cfg AgentConfig, events chan<- Event, outputTokens *int) (types.Message, bool, error) {
	tools := e.toolDefinitions(cfg.EnabledTools)

	stream, err := e.llm.StreamCompletion(ctx, llm.CompletionRequest{Messages: messages, Tools: tools})
	if err != nil {
		return types.Message{}, false, fmt.Errorf("engine: start completion stream: %w", err)
	}

	var fullResponse strings.Builder
	pending := make(map[string]*types.ToolCall)
	var order []string
	started := make(map[string]bool)

	var lastErr error
	for chunk := range stream {
		if chunk.Text != "" {
			fullResponse.WriteString(chunk.Text)
			*outputTokens += estimateChunkTokens(chunk.Text)
			events <- Event{Kind: EventContent, Text: chunk.Text}
		}
		if chunk.ReasoningText != "" {
			events <- Event{Kind: EventThinking, Text: chunk.ReasoningText}
		}
		for _, tc := range chunk.ToolCalls {
			existing, ok := pending[tc.ID]
			if !ok {
				existing = &types.ToolCall{ID: tc.ID, Name: tc.Name}
				pending[tc.ID] = existing
				order = append(order, tc.ID)
			}
			if tc.Name != "" {
				existing.Name = tc.Name
			}
			existing.Arguments += tc.Arguments

			if !started[tc.ID] && existing.Name != "" {
				started[tc.ID] = true
				events <- Event{Kind: EventToolStart, ToolCallID: tc.ID, ToolName: existing.Name}
			}
		}
		if chunk.FinishReason == "error" {
			lastErr = fmt.Errorf("engine: stream error: %s", chunk.Text)
		}
	}
	if lastErr != nil {
		return types.Message{}, false, lastErr
	}

	toolCalls := make([]types.ToolCall, 0, len(order))
	for _, id := range order {
		tc := *pending[id]
		if !started[id] {
			events <- Event{Kind: EventToolStart, ToolCallID: tc.ID, ToolName: tc.Name}
		}
		toolCalls = append(toolCalls, tc)
	}

	return types.Message{Role: "assistant", Content: fullResponse.String(), ToolCalls: toolCalls}, len(toolCalls) > 0, nil
}

// runToolCall executes a single tool call, gating on confirmation when the
// tool name matches the mutating-operation pattern, and returns the string
// to append as the tool's result message.
func (e *Engine) runToolCall(ctx context.Context, tc types.ToolCall, events chan<- Event) string {
	args := parseArgs(tc.Arguments)

	if confirm.RequiresConfirmation(tc.Name) {
		events <- Event{Kind: EventToolConfirmationRequired, ToolCallID: tc.ID, ToolName: tc.Name, ToolArgs: args}

		approved, err := e.broker.RequireConfirmation(ctx, tc.ID)
		if err != nil || !approved {
			denial := confirm.DeniedPrefix + tc.Name
			events <- Event{Kind: EventToolDenied, ToolCallID: tc.ID, ToolName: tc.Name, ToolOutput: denial}
			return denial
		}
	}

	output := e.invokeTool(ctx, tc.Name, tc.Arguments)
	events <- Event{Kind: EventToolEnd, ToolCallID: tc.ID, ToolName: tc.Name, ToolArgs: args, ToolOutput: output}

	if confirm.RequiresConfirmation(tc.Name) {
		events <- Event{Kind: EventMemoriesSaved, ToolCallID: tc.ID, ToolName: tc.Name, ToolOutput: output}
	}
	return output
}

// invokeTool runs name via the tool host. An unknown tool name is treated as
// a normal tool result carrying "Tool not found" rather than an engine error.
func (e *Engine) invokeTool(ctx context.Context, name, args string) string {
	if e.tools == nil {
		return "Tool not found"
	}
	result, err := e.tools.ExecuteTool(ctx, name, args)
	if err != nil {
		return fmt.Sprintf("Tool not found: %s", err)
	}
	return result.Content
}

func (e *Engine) toolDefinitions(enabled []string) []types.ToolDefinition {
	if e.tools == nil {
		return nil
	}
	allowed := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		allowed[name] = true
	}
	all := e.tools.AvailableTools()
	if len(enabled) == 0 {
		return all
	}
	out := make([]types.ToolDefinition, 0, len(all))
	for _, t := range all {
		if allowed[t.Name] {
			out = append(out, t)
		}
	}
	return out
}

// loadProfile fetches the user's preferences and known-people list for
// system prompt template substitution.
func (e *Engine) loadProfile(ctx context.Context) (preferences []string, knownPeople []string, err error) {
	if e.memoryAPI == nil {
		return nil, nil, nil
	}
	preferences, err = e.memoryAPI.GetUserPreferences(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load preferences: %w", err)
	}
	knownPeople, err = e.memoryAPI.GetKnownPeople(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load known people: %w", err)
	}
	return preferences, knownPeople, nil
}

// parseArgs best-effort JSON-decodes a tool call's aggregated argument
// string into a map, returning an empty map on malformed input rather than
// failing the turn (ProtocolError in the error-handling design).
func parseArgs(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return map[string]any{}
	}
	return m
}

// renderPrompt substitutes the closed set of template placeholders in
// prompt. Missing placeholders in the template are tolerated (left as
// literals); this function never evaluates arbitrary expressions.
func renderPrompt(prompt string, memories []retriever.Result, preferences, knownPeople []string) string {
	r := strings.NewReplacer(
		"{datetime}", time.Now().UTC().Format(time.RFC3339),
		"{memories}", formatMemories(memories),
		"{user_preferences}", strings.Join(preferences, "\n"),
		"{known_people}", strings.Join(knownPeople, ", "),
	)
	return r.Replace(prompt)
}

func formatMemories(memories []retriever.Result) string {
	if len(memories) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, m := range memories {
		fmt.Fprintf(&sb, "- %s %v\n", m.Annotation, m.Fields)
	}
	return sb.String()
}

func estimateChunkTokens(text string) int {
	const charsPerToken = 4
	n := len(text) / charsPerToken
	if n == 0 && text != "" {
		n = 1
	}
	return n
}
