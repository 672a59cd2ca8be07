package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rtxchat/rtxchat/internal/confirm"
	"github.com/rtxchat/rtxchat/internal/retriever"
	memorymock "github.com/rtxchat/rtxchat/pkg/memory/mock"
	"github.com/rtxchat/rtxchat/pkg/provider/llm"
	"github.com/rtxchat/rtxchat/pkg/types"
)

// fakeEmbedder returns a deterministic unit vector so retrieval calls never
// fail for lack of a real embedding backend.
type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}
func (fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}
func (fakeEmbedder) Dimensions() int  { return 3 }
func (fakeEmbedder) ModelID() string { return "fake" }

// scriptedLLM emits a fixed sequence of chunk batches on each StreamCompletion
// call, one batch per call, so tests can script multi-turn tool loops.
type scriptedLLM struct {
	batches [][]llm.Chunk
	call    int
}

func (s *scriptedLLM) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	batch := s.batches[s.call]
	if s.call < len(s.batches)-1 {
		s.call++
	}
	ch := make(chan llm.Chunk, len(batch))
	for _, c := range batch {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (s *scriptedLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{Content: "ok"}, nil
}

func (s *scriptedLLM) CountTokens(messages []types.Message) (int, error) {
	return len(messages) * 10, nil
}

func (s *scriptedLLM) Capabilities() types.ModelCapabilities {
	return types.ModelCapabilities{SupportsToolCalling: true, SupportsStreaming: true}
}

func newTestEngine(t *testing.T, batches [][]llm.Chunk) (*Engine, *confirm.Broker) {
	t.Helper()
	store := memorymock.New()
	r := retriever.New(store, fakeEmbedder{})
	broker := confirm.New()
	e := New(&scriptedLLM{batches: batches}, r, nil, nil, broker, nil)
	return e, broker
}

func drain(t *testing.T, events <-chan Event, timeout time.Duration) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
			if ev.Kind == EventDone {
				return out
			}
		case <-deadline:
			t.Fatal("timed out waiting for events")
		}
	}
}

func TestStreamTurn_NoToolCalls(t *testing.T) {
	e, _ := newTestEngine(t, [][]llm.Chunk{
		{{Text: "Hello"}, {Text: " there"}, {FinishReason: "stop"}},
	})

	cfg := AgentConfig{Name: "default", Prompt: "System prompt at {datetime}.", MaxToolRuns: 3}
	events := e.StreamTurn(context.Background(), "hi", cfg, nil, nil)
	got := drain(t, events, 2*time.Second)

	var sawContent, sawMemStart, sawMemEnd, sawDone bool
	var contentText string
	for _, ev := range got {
		switch ev.Kind {
		case EventMemorySearchStart:
			sawMemStart = true
		case EventMemorySearchEnd:
			sawMemEnd = true
		case EventContent:
			sawContent = true
			contentText += ev.Text
		case EventDone:
			sawDone = true
		case EventError:
			t.Errorf("unexpected error event: %v", ev.Err)
		}
	}
	if !sawMemStart || !sawMemEnd {
		t.Error("expected memory search start/end events")
	}
	if !sawContent || contentText != "Hello there" {
		t.Errorf("expected content %q, got %q", "Hello there", contentText)
	}
	if !sawDone {
		t.Error("expected a terminal done event")
	}
}

func TestStreamTurn_ToolCallRequiresConfirmation(t *testing.T) {
	e, broker := newTestEngine(t, [][]llm.Chunk{
		{
			{ToolCalls: []types.ToolCall{{ID: "call-1", Name: "add_fact", Arguments: `{"content":`}}},
			{ToolCalls: []types.ToolCall{{ID: "call-1", Arguments: `"x"}`}}},
			{FinishReason: "tool_calls"},
		},
		{{Text: "done"}, {FinishReason: "stop"}},
	})

	cfg := AgentConfig{Name: "default", Prompt: "p", MaxToolRuns: 3}
	events := e.StreamTurn(context.Background(), "remember x", cfg, nil, nil)

	var gotConfirm bool
	var gotDenied bool
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if !gotConfirm || !gotDenied {
					t.Error("expected confirmation_required followed by denial")
				}
				return
			}
			switch ev.Kind {
			case EventToolConfirmationRequired:
				gotConfirm = true
				if ev.ToolCallID != "call-1" {
					t.Errorf("unexpected call id %q", ev.ToolCallID)
				}
				go broker.Resolve("call-1", false)
			case EventToolDenied:
				gotDenied = true
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out")
		}
	}
}

func TestStreamTurn_StopsAtMaxToolRuns(t *testing.T) {
	loopingBatch := []llm.Chunk{
		{ToolCalls: []types.ToolCall{{ID: "call-x", Name: "search_web", Arguments: "{}"}}},
		{FinishReason: "tool_calls"},
	}
	e, _ := newTestEngine(t, [][]llm.Chunk{loopingBatch, loopingBatch, loopingBatch})

	cfg := AgentConfig{Name: "default", Prompt: "p", MaxToolRuns: 2}
	events := e.StreamTurn(context.Background(), "loop", cfg, nil, nil)
	got := drain(t, events, 2*time.Second)

	toolStarts := 0
	for _, ev := range got {
		if ev.Kind == EventToolStart {
			toolStarts++
		}
	}
	if toolStarts != 2 {
		t.Errorf("expected exactly MaxToolRuns (2) tool_start events, got %d", toolStarts)
	}
}

func TestParseArgs(t *testing.T) {
	cases := map[string]int{
		`{"a":1,"b":"x"}`: 2,
		``:                0,
		`not json`:        0,
	}
	for raw, wantLen := range cases {
		got := parseArgs(raw)
		if len(got) != wantLen {
			t.Errorf("parseArgs(%q) = %v, want len %d", raw, got, wantLen)
		}
	}
}

func TestRenderPrompt(t *testing.T) {
	prompt := "Now: {datetime}\nMemories:\n{memories}\nPrefs: {user_preferences}\nKnown: {known_people}"
	out := renderPrompt(prompt, []retriever.Result{{Annotation: "[KNOWS Alice]", Fields: map[string]any{"name": "Alice"}}}, []string{"likes tea"}, []string{"Alice"})

	if out == prompt {
		t.Error("expected placeholders to be substituted")
	}
}
