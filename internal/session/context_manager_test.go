package session

import (
	"context"
	"strings"
	"testing"

	"github.com/rtxchat/rtxchat/pkg/types"
)

// mockSummariser is a test double for Summariser.
type mockSummariser struct {
	result string
	err    error
	calls  int
	prior  []string
	msgs   [][]types.Message
}

func (m *mockSummariser) Summarise(_ context.Context, existingSummary string, messages []types.Message) (string, error) {
	m.calls++
	m.prior = append(m.prior, existingSummary)
	m.msgs = append(m.msgs, messages)
	return m.result, m.err
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name    string
		msg     types.Message
		wantMin int
		wantMax int
	}{
		{
			name:    "empty message",
			msg:     types.Message{},
			wantMin: 0,
			wantMax: 0,
		},
		{
			name:    "short message",
			msg:     types.Message{Role: "user", Content: "Hi"},
			wantMin: 1, // 6 chars / 4 = 1
			wantMax: 2,
		},
		{
			name:    "long message",
			msg:     types.Message{Role: "assistant", Content: strings.Repeat("a", 400)},
			wantMin: 100, // (400+9) / 4 ≈ 102
			wantMax: 110,
		},
		{
			name: "message with tool calls",
			msg: types.Message{
				Role: "assistant",
				ToolCalls: []types.ToolCall{
					{ID: "tc_1", Name: "roll_dice", Arguments: `{"sides":20}`},
				},
			},
			wantMin: 5,
			wantMax: 15,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := estimateTokens(tt.msg)
			if got < tt.wantMin || got > tt.wantMax {
				t.Errorf("estimateTokens() = %d, want [%d, %d]", got, tt.wantMin, tt.wantMax)
			}
		})
	}
}

func TestContextManager_Process(t *testing.T) {
	t.Run("leaves short conversations unchanged", func(t *testing.T) {
		s := &mockSummariser{result: "summary"}
		cm := NewContextManager(ContextManagerConfig{MaxContextTokens: 10, WindowTokens: 5, Summariser: s})

		msgs := []types.Message{
			{Role: "system", Content: "be helpful"},
			{Role: "user", Content: "hi"},
		}
		out, event, err := cm.Process(context.Background(), msgs)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if event != nil {
			t.Error("expected no compaction event for a short conversation")
		}
		if len(out) != len(msgs) {
			t.Errorf("expected input unchanged, got %d messages", len(out))
		}
		if s.calls != 0 {
			t.Errorf("expected no summarisation calls, got %d", s.calls)
		}
	})

	t.Run("leaves conversations under budget unchanged", func(t *testing.T) {
		s := &mockSummariser{result: "summary"}
		cm := NewContextManager(ContextManagerConfig{MaxContextTokens: 10000, WindowTokens: 5000, Summariser: s})

		msgs := []types.Message{
			{Role: "system", Content: "be helpful"},
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
		}
		out, event, err := cm.Process(context.Background(), msgs)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if event != nil {
			t.Error("expected no compaction event under budget")
		}
		if len(out) != len(msgs) {
			t.Errorf("expected input unchanged, got %d messages", len(out))
		}
	})

	t.Run("compacts and keeps the system message plus recent window", func(t *testing.T) {
		s := &mockSummariser{result: "condensed"}
		cm := NewContextManager(ContextManagerConfig{MaxContextTokens: 40, WindowTokens: 20, Summariser: s})

		long := strings.Repeat("x", 80)
		msgs := []types.Message{
			{Role: "system", Content: "be helpful"},
			{Role: "user", Content: long},
			{Role: "assistant", Content: long},
			{Role: "user", Content: "recent question"},
		}
		out, event, err := cm.Process(context.Background(), msgs)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if event == nil {
			t.Fatal("expected a compaction event")
		}
		if event.TokensBefore <= event.TokensAfter {
			t.Errorf("expected token savings, before=%d after=%d", event.TokensBefore, event.TokensAfter)
		}
		if out[0].Role != "system" || out[0].Content != "be helpful" {
			t.Errorf("expected first message to be the original system message, got %+v", out[0])
		}
		if !strings.Contains(out[1].Content, "[Previous conversation summary]") {
			t.Errorf("expected second message to carry the summary, got %+v", out[1])
		}
		if out[len(out)-1].Content != "recent question" {
			t.Error("expected the most recent message to be preserved verbatim")
		}
		if s.calls != 1 {
			t.Errorf("expected exactly one summarisation call, got %d", s.calls)
		}
	})

	t.Run("disabled manager returns input unchanged", func(t *testing.T) {
		s := &mockSummariser{result: "summary"}
		cm := NewContextManager(ContextManagerConfig{MaxContextTokens: 1, WindowTokens: 1, Summariser: s, Disabled: true})

		msgs := []types.Message{
			{Role: "system", Content: "be helpful"},
			{Role: "user", Content: strings.Repeat("x", 400)},
			{Role: "assistant", Content: strings.Repeat("y", 400)},
		}
		out, event, err := cm.Process(context.Background(), msgs)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if event != nil {
			t.Error("expected no compaction event when disabled")
		}
		if len(out) != len(msgs) {
			t.Error("expected input unchanged when disabled")
		}
	})

	t.Run("merges existing summary into subsequent compaction", func(t *testing.T) {
		s := &mockSummariser{result: "merged"}
		cm := NewContextManager(ContextManagerConfig{MaxContextTokens: 40, WindowTokens: 20, Summariser: s})

		long := strings.Repeat("x", 80)
		first := []types.Message{
			{Role: "system", Content: "be helpful"},
			{Role: "user", Content: long},
			{Role: "assistant", Content: long},
			{Role: "user", Content: "q1"},
		}
		if _, _, err := cm.Process(context.Background(), first); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		second := []types.Message{
			{Role: "system", Content: "be helpful"},
			{Role: "system", Content: "[Previous conversation summary]: condensed"},
			{Role: "user", Content: "q1"},
			{Role: "user", Content: long},
			{Role: "assistant", Content: long},
			{Role: "user", Content: "q2"},
		}
		if _, _, err := cm.Process(context.Background(), second); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if s.calls != 2 {
			t.Fatalf("expected 2 summarisation calls, got %d", s.calls)
		}
		if s.prior[1] != "merged" {
			t.Errorf("expected the second call to carry forward the first summary, got %q", s.prior[1])
		}
	})
}
