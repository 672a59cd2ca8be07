// Package confirm implements the human-in-the-loop confirmation gate for
// tool calls the engine classifies as mutating. A tool call pends until an
// external actor (the chat UI, an API caller) resolves it by id.
package confirm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// mutatingPrefixes is the closed set of name fragments that mark a tool as
// requiring confirmation before execution.
var mutatingPrefixes = []string{"add_", "update_", "delete_"}

// RequiresConfirmation reports whether toolName names an operation that
// mutates state and therefore must be gated behind a human approval.
func RequiresConfirmation(toolName string) bool {
	for _, p := range mutatingPrefixes {
		if strings.Contains(toolName, p) {
			return true
		}
	}
	return false
}

// DeniedPrefix marks a tool output as a recorded denial rather than a real
// result, so the model sees why the call did not happen instead of retrying
// as if it had failed transiently.
const DeniedPrefix = "DENIED: "

// pendingEntry is the single-slot signal for one in-flight confirmation.
type pendingEntry struct {
	ch chan struct{}
}

// Broker holds every in-flight confirmation request for the process. A
// single Broker is shared across concurrent turns; entries are keyed by
// tool_call_id, which callers must guarantee is unique per pending request.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
	results map[string]bool
}

// New returns an empty Broker.
func New() *Broker {
	return &Broker{
		pending: make(map[string]*pendingEntry),
		results: make(map[string]bool),
	}
}

// RequireConfirmation registers callID as pending and returns once an
// external actor resolves it via [Broker.Resolve], or ctx is cancelled. The
// pending entry is always removed before return, on every exit path,
// guaranteeing it never outlives the caller's turn.
func (b *Broker) RequireConfirmation(ctx context.Context, callID string) (approved bool, err error) {
	entry := &pendingEntry{ch: make(chan struct{})}

	b.mu.Lock()
	b.pending[callID] = entry
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, callID)
		delete(b.results, callID)
		b.mu.Unlock()
	}()

	select {
	case <-entry.ch:
		b.mu.Lock()
		result := b.results[callID]
		b.mu.Unlock()
		return result, nil
	case <-ctx.Done():
		return false, fmt.Errorf("confirm: wait for %q: %w", callID, ctx.Err())
	}
}

// Resolve records approved for callID and releases any goroutine blocked in
// [Broker.RequireConfirmation] for that id. Resolving an id with no pending
// request is a no-op — the confirmation may have already timed out or been
// cancelled.
func (b *Broker) Resolve(callID string, approved bool) {
	b.mu.Lock()
	entry, ok := b.pending[callID]
	if !ok {
		b.mu.Unlock()
		return
	}
	b.results[callID] = approved
	b.mu.Unlock()

	close(entry.ch)
}

// Pending reports whether callID currently has an unresolved confirmation
// request, useful for surfacing "awaiting confirmation" UI state.
func (b *Broker) Pending(callID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[callID]
	return ok
}
