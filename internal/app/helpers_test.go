package app

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rtxchat/rtxchat/internal/agentstore"
	"github.com/rtxchat/rtxchat/internal/convostore"
)

// fakeConvoStore is an in-memory convostore.Store for tests that don't need
// a real postgres connection.
type fakeConvoStore struct {
	mu   sync.Mutex
	byID map[string]*convostore.Conversation
}

func newFakeConvoStore() *fakeConvoStore {
	return &fakeConvoStore{byID: make(map[string]*convostore.Conversation)}
}

func (f *fakeConvoStore) Create(_ context.Context, c *convostore.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.byID[c.ID]; exists {
		return fmt.Errorf("convostore: conversation %q already exists", c.ID)
	}
	cp := *c
	f.byID[c.ID] = &cp
	return nil
}

func (f *fakeConvoStore) Get(_ context.Context, id string) (*convostore.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeConvoStore) Update(_ context.Context, c *convostore.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.byID[c.ID]; !exists {
		return fmt.Errorf("convostore: conversation %q not found", c.ID)
	}
	cp := *c
	f.byID[c.ID] = &cp
	return nil
}

func (f *fakeConvoStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byID, id)
	return nil
}

func (f *fakeConvoStore) ListMetadata(_ context.Context, agentName string) ([]convostore.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []convostore.Metadata
	for _, c := range f.byID {
		if agentName != "" && c.AgentName != agentName {
			continue
		}
		out = append(out, convostore.Metadata{
			ID:        c.ID,
			Title:     c.Title,
			AgentName: c.AgentName,
			Model:     c.Model,
			CreatedAt: c.CreatedAt,
			UpdatedAt: c.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

var _ convostore.Store = (*fakeConvoStore)(nil)

// fakeAgentStore is an in-memory agentstore.Store for tests that don't need
// a real postgres connection.
type fakeAgentStore struct {
	mu   sync.Mutex
	byID map[string]*agentstore.Record
}

func newFakeAgentStore() *fakeAgentStore {
	return &fakeAgentStore{byID: make(map[string]*agentstore.Record)}
}

func (f *fakeAgentStore) Create(_ context.Context, r *agentstore.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.byID[r.ID]; exists {
		return fmt.Errorf("agentstore: agent with id %q already exists", r.ID)
	}
	cp := *r
	f.byID[r.ID] = &cp
	return nil
}

func (f *fakeAgentStore) Get(_ context.Context, id string) (*agentstore.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (f *fakeAgentStore) Update(_ context.Context, r *agentstore.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.byID[r.ID]; !exists {
		return fmt.Errorf("%w: %q", agentstore.ErrNotFound, r.ID)
	}
	cp := *r
	f.byID[r.ID] = &cp
	return nil
}

func (f *fakeAgentStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byID, id)
	return nil
}

func (f *fakeAgentStore) List(_ context.Context, includeTemplates bool) ([]agentstore.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []agentstore.Record
	for _, r := range f.byID {
		if r.IsTemplate && !includeTemplates {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

var _ agentstore.Store = (*fakeAgentStore)(nil)
