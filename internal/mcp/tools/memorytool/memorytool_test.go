package memorytool

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rtxchat/rtxchat/internal/retriever"
	"github.com/rtxchat/rtxchat/pkg/memory"
	"github.com/rtxchat/rtxchat/pkg/memory/mock"
)

// fakeEmbedder returns a deterministic unit vector so every operation under
// test has a well-defined embedding without a real backend.
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

func newTestAPI() *memory.API {
	store := mock.New()
	return memory.New(store, fakeEmbedder{})
}

func TestAddOrUpdatePerson_Success(t *testing.T) {
	t.Parallel()
	api := newTestAPI()
	handler := makeAddOrUpdatePersonHandler(api)

	out, err := handler(context.Background(), `{"name":"Alice","relation_type":"friend"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var res map[string]any
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if res["id"] == "" {
		t.Error("expected non-empty id")
	}
}

func TestAddOrUpdatePerson_EmptyName(t *testing.T) {
	t.Parallel()
	handler := makeAddOrUpdatePersonHandler(newTestAPI())
	_, err := handler(context.Background(), `{"name":""}`)
	if err == nil {
		t.Error("expected error for empty name")
	}
	if !strings.HasPrefix(err.Error(), "memory tool:") {
		t.Errorf("error %q should be prefixed with 'memory tool:'", err.Error())
	}
}

func TestAddEvent_RequiresExistingParticipants(t *testing.T) {
	t.Parallel()
	api := newTestAPI()
	personHandler := makeAddOrUpdatePersonHandler(api)
	if _, err := personHandler(context.Background(), `{"name":"Bob"}`); err != nil {
		t.Fatalf("setup: %v", err)
	}

	handler := makeAddEventHandler(api)
	out, err := handler(context.Background(), `{"description":"Met for coffee","participants":["Bob","Unknown"]}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var res map[string]any
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if res["id"] == "" {
		t.Error("expected non-empty event id")
	}
}

func TestAddEvent_EmptyDescription(t *testing.T) {
	t.Parallel()
	handler := makeAddEventHandler(newTestAPI())
	_, err := handler(context.Background(), `{"description":""}`)
	if err == nil {
		t.Error("expected error for empty description")
	}
}

func TestAddFact_DuplicateCollapse(t *testing.T) {
	t.Parallel()
	api := newTestAPI()
	handler := makeAddFactHandler(api)

	first, err := handler(context.Background(), `{"content":"Owns a red Tesla","category":"possession"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var firstRes map[string]any
	_ = json.Unmarshal([]byte(first), &firstRes)
	if firstRes["matched"] != false {
		t.Errorf("expected first insert to not match, got %v", firstRes)
	}

	second, err := handler(context.Background(), `{"content":"Owns a red Tesla","category":"possession"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var secondRes map[string]any
	_ = json.Unmarshal([]byte(second), &secondRes)
	if secondRes["matched"] != true {
		t.Errorf("expected second insert to collapse into existing, got %v", secondRes)
	}
}

func TestAddFact_EmptyContent(t *testing.T) {
	t.Parallel()
	handler := makeAddFactHandler(newTestAPI())
	_, err := handler(context.Background(), `{"content":""}`)
	if err == nil {
		t.Error("expected error for empty content")
	}
}

func TestAddPreference_Success(t *testing.T) {
	t.Parallel()
	handler := makeAddPreferenceHandler(newTestAPI())
	out, err := handler(context.Background(), `{"instruction":"Always answer in French"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var res map[string]any
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if res["matched"] != false {
		t.Errorf("expected new preference to not match, got %v", res)
	}
}

func TestAddOrUpdateRelationship_Success(t *testing.T) {
	t.Parallel()
	api := newTestAPI()
	personHandler := makeAddOrUpdatePersonHandler(api)
	if _, err := personHandler(context.Background(), `{"name":"Alice"}`); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if _, err := personHandler(context.Background(), `{"name":"Bob"}`); err != nil {
		t.Fatalf("setup: %v", err)
	}

	handler := makeAddOrUpdateRelationshipHandler(api)
	out, err := handler(context.Background(), `{"person_a":"Alice","person_b":"Bob","relation_type":"friend"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, `"ok":true`) {
		t.Errorf("unexpected result: %s", out)
	}
}

func TestAddOrUpdateRelationship_MissingNames(t *testing.T) {
	t.Parallel()
	handler := makeAddOrUpdateRelationshipHandler(newTestAPI())
	_, err := handler(context.Background(), `{"person_a":"","person_b":"Bob","relation_type":"friend"}`)
	if err == nil {
		t.Error("expected error for missing person_a")
	}
}

func TestUpdateFactOrPreference_Success(t *testing.T) {
	t.Parallel()
	api := newTestAPI()
	factHandler := makeAddFactHandler(api)
	out, err := factHandler(context.Background(), `{"content":"Likes tea","category":"taste"}`)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	var created map[string]any
	_ = json.Unmarshal([]byte(out), &created)

	handler := makeUpdateFactOrPreferenceHandler(api)
	args, _ := json.Marshal(updateFactOrPreferenceArgs{Label: "Fact", ID: created["id"].(string), NewValue: "Likes coffee"})
	if _, err := handler(context.Background(), string(args)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUpdateFactOrPreference_MissingID(t *testing.T) {
	t.Parallel()
	handler := makeUpdateFactOrPreferenceHandler(newTestAPI())
	_, err := handler(context.Background(), `{"label":"Fact","id":"","new_value":"x"}`)
	if err == nil {
		t.Error("expected error for missing id")
	}
}

func TestDeleteMemory_Success(t *testing.T) {
	t.Parallel()
	api := newTestAPI()
	factHandler := makeAddFactHandler(api)
	out, err := factHandler(context.Background(), `{"content":"Temporary fact"}`)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	var created map[string]any
	_ = json.Unmarshal([]byte(out), &created)

	handler := makeDeleteMemoryHandler(api)
	args, _ := json.Marshal(deleteMemoryArgs{Label: "Fact", ID: created["id"].(string)})
	if _, err := handler(context.Background(), string(args)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDeleteMemory_MissingFields(t *testing.T) {
	t.Parallel()
	handler := makeDeleteMemoryHandler(newTestAPI())
	_, err := handler(context.Background(), `{"label":"","id":""}`)
	if err == nil {
		t.Error("expected error for missing label/id")
	}
}

func TestRetrieveContext_Success(t *testing.T) {
	t.Parallel()
	store := mock.New()
	api := memory.New(store, fakeEmbedder{})
	r := retriever.New(store, fakeEmbedder{})

	factHandler := makeAddFactHandler(api)
	if _, err := factHandler(context.Background(), `{"content":"Owns a dog named Rex","category":"pet"}`); err != nil {
		t.Fatalf("setup: %v", err)
	}

	handler := makeRetrieveContextHandler(r)
	out, err := handler(context.Background(), `{"query":"dog"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var results []retriever.Result
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("failed to unmarshal: %v\noutput: %s", err, out)
	}
}

func TestRetrieveContext_EmptyQuery(t *testing.T) {
	t.Parallel()
	store := mock.New()
	r := retriever.New(store, fakeEmbedder{})
	handler := makeRetrieveContextHandler(r)
	_, err := handler(context.Background(), `{"query":""}`)
	if err == nil {
		t.Error("expected error for empty query")
	}
}

func TestGetUserPreferences_Empty(t *testing.T) {
	t.Parallel()
	handler := makeGetUserPreferencesHandler(newTestAPI())
	out, err := handler(context.Background(), ``)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(out) != "null" {
		t.Errorf("expected null for no preferences, got %s", out)
	}
}

func TestGetUserPreferences_ListsRecorded(t *testing.T) {
	t.Parallel()
	api := newTestAPI()
	prefHandler := makeAddPreferenceHandler(api)
	if _, err := prefHandler(context.Background(), `{"instruction":"Be concise"}`); err != nil {
		t.Fatalf("setup: %v", err)
	}

	handler := makeGetUserPreferencesHandler(api)
	out, err := handler(context.Background(), ``)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var prefs []string
	if err := json.Unmarshal([]byte(out), &prefs); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if len(prefs) != 1 || prefs[0] != "Be concise" {
		t.Errorf("unexpected preferences: %v", prefs)
	}
}

func TestCheckRelationship_NotFound(t *testing.T) {
	t.Parallel()
	handler := makeCheckRelationshipHandler(newTestAPI())
	out, err := handler(context.Background(), `{"person_name":"Nobody"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var res checkRelationshipResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if res.Found {
		t.Error("expected found=false for unknown person")
	}
}

func TestCheckRelationship_EmptyName(t *testing.T) {
	t.Parallel()
	handler := makeCheckRelationshipHandler(newTestAPI())
	_, err := handler(context.Background(), `{"person_name":""}`)
	if err == nil {
		t.Error("expected error for empty person_name")
	}
}

func TestNewTools_ReturnsExpectedTools(t *testing.T) {
	t.Parallel()
	store := mock.New()
	api := memory.New(store, fakeEmbedder{})
	r := retriever.New(store, fakeEmbedder{})

	ts := NewTools(api, r)

	wantNames := map[string]bool{
		"add_or_update_person":       true,
		"add_event":                  true,
		"add_fact":                   true,
		"add_preference":             true,
		"add_or_update_relationship": true,
		"update_fact_or_preference":  true,
		"delete_memory":              true,
		"retrieve_context":           true,
		"get_user_preferences":       true,
		"check_relationship":         true,
	}
	if len(ts) != len(wantNames) {
		t.Fatalf("NewTools returned %d tools, want %d", len(ts), len(wantNames))
	}

	for _, tool := range ts {
		if !wantNames[tool.Definition.Name] {
			t.Errorf("unexpected tool name %q", tool.Definition.Name)
		}
		delete(wantNames, tool.Definition.Name)

		if tool.Handler == nil {
			t.Errorf("tool %q has nil Handler", tool.Definition.Name)
		}
		if tool.Definition.Category != "memory" {
			t.Errorf("tool %q Category = %q, want memory", tool.Definition.Name, tool.Definition.Category)
		}
		if tool.DeclaredP50 <= 0 {
			t.Errorf("tool %q DeclaredP50 = %d, want > 0", tool.Definition.Name, tool.DeclaredP50)
		}
		if tool.DeclaredMax <= 0 {
			t.Errorf("tool %q DeclaredMax = %d, want > 0", tool.Definition.Name, tool.DeclaredMax)
		}
	}
	for missing := range wantNames {
		t.Errorf("NewTools missing tool %q", missing)
	}
}
