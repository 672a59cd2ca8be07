package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
)

type stubFetcher struct {
	resp *http.Response
	err  error
}

func (s *stubFetcher) Do(_ *http.Request) (*http.Response, error) {
	return s.resp, s.err
}

func newHTMLResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestNewTools_Shape(t *testing.T) {
	t.Parallel()
	toolSet := NewTools(&stubFetcher{})
	if len(toolSet) != 1 {
		t.Fatalf("len(NewTools()) = %d, want 1", len(toolSet))
	}
	if toolSet[0].Definition.Name != "fetch_url" {
		t.Errorf("tool name = %q, want fetch_url", toolSet[0].Definition.Name)
	}
	if toolSet[0].Definition.Category != "web" {
		t.Errorf("tool category = %q, want web", toolSet[0].Definition.Category)
	}
}

func TestFetchURL_RendersMarkdown(t *testing.T) {
	t.Parallel()
	html := `<html><head><title>Example Page</title><style>body{color:red}</style></head>
<body><h1>Welcome</h1><p>Hello <b>world</b>.</p><ul><li>one</li><li>two</li></ul></body></html>`

	client := &stubFetcher{resp: newHTMLResponse(200, html)}
	handler := makeFetchURLHandler(client)

	args, _ := json.Marshal(fetchURLArgs{URL: "https://example.com"})
	out, err := handler(context.Background(), string(args))
	if err != nil {
		t.Fatalf("handler() unexpected error: %v", err)
	}

	var res fetchURLResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if res.Title != "Example Page" {
		t.Errorf("Title = %q, want Example Page", res.Title)
	}
	if !strings.Contains(res.Markdown, "# Welcome") {
		t.Errorf("Markdown = %q, want to contain '# Welcome'", res.Markdown)
	}
	if !strings.Contains(res.Markdown, "Hello world") {
		t.Errorf("Markdown = %q, want to contain 'Hello world'", res.Markdown)
	}
	if !strings.Contains(res.Markdown, "- one") || !strings.Contains(res.Markdown, "- two") {
		t.Errorf("Markdown = %q, want list items", res.Markdown)
	}
	if strings.Contains(res.Markdown, "color:red") {
		t.Errorf("Markdown = %q, should not contain <style> content", res.Markdown)
	}
}

func TestFetchURL_RejectsNonHTTPURL(t *testing.T) {
	t.Parallel()
	handler := makeFetchURLHandler(&stubFetcher{})
	args, _ := json.Marshal(fetchURLArgs{URL: "ftp://example.com/file"})
	_, err := handler(context.Background(), string(args))
	if err == nil {
		t.Fatal("handler() expected error for non-http(s) URL")
	}
}

func TestFetchURL_PropagatesErrorStatus(t *testing.T) {
	t.Parallel()
	client := &stubFetcher{resp: newHTMLResponse(404, "not found")}
	handler := makeFetchURLHandler(client)
	args, _ := json.Marshal(fetchURLArgs{URL: "https://example.com/missing"})
	_, err := handler(context.Background(), string(args))
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("handler() = %v, want error mentioning 404", err)
	}
}

func TestExtractTitle_NoTitle(t *testing.T) {
	t.Parallel()
	client := &stubFetcher{resp: newHTMLResponse(200, "<html><body><p>no title here</p></body></html>")}
	handler := makeFetchURLHandler(client)
	args, _ := json.Marshal(fetchURLArgs{URL: "https://example.com"})
	out, err := handler(context.Background(), string(args))
	if err != nil {
		t.Fatalf("handler() unexpected error: %v", err)
	}
	var res fetchURLResult
	_ = json.Unmarshal([]byte(out), &res)
	if res.Title != "" {
		t.Errorf("Title = %q, want empty", res.Title)
	}
}
