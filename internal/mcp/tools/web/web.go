// Package web provides a built-in MCP tool that fetches a URL and converts
// its HTML body into Markdown, so page content can be injected into an LLM
// context window without the surrounding markup noise.
//
// One tool is exported via [NewTools]:
//   - "fetch_url" — HTTP GET a URL and return a Markdown rendering of its content.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/rtxchat/rtxchat/internal/mcp/tools"
	"github.com/rtxchat/rtxchat/pkg/types"
)

const (
	// maxFetchBytes caps the response body read, preventing a large page
	// from blowing the context window or memory budget.
	maxFetchBytes = 2 << 20 // 2 MiB

	// maxMarkdownRunes caps the tool's returned text.
	maxMarkdownRunes = 20_000

	fetchTimeout = 15 * time.Second
)

// fetchURLArgs is the JSON-decoded input for the "fetch_url" tool.
type fetchURLArgs struct {
	// URL is the page to fetch. Must be an absolute http(s) URL.
	URL string `json:"url"`
}

// fetchURLResult is the JSON-encoded output of the "fetch_url" tool.
type fetchURLResult struct {
	// URL is the fetched page, echoed back to the caller.
	URL string `json:"url"`

	// Title is the page's <title> text, if present.
	Title string `json:"title"`

	// Markdown is the page body rendered as Markdown.
	Markdown string `json:"markdown"`

	// Truncated reports whether Markdown was cut short of the full page.
	Truncated bool `json:"truncated"`
}

// Fetcher performs the HTTP GET for a URL. Satisfied by *http.Client; an
// interface so tests can inject a stub transport without a live network call.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

func makeFetchURLHandler(client Fetcher) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a fetchURLArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("web: fetch_url: failed to parse arguments: %w", err)
		}
		if !strings.HasPrefix(a.URL, "http://") && !strings.HasPrefix(a.URL, "https://") {
			return "", fmt.Errorf("web: fetch_url: url must be an absolute http(s) URL, got %q", a.URL)
		}

		reqCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, a.URL, nil)
		if err != nil {
			return "", fmt.Errorf("web: fetch_url: build request: %w", err)
		}
		req.Header.Set("User-Agent", "rtxchat-agent/1.0")

		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("web: fetch_url: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			return "", fmt.Errorf("web: fetch_url: %s returned status %d", a.URL, resp.StatusCode)
		}

		body := io.LimitReader(resp.Body, maxFetchBytes)
		doc, err := html.Parse(body)
		if err != nil {
			return "", fmt.Errorf("web: fetch_url: parse html: %w", err)
		}

		title := extractTitle(doc)
		md := renderMarkdown(doc)
		truncated := false
		if runes := []rune(md); len(runes) > maxMarkdownRunes {
			md = string(runes[:maxMarkdownRunes])
			truncated = true
		}

		res, err := json.Marshal(fetchURLResult{
			URL:       a.URL,
			Title:     title,
			Markdown:  md,
			Truncated: truncated,
		})
		if err != nil {
			return "", fmt.Errorf("web: fetch_url: encode result: %w", err)
		}
		return string(res), nil
	}
}

// extractTitle walks the parsed tree for the first <title> element's text.
func extractTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
		return strings.TrimSpace(n.FirstChild.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := extractTitle(c); t != "" {
			return t
		}
	}
	return ""
}

// blockTags receive a blank line before and after their rendered content.
var blockTags = map[string]bool{
	"p": true, "div": true, "section": true, "article": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"li": true, "tr": true, "blockquote": true, "pre": true,
}

// skipTags are dropped entirely, including their text content.
var skipTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "head": true, "svg": true,
}

// renderMarkdown walks the parsed HTML tree and produces a minimal Markdown
// rendering: headings get '#' prefixes, list items get '-' bullets, and
// everything else collapses to plain paragraphs separated by blank lines.
func renderMarkdown(doc *html.Node) string {
	var b strings.Builder
	walkMarkdown(doc, &b)
	return strings.TrimSpace(collapseBlankLines(b.String()))
}

func walkMarkdown(n *html.Node, b *strings.Builder) {
	if n.Type == html.ElementNode && skipTags[n.Data] {
		return
	}

	if n.Type == html.ElementNode && strings.HasPrefix(n.Data, "h") && len(n.Data) == 2 && n.Data[1] >= '1' && n.Data[1] <= '6' {
		level := int(n.Data[1] - '0')
		b.WriteString("\n" + strings.Repeat("#", level) + " ")
	} else if n.Type == html.ElementNode && n.Data == "li" {
		b.WriteString("\n- ")
	} else if n.Type == html.ElementNode && blockTags[n.Data] {
		b.WriteString("\n\n")
	} else if n.Type == html.ElementNode && n.Data == "br" {
		b.WriteString("\n")
	}

	if n.Type == html.TextNode {
		if text := strings.TrimSpace(n.Data); text != "" {
			b.WriteString(text + " ")
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkMarkdown(c, b)
	}

	if n.Type == html.ElementNode && blockTags[n.Data] {
		b.WriteString("\n\n")
	}
}

// collapseBlankLines reduces runs of 3+ newlines to exactly 2.
func collapseBlankLines(s string) string {
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	return s
}

// NewTools constructs the web tool set using client to perform fetches.
// Pass &http.Client{} for production use.
func NewTools(client Fetcher) []tools.Tool {
	return []tools.Tool{
		{
			Definition: types.ToolDefinition{
				Name:        "fetch_url",
				Description: "Fetch a web page by URL and return its content rendered as Markdown, with script/style tags stripped. Use this to read articles, documentation, or other web content referenced in conversation.",
				Category:    "web",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"url": map[string]any{
							"type":        "string",
							"description": "Absolute http(s) URL to fetch.",
						},
					},
					"required": []string{"url"},
				},
				EstimatedDurationMs: 800,
				MaxDurationMs:       15_000,
				Idempotent:          true,
				CacheableSeconds:    60,
			},
			Handler:     makeFetchURLHandler(client),
			DeclaredP50: 800,
			DeclaredMax: 15_000,
		},
	}
}
