// Package codeexec provides a built-in MCP tool that runs a Python snippet
// in a sandboxed working directory. Files the snippet writes into its
// working directory are treated as artifacts: their names are appended to
// the tool output as a "[ARTIFACTS:url1,url2]" marker so callers can turn
// them into downloadable links without parsing the snippet's own stdout.
//
// One tool is exported via [NewTools]:
//   - "run_python" — execute a Python snippet and return its stdout/stderr.
package codeexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rtxchat/rtxchat/internal/mcp/tools"
	"github.com/rtxchat/rtxchat/pkg/types"
)

const (
	defaultTimeout = 20 * time.Second

	// maxOutputRunes caps the combined stdout+stderr returned to the caller.
	maxOutputRunes = 10_000

	// artifactsMarkerPrefix precedes the comma-separated artifact URL list
	// appended to tool output, per the artifacts convention.
	artifactsMarkerPrefix = "[ARTIFACTS:"
)

// runPythonArgs is the JSON-decoded input for the "run_python" tool.
type runPythonArgs struct {
	// Code is the Python source to execute.
	Code string `json:"code"`
}

// ArtifactURLFunc turns a filename written into a run's working directory
// into a public or caller-resolvable URL. Its shape lets the host decide how
// artifacts are served (static file server, object storage, signed link)
// without this package depending on that choice.
type ArtifactURLFunc func(runID, filename string) string

// Runner executes a Python snippet. Production code supplies
// [NewSubprocessRunner]; tests can inject a stub.
type Runner interface {
	Run(ctx context.Context, dir, code string) (stdout, stderr string, err error)
}

// SubprocessRunner runs snippets via a "python3" subprocess, writing the
// snippet to a temporary script file inside the working directory first so
// stack traces reference a real path.
type SubprocessRunner struct {
	// Python is the interpreter executable. Defaults to "python3" if empty.
	Python string
}

// NewSubprocessRunner returns a [SubprocessRunner] using the "python3"
// executable on PATH.
func NewSubprocessRunner() *SubprocessRunner {
	return &SubprocessRunner{Python: "python3"}
}

func (r *SubprocessRunner) Run(ctx context.Context, dir, code string) (string, string, error) {
	python := r.Python
	if python == "" {
		python = "python3"
	}

	scriptPath := filepath.Join(dir, "snippet.py")
	if err := os.WriteFile(scriptPath, []byte(code), 0o644); err != nil {
		return "", "", fmt.Errorf("codeexec: write snippet: %w", err)
	}

	cmd := exec.CommandContext(ctx, python, scriptPath)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	return stdout.String(), stderr.String(), runErr
}

// listArtifacts returns the base names of every regular file written into
// dir during the run, excluding the snippet script itself.
func listArtifacts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("codeexec: list artifacts: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || e.Name() == "snippet.py" {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

func truncate(s string) string {
	if runes := []rune(s); len(runes) > maxOutputRunes {
		return string(runes[:maxOutputRunes]) + "... (truncated)"
	}
	return s
}

func makeRunPythonHandler(baseDir string, runner Runner, artifactURL ArtifactURLFunc) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a runPythonArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("codeexec: run_python: failed to parse arguments: %w", err)
		}
		if strings.TrimSpace(a.Code) == "" {
			return "", fmt.Errorf("codeexec: run_python: code must not be empty")
		}

		runID := fmt.Sprintf("run-%d", time.Now().UnixNano())
		runDir := filepath.Join(baseDir, runID)
		if err := os.MkdirAll(runDir, 0o755); err != nil {
			return "", fmt.Errorf("codeexec: run_python: create sandbox dir: %w", err)
		}

		runCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
		defer cancel()

		stdout, stderr, runErr := runner.Run(runCtx, runDir, a.Code)

		var b strings.Builder
		if stdout != "" {
			b.WriteString(truncate(stdout))
		}
		if stderr != "" {
			if b.Len() > 0 {
				b.WriteString("\n--- stderr ---\n")
			}
			b.WriteString(truncate(stderr))
		}
		if runErr != nil {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(fmt.Sprintf("execution error: %v", runErr))
		}

		names, err := listArtifacts(runDir)
		if err != nil {
			return "", err
		}
		if len(names) > 0 && artifactURL != nil {
			urls := make([]string, len(names))
			for i, name := range names {
				urls[i] = artifactURL(runID, name)
			}
			b.WriteString("\n" + artifactsMarkerPrefix + strings.Join(urls, ",") + "]")
		}

		return b.String(), nil
	}
}

// NewTools constructs the code execution tool set. baseDir is the sandbox
// root; each run gets its own subdirectory under it. artifactURL converts a
// written file into the link surfaced in the "[ARTIFACTS:...]" marker; pass
// nil to disable artifact links entirely (output files are still produced,
// just not surfaced).
func NewTools(baseDir string, runner Runner, artifactURL ArtifactURLFunc) []tools.Tool {
	return []tools.Tool{
		{
			Definition: types.ToolDefinition{
				Name:        "run_python",
				Description: "Execute a Python 3 snippet in an isolated sandbox directory and return its stdout/stderr. Files the snippet writes to its working directory are returned as downloadable artifacts. Use this for calculations, data transformation, or generating files such as charts or reports.",
				Category:    "code",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"code": map[string]any{
							"type":        "string",
							"description": "Python 3 source code to execute.",
						},
					},
					"required": []string{"code"},
				},
				EstimatedDurationMs: 2000,
				MaxDurationMs:       int(defaultTimeout / time.Millisecond),
				Idempotent:          false,
				CacheableSeconds:    0,
			},
			Handler:     makeRunPythonHandler(baseDir, runner, artifactURL),
			DeclaredP50: 2000,
			DeclaredMax: int64(defaultTimeout / time.Millisecond),
		},
	}
}
