// Package tools defines the shared [Tool] type used by all built-in MCP tool
// packages in rtxchat. Each sub-package exports a constructor function that
// returns a slice of [Tool] values ready for registration with the MCP Host.
package tools

import (
	"context"

	"github.com/rtxchat/rtxchat/pkg/types"
)

// Tool represents a built-in tool ready for registration with the MCP Host.
//
// Each Tool carries its LLM-facing schema ([types.ToolDefinition]) together
// with the handler function that is invoked when the LLM calls the tool.
// DeclaredP50 and DeclaredMax provide latency estimates; DeclaredMax is
// enforced by the MCP Host as an execution deadline.
type Tool struct {
	// Definition is the tool's LLM-facing schema including its name,
	// description, and JSON Schema parameter specification.
	Definition types.ToolDefinition

	// Handler executes the tool with JSON-encoded args and returns a
	// JSON-encoded result string on success, or a descriptive error.
	// Implementations must be safe for concurrent use and must respect
	// context cancellation.
	Handler func(ctx context.Context, args string) (string, error)

	// DeclaredP50 is the tool author's declared median (p50) execution
	// latency in milliseconds, surfaced to callers inspecting the registry.
	DeclaredP50 int64

	// DeclaredMax is the tool author's declared worst-case latency in
	// milliseconds. The host enforces it as an execution deadline.
	DeclaredMax int64
}
