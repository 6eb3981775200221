package domain

import (
	"context"
	"encoding/json"
)

// ToolSchema describes a tool for the LLM function-calling protocol.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall represents an LLM's request to invoke a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolProvider is a connected tool surface (an MCP server, an in-process
// capability). Agents route tool calls to the first bound provider whose
// advertised set contains the tool name.
type ToolProvider interface {
	// Name identifies the provider in logs and routing diagnostics.
	Name() string
	// Connect establishes the underlying connection. Idempotent: a second
	// call on a connected provider is a no-op.
	Connect(ctx context.Context) error
	// Schemas returns the advertised tool set. Empty until Connect succeeds.
	Schemas() []ToolSchema
	// Owns reports whether name is in the advertised set.
	Owns(name string) bool
	// Invoke executes a tool and returns its textual result. Invoke never
	// fails: execution errors come back as "Error: ..." text so the model
	// sees them as ordinary tool output and can react.
	Invoke(ctx context.Context, name string, args map[string]any) string
	// Cleanup releases the connection. Best-effort: failures are logged,
	// never propagated, and cancellation during teardown is swallowed.
	Cleanup()
}
