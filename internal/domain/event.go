package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventSessionStarted   EventType = "session.started"
	EventSessionCompleted EventType = "session.completed"
	EventSessionFailed    EventType = "session.failed"
	EventPhaseChanged     EventType = "phase.changed"

	EventAgentTaskStarted   EventType = "agent.task.started"
	EventAgentTaskCompleted EventType = "agent.task.completed"
	EventAgentTaskFailed    EventType = "agent.task.failed"

	EventLLMCallCompleted  EventType = "llm.call.completed"
	EventToolCallStarted   EventType = "tool.call.started"
	EventToolCallCompleted EventType = "tool.call.completed"

	EventOutputPruned   EventType = "output.pruned"
	EventParserFallback EventType = "parser.fallback"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type       EventType       `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	WorkflowID string          `json:"workflow_id,omitempty"`
	Agent      string          `json:"agent,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// --- Event payloads ---

// SessionPayload announces a started research session.
type SessionPayload struct {
	Query string `json:"query"`
	Mode  Mode   `json:"mode"`
}

// LLMCallPayload reports token usage for one completion round.
type LLMCallPayload struct {
	Model string `json:"model"`
	Usage Usage  `json:"usage"`
}

// ToolCallPayload reports one tool invocation.
type ToolCallPayload struct {
	Tool       string `json:"tool"`
	Provider   string `json:"provider,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	IsError    bool   `json:"is_error"`
}

// PhasePayload reports a workflow phase transition.
type PhasePayload struct {
	Phase     string `json:"phase"`
	Iteration int    `json:"iteration,omitempty"`
}

// TaskPayload reports agent task lifecycle.
type TaskPayload struct {
	Task  string `json:"task,omitempty"`
	Error string `json:"error,omitempty"`
}

// PrunePayload reports characters removed by output pruning.
type PrunePayload struct {
	CharsSaved  int `json:"chars_saved"`
	TokensSaved int `json:"tokens_saved"`
}
