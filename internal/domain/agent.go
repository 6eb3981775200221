package domain

import "context"

// AgentProfile is the immutable persona of an agent, parsed once from its
// markdown definition. SystemPrompt carries the full document so the model
// sees the persona exactly as authored.
type AgentProfile struct {
	Name           string
	Specialization string
	Skills         []string
	Personality    []string
	SystemPrompt   string
}

// CompletionClient produces a chat completion for a request.
type CompletionClient interface {
	Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Name() string
}
