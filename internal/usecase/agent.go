package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"equitylens/internal/domain"
	"equitylens/internal/infra/tracer"
)

// maxRawArgsInDiagnostic bounds how much of a malformed argument payload is
// echoed back to the model.
const maxRawArgsInDiagnostic = 300

// AgentDeps holds injected dependencies for a conversational agent.
type AgentDeps struct {
	Profile       *domain.AgentProfile
	LLM           domain.CompletionClient
	Providers     []domain.ToolProvider // ordered: routing resolves by first match
	Logger        *slog.Logger
	Bus           domain.EventBus // optional, nil = no events
	MaxToolCycles int
	WorkflowID    string
}

// Agent runs the tool-calling loop for one persona. History is owned
// exclusively by this agent and persists across PerformTask calls within a
// session, so later tasks can refer back to earlier tool results without
// re-sending them. The mutex serializes PerformTask calls; two concurrent
// tasks against the same history would interleave messages.
type Agent struct {
	deps AgentDeps

	mu      sync.Mutex
	history []domain.Message
	usage   domain.Usage
}

// NewAgent creates an agent with the given dependencies.
func NewAgent(deps AgentDeps) *Agent {
	if deps.MaxToolCycles <= 0 {
		deps.MaxToolCycles = 8
	}
	return &Agent{deps: deps}
}

// Name returns the agent's display name, which is also its routing key.
func (a *Agent) Name() string { return a.deps.Profile.Name }

// ResetHistory clears conversation state and usage between independent
// sessions.
func (a *Agent) ResetHistory() {
	a.mu.Lock()
	a.history = nil
	a.usage = domain.Usage{}
	a.mu.Unlock()
}

// Usage returns the tokens consumed since the last reset.
func (a *Agent) Usage() domain.Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usage
}

// History returns a copy of the conversation so far.
func (a *Agent) History() []domain.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.Message, len(a.history))
	copy(out, a.history)
	return out
}

// PerformTask appends userText to the conversation and runs the model until
// it produces a terminal text response. Tool-call rounds are bounded by
// MaxToolCycles; hitting the bound returns ErrMaxToolCycles. Provider
// failures arrive already retried by the completion client and are not
// retried again here.
func (a *Agent) PerformTask(ctx context.Context, userText string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ctx, span := tracer.StartSpan(ctx, "agent.perform_task",
		trace.WithAttributes(tracer.StringAttr("agent.name", a.deps.Profile.Name)),
	)
	defer span.End()

	a.seedHistory()
	a.append(domain.Message{
		Role:      domain.RoleUser,
		Content:   userText,
		Timestamp: time.Now(),
	})

	a.publishEvent(ctx, domain.EventAgentTaskStarted, domain.TaskPayload{Task: truncate(userText, 120)})

	schemas := a.collectSchemas()

	// Empty assistant responses are soft failures: the round is replayed
	// without consuming the tool-cycle budget, under its own identical bound
	// so a model that only emits empty text cannot loop forever.
	emptyRetries := 0

	for cycle := 0; cycle < a.deps.MaxToolCycles; {
		span.AddEvent("agent.cycle", trace.WithAttributes(tracer.IntAttr("cycle", cycle)))

		resp, err := a.deps.LLM.Complete(ctx, domain.ChatRequest{
			Messages: a.history,
			Tools:    schemas,
		})
		if err != nil {
			a.publishEvent(ctx, domain.EventAgentTaskFailed, domain.TaskPayload{Error: err.Error()})
			tracer.RecordError(span, err)
			return "", domain.WrapOp(fmt.Sprintf("agent %s", a.deps.Profile.Name), err)
		}

		a.usage.Add(resp.Usage)
		a.publishEvent(ctx, domain.EventLLMCallCompleted, domain.LLMCallPayload{
			Model: resp.Model,
			Usage: resp.Usage,
		})

		msg := resp.Message
		if len(msg.ToolCalls) == 0 {
			if msg.Content == "" {
				emptyRetries++
				if emptyRetries >= a.deps.MaxToolCycles {
					break
				}
				a.deps.Logger.Warn("empty model response, retrying round",
					"agent", a.deps.Profile.Name, "retry", emptyRetries)
				continue
			}
			a.append(msg)
			a.publishEvent(ctx, domain.EventAgentTaskCompleted, domain.TaskPayload{})
			tracer.SetOK(span)
			return msg.Content, nil
		}

		cycle++
		a.append(msg)
		a.deps.Logger.Debug("model requested tools",
			"agent", a.deps.Profile.Name, "cycle", cycle, "tool_calls", len(msg.ToolCalls))

		// Execute tool calls in parallel; indexed results preserve the
		// request order required by the history invariant.
		toolMsgs := make([]domain.Message, len(msg.ToolCalls))
		var wg sync.WaitGroup
		for i, call := range msg.ToolCalls {
			wg.Add(1)
			go func(idx int, c domain.ToolCall) {
				defer wg.Done()
				toolMsgs[idx] = a.executeTool(ctx, c)
			}(i, call)
		}
		wg.Wait()
		for _, toolMsg := range toolMsgs {
			a.append(toolMsg)
		}
	}

	a.publishEvent(ctx, domain.EventAgentTaskFailed, domain.TaskPayload{Error: domain.ErrMaxToolCycles.Error()})
	tracer.RecordError(span, domain.ErrMaxToolCycles)
	return "", domain.NewDomainError(
		fmt.Sprintf("agent %s", a.deps.Profile.Name), domain.ErrMaxToolCycles,
		fmt.Sprintf("no terminal response within %d cycles", a.deps.MaxToolCycles))
}

// executeTool parses one tool call's arguments, routes it to the owning
// provider and returns the tool-role message. Failures never escape: a
// malformed payload or a routing miss becomes diagnostic text the model can
// read and correct on the next round.
func (a *Agent) executeTool(ctx context.Context, call domain.ToolCall) domain.Message {
	ctx, span := tracer.StartSpan(ctx, "agent.execute_tool",
		trace.WithAttributes(tracer.StringAttr("tool.name", call.Name)),
	)
	defer span.End()

	toolMsg := func(content string) domain.Message {
		return domain.Message{
			Role:      domain.RoleTool,
			Name:      call.Name,
			Content:   content,
			ToolCalls: []domain.ToolCall{{ID: call.ID, Name: call.Name}},
			Timestamp: time.Now(),
		}
	}

	var args map[string]any
	if len(call.Arguments) > 0 && string(call.Arguments) != "null" {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			tracer.RecordError(span, err)
			return toolMsg(fmt.Sprintf(
				"ERROR: Your tool call arguments were not valid JSON. Parse error: %v. Your raw output was: %s",
				err, truncate(string(call.Arguments), maxRawArgsInDiagnostic)))
		}
	}

	var provider domain.ToolProvider
	for _, p := range a.deps.Providers {
		if p.Owns(call.Name) {
			provider = p
			break
		}
	}
	if provider == nil {
		return toolMsg(fmt.Sprintf("Error: Tool %s not found in this agent's context", call.Name))
	}

	a.publishEvent(ctx, domain.EventToolCallStarted, domain.ToolCallPayload{
		Tool:     call.Name,
		Provider: provider.Name(),
	})

	start := time.Now()
	result := provider.Invoke(ctx, call.Name, args)

	a.publishEvent(ctx, domain.EventToolCallCompleted, domain.ToolCallPayload{
		Tool:       call.Name,
		Provider:   provider.Name(),
		DurationMs: time.Since(start).Milliseconds(),
		IsError:    len(result) >= 6 && result[:6] == "Error:",
	})

	tracer.SetOK(span)
	return toolMsg(result)
}

// seedHistory injects the system prompt on first use. Caller holds a.mu.
func (a *Agent) seedHistory() {
	if len(a.history) > 0 {
		return
	}
	a.history = append(a.history, domain.Message{
		Role:      domain.RoleSystem,
		Content:   a.deps.Profile.SystemPrompt,
		Timestamp: time.Now(),
	})
}

// append adds a message to history. Caller holds a.mu.
func (a *Agent) append(msg domain.Message) {
	a.history = append(a.history, msg)
}

// collectSchemas gathers the union of tool schemas from every bound
// provider, first provider winning on duplicate names.
func (a *Agent) collectSchemas() []domain.ToolSchema {
	var schemas []domain.ToolSchema
	seen := map[string]bool{}
	for _, p := range a.deps.Providers {
		for _, s := range p.Schemas() {
			if seen[s.Name] {
				continue
			}
			seen[s.Name] = true
			schemas = append(schemas, s)
		}
	}
	return schemas
}

func (a *Agent) publishEvent(ctx context.Context, eventType domain.EventType, payload any) {
	if a.deps.Bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			raw = data
		}
	}
	a.deps.Bus.Publish(ctx, domain.Event{
		Type:       eventType,
		Timestamp:  time.Now(),
		WorkflowID: a.deps.WorkflowID,
		Agent:      a.deps.Profile.Name,
		Payload:    raw,
	})
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
