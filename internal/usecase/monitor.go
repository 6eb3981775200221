package usecase

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"equitylens/internal/domain"
)

// toolFeedSize bounds the recent tool-call activity feed.
const toolFeedSize = 50

// ToolActivity is one entry in the monitor's recent tool-call feed.
type ToolActivity struct {
	Agent      string    `json:"agent"`
	Tool       string    `json:"tool"`
	Provider   string    `json:"provider,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	IsError    bool      `json:"is_error"`
	Timestamp  time.Time `json:"timestamp"`
}

// Snapshot is the monitor's point-in-time state, served by the gateway.
type Snapshot struct {
	WorkflowID      string                  `json:"workflow_id,omitempty"`
	Query           string                  `json:"query,omitempty"`
	Mode            domain.Mode             `json:"mode,omitempty"`
	Phase           string                  `json:"phase"`
	Iteration       int                     `json:"iteration"`
	Running         bool                    `json:"running"`
	StartedAt       *time.Time              `json:"started_at,omitempty"`
	UsageByAgent    map[string]domain.Usage `json:"usage_by_agent"`
	TotalUsage      domain.Usage            `json:"total_usage"`
	RecentToolCalls []ToolActivity          `json:"recent_tool_calls"`
	CharsSaved      int                     `json:"chars_saved"`
	TokensSaved     int                     `json:"tokens_saved"`
	ParserFallbacks int                     `json:"parser_fallbacks"`
}

// Monitor aggregates session telemetry from the event bus. One monitor is
// constructed per session context and injected where needed; state is never
// shared between concurrent sessions.
type Monitor struct {
	mu          sync.RWMutex
	workflowID  string
	query       string
	mode        domain.Mode
	phase       string
	iteration   int
	running     bool
	startedAt   time.Time
	usage       map[string]domain.Usage
	toolFeed    []ToolActivity
	charsSaved  int
	tokensSaved int
	fallbacks   int
	unsubscribe func()
}

// NewMonitor creates a monitor and subscribes it to the bus.
func NewMonitor(bus domain.EventBus) *Monitor {
	m := &Monitor{
		phase: "idle",
		usage: make(map[string]domain.Usage),
	}
	m.unsubscribe = bus.SubscribeAll(m.handle)
	return m
}

// BeginSession resets per-session state for a new workflow. Normally driven
// by the session-started event; exposed for callers that manage the monitor
// directly.
func (m *Monitor) BeginSession(workflowID, query string, mode domain.Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beginLocked(workflowID, query, mode)
}

func (m *Monitor) beginLocked(workflowID, query string, mode domain.Mode) {
	m.workflowID = workflowID
	m.query = query
	m.mode = mode
	m.phase = "init"
	m.iteration = 0
	m.running = true
	m.startedAt = time.Now()
	m.usage = make(map[string]domain.Usage)
	m.toolFeed = nil
	m.charsSaved = 0
	m.tokensSaved = 0
	m.fallbacks = 0
}

// Close detaches the monitor from the bus.
func (m *Monitor) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
}

func (m *Monitor) handle(_ context.Context, event domain.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch event.Type {
	case domain.EventSessionStarted:
		var p domain.SessionPayload
		if json.Unmarshal(event.Payload, &p) == nil {
			m.beginLocked(event.WorkflowID, p.Query, p.Mode)
		}

	case domain.EventSessionCompleted, domain.EventSessionFailed:
		m.running = false
		m.phase = "done"
		if event.Type == domain.EventSessionFailed {
			m.phase = "failed"
		}

	case domain.EventPhaseChanged:
		var p domain.PhasePayload
		if json.Unmarshal(event.Payload, &p) == nil {
			m.phase = p.Phase
			if p.Iteration > 0 {
				m.iteration = p.Iteration
			}
		}

	case domain.EventLLMCallCompleted:
		var p domain.LLMCallPayload
		if json.Unmarshal(event.Payload, &p) == nil {
			bucket := m.usage[event.Agent]
			bucket.Add(p.Usage)
			m.usage[event.Agent] = bucket
		}

	case domain.EventToolCallCompleted:
		var p domain.ToolCallPayload
		if json.Unmarshal(event.Payload, &p) == nil {
			m.toolFeed = append(m.toolFeed, ToolActivity{
				Agent:      event.Agent,
				Tool:       p.Tool,
				Provider:   p.Provider,
				DurationMs: p.DurationMs,
				IsError:    p.IsError,
				Timestamp:  event.Timestamp,
			})
			if len(m.toolFeed) > toolFeedSize {
				m.toolFeed = m.toolFeed[len(m.toolFeed)-toolFeedSize:]
			}
		}

	case domain.EventOutputPruned:
		var p domain.PrunePayload
		if json.Unmarshal(event.Payload, &p) == nil {
			m.charsSaved += p.CharsSaved
			m.tokensSaved += p.TokensSaved
		}

	case domain.EventParserFallback:
		m.fallbacks++
	}
}

// Snapshot returns a copy of the current state.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		WorkflowID:      m.workflowID,
		Query:           m.query,
		Mode:            m.mode,
		Phase:           m.phase,
		Iteration:       m.iteration,
		Running:         m.running,
		UsageByAgent:    make(map[string]domain.Usage, len(m.usage)),
		RecentToolCalls: make([]ToolActivity, len(m.toolFeed)),
		CharsSaved:      m.charsSaved,
		TokensSaved:     m.tokensSaved,
		ParserFallbacks: m.fallbacks,
	}
	if !m.startedAt.IsZero() {
		started := m.startedAt
		snap.StartedAt = &started
	}
	for agent, usage := range m.usage {
		snap.UsageByAgent[agent] = usage
		snap.TotalUsage.Add(usage)
	}
	copy(snap.RecentToolCalls, m.toolFeed)
	return snap
}
