package research

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"equitylens/internal/domain"
	"equitylens/internal/usecase"
)

// scriptedLLM returns queued responses in order, repeating the last one.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []scriptedResponse
	calls     int
	requests  []domain.ChatRequest
}

type scriptedResponse struct {
	text string
	err  error
}

func (s *scriptedLLM) Complete(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.requests = append(s.requests, req)
	idx := s.calls - 1
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	r := s.responses[idx]
	if r.err != nil {
		return nil, r.err
	}
	return &domain.ChatResponse{
		Message: domain.Message{Role: domain.RoleAssistant, Content: r.text, Timestamp: time.Now()},
		Usage:   domain.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
	}, nil
}

func (s *scriptedLLM) Name() string { return "scripted" }

func newScriptedAgent(name string, llm *scriptedLLM) *usecase.Agent {
	return usecase.NewAgent(usecase.AgentDeps{
		Profile:       &domain.AgentProfile{Name: name, SystemPrompt: "You are " + name + "."},
		LLM:           llm,
		Logger:        slog.Default(),
		MaxToolCycles: 3,
	})
}

type harness struct {
	quantLLM, qualLLM, coordLLM, momentumLLM *scriptedLLM
	orch                                     *Orchestrator
}

func newHarness(t *testing.T, coordResponses []scriptedResponse, opts ...func(*harness)) *harness {
	t.Helper()
	h := &harness{
		quantLLM:    &scriptedLLM{responses: []scriptedResponse{{text: "quant findings"}}},
		qualLLM:     &scriptedLLM{responses: []scriptedResponse{{text: "qual findings"}}},
		coordLLM:    &scriptedLLM{responses: coordResponses},
		momentumLLM: &scriptedLLM{responses: []scriptedResponse{{text: "momentum thesis"}}},
	}
	for _, opt := range opts {
		opt(h)
	}

	quant := newScriptedAgent("Quantitative", h.quantLLM)
	qual := newScriptedAgent("Qualitative", h.qualLLM)
	coord := newScriptedAgent("Synthesis", h.coordLLM)
	momentum := newScriptedAgent("Momentum", h.momentumLLM)

	h.orch = New(Deps{
		Specialists:   []*usecase.Agent{quant, qual},
		Coordinator:   coord,
		Momentum:      momentum,
		Parser:        usecase.NewActionParser([]string{"Quantitative", "Qualitative"}),
		Pruner:        usecase.NewPruner(nil),
		Logger:        slog.Default(),
		MaxIterations: 2,
	})
	h.orch.sleep = func(context.Context, time.Duration) {}
	return h
}

func TestRunImmediateCompletionSkipsLoop(t *testing.T) {
	h := newHarness(t, []scriptedResponse{
		{text: "Done"},
		{text: "final thesis: buy"},
	})

	result, err := h.orch.Run(context.Background(), "Analyze NVDA", domain.ModeFundamental)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.FinalReport != "final thesis: buy" {
		t.Errorf("final report = %q", result.FinalReport)
	}
	// One cycle only: the mandatory first round. No convergence iterations.
	if len(result.Cycles) != 1 {
		t.Errorf("cycles = %d, want 1", len(result.Cycles))
	}
	// Coordinator: framing + finalization, nothing in between.
	if h.coordLLM.calls != 2 {
		t.Errorf("coordinator calls = %d, want 2", h.coordLLM.calls)
	}
	if h.momentumLLM.calls != 0 {
		t.Errorf("momentum agent ran in fundamental mode")
	}
}

func TestRunTargetedDispatchWithPlaceholder(t *testing.T) {
	h := newHarness(t, []scriptedResponse{
		{text: "## For Quantitative Agent:\nget the current price"},
		{text: "Done"},
		{text: "final thesis"},
	})

	result, err := h.orch.Run(context.Background(), "Analyze NVDA", domain.ModeFundamental)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Cycles) != 2 {
		t.Fatalf("cycles = %d, want first round + one iteration", len(result.Cycles))
	}

	iteration := result.Cycles[1]
	if !strings.Contains(iteration.Responses["Quantitative"], "quant findings") {
		t.Errorf("quantitative response = %q", iteration.Responses["Quantitative"])
	}
	if iteration.Responses["Qualitative"] != "No request for Qualitative Agent." {
		t.Errorf("qualitative placeholder = %q", iteration.Responses["Qualitative"])
	}
	// Qualitative ran only in the mandatory first round.
	if h.qualLLM.calls != 1 {
		t.Errorf("qualitative llm calls = %d, want 1", h.qualLLM.calls)
	}
	if h.quantLLM.calls != 2 {
		t.Errorf("quantitative llm calls = %d, want 2", h.quantLLM.calls)
	}
}

func TestRunPartialFirstRoundFailureProceeds(t *testing.T) {
	h := newHarness(t, []scriptedResponse{
		{text: "Done"},
		{text: "final thesis"},
	}, func(h *harness) {
		h.qualLLM.responses = []scriptedResponse{{err: domain.ErrProviderFatal}}
	})

	result, err := h.orch.Run(context.Background(), "Analyze NVDA", domain.ModeFundamental)
	if err != nil {
		t.Fatalf("Run: %v, want degraded success", err)
	}
	if _, ok := result.Failures["Qualitative"]; !ok {
		t.Errorf("failures = %v, want Qualitative recorded", result.Failures)
	}
	marker := result.Cycles[0].Responses["Qualitative"]
	if !strings.HasPrefix(marker, "ERROR: Qualitative Agent failed to respond.") {
		t.Errorf("marker = %q", marker)
	}

	// The coordinator's framing must carry the error marker, not silence.
	framing := h.coordLLM.requests[0].Messages
	last := framing[len(framing)-1]
	if !strings.Contains(last.Content, "ERROR: Qualitative Agent failed to respond.") {
		t.Error("framing prompt does not surface the failed specialist")
	}
}

func TestRunTotalFirstRoundFailureAborts(t *testing.T) {
	h := newHarness(t, []scriptedResponse{{text: "Done"}}, func(h *harness) {
		h.quantLLM.responses = []scriptedResponse{{err: domain.ErrProviderFatal}}
		h.qualLLM.responses = []scriptedResponse{{err: domain.ErrProviderFatal}}
	})

	_, err := h.orch.Run(context.Background(), "Analyze NVDA", domain.ModeFundamental)
	var sessionErr *domain.SessionError
	if !errors.As(err, &sessionErr) {
		t.Fatalf("err = %v, want SessionError", err)
	}
	if sessionErr.Phase != "parallel_analysis" || len(sessionErr.Failures) != 2 {
		t.Errorf("session error = %+v", sessionErr)
	}
	if h.coordLLM.calls != 0 {
		t.Error("coordinator must not run when every specialist failed")
	}
}

func TestRunIterationBudgetIsImplicitCompletion(t *testing.T) {
	h := newHarness(t, []scriptedResponse{
		{text: "## For Quantitative Agent:\nkeep digging\n\n## For Qualitative Agent:\nkeep digging"},
		{text: "## For Quantitative Agent:\nkeep digging\n\n## For Qualitative Agent:\nkeep digging"},
		{text: "## For Quantitative Agent:\nkeep digging\n\n## For Qualitative Agent:\nkeep digging"},
		{text: "final thesis despite exhaustion"},
	})

	result, err := h.orch.Run(context.Background(), "Analyze NVDA", domain.ModeFundamental)
	if err != nil {
		t.Fatalf("Run: %v, budget exhaustion must not be an error", err)
	}
	// Mandatory round + MaxIterations convergence rounds.
	if len(result.Cycles) != 3 {
		t.Errorf("cycles = %d, want 3", len(result.Cycles))
	}
	if result.FinalReport != "final thesis despite exhaustion" {
		t.Errorf("final report = %q", result.FinalReport)
	}
}

func TestRunAmbiguousOutputBroadcasts(t *testing.T) {
	h := newHarness(t, []scriptedResponse{
		{text: "rambling prose without any recognizable structure"},
		{text: "Done"},
		{text: "final thesis"},
	})

	result, err := h.orch.Run(context.Background(), "Analyze NVDA", domain.ModeFundamental)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Cycles) != 2 {
		t.Fatalf("cycles = %d, want 2", len(result.Cycles))
	}
	requests := result.Cycles[1].Requests
	if len(requests) != 2 {
		t.Errorf("broadcast requests = %v, want one per specialist", requests)
	}
}

func TestRunAllModeProducesBothAnalyses(t *testing.T) {
	h := newHarness(t, []scriptedResponse{
		{text: "Done"},
		{text: "fundamental thesis"},
	})

	result, err := h.orch.Run(context.Background(), "Analyze NVDA", domain.ModeAll)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.FinalReport != "fundamental thesis" {
		t.Errorf("final report = %q", result.FinalReport)
	}
	if result.MomentumAnalysis != "momentum thesis" {
		t.Errorf("momentum analysis = %q", result.MomentumAnalysis)
	}
	if result.Usage.TotalTokens == 0 {
		t.Error("usage not aggregated")
	}
}

func TestRunRejectsConcurrentSession(t *testing.T) {
	h := newHarness(t, []scriptedResponse{{text: "Done"}, {text: "thesis"}})
	h.orch.running.Store(true)

	_, err := h.orch.Run(context.Background(), "Analyze NVDA", domain.ModeFundamental)
	if !errors.Is(err, domain.ErrSessionActive) {
		t.Fatalf("err = %v, want ErrSessionActive", err)
	}
}

func TestRunResetsAgentHistories(t *testing.T) {
	h := newHarness(t, []scriptedResponse{{text: "Done"}, {text: "thesis"}})

	ctx := context.Background()
	if _, err := h.orch.Run(ctx, "first query", domain.ModeFundamental); err != nil {
		t.Fatal(err)
	}
	firstCalls := h.coordLLM.calls

	if _, err := h.orch.Run(ctx, "second query", domain.ModeFundamental); err != nil {
		t.Fatal(err)
	}

	// The second session's framing request must not contain first-session
	// history beyond the system prompt.
	framing := h.coordLLM.requests[firstCalls].Messages
	for _, m := range framing {
		if strings.Contains(m.Content, "first query") {
			t.Fatal("coordinator history leaked across sessions")
		}
	}
}
