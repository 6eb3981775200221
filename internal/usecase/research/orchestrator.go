package research

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"equitylens/internal/domain"
	"equitylens/internal/infra/tracer"
	"equitylens/internal/usecase"
)

const initialFramingTemplate = `You are coordinating an investment research effort on the following question:

%s

Initial specialist findings:

%s

Evaluate the findings. If significant gaps remain, request targeted follow-ups by writing a section per specialist in exactly this format:

## For Quantitative Agent:
<your request>

## For Qualitative Agent:
<your request>

If you already have enough information for a final thesis, simply output "Done".`

const iterationFeedbackTemplate = `Specialist Responses (Iteration %d):

%s

---
Evaluate these results. If significant gaps remain, request targeted follow-ups (Iterations left: %d).
If you have enough information for a final thesis, simply output "Done".`

const finalThesisTemplate = `Based on everything gathered in this conversation, produce the final investment thesis for: %s

Structure it as a complete markdown report with a clear recommendation, supporting evidence, key risks, and confidence level.`

// SessionStore persists finished sessions. Implemented by the audit store.
type SessionStore interface {
	SaveSession(ctx context.Context, result *domain.SessionResult) (string, error)
}

// Deps holds the orchestrator's collaborators.
type Deps struct {
	Specialists []*usecase.Agent // ordered; parallel fan-out targets
	Coordinator *usecase.Agent   // stateful across the whole session
	Momentum    *usecase.Agent   // optional, required for momentum/all modes
	Providers   []domain.ToolProvider
	Parser      *usecase.ActionParser
	Pruner      *usecase.Pruner
	Bus         domain.EventBus // optional
	Logger      *slog.Logger
	Audit       SessionStore          // optional
	Reports     *usecase.ReportWriter // optional

	MaxIterations int
	PhaseThrottle time.Duration
}

// Orchestrator drives one research session through its phases: a mandatory
// parallel specialist round, the coordinator-driven convergence loop, and
// final consolidation. It owns the tool provider lifetimes for the session.
type Orchestrator struct {
	deps    Deps
	running atomic.Bool

	// sleep is swapped in tests to skip real throttle delays.
	sleep func(ctx context.Context, d time.Duration)
}

// New creates an orchestrator.
func New(deps Deps) *Orchestrator {
	if deps.MaxIterations <= 0 {
		deps.MaxIterations = 3
	}
	return &Orchestrator{
		deps: deps,
		sleep: func(ctx context.Context, d time.Duration) {
			if d <= 0 {
				return
			}
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
			}
		},
	}
}

// Running reports whether a session is in flight.
func (o *Orchestrator) Running() bool { return o.running.Load() }

// Run executes a full research session. Only one session may run at a time;
// a concurrent call fails with ErrSessionActive.
func (o *Orchestrator) Run(ctx context.Context, query string, mode domain.Mode) (*domain.SessionResult, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, domain.NewDomainError("Orchestrator.Run", domain.ErrSessionActive, query)
	}
	defer o.running.Store(false)

	ctx, span := tracer.StartSpan(ctx, "research.session",
		trace.WithAttributes(tracer.StringAttr("research.mode", string(mode))))
	defer span.End()

	workflowID := newWorkflowID()
	result := &domain.SessionResult{
		WorkflowID: workflowID,
		Query:      query,
		Mode:       mode,
		StartedAt:  time.Now(),
		Failures:   map[string]string{},
	}

	o.publish(ctx, workflowID, domain.EventSessionStarted, "", domain.SessionPayload{
		Query: query,
		Mode:  mode,
	})

	o.connectAll(ctx)
	defer o.cleanup()

	o.deps.Coordinator.ResetHistory()
	for _, s := range o.deps.Specialists {
		s.ResetHistory()
	}
	if o.deps.Momentum != nil {
		o.deps.Momentum.ResetHistory()
	}

	o.deps.Logger.Info("research session started",
		"workflow_id", workflowID, "query", query, "mode", string(mode))

	// Mandatory first round: every specialist analyzes the query broadly.
	// Total failure here is fatal; a partial failure degrades to an explicit
	// error marker because one specialist's findings still beat none.
	o.setPhase(ctx, workflowID, "parallel_analysis", 0)
	initial := make(map[string]string, len(o.deps.Specialists))
	for _, s := range o.deps.Specialists {
		initial[s.Name()] = fmt.Sprintf("Conduct your initial %s analysis of: %s",
			strings.ToLower(s.Name()), query)
	}
	firstRound := o.dispatch(ctx, initial)
	if len(firstRound.errs) == len(o.deps.Specialists) {
		sessionErr := &domain.SessionError{Phase: "parallel_analysis", Failures: firstRound.errs}
		o.failSession(ctx, workflowID, span, sessionErr)
		return nil, sessionErr
	}
	for name, err := range firstRound.errs {
		result.Failures[name] = err.Error()
	}
	result.Cycles = append(result.Cycles, domain.ResearchCycle{
		Iteration: 0,
		Requests:  initial,
		Responses: firstRound.responses,
		StartedAt: firstRound.startedAt,
	})

	// Coordinator framing with the first-round findings.
	o.setPhase(ctx, workflowID, "framing", 0)
	framing := fmt.Sprintf(initialFramingTemplate, query, formatResponses(firstRound.responses))
	coordinatorRaw, err := o.deps.Coordinator.PerformTask(ctx, framing)
	if err != nil {
		sessionErr := &domain.SessionError{Phase: "framing",
			Failures: map[string]error{o.deps.Coordinator.Name(): err}}
		o.failSession(ctx, workflowID, span, sessionErr)
		return nil, sessionErr
	}
	action := o.parse(ctx, workflowID, coordinatorRaw)

	// Convergence loop. Exhausting the budget with RequestMore still pending
	// is implicit completion, not an error.
	for iteration := 1; action.Kind == domain.ActionRequestMore && iteration <= o.deps.MaxIterations; iteration++ {
		o.setPhase(ctx, workflowID, "convergence", iteration)
		o.sleep(ctx, o.deps.PhaseThrottle)
		if ctx.Err() != nil {
			sessionErr := &domain.SessionError{Phase: "convergence",
				Failures: map[string]error{"session": ctx.Err()}}
			o.failSession(ctx, workflowID, span, sessionErr)
			return nil, sessionErr
		}

		round := o.dispatch(ctx, action.Requests)
		for name, err := range round.errs {
			result.Failures[name] = err.Error()
		}
		result.Cycles = append(result.Cycles, domain.ResearchCycle{
			Iteration: iteration,
			Requests:  action.Requests,
			Responses: round.responses,
			StartedAt: round.startedAt,
		})

		feedback := fmt.Sprintf(iterationFeedbackTemplate,
			iteration, formatResponses(round.responses), o.deps.MaxIterations-iteration)
		coordinatorRaw, err = o.deps.Coordinator.PerformTask(ctx, feedback)
		if err != nil {
			sessionErr := &domain.SessionError{Phase: "convergence",
				Failures: map[string]error{o.deps.Coordinator.Name(): err}}
			o.failSession(ctx, workflowID, span, sessionErr)
			return nil, sessionErr
		}
		action = o.parse(ctx, workflowID, coordinatorRaw)
	}

	// Final consolidation reuses the agents' persistent histories; prior
	// findings are never re-sent.
	if mode == domain.ModeFundamental || mode == domain.ModeAll {
		o.setPhase(ctx, workflowID, "fundamental_finalization", 0)
		o.sleep(ctx, o.deps.PhaseThrottle)
		report, err := o.deps.Coordinator.PerformTask(ctx, fmt.Sprintf(finalThesisTemplate, query))
		if err != nil {
			sessionErr := &domain.SessionError{Phase: "fundamental_finalization",
				Failures: map[string]error{o.deps.Coordinator.Name(): err}}
			o.failSession(ctx, workflowID, span, sessionErr)
			return nil, sessionErr
		}
		result.FinalReport = report
	}
	if mode == domain.ModeMomentum || mode == domain.ModeAll {
		if o.deps.Momentum == nil {
			sessionErr := &domain.SessionError{Phase: "momentum_finalization",
				Failures: map[string]error{"Momentum": fmt.Errorf("no momentum agent configured")}}
			o.failSession(ctx, workflowID, span, sessionErr)
			return nil, sessionErr
		}
		o.setPhase(ctx, workflowID, "momentum_finalization", 0)
		o.sleep(ctx, o.deps.PhaseThrottle)
		analysis, err := o.deps.Momentum.PerformTask(ctx,
			fmt.Sprintf("Finalize momentum thesis for: %s", query))
		if err != nil {
			sessionErr := &domain.SessionError{Phase: "momentum_finalization",
				Failures: map[string]error{o.deps.Momentum.Name(): err}}
			o.failSession(ctx, workflowID, span, sessionErr)
			return nil, sessionErr
		}
		result.MomentumAnalysis = analysis
	}

	result.FinishedAt = time.Now()
	result.Usage = o.totalUsage()
	if len(result.Failures) == 0 {
		result.Failures = nil
	}

	if o.deps.Audit != nil {
		if _, err := o.deps.Audit.SaveSession(ctx, result); err != nil {
			o.deps.Logger.Error("audit persistence failed", "error", err)
		}
	}
	if o.deps.Reports != nil {
		path, err := o.deps.Reports.Export(result)
		if err != nil {
			o.deps.Logger.Error("report export failed", "error", err)
		} else {
			o.deps.Logger.Info("research artifact exported", "path", path)
		}
	}

	o.publish(ctx, workflowID, domain.EventSessionCompleted, "", nil)
	tracer.SetOK(span)
	o.deps.Logger.Info("research session completed",
		"workflow_id", workflowID,
		"iterations", len(result.Cycles),
		"total_tokens", result.Usage.TotalTokens)
	return result, nil
}

type roundOutcome struct {
	responses map[string]string
	errs      map[string]error
	startedAt time.Time
}

// dispatch fans requested tasks out to the specialists and waits for all of
// them. A specialist without a request gets a no-op placeholder so the
// coordinator always sees one section per specialist. Failed specialists'
// texts are replaced by explicit error markers.
func (o *Orchestrator) dispatch(ctx context.Context, requests map[string]string) roundOutcome {
	outcome := roundOutcome{
		responses: make(map[string]string, len(o.deps.Specialists)),
		errs:      make(map[string]error),
		startedAt: time.Now(),
	}

	type reply struct {
		name string
		text string
		err  error
	}
	replies := make([]reply, len(o.deps.Specialists))

	var wg sync.WaitGroup
	for i, s := range o.deps.Specialists {
		req, ok := requests[s.Name()]
		if !ok || strings.TrimSpace(req) == "" {
			replies[i] = reply{name: s.Name(), text: fmt.Sprintf("No request for %s Agent.", s.Name())}
			continue
		}
		wg.Add(1)
		go func(idx int, agent *usecase.Agent, task string) {
			defer wg.Done()
			text, err := agent.PerformTask(ctx, task)
			replies[idx] = reply{name: agent.Name(), text: text, err: err}
		}(i, s, req)
	}
	wg.Wait()

	for _, r := range replies {
		if r.err != nil {
			o.deps.Logger.Error("specialist failed", "agent", r.name, "error", r.err)
			outcome.errs[r.name] = r.err
			outcome.responses[r.name] = fmt.Sprintf("ERROR: %s Agent failed to respond. %v", r.name, r.err)
			continue
		}
		outcome.responses[r.name] = o.prune(ctx, r.name, r.text)
	}
	return outcome
}

// prune cleans a specialist's output before coordinator feedback and
// reports the savings on the bus.
func (o *Orchestrator) prune(ctx context.Context, agent, text string) string {
	if o.deps.Pruner == nil {
		return text
	}
	res := o.deps.Pruner.Prune(text)
	if res.CharsSaved > 0 {
		o.publish(ctx, "", domain.EventOutputPruned, agent, domain.PrunePayload{
			CharsSaved:  res.CharsSaved,
			TokensSaved: res.TokensSaved,
		})
	}
	return res.Output
}

func (o *Orchestrator) parse(ctx context.Context, workflowID, raw string) domain.SynthesisAction {
	action := o.deps.Parser.Parse(raw)
	if action.Fallback {
		o.deps.Logger.Warn("ambiguous coordinator output, broadcasting broad requests",
			"workflow_id", workflowID, "length", len(raw))
		o.publish(ctx, workflowID, domain.EventParserFallback, o.deps.Coordinator.Name(), nil)
	}
	return action
}

// connectAll pre-connects every tool provider in the session's own context
// so cleanup later runs where the connections were made. A provider that
// fails to connect is logged and skipped; its agents proceed without those
// tools.
func (o *Orchestrator) connectAll(ctx context.Context) {
	for _, p := range o.deps.Providers {
		if err := p.Connect(ctx); err != nil {
			o.deps.Logger.Error("tool provider connection failed",
				"provider", p.Name(), "error", err)
			continue
		}
		o.deps.Logger.Info("tool provider connected",
			"provider", p.Name(), "tools", len(p.Schemas()))
	}
}

func (o *Orchestrator) cleanup() {
	for _, p := range o.deps.Providers {
		p.Cleanup()
	}
}

func (o *Orchestrator) totalUsage() domain.Usage {
	var total domain.Usage
	total.Add(o.deps.Coordinator.Usage())
	for _, s := range o.deps.Specialists {
		total.Add(s.Usage())
	}
	if o.deps.Momentum != nil {
		total.Add(o.deps.Momentum.Usage())
	}
	return total
}

func (o *Orchestrator) setPhase(ctx context.Context, workflowID, phase string, iteration int) {
	o.deps.Logger.Info("phase transition", "workflow_id", workflowID,
		"phase", phase, "iteration", iteration)
	o.publish(ctx, workflowID, domain.EventPhaseChanged, "", domain.PhasePayload{
		Phase:     phase,
		Iteration: iteration,
	})
}

func (o *Orchestrator) failSession(ctx context.Context, workflowID string, span trace.Span, err error) {
	o.deps.Logger.Error("research session failed", "workflow_id", workflowID, "error", err)
	tracer.RecordError(span, err)
	o.publish(ctx, workflowID, domain.EventSessionFailed, "", domain.TaskPayload{Error: err.Error()})
}

func (o *Orchestrator) publish(ctx context.Context, workflowID string, eventType domain.EventType, agent string, payload any) {
	if o.deps.Bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			raw = data
		}
	}
	o.deps.Bus.Publish(ctx, domain.Event{
		Type:       eventType,
		Timestamp:  time.Now(),
		WorkflowID: workflowID,
		Agent:      agent,
		Payload:    raw,
	})
}

// formatResponses renders per-specialist output as labeled sections for
// coordinator feedback.
func formatResponses(responses map[string]string) string {
	var b strings.Builder
	for _, name := range sortedNames(responses) {
		fmt.Fprintf(&b, "## %s Analysis:\n%s\n\n", name, responses[name])
	}
	return strings.TrimSpace(b.String())
}

func sortedNames(m map[string]string) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newWorkflowID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
