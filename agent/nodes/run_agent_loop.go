package workflownode

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/udahub-support-orchestrator/agent/contract"
	statex "github.com/tanpawarit/udahub-support-orchestrator/agent/state"
	toolx "github.com/tanpawarit/udahub-support-orchestrator/agent/tool"
)

const (
	DefaultMaxIterations     = 6
	DefaultMaxToolCalls      = 5
	DefaultEscalationMessage = "I'm connecting you with a member of our support team. Someone will get back to you shortly."
	DefaultDegradedMessage   = "Sorry, I couldn't finish that request. I'm connecting you with a member of our support team."
)

type LoopConfig struct {
	MaxIterations     int
	MaxToolCalls      int
	TurnTimeout       time.Duration
	EscalationMessage string
	DegradedMessage   string
}

func (c LoopConfig) withDefaults() LoopConfig {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.MaxToolCalls <= 0 {
		c.MaxToolCalls = DefaultMaxToolCalls
	}
	if strings.TrimSpace(c.EscalationMessage) == "" {
		c.EscalationMessage = DefaultEscalationMessage
	}
	if strings.TrimSpace(c.DegradedMessage) == "" {
		c.DegradedMessage = DefaultDegradedMessage
	}
	return c
}

type LoopDeps struct {
	Router   contractx.Router
	Registry contractx.Registry
	Tools    contractx.ToolGateway
	Config   LoopConfig
}

// RunAgentLoop drives route -> step -> tool until the turn resolves to a
// reply or an escalation. Every Step counts as one iteration. Agent, router
// and tool problems never leave this node as errors; only cancellation of
// ctx by the caller does.
func RunAgentLoop(ctx context.Context, in *GraphState, deps LoopDeps) (*GraphState, error) {
	if in == nil || in.State == nil {
		return nil, fmt.Errorf("%w: graph state is incomplete", contractx.ErrValidation)
	}
	l := &agentLoop{in: in, deps: deps, cfg: deps.Config.withDefaults()}
	if err := l.run(ctx); err != nil {
		return nil, err
	}
	return in, nil
}

type agentLoop struct {
	in   *GraphState
	deps LoopDeps
	cfg  LoopConfig

	current     contractx.AgentType
	hint        contractx.AgentType
	requester   contractx.AgentType
	needRoute   bool
	declined    bool
	escalating  bool
	pendingText string
	seen        map[string]bool
}

func (l *agentLoop) run(ctx context.Context) error {
	loopCtx := ctx
	if l.cfg.TurnTimeout > 0 {
		var cancel context.CancelFunc
		loopCtx, cancel = context.WithTimeout(ctx, l.cfg.TurnTimeout)
		defer cancel()
	}

	l.hint = l.in.State.ActiveAgent
	l.needRoute = true
	l.seen = make(map[string]bool)

	for iter := 1; ; iter++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if loopCtx.Err() != nil {
			l.finishEscalation("", "turn timeout", true)
			return nil
		}
		if iter > l.cfg.MaxIterations {
			l.finishEscalation("", fmt.Sprintf("%v: iterations=%d", contractx.ErrLoopBudgetExceeded, l.cfg.MaxIterations), true)
			return nil
		}

		if l.needRoute {
			l.route()
		}

		agent, ok := l.deps.Registry.Agent(l.current)
		if !ok {
			if l.escalate(fmt.Sprintf("%v: agent=%s", contractx.ErrUnknownAgent, l.current), "") {
				return nil
			}
			continue
		}
		l.in.Agents = appendAgent(l.in.Agents, l.current)

		decision, err := safeStep(loopCtx, agent, contractx.StepRequest{
			State:           l.in.State.Clone(),
			Input:           l.in.Text,
			ToolCalls:       cloneCalls(l.in.ToolCalls),
			Iteration:       iter,
			HandoffDeclined: l.declined,
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if loopCtx.Err() != nil {
				l.finishEscalation("", "turn timeout", true)
				return nil
			}
			if l.escalate(fmt.Sprintf("agent=%s step failed: %v", l.current, err), "") {
				return nil
			}
			continue
		}
		l.in.Actions = append(l.in.Actions, decision.NextAction)

		if done := l.apply(loopCtx, decision); done {
			return nil
		}
	}
}

// safeStep turns a panic inside an agent into a step error.
func safeStep(ctx context.Context, agent contractx.Agent, req contractx.StepRequest) (d contractx.AgentDecision, err error) {
	defer func() {
		if r := recover(); r != nil {
			d, err = contractx.AgentDecision{}, fmt.Errorf("agent panic: %v", r)
		}
	}()
	return agent.Step(ctx, req)
}

func safeClassify(router contractx.Router, st *statex.ConversationState) (route contractx.Route, err error) {
	defer func() {
		if r := recover(); r != nil {
			route, err = contractx.Route{}, fmt.Errorf("%w: router panic: %v", contractx.ErrClassificationFailure, r)
		}
	}()
	return router.Classify(st)
}

// route asks the router for the agent of this turn. After a handoff the
// requested agent is offered as the routing hint on a copy of the state.
func (l *agentLoop) route() {
	l.needRoute = false
	view := l.in.State
	if l.hint != "" && l.hint != view.ActiveAgent {
		view = view.Clone()
		view.ActiveAgent = l.hint
	}
	route, err := safeClassify(l.deps.Router, view)
	if err != nil {
		route = contractx.Route{Agent: contractx.AgentTypeEscalation, Reason: err.Error()}
	}
	l.declined = l.requester != "" && route.Agent == l.requester
	l.requester = ""
	l.current = route.Agent
	if route.Agent == contractx.AgentTypeEscalation {
		l.escalating = true
	}
}

func (l *agentLoop) apply(ctx context.Context, d contractx.AgentDecision) bool {
	content := strings.TrimSpace(d.Content)

	switch d.NextAction {
	case contractx.ActionRespond:
		if content == "" {
			return l.escalate(fmt.Sprintf("%v: agent=%s responded with empty content", contractx.ErrSchemaViolation, l.current), "")
		}
		if l.escalating {
			// The escalation path only ends by escalating.
			return l.escalate("escalation agent responded", content)
		}
		l.in.Response = content
		l.in.FinalAgent = l.current
		return true

	case contractx.ActionEscalate:
		return l.escalate(d.Reason, content)

	case contractx.ActionHandoff:
		if l.declined {
			return l.escalate(fmt.Sprintf("agent=%s handed off again after decline", l.current), content)
		}
		l.requester = l.current
		l.hint = d.HandoffTo
		if l.hint == "" {
			l.hint = l.current
		}
		l.needRoute = true
		l.in.Reasons = append(l.in.Reasons, "handoff: "+d.Reason)
		return false

	case contractx.ActionCallTool:
		if d.Tool == nil || strings.TrimSpace(d.Tool.Tool) == "" {
			return l.escalate(fmt.Sprintf("%v: call_tool without tool", contractx.ErrSchemaViolation), "")
		}
		if len(l.in.ToolCalls) >= l.cfg.MaxToolCalls {
			l.finishEscalation("", fmt.Sprintf("%v: tool_calls=%d", contractx.ErrLoopBudgetExceeded, l.cfg.MaxToolCalls), true)
			return true
		}
		l.callTool(ctx, *d.Tool)
		return false

	default:
		return l.escalate(fmt.Sprintf("%v: next_action=%q", contractx.ErrSchemaViolation, d.NextAction), "")
	}
}

func (l *agentLoop) callTool(ctx context.Context, req contractx.ToolRequest) {
	scope := contractx.CallScope{
		SessionID: l.in.SessionID,
		TurnIndex: l.in.UserTurnIndex,
		Ordinal:   len(l.in.ToolCalls),
		Customer:  l.in.State.Customer,
	}

	fp := req.Fingerprint()
	if l.seen[fp] {
		l.in.ToolCalls = append(l.in.ToolCalls, statex.ToolCall{
			ID:    toolx.IdempotencyKey(scope, req),
			Tool:  req.Tool,
			Agent: l.current,
			Args:  req.Args,
			Code:  string(contractx.FailureDuplicateCall),
			Error: contractx.ErrDuplicateToolCall.Error(),
		})
		return
	}
	l.seen[fp] = true

	// Failures come back inside the record; the agent decides what next.
	call, err := l.deps.Tools.Invoke(ctx, l.current, scope, req)
	if err != nil && call.Code == "" {
		call.Code = string(contractx.FailureCodeOf(err))
		call.Error = err.Error()
	}
	if call.Tool == "" {
		call.Tool = req.Tool
		call.Agent = l.current
	}
	l.in.ToolCalls = append(l.in.ToolCalls, call)
}

// escalate hands the turn to the escalation agent once; if that agent is
// the one escalating, or is unavailable, the turn ends escalated. It
// returns true when the turn is finished.
func (l *agentLoop) escalate(reason, content string) bool {
	if content != "" && l.pendingText == "" {
		l.pendingText = content
	}
	if l.escalating || l.current == contractx.AgentTypeEscalation {
		l.finishEscalation(content, reason, false)
		return true
	}
	if _, ok := l.deps.Registry.Agent(contractx.AgentTypeEscalation); !ok {
		l.finishEscalation(content, reason, false)
		return true
	}
	l.in.Reasons = append(l.in.Reasons, reason)
	l.escalating = true
	l.current = contractx.AgentTypeEscalation
	l.needRoute = false
	return false
}

func (l *agentLoop) finishEscalation(content, reason string, degraded bool) {
	if reason != "" {
		l.in.Reasons = append(l.in.Reasons, reason)
	}
	switch {
	case degraded:
		l.in.Response = l.cfg.DegradedMessage
	case l.pendingText != "":
		l.in.Response = l.pendingText
	case content != "":
		l.in.Response = content
	default:
		l.in.Response = l.cfg.EscalationMessage
	}
	l.in.Escalated = true
	l.in.Degraded = degraded
	if l.current == "" {
		l.current = contractx.AgentTypeEscalation
	}
	l.in.FinalAgent = l.current

	event := log.Info()
	if degraded {
		event = log.Warn()
	}
	event.Str("session_id", l.in.SessionID).Str("agent", string(l.current)).Str("reason", reason).Msg("turn escalated")
}

func appendAgent(agents []contractx.AgentType, a contractx.AgentType) []contractx.AgentType {
	if n := len(agents); n > 0 && agents[n-1] == a {
		return agents
	}
	return append(agents, a)
}

func cloneCalls(calls []statex.ToolCall) []statex.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]statex.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = c.Clone()
	}
	return out
}
