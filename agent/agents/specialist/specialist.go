package specialist

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	contractx "github.com/tanpawarit/udahub-support-orchestrator/agent/contract"
	statex "github.com/tanpawarit/udahub-support-orchestrator/agent/state"
	toolx "github.com/tanpawarit/udahub-support-orchestrator/agent/tool"
)

// Control tools are bound next to the dispatcher's tools so the model can
// signal handoff and escalation as structured calls instead of free text.
const (
	controlHandoff  = "handoff"
	controlEscalate = "escalate_to_human"
)

const (
	defaultMaxToolRounds = 3
	recentTurnWindow     = 8
)

// ToolCatalog lists the tools an agent may see. The dispatcher implements it.
type ToolCatalog interface {
	Tools(agent contractx.AgentType) []*schema.ToolInfo
}

type modelAgent struct {
	agentType      contractx.AgentType
	actRunner      compose.Runnable[map[string]any, *schema.Message]
	finalizeRunner compose.Runnable[map[string]any, finalizeOutput]
	stepRunner     compose.Runnable[contractx.StepRequest, contractx.AgentDecision]
	maxToolRounds  int
}

type finalizeOutput struct {
	Message    string `json:"message"`
	NextAction string `json:"next_action"`
	Reason     string `json:"reason,omitempty"`
}

// NewModelAgent builds a model-backed agent for one of the specialist roles.
func NewModelAgent(
	ctx context.Context,
	agentType contractx.AgentType,
	chatModel einomodel.ToolCallingChatModel,
	systemPrompt string,
	catalog ToolCatalog,
) (contractx.Agent, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("%w: chat model is required for agent=%s", contractx.ErrValidation, agentType)
	}
	if strings.TrimSpace(systemPrompt) == "" {
		return nil, fmt.Errorf("%w: agent=%s", contractx.ErrPromptMissing, agentType)
	}

	finalizeRunner, err := compileStructuredLLMGraph[finalizeOutput](ctx, chatModel, systemPrompt, string(agentType)+"_finalize")
	if err != nil {
		return nil, fmt.Errorf("%w: compile finalize graph: %v", contractx.ErrModelInvoke, err)
	}

	var tools []*schema.ToolInfo
	if catalog != nil {
		tools = append(tools, catalog.Tools(agentType)...)
	}
	tools = append(tools, controlTools(agentType)...)

	toolModel, err := chatModel.WithTools(tools)
	if err != nil {
		return nil, fmt.Errorf("%w: bind tools for agent=%s: %v", contractx.ErrModelInvoke, agentType, err)
	}
	actRunner, err := compileActGraph(ctx, toolModel, systemPrompt, string(agentType)+"_act")
	if err != nil {
		return nil, fmt.Errorf("%w: compile act graph: %v", contractx.ErrModelInvoke, err)
	}

	a := &modelAgent{
		agentType:      agentType,
		actRunner:      actRunner,
		finalizeRunner: finalizeRunner,
		maxToolRounds:  defaultMaxToolRounds,
	}

	stepRunner, err := compileStepGraph(ctx, string(agentType)+"_step", a.mustFinalize, a.runAct, a.runFinalize)
	if err != nil {
		return nil, fmt.Errorf("%w: compile step graph: %v", contractx.ErrModelInvoke, err)
	}
	a.stepRunner = stepRunner

	return a, nil
}

func (a *modelAgent) Type() contractx.AgentType {
	return a.agentType
}

func (a *modelAgent) Step(ctx context.Context, req contractx.StepRequest) (contractx.AgentDecision, error) {
	return a.stepRunner.Invoke(ctx, req)
}

// mustFinalize forces a tool-free answer once another tool round cannot help.
func (a *modelAgent) mustFinalize(req contractx.StepRequest) bool {
	if req.HandoffDeclined {
		return true
	}
	if len(req.ToolCalls) >= a.maxToolRounds {
		return true
	}
	last, ok := req.LastToolCall()
	if !ok {
		return false
	}
	switch last.Code {
	case string(contractx.FailureCapabilityDenied), string(contractx.FailureDuplicateCall):
		return true
	default:
		return false
	}
}

func (a *modelAgent) runAct(ctx context.Context, req contractx.StepRequest) (contractx.AgentDecision, error) {
	input, err := marshalPayload("act", req)
	if err != nil {
		return contractx.AgentDecision{}, err
	}
	msg, err := a.actRunner.Invoke(ctx, map[string]any{"input": input})
	if err != nil {
		return contractx.AgentDecision{}, fmt.Errorf("%w: act invoke agent=%s: %v", contractx.ErrModelInvoke, a.agentType, err)
	}
	if msg == nil {
		return contractx.AgentDecision{}, fmt.Errorf("%w: empty act response", contractx.ErrSchemaViolation)
	}

	content := strings.TrimSpace(msg.Content)
	if len(msg.ToolCalls) == 0 {
		if content == "" {
			return contractx.AgentDecision{}, fmt.Errorf("%w: act response has neither content nor tool call", contractx.ErrSchemaViolation)
		}
		return contractx.AgentDecision{Content: content, NextAction: contractx.ActionRespond}, nil
	}

	// One tool per step keeps the dispatcher's ordinal sequence linear.
	call := msg.ToolCalls[0]
	name := strings.TrimSpace(call.Function.Name)
	args, err := decodeToolArgs(name, call.Function.Arguments)
	if err != nil {
		return contractx.AgentDecision{}, err
	}

	switch name {
	case controlHandoff:
		target, ok := contractx.ParseAgentType(stringField(args, "agent"))
		if !ok {
			return contractx.AgentDecision{}, fmt.Errorf("%w: handoff target %q is not an agent", contractx.ErrSchemaViolation, stringField(args, "agent"))
		}
		return contractx.AgentDecision{
			Content:    content,
			NextAction: contractx.ActionHandoff,
			HandoffTo:  target,
			Reason:     stringField(args, "reason"),
		}, nil
	case controlEscalate:
		return contractx.AgentDecision{
			Content:    content,
			NextAction: contractx.ActionEscalate,
			Reason:     stringField(args, "reason"),
		}, nil
	default:
		return contractx.AgentDecision{
			Content:    content,
			NextAction: contractx.ActionCallTool,
			Tool:       &contractx.ToolRequest{Tool: name, Args: args},
		}, nil
	}
}

func (a *modelAgent) runFinalize(ctx context.Context, req contractx.StepRequest) (contractx.AgentDecision, error) {
	input, err := marshalPayload("finalize", req)
	if err != nil {
		return contractx.AgentDecision{}, err
	}
	out, err := a.finalizeRunner.Invoke(ctx, map[string]any{"input": input})
	if err != nil {
		return contractx.AgentDecision{}, fmt.Errorf("%w: finalize invoke agent=%s: %v", contractx.ErrModelInvoke, a.agentType, err)
	}

	message := strings.TrimSpace(out.Message)
	next := contractx.NextAction(strings.ToLower(strings.TrimSpace(out.NextAction)))
	if next == "" {
		next = contractx.ActionRespond
	}
	switch next {
	case contractx.ActionRespond:
		if message == "" {
			return contractx.AgentDecision{}, fmt.Errorf("%w: finalize message is empty", contractx.ErrSchemaViolation)
		}
	case contractx.ActionEscalate:
	default:
		return contractx.AgentDecision{}, fmt.Errorf("%w: finalize next_action=%s is not allowed", contractx.ErrSchemaViolation, next)
	}

	return contractx.AgentDecision{
		Content:    message,
		NextAction: next,
		Reason:     strings.TrimSpace(out.Reason),
	}, nil
}

func controlTools(self contractx.AgentType) []*schema.ToolInfo {
	targets := make([]string, 0, len(contractx.AgentTypes))
	for _, t := range contractx.AgentTypes {
		if t != self {
			targets = append(targets, string(t))
		}
	}
	return []*schema.ToolInfo{
		{
			Name: controlHandoff,
			Desc: "Hand the conversation to a better suited agent. The router makes the final choice.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"agent":  {Type: schema.String, Desc: "Suggested agent", Enum: targets, Required: true},
				"reason": {Type: schema.String, Desc: "Why the other agent fits better"},
			}),
		},
		{
			Name: controlEscalate,
			Desc: "Hand the conversation to a human support agent.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"reason": {Type: schema.String, Desc: "Why a human is needed", Required: true},
			}),
		},
	}
}

func decodeToolArgs(tool, raw string) (map[string]any, error) {
	if tool == "" {
		return nil, fmt.Errorf("%w: tool call name is empty", contractx.ErrSchemaViolation)
	}
	args := map[string]any{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("%w: invalid tool args for tool=%s: %v", contractx.ErrSchemaViolation, tool, err)
	}
	return args, nil
}

func stringField(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}

type payloadTurn struct {
	Role    statex.Role      `json:"role"`
	Agent   statex.AgentType `json:"agent,omitempty"`
	Content string           `json:"content"`
}

type payloadToolResult struct {
	Tool   string          `json:"tool"`
	Args   map[string]any  `json:"args,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Code   string          `json:"code,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func marshalPayload(mode string, req contractx.StepRequest) (string, error) {
	st := req.State
	from := len(st.Turns) - recentTurnWindow
	if from < 0 {
		from = 0
	}
	recent := make([]payloadTurn, 0, len(st.Turns)-from)
	for _, t := range st.Turns[from:] {
		recent = append(recent, payloadTurn{Role: t.Role, Agent: t.Agent, Content: t.Content})
	}

	results := make([]payloadToolResult, 0, len(req.ToolCalls))
	for _, c := range req.ToolCalls {
		results = append(results, payloadToolResult{
			Tool:   c.Tool,
			Args:   c.Args,
			Result: c.Result,
			Code:   c.Code,
			Error:  c.Error,
		})
	}

	payload := map[string]any{
		"mode":                 mode,
		"user_message":         req.Input,
		"conversation_summary": st.ConversationSummary,
		"recent_turns":         recent,
		"customer":             st.Customer,
		"tool_results":         results,
		"handoff_declined":     req.HandoffDeclined,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: marshal agent payload: %v", contractx.ErrValidation, err)
	}
	return string(raw), nil
}

var _ ToolCatalog = (*toolx.Dispatcher)(nil)
