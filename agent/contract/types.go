package contract

import (
	"encoding/json"
	"strings"

	statex "github.com/tanpawarit/udahub-support-orchestrator/agent/state"
)

type AgentType = statex.AgentType

// The closed set of agent roles. Adding a role means adding it here, to
// AgentTypes, and to every switch over AgentType (tool capabilities, prompts,
// model config), all of which fail closed on unknown roles.
const (
	AgentTypeKnowledge     AgentType = "knowledge"
	AgentTypeAction        AgentType = "action"
	AgentTypeCalculation   AgentType = "calculation"
	AgentTypeSummarization AgentType = "summarization"
	AgentTypeEscalation    AgentType = "escalation"
)

var AgentTypes = []AgentType{
	AgentTypeKnowledge,
	AgentTypeAction,
	AgentTypeCalculation,
	AgentTypeSummarization,
	AgentTypeEscalation,
}

func ParseAgentType(raw string) (AgentType, bool) {
	candidate := AgentType(strings.ToLower(strings.TrimSpace(raw)))
	for _, t := range AgentTypes {
		if t == candidate {
			return t, true
		}
	}
	return "", false
}

type NextAction string

const (
	ActionRespond  NextAction = "respond"
	ActionCallTool NextAction = "call_tool"
	ActionHandoff  NextAction = "handoff"
	ActionEscalate NextAction = "escalate"
)

func (a NextAction) Valid() bool {
	switch a {
	case ActionRespond, ActionCallTool, ActionHandoff, ActionEscalate:
		return true
	default:
		return false
	}
}

// AgentDecision is the output of one Agent.Step.
type AgentDecision struct {
	Content    string       `json:"content,omitempty"`
	NextAction NextAction   `json:"next_action"`
	Tool       *ToolRequest `json:"tool,omitempty"`
	// HandoffTo is advisory; the router has the final say.
	HandoffTo AgentType `json:"handoff_to,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

type ToolRequest struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

// Fingerprint identifies a request by tool and canonical arguments.
// encoding/json sorts map keys, so equal argument maps encode identically.
func (r ToolRequest) Fingerprint() string {
	raw, err := json.Marshal(r.Args)
	if err != nil {
		raw = nil
	}
	return strings.TrimSpace(r.Tool) + "|" + string(raw)
}

// CallScope places a tool call inside a turn. The dispatcher derives the
// idempotency key from it, so a re-run of the same turn produces the same key.
// Customer is taken from the session, never from model-supplied arguments.
type CallScope struct {
	SessionID string                 `json:"session_id"`
	TurnIndex int                    `json:"turn_index"`
	Ordinal   int                    `json:"ordinal"`
	Customer  statex.CustomerContext `json:"customer"`
}

// StepRequest is everything an agent sees. State is a private copy.
type StepRequest struct {
	State     *statex.ConversationState `json:"state"`
	Input     string                    `json:"input"`
	ToolCalls []statex.ToolCall         `json:"tool_calls,omitempty"`
	Iteration int                       `json:"iteration"`
	// HandoffDeclined is set when the router sent the turn back to the agent
	// that asked to hand it off. The agent must respond or escalate.
	HandoffDeclined bool `json:"handoff_declined,omitempty"`
}

// LastToolCall returns the most recent tool call of the turn, if any.
func (r StepRequest) LastToolCall() (statex.ToolCall, bool) {
	if len(r.ToolCalls) == 0 {
		return statex.ToolCall{}, false
	}
	return r.ToolCalls[len(r.ToolCalls)-1], true
}

type Route struct {
	Agent      AgentType `json:"agent"`
	Confidence float64   `json:"confidence"`
	Reason     string    `json:"reason,omitempty"`
}

type RetrievalQuery struct {
	Text      string `json:"text"`
	AccountID string `json:"account_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type RetrievalHit struct {
	ID      string  `json:"id"`
	Score   float64 `json:"score"`
	Title   string  `json:"title,omitempty"`
	Snippet string  `json:"snippet"`
}

type SummaryTask struct {
	SessionID string `json:"session_id"`
	Version   int64  `json:"version"`
}
