package specialist

import (
	"context"
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/udahub-support-orchestrator/agent/contract"
	toolx "github.com/tanpawarit/udahub-support-orchestrator/agent/tool"
)

const defaultEscalationMessage = "I'm connecting you with a member of our support team. Someone will get back to you shortly."

// escalationAgent is deterministic. With a ticket on the session it marks
// the ticket escalated and leaves a note for the human before escalating;
// without one it escalates straight away. Failed ticket calls are not retried.
type escalationAgent struct {
	message string
}

func NewEscalationAgent(message string) contractx.Agent {
	message = strings.TrimSpace(message)
	if message == "" {
		message = defaultEscalationMessage
	}
	return &escalationAgent{message: message}
}

func (a *escalationAgent) Type() contractx.AgentType {
	return contractx.AgentTypeEscalation
}

func (a *escalationAgent) Step(ctx context.Context, req contractx.StepRequest) (contractx.AgentDecision, error) {
	if req.State == nil {
		return contractx.AgentDecision{}, fmt.Errorf("%w: step state is required", contractx.ErrValidation)
	}

	escalate := contractx.AgentDecision{
		Content:    a.message,
		NextAction: contractx.ActionEscalate,
		Reason:     "customer handed to human support",
	}
	if strings.TrimSpace(req.State.Customer.TicketID) == "" {
		return escalate, nil
	}

	attempted := make(map[string]bool, len(req.ToolCalls))
	for _, c := range req.ToolCalls {
		attempted[c.Tool] = true
	}

	switch {
	case !attempted[toolx.ToolTicketsUpdateStatus]:
		return contractx.AgentDecision{
			NextAction: contractx.ActionCallTool,
			Tool: &contractx.ToolRequest{
				Tool: toolx.ToolTicketsUpdateStatus,
				Args: map[string]any{"status": "escalated"},
			},
		}, nil
	case !attempted[toolx.ToolTicketsAddMessage]:
		return contractx.AgentDecision{
			NextAction: contractx.ActionCallTool,
			Tool: &contractx.ToolRequest{
				Tool: toolx.ToolTicketsAddMessage,
				Args: map[string]any{
					"role":    "ai",
					"content": handoffNote(req.Input),
				},
			},
		}, nil
	default:
		return escalate, nil
	}
}

func handoffNote(input string) string {
	input = strings.TrimSpace(input)
	const limit = 500
	if r := []rune(input); len(r) > limit {
		input = string(r[:limit]) + "..."
	}
	return "Escalated to human support. Last customer message: " + input
}
