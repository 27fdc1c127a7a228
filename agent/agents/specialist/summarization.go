package specialist

import (
	"context"
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/udahub-support-orchestrator/agent/contract"
	statex "github.com/tanpawarit/udahub-support-orchestrator/agent/state"
)

// summarizationAgent answers explicit recap requests. It reads the rolling
// summary but never writes it; that stays with the background summarizer.
type summarizationAgent struct {
	condenser contractx.Condenser
}

func NewSummarizationAgent(condenser contractx.Condenser) (contractx.Agent, error) {
	if condenser == nil {
		return nil, fmt.Errorf("%w: condenser is required", contractx.ErrValidation)
	}
	return &summarizationAgent{condenser: condenser}, nil
}

func (a *summarizationAgent) Type() contractx.AgentType {
	return contractx.AgentTypeSummarization
}

func (a *summarizationAgent) Step(ctx context.Context, req contractx.StepRequest) (contractx.AgentDecision, error) {
	st := req.State
	if st == nil {
		return contractx.AgentDecision{}, fmt.Errorf("%w: step state is required", contractx.ErrValidation)
	}

	// The recap request itself is left out.
	turns := st.Turns
	if n := len(turns); n > 0 && turns[n-1].Role == statex.RoleUser {
		turns = turns[:n-1]
	}
	from := st.SummaryThrough
	if from > len(turns) {
		from = len(turns)
	}

	if from == len(turns) && strings.TrimSpace(st.ConversationSummary) == "" {
		return contractx.AgentDecision{
			Content:    "We haven't discussed anything yet. How can I help you today?",
			NextAction: contractx.ActionRespond,
		}, nil
	}

	recap, err := a.condenser.Condense(ctx, st.ConversationSummary, turns[from:])
	if err != nil {
		return contractx.AgentDecision{}, fmt.Errorf("%w: condense conversation: %v", contractx.ErrModelInvoke, err)
	}
	recap = strings.TrimSpace(recap)
	if recap == "" {
		return contractx.AgentDecision{}, fmt.Errorf("%w: recap is empty", contractx.ErrSchemaViolation)
	}

	return contractx.AgentDecision{
		Content:    "Here is a recap of our conversation so far:\n" + recap,
		NextAction: contractx.ActionRespond,
	}, nil
}
