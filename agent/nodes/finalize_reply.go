package workflownode

import (
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/udahub-support-orchestrator/agent/contract"
)

func FinalizeReply(in *GraphState) (TurnResult, error) {
	if in == nil || in.State == nil {
		return TurnResult{}, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}

	reply := strings.TrimSpace(in.Response)
	if reply == "" {
		return TurnResult{}, fmt.Errorf("%w: turn produced an empty reply", contractx.ErrValidation)
	}
	return TurnResult{
		SessionID: in.SessionID,
		Response:  reply,
		Escalated: in.State.EscalationFlag,
		Version:   in.Version,
		Agent:     in.FinalAgent,
		Actions:   append([]contractx.NextAction(nil), in.Actions...),
		ToolCalls: len(in.ToolCalls),
		Degraded:  in.Degraded,
		State:     in.State.Clone(),
	}, nil
}
