package workflownode

import (
	"fmt"

	contractx "github.com/tanpawarit/udahub-support-orchestrator/agent/contract"
	statex "github.com/tanpawarit/udahub-support-orchestrator/agent/state"
)

func AppendUserTurn(in *GraphState) (*GraphState, error) {
	if in == nil || in.State == nil {
		return nil, fmt.Errorf("%w: graph state is incomplete", contractx.ErrValidation)
	}

	turn := in.State.AppendTurn(statex.Turn{
		Role:      statex.RoleUser,
		Content:   in.Text,
		CreatedAt: in.Now,
	})
	in.UserTurnIndex = turn.Index
	in.State.Touch(in.Now)
	return in, nil
}
