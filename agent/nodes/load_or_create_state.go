package workflownode

import (
	"context"
	"errors"
	"fmt"

	contractx "github.com/tanpawarit/udahub-support-orchestrator/agent/contract"
	statex "github.com/tanpawarit/udahub-support-orchestrator/agent/state"
)

func LoadOrCreateState(
	ctx context.Context,
	in *GraphState,
	store statex.Store,
	defaults statex.CustomerContext,
) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}

	cp, err := store.Load(ctx, in.SessionID)
	switch {
	case err == nil:
		if cp.State.IsClosed() {
			return nil, fmt.Errorf("%w: session=%s", contractx.ErrSessionClosed, in.SessionID)
		}
		in.State = cp.State.Clone()
		in.Base = cp.Version
		return in, nil
	case errors.Is(err, statex.ErrStateNotFound):
	default:
		return nil, fmt.Errorf("%w: load session=%s: %v", contractx.ErrPersistenceFailure, in.SessionID, err)
	}

	customer := defaults
	if in.Customer != nil {
		customer = mergeCustomer(defaults, *in.Customer)
	}
	in.State = statex.NewConversationState(in.SessionID, customer, in.Now)
	in.Base = 0
	return in, nil
}

func mergeCustomer(defaults, override statex.CustomerContext) statex.CustomerContext {
	out := defaults
	if override.AccountID != "" {
		out.AccountID = override.AccountID
	}
	if override.UserID != "" {
		out.UserID = override.UserID
	}
	if override.TicketID != "" {
		out.TicketID = override.TicketID
	}
	return out
}
