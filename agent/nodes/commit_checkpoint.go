package workflownode

import (
	"context"
	"errors"
	"fmt"
	"time"

	contractx "github.com/tanpawarit/udahub-support-orchestrator/agent/contract"
	statex "github.com/tanpawarit/udahub-support-orchestrator/agent/state"
)

const DefaultCommitTimeout = 10 * time.Second

// CommitCheckpoint appends the agent turn and commits the working state on
// top of the loaded version. A caller that cancelled before this point gets
// ctx.Err() and nothing is written; once the commit starts it runs to
// completion under its own deadline.
func CommitCheckpoint(
	ctx context.Context,
	in *GraphState,
	store statex.Store,
	timeout time.Duration,
) (*GraphState, error) {
	if in == nil || in.State == nil {
		return nil, fmt.Errorf("%w: graph state is incomplete", contractx.ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	st := in.State
	st.AppendTurn(statex.Turn{
		Role:      statex.RoleAgent,
		Content:   in.Response,
		Agent:     in.FinalAgent,
		ToolCalls: cloneCalls(in.ToolCalls),
		CreatedAt: in.Now,
	})
	st.CurrentResponse = in.Response
	if in.FinalAgent != "" && in.FinalAgent != contractx.AgentTypeEscalation {
		st.ActiveAgent = in.FinalAgent
	}
	if in.Escalated {
		st.Escalate(in.Now)
	}
	st.Touch(in.Now)

	if err := st.Validate(); err != nil {
		return nil, fmt.Errorf("%w: state validation failed: %v", contractx.ErrPersistenceFailure, err)
	}

	if timeout <= 0 {
		timeout = DefaultCommitTimeout
	}
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	version, err := store.Commit(commitCtx, in.SessionID, in.Base, st)
	if err != nil {
		return nil, CommitError(in.SessionID, err)
	}
	in.Version = version
	return in, nil
}

// CommitError keeps version conflicts retryable as ErrSessionBusy and
// reports every other store failure as ErrPersistenceFailure.
func CommitError(sessionID string, err error) error {
	if errors.Is(err, contractx.ErrSessionBusy) {
		return err
	}
	if errors.Is(err, contractx.ErrSessionClosed) {
		return err
	}
	return fmt.Errorf("%w: commit session=%s: %v", contractx.ErrPersistenceFailure, sessionID, err)
}
