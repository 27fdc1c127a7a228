package summary

import (
	"context"
	"errors"
	"fmt"

	contractx "github.com/tanpawarit/udahub-support-orchestrator/agent/contract"
	statex "github.com/tanpawarit/udahub-support-orchestrator/agent/state"
)

const defaultKeepRecent = 4

// Applier stores a new rolling summary. The workflow engine implements it
// and is the only writer of conversation_summary.
type Applier interface {
	ApplySummary(ctx context.Context, sessionID, summary string, throughTurn int) (int64, error)
}

// Summarizer folds turns older than the newest keepRecent into the rolling
// summary of a session.
type Summarizer struct {
	store      statex.Store
	condenser  contractx.Condenser
	applier    Applier
	keepRecent int
}

func NewSummarizer(store statex.Store, condenser contractx.Condenser, applier Applier, keepRecent int) (*Summarizer, error) {
	if store == nil || condenser == nil || applier == nil {
		return nil, errors.New("summarizer requires store, condenser and applier")
	}
	if keepRecent < 0 {
		keepRecent = defaultKeepRecent
	}
	return &Summarizer{store: store, condenser: condenser, applier: applier, keepRecent: keepRecent}, nil
}

// Run summarises the latest checkpoint of task's session. It returns
// applied=false when there is nothing new to fold in.
func (s *Summarizer) Run(ctx context.Context, task contractx.SummaryTask) (bool, error) {
	cp, err := s.store.Load(ctx, task.SessionID)
	if err != nil {
		return false, fmt.Errorf("load session=%s: %w", task.SessionID, err)
	}
	st := cp.State

	through := len(st.Turns) - s.keepRecent
	if through <= st.SummaryThrough {
		return false, nil
	}

	text, err := s.condenser.Condense(ctx, st.ConversationSummary, st.Turns[st.SummaryThrough:through])
	if err != nil {
		return false, fmt.Errorf("condense session=%s: %w", task.SessionID, err)
	}
	if _, err := s.applier.ApplySummary(ctx, task.SessionID, text, through); err != nil {
		return false, fmt.Errorf("apply summary session=%s: %w", task.SessionID, err)
	}
	return true, nil
}
