package workflownode

import (
	"context"

	contractx "github.com/tanpawarit/udahub-support-orchestrator/agent/contract"
)

const DefaultSummaryMinTurns = 6

// EnqueueSummary queues background summarization once enough turns sit
// outside the rolling summary. It never fails the turn.
func EnqueueSummary(ctx context.Context, in *GraphState, queue contractx.SummaryQueue, minTurns int) (*GraphState, error) {
	if in == nil || in.State == nil || queue == nil {
		return in, nil
	}
	if minTurns <= 0 {
		minTurns = DefaultSummaryMinTurns
	}
	if len(in.State.Turns)-in.State.SummaryThrough < minTurns {
		return in, nil
	}
	queue.Enqueue(ctx, contractx.SummaryTask{SessionID: in.SessionID, Version: in.Version})
	return in, nil
}
