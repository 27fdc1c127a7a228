package contract

import (
	"context"

	statex "github.com/tanpawarit/udahub-support-orchestrator/agent/state"
)

type Agent interface {
	Type() AgentType
	Step(ctx context.Context, req StepRequest) (AgentDecision, error)
}

type Registry interface {
	Agent(agentType AgentType) (Agent, bool)
}

// Router must be a pure function of the state it is given.
type Router interface {
	Classify(st *statex.ConversationState) (Route, error)
}

type ToolGateway interface {
	Invoke(ctx context.Context, agentType AgentType, scope CallScope, req ToolRequest) (statex.ToolCall, error)
}

// Retriever returns ranked hits. An empty slice is a valid answer.
type Retriever interface {
	Search(ctx context.Context, q RetrievalQuery) ([]RetrievalHit, error)
}

// SummaryQueue accepts summarization work without blocking the caller.
type SummaryQueue interface {
	Enqueue(ctx context.Context, task SummaryTask)
}

// Condenser turns a stretch of conversation into a rolling summary.
type Condenser interface {
	Condense(ctx context.Context, previous string, turns []statex.Turn) (string, error)
}
