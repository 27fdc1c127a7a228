package workflow

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/compose"
	nodex "github.com/tanpawarit/udahub-support-orchestrator/agent/nodes"
)

func (e *Engine) compileTurnGraph(
	ctx context.Context,
) (compose.Runnable[nodex.GraphInput, nodex.TurnResult], error) {
	graph := compose.NewGraph[nodex.GraphInput, nodex.TurnResult]()

	if err := graph.AddLambdaNode("validate_request",
		compose.InvokableLambda(func(ctx context.Context, in nodex.GraphInput) (*nodex.GraphState, error) {
			return nodex.ValidateRequest(in, e.cfg.MaxInputRunes, e.now)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node validate_request: %w", err)
	}

	if err := graph.AddLambdaNode("load_or_create_state",
		compose.InvokableLambda(func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.LoadOrCreateState(ctx, in, e.store, e.defaults)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node load_or_create_state: %w", err)
	}

	if err := graph.AddLambdaNode("append_user_turn",
		compose.InvokableLambda(func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.AppendUserTurn(in)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node append_user_turn: %w", err)
	}

	if err := graph.AddLambdaNode("run_agent_loop",
		compose.InvokableLambda(func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.RunAgentLoop(ctx, in, nodex.LoopDeps{
				Router:   e.router,
				Registry: e.registry,
				Tools:    e.tools,
				Config:   e.cfg.loopConfig(),
			})
		}),
	); err != nil {
		return nil, fmt.Errorf("add node run_agent_loop: %w", err)
	}

	if err := graph.AddLambdaNode("commit_checkpoint",
		compose.InvokableLambda(func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.CommitCheckpoint(ctx, in, e.store, e.cfg.CommitTimeout)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node commit_checkpoint: %w", err)
	}

	if err := graph.AddLambdaNode("enqueue_summary",
		compose.InvokableLambda(func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.EnqueueSummary(ctx, in, e.summaries, e.cfg.SummaryMinTurns)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node enqueue_summary: %w", err)
	}

	if err := graph.AddLambdaNode("finalize_reply",
		compose.InvokableLambda(func(ctx context.Context, in *nodex.GraphState) (nodex.TurnResult, error) {
			return nodex.FinalizeReply(in)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node finalize_reply: %w", err)
	}

	edges := [][2]string{
		{compose.START, "validate_request"},
		{"validate_request", "load_or_create_state"},
		{"load_or_create_state", "append_user_turn"},
		{"append_user_turn", "run_agent_loop"},
		{"run_agent_loop", "commit_checkpoint"},
		{"commit_checkpoint", "enqueue_summary"},
		{"enqueue_summary", "finalize_reply"},
		{"finalize_reply", compose.END},
	}

	for _, edge := range edges {
		if err := graph.AddEdge(edge[0], edge[1]); err != nil {
			return nil, fmt.Errorf("add edge %s->%s: %w", edge[0], edge[1], err)
		}
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName("workflow.run_turn"))
	if err != nil {
		return nil, fmt.Errorf("compile workflow graph: %w", err)
	}
	return runner, nil
}
