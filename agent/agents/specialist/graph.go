package specialist

import (
	"context"
	"fmt"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	einoprompt "github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	contractx "github.com/tanpawarit/udahub-support-orchestrator/agent/contract"
)

const (
	pathAct      = "act_path"
	pathFinalize = "finalize_path"
)

// FString treats braces as placeholders; prompts contain JSON examples.
func escapeFString(s string) string {
	return strings.NewReplacer("{", "{{", "}", "}}").Replace(s)
}

func promptTemplate(systemPrompt string) einoprompt.ChatTemplate {
	return einoprompt.FromMessages(
		schema.FString,
		schema.SystemMessage(escapeFString(systemPrompt)),
		schema.UserMessage("{input}"),
	)
}

func compileActGraph(
	ctx context.Context,
	chatModel einomodel.BaseChatModel,
	systemPrompt string,
	graphName string,
) (compose.Runnable[map[string]any, *schema.Message], error) {
	graph := compose.NewGraph[map[string]any, *schema.Message]()
	if err := graph.AddChatTemplateNode("prompt", promptTemplate(systemPrompt)); err != nil {
		return nil, fmt.Errorf("add act prompt node: %w", err)
	}
	if err := graph.AddChatModelNode("model", chatModel); err != nil {
		return nil, fmt.Errorf("add act model node: %w", err)
	}
	if err := graph.AddEdge(compose.START, "prompt"); err != nil {
		return nil, fmt.Errorf("add act edge start->prompt: %w", err)
	}
	if err := graph.AddEdge("prompt", "model"); err != nil {
		return nil, fmt.Errorf("add act edge prompt->model: %w", err)
	}
	if err := graph.AddEdge("model", compose.END); err != nil {
		return nil, fmt.Errorf("add act edge model->end: %w", err)
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName(graphName))
	if err != nil {
		return nil, fmt.Errorf("compile act graph: %w", err)
	}
	return runner, nil
}

func compileStructuredLLMGraph[T any](
	ctx context.Context,
	chatModel einomodel.BaseChatModel,
	systemPrompt string,
	graphName string,
) (compose.Runnable[map[string]any, T], error) {
	parser := schema.NewMessageJSONParser[T](&schema.MessageJSONParseConfig{
		ParseFrom: schema.MessageParseFromContent,
	})

	graph := compose.NewGraph[map[string]any, T]()
	if err := graph.AddChatTemplateNode("prompt", promptTemplate(systemPrompt)); err != nil {
		return nil, fmt.Errorf("add structured prompt node: %w", err)
	}
	if err := graph.AddChatModelNode("model", chatModel); err != nil {
		return nil, fmt.Errorf("add structured model node: %w", err)
	}
	if err := graph.AddLambdaNode("parse_json", compose.MessageParser(parser)); err != nil {
		return nil, fmt.Errorf("add structured parser node: %w", err)
	}

	if err := graph.AddEdge(compose.START, "prompt"); err != nil {
		return nil, fmt.Errorf("add structured edge start->prompt: %w", err)
	}
	if err := graph.AddEdge("prompt", "model"); err != nil {
		return nil, fmt.Errorf("add structured edge prompt->model: %w", err)
	}
	if err := graph.AddEdge("model", "parse_json"); err != nil {
		return nil, fmt.Errorf("add structured edge model->parse: %w", err)
	}
	if err := graph.AddEdge("parse_json", compose.END); err != nil {
		return nil, fmt.Errorf("add structured edge parse->end: %w", err)
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName(graphName))
	if err != nil {
		return nil, fmt.Errorf("compile structured graph: %w", err)
	}
	return runner, nil
}

type stepGraphState struct {
	Req      contractx.StepRequest
	Finalize bool
}

// compileStepGraph routes a step to the tool-capable act path or to the
// structured finalize path. The choice depends only on the request, so the
// same state and tool results always take the same path.
func compileStepGraph(
	ctx context.Context,
	graphName string,
	mustFinalize func(contractx.StepRequest) bool,
	actFlow func(context.Context, contractx.StepRequest) (contractx.AgentDecision, error),
	finalizeFlow func(context.Context, contractx.StepRequest) (contractx.AgentDecision, error),
) (compose.Runnable[contractx.StepRequest, contractx.AgentDecision], error) {
	graph := compose.NewGraph[contractx.StepRequest, contractx.AgentDecision]()

	if err := graph.AddLambdaNode("validate_and_prepare",
		compose.InvokableLambda(func(ctx context.Context, req contractx.StepRequest) (*stepGraphState, error) {
			if req.State == nil {
				return nil, fmt.Errorf("%w: step state is required", contractx.ErrValidation)
			}
			if strings.TrimSpace(req.Input) == "" {
				return nil, fmt.Errorf("%w: step input is required", contractx.ErrValidation)
			}
			return &stepGraphState{Req: req, Finalize: mustFinalize(req)}, nil
		}),
	); err != nil {
		return nil, fmt.Errorf("add step validate node: %w", err)
	}

	if err := graph.AddLambdaNode(pathAct,
		compose.InvokableLambda(func(ctx context.Context, in *stepGraphState) (contractx.AgentDecision, error) {
			return actFlow(ctx, in.Req)
		}),
	); err != nil {
		return nil, fmt.Errorf("add step act node: %w", err)
	}

	if err := graph.AddLambdaNode(pathFinalize,
		compose.InvokableLambda(func(ctx context.Context, in *stepGraphState) (contractx.AgentDecision, error) {
			return finalizeFlow(ctx, in.Req)
		}),
	); err != nil {
		return nil, fmt.Errorf("add step finalize node: %w", err)
	}

	branch := compose.NewGraphBranch(
		func(ctx context.Context, in *stepGraphState) (string, error) {
			if in == nil {
				return "", fmt.Errorf("%w: step graph state is nil", contractx.ErrValidation)
			}
			if in.Finalize {
				return pathFinalize, nil
			}
			return pathAct, nil
		},
		map[string]bool{
			pathAct:      true,
			pathFinalize: true,
		},
	)

	if err := graph.AddBranch("validate_and_prepare", branch); err != nil {
		return nil, fmt.Errorf("add step branch: %w", err)
	}
	if err := graph.AddEdge(compose.START, "validate_and_prepare"); err != nil {
		return nil, fmt.Errorf("add step edge start->validate: %w", err)
	}
	if err := graph.AddEdge(pathAct, compose.END); err != nil {
		return nil, fmt.Errorf("add step edge act->end: %w", err)
	}
	if err := graph.AddEdge(pathFinalize, compose.END); err != nil {
		return nil, fmt.Errorf("add step edge finalize->end: %w", err)
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName(graphName))
	if err != nil {
		return nil, fmt.Errorf("compile step graph: %w", err)
	}
	return runner, nil
}
