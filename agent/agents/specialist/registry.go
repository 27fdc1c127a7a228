package specialist

import (
	"context"
	"fmt"

	contractx "github.com/tanpawarit/udahub-support-orchestrator/agent/contract"
	llmx "github.com/tanpawarit/udahub-support-orchestrator/agent/llm"
	promptx "github.com/tanpawarit/udahub-support-orchestrator/agent/prompt"
)

type registryImpl struct {
	agents map[contractx.AgentType]contractx.Agent
}

// NewRegistry indexes agents by their type. Every role must be present
// exactly once.
func NewRegistry(agents ...contractx.Agent) (contractx.Registry, error) {
	r := &registryImpl{agents: make(map[contractx.AgentType]contractx.Agent, len(agents))}
	for _, a := range agents {
		if a == nil {
			return nil, fmt.Errorf("%w: nil agent", contractx.ErrValidation)
		}
		t := a.Type()
		if _, ok := contractx.ParseAgentType(string(t)); !ok {
			return nil, fmt.Errorf("%w: agent=%s", contractx.ErrUnknownAgent, t)
		}
		if _, dup := r.agents[t]; dup {
			return nil, fmt.Errorf("%w: agent=%s registered twice", contractx.ErrValidation, t)
		}
		r.agents[t] = a
	}
	for _, t := range contractx.AgentTypes {
		if _, ok := r.agents[t]; !ok {
			return nil, fmt.Errorf("%w: agent=%s is not registered", contractx.ErrUnknownAgent, t)
		}
	}
	return r, nil
}

func (r *registryImpl) Agent(agentType contractx.AgentType) (contractx.Agent, bool) {
	a, ok := r.agents[agentType]
	return a, ok
}

// NewModelRegistry builds the model-backed specialists from the OpenRouter
// configuration and completes the set with the deterministic agents.
func NewModelRegistry(
	ctx context.Context,
	cfg llmx.Config,
	prompts promptx.PromptSet,
	catalog ToolCatalog,
	condenser contractx.Condenser,
) (contractx.Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	agents := make([]contractx.Agent, 0, len(contractx.AgentTypes))
	for _, t := range []contractx.AgentType{
		contractx.AgentTypeKnowledge,
		contractx.AgentTypeAction,
		contractx.AgentTypeCalculation,
	} {
		systemPrompt, err := prompts.ForAgent(t)
		if err != nil {
			return nil, err
		}
		modelCfg := cfg.OpenRouterFor(t)
		chatModel, err := modelCfg.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: create %s model: %v", contractx.ErrModelInvoke, t, err)
		}
		agent, err := NewModelAgent(ctx, t, chatModel, systemPrompt, catalog)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}

	summarizer, err := NewSummarizationAgent(condenser)
	if err != nil {
		return nil, err
	}
	agents = append(agents, summarizer, NewEscalationAgent(prompts.Escalation))

	return NewRegistry(agents...)
}
