package tool

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cloudwego/eino/schema"
	contractx "github.com/tanpawarit/udahub-support-orchestrator/agent/contract"
	statex "github.com/tanpawarit/udahub-support-orchestrator/agent/state"
)

// Call is what a handler receives. IdempotencyKey is stable for the same
// (session, turn, ordinal, tool, args) and must be forwarded on mutations.
type Call struct {
	IdempotencyKey string
	Agent          contractx.AgentType
	Customer       statex.CustomerContext
	Args           map[string]any
}

type Handler func(ctx context.Context, call Call) (any, error)

type Tool struct {
	Name     string
	Desc     string
	Params   []Param
	Mutating bool
	Handler  Handler
}

func (t Tool) Info() *schema.ToolInfo {
	params := make(map[string]*schema.ParameterInfo, len(t.Params))
	for _, p := range t.Params {
		params[p.Name] = p.info()
	}
	return &schema.ToolInfo{
		Name:        t.Name,
		Desc:        t.Desc,
		ParamsOneOf: schema.NewParamsOneOfByParams(params),
	}
}

// Capabilities maps each agent to the tools it may call. Sets must be
// disjoint; agents missing from the map may call nothing.
type Capabilities map[contractx.AgentType][]string

func DefaultCapabilities() Capabilities {
	return Capabilities{
		contractx.AgentTypeKnowledge: {ToolKnowledgeSearch},
		contractx.AgentTypeAction: {
			ToolRecordsGetUser,
			ToolRecordsSearchExperiences,
			ToolRecordsCheckAvailability,
			ToolRecordsCreateReservation,
			ToolRecordsListUserTickets,
		},
		contractx.AgentTypeCalculation: {ToolMathEvaluate},
		contractx.AgentTypeEscalation: {
			ToolTicketsGet,
			ToolTicketsAddMessage,
			ToolTicketsUpdateStatus,
		},
		contractx.AgentTypeSummarization: nil,
	}
}

func (c Capabilities) validate() error {
	owner := make(map[string]contractx.AgentType)
	for agent, tools := range c {
		if _, ok := contractx.ParseAgentType(string(agent)); !ok {
			return fmt.Errorf("capabilities reference unknown agent=%s", agent)
		}
		for _, name := range tools {
			if prev, ok := owner[name]; ok && prev != agent {
				return fmt.Errorf("tool=%s granted to both %s and %s", name, prev, agent)
			}
			owner[name] = agent
		}
	}
	return nil
}

func (c Capabilities) allows(agent contractx.AgentType, name string) bool {
	for _, allowed := range c[agent] {
		if allowed == name {
			return true
		}
	}
	return false
}

// Registry holds tool definitions by name. It is read-only after setup.
type Registry struct {
	tools map[string]Tool
}

func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(t Tool) error {
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool=%s has no handler", name)
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool=%s registered twice", name)
	}
	t.Name = name
	r.tools[name] = t
	return nil
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
