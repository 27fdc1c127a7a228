package prompt

import (
	_ "embed"
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/udahub-support-orchestrator/agent/contract"
)

var (
	//go:embed template/knowledge.txt
	knowledgeRaw string

	//go:embed template/action.txt
	actionRaw string

	//go:embed template/calculation.txt
	calculationRaw string

	//go:embed template/summarization.txt
	summarizationRaw string

	//go:embed template/escalation.txt
	escalationRaw string
)

// PromptSet holds the system prompt of every role. Escalation is the fixed
// message handed to the customer rather than model instructions.
type PromptSet struct {
	Knowledge     string
	Action        string
	Calculation   string
	Summarization string
	Escalation    string
}

// LoadPromptSet returns the embedded prompts with {account} replaced.
func LoadPromptSet(account string) PromptSet {
	account = strings.TrimSpace(account)
	if account == "" {
		account = "our"
	}
	render := func(raw string) string {
		return strings.TrimSpace(strings.ReplaceAll(raw, "{account}", account))
	}
	return PromptSet{
		Knowledge:     render(knowledgeRaw),
		Action:        render(actionRaw),
		Calculation:   render(calculationRaw),
		Summarization: render(summarizationRaw),
		Escalation:    render(escalationRaw),
	}
}

func (p PromptSet) ForAgent(agentType contractx.AgentType) (string, error) {
	var out string
	switch agentType {
	case contractx.AgentTypeKnowledge:
		out = p.Knowledge
	case contractx.AgentTypeAction:
		out = p.Action
	case contractx.AgentTypeCalculation:
		out = p.Calculation
	case contractx.AgentTypeSummarization:
		out = p.Summarization
	case contractx.AgentTypeEscalation:
		out = p.Escalation
	}
	if out == "" {
		return "", fmt.Errorf("%w: agent=%s", contractx.ErrPromptMissing, agentType)
	}
	return out, nil
}
