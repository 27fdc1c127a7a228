package router

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	contractx "github.com/tanpawarit/udahub-support-orchestrator/agent/contract"
	statex "github.com/tanpawarit/udahub-support-orchestrator/agent/state"
	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

const patternWeight = 2

type AgentRule struct {
	Agent    contractx.AgentType `yaml:"agent"`
	Keywords []string            `yaml:"keywords"`
	Patterns []string            `yaml:"patterns"`
}

type Rules struct {
	Threshold          float64               `yaml:"threshold"`
	EscalationPatterns []string              `yaml:"escalation_patterns"`
	Order              []contractx.AgentType `yaml:"order"`
	Agents             []AgentRule           `yaml:"agents"`
}

func ParseRules(raw []byte) (Rules, error) {
	var rules Rules
	if err := yaml.Unmarshal(raw, &rules); err != nil {
		return Rules{}, fmt.Errorf("decode routing rules: %w", err)
	}
	return rules, nil
}

// LoadRules reads path, or the embedded defaults when path is empty.
func LoadRules(path string) (Rules, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return ParseRules(defaultRulesYAML)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read routing rules: %w", err)
	}
	return ParseRules(raw)
}

type compiledAgent struct {
	agent    contractx.AgentType
	keywords []*regexp.Regexp
	patterns []*regexp.Regexp
}

// Router is a deterministic keyword classifier. It reads the latest user
// turn, the active agent hint and the rolling summary, and never writes.
type Router struct {
	threshold  float64
	escalation []*regexp.Regexp
	agents     []compiledAgent
	rank       map[contractx.AgentType]int
}

var _ contractx.Router = (*Router)(nil)

func New(rules Rules) (*Router, error) {
	if rules.Threshold < 0 || rules.Threshold > 1 {
		return nil, fmt.Errorf("threshold must be within [0,1], got %v", rules.Threshold)
	}

	r := &Router{
		threshold: rules.Threshold,
		rank:      make(map[contractx.AgentType]int),
	}
	for i, raw := range rules.EscalationPatterns {
		re, err := regexp.Compile("(?i)" + raw)
		if err != nil {
			return nil, fmt.Errorf("escalation pattern %d: %w", i, err)
		}
		r.escalation = append(r.escalation, re)
	}

	for _, rule := range rules.Agents {
		agent, ok := contractx.ParseAgentType(string(rule.Agent))
		if !ok {
			return nil, fmt.Errorf("%w: routing rule for %q", contractx.ErrUnknownAgent, rule.Agent)
		}
		compiled := compiledAgent{agent: agent}
		for _, kw := range rule.Keywords {
			kw = strings.TrimSpace(kw)
			if kw == "" {
				continue
			}
			compiled.keywords = append(compiled.keywords, keywordPattern(kw))
		}
		for i, raw := range rule.Patterns {
			re, err := regexp.Compile("(?i)" + raw)
			if err != nil {
				return nil, fmt.Errorf("%s pattern %d: %w", agent, i, err)
			}
			compiled.patterns = append(compiled.patterns, re)
		}
		r.agents = append(r.agents, compiled)
	}

	for i, agent := range rules.Order {
		if _, ok := r.rank[agent]; !ok {
			r.rank[agent] = i
		}
	}
	for _, agent := range contractx.AgentTypes {
		if _, ok := r.rank[agent]; !ok {
			r.rank[agent] = len(r.rank)
		}
	}
	return r, nil
}

func NewDefault() (*Router, error) {
	rules, err := LoadRules("")
	if err != nil {
		return nil, err
	}
	return New(rules)
}

// keywordPattern matches kw as a whole phrase, allowing any run of
// whitespace between its words.
func keywordPattern(kw string) *regexp.Regexp {
	words := strings.Fields(kw)
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	return regexp.MustCompile(`(?i)\b` + strings.Join(words, `\s+`) + `\b`)
}

func (r *Router) Classify(st *statex.ConversationState) (contractx.Route, error) {
	turn, ok := st.LastUserTurn()
	if !ok || strings.TrimSpace(turn.Content) == "" {
		return contractx.Route{}, fmt.Errorf("%w: no user input to classify", contractx.ErrClassificationFailure)
	}
	input := turn.Content

	for _, re := range r.escalation {
		if re.MatchString(input) {
			return contractx.Route{
				Agent:      contractx.AgentTypeEscalation,
				Confidence: 1,
				Reason:     "explicit escalation request",
			}, nil
		}
	}

	hint, hasHint := contractx.ParseAgentType(string(st.ActiveAgent))

	scores, total := r.score(input)
	source := "input"
	if total == 0 && strings.TrimSpace(st.ConversationSummary) != "" {
		scores, total = r.score(st.ConversationSummary)
		source = "summary"
	}
	if total == 0 {
		if hasHint && hint != contractx.AgentTypeSummarization {
			return contractx.Route{Agent: hint, Confidence: r.threshold, Reason: "no signal, continuing with active agent"}, nil
		}
		return contractx.Route{
			Agent:  contractx.AgentTypeEscalation,
			Reason: "no routing signal",
		}, nil
	}

	best := r.pick(scores, hint, hasHint)
	confidence := float64(scores[best]) / float64(total)
	if confidence < r.threshold {
		return contractx.Route{
			Agent:      contractx.AgentTypeEscalation,
			Confidence: confidence,
			Reason:     fmt.Sprintf("low confidence %.2f for %s", confidence, best),
		}, nil
	}
	return contractx.Route{
		Agent:      best,
		Confidence: confidence,
		Reason:     fmt.Sprintf("%d/%d %s signals", scores[best], total, source),
	}, nil
}

func (r *Router) score(text string) (map[contractx.AgentType]int, int) {
	scores := make(map[contractx.AgentType]int, len(r.agents))
	total := 0
	for _, a := range r.agents {
		s := 0
		for _, re := range a.keywords {
			if re.MatchString(text) {
				s++
			}
		}
		for _, re := range a.patterns {
			if re.MatchString(text) {
				s += patternWeight
			}
		}
		if s > 0 {
			scores[a.agent] += s
			total += s
		}
	}
	return scores, total
}

// pick returns the top scorer. Ties go to the active agent, then to the
// configured order.
func (r *Router) pick(scores map[contractx.AgentType]int, hint contractx.AgentType, hasHint bool) contractx.AgentType {
	var best contractx.AgentType
	bestScore := -1
	for _, agent := range contractx.AgentTypes {
		s, ok := scores[agent]
		if !ok {
			continue
		}
		switch {
		case s > bestScore:
			best, bestScore = agent, s
		case s == bestScore:
			if hasHint && agent == hint {
				best = agent
			} else if !(hasHint && best == hint) && r.rank[agent] < r.rank[best] {
				best = agent
			}
		}
	}
	return best
}
