package router

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	contractx "github.com/tanpawarit/udahub-support-orchestrator/agent/contract"
	statex "github.com/tanpawarit/udahub-support-orchestrator/agent/state"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	r, err := NewDefault()
	if err != nil {
		t.Fatalf("NewDefault() error = %v", err)
	}
	return r
}

func stateWith(input string, hint contractx.AgentType, summary string) *statex.ConversationState {
	st := statex.NewConversationState("s1", statex.CustomerContext{}, time.Unix(0, 0))
	st.ActiveAgent = hint
	st.ConversationSummary = summary
	if input != "" {
		st.AppendTurn(statex.Turn{Role: statex.RoleUser, Content: input})
	}
	return st
}

func TestClassify(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t)
	tests := []struct {
		name    string
		input   string
		hint    contractx.AgentType
		summary string
		want    contractx.AgentType
	}{
		{name: "subscription question", input: "What is included in my subscription?", want: contractx.AgentTypeKnowledge},
		{name: "human request beats hint", input: "I need to speak to a human representative", hint: contractx.AgentTypeAction, want: contractx.AgentTypeEscalation},
		{name: "real person", input: "can I get a real person please", hint: contractx.AgentTypeKnowledge, want: contractx.AgentTypeEscalation},
		{name: "arithmetic", input: "What is 12 * 4?", want: contractx.AgentTypeCalculation},
		{name: "booking tie goes to order", input: "Can I book the jazz night?", want: contractx.AgentTypeAction},
		{name: "booking tie goes to hint", input: "Can I book the jazz night?", hint: contractx.AgentTypeKnowledge, want: contractx.AgentTypeKnowledge},
		{name: "no signal without hint", input: "ok thanks", want: contractx.AgentTypeEscalation},
		{name: "no signal keeps hint", input: "ok thanks", hint: contractx.AgentTypeAction, want: contractx.AgentTypeAction},
		{name: "summary fallback", input: "yes", summary: "Customer asked about a reservation for Jazz Night", want: contractx.AgentTypeAction},
		{name: "three way split is low confidence", input: "book, total, refund", want: contractx.AgentTypeEscalation},
		{name: "complaint", input: "This is a fraud and totally unacceptable", want: contractx.AgentTypeEscalation},
		{name: "recap", input: "Can you recap what we discussed so far", want: contractx.AgentTypeSummarization},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			route, err := r.Classify(stateWith(tc.input, tc.hint, tc.summary))
			if err != nil {
				t.Fatalf("Classify() error = %v", err)
			}
			if route.Agent != tc.want {
				t.Fatalf("Classify() = %s (%s), want %s", route.Agent, route.Reason, tc.want)
			}
		})
	}
}

func TestClassifyEscalationIsFullyConfident(t *testing.T) {
	t.Parallel()

	route, err := newTestRouter(t).Classify(stateWith("let me talk to someone", "", ""))
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if route.Agent != contractx.AgentTypeEscalation || route.Confidence != 1 {
		t.Fatalf("Classify() = %+v", route)
	}
}

func TestClassifyWithoutUserTurn(t *testing.T) {
	t.Parallel()

	_, err := newTestRouter(t).Classify(stateWith("", contractx.AgentTypeKnowledge, ""))
	if !errors.Is(err, contractx.ErrClassificationFailure) {
		t.Fatalf("Classify() error = %v, want ErrClassificationFailure", err)
	}
}

func TestClassifyIsDeterministicAndReadOnly(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t)
	st := stateWith("Can I book the jazz night?", contractx.AgentTypeKnowledge, "earlier: pricing")
	before, _ := json.Marshal(st)

	first, err := r.Classify(st)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := r.Classify(st)
		if err != nil {
			t.Fatalf("Classify() error = %v", err)
		}
		if again != first {
			t.Fatalf("Classify() = %+v, then %+v", first, again)
		}
	}

	after, _ := json.Marshal(st)
	if string(before) != string(after) {
		t.Fatal("Classify() mutated state")
	}
}

func TestNewRejectsBadRules(t *testing.T) {
	t.Parallel()

	if _, err := New(Rules{Agents: []AgentRule{{Agent: "sales", Keywords: []string{"buy"}}}}); !errors.Is(err, contractx.ErrUnknownAgent) {
		t.Fatalf("New() error = %v, want ErrUnknownAgent", err)
	}
	if _, err := New(Rules{EscalationPatterns: []string{"("}}); err == nil {
		t.Fatal("expected invalid pattern error")
	}
	if _, err := New(Rules{Threshold: 2}); err == nil {
		t.Fatal("expected threshold error")
	}
}

func TestLoadRulesFromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "rules.yaml")
	raw := []byte(`
threshold: 0.9
agents:
  - agent: calculation
    keywords: [tip]
`)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	rules, err := LoadRules(path)
	if err != nil {
		t.Fatalf("LoadRules() error = %v", err)
	}
	r, err := New(rules)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	route, err := r.Classify(stateWith("what tip should I leave", "", ""))
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if route.Agent != contractx.AgentTypeCalculation {
		t.Fatalf("Classify() = %+v", route)
	}

	if _, err := LoadRules(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected missing file error")
	}
}
