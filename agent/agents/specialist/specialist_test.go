package specialist

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	contractx "github.com/tanpawarit/udahub-support-orchestrator/agent/contract"
	statex "github.com/tanpawarit/udahub-support-orchestrator/agent/state"
	toolx "github.com/tanpawarit/udahub-support-orchestrator/agent/tool"
)

type fakeToolCallingModel struct {
	mu        sync.Mutex
	responses []*schema.Message
	err       error
	idx       int
	inputs    [][]*schema.Message
	tools     []*schema.ToolInfo
}

func (f *fakeToolCallingModel) Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, input)
	if f.err != nil {
		return nil, f.err
	}
	if f.idx >= len(f.responses) {
		return nil, errors.New("no fake response left")
	}
	msg := f.responses[f.idx]
	f.idx++
	return msg, nil
}

func (f *fakeToolCallingModel) Stream(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("stream not implemented in fake model")
}

func (f *fakeToolCallingModel) WithTools(tools []*schema.ToolInfo) (einomodel.ToolCallingChatModel, error) {
	f.mu.Lock()
	f.tools = tools
	f.mu.Unlock()
	return f, nil
}

func (f *fakeToolCallingModel) lastUserInput(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inputs) == 0 {
		t.Fatal("model was never invoked")
	}
	msgs := f.inputs[len(f.inputs)-1]
	return msgs[len(msgs)-1].Content
}

type fakeCatalog map[contractx.AgentType][]*schema.ToolInfo

func (c fakeCatalog) Tools(agent contractx.AgentType) []*schema.ToolInfo {
	return c[agent]
}

func toolCall(name, args string) *schema.Message {
	return &schema.Message{
		Role: schema.Assistant,
		ToolCalls: []schema.ToolCall{
			{ID: "call-1", Function: schema.FunctionCall{Name: name, Arguments: args}},
		},
	}
}

func stepState(input string) *statex.ConversationState {
	st := statex.NewConversationState("s-1", statex.CustomerContext{AccountID: "cultpass", UserID: "u-1"}, time.Unix(1700000000, 0))
	st.AppendTurn(statex.Turn{Role: statex.RoleUser, Content: input, CreatedAt: time.Unix(1700000000, 0)})
	return st
}

func newTestAgent(t *testing.T, agentType contractx.AgentType, fake *fakeToolCallingModel) contractx.Agent {
	t.Helper()
	catalog := fakeCatalog{
		contractx.AgentTypeCalculation: {toolx.MathTool().Info()},
	}
	agent, err := NewModelAgent(context.Background(), agentType, fake, `reply with {"message": "..."}`, catalog)
	if err != nil {
		t.Fatalf("NewModelAgent() error = %v", err)
	}
	return agent
}

func TestModelAgentCallsTool(t *testing.T) {
	t.Parallel()

	fake := &fakeToolCallingModel{
		responses: []*schema.Message{toolCall(toolx.ToolMathEvaluate, `{"expression":"3*45"}`)},
	}
	agent := newTestAgent(t, contractx.AgentTypeCalculation, fake)

	out, err := agent.Step(context.Background(), contractx.StepRequest{
		State: stepState("what is 3 times 45"),
		Input: "what is 3 times 45",
	})
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if out.NextAction != contractx.ActionCallTool {
		t.Fatalf("unexpected next action: %s", out.NextAction)
	}
	if out.Tool == nil || out.Tool.Tool != toolx.ToolMathEvaluate {
		t.Fatalf("unexpected tool request: %#v", out.Tool)
	}
	if out.Tool.Args["expression"] != "3*45" {
		t.Fatalf("unexpected args: %#v", out.Tool.Args)
	}
	if !strings.Contains(fake.lastUserInput(t), `"mode":"act"`) {
		t.Fatalf("expected act mode payload, got %s", fake.lastUserInput(t))
	}

	names := map[string]bool{}
	for _, info := range fake.tools {
		names[info.Name] = true
	}
	for _, want := range []string{toolx.ToolMathEvaluate, controlHandoff, controlEscalate} {
		if !names[want] {
			t.Fatalf("tool %s was not bound, got %#v", want, names)
		}
	}
}

func TestModelAgentRespondsWithContent(t *testing.T) {
	t.Parallel()

	fake := &fakeToolCallingModel{
		responses: []*schema.Message{{Role: schema.Assistant, Content: "Your plan includes 4 experiences a month."}},
	}
	agent := newTestAgent(t, contractx.AgentTypeKnowledge, fake)

	out, err := agent.Step(context.Background(), contractx.StepRequest{
		State: stepState("what is included"),
		Input: "what is included",
	})
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if out.NextAction != contractx.ActionRespond || out.Content == "" {
		t.Fatalf("unexpected decision: %#v", out)
	}
}

func TestModelAgentEmptyActResponseIsSchemaViolation(t *testing.T) {
	t.Parallel()

	fake := &fakeToolCallingModel{
		responses: []*schema.Message{{Role: schema.Assistant, Content: "  "}},
	}
	agent := newTestAgent(t, contractx.AgentTypeKnowledge, fake)

	_, err := agent.Step(context.Background(), contractx.StepRequest{
		State: stepState("hello"),
		Input: "hello",
	})
	if !errors.Is(err, contractx.ErrSchemaViolation) {
		t.Fatalf("expected ErrSchemaViolation, got %v", err)
	}
}

func TestModelAgentHandoff(t *testing.T) {
	t.Parallel()

	fake := &fakeToolCallingModel{
		responses: []*schema.Message{toolCall(controlHandoff, `{"agent":"action","reason":"needs a booking"}`)},
	}
	agent := newTestAgent(t, contractx.AgentTypeKnowledge, fake)

	out, err := agent.Step(context.Background(), contractx.StepRequest{
		State: stepState("book the yoga class"),
		Input: "book the yoga class",
	})
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if out.NextAction != contractx.ActionHandoff || out.HandoffTo != contractx.AgentTypeAction {
		t.Fatalf("unexpected decision: %#v", out)
	}
	if out.Reason != "needs a booking" {
		t.Fatalf("unexpected reason: %q", out.Reason)
	}
}

func TestModelAgentHandoffToUnknownAgent(t *testing.T) {
	t.Parallel()

	fake := &fakeToolCallingModel{
		responses: []*schema.Message{toolCall(controlHandoff, `{"agent":"sales"}`)},
	}
	agent := newTestAgent(t, contractx.AgentTypeKnowledge, fake)

	_, err := agent.Step(context.Background(), contractx.StepRequest{
		State: stepState("hi"),
		Input: "hi",
	})
	if !errors.Is(err, contractx.ErrSchemaViolation) {
		t.Fatalf("expected ErrSchemaViolation, got %v", err)
	}
}

func TestModelAgentEscalateControlTool(t *testing.T) {
	t.Parallel()

	fake := &fakeToolCallingModel{
		responses: []*schema.Message{toolCall(controlEscalate, `{"reason":"refund dispute"}`)},
	}
	agent := newTestAgent(t, contractx.AgentTypeAction, fake)

	out, err := agent.Step(context.Background(), contractx.StepRequest{
		State: stepState("I want my money back"),
		Input: "I want my money back",
	})
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if out.NextAction != contractx.ActionEscalate {
		t.Fatalf("unexpected next action: %s", out.NextAction)
	}
}

func TestModelAgentFinalizesAfterCapabilityDenied(t *testing.T) {
	t.Parallel()

	fake := &fakeToolCallingModel{
		responses: []*schema.Message{{
			Role:    schema.Assistant,
			Content: `{"message":"I can only do the maths here; booking is handled elsewhere.","next_action":"respond","reason":"tool denied"}`,
		}},
	}
	agent := newTestAgent(t, contractx.AgentTypeCalculation, fake)

	out, err := agent.Step(context.Background(), contractx.StepRequest{
		State: stepState("book it and tell me the total"),
		Input: "book it and tell me the total",
		ToolCalls: []statex.ToolCall{{
			ID:    "k-1",
			Tool:  toolx.ToolRecordsCreateReservation,
			Agent: contractx.AgentTypeCalculation,
			Code:  string(contractx.FailureCapabilityDenied),
			Error: "capability denied",
		}},
		Iteration: 2,
	})
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if out.NextAction != contractx.ActionRespond {
		t.Fatalf("unexpected next action: %s", out.NextAction)
	}
	input := fake.lastUserInput(t)
	if !strings.Contains(input, `"mode":"finalize"`) {
		t.Fatalf("expected finalize payload, got %s", input)
	}
	if !strings.Contains(input, `"code":"capability_denied"`) {
		t.Fatalf("expected the failure to reach the model, got %s", input)
	}
}

func TestModelAgentFinalizesWhenHandoffDeclined(t *testing.T) {
	t.Parallel()

	fake := &fakeToolCallingModel{
		responses: []*schema.Message{{
			Role:    schema.Assistant,
			Content: `{"message":"","next_action":"escalate","reason":"out of scope"}`,
		}},
	}
	agent := newTestAgent(t, contractx.AgentTypeKnowledge, fake)

	out, err := agent.Step(context.Background(), contractx.StepRequest{
		State:           stepState("something odd"),
		Input:           "something odd",
		HandoffDeclined: true,
	})
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if out.NextAction != contractx.ActionEscalate {
		t.Fatalf("unexpected next action: %s", out.NextAction)
	}
}

func TestModelAgentFinalizeRejectsToolAction(t *testing.T) {
	t.Parallel()

	fake := &fakeToolCallingModel{
		responses: []*schema.Message{{
			Role:    schema.Assistant,
			Content: `{"message":"let me check","next_action":"call_tool"}`,
		}},
	}
	agent := newTestAgent(t, contractx.AgentTypeKnowledge, fake)

	_, err := agent.Step(context.Background(), contractx.StepRequest{
		State:           stepState("hi"),
		Input:           "hi",
		HandoffDeclined: true,
	})
	if !errors.Is(err, contractx.ErrSchemaViolation) {
		t.Fatalf("expected ErrSchemaViolation, got %v", err)
	}
}

func TestModelAgentModelError(t *testing.T) {
	t.Parallel()

	fake := &fakeToolCallingModel{err: errors.New("upstream 502")}
	agent := newTestAgent(t, contractx.AgentTypeKnowledge, fake)

	_, err := agent.Step(context.Background(), contractx.StepRequest{
		State: stepState("hi"),
		Input: "hi",
	})
	if !errors.Is(err, contractx.ErrModelInvoke) {
		t.Fatalf("expected ErrModelInvoke, got %v", err)
	}
}

func TestModelAgentRejectsEmptyInput(t *testing.T) {
	t.Parallel()

	agent := newTestAgent(t, contractx.AgentTypeKnowledge, &fakeToolCallingModel{})

	_, err := agent.Step(context.Background(), contractx.StepRequest{State: stepState("x"), Input: " "})
	if !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestModelAgentMustFinalize(t *testing.T) {
	t.Parallel()

	a := &modelAgent{maxToolRounds: 3}
	ok := statex.ToolCall{Tool: toolx.ToolMathEvaluate}
	tests := []struct {
		name string
		req  contractx.StepRequest
		want bool
	}{
		{name: "first step", req: contractx.StepRequest{}, want: false},
		{name: "after success", req: contractx.StepRequest{ToolCalls: []statex.ToolCall{ok}}, want: false},
		{name: "after validation error", req: contractx.StepRequest{ToolCalls: []statex.ToolCall{{Code: string(contractx.FailureValidation)}}}, want: false},
		{name: "after duplicate", req: contractx.StepRequest{ToolCalls: []statex.ToolCall{{Code: string(contractx.FailureDuplicateCall)}}}, want: true},
		{name: "round limit", req: contractx.StepRequest{ToolCalls: []statex.ToolCall{ok, ok, ok}}, want: true},
		{name: "handoff declined", req: contractx.StepRequest{HandoffDeclined: true}, want: true},
	}
	for _, tt := range tests {
		if got := a.mustFinalize(tt.req); got != tt.want {
			t.Fatalf("%s: mustFinalize() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestEscalationAgentWithoutTicket(t *testing.T) {
	t.Parallel()

	agent := NewEscalationAgent("")
	out, err := agent.Step(context.Background(), contractx.StepRequest{
		State: stepState("I need a human"),
		Input: "I need a human",
	})
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if out.NextAction != contractx.ActionEscalate || out.Content != defaultEscalationMessage {
		t.Fatalf("unexpected decision: %#v", out)
	}
}

func TestEscalationAgentUpdatesTicketFirst(t *testing.T) {
	t.Parallel()

	agent := NewEscalationAgent("A human will take it from here.")
	st := stepState("I need a human")
	st.Customer.TicketID = "t-1"
	req := contractx.StepRequest{State: st, Input: "I need a human"}

	first, err := agent.Step(context.Background(), req)
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if first.NextAction != contractx.ActionCallTool || first.Tool.Tool != toolx.ToolTicketsUpdateStatus {
		t.Fatalf("unexpected first decision: %#v", first)
	}

	// A failed call still counts as attempted.
	req.ToolCalls = append(req.ToolCalls, statex.ToolCall{Tool: toolx.ToolTicketsUpdateStatus, Code: string(contractx.FailureExecution)})
	second, err := agent.Step(context.Background(), req)
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if second.NextAction != contractx.ActionCallTool || second.Tool.Tool != toolx.ToolTicketsAddMessage {
		t.Fatalf("unexpected second decision: %#v", second)
	}
	if second.Tool.Args["role"] != "ai" {
		t.Fatalf("unexpected note role: %#v", second.Tool.Args)
	}

	req.ToolCalls = append(req.ToolCalls, statex.ToolCall{Tool: toolx.ToolTicketsAddMessage})
	third, err := agent.Step(context.Background(), req)
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if third.NextAction != contractx.ActionEscalate || third.Content != "A human will take it from here." {
		t.Fatalf("unexpected final decision: %#v", third)
	}
}

type fakeCondenser struct {
	previous string
	turns    []statex.Turn
	out      string
	err      error
}

func (f *fakeCondenser) Condense(ctx context.Context, previous string, turns []statex.Turn) (string, error) {
	f.previous = previous
	f.turns = turns
	return f.out, f.err
}

func TestSummarizationAgentRecap(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	st := statex.NewConversationState("s-1", statex.CustomerContext{}, now)
	st.AppendTurn(statex.Turn{Role: statex.RoleUser, Content: "what's in premium?", CreatedAt: now})
	st.AppendTurn(statex.Turn{Role: statex.RoleAgent, Agent: contractx.AgentTypeKnowledge, Content: "Premium has 8 experiences.", CreatedAt: now})
	st.AppendTurn(statex.Turn{Role: statex.RoleUser, Content: "summarize our chat", CreatedAt: now})
	st.ConversationSummary = "customer asked about plans"
	st.SummaryThrough = 1

	condenser := &fakeCondenser{out: "You asked about Premium; it has 8 experiences."}
	agent, err := NewSummarizationAgent(condenser)
	if err != nil {
		t.Fatalf("NewSummarizationAgent() error = %v", err)
	}

	out, err := agent.Step(context.Background(), contractx.StepRequest{State: st, Input: "summarize our chat"})
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if out.NextAction != contractx.ActionRespond || !strings.Contains(out.Content, "8 experiences") {
		t.Fatalf("unexpected decision: %#v", out)
	}
	if condenser.previous != "customer asked about plans" || len(condenser.turns) != 1 {
		t.Fatalf("unexpected condenser input: %q %#v", condenser.previous, condenser.turns)
	}
	if st.ConversationSummary != "customer asked about plans" {
		t.Fatalf("summary was modified: %q", st.ConversationSummary)
	}
}

func TestSummarizationAgentEmptyConversation(t *testing.T) {
	t.Parallel()

	condenser := &fakeCondenser{err: errors.New("must not be called")}
	agent, err := NewSummarizationAgent(condenser)
	if err != nil {
		t.Fatalf("NewSummarizationAgent() error = %v", err)
	}
	out, err := agent.Step(context.Background(), contractx.StepRequest{State: stepState("recap please"), Input: "recap please"})
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if out.NextAction != contractx.ActionRespond {
		t.Fatalf("unexpected decision: %#v", out)
	}
}

func TestSummarizationAgentCondenserError(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	st := stepState("first")
	st.AppendTurn(statex.Turn{Role: statex.RoleAgent, Content: "answer", CreatedAt: now})
	st.AppendTurn(statex.Turn{Role: statex.RoleUser, Content: "recap", CreatedAt: now})

	agent, err := NewSummarizationAgent(&fakeCondenser{err: errors.New("boom")})
	if err != nil {
		t.Fatalf("NewSummarizationAgent() error = %v", err)
	}
	_, err = agent.Step(context.Background(), contractx.StepRequest{State: st, Input: "recap"})
	if !errors.Is(err, contractx.ErrModelInvoke) {
		t.Fatalf("expected ErrModelInvoke, got %v", err)
	}
}

func TestNewRegistry(t *testing.T) {
	t.Parallel()

	fake := &fakeToolCallingModel{}
	summarizer, err := NewSummarizationAgent(&fakeCondenser{})
	if err != nil {
		t.Fatalf("NewSummarizationAgent() error = %v", err)
	}
	agents := []contractx.Agent{
		newTestAgent(t, contractx.AgentTypeKnowledge, fake),
		newTestAgent(t, contractx.AgentTypeAction, fake),
		newTestAgent(t, contractx.AgentTypeCalculation, fake),
		summarizer,
		NewEscalationAgent(""),
	}

	reg, err := NewRegistry(agents...)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	for _, at := range contractx.AgentTypes {
		a, ok := reg.Agent(at)
		if !ok || a.Type() != at {
			t.Fatalf("agent %s missing from registry", at)
		}
	}

	if _, err := NewRegistry(agents[:4]...); !errors.Is(err, contractx.ErrUnknownAgent) {
		t.Fatalf("expected ErrUnknownAgent for missing role, got %v", err)
	}
	if _, err := NewRegistry(append(agents, NewEscalationAgent(""))...); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("expected ErrValidation for duplicate role, got %v", err)
	}
}

func TestEscapeFString(t *testing.T) {
	t.Parallel()

	got := escapeFString(`{"a": 1}`)
	if got != `{{"a": 1}}` {
		t.Fatalf("escapeFString() = %q", got)
	}
}
