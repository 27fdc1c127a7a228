package workflownode

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	contractx "github.com/tanpawarit/udahub-support-orchestrator/agent/contract"
	statex "github.com/tanpawarit/udahub-support-orchestrator/agent/state"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

type recordingQueue struct {
	tasks []contractx.SummaryTask
}

func (q *recordingQueue) Enqueue(_ context.Context, task contractx.SummaryTask) {
	q.tasks = append(q.tasks, task)
}

type failingStore struct {
	statex.Store
	err error
}

func (s failingStore) Load(context.Context, string) (*statex.Checkpoint, error) {
	return nil, s.err
}

func TestValidateRequest(t *testing.T) {
	t.Parallel()

	got, err := ValidateRequest(GraphInput{SessionID: " s-1 ", Text: "  hello  "}, 0, clock)
	if err != nil {
		t.Fatalf("ValidateRequest() error = %v", err)
	}
	if got.SessionID != "s-1" || got.Text != "hello" || !got.Now.Equal(fixedNow) {
		t.Fatalf("ValidateRequest() = %+v", got)
	}

	tests := []struct {
		name string
		in   GraphInput
		max  int
		want error
	}{
		{name: "missing session", in: GraphInput{Text: "hi"}, want: ErrInvalidSession},
		{name: "blank text", in: GraphInput{SessionID: "s", Text: "   "}, want: ErrInvalidMessage},
		{name: "too long", in: GraphInput{SessionID: "s", Text: strings.Repeat("é", 11)}, max: 10, want: ErrMessageTooLong},
	}
	for _, tt := range tests {
		if _, err := ValidateRequest(tt.in, tt.max, clock); !errors.Is(err, tt.want) {
			t.Fatalf("%s: ValidateRequest() error = %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestLoadOrCreateStateMergesCustomer(t *testing.T) {
	t.Parallel()

	in := &GraphState{
		SessionID: "s-1",
		Now:       fixedNow,
		Customer:  &statex.CustomerContext{UserID: "u-9"},
	}
	out, err := LoadOrCreateState(context.Background(), in, statex.NewMemoryStore(), statex.CustomerContext{AccountID: "cultpass"})
	if err != nil {
		t.Fatalf("LoadOrCreateState() error = %v", err)
	}
	if out.Base != 0 || out.State == nil {
		t.Fatalf("LoadOrCreateState() = %+v", out)
	}
	want := statex.CustomerContext{AccountID: "cultpass", UserID: "u-9"}
	if out.State.Customer != want {
		t.Fatalf("Customer = %+v, want %+v", out.State.Customer, want)
	}
}

func TestLoadOrCreateStateKeepsExistingSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := statex.NewMemoryStore()
	st := statex.NewConversationState("s-1", statex.CustomerContext{AccountID: "cultpass", UserID: "u-1"}, fixedNow)
	st.AppendTurn(statex.Turn{Role: statex.RoleUser, Content: "hi", CreatedAt: fixedNow})
	version, err := store.Commit(ctx, "s-1", 0, st)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	in := &GraphState{SessionID: "s-1", Now: fixedNow, Customer: &statex.CustomerContext{UserID: "someone-else"}}
	out, err := LoadOrCreateState(ctx, in, store, statex.CustomerContext{})
	if err != nil {
		t.Fatalf("LoadOrCreateState() error = %v", err)
	}
	if out.Base != version || out.State.Customer.UserID != "u-1" || len(out.State.Turns) != 1 {
		t.Fatalf("LoadOrCreateState() base=%d state=%+v", out.Base, out.State)
	}
}

func TestLoadOrCreateStateErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	in := &GraphState{SessionID: "s-1", Now: fixedNow}
	if _, err := LoadOrCreateState(ctx, in, failingStore{err: errors.New("network")}, statex.CustomerContext{}); !errors.Is(err, contractx.ErrPersistenceFailure) {
		t.Fatalf("LoadOrCreateState() error = %v, want ErrPersistenceFailure", err)
	}

	store := statex.NewMemoryStore()
	st := statex.NewConversationState("s-1", statex.CustomerContext{}, fixedNow)
	st.AppendTurn(statex.Turn{Role: statex.RoleUser, Content: "bye", CreatedAt: fixedNow})
	st.Close(fixedNow)
	if _, err := store.Commit(ctx, "s-1", 0, st); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if _, err := LoadOrCreateState(ctx, &GraphState{SessionID: "s-1", Now: fixedNow}, store, statex.CustomerContext{}); !errors.Is(err, contractx.ErrSessionClosed) {
		t.Fatalf("LoadOrCreateState() error = %v, want ErrSessionClosed", err)
	}
}

func TestAppendUserTurn(t *testing.T) {
	t.Parallel()

	in := &GraphState{SessionID: "s-1", Text: "hello", Now: fixedNow, State: statex.NewConversationState("s-1", statex.CustomerContext{}, fixedNow)}
	out, err := AppendUserTurn(in)
	if err != nil {
		t.Fatalf("AppendUserTurn() error = %v", err)
	}
	if out.UserTurnIndex != 0 || len(out.State.Turns) != 1 || out.State.Turns[0].Role != statex.RoleUser {
		t.Fatalf("AppendUserTurn() = %+v", out.State.Turns)
	}
	if _, err := AppendUserTurn(&GraphState{}); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("AppendUserTurn() error = %v, want ErrValidation", err)
	}
}

func TestEnqueueSummaryThreshold(t *testing.T) {
	t.Parallel()

	st := statex.NewConversationState("s-1", statex.CustomerContext{}, fixedNow)
	for i := 0; i < 5; i++ {
		st.AppendTurn(statex.Turn{Role: statex.RoleUser, Content: "q", CreatedAt: fixedNow})
	}
	queue := &recordingQueue{}
	in := &GraphState{SessionID: "s-1", State: st, Version: 3}

	if _, err := EnqueueSummary(context.Background(), in, queue, 6); err != nil {
		t.Fatalf("EnqueueSummary() error = %v", err)
	}
	if len(queue.tasks) != 0 {
		t.Fatalf("tasks = %v, want none below threshold", queue.tasks)
	}

	st.AppendTurn(statex.Turn{Role: statex.RoleAgent, Content: "a", CreatedAt: fixedNow})
	if _, err := EnqueueSummary(context.Background(), in, queue, 6); err != nil {
		t.Fatalf("EnqueueSummary() error = %v", err)
	}
	if len(queue.tasks) != 1 || queue.tasks[0] != (contractx.SummaryTask{SessionID: "s-1", Version: 3}) {
		t.Fatalf("tasks = %v", queue.tasks)
	}

	st.SummaryThrough = 4
	queue.tasks = nil
	if _, err := EnqueueSummary(context.Background(), in, queue, 6); err != nil {
		t.Fatalf("EnqueueSummary() error = %v", err)
	}
	if len(queue.tasks) != 0 {
		t.Fatalf("tasks = %v, want none once covered", queue.tasks)
	}
}

func TestCommitError(t *testing.T) {
	t.Parallel()

	if err := CommitError("s", statex.ErrVersionConflict); !errors.Is(err, contractx.ErrSessionBusy) {
		t.Fatalf("CommitError() = %v, want ErrSessionBusy", err)
	}
	if err := CommitError("s", contractx.ErrSessionClosed); !errors.Is(err, contractx.ErrSessionClosed) {
		t.Fatalf("CommitError() = %v, want ErrSessionClosed", err)
	}
	err := CommitError("s", errors.New("disk full"))
	if !errors.Is(err, contractx.ErrPersistenceFailure) || errors.Is(err, contractx.ErrSessionBusy) {
		t.Fatalf("CommitError() = %v, want ErrPersistenceFailure only", err)
	}
}
