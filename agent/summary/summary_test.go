package summary

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	contractx "github.com/tanpawarit/udahub-support-orchestrator/agent/contract"
	statex "github.com/tanpawarit/udahub-support-orchestrator/agent/state"
)

func conversation(id string, pairs int) *statex.ConversationState {
	now := time.Unix(1700000000, 0)
	st := statex.NewConversationState(id, statex.CustomerContext{AccountID: "cultpass"}, now)
	for i := 0; i < pairs; i++ {
		st.AppendTurn(statex.Turn{Role: statex.RoleUser, Content: fmt.Sprintf("question %d", i), CreatedAt: now})
		st.AppendTurn(statex.Turn{Role: statex.RoleAgent, Agent: "knowledge", Content: fmt.Sprintf("answer %d", i), CreatedAt: now})
	}
	return st
}

// storeApplier mimics the engine: load, set summary, commit.
type storeApplier struct {
	mu    sync.Mutex
	store statex.Store
	calls int
	done  chan struct{}
}

func (a *storeApplier) ApplySummary(ctx context.Context, sessionID, summary string, throughTurn int) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	cp, err := a.store.Load(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	st := cp.State
	st.ConversationSummary = summary
	st.SummaryThrough = throughTurn
	v, err := a.store.Commit(ctx, sessionID, cp.Version, st)
	if a.done != nil {
		a.done <- struct{}{}
	}
	return v, err
}

type fakeCondenser struct {
	out string
	err error
}

func (f fakeCondenser) Condense(ctx context.Context, previous string, turns []statex.Turn) (string, error) {
	return f.out, f.err
}

func TestExtractiveCondenser(t *testing.T) {
	t.Parallel()

	st := conversation("s-1", 2)
	st.Turns[1].ToolCalls = []statex.ToolCall{{Tool: "knowledge.search"}}

	out, err := ExtractiveCondenser{}.Condense(context.Background(), "earlier context", st.Turns)
	if err != nil {
		t.Fatalf("Condense() error = %v", err)
	}
	want := "earlier context\nuser: question 0\nagent(knowledge): answer 0 [tools: knowledge.search]\nuser: question 1\nagent(knowledge): answer 1"
	if out != want {
		t.Fatalf("Condense() = %q, want %q", out, want)
	}

	clipped, err := ExtractiveCondenser{MaxChars: 10}.Condense(context.Background(), "", st.Turns)
	if err != nil {
		t.Fatalf("Condense() error = %v", err)
	}
	if !strings.HasPrefix(clipped, "...") || len([]rune(clipped)) != 13 {
		t.Fatalf("unexpected clipped summary: %q", clipped)
	}
}

func TestFallbackCondenser(t *testing.T) {
	t.Parallel()

	c := FallbackCondenser{
		Primary:  fakeCondenser{err: errors.New("model down")},
		Fallback: fakeCondenser{out: "fallback"},
	}
	out, err := c.Condense(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("Condense() error = %v", err)
	}
	if out != "fallback" {
		t.Fatalf("unexpected summary: %q", out)
	}

	_, err = FallbackCondenser{Primary: fakeCondenser{err: errors.New("model down")}}.Condense(context.Background(), "", nil)
	if err == nil {
		t.Fatal("expected error without fallback")
	}
}

func TestModelCondenser(t *testing.T) {
	t.Parallel()

	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"m","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"  Customer asked about plans.  "}}]}`))
	}))
	defer srv.Close()

	client := openaisdk.NewClient(option.WithBaseURL(srv.URL), option.WithAPIKey("k"), option.WithMaxRetries(0))
	c, err := NewModelCondenser(&client, "openai/gpt-4o-mini")
	if err != nil {
		t.Fatalf("NewModelCondenser() error = %v", err)
	}

	out, err := c.Condense(context.Background(), "", conversation("s-1", 1).Turns)
	if err != nil {
		t.Fatalf("Condense() error = %v", err)
	}
	if out != "Customer asked about plans." {
		t.Fatalf("unexpected summary: %q", out)
	}
	if !strings.Contains(gotBody, "question 0") {
		t.Fatalf("turns missing from request: %s", gotBody)
	}
}

func TestSummarizerRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := statex.NewMemoryStore()
	if _, err := store.Commit(ctx, "s-1", 0, conversation("s-1", 4)); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	applier := &storeApplier{store: store}
	s, err := NewSummarizer(store, ExtractiveCondenser{}, applier, 4)
	if err != nil {
		t.Fatalf("NewSummarizer() error = %v", err)
	}

	applied, err := s.Run(ctx, contractx.SummaryTask{SessionID: "s-1", Version: 1})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !applied {
		t.Fatal("expected summary to be applied")
	}
	cp, err := store.Load(ctx, "s-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cp.State.SummaryThrough != 4 || !strings.Contains(cp.State.ConversationSummary, "question 1") {
		t.Fatalf("unexpected summary state: through=%d summary=%q", cp.State.SummaryThrough, cp.State.ConversationSummary)
	}

	// Nothing new beyond the kept window.
	applied, err = s.Run(ctx, contractx.SummaryTask{SessionID: "s-1", Version: 2})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if applied {
		t.Fatal("expected no-op on second run")
	}
}

func TestSummarizerRunMissingSession(t *testing.T) {
	t.Parallel()

	store := statex.NewMemoryStore()
	s, err := NewSummarizer(store, ExtractiveCondenser{}, &storeApplier{store: store}, 0)
	if err != nil {
		t.Fatalf("NewSummarizer() error = %v", err)
	}
	_, err = s.Run(context.Background(), contractx.SummaryTask{SessionID: "missing"})
	if !errors.Is(err, statex.ErrStateNotFound) {
		t.Fatalf("expected ErrStateNotFound, got %v", err)
	}
}

func TestWorkerQueue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := statex.NewMemoryStore()
	if _, err := store.Commit(ctx, "s-1", 0, conversation("s-1", 3)); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	applier := &storeApplier{store: store, done: make(chan struct{}, 1)}
	s, err := NewSummarizer(store, ExtractiveCondenser{}, applier, 2)
	if err != nil {
		t.Fatalf("NewSummarizer() error = %v", err)
	}

	q := NewWorkerQueue(s, Config{Workers: 1, QueueSize: 4, Timeout: time.Second})
	q.Enqueue(ctx, contractx.SummaryTask{SessionID: "s-1", Version: 1})

	select {
	case <-applier.done:
	case <-time.After(2 * time.Second):
		t.Fatal("summary was not applied")
	}
	q.Close()
	// Enqueue after Close is a no-op.
	q.Enqueue(ctx, contractx.SummaryTask{SessionID: "s-1", Version: 2})

	cp, err := store.Load(ctx, "s-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cp.State.SummaryThrough != 4 {
		t.Fatalf("unexpected summary_through: %d", cp.State.SummaryThrough)
	}
}

type fakePublisher struct {
	destination string
	body        any
	err         error
}

func (f *fakePublisher) Publish(ctx context.Context, destination string, body any) (string, error) {
	f.destination = destination
	f.body = body
	return "msg-1", f.err
}

func TestQStashQueue(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	q := NewQStashQueue(pub, "https://example.com/internal/summaries")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q.Enqueue(ctx, contractx.SummaryTask{SessionID: "s-1", Version: 3})

	if pub.destination != "https://example.com/internal/summaries" {
		t.Fatalf("unexpected destination: %s", pub.destination)
	}
	task, ok := pub.body.(contractx.SummaryTask)
	if !ok || task.SessionID != "s-1" || task.Version != 3 {
		t.Fatalf("unexpected body: %#v", pub.body)
	}

	// Publish failures are logged, never raised.
	pub.err = errors.New("qstash down")
	q.Enqueue(context.Background(), contractx.SummaryTask{SessionID: "s-2"})
}
