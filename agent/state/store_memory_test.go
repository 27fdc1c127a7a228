package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func seededState(id string, now time.Time) *ConversationState {
	st := NewConversationState(id, CustomerContext{AccountID: "cultpass"}, now)
	st.AppendTurn(Turn{Role: RoleUser, Content: "how do subscriptions work?", CreatedAt: now})
	return st
}

func TestMemoryStoreVersionsAreMonotonic(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	st := seededState("s1", now)

	var base int64
	for i := 0; i < 3; i++ {
		v, err := store.Commit(ctx, "s1", base, st)
		if err != nil {
			t.Fatalf("Commit() error = %v", err)
		}
		if v != base+1 {
			t.Fatalf("Commit() version = %d, want %d", v, base+1)
		}
		base = v
		st.AppendTurn(Turn{Role: RoleAgent, Content: "ok", Agent: "knowledge", CreatedAt: now})
	}

	cp, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cp.Version != 3 {
		t.Fatalf("Load() version = %d, want 3", cp.Version)
	}
	first, err := store.LoadVersion(ctx, "s1", 1)
	if err != nil {
		t.Fatalf("LoadVersion() error = %v", err)
	}
	if len(first.State.Turns) != 1 {
		t.Fatalf("LoadVersion(1) turns = %d, want 1", len(first.State.Turns))
	}
}

func TestMemoryStoreLoadMissing(t *testing.T) {
	t.Parallel()

	_, err := NewMemoryStore().Load(context.Background(), "missing")
	if !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("Load() error = %v, want ErrStateNotFound", err)
	}
}

func TestMemoryStoreStaleBaseConflicts(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	st := seededState("s1", time.Now())

	if _, err := store.Commit(ctx, "s1", 0, st); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	_, err := store.Commit(ctx, "s1", 0, st)
	if !errors.Is(err, ErrVersionConflict) || !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("Commit() error = %v, want ErrVersionConflict", err)
	}
}

func TestMemoryStoreRejectsRewrittenTurns(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	st := seededState("s1", time.Now())
	v, err := store.Commit(ctx, "s1", 0, st)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	rewritten := st.Clone()
	rewritten.Turns[0].Content = "something else"
	if _, err := store.Commit(ctx, "s1", v, rewritten); !errors.Is(err, ErrTurnsRewritten) {
		t.Fatalf("Commit() error = %v, want ErrTurnsRewritten", err)
	}

	truncated := st.Clone()
	truncated.Turns = truncated.Turns[:0]
	if _, err := store.Commit(ctx, "s1", v, truncated); !errors.Is(err, ErrTurnsRewritten) {
		t.Fatalf("Commit() error = %v, want ErrTurnsRewritten", err)
	}
}

func TestMemoryStoreRejectsClearedEscalation(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	st := seededState("s1", now)
	st.Escalate(now)
	v, err := store.Commit(ctx, "s1", 0, st)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	reverted := st.Clone()
	reverted.EscalationFlag = false
	reverted.Session.Status = SessionActive
	if _, err := store.Commit(ctx, "s1", v, reverted); !errors.Is(err, ErrEscalationReverted) {
		t.Fatalf("Commit() error = %v, want ErrEscalationReverted", err)
	}
}

func TestMemoryStoreIsolatesCallerMutations(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	st := seededState("s1", time.Now())
	st.Turns[0].ToolCalls = []ToolCall{{ID: "c1", Tool: "knowledge.search", Args: map[string]any{"query": "x"}}}
	if _, err := store.Commit(ctx, "s1", 0, st); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	st.Turns[0].ToolCalls[0].Args["query"] = "mutated"
	cp, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cp.State.Turns[0].ToolCalls[0].Args["query"]; got != "x" {
		t.Fatalf("stored args = %v, want x", got)
	}
}

func TestMemoryStoreConcurrentCommitsOneWins(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	st := seededState("s1", time.Now())

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Commit(ctx, "s1", 0, st.Clone()); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("successful commits = %d, want 1", successes)
	}
}
