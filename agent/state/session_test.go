package state

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestAppendTurnAssignsSequentialIndices(t *testing.T) {
	t.Parallel()

	st := NewConversationState("s", CustomerContext{}, time.Now())
	for i := 0; i < 3; i++ {
		turn := st.AppendTurn(Turn{Role: RoleUser, Content: "x"})
		if turn.Index != i {
			t.Fatalf("AppendTurn() index = %d, want %d", turn.Index, i)
		}
	}
	if err := st.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestValidateRejectsBrokenState(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tests := []struct {
		name   string
		mutate func(*ConversationState)
	}{
		{name: "empty id", mutate: func(s *ConversationState) { s.Session.ID = " " }},
		{name: "unknown status", mutate: func(s *ConversationState) { s.Session.Status = "paused" }},
		{name: "escalated but active", mutate: func(s *ConversationState) { s.EscalationFlag = true }},
		{name: "index gap", mutate: func(s *ConversationState) { s.Turns[0].Index = 4 }},
		{name: "bad role", mutate: func(s *ConversationState) { s.Turns[0].Role = "system" }},
		{name: "summary past end", mutate: func(s *ConversationState) { s.SummaryThrough = 9 }},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			st := NewConversationState("s", CustomerContext{}, now)
			st.AppendTurn(Turn{Role: RoleUser, Content: "hi"})
			tc.mutate(st)
			if err := st.Validate(); err == nil {
				t.Fatalf("Validate() error = nil")
			}
		})
	}
}

func TestEscalateDoesNotReopenClosedSession(t *testing.T) {
	t.Parallel()

	now := time.Now()
	st := NewConversationState("s", CustomerContext{}, now)
	st.Close(now)
	st.Escalate(now)

	if !st.EscalationFlag {
		t.Fatal("expected escalation flag")
	}
	if st.Session.Status != SessionClosed {
		t.Fatalf("status = %s, want closed", st.Session.Status)
	}
}

func TestValidateSuccessor(t *testing.T) {
	t.Parallel()

	now := time.Now()
	prev := NewConversationState("s", CustomerContext{}, now)
	prev.AppendTurn(Turn{Role: RoleUser, Content: "hi", CreatedAt: now})

	next := prev.Clone()
	next.AppendTurn(Turn{Role: RoleAgent, Content: "hello", Agent: "knowledge", CreatedAt: now})
	if err := ValidateSuccessor(prev, next); err != nil {
		t.Fatalf("ValidateSuccessor() error = %v", err)
	}

	other := next.Clone()
	other.Session.ID = "other"
	if err := ValidateSuccessor(prev, other); !errors.Is(err, ErrSessionMismatch) {
		t.Fatalf("ValidateSuccessor() error = %v, want ErrSessionMismatch", err)
	}

	closed := prev.Clone()
	closed.Close(now)
	reopened := closed.Clone()
	reopened.Session.Status = SessionActive
	if err := ValidateSuccessor(closed, reopened); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("ValidateSuccessor() error = %v, want ErrSessionClosed", err)
	}

	summarised := next.Clone()
	summarised.SummaryThrough = 2
	regressed := summarised.Clone()
	regressed.SummaryThrough = 1
	if err := ValidateSuccessor(summarised, regressed); !errors.Is(err, ErrSummaryRegressed) {
		t.Fatalf("ValidateSuccessor() error = %v, want ErrSummaryRegressed", err)
	}
}

func TestStateJSONRoundTripKeepsToolCalls(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	st := NewConversationState("s", CustomerContext{AccountID: "cultpass", UserID: "u1"}, now)
	st.AppendTurn(Turn{
		Role:      RoleAgent,
		Content:   "done",
		Agent:     "action",
		CreatedAt: now,
		ToolCalls: []ToolCall{{
			ID:     "abc",
			Tool:   "records.get_user",
			Agent:  "action",
			Args:   map[string]any{"user_id": "u1"},
			Result: json.RawMessage(`{"user_id":"u1"}`),
		}},
	})

	raw, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var decoded ConversationState
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if err := ValidateSuccessor(st, &decoded); err != nil {
		t.Fatalf("decoded state is not a valid successor: %v", err)
	}
	if decoded.Customer.UserID != "u1" {
		t.Fatalf("customer = %+v", decoded.Customer)
	}
}
