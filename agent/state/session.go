package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// AgentType names the agent role that produced a turn or handled a session.
// The closed set of values lives in the contract package.
type AgentType string

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionEscalated SessionStatus = "escalated"
	SessionClosed    SessionStatus = "closed"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

type Session struct {
	ID        string        `json:"id"`
	CreatedAt time.Time     `json:"created_at"`
	Status    SessionStatus `json:"status"`
}

// CustomerContext scopes tools and retrieval to one tenant/user/ticket.
type CustomerContext struct {
	AccountID string `json:"account_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	TicketID  string `json:"ticket_id,omitempty"`
}

// ToolCall is the audit record of one tool invocation. ID doubles as the
// idempotency key handed to the collaborator.
type ToolCall struct {
	ID         string          `json:"id"`
	Tool       string          `json:"tool"`
	Agent      AgentType       `json:"agent"`
	Args       map[string]any  `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Code       string          `json:"code,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

func (c ToolCall) Failed() bool {
	return c.Error != "" || c.Code != ""
}

type Turn struct {
	Index     int        `json:"index"`
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Agent     AgentType  `json:"agent,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// ConversationState is the payload threaded through every turn. Turns is
// append-only; everything else is overwritten per turn.
type ConversationState struct {
	Session  Session         `json:"session"`
	Customer CustomerContext `json:"customer"`

	Turns           []Turn `json:"turns"`
	CurrentResponse string `json:"current_response,omitempty"`

	// Written only through the summarizer path.
	ConversationSummary string `json:"conversation_summary,omitempty"`
	SummaryThrough      int    `json:"summary_through"`

	ActiveAgent    AgentType `json:"active_agent,omitempty"`
	EscalationFlag bool      `json:"escalation_flag"`

	UpdatedAt time.Time `json:"updated_at"`
}

var (
	ErrTurnsRewritten     = errors.New("turn history was rewritten")
	ErrEscalationReverted = errors.New("escalation flag cannot be cleared")
	ErrSessionMismatch    = errors.New("session id mismatch")
	ErrSummaryRegressed   = errors.New("summary coverage moved backwards")
	ErrInvalidTurn        = errors.New("invalid turn")
)

func NewConversationState(sessionID string, customer CustomerContext, now time.Time) *ConversationState {
	return &ConversationState{
		Session: Session{
			ID:        sessionID,
			CreatedAt: now.UTC(),
			Status:    SessionActive,
		},
		Customer:  customer,
		Turns:     make([]Turn, 0, 8),
		UpdatedAt: now.UTC(),
	}
}

func (s *ConversationState) Touch(now time.Time) {
	s.UpdatedAt = now.UTC()
}

// AppendTurn assigns the next index and appends.
func (s *ConversationState) AppendTurn(t Turn) Turn {
	t.Index = len(s.Turns)
	t.CreatedAt = t.CreatedAt.UTC()
	s.Turns = append(s.Turns, t)
	return t
}

// LastUserTurn returns the most recent user turn.
func (s *ConversationState) LastUserTurn() (Turn, bool) {
	if s == nil {
		return Turn{}, false
	}
	for i := len(s.Turns) - 1; i >= 0; i-- {
		if s.Turns[i].Role == RoleUser {
			return s.Turns[i], true
		}
	}
	return Turn{}, false
}

// Escalate sets the monotonic escalation flag.
func (s *ConversationState) Escalate(now time.Time) {
	s.EscalationFlag = true
	if s.Session.Status != SessionClosed {
		s.Session.Status = SessionEscalated
	}
	s.Touch(now)
}

func (s *ConversationState) Close(now time.Time) {
	s.Session.Status = SessionClosed
	s.Touch(now)
}

func (s *ConversationState) IsClosed() bool {
	return s != nil && s.Session.Status == SessionClosed
}

func (s *ConversationState) Validate() error {
	if s == nil {
		return ErrNilState
	}
	if strings.TrimSpace(s.Session.ID) == "" {
		return ErrInvalidSession
	}
	switch s.Session.Status {
	case SessionActive, SessionEscalated, SessionClosed:
	default:
		return fmt.Errorf("invalid session status=%q", s.Session.Status)
	}
	if s.EscalationFlag && s.Session.Status == SessionActive {
		return fmt.Errorf("escalated session must not be active")
	}
	for i, t := range s.Turns {
		if t.Index != i {
			return fmt.Errorf("%w: turn at position %d has index %d", ErrInvalidTurn, i, t.Index)
		}
		if t.Role != RoleUser && t.Role != RoleAgent {
			return fmt.Errorf("%w: turn %d has role %q", ErrInvalidTurn, i, t.Role)
		}
	}
	if s.SummaryThrough < 0 || s.SummaryThrough > len(s.Turns) {
		return fmt.Errorf("summary_through=%d out of range", s.SummaryThrough)
	}
	return nil
}

// ValidateSuccessor checks that next may be committed on top of prev.
func ValidateSuccessor(prev, next *ConversationState) error {
	if err := next.Validate(); err != nil {
		return err
	}
	if prev == nil {
		return nil
	}
	if prev.Session.ID != next.Session.ID {
		return fmt.Errorf("%w: %s != %s", ErrSessionMismatch, prev.Session.ID, next.Session.ID)
	}
	if len(next.Turns) < len(prev.Turns) {
		return fmt.Errorf("%w: %d turns became %d", ErrTurnsRewritten, len(prev.Turns), len(next.Turns))
	}
	for i := range prev.Turns {
		if !sameTurn(prev.Turns[i], next.Turns[i]) {
			return fmt.Errorf("%w: turn %d differs", ErrTurnsRewritten, i)
		}
	}
	if prev.EscalationFlag && !next.EscalationFlag {
		return ErrEscalationReverted
	}
	if prev.Session.Status == SessionClosed && next.Session.Status != SessionClosed {
		return ErrSessionClosed
	}
	if next.SummaryThrough < prev.SummaryThrough {
		return ErrSummaryRegressed
	}
	return nil
}

func sameTurn(a, b Turn) bool {
	if a.Index != b.Index || a.Role != b.Role || a.Content != b.Content || a.Agent != b.Agent {
		return false
	}
	if !a.CreatedAt.Equal(b.CreatedAt) || len(a.ToolCalls) != len(b.ToolCalls) {
		return false
	}
	for i := range a.ToolCalls {
		if a.ToolCalls[i].ID != b.ToolCalls[i].ID || a.ToolCalls[i].Tool != b.ToolCalls[i].Tool {
			return false
		}
	}
	return true
}

// Clone returns a deep copy safe for independent mutation.
func (s *ConversationState) Clone() *ConversationState {
	if s == nil {
		return nil
	}
	out := *s
	out.Turns = make([]Turn, len(s.Turns))
	for i, t := range s.Turns {
		out.Turns[i] = t.clone()
	}
	return &out
}

func (t Turn) clone() Turn {
	out := t
	if t.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(t.ToolCalls))
		for i, c := range t.ToolCalls {
			out.ToolCalls[i] = c.Clone()
		}
	}
	return out
}

func (c ToolCall) Clone() ToolCall {
	out := c
	if c.Args != nil {
		out.Args = cloneValue(c.Args).(map[string]any)
	}
	if c.Result != nil {
		out.Result = append(json.RawMessage(nil), c.Result...)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(typed))
		for k, val := range typed {
			m[k] = cloneValue(val)
		}
		return m
	case []any:
		s := make([]any, len(typed))
		for i, val := range typed {
			s[i] = cloneValue(val)
		}
		return s
	default:
		return v
	}
}
