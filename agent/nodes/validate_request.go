package workflownode

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	contractx "github.com/tanpawarit/udahub-support-orchestrator/agent/contract"
	statex "github.com/tanpawarit/udahub-support-orchestrator/agent/state"
)

var (
	ErrInvalidMessage = errors.New("message is empty")
	ErrInvalidSession = statex.ErrInvalidSession
	ErrMessageTooLong = errors.New("message is too long")
)

const DefaultMaxInputRunes = 8000

type GraphInput struct {
	SessionID string
	Text      string
	// Customer seeds a new session. Existing sessions keep their own.
	Customer *statex.CustomerContext
}

// TurnResult is what the caller gets back from one turn.
type TurnResult struct {
	SessionID string                    `json:"session_id"`
	Response  string                    `json:"response"`
	Escalated bool                      `json:"escalated"`
	Version   int64                     `json:"version"`
	Agent     contractx.AgentType       `json:"agent,omitempty"`
	Actions   []contractx.NextAction    `json:"actions,omitempty"`
	ToolCalls int                       `json:"tool_calls"`
	Degraded  bool                      `json:"degraded,omitempty"`
	State     *statex.ConversationState `json:"-"`
}

type GraphState struct {
	SessionID string
	Text      string
	Now       time.Time
	Customer  *statex.CustomerContext

	// State is the working copy; Base the version it was loaded at.
	State         *statex.ConversationState
	Base          int64
	UserTurnIndex int

	Response   string
	Escalated  bool
	Degraded   bool
	FinalAgent contractx.AgentType
	Agents     []contractx.AgentType
	Actions    []contractx.NextAction
	ToolCalls  []statex.ToolCall
	Reasons    []string

	Version int64
}

func ValidateRequest(in GraphInput, maxInputRunes int, nowFn func() time.Time) (*GraphState, error) {
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		return nil, ErrInvalidSession
	}

	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, fmt.Errorf("%w: %w", contractx.ErrValidation, ErrInvalidMessage)
	}
	if maxInputRunes <= 0 {
		maxInputRunes = DefaultMaxInputRunes
	}
	if utf8.RuneCountInString(text) > maxInputRunes {
		return nil, fmt.Errorf("%w: %w: limit=%d", contractx.ErrValidation, ErrMessageTooLong, maxInputRunes)
	}

	return &GraphState{
		SessionID: sessionID,
		Text:      text,
		Now:       nowFn().UTC(),
		Customer:  in.Customer,
	}, nil
}
