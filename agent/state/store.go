package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrStateNotFound  = errors.New("session state not found")
	ErrNilState       = errors.New("session state is nil")
	ErrInvalidSession = errors.New("session id is empty")
	ErrSessionBusy    = errors.New("session is busy")
	ErrSessionClosed  = errors.New("session is closed")

	// ErrVersionConflict means another writer committed first. It is a
	// flavour of ErrSessionBusy so callers can retry the turn.
	ErrVersionConflict = fmt.Errorf("%w: checkpoint version conflict", ErrSessionBusy)
)

// Checkpoint is an immutable, versioned snapshot of a conversation.
type Checkpoint struct {
	SessionID string             `json:"session_id"`
	Version   int64              `json:"version"`
	State     *ConversationState `json:"state"`
	CreatedAt time.Time          `json:"created_at"`
}

func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	out := *c
	out.State = c.State.Clone()
	return &out
}

// Store persists checkpoints. Commit is atomic: readers see either the
// previous version or the new one. base is the version the state was loaded
// from (0 for a new session); a mismatch yields ErrVersionConflict.
type Store interface {
	Load(ctx context.Context, sessionID string) (*Checkpoint, error)
	LoadVersion(ctx context.Context, sessionID string, version int64) (*Checkpoint, error)
	Commit(ctx context.Context, sessionID string, base int64, st *ConversationState) (int64, error)
	Close() error
}

func validateCommit(sessionID string, base int64, prev, next *ConversationState) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrInvalidSession
	}
	if next == nil {
		return ErrNilState
	}
	if base < 0 {
		return fmt.Errorf("base version must be >= 0, got %d", base)
	}
	if next.Session.ID != sessionID {
		return fmt.Errorf("%w: state belongs to %s, commit targets %s", ErrSessionMismatch, next.Session.ID, sessionID)
	}
	return ValidateSuccessor(prev, next)
}
