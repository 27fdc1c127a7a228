package state

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps every checkpoint of every session in process memory.
// Values are cloned on the way in and out.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]*Checkpoint
	now      func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string][]*Checkpoint),
		now:      time.Now,
	}
}

func (s *MemoryStore) Load(ctx context.Context, sessionID string) (*Checkpoint, error) {
	if sessionID == "" {
		return nil, ErrInvalidSession
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.sessions[sessionID]
	if len(history) == 0 {
		return nil, ErrStateNotFound
	}
	return history[len(history)-1].Clone(), nil
}

func (s *MemoryStore) LoadVersion(ctx context.Context, sessionID string, version int64) (*Checkpoint, error) {
	if sessionID == "" {
		return nil, ErrInvalidSession
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.sessions[sessionID]
	if version <= 0 || version > int64(len(history)) {
		return nil, ErrStateNotFound
	}
	return history[version-1].Clone(), nil
}

func (s *MemoryStore) Commit(ctx context.Context, sessionID string, base int64, st *ConversationState) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.sessions[sessionID]
	if int64(len(history)) != base {
		return 0, ErrVersionConflict
	}
	var prev *ConversationState
	if len(history) > 0 {
		prev = history[len(history)-1].State
	}
	if err := validateCommit(sessionID, base, prev, st); err != nil {
		return 0, err
	}

	cp := &Checkpoint{
		SessionID: sessionID,
		Version:   base + 1,
		State:     st.Clone(),
		CreatedAt: s.now().UTC(),
	}
	s.sessions[sessionID] = append(history, cp)
	return cp.Version, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
