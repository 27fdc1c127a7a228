package state

import (
	"context"
	"sync"
)

// SessionLocker serialises work per session id inside one process. Distinct
// sessions never contend.
type SessionLocker struct {
	mu    sync.Mutex
	slots map[string]*sessionSlot
}

type sessionSlot struct {
	sem  chan struct{}
	refs int
}

func NewSessionLocker() *SessionLocker {
	return &SessionLocker{slots: make(map[string]*sessionSlot)}
}

// Acquire takes the session's slot. With wait=false a held slot yields
// ErrSessionBusy immediately; otherwise it blocks until the slot frees up or
// ctx is done. The returned release func is safe to call more than once.
func (l *SessionLocker) Acquire(ctx context.Context, sessionID string, wait bool) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[sessionID]
	if !ok {
		slot = &sessionSlot{sem: make(chan struct{}, 1)}
		l.slots[sessionID] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.sem <- struct{}{}:
		return l.releaser(sessionID, slot), nil
	default:
	}

	if !wait {
		l.unref(sessionID, slot)
		return nil, ErrSessionBusy
	}

	select {
	case slot.sem <- struct{}{}:
		return l.releaser(sessionID, slot), nil
	case <-ctx.Done():
		l.unref(sessionID, slot)
		return nil, ctx.Err()
	}
}

func (l *SessionLocker) releaser(sessionID string, slot *sessionSlot) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot.sem
			l.unref(sessionID, slot)
		})
	}
}

func (l *SessionLocker) unref(sessionID string, slot *sessionSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs <= 0 && l.slots[sessionID] == slot {
		delete(l.slots, sessionID)
	}
}
