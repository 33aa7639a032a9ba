package orchestrator

import (
	"context"
	"sync"
	"time"
)

// HandoffTimeout bounds how long Claim waits for a replaced owner to finish.
var HandoffTimeout = 5 * time.Second

// Registry keeps at most one live session per call id.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry { return &Registry{sessions: make(map[string]*Session)} }

// Claim makes s the owner of its call and closes the previous owner if
// present. It returns once the previous owner has finalized, or after
// HandoffTimeout, so the old owner's teardown cannot remove state the new
// owner has already written.
func (r *Registry) Claim(s *Session) (prevClosed bool) {
	r.mu.Lock()
	old, ok := r.sessions[s.info.ID]
	r.sessions[s.info.ID] = s
	r.mu.Unlock()
	if !ok || old == nil || old == s {
		gaugeActiveSessions.Inc()
		return false
	}
	old.Close()
	t := time.NewTimer(HandoffTimeout)
	defer t.Stop()
	select {
	case <-old.Done():
	case <-t.C:
		s.log.Warn("previous owner did not finish in time")
	}
	return true
}

// Release removes s if it is still the owner.
func (r *Registry) Release(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.info.ID]; ok && cur == s {
		delete(r.sessions, s.info.ID)
		gaugeActiveSessions.Dec()
	}
}

func (r *Registry) Get(callID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[callID]
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll asks every session to close, for shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
}

// Run claims the call for s, runs it and releases ownership when it ends.
func (r *Registry) Run(ctx context.Context, s *Session) error {
	r.Claim(s)
	defer r.Release(s)
	return s.Run(ctx)
}
