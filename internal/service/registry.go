package service

import (
	"sync"
	"time"

	"github.com/credpool/pool-server-go/internal/model"
)

// sessionRegistry tracks live sessions in memory. The durable side of a
// lease is accounts.session_id; the registry only carries idle-expiry
// bookkeeping, so losing it on restart is recoverable.
type sessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{
		sessions: make(map[string]*model.Session),
	}
}

// upsert registers a session or appends emails to an existing one,
// touching it either way.
func (r *sessionRegistry) upsert(sessionID string, emails []string, now time.Time) *model.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		s = &model.Session{
			ID:        sessionID,
			CreatedAt: now,
		}
		r.sessions[sessionID] = s
	}
	s.AccountEmails = append(s.AccountEmails, emails...)
	s.LastTouchedAt = now
	return s
}

func (r *sessionRegistry) get(sessionID string) (*model.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// touch refreshes the idle timer. Returns false for unknown sessions.
func (r *sessionRegistry) touch(sessionID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	s.LastTouchedAt = now
	return true
}

func (r *sessionRegistry) remove(sessionID string) (*model.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	return s, ok
}

// expired returns the IDs of sessions idle for at least timeout.
func (r *sessionRegistry) expired(now time.Time, timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for id, s := range r.sessions {
		if s.Expired(now, timeout) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *sessionRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
