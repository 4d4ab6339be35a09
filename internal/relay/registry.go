package relay

import (
	"sync"

	"github.com/orgchat/relay/internal/metrics"
)

// Registry is the process-wide set of live connections plus a reverse index
// from user id to registered sessions. Fan-out reads it on every broadcast,
// so lookups take the read lock; mutation happens only on attach, detach and
// registration.
type Registry struct {
	mu       sync.RWMutex
	sessions map[*Session]struct{}
	byUser   map[int64]map[*Session]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[*Session]struct{}),
		byUser:   make(map[int64]map[*Session]struct{}),
	}
}

// Attach inserts a fresh unregistered session.
func (r *Registry) Attach(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[s] = struct{}{}
	metrics.IncConnection()
}

// Detach removes a session. Safe to call more than once; only the first
// call mutates the maps.
func (r *Registry) Detach(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s]; !ok {
		return
	}
	delete(r.sessions, s)
	metrics.DecConnection()

	if set, ok := r.byUser[s.userID]; ok {
		if _, member := set[s]; member {
			delete(set, s)
			metrics.RegisteredSessions.Dec()
			if len(set) == 0 {
				delete(r.byUser, s.userID)
			}
		}
	}
}

// MarkRegistered indexes the session under its user id. The session's
// identity fields must be final before this is called; the registry lock
// publishes them to other goroutines.
func (r *Registry) MarkRegistered(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s]; !ok {
		// Lost the race with a disconnect; do not index a detached session.
		return
	}
	set, ok := r.byUser[s.userID]
	if !ok {
		set = make(map[*Session]struct{})
		r.byUser[s.userID] = set
	}
	set[s] = struct{}{}
	metrics.RegisteredSessions.Inc()
}

// IsUserOnline reports whether any registered session belongs to the user.
func (r *Registry) IsUserOnline(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byUser[userID]) > 0
}

// ConnectionFor returns one registered session for the user, or nil. Fan-out
// sends to a single connection per recipient.
func (r *Registry) ConnectionFor(userID int64) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for s := range r.byUser[userID] {
		return s
	}
	return nil
}

// Registered returns a snapshot of all registered sessions.
func (r *Registry) Registered() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, set := range r.byUser {
		for s := range set {
			out = append(out, s)
		}
	}
	return out
}
