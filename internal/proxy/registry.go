package proxy

import (
	"sync"

	"github.com/shaeoj/stratumproxy/internal/job"
	"github.com/shaeoj/stratumproxy/internal/metrics"
	"github.com/shaeoj/stratumproxy/internal/session"
)

// sessionRegistry implements session.Registry and the job-broadcast
// fan-out target: every authorized session is tracked by worker name
// (for session-replacement) and by session ID (for broadcast).
type sessionRegistry struct {
	mu      sync.RWMutex
	byName  map[string]*session.Session
	byID    map[string]*session.Session
	metrics *metrics.Registry
}

func newSessionRegistry(m *metrics.Registry) *sessionRegistry {
	return &sessionRegistry{
		byName:  make(map[string]*session.Session),
		byID:    make(map[string]*session.Session),
		metrics: m,
	}
}

// Register implements session.Registry: a second connection authorizing
// under a worker name already owned by a live session evicts the prior
// session (session-replacement resolution of the duplicate-name open
// question).
func (r *sessionRegistry) Register(name string, s *session.Session) {
	r.mu.Lock()
	if prev, ok := r.byName[name]; ok && prev != s {
		prev.Evict()
	}
	_, alreadyTracked := r.byID[s.ID]
	r.byName[name] = s
	r.byID[s.ID] = s
	r.mu.Unlock()

	if !alreadyTracked && r.metrics != nil {
		r.metrics.ActiveSessions.Inc()
	}
}

// Unregister implements session.Registry.
func (r *sessionRegistry) Unregister(s *session.Session) {
	r.mu.Lock()
	if cur, ok := r.byName[s.Name()]; ok && cur == s {
		delete(r.byName, s.Name())
	}
	_, wasTracked := r.byID[s.ID]
	delete(r.byID, s.ID)
	r.mu.Unlock()

	if wasTracked && r.metrics != nil {
		r.metrics.ActiveSessions.Dec()
	}
}

// Broadcast pushes a real-pool job to every currently authorized session.
func (r *sessionRegistry) Broadcast(j job.Job) {
	r.mu.RLock()
	snapshot := make([]*session.Session, 0, len(r.byID))
	for _, s := range r.byID {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()

	for _, s := range snapshot {
		s.EnqueueJob(j)
	}
}

// Count returns the number of currently tracked sessions.
func (r *sessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
