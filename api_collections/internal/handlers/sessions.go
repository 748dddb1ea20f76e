package handlers

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"invoicing/api_collections/internal/workflow"
	"invoicing/pkg/cache"
)

// DefaultSessionTTL is how long an idle collection session is kept.
const DefaultSessionTTL = 30 * time.Minute

// Sessions holds live collection workflows by id. Idle sessions expire; each access
// extends the deadline.
type Sessions struct {
	cache  *cache.Cache[*workflow.Workflow]
	active prometheus.Gauge
}

// NewSessions creates the registry. maxSessions <= 0 means unbounded; active may be nil.
func NewSessions(ttl time.Duration, maxSessions int, active prometheus.Gauge) *Sessions {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Sessions{
		cache:  cache.New[*workflow.Workflow](cache.Options{TTL: ttl, Sliding: true, MaxEntries: maxSessions}, cache.MetricsHooks{}),
		active: active,
	}
}

// Put stores w under its id.
func (s *Sessions) Put(w *workflow.Workflow) {
	s.cache.Set(w.ID(), w)
	s.observe()
}

// Get returns the session only if it belongs to ownerUserID.
func (s *Sessions) Get(id, ownerUserID string) (*workflow.Workflow, bool) {
	w, ok := s.cache.Get(id)
	if !ok || w.OwnerUserID() != ownerUserID {
		return nil, false
	}
	return w, true
}

// Delete drops a session.
func (s *Sessions) Delete(id string) {
	s.cache.Delete(id)
	s.observe()
}

// Len is the number of sessions held, expired ones included until the next sweep.
func (s *Sessions) Len() int {
	return s.cache.Len()
}

// Sweep drops expired sessions and returns how many were removed.
func (s *Sessions) Sweep() int {
	n := s.cache.Sweep()
	s.observe()
	return n
}

func (s *Sessions) observe() {
	if s.active != nil {
		s.active.Set(float64(s.cache.Len()))
	}
}
