package sessions

import (
	"errors"
	"sync"

	"github.com/voxlane/voxlane/pkg/gateway/metrics"
)

var (
	// ErrSessionExists signals an insert conflict; callers generate fresh
	// identifiers instead of relying on the registry to deduplicate.
	ErrSessionExists = errors.New("sessions: session already exists")

	ErrSessionNotFound = errors.New("sessions: session not found")
)

// Registry maps session identifiers to live sessions. At most one live
// record exists per identifier.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	metrics  *metrics.Metrics
}

func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		metrics:  m,
	}
}

// Put inserts s. The first record for an identifier always wins; a
// conflicting insert fails and leaves the existing record untouched.
func (r *Registry) Put(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ID]; exists {
		return ErrSessionExists
	}
	r.sessions[s.ID] = s
	r.metrics.RecordSessionStart()
	return nil
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Remove deletes the record for id and returns it, or nil if absent.
func (r *Registry) Remove(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	delete(r.sessions, id)
	return s
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot returns the current sessions. The sweeper iterates the copy so
// per-session work never holds the registry lock.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
