package broker

import (
	"sort"

	"chatme/pkg/interfaces"
)

// Session is one client's state for the lifetime of its transport.
type Session struct {
	ID        string
	Transport interfaces.Connection
	// PartnerID is empty when unpaired. Links are symmetric outside of a
	// pairing or release.
	PartnerID string
	// Authenticated only ever moves from false to true.
	Authenticated bool
}

// Registry maps session ids to sessions. It is not safe for concurrent use.
type Registry struct {
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register adds an unauthenticated, unpaired session for conn.
func (r *Registry) Register(id string, conn interfaces.Connection) (*Session, error) {
	if id == "" {
		return nil, ErrMissingSessionID
	}
	if _, exists := r.sessions[id]; exists {
		return nil, ErrAlreadyRegistered
	}

	s := &Session{ID: id, Transport: conn}
	r.sessions[id] = s
	return s, nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Remove(id string) {
	delete(r.sessions, id)
}

// UpdateHandle swaps the transport of an existing session, keeping its
// authentication and partner state.
func (r *Registry) UpdateHandle(id string, conn interfaces.Connection) error {
	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.Transport = conn
	return nil
}

func (r *Registry) Len() int {
	return len(r.sessions)
}

// AuthenticatedIDs returns the sorted ids of authenticated sessions.
func (r *Registry) AuthenticatedIDs() []string {
	ids := make([]string, 0, len(r.sessions))
	for id, s := range r.sessions {
		if s.Authenticated {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Partners returns every non-empty partner link.
func (r *Registry) Partners() map[string]string {
	links := make(map[string]string)
	for id, s := range r.sessions {
		if s.PartnerID != "" {
			links[id] = s.PartnerID
		}
	}
	return links
}
