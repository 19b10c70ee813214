// Package session tracks durable phone session identities across transport
// reconnects.
//
// A Registry is not safe for concurrent use. The signaling hub owns it and
// serializes every call.
package session

import (
	"sort"
	"time"
)

const (
	DefaultTTL           = 600 * time.Second
	DefaultSweepInterval = 60 * time.Second

	// MaxIDLength bounds client-supplied session identifiers.
	MaxIDLength = 64
)

type Session struct {
	ID              string
	PhoneConnection string
	CreatedAt       time.Time
	LastSeenAt      time.Time
}

type Registry struct {
	ttl      time.Duration
	sessions map[string]*Session
}

func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		ttl:      ttl,
		sessions: make(map[string]*Session),
	}
}

func (r *Registry) TTL() time.Duration { return r.ttl }

// ValidID reports whether id is acceptable as a session identifier.
func ValidID(id string) bool {
	return id != "" && len(id) <= MaxIDLength
}

// Attach binds sessionID to connID. It creates the session if it is unknown
// and reports whether an existing session was reattached.
func (r *Registry) Attach(sessionID, connID string, now time.Time) (reattached bool) {
	if s, ok := r.sessions[sessionID]; ok {
		s.PhoneConnection = connID
		s.LastSeenAt = now
		return true
	}
	r.sessions[sessionID] = &Session{
		ID:              sessionID,
		PhoneConnection: connID,
		CreatedAt:       now,
		LastSeenAt:      now,
	}
	return false
}

// Touch refreshes the session currently bound to connID. It returns false
// when no session is bound to that connection (legacy phones).
func (r *Registry) Touch(connID string, now time.Time) bool {
	s := r.byConnection(connID)
	if s == nil {
		return false
	}
	s.LastSeenAt = now
	return true
}

// Sweep removes every session idle for strictly longer than the TTL and
// returns the removed ids in sorted order.
func (r *Registry) Sweep(now time.Time) []string {
	var removed []string
	for id, s := range r.sessions {
		if now.Sub(s.LastSeenAt) > r.ttl {
			delete(r.sessions, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// Lookup returns a copy of the session with the given id.
func (r *Registry) Lookup(sessionID string) (Session, bool) {
	s, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// ByConnection returns a copy of the session bound to connID.
func (r *Registry) ByConnection(connID string) (Session, bool) {
	s := r.byConnection(connID)
	if s == nil {
		return Session{}, false
	}
	return *s, true
}

func (r *Registry) Len() int { return len(r.sessions) }

// Linear scan; at most one phone is active so the set stays tiny.
func (r *Registry) byConnection(connID string) *Session {
	if connID == "" {
		return nil
	}
	for _, s := range r.sessions {
		if s.PhoneConnection == connID {
			return s
		}
	}
	return nil
}
