package auth

import (
	"sort"
	"sync"
)

// Superusers is the fixed allow-list of identities exempt from rate limiting
// and moderation. It is resolved once at startup from the deploy network's
// list and never changes afterwards.
type Superusers struct {
	set map[Identity]struct{}
	mu  sync.RWMutex
}

// NewSuperusers creates an allow-list from identity strings.
// Blank entries are ignored; the anonymous identity can never be a superuser.
func NewSuperusers(ids []string) *Superusers {
	s := &Superusers{set: make(map[Identity]struct{}, len(ids))}
	for _, raw := range ids {
		id := Identity(raw)
		if id.IsAnonymous() {
			continue
		}
		s.set[id] = struct{}{}
	}
	return s
}

// Contains returns true if id is a superuser.
func (s *Superusers) Contains(id Identity) bool {
	if s == nil || id.IsAnonymous() {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.set[id]
	return ok
}

// List returns the superusers sorted by identity.
func (s *Superusers) List() []Identity {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]Identity, 0, len(s.set))
	for id := range s.set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of superusers.
func (s *Superusers) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.set)
}
