// Package moderation maintains the blocklist.
package moderation

import (
	"fmt"
	"slices"
	"sync"

	"github.com/bertiespell/asset-canister/internal/auth"
	"github.com/bertiespell/asset-canister/internal/store"
	"github.com/rs/zerolog/log"
)

// Blocked is a blocklist entry. Entries do not expire.
type Blocked struct {
	Identity auth.Identity `json:"identity"`
	Metadata string        `json:"metadata"`
}

// FileDeleter removes every file an identity owns. *store.Store implements it.
type FileDeleter interface {
	DeleteAllOwnedBy(identity auth.Identity) ([]store.File, error)
}

// Registry is the set of blocked identities.
type Registry struct {
	files FileDeleter

	mu      sync.RWMutex
	blocked map[auth.Identity]Blocked
}

// NewRegistry creates an empty registry. files is used by BlockAndDelete.
func NewRegistry(files FileDeleter) *Registry {
	return &Registry{
		files:   files,
		blocked: make(map[auth.Identity]Blocked),
	}
}

// IsBlocked reports whether identity is blocked.
func (r *Registry) IsBlocked(identity auth.Identity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.blocked[identity]
	return ok
}

// Block adds identity to the blocklist, overwriting any existing entry.
// It implements ratelimit.Blocker.
func (r *Registry) Block(identity auth.Identity, metadata string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocked[identity] = Blocked{Identity: identity, Metadata: metadata}
	log.Info().Str("identity", identity.String()).Msg("identity blocked")
}

// Unblock removes identity from the blocklist. Unknown identities are ignored.
func (r *Registry) Unblock(identity auth.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.blocked[identity]; !ok {
		return
	}
	delete(r.blocked, identity)
	log.Info().Str("identity", identity.String()).Msg("identity unblocked")
}

// BlockAndDelete blocks identity and deletes every file it owns, returning
// the deleted files. The block stays in place if deletion fails part way.
func (r *Registry) BlockAndDelete(identity auth.Identity, metadata string) ([]store.File, error) {
	r.Block(identity, metadata)

	deleted, err := r.files.DeleteAllOwnedBy(identity)
	if err != nil {
		return deleted, fmt.Errorf("delete files of %s: %w", identity, err)
	}
	log.Info().Str("identity", identity.String()).Int("files", len(deleted)).Msg("deleted files of blocked identity")
	return deleted, nil
}

// List returns the blocked identities in sorted order.
func (r *Registry) List() []auth.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]auth.Identity, 0, len(r.blocked))
	for id := range r.blocked {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Len returns the number of blocked identities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.blocked)
}

// All returns a copy of the blocklist.
func (r *Registry) All() map[auth.Identity]Blocked {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[auth.Identity]Blocked, len(r.blocked))
	for id, b := range r.blocked {
		out[id] = b
	}
	return out
}

// Restore replaces the blocklist with a copy of blocked.
func (r *Registry) Restore(blocked map[auth.Identity]Blocked) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocked = make(map[auth.Identity]Blocked, len(blocked))
	for id, b := range blocked {
		r.blocked[id] = b
	}
}
