// Package quota tracks per-identity storage usage.
package quota

import (
	"slices"
	"sync"

	"github.com/bertiespell/asset-canister/internal/auth"
	"github.com/bertiespell/asset-canister/internal/store"
)

// UserInfo is one identity's ledger entry.
// ByteLimit is tracked but not enforced; capacity is enforced process-wide.
type UserInfo struct {
	Blocked    bool           `json:"blocked"`
	FilesOwned []store.FileID `json:"files_owned"`
	ByteLimit  uint64         `json:"byte_limit"`
	BytesUsed  uint64         `json:"bytes_used"`
}

func (u UserInfo) clone() UserInfo {
	u.FilesOwned = slices.Clone(u.FilesOwned)
	return u
}

// Ledger records usage after every successful write. Entries are created
// lazily and never removed.
type Ledger struct {
	users map[auth.Identity]*UserInfo
	mu    sync.RWMutex
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		users: make(map[auth.Identity]*UserInfo),
	}
}

// RecordUsage adds bytes to the identity's usage and, when f is non-nil,
// adds f to its owned files. It implements store.UsageRecorder.
func (l *Ledger) RecordUsage(identity auth.Identity, f *store.File, bytes uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	info, ok := l.users[identity]
	if !ok {
		info = &UserInfo{}
		l.users[identity] = info
	}
	info.BytesUsed += bytes
	if f != nil {
		if i, found := slices.BinarySearch(info.FilesOwned, f.ID); !found {
			info.FilesOwned = slices.Insert(info.FilesOwned, i, f.ID)
		}
	}
	return nil
}

// SetBlocked mirrors the moderation status into an existing entry.
func (l *Ledger) SetBlocked(identity auth.Identity, blocked bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if info, ok := l.users[identity]; ok {
		info.Blocked = blocked
	}
}

// Get returns a copy of the identity's entry.
func (l *Ledger) Get(identity auth.Identity) (UserInfo, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	info, ok := l.users[identity]
	if !ok {
		return UserInfo{}, false
	}
	return info.clone(), true
}

// All returns a copy of every entry.
func (l *Ledger) All() map[auth.Identity]UserInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[auth.Identity]UserInfo, len(l.users))
	for id, info := range l.users {
		out[id] = info.clone()
	}
	return out
}

// Restore replaces every entry with a copy of users.
func (l *Ledger) Restore(users map[auth.Identity]UserInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.users = make(map[auth.Identity]*UserInfo, len(users))
	for id, info := range users {
		c := info.clone()
		slices.Sort(c.FilesOwned)
		l.users[id] = &c
	}
}

// Len returns the number of identities with an entry.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.users)
}

// TotalBytesUsed returns the sum of BytesUsed across all entries.
func (l *Ledger) TotalBytesUsed() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total uint64
	for _, info := range l.users {
		total += info.BytesUsed
	}
	return total
}
