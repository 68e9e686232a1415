// Package ratelimit implements the per-identity call limiter: a sliding
// burst window over all calls, a daily cap on file creation, and warning
// escalation that ends in an automatic block.
package ratelimit

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/bertiespell/asset-canister/internal/auth"
	"github.com/bertiespell/asset-canister/internal/clock"
	"github.com/rs/zerolog/log"
)

// CallType classifies a metered call.
type CallType int

// Metered call types.
const (
	CreateFile CallType = iota
	DeleteFile
	UpdateFile
	GetFile
)

// String implements fmt.Stringer.
func (c CallType) String() string {
	switch c {
	case CreateFile:
		return "create_file"
	case DeleteFile:
		return "delete_file"
	case UpdateFile:
		return "update_file"
	case GetFile:
		return "get_file"
	default:
		return fmt.Sprintf("call_type(%d)", int(c))
	}
}

// Call is one entry of an identity's call log. Logs are not persisted.
type Call struct {
	Time     uint64
	Type     CallType
	Identity auth.Identity
}

// Warning counts an identity's rejected calls.
type Warning struct {
	Count    int64         `json:"count"`
	Identity auth.Identity `json:"identity"`
}

// Blocker blocks an identity. The moderation registry implements it.
type Blocker interface {
	Block(identity auth.Identity, metadata string)
}

// BlockerFunc adapts a function to a Blocker.
type BlockerFunc func(identity auth.Identity, metadata string)

// Block implements Blocker.
func (f BlockerFunc) Block(identity auth.Identity, metadata string) {
	f(identity, metadata)
}

// Config holds limiter thresholds.
type Config struct {
	// BurstCalls calls of any type are allowed within BurstWindow.
	BurstCalls  int
	BurstWindow time.Duration
	// DailyCreates CreateFile calls are allowed within DailyWindow.
	DailyCreates int
	DailyWindow  time.Duration
	// An identity is blocked once its warning count exceeds BlockAfter.
	BlockAfter int64
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		BurstCalls:   50,
		BurstWindow:  5 * time.Minute,
		DailyCreates: 3,
		DailyWindow:  24 * time.Hour,
		BlockAfter:   200,
	}
}

// AutoBlockMetadata is recorded with blocks issued by the limiter.
const AutoBlockMetadata = "automatically blocked: too many rate limit warnings"

// Limiter checks and records metered calls.
type Limiter struct {
	cfg        Config
	clock      clock.Clock
	superusers *auth.Superusers
	blocker    Blocker

	mu       sync.Mutex
	calls    map[auth.Identity][]Call
	warnings map[auth.Identity]int64
}

// New creates a limiter. blocker may be nil, in which case escalation only logs.
func New(cfg Config, clk clock.Clock, superusers *auth.Superusers, blocker Blocker) *Limiter {
	return &Limiter{
		cfg:        cfg,
		clock:      clk,
		superusers: superusers,
		blocker:    blocker,
		calls:      make(map[auth.Identity][]Call),
		warnings:   make(map[auth.Identity]int64),
	}
}

// SetBlocker sets the blocker used for warning escalation.
func (l *Limiter) SetBlocker(b Blocker) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocker = b
}

// CheckAndRecord admits or rejects a call and records it in the identity's
// log. Superusers are always admitted and never logged.
//
// A rejected call is still recorded and adds a warning; the identity is
// blocked when its warnings exceed the configured threshold.
func (l *Limiter) CheckAndRecord(identity auth.Identity, callType CallType) error {
	if l.superusers.Contains(identity) {
		return nil
	}

	l.mu.Lock()
	now := l.clock.NowNanos()
	l.compactLocked(identity, now)
	calls := l.calls[identity]

	err := l.check(calls, callType, now)
	if err == nil {
		if callType == DeleteFile {
			calls = removeLatestCreate(calls)
		}
		l.calls[identity] = append(calls, Call{Time: now, Type: callType, Identity: identity})
		l.mu.Unlock()
		return nil
	}

	l.calls[identity] = append(calls, Call{Time: now, Type: callType, Identity: identity})
	l.warnings[identity]++
	count := l.warnings[identity]
	blocker := l.blocker
	l.mu.Unlock()

	log.Debug().
		Str("identity", identity.String()).
		Str("call", callType.String()).
		Int64("warnings", count).
		Err(err).
		Msg("call rejected")

	if count > l.cfg.BlockAfter {
		log.Warn().Str("identity", identity.String()).Int64("warnings", count).Msg("blocking identity after repeated rate limit warnings")
		if blocker != nil {
			blocker.Block(identity, AutoBlockMetadata)
		}
	}
	return err
}

func (l *Limiter) check(calls []Call, callType CallType, now uint64) error {
	if t, ok := nthMostRecent(calls, l.cfg.BurstCalls-1, nil); ok && now-t < uint64(l.cfg.BurstWindow) {
		return ErrRateLimited
	}
	if callType == CreateFile {
		isCreate := func(c Call) bool { return c.Type == CreateFile }
		if t, ok := nthMostRecent(calls, l.cfg.DailyCreates-1, isCreate); ok && now-t < uint64(l.cfg.DailyWindow) {
			return ErrDailyLimitReached
		}
	}
	return nil
}

// nthMostRecent returns the time of the n-th most recent call (0-based)
// among calls matching keep.
func nthMostRecent(calls []Call, n int, keep func(Call) bool) (uint64, bool) {
	if n < 0 {
		return 0, false
	}
	times := make([]uint64, 0, len(calls))
	for _, c := range calls {
		if keep == nil || keep(c) {
			times = append(times, c.Time)
		}
	}
	if n >= len(times) {
		return 0, false
	}
	slices.SortFunc(times, func(a, b uint64) int {
		switch {
		case a > b:
			return -1
		case a < b:
			return 1
		}
		return 0
	})
	return times[n], true
}

// removeLatestCreate drops the most recent CreateFile entry so that a
// create followed by a delete does not consume daily create quota.
func removeLatestCreate(calls []Call) []Call {
	latest := -1
	for i, c := range calls {
		if c.Type != CreateFile {
			continue
		}
		if latest < 0 || c.Time >= calls[latest].Time {
			latest = i
		}
	}
	if latest < 0 {
		return calls
	}
	return slices.Delete(calls, latest, latest+1)
}

// Compact drops log entries older than the widest window for every identity
// and returns how many were dropped. Dropped entries can no longer affect
// any check, so outcomes are unchanged.
func (l *Limiter) Compact() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.NowNanos()
	dropped := 0
	for identity := range l.calls {
		dropped += l.compactLocked(identity, now)
	}
	return dropped
}

func (l *Limiter) compactLocked(identity auth.Identity, now uint64) int {
	window := max(l.cfg.BurstWindow, l.cfg.DailyWindow)
	calls, ok := l.calls[identity]
	if !ok {
		return 0
	}
	kept := calls[:0]
	for _, c := range calls {
		if now-c.Time < uint64(window) {
			kept = append(kept, c)
		}
	}
	dropped := len(calls) - len(kept)
	if len(kept) == 0 {
		delete(l.calls, identity)
	} else {
		l.calls[identity] = kept
	}
	return dropped
}

// Warnings returns every identity's warning count, sorted by identity.
func (l *Limiter) Warnings() []Warning {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Warning, 0, len(l.warnings))
	for id, n := range l.warnings {
		out = append(out, Warning{Count: n, Identity: id})
	}
	slices.SortFunc(out, func(a, b Warning) int {
		switch {
		case a.Identity < b.Identity:
			return -1
		case a.Identity > b.Identity:
			return 1
		}
		return 0
	})
	return out
}

// WarningCount returns the identity's warning count.
func (l *Limiter) WarningCount(identity auth.Identity) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.warnings[identity]
}

// CallCount returns the length of the identity's call log.
func (l *Limiter) CallCount(identity auth.Identity) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls[identity])
}

// Identities returns the number of identities with a non-empty call log.
func (l *Limiter) Identities() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}
