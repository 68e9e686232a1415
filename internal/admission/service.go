// Package admission composes the store, quota ledger, rate limiter and
// moderation registry into accept/reject decisions for every caller-facing
// operation.
//
// Each pipeline runs its stages in a fixed order and returns the first
// failure unchanged. The Service mutex is held for the whole call, so one
// call completes, nested component calls included, before the next begins.
package admission

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bertiespell/asset-canister/internal/auth"
	"github.com/bertiespell/asset-canister/internal/clock"
	"github.com/bertiespell/asset-canister/internal/logging/audit"
	"github.com/bertiespell/asset-canister/internal/metrics"
	"github.com/bertiespell/asset-canister/internal/moderation"
	"github.com/bertiespell/asset-canister/internal/quota"
	"github.com/bertiespell/asset-canister/internal/ratelimit"
	"github.com/bertiespell/asset-canister/internal/snapshot"
	"github.com/bertiespell/asset-canister/internal/store"
	"github.com/rs/zerolog/log"
)

// Operation names used in audit events and metrics.
const (
	OpCreateFile     = "create_file"
	OpAppendChunk    = "append_chunk"
	OpDeleteFile     = "delete_file"
	OpBlock          = "block"
	OpUnblock        = "unblock"
	OpBlockAndDelete = "block_and_delete"
	OpListBlocked    = "list_blocked"
	OpListWarnings   = "list_warnings"
	OpForceCreate    = "force_create_file"
	OpCapacityCheck  = "capacity_check"
)

// systemActor is the admin ID recorded for blocks issued by the limiter.
const systemActor = "system"

// Options configures a Service. Store, Ledger, Limiter and Registry are required.
type Options struct {
	Store      *store.Store
	Ledger     *quota.Ledger
	Limiter    *ratelimit.Limiter
	Registry   *moderation.Registry
	Superusers *auth.Superusers
	Clock      clock.Clock
	Limits     Limits
	// DataDir is checked against Limits.MinFreeDisk.
	DataDir string
	Audit   *audit.Logger
	Metrics *metrics.AssetMetrics
}

// Service is the admission-control pipeline.
type Service struct {
	store      *store.Store
	ledger     *quota.Ledger
	limiter    *ratelimit.Limiter
	registry   *moderation.Registry
	superusers *auth.Superusers
	clock      clock.Clock
	limits     Limits
	dataDir    string
	audit      *audit.Logger
	metrics    *metrics.AssetMetrics

	volumeStats func(path string) (total, used, available int64, err error)

	mu sync.RWMutex
}

// New wires the components together: the ledger records store usage and
// the limiter escalates into the registry.
func New(opts Options) (*Service, error) {
	if opts.Store == nil || opts.Ledger == nil || opts.Limiter == nil || opts.Registry == nil {
		return nil, errors.New("admission: store, ledger, limiter and registry are required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop()
	}
	if opts.Limits == (Limits{}) {
		opts.Limits = DefaultLimits()
	}

	s := &Service{
		store:       opts.Store,
		ledger:      opts.Ledger,
		limiter:     opts.Limiter,
		registry:    opts.Registry,
		superusers:  opts.Superusers,
		clock:       opts.Clock,
		limits:      opts.Limits,
		dataDir:     opts.DataDir,
		audit:       opts.Audit,
		metrics:     opts.Metrics,
		volumeStats: GetVolumeStats,
	}

	s.store.SetUsageRecorder(s.ledger)
	s.limiter.SetBlocker(ratelimit.BlockerFunc(s.autoBlock))

	return s, nil
}

// Limits returns the size and capacity policy.
func (s *Service) Limits() Limits {
	return s.limits
}

// IsSuperuser reports whether identity is on the superuser allow-list.
func (s *Service) IsSuperuser(identity auth.Identity) bool {
	return s.superusers.Contains(identity)
}

// autoBlock is called by the limiter, which already runs under s.mu.
func (s *Service) autoBlock(identity auth.Identity, metadata string) {
	s.registry.Block(identity, metadata)
	s.ledger.SetBlocked(identity, true)
	s.audit.LogModeration(systemActor, OpBlock, identity.String(), metadata)
}

// CreateFile admits and stores a new file.
// Stages: identity, rate limit, moderation, capacity, chunk count, chunk size.
func (s *Service) CreateFile(caller auth.Identity, firstChunk []byte, name string, declared uint64, fileType string) (*store.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	su, err := s.identify(caller)
	if err != nil {
		return nil, s.deny(caller, OpCreateFile, -1, err)
	}
	if !su {
		if err := s.limiter.CheckAndRecord(caller, ratelimit.CreateFile); err != nil {
			return nil, s.deny(caller, OpCreateFile, -1, err)
		}
		if s.registry.IsBlocked(caller) {
			return nil, s.deny(caller, OpCreateFile, -1, ErrBlocked)
		}
	}
	if err := s.checkNewFile(firstChunk, declared); err != nil {
		return nil, s.deny(caller, OpCreateFile, -1, err)
	}

	f, err := s.store.CreateFile(firstChunk, name, declared, fileType, caller)
	if err != nil {
		return nil, s.deny(caller, OpCreateFile, -1, err)
	}

	s.metrics.RecordUpload(len(firstChunk))
	s.audit.LogAdmission(caller.String(), OpCreateFile, int64(f.ID), audit.Allowed, "")
	return f, nil
}

// AppendChunk admits and stores one more chunk of an existing file.
// Stages: identity, rate limit, moderation, ownership, capacity, chunk count, chunk size.
func (s *Service) AppendChunk(caller auth.Identity, fileID store.FileID, data []byte, orderID uint64) (*store.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := int64(fileID)
	su, err := s.identify(caller)
	if err != nil {
		return nil, s.deny(caller, OpAppendChunk, id, err)
	}
	if !su {
		if err := s.limiter.CheckAndRecord(caller, ratelimit.UpdateFile); err != nil {
			return nil, s.deny(caller, OpAppendChunk, id, err)
		}
		if s.registry.IsBlocked(caller) {
			return nil, s.deny(caller, OpAppendChunk, id, ErrBlocked)
		}
	}
	f, err := s.ownedFile(caller, su, fileID)
	if err != nil {
		return nil, s.deny(caller, OpAppendChunk, id, err)
	}
	if err := s.checkCapacity(); err != nil {
		return nil, s.deny(caller, OpAppendChunk, id, err)
	}
	if f.IsFull() {
		err := fmt.Errorf("%w: all %d chunks already allocated for file %d", ErrTooManyChunks, f.DeclaredChunks, fileID)
		return nil, s.deny(caller, OpAppendChunk, id, err)
	}
	if err := s.checkChunkSize(data); err != nil {
		return nil, s.deny(caller, OpAppendChunk, id, err)
	}

	updated, err := s.store.AppendChunk(fileID, data, orderID)
	if err != nil {
		return nil, s.deny(caller, OpAppendChunk, id, err)
	}

	s.metrics.RecordUpload(len(data))
	s.audit.LogAdmission(caller.String(), OpAppendChunk, id, audit.Allowed, "")
	return updated, nil
}

// DeleteFile admits and performs a hard delete.
// Stages: identity, ownership, rate limit, moderation.
func (s *Service) DeleteFile(caller auth.Identity, fileID store.FileID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := int64(fileID)
	su, err := s.identify(caller)
	if err != nil {
		return s.deny(caller, OpDeleteFile, id, err)
	}
	if _, err := s.ownedFile(caller, su, fileID); err != nil {
		return s.deny(caller, OpDeleteFile, id, err)
	}
	if !su {
		if err := s.limiter.CheckAndRecord(caller, ratelimit.DeleteFile); err != nil {
			return s.deny(caller, OpDeleteFile, id, err)
		}
		if s.registry.IsBlocked(caller) {
			return s.deny(caller, OpDeleteFile, id, ErrBlocked)
		}
	}

	if err := s.store.DeleteFile(fileID); err != nil {
		return s.deny(caller, OpDeleteFile, id, err)
	}

	s.audit.LogAdmission(caller.String(), OpDeleteFile, id, audit.Allowed, "")
	return nil
}

// GetFile returns a file record. Reads are not admission-checked.
func (s *Service) GetFile(id store.FileID) (*store.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.GetFile(id)
}

// GetChunk returns a chunk. Reads are not admission-checked.
func (s *Service) GetChunk(id store.ChunkID) (*store.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.GetChunk(id)
}

// ChunkByOrder returns the chunk of f with the given order ID.
func (s *Service) ChunkByOrder(f *store.File, orderID uint64) (*store.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.ChunkByOrder(f, orderID)
}

// CurrentFileCounter returns the next file ID to be allocated.
func (s *Service) CurrentFileCounter() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.CurrentFileID()
}

// Block adds target to the blocklist.
func (s *Service) Block(caller, target auth.Identity, metadata string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireSuperuser(caller, OpBlock); err != nil {
		return err
	}
	s.registry.Block(target, metadata)
	s.ledger.SetBlocked(target, true)
	s.audit.LogModeration(caller.String(), OpBlock, target.String(), metadata)
	return nil
}

// Unblock removes target from the blocklist.
func (s *Service) Unblock(caller, target auth.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireSuperuser(caller, OpUnblock); err != nil {
		return err
	}
	s.registry.Unblock(target)
	s.ledger.SetBlocked(target, false)
	s.audit.LogModeration(caller.String(), OpUnblock, target.String(), "")
	return nil
}

// BlockAndDelete blocks target and deletes every file it owns.
func (s *Service) BlockAndDelete(caller, target auth.Identity, metadata string) ([]store.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireSuperuser(caller, OpBlockAndDelete); err != nil {
		return nil, err
	}
	deleted, err := s.registry.BlockAndDelete(target, metadata)
	s.ledger.SetBlocked(target, true)
	s.audit.LogModeration(caller.String(), OpBlockAndDelete, target.String(), fmt.Sprintf("%d files deleted", len(deleted)))
	return deleted, err
}

// ListBlocked returns the blocked identities.
func (s *Service) ListBlocked(caller auth.Identity) ([]auth.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.requireSuperuser(caller, OpListBlocked); err != nil {
		return nil, err
	}
	return s.registry.List(), nil
}

// ListWarnings returns every identity's rate limit warning count.
func (s *Service) ListWarnings(caller auth.Identity) ([]ratelimit.Warning, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.requireSuperuser(caller, OpListWarnings); err != nil {
		return nil, err
	}
	return s.limiter.Warnings(), nil
}

// ForceCreateFile creates a file on behalf of owner, bypassing ownership,
// rate limiting and moderation. Capacity, chunk count and chunk size still apply.
func (s *Service) ForceCreateFile(caller auth.Identity, firstChunk []byte, name string, declared uint64, fileType string, owner auth.Identity) (*store.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireSuperuser(caller, OpForceCreate); err != nil {
		return nil, err
	}
	if owner.IsAnonymous() {
		return nil, s.deny(caller, OpForceCreate, -1, fmt.Errorf("%w: owner is required", auth.ErrAnonymous))
	}
	if err := s.checkNewFile(firstChunk, declared); err != nil {
		return nil, s.deny(caller, OpForceCreate, -1, err)
	}

	f, err := s.store.CreateFile(firstChunk, name, declared, fileType, owner)
	if err != nil {
		return nil, s.deny(caller, OpForceCreate, -1, err)
	}

	s.metrics.RecordUpload(len(firstChunk))
	s.audit.LogModeration(caller.String(), OpForceCreate, owner.String(), fmt.Sprintf("file %d", f.ID))
	return f, nil
}

// CapacityCheck returns the persisted size if the store can still accept a
// maximum-size file, and ErrCapacityExceeded otherwise.
func (s *Service) CapacityCheck(caller auth.Identity) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.requireSuperuser(caller, OpCapacityCheck); err != nil {
		return 0, err
	}
	if err := s.checkCapacity(); err != nil {
		return 0, err
	}
	return s.store.SizeBytes(), nil
}

// Snapshot captures the ledger, the ID counters and the blocklist.
func (s *Service) Snapshot() *snapshot.State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fileID, chunkID := s.store.Counters()
	return &snapshot.State{
		Version:        snapshot.Version,
		Ledger:         s.ledger.All(),
		CurrentFileID:  fileID,
		CurrentChunkID: chunkID,
		Blocked:        s.registry.All(),
		SavedAt:        s.clock.NowNanos(),
	}
}

// Restore loads a snapshot into the components, then raises the counters
// past any key already present in the bulk tier.
func (s *Service) Restore(state *snapshot.State) error {
	if state == nil {
		return errors.New("nil snapshot state")
	}
	if state.Version != snapshot.Version {
		return fmt.Errorf("%w: %d", snapshot.ErrUnsupportedVersion, state.Version)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.ledger.Restore(state.Ledger)
	s.registry.Restore(state.Blocked)
	s.store.RestoreCounters(state.CurrentFileID, state.CurrentChunkID)
	s.store.Reconcile()

	log.Info().
		Int("ledger_entries", len(state.Ledger)).
		Int("blocked", len(state.Blocked)).
		Uint64("current_file_id", state.CurrentFileID).
		Uint64("current_chunk_id", state.CurrentChunkID).
		Msg("restored snapshot")
	return nil
}

// Reconcile raises the counters past any key already present in the bulk tier.
func (s *Service) Reconcile() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store.Reconcile()
}

// SaveSnapshot captures a snapshot and writes it to path.
func (s *Service) SaveSnapshot(path string) error {
	state := s.Snapshot()
	err := snapshot.Save(path, state)
	s.metrics.RecordSnapshot(err, float64(state.SavedAt)/float64(time.Second))
	return err
}

// Compact drops rate limit log entries that can no longer affect a decision.
func (s *Service) Compact() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limiter.Compact()
}

// Stats implements metrics.StatsSource.
func (s *Service) Stats() metrics.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return metrics.Stats{
		Files:             s.store.FileCount(),
		Chunks:            s.store.ChunkCount(),
		StorageBytes:      s.store.SizeBytes(),
		CapacityBytes:     s.limits.Capacity,
		LedgerIdentities:  s.ledger.Len(),
		LedgerBytes:       s.ledger.TotalBytesUsed(),
		BlockedIdentities: s.registry.Len(),
		TrackedCallers:    s.limiter.Identities(),
	}
}

// identify rejects the anonymous identity and resolves superuser status once.
func (s *Service) identify(caller auth.Identity) (bool, error) {
	if caller.IsAnonymous() {
		return false, ErrAnonymous
	}
	return s.superusers.Contains(caller), nil
}

func (s *Service) requireSuperuser(caller auth.Identity, op string) error {
	if caller.IsAnonymous() {
		return s.deny(caller, op, -1, ErrAnonymous)
	}
	if !s.superusers.Contains(caller) {
		return s.deny(caller, op, -1, ErrNotSuperuser)
	}
	return nil
}

func (s *Service) ownedFile(caller auth.Identity, su bool, id store.FileID) (*store.File, error) {
	f, err := s.store.GetFile(id)
	if err != nil {
		return nil, err
	}
	if !su && f.Owner != caller {
		return nil, ErrNotOwner
	}
	return f, nil
}

func (s *Service) checkNewFile(firstChunk []byte, declared uint64) error {
	if err := s.checkCapacity(); err != nil {
		return err
	}
	if declared == 0 {
		return fmt.Errorf("%w: file must declare at least one chunk", ErrTooManyChunks)
	}
	if declared > s.limits.MaxChunks {
		return fmt.Errorf("%w: %d declared, at most %d allowed", ErrTooManyChunks, declared, s.limits.MaxChunks)
	}
	return s.checkChunkSize(firstChunk)
}

func (s *Service) checkChunkSize(data []byte) error {
	if uint64(len(data)) > s.limits.MaxChunkSize {
		return fmt.Errorf("%w: %d bytes, at most %d allowed", ErrOversizedChunk, len(data), s.limits.MaxChunkSize)
	}
	return nil
}

// deny records a rejection and returns err unchanged.
func (s *Service) deny(caller auth.Identity, op string, fileID int64, err error) error {
	reason := Reason(err)
	s.metrics.RecordRejection(op, reason)
	s.audit.LogAdmission(caller.String(), op, fileID, audit.Denied, err.Error())
	return err
}

// Reason classifies an admission error for metrics and API error codes.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrAnonymous):
		return "anonymous"
	case errors.Is(err, ErrNotOwner):
		return "not_owner"
	case errors.Is(err, ErrNotSuperuser):
		return "not_superuser"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ratelimit.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ratelimit.ErrDailyLimitReached):
		return "daily_limit_reached"
	case errors.Is(err, ErrBlocked):
		return "blocked"
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrOversizedChunk):
		return "oversized_chunk"
	case errors.Is(err, ErrTooManyChunks):
		return "too_many_chunks"
	case errors.Is(err, store.ErrUnsupportedType):
		return "unsupported_type"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, auth.ErrAnonymous):
		return "anonymous_owner"
	case errors.Is(err, auth.ErrInvalidToken):
		return "invalid_token"
	default:
		return "internal"
	}
}
