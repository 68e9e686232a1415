package admission

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/bertiespell/asset-canister/internal/auth"
	"github.com/bertiespell/asset-canister/internal/clock"
	"github.com/bertiespell/asset-canister/internal/moderation"
	"github.com/bertiespell/asset-canister/internal/quota"
	"github.com/bertiespell/asset-canister/internal/ratelimit"
	"github.com/bertiespell/asset-canister/internal/snapshot"
	"github.com/bertiespell/asset-canister/internal/store"
	"github.com/bertiespell/asset-canister/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice auth.Identity = "alice"
	bob   auth.Identity = "bob"
	root  auth.Identity = "root"
)

type testEnv struct {
	svc    *Service
	store  *store.Store
	ledger *quota.Ledger
	clock  *clock.Manual
	dir    string
}

func newTestEnv(t *testing.T, limits Limits) *testEnv {
	t.Helper()
	return openTestEnv(t, testutil.DataDir(t), limits)
}

func openTestEnv(t *testing.T, dir string, limits Limits) *testEnv {
	t.Helper()
	clk := clock.NewManual(uint64(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano()))
	st, err := store.Open(store.Options{
		Dir:       filepath.Join(dir, "bulk"),
		PublicURL: "https://assets.example.com",
		Clock:     clk,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	superusers := auth.NewSuperusers([]string{string(root)})
	ledger := quota.NewLedger()
	svc, err := New(Options{
		Store:      st,
		Ledger:     ledger,
		Limiter:    ratelimit.New(ratelimit.DefaultConfig(), clk, superusers, nil),
		Registry:   moderation.NewRegistry(st),
		Superusers: superusers,
		Clock:      clk,
		Limits:     limits,
		DataDir:    dir,
	})
	require.NoError(t, err)

	return &testEnv{svc: svc, store: st, ledger: ledger, clock: clk, dir: dir}
}

func TestNewRequiresComponents(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestCreateAppendDelete(t *testing.T) {
	env := newTestEnv(t, Limits{})
	svc := env.svc

	f, err := svc.CreateFile(alice, []byte("first"), "cat.png", 3, "image/png")
	require.NoError(t, err)
	assert.Equal(t, store.FileID(0), f.ID)
	assert.Equal(t, "https://assets.example.com/image/0", f.URL)
	assert.Equal(t, alice, f.Owner)

	f, err = svc.AppendChunk(alice, f.ID, []byte("second"), 1)
	require.NoError(t, err)
	f, err = svc.AppendChunk(alice, f.ID, []byte("third"), 2)
	require.NoError(t, err)
	assert.Len(t, f.ChunkIDs, 3)
	assert.True(t, f.IsFull())

	info, ok := env.ledger.Get(alice)
	require.True(t, ok)
	assert.Equal(t, uint64(len("first")+len("second")+len("third")), info.BytesUsed)
	assert.Equal(t, []store.FileID{0}, info.FilesOwned)

	chunk, err := svc.ChunkByOrder(f, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), chunk.Data)

	require.NoError(t, svc.DeleteFile(alice, f.ID))
	_, err = svc.GetFile(f.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Deletion does not credit the ledger back.
	info, _ = env.ledger.Get(alice)
	assert.Equal(t, uint64(16), info.BytesUsed)
	assert.Equal(t, uint64(1), svc.CurrentFileCounter())
}

func TestAnonymousRejected(t *testing.T) {
	env := newTestEnv(t, Limits{})
	svc := env.svc

	_, err := svc.CreateFile(auth.Anonymous, []byte("x"), "a.png", 1, "image/png")
	assert.ErrorIs(t, err, ErrAnonymous)
	assert.ErrorIs(t, err, ErrUnauthorized)

	f, err := svc.CreateFile(alice, []byte("x"), "a.png", 2, "image/png")
	require.NoError(t, err)

	_, err = svc.AppendChunk(auth.Anonymous, f.ID, []byte("y"), 1)
	assert.ErrorIs(t, err, ErrAnonymous)
	assert.ErrorIs(t, svc.DeleteFile(auth.Anonymous, f.ID), ErrAnonymous)
	assert.Equal(t, 1, env.store.FileCount())
}

func TestChunkCountAndSize(t *testing.T) {
	env := newTestEnv(t, Limits{})
	svc := env.svc

	_, err := svc.CreateFile(alice, []byte("x"), "a.png", 7, "image/png")
	assert.ErrorIs(t, err, ErrTooManyChunks)

	_, err = svc.CreateFile(alice, []byte("x"), "a.png", 0, "image/png")
	assert.ErrorIs(t, err, ErrTooManyChunks)

	_, err = svc.CreateFile(alice, make([]byte, 1_900_001), "a.png", 1, "image/png")
	assert.ErrorIs(t, err, ErrOversizedChunk)

	assert.Equal(t, 0, env.store.FileCount())
	_, ok := env.ledger.Get(alice)
	assert.False(t, ok)
}

func TestSuperuserKeepsChunkLimit(t *testing.T) {
	env := newTestEnv(t, Limits{})

	_, err := env.svc.CreateFile(root, []byte("x"), "a.png", 7, "image/png")
	assert.ErrorIs(t, err, ErrTooManyChunks)
}

func TestAppendToFullFile(t *testing.T) {
	env := newTestEnv(t, Limits{})
	svc := env.svc

	f, err := svc.CreateFile(alice, []byte("x"), "a.png", 1, "image/png")
	require.NoError(t, err)

	_, err = svc.AppendChunk(alice, f.ID, []byte("y"), 1)
	assert.ErrorIs(t, err, ErrTooManyChunks)

	got, err := svc.GetFile(f.ID)
	require.NoError(t, err)
	assert.Len(t, got.ChunkIDs, 1)
}

func TestAppendOversizedChunk(t *testing.T) {
	env := newTestEnv(t, Limits{})

	f, err := env.svc.CreateFile(alice, []byte("x"), "a.png", 2, "image/png")
	require.NoError(t, err)

	_, err = env.svc.AppendChunk(alice, f.ID, make([]byte, 1_900_001), 1)
	assert.ErrorIs(t, err, ErrOversizedChunk)
}

func TestOwnership(t *testing.T) {
	env := newTestEnv(t, Limits{})
	svc := env.svc

	f, err := svc.CreateFile(alice, []byte("x"), "a.png", 3, "image/png")
	require.NoError(t, err)

	_, err = svc.AppendChunk(bob, f.ID, []byte("y"), 1)
	assert.ErrorIs(t, err, ErrNotOwner)
	assert.ErrorIs(t, svc.DeleteFile(bob, f.ID), ErrNotOwner)

	// Superusers act on any file.
	_, err = svc.AppendChunk(root, f.ID, []byte("y"), 1)
	require.NoError(t, err)
	require.NoError(t, svc.DeleteFile(root, f.ID))
}

func TestMissingFile(t *testing.T) {
	env := newTestEnv(t, Limits{})

	_, err := env.svc.AppendChunk(alice, 42, []byte("y"), 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, env.svc.DeleteFile(alice, 42), store.ErrNotFound)
}

func TestUnsupportedType(t *testing.T) {
	env := newTestEnv(t, Limits{})

	_, err := env.svc.CreateFile(alice, []byte("x"), "a.bmp", 1, "image/bmp")
	assert.ErrorIs(t, err, store.ErrUnsupportedType)
	assert.Equal(t, 0, env.store.FileCount())
}

func TestDailyCreateLimit(t *testing.T) {
	env := newTestEnv(t, Limits{})
	svc := env.svc

	for i := 0; i < 3; i++ {
		_, err := svc.CreateFile(alice, []byte("x"), "a.png", 1, "image/png")
		require.NoError(t, err, "create %d", i+1)
		env.clock.Advance(time.Minute)
	}
	_, err := svc.CreateFile(alice, []byte("x"), "a.png", 1, "image/png")
	assert.ErrorIs(t, err, ratelimit.ErrDailyLimitReached)

	// Other identities and superusers are unaffected.
	_, err = svc.CreateFile(bob, []byte("x"), "a.png", 1, "image/png")
	assert.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err = svc.CreateFile(root, []byte("x"), "a.png", 1, "image/png")
		require.NoError(t, err)
	}
}

func TestRepeatedRejectionsBlock(t *testing.T) {
	env := newTestEnv(t, Limits{})
	svc := env.svc

	for i := 0; i < 3; i++ {
		_, err := svc.CreateFile(alice, []byte("x"), "a.png", 1, "image/png")
		require.NoError(t, err)
	}
	for i := 0; i < 201; i++ {
		_, err := svc.CreateFile(alice, []byte("x"), "a.png", 1, "image/png")
		require.Error(t, err)
	}

	blocked, err := svc.ListBlocked(root)
	require.NoError(t, err)
	assert.Equal(t, []auth.Identity{alice}, blocked)
	info, _ := env.ledger.Get(alice)
	assert.True(t, info.Blocked)

	warnings, err := svc.ListWarnings(root)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Equal(t, int64(201), warnings[0].Count)

	// Once the logs age out the limiter admits the call and moderation rejects it.
	env.clock.Advance(25 * time.Hour)
	_, err = svc.CreateFile(alice, []byte("x"), "a.png", 1, "image/png")
	assert.ErrorIs(t, err, ErrBlocked)

	deleted, err := svc.BlockAndDelete(root, alice, "spam")
	require.NoError(t, err)
	assert.Len(t, deleted, 3)
	assert.Equal(t, 0, env.store.FileCount())
	assert.Empty(t, env.store.OwnedBy(alice))
}

func TestBlockedCallerRejected(t *testing.T) {
	env := newTestEnv(t, Limits{})
	svc := env.svc

	f, err := svc.CreateFile(alice, []byte("x"), "a.png", 2, "image/png")
	require.NoError(t, err)
	require.NoError(t, svc.Block(root, alice, "abuse"))

	_, err = svc.CreateFile(alice, []byte("x"), "a.png", 1, "image/png")
	assert.ErrorIs(t, err, ErrBlocked)
	_, err = svc.AppendChunk(alice, f.ID, []byte("y"), 1)
	assert.ErrorIs(t, err, ErrBlocked)
	assert.ErrorIs(t, svc.DeleteFile(alice, f.ID), ErrBlocked)

	require.NoError(t, svc.Unblock(root, alice))
	_, err = svc.AppendChunk(alice, f.ID, []byte("y"), 1)
	assert.NoError(t, err)
	info, _ := env.ledger.Get(alice)
	assert.False(t, info.Blocked)
}

func TestAdminOperationsRequireSuperuser(t *testing.T) {
	env := newTestEnv(t, Limits{})
	svc := env.svc

	for _, caller := range []auth.Identity{alice, auth.Anonymous} {
		assert.ErrorIs(t, svc.Block(caller, bob, ""), ErrUnauthorized)
		assert.ErrorIs(t, svc.Unblock(caller, bob), ErrUnauthorized)
		_, err := svc.BlockAndDelete(caller, bob, "")
		assert.ErrorIs(t, err, ErrUnauthorized)
		_, err = svc.ListBlocked(caller)
		assert.ErrorIs(t, err, ErrUnauthorized)
		_, err = svc.ListWarnings(caller)
		assert.ErrorIs(t, err, ErrUnauthorized)
		_, err = svc.ForceCreateFile(caller, []byte("x"), "a.png", 1, "image/png", bob)
		assert.ErrorIs(t, err, ErrUnauthorized)
		_, err = svc.CapacityCheck(caller)
		assert.ErrorIs(t, err, ErrUnauthorized)
	}

	_, err := svc.ListBlocked(alice)
	assert.ErrorIs(t, err, ErrNotSuperuser)
	assert.Empty(t, env.svc.registry.List())
}

func TestForceCreateFile(t *testing.T) {
	env := newTestEnv(t, Limits{})
	svc := env.svc

	require.NoError(t, svc.Block(root, bob, "x"))
	f, err := svc.ForceCreateFile(root, []byte("hello"), "b.gif", 1, "image/gif", bob)
	require.NoError(t, err)
	assert.Equal(t, bob, f.Owner)

	info, ok := env.ledger.Get(bob)
	require.True(t, ok)
	assert.Equal(t, uint64(5), info.BytesUsed)
	assert.Equal(t, []store.FileID{f.ID}, info.FilesOwned)

	_, err = svc.ForceCreateFile(root, []byte("x"), "b.gif", 7, "image/gif", bob)
	assert.ErrorIs(t, err, ErrTooManyChunks)
}

func TestForceCreateFileRejectsAnonymousOwner(t *testing.T) {
	env := newTestEnv(t, Limits{})

	_, err := env.svc.ForceCreateFile(root, []byte("x"), "a.png", 1, "image/png", auth.Anonymous)
	assert.ErrorIs(t, err, auth.ErrAnonymous)
	assert.Equal(t, "anonymous_owner", Reason(err))
	assert.Equal(t, 0, env.store.FileCount())
	assert.Equal(t, 0, env.ledger.Len())
}

func TestCapacityExceeded(t *testing.T) {
	env := newTestEnv(t, Limits{
		MaxChunkSize: 100,
		MaxChunks:    6,
		MaxFileSize:  600,
		Capacity:     3000,
	})
	svc := env.svc

	used, err := svc.CapacityCheck(root)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), used)

	var capErr error
	for i := 0; i < 50; i++ {
		_, capErr = svc.CreateFile(root, testutil.PatternBytes(100, byte(i)), "a.png", 1, "image/png")
		if capErr != nil {
			break
		}
	}
	require.ErrorIs(t, capErr, ErrCapacityExceeded)
	assert.GreaterOrEqual(t, env.store.SizeBytes()+600, uint64(3000))

	_, err = svc.CapacityCheck(root)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestCapacityOK(t *testing.T) {
	l := Limits{MaxFileSize: 100, Capacity: 1000, SafetyBuffer: 10}
	assert.True(t, l.capacityOK(0))
	assert.True(t, l.capacityOK(909))
	assert.False(t, l.capacityOK(910))
}

func TestMinFreeDisk(t *testing.T) {
	limits := DefaultLimits()
	limits.MinFreeDisk = 1000
	env := newTestEnv(t, limits)

	env.svc.volumeStats = func(string) (int64, int64, int64, error) {
		return 10_000, 9_500, 500, nil
	}
	_, err := env.svc.CreateFile(alice, []byte("x"), "a.png", 1, "image/png")
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	env.svc.volumeStats = func(string) (int64, int64, int64, error) {
		return 0, 0, 0, errors.New("statfs failed")
	}
	_, err = env.svc.CreateFile(alice, []byte("x"), "a.png", 1, "image/png")
	assert.NoError(t, err)
}

func TestSnapshotRestore(t *testing.T) {
	dir := testutil.DataDir(t)
	env := openTestEnv(t, dir, Limits{})

	f, err := env.svc.CreateFile(alice, []byte("abc"), "a.png", 2, "image/png")
	require.NoError(t, err)
	_, err = env.svc.AppendChunk(alice, f.ID, []byte("de"), 1)
	require.NoError(t, err)
	require.NoError(t, env.svc.Block(root, bob, "spam"))

	path := filepath.Join(dir, "snapshot.json")
	require.NoError(t, env.svc.SaveSnapshot(path))
	state := env.svc.Snapshot()
	assert.Equal(t, uint64(1), state.CurrentFileID)
	assert.Equal(t, uint64(2), state.CurrentChunkID)
	require.NoError(t, env.store.Close())

	restored := openTestEnv(t, dir, Limits{})
	require.NoError(t, restored.svc.Restore(state))

	assert.Equal(t, uint64(1), restored.svc.CurrentFileCounter())
	info, ok := restored.ledger.Get(alice)
	require.True(t, ok)
	assert.Equal(t, uint64(5), info.BytesUsed)
	blocked, err := restored.svc.ListBlocked(root)
	require.NoError(t, err)
	assert.Equal(t, []auth.Identity{bob}, blocked)

	g, err := restored.svc.CreateFile(alice, []byte("x"), "b.png", 1, "image/png")
	require.NoError(t, err)
	assert.Equal(t, store.FileID(1), g.ID)
}

func TestRestoreStaleSnapshotReconciles(t *testing.T) {
	dir := testutil.DataDir(t)
	env := openTestEnv(t, dir, Limits{})

	stale := env.svc.Snapshot()
	_, err := env.svc.CreateFile(alice, []byte("x"), "a.png", 1, "image/png")
	require.NoError(t, err)
	require.NoError(t, env.store.Close())

	restored := openTestEnv(t, dir, Limits{})
	require.NoError(t, restored.svc.Restore(stale))

	f, err := restored.svc.CreateFile(alice, []byte("y"), "b.png", 1, "image/png")
	require.NoError(t, err)
	assert.Equal(t, store.FileID(1), f.ID)
}

func TestRestoreRejectsBadState(t *testing.T) {
	env := newTestEnv(t, Limits{})

	assert.Error(t, env.svc.Restore(nil))
	state := env.svc.Snapshot()
	state.Version = 99
	assert.ErrorIs(t, env.svc.Restore(state), snapshot.ErrUnsupportedVersion)
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, Limits{})

	_, err := env.svc.CreateFile(alice, []byte("x"), "a.png", 1, "image/png")
	require.NoError(t, err)
	require.NoError(t, env.svc.Block(root, bob, ""))

	stats := env.svc.Stats()
	assert.Equal(t, 1, stats.Files)
	assert.Equal(t, 1, stats.Chunks)
	assert.Equal(t, env.store.SizeBytes(), stats.StorageBytes)
	assert.Equal(t, DefaultLimits().Capacity, stats.CapacityBytes)
	assert.Equal(t, 1, stats.LedgerIdentities)
	assert.Equal(t, uint64(1), stats.LedgerBytes)
	assert.Equal(t, 1, stats.BlockedIdentities)
	assert.Equal(t, 1, stats.TrackedCallers)
}

func TestCompact(t *testing.T) {
	env := newTestEnv(t, Limits{})

	_, err := env.svc.CreateFile(alice, []byte("x"), "a.png", 1, "image/png")
	require.NoError(t, err)
	env.clock.Advance(25 * time.Hour)
	assert.Equal(t, 1, env.svc.Compact())
}

func TestReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrAnonymous, "anonymous"},
		{ErrNotOwner, "not_owner"},
		{ErrNotSuperuser, "not_superuser"},
		{ErrUnauthorized, "unauthorized"},
		{ratelimit.ErrRateLimited, "rate_limited"},
		{ratelimit.ErrDailyLimitReached, "daily_limit_reached"},
		{ErrBlocked, "blocked"},
		{ErrCapacityExceeded, "capacity_exceeded"},
		{ErrOversizedChunk, "oversized_chunk"},
		{ErrTooManyChunks, "too_many_chunks"},
		{store.ErrUnsupportedType, "unsupported_type"},
		{store.ErrNotFound, "not_found"},
		{auth.ErrAnonymous, "anonymous_owner"},
		{auth.ErrInvalidToken, "invalid_token"},
		{errors.New("disk on fire"), "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, Reason(tt.err))
		})
	}
}
