package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/bertiespell/asset-canister/internal/auth"
	"github.com/bertiespell/asset-canister/internal/clock"
	"github.com/bertiespell/asset-canister/internal/config"
	"github.com/bertiespell/asset-canister/internal/store"
	"github.com/bertiespell/asset-canister/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	t.Setenv("ASSETSTORE_TEST", "1")

	cfg := config.Default()
	cfg.Auth.Secret = testSecret
	cfg.Metrics.Enabled = false
	cfg.Superusers.Dev = []string{"root"}
	cfg.SetDataDir(dir)
	require.NoError(t, cfg.Validate())
	return cfg
}

func openNode(t *testing.T, cfg *config.Config) *node {
	t.Helper()
	n, err := newNode(cfg, clock.NewManual(uint64(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())))
	require.NoError(t, err)
	return n
}

func TestLimitsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Limits.MinFreeDisk = 1_000_000

	l := limitsFromConfig(cfg)
	assert.Equal(t, uint64(1_900_000), l.MaxChunkSize)
	assert.Equal(t, uint64(6), l.MaxChunks)
	assert.Equal(t, uint64(11_400_000), l.MaxFileSize)
	assert.Equal(t, uint64(16_000_000_000), l.Capacity)
	assert.Equal(t, uint64(2_000_000), l.SafetyBuffer)
	assert.Equal(t, uint64(1_000_000), l.MinFreeDisk)
}

func TestRestoreStateFirstStart(t *testing.T) {
	cfg := testConfig(t, testutil.DataDir(t))
	n := openNode(t, cfg)
	defer func() { _ = n.close() }()

	require.NoError(t, n.restoreState(false))
	assert.Equal(t, uint64(0), n.service.CurrentFileCounter())
}

func TestRestoreStateRoundTrip(t *testing.T) {
	dir := testutil.DataDir(t)
	cfg := testConfig(t, dir)

	n := openNode(t, cfg)
	require.NoError(t, n.restoreState(false))
	f, err := n.service.CreateFile("alice", []byte("hello"), "a.png", 1, "image/png")
	require.NoError(t, err)
	require.NoError(t, n.saveSnapshot())
	require.NoError(t, n.close())

	assert.FileExists(t, filepath.Join(dir, "snapshot.json"))

	n = openNode(t, cfg)
	defer func() { _ = n.close() }()
	require.NoError(t, n.restoreState(false))

	got, err := n.service.GetFile(f.ID)
	require.NoError(t, err)
	assert.Equal(t, auth.Identity("alice"), got.Owner)
	assert.Equal(t, uint64(1), n.service.CurrentFileCounter())
}

func TestRestoreStateMissingSnapshot(t *testing.T) {
	cfg := testConfig(t, testutil.DataDir(t))

	n := openNode(t, cfg)
	require.NoError(t, n.restoreState(false))
	_, err := n.service.CreateFile("alice", []byte("hello"), "a.png", 1, "image/png")
	require.NoError(t, err)
	require.NoError(t, n.close())

	n = openNode(t, cfg)
	defer func() { _ = n.close() }()

	err = n.restoreState(false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--reconcile")

	require.NoError(t, n.restoreState(true))
	assert.Equal(t, uint64(1), n.service.CurrentFileCounter())

	f, err := n.service.CreateFile("bob", []byte("world"), "b.png", 1, "image/png")
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.ID)
}

func TestRunServeCorruptSnapshot(t *testing.T) {
	dir := testutil.DataDir(t)
	cfg := testConfig(t, dir)
	cfg.Storage.Backend = store.BackendSQLite
	testutil.TempFile(t, dir, "snapshot.json", "{not json")

	err := runServe(context.Background(), cfg, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "restore state")

	// The store was closed on the way out and can be opened again.
	n := openNode(t, cfg)
	require.NoError(t, n.close())
}

func TestMintToken(t *testing.T) {
	cfg := testConfig(t, testutil.DataDir(t))

	token, err := mintToken(cfg, "root", time.Minute)
	require.NoError(t, err)

	tokens, err := auth.NewTokens([]byte(testSecret), cfg.Auth.Issuer)
	require.NoError(t, err)
	id, err := tokens.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, auth.Identity("root"), id)

	_, err = mintToken(cfg, auth.Anonymous, time.Minute)
	assert.ErrorIs(t, err, auth.ErrAnonymous)
}

func TestAdminRequest(t *testing.T) {
	cfg := testConfig(t, testutil.DataDir(t))
	n := openNode(t, cfg)
	defer func() { _ = n.close() }()
	require.NoError(t, n.restoreState(false))

	ts := httptest.NewServer(n.server)
	defer ts.Close()

	rootToken, err := mintToken(cfg, "root", time.Minute)
	require.NoError(t, err)
	aliceToken, err := mintToken(cfg, "alice", time.Minute)
	require.NoError(t, err)

	client := ts.Client()

	out, err := adminRequest(client, ts.URL, rootToken, http.MethodPost, "/api/admin/blocked/mallory",
		url.Values{"metadata": {"spam"}}, nil)
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = adminRequest(client, ts.URL, rootToken, http.MethodGet, "/api/admin/blocked", nil, nil)
	require.NoError(t, err)
	assert.Contains(t, string(out), "mallory")

	q := url.Values{"owner": {"alice"}, "name": {"cat.png"}, "type": {"image/png"}, "chunks": {"1"}}
	out, err = adminRequest(client, ts.URL, rootToken, http.MethodPost, "/api/admin/files", q, []byte("meow"))
	require.NoError(t, err)
	assert.Contains(t, string(out), "cat.png")

	_, err = adminRequest(client, ts.URL, aliceToken, http.MethodGet, "/api/admin/capacity", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}
