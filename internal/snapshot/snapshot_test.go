package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bertiespell/asset-canister/internal/auth"
	"github.com/bertiespell/asset-canister/internal/moderation"
	"github.com/bertiespell/asset-canister/internal/quota"
	"github.com/bertiespell/asset-canister/internal/store"
	"github.com/bertiespell/asset-canister/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testState() *State {
	return &State{
		Ledger: map[auth.Identity]quota.UserInfo{
			"alice": {FilesOwned: []store.FileID{0, 2}, BytesUsed: 300},
			"bob":   {Blocked: true, FilesOwned: []store.FileID{1}, BytesUsed: 10},
		},
		CurrentFileID:  3,
		CurrentChunkID: 7,
		Blocked: map[auth.Identity]moderation.Blocked{
			"bob": {Identity: "bob", Metadata: "spam"},
		},
		SavedAt: 1700000000000000000,
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(testutil.DataDir(t), "state", "snapshot.json")

	want := testState()
	require.NoError(t, Save(path, want))
	assert.Equal(t, Version, want.Version)

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSaveReplacesAtomically(t *testing.T) {
	dir := testutil.DataDir(t)
	path := filepath.Join(dir, "snapshot.json")

	require.NoError(t, Save(path, testState()))
	next := testState()
	next.CurrentFileID = 99
	require.NoError(t, Save(path, next))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(99), got.CurrentFileID)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(testutil.DataDir(t), "missing.json"))
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestLoadRejectsUnsupportedVersion(t *testing.T) {
	dir := testutil.DataDir(t)
	path := testutil.TempFile(t, dir, "snapshot.json", `{"version": 2, "ledger": {}, "blocked": {}}`)

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestLoadRejectsCorrupt(t *testing.T) {
	dir := testutil.DataDir(t)

	for name, content := range map[string]string{
		"truncated": `{"version": 1, "ledger": {`,
		"unknown":   `{"version": 1, "extra": true}`,
		"trailing":  `{"version": 1} {"version": 1}`,
		"bad_type":  `{"version": 1, "current_file_id": "three"}`,
	} {
		t.Run(name, func(t *testing.T) {
			path := testutil.TempFile(t, dir, name+".json", content)
			_, err := Load(path)
			assert.Error(t, err)
			assert.NotErrorIs(t, err, ErrNoSnapshot)
		})
	}
}

func TestLoadEmptyMaps(t *testing.T) {
	path := testutil.TempFile(t, testutil.DataDir(t), "snapshot.json", `{"version": 1}`)

	got, err := Load(path)
	require.NoError(t, err)
	assert.NotNil(t, got.Ledger)
	assert.NotNil(t, got.Blocked)
}
