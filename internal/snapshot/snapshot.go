// Package snapshot captures the state that does not persist natively: the
// quota ledger, the ID counters and the blocklist. A snapshot is written
// wholesale before shutdown and read wholesale after restart.
package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bertiespell/asset-canister/internal/auth"
	"github.com/bertiespell/asset-canister/internal/moderation"
	"github.com/bertiespell/asset-canister/internal/quota"
)

// Version is the current snapshot layout version.
const Version = 1

// Snapshot errors.
var (
	ErrNoSnapshot         = errors.New("no snapshot")
	ErrUnsupportedVersion = errors.New("unsupported snapshot version")
)

// State is one snapshot.
type State struct {
	Version        int                                  `json:"version"`
	Ledger         map[auth.Identity]quota.UserInfo     `json:"ledger"`
	CurrentFileID  uint64                               `json:"current_file_id"`
	CurrentChunkID uint64                               `json:"current_chunk_id"`
	Blocked        map[auth.Identity]moderation.Blocked `json:"blocked"`
	SavedAt        uint64                               `json:"saved_at"`
}

// Save writes state to path. The file is replaced atomically: a crash leaves
// either the previous snapshot or the new one.
func Save(path string, state *State) error {
	if state.Version == 0 {
		state.Version = Version
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot at path. It returns ErrNoSnapshot if the file does
// not exist. Any other failure means the snapshot cannot be trusted as a whole.
func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNoSnapshot, path)
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var state State
	if err := dec.Decode(&state); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if dec.More() {
		return nil, errors.New("decode snapshot: trailing data")
	}
	if state.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, state.Version)
	}
	if state.Ledger == nil {
		state.Ledger = make(map[auth.Identity]quota.UserInfo)
	}
	if state.Blocked == nil {
		state.Blocked = make(map[auth.Identity]moderation.Blocked)
	}
	return &state, nil
}
