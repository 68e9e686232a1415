// Package testutil provides shared test utilities for assetstore tests.
package testutil

import (
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"testing"
)

// TestEnv is the environment variable that disables fsync in the bulk tier.
const TestEnv = "ASSETSTORE_TEST"

// DataDir returns a fresh data directory and disables fsync for the test.
func DataDir(t *testing.T) string {
	t.Helper()
	t.Setenv(TestEnv, "1")
	return t.TempDir()
}

// TempFile creates a file with the given content and returns its path.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// RandomBytes returns n random bytes. Random data does not compress, which
// makes it a worst case for record size budgets.
func RandomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("failed to read random bytes: %v", err)
	}
	return b
}

// PatternBytes returns n deterministic bytes derived from seed.
func PatternBytes(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%251)
	}
	return b
}

// FreePort returns an available TCP port on localhost.
func FreePort(t *testing.T) int {
	t.Helper()

	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("failed to resolve address: %v", err)
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer func() { _ = l.Close() }()

	return l.Addr().(*net.TCPAddr).Port
}
