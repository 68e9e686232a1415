package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// FileMap is a Map that keeps one record file per key under a two-level
// directory: <dir>/<last byte of key in hex>/<16 hex digit key>.
// Writes go through a temp file that is fsynced and renamed into place, so a
// reader sees either the old record or the new one.
type FileMap struct {
	dir      string
	maxValue int

	mu    sync.RWMutex
	sizes map[uint64]int64
	keys  []uint64 // sorted
	total int64
}

// OpenFileMap opens (or creates) a FileMap rooted at dir, indexing existing records.
func OpenFileMap(dir string, maxValue int) (*FileMap, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create map dir: %w", err)
	}

	m := &FileMap{
		dir:      dir,
		maxValue: maxValue,
		sizes:    make(map[uint64]int64),
	}

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") {
			// Leftover temp file from an interrupted write.
			_ = os.Remove(path)
			return nil
		}
		key, err := strconv.ParseUint(name, 16, 64)
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		m.sizes[key] = info.Size()
		m.total += info.Size()
		m.keys = append(m.keys, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("index map dir: %w", err)
	}
	slices.Sort(m.keys)

	return m, nil
}

func (m *FileMap) path(key uint64) string {
	return filepath.Join(m.dir, fmt.Sprintf("%02x", key&0xff), fmt.Sprintf("%016x", key))
}

// Get implements Map.
func (m *FileMap) Get(key uint64) ([]byte, error) {
	m.mu.RLock()
	_, ok := m.sizes[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	data, err := os.ReadFile(m.path(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read record %d: %w", key, err)
	}
	return data, nil
}

// Insert implements Map.
func (m *FileMap) Insert(key uint64, value []byte) error {
	return m.write(key, value, false)
}

// Put implements Map.
func (m *FileMap) Put(key uint64, value []byte) error {
	return m.write(key, value, true)
}

func (m *FileMap) write(key uint64, value []byte, overwrite bool) error {
	if len(value) > m.maxValue {
		return fmt.Errorf("%w: %d > %d bytes", ErrValueTooLarge, len(value), m.maxValue)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	old, exists := m.sizes[key]
	if exists && !overwrite {
		return fmt.Errorf("%w: %d", ErrKeyExists, key)
	}

	path := m.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create record dir: %w", err)
	}
	if err := atomicWriteFile(path, value); err != nil {
		return fmt.Errorf("write record %d: %w", key, err)
	}

	m.sizes[key] = int64(len(value))
	m.total += int64(len(value)) - old
	if !exists {
		i, _ := slices.BinarySearch(m.keys, key)
		m.keys = slices.Insert(m.keys, i, key)
	}
	return nil
}

// Delete implements Map.
func (m *FileMap) Delete(key uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	size, ok := m.sizes[key]
	if !ok {
		return ErrNotFound
	}
	if err := os.Remove(m.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete record %d: %w", key, err)
	}

	delete(m.sizes, key)
	m.total -= size
	if i, found := slices.BinarySearch(m.keys, key); found {
		m.keys = slices.Delete(m.keys, i, i+1)
	}
	return nil
}

// Ascend implements Map.
func (m *FileMap) Ascend(fn func(key uint64, value []byte) bool) error {
	m.mu.RLock()
	keys := slices.Clone(m.keys)
	m.mu.RUnlock()

	for _, key := range keys {
		value, err := m.Get(key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if !fn(key, value) {
			return nil
		}
	}
	return nil
}

// LastKey implements Map.
func (m *FileMap) LastKey() (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.keys) == 0 {
		return 0, false
	}
	return m.keys[len(m.keys)-1], true
}

// Len implements Map.
func (m *FileMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keys)
}

// SizeBytes implements Map.
func (m *FileMap) SizeBytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.total
}

// MaxValueSize implements Map.
func (m *FileMap) MaxValueSize() int {
	return m.maxValue
}

// Close implements Map. Records are already durable, so there is nothing to flush.
func (m *FileMap) Close() error {
	return nil
}

// atomicWriteFile writes data to a temp file next to path, fsyncs it and
// renames it into place.
//
// During tests, fsync is skipped (ASSETSTORE_TEST=1) since temp directories
// are discarded anyway.
func atomicWriteFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".record-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if os.Getenv("ASSETSTORE_TEST") == "" {
		if err := tmp.Sync(); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
