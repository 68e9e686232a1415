// Package store implements the chunked, content-addressed object store.
//
// Files and chunks live in two ordered, size-bounded maps (the bulk tier)
// that persist natively. Each record is serialized independently through a
// Codec, so no explicit save or restore is needed for them across restarts.
package store

import (
	"encoding/hex"
	"fmt"
	"slices"

	"github.com/bertiespell/asset-canister/internal/auth"
	"golang.org/x/crypto/sha3"
)

// FileID identifies a file. IDs are allocated from a monotonic counter and never reused.
type FileID uint64

// ChunkID identifies a chunk. IDs are allocated from a monotonic counter and never reused.
type ChunkID uint64

// Hash is a SHA3-256 content hash.
type Hash [32]byte

// HashBytes returns the SHA3-256 hash of b.
func HashBytes(b []byte) Hash {
	return sha3.Sum256(b)
}

// String returns the lowercase hex form of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) != hex.EncodedLen(len(h)) {
		return fmt.Errorf("invalid hash length %d", len(text))
	}
	if _, err := hex.Decode(h[:], text); err != nil {
		return fmt.Errorf("invalid hash: %w", err)
	}
	return nil
}

// FileType is one of the supported MIME types.
type FileType int

// Supported file types.
const (
	PNG FileType = iota
	JPEG
	GIF
	MP4
	MOV
	WEBP
)

var mimeTypes = map[FileType]string{
	PNG:  "image/png",
	JPEG: "image/jpeg",
	GIF:  "image/gif",
	MP4:  "video/mp4",
	MOV:  "video/quicktime",
	WEBP: "image/webp",
}

// ParseFileType resolves a MIME string. Matching is exact.
func ParseFileType(s string) (FileType, error) {
	for t, mime := range mimeTypes {
		if mime == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedType, s)
}

// MIME returns the canonical MIME string.
func (t FileType) MIME() string {
	return mimeTypes[t]
}

// Slug returns the URL slug for the type: "image" or "video".
func (t FileType) Slug() string {
	switch t {
	case MP4, MOV:
		return "video"
	default:
		return "image"
	}
}

// String implements fmt.Stringer.
func (t FileType) String() string {
	if m, ok := mimeTypes[t]; ok {
		return m
	}
	return fmt.Sprintf("FileType(%d)", int(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t FileType) MarshalText() ([]byte, error) {
	m, ok := mimeTypes[t]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedType, int(t))
	}
	return []byte(m), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *FileType) UnmarshalText(text []byte) error {
	ft, err := ParseFileType(string(text))
	if err != nil {
		return err
	}
	*t = ft
	return nil
}

// File is an object assembled from one or more chunks.
type File struct {
	ID             FileID          `json:"id"`
	URL            string          `json:"url"`
	ChunkIDs       []ChunkID       `json:"chunk_ids"`
	DeclaredChunks uint64          `json:"declared_chunks"`
	Name           string          `json:"name"`
	Type           FileType        `json:"type"`
	Owner          auth.Identity   `json:"owner"`
	Metadata       string          `json:"metadata,omitempty"`
	CreatedAt      uint64          `json:"created_at"`
	UpdatedAt      uint64          `json:"updated_at"`
	DeletedAt      *uint64         `json:"deleted_at,omitempty"`
	Accessors      []auth.Identity `json:"accessors"`
	ContentHash    Hash            `json:"content_hash"`
}

// Clone returns a deep copy of f.
func (f *File) Clone() *File {
	c := *f
	c.ChunkIDs = slices.Clone(f.ChunkIDs)
	c.Accessors = slices.Clone(f.Accessors)
	if f.DeletedAt != nil {
		d := *f.DeletedAt
		c.DeletedAt = &d
	}
	return &c
}

// IsFull reports whether every declared chunk has been written.
func (f *File) IsFull() bool {
	return uint64(len(f.ChunkIDs)) >= f.DeclaredChunks
}

// Chunk is a bounded-size fragment of a file.
type Chunk struct {
	ID          ChunkID `json:"id"`
	FileID      FileID  `json:"file_id"`
	OrderID     uint64  `json:"order_id"`
	Data        []byte  `json:"-"`
	Metadata    string  `json:"metadata,omitempty"`
	CreatedAt   uint64  `json:"created_at"`
	UpdatedAt   uint64  `json:"updated_at"`
	DeletedAt   *uint64 `json:"deleted_at,omitempty"`
	ContentHash Hash    `json:"content_hash"`
}

// Size returns the chunk payload length in bytes.
func (c *Chunk) Size() int {
	return len(c.Data)
}
