package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/bertiespell/asset-canister/internal/auth"
	"github.com/bertiespell/asset-canister/internal/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// UsageRecorder is told about every successful write. The quota ledger
// implements it. file is nil for appended chunks.
type UsageRecorder interface {
	RecordUsage(owner auth.Identity, file *File, bytes uint64) error
}

// Options configures Open.
type Options struct {
	// Dir is the bulk tier directory.
	Dir string
	// Backend selects the Map implementation: BackendFile (default) or BackendSQLite.
	Backend string
	// Codec serializes records. Defaults to an uncompressed, unsealed codec.
	Codec *Codec
	// PublicURL prefixes file URLs: {PublicURL}/{slug}/{id}.
	PublicURL string
	Clock     clock.Clock
}

// Store holds files and chunks in the bulk tier and allocates their IDs.
type Store struct {
	files     Map
	chunks    Map
	codec     *Codec
	clock     clock.Clock
	publicURL string
	usage     UsageRecorder
	closers   []io.Closer

	mu          sync.RWMutex
	nextFileID  uint64
	nextChunkID uint64
	owners      map[auth.Identity]map[FileID]struct{}
}

// Open opens the bulk tier in opts.Dir and builds the owner index.
// Counters start at zero; restore them with RestoreCounters or Reconcile.
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("store dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	if opts.Codec == nil {
		codec, err := NewCodec(false, "")
		if err != nil {
			return nil, err
		}
		opts.Codec = codec
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}

	s := &Store{
		codec:     opts.Codec,
		clock:     opts.Clock,
		publicURL: strings.TrimRight(opts.PublicURL, "/"),
		owners:    make(map[auth.Identity]map[FileID]struct{}),
	}

	switch opts.Backend {
	case "", BackendFile:
		files, err := OpenFileMap(filepath.Join(opts.Dir, "files"), FileValueBudget)
		if err != nil {
			return nil, fmt.Errorf("open file map: %w", err)
		}
		chunks, err := OpenFileMap(filepath.Join(opts.Dir, "chunks"), ChunkValueBudget)
		if err != nil {
			return nil, fmt.Errorf("open chunk map: %w", err)
		}
		s.files, s.chunks = files, chunks
	case BackendSQLite:
		db, err := OpenSQLite(filepath.Join(opts.Dir, "assets.db"))
		if err != nil {
			return nil, err
		}
		files, err := db.Map("files", FileValueBudget)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		chunks, err := db.Map("chunks", ChunkValueBudget)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		s.files, s.chunks = files, chunks
		s.closers = append(s.closers, db)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}

	if err := s.buildOwnerIndex(); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// SetUsageRecorder sets the recorder told about successful writes.
func (s *Store) SetUsageRecorder(r UsageRecorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = r
}

func (s *Store) buildOwnerIndex() error {
	var decodeErr error
	err := s.files.Ascend(func(key uint64, value []byte) bool {
		f, err := s.codec.DecodeFile(key, value)
		if err != nil {
			decodeErr = err
			return false
		}
		s.indexOwner(f.Owner, f.ID)
		return true
	})
	if err != nil {
		return fmt.Errorf("build owner index: %w", err)
	}
	if decodeErr != nil {
		return fmt.Errorf("build owner index: %w", decodeErr)
	}
	return nil
}

func (s *Store) indexOwner(owner auth.Identity, id FileID) {
	ids, ok := s.owners[owner]
	if !ok {
		ids = make(map[FileID]struct{})
		s.owners[owner] = ids
	}
	ids[id] = struct{}{}
}

func (s *Store) unindexOwner(owner auth.Identity, id FileID) {
	ids := s.owners[owner]
	delete(ids, id)
	if len(ids) == 0 {
		delete(s.owners, owner)
	}
}

// CreateFile stores the first chunk of a new file and the file record.
// On success the usage recorder is told about the file and its bytes.
func (s *Store) CreateFile(firstChunk []byte, name string, declared uint64, typeString string, owner auth.Identity) (*File, error) {
	fileType, err := ParseFileType(typeString)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := FileID(s.nextFileID)
	s.nextFileID++

	chunk, err := s.insertChunk(id, firstChunk, 0)
	if err != nil {
		return nil, err
	}

	now := s.clock.NowNanos()
	f := &File{
		ID:             id,
		URL:            fmt.Sprintf("%s/%s/%d", s.publicURL, fileType.Slug(), id),
		ChunkIDs:       []ChunkID{chunk.ID},
		DeclaredChunks: declared,
		Name:           name,
		Type:           fileType,
		Owner:          owner,
		CreatedAt:      now,
		UpdatedAt:      now,
		Accessors:      []auth.Identity{owner},
		ContentHash:    chunk.ContentHash,
	}

	if err := s.insertFile(f); err != nil {
		// No partially created file: drop the chunk that was already written.
		if derr := s.chunks.Delete(uint64(chunk.ID)); derr != nil {
			log.Warn().Err(derr).Uint64("chunk_id", uint64(chunk.ID)).Msg("failed to remove chunk of failed create")
		}
		return nil, err
	}
	s.indexOwner(owner, id)

	s.recordUsage(owner, f, uint64(len(firstChunk)))

	log.Debug().
		Uint64("file_id", uint64(id)).
		Str("owner", owner.String()).
		Str("type", fileType.MIME()).
		Uint64("declared_chunks", declared).
		Msg("file created")

	return f.Clone(), nil
}

// AppendChunk stores data as a chunk of fileID at orderID and appends it to
// the file's chunk list. It does not enforce the declared chunk count.
func (s *Store) AppendChunk(fileID FileID, data []byte, orderID uint64) (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.getFile(fileID)
	if err != nil {
		return nil, err
	}

	chunk, err := s.insertChunk(fileID, data, orderID)
	if err != nil {
		return nil, err
	}

	f.ChunkIDs = append(f.ChunkIDs, chunk.ID)
	f.UpdatedAt = s.clock.NowNanos()
	if err := s.putFile(f); err != nil {
		if derr := s.chunks.Delete(uint64(chunk.ID)); derr != nil {
			log.Warn().Err(derr).Uint64("chunk_id", uint64(chunk.ID)).Msg("failed to remove chunk of failed append")
		}
		return nil, err
	}

	s.recordUsage(f.Owner, nil, uint64(len(data)))

	return f.Clone(), nil
}

// DeleteFile removes a file record and every chunk it references.
func (s *Store) DeleteFile(id FileID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.deleteFile(id)
	return err
}

func (s *Store) deleteFile(id FileID) (*File, error) {
	f, err := s.getFile(id)
	if err != nil {
		return nil, err
	}

	if err := s.files.Delete(uint64(id)); err != nil {
		return nil, fmt.Errorf("delete file %d: %w", id, err)
	}
	s.unindexOwner(f.Owner, id)

	for _, cid := range f.ChunkIDs {
		if err := s.chunks.Delete(uint64(cid)); err != nil && !errors.Is(err, ErrNotFound) {
			log.Warn().Err(err).Uint64("file_id", uint64(id)).Uint64("chunk_id", uint64(cid)).Msg("failed to delete chunk")
		}
	}

	return f, nil
}

// DeleteAllOwnedBy deletes every file owned by identity and returns them.
// The owner index makes this proportional to the identity's own file count.
func (s *Store) DeleteAllOwnedBy(identity auth.Identity) ([]File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]FileID, 0, len(s.owners[identity]))
	for id := range s.owners[identity] {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	deleted := make([]File, 0, len(ids))
	for _, id := range ids {
		f, err := s.deleteFile(id)
		if errors.Is(err, ErrNotFound) {
			s.unindexOwner(identity, id)
			continue
		}
		if err != nil {
			return deleted, err
		}
		deleted = append(deleted, *f)
	}
	return deleted, nil
}

// GetFile returns a copy of the file record.
func (s *Store) GetFile(id FileID) (*File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getFile(id)
}

// GetChunk returns the chunk, verifying its content hash.
func (s *Store) GetChunk(id ChunkID) (*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getChunk(id)
}

// ChunkByOrder returns the chunk of f with the given order ID. Order IDs are
// not unique; the most recently appended chunk wins.
func (s *Store) ChunkByOrder(f *File, orderID uint64) (*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *Chunk
	for _, cid := range f.ChunkIDs {
		chunk, err := s.getChunk(cid)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if chunk.OrderID == orderID {
			found = chunk
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: file %d order %d", ErrNotFound, f.ID, orderID)
	}
	return found, nil
}

// OwnedBy returns the IDs of files owned by identity, ascending.
func (s *Store) OwnedBy(identity auth.Identity) []FileID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]FileID, 0, len(s.owners[identity]))
	for id := range s.owners[identity] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Counters returns the next file and chunk IDs to be allocated.
func (s *Store) Counters() (fileID, chunkID uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextFileID, s.nextChunkID
}

// RestoreCounters sets the next file and chunk IDs.
func (s *Store) RestoreCounters(fileID, chunkID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextFileID = fileID
	s.nextChunkID = chunkID
}

// Reconcile raises each counter to at least one past the largest stored key,
// so a stale or missing snapshot can never cause a key to be reused.
func (s *Store) Reconcile() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.files.LastKey(); ok && s.nextFileID <= last {
		log.Warn().Uint64("from", s.nextFileID).Uint64("to", last+1).Msg("reconciled file counter")
		s.nextFileID = last + 1
	}
	if last, ok := s.chunks.LastKey(); ok && s.nextChunkID <= last {
		log.Warn().Uint64("from", s.nextChunkID).Uint64("to", last+1).Msg("reconciled chunk counter")
		s.nextChunkID = last + 1
	}
}

// CurrentFileID returns the next file ID to be allocated.
func (s *Store) CurrentFileID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextFileID
}

// FileCount returns the number of stored files.
func (s *Store) FileCount() int {
	return s.files.Len()
}

// ChunkCount returns the number of stored chunks.
func (s *Store) ChunkCount() int {
	return s.chunks.Len()
}

// Empty reports whether the bulk tier holds no records.
func (s *Store) Empty() bool {
	return s.files.Len() == 0 && s.chunks.Len() == 0
}

// SizeBytes returns the total persisted record size across both maps.
func (s *Store) SizeBytes() uint64 {
	return uint64(s.files.SizeBytes() + s.chunks.SizeBytes())
}

// Close closes both maps and any backing database.
func (s *Store) Close() error {
	var errs []error
	if s.files != nil {
		errs = append(errs, s.files.Close())
	}
	if s.chunks != nil {
		errs = append(errs, s.chunks.Close())
	}
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func (s *Store) recordUsage(owner auth.Identity, f *File, bytes uint64) {
	if s.usage == nil {
		return
	}
	// Accounting follows the write and never rolls it back.
	if err := s.usage.RecordUsage(owner, f, bytes); err != nil {
		log.Error().Err(err).Str("identity", owner.String()).Msg("failed to record usage")
	}
}

func (s *Store) insertChunk(fileID FileID, data []byte, orderID uint64) (*Chunk, error) {
	id := ChunkID(s.nextChunkID)
	s.nextChunkID++

	now := s.clock.NowNanos()
	chunk := &Chunk{
		ID:          id,
		FileID:      fileID,
		OrderID:     orderID,
		Data:        data,
		CreatedAt:   now,
		UpdatedAt:   now,
		ContentHash: HashBytes(data),
	}

	record, err := s.codec.EncodeChunk(chunk)
	if err != nil {
		return nil, err
	}
	if err := s.chunks.Insert(uint64(id), record); err != nil {
		if errors.Is(err, ErrKeyExists) {
			log.WithLevel(zerolog.PanicLevel).Uint64("chunk_id", uint64(id)).Msg("chunk id already allocated")
			panic(fmt.Errorf("%w: chunk %d", ErrAlreadyAllocated, id))
		}
		return nil, fmt.Errorf("insert chunk %d: %w", id, err)
	}
	return chunk, nil
}

func (s *Store) insertFile(f *File) error {
	record, err := s.codec.EncodeFile(f)
	if err != nil {
		return err
	}
	if err := s.files.Insert(uint64(f.ID), record); err != nil {
		if errors.Is(err, ErrKeyExists) {
			log.WithLevel(zerolog.PanicLevel).Uint64("file_id", uint64(f.ID)).Msg("file id already allocated")
			panic(fmt.Errorf("%w: file %d", ErrAlreadyAllocated, f.ID))
		}
		return fmt.Errorf("insert file %d: %w", f.ID, err)
	}
	return nil
}

func (s *Store) putFile(f *File) error {
	record, err := s.codec.EncodeFile(f)
	if err != nil {
		return err
	}
	if err := s.files.Put(uint64(f.ID), record); err != nil {
		return fmt.Errorf("put file %d: %w", f.ID, err)
	}
	return nil
}

func (s *Store) getFile(id FileID) (*File, error) {
	record, err := s.files.Get(uint64(id))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: file %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return s.codec.DecodeFile(uint64(id), record)
}

func (s *Store) getChunk(id ChunkID) (*Chunk, error) {
	record, err := s.chunks.Get(uint64(id))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: chunk %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	chunk, err := s.codec.DecodeChunk(uint64(id), record)
	if err != nil {
		return nil, err
	}
	if HashBytes(chunk.Data) != chunk.ContentHash {
		return nil, fmt.Errorf("%w: chunk %d", ErrCorruptChunk, id)
	}
	return chunk, nil
}
