// Package stream serves stored files back one chunk at a time. The server
// keeps no per-reader state: every continuation carries everything needed to
// locate the next chunk.
package stream

import (
	"errors"
	"fmt"

	"github.com/bertiespell/asset-canister/internal/store"
	"github.com/rs/zerolog/log"
)

// CacheControl is sent with every first response. Stored files never change.
const CacheControl = "public, max-age=100000000, immutable"

// Reader is the read side of the store. admission.Service implements it.
type Reader interface {
	GetFile(id store.FileID) (*store.File, error)
	ChunkByOrder(f *store.File, orderID uint64) (*store.Chunk, error)
}

// Response is the first chunk of a file.
type Response struct {
	File  *store.File
	Body  []byte
	Token *Token // nil when the file declares a single chunk
}

// Headers returns the HTTP headers for r.
func (r *Response) Headers() map[string]string {
	return map[string]string{
		"Content-Type":                r.File.Type.MIME(),
		"Cache-Control":               CacheControl,
		"Access-Control-Allow-Origin": "*",
	}
}

// Continuation is one subsequent chunk. Done reports the end of the stream.
type Continuation struct {
	Body  []byte
	Token *Token
}

// Done reports whether the stream has ended.
func (c *Continuation) Done() bool {
	return c.Token == nil
}

// Streamer implements Start and Continue over a Reader.
type Streamer struct {
	files Reader
}

// New creates a streamer.
func New(files Reader) *Streamer {
	return &Streamer{files: files}
}

// Start resolves path to a file and returns its first chunk. The token is
// set when the file declares more than one chunk.
func (s *Streamer) Start(path string) (*Response, error) {
	id, ok := ParseRoute(path)
	if !ok {
		return nil, fmt.Errorf("%w: route %q", ErrNotFound, path)
	}
	f, err := s.files.GetFile(id)
	if err != nil {
		return nil, s.notFound(err)
	}
	chunk, err := s.files.ChunkByOrder(f, 0)
	if err != nil {
		return nil, s.notFound(err)
	}

	resp := &Response{File: f, Body: chunk.Data}
	if f.DeclaredChunks > 1 {
		resp.Token = newToken(f, 1)
	}
	return resp, nil
}

// Continue returns the chunk a token points at, and a token for the next
// chunk while more remain. A token for a missing file or chunk, or for a
// file whose content has since changed, ends the stream with an empty body.
func (s *Streamer) Continue(t *Token) *Continuation {
	done := &Continuation{}
	if t == nil {
		return done
	}

	id, ok := ParseRoute(t.Key)
	if !ok {
		return done
	}
	f, err := s.files.GetFile(id)
	if err != nil {
		return done
	}
	if !t.ContentHash.IsZero() && t.ContentHash != f.ContentHash {
		log.Debug().Uint64("file_id", uint64(id)).Msg("stream token does not match file content")
		return done
	}
	chunk, err := s.files.ChunkByOrder(f, t.Index)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn().Err(err).Uint64("file_id", uint64(id)).Uint64("index", t.Index).Msg("failed to read chunk")
		}
		return done
	}

	c := &Continuation{Body: chunk.Data}
	if t.Index+1 < f.DeclaredChunks {
		c.Token = newToken(f, t.Index+1)
	}
	return c
}

// All calls fn with each chunk of the file at path in order. It stops at the
// first missing chunk.
func (s *Streamer) All(path string, fn func(body []byte) error) error {
	resp, err := s.Start(path)
	if err != nil {
		return err
	}
	if err := fn(resp.Body); err != nil {
		return err
	}
	for t := resp.Token; t != nil; {
		c := s.Continue(t)
		if len(c.Body) > 0 {
			if err := fn(c.Body); err != nil {
				return err
			}
		}
		t = c.Token
	}
	return nil
}

func (s *Streamer) notFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
