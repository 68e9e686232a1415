package store

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Envelope flags. The flag byte leads every record.
const (
	flagCompressed byte = 1 << iota
	flagSealed
)

// errSealedNoKey is returned when a sealed record is read without a key.
var errSealedNoKey = errors.New("record is sealed but no encryption key is configured")

// Codec serializes file and chunk records.
// Record format: flag byte || [nonce] || payload, where payload is optionally
// zstd compressed and then optionally sealed with XChaCha20-Poly1305. The
// record's map and key are bound as additional data, so a sealed record cannot
// be moved to another key.
type Codec struct {
	compress bool
	aead     cipher.AEAD

	encoderPool sync.Pool
	decoderPool sync.Pool
}

// NewCodec creates a codec. An empty secret disables sealing.
func NewCodec(compress bool, secret string) (*Codec, error) {
	c := &Codec{compress: compress}

	if secret != "" {
		var key [chacha20poly1305.KeySize]byte
		r := hkdf.New(sha256.New, []byte(secret), nil, []byte("assetstore-record"))
		if _, err := io.ReadFull(r, key[:]); err != nil {
			return nil, fmt.Errorf("derive record key: %w", err)
		}
		aead, err := chacha20poly1305.NewX(key[:])
		if err != nil {
			return nil, fmt.Errorf("create cipher: %w", err)
		}
		c.aead = aead
	}

	c.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	c.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}

	return c, nil
}

// Sealed reports whether new records are encrypted.
func (c *Codec) Sealed() bool {
	return c.aead != nil
}

// EncodeFile serializes a file record.
func (c *Codec) EncodeFile(f *File) ([]byte, error) {
	payload, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal file: %w", err)
	}
	return c.wrap(payload, recordAD("file", uint64(f.ID)))
}

// DecodeFile parses a file record stored under key.
func (c *Codec) DecodeFile(key uint64, record []byte) (*File, error) {
	payload, err := c.unwrap(record, recordAD("file", key))
	if err != nil {
		return nil, err
	}
	var f File
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("unmarshal file %d: %w", key, err)
	}
	return &f, nil
}

// EncodeChunk serializes a chunk record as a length-prefixed JSON header
// followed by the raw chunk bytes.
func (c *Codec) EncodeChunk(ch *Chunk) ([]byte, error) {
	header, err := json.Marshal(ch)
	if err != nil {
		return nil, fmt.Errorf("marshal chunk: %w", err)
	}
	payload := make([]byte, 4, 4+len(header)+len(ch.Data))
	binary.BigEndian.PutUint32(payload, uint32(len(header)))
	payload = append(payload, header...)
	payload = append(payload, ch.Data...)
	return c.wrap(payload, recordAD("chunk", uint64(ch.ID)))
}

// DecodeChunk parses a chunk record stored under key.
func (c *Codec) DecodeChunk(key uint64, record []byte) (*Chunk, error) {
	payload, err := c.unwrap(record, recordAD("chunk", key))
	if err != nil {
		return nil, err
	}
	if len(payload) < 4 {
		return nil, fmt.Errorf("chunk %d: truncated record", key)
	}
	n := binary.BigEndian.Uint32(payload)
	if uint64(n) > uint64(len(payload)-4) {
		return nil, fmt.Errorf("chunk %d: header length %d exceeds record", key, n)
	}
	var ch Chunk
	if err := json.Unmarshal(payload[4:4+n], &ch); err != nil {
		return nil, fmt.Errorf("unmarshal chunk %d: %w", key, err)
	}
	ch.Data = payload[4+n:]
	return &ch, nil
}

func recordAD(kind string, key uint64) []byte {
	return strconv.AppendUint([]byte(kind+":"), key, 10)
}

func (c *Codec) wrap(payload, ad []byte) ([]byte, error) {
	var flags byte
	if c.compress {
		enc := c.encoderPool.Get().(*zstd.Encoder)
		compressed := enc.EncodeAll(payload, nil)
		c.encoderPool.Put(enc)
		// Media is usually already compressed; keep the smaller form.
		if len(compressed) < len(payload) {
			payload = compressed
			flags |= flagCompressed
		}
	}

	if c.aead == nil {
		out := make([]byte, 0, 1+len(payload))
		out = append(out, flags)
		return append(out, payload...), nil
	}

	flags |= flagSealed
	nonceSize := c.aead.NonceSize()
	out := make([]byte, 1+nonceSize, 1+nonceSize+len(payload)+c.aead.Overhead())
	out[0] = flags
	if _, err := rand.Read(out[1 : 1+nonceSize]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(out, out[1:1+nonceSize], payload, ad), nil
}

func (c *Codec) unwrap(record, ad []byte) ([]byte, error) {
	if len(record) == 0 {
		return nil, errors.New("empty record")
	}
	flags := record[0]
	payload := record[1:]

	if flags&flagSealed != 0 {
		if c.aead == nil {
			return nil, errSealedNoKey
		}
		nonceSize := c.aead.NonceSize()
		if len(payload) < nonceSize {
			return nil, errors.New("sealed record too short")
		}
		plain, err := c.aead.Open(nil, payload[:nonceSize], payload[nonceSize:], ad)
		if err != nil {
			return nil, fmt.Errorf("decrypt record: %w", err)
		}
		payload = plain
	}

	if flags&flagCompressed != 0 {
		dec := c.decoderPool.Get().(*zstd.Decoder)
		defer c.decoderPool.Put(dec)
		plain, err := dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress record: %w", err)
		}
		payload = plain
	}

	return payload, nil
}
