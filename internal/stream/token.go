package stream

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/bertiespell/asset-canister/internal/store"
)

// Token is the opaque continuation handle. It names the file by its route
// key and the next chunk by order ID. Callers must not interpret it.
type Token struct {
	Key             string     `json:"key"`
	ContentEncoding string     `json:"content_encoding"`
	Index           uint64     `json:"index"`
	ContentHash     store.Hash `json:"content_hash"`
}

func newToken(f *store.File, index uint64) *Token {
	return &Token{
		Key:         fmt.Sprintf("%s/%d", f.Type.Slug(), f.ID),
		Index:       index,
		ContentHash: f.ContentHash,
	}
}

// Encode returns the token as unpadded base64url JSON.
func (t *Token) Encode() string {
	data, _ := json.Marshal(t)
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeToken parses an encoded token.
func DecodeToken(s string) (*Token, error) {
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return &t, nil
}

// ParseRoute resolves "image/<id>" or "video/<id>" to a file ID. Leading and
// trailing slashes are ignored and matching is case-insensitive. The slug is
// not checked against the file's type.
func ParseRoute(path string) (store.FileID, bool) {
	path = strings.ToLower(strings.Trim(path, "/"))
	if path == "" {
		return 0, false
	}
	parts := strings.Split(path, "/")
	if len(parts) < 2 {
		return 0, false
	}
	switch parts[0] {
	case "image", "video":
	default:
		return 0, false
	}
	id, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return store.FileID(id), true
}
