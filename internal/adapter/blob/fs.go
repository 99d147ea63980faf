// Package blob stores oversized evaluation outputs on the local
// filesystem, addressed by content digest. The evaluation record keeps a
// bounded preview; anything past the cap lands here and the record points
// at it via the returned location.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/code-sandbox-evaluator/internal/domain"
)

// Store is a content-addressed file store. Locations are hex SHA-256
// digests; identical payloads share one file.
type Store struct {
	root string
}

// NewStore creates the root directory if needed.
func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("op=blob new: %w: empty root", domain.ErrInvalidArgument)
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("op=blob new: %w", err)
	}
	return &Store{root: root}, nil
}

// Put writes data and returns its digest as the location. The write is
// atomic: a temp file in the same directory renamed into place, so readers
// never see partial content. key only informs the temp-file name.
func (s *Store) Put(ctx domain.Context, key string, data []byte) (string, error) {
	_, span := otel.Tracer("adapter.blob").Start(ctx, "blob.Put")
	defer span.End()

	sum := sha256.Sum256(data)
	loc := hex.EncodeToString(sum[:])
	path, err := s.pathFor(loc)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(path); err == nil {
		return loc, nil // dedup hit
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("op=blob put: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "put-"+sanitize(key)+"-*")
	if err != nil {
		return "", fmt.Errorf("op=blob put: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("op=blob put: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("op=blob put: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("op=blob put: %w", err)
	}
	return loc, nil
}

// Get reads back the payload stored at location.
func (s *Store) Get(ctx domain.Context, location string) ([]byte, error) {
	_, span := otel.Tracer("adapter.blob").Start(ctx, "blob.Get")
	defer span.End()

	path, err := s.pathFor(location)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("op=blob get: %w: %s", domain.ErrNotFound, location)
		}
		return nil, fmt.Errorf("op=blob get: %w", err)
	}
	return data, nil
}

// pathFor maps a digest to root/ab/cd/<digest>, validating the digest so a
// crafted location cannot escape the root.
func (s *Store) pathFor(loc string) (string, error) {
	if len(loc) != sha256.Size*2 {
		return "", fmt.Errorf("op=blob path: %w: bad location %q", domain.ErrInvalidArgument, loc)
	}
	if _, err := hex.DecodeString(loc); err != nil {
		return "", fmt.Errorf("op=blob path: %w: bad location %q", domain.ErrInvalidArgument, loc)
	}
	return filepath.Join(s.root, loc[0:2], loc[2:4], loc), nil
}

func sanitize(key string) string {
	out := make([]rune, 0, len(key))
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) > 40 {
		out = out[:40]
	}
	return string(out)
}
