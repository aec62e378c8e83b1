// Package secrets reads named secrets from a directory. Files ending in
// .age are decrypted with the configured age identities.
package secrets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
)

// Well-known secret names
const (
	// EnvSecret is a JSON object merged into the worker environment
	EnvSecret = "env.json"
	// CertsSecret lists the SNI certificates
	CertsSecret = "certs.json"
)

var (
	ErrNotFound    = errors.New("secret not found")
	ErrInvalidName = errors.New("invalid secret name")
)

// Store returns secret material by name
type Store interface {
	Get(ctx context.Context, name string) ([]byte, error)
}

// FileStore implements Store on a directory
type FileStore struct {
	dir        string
	identities []age.Identity
}

// NewFileStore creates a store rooted at dir. identityFile may be empty,
// in which case encrypted secrets cannot be read.
func NewFileStore(dir, identityFile string) (*FileStore, error) {
	s := &FileStore{dir: dir}
	if identityFile == "" {
		return s, nil
	}

	f, err := os.Open(identityFile)
	if err != nil {
		return nil, fmt.Errorf("opening identity file: %w", err)
	}
	defer f.Close()

	ids, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parsing identity file: %w", err)
	}
	s.identities = ids
	return s, nil
}

// Get reads name, preferring name.age when present
func (s *FileStore) Get(ctx context.Context, name string) ([]byte, error) {
	if s.dir == "" {
		return nil, ErrNotFound
	}
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, ErrInvalidName
	}

	path := filepath.Join(s.dir, name)
	sealed, err := os.ReadFile(path + ".age")
	switch {
	case err == nil:
		return s.decrypt(sealed)
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("reading secret %s: %w", name, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading secret %s: %w", name, err)
	}
	return data, nil
}

func (s *FileStore) decrypt(sealed []byte) ([]byte, error) {
	if len(s.identities) == 0 {
		return nil, fmt.Errorf("encrypted secret but no identity configured")
	}
	r, err := age.Decrypt(bytes.NewReader(sealed), s.identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted secret: %w", err)
	}
	return plain, nil
}

// Env loads the environment overlay secret. A missing secret yields an
// empty overlay. Non-string values are JSON encoded.
func Env(ctx context.Context, store Store) (map[string]string, error) {
	out := make(map[string]string)
	if store == nil {
		return out, nil
	}
	data, err := store.Get(ctx, EnvSecret)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return out, nil
		}
		return nil, err
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", EnvSecret, err)
	}
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			out[k] = val
		default:
			enc, err := json.Marshal(val)
			if err != nil {
				return nil, err
			}
			out[k] = string(enc)
		}
	}
	return out, nil
}
