// Package file keeps configuration channel documents in a single JSON file.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirosfoundation/go-appshell/internal/storage"
)

// Store implements file storage
type Store struct {
	channel *ChannelStore
}

// NewStore opens the channel file at path. A missing file is created on the
// first write.
func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("channel file path is required")
	}
	cs := &ChannelStore{path: path}
	if _, err := cs.load(); err != nil {
		return nil, err
	}
	return &Store{channel: cs}, nil
}

func (s *Store) Channel() storage.ChannelStore { return s.channel }
func (s *Store) Close() error                  { return nil }

func (s *Store) Ping(ctx context.Context) error {
	_, err := s.channel.load()
	return err
}

// ChannelStore implements file channel storage
type ChannelStore struct {
	mu   sync.Mutex
	path string
}

func (s *ChannelStore) load() (map[string]storage.Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]storage.Document{}, nil
		}
		return nil, fmt.Errorf("failed to read channel file: %w", err)
	}
	docs := map[string]storage.Document{}
	if len(data) == 0 {
		return docs, nil
	}
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("failed to parse channel file: %w", err)
	}
	return docs, nil
}

func (s *ChannelStore) Get(ctx context.Context, name string) (storage.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs, err := s.load()
	if err != nil {
		return nil, err
	}
	doc, ok := docs[name]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return doc, nil
}

func (s *ChannelStore) Put(ctx context.Context, name string, doc storage.Document) error {
	if name == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	docs, err := s.load()
	if err != nil {
		return err
	}
	docs[name] = doc

	data, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode channel file: %w", err)
	}
	return writeAtomic(s.path, data)
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create channel directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write channel file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace channel file: %w", err)
	}
	return nil
}
