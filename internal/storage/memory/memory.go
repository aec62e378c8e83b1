package memory

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirosfoundation/go-appshell/internal/storage"
)

// Store implements an in-memory storage
type Store struct {
	channel *ChannelStore
}

// NewStore creates a new in-memory store
func NewStore() *Store {
	return &Store{
		channel: &ChannelStore{data: make(map[string][]byte)},
	}
}

func (s *Store) Channel() storage.ChannelStore { return s.channel }
func (s *Store) Close() error                  { return nil }
func (s *Store) Ping(ctx context.Context) error { return nil }

// ChannelStore implements in-memory channel storage. Documents are kept
// serialized so callers never share maps with the store.
type ChannelStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func (s *ChannelStore) Get(ctx context.Context, name string) (storage.Document, error) {
	s.mu.RLock()
	raw, ok := s.data[name]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}

	var doc storage.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *ChannelStore) Put(ctx context.Context, name string, doc storage.Document) error {
	if name == "" {
		return storage.ErrInvalidInput
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[name] = raw
	return nil
}
