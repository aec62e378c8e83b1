// Package backend selects the configuration channel storage.
package backend

import (
	"context"
	"fmt"

	"github.com/sirosfoundation/go-appshell/internal/storage"
	"github.com/sirosfoundation/go-appshell/internal/storage/file"
	"github.com/sirosfoundation/go-appshell/internal/storage/memory"
	"github.com/sirosfoundation/go-appshell/internal/storage/mongodb"
	"github.com/sirosfoundation/go-appshell/pkg/config"
)

// Type defines the type of channel backend
type Type string

const (
	// TypeNone disables the configuration channel
	TypeNone Type = "none"
	// TypeMemory keeps channel documents in memory (for testing/development)
	TypeMemory Type = "memory"
	// TypeFile keeps channel documents in a local JSON file
	TypeFile Type = "file"
	// TypeMongoDB uses MongoDB storage (for production)
	TypeMongoDB Type = "mongodb"
)

// New creates a channel backend based on the configuration. It returns a
// nil store when the channel is disabled.
func New(ctx context.Context, cfg *config.ConfigChannelConfig) (storage.Store, error) {
	switch Type(cfg.Type) {
	case TypeNone, "":
		return nil, nil

	case TypeMemory:
		return memory.NewStore(), nil

	case TypeFile:
		store, err := file.NewStore(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("failed to create file backend: %w", err)
		}
		return store, nil

	case TypeMongoDB:
		store, err := mongodb.NewStore(ctx, &cfg.MongoDB, channelName(cfg))
		if err != nil {
			return nil, fmt.Errorf("failed to create MongoDB backend: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unsupported channel type: %s", cfg.Type)
	}
}

func channelName(cfg *config.ConfigChannelConfig) string {
	if cfg.Name != "" {
		return cfg.Name
	}
	return "default"
}
