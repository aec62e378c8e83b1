package storage

import (
	"context"
	"errors"
	"fmt"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrDatabase     = errors.New("database error")
)

// Well-known document names of a configuration channel
const (
	// ConfigDocument holds the application settings of the channel
	ConfigDocument = "config"
	// ChangeDocument is bumped whenever the channel configuration changes
	ChangeDocument = "change"
)

// Document is a JSON object kept by a configuration channel
type Document map[string]any

// ChannelStore defines the interface for configuration channel documents
type ChannelStore interface {
	// Get retrieves a document by name
	Get(ctx context.Context, name string) (Document, error)

	// Put creates or replaces a document
	Put(ctx context.Context, name string, doc Document) error
}

// Store aggregates the storage interfaces
type Store interface {
	Channel() ChannelStore

	// Close closes the storage connection
	Close() error

	// Ping checks if the storage is alive
	Ping(ctx context.Context) error
}

// AppSettings returns the Name/Value pairs listed under "AppSettings"
func AppSettings(doc Document) map[string]string {
	out := make(map[string]string)
	list, _ := doc["AppSettings"].([]any)
	for _, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, _ := entry["Name"].(string)
		if name == "" {
			continue
		}
		switch v := entry["Value"].(type) {
		case string:
			out[name] = v
		case nil:
			out[name] = ""
		default:
			out[name] = fmt.Sprint(v)
		}
	}
	return out
}

// Merge copies the top-level keys of patch over doc
func Merge(doc, patch Document) Document {
	if doc == nil {
		doc = Document{}
	}
	for k, v := range patch {
		doc[k] = v
	}
	return doc
}
