package mongodb

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/sirosfoundation/go-appshell/internal/storage"
	"github.com/sirosfoundation/go-appshell/pkg/config"
)

func getTestMongoURI() string {
	uri := os.Getenv("MONGODB_TEST_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}
	return uri
}

func skipIfNoMongo(t *testing.T, channel string) *Store {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := &config.MongoDBConfig{
		URI:        getTestMongoURI(),
		Database:   "appshell_test",
		Collection: "channel_config",
		Timeout:    5,
	}

	store, err := NewStore(ctx, cfg, channel)
	if err != nil {
		t.Skipf("MongoDB not available: %v", err)
		return nil
	}

	// Clean up test database
	t.Cleanup(func() {
		ctx := context.Background()
		_ = store.database.Drop(ctx)
		_ = store.Close()
	})

	return store
}

func TestNewStore(t *testing.T) {
	store := skipIfNoMongo(t, "test")
	require.NotNil(t, store)
}

func TestStore_Ping(t *testing.T) {
	store := skipIfNoMongo(t, "test")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, store.Ping(ctx))
}

func TestChannelStore_GetMissing(t *testing.T) {
	store := skipIfNoMongo(t, "test")

	_, err := store.Channel().Get(context.Background(), storage.ConfigDocument)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestChannelStore_PutReplaces(t *testing.T) {
	store := skipIfNoMongo(t, "test")
	ctx := context.Background()

	first := storage.Document{
		"AppSettings": []any{map[string]any{"Name": "A", "Value": "1"}},
	}
	require.NoError(t, store.Channel().Put(ctx, storage.ConfigDocument, first))
	require.NoError(t, store.Channel().Put(ctx, storage.ConfigDocument, storage.Merge(first, storage.Document{"note": "x"})))

	got, err := store.Channel().Get(ctx, storage.ConfigDocument)
	require.NoError(t, err)
	assert.Equal(t, "x", got["note"])
	assert.Equal(t, map[string]string{"A": "1"}, storage.AppSettings(got))

	n, err := store.channel.collection.CountDocuments(ctx, bson.M{"channel": "test"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestChannelStore_ChannelsAreIsolated(t *testing.T) {
	a := skipIfNoMongo(t, "a")
	ctx := context.Background()

	b := &ChannelStore{collection: a.channel.collection, channel: "b"}

	require.NoError(t, a.Channel().Put(ctx, storage.ChangeDocument, storage.Document{"did": "1"}))
	_, err := b.Get(ctx, storage.ChangeDocument)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
