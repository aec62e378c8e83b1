package mongodb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sirosfoundation/go-appshell/internal/storage"
	"github.com/sirosfoundation/go-appshell/pkg/config"
)

// Store implements MongoDB storage
type Store struct {
	client   *mongo.Client
	database *mongo.Database
	cfg      *config.MongoDBConfig

	channel *ChannelStore
}

// NewStore creates a new MongoDB store for the named channel
func NewStore(ctx context.Context, cfg *config.MongoDBConfig, channel string) (*Store, error) {
	clientOptions := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(time.Duration(cfg.Timeout) * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Ping the database to verify connection
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	database := client.Database(cfg.Database)
	collection := cfg.Collection
	if collection == "" {
		collection = "channel_config"
	}

	s := &Store{
		client:   client,
		database: database,
		cfg:      cfg,
		channel:  &ChannelStore{collection: database.Collection(collection), channel: channel},
	}

	if err := s.createIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	return s, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	_, err := s.channel.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "channel", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create channel indexes: %w", err)
	}
	return nil
}

func (s *Store) Channel() storage.ChannelStore { return s.channel }

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// record is the stored form of a channel document. The body is kept as
// JSON text so nested values survive unchanged.
type record struct {
	ID        string    `bson:"_id"`
	Channel   string    `bson:"channel"`
	Name      string    `bson:"name"`
	Body      string    `bson:"body"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// ChannelStore implements MongoDB channel storage
type ChannelStore struct {
	collection *mongo.Collection
	channel    string
}

func (s *ChannelStore) id(name string) string {
	return s.channel + "/" + name
}

func (s *ChannelStore) Get(ctx context.Context, name string) (storage.Document, error) {
	var rec record
	err := s.collection.FindOne(ctx, bson.M{"_id": s.id(name)}).Decode(&rec)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get channel document: %w", err)
	}

	var doc storage.Document
	if err := json.Unmarshal([]byte(rec.Body), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode channel document: %w", err)
	}
	return doc, nil
}

func (s *ChannelStore) Put(ctx context.Context, name string, doc storage.Document) error {
	if name == "" {
		return storage.ErrInvalidInput
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode channel document: %w", err)
	}

	rec := record{
		ID:        s.id(name),
		Channel:   s.channel,
		Name:      name,
		Body:      string(body),
		UpdatedAt: time.Now(),
	}
	_, err = s.collection.ReplaceOne(ctx, bson.M{"_id": rec.ID}, rec, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to put channel document: %w", err)
	}
	return nil
}
