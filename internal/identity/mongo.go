package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const validIdentifiersCollection = "valid_identifiers"

// MongoStore checks access codes against the valid_identifiers collection.
type MongoStore struct {
	client   *mongo.Client
	database string
}

func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	if strings.TrimSpace(database) == "" {
		database = "rabbitbot"
	}
	serverAPI := options.ServerAPI(options.ServerAPIVersion1)
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetServerAPIOptions(serverAPI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	return &MongoStore{client: client, database: database}, nil
}

func (s *MongoStore) Check(ctx context.Context, identifier string) (bool, error) {
	coll := s.client.Database(s.database).Collection(validIdentifiersCollection)
	err := coll.FindOne(ctx, bson.M{"identifier": identifier}).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check identifier: %w", err)
	}
	return true, nil
}

func (s *MongoStore) Close() error {
	return s.client.Disconnect(context.Background())
}
