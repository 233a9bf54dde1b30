package transcript

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mkravets/studybuddy/internal/session"
)

const transcriptsCollection = "transcripts"

// MongoStore persists transcripts as one document per session key in the
// transcripts collection.
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

func (s *MongoStore) collection() *mongo.Collection {
	return s.client.Database(s.database).Collection(transcriptsCollection)
}

func keyFilter(key string) bson.M {
	return bson.M{"session_key": key, "conversation_type": ConversationType}
}

// Append pushes one message onto the session's transcript, creating the
// document on first use. The upsert keeps exactly one document per key even
// when two appends race.
func (s *MongoStore) Append(ctx context.Context, key string, meta Meta, entry Entry) (string, error) {
	now := time.Now().UTC()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now
	}

	update := bson.M{
		"$push": bson.M{"messages": entry},
		"$inc":  bson.M{"message_count": 1},
		"$set":  bson.M{"last_updated": now},
		"$setOnInsert": bson.M{
			"timestamp":              now,
			"identifier":             meta.Identifier,
			"openai_conversation_id": meta.ConversationID,
			"prompt_version":         meta.PromptVersion,
			"conversation_completed": false,
		},
	}
	res, err := s.collection().UpdateOne(ctx, keyFilter(key), update, options.Update().SetUpsert(true))
	if err != nil {
		return "", fmt.Errorf("append message: %w", err)
	}
	if oid, ok := res.UpsertedID.(primitive.ObjectID); ok {
		return oid.Hex(), nil
	}
	return s.documentID(ctx, key)
}

// MarkCompleted flags the transcript as finished. If no document exists the
// full in-memory history seeds a completed one, so a session end is never
// lost to an earlier append failure.
func (s *MongoStore) MarkCompleted(ctx context.Context, key string, meta Meta, history []session.Message) (string, error) {
	now := time.Now().UTC()
	res, err := s.collection().UpdateOne(ctx, keyFilter(key), bson.M{
		"$set": bson.M{
			"conversation_completed": true,
			"completed_at":           now,
			"last_updated":           now,
		},
	})
	if err != nil {
		return "", fmt.Errorf("mark completed: %w", err)
	}
	if res.MatchedCount > 0 {
		return s.documentID(ctx, key)
	}

	entries := make([]Entry, 0, len(history))
	for i, msg := range history {
		entries = append(entries, Entry{Message: msg, Timestamp: now, Index: i})
	}
	doc := bson.M{
		"session_key":            key,
		"timestamp":              now,
		"last_updated":           now,
		"messages":               entries,
		"identifier":             meta.Identifier,
		"openai_conversation_id": meta.ConversationID,
		"conversation_type":      ConversationType,
		"prompt_version":         meta.PromptVersion,
		"message_count":          len(entries),
		"conversation_completed": true,
		"completed_at":           now,
	}
	inserted, err := s.collection().InsertOne(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("insert completed transcript: %w", err)
	}
	if oid, ok := inserted.InsertedID.(primitive.ObjectID); ok {
		return oid.Hex(), nil
	}
	return "", nil
}

// Rekey moves a transcript logged under a provisional key to its final
// conversation-id key. An existing document under the new key absorbs the old
// messages (append all, then delete), otherwise the key is renamed in place.
func (s *MongoStore) Rekey(ctx context.Context, oldKey, newKey string) (string, error) {
	now := time.Now().UTC()

	var old struct {
		ID       primitive.ObjectID `bson:"_id"`
		Messages []Entry            `bson:"messages"`
	}
	err := s.collection().FindOne(ctx, keyFilter(oldKey)).Decode(&old)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find old transcript: %w", err)
	}

	var existing struct {
		ID primitive.ObjectID `bson:"_id"`
	}
	err = s.collection().FindOne(ctx, keyFilter(newKey)).Decode(&existing)
	switch {
	case err == nil:
		_, err = s.collection().UpdateOne(ctx, keyFilter(newKey), bson.M{
			"$push": bson.M{"messages": bson.M{"$each": old.Messages}},
			"$inc":  bson.M{"message_count": len(old.Messages)},
			"$set":  bson.M{"last_updated": now},
		})
		if err != nil {
			return "", fmt.Errorf("merge transcripts: %w", err)
		}
		if _, err := s.collection().DeleteOne(ctx, bson.M{"_id": old.ID}); err != nil {
			return "", fmt.Errorf("delete old transcript: %w", err)
		}
		return existing.ID.Hex(), nil
	case errors.Is(err, mongo.ErrNoDocuments):
		_, err = s.collection().UpdateByID(ctx, old.ID, bson.M{
			"$set": bson.M{"session_key": newKey, "last_updated": now},
		})
		if err != nil {
			return "", fmt.Errorf("rename session key: %w", err)
		}
		return old.ID.Hex(), nil
	default:
		return "", fmt.Errorf("find new transcript: %w", err)
	}
}

func (s *MongoStore) documentID(ctx context.Context, key string) (string, error) {
	var doc struct {
		ID primitive.ObjectID `bson:"_id"`
	}
	opts := options.FindOne().SetProjection(bson.M{"_id": 1})
	if err := s.collection().FindOne(ctx, keyFilter(key), opts).Decode(&doc); err != nil {
		return "", fmt.Errorf("find transcript id: %w", err)
	}
	return doc.ID.Hex(), nil
}

func (s *MongoStore) Close() error {
	return s.client.Disconnect(context.Background())
}
