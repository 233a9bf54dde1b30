package transcript

import (
	"context"
	"errors"
	"time"

	"github.com/mkravets/studybuddy/internal/session"
)

// ConversationType tags every transcript written by this service.
const ConversationType = "rabbit_study"

var ErrNotFound = errors.New("transcript not found")

// SessionKey derives the one key a session's transcript lives under: the
// remote conversation id once it exists, the provisional session id before.
func SessionKey(identifier, conversationID, provisionalID string) string {
	if conversationID != "" {
		return identifier + "_" + conversationID
	}
	return identifier + "_" + provisionalID
}

// Entry is one logged chat message with its position in the conversation.
type Entry struct {
	Message   session.Message `bson:"message" json:"message"`
	Timestamp time.Time       `bson:"timestamp" json:"timestamp"`
	Index     int             `bson:"message_index" json:"message_index"`
}

// Meta carries the session fields stamped onto a transcript document when it
// is first created.
type Meta struct {
	Identifier     string
	ConversationID string
	PromptVersion  string
}

// Record is a full transcript document, used by the in-memory store and for
// read-backs in tests.
type Record struct {
	ID               string    `bson:"-" json:"id"`
	SessionKey       string    `bson:"session_key" json:"session_key"`
	Identifier       string    `bson:"identifier" json:"identifier"`
	ConversationID   string    `bson:"openai_conversation_id,omitempty" json:"conversation_id,omitempty"`
	ConversationType string    `bson:"conversation_type" json:"conversation_type"`
	PromptVersion    string    `bson:"prompt_version" json:"prompt_version"`
	Messages         []Entry   `bson:"messages" json:"messages"`
	MessageCount     int       `bson:"message_count" json:"message_count"`
	Completed        bool      `bson:"conversation_completed" json:"completed"`
	CompletedAt      time.Time `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
	CreatedAt        time.Time `bson:"timestamp" json:"created_at"`
	LastUpdated      time.Time `bson:"last_updated" json:"last_updated"`
}

// Store is the durable append-only transcript log. All operations uphold the
// at-most-one-document-per-key invariant: appends find-or-create, completion
// falls back to creating from the in-memory history, and rekeying merges when
// the target key already has a document.
type Store interface {
	Append(ctx context.Context, key string, meta Meta, entry Entry) (string, error)
	MarkCompleted(ctx context.Context, key string, meta Meta, history []session.Message) (string, error)
	Rekey(ctx context.Context, oldKey, newKey string) (string, error)
	Close() error
}
