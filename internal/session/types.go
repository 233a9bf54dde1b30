package session

import "time"

// Role identifies who authored a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of the visible chat history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// CreateRequest defines payload for creating a new session.
type CreateRequest struct {
	AccessCode string `json:"access_code"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID            string    `json:"session_id"`
	UserIdentifier       string    `json:"user_identifier"`
	Status               Status    `json:"status"`
	PromptName           string    `json:"prompt_name"`
	ResponseCounter      int       `json:"response_counter"`
	ConversationFinished bool      `json:"conversation_finished"`
	StartedAt            time.Time `json:"started_at"`
	LastActivityAt       time.Time `json:"last_activity_at"`
	InactivityTTLMS      int64     `json:"inactivity_ttl_ms"`
}
