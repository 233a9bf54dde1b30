package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNotFound    = errors.New("session not found")
	ErrStaleCursor = errors.New("hint cursor may only advance")
)

// Session holds all per-visit tutoring state. The orchestrator reads
// snapshots via Get and mutates through Manager methods, so callers never
// share the live struct.
type Session struct {
	ID             string `json:"session_id"`
	UserIdentifier string `json:"user_identifier"`
	Status         Status `json:"status"`

	CurrentPrompt string `json:"prompt_name"`
	PromptText    string `json:"-"`

	ChatHistory          []Message `json:"chat_history"`
	ResponseCounter      int       `json:"response_counter"`
	ConversationFinished bool      `json:"conversation_finished"`

	// RemoteConversationID is the provider-side thread id, set on first
	// successful conversation creation. ProvisionalID keys the transcript
	// before the remote id exists and is regenerated by Reset so earlier
	// conversations keep their own transcript documents.
	RemoteConversationID string `json:"remote_conversation_id,omitempty"`
	ProvisionalID        string `json:"-"`

	HintCursor  int      `json:"hint_cursor"`
	RecentHints []string `json:"-"`

	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	inactivityTimeout time.Duration
	onExpire          func(*Session)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 30 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		inactivityTimeout: inactivityTimeout,
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Create(userIdentifier, promptName, promptText string) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		ProvisionalID:  uuid.NewString(),
		UserIdentifier: userIdentifier,
		Status:         StatusActive,
		CurrentPrompt:  promptName,
		PromptText:     promptText,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return clone(s)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// EnsureGreeting seeds the fixed opening assistant message when the chat
// history is empty. Idempotent, safe to call on every client attach.
func (m *Manager) EnsureGreeting(sessionID, greeting string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return false, ErrNotFound
	}
	if len(s.ChatHistory) > 0 || greeting == "" {
		return false, nil
	}
	s.ChatHistory = append(s.ChatHistory, Message{Role: RoleAssistant, Content: greeting})
	s.LastActivityAt = time.Now().UTC()
	return true, nil
}

// AppendMessage adds one message to the chat history and returns its index.
func (m *Manager) AppendMessage(sessionID string, msg Message) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return 0, ErrNotFound
	}
	s.ChatHistory = append(s.ChatHistory, msg)
	s.LastActivityAt = time.Now().UTC()
	return len(s.ChatHistory) - 1, nil
}

// CompleteTurn records a successful assistant reply: the message is appended,
// the response counter advances, and the one-shot recent-hints buffer is
// cleared. Returns the updated snapshot and the appended message index.
func (m *Manager) CompleteTurn(sessionID, assistantText string) (*Session, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, 0, ErrNotFound
	}
	s.ChatHistory = append(s.ChatHistory, Message{Role: RoleAssistant, Content: assistantText})
	s.ResponseCounter++
	s.RecentHints = nil
	s.LastActivityAt = time.Now().UTC()
	return clone(s), len(s.ChatHistory) - 1, nil
}

// RecordHint appends a dispensed hint to both the chat history and the
// recent-hints buffer, advancing the cursor. The cursor is monotonic: a hint
// line already dispensed can never come back within the session.
func (m *Manager) RecordHint(sessionID, content string, nextCursor int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return 0, ErrNotFound
	}
	if nextCursor <= s.HintCursor {
		return 0, ErrStaleCursor
	}
	s.ChatHistory = append(s.ChatHistory, Message{Role: RoleAssistant, Content: content})
	s.RecentHints = append(s.RecentHints, content)
	s.HintCursor = nextCursor
	s.LastActivityAt = time.Now().UTC()
	return len(s.ChatHistory) - 1, nil
}

// SetRemoteConversation stores the provider conversation id once. Subsequent
// calls return the id already held, keeping ensure-conversation idempotent.
func (m *Manager) SetRemoteConversation(sessionID, conversationID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return "", ErrNotFound
	}
	if s.RemoteConversationID != "" {
		return s.RemoteConversationID, nil
	}
	s.RemoteConversationID = conversationID
	s.LastActivityAt = time.Now().UTC()
	return conversationID, nil
}

// Reset clears the conversation back to a blank slate: history, counters,
// remote id, hint cursor and recent hints all go to zero. The user identifier
// survives; a fresh provisional id keys the next transcript document.
func (m *Manager) Reset(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	resetLocked(s)
	return clone(s), nil
}

// SelectPrompt switches the active prompt variant. A change resets the
// conversation; selecting the current variant is a no-op.
func (m *Manager) SelectPrompt(sessionID, promptName, promptText string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return false, ErrNotFound
	}
	if s.CurrentPrompt == promptName {
		return false, nil
	}
	s.CurrentPrompt = promptName
	s.PromptText = promptText
	resetLocked(s)
	return true, nil
}

func resetLocked(s *Session) {
	s.RemoteConversationID = ""
	s.ProvisionalID = uuid.NewString()
	s.ChatHistory = nil
	s.ResponseCounter = 0
	s.ConversationFinished = false
	s.HintCursor = 0
	s.RecentHints = nil
	s.LastActivityAt = time.Now().UTC()
}

// Finish marks the conversation as over; no further turns are accepted.
func (m *Manager) Finish(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	s.ConversationFinished = true
	s.LastActivityAt = time.Now().UTC()
	return clone(s), nil
}

// End removes the session from active duty. The struct stays readable so a
// client can still fetch the final state. The boolean reports whether this
// call performed the transition; ending an ended session is a no-op.
func (m *Manager) End(sessionID string) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, false, ErrNotFound
	}
	if s.Status == StatusEnded {
		return clone(s), false, nil
	}
	s.Status = StatusEnded
	s.ConversationFinished = true
	s.LastActivityAt = time.Now().UTC()
	return clone(s), true, nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for _, s := range m.sessions {
		if s.Status != StatusActive {
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		s.Status = StatusEnded
		s.ConversationFinished = true
		s.LastActivityAt = now
		expired = append(expired, clone(s))
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	if s.ChatHistory != nil {
		c.ChatHistory = append([]Message(nil), s.ChatHistory...)
	}
	if s.RecentHints != nil {
		c.RecentHints = append([]string(nil), s.RecentHints...)
	}
	return &c
}
