package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mkravets/studybuddy/internal/hint"
	"github.com/mkravets/studybuddy/internal/identity"
	"github.com/mkravets/studybuddy/internal/llm"
	"github.com/mkravets/studybuddy/internal/observability"
	"github.com/mkravets/studybuddy/internal/prompt"
	"github.com/mkravets/studybuddy/internal/session"
	"github.com/mkravets/studybuddy/internal/transcript"
)

const (
	// Greeting opens every conversation and is re-seeded whenever the chat
	// history is empty.
	Greeting = "Hi, I am Rabbit! What is your name?"

	// ClosingMessage replaces the model call once the turn ceiling is hit.
	ClosingMessage = "Thanks for helping me study! I think I understand this topic much better now. \U0001F430"

	// SessionType is stamped into provider conversation metadata.
	SessionType = "economics_study"

	// HintVariant is the only prompt variant that exposes the hint script.
	HintVariant = "rabbit_v3"

	hintPrefix = "Let's read a hint: "
)

var (
	ErrAccessDenied         = errors.New("access code is not valid")
	ErrConversationFinished = errors.New("conversation is finished")
	ErrTurnLimit            = errors.New("turn limit reached")
	ErrNoMoreHints          = errors.New("no more hints")
	ErrHintsUnavailable     = errors.New("hints are not available for this prompt")
)

// Options wires the orchestrator's collaborators and turn parameters.
type Options struct {
	Sessions    *session.Manager
	Prompts     *prompt.Catalog
	Hints       *hint.Dispenser
	Adapter     llm.Adapter
	Access      identity.Store
	Transcripts transcript.Store
	Metrics     *observability.Metrics
	Logger      *log.Logger

	Model           string
	MaxOutputTokens int
	ReasoningEffort string
	MaxResponses    int
}

// Orchestrator drives the tutoring conversation: access gating, prompt
// selection, hint dispensing, assistant turns with streaming and fallback,
// and best-effort transcript persistence.
type Orchestrator struct {
	sessions    *session.Manager
	prompts     *prompt.Catalog
	hints       *hint.Dispenser
	adapter     llm.Adapter
	access      identity.Store
	transcripts transcript.Store
	metrics     *observability.Metrics
	logger      *log.Logger

	model           string
	maxOutputTokens int
	reasoningEffort string
	maxResponses    int
}

func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Sessions == nil || opts.Prompts == nil || opts.Hints == nil {
		return nil, errors.New("sessions, prompts and hints are required")
	}
	if opts.Adapter == nil || opts.Access == nil || opts.Transcripts == nil {
		return nil, errors.New("adapter, access store and transcript store are required")
	}
	if opts.Metrics == nil {
		return nil, errors.New("metrics are required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.MaxResponses <= 0 {
		opts.MaxResponses = 1000
	}
	return &Orchestrator{
		sessions:        opts.Sessions,
		prompts:         opts.Prompts,
		hints:           opts.Hints,
		adapter:         opts.Adapter,
		access:          opts.Access,
		transcripts:     opts.Transcripts,
		metrics:         opts.Metrics,
		logger:          opts.Logger,
		model:           opts.Model,
		maxOutputTokens: opts.MaxOutputTokens,
		reasoningEffort: opts.ReasoningEffort,
		maxResponses:    opts.MaxResponses,
	}, nil
}

// ValidateAccess checks an access code against the identifier store. A blank
// code is rejected without touching the store.
func (o *Orchestrator) ValidateAccess(ctx context.Context, code string) (bool, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		o.metrics.AccessChecks.WithLabelValues("denied").Inc()
		return false, nil
	}
	ok, err := o.access.Check(ctx, code)
	if err != nil {
		o.metrics.AccessChecks.WithLabelValues("error").Inc()
		return false, fmt.Errorf("access check: %w", err)
	}
	if ok {
		o.metrics.AccessChecks.WithLabelValues("granted").Inc()
	} else {
		o.metrics.AccessChecks.WithLabelValues("denied").Inc()
	}
	return ok, nil
}

// CreateSession validates the access code and opens a session on the default
// prompt variant, greeting already seeded.
func (o *Orchestrator) CreateSession(ctx context.Context, accessCode string) (*session.Session, error) {
	ok, err := o.ValidateAccess(ctx, accessCode)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAccessDenied
	}

	text, err := o.prompts.Compose(prompt.DefaultVariant)
	if err != nil {
		return nil, fmt.Errorf("compose prompt: %w", err)
	}
	s := o.sessions.Create(strings.TrimSpace(accessCode), prompt.DefaultVariant, text)
	if _, err := o.sessions.EnsureGreeting(s.ID, Greeting); err != nil {
		return nil, err
	}
	o.metrics.SessionEvents.WithLabelValues("created").Inc()
	o.metrics.ActiveSessions.Set(float64(o.sessions.ActiveCount()))
	return o.sessions.Get(s.ID)
}

// Snapshot returns the current session state with the greeting seeded when
// the history is empty.
func (o *Orchestrator) Snapshot(sessionID string) (*session.Session, error) {
	if _, err := o.sessions.EnsureGreeting(sessionID, Greeting); err != nil {
		return nil, err
	}
	return o.sessions.Get(sessionID)
}

// TurnResult is the outcome of one user message.
type TurnResult struct {
	Session      *session.Session
	Text         string
	Fallback     bool
	LimitReached bool
}

// SendTurn handles one user message end to end: the message is recorded, the
// provider conversation is ensured, the assistant reply is streamed through
// onDelta and the completed turn is persisted. When the turn ceiling has been
// reached the closing message is appended instead of calling the model and
// ErrTurnLimit is returned alongside a populated result.
func (o *Orchestrator) SendTurn(ctx context.Context, sessionID, userText string, onDelta llm.DeltaHandler) (TurnResult, error) {
	snap, err := o.Snapshot(sessionID)
	if err != nil {
		return TurnResult{}, err
	}
	if snap.ConversationFinished {
		return TurnResult{}, ErrConversationFinished
	}
	if onDelta == nil {
		onDelta = func(string) error { return nil }
	}

	userMsg := session.Message{Role: session.RoleUser, Content: userText}
	idx, err := o.sessions.AppendMessage(sessionID, userMsg)
	if err != nil {
		return TurnResult{}, err
	}
	o.persistEntry(ctx, snap, userMsg, idx)

	if snap.ResponseCounter >= o.maxResponses {
		return o.closeAtLimit(ctx, sessionID)
	}

	convID, err := o.ensureConversation(ctx, snap)
	if err != nil {
		o.metrics.Turns.WithLabelValues("failed").Inc()
		return TurnResult{}, fmt.Errorf("assistant turn: %w", err)
	}

	input := composeInput(snap.RecentHints, userText)
	history := make([]llm.Turn, 0, len(snap.ChatHistory)+1)
	for _, m := range snap.ChatHistory {
		history = append(history, llm.Turn{Role: string(m.Role), Content: m.Content})
	}
	history = append(history, llm.Turn{Role: string(session.RoleUser), Content: userText})

	req := llm.TurnRequest{
		Model:           o.model,
		ConversationID:  convID,
		Instructions:    snap.PromptText,
		Input:           input,
		History:         history,
		MaxOutputTokens: o.maxOutputTokens,
		ReasoningEffort: o.reasoningEffort,
	}

	start := time.Now()
	resp, err := o.adapter.StreamTurn(ctx, req, onDelta)
	if err != nil {
		o.metrics.Turns.WithLabelValues("failed").Inc()
		return TurnResult{}, fmt.Errorf("assistant turn: %w", err)
	}
	o.metrics.ObserveTurnLatency(time.Since(start))
	if resp.Fallback {
		o.metrics.Turns.WithLabelValues("fallback").Inc()
	} else {
		o.metrics.Turns.WithLabelValues("primary").Inc()
	}

	updated, assistantIdx, err := o.sessions.CompleteTurn(sessionID, resp.Text)
	if err != nil {
		return TurnResult{}, err
	}
	o.persistEntry(ctx, updated, session.Message{Role: session.RoleAssistant, Content: resp.Text}, assistantIdx)

	return TurnResult{Session: updated, Text: resp.Text, Fallback: resp.Fallback}, nil
}

// closeAtLimit appends the fixed closing message, marks the conversation
// finished and persists the final transcript.
func (o *Orchestrator) closeAtLimit(ctx context.Context, sessionID string) (TurnResult, error) {
	closingMsg := session.Message{Role: session.RoleAssistant, Content: ClosingMessage}
	idx, err := o.sessions.AppendMessage(sessionID, closingMsg)
	if err != nil {
		return TurnResult{}, err
	}
	finished, err := o.sessions.Finish(sessionID)
	if err != nil {
		return TurnResult{}, err
	}
	o.persistEntry(ctx, finished, closingMsg, idx)
	o.markCompleted(ctx, finished)
	o.metrics.SessionEvents.WithLabelValues("turn_limit").Inc()
	return TurnResult{Session: finished, Text: ClosingMessage, LimitReached: true}, ErrTurnLimit
}

// ensureConversation creates the provider-side conversation thread on first
// use and moves the provisional transcript under the new key. A creation
// failure fails the turn and leaves the id unset so the next turn retries.
func (o *Orchestrator) ensureConversation(ctx context.Context, snap *session.Session) (string, error) {
	if snap.RemoteConversationID != "" {
		return snap.RemoteConversationID, nil
	}
	starter, ok := llm.StarterFor(o.adapter)
	if !ok {
		return "", nil
	}

	convID, err := starter.CreateConversation(ctx, llm.ConversationSeed{
		Greeting: Greeting,
		Metadata: map[string]string{
			"session_type": SessionType,
			"identifier":   snap.UserIdentifier,
		},
	})
	if err != nil {
		o.logger.Printf("create conversation: %v", err)
		o.metrics.StoreErrors.WithLabelValues("llm", "create_conversation").Inc()
		return "", fmt.Errorf("create conversation: %w", err)
	}

	convID, err = o.sessions.SetRemoteConversation(snap.ID, convID)
	if err != nil {
		return "", err
	}

	oldKey := transcript.SessionKey(snap.UserIdentifier, "", snap.ProvisionalID)
	newKey := transcript.SessionKey(snap.UserIdentifier, convID, "")
	if oldKey != newKey {
		if _, err := o.transcripts.Rekey(ctx, oldKey, newKey); err != nil && !errors.Is(err, transcript.ErrNotFound) {
			o.logger.Printf("rekey transcript %s -> %s: %v", oldKey, newKey, err)
			o.metrics.StoreErrors.WithLabelValues("transcript", "rekey").Inc()
		}
	}
	snap.RemoteConversationID = convID
	return convID, nil
}

// ShowHint reveals the next scripted hint for the hint-enabled prompt
// variant. Each hint is dispensed at most once per conversation.
func (o *Orchestrator) ShowHint(ctx context.Context, sessionID string) (*session.Session, string, error) {
	snap, err := o.Snapshot(sessionID)
	if err != nil {
		return nil, "", err
	}
	if snap.ConversationFinished {
		return nil, "", ErrConversationFinished
	}
	if snap.CurrentPrompt != HintVariant {
		return nil, "", ErrHintsUnavailable
	}

	text, next, ok := o.hints.Next(snap.HintCursor)
	if !ok {
		return nil, "", ErrNoMoreHints
	}
	content := hintPrefix + text

	idx, err := o.sessions.RecordHint(sessionID, content, next)
	if err != nil {
		return nil, "", err
	}
	o.metrics.HintsDispensed.Inc()

	updated, err := o.sessions.Get(sessionID)
	if err != nil {
		return nil, "", err
	}
	o.persistEntry(ctx, updated, session.Message{Role: session.RoleAssistant, Content: content}, idx)
	return updated, content, nil
}

// HintAvailable reports whether the session can reveal another hint.
func (o *Orchestrator) HintAvailable(sessionID string) bool {
	snap, err := o.sessions.Get(sessionID)
	if err != nil {
		return false
	}
	if snap.ConversationFinished || snap.CurrentPrompt != HintVariant {
		return false
	}
	return o.hints.Available(snap.HintCursor)
}

// PromptOption is one selectable prompt variant.
type PromptOption struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Hints       bool   `json:"hints"`
}

// Prompts lists the selectable prompt variants in stable order.
func (o *Orchestrator) Prompts() ([]PromptOption, error) {
	names, err := o.prompts.Names()
	if err != nil {
		return nil, err
	}
	opts := make([]PromptOption, 0, len(names))
	for _, name := range names {
		opts = append(opts, PromptOption{
			Name:        name,
			DisplayName: prompt.DisplayName(name),
			Hints:       name == HintVariant,
		})
	}
	return opts, nil
}

// SelectPrompt switches the session to another prompt variant. A change
// resets the conversation; re-selecting the current variant changes nothing.
func (o *Orchestrator) SelectPrompt(ctx context.Context, sessionID, name string) (*session.Session, error) {
	text, err := o.prompts.Compose(name)
	if err != nil {
		return nil, err
	}
	changed, err := o.sessions.SelectPrompt(sessionID, name, text)
	if err != nil {
		return nil, err
	}
	if changed {
		o.metrics.SessionEvents.WithLabelValues("prompt_changed").Inc()
	}
	return o.sessions.Get(sessionID)
}

// Reset wipes the conversation back to an empty history. The greeting is not
// re-seeded here; it reappears on the next read or turn.
func (o *Orchestrator) Reset(sessionID string) (*session.Session, error) {
	s, err := o.sessions.Reset(sessionID)
	if err != nil {
		return nil, err
	}
	o.metrics.SessionEvents.WithLabelValues("reset").Inc()
	return s, nil
}

// Finish marks the conversation complete and writes the completion record.
func (o *Orchestrator) Finish(ctx context.Context, sessionID string) (*session.Session, error) {
	s, err := o.sessions.Finish(sessionID)
	if err != nil {
		return nil, err
	}
	o.markCompleted(ctx, s)
	o.metrics.SessionEvents.WithLabelValues("finished").Inc()
	return s, nil
}

// End closes the session entirely. Ending an already ended session returns
// the final state without repeating the completion write or the metrics.
func (o *Orchestrator) End(ctx context.Context, sessionID string) (*session.Session, error) {
	s, changed, err := o.sessions.End(sessionID)
	if err != nil {
		return nil, err
	}
	if !changed {
		return s, nil
	}
	o.markCompleted(ctx, s)
	o.metrics.SessionEvents.WithLabelValues("ended").Inc()
	o.metrics.ActiveSessions.Set(float64(o.sessions.ActiveCount()))
	return s, nil
}

// PersistFinal writes the completion record for an expired session. Used as
// the session janitor's expire hook.
func (o *Orchestrator) PersistFinal(ctx context.Context, s *session.Session) {
	o.markCompleted(ctx, s)
	o.metrics.SessionEvents.WithLabelValues("expired").Inc()
	o.metrics.ActiveSessions.Set(float64(o.sessions.ActiveCount()))
}

func (o *Orchestrator) persistEntry(ctx context.Context, s *session.Session, msg session.Message, idx int) {
	entry := transcript.Entry{Message: msg, Timestamp: time.Now().UTC(), Index: idx}
	if _, err := o.transcripts.Append(ctx, keyFor(s), metaFor(s), entry); err != nil {
		o.logger.Printf("append transcript for %s: %v", s.ID, err)
		o.metrics.StoreErrors.WithLabelValues("transcript", "append").Inc()
	}
}

func (o *Orchestrator) markCompleted(ctx context.Context, s *session.Session) {
	if _, err := o.transcripts.MarkCompleted(ctx, keyFor(s), metaFor(s), s.ChatHistory); err != nil {
		o.logger.Printf("complete transcript for %s: %v", s.ID, err)
		o.metrics.StoreErrors.WithLabelValues("transcript", "complete").Inc()
	}
}

func keyFor(s *session.Session) string {
	return transcript.SessionKey(s.UserIdentifier, s.RemoteConversationID, s.ProvisionalID)
}

func metaFor(s *session.Session) transcript.Meta {
	return transcript.Meta{
		Identifier:     s.UserIdentifier,
		ConversationID: s.RemoteConversationID,
		PromptVersion:  s.CurrentPrompt,
	}
}

// composeInput prepends the hints revealed since the last assistant reply to
// the user's message so the stateful provider sees them exactly once.
func composeInput(recentHints []string, userText string) string {
	joined := strings.Join(recentHints, "\n")
	return strings.TrimSpace(joined + "\n\nUser: " + userText)
}
