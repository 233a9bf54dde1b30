package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Turn is one role/content pair replayed by the stateless fallback API.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TurnRequest is the normalized request for one assistant turn. The stateful
// responses adapter consumes ConversationID, Instructions and Input; the
// stateless completions adapter consumes Instructions and History. Carrying
// both shapes in one struct keeps the fallback combinator generic.
type TurnRequest struct {
	Model           string `json:"model"`
	ConversationID  string `json:"conversation_id,omitempty"`
	Instructions    string `json:"instructions,omitempty"`
	Input           string `json:"input,omitempty"`
	History         []Turn `json:"history,omitempty"`
	MaxOutputTokens int    `json:"max_output_tokens,omitempty"`
	ReasoningEffort string `json:"reasoning_effort,omitempty"`
}

// TurnResponse is the final reply after streaming deltas. Fallback is set by
// the fallback combinator when the stateless path produced the reply.
type TurnResponse struct {
	Text     string `json:"text"`
	Fallback bool   `json:"fallback,omitempty"`
}

// DeltaHandler receives streaming text fragments.
type DeltaHandler func(delta string) error

// Adapter streams one assistant turn from the provider.
type Adapter interface {
	StreamTurn(ctx context.Context, req TurnRequest, onDelta DeltaHandler) (TurnResponse, error)
}

// ConversationSeed describes the remote conversation thread to create: a
// fixed assistant greeting plus provider-visible metadata.
type ConversationSeed struct {
	Greeting string            `json:"greeting"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ConversationStarter creates the provider's stateful conversation primitive.
// Only adapters speaking the stateful API implement it.
type ConversationStarter interface {
	CreateConversation(ctx context.Context, seed ConversationSeed) (string, error)
}

// Config controls adapter construction.
type Config struct {
	Mode    string
	APIKey  string
	BaseURL string
}

// NewAdapter wires the streaming primary behind the stateless fallback. In
// auto mode a configured API key selects the real provider, otherwise the
// deterministic mock.
func NewAdapter(cfg Config) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return NewMockAdapter(), nil
		}
		return newAPIAdapter(cfg), nil
	case "api":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, errors.New("provider API key is required for api mode")
		}
		return newAPIAdapter(cfg), nil
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported llm adapter mode %q", cfg.Mode)
	}
}

func newAPIAdapter(cfg Config) Adapter {
	primary := NewResponsesAdapter(cfg.BaseURL, cfg.APIKey)
	fallback := NewCompletionsAdapter(cfg.BaseURL, cfg.APIKey)
	return NewFallbackAdapter(primary, fallback)
}

// StarterFor unwraps the conversation-capable adapter, looking through the
// fallback combinator when present.
func StarterFor(adapter Adapter) (ConversationStarter, bool) {
	if fa, ok := adapter.(*FallbackAdapter); ok {
		adapter = fa.Primary()
	}
	starter, ok := adapter.(ConversationStarter)
	return starter, ok
}
