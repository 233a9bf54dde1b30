package llm

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
)

// MockAdapter provides deterministic local replies when no provider key is
// configured. It implements both the streaming turn and the conversation
// primitive so the full session flow works offline.
type MockAdapter struct {
	conversations atomic.Int64
}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) CreateConversation(ctx context.Context, seed ConversationSeed) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	return fmt.Sprintf("conv_mock_%d", a.conversations.Add(1)), nil
}

func (a *MockAdapter) StreamTurn(ctx context.Context, req TurnRequest, onDelta DeltaHandler) (TurnResponse, error) {
	select {
	case <-ctx.Done():
		return TurnResponse{}, ctx.Err()
	default:
	}

	text := buildMockReply(req)
	if onDelta != nil && text != "" {
		if err := onDelta(text); err != nil {
			return TurnResponse{}, err
		}
	}
	return TurnResponse{Text: text}, nil
}

func buildMockReply(req TurnRequest) string {
	input := strings.TrimSpace(req.Input)
	if input == "" && len(req.History) > 0 {
		input = strings.TrimSpace(req.History[len(req.History)-1].Content)
	}
	if input == "" {
		return "Hmm, can you say that again?"
	}

	// Echo the latest user line so manual testing shows the composed payload
	// (including any injected hints) actually reached the adapter.
	if idx := strings.LastIndex(input, "User: "); idx >= 0 {
		input = strings.TrimSpace(input[idx+len("User: "):])
	}
	return fmt.Sprintf("Thanks! You said: %s. Can you explain what happens to the supply curve?", input)
}
