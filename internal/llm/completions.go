package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// CompletionsAdapter speaks the stateless chat-completion API. It replays the
// whole local history with the instruction text as a leading system turn, so
// it needs no remote conversation id. Used as the fallback path.
type CompletionsAdapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewCompletionsAdapter(baseURL, apiKey string) *CompletionsAdapter {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &CompletionsAdapter{
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

type completionsRequest struct {
	Model     string `json:"model"`
	Messages  []Turn `json:"messages"`
	Stream    bool   `json:"stream"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

func (a *CompletionsAdapter) StreamTurn(ctx context.Context, req TurnRequest, onDelta DeltaHandler) (TurnResponse, error) {
	messages := make([]Turn, 0, len(req.History)+1)
	if strings.TrimSpace(req.Instructions) != "" {
		messages = append(messages, Turn{Role: "system", Content: req.Instructions})
	}
	messages = append(messages, req.History...)

	payload, err := json.Marshal(completionsRequest{
		Model:     req.Model,
		Messages:  messages,
		Stream:    true,
		MaxTokens: req.MaxOutputTokens,
	})
	if err != nil {
		return TurnResponse{}, fmt.Errorf("marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return TurnResponse{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	res, err := a.client.Do(httpReq)
	if err != nil {
		return TurnResponse{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return TurnResponse{}, apiError("stream completion", res)
	}

	return consumeCompletionStream(res.Body, onDelta)
}

func consumeCompletionStream(body io.Reader, onDelta DeltaHandler) (TurnResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			break
		}

		var ev struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		if len(ev.Choices) == 0 || ev.Choices[0].Delta.Content == "" {
			continue
		}

		delta := ev.Choices[0].Delta.Content
		out.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return TurnResponse{}, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return TurnResponse{}, fmt.Errorf("stream read: %w", err)
	}

	return TurnResponse{Text: out.String()}, nil
}
