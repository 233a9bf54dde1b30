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

const defaultBaseURL = "https://api.openai.com"

// ResponsesAdapter speaks the provider's stateful API: a conversation thread
// created once, then streamed turns referencing it by id.
type ResponsesAdapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewResponsesAdapter(baseURL, apiKey string) *ResponsesAdapter {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &ResponsesAdapter{
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

type conversationItem struct {
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

type createConversationRequest struct {
	Items    []conversationItem `json:"items"`
	Metadata map[string]string  `json:"metadata,omitempty"`
}

func (a *ResponsesAdapter) CreateConversation(ctx context.Context, seed ConversationSeed) (string, error) {
	payload, err := json.Marshal(createConversationRequest{
		Items: []conversationItem{{
			Type:    "message",
			Role:    "assistant",
			Content: seed.Greeting,
		}},
		Metadata: seed.Metadata,
	})
	if err != nil {
		return "", fmt.Errorf("marshal conversation request: %w", err)
	}

	res, err := a.post(ctx, "/v1/conversations", payload)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", apiError("create conversation", res)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decode conversation response: %w", err)
	}
	if strings.TrimSpace(created.ID) == "" {
		return "", fmt.Errorf("conversation response missing id")
	}
	return created.ID, nil
}

type responsesRequest struct {
	Model           string            `json:"model"`
	Conversation    string            `json:"conversation,omitempty"`
	Input           string            `json:"input"`
	Instructions    string            `json:"instructions,omitempty"`
	Stream          bool              `json:"stream"`
	MaxOutputTokens int               `json:"max_output_tokens,omitempty"`
	Reasoning       *reasoningSetting `json:"reasoning,omitempty"`
}

type reasoningSetting struct {
	Effort string `json:"effort"`
}

func (a *ResponsesAdapter) StreamTurn(ctx context.Context, req TurnRequest, onDelta DeltaHandler) (TurnResponse, error) {
	body := responsesRequest{
		Model:           req.Model,
		Conversation:    req.ConversationID,
		Input:           req.Input,
		Instructions:    req.Instructions,
		Stream:          true,
		MaxOutputTokens: req.MaxOutputTokens,
	}
	if effort := strings.TrimSpace(req.ReasoningEffort); effort != "" {
		body.Reasoning = &reasoningSetting{Effort: effort}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return TurnResponse{}, fmt.Errorf("marshal turn request: %w", err)
	}

	res, err := a.post(ctx, "/v1/responses", payload)
	if err != nil {
		return TurnResponse{}, err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return TurnResponse{}, apiError("stream turn", res)
	}

	return consumeResponseStream(res.Body, onDelta)
}

// chunkKind discriminates decoded stream events. Only text deltas matter;
// every other event shape is ignored.
type chunkKind int

const (
	chunkOther chunkKind = iota
	chunkTextDelta
)

type chunk struct {
	kind  chunkKind
	delta string
}

func decodeResponseChunk(data []byte) chunk {
	var ev struct {
		Type  string `json:"type"`
		Delta string `json:"delta"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return chunk{kind: chunkOther}
	}
	if ev.Type == "response.output_text.delta" && ev.Delta != "" {
		return chunk{kind: chunkTextDelta, delta: ev.Delta}
	}
	return chunk{kind: chunkOther}
}

func consumeResponseStream(body io.Reader, onDelta DeltaHandler) (TurnResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "event:") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		c := decodeResponseChunk([]byte(data))
		if c.kind != chunkTextDelta {
			continue
		}
		out.WriteString(c.delta)
		if onDelta != nil {
			if err := onDelta(c.delta); err != nil {
				return TurnResponse{}, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return TurnResponse{}, fmt.Errorf("stream read: %w", err)
	}

	return TurnResponse{Text: out.String()}, nil
}

func (a *ResponsesAdapter) post(ctx context.Context, path string, payload []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	res, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	return res, nil
}

func apiError(op string, res *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
	return fmt.Errorf("%s: provider status %d: %s", op, res.StatusCode, strings.TrimSpace(string(body)))
}
