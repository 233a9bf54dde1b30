package httpapi

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mkravets/studybuddy/internal/chat"
	"github.com/mkravets/studybuddy/internal/config"
	"github.com/mkravets/studybuddy/internal/hint"
	"github.com/mkravets/studybuddy/internal/identity"
	"github.com/mkravets/studybuddy/internal/llm"
	"github.com/mkravets/studybuddy/internal/observability"
	"github.com/mkravets/studybuddy/internal/prompt"
	"github.com/mkravets/studybuddy/internal/session"
	"github.com/mkravets/studybuddy/internal/transcript"
)

func newTestServer(t *testing.T, namespace string) *httptest.Server {
	t.Helper()

	dir := t.TempDir()
	files := map[string]string{
		"rabbit_v1.md": "You are Rabbit, a curious student.",
		"rabbit_v3.md": "You are Rabbit, a curious student. Hints may appear.",
		"solution.md":  "Costs shift down after the tax cut.\nThe long-run price falls to the new minimum average cost.\n",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		AllowAnyOrigin:           true,
	}
	metrics := observability.NewMetrics("test_httpapi_" + namespace + "_" + time.Now().Format("150405000000000"))

	orch, err := chat.NewOrchestrator(chat.Options{
		Sessions:        session.NewManager(cfg.SessionInactivityTimeout),
		Prompts:         prompt.NewCatalog(dir),
		Hints:           hint.NewDispenser(filepath.Join(dir, "solution.md")),
		Adapter:         llm.NewMockAdapter(),
		Access:          identity.NewInMemoryStore("RABBIT7X2K9"),
		Transcripts:     transcript.NewInMemoryStore(),
		Metrics:         metrics,
		Logger:          log.New(os.Stderr, "test ", 0),
		Model:           "gpt-5",
		MaxOutputTokens: 500,
		ReasoningEffort: "minimal",
		MaxResponses:    1000,
	})
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}

	srv := New(cfg, orch, metrics)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	res, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	return res
}

func decodeBody(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	defer res.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestValidateAccess(t *testing.T) {
	ts := newTestServer(t, "access")

	res := postJSON(t, ts.URL+"/v1/access/validate", map[string]string{"access_code": "RABBIT7X2K9"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if payload := decodeBody(t, res); payload["valid"] != true {
		t.Fatalf("valid = %v, want true", payload["valid"])
	}

	res = postJSON(t, ts.URL+"/v1/access/validate", map[string]string{"access_code": "ZZZZZ00000"})
	if payload := decodeBody(t, res); payload["valid"] != false {
		t.Fatalf("valid = %v, want false", payload["valid"])
	}
}

func TestCreateSessionRejectsInvalidCode(t *testing.T) {
	ts := newTestServer(t, "reject")

	res := postJSON(t, ts.URL+"/v1/sessions", map[string]string{"access_code": "ZZZZZ00000"})
	defer res.Body.Close()
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}
}

func createSession(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	res := postJSON(t, ts.URL+"/v1/sessions", map[string]string{"access_code": "RABBIT7X2K9"})
	if res.StatusCode != http.StatusCreated {
		res.Body.Close()
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	created := decodeBody(t, res)
	id, _ := created["session_id"].(string)
	if id == "" {
		t.Fatalf("missing session_id in create response: %+v", created)
	}
	return id
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t, "lifecycle")
	id := createSession(t, ts)

	res, err := http.Get(ts.URL + "/v1/sessions/" + id)
	if err != nil {
		t.Fatalf("GET session error = %v", err)
	}
	got := decodeBody(t, res)
	if got["hint_available"] != false {
		t.Fatalf("hint_available = %v on default prompt, want false", got["hint_available"])
	}
	history, _ := got["chat_history"].([]any)
	if len(history) != 1 {
		t.Fatalf("chat_history length = %d, want greeting only", len(history))
	}

	res = postJSON(t, ts.URL+"/v1/sessions/"+id+"/prompt", map[string]string{"prompt": "rabbit_v3"})
	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		t.Fatalf("select prompt status = %d", res.StatusCode)
	}
	got = decodeBody(t, res)
	if got["prompt_name"] != "rabbit_v3" {
		t.Fatalf("prompt_name = %v, want rabbit_v3", got["prompt_name"])
	}
	if got["hint_available"] != true {
		t.Fatalf("hint_available = %v on hint variant, want true", got["hint_available"])
	}

	res = postJSON(t, ts.URL+"/v1/sessions/"+id+"/hint", map[string]string{})
	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		t.Fatalf("hint status = %d", res.StatusCode)
	}
	hintPayload := decodeBody(t, res)
	hintText, _ := hintPayload["hint"].(string)
	if !strings.HasPrefix(hintText, "Let's read a hint: ") {
		t.Fatalf("hint = %q, want prefixed hint", hintText)
	}

	res = postJSON(t, ts.URL+"/v1/sessions/"+id+"/reset", map[string]string{})
	got = decodeBody(t, res)
	if got["response_counter"] != float64(0) {
		t.Fatalf("response_counter after reset = %v, want 0", got["response_counter"])
	}
	if got["hint_cursor"] != float64(0) {
		t.Fatalf("hint_cursor after reset = %v, want 0", got["hint_cursor"])
	}

	res = postJSON(t, ts.URL+"/v1/sessions/"+id+"/end", map[string]string{})
	got = decodeBody(t, res)
	if got["conversation_finished"] != true {
		t.Fatalf("conversation_finished after end = %v, want true", got["conversation_finished"])
	}
}

func TestSelectUnknownPrompt(t *testing.T) {
	ts := newTestServer(t, "unknownprompt")
	id := createSession(t, ts)

	res := postJSON(t, ts.URL+"/v1/sessions/"+id+"/prompt", map[string]string{"prompt": "rabbit_v9"})
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestListPrompts(t *testing.T) {
	ts := newTestServer(t, "prompts")

	res, err := http.Get(ts.URL + "/v1/prompts")
	if err != nil {
		t.Fatalf("GET /v1/prompts error = %v", err)
	}
	payload := decodeBody(t, res)
	prompts, _ := payload["prompts"].([]any)
	if len(prompts) != 2 {
		t.Fatalf("prompts length = %d, want 2", len(prompts))
	}
	first, _ := prompts[0].(map[string]any)
	if first["name"] != "rabbit_v1" || first["display_name"] != "V1 - Not given solution" {
		t.Fatalf("first prompt = %+v", first)
	}
}

func TestSessionWSRunsTurn(t *testing.T) {
	ts := newTestServer(t, "ws")
	id := createSession(t, ts)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sessions/ws?session_id=" + id
	conn, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s error = %v", wsURL, err)
	}
	if res != nil {
		res.Body.Close()
	}
	defer conn.Close()

	readMessage := func() map[string]any {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read ws message: %v", err)
		}
		return msg
	}

	initial := readMessage()
	if initial["type"] != "session_state" {
		t.Fatalf("first message type = %v, want session_state", initial["type"])
	}

	err = conn.WriteJSON(map[string]string{
		"type":       "user_message",
		"session_id": id,
		"text":       "My name is Pat.",
	})
	if err != nil {
		t.Fatalf("write user_message: %v", err)
	}

	var deltas strings.Builder
	var final map[string]any
	for {
		msg := readMessage()
		switch msg["type"] {
		case "assistant_delta":
			delta, _ := msg["text_delta"].(string)
			deltas.WriteString(delta)
			continue
		case "assistant_message":
			final = msg
		default:
			t.Fatalf("unexpected message type %v during turn", msg["type"])
		}
		break
	}

	text, _ := final["text"].(string)
	if !strings.Contains(text, "My name is Pat.") {
		t.Fatalf("assistant text = %q, want echo of user message", text)
	}
	if deltas.String() != text {
		t.Fatalf("accumulated deltas = %q, final text = %q", deltas.String(), text)
	}

	state := readMessage()
	if state["type"] != "session_state" {
		t.Fatalf("message after turn = %v, want session_state", state["type"])
	}
	sess, _ := state["session"].(map[string]any)
	if sess["response_counter"] != float64(1) {
		t.Fatalf("response_counter = %v, want 1", sess["response_counter"])
	}
}

func TestSessionWSControls(t *testing.T) {
	ts := newTestServer(t, "wscontrols")
	id := createSession(t, ts)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sessions/ws?session_id=" + id
	conn, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	if res != nil {
		res.Body.Close()
	}
	defer conn.Close()

	readMessage := func() map[string]any {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read ws message: %v", err)
		}
		return msg
	}

	if msg := readMessage(); msg["type"] != "session_state" {
		t.Fatalf("first message type = %v, want session_state", msg["type"])
	}

	err = conn.WriteJSON(map[string]string{
		"type":       "client_control",
		"session_id": id,
		"action":     "select_prompt",
		"prompt":     "rabbit_v3",
	})
	if err != nil {
		t.Fatalf("write select_prompt: %v", err)
	}
	state := readMessage()
	sess, _ := state["session"].(map[string]any)
	if sess["prompt_name"] != "rabbit_v3" {
		t.Fatalf("prompt_name = %v, want rabbit_v3", sess["prompt_name"])
	}

	err = conn.WriteJSON(map[string]string{
		"type":       "client_control",
		"session_id": id,
		"action":     "show_hint",
	})
	if err != nil {
		t.Fatalf("write show_hint: %v", err)
	}
	hintMsg := readMessage()
	if hintMsg["type"] != "assistant_message" {
		t.Fatalf("hint message type = %v, want assistant_message", hintMsg["type"])
	}
	hintText, _ := hintMsg["text"].(string)
	if !strings.HasPrefix(hintText, "Let's read a hint: ") {
		t.Fatalf("hint text = %q", hintText)
	}
	if msg := readMessage(); msg["type"] != "session_state" {
		t.Fatalf("message after hint = %v, want session_state", msg["type"])
	}

	err = conn.WriteJSON(map[string]string{
		"type":       "client_control",
		"session_id": id,
		"action":     "reset",
	})
	if err != nil {
		t.Fatalf("write reset: %v", err)
	}
	state = readMessage()
	sess, _ = state["session"].(map[string]any)
	history, _ := sess["chat_history"].([]any)
	if len(history) != 1 {
		t.Fatalf("chat_history after reset = %d messages, want re-seeded greeting only", len(history))
	}
}
