package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/clawdeck/clawdeck/internal/common/config"
)

type capturedRequest struct {
	Path          string
	Authorization string
	Body          chatRequest
}

// chatServer fakes an OpenAI-compatible endpoint, recording each request and
// replying with the scripted contents in order (the last one repeats).
type chatServer struct {
	mu       sync.Mutex
	requests []capturedRequest
	replies  []string
	status   int
	errBody  string
}

func (s *chatServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("failed to read request body: %v", err)
		}
		var req chatRequest
		if len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				t.Errorf("request body is not a chat request: %v", err)
			}
		}

		s.mu.Lock()
		s.requests = append(s.requests, capturedRequest{
			Path:          r.URL.Path,
			Authorization: r.Header.Get("Authorization"),
			Body:          req,
		})
		n := len(s.requests)
		s.mu.Unlock()

		if s.status != 0 {
			w.WriteHeader(s.status)
			_, _ = w.Write([]byte(s.errBody))
			return
		}

		reply := s.replies[len(s.replies)-1]
		if n-1 < len(s.replies) {
			reply = s.replies[n-1]
		}
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": reply}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func (s *chatServer) request(t *testing.T, i int) capturedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.requests) {
		t.Fatalf("request %d not recorded (have %d)", i, len(s.requests))
	}
	return s.requests[i]
}

func (s *chatServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func newCustomClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	store := NewStore(config.LLMConfig{
		Provider:        "custom",
		CustomBaseURL:   baseURL,
		CustomAPIKey:    "test-key",
		CustomModelName: "test-model",
	}, newTestLogger())
	return NewClient(store, newTestLogger())
}

func newOpenRouterClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	store := NewStore(config.LLMConfig{
		Provider:          "openrouter",
		OpenRouterBaseURL: baseURL,
		OpenRouterAPIKey:  "sk-or-test",
	}, newTestLogger())
	return NewClient(store, newTestLogger())
}

func TestChatSendsOpenAIRequest(t *testing.T) {
	fake := &chatServer{replies: []string{"hello from the model"}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	client := newCustomClient(t, srv.URL)
	out, err := client.Chat(context.Background(), "caller-model", []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "hi"},
	}, ChatOptions{})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if out != "hello from the model" {
		t.Errorf("unexpected content %q", out)
	}

	req := fake.request(t, 0)
	if req.Path != "/chat/completions" {
		t.Errorf("unexpected path %q", req.Path)
	}
	if req.Authorization != "Bearer test-key" {
		t.Errorf("unexpected authorization %q", req.Authorization)
	}
	if req.Body.Model != "test-model" {
		t.Errorf("custom provider must force its model, got %q", req.Body.Model)
	}
	if req.Body.Temperature != 0.7 {
		t.Errorf("expected default temperature 0.7, got %v", req.Body.Temperature)
	}
	if req.Body.MaxTokens != 0 {
		t.Errorf("max_tokens should be omitted by default, got %d", req.Body.MaxTokens)
	}
	if len(req.Body.Messages) != 2 {
		t.Errorf("expected 2 messages, got %d", len(req.Body.Messages))
	}
}

func TestChatKeepsCallerModelWithoutOverride(t *testing.T) {
	fake := &chatServer{replies: []string{"ok"}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	client := newOpenRouterClient(t, srv.URL)
	if _, err := client.Chat(context.Background(), "anthropic/claude-sonnet-4", nil, ChatOptions{Temperature: 0.3, MaxTokens: 512}); err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	req := fake.request(t, 0)
	if req.Body.Model != "anthropic/claude-sonnet-4" {
		t.Errorf("openrouter must keep the caller model, got %q", req.Body.Model)
	}
	if req.Body.Temperature != 0.3 {
		t.Errorf("explicit temperature lost: %v", req.Body.Temperature)
	}
	if req.Body.MaxTokens != 512 {
		t.Errorf("explicit max_tokens lost: %d", req.Body.MaxTokens)
	}
}

func TestChatRequiresModel(t *testing.T) {
	fake := &chatServer{replies: []string{"ok"}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	client := newOpenRouterClient(t, srv.URL)
	if _, err := client.Chat(context.Background(), "", nil, ChatOptions{}); err == nil {
		t.Fatal("expected an error for a missing model")
	}
	if fake.count() != 0 {
		t.Errorf("no request should have been sent, got %d", fake.count())
	}
}

func TestChatHTTPError(t *testing.T) {
	fake := &chatServer{status: http.StatusTooManyRequests, errBody: `{"error":"rate limited"}`}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	client := newCustomClient(t, srv.URL)
	_, err := client.Chat(context.Background(), "", nil, ChatOptions{})
	if err == nil {
		t.Fatal("expected an error")
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %T: %v", err, err)
	}
	if httpErr.Status != http.StatusTooManyRequests {
		t.Errorf("unexpected status %d", httpErr.Status)
	}
	if !strings.Contains(httpErr.Body, "rate limited") {
		t.Errorf("error body lost: %q", httpErr.Body)
	}
}

func TestChatNotConfigured(t *testing.T) {
	store := NewStore(config.LLMConfig{Provider: "openrouter"}, newTestLogger())
	client := NewClient(store, newTestLogger())

	_, err := client.Chat(context.Background(), "some-model", nil, ChatOptions{})
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if client.IsConfigured() {
		t.Error("IsConfigured should report false")
	}
}

func TestChatObservesSettingsSwitch(t *testing.T) {
	fake := &chatServer{replies: []string{"ok"}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	store := NewStore(config.LLMConfig{Provider: "openrouter"}, newTestLogger())
	client := NewClient(store, newTestLogger())

	if _, err := client.Chat(context.Background(), "m", nil, ChatOptions{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured before switch, got %v", err)
	}

	if _, err := store.Switch(ProviderCustom, map[string]string{
		EnvCustomBaseURL:   srv.URL,
		EnvCustomAPIKey:    "switched-key",
		EnvCustomModelName: "switched-model",
	}); err != nil {
		t.Fatalf("Switch failed: %v", err)
	}

	if _, err := client.Chat(context.Background(), "", nil, ChatOptions{}); err != nil {
		t.Fatalf("Chat should succeed after switch: %v", err)
	}
	req := fake.request(t, 0)
	if req.Authorization != "Bearer switched-key" {
		t.Errorf("client did not pick up switched credentials: %q", req.Authorization)
	}
	if req.Body.Model != "switched-model" {
		t.Errorf("client did not pick up switched model: %q", req.Body.Model)
	}
}

func TestChatJSONStripsFences(t *testing.T) {
	fake := &chatServer{replies: []string{"Here is the plan:\n```json\n{\"subtasks\": []}\n```\nLet me know!"}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	client := newCustomClient(t, srv.URL)
	raw, err := client.ChatJSON(context.Background(), "", nil, ChatOptions{})
	if err != nil {
		t.Fatalf("ChatJSON failed: %v", err)
	}
	var parsed struct {
		Subtasks []string `json:"subtasks"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		t.Fatalf("result is not valid JSON: %v", err)
	}
	if fake.count() != 1 {
		t.Errorf("fenced JSON should not trigger a retry, got %d requests", fake.count())
	}
}

func TestChatJSONRetriesOnceWithStrictDirective(t *testing.T) {
	fake := &chatServer{replies: []string{
		"Sure! The answer depends on several factors.",
		`{"decision": "approved"}`,
	}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	client := newCustomClient(t, srv.URL)
	raw, err := client.ChatJSON(context.Background(), "", []Message{{Role: RoleUser, Content: "review this"}}, ChatOptions{})
	if err != nil {
		t.Fatalf("ChatJSON failed: %v", err)
	}
	if !json.Valid(raw) {
		t.Fatalf("result is not valid JSON: %s", raw)
	}
	if fake.count() != 2 {
		t.Fatalf("expected exactly one retry, got %d requests", fake.count())
	}

	retry := fake.request(t, 1)
	if len(retry.Body.Messages) != 2 {
		t.Fatalf("retry should prepend one directive, got %d messages", len(retry.Body.Messages))
	}
	first := retry.Body.Messages[0]
	if first.Role != RoleSystem || !strings.Contains(first.Content, "JSON only") {
		t.Errorf("retry must lead with the strict JSON directive, got %+v", first)
	}
	if retry.Body.Messages[1].Content != "review this" {
		t.Errorf("original messages must be preserved on retry: %+v", retry.Body.Messages)
	}
}

func TestChatJSONFailsAfterRetry(t *testing.T) {
	fake := &chatServer{replies: []string{"prose", "more prose"}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	client := newCustomClient(t, srv.URL)
	_, err := client.ChatJSON(context.Background(), "", nil, ChatOptions{})
	if !errors.Is(err, ErrInvalidJSON) {
		t.Fatalf("expected ErrInvalidJSON, got %v", err)
	}
	if fake.count() != 2 {
		t.Errorf("expected exactly two requests, got %d", fake.count())
	}
}

func TestTestConnectionListsModels(t *testing.T) {
	var mu sync.Mutex
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		mu.Lock()
		gotAuth = r.Header.Get("Authorization")
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"id":"model-a"},{"id":"model-b"}]}`))
	}))
	defer srv.Close()

	client := newCustomClient(t, srv.URL)
	result := client.TestConnection(context.Background())
	if !result.OK {
		t.Fatalf("expected OK, got error %q", result.Error)
	}
	if result.Provider != ProviderCustom {
		t.Errorf("unexpected provider %q", result.Provider)
	}
	if len(result.Models) != 2 || result.Models[0] != "model-a" {
		t.Errorf("unexpected models %v", result.Models)
	}
	mu.Lock()
	defer mu.Unlock()
	if gotAuth != "Bearer test-key" {
		t.Errorf("unexpected authorization %q", gotAuth)
	}
}

func TestTestConnectionReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := newCustomClient(t, srv.URL)
	result := client.TestConnection(context.Background())
	if result.OK {
		t.Fatal("expected failure")
	}
	if !strings.Contains(result.Error, "401") || !strings.Contains(result.Error, "invalid api key") {
		t.Errorf("unexpected error %q", result.Error)
	}
}

func TestTestConnectionNotConfigured(t *testing.T) {
	store := NewStore(config.LLMConfig{Provider: "runpod"}, newTestLogger())
	client := NewClient(store, newTestLogger())

	result := client.TestConnection(context.Background())
	if result.OK {
		t.Fatal("expected failure")
	}
	if !strings.Contains(result.Error, "runpod requires") {
		t.Errorf("unexpected error %q", result.Error)
	}
}

func TestStripFences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"unfenced", `{"a": 1}`, `{"a": 1}`},
		{"unfenced with whitespace", "\n  {\"a\": 1}\n", `{"a": 1}`},
		{"json fence", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"bare fence", "```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"prose around fence", "Sure thing:\n```json\n{\"a\": 1}\n```\nHope that helps.", `{"a": 1}`},
		{"unterminated fence", "```json\n{\"a\": 1}", `{"a": 1}`},
		{"backticks without newline", "`` ` ``", "`` ` ``"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripFences(tt.in); got != tt.want {
				t.Errorf("StripFences(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
