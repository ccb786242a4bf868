package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/logger"
)

const (
	defaultChatTimeout    = 180 * time.Second
	connectionTestTimeout = 30 * time.Second
	defaultTemperature    = 0.7
	errorBodyLimit        = 2048
)

// Message is one turn of an OpenAI-style conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatOptions tune a single completion request. Zero values fall back to
// defaults: temperature 0.7, no token cap, 180s timeout.
type ChatOptions struct {
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Client calls the provider's chat completion API. It resolves the provider
// through the store on every request, so settings switches apply to the next
// call without any reconstruction.
type Client struct {
	store  *Store
	http   *http.Client
	logger *logger.Logger
}

// NewClient builds a client on top of live provider settings. Request
// deadlines come from per-call contexts rather than the transport.
func NewClient(store *Store, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		store:  store,
		http:   &http.Client{},
		logger: log.WithFields(zap.String("component", "llm-client")),
	}
}

// IsConfigured reports whether the active provider has everything it needs.
func (c *Client) IsConfigured() bool {
	_, err := c.store.Resolve()
	return err == nil
}

// Provider returns the active provider name.
func (c *Client) Provider() Provider {
	return c.store.Provider()
}

// Chat sends a completion request and returns the first choice's content.
// When the provider forces a model (RunPod, custom), the caller's model is
// replaced.
func (c *Client) Chat(ctx context.Context, model string, messages []Message, opts ChatOptions) (string, error) {
	resolved, err := c.store.Resolve()
	if err != nil {
		return "", err
	}
	if resolved.ModelOverride != "" {
		model = resolved.ModelOverride
	}
	if model == "" {
		return "", fmt.Errorf("llm: model is required")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultChatTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	temperature := opts.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
	}
	payload := chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
	}
	if opts.MaxTokens > 0 {
		payload.MaxTokens = opts.MaxTokens
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("llm: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, resolved.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llm: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+resolved.APIKey)

	start := time.Now()
	c.logger.Debug("llm chat request",
		zap.String("provider", string(resolved.Provider)),
		zap.String("model", model),
		zap.Int("messages", len(messages)))

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		httpErr := &HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(errBody))}
		c.logger.Warn("llm chat failed",
			zap.String("provider", string(resolved.Provider)),
			zap.Int("status", resp.StatusCode))
		return "", httpErr
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("llm: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm: response has no choices")
	}

	c.logger.Debug("llm chat complete",
		zap.String("model", model),
		zap.Duration("duration", time.Since(start)))
	return parsed.Choices[0].Message.Content, nil
}

const strictJSONDirective = "Respond with JSON only. No prose, no markdown fences, no explanations. Output a single JSON value."

// ChatJSON requests a completion that must parse as JSON. Markdown fences
// around the payload are stripped before parsing. If the output still is not
// valid JSON, the request is retried exactly once with a stricter system
// directive prepended.
func (c *Client) ChatJSON(ctx context.Context, model string, messages []Message, opts ChatOptions) (json.RawMessage, error) {
	out, err := c.Chat(ctx, model, messages, opts)
	if err != nil {
		return nil, err
	}
	if raw, ok := extractJSON(out); ok {
		return raw, nil
	}

	c.logger.Warn("llm returned non-JSON output, retrying with strict directive",
		zap.String("model", model))
	retryMessages := append([]Message{{Role: RoleSystem, Content: strictJSONDirective}}, messages...)
	out, err = c.Chat(ctx, model, retryMessages, opts)
	if err != nil {
		return nil, err
	}
	if raw, ok := extractJSON(out); ok {
		return raw, nil
	}
	return nil, fmt.Errorf("%w after retry", ErrInvalidJSON)
}

// ConnectionTest is the outcome of probing the provider's models endpoint.
type ConnectionTest struct {
	OK       bool     `json:"ok"`
	Provider Provider `json:"provider"`
	Models   []string `json:"models,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// TestConnection lists the provider's models to verify credentials and
// reachability. Failures are reported in the result rather than as errors so
// the API can always render an outcome.
func (c *Client) TestConnection(ctx context.Context) *ConnectionTest {
	result := &ConnectionTest{Provider: c.store.Provider()}

	resolved, err := c.store.Resolve()
	if err != nil {
		result.Error = err.Error()
		return result
	}

	callCtx, cancel := context.WithTimeout(ctx, connectionTestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, resolved.BaseURL+"/models", nil)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	req.Header.Set("Authorization", "Bearer "+resolved.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		result.Error = fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
		return result
	}

	var payload struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		result.Error = fmt.Sprintf("decode models response: %v", err)
		return result
	}
	for _, m := range payload.Data {
		result.Models = append(result.Models, m.ID)
	}
	result.OK = true
	return result
}

// StripFences removes a markdown code fence wrapping a payload, tolerating
// prose before the opening fence and after the closing one. Unfenced input
// is returned trimmed.
func StripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	start := strings.Index(trimmed, "```")
	if start == -1 {
		return trimmed
	}
	rest := trimmed[start+3:]
	nl := strings.Index(rest, "\n")
	if nl == -1 {
		return trimmed
	}
	// Anything between the backticks and the newline is a language tag.
	rest = rest[nl+1:]
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

func extractJSON(out string) (json.RawMessage, bool) {
	cleaned := StripFences(out)
	if cleaned == "" || !json.Valid([]byte(cleaned)) {
		return nil, false
	}
	return json.RawMessage(cleaned), true
}
