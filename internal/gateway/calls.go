package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Method names understood by the gateway.
const (
	methodConnect        = "connect"
	methodStatus         = "status"
	methodHealth         = "health"
	methodConfigGet      = "config.get"
	methodConfigSet      = "config.set"
	methodConfigPatch    = "config.patch"
	methodAgentsList     = "agents.list"
	methodSessionsList   = "sessions.list"
	methodModelsList     = "models.list"
	methodAgentFilesList = "agents.files.list"
	methodAgentFileGet   = "agents.files.get"
	methodAgentFileSet   = "agents.files.set"
	methodChatSend       = "chat.send"
	methodChatHistory    = "chat.history"
	methodChatAbort      = "chat.abort"
	methodReadFile       = "read_file"
	methodWriteFile      = "write_file"
)

// chatSendTimeout is longer than the default because the gateway may
// block on model startup before acknowledging the send.
const chatSendTimeout = 120 * time.Second

// ConfigSnapshot is the gateway's view of its own configuration file.
type ConfigSnapshot struct {
	Raw    string                 `json:"raw"`
	Parsed map[string]interface{} `json:"parsed"`
	Hash   string                 `json:"hash"`
	Valid  bool                   `json:"valid"`
	Issues []interface{}          `json:"issues"`
}

// ChatSendResult acknowledges an asynchronous chat send; the reply
// arrives later in the session history.
type ChatSendResult struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
}

// ChatMessage is one entry of a session's chat history. Content is kept
// raw because the gateway emits either a plain string or a list of
// typed blocks; Text flattens both forms.
type ChatMessage struct {
	Role         string          `json:"role"`
	Model        string          `json:"model,omitempty"`
	Content      json.RawMessage `json:"content,omitempty"`
	StopReason   string          `json:"stopReason,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

// Text extracts the joined text content of the message. Non-text blocks
// such as tool calls and thinking are skipped.
func (m *ChatMessage) Text() string {
	if len(m.Content) == 0 {
		return ""
	}

	var plain string
	if err := json.Unmarshal(m.Content, &plain); err == nil {
		return plain
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Content, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, block := range blocks {
			if block.Type == "text" && block.Text != "" {
				parts = append(parts, block.Text)
			}
		}
		return strings.Join(parts, "\n")
	}

	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Content, &obj); err == nil {
		return obj.Text
	}
	return ""
}

// Status fetches the gateway's status summary.
func (c *Client) Status(ctx context.Context) (map[string]interface{}, error) {
	return c.callMap(ctx, methodStatus, nil)
}

// Health fetches the gateway's health report.
func (c *Client) Health(ctx context.Context) (map[string]interface{}, error) {
	return c.callMap(ctx, methodHealth, nil)
}

// GetConfig retrieves the gateway configuration with its content hash
// for optimistic concurrency.
func (c *Client) GetConfig(ctx context.Context) (*ConfigSnapshot, error) {
	payload, err := c.Call(ctx, methodConfigGet, nil)
	if err != nil {
		return nil, err
	}
	var snapshot ConfigSnapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", methodConfigGet, err)
	}
	return &snapshot, nil
}

// SetConfig replaces the gateway configuration. The server rejects the
// write when baseHash no longer matches the current content.
func (c *Client) SetConfig(ctx context.Context, raw, baseHash string) (map[string]interface{}, error) {
	params := struct {
		Raw      string `json:"raw"`
		BaseHash string `json:"baseHash"`
	}{Raw: raw, BaseHash: baseHash}
	return c.callMap(ctx, methodConfigSet, params)
}

// PatchConfig applies a partial configuration update, optionally
// delaying the gateway restart that follows.
func (c *Client) PatchConfig(ctx context.Context, raw, baseHash string, restartDelay time.Duration) (map[string]interface{}, error) {
	params := struct {
		Raw            string `json:"raw"`
		BaseHash       string `json:"baseHash"`
		RestartDelayMs int64  `json:"restartDelayMs"`
	}{Raw: raw, BaseHash: baseHash, RestartDelayMs: restartDelay.Milliseconds()}
	return c.callMap(ctx, methodConfigPatch, params)
}

// Agents lists the agents configured on the gateway.
func (c *Client) Agents(ctx context.Context) ([]map[string]interface{}, error) {
	payload, err := c.Call(ctx, methodAgentsList, nil)
	if err != nil {
		return nil, err
	}
	return decodeListPayload(payload, "agents")
}

// Sessions lists the chat sessions known to the gateway.
func (c *Client) Sessions(ctx context.Context) ([]map[string]interface{}, error) {
	payload, err := c.Call(ctx, methodSessionsList, nil)
	if err != nil {
		return nil, err
	}
	return decodeListPayload(payload, "sessions")
}

// Models lists the models the gateway can route chat to.
func (c *Client) Models(ctx context.Context) ([]map[string]interface{}, error) {
	payload, err := c.Call(ctx, methodModelsList, nil)
	if err != nil {
		return nil, err
	}
	return decodeListPayload(payload, "models")
}

// AgentFiles lists the instruction files attached to an agent.
func (c *Client) AgentFiles(ctx context.Context, agentID string) ([]map[string]interface{}, error) {
	params := struct {
		AgentID string `json:"agentId"`
	}{AgentID: agentID}
	payload, err := c.Call(ctx, methodAgentFilesList, params)
	if err != nil {
		return nil, err
	}
	return decodeListPayload(payload, "files")
}

// GetAgentFile fetches one agent instruction file.
func (c *Client) GetAgentFile(ctx context.Context, agentID, name string) (string, error) {
	params := struct {
		AgentID string `json:"agentId"`
		Name    string `json:"name"`
	}{AgentID: agentID, Name: name}
	payload, err := c.Call(ctx, methodAgentFileGet, params)
	if err != nil {
		return "", err
	}
	return decodeContentPayload(payload)
}

// SetAgentFile writes one agent instruction file.
func (c *Client) SetAgentFile(ctx context.Context, agentID, name, content string) error {
	params := struct {
		AgentID string `json:"agentId"`
		Name    string `json:"name"`
		Content string `json:"content"`
	}{AgentID: agentID, Name: name, Content: content}
	_, err := c.Call(ctx, methodAgentFileSet, params)
	return err
}

// ReadFile reads a file from the gateway workspace.
func (c *Client) ReadFile(ctx context.Context, path string) (string, error) {
	params := struct {
		Path string `json:"path"`
	}{Path: path}
	payload, err := c.Call(ctx, methodReadFile, params)
	if err != nil {
		return "", err
	}
	return decodeContentPayload(payload)
}

// WriteFile writes a file into the gateway workspace.
func (c *Client) WriteFile(ctx context.Context, path, content string) error {
	params := struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}{Path: path, Content: content}
	_, err := c.Call(ctx, methodWriteFile, params)
	return err
}

// ChatSend submits a message to a session. The call only acknowledges
// acceptance; poll the session history for the reply. When
// idempotencyKey is empty a fresh one is generated.
func (c *Client) ChatSend(ctx context.Context, sessionKey, content, idempotencyKey string) (*ChatSendResult, error) {
	if idempotencyKey == "" {
		idempotencyKey = uuid.New().String()
	}
	params := struct {
		SessionKey     string `json:"sessionKey"`
		IdempotencyKey string `json:"idempotencyKey"`
		Content        string `json:"content"`
	}{SessionKey: sessionKey, IdempotencyKey: idempotencyKey, Content: content}

	payload, err := c.call(ctx, methodChatSend, params, chatSendTimeout)
	if err != nil {
		return nil, err
	}
	var result ChatSendResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", methodChatSend, err)
	}
	return &result, nil
}

// ChatHistory returns the messages of a session in chronological order.
func (c *Client) ChatHistory(ctx context.Context, sessionKey string) ([]ChatMessage, error) {
	params := struct {
		SessionKey string `json:"sessionKey"`
	}{SessionKey: sessionKey}
	payload, err := c.Call(ctx, methodChatHistory, params)
	if err != nil {
		return nil, err
	}
	return decodeChatHistory(payload)
}

// ChatAbort stops the active run of a session, if any.
func (c *Client) ChatAbort(ctx context.Context, sessionKey string) error {
	params := struct {
		SessionKey string `json:"sessionKey"`
	}{SessionKey: sessionKey}
	_, err := c.Call(ctx, methodChatAbort, params)
	return err
}

func (c *Client) callMap(ctx context.Context, method string, params interface{}) (map[string]interface{}, error) {
	payload, err := c.Call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, nil
	}
	var result map[string]interface{}
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", method, err)
	}
	return result, nil
}

// decodeListPayload accepts both a bare JSON array and an object that
// wraps the array under the given key.
func decodeListPayload(raw json.RawMessage, key string) ([]map[string]interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wrapper); err == nil {
		if inner, ok := wrapper[key]; ok {
			raw = inner
		}
	}
	var list []map[string]interface{}
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode %s list: %w", key, err)
	}
	return list, nil
}

// decodeContentPayload accepts both a bare JSON string and an object
// with a content field.
func decodeContentPayload(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain, nil
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", fmt.Errorf("decode content payload: %w", err)
	}
	return obj.Content, nil
}

// decodeChatHistory accepts both a bare message array and an object
// with a messages field.
func decodeChatHistory(raw json.RawMessage) ([]ChatMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var wrapper struct {
		Messages json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && len(wrapper.Messages) > 0 {
		raw = wrapper.Messages
	}
	var messages []ChatMessage
	if err := json.Unmarshal(raw, &messages); err != nil {
		return nil, fmt.Errorf("decode chat history: %w", err)
	}
	return messages, nil
}
