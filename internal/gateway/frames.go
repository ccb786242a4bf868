package gateway

import (
	"encoding/json"
	"fmt"
)

// Frame types used on the gateway WebSocket. Every message is a JSON
// object carrying a "type" discriminator.
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// RequestFrame is a client-to-gateway RPC call.
type RequestFrame struct {
	Type   string      `json:"type"`
	ID     string      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

// ResponseFrame answers exactly one RequestFrame, matched by ID.
type ResponseFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

// ErrorInfo is the error body of a failed response.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventFrame is a server-initiated notification. Seq is nil for events
// emitted before the connection is fully established (the connect
// challenge); established connections number events monotonically.
type EventFrame struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

// ParseFrameType peeks at the type discriminator without decoding the
// whole frame.
func ParseFrameType(raw []byte) (string, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", fmt.Errorf("failed to parse frame: %w", err)
	}
	if envelope.Type == "" {
		return "", fmt.Errorf("frame has no type field")
	}
	return envelope.Type, nil
}

// EventConnectChallenge is sent by the gateway immediately after the
// WebSocket upgrade; the client must answer with a connect request.
const EventConnectChallenge = "connect.challenge"

// connectParams is the payload of the connect handshake request.
type connectParams struct {
	MinProtocol int           `json:"minProtocol"`
	MaxProtocol int           `json:"maxProtocol"`
	Client      connectClient `json:"client"`
	Role        string        `json:"role"`
	Scopes      []string      `json:"scopes"`
	Auth        connectAuth   `json:"auth"`
	UserAgent   string        `json:"userAgent"`
	Locale      string        `json:"locale"`
}

type connectClient struct {
	ID         string `json:"id"`
	Version    string `json:"version"`
	Platform   string `json:"platform"`
	Mode       string `json:"mode"`
	InstanceID string `json:"instanceId"`
}

type connectAuth struct {
	Token string `json:"token"`
}

// HelloPayload is the gateway's answer to a successful connect.
type HelloPayload struct {
	Server   ServerInfo `json:"server"`
	Protocol int        `json:"protocol"`
	Features []string   `json:"features"`
}

// ServerInfo identifies the gateway build behind the socket.
type ServerInfo struct {
	Version string `json:"version"`
	Host    string `json:"host"`
}

// challengePayload carries the nonce of a connect.challenge event.
type challengePayload struct {
	Nonce string `json:"nonce"`
}
