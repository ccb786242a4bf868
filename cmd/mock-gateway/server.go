package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/logger"
	"github.com/clawdeck/clawdeck/internal/gateway"
)

const wireProtocol = 3

type serverConfig struct {
	// Token is required by the connect handshake.
	Token string
	// ReplyDelay is how long after a chat.send the scripted reply lands
	// in the history.
	ReplyDelay time.Duration
	// DropEvery burns an event sequence number every N events so
	// clients exercise their gap tracking. Zero disables injection.
	DropEvery int
}

type server struct {
	cfg      serverConfig
	logger   *logger.Logger
	store    *sessionStore
	upgrader websocket.Upgrader
	started  time.Time

	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

func newServer(cfg serverConfig, log *logger.Logger) *server {
	return &server{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "mock-gateway")),
		store:  newSessionStore(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		started: time.Now(),
		conns:   make(map[*wsConn]struct{}),
	}
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s.serve(&wsConn{srv: s, conn: conn})
}

// wsConn is one client connection. Frame writes are serialized because
// gorilla connections allow a single concurrent writer.
type wsConn struct {
	srv  *server
	conn *websocket.Conn

	writeMu sync.Mutex
	seq     int64
	events  int64

	// connected is only touched by the connection's read goroutine.
	connected bool
}

func (c *wsConn) write(frame interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(frame)
}

func (c *wsConn) writeResponse(id string, payload interface{}, rpcErr *gateway.ErrorInfo) {
	res := gateway.ResponseFrame{Type: gateway.FrameTypeResponse, ID: id, OK: rpcErr == nil, Error: rpcErr}
	if rpcErr == nil && payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			res.OK = false
			res.Error = &gateway.ErrorInfo{Code: "INTERNAL", Message: err.Error()}
		} else {
			res.Payload = raw
		}
	}
	if err := c.write(res); err != nil {
		c.srv.logger.Debug("response write failed", zap.Error(err))
	}
}

func (c *wsConn) sendChallenge() error {
	payload, _ := json.Marshal(map[string]string{"nonce": uuid.New().String()})
	return c.write(gateway.EventFrame{
		Type:    gateway.FrameTypeEvent,
		Event:   gateway.EventConnectChallenge,
		Payload: payload,
	})
}

// sendEvent numbers and writes one established-connection event. The
// sequence counter advances under the write mutex so numbering matches
// write order.
func (c *wsConn) sendEvent(event string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.events++
	if n := int64(c.srv.cfg.DropEvery); n > 0 && c.events%n == 0 {
		c.seq++
	}
	seq := c.seq
	c.seq++
	_ = c.conn.WriteJSON(gateway.EventFrame{
		Type:    gateway.FrameTypeEvent,
		Event:   event,
		Payload: raw,
		Seq:     &seq,
	})
}

func (s *server) track(c *wsConn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *server) drop(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// broadcast delivers one event to every established connection.
func (s *server) broadcast(event string, payload interface{}) {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.sendEvent(event, payload)
	}
}

func (s *server) serve(c *wsConn) {
	defer func() {
		s.drop(c)
		c.conn.Close()
	}()

	if err := c.sendChallenge(); err != nil {
		return
	}

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if c.connected {
				s.logger.Info("client disconnected", zap.Error(err))
			}
			return
		}

		var req struct {
			Type   string          `json:"type"`
			ID     string          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(raw, &req); err != nil || req.Type != gateway.FrameTypeRequest {
			continue
		}
		s.dispatch(c, req.ID, req.Method, req.Params)
	}
}

func (s *server) dispatch(c *wsConn, id, method string, params json.RawMessage) {
	if method == "connect" {
		s.handleConnect(c, id, params)
		return
	}
	if !c.connected {
		c.writeResponse(id, nil, &gateway.ErrorInfo{Code: "HANDSHAKE_REQUIRED", Message: "connect first"})
		return
	}

	switch method {
	case "status":
		c.writeResponse(id, s.statusPayload(), nil)
	case "health":
		c.writeResponse(id, map[string]interface{}{"ok": true}, nil)
	case "sessions.list":
		c.writeResponse(id, map[string]interface{}{"sessions": s.store.Summaries()}, nil)
	case "agents.list":
		c.writeResponse(id, map[string]interface{}{
			"agents": []map[string]string{{"id": "main", "name": "Mock Agent"}},
		}, nil)
	case "models.list":
		c.writeResponse(id, map[string]interface{}{
			"models": []map[string]string{{"id": mockModel}},
		}, nil)
	case "config.get":
		c.writeResponse(id, gateway.ConfigSnapshot{
			Raw:    "# mock gateway\n",
			Parsed: map[string]interface{}{},
			Hash:   "mock",
			Valid:  true,
		}, nil)
	case "chat.send":
		s.handleChatSend(c, id, params)
	case "chat.history":
		s.handleChatHistory(c, id, params)
	case "chat.abort":
		s.handleChatAbort(c, id, params)
	default:
		c.writeResponse(id, nil, &gateway.ErrorInfo{Code: "METHOD_NOT_FOUND", Message: "unknown method " + method})
	}
}

// connectRequest is the server-side view of the handshake params.
type connectRequest struct {
	MinProtocol int `json:"minProtocol"`
	MaxProtocol int `json:"maxProtocol"`
	Client      struct {
		ID string `json:"id"`
	} `json:"client"`
	Auth struct {
		Token string `json:"token"`
	} `json:"auth"`
}

func (s *server) handleConnect(c *wsConn, id string, params json.RawMessage) {
	var req connectRequest
	if err := json.Unmarshal(params, &req); err != nil {
		c.writeResponse(id, nil, &gateway.ErrorInfo{Code: "INVALID_REQUEST", Message: "malformed connect params"})
		return
	}
	if req.Client.ID != gateway.ClientIDCLI && req.Client.ID != gateway.ClientIDExternal {
		c.writeResponse(id, nil, &gateway.ErrorInfo{Code: "INVALID_REQUEST", Message: "at /client/id: must be equal to constant"})
		return
	}
	if req.MinProtocol > wireProtocol || req.MaxProtocol < wireProtocol {
		c.writeResponse(id, nil, &gateway.ErrorInfo{
			Code:    "INVALID_REQUEST",
			Message: fmt.Sprintf("no common protocol in [%d,%d]", req.MinProtocol, req.MaxProtocol),
		})
		return
	}
	if req.Auth.Token != s.cfg.Token {
		c.writeResponse(id, nil, &gateway.ErrorInfo{Code: "AUTH_FAILED", Message: "invalid gateway token"})
		return
	}

	c.connected = true
	s.track(c)

	host, err := os.Hostname()
	if err != nil {
		host = "mock"
	}
	c.writeResponse(id, gateway.HelloPayload{
		Server:   gateway.ServerInfo{Version: "mock-dev", Host: host},
		Protocol: wireProtocol,
		Features: []string{"chat"},
	}, nil)
	s.logger.Info("client connected", zap.String("client_id", req.Client.ID))
}

func (s *server) handleChatSend(c *wsConn, id string, params json.RawMessage) {
	var req struct {
		SessionKey     string `json:"sessionKey"`
		IdempotencyKey string `json:"idempotencyKey"`
		Content        string `json:"content"`
	}
	if err := json.Unmarshal(params, &req); err != nil || req.SessionKey == "" {
		c.writeResponse(id, nil, &gateway.ErrorInfo{Code: "INVALID_REQUEST", Message: "sessionKey is required"})
		return
	}

	runID, fresh := s.store.Send(req.SessionKey, req.IdempotencyKey, req.Content)
	status := "accepted"
	if !fresh {
		status = "duplicate"
	}
	c.writeResponse(id, gateway.ChatSendResult{RunID: runID, Status: status}, nil)
	if !fresh {
		return
	}

	s.logger.Info("chat send accepted",
		zap.String("session_key", req.SessionKey),
		zap.String("run_id", runID),
		zap.Int("content_len", len(req.Content)))
	time.AfterFunc(s.cfg.ReplyDelay, func() {
		if s.store.Complete(req.SessionKey, runID) {
			s.broadcast("chat.message", map[string]string{
				"sessionKey": req.SessionKey,
				"runId":      runID,
			})
		}
	})
}

func (s *server) handleChatHistory(c *wsConn, id string, params json.RawMessage) {
	var req struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := json.Unmarshal(params, &req); err != nil || req.SessionKey == "" {
		c.writeResponse(id, nil, &gateway.ErrorInfo{Code: "INVALID_REQUEST", Message: "sessionKey is required"})
		return
	}

	stored := s.store.History(req.SessionKey)
	messages := make([]gateway.ChatMessage, 0, len(stored))
	for _, m := range stored {
		messages = append(messages, m.wire())
	}
	c.writeResponse(id, map[string]interface{}{"messages": messages}, nil)
}

func (s *server) handleChatAbort(c *wsConn, id string, params json.RawMessage) {
	var req struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := json.Unmarshal(params, &req); err != nil || req.SessionKey == "" {
		c.writeResponse(id, nil, &gateway.ErrorInfo{Code: "INVALID_REQUEST", Message: "sessionKey is required"})
		return
	}
	c.writeResponse(id, map[string]interface{}{"aborted": s.store.Abort(req.SessionKey)}, nil)
}

func (s *server) statusPayload() map[string]interface{} {
	return map[string]interface{}{
		"server":   map[string]string{"version": "mock-dev"},
		"uptimeMs": time.Since(s.started).Milliseconds(),
		"sessions": len(s.store.Summaries()),
	}
}
