// Package gateway implements the WebSocket RPC client used to talk to
// deployed gateway containers: the connect handshake, correlated
// request/response frames, the buffered event stream with sequence gap
// detection, and automatic reconnection.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/logger"
)

const (
	protocolVersion = 3

	operatorRole = "operator"

	defaultHandshakeTimeout  = 15 * time.Second
	defaultRequestTimeout    = 30 * time.Second
	defaultReconnectInterval = time.Second
	maxReconnectBackoff      = 30 * time.Second
	defaultMaxReconnectTries = 10
	defaultEventQueueSize    = 500

	// Sequence gaps at or above this size are logged as errors rather
	// than informational notices.
	largeGapThreshold = 100
)

// Client identifiers accepted by the gateway's connect validator.
const (
	ClientIDCLI      = "cli"
	ClientIDExternal = "gateway-client"
)

var operatorScopes = []string{"operator.admin", "operator.approvals", "operator.pairing"}

// Config carries everything needed to open and maintain a gateway
// session. Zero values fall back to the defaults above.
type Config struct {
	URL   string
	Token string

	// ClientID is validated by the gateway: "cli" for deployments
	// managed by this control plane, "gateway-client" for external
	// connections. Any other value is rejected during the handshake.
	ClientID      string
	ClientVersion string
	Platform      string
	Mode          string
	InstanceID    string
	Locale        string

	// Cloudflare Access service-token credentials, sent both as the
	// documented CF-Access headers and as a CF_Authorization cookie
	// for Access configurations that only honor the cookie form.
	CFAccessClientID     string
	CFAccessClientSecret string

	HandshakeTimeout  time.Duration
	RequestTimeout    time.Duration
	ReconnectInterval time.Duration

	// MaxReconnectTries bounds automatic reconnection after an
	// unexpected close. A negative value disables reconnection.
	MaxReconnectTries int

	EventQueueSize int

	Logger *logger.Logger
}

// EventHandler receives gateway events drained from the queue.
type EventHandler func(evt *EventFrame)

// Client is a single gateway connection. It is safe for concurrent use;
// requests may be issued from any goroutine and are correlated by id.
type Client struct {
	cfg        Config
	instanceID string
	logger     *logger.Logger

	conn      *websocket.Conn
	connected bool
	connMu    sync.RWMutex

	// writeMu serializes frame writes; gorilla connections allow only
	// one concurrent writer.
	writeMu sync.Mutex

	pending   map[string]chan *ResponseFrame
	pendingMu sync.Mutex

	handler   EventHandler
	handlerMu sync.RWMutex

	events        chan *EventFrame
	droppedEvents atomic.Int64
	lastSeq       atomic.Int64

	hello   *HelloPayload
	helloMu sync.RWMutex

	closed       atomic.Bool
	reconnecting atomic.Bool
	done         chan struct{}
}

// NewClient builds a client for one gateway endpoint. The connection is
// not opened until Connect is called.
func NewClient(cfg Config) *Client {
	if cfg.ClientID == "" {
		cfg.ClientID = ClientIDCLI
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "dev"
	}
	if cfg.Platform == "" {
		cfg.Platform = runtime.GOOS
	}
	if cfg.Mode == "" {
		cfg.Mode = "cli"
	}
	if cfg.Locale == "" {
		cfg.Locale = "en-US"
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if cfg.MaxReconnectTries == 0 {
		cfg.MaxReconnectTries = defaultMaxReconnectTries
	}
	if cfg.EventQueueSize <= 0 {
		cfg.EventQueueSize = defaultEventQueueSize
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.New().String()
	}

	c := &Client{
		cfg:        cfg,
		instanceID: instanceID,
		logger:     log.WithFields(zap.String("component", "gateway-client")),
		pending:    make(map[string]chan *ResponseFrame),
		events:     make(chan *EventFrame, cfg.EventQueueSize),
		done:       make(chan struct{}),
	}
	c.lastSeq.Store(-1)

	go c.eventLoop()

	return c
}

// Connect dials the gateway and completes the connect handshake:
// wait for the challenge event, send the connect request, receive the
// hello payload. Returns nil immediately if already connected.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return fmt.Errorf("gateway client is closed")
	}

	c.connMu.RLock()
	connected := c.connected
	c.connMu.RUnlock()
	if connected {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, c.dialHeader())
	if err != nil {
		blocked := isCloudflareBlocked(err, resp)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if blocked {
			return fmt.Errorf("dial %s: %w", c.cfg.URL, ErrCloudflareAccessBlocked)
		}
		return &HandshakeError{Stage: "dial", Err: err}
	}

	hello, err := c.handshake(ctx, conn)
	if err != nil {
		conn.Close()
		return err
	}

	c.connMu.Lock()
	if c.closed.Load() {
		c.connMu.Unlock()
		conn.Close()
		return fmt.Errorf("gateway client is closed")
	}
	if c.connected {
		// A concurrent Connect won the race; keep its connection.
		c.connMu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.connected = true
	c.connMu.Unlock()

	c.helloMu.Lock()
	c.hello = hello
	c.helloMu.Unlock()

	// Event numbering restarts per connection.
	c.lastSeq.Store(-1)

	go c.readLoop(conn)

	c.logger.Info("gateway connected",
		zap.String("url", c.cfg.URL),
		zap.Int("protocol", hello.Protocol),
		zap.String("server_version", hello.Server.Version))
	return nil
}

func (c *Client) dialHeader() http.Header {
	header := http.Header{}
	if c.cfg.CFAccessClientID != "" && c.cfg.CFAccessClientSecret != "" {
		header.Set("CF-Access-Client-Id", c.cfg.CFAccessClientID)
		header.Set("CF-Access-Client-Secret", c.cfg.CFAccessClientSecret)
		header.Set("Cookie", "CF_Authorization="+c.cfg.CFAccessClientSecret)
	}
	return header
}

func (c *Client) connectParams() connectParams {
	return connectParams{
		MinProtocol: protocolVersion,
		MaxProtocol: protocolVersion,
		Client: connectClient{
			ID:         c.cfg.ClientID,
			Version:    c.cfg.ClientVersion,
			Platform:   c.cfg.Platform,
			Mode:       c.cfg.Mode,
			InstanceID: c.instanceID,
		},
		Role:      operatorRole,
		Scopes:    operatorScopes,
		Auth:      connectAuth{Token: c.cfg.Token},
		UserAgent: "clawdeck/" + c.cfg.ClientVersion,
		Locale:    c.cfg.Locale,
	}
}

// handshake runs on the raw connection before the read loop starts, so
// it reads frames directly under a deadline.
func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) (*HelloPayload, error) {
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetReadDeadline(deadline)
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	challenge, err := c.readChallenge(conn)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("received connect challenge", zap.String("nonce", challenge.Nonce))

	req := &RequestFrame{
		Type:   FrameTypeRequest,
		ID:     uuid.New().String(),
		Method: methodConnect,
		Params: c.connectParams(),
	}
	if err := conn.WriteJSON(req); err != nil {
		return nil, &HandshakeError{Stage: "connect request", Err: err}
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return nil, &HandshakeError{Stage: "connect response", Err: err}
		}
		frameType, err := ParseFrameType(raw)
		if err != nil {
			return nil, &HandshakeError{Stage: "connect response", Err: err}
		}
		if frameType == FrameTypeEvent {
			// Events may arrive before the hello; they are not yet
			// interesting to anyone.
			continue
		}
		if frameType != FrameTypeResponse {
			return nil, &HandshakeError{Stage: "connect response", Err: fmt.Errorf("unexpected %q frame", frameType)}
		}

		var res ResponseFrame
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, &HandshakeError{Stage: "connect response", Err: err}
		}
		if res.ID != req.ID {
			c.logger.Debug("ignoring response for unknown id during handshake", zap.String("id", res.ID))
			continue
		}
		if !res.OK {
			remote := &RemoteError{Message: "connect rejected"}
			if res.Error != nil {
				remote.Code = res.Error.Code
				remote.Message = res.Error.Message
			}
			if strings.Contains(remote.Message, cloudflareAccessDomain) {
				return nil, fmt.Errorf("connect: %w", ErrCloudflareAccessBlocked)
			}
			return nil, &HandshakeError{Stage: "connect", Err: remote}
		}

		var hello HelloPayload
		if len(res.Payload) > 0 {
			if err := json.Unmarshal(res.Payload, &hello); err != nil {
				return nil, &HandshakeError{Stage: "hello", Err: err}
			}
		}
		return &hello, nil
	}
}

func (c *Client) readChallenge(conn *websocket.Conn) (*challengePayload, error) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return nil, &HandshakeError{Stage: "challenge", Err: err}
		}
		frameType, err := ParseFrameType(raw)
		if err != nil {
			return nil, &HandshakeError{Stage: "challenge", Err: err}
		}
		if frameType != FrameTypeEvent {
			continue
		}

		var evt EventFrame
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, &HandshakeError{Stage: "challenge", Err: err}
		}
		if evt.Event != EventConnectChallenge {
			continue
		}

		var payload challengePayload
		if len(evt.Payload) > 0 {
			if err := json.Unmarshal(evt.Payload, &payload); err != nil {
				return nil, &HandshakeError{Stage: "challenge", Err: err}
			}
		}
		return &payload, nil
	}
}

// Call performs one RPC round trip with the default request timeout.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	return c.call(ctx, method, params, c.cfg.RequestTimeout)
}

func (c *Client) call(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	c.connMu.RLock()
	conn := c.conn
	connected := c.connected
	c.connMu.RUnlock()
	if !connected || conn == nil {
		return nil, fmt.Errorf("%s: %w", method, ErrNotConnected)
	}

	id := uuid.New().String()
	respCh := make(chan *ResponseFrame, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	req := &RequestFrame{Type: FrameTypeRequest, ID: id, Method: method, Params: params}
	c.writeMu.Lock()
	err := conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case res, ok := <-respCh:
		if !ok {
			return nil, fmt.Errorf("%s: connection lost: %w", method, ErrNotConnected)
		}
		if !res.OK {
			remote := &RemoteError{Message: "request failed"}
			if res.Error != nil {
				remote.Code = res.Error.Code
				remote.Message = res.Error.Message
			}
			return nil, remote
		}
		return res.Payload, nil
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s after %s: %w", method, timeout, ErrTimeout)
		}
		return nil, callCtx.Err()
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(err)
			return
		}

		frameType, err := ParseFrameType(raw)
		if err != nil {
			c.logger.Warn("dropping unparseable frame", zap.Error(err))
			continue
		}

		switch frameType {
		case FrameTypeResponse:
			var res ResponseFrame
			if err := json.Unmarshal(raw, &res); err != nil {
				c.logger.Warn("dropping malformed response frame", zap.Error(err))
				continue
			}
			c.routeResponse(&res)
		case FrameTypeEvent:
			var evt EventFrame
			if err := json.Unmarshal(raw, &evt); err != nil {
				c.logger.Warn("dropping malformed event frame", zap.Error(err))
				continue
			}
			c.trackSequence(&evt)
			c.enqueueEvent(&evt)
		default:
			c.logger.Debug("ignoring frame", zap.String("type", frameType))
		}
	}
}

func (c *Client) routeResponse(res *ResponseFrame) {
	c.pendingMu.Lock()
	ch, ok := c.pending[res.ID]
	if ok {
		delete(c.pending, res.ID)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Debug("dropping response with unknown id", zap.String("id", res.ID))
		return
	}
	ch <- res
}

func (c *Client) trackSequence(evt *EventFrame) {
	if evt.Seq == nil {
		return
	}
	seq := *evt.Seq
	last := c.lastSeq.Load()
	if seq <= last {
		return
	}
	if gap := seq - last - 1; gap > 0 {
		fields := []zap.Field{
			zap.Int64("expected", last+1),
			zap.Int64("received", seq),
			zap.Int64("missed", gap),
		}
		if gap >= largeGapThreshold {
			c.logger.Error("large event sequence gap", fields...)
		} else {
			c.logger.Info("event sequence gap", fields...)
		}
	}
	c.lastSeq.Store(seq)
}

// enqueueEvent never blocks the read loop: when the queue is full the
// oldest queued event is discarded to make room.
func (c *Client) enqueueEvent(evt *EventFrame) {
	for {
		select {
		case c.events <- evt:
			return
		default:
		}
		select {
		case dropped := <-c.events:
			c.droppedEvents.Add(1)
			c.logger.Debug("event queue full, dropped oldest event",
				zap.String("event", dropped.Event),
				zap.Int64("dropped_total", c.droppedEvents.Load()))
		default:
		}
	}
}

func (c *Client) eventLoop() {
	for {
		select {
		case <-c.done:
			return
		case evt := <-c.events:
			c.handlerMu.RLock()
			handler := c.handler
			c.handlerMu.RUnlock()
			if handler != nil {
				handler(evt)
			}
		}
	}
}

func (c *Client) handleDisconnect(readErr error) {
	c.connMu.Lock()
	if !c.connected {
		c.connMu.Unlock()
		return
	}
	c.connected = false
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.failPending()

	if c.closed.Load() {
		return
	}
	c.logDisconnect(readErr)

	if c.cfg.MaxReconnectTries < 0 {
		return
	}
	if c.reconnecting.CompareAndSwap(false, true) {
		go c.reconnectLoop()
	}
}

func (c *Client) logDisconnect(err error) {
	var closeErr *websocket.CloseError
	switch {
	case errors.As(err, &closeErr):
		switch {
		case closeErr.Code == websocket.ClosePolicyViolation && strings.Contains(closeErr.Text, "slow consumer"):
			c.logger.Warn("gateway closed connection: slow consumer",
				zap.Int64("dropped_events", c.droppedEvents.Load()))
		case strings.Contains(closeErr.Text, cloudflareAccessDomain):
			c.logger.Error("gateway connection closed by cloudflare access",
				zap.String("reason", closeErr.Text))
		case closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway:
			c.logger.Info("gateway connection closed", zap.Int("code", closeErr.Code))
		default:
			c.logger.Warn("gateway connection closed unexpectedly",
				zap.Int("code", closeErr.Code),
				zap.String("reason", closeErr.Text))
		}
	case err != nil:
		c.logger.Warn("gateway connection lost", zap.Error(err))
	}
}

// failPending completes every in-flight request with a connection-lost
// error by closing its channel.
func (c *Client) failPending() {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

func (c *Client) reconnectLoop() {
	defer c.reconnecting.Store(false)

	backoff := c.cfg.ReconnectInterval
	for attempt := 1; attempt <= c.cfg.MaxReconnectTries; attempt++ {
		select {
		case <-c.done:
			return
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout+5*time.Second)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			c.logger.Info("gateway reconnected", zap.Int("attempt", attempt))
			return
		}
		c.logger.Warn("gateway reconnect failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.MaxReconnectTries),
			zap.Error(err))

		backoff *= 2
		if backoff > maxReconnectBackoff {
			backoff = maxReconnectBackoff
		}
	}
	c.logger.Error("gateway reconnect attempts exhausted",
		zap.Int("attempts", c.cfg.MaxReconnectTries))
}

// OnEvent registers the handler invoked for queued gateway events.
// Delivery happens on a single worker goroutine in arrival order.
func (c *Client) OnEvent(handler EventHandler) {
	c.handlerMu.Lock()
	c.handler = handler
	c.handlerMu.Unlock()
}

// IsConnected reports whether the client currently holds a live
// handshaken connection.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// Hello returns the payload received during the last successful
// handshake, or nil before the first connect.
func (c *Client) Hello() *HelloPayload {
	c.helloMu.RLock()
	defer c.helloMu.RUnlock()
	return c.hello
}

// DroppedEvents returns how many events were discarded because the
// queue was full.
func (c *Client) DroppedEvents() int64 {
	return c.droppedEvents.Load()
}

// LastSeq returns the highest event sequence number seen on the
// current connection, or -1 if none.
func (c *Client) LastSeq() int64 {
	return c.lastSeq.Load()
}

// Close shuts the client down permanently. In-flight requests fail
// with a connection-lost error and no reconnection is attempted.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)

	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	wasConnected := c.connected
	c.connected = false
	c.connMu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		conn.Close()
	}
	c.failPending()

	if wasConnected {
		c.logger.Info("gateway client closed", zap.String("url", c.cfg.URL))
	}
	return nil
}
