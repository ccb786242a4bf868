package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clawdeck/clawdeck/internal/events"
	"github.com/clawdeck/clawdeck/internal/events/bus"
)

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startHub(t *testing.T, env *testEnv) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go env.srv.hub.Run(ctx)
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := strings.Replace(ts.URL, "http", "ws", 1) + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubRelaysBusEvents(t *testing.T) {
	env := newTestEnv(t)
	startHub(t, env)

	ts := httptest.NewServer(env.srv.router)
	defer ts.Close()

	conn := dialWS(t, ts)
	waitFor(t, 2*time.Second, "client registration", func() bool {
		return env.srv.hub.clientCount() == 1
	})

	event := bus.NewEvent(events.MissionUpdated, "test", map[string]interface{}{
		"mission_id": "m-77",
		"status":     "active",
	})
	if err := env.bus.Publish(context.Background(), events.MissionUpdated, event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read relayed event: %v", err)
	}
	var relayed bus.Event
	if err := json.Unmarshal(data, &relayed); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	if relayed.Type != events.MissionUpdated {
		t.Errorf("type = %q, want %q", relayed.Type, events.MissionUpdated)
	}
	if relayed.Data["mission_id"] != "m-77" {
		t.Errorf("data = %v", relayed.Data)
	}
}

func TestHubDropsClientOnDisconnect(t *testing.T) {
	env := newTestEnv(t)
	startHub(t, env)

	ts := httptest.NewServer(env.srv.router)
	defer ts.Close()

	conn := dialWS(t, ts)
	waitFor(t, 2*time.Second, "client registration", func() bool {
		return env.srv.hub.clientCount() == 1
	})

	conn.Close()
	waitFor(t, 2*time.Second, "client removal", func() bool {
		return env.srv.hub.clientCount() == 0
	})
}

func TestRelayDoesNotBlockOnSlowClient(t *testing.T) {
	env := newTestEnv(t)
	hub := env.srv.hub

	slow := &wsClient{id: "slow", send: make(chan []byte, 1), logger: hub.logger}
	hub.mu.Lock()
	hub.clients[slow] = true
	hub.mu.Unlock()

	first := bus.NewEvent(events.ChatMessage, "test", map[string]interface{}{"seq": 1})
	second := bus.NewEvent(events.ChatMessage, "test", map[string]interface{}{"seq": 2})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := hub.relay(context.Background(), first); err != nil {
			t.Errorf("first relay: %v", err)
		}
		if err := hub.relay(context.Background(), second); err != nil {
			t.Errorf("second relay: %v", err)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay blocked on a full client buffer")
	}

	if got := len(slow.send); got != 1 {
		t.Errorf("buffered messages = %d, want 1 (second dropped)", got)
	}
	var kept bus.Event
	if err := json.Unmarshal(<-slow.send, &kept); err != nil {
		t.Fatalf("decode kept message: %v", err)
	}
	if kept.Data["seq"] != float64(1) {
		t.Errorf("kept seq = %v, want the first event", kept.Data["seq"])
	}
}

func TestHealthReportsConnectedClients(t *testing.T) {
	env := newTestEnv(t)
	startHub(t, env)

	ts := httptest.NewServer(env.srv.router)
	defer ts.Close()

	dialWS(t, ts)
	waitFor(t, 2*time.Second, "client registration", func() bool {
		return env.srv.hub.clientCount() == 1
	})

	rec := env.do(t, http.MethodGet, "/health", nil)
	if body := decodeBody(t, rec); body["ws_clients"] != float64(1) {
		t.Errorf("ws_clients = %v, want 1", body["ws_clients"])
	}
}
