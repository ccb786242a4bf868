package main

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawdeck/clawdeck/internal/common/logger"
	"github.com/clawdeck/clawdeck/internal/gateway"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func startMockGateway(t *testing.T, cfg serverConfig) string {
	t.Helper()
	ts := httptest.NewServer(newServer(cfg, testLogger(t)))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dialMock(t *testing.T, url, token string) *gateway.Client {
	t.Helper()
	client := gateway.NewClient(gateway.Config{
		URL:               url,
		Token:             token,
		MaxReconnectTries: -1,
		Logger:            testLogger(t),
	})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	return client
}

func fastPoll() gateway.ChatPollConfig {
	return gateway.ChatPollConfig{Interval: 10 * time.Millisecond, Budget: 3 * time.Second}
}

func TestScriptForDirectives(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantKind replyKind
		wantText string
	}{
		{"echo", "/echo pong", replyEcho, "pong"},
		{"echo multiline", "/echo line one\nline two", replyEcho, "line one\nline two"},
		{"fail default message", "/fail", replyFail, "mock run failure"},
		{"fail custom message", "/fail disk full", replyFail, "disk full"},
		{"quiet", "/quiet", replyQuiet, ""},
		{"plain prompt gets canned reply", "summarize the incident", replyCanned, "Mock reply: handled 22 characters."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := scriptFor(tt.content)
			assert.Equal(t, tt.wantKind, got.kind)
			assert.Equal(t, tt.wantText, got.text)
		})
	}
}

func TestSendDeduplicatesByIdempotencyKey(t *testing.T) {
	store := newSessionStore()

	first, fresh := store.Send("agent:main:main", "key-1", "hello")
	require.True(t, fresh)
	repeat, fresh := store.Send("agent:main:main", "key-1", "hello")
	require.False(t, fresh)
	assert.Equal(t, first, repeat)

	other, fresh := store.Send("agent:main:main", "key-2", "again")
	require.True(t, fresh)
	assert.NotEqual(t, first, other)

	assert.Len(t, store.History("agent:main:main"), 2, "duplicate send must not append")
}

func TestAbortSuppressesPendingReply(t *testing.T) {
	store := newSessionStore()

	runID, fresh := store.Send("s", "", "/echo never delivered")
	require.True(t, fresh)
	require.True(t, store.Abort("s"))

	assert.False(t, store.Complete("s", runID))
	history := store.History("s")
	require.Len(t, history, 1)
	assert.Equal(t, "user", history[0].Role)

	assert.False(t, store.Abort("s"), "nothing left to abort")
}

func TestCompleteIsOneShot(t *testing.T) {
	store := newSessionStore()

	runID, _ := store.Send("s", "", "do the thing")
	require.True(t, store.Complete("s", runID))
	assert.False(t, store.Complete("s", runID))

	history := store.History("s")
	require.Len(t, history, 2)
	assert.Equal(t, "assistant", history[1].Role)
	assert.Equal(t, mockModel, history[1].Model)
	assert.Equal(t, "end_turn", history[1].StopReason)
}

func TestHandshakeAndScriptedChat(t *testing.T) {
	url := startMockGateway(t, serverConfig{Token: "sekrit", ReplyDelay: 20 * time.Millisecond})
	client := dialMock(t, url, "sekrit")

	hello := client.Hello()
	require.NotNil(t, hello)
	assert.Equal(t, wireProtocol, hello.Protocol)
	assert.Equal(t, "mock-dev", hello.Server.Version)

	events := make(chan *gateway.EventFrame, 8)
	client.OnEvent(func(evt *gateway.EventFrame) { events <- evt })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reply, err := client.SendAndWaitWith(ctx, "agent:main:main", "/echo pong", fastPoll())
	require.NoError(t, err)
	assert.Equal(t, "pong", reply)

	history, err := client.ChatHistory(ctx, "agent:main:main")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "/echo pong", history[0].Text())
	assert.Equal(t, "pong", history[1].Text())

	select {
	case evt := <-events:
		assert.Equal(t, "chat.message", evt.Event)
		require.NotNil(t, evt.Seq)
		assert.EqualValues(t, 0, *evt.Seq)
	case <-time.After(time.Second):
		t.Fatal("no gateway event delivered")
	}

	status, err := client.Status(ctx)
	require.NoError(t, err)
	srvInfo, ok := status["server"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "mock-dev", srvInfo["version"])
}

func TestFailDirectiveSurfacesRunError(t *testing.T) {
	url := startMockGateway(t, serverConfig{Token: "sekrit", ReplyDelay: 10 * time.Millisecond})
	client := dialMock(t, url, "sekrit")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := client.SendAndWaitWith(ctx, "agent:main:main", "/fail scripted explosion", fastPoll())
	var remote *gateway.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "CHAT_RUN_FAILED", remote.Code)
	assert.Contains(t, remote.Message, "scripted explosion")
}

func TestQuietDirectiveTimesOut(t *testing.T) {
	url := startMockGateway(t, serverConfig{Token: "sekrit", ReplyDelay: time.Millisecond})
	client := dialMock(t, url, "sekrit")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := client.SendAndWaitWith(ctx, "agent:main:main", "/quiet", gateway.ChatPollConfig{
		Interval:   10 * time.Millisecond,
		Budget:     2 * time.Second,
		QuietLimit: 3,
	})
	require.ErrorIs(t, err, gateway.ErrTimeout)
}

func TestConnectRejectsBadToken(t *testing.T) {
	url := startMockGateway(t, serverConfig{Token: "sekrit", ReplyDelay: time.Millisecond})

	client := gateway.NewClient(gateway.Config{
		URL:               url,
		Token:             "wrong",
		MaxReconnectTries: -1,
		Logger:            testLogger(t),
	})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := client.Connect(ctx)

	var handshake *gateway.HandshakeError
	require.ErrorAs(t, err, &handshake)
	var remote *gateway.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "AUTH_FAILED", remote.Code)
	assert.False(t, client.IsConnected())
}

func TestDuplicateSendAcknowledgedOnce(t *testing.T) {
	url := startMockGateway(t, serverConfig{Token: "sekrit", ReplyDelay: 10 * time.Millisecond})
	client := dialMock(t, url, "sekrit")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	first, err := client.ChatSend(ctx, "agent:dup:main", "/echo once", "fixed-key")
	require.NoError(t, err)
	assert.Equal(t, "accepted", first.Status)

	repeat, err := client.ChatSend(ctx, "agent:dup:main", "/echo once", "fixed-key")
	require.NoError(t, err)
	assert.Equal(t, "duplicate", repeat.Status)
	assert.Equal(t, first.RunID, repeat.RunID)

	assert.Eventually(t, func() bool {
		history, err := client.ChatHistory(ctx, "agent:dup:main")
		return err == nil && len(history) == 2
	}, 2*time.Second, 20*time.Millisecond, "exactly one user message and one reply")
}

func TestSequenceGapInjection(t *testing.T) {
	url := startMockGateway(t, serverConfig{
		Token:      "sekrit",
		ReplyDelay: 10 * time.Millisecond,
		DropEvery:  1,
	})
	client := dialMock(t, url, "sekrit")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := client.SendAndWaitWith(ctx, "agent:main:main", "/echo gap", fastPoll())
	require.NoError(t, err)

	// Every sequence number is preceded by a burned one, so the first
	// event arrives as seq 1 instead of 0.
	assert.Eventually(t, func() bool {
		return client.LastSeq() == 1
	}, 2*time.Second, 10*time.Millisecond)
}
