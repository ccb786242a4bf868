package teamchat

import (
	"context"
	"errors"
	"testing"

	"github.com/clawdeck/clawdeck/internal/common/logger"
	"github.com/clawdeck/clawdeck/internal/mission/models"
	"github.com/clawdeck/clawdeck/internal/mission/service"
)

func newTestLogger() *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		panic(err)
	}
	return log
}

type fakeBackend struct {
	appended  []*service.AppendChatMessageRequest
	appendErr error
	messages  []*models.ChatMessage
}

func (f *fakeBackend) AppendChatMessage(_ context.Context, req *service.AppendChatMessageRequest) (*models.ChatMessage, error) {
	if f.appendErr != nil {
		return nil, f.appendErr
	}
	f.appended = append(f.appended, req)
	return &models.ChatMessage{
		ID:        "abcd1234",
		Seq:       int64(len(f.appended)),
		MissionID: req.MissionID,
		Role:      req.Role,
		Sender:    req.Sender,
		Content:   req.Content,
	}, nil
}

func (f *fakeBackend) ListChatMessages(_ context.Context, missionID string, _ int) ([]*models.ChatMessage, error) {
	var out []*models.ChatMessage
	for _, m := range f.messages {
		if m.MissionID == missionID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeBackend) ListChatMessagesAfter(_ context.Context, missionID string, afterSeq int64) ([]*models.ChatMessage, error) {
	var out []*models.ChatMessage
	for _, m := range f.messages {
		if m.MissionID == missionID && m.Seq > afterSeq {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeBackend) CountChatMessages(_ context.Context, missionID string) (int, error) {
	msgs, _ := f.ListChatMessages(context.Background(), missionID, 0)
	return len(msgs), nil
}

func TestAppendDefaultsRoleToUser(t *testing.T) {
	backend := &fakeBackend{}
	chat := New(backend, newTestLogger())

	msg, err := chat.Append(context.Background(), "deadbeef", "", "alice", "hello")
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if msg.Role != models.ChatRoleUser {
		t.Errorf("empty role should default to user, got %q", msg.Role)
	}
	if len(backend.appended) != 1 {
		t.Fatalf("expected 1 append, got %d", len(backend.appended))
	}
	if backend.appended[0].Sender != "alice" {
		t.Errorf("sender lost: %q", backend.appended[0].Sender)
	}
}

func TestAppendRejectsUnknownRole(t *testing.T) {
	backend := &fakeBackend{}
	chat := New(backend, newTestLogger())

	_, err := chat.Append(context.Background(), "deadbeef", "moderator", "x", "y")
	var inv *models.InvariantViolationError
	if !errors.As(err, &inv) {
		t.Fatalf("expected InvariantViolationError, got %v", err)
	}
	if len(backend.appended) != 0 {
		t.Errorf("invalid roles must not reach the backend, got %d appends", len(backend.appended))
	}
}

func TestSystemSwallowsBackendErrors(t *testing.T) {
	backend := &fakeBackend{appendErr: errors.New("db is gone")}
	chat := New(backend, newTestLogger())

	// Must not panic or propagate; the narrated operation goes on.
	chat.System(context.Background(), "deadbeef", "planning complete")
}

func TestSystemUsesSystemRoleAndSender(t *testing.T) {
	backend := &fakeBackend{}
	chat := New(backend, newTestLogger())

	chat.System(context.Background(), "deadbeef", "planning complete: 3 subtasks")
	if len(backend.appended) != 1 {
		t.Fatalf("expected 1 append, got %d", len(backend.appended))
	}
	req := backend.appended[0]
	if req.Role != models.ChatRoleSystem {
		t.Errorf("unexpected role %q", req.Role)
	}
	if req.Sender != SystemSender {
		t.Errorf("unexpected sender %q", req.Sender)
	}
}

func TestFromAgentAndFromUser(t *testing.T) {
	backend := &fakeBackend{}
	chat := New(backend, newTestLogger())

	if _, err := chat.FromAgent(context.Background(), "deadbeef", "Jason", "on it"); err != nil {
		t.Fatalf("FromAgent failed: %v", err)
	}
	if _, err := chat.FromUser(context.Background(), "deadbeef", "bob", "status?"); err != nil {
		t.Fatalf("FromUser failed: %v", err)
	}

	if backend.appended[0].Role != models.ChatRoleAgent || backend.appended[0].Sender != "Jason" {
		t.Errorf("unexpected agent append %+v", backend.appended[0])
	}
	if backend.appended[1].Role != models.ChatRoleUser || backend.appended[1].Sender != "bob" {
		t.Errorf("unexpected user append %+v", backend.appended[1])
	}
}

func TestListAndLenFilterByMission(t *testing.T) {
	backend := &fakeBackend{messages: []*models.ChatMessage{
		{ID: "m1", Seq: 1, MissionID: "deadbeef", Content: "first"},
		{ID: "m2", Seq: 2, MissionID: "deadbeef", Content: "second"},
		{ID: "m3", Seq: 3, MissionID: "cafebabe", Content: "other"},
	}}
	chat := New(backend, newTestLogger())

	msgs, err := chat.List(context.Background(), "deadbeef")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}

	after, err := chat.ListAfter(context.Background(), "deadbeef", 1)
	if err != nil {
		t.Fatalf("ListAfter failed: %v", err)
	}
	if len(after) != 1 || after[0].ID != "m2" {
		t.Errorf("unexpected tail %+v", after)
	}

	n, err := chat.Len(context.Background(), "deadbeef")
	if err != nil || n != 2 {
		t.Errorf("Len = %d, %v", n, err)
	}
}
