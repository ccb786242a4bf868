package store

import (
	"context"
	"errors"
	"testing"

	"github.com/clawdeck/clawdeck/internal/mission/models"
)

func TestUpsertChatSession(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	session := &models.ChatSession{
		DeploymentID: "a1b2c3d4e5",
		SessionKey:   "team-chat",
		Title:        "Team chat",
	}
	if err := repo.UpsertChatSession(ctx, session); err != nil {
		t.Fatalf("failed to upsert session: %v", err)
	}
	if session.ID == "" {
		t.Error("expected session ID to be set")
	}

	// Second upsert on the same key updates in place.
	again := &models.ChatSession{
		DeploymentID: "a1b2c3d4e5",
		SessionKey:   "team-chat",
		Title:        "Team chat (renamed)",
	}
	if err := repo.UpsertChatSession(ctx, again); err != nil {
		t.Fatalf("failed to re-upsert session: %v", err)
	}

	retrieved, err := repo.GetChatSessionByKey(ctx, "a1b2c3d4e5", "team-chat")
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if retrieved.Title != "Team chat (renamed)" {
		t.Errorf("expected updated title, got %q", retrieved.Title)
	}
	if retrieved.ID != session.ID {
		t.Errorf("expected original row to survive the upsert, got id %s", retrieved.ID)
	}

	sessions, err := repo.ListChatSessions(ctx, "a1b2c3d4e5")
	if err != nil {
		t.Fatalf("failed to list sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Errorf("expected 1 session after upsert, got %d", len(sessions))
	}
}

func TestChatSessionsPerDeployment(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	_ = repo.UpsertChatSession(ctx, &models.ChatSession{DeploymentID: "dep-one", SessionKey: "team-chat"})
	_ = repo.UpsertChatSession(ctx, &models.ChatSession{DeploymentID: "dep-one", SessionKey: "mission-abc"})
	_ = repo.UpsertChatSession(ctx, &models.ChatSession{DeploymentID: "dep-two", SessionKey: "team-chat"})

	sessions, err := repo.ListChatSessions(ctx, "dep-one")
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("expected 2 sessions for dep-one, got %d", len(sessions))
	}

	all, err := repo.ListChatSessions(ctx, "")
	if err != nil {
		t.Fatalf("failed to list all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 sessions total, got %d", len(all))
	}
}

func TestTouchChatSession(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	_ = repo.UpsertChatSession(ctx, &models.ChatSession{DeploymentID: "dep-one", SessionKey: "team-chat"})

	if err := repo.TouchChatSession(ctx, "dep-one", "team-chat"); err != nil {
		t.Fatalf("failed to touch session: %v", err)
	}
	retrieved, err := repo.GetChatSessionByKey(ctx, "dep-one", "team-chat")
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if retrieved.LastActiveAt.IsZero() {
		t.Error("expected last_active_at to be set")
	}

	if err := repo.TouchChatSession(ctx, "dep-one", "nope"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteChatSession(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	_ = repo.UpsertChatSession(ctx, &models.ChatSession{DeploymentID: "dep-one", SessionKey: "team-chat"})

	if err := repo.DeleteChatSession(ctx, "dep-one", "team-chat"); err != nil {
		t.Fatalf("failed to delete session: %v", err)
	}
	if _, err := repo.GetChatSessionByKey(ctx, "dep-one", "team-chat"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := repo.DeleteChatSession(ctx, "dep-one", "team-chat"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound on double delete, got %v", err)
	}
}
