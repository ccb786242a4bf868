// Package service provides mission business logic on top of the store:
// parent-tree and dependency validation, status transitions, and event
// publication for connected front ends.
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/logger"
	"github.com/clawdeck/clawdeck/internal/events"
	"github.com/clawdeck/clawdeck/internal/events/bus"
	"github.com/clawdeck/clawdeck/internal/mission/models"
	"github.com/clawdeck/clawdeck/internal/mission/store"
)

// maxParentDepth caps the parent walk so a corrupted tree cannot hang the
// cycle check.
const maxParentDepth = 64

// Service provides mission business logic.
type Service struct {
	repo     *store.Repository
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewService creates a new mission service.
func NewService(repo *store.Repository, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		repo:     repo,
		eventBus: eventBus,
		logger:   log,
	}
}

// Mission operations

// CreateMission creates a new mission and publishes a mission:updated event.
func (s *Service) CreateMission(ctx context.Context, req *CreateMissionRequest) (*models.Mission, error) {
	if req.ParentID != "" {
		if _, err := s.repo.GetMission(ctx, req.ParentID); err != nil {
			return nil, fmt.Errorf("parent: %w", err)
		}
	}

	mission := &models.Mission{
		Title:           req.Title,
		Description:     req.Description,
		Priority:        req.Priority,
		ParentID:        req.ParentID,
		AgentID:         req.AgentID,
		FilesScope:      req.FilesScope,
		Branch:          req.Branch,
		Source:          req.Source,
		SourceMessageID: req.SourceMessageID,
	}
	if err := s.repo.CreateMission(ctx, mission); err != nil {
		s.logger.Error("failed to create mission", zap.Error(err))
		return nil, err
	}

	s.publishMissionEvent(ctx, events.MissionUpdated, mission, nil)
	s.logger.Info("mission created",
		zap.String("mission_id", mission.ID),
		zap.String("title", mission.Title))

	return mission, nil
}

// GetMission retrieves a mission by ID.
func (s *Service) GetMission(ctx context.Context, id string) (*models.Mission, error) {
	return s.repo.GetMission(ctx, id)
}

// ListMissions returns all missions, newest first.
func (s *Service) ListMissions(ctx context.Context) ([]*models.Mission, error) {
	return s.repo.ListMissions(ctx)
}

// ListMissionsByStatus returns missions in the given status.
func (s *Service) ListMissionsByStatus(ctx context.Context, status models.MissionStatus) ([]*models.Mission, error) {
	return s.repo.ListMissionsByStatus(ctx, status)
}

// ListMissionChildren returns the sub-missions of a parent in plan order.
func (s *Service) ListMissionChildren(ctx context.Context, parentID string) ([]*models.Mission, error) {
	return s.repo.ListMissionChildren(ctx, parentID)
}

// SearchMissions returns missions matching the query.
func (s *Service) SearchMissions(ctx context.Context, query string, limit int) ([]*models.Mission, error) {
	return s.repo.SearchMissions(ctx, query, limit)
}

// GetMissionStats aggregates mission counts and durations.
func (s *Service) GetMissionStats(ctx context.Context) (*models.MissionStats, error) {
	return s.repo.GetMissionStats(ctx)
}

// UpdateMission applies the provided fields to a mission and publishes a
// mission:updated event. Re-parenting is validated against cycles.
func (s *Service) UpdateMission(ctx context.Context, id string, req *UpdateMissionRequest) (*models.Mission, error) {
	mission, err := s.repo.GetMission(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Title != nil {
		mission.Title = *req.Title
	}
	if req.Description != nil {
		mission.Description = *req.Description
	}
	if req.Priority != nil {
		mission.Priority = *req.Priority
	}
	if req.ParentID != nil && *req.ParentID != mission.ParentID {
		if *req.ParentID != "" {
			if err := s.ensureNoParentCycle(ctx, id, *req.ParentID); err != nil {
				return nil, err
			}
		}
		mission.ParentID = *req.ParentID
	}
	if req.AgentID != nil {
		mission.AgentID = *req.AgentID
	}
	if req.FilesScope != nil {
		mission.FilesScope = req.FilesScope
	}
	if req.Branch != nil {
		mission.Branch = *req.Branch
	}
	if req.PlanJSON != nil {
		mission.PlanJSON = *req.PlanJSON
	}
	if req.SourceMessageID != nil {
		mission.SourceMessageID = *req.SourceMessageID
	}

	if err := s.repo.UpdateMission(ctx, mission); err != nil {
		return nil, err
	}

	s.publishMissionEvent(ctx, events.MissionUpdated, mission, nil)
	return mission, nil
}

// UpdateMissionStatus advances a mission through its lifecycle and publishes
// a mission:updated event carrying the old and new status.
func (s *Service) UpdateMissionStatus(ctx context.Context, id string, next models.MissionStatus) (*models.Mission, error) {
	current, err := s.repo.GetMission(ctx, id)
	if err != nil {
		return nil, err
	}
	oldStatus := current.Status

	if err := s.repo.UpdateMissionStatus(ctx, id, next); err != nil {
		return nil, err
	}

	mission, err := s.repo.GetMission(ctx, id)
	if err != nil {
		return nil, err
	}

	s.publishMissionEvent(ctx, events.MissionUpdated, mission, &oldStatus)
	s.logger.Info("mission status changed",
		zap.String("mission_id", id),
		zap.String("from", string(oldStatus)),
		zap.String("to", string(next)))

	return mission, nil
}

// SetMissionReview records a review verdict on a sub-mission.
func (s *Service) SetMissionReview(ctx context.Context, id string, review models.ReviewStatus) (*models.Mission, error) {
	if err := s.repo.UpdateMissionReview(ctx, id, review); err != nil {
		return nil, err
	}
	mission, err := s.repo.GetMission(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publishMissionEvent(ctx, events.MissionUpdated, mission, nil)
	return mission, nil
}

// DeleteMission removes a mission with its chat and dependency edges,
// detaching children.
func (s *Service) DeleteMission(ctx context.Context, id string) error {
	if err := s.repo.DeleteMission(ctx, id); err != nil {
		return err
	}

	s.publishMissionDeleted(ctx, id)
	s.logger.Info("mission deleted", zap.String("mission_id", id))
	return nil
}

// Dependency operations

// AddMissionDependency records that missionID waits on dependsOnID,
// rejecting edges that would create a cycle.
func (s *Service) AddMissionDependency(ctx context.Context, missionID, dependsOnID string) error {
	if _, err := s.repo.GetMission(ctx, missionID); err != nil {
		return err
	}
	if _, err := s.repo.GetMission(ctx, dependsOnID); err != nil {
		return err
	}
	if err := s.ensureNoDependencyCycle(ctx, missionID, dependsOnID); err != nil {
		return err
	}
	return s.repo.AddMissionDependency(ctx, missionID, dependsOnID)
}

// RemoveMissionDependency deletes one dependency edge.
func (s *Service) RemoveMissionDependency(ctx context.Context, missionID, dependsOnID string) error {
	return s.repo.RemoveMissionDependency(ctx, missionID, dependsOnID)
}

// ListMissionDependencies returns the IDs a mission waits on.
func (s *Service) ListMissionDependencies(ctx context.Context, missionID string) ([]string, error) {
	return s.repo.ListMissionDependencies(ctx, missionID)
}

// ensureNoParentCycle walks up from the candidate parent; finding the
// mission itself on that path means the re-parent would close a loop.
func (s *Service) ensureNoParentCycle(ctx context.Context, missionID, parentID string) error {
	seen := 0
	for current := parentID; current != ""; {
		if current == missionID {
			return &models.InvariantViolationError{
				Entity: "mission " + missionID,
				Reason: fmt.Sprintf("parent %s would create a cycle", parentID),
			}
		}
		seen++
		if seen > maxParentDepth {
			return &models.InvariantViolationError{
				Entity: "mission " + missionID,
				Reason: "parent chain too deep",
			}
		}
		parent, err := s.repo.GetMission(ctx, current)
		if err != nil {
			return fmt.Errorf("parent %s: %w", current, err)
		}
		current = parent.ParentID
	}
	return nil
}

// ensureNoDependencyCycle rejects a new edge mission -> dependsOn when
// dependsOn already (transitively) waits on mission.
func (s *Service) ensureNoDependencyCycle(ctx context.Context, missionID, dependsOnID string) error {
	visited := map[string]bool{}
	stack := []string{dependsOnID}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if current == missionID {
			return &models.InvariantViolationError{
				Entity: "mission " + missionID,
				Reason: fmt.Sprintf("dependency on %s would create a cycle", dependsOnID),
			}
		}
		if visited[current] {
			continue
		}
		visited[current] = true

		deps, err := s.repo.ListMissionDependencies(ctx, current)
		if err != nil {
			return err
		}
		stack = append(stack, deps...)
	}
	return nil
}
