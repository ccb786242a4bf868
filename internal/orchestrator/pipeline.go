package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/clawdeck/clawdeck/internal/mission/models"
	missionsvc "github.com/clawdeck/clawdeck/internal/mission/service"
	"github.com/clawdeck/clawdeck/internal/orchestrator/planner"
)

// runTask is the worker body. It is the only writer of pipeline status
// besides CancelTask, and the only caller of the completion callback.
func (s *Service) runTask(ctx context.Context, taskID string, opts SubmitOptions) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.task")
	defer span.End()

	if s.planStage(ctx, taskID) {
		s.executeStage(ctx, taskID)
		s.synthesizeStage(ctx, taskID)
	}
	s.finalize(ctx, taskID, opts)
}

// planStage turns the description into a subtask DAG and mirrors the parent
// mission to Active. Returns false when the pipeline cannot continue.
func (s *Service) planStage(ctx context.Context, taskID string) bool {
	task := s.snapshot(taskID)
	if task == nil || task.Status.Terminal() {
		return false
	}
	ctx, span := s.tracer.Start(ctx, "orchestrator.plan")
	defer span.End()

	started := time.Now().UTC()
	if !s.mutate(taskID, func(t *Task) {
		t.Status = TaskPlanning
		t.StartedAt = &started
	}) {
		return false
	}
	s.appendLog(taskID, "info", "planning started")

	// The mission moves onto the board as soon as the worker picks the
	// task up. Activating only after planning would leave a failed plan
	// with no legal Queue exit.
	if task.MissionID != "" {
		s.activateMission(ctx, task.MissionID)
	}

	var fileTree string
	if s.cfg.WorkspaceDir != "" {
		fileTree = planner.BuildFileTree(s.cfg.WorkspaceDir)
	}

	plan, err := s.planner.Plan(ctx, task.Description, fileTree)
	if err != nil {
		s.failTask(taskID, fmt.Sprintf("planning failed: %v", err))
		return false
	}

	subtasks := make([]*Subtask, 0, len(plan.Subtasks))
	for _, st := range plan.Subtasks {
		subtasks = append(subtasks, &Subtask{
			ID:          st.ID,
			Description: st.Description,
			AgentType:   st.AgentType,
			DependsOn:   append([]string(nil), st.DependsOn...),
			Status:      SubtaskPending,
		})
	}
	if !s.mutate(taskID, func(t *Task) {
		t.Analysis = plan.Analysis
		t.Subtasks = subtasks
	}) {
		return false
	}
	s.appendLog(taskID, "info", fmt.Sprintf("plan ready: %d subtasks", len(subtasks)))

	if task.MissionID != "" {
		s.storePlan(ctx, task.MissionID, plan)
		s.chat.System(ctx, task.MissionID, fmt.Sprintf("Planning complete: %d subtasks", len(subtasks)))
	}
	return true
}

// activateMission moves the parent mission onto the board. Best effort;
// the pipeline does not stop for a mission that is already Active.
func (s *Service) activateMission(ctx context.Context, missionID string) {
	if _, err := s.missions.UpdateMissionStatus(ctx, missionID, models.MissionStatusActive); err != nil {
		s.logger.Warn("mission activation skipped",
			zap.String("mission_id", missionID), zap.Error(err))
	}
}

// storePlan mirrors the plan onto the parent mission.
func (s *Service) storePlan(ctx context.Context, missionID string, plan *planner.Plan) {
	raw, err := json.Marshal(plan)
	if err != nil {
		return
	}
	planJSON := string(raw)
	if _, err := s.missions.UpdateMission(ctx, missionID, &missionsvc.UpdateMissionRequest{PlanJSON: &planJSON}); err != nil {
		s.logger.Warn("plan mirror failed",
			zap.String("mission_id", missionID), zap.Error(err))
	}
}

// executeStage drains the DAG in waves: every subtask whose dependencies
// are complete runs in parallel, then the ready set is recomputed. A failed
// dependency fails its dependants without dispatching them.
func (s *Service) executeStage(ctx context.Context, taskID string) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.execute")
	defer span.End()

	if !s.setStatus(taskID, TaskExecuting) {
		return
	}

	for ctx.Err() == nil {
		ready, skipped := s.nextWave(taskID)
		for _, id := range skipped {
			s.appendLog(taskID, "warn", fmt.Sprintf("subtask %s skipped: dependency failed", id))
			if task := s.snapshot(taskID); task != nil && task.MissionID != "" {
				s.chat.System(ctx, task.MissionID, fmt.Sprintf("Subtask %s skipped: a dependency failed", id))
			}
		}
		if len(ready) == 0 {
			return
		}

		// The cap keeps a large plan from opening one gateway exchange
		// per subtask at once. Failures land on the subtasks themselves,
		// so the group never aborts a wave early.
		limit := s.cfg.MaxParallel
		if limit <= 0 {
			limit = -1
		}
		var g errgroup.Group
		g.SetLimit(limit)
		for _, subtaskID := range ready {
			g.Go(func() error {
				s.runSubtask(ctx, taskID, subtaskID)
				return nil
			})
		}
		_ = g.Wait()
	}
}

// nextWave collects, in plan order, the pending subtasks whose dependencies
// have all completed. Pending subtasks downstream of a failure are marked
// failed here, cascading until stable, and returned as skipped.
func (s *Service) nextWave(taskID string) (ready, skipped []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok || task.Status.Terminal() {
		return nil, nil
	}

	status := make(map[string]SubtaskStatus, len(task.Subtasks))
	for _, st := range task.Subtasks {
		status[st.ID] = st.Status
	}

	for changed := true; changed; {
		changed = false
		for _, st := range task.Subtasks {
			if st.Status != SubtaskPending {
				continue
			}
			for _, dep := range st.DependsOn {
				if status[dep] != SubtaskFailed {
					continue
				}
				now := time.Now().UTC()
				st.Status = SubtaskFailed
				st.Error = fmt.Sprintf("dependency %s failed", dep)
				st.CompletedAt = &now
				status[st.ID] = SubtaskFailed
				skipped = append(skipped, st.ID)
				changed = true
				break
			}
		}
	}

	for _, st := range task.Subtasks {
		if st.Status != SubtaskPending {
			continue
		}
		dispatchable := true
		for _, dep := range st.DependsOn {
			if status[dep] != SubtaskCompleted {
				dispatchable = false
				break
			}
		}
		if dispatchable {
			ready = append(ready, st.ID)
		}
	}
	return ready, skipped
}

// finalize settles the terminal status, mirrors it to the parent mission
// and fires the completion callback. Mirrors run on an uncancelled context
// so a cancelled task still leaves the board consistent.
func (s *Service) finalize(ctx context.Context, taskID string, opts SubmitOptions) {
	now := time.Now().UTC()

	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if !task.Status.Terminal() {
		failed := 0
		for _, st := range task.Subtasks {
			if st.Status == SubtaskFailed {
				failed++
			}
		}
		switch {
		case len(task.Subtasks) > 0 && failed == len(task.Subtasks):
			task.Status = TaskFailed
			task.Error = "all subtasks failed"
		case ctx.Err() != nil && task.FinalResult == "":
			// Interrupted before synthesis could land a result.
			task.Status = TaskFailed
			task.Error = "cancelled"
			for _, st := range task.Subtasks {
				if !st.Status.Terminal() {
					st.Status = SubtaskFailed
					st.Error = "cancelled"
					st.CompletedAt = &now
				}
			}
		default:
			task.Status = TaskCompleted
		}
		task.CompletedAt = &now
		task.Logs = append(task.Logs, LogEntry{Time: now, Level: "info", Message: fmt.Sprintf("task %s", task.Status)})
	}
	final := task.clone()
	s.mu.Unlock()

	mirrorCtx := context.WithoutCancel(ctx)
	if final.MissionID != "" {
		target := models.MissionStatusCompleted
		if final.Status == TaskFailed {
			target = models.MissionStatusFailed
		}
		if _, err := s.missions.UpdateMissionStatus(mirrorCtx, final.MissionID, target); err != nil {
			s.logger.Warn("mission finalize mirror failed",
				zap.String("mission_id", final.MissionID), zap.Error(err))
		}
		if final.Status == TaskFailed {
			s.chat.System(mirrorCtx, final.MissionID, fmt.Sprintf("Task failed: %s", final.Error))
		}
	}

	s.logger.Info("task finished",
		zap.String("task_id", final.ID),
		zap.String("status", string(final.Status)),
		zap.Int("subtasks", len(final.Subtasks)))

	if opts.OnComplete != nil {
		opts.OnComplete(final)
	}
}

// snapshot returns a clone of the live task, or nil if unknown.
func (s *Service) snapshot(taskID string) *Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil
	}
	return task.clone()
}

// mutate runs fn on the live task under the write lock. It reports false
// when the task is gone or already terminal; a cancelled task stays exactly
// as the canceller left it.
func (s *Service) mutate(taskID string, fn func(*Task)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok || task.Status.Terminal() {
		return false
	}
	fn(task)
	return true
}

// mutateSubtask is mutate scoped to one subtask.
func (s *Service) mutateSubtask(taskID, subtaskID string, fn func(*Subtask)) bool {
	return s.mutate(taskID, func(t *Task) {
		if st := t.subtask(subtaskID); st != nil {
			fn(st)
		}
	})
}

func (s *Service) setStatus(taskID string, status TaskStatus) bool {
	return s.mutate(taskID, func(t *Task) { t.Status = status })
}

// failTask marks the task failed now. No-op when already terminal.
func (s *Service) failTask(taskID, reason string) {
	now := time.Now().UTC()
	s.mutate(taskID, func(t *Task) {
		t.Status = TaskFailed
		t.Error = reason
		t.CompletedAt = &now
		t.Logs = append(t.Logs, LogEntry{Time: now, Level: "error", Message: reason})
	})
}

// appendLog records a progress line on the task and echoes it to the
// service log.
func (s *Service) appendLog(taskID, level, message string) {
	s.mutate(taskID, func(t *Task) {
		t.Logs = append(t.Logs, LogEntry{Time: time.Now().UTC(), Level: level, Message: message})
	})
	switch level {
	case "error":
		s.logger.Error(message, zap.String("task_id", taskID))
	case "warn":
		s.logger.Warn(message, zap.String("task_id", taskID))
	default:
		s.logger.Debug(message, zap.String("task_id", taskID))
	}
}
