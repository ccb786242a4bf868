package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/config"
	"github.com/clawdeck/clawdeck/internal/common/stringutil"
	"github.com/clawdeck/clawdeck/internal/gateway"
	"github.com/clawdeck/clawdeck/internal/llm"
	"github.com/clawdeck/clawdeck/internal/mission/models"
	missionsvc "github.com/clawdeck/clawdeck/internal/mission/service"
	"github.com/clawdeck/clawdeck/internal/orchestrator/planner"
)

// runSubtask runs one subtask end to end: mirror records, dispatch, result
// bookkeeping, review. Siblings run concurrently; all shared state goes
// through the locked mutators.
func (s *Service) runSubtask(ctx context.Context, taskID, subtaskID string) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.subtask")
	defer span.End()

	task := s.snapshot(taskID)
	if task == nil {
		return
	}
	st := task.subtask(subtaskID)
	if st == nil || st.Status != SubtaskPending {
		return
	}

	tmpl, ok := planner.TemplateByName(st.AgentType)
	if !ok {
		tmpl, _ = planner.TemplateByName(planner.DefaultAgentType)
	}

	started := time.Now().UTC()
	if !s.mutateSubtask(taskID, subtaskID, func(sub *Subtask) {
		sub.Status = SubtaskCreatingAgent
		sub.StartedAt = &started
	}) {
		return
	}

	missionID, agentID := s.mirrorSubtaskStart(ctx, task, st, tmpl)
	s.mutateSubtask(taskID, subtaskID, func(sub *Subtask) {
		sub.MissionID = missionID
		sub.AgentID = agentID
		sub.Status = SubtaskExecuting
	})
	s.appendLog(taskID, "info", fmt.Sprintf("subtask %s dispatched as %s", subtaskID, st.AgentType))

	result, err := s.dispatch(ctx, task, st, tmpl)
	if err != nil && ctx.Err() != nil {
		// Cancelled mid-flight. Drop the partial outcome; the canceller
		// already settled the task.
		return
	}

	done := time.Now().UTC()
	if err != nil {
		s.mutateSubtask(taskID, subtaskID, func(sub *Subtask) {
			sub.Status = SubtaskFailed
			sub.Error = err.Error()
			sub.CompletedAt = &done
		})
		s.appendLog(taskID, "error", fmt.Sprintf("subtask %s failed: %v", subtaskID, err))
		s.mirrorSubtaskEnd(ctx, missionID, agentID, false)
		if task.MissionID != "" {
			s.chat.System(ctx, task.MissionID, fmt.Sprintf("Subtask %s failed: %v", subtaskID, err))
		}
		return
	}

	s.mutateSubtask(taskID, subtaskID, func(sub *Subtask) {
		sub.Status = SubtaskCompleted
		sub.Result = result
		sub.CompletedAt = &done
	})
	s.appendLog(taskID, "info", fmt.Sprintf("subtask %s completed", subtaskID))
	s.mirrorSubtaskEnd(ctx, missionID, agentID, true)
	if task.MissionID != "" {
		s.chat.System(ctx, task.MissionID, fmt.Sprintf("Subtask %s completed", subtaskID))
	}

	s.reviewSubtask(ctx, task, st, result, missionID)
}

// dispatch sends the subtask to the remote agent over the deployment's
// gateway. When no gateway can take it, the expert template runs as a
// direct LLM call instead.
func (s *Service) dispatch(ctx context.Context, task *Task, st *Subtask, tmpl planner.Template) (string, error) {
	if s.gateway != nil && task.MasterDeploymentID != "" {
		sessionKey := fmt.Sprintf("orchestrator:%s:%s", task.ID, st.ID)
		result, err := s.gateway.SendAndWait(ctx, task.MasterDeploymentID, sessionKey, buildSubtaskMessage(tmpl, st.Description))
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil || !fallbackEligible(err) {
			return "", err
		}
		s.appendLog(task.ID, "warn", fmt.Sprintf("subtask %s: gateway unavailable, falling back to llm", st.ID))
	}
	if s.llm == nil {
		return "", errors.New("no dispatch path available")
	}
	return s.llm.Chat(ctx, s.model, []llm.Message{
		{Role: llm.RoleSystem, Content: tmpl.SystemPrompt},
		{Role: llm.RoleUser, Content: st.Description},
	}, llm.ChatOptions{})
}

// fallbackEligible reports whether a gateway failure should be retried as
// a direct LLM call. A run the remote agent accepted and then failed is
// not retried; only unreachable or unresponsive gateways are.
func fallbackEligible(err error) bool {
	return errors.Is(err, gateway.ErrNotConnected) || errors.Is(err, gateway.ErrTimeout)
}

// buildSubtaskMessage prefixes the expert profile to the subtask so the
// remote agent adopts the role for this exchange.
func buildSubtaskMessage(tmpl planner.Template, description string) string {
	return fmt.Sprintf("Act as the expert described below for this task.\n\n%s\n\nTask:\n%s", tmpl.SystemPrompt, description)
}

// mirrorSubtaskStart creates the child mission and sub-agent records that
// track this subtask on the board. Mirror trouble is logged, never fatal;
// the subtask executes regardless.
func (s *Service) mirrorSubtaskStart(ctx context.Context, task *Task, st *Subtask, tmpl planner.Template) (missionID, agentID string) {
	if task.MissionID == "" {
		return "", ""
	}

	var parentAgentID string
	if master, err := s.missions.GetMasterAgent(ctx); err == nil && master != nil {
		parentAgentID = master.ID
	}

	agent, err := s.missions.CreateAgent(ctx, &missionsvc.CreateAgentRequest{
		Name:          tmpl.Role,
		Type:          models.AgentTypeSub,
		ParentAgentID: parentAgentID,
		Model:         s.model,
		SystemPrompt:  tmpl.SystemPrompt,
		DeploymentID:  task.MasterDeploymentID,
		Status:        models.AgentStatusBusy,
	})
	if err != nil {
		s.logger.Warn("sub-agent mirror failed",
			zap.String("subtask_id", st.ID), zap.Error(err))
	} else {
		agentID = agent.ID
		if _, err := s.missions.UpdateAgentStatus(ctx, agentID, models.AgentStatusBusy, st.Description); err != nil {
			s.logger.Warn("sub-agent task label failed",
				zap.String("agent_id", agentID), zap.Error(err))
		}
	}

	mission, err := s.missions.CreateMission(ctx, &missionsvc.CreateMissionRequest{
		Title:       fmt.Sprintf("%s: %s", tmpl.Role, stringutil.Ellipsize(st.Description, 80)),
		Description: st.Description,
		ParentID:    task.MissionID,
		AgentID:     agentID,
		Source:      models.SourceOrchestrate,
	})
	if err != nil {
		s.logger.Warn("child mission mirror failed",
			zap.String("subtask_id", st.ID), zap.Error(err))
		return "", agentID
	}
	missionID = mission.ID

	for _, depMissionID := range s.depMissionIDs(task.ID, st.DependsOn) {
		if err := s.missions.AddMissionDependency(ctx, missionID, depMissionID); err != nil {
			s.logger.Warn("mission dependency mirror failed",
				zap.String("mission_id", missionID), zap.Error(err))
		}
	}

	if _, err := s.missions.UpdateMissionStatus(ctx, missionID, models.MissionStatusActive); err != nil {
		s.logger.Warn("child mission activation failed",
			zap.String("mission_id", missionID), zap.Error(err))
	}
	return missionID, agentID
}

// mirrorSubtaskEnd settles the child mission and sub-agent records.
func (s *Service) mirrorSubtaskEnd(ctx context.Context, missionID, agentID string, completed bool) {
	missionStatus, agentStatus := models.MissionStatusCompleted, models.AgentStatusCompleted
	if !completed {
		missionStatus, agentStatus = models.MissionStatusFailed, models.AgentStatusFailed
	}
	if missionID != "" {
		if _, err := s.missions.UpdateMissionStatus(ctx, missionID, missionStatus); err != nil {
			s.logger.Warn("child mission finalize failed",
				zap.String("mission_id", missionID), zap.Error(err))
		}
	}
	if agentID != "" {
		if _, err := s.missions.UpdateAgentStatus(ctx, agentID, agentStatus, ""); err != nil {
			s.logger.Warn("sub-agent finalize failed",
				zap.String("agent_id", agentID), zap.Error(err))
		}
	}
}

// depMissionIDs maps completed dependency subtasks to their child mission
// ids. Dependencies always finish before their dependants dispatch, so any
// mirrored dependency already carries its mission id.
func (s *Service) depMissionIDs(taskID string, deps []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil
	}
	var out []string
	for _, dep := range deps {
		if st := task.subtask(dep); st != nil && st.MissionID != "" {
			out = append(out, st.MissionID)
		}
	}
	return out
}

// PoolSender is the production GatewaySender: it leases a client from the
// pool and runs the send-and-poll exchange on it.
type PoolSender struct {
	pool     *gateway.Pool
	poll     gateway.ChatPollConfig
	exchange time.Duration
}

// NewPoolSender adapts a gateway pool to the orchestrator's dispatch
// interface. The configured poll cap bounds the reply wait; together with
// the send timeout it bounds the whole exchange.
func NewPoolSender(pool *gateway.Pool, cfg config.OrchestratorConfig) *PoolSender {
	s := &PoolSender{pool: pool}
	if cfg.PollCap > 0 {
		s.poll.Budget = time.Duration(cfg.PollCap) * time.Second
	}
	if cfg.ChatSendTimeout > 0 {
		s.exchange = time.Duration(cfg.ChatSendTimeout)*time.Second + s.poll.Budget
	}
	return s
}

// SendAndWait implements GatewaySender. Pool acquisition failures surface
// as ErrNotConnected so callers treat them like any unreachable gateway.
func (p *PoolSender) SendAndWait(ctx context.Context, deploymentID, sessionKey, content string) (string, error) {
	if p.exchange > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.exchange)
		defer cancel()
	}
	client, err := p.pool.Get(ctx, deploymentID)
	if err != nil {
		return "", fmt.Errorf("acquire gateway for %s: %v: %w", deploymentID, err, gateway.ErrNotConnected)
	}
	defer p.pool.Release(deploymentID)
	return client.SendAndWaitWith(ctx, sessionKey, content, p.poll)
}
