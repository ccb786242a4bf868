package mention

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/gateway"
	"github.com/clawdeck/clawdeck/internal/mission/models"
)

// monitorState carries everything the completion monitor needs once
// HandleMention has returned.
type monitorState struct {
	MissionID     string
	DeploymentID  string
	SessionKey    string
	ChildMissions []string
	ChildAgents   []string
	ChildSessions []string
	BaselineLLM   int
	Interval      time.Duration
	Deadline      time.Time
}

// monitor watches the run until it goes quiet or the deadline passes.
//
// A poll counts model output across the parent and child sessions. Growth
// resets the quiet streak and bumps the session's last-active mark; a
// quiet streak of cfg.QuietPolls completes the run. Past the deadline the
// run is failed instead. Either way every child record and the parent
// mission are settled exactly once.
func (s *Service) monitor(ctx context.Context, state monitorState) {
	interval := state.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	quietLimit := s.cfg.QuietPolls
	if quietLimit <= 0 {
		quietLimit = 2
	}

	s.logger.Info("completion monitor started",
		zap.String("mission_id", state.MissionID),
		zap.String("session_key", state.SessionKey),
		zap.Int("child_sessions", len(state.ChildSessions)))

	lastCount := state.BaselineLLM
	quiet := 0
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("completion monitor stopped", zap.String("mission_id", state.MissionID))
			return
		case <-ticker.C:
		}

		if !state.Deadline.IsZero() && time.Now().After(state.Deadline) {
			s.settleRun(ctx, state, false)
			return
		}

		count, ok := s.activitySweep(ctx, state)
		if !ok {
			// History unavailable. The deadline keeps ticking, so a dead
			// gateway still fails the run eventually.
			continue
		}
		if count > lastCount {
			lastCount = count
			quiet = 0
			s.touchSession(ctx, state)
			continue
		}
		quiet++
		if quiet >= quietLimit {
			s.settleRun(ctx, state, true)
			return
		}
	}
}

// activitySweep counts model output across the parent and child sessions.
// Child histories that fail to load count as zero; only a failed parent
// read voids the poll.
func (s *Service) activitySweep(ctx context.Context, state monitorState) (int, bool) {
	history, err := s.gateway.History(ctx, state.DeploymentID, state.SessionKey)
	if err != nil {
		s.logger.Debug("monitor poll failed", zap.String("session_key", state.SessionKey), zap.Error(err))
		return 0, false
	}
	total := llmMessageCount(history)
	for _, child := range state.ChildSessions {
		childHistory, err := s.gateway.History(ctx, state.DeploymentID, child)
		if err != nil {
			s.logger.Debug("monitor child poll failed", zap.String("session_key", child), zap.Error(err))
			continue
		}
		total += llmMessageCount(childHistory)
	}
	return total, true
}

// llmMessageCount counts history entries that carry a model and non-empty
// text, the monitor's definition of the model having said something.
func llmMessageCount(history []gateway.ChatMessage) int {
	n := 0
	for i := range history {
		if history[i].Model != "" && history[i].Text() != "" {
			n++
		}
	}
	return n
}

func (s *Service) touchSession(ctx context.Context, state monitorState) {
	if s.sessions == nil {
		return
	}
	if err := s.sessions.TouchChatSession(ctx, state.DeploymentID, state.SessionKey); err != nil {
		s.logger.Debug("session touch failed", zap.String("session_key", state.SessionKey), zap.Error(err))
	}
}

// settleRun closes out every record the mention opened.
func (s *Service) settleRun(ctx context.Context, state monitorState, completed bool) {
	// Closing writes must land even when the service is shutting down.
	ctx = context.WithoutCancel(ctx)

	missionStatus, agentStatus := models.MissionStatusCompleted, models.AgentStatusCompleted
	if !completed {
		missionStatus, agentStatus = models.MissionStatusFailed, models.AgentStatusFailed
	}
	for _, id := range state.ChildMissions {
		if _, err := s.missions.UpdateMissionStatus(ctx, id, missionStatus); err != nil {
			s.logger.Warn("child mission settle failed", zap.String("mission_id", id), zap.Error(err))
		}
	}
	for _, id := range state.ChildAgents {
		if _, err := s.missions.UpdateAgentStatus(ctx, id, agentStatus, ""); err != nil {
			s.logger.Warn("child agent settle failed", zap.String("agent_id", id), zap.Error(err))
		}
	}
	if _, err := s.missions.UpdateMissionStatus(ctx, state.MissionID, missionStatus); err != nil {
		s.logger.Warn("mission settle failed", zap.String("mission_id", state.MissionID), zap.Error(err))
	}

	notice := fmt.Sprintf("Mention run %s complete; workers went quiet.", state.MissionID)
	if completed {
		s.chat.System(ctx, state.MissionID, "All workers went quiet; marking the run complete.")
	} else {
		s.chat.System(ctx, state.MissionID, fmt.Sprintf("Run exceeded the %s monitor cap; marking remaining work failed.", s.cfg.MonitorCapDuration()))
		notice = fmt.Sprintf("Mention run %s failed: %s monitor cap reached.", state.MissionID, s.cfg.MonitorCapDuration())
	}
	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, notice); err != nil {
			s.logger.Warn("completion notice failed", zap.String("mission_id", state.MissionID), zap.Error(err))
		}
	}
	s.logger.Info("completion monitor settled",
		zap.String("mission_id", state.MissionID),
		zap.Bool("completed", completed))
}
