// Package mention turns @Jason chat mentions into gateway conversations.
//
// A mention strips down to a task, opens a mission, and goes to the master
// agent's session on the Gateway. The reply comes straight back to the
// caller; everything the remote agent spawned afterwards is reconstructed
// from session history and announcement text, mirrored into the mission
// store, and watched by a background monitor until the run goes quiet.
package mention

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/config"
	"github.com/clawdeck/clawdeck/internal/common/logger"
	"github.com/clawdeck/clawdeck/internal/common/stringutil"
	"github.com/clawdeck/clawdeck/internal/common/tracing"
	"github.com/clawdeck/clawdeck/internal/gateway"
	"github.com/clawdeck/clawdeck/internal/mission/models"
	missionsvc "github.com/clawdeck/clawdeck/internal/mission/service"
	"github.com/clawdeck/clawdeck/internal/orchestrator/planner"
)

// ErrEmptyTask is returned when a mention carries no task text.
var ErrEmptyTask = errors.New("mention carries no task")

// MasterSessionKey is the gateway session the master agent lives in.
// Requests that do not name a session land here.
const MasterSessionKey = "agent:main:main"

var mentionRe = regexp.MustCompile(`(?i)(?:^|\s)@jason\b`)

// IsMention reports whether the message addresses Jason as a standalone
// token. Substrings of longer handles or email addresses do not count.
func IsMention(message string) bool {
	return mentionRe.MatchString(message)
}

// StripMention removes the mention tokens and collapses the whitespace
// left behind.
func StripMention(message string) string {
	cleaned := mentionRe.ReplaceAllString(message, " ")
	return strings.Join(strings.Fields(cleaned), " ")
}

// Gateway is the slice of the gateway client pool the mention flow uses.
type Gateway interface {
	SendAndWait(ctx context.Context, deploymentID, sessionKey, content string) (string, error)
	History(ctx context.Context, deploymentID, sessionKey string) ([]gateway.ChatMessage, error)
}

// MissionStore is the slice of the mission service the mention flow uses.
type MissionStore interface {
	CreateMission(ctx context.Context, req *missionsvc.CreateMissionRequest) (*models.Mission, error)
	UpdateMissionStatus(ctx context.Context, id string, status models.MissionStatus) (*models.Mission, error)
	CreateAgent(ctx context.Context, req *missionsvc.CreateAgentRequest) (*models.Agent, error)
	UpdateAgentStatus(ctx context.Context, id string, status models.AgentStatus, currentTask string) (*models.Agent, error)
	GetMasterAgent(ctx context.Context) (*models.Agent, error)
}

// SessionStore records which gateway sessions the control plane has
// touched, so they can be listed and resumed later.
type SessionStore interface {
	UpsertChatSession(ctx context.Context, session *models.ChatSession) error
	TouchChatSession(ctx context.Context, deploymentID, sessionKey string) error
}

// TeamChat receives the human-readable narration of the run.
type TeamChat interface {
	System(ctx context.Context, missionID, content string)
	FromAgent(ctx context.Context, missionID, agentName, content string) (*models.ChatMessage, error)
	FromUser(ctx context.Context, missionID, sender, content string) (*models.ChatMessage, error)
}

// Notifier receives out-of-band notices when a monitored run settles.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Request is one mention to handle. Message is the raw chat text,
// mention token included.
type Request struct {
	Message      string
	Sender       string
	DeploymentID string
	SessionKey   string
	Source       models.MissionSource
}

// Result is what the caller relays back to the human.
type Result struct {
	MissionID string
	Reply     string
	Workers   []Worker
}

// Service handles mentions and runs their completion monitors.
type Service struct {
	cfg      config.MentionConfig
	logger   *logger.Logger
	gateway  Gateway
	missions MissionStore
	sessions SessionStore
	chat     TeamChat
	notifier Notifier
	tracer   trace.Tracer

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup
}

// NewService wires a mention handler. sessions may be nil when session
// bookkeeping is not wanted.
func NewService(cfg config.MentionConfig, gw Gateway, missions MissionStore, sessions SessionStore, chat TeamChat, log *logger.Logger) *Service {
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "mention")),
		gateway:    gw,
		missions:   missions,
		sessions:   sessions,
		chat:       chat,
		tracer:     tracing.Tracer("mention"),
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}
}

// SetNotifier attaches an out-of-band notifier for settled runs. Attach
// before handling mentions; monitors read it without locking.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// Shutdown stops all completion monitors and waits for them to exit.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancelBase()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleMention runs the full mention flow: create the mission, relay the
// task to the master agent, mirror whatever it spawned, and leave a
// monitor behind. The returned reply is the master agent's first answer.
func (s *Service) HandleMention(ctx context.Context, req Request) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "mention.handle")
	defer span.End()

	task := StripMention(req.Message)
	if task == "" {
		return nil, ErrEmptyTask
	}
	sender := req.Sender
	if sender == "" {
		sender = "user"
	}
	if req.SessionKey == "" {
		req.SessionKey = MasterSessionKey
	}

	mission, err := s.missions.CreateMission(ctx, &missionsvc.CreateMissionRequest{
		Title:       stringutil.Ellipsize(task, 80),
		Description: task,
		Source:      req.Source,
	})
	if err != nil {
		return nil, fmt.Errorf("create mission: %w", err)
	}
	s.logger.Info("mention accepted",
		zap.String("mission_id", mission.ID),
		zap.String("deployment_id", req.DeploymentID),
		zap.String("session_key", req.SessionKey))

	if _, err := s.chat.FromUser(ctx, mission.ID, sender, task); err != nil {
		s.logger.Warn("task chat post failed", zap.String("mission_id", mission.ID), zap.Error(err))
	}

	// One history read before sending fixes the spawn baseline. Spawns
	// already sitting in the session belong to earlier exchanges and must
	// not be attributed to this mention.
	baseline := 0
	if history, err := s.gateway.History(ctx, req.DeploymentID, req.SessionKey); err == nil {
		baseline = len(spawnsIn(history))
	} else {
		s.logger.Debug("baseline history read failed", zap.String("session_key", req.SessionKey), zap.Error(err))
	}

	outbound := task
	if planner.IsComplex(task) {
		outbound = planner.WrapDelegation(task)
	}

	reply, err := s.gateway.SendAndWait(ctx, req.DeploymentID, req.SessionKey, outbound)
	if err != nil {
		s.failMission(ctx, mission.ID, fmt.Sprintf("Gateway send failed: %v", err))
		return nil, fmt.Errorf("send mention to %s: %w", req.SessionKey, err)
	}

	if _, err := s.chat.FromAgent(ctx, mission.ID, "Jason", reply); err != nil {
		s.logger.Warn("reply chat post failed", zap.String("mission_id", mission.ID), zap.Error(err))
	}
	s.recordSession(ctx, req.DeploymentID, req.SessionKey, task)

	var post []gateway.ChatMessage
	if history, err := s.gateway.History(ctx, req.DeploymentID, req.SessionKey); err == nil {
		post = history
	} else {
		s.logger.Warn("post-send history read failed", zap.String("session_key", req.SessionKey), zap.Error(err))
	}
	spawns := spawnsIn(post)
	if len(spawns) > baseline {
		spawns = spawns[baseline:]
	} else {
		spawns = nil
	}
	workers := combineWorkers(spawns, workersFromText(reply))

	state := monitorState{
		MissionID:    mission.ID,
		DeploymentID: req.DeploymentID,
		SessionKey:   req.SessionKey,
		BaselineLLM:  llmMessageCount(post),
		Interval:     s.cfg.MonitorIntervalDuration(),
		Deadline:     time.Now().Add(s.cfg.MonitorCapDuration()),
	}
	masterID := ""
	if master, err := s.missions.GetMasterAgent(ctx); err == nil && master != nil {
		masterID = master.ID
	}
	for _, w := range workers {
		childMission, childAgent := s.mirrorWorker(ctx, mission.ID, masterID, req.DeploymentID, req.Source, w)
		if childMission != "" {
			state.ChildMissions = append(state.ChildMissions, childMission)
		}
		if childAgent != "" {
			state.ChildAgents = append(state.ChildAgents, childAgent)
		}
		if w.SessionKey != "" {
			state.ChildSessions = append(state.ChildSessions, w.SessionKey)
			s.recordSession(ctx, req.DeploymentID, w.SessionKey, w.Name)
		}
	}

	if _, err := s.missions.UpdateMissionStatus(ctx, mission.ID, models.MissionStatusActive); err != nil {
		s.logger.Warn("mission activation failed", zap.String("mission_id", mission.ID), zap.Error(err))
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitor(s.baseCtx, state)
	}()

	return &Result{MissionID: mission.ID, Reply: reply, Workers: workers}, nil
}

// failMission walks a freshly created mission to failed. Queue has no
// direct exit to failed, so it passes through active.
func (s *Service) failMission(ctx context.Context, missionID, reason string) {
	if _, err := s.missions.UpdateMissionStatus(ctx, missionID, models.MissionStatusActive); err != nil {
		s.logger.Warn("mission activation failed", zap.String("mission_id", missionID), zap.Error(err))
	}
	if _, err := s.missions.UpdateMissionStatus(ctx, missionID, models.MissionStatusFailed); err != nil {
		s.logger.Warn("mission failure mark failed", zap.String("mission_id", missionID), zap.Error(err))
	}
	s.chat.System(ctx, missionID, reason)
}

// mirrorWorker creates the active sub-mission and busy sub-agent for one
// extracted worker. Mirror failures are logged and tolerated; the remote
// run does not depend on our bookkeeping.
func (s *Service) mirrorWorker(ctx context.Context, parentMissionID, masterID, deploymentID string, source models.MissionSource, w Worker) (missionID, agentID string) {
	agent, err := s.missions.CreateAgent(ctx, &missionsvc.CreateAgentRequest{
		Name:          w.Name,
		Type:          models.AgentTypeSub,
		ParentAgentID: masterID,
		DeploymentID:  deploymentID,
		Status:        models.AgentStatusBusy,
	})
	if err != nil {
		s.logger.Warn("worker agent mirror failed", zap.String("worker", w.Name), zap.Error(err))
	} else {
		agentID = agent.ID
		if w.Description != "" {
			if _, err := s.missions.UpdateAgentStatus(ctx, agentID, models.AgentStatusBusy, w.Description); err != nil {
				s.logger.Warn("worker task label failed", zap.String("agent_id", agentID), zap.Error(err))
			}
		}
	}

	short := w.Name
	if w.Description != "" {
		short = stringutil.Ellipsize(w.Description, 60)
	}
	mission, err := s.missions.CreateMission(ctx, &missionsvc.CreateMissionRequest{
		Title:       fmt.Sprintf("%s: %s", w.Name, short),
		Description: w.Description,
		ParentID:    parentMissionID,
		AgentID:     agentID,
		Source:      source,
	})
	if err != nil {
		s.logger.Warn("worker mission mirror failed", zap.String("worker", w.Name), zap.Error(err))
		return "", agentID
	}
	missionID = mission.ID
	if _, err := s.missions.UpdateMissionStatus(ctx, missionID, models.MissionStatusActive); err != nil {
		s.logger.Warn("worker mission activation failed", zap.String("mission_id", missionID), zap.Error(err))
	}
	return missionID, agentID
}

// recordSession upserts the chat_sessions row for a session this flow
// touched.
func (s *Service) recordSession(ctx context.Context, deploymentID, sessionKey, title string) {
	if s.sessions == nil {
		return
	}
	err := s.sessions.UpsertChatSession(ctx, &models.ChatSession{
		DeploymentID: deploymentID,
		SessionKey:   sessionKey,
		Title:        stringutil.Ellipsize(title, 80),
	})
	if err != nil {
		s.logger.Warn("chat session record failed", zap.String("session_key", sessionKey), zap.Error(err))
	}
}
