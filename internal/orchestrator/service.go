// Package orchestrator runs the plan, execute, review, synthesize pipeline.
// Each submitted task gets its own worker goroutine; subtasks execute over
// the master deployment's gateway with an LLM fallback, and progress is
// mirrored into missions, agents and team chat as it happens.
package orchestrator

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/config"
	"github.com/clawdeck/clawdeck/internal/common/ids"
	"github.com/clawdeck/clawdeck/internal/common/logger"
	"github.com/clawdeck/clawdeck/internal/common/tracing"
	"github.com/clawdeck/clawdeck/internal/llm"
	"github.com/clawdeck/clawdeck/internal/mission/models"
	missionsvc "github.com/clawdeck/clawdeck/internal/mission/service"
	"github.com/clawdeck/clawdeck/internal/orchestrator/planner"
)

// Planner produces the subtask DAG for a submitted description.
type Planner interface {
	Plan(ctx context.Context, task, fileTree string) (*planner.Plan, error)
}

// GatewaySender is the primary dispatch path: a message into a session on a
// deployment's gateway, returning the model's reply.
type GatewaySender interface {
	SendAndWait(ctx context.Context, deploymentID, sessionKey, content string) (string, error)
}

// LLM is the fallback dispatch path and the review/synthesis engine.
type LLM interface {
	Chat(ctx context.Context, model string, messages []llm.Message, opts llm.ChatOptions) (string, error)
	ChatJSON(ctx context.Context, model string, messages []llm.Message, opts llm.ChatOptions) (json.RawMessage, error)
}

// MissionStore is the slice of the mission service the pipeline mirrors
// progress into.
type MissionStore interface {
	CreateMission(ctx context.Context, req *missionsvc.CreateMissionRequest) (*models.Mission, error)
	UpdateMission(ctx context.Context, id string, req *missionsvc.UpdateMissionRequest) (*models.Mission, error)
	UpdateMissionStatus(ctx context.Context, id string, next models.MissionStatus) (*models.Mission, error)
	SetMissionReview(ctx context.Context, id string, review models.ReviewStatus) (*models.Mission, error)
	AddMissionDependency(ctx context.Context, missionID, dependsOnID string) error
	CreateAgent(ctx context.Context, req *missionsvc.CreateAgentRequest) (*models.Agent, error)
	UpdateAgentStatus(ctx context.Context, id string, status models.AgentStatus, currentTask string) (*models.Agent, error)
	GetMasterAgent(ctx context.Context) (*models.Agent, error)
}

// TeamChat narrates pipeline progress into the mission's conversation.
type TeamChat interface {
	System(ctx context.Context, missionID, content string)
	FromAgent(ctx context.Context, missionID, agentName, content string) (*models.ChatMessage, error)
}

// SubmitOptions tune one task submission.
type SubmitOptions struct {
	// MissionID links the task to a parent mission; progress is mirrored
	// into the store and team chat. Empty runs the pipeline unmirrored.
	MissionID string
	// OnComplete, when set, is invoked exactly once with the final task
	// snapshot after the pipeline reaches a terminal status.
	OnComplete func(*Task)
}

// Service owns the task registry and the per-task workers.
type Service struct {
	cfg      config.OrchestratorConfig
	logger   *logger.Logger
	planner  Planner
	gateway  GatewaySender
	llm      LLM
	model    string
	missions MissionStore
	chat     TeamChat
	tracer   trace.Tracer

	mu      sync.RWMutex
	tasks   map[string]*Task
	cancels map[string]context.CancelFunc

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup
}

// NewService wires the pipeline. The model is passed to LLM calls on
// providers that honor a caller-supplied model.
func NewService(cfg config.OrchestratorConfig, p Planner, gw GatewaySender, llmClient LLM, model string, missions MissionStore, chat TeamChat, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "orchestrator")),
		planner:    p,
		gateway:    gw,
		llm:        llmClient,
		model:      model,
		missions:   missions,
		chat:       chat,
		tracer:     tracing.Tracer("orchestrator"),
		tasks:      make(map[string]*Task),
		cancels:    make(map[string]context.CancelFunc),
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}
}

// SubmitTask registers a task and starts its worker. The returned id is
// available immediately; callers poll GetTask for progress.
func (s *Service) SubmitTask(ctx context.Context, description, masterDeploymentID string, opts SubmitOptions) (string, error) {
	if description == "" {
		return "", ErrEmptyDescription
	}

	task := &Task{
		ID:                 ids.New(),
		Description:        description,
		MasterDeploymentID: masterDeploymentID,
		MissionID:          opts.MissionID,
		Status:             TaskPending,
		CreatedAt:          time.Now().UTC(),
	}

	// The worker outlives the submitting request; it stops with the
	// service or on CancelTask.
	workerCtx, cancel := context.WithCancel(s.baseCtx)

	s.mu.Lock()
	s.tasks[task.ID] = task
	s.cancels[task.ID] = cancel
	s.mu.Unlock()

	s.logger.Info("task submitted",
		zap.String("task_id", task.ID),
		zap.String("deployment_id", masterDeploymentID),
		zap.String("mission_id", opts.MissionID))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.runTask(workerCtx, task.ID, opts)
	}()

	return task.ID, nil
}

// GetTask returns a snapshot of a task.
func (s *Service) GetTask(id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task.clone(), nil
}

// ListTasks returns snapshots of every known task, newest first.
func (s *Service) ListTasks() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, task.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// CancelTask stops a running task. The task is marked failed immediately;
// work already sent to a gateway keeps running remotely and is reconciled
// by history, not chased.
func (s *Service) CancelTask(id string) error {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return ErrTaskNotFound
	}
	if task.Status.Terminal() {
		s.mu.Unlock()
		return ErrTaskTerminal
	}
	task.Status = TaskFailed
	task.Error = "cancelled"
	now := time.Now().UTC()
	task.CompletedAt = &now
	for _, st := range task.Subtasks {
		if !st.Status.Terminal() {
			st.Status = SubtaskFailed
			st.Error = "cancelled"
			st.CompletedAt = &now
		}
	}
	task.Logs = append(task.Logs, LogEntry{Time: now, Level: "warn", Message: "task cancelled"})
	cancel := s.cancels[id]
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.logger.Info("task cancelled", zap.String("task_id", id))
	return nil
}

// Shutdown cancels all workers and waits for them to wind down or for the
// context to expire.
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
