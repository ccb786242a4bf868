package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/logger"
	"github.com/clawdeck/clawdeck/internal/common/stringutil"
	"github.com/clawdeck/clawdeck/internal/deploy"
	"github.com/clawdeck/clawdeck/internal/events"
	"github.com/clawdeck/clawdeck/internal/events/bus"
	"github.com/clawdeck/clawdeck/internal/mention"
	"github.com/clawdeck/clawdeck/internal/mission/models"
	missionsvc "github.com/clawdeck/clawdeck/internal/mission/service"
	"github.com/clawdeck/clawdeck/internal/orchestrator"
)

// Missions is the slice of the mission service the API serves.
type Missions interface {
	CreateMission(ctx context.Context, req *missionsvc.CreateMissionRequest) (*models.Mission, error)
	GetMission(ctx context.Context, id string) (*models.Mission, error)
	ListMissions(ctx context.Context) ([]*models.Mission, error)
	ListMissionsByStatus(ctx context.Context, status models.MissionStatus) ([]*models.Mission, error)
}

// ChatReader serves a mission's team chat transcript.
type ChatReader interface {
	List(ctx context.Context, missionID string) ([]*models.ChatMessage, error)
}

// Orchestrator submits and tracks pipeline tasks.
type Orchestrator interface {
	SubmitTask(ctx context.Context, description, masterDeploymentID string, opts orchestrator.SubmitOptions) (string, error)
	GetTask(id string) (*orchestrator.Task, error)
	ListTasks() []*orchestrator.Task
	CancelTask(id string) error
}

// MentionRouter relays chat messages that address the master agent.
type MentionRouter interface {
	HandleMention(ctx context.Context, req mention.Request) (*mention.Result, error)
}

// Deployments is the slice of the deployment manager the API serves.
type Deployments interface {
	Configure(ctx context.Context, overrides map[string]string) (*deploy.Deployment, error)
	Launch(ctx context.Context, id string) (*deploy.Deployment, error)
	Stop(ctx context.Context, id string) (*deploy.Deployment, error)
	Restart(ctx context.Context, id string) (*deploy.Deployment, error)
	Remove(ctx context.Context, id string) error
	UpdateEnv(ctx context.Context, id string, updates map[string]string) (*deploy.Deployment, error)
	Info(id string) (*deploy.Info, error)
	Logs(ctx context.Context, id string, tail int) (string, error)
	List() []*deploy.Deployment
	SetMaster(id string) error
	MasterID() string
}

// deploymentView is the wire shape for a deployment. The gateway token
// never leaves the process.
type deploymentView struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Port      int           `json:"port"`
	Status    deploy.Status `json:"status"`
	LastError string        `json:"last_error,omitempty"`
	Master    bool          `json:"master"`
}

// deploymentDetail adds the masked env file. The verbatim env map stays
// internal for the same reason the token does.
type deploymentDetail struct {
	deploymentView
	EnvConfig map[string]string `json:"env_config"`
}

type handlers struct {
	logger      *logger.Logger
	missions    Missions
	chat        ChatReader
	orch        Orchestrator
	deployments Deployments
	mentions    MentionRouter
	bus         bus.EventBus
	onComplete  func(*orchestrator.Task)
}

func (h *handlers) view(d *deploy.Deployment) deploymentView {
	return deploymentView{
		ID:        d.ID,
		Name:      d.Name,
		Port:      d.Port,
		Status:    d.Status,
		LastError: d.LastError,
		Master:    d.ID != "" && d.ID == h.deployments.MasterID(),
	}
}

// fail maps sentinel errors onto HTTP statuses and hides nothing else.
func (h *handlers) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, deploy.ErrNotFound),
		errors.Is(err, models.ErrNotFound),
		errors.Is(err, orchestrator.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, orchestrator.ErrTaskTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, orchestrator.ErrEmptyDescription),
		errors.Is(err, deploy.ErrInvalidOverride):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, deploy.ErrDockerUnavailable),
		errors.Is(err, deploy.ErrComposeUnavailable),
		errors.Is(err, deploy.ErrPortsExhausted):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (h *handlers) listMissions(c *gin.Context) {
	var (
		missions []*models.Mission
		err      error
	)
	if raw := c.Query("status"); raw != "" {
		status := models.MissionStatus(raw)
		if !status.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown mission status: " + raw})
			return
		}
		missions, err = h.missions.ListMissionsByStatus(c.Request.Context(), status)
	} else {
		missions, err = h.missions.ListMissions(c.Request.Context())
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"missions": missions, "count": len(missions)})
}

func (h *handlers) getMission(c *gin.Context) {
	mission, err := h.missions.GetMission(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, mission)
}

func (h *handlers) getMissionChat(c *gin.Context) {
	missionID := c.Param("id")
	if _, err := h.missions.GetMission(c.Request.Context(), missionID); err != nil {
		h.fail(c, err)
		return
	}
	messages, err := h.chat.List(c.Request.Context(), missionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages, "count": len(messages)})
}

// mergeMission announces that a mission's branch landed. The control
// plane does not run git; the merge happens wherever the checkout lives,
// and this endpoint is how that tool tells the front ends about it.
func (h *handlers) mergeMission(c *gin.Context) {
	mission, err := h.missions.GetMission(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	event := bus.NewEvent(events.MergeCompleted, serviceName, map[string]interface{}{
		"mission_id": mission.ID,
		"parent_id":  mission.ParentID,
		"branch":     mission.Branch,
	})
	if err := h.bus.Publish(c.Request.Context(), events.MergeCompleted, event); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "merged", "mission_id": mission.ID})
}

type mentionRequest struct {
	Message    string `json:"message" binding:"required"`
	Sender     string `json:"sender"`
	SessionKey string `json:"session_key"`
}

// postMention is the inbound bridge: front ends and chat integrations
// deliver raw messages here, and anything addressing the master agent
// turns into a monitored mission. The response carries the agent's first
// reply, so the request stays open until the gateway answers.
func (h *handlers) postMention(c *gin.Context) {
	var req mentionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}
	if !mention.IsMention(req.Message) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message does not mention the master agent"})
		return
	}
	deploymentID := h.deployments.MasterID()
	if deploymentID == "" {
		c.JSON(http.StatusConflict, gin.H{"error": "no master deployment configured"})
		return
	}

	result, err := h.mentions.HandleMention(c.Request.Context(), mention.Request{
		Message:      req.Message,
		Sender:       req.Sender,
		DeploymentID: deploymentID,
		SessionKey:   req.SessionKey,
		Source:       models.SourceManual,
	})
	if err != nil {
		if errors.Is(err, mention.ErrEmptyTask) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"mission_id": result.MissionID,
		"reply":      result.Reply,
		"workers":    result.Workers,
	})
}

type orchestrateRequest struct {
	Task      string `json:"task" binding:"required"`
	MissionID string `json:"mission_id"`
}

// submitTask starts a pipeline run. Without a mission_id it opens a fresh
// mission so the run shows up in the mission list like any other work.
func (h *handlers) submitTask(c *gin.Context) {
	var req orchestrateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task is required"})
		return
	}

	missionID := req.MissionID
	if missionID == "" {
		mission, err := h.missions.CreateMission(c.Request.Context(), &missionsvc.CreateMissionRequest{
			Title:       stringutil.Ellipsize(req.Task, 80),
			Description: req.Task,
			Source:      models.SourceOrchestrate,
		})
		if err != nil {
			h.fail(c, err)
			return
		}
		missionID = mission.ID
	} else if _, err := h.missions.GetMission(c.Request.Context(), missionID); err != nil {
		h.fail(c, err)
		return
	}

	taskID, err := h.orch.SubmitTask(c.Request.Context(), req.Task, h.deployments.MasterID(), orchestrator.SubmitOptions{
		MissionID:  missionID,
		OnComplete: h.onComplete,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID, "mission_id": missionID})
}

func (h *handlers) listTasks(c *gin.Context) {
	tasks := h.orch.ListTasks()
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (h *handlers) getTask(c *gin.Context) {
	task, err := h.orch.GetTask(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *handlers) cancelTask(c *gin.Context) {
	if err := h.orch.CancelTask(c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelling"})
}

func (h *handlers) listDeployments(c *gin.Context) {
	deployments := h.deployments.List()
	views := make([]deploymentView, 0, len(deployments))
	for _, d := range deployments {
		views = append(views, h.view(d))
	}
	c.JSON(http.StatusOK, gin.H{"deployments": views, "count": len(views)})
}

type configureRequest struct {
	Env map[string]string `json:"env"`
}

func (h *handlers) configureDeployment(c *gin.Context) {
	var req configureRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a JSON object with an env map"})
			return
		}
	}
	d, err := h.deployments.Configure(c.Request.Context(), req.Env)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, h.view(d))
}

func (h *handlers) getDeployment(c *gin.Context) {
	info, err := h.deployments.Info(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, deploymentDetail{
		deploymentView: h.view(&info.Deployment),
		EnvConfig:      info.EnvConfig,
	})
}

func (h *handlers) startDeployment(c *gin.Context) {
	d, err := h.deployments.Launch(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(d))
}

func (h *handlers) stopDeployment(c *gin.Context) {
	d, err := h.deployments.Stop(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(d))
}

func (h *handlers) restartDeployment(c *gin.Context) {
	d, err := h.deployments.Restart(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(d))
}

func (h *handlers) removeDeployment(c *gin.Context) {
	if err := h.deployments.Remove(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

type envUpdateRequest struct {
	Env map[string]string `json:"env" binding:"required"`
}

func (h *handlers) updateDeploymentEnv(c *gin.Context) {
	var req envUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "env map is required"})
		return
	}
	d, err := h.deployments.UpdateEnv(c.Request.Context(), c.Param("id"), req.Env)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(d))
}

func (h *handlers) deploymentLogs(c *gin.Context) {
	tail := 0
	if raw := c.Query("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tail must be a non-negative integer"})
			return
		}
		tail = n
	}
	logs, err := h.deployments.Logs(c.Request.Context(), c.Param("id"), tail)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

func (h *handlers) setMasterDeployment(c *gin.Context) {
	id := c.Param("id")
	if err := h.deployments.SetMaster(id); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"master_id": id})
}
