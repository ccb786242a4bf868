package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/llm"
	"github.com/clawdeck/clawdeck/internal/mission/models"
)

const reviewTemperature = 0.2

const reviewSystemPrompt = `You are Jason, the master agent. An expert sub-agent has finished a subtask and you are reviewing the result before it is folded into the final answer.

Judge only whether the result genuinely addresses the subtask. Respond with a single JSON object:
{"decision": "approved" or "changes_requested", "comment": "one or two sentences"}`

type reviewVerdict struct {
	Decision string `json:"decision"`
	Comment  string `json:"comment"`
}

// reviewSubtask asks for a verdict on a completed subtask and stores it on
// the child mission. Changes requested are reported to the team chat, never
// re-executed. The review is advisory: any failure here is logged and the
// pipeline moves on.
func (s *Service) reviewSubtask(ctx context.Context, task *Task, st *Subtask, result, missionID string) {
	if s.llm == nil {
		return
	}
	ctx, span := s.tracer.Start(ctx, "orchestrator.review")
	defer span.End()

	prompt := fmt.Sprintf("Subtask:\n%s\n\nResult:\n%s", st.Description, result)
	raw, err := s.llm.ChatJSON(ctx, s.model, []llm.Message{
		{Role: llm.RoleSystem, Content: reviewSystemPrompt},
		{Role: llm.RoleUser, Content: prompt},
	}, llm.ChatOptions{Temperature: reviewTemperature})
	if err != nil {
		s.logger.Warn("review skipped",
			zap.String("subtask_id", st.ID), zap.Error(err))
		return
	}

	var verdict reviewVerdict
	if err := json.Unmarshal(raw, &verdict); err != nil {
		s.logger.Warn("review verdict unreadable",
			zap.String("subtask_id", st.ID), zap.Error(err))
		return
	}

	var review models.ReviewStatus
	switch verdict.Decision {
	case "approved":
		review = models.ReviewApproved
	case "changes_requested":
		review = models.ReviewChangesRequested
	default:
		s.logger.Warn("review verdict unrecognized",
			zap.String("subtask_id", st.ID), zap.String("decision", verdict.Decision))
		return
	}

	if missionID != "" {
		if _, err := s.missions.SetMissionReview(ctx, missionID, review); err != nil {
			s.logger.Warn("review store failed",
				zap.String("mission_id", missionID), zap.Error(err))
		}
	}
	s.appendLog(task.ID, "info", fmt.Sprintf("review for %s: %s", st.ID, verdict.Decision))

	if review == models.ReviewChangesRequested && task.MissionID != "" {
		msg := fmt.Sprintf("Changes requested on %s: %s", st.ID, verdict.Comment)
		if _, err := s.chat.FromAgent(ctx, task.MissionID, "Jason", msg); err != nil {
			s.logger.Warn("review chat post failed",
				zap.String("mission_id", task.MissionID), zap.Error(err))
		}
	}
}
