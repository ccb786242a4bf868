package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/llm"
)

const synthesisSystemPrompt = `You are Jason, the master agent. Expert sub-agents have each completed part of a larger task. Combine their results into one coherent answer to the original request.

Resolve overlaps, keep every concrete detail that matters, and write for the person who asked. Do not mention subtasks or agents.`

// synthesizeStage folds the completed subtask results into the final
// result. Skipped when nothing completed; the task fails in finalize
// instead. An LLM failure degrades to plain concatenation.
func (s *Service) synthesizeStage(ctx context.Context, taskID string) {
	task := s.snapshot(taskID)
	if task == nil || task.Status.Terminal() {
		return
	}
	var completed []*Subtask
	for _, st := range task.Subtasks {
		if st.Status == SubtaskCompleted {
			completed = append(completed, st)
		}
	}
	if len(completed) == 0 {
		return
	}

	ctx, span := s.tracer.Start(ctx, "orchestrator.synthesize")
	defer span.End()

	if !s.setStatus(taskID, TaskSynthesizing) {
		return
	}
	s.appendLog(taskID, "info", fmt.Sprintf("synthesizing %d results", len(completed)))

	final, err := s.synthesize(ctx, task.Description, completed)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("synthesis degraded to concatenation",
			zap.String("task_id", taskID), zap.Error(err))
		s.appendLog(taskID, "warn", "synthesis llm call failed, concatenating results")
		final = concatenateResults(completed)
	}
	s.mutate(taskID, func(t *Task) { t.FinalResult = final })
}

func (s *Service) synthesize(ctx context.Context, description string, completed []*Subtask) (string, error) {
	if s.llm == nil {
		return "", fmt.Errorf("llm unavailable")
	}
	var b strings.Builder
	b.WriteString("Original task:\n")
	b.WriteString(description)
	b.WriteString("\n\nSubtask results:\n")
	for _, st := range completed {
		fmt.Fprintf(&b, "\n### %s (%s)\n%s\n\n%s\n", st.ID, st.AgentType, st.Description, st.Result)
	}
	return s.llm.Chat(ctx, s.model, []llm.Message{
		{Role: llm.RoleSystem, Content: synthesisSystemPrompt},
		{Role: llm.RoleUser, Content: b.String()},
	}, llm.ChatOptions{})
}

// concatenateResults is the degraded synthesis: each result under its
// subtask's description as a header.
func concatenateResults(completed []*Subtask) string {
	var b strings.Builder
	for i, st := range completed {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "## %s\n\n%s", st.Description, st.Result)
	}
	return b.String()
}
