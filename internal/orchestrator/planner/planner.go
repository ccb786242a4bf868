// Package planner turns a task description into a DAG of expert-assigned
// subtasks. Planning is LLM-backed with a deterministic single-subtask
// fallback, so a plan always comes back unless the caller gave up.
package planner

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/logger"
	"github.com/clawdeck/clawdeck/internal/llm"
)

const planningTemperature = 0.3

// LLM is the slice of the llm client the planner needs.
type LLM interface {
	ChatJSON(ctx context.Context, model string, messages []llm.Message, opts llm.ChatOptions) (json.RawMessage, error)
}

// Planner produces plans for the orchestrator.
type Planner struct {
	llm    LLM
	model  string
	logger *logger.Logger
}

// New builds a planner. The model is only honored by providers that pass the
// caller's model through.
func New(llmClient LLM, model string, log *logger.Logger) *Planner {
	if log == nil {
		log = logger.Default()
	}
	return &Planner{
		llm:    llmClient,
		model:  model,
		logger: log.WithFields(zap.String("component", "planner")),
	}
}

// Plan decomposes a task, optionally informed by a repository tree excerpt.
// LLM or parse failures degrade to the single-subtask fallback; the only
// error returned is the caller's own cancellation.
func (p *Planner) Plan(ctx context.Context, task, fileTree string) (*Plan, error) {
	messages := buildPlanningMessages(task, fileTree)

	raw, err := p.llm.ChatJSON(ctx, p.model, messages, llm.ChatOptions{Temperature: planningTemperature})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logger.Warn("llm planning failed, using fallback plan", zap.Error(err))
		return Fallback(task), nil
	}

	plan, err := parsePlan(raw)
	if err != nil {
		p.logger.Warn("plan rejected, using fallback plan", zap.Error(err))
		return Fallback(task), nil
	}

	p.logger.Info("plan ready",
		zap.Int("subtasks", len(plan.Subtasks)))
	return plan, nil
}

func parsePlan(raw json.RawMessage) (*Plan, error) {
	var plan Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlanParse, err)
	}
	if err := plan.Normalize(); err != nil {
		return nil, err
	}
	return &plan, nil
}
