package planner

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/clawdeck/clawdeck/internal/common/logger"
	"github.com/clawdeck/clawdeck/internal/llm"
)

func newTestLogger() *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		panic(err)
	}
	return log
}

type fakeLLM struct {
	raw      json.RawMessage
	err      error
	model    string
	messages []llm.Message
	opts     llm.ChatOptions
	calls    int
}

func (f *fakeLLM) ChatJSON(_ context.Context, model string, messages []llm.Message, opts llm.ChatOptions) (json.RawMessage, error) {
	f.calls++
	f.model = model
	f.messages = messages
	f.opts = opts
	if f.err != nil {
		return nil, f.err
	}
	return f.raw, nil
}

func TestPlanParsesLLMResponse(t *testing.T) {
	fake := &fakeLLM{raw: json.RawMessage(`{
		"analysis": "split into api and ui work",
		"subtasks": [
			{"id": "subtask-1", "description": "build the api", "agent_type": "backend", "depends_on": []},
			{"id": "subtask-2", "description": "build the ui", "agent_type": "frontend", "depends_on": ["subtask-1"]}
		]
	}`)}
	p := New(fake, "anthropic/claude-sonnet-4", newTestLogger())

	plan, err := p.Plan(context.Background(), "build the invoices feature", "cmd/\ninternal/\n")
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if plan.Analysis != "split into api and ui work" {
		t.Errorf("analysis lost: %q", plan.Analysis)
	}
	if len(plan.Subtasks) != 2 {
		t.Fatalf("expected 2 subtasks, got %d", len(plan.Subtasks))
	}
	if plan.Subtasks[1].DependsOn[0] != "subtask-1" {
		t.Errorf("dependency lost: %v", plan.Subtasks[1].DependsOn)
	}

	if fake.model != "anthropic/claude-sonnet-4" {
		t.Errorf("unexpected model %q", fake.model)
	}
	if fake.opts.Temperature != 0.3 {
		t.Errorf("planning temperature must be 0.3, got %v", fake.opts.Temperature)
	}
	if len(fake.messages) != 2 || fake.messages[0].Role != llm.RoleSystem {
		t.Fatalf("expected a system + user conversation, got %+v", fake.messages)
	}
	user := fake.messages[1].Content
	for _, want := range []string{"fullstack", "qa", "Repository layout", "internal/", "build the invoices feature", "Output only JSON"} {
		if !strings.Contains(user, want) {
			t.Errorf("planning prompt should contain %q", want)
		}
	}
}

func TestPlanOmitsTreeSectionWhenEmpty(t *testing.T) {
	fake := &fakeLLM{raw: json.RawMessage(`{"analysis": "a", "subtasks": [{"id": "subtask-1", "description": "d", "agent_type": "qa"}]}`)}
	p := New(fake, "m", newTestLogger())

	if _, err := p.Plan(context.Background(), "task", ""); err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if strings.Contains(fake.messages[1].Content, "Repository layout") {
		t.Error("prompt should not advertise a repository layout it does not have")
	}
}

func TestPlanFallsBackOnLLMError(t *testing.T) {
	fake := &fakeLLM{err: llm.ErrNotConfigured}
	p := New(fake, "m", newTestLogger())

	plan, err := p.Plan(context.Background(), "write the users table migration", "")
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(plan.Subtasks) != 1 {
		t.Fatalf("expected the fallback single subtask, got %d", len(plan.Subtasks))
	}
	if plan.Subtasks[0].AgentType != "database" {
		t.Errorf("fallback should keyword-match the task, got %q", plan.Subtasks[0].AgentType)
	}
	if plan.Subtasks[0].Description != "write the users table migration" {
		t.Errorf("fallback keeps the whole task as the subtask: %q", plan.Subtasks[0].Description)
	}
}

func TestPlanFallsBackOnCyclicPlan(t *testing.T) {
	fake := &fakeLLM{raw: json.RawMessage(`{
		"analysis": "circular",
		"subtasks": [
			{"id": "a", "description": "x", "agent_type": "backend", "depends_on": ["b"]},
			{"id": "b", "description": "y", "agent_type": "qa", "depends_on": ["a"]}
		]
	}`)}
	p := New(fake, "m", newTestLogger())

	plan, err := p.Plan(context.Background(), "some task", "")
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(plan.Subtasks) != 1 || plan.Subtasks[0].ID != "subtask-1" {
		t.Errorf("cyclic plans degrade to the fallback, got %+v", plan.Subtasks)
	}
}

func TestPlanFallsBackOnEmptySubtasks(t *testing.T) {
	fake := &fakeLLM{raw: json.RawMessage(`{"analysis": "nothing to do", "subtasks": []}`)}
	p := New(fake, "m", newTestLogger())

	plan, err := p.Plan(context.Background(), "some task", "")
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(plan.Subtasks) != 1 {
		t.Errorf("empty plans degrade to the fallback, got %+v", plan.Subtasks)
	}
}

func TestPlanReturnsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fake := &fakeLLM{err: context.Canceled}
	p := New(fake, "m", newTestLogger())

	if _, err := p.Plan(ctx, "task", ""); err == nil {
		t.Fatal("cancellation must propagate, not fall back")
	}
}
