package planner

import (
	"errors"
	"testing"
)

func TestNormalizeCoercesUnknownAgentType(t *testing.T) {
	plan := &Plan{Subtasks: []Subtask{
		{ID: "subtask-1", Description: "x", AgentType: "wizard"},
		{ID: "subtask-2", Description: "y", AgentType: "qa"},
	}}

	if err := plan.Normalize(); err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if plan.Subtasks[0].AgentType != "fullstack" {
		t.Errorf("unknown agent type should coerce to fullstack, got %q", plan.Subtasks[0].AgentType)
	}
	if plan.Subtasks[1].AgentType != "qa" {
		t.Errorf("known agent type must survive, got %q", plan.Subtasks[1].AgentType)
	}
}

func TestNormalizeDropsUnknownDependencies(t *testing.T) {
	plan := &Plan{Subtasks: []Subtask{
		{ID: "subtask-1", AgentType: "backend"},
		{ID: "subtask-2", AgentType: "qa", DependsOn: []string{"subtask-1", "subtask-9", "subtask-2"}},
	}}

	if err := plan.Normalize(); err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	deps := plan.Subtasks[1].DependsOn
	if len(deps) != 1 || deps[0] != "subtask-1" {
		t.Errorf("unknown and self deps should be dropped, got %v", deps)
	}
}

func TestNormalizeAssignsMissingIDs(t *testing.T) {
	plan := &Plan{Subtasks: []Subtask{
		{Description: "a", AgentType: "backend"},
		{Description: "b", AgentType: "frontend"},
	}}

	if err := plan.Normalize(); err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if plan.Subtasks[0].ID != "subtask-1" || plan.Subtasks[1].ID != "subtask-2" {
		t.Errorf("missing ids should be assigned positionally, got %q %q",
			plan.Subtasks[0].ID, plan.Subtasks[1].ID)
	}
}

func TestNormalizeRejectsEmptyPlan(t *testing.T) {
	plan := &Plan{}
	if err := plan.Normalize(); !errors.Is(err, ErrPlanParse) {
		t.Fatalf("expected ErrPlanParse, got %v", err)
	}
}

func TestNormalizeRejectsDuplicateIDs(t *testing.T) {
	plan := &Plan{Subtasks: []Subtask{
		{ID: "subtask-1", AgentType: "backend"},
		{ID: "subtask-1", AgentType: "qa"},
	}}
	if err := plan.Normalize(); !errors.Is(err, ErrPlanParse) {
		t.Fatalf("expected ErrPlanParse, got %v", err)
	}
}

func TestNormalizeRejectsCycles(t *testing.T) {
	plan := &Plan{Subtasks: []Subtask{
		{ID: "subtask-1", AgentType: "backend", DependsOn: []string{"subtask-3"}},
		{ID: "subtask-2", AgentType: "qa", DependsOn: []string{"subtask-1"}},
		{ID: "subtask-3", AgentType: "frontend", DependsOn: []string{"subtask-2"}},
	}}
	if err := plan.Normalize(); !errors.Is(err, ErrPlanParse) {
		t.Fatalf("expected ErrPlanParse for a cycle, got %v", err)
	}
}

func TestNormalizeAcceptsDiamond(t *testing.T) {
	plan := &Plan{Subtasks: []Subtask{
		{ID: "a", AgentType: "backend"},
		{ID: "b", AgentType: "frontend", DependsOn: []string{"a"}},
		{ID: "c", AgentType: "database", DependsOn: []string{"a"}},
		{ID: "d", AgentType: "qa", DependsOn: []string{"b", "c"}},
	}}
	if err := plan.Normalize(); err != nil {
		t.Fatalf("a diamond is acyclic: %v", err)
	}
}

func TestFallbackPlan(t *testing.T) {
	plan := Fallback("tune the slow sql query on the orders table")
	if len(plan.Subtasks) != 1 {
		t.Fatalf("expected a single subtask, got %d", len(plan.Subtasks))
	}
	st := plan.Subtasks[0]
	if st.ID != "subtask-1" {
		t.Errorf("unexpected id %q", st.ID)
	}
	if st.AgentType != "database" {
		t.Errorf("keyword match should route to database, got %q", st.AgentType)
	}
	if len(st.DependsOn) != 0 {
		t.Errorf("fallback subtask has no dependencies, got %v", st.DependsOn)
	}
}
