package planner

import (
	"errors"
	"fmt"
)

// ErrPlanParse is returned when LLM output cannot be turned into a usable
// plan. Callers fall back to a single-subtask plan.
var ErrPlanParse = errors.New("plan did not parse")

// Subtask is one unit of plannable work. DependsOn edges form a DAG over
// subtask ids.
type Subtask struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	AgentType   string   `json:"agent_type"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// Plan is the decomposition of a task into expert-assigned subtasks.
type Plan struct {
	Analysis string    `json:"analysis"`
	Subtasks []Subtask `json:"subtasks"`
}

// Normalize repairs what it can and rejects what it cannot. Missing subtask
// ids are assigned positionally, unknown agent types are coerced to
// fullstack, and depends_on entries naming unknown subtasks are dropped.
// An empty plan, duplicate ids, or a dependency cycle cannot be repaired
// and return ErrPlanParse.
func (p *Plan) Normalize() error {
	if len(p.Subtasks) == 0 {
		return fmt.Errorf("%w: no subtasks", ErrPlanParse)
	}

	ids := make(map[string]bool, len(p.Subtasks))
	for i := range p.Subtasks {
		st := &p.Subtasks[i]
		if st.ID == "" {
			st.ID = fmt.Sprintf("subtask-%d", i+1)
		}
		if ids[st.ID] {
			return fmt.Errorf("%w: duplicate subtask id %q", ErrPlanParse, st.ID)
		}
		ids[st.ID] = true
		if !KnownAgentType(st.AgentType) {
			st.AgentType = DefaultAgentType
		}
	}

	for i := range p.Subtasks {
		st := &p.Subtasks[i]
		kept := st.DependsOn[:0]
		for _, dep := range st.DependsOn {
			if dep == st.ID {
				continue
			}
			if ids[dep] {
				kept = append(kept, dep)
			}
		}
		st.DependsOn = kept
	}

	if hasCycle(p.Subtasks) {
		return fmt.Errorf("%w: dependency cycle", ErrPlanParse)
	}
	return nil
}

// hasCycle runs Kahn's algorithm over the depends_on edges.
func hasCycle(subtasks []Subtask) bool {
	indegree := make(map[string]int, len(subtasks))
	dependants := make(map[string][]string, len(subtasks))
	for _, st := range subtasks {
		indegree[st.ID] = len(st.DependsOn)
		for _, dep := range st.DependsOn {
			dependants[dep] = append(dependants[dep], st.ID)
		}
	}

	var ready []string
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}

	processed := 0
	for len(ready) > 0 {
		id := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		processed++
		for _, next := range dependants[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	return processed != len(subtasks)
}

// Fallback builds the single-subtask plan used when planning cannot produce
// anything better: the whole task handed to the keyword-matched expert.
func Fallback(task string) *Plan {
	return &Plan{
		Analysis: "Direct execution without decomposition.",
		Subtasks: []Subtask{{
			ID:          "subtask-1",
			Description: task,
			AgentType:   KeywordMatch(task),
		}},
	}
}
