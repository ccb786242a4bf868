package planner

import (
	"fmt"
	"strings"

	"github.com/clawdeck/clawdeck/internal/llm"
)

const planningSystemPrompt = `You are the planning component of an agent orchestration system. You decompose a user task into subtasks, each assigned to one expert profile, with dependencies forming a directed acyclic graph. Decompose only as far as the task warrants; a simple task is one subtask. Subtasks without dependencies run in parallel.`

const planSchemaDirective = `Output only JSON matching this schema, with no prose before or after:
{
  "analysis": "<one paragraph explaining the decomposition>",
  "subtasks": [
    {
      "id": "subtask-1",
      "description": "<what to do, self-contained>",
      "agent_type": "<one of the expert names>",
      "depends_on": ["<ids of subtasks that must complete first>"]
    }
  ]
}`

// buildPlanningMessages assembles the planning conversation: the expert
// catalog, the repository tree excerpt when available, the task, and the
// JSON schema directive.
func buildPlanningMessages(task, fileTree string) []llm.Message {
	var b strings.Builder
	b.WriteString("Expert profiles available for agent_type:\n\n")
	for _, t := range Templates() {
		fmt.Fprintf(&b, "- %s (%s): %s\n", t.Name, t.Role, t.Description)
	}

	if fileTree != "" {
		b.WriteString("\nRepository layout:\n")
		b.WriteString(fileTree)
	}

	b.WriteString("\nTask:\n")
	b.WriteString(task)
	b.WriteString("\n\n")
	b.WriteString(planSchemaDirective)

	return []llm.Message{
		{Role: llm.RoleSystem, Content: planningSystemPrompt},
		{Role: llm.RoleUser, Content: b.String()},
	}
}
