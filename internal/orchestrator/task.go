package orchestrator

import "time"

// TaskStatus tracks an orchestrator task through its pipeline.
type TaskStatus string

const (
	TaskPending      TaskStatus = "pending"
	TaskPlanning     TaskStatus = "planning"
	TaskExecuting    TaskStatus = "executing"
	TaskSynthesizing TaskStatus = "synthesizing"
	TaskCompleted    TaskStatus = "completed"
	TaskFailed       TaskStatus = "failed"
)

// Terminal reports whether the status is final. Terminal tasks are never
// mutated again.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// SubtaskStatus tracks one unit of planned work.
type SubtaskStatus string

const (
	SubtaskPending       SubtaskStatus = "pending"
	SubtaskCreatingAgent SubtaskStatus = "creating_agent"
	SubtaskExecuting     SubtaskStatus = "executing"
	SubtaskCompleted     SubtaskStatus = "completed"
	SubtaskFailed        SubtaskStatus = "failed"
)

// Terminal reports whether the subtask has finished, either way.
func (s SubtaskStatus) Terminal() bool {
	return s == SubtaskCompleted || s == SubtaskFailed
}

// Subtask is one planned unit of work inside a task. MissionID and AgentID
// point at the store records mirroring this subtask's progress.
type Subtask struct {
	ID          string        `json:"id"`
	Description string        `json:"description"`
	AgentType   string        `json:"agent_type"`
	DependsOn   []string      `json:"depends_on,omitempty"`
	Status      SubtaskStatus `json:"status"`
	Result      string        `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
	MissionID   string        `json:"mission_id,omitempty"`
	AgentID     string        `json:"agent_id,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// LogEntry is one timestamped line of a task's progress log.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Task is one orchestration run: a description planned into subtasks,
// executed over the master deployment's gateway, reviewed and synthesized.
type Task struct {
	ID                 string     `json:"id"`
	Description        string     `json:"description"`
	MasterDeploymentID string     `json:"master_deployment_id,omitempty"`
	MissionID          string     `json:"mission_id,omitempty"`
	Status             TaskStatus `json:"status"`
	Analysis           string     `json:"analysis,omitempty"`
	Subtasks           []*Subtask `json:"subtasks"`
	FinalResult        string     `json:"final_result,omitempty"`
	Error              string     `json:"error,omitempty"`
	Logs               []LogEntry `json:"logs"`
	CreatedAt          time.Time  `json:"created_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// clone deep-copies a task so readers never share memory with the worker.
func (t *Task) clone() *Task {
	out := *t
	out.Subtasks = make([]*Subtask, len(t.Subtasks))
	for i, st := range t.Subtasks {
		stCopy := *st
		if len(st.DependsOn) > 0 {
			stCopy.DependsOn = append([]string(nil), st.DependsOn...)
		}
		out.Subtasks[i] = &stCopy
	}
	out.Logs = append([]LogEntry(nil), t.Logs...)
	return &out
}

// subtask finds a subtask by plan id.
func (t *Task) subtask(id string) *Subtask {
	for _, st := range t.Subtasks {
		if st.ID == id {
			return st
		}
	}
	return nil
}
