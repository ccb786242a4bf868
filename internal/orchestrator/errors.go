package orchestrator

import "errors"

var (
	// ErrTaskNotFound is returned when a task id is not in the registry.
	ErrTaskNotFound = errors.New("orchestrator task not found")

	// ErrEmptyDescription is returned when a submission has no work in it.
	ErrEmptyDescription = errors.New("task description is empty")

	// ErrTaskTerminal is returned when cancelling a task that already
	// finished.
	ErrTaskTerminal = errors.New("task already finished")
)
