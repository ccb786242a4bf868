// Package deploy manages the lifecycle of OpenClaw gateway deployments:
// per-deployment directories with an env file and a docker-compose file,
// driven through the Docker Compose CLI.
package deploy

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when the requested deployment is not tracked
	// or its directory is missing on disk.
	ErrNotFound = errors.New("deployment not found")

	// ErrComposeUnavailable is returned when no usable Docker Compose
	// command could be detected or installed.
	ErrComposeUnavailable = errors.New("docker compose not available")

	// ErrDockerUnavailable is returned when the Docker daemon does not
	// answer the preflight ping.
	ErrDockerUnavailable = errors.New("docker daemon unavailable")

	// ErrPortsExhausted is returned when no free port could be allocated
	// for a new deployment.
	ErrPortsExhausted = errors.New("no free deployment port available")

	// ErrInvalidOverride is returned when a configure override carries a
	// value the manager cannot apply, such as a non-numeric PORT.
	ErrInvalidOverride = errors.New("invalid env override")
)

// ComposeError reports a failed Docker Compose invocation. It is also used
// when the process exits zero but its stderr reports an error, which happens
// on container name conflicts among other things.
type ComposeError struct {
	Cmd      string
	ExitCode int
	Stderr   string
}

func (e *ComposeError) Error() string {
	detail := strings.TrimSpace(e.Stderr)
	if detail == "" {
		detail = "no stderr output"
	}
	return fmt.Sprintf("compose %s failed (exit %d): %s", e.Cmd, e.ExitCode, detail)
}
