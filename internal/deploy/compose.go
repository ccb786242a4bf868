package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/logger"
)

// Container is one entry of `docker compose ps --format json`.
type Container struct {
	ID      string `json:"ID"`
	Name    string `json:"Name"`
	Service string `json:"Service"`
	State   string `json:"State"`
	Status  string `json:"Status"`
}

// ContainerStateRunning is the compose ps state of a live container.
const ContainerStateRunning = "running"

// ComposeCLI drives deployments through the Docker Compose command line.
// Every invocation follows the same shape:
//
//	docker compose -f <compose_path> --env-file <env_path> <subcommand>
//
// The concrete command is detected once per process: the v2 plugin first,
// the legacy docker-compose binary second, and as a last resort an apt-get
// install of the plugin packages.
type ComposeCLI struct {
	logger *logger.Logger

	mu   sync.Mutex
	base []string
}

// NewComposeCLI returns a runner that detects the compose command lazily on
// first use.
func NewComposeCLI(log *logger.Logger) *ComposeCLI {
	if log == nil {
		log = logger.Default()
	}
	return &ComposeCLI{
		logger: log.WithFields(zap.String("component", "compose-cli")),
	}
}

// Up starts (or force-recreates) the deployment's containers. A clean exit
// code is not trusted on its own: compose reports some failures, like
// container name conflicts, on stderr while still exiting zero, so stderr is
// scanned for error lines either way.
func (c *ComposeCLI) Up(ctx context.Context, composePath, envPath string, removeOrphans bool) error {
	args := []string{"up", "-d", "--force-recreate"}
	if removeOrphans {
		args = append(args, "--remove-orphans")
	}
	_, stderr, err := c.run(ctx, composePath, envPath, args...)
	if err != nil {
		return err
	}
	if line := firstErrorLine(stderr); line != "" {
		c.logger.Warn("compose up exited zero but reported an error",
			zap.String("detail", line))
		return &ComposeError{Cmd: "up", ExitCode: 0, Stderr: line}
	}
	return nil
}

// Down stops and removes the deployment's containers.
func (c *ComposeCLI) Down(ctx context.Context, composePath, envPath string) error {
	_, _, err := c.run(ctx, composePath, envPath, "down", "--remove-orphans")
	return err
}

// Containers lists the deployment's containers via ps --format json.
func (c *ComposeCLI) Containers(ctx context.Context, composePath, envPath string) ([]Container, error) {
	stdout, _, err := c.run(ctx, composePath, envPath, "ps", "--format", "json")
	if err != nil {
		return nil, err
	}
	return parseComposePS(stdout)
}

// Logs returns the last tail lines of the deployment's container logs.
func (c *ComposeCLI) Logs(ctx context.Context, composePath, envPath string, tail int) (string, error) {
	stdout, stderr, err := c.run(ctx, composePath, envPath,
		"logs", "--no-color", "--tail", strconv.Itoa(tail))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(stdout) == "" {
		return stderr, nil
	}
	return stdout, nil
}

func (c *ComposeCLI) run(ctx context.Context, composePath, envPath string, sub ...string) (string, string, error) {
	base, err := c.command(ctx)
	if err != nil {
		return "", "", err
	}

	name, args := composeArgs(base, composePath, envPath, sub...)
	c.logger.Debug("running compose command",
		zap.String("command", name),
		zap.Strings("args", args))

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runErr != nil {
		if ctx.Err() != nil {
			return stdout.String(), stderr.String(),
				fmt.Errorf("compose %s interrupted: %w", sub[0], ctx.Err())
		}
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		c.logger.Error("compose command failed",
			zap.String("command", name),
			zap.Strings("args", args),
			zap.Int("exit_code", exitCode),
			zap.String("stderr", strings.TrimSpace(stderr.String())))
		return stdout.String(), stderr.String(), &ComposeError{
			Cmd:      sub[0],
			ExitCode: exitCode,
			Stderr:   strings.TrimSpace(stderr.String()),
		}
	}
	return stdout.String(), stderr.String(), nil
}

// command returns the detected compose invocation, probing and caching it on
// first call.
func (c *ComposeCLI) command(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.base != nil {
		return c.base, nil
	}

	if probeCommand(ctx, "docker", "compose", "version") {
		c.base = []string{"docker", "compose"}
		c.logger.Info("using docker compose v2 plugin")
		return c.base, nil
	}
	if probeCommand(ctx, "docker-compose", "--version") {
		c.base = []string{"docker-compose"}
		c.logger.Info("using legacy docker-compose binary")
		return c.base, nil
	}

	// Neither command answered; try to install the plugin before giving up.
	for _, pkg := range []string{"docker-compose-v2", "docker-compose-plugin"} {
		c.logger.Warn("compose not found, attempting package install",
			zap.String("package", pkg))
		install := exec.CommandContext(ctx, "apt-get", "install", "-y", pkg)
		if out, err := install.CombinedOutput(); err != nil {
			c.logger.Warn("package install failed",
				zap.String("package", pkg),
				zap.String("output", strings.TrimSpace(string(out))),
				zap.Error(err))
			continue
		}
		if probeCommand(ctx, "docker", "compose", "version") {
			c.base = []string{"docker", "compose"}
			c.logger.Info("compose plugin installed",
				zap.String("package", pkg))
			return c.base, nil
		}
	}

	return nil, fmt.Errorf("%w: install the compose v2 plugin "+
		"(apt-get install docker-compose-v2 or docker-compose-plugin) and retry",
		ErrComposeUnavailable)
}

func probeCommand(ctx context.Context, name string, args ...string) bool {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd.Run() == nil
}

// composeArgs assembles the full argv for a compose subcommand.
func composeArgs(base []string, composePath, envPath string, sub ...string) (string, []string) {
	args := make([]string, 0, len(base)+4+len(sub))
	args = append(args, base[1:]...)
	args = append(args, "-f", composePath, "--env-file", envPath)
	args = append(args, sub...)
	return base[0], args
}

// firstErrorLine returns the first stderr line mentioning an error, matched
// case-insensitively, or "" when the output is clean.
func firstErrorLine(stderr string) string {
	for _, line := range strings.Split(stderr, "\n") {
		if strings.Contains(strings.ToLower(line), "error") {
			return strings.TrimSpace(line)
		}
	}
	return ""
}

// parseComposePS handles both output shapes of ps --format json: a single
// JSON array on older compose releases and one object per line on newer
// ones.
func parseComposePS(out string) ([]Container, error) {
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var containers []Container
		if err := json.Unmarshal([]byte(trimmed), &containers); err != nil {
			return nil, fmt.Errorf("failed to parse compose ps output: %w", err)
		}
		return containers, nil
	}
	var containers []Container
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var container Container
		if err := json.Unmarshal([]byte(line), &container); err != nil {
			return nil, fmt.Errorf("failed to parse compose ps line %q: %w", line, err)
		}
		containers = append(containers, container)
	}
	return containers, nil
}
