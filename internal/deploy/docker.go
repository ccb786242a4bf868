package deploy

import (
	"context"
	"fmt"

	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/logger"
)

// DockerClient is a thin wrapper over the Docker SDK used to verify the
// daemon is reachable before compose operations are attempted.
type DockerClient struct {
	cli    *client.Client
	logger *logger.Logger
}

// NewDockerClient creates a Docker SDK client. host overrides the daemon
// address; when empty the SDK's defaults (DOCKER_HOST, the local socket)
// apply. The connection is lazy, so construction succeeds even with the
// daemon down.
func NewDockerClient(host string, log *logger.Logger) (*DockerClient, error) {
	if log == nil {
		log = logger.Default()
	}

	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerClient{
		cli:    cli,
		logger: log.WithFields(zap.String("component", "docker-client")),
	}, nil
}

// Ping checks connectivity to the Docker daemon.
func (c *DockerClient) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrDockerUnavailable, err)
	}
	c.logger.Debug("docker daemon reachable")
	return nil
}

// Close releases the underlying SDK client.
func (c *DockerClient) Close() error {
	return c.cli.Close()
}
