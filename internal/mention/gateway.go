package mention

import (
	"context"
	"fmt"

	"github.com/clawdeck/clawdeck/internal/gateway"
)

// PoolGateway adapts a gateway connection pool to the Gateway interface,
// checking a client out per call.
type PoolGateway struct {
	pool *gateway.Pool
}

func NewPoolGateway(pool *gateway.Pool) *PoolGateway {
	return &PoolGateway{pool: pool}
}

func (g *PoolGateway) SendAndWait(ctx context.Context, deploymentID, sessionKey, content string) (string, error) {
	client, err := g.pool.Get(ctx, deploymentID)
	if err != nil {
		return "", fmt.Errorf("acquire gateway for %s: %w", deploymentID, err)
	}
	defer g.pool.Release(deploymentID)
	return client.SendAndWaitWith(ctx, sessionKey, content, gateway.ChatPollConfig{})
}

func (g *PoolGateway) History(ctx context.Context, deploymentID, sessionKey string) ([]gateway.ChatMessage, error) {
	client, err := g.pool.Get(ctx, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("acquire gateway for %s: %w", deploymentID, err)
	}
	defer g.pool.Release(deploymentID)
	return client.ChatHistory(ctx, sessionKey)
}
