package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/logger"
)

// closeBudget bounds how long Shutdown waits for each client.
const closeBudget = 5 * time.Second

// Endpoint locates one deployment's gateway.
type Endpoint struct {
	URL   string
	Token string
}

// EndpointSource resolves a deployment id to its gateway endpoint.
// Implemented by the deployment manager.
type EndpointSource interface {
	GatewayEndpoint(ctx context.Context, deploymentID string) (Endpoint, error)
}

// Pool caches one connected client per deployment. Concurrent Get calls
// for the same deployment share a single connection attempt; the first
// caller opens, the rest wait for its outcome.
type Pool struct {
	source EndpointSource
	base   Config
	logger *logger.Logger

	mu      sync.Mutex
	clients map[string]*poolEntry
}

type poolEntry struct {
	ready  chan struct{}
	client *Client
	err    error
}

// NewPool builds a pool that derives each client's Config from base,
// overriding URL and Token per deployment.
func NewPool(source EndpointSource, base Config, log *logger.Logger) *Pool {
	if log == nil {
		log = logger.Default()
	}
	return &Pool{
		source:  source,
		base:    base,
		logger:  log.WithFields(zap.String("component", "gateway-pool")),
		clients: make(map[string]*poolEntry),
	}
}

// Get returns the cached client for a deployment, opening one when
// needed. A failed open is not cached; the next Get retries.
func (p *Pool) Get(ctx context.Context, deploymentID string) (*Client, error) {
	p.mu.Lock()
	entry, ok := p.clients[deploymentID]
	if ok {
		p.mu.Unlock()
		select {
		case <-entry.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if entry.err != nil {
			return nil, entry.err
		}
		return entry.client, nil
	}

	entry = &poolEntry{ready: make(chan struct{})}
	p.clients[deploymentID] = entry
	p.mu.Unlock()

	entry.client, entry.err = p.open(ctx, deploymentID)
	close(entry.ready)

	if entry.err != nil {
		p.mu.Lock()
		if p.clients[deploymentID] == entry {
			delete(p.clients, deploymentID)
		}
		p.mu.Unlock()
		return nil, entry.err
	}
	return entry.client, nil
}

func (p *Pool) open(ctx context.Context, deploymentID string) (*Client, error) {
	endpoint, err := p.source.GatewayEndpoint(ctx, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("resolve gateway endpoint for %s: %w", deploymentID, err)
	}

	cfg := p.base
	cfg.URL = endpoint.URL
	cfg.Token = endpoint.Token

	client := NewClient(cfg)
	if err := client.Connect(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect gateway for %s: %w", deploymentID, err)
	}

	p.logger.Info("gateway client opened",
		zap.String("deployment_id", deploymentID),
		zap.String("url", endpoint.URL))
	return client, nil
}

// Release closes and forgets the client for a deployment, if any.
func (p *Pool) Release(deploymentID string) {
	p.mu.Lock()
	entry, ok := p.clients[deploymentID]
	if ok {
		delete(p.clients, deploymentID)
	}
	p.mu.Unlock()

	if !ok {
		return
	}
	<-entry.ready
	if entry.client != nil {
		entry.client.Close()
		p.logger.Info("gateway client released", zap.String("deployment_id", deploymentID))
	}
}

// Shutdown closes every cached client in parallel, allowing each a
// bounded time to finish.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	entries := make(map[string]*poolEntry, len(p.clients))
	for id, entry := range p.clients {
		entries[id] = entry
	}
	p.clients = make(map[string]*poolEntry)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for id, entry := range entries {
		wg.Add(1)
		go func(id string, entry *poolEntry) {
			defer wg.Done()
			<-entry.ready
			if entry.client == nil {
				return
			}
			done := make(chan struct{})
			go func() {
				entry.client.Close()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(closeBudget):
				p.logger.Warn("gateway client close timed out",
					zap.String("deployment_id", id))
			}
		}(id, entry)
	}
	wg.Wait()

	if len(entries) > 0 {
		p.logger.Info("gateway pool shut down", zap.Int("clients", len(entries)))
	}
}

// Size returns the number of cached clients.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}
