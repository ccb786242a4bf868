package deploy

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/config"
	"github.com/clawdeck/clawdeck/internal/common/envfile"
	"github.com/clawdeck/clawdeck/internal/common/ids"
	"github.com/clawdeck/clawdeck/internal/common/logger"
	"github.com/clawdeck/clawdeck/internal/common/portutil"
	"github.com/clawdeck/clawdeck/internal/gateway"
)

// Status is a deployment lifecycle state.
type Status string

const (
	StatusConfigured Status = "configured"
	StatusRunning    Status = "running"
	StatusStopped    Status = "stopped"
	StatusFailed     Status = "failed"
)

const (
	composeFileName = "docker-compose.yml"

	portRangeMin = 10000
	portRangeMax = 65000
	portAttempts = 50
	idAttempts   = 20

	// composeStatusTimeout bounds the ps probe during restore so one hung
	// compose call cannot stall startup.
	composeStatusTimeout = 10 * time.Second

	defaultLogTail = 200
)

// Deployment describes one tracked gateway deployment. The env file under
// EnvPath is the durable source of truth; this descriptor is the in-memory
// view rebuilt from it on restore.
type Deployment struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Port         int    `json:"port"`
	GatewayToken string `json:"gateway_token"`
	Dir          string `json:"deploy_dir"`
	EnvPath      string `json:"env_path"`
	ComposePath  string `json:"compose_path"`
	Status       Status `json:"status"`
	LastError    string `json:"last_error,omitempty"`
}

func (d *Deployment) clone() *Deployment {
	c := *d
	return &c
}

// Info is the detailed view of a deployment: the descriptor plus the parsed
// env file, once with secrets masked and once verbatim.
type Info struct {
	Deployment
	EnvConfig     map[string]string `json:"env_config"`
	EnvConfigFull map[string]string `json:"env_config_full"`
}

// Compose runs Docker Compose subcommands against a deployment directory.
// ComposeCLI is the production implementation.
type Compose interface {
	Up(ctx context.Context, composePath, envPath string, removeOrphans bool) error
	Down(ctx context.Context, composePath, envPath string) error
	Containers(ctx context.Context, composePath, envPath string) ([]Container, error)
	Logs(ctx context.Context, composePath, envPath string, tail int) (string, error)
}

// Pinger checks Docker daemon connectivity before a launch.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Manager tracks gateway deployments and drives their lifecycle. All state
// lives in the deployment directories; the in-memory map is a cache over it.
type Manager struct {
	cfg     config.DeploymentsConfig
	logger  *logger.Logger
	compose Compose
	docker  Pinger

	mu          sync.RWMutex
	deployments map[string]*Deployment
	masterID    string
	restored    bool

	lockMu      sync.Mutex
	deployLocks map[string]*sync.Mutex
}

// NewManager creates a deployment manager rooted at cfg.RootDir. docker may
// be nil, which disables the daemon preflight on launch.
func NewManager(cfg config.DeploymentsConfig, compose Compose, docker Pinger, log *logger.Logger) (*Manager, error) {
	if compose == nil {
		return nil, fmt.Errorf("deploy: compose runner is required")
	}
	if cfg.RootDir == "" {
		return nil, fmt.Errorf("deploy: root directory is required")
	}
	if log == nil {
		log = logger.Default()
	}
	if err := os.MkdirAll(cfg.RootDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create deployments directory: %w", err)
	}

	return &Manager{
		cfg:         cfg,
		logger:      log.WithFields(zap.String("component", "deploy-manager")),
		compose:     compose,
		docker:      docker,
		deployments: make(map[string]*Deployment),
		deployLocks: make(map[string]*sync.Mutex),
	}, nil
}

// Configure provisions a new deployment: a fresh directory with an env file
// and a copy of the compose template. overrides are merged into the
// generated env; PORT, OPENCLAW_GATEWAY_TOKEN and DEPLOY_NAME overrides
// replace the generated identity values. Nothing is started.
func (m *Manager) Configure(ctx context.Context, overrides map[string]string) (*Deployment, error) {
	id, err := m.newID()
	if err != nil {
		return nil, err
	}

	port, err := m.resolvePort(overrides)
	if err != nil {
		return nil, err
	}
	token := overrides[envKeyToken]
	if token == "" {
		token = ids.NewToken()
	}
	name := overrides[envKeyName]
	if name == "" {
		name = m.pickUniqueName()
	}

	dir := filepath.Join(m.cfg.RootDir, id)
	for _, sub := range []string{"config", "workspace"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create deployment directory: %w", err)
		}
	}

	composePath, err := m.copyComposeFile(dir)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	entries := []envEntry{
		{envKeyPort, strconv.Itoa(port)},
		{envKeyToken, token},
		{envKeyName, name},
	}
	entries = append(entries, sortedExtraEntries(overrides)...)

	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte(renderEnvFile(id, entries)), envfile.FileMode); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to write env file: %w", err)
	}

	d := &Deployment{
		ID:           id,
		Name:         name,
		Port:         port,
		GatewayToken: token,
		Dir:          dir,
		EnvPath:      envPath,
		ComposePath:  composePath,
		Status:       StatusConfigured,
	}
	m.mu.Lock()
	m.deployments[id] = d
	m.mu.Unlock()

	m.logger.Info("deployment configured",
		zap.String("deployment_id", id),
		zap.String("name", name),
		zap.Int("port", port))
	return d.clone(), nil
}

// Launch starts a deployment's containers. Stale containers are torn down
// first and the compose file is refreshed from the template, so launches
// always pick up the current stack definition. A failed launch leaves the
// deployment in the failed state with the error recorded.
func (m *Manager) Launch(ctx context.Context, id string) (*Deployment, error) {
	d, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if m.docker != nil {
		if err := m.docker.Ping(ctx); err != nil {
			return nil, err
		}
	}

	lock := m.deployLock(id)
	lock.Lock()
	defer lock.Unlock()

	log := m.logger.WithDeploymentID(id)

	// Clear leftovers from earlier runs; up recreates everything anyway,
	// so a failure here only gets logged.
	if err := m.compose.Down(ctx, d.ComposePath, d.EnvPath); err != nil {
		log.Warn("pre-launch compose down failed", zap.Error(err))
	}

	if _, err := m.copyComposeFile(d.Dir); err != nil {
		return nil, err
	}

	if err := m.compose.Up(ctx, d.ComposePath, d.EnvPath, true); err != nil {
		m.setStatus(id, StatusFailed, err.Error())
		log.Error("deployment launch failed", zap.Error(err))
		return nil, err
	}

	m.setStatus(id, StatusRunning, "")
	log.Info("deployment launched", zap.Int("port", d.Port))
	return m.Get(id)
}

// Stop tears down a deployment's containers without touching its directory.
func (m *Manager) Stop(ctx context.Context, id string) (*Deployment, error) {
	d, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	lock := m.deployLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := m.compose.Down(ctx, d.ComposePath, d.EnvPath); err != nil {
		return nil, err
	}
	m.setStatus(id, StatusStopped, "")
	m.logger.Info("deployment stopped", zap.String("deployment_id", id))
	return m.Get(id)
}

// Remove tears down a deployment and deletes its directory. The master
// designation is cleared when it pointed at the removed deployment.
func (m *Manager) Remove(ctx context.Context, id string) error {
	d, err := m.Get(id)
	if err != nil {
		return err
	}

	lock := m.deployLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := m.compose.Down(ctx, d.ComposePath, d.EnvPath); err != nil {
		m.logger.Warn("compose down during remove failed",
			zap.String("deployment_id", id), zap.Error(err))
	}
	if err := os.RemoveAll(d.Dir); err != nil {
		return fmt.Errorf("failed to delete deployment directory: %w", err)
	}

	m.mu.Lock()
	delete(m.deployments, id)
	if m.masterID == id {
		m.masterID = ""
	}
	m.mu.Unlock()

	m.logger.Info("deployment removed", zap.String("deployment_id", id))
	return nil
}

// Restart force-recreates a deployment's containers. It deliberately runs
// up --force-recreate rather than the restart subcommand: restart reuses
// the old process environment, while recreation re-reads the env file.
func (m *Manager) Restart(ctx context.Context, id string) (*Deployment, error) {
	d, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	lock := m.deployLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := m.compose.Up(ctx, d.ComposePath, d.EnvPath, false); err != nil {
		m.setStatus(id, StatusFailed, err.Error())
		m.logger.WithDeploymentID(id).Error("deployment restart failed", zap.Error(err))
		return nil, err
	}
	m.setStatus(id, StatusRunning, "")
	m.logger.Info("deployment restarted", zap.String("deployment_id", id))
	return m.Get(id)
}

// UpdateEnv rewrites the deployment's env file with the given key/value
// updates, preserving comments and key order. Containers are not restarted;
// changes take effect on the next launch or restart.
func (m *Manager) UpdateEnv(ctx context.Context, id string, updates map[string]string) (*Deployment, error) {
	d, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if len(updates) == 0 {
		return d, nil
	}

	lock := m.deployLock(id)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(d.EnvPath); err != nil {
		return nil, fmt.Errorf("%w: env file for %s", ErrNotFound, id)
	}
	if err := envfile.Update(d.EnvPath, updates); err != nil {
		return nil, err
	}
	m.refreshIdentity(id, updates)

	keys := make([]string, 0, len(updates))
	for k := range updates {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	m.logger.Info("deployment env updated",
		zap.String("deployment_id", id),
		zap.Strings("keys", keys))
	return m.Get(id)
}

// Info returns the deployment descriptor together with its parsed env file,
// masked for display plus the full values for editing.
func (m *Manager) Info(id string) (*Info, error) {
	d, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(d.Dir); err != nil {
		return nil, fmt.Errorf("%w: directory for %s", ErrNotFound, id)
	}
	env, err := envfile.Read(d.EnvPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: env file for %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &Info{
		Deployment:    *d,
		EnvConfig:     envfile.Mask(env),
		EnvConfigFull: env,
	}, nil
}

// Logs returns the tail of the deployment's container logs.
func (m *Manager) Logs(ctx context.Context, id string, tail int) (string, error) {
	d, err := m.Get(id)
	if err != nil {
		return "", err
	}
	if tail <= 0 {
		tail = defaultLogTail
	}
	return m.compose.Logs(ctx, d.ComposePath, d.EnvPath, tail)
}

// Restore rebuilds the in-memory deployment map from the deployment
// directories on disk. Directories without a PORT in their env file are
// skipped; missing names are generated and persisted. Container state is
// probed per deployment with a bounded compose ps. Restore runs at most
// once per process; later calls are no-ops.
func (m *Manager) Restore(ctx context.Context) error {
	m.mu.Lock()
	if m.restored {
		m.mu.Unlock()
		return nil
	}
	m.restored = true
	m.mu.Unlock()

	entries, err := os.ReadDir(m.cfg.RootDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to scan deployments directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		d, err := m.restoreOne(ctx, id)
		if err != nil {
			m.logger.Warn("skipping deployment during restore",
				zap.String("deployment_id", id), zap.Error(err))
			continue
		}
		m.mu.Lock()
		m.deployments[id] = d
		m.mu.Unlock()
		m.logger.Info("deployment restored",
			zap.String("deployment_id", id),
			zap.String("name", d.Name),
			zap.String("status", string(d.Status)))
	}
	return nil
}

func (m *Manager) restoreOne(ctx context.Context, id string) (*Deployment, error) {
	dir := filepath.Join(m.cfg.RootDir, id)
	envPath := filepath.Join(dir, ".env")
	composePath := filepath.Join(dir, composeFileName)

	env, err := envfile.Read(envPath)
	if err != nil {
		return nil, err
	}
	rawPort, ok := env[envKeyPort]
	if !ok || strings.TrimSpace(rawPort) == "" {
		return nil, fmt.Errorf("env file has no %s", envKeyPort)
	}
	port, err := strconv.Atoi(strings.TrimSpace(rawPort))
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", envKeyPort, rawPort, err)
	}

	name := env[envKeyName]
	if name == "" {
		name = m.pickUniqueName()
		if err := envfile.Update(envPath, map[string]string{envKeyName: name}); err != nil {
			return nil, fmt.Errorf("failed to persist generated name: %w", err)
		}
	}

	status := StatusStopped
	psCtx, cancel := context.WithTimeout(ctx, composeStatusTimeout)
	containers, err := m.compose.Containers(psCtx, composePath, envPath)
	cancel()
	if err != nil {
		m.logger.Warn("compose status probe failed, assuming stopped",
			zap.String("deployment_id", id), zap.Error(err))
	} else {
		for _, c := range containers {
			if c.State == ContainerStateRunning {
				status = StatusRunning
				break
			}
		}
	}

	return &Deployment{
		ID:           id,
		Name:         name,
		Port:         port,
		GatewayToken: env[envKeyToken],
		Dir:          dir,
		EnvPath:      envPath,
		ComposePath:  composePath,
		Status:       status,
	}, nil
}

// Get returns a snapshot of the deployment descriptor.
func (m *Manager) Get(id string) (*Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deployments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d.clone(), nil
}

// List returns snapshots of all tracked deployments ordered by id.
func (m *Manager) List() []*Deployment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Deployment, 0, len(m.deployments))
	for _, d := range m.deployments {
		out = append(out, d.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetMaster designates the deployment orchestrated tasks run against. An
// empty id clears the designation.
func (m *Manager) SetMaster(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		m.masterID = ""
		return nil
	}
	if _, ok := m.deployments[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	m.masterID = id
	return nil
}

// Master returns the master deployment, or nil when none is set. A stale
// designation pointing at a removed deployment is cleared on read.
func (m *Manager) Master() *Deployment {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.masterID == "" {
		return nil
	}
	d, ok := m.deployments[m.masterID]
	if !ok {
		m.masterID = ""
		return nil
	}
	return d.clone()
}

// MasterID returns the current master deployment id, or "".
func (m *Manager) MasterID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.masterID
}

// GatewayEndpoint resolves a deployment to its gateway websocket endpoint.
// It implements the endpoint source consumed by the gateway client pool.
func (m *Manager) GatewayEndpoint(ctx context.Context, deploymentID string) (gateway.Endpoint, error) {
	d, err := m.Get(deploymentID)
	if err != nil {
		return gateway.Endpoint{}, err
	}
	host := m.cfg.GatewayHost
	if host == "" {
		host = "127.0.0.1"
	}
	return gateway.Endpoint{
		URL:   fmt.Sprintf("ws://%s:%d", host, d.Port),
		Token: d.GatewayToken,
	}, nil
}

func (m *Manager) newID() (string, error) {
	for i := 0; i < idAttempts; i++ {
		id := ids.NewDeploymentID()
		m.mu.RLock()
		_, tracked := m.deployments[id]
		m.mu.RUnlock()
		if tracked {
			continue
		}
		if _, err := os.Stat(filepath.Join(m.cfg.RootDir, id)); err == nil {
			continue
		}
		return id, nil
	}
	return "", fmt.Errorf("failed to allocate a deployment id")
}

// resolvePort honors a PORT override or draws a random port unused by any
// tracked deployment and currently bindable on the host. Overrides are taken
// as given; an occupied override surfaces when compose tries to bind it.
func (m *Manager) resolvePort(overrides map[string]string) (int, error) {
	if raw, ok := overrides[envKeyPort]; ok {
		port, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || port <= 0 || port > 65535 {
			return 0, fmt.Errorf("%w: %s=%q", ErrInvalidOverride, envKeyPort, raw)
		}
		return port, nil
	}

	m.mu.RLock()
	used := make(map[int]bool, len(m.deployments))
	for _, d := range m.deployments {
		used[d.Port] = true
	}
	m.mu.RUnlock()

	for i := 0; i < portAttempts; i++ {
		port := portRangeMin + rand.IntN(portRangeMax-portRangeMin+1)
		if used[port] || !portutil.Free(port) {
			continue
		}
		return port, nil
	}
	return 0, ErrPortsExhausted
}

func (m *Manager) pickUniqueName() string {
	m.mu.RLock()
	taken := make(map[string]bool, len(m.deployments))
	for _, d := range m.deployments {
		taken[d.Name] = true
	}
	m.mu.RUnlock()
	return pickName(taken)
}

func (m *Manager) copyComposeFile(dir string) (string, error) {
	raw, err := os.ReadFile(m.cfg.ComposeSource)
	if err != nil {
		return "", fmt.Errorf("failed to read compose template %s: %w", m.cfg.ComposeSource, err)
	}
	dst := filepath.Join(dir, composeFileName)
	if err := os.WriteFile(dst, raw, 0o644); err != nil {
		return "", fmt.Errorf("failed to copy compose file: %w", err)
	}
	return dst, nil
}

func (m *Manager) setStatus(id string, status Status, lastError string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.deployments[id]; ok {
		d.Status = status
		d.LastError = lastError
	}
}

// refreshIdentity mirrors identity env keys changed through UpdateEnv into
// the in-memory descriptor.
func (m *Manager) refreshIdentity(id string, updates map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok {
		return
	}
	if raw, has := updates[envKeyPort]; has {
		if port, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
			d.Port = port
		}
	}
	if v, has := updates[envKeyToken]; has {
		d.GatewayToken = v
	}
	if v, has := updates[envKeyName]; has {
		d.Name = v
	}
}

// deployLock returns the mutex serializing compose and env file operations
// for one deployment.
func (m *Manager) deployLock(id string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	if lock, ok := m.deployLocks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	m.deployLocks[id] = lock
	return lock
}

// sortedExtraEntries returns override entries excluding the identity keys,
// sorted for a stable file layout.
func sortedExtraEntries(overrides map[string]string) []envEntry {
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		switch k {
		case envKeyPort, envKeyToken, envKeyName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	entries := make([]envEntry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, envEntry{Key: k, Value: overrides[k]})
	}
	return entries
}
