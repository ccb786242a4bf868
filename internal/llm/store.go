package llm

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/config"
	"github.com/clawdeck/clawdeck/internal/common/envfile"
	"github.com/clawdeck/clawdeck/internal/common/logger"
)

// Store holds the live provider settings. Clients resolve through the store
// on every request, so a Switch takes effect immediately without rebuilding
// anything downstream.
type Store struct {
	logger  *logger.Logger
	envPath string

	mu       sync.RWMutex
	settings Settings
}

// NewStore seeds a store from the loaded configuration. SettingsPath names
// the env file Switch persists to; an empty path keeps switches in memory
// only.
func NewStore(cfg config.LLMConfig, log *logger.Logger) *Store {
	if log == nil {
		log = logger.Default()
	}
	return &Store{
		logger:   log.WithFields(zap.String("component", "llm-settings")),
		envPath:  cfg.SettingsPath,
		settings: SettingsFromConfig(cfg),
	}
}

// Current returns a copy of the raw settings.
func (s *Store) Current() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Provider returns the active provider name, configured or not.
func (s *Store) Provider() Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.Provider
}

// Resolve validates the current settings into request parameters.
func (s *Store) Resolve() (Resolved, error) {
	return s.Current().Resolve()
}

// Switch activates a provider, applying field updates keyed by env file key.
// The candidate settings must resolve before anything is committed; a failed
// switch leaves both memory and the env file untouched. On success the
// provider choice and the updated keys are persisted so they survive a
// restart.
func (s *Store) Switch(provider Provider, updates map[string]string) (Resolved, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.settings
	next.Provider = provider
	var unknown []string
	for key, value := range updates {
		if key == EnvProvider {
			// Provider is positional; a conflicting update would be ambiguous.
			continue
		}
		if !next.applyEnv(key, value) {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return Resolved{}, fmt.Errorf("unknown llm settings keys: %s", strings.Join(unknown, ", "))
	}

	resolved, err := next.Resolve()
	if err != nil {
		return Resolved{}, err
	}

	if err := s.persist(provider, updates); err != nil {
		return Resolved{}, fmt.Errorf("failed to persist llm settings: %w", err)
	}

	s.settings = next
	s.logger.Info("llm provider switched",
		zap.String("provider", string(provider)),
		zap.Int("updated_keys", len(updates)))
	return resolved, nil
}

func (s *Store) persist(provider Provider, updates map[string]string) error {
	if s.envPath == "" {
		return nil
	}
	merged := map[string]string{EnvProvider: string(provider)}
	for key, value := range updates {
		merged[key] = value
	}
	if _, err := os.Stat(s.envPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		header := "# Clawdeck settings. Managed keys are rewritten in place.\n"
		if err := os.WriteFile(s.envPath, []byte(header), envfile.FileMode); err != nil {
			return err
		}
	}
	return envfile.Update(s.envPath, merged)
}
