package llm

import (
	"fmt"
	"strings"

	"github.com/clawdeck/clawdeck/internal/common/config"
)

// Provider identifies an LLM backend.
type Provider string

const (
	ProviderOpenRouter Provider = "openrouter"
	ProviderRunpod     Provider = "runpod"
	ProviderCustom     Provider = "custom"
)

const defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

// Env file keys understood by Switch. They match the keys the settings env
// file uses so a switch persists exactly what a restart would read back.
const (
	EnvProvider          = "LLM_PROVIDER"
	EnvOpenRouterBaseURL = "OPENROUTER_BASE_URL"
	EnvOpenRouterAPIKey  = "OPENROUTER_API_KEY"
	EnvRunpodAPIKey      = "RUNPOD_API_KEY"
	EnvRunpodEndpointID  = "RUNPOD_ENDPOINT_ID"
	EnvRunpodModelName   = "RUNPOD_MODEL_NAME"
	EnvCustomBaseURL     = "CUSTOM_LLM_BASE_URL"
	EnvCustomAPIKey      = "CUSTOM_LLM_API_KEY"
	EnvCustomModelName   = "CUSTOM_LLM_MODEL_NAME"
)

// Settings holds the raw provider configuration before validation.
type Settings struct {
	Provider          Provider
	OpenRouterBaseURL string
	OpenRouterAPIKey  string
	RunpodAPIKey      string
	RunpodEndpointID  string
	RunpodModelName   string
	CustomBaseURL     string
	CustomAPIKey      string
	CustomModelName   string
}

// SettingsFromConfig seeds settings from the loaded configuration.
func SettingsFromConfig(cfg config.LLMConfig) Settings {
	return Settings{
		Provider:          Provider(cfg.Provider),
		OpenRouterBaseURL: cfg.OpenRouterBaseURL,
		OpenRouterAPIKey:  cfg.OpenRouterAPIKey,
		RunpodAPIKey:      cfg.RunpodAPIKey,
		RunpodEndpointID:  cfg.RunpodEndpointID,
		RunpodModelName:   cfg.RunpodModelName,
		CustomBaseURL:     cfg.CustomBaseURL,
		CustomAPIKey:      cfg.CustomAPIKey,
		CustomModelName:   cfg.CustomModelName,
	}
}

// applyEnv sets the field addressed by an env file key. It reports whether
// the key is one the settings understand.
func (s *Settings) applyEnv(key, value string) bool {
	switch key {
	case EnvProvider:
		s.Provider = Provider(value)
	case EnvOpenRouterBaseURL:
		s.OpenRouterBaseURL = value
	case EnvOpenRouterAPIKey:
		s.OpenRouterAPIKey = value
	case EnvRunpodAPIKey:
		s.RunpodAPIKey = value
	case EnvRunpodEndpointID:
		s.RunpodEndpointID = value
	case EnvRunpodModelName:
		s.RunpodModelName = value
	case EnvCustomBaseURL:
		s.CustomBaseURL = value
	case EnvCustomAPIKey:
		s.CustomAPIKey = value
	case EnvCustomModelName:
		s.CustomModelName = value
	default:
		return false
	}
	return true
}

// Resolved is a validated provider ready to serve requests.
type Resolved struct {
	Provider Provider
	BaseURL  string
	APIKey   string
	// ModelOverride, when set, replaces the caller-supplied model on every
	// request. RunPod and custom endpoints serve exactly one model.
	ModelOverride string
}

// Resolve validates the active provider's settings and materializes the
// request parameters. Missing requirements are reported by env key so the
// operator knows exactly what to set.
func (s Settings) Resolve() (Resolved, error) {
	switch s.Provider {
	case ProviderOpenRouter:
		if s.OpenRouterAPIKey == "" {
			return Resolved{}, fmt.Errorf("%w: openrouter requires %s", ErrNotConfigured, EnvOpenRouterAPIKey)
		}
		base := s.OpenRouterBaseURL
		if base == "" {
			base = defaultOpenRouterBaseURL
		}
		return Resolved{
			Provider: ProviderOpenRouter,
			BaseURL:  strings.TrimRight(base, "/"),
			APIKey:   s.OpenRouterAPIKey,
		}, nil

	case ProviderRunpod:
		var missing []string
		if s.RunpodAPIKey == "" {
			missing = append(missing, EnvRunpodAPIKey)
		}
		if s.RunpodEndpointID == "" {
			missing = append(missing, EnvRunpodEndpointID)
		}
		if s.RunpodModelName == "" {
			missing = append(missing, EnvRunpodModelName)
		}
		if len(missing) > 0 {
			return Resolved{}, fmt.Errorf("%w: runpod requires %s", ErrNotConfigured, strings.Join(missing, ", "))
		}
		return Resolved{
			Provider:      ProviderRunpod,
			BaseURL:       fmt.Sprintf("https://api.runpod.ai/v2/%s/openai/v1", s.RunpodEndpointID),
			APIKey:        s.RunpodAPIKey,
			ModelOverride: s.RunpodModelName,
		}, nil

	case ProviderCustom:
		var missing []string
		if s.CustomBaseURL == "" {
			missing = append(missing, EnvCustomBaseURL)
		}
		if s.CustomAPIKey == "" {
			missing = append(missing, EnvCustomAPIKey)
		}
		if s.CustomModelName == "" {
			missing = append(missing, EnvCustomModelName)
		}
		if len(missing) > 0 {
			return Resolved{}, fmt.Errorf("%w: custom provider requires %s", ErrNotConfigured, strings.Join(missing, ", "))
		}
		return Resolved{
			Provider:      ProviderCustom,
			BaseURL:       strings.TrimRight(s.CustomBaseURL, "/"),
			APIKey:        s.CustomAPIKey,
			ModelOverride: s.CustomModelName,
		}, nil

	default:
		return Resolved{}, fmt.Errorf("%w: unknown provider %q", ErrNotConfigured, s.Provider)
	}
}
