// Package llm routes chat completions to the configured provider. All three
// providers (OpenRouter, RunPod, custom) speak the OpenAI-compatible
// chat/completions API; they differ only in base URL, credentials and
// whether the served model name is forced.
package llm

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured is returned when the active provider is missing
	// required settings.
	ErrNotConfigured = errors.New("llm provider not configured")

	// ErrInvalidJSON is returned when a JSON-only request still produced
	// unparseable output after the stricter retry.
	ErrInvalidJSON = errors.New("llm returned invalid JSON")
)

// HTTPError reports a non-200 response from the provider API.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("llm api error (status %d): %s", e.Status, e.Body)
}
