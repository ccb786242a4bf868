package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const probeHTTPTimeout = 5 * time.Second

// ProbeResult summarizes a deployment health check. HTTPOK means the
// gateway port answered any HTTP request; WSOK means a full WebSocket
// handshake succeeded. Detail carries the failure reason when a stage
// fails.
type ProbeResult struct {
	Healthy bool   `json:"healthy"`
	HTTPOK  bool   `json:"http_ok"`
	WSOK    bool   `json:"ws_ok"`
	Detail  string `json:"detail,omitempty"`
}

// Probe checks whether the gateway behind cfg.URL is reachable over
// HTTP and accepts a WebSocket handshake with the configured identity.
// The connection opened for the check is closed before returning.
func Probe(ctx context.Context, cfg Config) *ProbeResult {
	result := &ProbeResult{}

	httpClient := &http.Client{
		Timeout: probeHTTPTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpEndpoint(cfg.URL), nil)
	if err == nil {
		if resp, httpErr := httpClient.Do(req); httpErr == nil {
			// Any answer counts, including 404 and 426; the check is
			// about the port being served, not the path.
			resp.Body.Close()
			result.HTTPOK = true
		} else {
			result.Detail = httpErr.Error()
		}
	} else {
		result.Detail = err.Error()
	}

	cfg.MaxReconnectTries = -1
	client := NewClient(cfg)
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
		result.Detail = err.Error()
	} else {
		result.WSOK = true
	}

	result.Healthy = result.HTTPOK && result.WSOK
	return result
}

// httpEndpoint converts a WebSocket URL to its HTTP equivalent.
func httpEndpoint(wsURL string) string {
	parsed, err := url.Parse(wsURL)
	if err != nil {
		return wsURL
	}
	switch strings.ToLower(parsed.Scheme) {
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	}
	return parsed.String()
}
