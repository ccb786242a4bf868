package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNotConnected is returned when an RPC is attempted on a client
	// without a live connection, including requests that were in flight
	// when the connection dropped.
	ErrNotConnected = errors.New("gateway client not connected")

	// ErrTimeout is returned when the gateway does not answer a request
	// within its deadline.
	ErrTimeout = errors.New("gateway request timed out")

	// ErrCloudflareAccessBlocked indicates the endpoint sits behind
	// Cloudflare Access and the service-token credentials were missing
	// or rejected.
	ErrCloudflareAccessBlocked = errors.New("blocked by cloudflare access")
)

// RemoteError is an error reported by the gateway itself in a response
// frame, as opposed to a transport failure on the way there.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway error %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("gateway error: %s", e.Message)
}

// HandshakeError reports a failure while establishing the gateway
// session, before the connection is usable for RPC.
type HandshakeError struct {
	Stage string
	Err   error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("gateway handshake failed during %s: %v", e.Stage, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

const cloudflareAccessDomain = "cloudflareaccess.com"

// isCloudflareBlocked applies the detection heuristic for Cloudflare
// Access interception: the dial error, close reason, or HTTP redirect
// target mentions the Access domain.
func isCloudflareBlocked(err error, resp *http.Response) bool {
	if err != nil && strings.Contains(err.Error(), cloudflareAccessDomain) {
		return true
	}
	if resp != nil {
		if strings.Contains(resp.Header.Get("Location"), cloudflareAccessDomain) {
			return true
		}
		if strings.Contains(resp.Header.Get("Server"), "cloudflare") && resp.StatusCode == http.StatusFound {
			return true
		}
	}
	return false
}
