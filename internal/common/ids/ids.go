// Package ids generates the short hex identifiers used across stores.
package ids

import (
	"crypto/rand"
	"encoding/hex"
)

// New returns an 8-hex-char identifier for missions, agents and chat rows.
func New() string {
	return randomHex(4)
}

// NewDeploymentID returns a 10-hex-char deployment identifier.
func NewDeploymentID() string {
	return randomHex(5)
}

// NewToken returns a 128-bit hex-encoded secret.
func NewToken() string {
	return randomHex(16)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
