// Package portutil probes host port availability for the deployment
// manager's port allocator.
package portutil

import (
	"fmt"
	"net"
)

// Free reports whether the host can currently bind the port on all
// interfaces. A free result is advisory: the port can be claimed again
// between the probe and the eventual compose bind.
func Free(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
