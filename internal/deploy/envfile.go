package deploy

import (
	"fmt"
	"strings"
)

// Env file keys the manager itself reads and writes. Everything else in the
// file belongs to the gateway container and is passed through untouched.
const (
	envKeyPort  = "PORT"
	envKeyToken = "OPENCLAW_GATEWAY_TOKEN"
	envKeyName  = "DEPLOY_NAME"
)

// envEntry is a single KEY=VALUE pair with a stable position, used when
// rendering a fresh env file.
type envEntry struct {
	Key   string
	Value string
}

// renderEnvFile produces the initial env file for a deployment. Entries keep
// their given order so the identity keys stay at the top where operators
// expect them.
func renderEnvFile(id string, entries []envEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Deployment %s\n", id)
	b.WriteString("# Read by docker compose via --env-file. Edit through the deployments API\n")
	b.WriteString("# to keep comments and ordering intact.\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%s=%s\n", e.Key, e.Value)
	}
	return b.String()
}
