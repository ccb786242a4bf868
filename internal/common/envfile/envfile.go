// Package envfile reads and rewrites dotenv files. The writer works line by
// line so comments, blank lines and key ordering survive updates, which
// matters because deployment env files and the control plane's own .env are
// hand-edited as well as machine-managed.
package envfile

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

// FileMode is the permission set for env files, which hold secrets.
const FileMode = 0o600

// Read parses an env file into a map.
func Read(path string) (map[string]string, error) {
	env, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read env file %s: %w", path, err)
	}
	return env, nil
}

// Update rewrites the env file at path, replacing the value of every key
// present in updates and appending keys the file does not have yet. Comment
// lines, blank lines and the ordering of existing keys survive the rewrite
// untouched; appended keys are sorted for a stable layout.
func Update(path string, updates map[string]string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read env file %s: %w", path, err)
	}

	pending := make(map[string]string, len(updates))
	for k, v := range updates {
		pending[k] = v
	}

	lines := strings.Split(string(raw), "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		key, ok := lineKey(line)
		if !ok {
			continue
		}
		if value, has := pending[key]; has {
			lines[i] = key + "=" + value
			delete(pending, key)
		}
	}

	out := strings.Join(lines, "\n")
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	if len(pending) > 0 {
		keys := make([]string, 0, len(pending))
		for k := range pending {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out += k + "=" + pending[k] + "\n"
		}
	}

	if err := os.WriteFile(path, []byte(out), FileMode); err != nil {
		return fmt.Errorf("failed to write env file %s: %w", path, err)
	}
	return nil
}

// lineKey extracts the key from a KEY=VALUE line.
func lineKey(line string) (string, bool) {
	eq := strings.Index(line, "=")
	if eq <= 0 {
		return "", false
	}
	key := strings.TrimSpace(line[:eq])
	if key == "" {
		return "", false
	}
	return key, true
}

const maskPlainLimit = 12

var sensitiveKeyMarkers = []string{"KEY", "TOKEN", "SECRET", "PASSWORD"}

// IsSensitiveKey reports whether an env key should be masked in API output.
func IsSensitiveKey(key string) bool {
	upper := strings.ToUpper(key)
	for _, marker := range sensitiveKeyMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

// MaskValue shortens a secret to its first eight and last four characters.
// Values of twelve characters or fewer are returned as-is since the mask
// would reveal them entirely anyway.
func MaskValue(value string) string {
	if len(value) <= maskPlainLimit {
		return value
	}
	return value[:8] + "…" + value[len(value)-4:]
}

// Mask returns a copy of env with sensitive values masked.
func Mask(env map[string]string) map[string]string {
	masked := make(map[string]string, len(env))
	for k, v := range env {
		if IsSensitiveKey(k) {
			masked[k] = MaskValue(v)
		} else {
			masked[k] = v
		}
	}
	return masked
}
