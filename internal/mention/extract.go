package mention

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/clawdeck/clawdeck/internal/gateway"
)

// knownRoles is the whitelist of role tokens a remote Jason plausibly
// spawns. Extraction never invents roles outside it; spawns with an
// unknown role become generic Worker-N entries.
var knownRoles = map[string]bool{
	"researcher": true, "qa": true, "verifier": true, "planner": true,
	"coder": true, "designer": true, "tester": true, "reviewer": true,
	"writer": true, "analyst": true, "architect": true, "debugger": true,
	"documenter": true, "editor": true, "summarizer": true, "validator": true,
	"checker": true, "qa/verifier": true, "code reviewer": true,
}

// Accepted spawn acknowledgements appear in history as tool output whose
// JSON carries an accepted status plus the child session key. The content
// arrives either as raw JSON or as a JSON-encoded string, so the patterns
// tolerate escaped quotes.
var (
	spawnAcceptedRe = regexp.MustCompile(`\\?"status\\?"\s*:\s*\\?"accepted\\?"`)
	spawnKeyRe      = regexp.MustCompile(`\\?"childSessionKey\\?"\s*:\s*\\?"(agent:[^"\\]+)\\?"`)
)

// spawn is one accepted sessions_spawn acknowledgement from history.
type spawn struct {
	SessionKey string
	Role       string // lower-cased role segment of the key, "" when absent
}

// spawnsIn scans a history snapshot for accepted spawn acknowledgements,
// in history order.
func spawnsIn(history []gateway.ChatMessage) []spawn {
	var out []spawn
	for i := range history {
		raw := string(history[i].Content)
		if raw == "" || !spawnAcceptedRe.MatchString(raw) {
			continue
		}
		for _, match := range spawnKeyRe.FindAllStringSubmatch(raw, -1) {
			key := match[1]
			out = append(out, spawn{SessionKey: key, Role: roleFromSessionKey(key)})
		}
	}
	return out
}

// roleFromSessionKey pulls the role out of "agent:<role>:subagent:<uuid>".
func roleFromSessionKey(key string) string {
	parts := strings.Split(key, ":")
	if len(parts) >= 2 && parts[0] == "agent" {
		return strings.ToLower(parts[1])
	}
	return ""
}

// Worker is one extracted sub-agent: either acknowledged by the gateway,
// announced in the reply text, or both.
type Worker struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	SessionKey  string `json:"session_key,omitempty"`
}

var (
	launchedRe   = regexp.MustCompile(`(?i)\b(?:launched|spawn(?:ing)?)\s+([A-Za-z][\w/-]*)\s+(?:session|sub-agent)`)
	delegatingRe = regexp.MustCompile(`(?i)\bdelegating to a\s+(\w+)\s+sub-agent`)

	// "<KnownRole> (<description>)", longest roles first so composites
	// like "qa/verifier" win over their prefixes.
	knownRoleRe = func() *regexp.Regexp {
		roles := make([]string, 0, len(knownRoles))
		for role := range knownRoles {
			roles = append(roles, regexp.QuoteMeta(role))
		}
		sort.Slice(roles, func(i, j int) bool { return len(roles[i]) > len(roles[j]) })
		return regexp.MustCompile(`(?i)\b(` + strings.Join(roles, "|") + `)\s*\(([^)]{1,200})\)`)
	}()
)

// workersFromText extracts announced workers from the reply text, trying
// the announcement patterns from most to least explicit. The first
// pattern that matches anything wins; the patterns are alternative
// phrasings of the same announcement and combining them double-counts.
func workersFromText(text string) []Worker {
	if workers := matchLaunched(text); len(workers) > 0 {
		return workers
	}
	if workers := matchRoleParen(text); len(workers) > 0 {
		return workers
	}
	return matchDelegating(text)
}

func matchLaunched(text string) []Worker {
	var out []Worker
	for _, m := range launchedRe.FindAllStringSubmatch(text, -1) {
		out = append(out, Worker{Name: capitalize(m[1])})
	}
	return out
}

func matchRoleParen(text string) []Worker {
	var out []Worker
	for _, m := range knownRoleRe.FindAllStringSubmatch(text, -1) {
		out = append(out, Worker{Name: capitalize(strings.ToLower(m[1])), Description: strings.TrimSpace(m[2])})
	}
	return out
}

func matchDelegating(text string) []Worker {
	var out []Worker
	for _, m := range delegatingRe.FindAllStringSubmatch(text, -1) {
		role := strings.ToLower(m[1])
		if !knownRoles[role] {
			continue
		}
		out = append(out, Worker{Name: capitalize(role)})
	}
	return out
}

// combineWorkers reconciles spawn acknowledgements with text
// announcements. Spawns are authoritative for the count; the text
// supplies names and descriptions positionally. With no spawns the text
// stands alone.
func combineWorkers(spawns []spawn, named []Worker) []Worker {
	if len(spawns) == 0 {
		return named
	}
	out := make([]Worker, len(spawns))
	for i, sp := range spawns {
		w := Worker{SessionKey: sp.SessionKey}
		switch {
		case i < len(named):
			w.Name = named[i].Name
			w.Description = named[i].Description
		case sp.Role != "" && knownRoles[sp.Role]:
			w.Name = capitalize(sp.Role)
		default:
			w.Name = fmt.Sprintf("Worker-%d", i+1)
		}
		out[i] = w
	}
	return out
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[size:]
}
