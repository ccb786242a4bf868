package planner

import "strings"

// agentKeywords routes a task to a specialist when its description leans one
// way. First match wins; order goes from the most specific signals to the
// broadest.
var agentKeywords = []struct {
	keyword   string
	agentType string
}{
	{"migration", "database"},
	{"schema", "database"},
	{"database", "database"},
	{"sql", "database"},
	{"query", "database"},
	{"docker", "devops"},
	{"kubernetes", "devops"},
	{"deploy", "devops"},
	{"pipeline", "devops"},
	{"ci/cd", "devops"},
	{"infrastructure", "devops"},
	{"unit test", "qa"},
	{"test coverage", "qa"},
	{"regression", "qa"},
	{"e2e", "qa"},
	{"frontend", "frontend"},
	{"ui", "frontend"},
	{"css", "frontend"},
	{"react", "frontend"},
	{"component", "frontend"},
	{"backend", "backend"},
	{"rest api", "backend"},
	{"endpoint", "backend"},
	{"server", "backend"},
	{"authentication", "backend"},
}

// KeywordMatch picks the expert profile for a task from keyword hits,
// defaulting to fullstack.
func KeywordMatch(task string) string {
	lower := strings.ToLower(task)
	for _, k := range agentKeywords {
		if strings.Contains(lower, k.keyword) {
			return k.agentType
		}
	}
	return DefaultAgentType
}

// complexityKeywords signal work that spans several concerns. Two distinct
// hits mark a task complex.
var complexityKeywords = []string{
	"rest api",
	"authentication",
	"database",
	"unit test",
	"crud",
	"frontend",
	"backend",
	"docker",
	"deployment",
	"migration",
	"websocket",
	"integration",
	"microservice",
	"validation",
	"caching",
	"middleware",
}

const (
	complexKeywordHits     = 2
	complexLengthThreshold = 200
)

// IsComplex reports whether a task should be decomposed rather than handled
// in one pass: two or more complexity keywords, or a description longer than
// 200 characters.
func IsComplex(task string) bool {
	if len(task) > complexLengthThreshold {
		return true
	}
	lower := strings.ToLower(task)
	hits := 0
	for _, k := range complexityKeywords {
		if strings.Contains(lower, k) {
			hits++
			if hits >= complexKeywordHits {
				return true
			}
		}
	}
	return false
}

// delegationPrefix instructs a remote coordinator agent to fan complex work
// out to specialist sub-agents instead of answering inline.
const delegationPrefix = `This task is complex and should be delegated. Break it into subtasks and call the sessions_spawn tool once per subtask to launch a specialist sub-agent (researcher, coder, qa, reviewer, ...). Announce each sub-agent you launch, then coordinate their results into a final answer. Do not attempt the whole task yourself.

Task: `

// WrapDelegation prefixes a task with the delegation instructions sent to a
// remote coordinator.
func WrapDelegation(task string) string {
	return delegationPrefix + task
}
