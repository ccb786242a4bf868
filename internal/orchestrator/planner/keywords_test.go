package planner

import (
	"strings"
	"testing"
)

func TestKeywordMatch(t *testing.T) {
	tests := []struct {
		task string
		want string
	}{
		{"fix the login page css", "frontend"},
		{"add a rest api for invoices", "backend"},
		{"write the users table migration", "database"},
		{"containerize the service with docker", "devops"},
		{"add unit tests for the parser", "qa"},
		{"make the thing better", "fullstack"},
		{"", "fullstack"},
		{"ADD AUTHENTICATION TO THE SERVER", "backend"},
	}
	for _, tt := range tests {
		if got := KeywordMatch(tt.task); got != tt.want {
			t.Errorf("KeywordMatch(%q) = %q, want %q", tt.task, got, tt.want)
		}
	}
}

func TestIsComplexKeywordHits(t *testing.T) {
	if !IsComplex("build a rest api with authentication") {
		t.Error("two keyword hits should be complex")
	}
	if IsComplex("build a rest api") {
		t.Error("one keyword hit is not complex")
	}
	if IsComplex("rename a variable") {
		t.Error("no keyword hits is not complex")
	}
}

func TestIsComplexLongDescriptions(t *testing.T) {
	long := strings.Repeat("do the thing and then some ", 10)
	if len(long) <= 200 {
		t.Fatalf("fixture is too short: %d", len(long))
	}
	if !IsComplex(long) {
		t.Error("descriptions over 200 chars are complex")
	}

	if IsComplex(strings.Repeat("x", 200)) {
		t.Error("exactly 200 chars is not over the threshold")
	}
}

func TestWrapDelegation(t *testing.T) {
	wrapped := WrapDelegation("build the billing service")
	if !strings.Contains(wrapped, "sessions_spawn") {
		t.Error("delegation prompt must name the sessions_spawn tool")
	}
	if !strings.HasSuffix(wrapped, "build the billing service") {
		t.Errorf("original task must close the prompt: %q", wrapped)
	}
}
