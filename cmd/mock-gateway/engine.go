package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/clawdeck/clawdeck/internal/gateway"
)

// mockModel is reported on every scripted assistant reply. The poller
// only accepts replies whose model field is set, so it must be non-empty.
const mockModel = "mock/mock-1"

type replyKind int

const (
	replyCanned replyKind = iota
	replyEcho
	replyFail
	replyQuiet
)

// replyScript is the parsed form of a prompt directive.
type replyScript struct {
	kind replyKind
	text string
}

// scriptFor interprets the leading slash directive of a prompt. Prompts
// without a directive get a canned acknowledgement; real orchestrator
// prompts start with an expert system prompt and never match one.
//
//	/echo <text>   reply with <text> verbatim
//	/fail [<msg>]  land an error entry in the history
//	/quiet         accept the send but never reply
func scriptFor(content string) replyScript {
	trimmed := strings.TrimSpace(content)
	switch {
	case trimmed == "/quiet":
		return replyScript{kind: replyQuiet}
	case trimmed == "/fail":
		return replyScript{kind: replyFail, text: "mock run failure"}
	case strings.HasPrefix(trimmed, "/fail "):
		return replyScript{kind: replyFail, text: strings.TrimSpace(strings.TrimPrefix(trimmed, "/fail "))}
	case strings.HasPrefix(trimmed, "/echo"):
		return replyScript{kind: replyEcho, text: strings.TrimSpace(strings.TrimPrefix(trimmed, "/echo"))}
	default:
		return replyScript{kind: replyCanned, text: fmt.Sprintf("Mock reply: handled %d characters.", len(content))}
	}
}

// storedMessage is one entry of a session transcript.
type storedMessage struct {
	Role         string
	Model        string
	Text         string
	StopReason   string
	ErrorMessage string
}

// wire renders the entry in the shape the history RPC returns: assistant
// content as typed text blocks, user content as a plain string.
func (m storedMessage) wire() gateway.ChatMessage {
	msg := gateway.ChatMessage{
		Role:         m.Role,
		Model:        m.Model,
		StopReason:   m.StopReason,
		ErrorMessage: m.ErrorMessage,
	}
	if m.Text == "" {
		return msg
	}
	if m.Role == "assistant" {
		blocks := []map[string]string{{"type": "text", "text": m.Text}}
		msg.Content, _ = json.Marshal(blocks)
	} else {
		msg.Content, _ = json.Marshal(m.Text)
	}
	return msg
}

type pendingRun struct {
	script  replyScript
	aborted bool
	done    bool
}

type session struct {
	messages  []storedMessage
	runs      map[string]*pendingRun
	runsByKey map[string]string
}

// sessionStore holds the per-session transcripts and pending runs. All
// methods are safe for concurrent use; replies land from timer
// goroutines while history polls arrive on connection readers.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*session
	runSeq   int
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*session)}
}

func (s *sessionStore) session(key string) *session {
	sess, ok := s.sessions[key]
	if !ok {
		sess = &session{
			runs:      make(map[string]*pendingRun),
			runsByKey: make(map[string]string),
		}
		s.sessions[key] = sess
	}
	return sess
}

// Send records the user message and registers a pending run. When the
// idempotency key was already used the original run id is returned,
// fresh is false, and nothing is appended.
func (s *sessionStore) Send(sessionKey, idempotencyKey, content string) (runID string, fresh bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.session(sessionKey)
	if idempotencyKey != "" {
		if id, ok := sess.runsByKey[idempotencyKey]; ok {
			return id, false
		}
	}

	s.runSeq++
	runID = fmt.Sprintf("run-%d", s.runSeq)
	sess.messages = append(sess.messages, storedMessage{Role: "user", Text: content})
	sess.runs[runID] = &pendingRun{script: scriptFor(content)}
	if idempotencyKey != "" {
		sess.runsByKey[idempotencyKey] = runID
	}
	return runID, true
}

// Complete lands the scripted reply of a run in the transcript. It
// reports whether a message was appended; quiet scripts, aborted runs
// and repeat completions append nothing.
func (s *sessionStore) Complete(sessionKey, runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionKey]
	if !ok {
		return false
	}
	run, ok := sess.runs[runID]
	if !ok || run.aborted || run.done {
		return false
	}
	run.done = true

	switch run.script.kind {
	case replyQuiet:
		return false
	case replyFail:
		sess.messages = append(sess.messages, storedMessage{
			Role:         "assistant",
			Model:        mockModel,
			StopReason:   "error",
			ErrorMessage: run.script.text,
		})
	default:
		sess.messages = append(sess.messages, storedMessage{
			Role:       "assistant",
			Model:      mockModel,
			Text:       run.script.text,
			StopReason: "end_turn",
		})
	}
	return true
}

// Abort marks every unfinished run of the session aborted, reporting
// whether any run was still pending.
func (s *sessionStore) Abort(sessionKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionKey]
	if !ok {
		return false
	}
	var stopped bool
	for _, run := range sess.runs {
		if !run.done && !run.aborted {
			run.aborted = true
			stopped = true
		}
	}
	return stopped
}

// History returns a copy of the session transcript in arrival order.
func (s *sessionStore) History(sessionKey string) []storedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionKey]
	if !ok {
		return nil
	}
	return append([]storedMessage(nil), sess.messages...)
}

type sessionSummary struct {
	Key      string `json:"key"`
	Messages int    `json:"messages"`
}

// Summaries lists the known sessions for the sessions.list RPC.
func (s *sessionStore) Summaries() []sessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]sessionSummary, 0, len(s.sessions))
	for key, sess := range s.sessions {
		out = append(out, sessionSummary{Key: key, Messages: len(sess.messages)})
	}
	return out
}
