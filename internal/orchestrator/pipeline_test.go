package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clawdeck/clawdeck/internal/common/config"
	"github.com/clawdeck/clawdeck/internal/common/logger"
	"github.com/clawdeck/clawdeck/internal/gateway"
	"github.com/clawdeck/clawdeck/internal/llm"
	"github.com/clawdeck/clawdeck/internal/mission/models"
	missionsvc "github.com/clawdeck/clawdeck/internal/mission/service"
	"github.com/clawdeck/clawdeck/internal/orchestrator/planner"
)

func newTestLogger() *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		panic(err)
	}
	return log
}

type fakePlanner struct {
	mu    sync.Mutex
	plan  *planner.Plan
	err   error
	tasks []string
}

func (f *fakePlanner) Plan(_ context.Context, task, _ string) (*planner.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	if f.err != nil {
		return nil, f.err
	}
	return f.plan, nil
}

type gatewayCall struct {
	DeploymentID string
	SessionKey   string
	Content      string
}

type fakeGateway struct {
	mu      sync.Mutex
	calls   []gatewayCall
	respond func(ctx context.Context, call gatewayCall) (string, error)
}

func (f *fakeGateway) SendAndWait(ctx context.Context, deploymentID, sessionKey, content string) (string, error) {
	call := gatewayCall{DeploymentID: deploymentID, SessionKey: sessionKey, Content: content}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		return respond(ctx, call)
	}
	return "gateway result", nil
}

func (f *fakeGateway) snapshot() []gatewayCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gatewayCall(nil), f.calls...)
}

type llmCall struct {
	Model    string
	Messages []llm.Message
}

type fakeLLM struct {
	mu        sync.Mutex
	chatQueue []string
	chatReply string
	chatErr   error
	jsonReply json.RawMessage
	jsonErr   error
	chats     []llmCall
	jsons     []llmCall
}

func newFakeLLM() *fakeLLM {
	return &fakeLLM{
		chatReply: "synthesized answer",
		jsonReply: json.RawMessage(`{"decision":"approved","comment":"solid work"}`),
	}
}

func (f *fakeLLM) Chat(_ context.Context, model string, messages []llm.Message, _ llm.ChatOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = append(f.chats, llmCall{Model: model, Messages: messages})
	if len(f.chatQueue) > 0 {
		reply := f.chatQueue[0]
		f.chatQueue = f.chatQueue[1:]
		return reply, nil
	}
	if f.chatErr != nil {
		return "", f.chatErr
	}
	return f.chatReply, nil
}

func (f *fakeLLM) ChatJSON(_ context.Context, model string, messages []llm.Message, _ llm.ChatOptions) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jsons = append(f.jsons, llmCall{Model: model, Messages: messages})
	if f.jsonErr != nil {
		return nil, f.jsonErr
	}
	return f.jsonReply, nil
}

func (f *fakeLLM) chatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chats)
}

func (f *fakeLLM) jsonCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jsons)
}

func (f *fakeLLM) chatAt(i int) llmCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chats[i]
}

type fakeMissions struct {
	mu        sync.Mutex
	seq       int
	missions  map[string]*models.Mission
	agents    map[string]*models.Agent
	master    *models.Agent
	deps      [][2]string
	reviews   map[string]models.ReviewStatus
	moves     []string
	planJSONs map[string]string
}

func newFakeMissions() *fakeMissions {
	return &fakeMissions{
		missions:  make(map[string]*models.Mission),
		agents:    make(map[string]*models.Agent),
		reviews:   make(map[string]models.ReviewStatus),
		planJSONs: make(map[string]string),
	}
}

func (f *fakeMissions) seed(status models.MissionStatus) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("m%d", f.seq)
	f.missions[id] = &models.Mission{ID: id, Title: "parent", Status: status}
	return id
}

func (f *fakeMissions) CreateMission(_ context.Context, req *missionsvc.CreateMissionRequest) (*models.Mission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	m := &models.Mission{
		ID:          fmt.Sprintf("m%d", f.seq),
		Title:       req.Title,
		Description: req.Description,
		ParentID:    req.ParentID,
		AgentID:     req.AgentID,
		Status:      models.MissionStatusQueue,
		Source:      req.Source,
	}
	f.missions[m.ID] = m
	return m, nil
}

func (f *fakeMissions) UpdateMission(_ context.Context, id string, req *missionsvc.UpdateMissionRequest) (*models.Mission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.missions[id]
	if !ok {
		return nil, fmt.Errorf("mission %s not found", id)
	}
	if req.PlanJSON != nil {
		f.planJSONs[id] = *req.PlanJSON
	}
	return m, nil
}

func (f *fakeMissions) UpdateMissionStatus(_ context.Context, id string, next models.MissionStatus) (*models.Mission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.missions[id]
	if !ok {
		return nil, fmt.Errorf("mission %s not found", id)
	}
	if !m.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("invalid transition %s -> %s", m.Status, next)
	}
	m.Status = next
	f.moves = append(f.moves, fmt.Sprintf("%s->%s", id, next))
	return m, nil
}

func (f *fakeMissions) SetMissionReview(_ context.Context, id string, review models.ReviewStatus) (*models.Mission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.missions[id]
	if !ok {
		return nil, fmt.Errorf("mission %s not found", id)
	}
	m.ReviewStatus = review
	f.reviews[id] = review
	return m, nil
}

func (f *fakeMissions) AddMissionDependency(_ context.Context, missionID, dependsOnID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deps = append(f.deps, [2]string{missionID, dependsOnID})
	return nil
}

func (f *fakeMissions) CreateAgent(_ context.Context, req *missionsvc.CreateAgentRequest) (*models.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	a := &models.Agent{
		ID:            fmt.Sprintf("a%d", f.seq),
		Name:          req.Name,
		Type:          req.Type,
		ParentAgentID: req.ParentAgentID,
		Model:         req.Model,
		SystemPrompt:  req.SystemPrompt,
		DeploymentID:  req.DeploymentID,
		Status:        req.Status,
	}
	f.agents[a.ID] = a
	return a, nil
}

func (f *fakeMissions) UpdateAgentStatus(_ context.Context, id string, status models.AgentStatus, currentTask string) (*models.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s not found", id)
	}
	a.Status = status
	a.CurrentTask = currentTask
	return a, nil
}

func (f *fakeMissions) GetMasterAgent(_ context.Context) (*models.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.master == nil {
		return nil, errors.New("no master agent")
	}
	return f.master, nil
}

func (f *fakeMissions) mission(id string) models.Mission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.missions[id]
}

func (f *fakeMissions) movesSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.moves...)
}

type chatPost struct {
	MissionID string
	Sender    string
	Content   string
}

type fakeChat struct {
	mu     sync.Mutex
	system []chatPost
	agent  []chatPost
}

func (f *fakeChat) System(_ context.Context, missionID, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.system = append(f.system, chatPost{MissionID: missionID, Content: content})
}

func (f *fakeChat) FromAgent(_ context.Context, missionID, agentName, content string) (*models.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agent = append(f.agent, chatPost{MissionID: missionID, Sender: agentName, Content: content})
	return &models.ChatMessage{MissionID: missionID, Sender: agentName, Content: content}, nil
}

func (f *fakeChat) systemSnapshot() []chatPost {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chatPost(nil), f.system...)
}

func (f *fakeChat) agentSnapshot() []chatPost {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chatPost(nil), f.agent...)
}

func newTestService(t *testing.T, p Planner, gw GatewaySender, l LLM, m MissionStore, c TeamChat) *Service {
	t.Helper()
	svc := NewService(config.OrchestratorConfig{}, p, gw, l, "test-model", m, c, newTestLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc
}

func waitTask(t *testing.T, done <-chan *Task) *Task {
	t.Helper()
	select {
	case task := <-done:
		return task
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not finish in time")
		return nil
	}
}

func hasLog(task *Task, substr string) bool {
	for _, e := range task.Logs {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func diamondPlan() *planner.Plan {
	return &planner.Plan{
		Analysis: "api first, ui alongside, then wiring",
		Subtasks: []planner.Subtask{
			{ID: "subtask-1", Description: "build the rest api", AgentType: "backend"},
			{ID: "subtask-2", Description: "build the settings page", AgentType: "frontend"},
			{ID: "subtask-3", Description: "wire the page to the api", AgentType: "fullstack", DependsOn: []string{"subtask-1", "subtask-2"}},
		},
	}
}

func singlePlan(description, agentType string) *planner.Plan {
	return &planner.Plan{
		Analysis: "one step",
		Subtasks: []planner.Subtask{{ID: "subtask-1", Description: description, AgentType: agentType}},
	}
}

func TestPipelineCompletesDAGInWaves(t *testing.T) {
	p := &fakePlanner{plan: diamondPlan()}
	gw := &fakeGateway{}
	l := newFakeLLM()
	svc := newTestService(t, p, gw, l, newFakeMissions(), &fakeChat{})

	done := make(chan *Task, 1)
	id, err := svc.SubmitTask(context.Background(), "ship the settings feature", "dep-1", SubmitOptions{
		OnComplete: func(task *Task) { done <- task },
	})
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	final := waitTask(t, done)
	if final.Status != TaskCompleted {
		t.Fatalf("status = %s (error %q), want %s", final.Status, final.Error, TaskCompleted)
	}
	if final.FinalResult != "synthesized answer" {
		t.Errorf("final result = %q", final.FinalResult)
	}
	if final.Analysis != "api first, ui alongside, then wiring" {
		t.Errorf("analysis = %q", final.Analysis)
	}
	if final.StartedAt == nil || final.CompletedAt == nil {
		t.Error("start or completion timestamp missing")
	}
	for _, st := range final.Subtasks {
		if st.Status != SubtaskCompleted {
			t.Errorf("subtask %s = %s (error %q)", st.ID, st.Status, st.Error)
		}
		if st.Result != "gateway result" {
			t.Errorf("subtask %s result = %q", st.ID, st.Result)
		}
	}

	calls := gw.snapshot()
	if len(calls) != 3 {
		t.Fatalf("gateway dispatches = %d, want 3", len(calls))
	}
	firstWave := map[string]bool{calls[0].SessionKey: true, calls[1].SessionKey: true}
	for _, want := range []string{"orchestrator:" + id + ":subtask-1", "orchestrator:" + id + ":subtask-2"} {
		if !firstWave[want] {
			t.Errorf("first wave missing session %s", want)
		}
	}
	if want := "orchestrator:" + id + ":subtask-3"; calls[2].SessionKey != want {
		t.Errorf("dependant dispatched as %s, want %s", calls[2].SessionKey, want)
	}
	for _, call := range calls {
		if call.DeploymentID != "dep-1" {
			t.Errorf("dispatched to %s, want dep-1", call.DeploymentID)
		}
	}

	backend, _ := planner.TemplateByName("backend")
	for _, call := range calls {
		if !strings.HasSuffix(call.SessionKey, ":subtask-1") {
			continue
		}
		if !strings.Contains(call.Content, backend.SystemPrompt) {
			t.Error("expert prompt not prefixed to the subtask message")
		}
		if !strings.Contains(call.Content, "build the rest api") {
			t.Error("subtask description missing from the message")
		}
	}

	// One review per subtask, one synthesis call.
	if got := l.jsonCount(); got != 3 {
		t.Errorf("review calls = %d, want 3", got)
	}
	if got := l.chatCount(); got != 1 {
		t.Fatalf("llm chat calls = %d, want 1 (synthesis only)", got)
	}
	synth := l.chatAt(0)
	if synth.Messages[0].Role != llm.RoleSystem {
		t.Error("synthesis call missing system prompt")
	}
	if !strings.Contains(synth.Messages[1].Content, "gateway result") {
		t.Error("synthesis prompt missing subtask results")
	}

	got, err := svc.GetTask(id)
	if err != nil {
		t.Fatalf("GetTask after completion: %v", err)
	}
	if got.Status != TaskCompleted {
		t.Errorf("stored status = %s", got.Status)
	}
}

func TestWaveRespectsParallelCap(t *testing.T) {
	subtasks := make([]planner.Subtask, 6)
	for i := range subtasks {
		subtasks[i] = planner.Subtask{
			ID:          fmt.Sprintf("subtask-%d", i+1),
			Description: fmt.Sprintf("chunk %d", i+1),
			AgentType:   "backend",
		}
	}
	p := &fakePlanner{plan: &planner.Plan{Analysis: "six independent chunks", Subtasks: subtasks}}

	var mu sync.Mutex
	inflight, peak := 0, 0
	gw := &fakeGateway{respond: func(_ context.Context, _ gatewayCall) (string, error) {
		mu.Lock()
		inflight++
		if inflight > peak {
			peak = inflight
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inflight--
		mu.Unlock()
		return "chunk done", nil
	}}

	svc := NewService(config.OrchestratorConfig{MaxParallel: 2}, p, gw, newFakeLLM(), "test-model", newFakeMissions(), &fakeChat{}, newTestLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	done := make(chan *Task, 1)
	if _, err := svc.SubmitTask(context.Background(), "bulk work", "dep-1", SubmitOptions{
		OnComplete: func(task *Task) { done <- task },
	}); err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	final := waitTask(t, done)
	if final.Status != TaskCompleted {
		t.Fatalf("status = %s (%q)", final.Status, final.Error)
	}
	if got := len(gw.snapshot()); got != 6 {
		t.Errorf("gateway dispatches = %d, want 6", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Errorf("peak concurrent dispatches = %d, want at most 2", peak)
	}
}

func TestDependencyFailureCascades(t *testing.T) {
	p := &fakePlanner{plan: &planner.Plan{
		Analysis: "strict chain",
		Subtasks: []planner.Subtask{
			{ID: "subtask-1", Description: "design the schema", AgentType: "database"},
			{ID: "subtask-2", Description: "write the migrations", AgentType: "database", DependsOn: []string{"subtask-1"}},
			{ID: "subtask-3", Description: "seed the data", AgentType: "database", DependsOn: []string{"subtask-2"}},
		},
	}}
	gw := &fakeGateway{respond: func(_ context.Context, _ gatewayCall) (string, error) {
		return "", errors.New("remote run failed")
	}}
	l := newFakeLLM()
	m := newFakeMissions()
	missionID := m.seed(models.MissionStatusQueue)
	c := &fakeChat{}
	svc := newTestService(t, p, gw, l, m, c)

	done := make(chan *Task, 1)
	if _, err := svc.SubmitTask(context.Background(), "rebuild storage", "dep-1", SubmitOptions{
		MissionID:  missionID,
		OnComplete: func(task *Task) { done <- task },
	}); err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	final := waitTask(t, done)
	if final.Status != TaskFailed || final.Error != "all subtasks failed" {
		t.Fatalf("task = %s (%q), want failed/all subtasks failed", final.Status, final.Error)
	}
	if got := len(gw.snapshot()); got != 1 {
		t.Fatalf("gateway dispatches = %d, want 1 (dependants must not run)", got)
	}
	if got := l.chatCount(); got != 0 {
		t.Errorf("llm chat calls = %d, want 0", got)
	}
	if got := l.jsonCount(); got != 0 {
		t.Errorf("review calls = %d, want 0", got)
	}

	byID := map[string]*Subtask{}
	for _, st := range final.Subtasks {
		byID[st.ID] = st
	}
	if st := byID["subtask-1"]; st.Status != SubtaskFailed || st.Error != "remote run failed" {
		t.Errorf("subtask-1 = %s (%q)", st.Status, st.Error)
	}
	if st := byID["subtask-2"]; st.Status != SubtaskFailed || st.Error != "dependency subtask-1 failed" {
		t.Errorf("subtask-2 = %s (%q)", st.Status, st.Error)
	}
	if st := byID["subtask-3"]; st.Status != SubtaskFailed || st.Error != "dependency subtask-2 failed" {
		t.Errorf("subtask-3 = %s (%q)", st.Status, st.Error)
	}

	if got := m.mission(missionID).Status; got != models.MissionStatusFailed {
		t.Errorf("parent mission = %s, want failed", got)
	}
	if child := byID["subtask-1"].MissionID; child == "" {
		t.Error("dispatched subtask has no child mission")
	} else if got := m.mission(child).Status; got != models.MissionStatusFailed {
		t.Errorf("child mission = %s, want failed", got)
	}
	if byID["subtask-2"].MissionID != "" || byID["subtask-3"].MissionID != "" {
		t.Error("skipped subtasks must not create child missions")
	}

	var sawFailure, sawSkip, sawTaskFailure bool
	for _, post := range c.systemSnapshot() {
		switch {
		case strings.Contains(post.Content, "subtask-1 failed"):
			sawFailure = true
		case strings.Contains(post.Content, "skipped"):
			sawSkip = true
		case strings.HasPrefix(post.Content, "Task failed"):
			sawTaskFailure = true
		}
	}
	if !sawFailure || !sawSkip || !sawTaskFailure {
		t.Errorf("chat narration incomplete: failure=%v skip=%v task=%v", sawFailure, sawSkip, sawTaskFailure)
	}
}

func TestGatewayFallsBackToLLM(t *testing.T) {
	p := &fakePlanner{plan: singlePlan("profile the slow endpoint", "backend")}
	gw := &fakeGateway{respond: func(_ context.Context, _ gatewayCall) (string, error) {
		return "", fmt.Errorf("dial gateway: %w", gateway.ErrNotConnected)
	}}
	l := newFakeLLM()
	l.chatQueue = []string{"expert answer", "final synthesis"}
	svc := newTestService(t, p, gw, l, newFakeMissions(), &fakeChat{})

	done := make(chan *Task, 1)
	if _, err := svc.SubmitTask(context.Background(), "speed things up", "dep-1", SubmitOptions{
		OnComplete: func(task *Task) { done <- task },
	}); err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	final := waitTask(t, done)
	if final.Status != TaskCompleted {
		t.Fatalf("status = %s (%q)", final.Status, final.Error)
	}
	if final.Subtasks[0].Result != "expert answer" {
		t.Errorf("subtask result = %q, want the llm fallback answer", final.Subtasks[0].Result)
	}
	if final.FinalResult != "final synthesis" {
		t.Errorf("final result = %q", final.FinalResult)
	}
	if !hasLog(final, "falling back to llm") {
		t.Error("fallback not recorded in the task log")
	}

	if got := l.chatCount(); got != 2 {
		t.Fatalf("llm chat calls = %d, want 2 (fallback + synthesis)", got)
	}
	backend, _ := planner.TemplateByName("backend")
	fallback := l.chatAt(0)
	if fallback.Messages[0].Content != backend.SystemPrompt {
		t.Error("fallback call must use the expert system prompt")
	}
	if fallback.Messages[1].Content != "profile the slow endpoint" {
		t.Errorf("fallback user message = %q", fallback.Messages[1].Content)
	}
	if fallback.Model != "test-model" {
		t.Errorf("fallback model = %q", fallback.Model)
	}
}

func TestTimeoutAlsoFallsBack(t *testing.T) {
	p := &fakePlanner{plan: singlePlan("summarize the incident", "qa")}
	gw := &fakeGateway{respond: func(_ context.Context, _ gatewayCall) (string, error) {
		return "", fmt.Errorf("chat reply: %w", gateway.ErrTimeout)
	}}
	l := newFakeLLM()
	l.chatQueue = []string{"written up", "done"}
	svc := newTestService(t, p, gw, l, newFakeMissions(), &fakeChat{})

	done := make(chan *Task, 1)
	if _, err := svc.SubmitTask(context.Background(), "incident report", "dep-1", SubmitOptions{
		OnComplete: func(task *Task) { done <- task },
	}); err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	final := waitTask(t, done)
	if final.Status != TaskCompleted {
		t.Fatalf("status = %s (%q)", final.Status, final.Error)
	}
	if final.Subtasks[0].Result != "written up" {
		t.Errorf("subtask result = %q", final.Subtasks[0].Result)
	}
}

func TestRemoteRunFailureDoesNotFallBack(t *testing.T) {
	p := &fakePlanner{plan: singlePlan("delete production data", "devops")}
	gw := &fakeGateway{respond: func(_ context.Context, _ gatewayCall) (string, error) {
		return "", errors.New("chat run failed: policy refusal")
	}}
	l := newFakeLLM()
	svc := newTestService(t, p, gw, l, newFakeMissions(), &fakeChat{})

	done := make(chan *Task, 1)
	if _, err := svc.SubmitTask(context.Background(), "cleanup", "dep-1", SubmitOptions{
		OnComplete: func(task *Task) { done <- task },
	}); err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	final := waitTask(t, done)
	if final.Status != TaskFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if got := final.Subtasks[0].Error; got != "chat run failed: policy refusal" {
		t.Errorf("subtask error = %q", got)
	}
	if got := l.chatCount(); got != 0 {
		t.Errorf("llm chat calls = %d, want 0 (rejected runs are not retried)", got)
	}
}

func TestReviewChangesRequestedStoredAndReported(t *testing.T) {
	p := &fakePlanner{plan: singlePlan("harden the login flow", "backend")}
	gw := &fakeGateway{}
	l := newFakeLLM()
	l.jsonReply = json.RawMessage(`{"decision":"changes_requested","comment":"tighten the error handling"}`)
	m := newFakeMissions()
	missionID := m.seed(models.MissionStatusQueue)
	m.master = &models.Agent{ID: "master-1", Name: "Jason", Type: models.AgentTypeMaster}
	c := &fakeChat{}
	svc := newTestService(t, p, gw, l, m, c)

	done := make(chan *Task, 1)
	if _, err := svc.SubmitTask(context.Background(), "login hardening", "dep-1", SubmitOptions{
		MissionID:  missionID,
		OnComplete: func(task *Task) { done <- task },
	}); err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	final := waitTask(t, done)
	if final.Status != TaskCompleted {
		t.Fatalf("status = %s (%q); changes_requested must not fail the task", final.Status, final.Error)
	}
	childID := final.Subtasks[0].MissionID
	if childID == "" {
		t.Fatal("subtask has no child mission")
	}
	if got := m.mission(childID).ReviewStatus; got != models.ReviewChangesRequested {
		t.Errorf("child review = %q, want changes_requested", got)
	}

	posts := c.agentSnapshot()
	if len(posts) != 1 {
		t.Fatalf("agent chat posts = %d, want 1", len(posts))
	}
	if posts[0].Sender != "Jason" || posts[0].MissionID != missionID {
		t.Errorf("review posted as %q on %q", posts[0].Sender, posts[0].MissionID)
	}
	if !strings.Contains(posts[0].Content, "tighten the error handling") {
		t.Errorf("review post missing comment: %q", posts[0].Content)
	}
}

func TestApprovedReviewStaysQuiet(t *testing.T) {
	p := &fakePlanner{plan: singlePlan("write the changelog", "fullstack")}
	gw := &fakeGateway{}
	l := newFakeLLM()
	m := newFakeMissions()
	missionID := m.seed(models.MissionStatusQueue)
	c := &fakeChat{}
	svc := newTestService(t, p, gw, l, m, c)

	done := make(chan *Task, 1)
	if _, err := svc.SubmitTask(context.Background(), "changelog", "dep-1", SubmitOptions{
		MissionID:  missionID,
		OnComplete: func(task *Task) { done <- task },
	}); err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	final := waitTask(t, done)
	childID := final.Subtasks[0].MissionID
	if got := m.mission(childID).ReviewStatus; got != models.ReviewApproved {
		t.Errorf("child review = %q, want approved", got)
	}
	if posts := c.agentSnapshot(); len(posts) != 0 {
		t.Errorf("approved review must not post to chat, got %d posts", len(posts))
	}
}

func TestSynthesisFallsBackToConcatenation(t *testing.T) {
	p := &fakePlanner{plan: &planner.Plan{
		Analysis: "independent halves",
		Subtasks: []planner.Subtask{
			{ID: "subtask-1", Description: "build the rest api", AgentType: "backend"},
			{ID: "subtask-2", Description: "build the settings page", AgentType: "frontend"},
		},
	}}
	gw := &fakeGateway{respond: func(_ context.Context, call gatewayCall) (string, error) {
		if strings.HasSuffix(call.SessionKey, ":subtask-1") {
			return "alpha result", nil
		}
		return "beta result", nil
	}}
	l := newFakeLLM()
	l.chatErr = errors.New("llm offline")
	svc := newTestService(t, p, gw, l, newFakeMissions(), &fakeChat{})

	done := make(chan *Task, 1)
	if _, err := svc.SubmitTask(context.Background(), "settings feature", "dep-1", SubmitOptions{
		OnComplete: func(task *Task) { done <- task },
	}); err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	final := waitTask(t, done)
	if final.Status != TaskCompleted {
		t.Fatalf("status = %s (%q)", final.Status, final.Error)
	}
	want := "## build the rest api\n\nalpha result\n\n## build the settings page\n\nbeta result"
	if final.FinalResult != want {
		t.Errorf("final result = %q, want %q", final.FinalResult, want)
	}
	if !hasLog(final, "concatenating") {
		t.Error("degraded synthesis not recorded in the task log")
	}
}

func TestPlanningFailureFailsTaskAndMission(t *testing.T) {
	p := &fakePlanner{err: errors.New("planner context torn down")}
	m := newFakeMissions()
	missionID := m.seed(models.MissionStatusQueue)
	c := &fakeChat{}
	svc := newTestService(t, p, &fakeGateway{}, newFakeLLM(), m, c)

	done := make(chan *Task, 1)
	if _, err := svc.SubmitTask(context.Background(), "doomed", "dep-1", SubmitOptions{
		MissionID:  missionID,
		OnComplete: func(task *Task) { done <- task },
	}); err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	final := waitTask(t, done)
	if final.Status != TaskFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if !strings.Contains(final.Error, "planning failed") {
		t.Errorf("task error = %q", final.Error)
	}
	moves := m.movesSnapshot()
	want := []string{missionID + "->active", missionID + "->failed"}
	if len(moves) != 2 || moves[0] != want[0] || moves[1] != want[1] {
		t.Errorf("mission moves = %v, want %v", moves, want)
	}
	var sawTaskFailure bool
	for _, post := range c.systemSnapshot() {
		if strings.HasPrefix(post.Content, "Task failed") {
			sawTaskFailure = true
		}
	}
	if !sawTaskFailure {
		t.Error("task failure not narrated to team chat")
	}
}

func TestMissionMirrorLifecycle(t *testing.T) {
	p := &fakePlanner{plan: diamondPlan()}
	gw := &fakeGateway{}
	l := newFakeLLM()
	m := newFakeMissions()
	missionID := m.seed(models.MissionStatusQueue)
	m.master = &models.Agent{ID: "master-1", Name: "Jason", Type: models.AgentTypeMaster}
	c := &fakeChat{}
	svc := newTestService(t, p, gw, l, m, c)

	done := make(chan *Task, 1)
	if _, err := svc.SubmitTask(context.Background(), "ship the settings feature", "dep-1", SubmitOptions{
		MissionID:  missionID,
		OnComplete: func(task *Task) { done <- task },
	}); err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	final := waitTask(t, done)
	if final.Status != TaskCompleted {
		t.Fatalf("status = %s (%q)", final.Status, final.Error)
	}

	moves := m.movesSnapshot()
	if moves[0] != missionID+"->active" {
		t.Errorf("first move = %s, want parent activation", moves[0])
	}
	if last := moves[len(moves)-1]; last != missionID+"->completed" {
		t.Errorf("last move = %s, want parent completion", last)
	}
	if plan := m.planJSONs[missionID]; !strings.Contains(plan, "subtask-3") {
		t.Errorf("plan not mirrored onto the mission: %q", plan)
	}

	byID := map[string]*Subtask{}
	for _, st := range final.Subtasks {
		byID[st.ID] = st
	}
	for _, st := range final.Subtasks {
		if st.MissionID == "" || st.AgentID == "" {
			t.Fatalf("subtask %s missing mirror records", st.ID)
		}
		child := m.mission(st.MissionID)
		if child.ParentID != missionID {
			t.Errorf("child %s parent = %q", st.MissionID, child.ParentID)
		}
		if child.Status != models.MissionStatusCompleted {
			t.Errorf("child %s status = %s", st.MissionID, child.Status)
		}
		if child.Source != models.SourceOrchestrate {
			t.Errorf("child %s source = %s", st.MissionID, child.Source)
		}
		if m.reviews[st.MissionID] != models.ReviewApproved {
			t.Errorf("child %s review = %q", st.MissionID, m.reviews[st.MissionID])
		}
		agent := m.agents[st.AgentID]
		if agent.Type != models.AgentTypeSub || agent.ParentAgentID != "master-1" {
			t.Errorf("agent %s type=%s parent=%q", st.AgentID, agent.Type, agent.ParentAgentID)
		}
		if agent.Status != models.AgentStatusCompleted {
			t.Errorf("agent %s status = %s", st.AgentID, agent.Status)
		}
	}

	backendChild := m.mission(byID["subtask-1"].MissionID)
	if backendChild.Title != "Backend Engineer: build the rest api" {
		t.Errorf("child title = %q", backendChild.Title)
	}

	wantDeps := map[[2]string]bool{
		{byID["subtask-3"].MissionID, byID["subtask-1"].MissionID}: true,
		{byID["subtask-3"].MissionID, byID["subtask-2"].MissionID}: true,
	}
	if len(m.deps) != 2 {
		t.Fatalf("dependency rows = %d, want 2", len(m.deps))
	}
	for _, dep := range m.deps {
		if !wantDeps[dep] {
			t.Errorf("unexpected dependency row %v", dep)
		}
	}

	var planningPost bool
	for _, post := range c.systemSnapshot() {
		if post.Content == "Planning complete: 3 subtasks" {
			planningPost = true
		}
	}
	if !planningPost {
		t.Error("planning completion not narrated")
	}
}

func TestCancelTaskStopsWorkAndDropsResults(t *testing.T) {
	p := &fakePlanner{plan: singlePlan("long running research", "fullstack")}
	started := make(chan struct{})
	var once sync.Once
	gw := &fakeGateway{respond: func(ctx context.Context, _ gatewayCall) (string, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return "", ctx.Err()
	}}
	svc := newTestService(t, p, gw, newFakeLLM(), newFakeMissions(), &fakeChat{})

	done := make(chan *Task, 2)
	id, err := svc.SubmitTask(context.Background(), "research", "dep-1", SubmitOptions{
		OnComplete: func(task *Task) { done <- task },
	})
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	<-started
	if err := svc.CancelTask(id); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	final := waitTask(t, done)
	if final.Status != TaskFailed || final.Error != "cancelled" {
		t.Fatalf("task = %s (%q), want failed/cancelled", final.Status, final.Error)
	}
	if st := final.Subtasks[0]; st.Status != SubtaskFailed || st.Error != "cancelled" {
		t.Errorf("subtask = %s (%q), want failed/cancelled", st.Status, st.Error)
	}
	if final.FinalResult != "" {
		t.Errorf("cancelled task kept a result: %q", final.FinalResult)
	}

	if err := svc.CancelTask(id); !errors.Is(err, ErrTaskTerminal) {
		t.Errorf("second cancel = %v, want ErrTaskTerminal", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case extra := <-done:
		t.Fatalf("completion callback fired twice: %+v", extra)
	default:
	}
}

func TestShutdownDrainsWorkers(t *testing.T) {
	p := &fakePlanner{plan: singlePlan("slow burn", "fullstack")}
	started := make(chan struct{})
	var once sync.Once
	gw := &fakeGateway{respond: func(ctx context.Context, _ gatewayCall) (string, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return "", ctx.Err()
	}}
	svc := newTestService(t, p, gw, newFakeLLM(), newFakeMissions(), &fakeChat{})

	done := make(chan *Task, 1)
	if _, err := svc.SubmitTask(context.Background(), "slow", "dep-1", SubmitOptions{
		OnComplete: func(task *Task) { done <- task },
	}); err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	<-started
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	final := waitTask(t, done)
	if final.Status != TaskFailed || final.Error != "cancelled" {
		t.Errorf("task = %s (%q), want failed/cancelled", final.Status, final.Error)
	}
}

func TestUnmirroredTaskTouchesNoStore(t *testing.T) {
	p := &fakePlanner{plan: singlePlan("quick check", "qa")}
	m := newFakeMissions()
	c := &fakeChat{}
	svc := newTestService(t, p, &fakeGateway{}, newFakeLLM(), m, c)

	done := make(chan *Task, 1)
	if _, err := svc.SubmitTask(context.Background(), "check", "dep-1", SubmitOptions{
		OnComplete: func(task *Task) { done <- task },
	}); err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	final := waitTask(t, done)
	if final.Status != TaskCompleted {
		t.Fatalf("status = %s (%q)", final.Status, final.Error)
	}
	m.mu.Lock()
	missionCount, agentCount := len(m.missions), len(m.agents)
	m.mu.Unlock()
	if missionCount != 0 || agentCount != 0 {
		t.Errorf("store touched: %d missions, %d agents", missionCount, agentCount)
	}
	if posts := c.systemSnapshot(); len(posts) != 0 {
		t.Errorf("chat touched: %d posts", len(posts))
	}
}
