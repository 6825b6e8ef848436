package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jllopis/agora/pkg/bus"
	"github.com/jllopis/agora/pkg/core"
	"github.com/jllopis/agora/pkg/errors"
	"github.com/jllopis/agora/pkg/knowledge"
	"github.com/jllopis/agora/pkg/registry"
	"github.com/jllopis/agora/pkg/resilience"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	cfg.ReceivePoll = 10 * time.Millisecond
	cfg.DispatchTimeout = 2 * time.Second
	cfg.ShutdownGrace = 500 * time.Millisecond
	cfg.Retry = resilience.DefaultRetryConfig().
		WithInitialDelay(time.Millisecond).
		WithMaxDelay(5 * time.Millisecond)
	cfg.Breaker.FailureThreshold = 100
	return cfg
}

type env struct {
	ctx   context.Context
	bus   *bus.Bus
	store knowledge.Store
	reg   *registry.Registry
	sched *Scheduler
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	b := bus.New()
	store := knowledge.NewInMemory()
	reg := registry.New(b, store)
	s := New(cfg, reg, b, store)
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start scheduler: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Shutdown(context.Background())
		b.Shutdown()
		_ = store.Close(context.Background())
	})
	return &env{ctx: ctx, bus: b, store: store, reg: reg, sched: s}
}

// serveAgent registers an agent and answers each delegation with the
// message returned by handle. A nil handle swallows delegations.
func (e *env) serveAgent(t *testing.T, role core.Role, capabilities []string,
	handle func(core.Message) core.Message) string {
	t.Helper()
	id, err := e.reg.Register(e.ctx, role, capabilities)
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
	ctx, cancel := context.WithCancel(e.ctx)
	t.Cleanup(cancel)
	go func() {
		for {
			msg, err := e.bus.Receive(ctx, id, 20*time.Millisecond)
			if err != nil {
				if errors.HasCode(err, errors.CodeTimeout) {
					continue
				}
				return
			}
			if msg.Kind != core.KindDelegation || handle == nil {
				continue
			}
			reply := handle(msg)
			if err := e.bus.Send(ctx, reply); err != nil {
				return
			}
		}
	}()
	e.sched.Poke()
	return id
}

func succeedWith(result any) func(core.Message) core.Message {
	return func(msg core.Message) core.Message {
		return core.NewMessage(core.KindResponse, msg.Recipient, msg.Sender, map[string]any{
			"result": result,
		}).WithCorrelation(msg.CorrelationID)
	}
}

func failWith(reason string) func(core.Message) core.Message {
	return func(msg core.Message) core.Message {
		return core.NewMessage(core.KindFeedback, msg.Recipient, msg.Sender, map[string]any{
			"error": reason,
		}).WithCorrelation(msg.CorrelationID)
	}
}

func waitStatus(t *testing.T, s *Scheduler, taskID string, want core.TaskStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := s.Status(taskID)
		if err != nil {
			t.Fatalf("status %s: %v", taskID, err)
		}
		if got == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := s.Status(taskID)
	t.Fatalf("task %s stuck in %s, want %s", taskID, got, want)
}

func TestSubmitDispatchComplete(t *testing.T) {
	e := newEnv(t, testConfig())
	e.serveAgent(t, core.Role("researcher"), []string{"gather_data"}, succeedWith("findings"))

	id, err := e.sched.Submit(e.ctx, SubmitRequest{
		Description: map[string]any{"action": "gather_data"},
		Capability:  "gather_data",
		Priority:    5,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitStatus(t, e.sched, id, core.TaskStatusCompleted)

	task, err := e.sched.Snapshot(id)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if task.Result != "findings" {
		t.Fatalf("result = %v, want findings", task.Result)
	}
	if task.AssignedTo == "" {
		t.Fatal("completed task has no assignee")
	}

	entry, err := e.store.Get(e.ctx, knowledge.TaskResultKey(id))
	if err != nil {
		t.Fatalf("result not in knowledge store: %v", err)
	}
	if entry.Value != "findings" {
		t.Fatalf("stored result = %v, want findings", entry.Value)
	}
}

func TestDispatchOrderByPriorityThenSubmission(t *testing.T) {
	e := newEnv(t, testConfig())

	// Submit before any agent exists so all tasks queue up Ready.
	reqs := []SubmitRequest{
		{ID: "low-1", Description: map[string]any{}, Capability: "work", Priority: 1},
		{ID: "high-1", Description: map[string]any{}, Capability: "work", Priority: 9},
		{ID: "high-2", Description: map[string]any{}, Capability: "work", Priority: 9},
		{ID: "mid-1", Description: map[string]any{}, Capability: "work", Priority: 5},
	}
	if _, err := e.sched.SubmitBatch(e.ctx, reqs); err != nil {
		t.Fatalf("submit batch: %v", err)
	}

	var mu sync.Mutex
	var order []string
	e.serveAgent(t, core.Role("worker"), []string{"work"}, func(msg core.Message) core.Message {
		mu.Lock()
		order = append(order, msg.Payload["task_id"].(string))
		mu.Unlock()
		return succeedWith("ok")(msg)
	})

	for _, req := range reqs {
		waitStatus(t, e.sched, req.ID, core.TaskStatusCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"high-1", "high-2", "mid-1", "low-1"}
	if len(order) != len(want) {
		t.Fatalf("processed %d tasks, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dispatch order = %v, want %v", order, want)
		}
	}
}

func TestDependentWaitsForDependency(t *testing.T) {
	e := newEnv(t, testConfig())

	release := make(chan struct{})
	var mu sync.Mutex
	var order []string
	e.serveAgent(t, core.Role("worker"), []string{"work"}, func(msg core.Message) core.Message {
		taskID := msg.Payload["task_id"].(string)
		if taskID == "first" {
			<-release
		}
		mu.Lock()
		order = append(order, taskID)
		mu.Unlock()
		return succeedWith("ok")(msg)
	})

	if _, err := e.sched.SubmitBatch(e.ctx, []SubmitRequest{
		{ID: "first", Description: map[string]any{}, Capability: "work", Priority: 1},
		{ID: "second", Description: map[string]any{}, Capability: "work", Priority: 9, DependsOn: []string{"first"}},
	}); err != nil {
		t.Fatalf("submit batch: %v", err)
	}

	// The dependent must stay Pending while its dependency runs, even
	// though it has the higher priority.
	waitStatus(t, e.sched, "first", core.TaskStatusDispatched)
	if got, _ := e.sched.Status("second"); got != core.TaskStatusPending {
		t.Fatalf("dependent status = %s, want pending", got)
	}

	close(release)
	waitStatus(t, e.sched, "second", core.TaskStatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("execution order = %v, want [first second]", order)
	}
}

func TestSubmitRejectsCycle(t *testing.T) {
	e := newEnv(t, testConfig())

	reqs := []SubmitRequest{
		{ID: "a", Description: map[string]any{}, Capability: "work", DependsOn: []string{"b"}},
		{ID: "b", Description: map[string]any{}, Capability: "work", DependsOn: []string{"a"}},
	}
	for i := 0; i < 2; i++ {
		_, err := e.sched.SubmitBatch(e.ctx, reqs)
		if !errors.HasCode(err, errors.CodeCyclicDependency) {
			t.Fatalf("attempt %d: err = %v, want CYCLIC_DEPENDENCY", i+1, err)
		}
	}
	// Rejection leaves no partial state behind.
	if _, err := e.sched.Status("a"); !errors.HasCode(err, errors.CodeNotFound) {
		t.Fatalf("task a after rejection: err = %v, want NOT_FOUND", err)
	}
}

func TestSubmitRejectsUnknownDependency(t *testing.T) {
	e := newEnv(t, testConfig())

	_, err := e.sched.Submit(e.ctx, SubmitRequest{
		Description: map[string]any{},
		Capability:  "work",
		DependsOn:   []string{"no-such-task"},
	})
	if !errors.HasCode(err, errors.CodeInvalidDependency) {
		t.Fatalf("err = %v, want INVALID_DEPENDENCY", err)
	}
}

func TestRetryBudgetThenTerminalFailure(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1
	e := newEnv(t, cfg)

	var mu sync.Mutex
	attempts := 0
	e.serveAgent(t, core.Role("worker"), []string{"work"}, func(msg core.Message) core.Message {
		mu.Lock()
		attempts++
		mu.Unlock()
		return failWith("boom")(msg)
	})

	id, err := e.sched.Submit(e.ctx, SubmitRequest{
		Description: map[string]any{},
		Capability:  "work",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitStatus(t, e.sched, id, core.TaskStatusFailed)

	mu.Lock()
	got := attempts
	mu.Unlock()
	if got != cfg.MaxRetries+1 {
		t.Fatalf("attempts = %d, want %d", got, cfg.MaxRetries+1)
	}

	task, _ := e.sched.Snapshot(id)
	if !strings.Contains(task.Error, "boom") {
		t.Fatalf("task error = %q, want the executor reason", task.Error)
	}
	if !strings.Contains(task.Error, string(errors.CodeTaskFailed)) {
		t.Fatalf("task error = %q, want the terminal failure code", task.Error)
	}
}

func TestFailureCascadesToDependents(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 0
	e := newEnv(t, cfg)
	e.serveAgent(t, core.Role("worker"), []string{"work"}, failWith("boom"))

	if _, err := e.sched.SubmitBatch(e.ctx, []SubmitRequest{
		{ID: "root", Description: map[string]any{}, Capability: "work"},
		{ID: "child", Description: map[string]any{}, Capability: "work", DependsOn: []string{"root"}},
		{ID: "grandchild", Description: map[string]any{}, Capability: "work", DependsOn: []string{"child"}},
	}); err != nil {
		t.Fatalf("submit batch: %v", err)
	}

	waitStatus(t, e.sched, "root", core.TaskStatusFailed)
	waitStatus(t, e.sched, "child", core.TaskStatusCancelled)
	waitStatus(t, e.sched, "grandchild", core.TaskStatusCancelled)
}

func TestFallbackUnblocksDependent(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 0
	e := newEnv(t, cfg)
	e.serveAgent(t, core.Role("flaky"), []string{"fetch"}, failWith("boom"))
	e.serveAgent(t, core.Role("steady"), []string{"summarize"}, succeedWith("summary"))

	if _, err := e.sched.SubmitBatch(e.ctx, []SubmitRequest{
		{ID: "fetch", Description: map[string]any{}, Capability: "fetch"},
		{ID: "report", Description: map[string]any{}, Capability: "summarize",
			DependsOn: []string{"fetch"}, Fallback: "cached-data"},
	}); err != nil {
		t.Fatalf("submit batch: %v", err)
	}

	waitStatus(t, e.sched, "fetch", core.TaskStatusFailed)
	waitStatus(t, e.sched, "report", core.TaskStatusCompleted)

	// The fallback stands in as the failed task's published result.
	entry, err := e.store.Get(e.ctx, knowledge.TaskResultKey("fetch"))
	if err != nil {
		t.Fatalf("fallback not stored: %v", err)
	}
	if entry.Value != "cached-data" {
		t.Fatalf("stored fallback = %v, want cached-data", entry.Value)
	}
}

func TestCancelCascades(t *testing.T) {
	e := newEnv(t, testConfig())

	if _, err := e.sched.SubmitBatch(e.ctx, []SubmitRequest{
		{ID: "root", Description: map[string]any{}, Capability: "work"},
		{ID: "child", Description: map[string]any{}, Capability: "work", DependsOn: []string{"root"}},
	}); err != nil {
		t.Fatalf("submit batch: %v", err)
	}

	if err := e.sched.Cancel(e.ctx, "root"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitStatus(t, e.sched, "root", core.TaskStatusCancelled)
	waitStatus(t, e.sched, "child", core.TaskStatusCancelled)

	// Cancelling a settled task is a no-op.
	if err := e.sched.Cancel(e.ctx, "root"); err != nil {
		t.Fatalf("cancel settled task: %v", err)
	}
	if err := e.sched.Cancel(e.ctx, "missing"); !errors.HasCode(err, errors.CodeNotFound) {
		t.Fatalf("cancel missing task: err = %v, want NOT_FOUND", err)
	}
}

func TestDispatchTimeoutMarksAgentFailed(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 0
	cfg.DispatchTimeout = 50 * time.Millisecond
	e := newEnv(t, cfg)
	agentID := e.serveAgent(t, core.Role("silent"), []string{"work"}, nil)

	id, err := e.sched.Submit(e.ctx, SubmitRequest{
		Description: map[string]any{},
		Capability:  "work",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitStatus(t, e.sched, id, core.TaskStatusFailed)

	task, _ := e.sched.Snapshot(id)
	if !strings.Contains(task.Error, "AGENT_UNRESPONSIVE") {
		t.Fatalf("task error = %q, want AGENT_UNRESPONSIVE", task.Error)
	}
	info, err := e.reg.Lookup(agentID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if info.Status != core.AgentFailed {
		t.Fatalf("agent status = %s, want failed", info.Status)
	}
}

func TestNoAgentLeavesTaskReady(t *testing.T) {
	e := newEnv(t, testConfig())

	id, err := e.sched.Submit(e.ctx, SubmitRequest{
		Description: map[string]any{},
		Capability:  "nobody-has-this",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitStatus(t, e.sched, id, core.TaskStatusReady)

	time.Sleep(50 * time.Millisecond)
	if got, _ := e.sched.Status(id); got != core.TaskStatusReady {
		t.Fatalf("status = %s, want ready", got)
	}
}

func TestStarvationReportsCapacityExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.StarvationThreshold = 1
	e := newEnv(t, cfg)

	id, err := e.sched.Submit(e.ctx, SubmitRequest{
		Description: map[string]any{},
		Capability:  "rare",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for e.sched.Starved() == nil {
		if time.Now().After(deadline) {
			t.Fatal("scheduler never reported starvation")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if starved := e.sched.Starved(); !errors.HasCode(starved, errors.CodeCapacityExhausted) {
		t.Fatalf("starved = %v, want CAPACITY_EXHAUSTED", starved)
	}

	// Capacity arriving clears the condition.
	e.serveAgent(t, core.Role("worker"), []string{"rare"}, succeedWith(map[string]any{"ok": true}))
	waitStatus(t, e.sched, id, core.TaskStatusCompleted)

	for e.sched.Starved() != nil {
		if time.Now().After(deadline) {
			t.Fatalf("starvation not cleared after placement: %v", e.sched.Starved())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestShutdownCancelsUnfinishedTasks(t *testing.T) {
	e := newEnv(t, testConfig())

	id, err := e.sched.Submit(e.ctx, SubmitRequest{
		Description: map[string]any{},
		Capability:  "nobody-has-this",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := e.sched.Shutdown(e.ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if got, _ := e.sched.Status(id); got != core.TaskStatusCancelled {
		t.Fatalf("status after shutdown = %s, want cancelled", got)
	}
	if _, err := e.sched.Submit(e.ctx, SubmitRequest{Capability: "work"}); !errors.HasCode(err, errors.CodeShutdown) {
		t.Fatalf("submit after shutdown: err = %v, want SHUTDOWN", err)
	}
}
