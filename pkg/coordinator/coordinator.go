// Package coordinator wires the bus, registry, knowledge store, and
// scheduler into one façade. It is the only surface an embedding
// application needs.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jllopis/agora/pkg/bus"
	"github.com/jllopis/agora/pkg/config"
	"github.com/jllopis/agora/pkg/core"
	"github.com/jllopis/agora/pkg/errors"
	"github.com/jllopis/agora/pkg/knowledge"
	"github.com/jllopis/agora/pkg/pipeline"
	"github.com/jllopis/agora/pkg/registry"
	"github.com/jllopis/agora/pkg/resilience"
	"github.com/jllopis/agora/pkg/scheduler"
	"github.com/jllopis/agora/pkg/telemetry"
	"github.com/jllopis/agora/pkg/worker"
)

// senderID is the address broadcasts from the coordinator carry.
const senderID = "coordinator"

// Coordinator composes the coordination core. Construct with New,
// Start it, and Shutdown when done.
type Coordinator struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *telemetry.CoordinationMetrics
	emitter core.EventEmitter

	bus   *bus.Bus
	store knowledge.Store
	reg   *registry.Registry
	sched *scheduler.Scheduler

	mu      sync.Mutex
	runID   string
	workers map[string]*worker.Worker
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger passed to every component.
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithMetrics attaches coordination metrics to the bus and scheduler.
func WithMetrics(m *telemetry.CoordinationMetrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithEventEmitter sets the semantic event sink.
func WithEventEmitter(emitter core.EventEmitter) Option {
	return func(c *Coordinator) { c.emitter = emitter }
}

// New builds the coordination core from configuration. The knowledge
// backend is chosen by cfg.Knowledge.Backend: "sqlite" persists to
// cfg.Knowledge.Path, anything else stays in memory.
func New(cfg *config.Config, opts ...Option) (*Coordinator, error) {
	if cfg == nil {
		def, err := config.Load("")
		if err != nil {
			return nil, err
		}
		cfg = def
	}

	c := &Coordinator{
		cfg:     cfg,
		log:     slog.Default(),
		emitter: core.NoopEventEmitter{},
		workers: make(map[string]*worker.Worker),
	}
	for _, opt := range opts {
		opt(c)
	}

	var store knowledge.Store
	switch cfg.Knowledge.Backend {
	case "sqlite":
		s, err := knowledge.NewSQLite(cfg.Knowledge.Path)
		if err != nil {
			return nil, err
		}
		store = s
	default:
		store = knowledge.NewInMemory()
	}
	c.store = store

	c.bus = bus.New(
		bus.WithCapacity(cfg.Bus.Capacity),
		bus.WithLogger(c.log),
		bus.WithMetrics(c.metrics),
	)

	regOpts := []registry.Option{
		registry.WithLogger(c.log),
		registry.WithEventEmitter(c.emitter),
	}
	if cfg.Worker.DrainOnRetire {
		regOpts = append(regOpts, registry.WithDrainOnRetire())
	}
	c.reg = registry.New(c.bus, store, regOpts...)

	c.sched = scheduler.New(schedulerConfig(cfg), c.reg, c.bus, store,
		scheduler.WithLogger(c.log),
		scheduler.WithMetrics(c.metrics),
		scheduler.WithEventEmitter(c.emitter),
	)

	return c, nil
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	sc := scheduler.DefaultConfig()
	s := cfg.Scheduler
	if s.MaxRetries >= 0 {
		sc.MaxRetries = s.MaxRetries
	}
	if s.DispatchTimeoutSeconds > 0 {
		sc.DispatchTimeout = time.Duration(s.DispatchTimeoutSeconds) * time.Second
	}
	if s.TickIntervalMillis > 0 {
		sc.TickInterval = time.Duration(s.TickIntervalMillis) * time.Millisecond
	}
	if s.StarvationThreshold > 0 {
		sc.StarvationThreshold = s.StarvationThreshold
	}
	if s.ShutdownGraceSeconds > 0 {
		sc.ShutdownGrace = time.Duration(s.ShutdownGraceSeconds) * time.Second
	}
	retry := resilience.DefaultRetryConfig()
	if s.RetryInitialMillis > 0 {
		retry = retry.WithInitialDelay(time.Duration(s.RetryInitialMillis) * time.Millisecond)
	}
	if s.RetryMaxMillis > 0 {
		retry = retry.WithMaxDelay(time.Duration(s.RetryMaxMillis) * time.Millisecond)
	}
	if s.RetryMultiplier > 0 {
		retry.Multiplier = s.RetryMultiplier
	}
	if s.RetryJitter > 0 {
		retry.Jitter = s.RetryJitter
	}
	sc.Retry = retry
	return sc
}

// Start stamps the run with an id and launches the scheduler loop. The
// run id rides the context so every log line and span of this run can
// be correlated across agents.
func (c *Coordinator) Start(ctx context.Context) error {
	ctx, runID := core.EnsureRunID(ctx)
	c.mu.Lock()
	c.runID = runID
	c.mu.Unlock()
	c.log = c.log.With(slog.String("run_id", runID))
	c.log.InfoContext(ctx, "coordinator.started")
	return c.sched.Start(ctx)
}

// RunID reports the id stamped by Start, empty before the first Start.
func (c *Coordinator) RunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID
}

// SpawnWorker registers an agent of the given role and runs its inbox
// loop. A nil executor selects the built-in executor for the role.
func (c *Coordinator) SpawnWorker(ctx context.Context, role core.Role, capabilities []string, exec core.Executor) (string, error) {
	if exec == nil {
		builtin, err := worker.ForRole(role, c.store)
		if err != nil {
			return "", err
		}
		exec = builtin
	}

	w := worker.New(worker.Config{
		Role:         role,
		Capabilities: capabilities,
		ReceivePoll:  time.Duration(c.cfg.Worker.ReceivePollMillis) * time.Millisecond,
		TaskTimeout:  time.Duration(c.cfg.Worker.TaskTimeoutSeconds) * time.Second,
	}, c.reg, c.bus, exec, worker.WithLogger(c.log))

	id, err := w.Start(ctx)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.workers[id] = w
	c.mu.Unlock()

	c.sched.Poke()
	return id, nil
}

// RegisterAgent adds an agent record without a managed worker loop.
// The caller runs its own receive loop against Bus().
func (c *Coordinator) RegisterAgent(ctx context.Context, role core.Role, capabilities []string) (string, error) {
	id, err := c.reg.Register(ctx, role, capabilities)
	if err != nil {
		return "", err
	}
	c.sched.Poke()
	return id, nil
}

// Bus exposes the message bus for agents that run their own loops.
func (c *Coordinator) Bus() *bus.Bus {
	return c.bus
}

// RetireAgent stops the agent's worker loop, if the coordinator owns
// one, and removes the agent from the registry.
func (c *Coordinator) RetireAgent(ctx context.Context, agentID string) error {
	c.mu.Lock()
	w, owned := c.workers[agentID]
	delete(c.workers, agentID)
	c.mu.Unlock()

	if owned {
		return w.Stop(ctx)
	}
	_, err := c.reg.Retire(ctx, agentID)
	return err
}

// SubmitTask submits a single task and returns its id.
func (c *Coordinator) SubmitTask(ctx context.Context, req scheduler.SubmitRequest) (string, error) {
	return c.sched.Submit(ctx, req)
}

// SubmitBatch submits a set of tasks atomically.
func (c *Coordinator) SubmitBatch(ctx context.Context, reqs []scheduler.SubmitRequest) ([]string, error) {
	return c.sched.SubmitBatch(ctx, reqs)
}

// SubmitPipeline validates and submits a declarative pipeline.
func (c *Coordinator) SubmitPipeline(ctx context.Context, p *pipeline.Pipeline) ([]string, error) {
	if err := p.Validate(); err != nil {
		return nil, errors.New(errors.CodeInvalidDependency, "invalid pipeline", err).
			WithContext("pipeline", p.Name)
	}
	return c.sched.SubmitBatch(ctx, p.SubmitRequests())
}

// CancelTask cancels a task and cascades through its dependents.
func (c *Coordinator) CancelTask(ctx context.Context, taskID string) error {
	return c.sched.Cancel(ctx, taskID)
}

// TaskStatus returns the task's current status.
func (c *Coordinator) TaskStatus(taskID string) (core.TaskStatus, error) {
	return c.sched.Status(taskID)
}

// Task returns a snapshot of the task record.
func (c *Coordinator) Task(taskID string) (core.Task, error) {
	return c.sched.Snapshot(taskID)
}

// Tasks returns snapshots of every task in submission order.
func (c *Coordinator) Tasks() []core.Task {
	return c.sched.Tasks()
}

// Broadcast queues a message to every subscribed agent. Delivery is
// best effort; agents with full inboxes are skipped.
func (c *Coordinator) Broadcast(ctx context.Context, payload map[string]any) error {
	msg := core.NewMessage(core.KindBroadcast, senderID, core.BroadcastRecipient, payload)
	return c.bus.Send(ctx, msg)
}

// Agents returns snapshots of every registered agent.
func (c *Coordinator) Agents() []core.AgentInfo {
	return c.reg.List()
}

// Agent returns a snapshot of one agent record.
func (c *Coordinator) Agent(agentID string) (core.AgentInfo, error) {
	return c.reg.Lookup(agentID)
}

// PutKnowledge writes a fact to the shared knowledge store.
func (c *Coordinator) PutKnowledge(ctx context.Context, key string, value any) (uint64, error) {
	return c.store.Put(ctx, key, value, senderID)
}

// GetKnowledge reads a fact from the shared knowledge store.
func (c *Coordinator) GetKnowledge(ctx context.Context, key string) (knowledge.Entry, error) {
	return c.store.Get(ctx, key)
}

// Knowledge exposes the underlying store for subscriptions and
// compare-and-set access.
func (c *Coordinator) Knowledge() knowledge.Store {
	return c.store
}

// WaitForTasks polls until every listed task is terminal or the context
// expires.
func (c *Coordinator) WaitForTasks(ctx context.Context, taskIDs []string) error {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		done := true
		for _, id := range taskIDs {
			status, err := c.sched.Status(id)
			if err != nil {
				return err
			}
			if !status.Terminal() {
				done = false
				break
			}
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.New(errors.CodeTimeout, "tasks did not settle in time", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Shutdown stops intake, drains the scheduler, retires every worker,
// and closes the bus and store.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	var errs []error
	if err := c.sched.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	c.mu.Lock()
	workers := make([]*worker.Worker, 0, len(c.workers))
	for _, w := range c.workers {
		workers = append(workers, w)
	}
	c.workers = make(map[string]*worker.Worker)
	c.mu.Unlock()

	for _, w := range workers {
		if err := w.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	c.bus.Shutdown()
	if err := c.store.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	c.log.InfoContext(ctx, "coordinator.stopped")
	if len(errs) > 0 {
		return errors.New(errors.CodeShutdown, "shutdown finished with errors", errs[0]).
			WithContext("error_count", len(errs))
	}
	return nil
}
