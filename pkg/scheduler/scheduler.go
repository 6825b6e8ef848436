// Package scheduler orders tasks by priority and dependency, dispatches
// them to eligible agents, and tracks their status.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/agora/pkg/bus"
	"github.com/jllopis/agora/pkg/core"
	"github.com/jllopis/agora/pkg/errors"
	"github.com/jllopis/agora/pkg/knowledge"
	"github.com/jllopis/agora/pkg/registry"
	"github.com/jllopis/agora/pkg/resilience"
	"github.com/jllopis/agora/pkg/telemetry"
)

// ID is the scheduler's own address on the message bus. Delegations are
// sent from it and agent responses are addressed back to it.
const ID = "scheduler"

// Config holds the scheduler tunables.
type Config struct {
	// MaxRetries is the number of re-dispatches after the first failed
	// attempt; a task fails terminally after MaxRetries+1 attempts.
	MaxRetries int

	// DispatchTimeout is how long a dispatched task may go without a
	// correlated response before the agent is presumed unresponsive.
	DispatchTimeout time.Duration

	// TickInterval drives timeout checks and periodic dispatch passes.
	TickInterval time.Duration

	// ReceivePoll bounds each bus receive in the response pump.
	ReceivePoll time.Duration

	// StarvationThreshold is the number of consecutive passes that leave
	// Ready tasks unplaced before a CAPACITY_EXHAUSTED report.
	StarvationThreshold int

	// ShutdownGrace bounds the in-flight drain during Shutdown.
	ShutdownGrace time.Duration

	// Retry controls the backoff between task retry attempts.
	Retry resilience.RetryConfig

	// Breaker configures the per-agent circuit breakers that keep the
	// scheduler from re-dispatching to a flapping agent.
	Breaker resilience.CircuitBreakerConfig
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:          2,
		DispatchTimeout:     30 * time.Second,
		TickInterval:        250 * time.Millisecond,
		ReceivePoll:         250 * time.Millisecond,
		StarvationThreshold: 20,
		ShutdownGrace:       10 * time.Second,
		Retry:               resilience.DefaultRetryConfig(),
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold: 3,
			SuccessThreshold: 1,
			Timeout:          15 * time.Second,
		},
	}
}

// SubmitRequest describes one task submission. ID is optional; batch
// submissions use caller-chosen ids so tasks can reference each other.
type SubmitRequest struct {
	ID          string
	Description map[string]any
	Capability  string
	Priority    int
	DependsOn   []string
	// Fallback, when non-nil, substitutes for a failed dependency's
	// result instead of cancelling this task.
	Fallback any
}

// taskState is the scheduler-private wrapper around a task record.
type taskState struct {
	task      *core.Task
	remaining map[string]struct{}
	retryAt   time.Time
}

type inflight struct {
	agentID  string
	deadline time.Time
}

type submitOp struct {
	reqs  []SubmitRequest
	reply chan submitResult
}

type submitResult struct {
	ids []string
	err error
}

type cancelOp struct {
	taskID string
	reply  chan error
}

// Scheduler owns the task table and dependency graph. All mutation
// happens on the dispatch loop goroutine; readers take snapshots under
// a read lock.
type Scheduler struct {
	cfg   Config
	reg   *registry.Registry
	bus   *bus.Bus
	store knowledge.Store

	log     *slog.Logger
	metrics *telemetry.CoordinationMetrics
	emitter core.EventEmitter
	tracer  trace.Tracer

	mu         sync.RWMutex
	tasks      map[string]*taskState
	dependents map[string][]string
	inflights  map[string]*inflight
	ready      readyHeap
	nextSeq    uint64

	breakers    map[string]*resilience.CircuitBreaker
	starvation  int
	capacityErr error

	submitc   chan submitOp
	cancelc   chan cancelOp
	responses chan core.Message
	wake      chan struct{}
	stopc     chan struct{}
	stopOnce  sync.Once
	donec     chan struct{}
	pumpDone  chan struct{}

	started bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithMetrics attaches coordination metrics.
func WithMetrics(m *telemetry.CoordinationMetrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithEventEmitter sets the semantic event sink.
func WithEventEmitter(emitter core.EventEmitter) Option {
	return func(s *Scheduler) { s.emitter = emitter }
}

// New creates a scheduler over the given registry, bus, and knowledge
// store.
func New(cfg Config, reg *registry.Registry, b *bus.Bus, store knowledge.Store, opts ...Option) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if cfg.ReceivePoll <= 0 {
		cfg.ReceivePoll = cfg.TickInterval
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = DefaultConfig().DispatchTimeout
	}
	if cfg.StarvationThreshold <= 0 {
		cfg.StarvationThreshold = DefaultConfig().StarvationThreshold
	}
	s := &Scheduler{
		cfg:        cfg,
		reg:        reg,
		bus:        b,
		store:      store,
		log:        slog.Default(),
		emitter:    core.NoopEventEmitter{},
		tracer:     otel.Tracer("agora/scheduler"),
		tasks:      make(map[string]*taskState),
		dependents: make(map[string][]string),
		inflights:  make(map[string]*inflight),
		breakers:   make(map[string]*resilience.CircuitBreaker),
		submitc:    make(chan submitOp),
		cancelc:    make(chan cancelOp),
		responses:  make(chan core.Message, 64),
		wake:       make(chan struct{}, 1),
		stopc:      make(chan struct{}),
		donec:      make(chan struct{}),
		pumpDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start opens the scheduler's bus inbox and launches the dispatch loop
// and the response pump.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.started {
		return errors.New(errors.CodeInternal, "scheduler already started", nil)
	}
	if err := s.bus.Open(ID); err != nil {
		return err
	}
	s.started = true
	go s.pump(ctx)
	go s.run(ctx)
	s.log.InfoContext(ctx, "scheduler.started",
		slog.Duration("dispatch_timeout", s.cfg.DispatchTimeout),
		slog.Int("max_retries", s.cfg.MaxRetries),
	)
	return nil
}

// Submit validates and inserts a single task, returning its id. It
// fails synchronously with CYCLIC_DEPENDENCY or INVALID_DEPENDENCY and
// leaves the task table untouched on rejection.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	ids, err := s.SubmitBatch(ctx, []SubmitRequest{req})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// SubmitBatch validates and inserts a set of tasks atomically: either
// every task is accepted or none is.
func (s *Scheduler) SubmitBatch(ctx context.Context, reqs []SubmitRequest) ([]string, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	op := submitOp{reqs: reqs, reply: make(chan submitResult, 1)}
	select {
	case s.submitc <- op:
	case <-s.stopc:
		return nil, errors.New(errors.CodeShutdown, "scheduler not accepting submissions", nil)
	case <-ctx.Done():
		return nil, errors.New(errors.CodeTimeout, "submission canceled", ctx.Err())
	}
	res := <-op.reply
	return res.ids, res.err
}

// Cancel marks the task Cancelled and cascades through its dependents.
// A Dispatched task's agent gets a best-effort cancellation message;
// the task is terminal immediately either way.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) error {
	op := cancelOp{taskID: taskID, reply: make(chan error, 1)}
	select {
	case s.cancelc <- op:
	case <-s.stopc:
		return errors.New(errors.CodeShutdown, "scheduler stopped", nil)
	case <-ctx.Done():
		return errors.New(errors.CodeTimeout, "cancel canceled", ctx.Err())
	}
	return <-op.reply
}

// Status returns the task's current status.
func (s *Scheduler) Status(taskID string) (core.TaskStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.tasks[taskID]
	if !ok {
		return "", errors.New(errors.CodeNotFound, "task not found", nil).
			WithContext("task_id", taskID)
	}
	return st.task.Status, nil
}

// Snapshot returns a copy of the task record.
func (s *Scheduler) Snapshot(taskID string) (core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.tasks[taskID]
	if !ok {
		return core.Task{}, errors.New(errors.CodeNotFound, "task not found", nil).
			WithContext("task_id", taskID)
	}
	return st.task.Snapshot(), nil
}

// Tasks returns snapshots of every task, ordered by submission.
func (s *Scheduler) Tasks() []core.Task {
	s.mu.RLock()
	out := make([]core.Task, 0, len(s.tasks))
	for _, st := range s.tasks {
		out = append(out, st.task.Snapshot())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Starved reports the latest CAPACITY_EXHAUSTED condition: non-nil
// while ready work has repeatedly found no eligible agent, nil once a
// pass places a task or the ready queue empties.
func (s *Scheduler) Starved() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capacityErr
}

// Poke requests a dispatch pass, e.g. after an agent registration.
func (s *Scheduler) Poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Shutdown stops intake, waits up to the configured grace period for
// in-flight dispatches to finish, cancels what remains, and stops the
// loop.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if !s.started {
		return nil
	}
	s.stopOnce.Do(func() { close(s.stopc) })
	<-s.donec
	<-s.pumpDone
	s.log.InfoContext(ctx, "scheduler.stopped")
	return nil
}

func newTaskID() string {
	return uuid.NewString()
}
