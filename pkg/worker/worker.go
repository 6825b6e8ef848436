// Package worker runs an agent's inbox loop: it registers the agent,
// receives delegations from the bus, hands them to an Executor, and
// replies to the sender with the result or the failure.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/jllopis/agora/pkg/bus"
	"github.com/jllopis/agora/pkg/core"
	"github.com/jllopis/agora/pkg/errors"
	"github.com/jllopis/agora/pkg/registry"
	"github.com/jllopis/agora/pkg/resilience"
)

// Config holds the worker tunables.
type Config struct {
	// Role and Capabilities describe the agent to the registry.
	Role         core.Role
	Capabilities []string

	// ReceivePoll bounds each bus receive so the loop can notice Stop.
	ReceivePoll time.Duration

	// TaskTimeout bounds a single executor run. Zero means unbounded;
	// the scheduler's dispatch timeout still applies either way.
	TaskTimeout time.Duration
}

// Worker owns one registered agent and its inbox loop.
type Worker struct {
	cfg  Config
	reg  *registry.Registry
	bus  *bus.Bus
	exec core.Executor
	log  *slog.Logger

	id      string
	stopc   chan struct{}
	donec   chan struct{}
	started bool
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the worker logger.
func WithLogger(log *slog.Logger) Option {
	return func(w *Worker) { w.log = log }
}

// New creates a worker that executes delegations with exec.
func New(cfg Config, reg *registry.Registry, b *bus.Bus, exec core.Executor, opts ...Option) *Worker {
	if cfg.ReceivePoll <= 0 {
		cfg.ReceivePoll = 100 * time.Millisecond
	}
	w := &Worker{
		cfg:   cfg,
		reg:   reg,
		bus:   b,
		exec:  exec,
		log:   slog.Default(),
		stopc: make(chan struct{}),
		donec: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start registers the agent and launches the inbox loop, returning the
// assigned agent id.
func (w *Worker) Start(ctx context.Context) (string, error) {
	if w.started {
		return "", errors.New(errors.CodeInternal, "worker already started", nil)
	}
	id, err := w.reg.Register(ctx, w.cfg.Role, w.cfg.Capabilities)
	if err != nil {
		return "", err
	}
	w.id = id
	w.started = true
	go w.loop(ctx)
	w.log.InfoContext(ctx, "worker.started",
		slog.String("agent_id", id),
		slog.String("role", string(w.cfg.Role)),
		slog.Any("capabilities", w.cfg.Capabilities),
	)
	return id, nil
}

// ID returns the agent id assigned at Start.
func (w *Worker) ID() string {
	return w.id
}

// Stop halts the loop and retires the agent from the registry.
func (w *Worker) Stop(ctx context.Context) error {
	if !w.started {
		return nil
	}
	close(w.stopc)
	<-w.donec
	_, err := w.reg.Retire(ctx, w.id)
	w.log.InfoContext(ctx, "worker.stopped", slog.String("agent_id", w.id))
	return err
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.donec)
	for {
		select {
		case <-w.stopc:
			return
		default:
		}

		msg, err := w.bus.Receive(ctx, w.id, w.cfg.ReceivePoll)
		if err != nil {
			if errors.HasCode(err, errors.CodeTimeout) {
				continue
			}
			// Inbox retired or context gone.
			return
		}

		switch msg.Kind {
		case core.KindDelegation:
			w.handleDelegation(ctx, msg)
		case core.KindBroadcast:
			w.log.InfoContext(ctx, "worker.broadcast",
				slog.String("agent_id", w.id),
				slog.String("sender", msg.Sender),
				slog.Any("payload", msg.Payload),
			)
		case core.KindFeedback:
			// Typically a cancellation notice for work already underway.
			w.log.InfoContext(ctx, "worker.feedback",
				slog.String("agent_id", w.id),
				slog.String("correlation_id", msg.CorrelationID),
				slog.Any("payload", msg.Payload),
			)
		default:
			w.log.DebugContext(ctx, "worker.message.ignored",
				slog.String("agent_id", w.id),
				slog.String("kind", string(msg.Kind)),
			)
		}
	}
}

func (w *Worker) handleDelegation(ctx context.Context, msg core.Message) {
	result, err := resilience.WithTimeoutResult(ctx,
		resilience.TimeoutConfig{Duration: w.cfg.TaskTimeout},
		func() (any, error) { return w.exec.Handle(ctx, msg) },
	)

	var reply core.Message
	if err != nil {
		w.log.WarnContext(ctx, "worker.task.failed",
			slog.String("agent_id", w.id),
			slog.String("correlation_id", msg.CorrelationID),
			slog.String("error", err.Error()),
		)
		reply = core.NewMessage(core.KindFeedback, w.id, msg.Sender, map[string]any{
			"error": err.Error(),
		}).WithCorrelation(msg.CorrelationID)
	} else {
		reply = core.NewMessage(core.KindResponse, w.id, msg.Sender, map[string]any{
			"result": result,
		}).WithCorrelation(msg.CorrelationID)
	}

	if err := w.bus.Send(ctx, reply); err != nil {
		w.log.WarnContext(ctx, "worker.reply.send_failed",
			slog.String("agent_id", w.id),
			slog.String("recipient", msg.Sender),
			slog.String("error", err.Error()),
		)
	}
}
