package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/agora/pkg/core"
	"github.com/jllopis/agora/pkg/errors"
	"github.com/jllopis/agora/pkg/knowledge"
	"github.com/jllopis/agora/pkg/resilience"
)

// pump forwards the scheduler's bus inbox into the dispatch loop. It
// keeps feeding responses during the shutdown drain and exits once the
// loop has finished.
func (s *Scheduler) pump(ctx context.Context) {
	defer close(s.pumpDone)
	for {
		select {
		case <-s.donec:
			return
		default:
		}
		msg, err := s.bus.Receive(ctx, ID, s.cfg.ReceivePoll)
		if err != nil {
			if errors.HasCode(err, errors.CodeTimeout) {
				continue
			}
			// Inbox retired or context gone.
			return
		}
		select {
		case s.responses <- msg:
		case <-s.donec:
			return
		}
	}
}

// run is the dispatch loop. It is the only goroutine that mutates the
// task table.
func (s *Scheduler) run(ctx context.Context) {
	defer close(s.donec)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopc:
			s.drain(ctx)
			return
		case op := <-s.submitc:
			s.handleSubmit(ctx, op)
		case op := <-s.cancelc:
			op.reply <- s.handleCancel(ctx, op.taskID)
		case msg := <-s.responses:
			s.handleResponse(ctx, msg)
		case <-s.wake:
		case <-ticker.C:
			s.checkTimeouts(ctx)
		}
		s.dispatch(ctx)
	}
}

// drain waits out in-flight dispatches up to the grace period, then
// cancels everything still unfinished.
func (s *Scheduler) drain(ctx context.Context) {
	s.mu.RLock()
	pending := len(s.inflights)
	s.mu.RUnlock()

	grace := time.NewTimer(s.cfg.ShutdownGrace)
	defer grace.Stop()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

wait:
	for pending > 0 {
		select {
		case msg := <-s.responses:
			s.handleResponse(ctx, msg)
		case <-ticker.C:
			s.checkTimeouts(ctx)
		case <-grace.C:
			break wait
		}
		s.mu.RLock()
		pending = len(s.inflights)
		s.mu.RUnlock()
	}

	s.mu.Lock()
	for _, st := range s.tasks {
		if !st.task.Status.Terminal() {
			s.cancelLocked(ctx, st, "scheduler shutdown")
		}
	}
	s.mu.Unlock()
}

func (s *Scheduler) handleCancel(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[taskID]
	if !ok {
		return errors.New(errors.CodeNotFound, "task not found", nil).
			WithContext("task_id", taskID)
	}
	// Cancelling a settled task is a no-op.
	if st.task.Status.Terminal() {
		return nil
	}
	s.cancelLocked(ctx, st, "cancelled by caller")
	return nil
}

// cancelLocked settles the task as Cancelled and cascades into its
// dependents. A dispatched task's agent gets a best-effort notice; any
// response it still sends will be discarded as stale. Caller holds the
// write lock.
func (s *Scheduler) cancelLocked(ctx context.Context, st *taskState, reason string) {
	if st.task.Status.Terminal() {
		return
	}
	if inf, ok := s.inflights[st.task.ID]; ok {
		delete(s.inflights, st.task.ID)
		note := core.NewMessage(core.KindFeedback, ID, inf.agentID, map[string]any{
			"event":   "task.cancelled",
			"task_id": st.task.ID,
		}).WithCorrelation(st.task.ID)
		if err := s.bus.Send(ctx, note); err != nil {
			s.log.DebugContext(ctx, "scheduler.cancel.notify_failed",
				slog.String("agent_id", inf.agentID),
				slog.String("error", err.Error()),
			)
		}
	}
	s.setStatusLocked(ctx, st, core.TaskStatusCancelled)
	st.task.Error = reason
	s.log.InfoContext(ctx, "scheduler.task.cancelled",
		slog.String("task_id", st.task.ID),
		slog.String("reason", reason),
	)
	s.emitter.Emit(ctx, core.NewEvent(core.EventTaskCancelled, "", st.task.ID, nil))

	for _, depID := range s.dependents[st.task.ID] {
		if dep, ok := s.tasks[depID]; ok {
			s.cancelLocked(ctx, dep, "dependency cancelled: "+st.task.ID)
		}
	}
}

// handleResponse matches an agent reply against the in-flight table by
// correlation id. Replies that no longer match, because the task timed
// out, was cancelled, or was re-dispatched, are dropped and the sender
// is returned to the idle pool.
func (s *Scheduler) handleResponse(ctx context.Context, msg core.Message) {
	taskID := msg.CorrelationID

	s.mu.Lock()
	st, hasTask := s.tasks[taskID]
	inf, hasInflight := s.inflights[taskID]
	if !hasTask || !hasInflight || inf.agentID != msg.Sender {
		s.mu.Unlock()
		s.log.DebugContext(ctx, "scheduler.response.stale",
			slog.String("task_id", taskID),
			slog.String("sender", msg.Sender),
			slog.String("kind", string(msg.Kind)),
		)
		s.reg.MarkIdle(msg.Sender)
		return
	}
	delete(s.inflights, taskID)

	switch msg.Kind {
	case core.KindResponse:
		s.completeLocked(ctx, st, msg)
	case core.KindFeedback:
		reason, _ := msg.Payload["error"].(string)
		if reason == "" {
			reason = "agent reported failure"
		}
		s.breakerFor(msg.Sender).RecordFailure()
		s.reg.MarkIdle(msg.Sender)
		st.task.AssignedTo = ""
		s.retryLocked(ctx, st, reason)
	default:
		// Unexpected kind on the scheduler inbox; treat as a failed
		// attempt rather than losing the task.
		s.breakerFor(msg.Sender).RecordFailure()
		s.reg.MarkIdle(msg.Sender)
		st.task.AssignedTo = ""
		s.retryLocked(ctx, st, fmt.Sprintf("unexpected reply kind %q", msg.Kind))
	}
	s.mu.Unlock()
}

// completeLocked settles a task as Completed, publishes its result, and
// unblocks dependents. Caller holds the write lock.
func (s *Scheduler) completeLocked(ctx context.Context, st *taskState, msg core.Message) {
	result := msg.Payload["result"]
	st.task.Result = result
	s.setStatusLocked(ctx, st, core.TaskStatusCompleted)

	if _, err := s.store.Put(ctx, knowledge.TaskResultKey(st.task.ID), result, msg.Sender); err != nil {
		s.log.WarnContext(ctx, "scheduler.result.store_failed",
			slog.String("task_id", st.task.ID),
			slog.String("error", err.Error()),
		)
	}

	s.breakerFor(msg.Sender).RecordSuccess()
	s.reg.IncHandled(msg.Sender)
	s.reg.MarkIdle(msg.Sender)

	s.log.InfoContext(ctx, "scheduler.task.completed",
		slog.String("task_id", st.task.ID),
		slog.String("agent_id", msg.Sender),
		slog.Int("retries", st.task.Retries),
	)
	s.emitter.Emit(ctx, core.NewEvent(core.EventTaskCompleted, msg.Sender, st.task.ID, nil))

	for _, depID := range s.dependents[st.task.ID] {
		dep, ok := s.tasks[depID]
		if !ok || dep.task.Status != core.TaskStatusPending {
			continue
		}
		delete(dep.remaining, st.task.ID)
		if len(dep.remaining) == 0 {
			s.toReadyLocked(ctx, dep, time.Time{})
		}
	}
}

// retryLocked either queues another attempt with backoff or fails the
// task terminally once the retry budget is spent. Caller holds the
// write lock.
func (s *Scheduler) retryLocked(ctx context.Context, st *taskState, reason string) {
	if st.task.Retries >= s.cfg.MaxRetries {
		s.failLocked(ctx, st, reason)
		return
	}
	st.task.Retries++
	delay := s.cfg.Retry.BackoffDelay(st.task.Retries)
	s.toReadyLocked(ctx, st, time.Now().Add(delay))
	s.log.WarnContext(ctx, "scheduler.task.retry",
		slog.String("task_id", st.task.ID),
		slog.String("reason", reason),
		slog.Int("attempt", st.task.Retries+1),
		slog.Duration("delay", delay),
	)
}

// failLocked settles a task as Failed and cascades into dependents. A
// dependent carrying a fallback keeps going: the fallback value is
// published as the failed task's result so downstream reads still
// resolve. Caller holds the write lock.
func (s *Scheduler) failLocked(ctx context.Context, st *taskState, reason string) {
	s.setStatusLocked(ctx, st, core.TaskStatusFailed)
	st.task.Error = errors.New(errors.CodeTaskFailed, reason, nil).Error()
	s.log.ErrorContext(ctx, "scheduler.task.failed",
		slog.String("task_id", st.task.ID),
		slog.String("reason", reason),
		slog.Int("retries", st.task.Retries),
	)
	s.emitter.Emit(ctx, core.NewEvent(core.EventTaskFailed, st.task.AssignedTo, st.task.ID, map[string]any{
		"error": reason,
	}))

	for _, depID := range s.dependents[st.task.ID] {
		dep, ok := s.tasks[depID]
		if !ok || dep.task.Status.Terminal() {
			continue
		}
		if dep.task.Fallback == nil {
			s.cancelLocked(ctx, dep, "dependency failed: "+st.task.ID)
			continue
		}
		key := knowledge.TaskResultKey(st.task.ID)
		if _, err := s.store.CompareAndSet(ctx, key, 0, dep.task.Fallback, ID); err != nil &&
			!errors.HasCode(err, errors.CodeConflict) {
			s.log.WarnContext(ctx, "scheduler.fallback.store_failed",
				slog.String("task_id", st.task.ID),
				slog.String("error", err.Error()),
			)
		}
		if dep.task.Status == core.TaskStatusPending {
			delete(dep.remaining, st.task.ID)
			if len(dep.remaining) == 0 {
				s.toReadyLocked(ctx, dep, time.Time{})
			}
		}
	}
}

// checkTimeouts fails over dispatches whose deadline has passed: the
// agent is marked Failed, its breaker records the miss, and the task
// re-enters the retry path.
func (s *Scheduler) checkTimeouts(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	for taskID, inf := range s.inflights {
		if now.Before(inf.deadline) {
			continue
		}
		delete(s.inflights, taskID)
		st, ok := s.tasks[taskID]

		s.reg.MarkFailed(ctx, inf.agentID)
		s.breakerFor(inf.agentID).RecordFailure()
		s.log.WarnContext(ctx, "scheduler.agent.unresponsive",
			slog.String("agent_id", inf.agentID),
			slog.String("task_id", taskID),
			slog.Duration("timeout", s.cfg.DispatchTimeout),
		)
		s.emitter.Emit(ctx, core.NewEvent(core.EventAgentFailed, inf.agentID, taskID, nil))

		if ok {
			st.task.AssignedTo = ""
			aerr := errors.New(errors.CodeAgentUnresponsive, "no response within dispatch timeout", nil).
				WithContext("agent_id", inf.agentID)
			s.retryLocked(ctx, st, aerr.Error())
		}
	}
	s.mu.Unlock()
}

// dispatch pops Ready tasks in priority order and places each on an
// idle agent with the required capability. Tasks that cannot be placed
// yet, waiting on backoff or on a free agent, are re-queued for the
// next pass.
func (s *Scheduler) dispatch(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	exclude := s.breakerExcluded()

	var deferred []readyItem
	placed := false
	starved := false

	for s.ready.Len() > 0 {
		item := heap.Pop(&s.ready).(readyItem)
		st, ok := s.tasks[item.taskID]
		if !ok || st.task.Status != core.TaskStatusReady {
			// Stale heap entry from a cancel or re-queue.
			continue
		}
		if st.retryAt.After(now) {
			deferred = append(deferred, item)
			continue
		}

		agentID, ok := s.reg.FindIdleByCapability(st.task.Capability, exclude...)
		if !ok {
			deferred = append(deferred, item)
			starved = true
			continue
		}

		msg := core.NewMessage(core.KindDelegation, ID, agentID, delegationPayload(st.task)).
			WithCorrelation(st.task.ID)
		if err := s.bus.Send(ctx, msg); err != nil {
			s.reg.MarkIdle(agentID)
			s.log.WarnContext(ctx, "scheduler.dispatch.send_failed",
				slog.String("task_id", st.task.ID),
				slog.String("agent_id", agentID),
				slog.String("error", err.Error()),
			)
			deferred = append(deferred, item)
			continue
		}

		_, span := s.tracer.Start(ctx, "scheduler.dispatch", trace.WithAttributes(
			attribute.String("task.id", st.task.ID),
			attribute.String("agent.id", agentID),
			attribute.String("task.capability", st.task.Capability),
			attribute.Int("task.attempt", st.task.Retries+1),
		))
		s.setStatusLocked(ctx, st, core.TaskStatusDispatched)
		st.task.AssignedTo = agentID
		if st.task.StartedAt.IsZero() {
			st.task.StartedAt = now.UTC()
		}
		s.inflights[st.task.ID] = &inflight{
			agentID:  agentID,
			deadline: now.Add(s.cfg.DispatchTimeout),
		}
		s.metrics.RecordDispatchLatency(ctx, now.Sub(st.task.CreatedAt).Seconds())
		placed = true
		span.End()

		s.log.InfoContext(ctx, "scheduler.task.dispatched",
			slog.String("task_id", st.task.ID),
			slog.String("agent_id", agentID),
			slog.Int("attempt", st.task.Retries+1),
		)
		s.emitter.Emit(ctx, core.NewEvent(core.EventTaskDispatched, agentID, st.task.ID, nil))
	}

	for _, item := range deferred {
		heap.Push(&s.ready, item)
	}

	if starved && !placed {
		s.starvation++
		if s.starvation%s.cfg.StarvationThreshold == 0 {
			s.capacityErr = errors.New(errors.CodeCapacityExhausted,
				"no idle agent matches any ready capability", nil).
				WithContext("ready", s.ready.Len()).
				WithContext("passes", s.starvation)
			s.log.WarnContext(ctx, "scheduler.capacity.exhausted",
				slog.String("error", s.capacityErr.Error()),
				slog.Int("ready", s.ready.Len()),
				slog.Int("passes", s.starvation),
			)
			s.metrics.RecordStarvation(ctx, "")
		}
	} else {
		s.starvation = 0
		s.capacityErr = nil
	}
	s.mu.Unlock()
}

func delegationPayload(task *core.Task) map[string]any {
	return map[string]any{
		"task_id":     task.ID,
		"capability":  task.Capability,
		"description": task.Description,
		"depends_on":  append([]string(nil), task.DependsOn...),
		"attempt":     task.Retries + 1,
	}
}

// breakerFor returns the per-agent circuit breaker, creating it on
// first use. Caller holds the write lock.
func (s *Scheduler) breakerFor(agentID string) *resilience.CircuitBreaker {
	cb, ok := s.breakers[agentID]
	if !ok {
		cb = resilience.NewCircuitBreaker(s.cfg.Breaker)
		s.breakers[agentID] = cb
	}
	return cb
}

// breakerExcluded lists agents whose breaker is currently refusing
// traffic. Caller holds the write lock.
func (s *Scheduler) breakerExcluded() []string {
	var out []string
	for id, cb := range s.breakers {
		if !cb.Allow() {
			out = append(out, id)
		}
	}
	return out
}
