package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"time"

	"github.com/jllopis/agora/pkg/core"
	"github.com/jllopis/agora/pkg/errors"
)

// handleSubmit validates a batch and inserts it atomically. Runs on the
// dispatch loop goroutine; nothing is mutated until validation passes.
func (s *Scheduler) handleSubmit(ctx context.Context, op submitOp) {
	ids, err := s.validateBatch(op.reqs)
	if err != nil {
		op.reply <- submitResult{err: err}
		return
	}

	s.mu.Lock()
	for i, req := range op.reqs {
		task := core.NewTask(req.Description, req.Capability, req.Priority, req.DependsOn)
		task.ID = ids[i]
		task.Fallback = req.Fallback
		s.nextSeq++
		task.Seq = s.nextSeq

		st := &taskState{task: task, remaining: make(map[string]struct{})}
		s.tasks[task.ID] = st
		for _, dep := range req.DependsOn {
			s.dependents[dep] = append(s.dependents[dep], task.ID)
		}
	}

	// Resolve dependencies that are already settled, then promote.
	for _, id := range ids {
		st := s.tasks[id]
		cancelled := false
		for _, dep := range st.task.DependsOn {
			depState := s.tasks[dep]
			switch depState.task.Status {
			case core.TaskStatusCompleted:
			case core.TaskStatusFailed:
				if st.task.Fallback == nil {
					cancelled = true
				}
			case core.TaskStatusCancelled:
				cancelled = true
			default:
				st.remaining[dep] = struct{}{}
			}
		}
		if cancelled {
			s.cancelLocked(ctx, st, "dependency already terminal")
			continue
		}
		if len(st.remaining) == 0 {
			s.toReadyLocked(ctx, st, time.Time{})
		}
		s.log.InfoContext(ctx, "scheduler.task.submitted",
			slog.String("task_id", id),
			slog.String("capability", st.task.Capability),
			slog.Int("priority", st.task.Priority),
			slog.Int("dependencies", len(st.task.DependsOn)),
		)
		s.emitter.Emit(ctx, core.NewEvent(core.EventTaskSubmitted, "", id, nil))
	}
	s.mu.Unlock()

	op.reply <- submitResult{ids: ids}
}

// validateBatch checks ids, dependency references, and acyclicity
// without touching scheduler state. Returns the resolved id per request.
func (s *Scheduler) validateBatch(reqs []SubmitRequest) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, len(reqs))
	inBatch := make(map[string]int, len(reqs))
	for i, req := range reqs {
		id := req.ID
		if id == "" {
			id = newTaskID()
		}
		if _, dup := inBatch[id]; dup {
			return nil, errors.New(errors.CodeInvalidDependency, "duplicate task id in batch", nil).
				WithContext("task_id", id)
		}
		if _, exists := s.tasks[id]; exists {
			return nil, errors.New(errors.CodeInvalidDependency, "task id already exists", nil).
				WithContext("task_id", id)
		}
		ids[i] = id
		inBatch[id] = i
	}

	for i, req := range reqs {
		for _, dep := range req.DependsOn {
			if _, ok := inBatch[dep]; ok {
				continue
			}
			if _, ok := s.tasks[dep]; !ok {
				return nil, errors.New(errors.CodeInvalidDependency, "unknown dependency", nil).
					WithContext("task_id", ids[i]).
					WithContext("dependency", dep)
			}
		}
	}

	// Existing tasks can never depend on a new id, so a cycle must lie
	// entirely inside the batch.
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(reqs))
	var visit func(id string) bool
	visit = func(id string) bool {
		switch color[id] {
		case grey:
			return false
		case black:
			return true
		}
		color[id] = grey
		for _, dep := range reqs[inBatch[id]].DependsOn {
			if _, ok := inBatch[dep]; !ok {
				continue
			}
			if !visit(dep) {
				return false
			}
		}
		color[id] = black
		return true
	}
	for id := range inBatch {
		if !visit(id) {
			return nil, errors.New(errors.CodeCyclicDependency, "submission closes a dependency cycle", nil).
				WithContext("task_id", id)
		}
	}

	return ids, nil
}

// toReadyLocked promotes a task to Ready and queues it for dispatch.
// retryAt gates re-dispatch after a failure; zero means immediately
// eligible. Caller holds the write lock.
func (s *Scheduler) toReadyLocked(ctx context.Context, st *taskState, retryAt time.Time) {
	s.setStatusLocked(ctx, st, core.TaskStatusReady)
	st.retryAt = retryAt
	heap.Push(&s.ready, readyItem{
		priority: st.task.Priority,
		seq:      st.task.Seq,
		taskID:   st.task.ID,
	})
}

// setStatusLocked transitions a task and keeps metrics in step. Caller
// holds the write lock.
func (s *Scheduler) setStatusLocked(ctx context.Context, st *taskState, status core.TaskStatus) {
	if st.task.Status == status {
		return
	}
	if st.task.Status == core.TaskStatusReady {
		s.metrics.AddReadyDepth(ctx, -1)
	}
	if status == core.TaskStatusReady {
		s.metrics.AddReadyDepth(ctx, 1)
	}
	st.task.Status = status
	if status.Terminal() {
		st.task.FinishedAt = time.Now().UTC()
	}
	s.metrics.RecordTaskTransition(ctx, string(status))
}
