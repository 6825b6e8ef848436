// Package registry creates, tracks, and looks up agent records by role
// and id.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jllopis/agora/pkg/bus"
	"github.com/jllopis/agora/pkg/core"
	"github.com/jllopis/agora/pkg/errors"
	"github.com/jllopis/agora/pkg/knowledge"
)

// Agent status values packed for atomic compare-and-swap.
const (
	statusIdle int32 = iota
	statusBusy
	statusFailed
	statusStopped
)

func statusOf(code int32) core.AgentStatus {
	switch code {
	case statusIdle:
		return core.AgentIdle
	case statusBusy:
		return core.AgentBusy
	case statusFailed:
		return core.AgentFailed
	default:
		return core.AgentStopped
	}
}

type record struct {
	id           string
	role         core.Role
	capabilities []string
	registeredAt time.Time
	status       atomic.Int32
	tasksHandled atomic.Int64
}

// Registry owns all agent records. Status transitions go through atomic
// CAS so two concurrent scheduling passes can never claim the same
// agent.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*record

	bus       *bus.Bus
	knowledge knowledge.Store
	log       *slog.Logger
	emitter   core.EventEmitter

	// DrainOnRetire returns a retired agent's undelivered messages to
	// the caller instead of discarding them.
	DrainOnRetire bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithEventEmitter sets the semantic event sink.
func WithEventEmitter(emitter core.EventEmitter) Option {
	return func(r *Registry) { r.emitter = emitter }
}

// WithDrainOnRetire makes Retire return pending messages.
func WithDrainOnRetire() Option {
	return func(r *Registry) { r.DrainOnRetire = true }
}

// New creates a registry wired to the message bus and the shared
// knowledge store.
func New(b *bus.Bus, store knowledge.Store, opts ...Option) *Registry {
	r := &Registry{
		agents:    make(map[string]*record),
		bus:       b,
		knowledge: store,
		log:       slog.Default(),
		emitter:   core.NoopEventEmitter{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates an agent record with a fresh id, opens its inbox,
// and subscribes it to broadcasts. The id is unique for the registry's
// lifetime and never reused.
func (r *Registry) Register(ctx context.Context, role core.Role, capabilities []string) (string, error) {
	id := string(role) + "-" + uuid.NewString()[:8]

	if err := r.bus.Open(id); err != nil {
		return "", err
	}
	if err := r.bus.SubscribeBroadcast(id); err != nil {
		r.bus.Close(id, false)
		return "", err
	}

	rec := &record{
		id:           id,
		role:         role,
		capabilities: append([]string(nil), capabilities...),
		registeredAt: time.Now().UTC(),
	}
	rec.status.Store(statusIdle)

	r.mu.Lock()
	r.agents[id] = rec
	r.mu.Unlock()

	r.log.InfoContext(ctx, "registry.agent.registered",
		slog.String("agent_id", id),
		slog.String("role", string(role)),
		slog.Any("capabilities", capabilities),
	)
	r.emitter.Emit(ctx, core.NewEvent(core.EventAgentRegistered, id, "", nil))
	return id, nil
}

// Lookup returns a snapshot of the agent record.
func (r *Registry) Lookup(agentID string) (core.AgentInfo, error) {
	r.mu.RLock()
	rec, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return core.AgentInfo{}, errors.New(errors.CodeNotFound, "agent not found", nil).
			WithContext("agent_id", agentID)
	}
	return r.snapshot(rec), nil
}

// FindIdleByCapability atomically claims an Idle agent advertising tag,
// marking it Busy before returning its id. Candidates are scanned in id
// order so repeated runs behave deterministically. Agents named in
// exclude are skipped. Returns false when no eligible agent could be
// claimed.
func (r *Registry) FindIdleByCapability(tag string, exclude ...string) (string, bool) {
	r.mu.RLock()
	candidates := make([]*record, 0, len(r.agents))
	for _, rec := range r.agents {
		candidates = append(candidates, rec)
	}
	r.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].id < candidates[j].id })

	for _, rec := range candidates {
		if !hasTag(rec.capabilities, tag) || hasTag(exclude, rec.id) {
			continue
		}
		if rec.status.CompareAndSwap(statusIdle, statusBusy) {
			return rec.id, true
		}
	}
	return "", false
}

// MarkIdle returns a Busy or Failed agent to the Idle pool. Stopped
// agents stay stopped.
func (r *Registry) MarkIdle(agentID string) {
	r.mu.RLock()
	rec, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	rec.status.CompareAndSwap(statusBusy, statusIdle)
	rec.status.CompareAndSwap(statusFailed, statusIdle)
}

// MarkFailed records that the agent missed its dispatch deadline. A
// stopped agent is left alone.
func (r *Registry) MarkFailed(ctx context.Context, agentID string) {
	r.mu.RLock()
	rec, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if rec.status.CompareAndSwap(statusBusy, statusFailed) ||
		rec.status.CompareAndSwap(statusIdle, statusFailed) {
		r.log.WarnContext(ctx, "registry.agent.failed", slog.String("agent_id", agentID))
		r.emitter.Emit(ctx, core.NewEvent(core.EventAgentFailed, agentID, "", nil))
	}
}

// IncHandled bumps the agent's handled-task counter.
func (r *Registry) IncHandled(agentID string) {
	r.mu.RLock()
	rec, ok := r.agents[agentID]
	r.mu.RUnlock()
	if ok {
		rec.tasksHandled.Add(1)
	}
}

// Retire transitions the agent to Stopped, closes its inbox, and
// rejects future dispatch. The returned slice holds undelivered
// messages when the registry drains on retire.
func (r *Registry) Retire(ctx context.Context, agentID string) ([]core.Message, error) {
	r.mu.RLock()
	rec, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "agent not found", nil).
			WithContext("agent_id", agentID)
	}

	rec.status.Store(statusStopped)
	pending := r.bus.Close(agentID, r.DrainOnRetire)

	r.log.InfoContext(ctx, "registry.agent.retired",
		slog.String("agent_id", agentID),
		slog.Int("pending_messages", len(pending)),
	)
	r.emitter.Emit(ctx, core.NewEvent(core.EventAgentRetired, agentID, "", nil))
	return pending, nil
}

// List returns snapshots of every agent record, sorted by id.
func (r *Registry) List() []core.AgentInfo {
	r.mu.RLock()
	infos := make([]core.AgentInfo, 0, len(r.agents))
	for _, rec := range r.agents {
		infos = append(infos, r.snapshot(rec))
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Knowledge returns the shared knowledge handle agents are given.
func (r *Registry) Knowledge() knowledge.Store {
	return r.knowledge
}

func (r *Registry) snapshot(rec *record) core.AgentInfo {
	return core.AgentInfo{
		ID:           rec.id,
		Role:         rec.role,
		Capabilities: append([]string(nil), rec.capabilities...),
		Status:       statusOf(rec.status.Load()),
		RegisteredAt: rec.registeredAt,
		InboxLen:     r.bus.Len(rec.id),
		TasksHandled: int(rec.tasksHandled.Load()),
	}
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
