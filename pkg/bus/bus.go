// Package bus provides typed, addressed and broadcast message delivery
// over bounded per-agent inboxes.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jllopis/agora/pkg/core"
	"github.com/jllopis/agora/pkg/errors"
	"github.com/jllopis/agora/pkg/telemetry"
)

// DefaultCapacity is the per-inbox bound when none is configured.
const DefaultCapacity = 64

// Bus routes messages between agents. Send never blocks on recipient
// processing: a full inbox rejects the send with INBOX_FULL instead of
// growing unbounded. Messages from one sender to one recipient are
// delivered in send order.
type Bus struct {
	mu        sync.RWMutex
	capacity  int
	inboxes   map[string]*inbox
	broadcast map[string]struct{}
	closed    bool

	seq     atomic.Uint64
	log     *slog.Logger
	metrics *telemetry.CoordinationMetrics
}

// An inbox channel is never closed while senders may hold it; done marks
// retirement so blocked receivers wake up.
type inbox struct {
	ch   chan core.Message
	done chan struct{}
}

// Option configures a Bus.
type Option func(*Bus)

// WithCapacity sets the per-inbox capacity.
func WithCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// WithLogger sets the bus logger.
func WithLogger(log *slog.Logger) Option {
	return func(b *Bus) { b.log = log }
}

// WithMetrics attaches coordination metrics.
func WithMetrics(m *telemetry.CoordinationMetrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		capacity:  DefaultCapacity,
		inboxes:   make(map[string]*inbox),
		broadcast: make(map[string]struct{}),
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open creates the inbox for agentID. The registry calls this once per
// registration; the id is unique for the bus's lifetime.
func (b *Bus) Open(agentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New(errors.CodeShutdown, "bus is shut down", nil)
	}
	if _, exists := b.inboxes[agentID]; exists {
		return errors.New(errors.CodeInternal, "inbox already open", nil).
			WithContext("agent_id", agentID)
	}
	b.inboxes[agentID] = &inbox{
		ch:   make(chan core.Message, b.capacity),
		done: make(chan struct{}),
	}
	return nil
}

// Close retires agentID's inbox. Pending messages are returned when
// drain is true and discarded otherwise. Future sends to the id fail
// with UNKNOWN_RECIPIENT.
func (b *Bus) Close(agentID string, drain bool) []core.Message {
	b.mu.Lock()
	box, ok := b.inboxes[agentID]
	if ok {
		delete(b.inboxes, agentID)
		delete(b.broadcast, agentID)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}

	close(box.done)
	if !drain {
		return nil
	}
	var drained []core.Message
	for {
		select {
		case msg := <-box.ch:
			drained = append(drained, msg)
		default:
			return drained
		}
	}
}

// SubscribeBroadcast registers agentID to additionally receive
// broadcast messages.
func (b *Bus) SubscribeBroadcast(agentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.inboxes[agentID]; !ok {
		return errors.New(errors.CodeUnknownRecipient, "no inbox for agent", nil).
			WithContext("agent_id", agentID)
	}
	b.broadcast[agentID] = struct{}{}
	return nil
}

// Send delivers msg to its recipient's inbox, or to every broadcast
// subscriber's inbox for broadcast messages. Broadcast delivery is
// best-effort per subscriber: full inboxes are skipped and reported via
// metrics, never blocking the remaining fan-out.
func (b *Bus) Send(ctx context.Context, msg core.Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	msg.Seq = b.seq.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errors.New(errors.CodeShutdown, "bus is shut down", nil)
	}

	if msg.IsBroadcast() {
		for agentID := range b.broadcast {
			box := b.inboxes[agentID]
			if box == nil {
				continue
			}
			select {
			case box.ch <- msg:
				b.metrics.RecordMessageSent(ctx, string(msg.Kind))
			default:
				b.metrics.RecordMessageRejected(ctx, string(errors.CodeInboxFull))
				b.log.WarnContext(ctx, "bus.broadcast.dropped",
					slog.String("recipient", agentID),
					slog.String("message_id", msg.ID),
				)
			}
		}
		return nil
	}

	box, ok := b.inboxes[msg.Recipient]
	if !ok {
		b.metrics.RecordMessageRejected(ctx, string(errors.CodeUnknownRecipient))
		return errors.New(errors.CodeUnknownRecipient, "no inbox for recipient", nil).
			WithContext("recipient", msg.Recipient).
			WithContext("message_id", msg.ID)
	}

	select {
	case box.ch <- msg:
		b.metrics.RecordMessageSent(ctx, string(msg.Kind))
		return nil
	default:
		b.metrics.RecordMessageRejected(ctx, string(errors.CodeInboxFull))
		return errors.New(errors.CodeInboxFull, "recipient inbox at capacity", nil).
			WithContext("recipient", msg.Recipient).
			WithContext("capacity", b.capacity).
			WithRecoverable(true)
	}
}

// Receive returns the next message for agentID in inbox order. A
// timeout of zero polls without blocking. A timeout expiry returns a
// TIMEOUT error, which callers treat as "no message". Only the calling
// goroutine blocks.
func (b *Bus) Receive(ctx context.Context, agentID string, timeout time.Duration) (core.Message, error) {
	b.mu.RLock()
	box, ok := b.inboxes[agentID]
	b.mu.RUnlock()
	if !ok {
		return core.Message{}, errors.New(errors.CodeUnknownRecipient, "no inbox for agent", nil).
			WithContext("agent_id", agentID)
	}

	if timeout <= 0 {
		select {
		case msg := <-box.ch:
			return msg, nil
		case <-box.done:
			return core.Message{}, retiredErr(agentID)
		default:
			return core.Message{}, noMessageErr(agentID)
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-box.ch:
		return msg, nil
	case <-box.done:
		return core.Message{}, retiredErr(agentID)
	case <-ctx.Done():
		return core.Message{}, errors.New(errors.CodeTimeout, "receive canceled", ctx.Err()).
			WithContext("agent_id", agentID)
	case <-timer.C:
		return core.Message{}, noMessageErr(agentID)
	}
}

// Len reports the current depth of agentID's inbox, 0 if unknown.
func (b *Bus) Len(agentID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if box, ok := b.inboxes[agentID]; ok {
		return len(box.ch)
	}
	return 0
}

// Shutdown rejects all further sends and wakes every blocked receiver.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, box := range b.inboxes {
		close(box.done)
		delete(b.inboxes, id)
		delete(b.broadcast, id)
	}
}

func noMessageErr(agentID string) *errors.AgoraError {
	return errors.New(errors.CodeTimeout, "no message", nil).
		WithContext("agent_id", agentID).
		WithRecoverable(true)
}

func retiredErr(agentID string) *errors.AgoraError {
	return errors.New(errors.CodeUnknownRecipient, "inbox retired", nil).
		WithContext("agent_id", agentID)
}
