// SPDX-License-Identifier: Apache-2.0
// Package telemetry provides observability for the Agora coordination core.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// CoordinationMetrics tracks bus and scheduler activity for production
// monitoring. A nil *CoordinationMetrics is safe to call; every record
// method no-ops.
type CoordinationMetrics struct {
	// messagesSent counts bus deliveries by message kind.
	messagesSent metric.Int64Counter

	// messagesRejected counts failed sends by error code.
	messagesRejected metric.Int64Counter

	// taskTransitions counts task status transitions.
	taskTransitions metric.Int64Counter

	// dispatchLatency measures submit-to-dispatch latency in seconds.
	dispatchLatency metric.Float64Histogram

	// readyDepth tracks the number of Ready tasks awaiting an agent.
	readyDepth metric.Int64UpDownCounter

	// starvation counts CapacityExhausted reports.
	starvation metric.Int64Counter
}

// NewCoordinationMetrics creates the coordination metric instruments.
func NewCoordinationMetrics() (*CoordinationMetrics, error) {
	meter := otel.Meter("agora/coordination")

	messagesSent, err := meter.Int64Counter(
		"agora.bus.messages.sent",
		metric.WithDescription("Messages delivered by the bus, by kind"),
	)
	if err != nil {
		return nil, err
	}

	messagesRejected, err := meter.Int64Counter(
		"agora.bus.messages.rejected",
		metric.WithDescription("Messages rejected by the bus, by error code"),
	)
	if err != nil {
		return nil, err
	}

	taskTransitions, err := meter.Int64Counter(
		"agora.scheduler.task.transitions",
		metric.WithDescription("Task status transitions, by target status"),
	)
	if err != nil {
		return nil, err
	}

	dispatchLatency, err := meter.Float64Histogram(
		"agora.scheduler.dispatch.latency",
		metric.WithDescription("Seconds between task submission and dispatch"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	readyDepth, err := meter.Int64UpDownCounter(
		"agora.scheduler.ready.depth",
		metric.WithDescription("Tasks in Ready state awaiting an eligible agent"),
	)
	if err != nil {
		return nil, err
	}

	starvation, err := meter.Int64Counter(
		"agora.scheduler.starvation.reports",
		metric.WithDescription("Scheduling passes that found no eligible idle agent"),
	)
	if err != nil {
		return nil, err
	}

	return &CoordinationMetrics{
		messagesSent:     messagesSent,
		messagesRejected: messagesRejected,
		taskTransitions:  taskTransitions,
		dispatchLatency:  dispatchLatency,
		readyDepth:       readyDepth,
		starvation:       starvation,
	}, nil
}

// RecordMessageSent increments the sent counter for the given kind.
func (cm *CoordinationMetrics) RecordMessageSent(ctx context.Context, kind string) {
	if cm == nil {
		return
	}
	cm.messagesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordMessageRejected increments the rejected counter for the given code.
func (cm *CoordinationMetrics) RecordMessageRejected(ctx context.Context, code string) {
	if cm == nil {
		return
	}
	cm.messagesRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

// RecordTaskTransition increments the transition counter for the target status.
func (cm *CoordinationMetrics) RecordTaskTransition(ctx context.Context, status string) {
	if cm == nil {
		return
	}
	cm.taskTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordDispatchLatency records submit-to-dispatch latency in seconds.
func (cm *CoordinationMetrics) RecordDispatchLatency(ctx context.Context, seconds float64) {
	if cm == nil {
		return
	}
	cm.dispatchLatency.Record(ctx, seconds)
}

// AddReadyDepth adjusts the ready-queue depth by delta.
func (cm *CoordinationMetrics) AddReadyDepth(ctx context.Context, delta int64) {
	if cm == nil {
		return
	}
	cm.readyDepth.Add(ctx, delta)
}

// RecordStarvation increments the starvation counter for a capability tag.
func (cm *CoordinationMetrics) RecordStarvation(ctx context.Context, capability string) {
	if cm == nil {
		return
	}
	cm.starvation.Add(ctx, 1, metric.WithAttributes(attribute.String("capability", capability)))
}
