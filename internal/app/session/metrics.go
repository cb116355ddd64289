package session

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/sessionrouter/errs"
	"github.com/coachpo/sessionrouter/internal/domain/schema"
	"github.com/coachpo/sessionrouter/internal/infra/telemetry"
)

type metrics struct {
	recoveredCounter   metric.Int64Counter
	reboundCounter     metric.Int64Counter
	waitingCounter     metric.Int64Counter
	synthesizedCounter metric.Int64Counter
	rejectedCounter    metric.Int64Counter
	inboundCounter     metric.Int64Counter
	recoveryDuration   metric.Float64Histogram

	registration metric.Registration
}

func newMetrics(c *Consumer) *metrics {
	meter := otel.Meter("session")
	m := &metrics{}
	m.recoveredCounter, _ = meter.Int64Counter("session.items.recovered",
		metric.WithDescription("Items that lost their channel or service and entered recovery"),
		metric.WithUnit("{item}"))
	m.reboundCounter, _ = meter.Int64Counter("session.items.rebound",
		metric.WithDescription("Recovering items re-bound to a usable channel"),
		metric.WithUnit("{item}"))
	m.waitingCounter, _ = meter.Int64Counter("session.items.waiting",
		metric.WithDescription("Items that entered waiting-for-service"),
		metric.WithUnit("{item}"))
	m.synthesizedCounter, _ = meter.Int64Counter("session.status.synthesized",
		metric.WithDescription("Status messages generated by the session rather than a provider"),
		metric.WithUnit("{message}"))
	m.rejectedCounter, _ = meter.Int64Counter("session.submit.rejected",
		metric.WithDescription("Application registrations and submissions rejected"),
		metric.WithUnit("{operation}"))
	m.inboundCounter, _ = meter.Int64Counter("session.messages.inbound",
		metric.WithDescription("Messages received from session channels"),
		metric.WithUnit("{message}"))
	m.recoveryDuration, _ = meter.Float64Histogram("session.recovery.duration",
		metric.WithDescription("Delay between scheduling and running a deferred re-bind"),
		metric.WithUnit("ms"))

	services, err := meter.Int64ObservableGauge("session.directory.services",
		metric.WithDescription("Services in the merged directory"),
		metric.WithUnit("{service}"))
	if err != nil {
		return m
	}
	channelsUp, err := meter.Int64ObservableGauge("session.channels.up",
		metric.WithDescription("Session channels currently connected"),
		metric.WithUnit("{channel}"))
	if err != nil {
		return m
	}
	m.registration, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		attrs := metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment()))
		o.ObserveInt64(services, int64(c.directory.Len()), attrs)
		o.ObserveInt64(channelsUp, c.upCount.Load(), attrs)
		return nil
	}, services, channelsUp)
	return m
}

func (m *metrics) close() {
	if m.registration != nil {
		_ = m.registration.Unregister()
	}
}

func (m *metrics) recovered(service, channel, reason string) {
	if m.recoveredCounter != nil {
		m.recoveredCounter.Add(context.Background(), 1, metric.WithAttributes(
			telemetry.RecoveryAttributes(telemetry.Environment(), service, channel, reason)...))
	}
}

func (m *metrics) rebound(service, channel string) {
	if m.reboundCounter != nil {
		m.reboundCounter.Add(context.Background(), 1, metric.WithAttributes(
			telemetry.RecoveryAttributes(telemetry.Environment(), service, channel, "")...))
	}
}

func (m *metrics) waiting(service string) {
	if m.waitingCounter != nil {
		m.waitingCounter.Add(context.Background(), 1, metric.WithAttributes(
			telemetry.RecoveryAttributes(telemetry.Environment(), service, "", "")...))
	}
}

func (m *metrics) synthesized(domain schema.Domain) {
	if m.synthesizedCounter != nil {
		m.synthesizedCounter.Add(context.Background(), 1, metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment()),
			telemetry.AttrDomain.String(domain.String())))
	}
}

func (m *metrics) rejected(operation string, code errs.Code) {
	if m.rejectedCounter == nil {
		return
	}
	result := string(code)
	if result == "" {
		result = "error"
	}
	m.rejectedCounter.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.OperationResultAttributes(telemetry.Environment(), operation, result)...))
}

func (m *metrics) inbound(channel string, kind schema.Kind) {
	if m.inboundCounter != nil {
		m.inboundCounter.Add(context.Background(), 1, metric.WithAttributes(
			telemetry.MessageAttributes(telemetry.Environment(), channel, kind.String())...))
	}
}

func (m *metrics) deferred(delay time.Duration) {
	if m.recoveryDuration != nil {
		m.recoveryDuration.Record(context.Background(), float64(delay.Microseconds())/1000,
			metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
	}
}
