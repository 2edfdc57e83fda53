// Recording helper functions for coordinator telemetry events. Each
// function emits an OTel log event and increments a metric counter.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName  = "github.com/fleetd/fleetd"
	loggerName = "fleetd"
)

// instruments holds all lazy-initialized OTel metric instruments.
type instruments struct {
	sessionCreateTotal metric.Int64Counter
	sessionDeleteTotal metric.Int64Counter
	deliveryTotal      metric.Int64Counter
	fenceAbsorbTotal   metric.Int64Counter
	crashTotal         metric.Int64Counter
	recoveryTotal      metric.Int64Counter
	remindTotal        metric.Int64Counter
	parentWakeTotal    metric.Int64Counter

	deliveryLatencyHist metric.Float64Histogram
}

var (
	instOnce sync.Once
	inst     instruments
)

// initInstruments registers all metric instruments against the current
// global MeterProvider. Called lazily on first use so it runs after
// [Init] has installed the real provider.
func initInstruments() {
	instOnce.Do(func() {
		m := otel.GetMeterProvider().Meter(meterName)

		inst.sessionCreateTotal, _ = m.Int64Counter("fleetd.session.creates.total",
			metric.WithDescription("Total session creations"),
		)
		inst.sessionDeleteTotal, _ = m.Int64Counter("fleetd.session.deletes.total",
			metric.WithDescription("Total session deletions"),
		)
		inst.deliveryTotal, _ = m.Int64Counter("fleetd.message.deliveries.total",
			metric.WithDescription("Total message batch deliveries"),
		)
		inst.fenceAbsorbTotal, _ = m.Int64Counter("fleetd.fence.absorptions.total",
			metric.WithDescription("Total stop hooks absorbed by the skip fence"),
		)
		inst.crashTotal, _ = m.Int64Counter("fleetd.crash.detections.total",
			metric.WithDescription("Total harness crash detections"),
		)
		inst.recoveryTotal, _ = m.Int64Counter("fleetd.crash.recoveries.total",
			metric.WithDescription("Total harness crash recoveries"),
		)
		inst.remindTotal, _ = m.Int64Counter("fleetd.remind.fires.total",
			metric.WithDescription("Total status reminder fires"),
		)
		inst.parentWakeTotal, _ = m.Int64Counter("fleetd.parent_wake.digests.total",
			metric.WithDescription("Total parent-wake digests delivered"),
		)

		inst.deliveryLatencyHist, _ = m.Float64Histogram("fleetd.message.queue_latency_ms",
			metric.WithDescription("Queue-to-delivery latency in milliseconds"),
			metric.WithUnit("ms"),
		)
	})
}

// emit sends an OTel log event with the given body and attributes.
func emit(ctx context.Context, body string, sev otellog.Severity, attrs ...otellog.KeyValue) {
	logger := global.GetLoggerProvider().Logger(loggerName)
	var r otellog.Record
	r.SetBody(otellog.StringValue(body))
	r.SetSeverity(sev)
	r.AddAttributes(attrs...)
	logger.Emit(ctx, r)
}

// statusStr returns "ok" or "error" depending on whether err is nil.
func statusStr(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func severity(err error) otellog.Severity {
	if err != nil {
		return otellog.SeverityError
	}
	return otellog.SeverityInfo
}

// RecordSessionCreate records a session creation.
func RecordSessionCreate(ctx context.Context, sessionID string, prov string, err error) {
	initInstruments()
	inst.sessionCreateTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", prov),
		attribute.String("status", statusStr(err)),
	))
	emit(ctx, "session.create", severity(err),
		otellog.String("session", sessionID),
		otellog.String("provider", prov),
		otellog.String("status", statusStr(err)),
	)
}

// RecordSessionDelete records a session deletion.
func RecordSessionDelete(ctx context.Context, sessionID, reason string) {
	initInstruments()
	inst.sessionDeleteTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
	emit(ctx, "session.delete", otellog.SeverityInfo,
		otellog.String("session", sessionID),
		otellog.String("reason", reason),
	)
}

// RecordDelivery records a message batch delivery with its queue
// latency.
func RecordDelivery(ctx context.Context, sessionID, mode string, count int, latencyMs float64) {
	initInstruments()
	attrs := metric.WithAttributes(attribute.String("mode", mode))
	inst.deliveryTotal.Add(ctx, 1, attrs)
	inst.deliveryLatencyHist.Record(ctx, latencyMs, attrs)
	emit(ctx, "message.delivery", otellog.SeverityInfo,
		otellog.String("session", sessionID),
		otellog.String("mode", mode),
		otellog.Int("count", count),
		otellog.Float64("latency_ms", latencyMs),
	)
}

// RecordFenceAbsorption records a stop hook absorbed by the skip fence.
func RecordFenceAbsorption(ctx context.Context, sessionID string) {
	initInstruments()
	inst.fenceAbsorbTotal.Add(ctx, 1)
	emit(ctx, "fence.absorb", otellog.SeverityInfo,
		otellog.String("session", sessionID),
	)
}

// RecordCrash records a detected harness crash.
func RecordCrash(ctx context.Context, sessionID string, deferred bool) {
	initInstruments()
	inst.crashTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("deferred", deferred),
	))
	emit(ctx, "crash.detect", otellog.SeverityWarn,
		otellog.String("session", sessionID),
		otellog.Bool("deferred", deferred),
	)
}

// RecordRecovery records a harness restart attempt.
func RecordRecovery(ctx context.Context, sessionID string, err error) {
	initInstruments()
	inst.recoveryTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", statusStr(err)),
	))
	emit(ctx, "crash.recover", severity(err),
		otellog.String("session", sessionID),
		otellog.String("status", statusStr(err)),
	)
}

// RecordRemind records a status reminder fire.
func RecordRemind(ctx context.Context, sessionID, stage string) {
	initInstruments()
	inst.remindTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
	))
	emit(ctx, "remind.fire", otellog.SeverityInfo,
		otellog.String("session", sessionID),
		otellog.String("stage", stage),
	)
}

// RecordParentWake records a delivered parent-wake digest.
func RecordParentWake(ctx context.Context, childID, parentID string) {
	initInstruments()
	inst.parentWakeTotal.Add(ctx, 1)
	emit(ctx, "parent_wake.digest", otellog.SeverityInfo,
		otellog.String("child", childID),
		otellog.String("parent", parentID),
	)
}
