// Package telemetry provides OpenTelemetry metrics (exported for Prometheus)
// and tracing (exported over OTLP gRPC). Nothing leaves the device unless an
// OTLP endpoint is configured; /metrics is served on the local listener only.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InstrumentationName names the meter and tracer used across the agent.
const InstrumentationName = "github.com/afctech/fieldsync"

// InitMetrics installs a MeterProvider backed by a Prometheus exporter.
// It returns the handler for /metrics and a shutdown function.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// SyncMetrics holds the instruments recorded by the synchronizer and the
// scheduler.
type SyncMetrics struct {
	drains        metric.Int64Counter
	jobsSynced    metric.Int64Counter
	jobsFailed    metric.Int64Counter
	drainDuration metric.Float64Histogram
	skipped       metric.Int64Counter
	meter         metric.Meter
}

// NewSyncMetrics creates the instruments on meter. A nil meter uses the
// global MeterProvider.
func NewSyncMetrics(meter metric.Meter) (*SyncMetrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	m := &SyncMetrics{meter: meter}
	var err error

	if m.drains, err = meter.Int64Counter("fieldsync_drains_total",
		metric.WithDescription("Completed outbox drains")); err != nil {
		return nil, fmt.Errorf("failed to create drains counter: %w", err)
	}
	if m.jobsSynced, err = meter.Int64Counter("fieldsync_jobs_synced_total",
		metric.WithDescription("Outbox records accepted by the remote service")); err != nil {
		return nil, fmt.Errorf("failed to create synced counter: %w", err)
	}
	if m.jobsFailed, err = meter.Int64Counter("fieldsync_jobs_failed_total",
		metric.WithDescription("Failed submission attempts")); err != nil {
		return nil, fmt.Errorf("failed to create failed counter: %w", err)
	}
	if m.drainDuration, err = meter.Float64Histogram("fieldsync_drain_duration_seconds",
		metric.WithDescription("Wall time of one drain"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}
	if m.skipped, err = meter.Int64Counter("fieldsync_sync_requests_skipped_total",
		metric.WithDescription("Sync requests ignored by the scheduler gate")); err != nil {
		return nil, fmt.Errorf("failed to create skipped counter: %w", err)
	}

	return m, nil
}

// RecordDrain records the outcome of one drain.
func (m *SyncMetrics) RecordDrain(ctx context.Context, synced, failed int, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failed > 0 {
		outcome = "partial"
	}
	m.drains.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.jobsSynced.Add(ctx, int64(synced))
	m.jobsFailed.Add(ctx, int64(failed))
	m.drainDuration.Record(ctx, elapsed.Seconds())
}

// RecordSkipped counts a sync request that was not started.
// reason is "busy" or "offline".
func (m *SyncMetrics) RecordSkipped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// ObserveOutbox registers a gauge reporting the number of unsynced records.
// count is called on every collection.
func (m *SyncMetrics) ObserveOutbox(count func(ctx context.Context) (int64, error)) error {
	if m == nil {
		return nil
	}
	_, err := m.meter.Int64ObservableGauge("fieldsync_outbox_pending",
		metric.WithDescription("Unsynced outbox records"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			n, err := count(ctx)
			if err != nil {
				return err
			}
			o.Observe(n)
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create outbox gauge: %w", err)
	}
	return nil
}
