package ygggo_dbclient

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/yggai/ygggo_dbclient"

// Metrics holds the OpenTelemetry instruments. A nil *Metrics records nothing.
type Metrics struct {
	// Connection metrics
	connectionsOpen   metric.Int64UpDownCounter
	connectionsOpened metric.Int64Counter
	leasesTotal       metric.Int64Counter
	leasesActive      metric.Int64UpDownCounter
	leaseWait         metric.Float64Histogram
	leaseHeld         metric.Float64Histogram
	leaseTimeouts     metric.Int64Counter

	// Statement metrics
	queriesTotal  metric.Int64Counter
	queryDuration metric.Float64Histogram
	retriesTotal  metric.Int64Counter

	// Transaction metrics
	transactionsTotal   metric.Int64Counter
	transactionDuration metric.Float64Histogram
}

// newMetrics creates the instruments from provider, or the global provider when nil.
func newMetrics(provider metric.MeterProvider) *Metrics {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(instrumentationName)
	m := &Metrics{}

	m.connectionsOpen, _ = meter.Int64UpDownCounter(
		"ygggo_db_connections_open",
		metric.WithDescription("Number of physical connections held by the pool"),
	)
	m.connectionsOpened, _ = meter.Int64Counter(
		"ygggo_db_connections_opened_total",
		metric.WithDescription("Total number of physical connections dialed"),
	)
	m.leasesTotal, _ = meter.Int64Counter(
		"ygggo_db_leases_total",
		metric.WithDescription("Total number of connection leases granted"),
	)
	m.leasesActive, _ = meter.Int64UpDownCounter(
		"ygggo_db_leases_active",
		metric.WithDescription("Number of connections currently leased"),
	)
	m.leaseWait, _ = meter.Float64Histogram(
		"ygggo_db_lease_wait_seconds",
		metric.WithDescription("Time spent waiting for a connection lease"),
		metric.WithUnit("s"),
	)
	m.leaseHeld, _ = meter.Float64Histogram(
		"ygggo_db_lease_held_seconds",
		metric.WithDescription("Time a lease was held before release"),
		metric.WithUnit("s"),
	)
	m.leaseTimeouts, _ = meter.Int64Counter(
		"ygggo_db_lease_timeouts_total",
		metric.WithDescription("Total number of lease requests that timed out"),
	)

	m.queriesTotal, _ = meter.Int64Counter(
		"ygggo_db_queries_total",
		metric.WithDescription("Total number of statements executed"),
	)
	m.queryDuration, _ = meter.Float64Histogram(
		"ygggo_db_query_duration_seconds",
		metric.WithDescription("Duration of statements"),
		metric.WithUnit("s"),
	)
	m.retriesTotal, _ = meter.Int64Counter(
		"ygggo_db_retries_total",
		metric.WithDescription("Total number of retried attempts"),
	)

	m.transactionsTotal, _ = meter.Int64Counter(
		"ygggo_db_transactions_total",
		metric.WithDescription("Total number of transactions"),
	)
	m.transactionDuration, _ = meter.Float64Histogram(
		"ygggo_db_transaction_duration_seconds",
		metric.WithDescription("Duration of transactions"),
		metric.WithUnit("s"),
	)
	return m
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (m *Metrics) recordConnectionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.connectionsOpen.Add(ctx, 1)
	m.connectionsOpened.Add(ctx, 1)
}

func (m *Metrics) recordConnectionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.connectionsOpen.Add(ctx, -1)
}

func (m *Metrics) recordLease(ctx context.Context, waited time.Duration) {
	if m == nil {
		return
	}
	m.leasesTotal.Add(ctx, 1)
	m.leasesActive.Add(ctx, 1)
	m.leaseWait.Record(ctx, waited.Seconds())
}

func (m *Metrics) recordRelease(ctx context.Context, held time.Duration) {
	if m == nil {
		return
	}
	m.leasesActive.Add(ctx, -1)
	m.leaseHeld.Record(ctx, held.Seconds())
}

func (m *Metrics) recordLeaseTimeout(ctx context.Context) {
	if m == nil {
		return
	}
	m.leaseTimeouts.Add(ctx, 1)
}

func (m *Metrics) recordQuery(ctx context.Context, operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", statusOf(err)),
	)
	m.queriesTotal.Add(ctx, 1, attrs)
	m.queryDuration.Record(ctx, duration.Seconds(), attrs)
}

func (m *Metrics) recordRetry(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.retriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}

func (m *Metrics) recordTransaction(ctx context.Context, duration time.Duration, outcome TxState) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome.String()))
	m.transactionsTotal.Add(ctx, 1, attrs)
	m.transactionDuration.Record(ctx, duration.Seconds(), attrs)
}
