package ingestion

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/nvdsync/internal/domain/scap"
)

// SyncMetrics defines metrics operations needed by the sync pipeline.
type SyncMetrics interface {
	// Fetch metrics.
	IncPagesFetched(ctx context.Context, t scap.EntityType)
	IncFetchRetries(ctx context.Context, t scap.EntityType)

	// Record metrics.
	AddRecordsApplied(ctx context.Context, t scap.EntityType, n int)
	AddRecordsUnchanged(ctx context.Context, t scap.EntityType, n int)
	AddRecordsSkipped(ctx context.Context, t scap.EntityType, n int)

	// Window metrics.
	IncWindowsCompleted(ctx context.Context, t scap.EntityType)
	IncWindowsFailed(ctx context.Context, t scap.EntityType)
	ObserveWindowDuration(ctx context.Context, t scap.EntityType, d time.Duration)
}

// syncMetrics implements SyncMetrics.
type syncMetrics struct {
	pagesFetched     metric.Int64Counter
	fetchRetries     metric.Int64Counter
	recordsApplied   metric.Int64Counter
	recordsUnchanged metric.Int64Counter
	recordsSkipped   metric.Int64Counter
	windowsCompleted metric.Int64Counter
	windowsFailed    metric.Int64Counter
	windowDuration   metric.Float64Histogram
}

const namespace = "nvdsync"

// NewSyncMetrics creates a new SyncMetrics instance.
func NewSyncMetrics(mp metric.MeterProvider) (*syncMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	s := new(syncMetrics)
	var err error

	if s.pagesFetched, err = meter.Int64Counter(
		"pages_fetched_total",
		metric.WithDescription("Total number of upstream pages fetched"),
	); err != nil {
		return nil, err
	}

	if s.fetchRetries, err = meter.Int64Counter(
		"fetch_retries_total",
		metric.WithDescription("Total number of retried upstream requests"),
	); err != nil {
		return nil, err
	}

	if s.recordsApplied, err = meter.Int64Counter(
		"records_applied_total",
		metric.WithDescription("Total number of records inserted or overwritten"),
	); err != nil {
		return nil, err
	}

	if s.recordsUnchanged, err = meter.Int64Counter(
		"records_unchanged_total",
		metric.WithDescription("Total number of records skipped because storage was already current"),
	); err != nil {
		return nil, err
	}

	if s.recordsSkipped, err = meter.Int64Counter(
		"records_skipped_total",
		metric.WithDescription("Total number of records rejected by validation"),
	); err != nil {
		return nil, err
	}

	if s.windowsCompleted, err = meter.Int64Counter(
		"windows_completed_total",
		metric.WithDescription("Total number of sync windows fully committed"),
	); err != nil {
		return nil, err
	}

	if s.windowsFailed, err = meter.Int64Counter(
		"windows_failed_total",
		metric.WithDescription("Total number of sync windows that failed"),
	); err != nil {
		return nil, err
	}

	if s.windowDuration, err = meter.Float64Histogram(
		"window_duration_seconds",
		metric.WithDescription("Time taken to fetch and commit one sync window"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return s, nil
}

func typeAttr(t scap.EntityType) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("entity_type", t.String()))
}

func (s *syncMetrics) IncPagesFetched(ctx context.Context, t scap.EntityType) {
	s.pagesFetched.Add(ctx, 1, typeAttr(t))
}

func (s *syncMetrics) IncFetchRetries(ctx context.Context, t scap.EntityType) {
	s.fetchRetries.Add(ctx, 1, typeAttr(t))
}

func (s *syncMetrics) AddRecordsApplied(ctx context.Context, t scap.EntityType, n int) {
	s.recordsApplied.Add(ctx, int64(n), typeAttr(t))
}

func (s *syncMetrics) AddRecordsUnchanged(ctx context.Context, t scap.EntityType, n int) {
	s.recordsUnchanged.Add(ctx, int64(n), typeAttr(t))
}

func (s *syncMetrics) AddRecordsSkipped(ctx context.Context, t scap.EntityType, n int) {
	s.recordsSkipped.Add(ctx, int64(n), typeAttr(t))
}

func (s *syncMetrics) IncWindowsCompleted(ctx context.Context, t scap.EntityType) {
	s.windowsCompleted.Add(ctx, 1, typeAttr(t))
}

func (s *syncMetrics) IncWindowsFailed(ctx context.Context, t scap.EntityType) {
	s.windowsFailed.Add(ctx, 1, typeAttr(t))
}

func (s *syncMetrics) ObserveWindowDuration(ctx context.Context, t scap.EntityType, d time.Duration) {
	s.windowDuration.Record(ctx, d.Seconds(), typeAttr(t))
}
