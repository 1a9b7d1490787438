package ingestion

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/nvdsync/internal/domain/scap"
	"github.com/ahrav/nvdsync/pkg/common/logger"
	"github.com/ahrav/nvdsync/pkg/common/timeutil"
)

// ErrRecordLimitReached stops a stream once the configured number of records
// has been emitted. The window it interrupts is incomplete.
var ErrRecordLimitReached = errors.New("record limit reached")

// PageSource returns one page of a window. Implementations classify their
// failures so the fetcher can tell transient errors from permanent ones.
type PageSource interface {
	FetchPage(ctx context.Context, w scap.SyncWindow, startIndex int) (scap.Page, error)
}

// Fetcher walks the pages of a window in order, retrying each page
// according to its RetryPolicy.
type Fetcher struct {
	source PageSource
	retry  scap.RetryPolicy
	clock  timeutil.Provider

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics SyncMetrics
}

// NewFetcher creates a Fetcher.
func NewFetcher(
	source PageSource,
	retry scap.RetryPolicy,
	clock timeutil.Provider,
	log *logger.Logger,
	tracer trace.Tracer,
	metrics SyncMetrics,
) *Fetcher {
	return &Fetcher{
		source:  source,
		retry:   retry,
		clock:   clock,
		logger:  log.With("component", "fetcher"),
		tracer:  tracer,
		metrics: metrics,
	}
}

// Stream sends the pages of w, starting at offset start, to out in order.
// It returns nil once the window is exhausted: the offset reached the total
// announced by the first page, or an empty page arrived. If the total
// changes mid-stream the fetcher keeps paging until an empty page instead.
//
// maxRecords > 0 caps the records emitted; hitting the cap before the window
// is exhausted returns ErrRecordLimitReached. out is never closed by Stream.
func (f *Fetcher) Stream(ctx context.Context, w scap.SyncWindow, start, maxRecords int, out chan<- scap.Page) error {
	ctx, span := f.tracer.Start(ctx, "fetcher.stream",
		trace.WithAttributes(
			attribute.String("window", w.String()),
			attribute.Int("start_index", start),
		))
	defer span.End()

	var (
		offset   = start
		expected = -1
		draining bool
		emitted  int
	)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := f.fetchWithRetry(ctx, w, offset)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		f.metrics.IncPagesFetched(ctx, w.Type)

		if page.Empty() {
			span.SetAttributes(attribute.Int("records_emitted", emitted))
			return nil
		}

		switch {
		case expected < 0:
			expected = page.TotalResults
		case !draining && page.TotalResults != expected:
			draining = true
			f.logger.Warn(ctx, "upstream total changed mid-window, paging until an empty page",
				"window", w.String(),
				"expected_total", expected,
				"reported_total", page.TotalResults,
				"start_index", offset,
			)
		}

		truncated := false
		if maxRecords > 0 && emitted+len(page.Records) > maxRecords {
			page.Records = page.Records[:maxRecords-emitted]
			truncated = true
		}

		select {
		case out <- page:
		case <-ctx.Done():
			return ctx.Err()
		}
		emitted += len(page.Records)
		offset += len(page.Records)

		switch {
		case truncated:
			return ErrRecordLimitReached
		case !draining && offset >= expected:
			span.SetAttributes(attribute.Int("records_emitted", emitted))
			return nil
		case maxRecords > 0 && emitted >= maxRecords:
			return ErrRecordLimitReached
		}
	}
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, w scap.SyncWindow, offset int) (scap.Page, error) {
	for attempt := 1; ; attempt++ {
		page, err := f.source.FetchPage(ctx, w, offset)
		if err == nil {
			return page, nil
		}

		decision := f.retry.OnFailure(attempt, err)
		if !decision.Retry {
			return scap.Page{}, &scap.PageFetchError{Window: w, StartIndex: offset, Attempts: attempt, Err: decision.Err}
		}

		f.metrics.IncFetchRetries(ctx, w.Type)
		f.logger.Warn(ctx, "page fetch failed, retrying",
			"window", w.String(),
			"start_index", offset,
			"attempt", attempt,
			"delay", decision.Delay.Round(time.Millisecond).String(),
			"error", err,
		)

		select {
		case <-f.clock.After(decision.Delay):
		case <-ctx.Done():
			return scap.Page{}, ctx.Err()
		}
	}
}
