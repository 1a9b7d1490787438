// Package ingestion runs the incremental synchronization pipeline: planning
// change windows, fetching their pages, normalizing records, merging them
// into storage and advancing the per-type checkpoint.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/nvdsync/internal/domain/scap"
	"github.com/ahrav/nvdsync/pkg/common/logger"
	"github.com/ahrav/nvdsync/pkg/common/timeutil"
)

// Config tunes a run.
type Config struct {
	// Prefetch is how many fetched pages may wait while an earlier page is
	// being written.
	Prefetch int
	// RecordLimit caps the records fetched per entity type. A limited run
	// never advances the checkpoint past the window it stopped in.
	RecordLimit int
	// WriteTimeout bounds a batch write, which is allowed to finish after
	// the run is cancelled.
	WriteTimeout time.Duration
	// Since, when set, replaces the stored checkpoint as the starting point.
	Since *time.Time
}

// DefaultConfig returns the settings used unless configured otherwise.
func DefaultConfig() Config {
	return Config{Prefetch: 1, WriteTimeout: 5 * time.Minute}
}

// Orchestrator drives one pipeline per entity type through the sync states.
// Pipelines for different types share nothing but the repositories.
type Orchestrator struct {
	planner     *Planner
	fetcher     *Fetcher
	normalizer  *Normalizer
	writer      *Writer
	checkpoints scap.CheckpointRepository
	clock       timeutil.Provider
	cfg         Config

	mu     sync.Mutex
	states map[scap.EntityType]scap.SyncState

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics SyncMetrics
}

// NewOrchestrator wires the pipeline stages together.
func NewOrchestrator(
	cfg Config,
	planner *Planner,
	fetcher *Fetcher,
	normalizer *Normalizer,
	writer *Writer,
	checkpoints scap.CheckpointRepository,
	clock timeutil.Provider,
	log *logger.Logger,
	tracer trace.Tracer,
	metrics SyncMetrics,
) *Orchestrator {
	if cfg.Prefetch < 0 {
		cfg.Prefetch = 0
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	return &Orchestrator{
		planner:     planner,
		fetcher:     fetcher,
		normalizer:  normalizer,
		writer:      writer,
		checkpoints: checkpoints,
		clock:       clock,
		cfg:         cfg,
		states:      make(map[scap.EntityType]scap.SyncState),
		logger:      log.With("component", "orchestrator"),
		tracer:      tracer,
		metrics:     metrics,
	}
}

// State returns the current state of t's pipeline.
func (o *Orchestrator) State(t scap.EntityType) scap.SyncState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.states[t]
}

func (o *Orchestrator) transition(ctx context.Context, t scap.EntityType, next scap.SyncState) {
	o.mu.Lock()
	prev := o.states[t]
	o.states[t] = next
	o.mu.Unlock()

	if prev == next {
		return
	}
	if !prev.CanTransitionTo(next) {
		o.logger.Warn(ctx, "unexpected state transition", "entity_type", t, "from", prev.String(), "to", next.String())
		return
	}
	o.logger.Debug(ctx, "state transition", "entity_type", t, "from", prev.String(), "to", next.String())
}

// RunAll runs the pipelines for types concurrently and returns one report
// per type, in the order given. A failing pipeline does not stop the others.
func (o *Orchestrator) RunAll(ctx context.Context, types ...scap.EntityType) []*scap.RunReport {
	reports := make([]*scap.RunReport, len(types))

	var g errgroup.Group
	for i, t := range types {
		g.Go(func() error {
			reports[i] = o.Run(ctx, t)
			return nil
		})
	}
	_ = g.Wait()

	return reports
}

// Run synchronizes one entity type. Windows are processed oldest first and
// the checkpoint advances after each fully committed window, so a failed or
// interrupted run resumes where it stopped.
func (o *Orchestrator) Run(ctx context.Context, t scap.EntityType) *scap.RunReport {
	report := &scap.RunReport{Type: t, RunID: uuid.NewString(), StartedAt: o.clock.Now().UTC()}
	lc := logger.NewLoggerContext(o.logger.With("entity_type", t.String(), "run_id", report.RunID))

	ctx, span := o.tracer.Start(ctx, "orchestrator.run",
		trace.WithAttributes(
			attribute.String("entity_type", t.String()),
			attribute.String("run_id", report.RunID),
		))
	defer span.End()

	defer func() { report.FinishedAt = o.clock.Now().UTC() }()

	fail := func(err error) *scap.RunReport {
		report.Fail(err)
		o.transition(ctx, t, scap.StateFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		lc.Error(ctx, "sync run failed", "error", err)
		return report
	}

	o.transition(ctx, t, scap.StatePlanning)

	cp, err := o.checkpoints.Load(ctx, t)
	if err != nil {
		return fail(fmt.Errorf("loading %s checkpoint: %w", t, err))
	}
	if cp != nil {
		until := cp.Until()
		report.Checkpoint = &until
	}

	start := cp
	if o.cfg.Since != nil {
		start = scap.NewCheckpoint(t, *o.cfg.Since)
		lc.Info(ctx, "starting from explicit override", "since", o.cfg.Since.UTC())
	}

	windows := o.planner.Plan(t, start, o.clock.Now())
	span.SetAttributes(attribute.Int("windows", len(windows)))
	if len(windows) == 0 {
		lc.Info(ctx, "nothing to sync")
		o.transition(ctx, t, scap.StateIdle)
		span.SetStatus(codes.Ok, "up to date")
		return report
	}
	lc.Info(ctx, "planned sync windows",
		"windows", len(windows),
		"since", windows[0].Since,
		"until", windows[len(windows)-1].Until,
	)

	remaining := o.cfg.RecordLimit
	for i, w := range windows {
		if err := ctx.Err(); err != nil {
			return fail(fmt.Errorf("run interrupted before %s: %w", w, err))
		}
		lc.Add("window", w.String())

		wr, err := o.runWindow(ctx, w, remaining, report)
		report.Windows = append(report.Windows, wr)
		if errors.Is(err, ErrRecordLimitReached) {
			report.Partial = true
			lc.Info(ctx, "record limit reached inside window, stopping", "limit", o.cfg.RecordLimit)
			break
		}
		if err != nil {
			o.metrics.IncWindowsFailed(ctx, t)
			return fail(err)
		}

		until := w.Until
		if report.Checkpoint == nil || until.After(*report.Checkpoint) {
			report.Checkpoint = &until
		}

		if o.cfg.RecordLimit > 0 {
			remaining -= wr.Records
			// A limit used up by the last window still leaves the run caught up.
			if remaining <= 0 && i < len(windows)-1 {
				report.Partial = true
				lc.Info(ctx, "record limit reached, stopping", "limit", o.cfg.RecordLimit)
				break
			}
		}
	}

	applied, unchanged, skipped := report.Totals()
	lc.Info(ctx, "sync run finished",
		"windows_completed", report.WindowsCompleted(),
		"applied", applied,
		"unchanged", unchanged,
		"skipped", skipped,
		"partial", report.Partial,
	)
	o.transition(ctx, t, scap.StateIdle)
	span.SetStatus(codes.Ok, "sync complete")
	return report
}

// runWindow fetches and commits every page of w. Page N+1 is fetched while
// page N is written, but writes happen strictly in page order. The
// checkpoint moves to w.Until only after the last page committed.
func (o *Orchestrator) runWindow(
	ctx context.Context,
	w scap.SyncWindow,
	limit int,
	report *scap.RunReport,
) (scap.WindowReport, error) {
	wr := scap.WindowReport{Since: w.Since, Until: w.Until}
	started := o.clock.Now()

	ctx, span := o.tracer.Start(ctx, "orchestrator.run_window",
		trace.WithAttributes(attribute.String("window", w.String())))
	defer span.End()

	o.transition(ctx, w.Type, scap.StateFetching)

	fetchCtx, cancelFetch := context.WithCancel(ctx)
	defer cancelFetch()

	pages := make(chan scap.Page, o.cfg.Prefetch)
	var g errgroup.Group
	g.Go(func() error {
		defer close(pages)
		return o.fetcher.Stream(fetchCtx, w, 0, limit, pages)
	})

	var writeErr error
	for page := range pages {
		// An in-flight write is allowed to finish, but no new page starts
		// once the run is cancelled.
		if ctx.Err() != nil {
			break
		}

		entities, invalid := o.normalizer.Normalize(ctx, page)
		wr.Pages++
		wr.Records += len(page.Records)
		wr.Skipped += len(invalid)
		o.metrics.AddRecordsSkipped(ctx, w.Type, len(invalid))

		o.transition(ctx, w.Type, scap.StateUpserting)
		res, err := o.write(ctx, w.Type, entities)
		if err != nil {
			writeErr = err
			break
		}
		wr.Applied += res.Applied
		wr.Unchanged += res.Unchanged
		report.UpdatedKeys = append(report.UpdatedKeys, res.AppliedKeys...)
		o.metrics.AddRecordsApplied(ctx, w.Type, res.Applied)
		o.metrics.AddRecordsUnchanged(ctx, w.Type, res.Unchanged)
		o.transition(ctx, w.Type, scap.StateFetching)
	}
	cancelFetch()
	for range pages {
	}
	fetchErr := g.Wait()

	windowErr := func(stage scap.Stage, err error) (scap.WindowReport, error) {
		wr.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return wr, &scap.WindowFailedError{Window: w, Stage: stage, Err: err}
	}

	switch {
	case writeErr != nil:
		return windowErr(scap.StageUpsert, writeErr)
	case ctx.Err() != nil:
		return windowErr(scap.StageFetch, ctx.Err())
	case errors.Is(fetchErr, ErrRecordLimitReached):
		span.SetStatus(codes.Ok, "record limit reached")
		return wr, ErrRecordLimitReached
	case fetchErr != nil:
		return windowErr(scap.StageFetch, fetchErr)
	}

	o.transition(ctx, w.Type, scap.StateAdvancing)
	if err := o.advance(ctx, w); err != nil {
		return windowErr(scap.StageAdvance, err)
	}
	wr.Committed = true

	o.metrics.IncWindowsCompleted(ctx, w.Type)
	o.metrics.ObserveWindowDuration(ctx, w.Type, o.clock.Now().Sub(started))
	span.SetStatus(codes.Ok, "window committed")
	return wr, nil
}

// write commits a batch on a context detached from cancellation so an
// interrupt cannot abandon a transaction half way.
func (o *Orchestrator) write(ctx context.Context, t scap.EntityType, entities []scap.Entity) (scap.UpsertResult, error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.WriteTimeout)
	defer cancel()
	return o.writer.Write(wctx, t, entities)
}

func (o *Orchestrator) advance(ctx context.Context, w scap.SyncWindow) error {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.WriteTimeout)
	defer cancel()

	err := o.checkpoints.Save(actx, scap.NewCheckpoint(w.Type, w.Until))
	if errors.Is(err, scap.ErrCheckpointRegression) {
		// Only possible when an explicit start point replays history that
		// is already covered by a later stored checkpoint.
		o.logger.Debug(ctx, "stored checkpoint is ahead of window, keeping it", "window", w.String())
		return nil
	}
	if err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	o.logger.Info(ctx, "window committed", "window", w.String(), "checkpoint", w.Until)
	return nil
}
