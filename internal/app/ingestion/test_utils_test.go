package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/nvdsync/internal/domain/scap"
	"github.com/ahrav/nvdsync/pkg/common/logger"
	"github.com/ahrav/nvdsync/pkg/common/timeutil"
)

const upstreamLayout = "2006-01-02T15:04:05.000"

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func cveRecord(id string, lastModified time.Time) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"id":%q,"published":%q,"lastModified":%q,"vulnStatus":"Analyzed","descriptions":[{"lang":"en","value":"issue in %s"}],"references":[]}`,
		id, testEpoch.Format(upstreamLayout), lastModified.UTC().Format(upstreamLayout), id,
	))
}

func cpeRecord(name, id string, lastModified time.Time) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"cpeName":%q,"cpeNameId":%q,"deprecated":false,"lastModified":%q,"created":%q,"titles":[{"title":"thing","lang":"en"}]}`,
		name, id, lastModified.UTC().Format(upstreamLayout), testEpoch.Format(upstreamLayout),
	))
}

func cpeMatchRecord(id, criteria, status string, lastModified time.Time) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"matchCriteriaId":%q,"criteria":%q,"versionEndExcluding":"3.0.7","status":%q,"lastModified":%q,"cpeLastModified":%q,"created":%q,"matches":[{"cpeName":"cpe:2.3:a:openssl:openssl:3.0.6:*:*:*:*:*:*:*","cpeNameId":"b1c2d3e4-0000-4c2d-9e8f-0123456789ab"}]}`,
		id, criteria, status, lastModified.UTC().Format(upstreamLayout), lastModified.UTC().Format(upstreamLayout), testEpoch.Format(upstreamLayout),
	))
}

// upstreamRecord is one record as served by fakeSource.
type upstreamRecord struct {
	modified time.Time
	raw      json.RawMessage
}

// fakeSource serves records whose modification time falls inside the
// requested window, pageSize at a time.
type fakeSource struct {
	mu       sync.Mutex
	pageSize int
	records  map[scap.EntityType][]upstreamRecord
	// failFn, when set, may fail a call before it is served. call counts
	// from 1 across the life of the source.
	failFn func(call int, w scap.SyncWindow, start int) error
	// totalFn, when set, overrides the reported total for a call.
	totalFn func(call int, total int) int
	calls   []fetchCall
}

type fetchCall struct {
	window scap.SyncWindow
	start  int
}

func newFakeSource(pageSize int) *fakeSource {
	return &fakeSource{pageSize: pageSize, records: make(map[scap.EntityType][]upstreamRecord)}
}

func (s *fakeSource) addCVE(id string, modified time.Time) {
	s.add(scap.EntityTypeCVE, modified, cveRecord(id, modified))
}

func (s *fakeSource) add(t scap.EntityType, modified time.Time, raw json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[t] = append(s.records[t], upstreamRecord{modified: modified, raw: raw})
	sort.SliceStable(s.records[t], func(i, j int) bool {
		return s.records[t][i].modified.Before(s.records[t][j].modified)
	})
}

func (s *fakeSource) FetchPage(ctx context.Context, w scap.SyncWindow, start int) (scap.Page, error) {
	if err := ctx.Err(); err != nil {
		return scap.Page{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, fetchCall{window: w, start: start})
	call := len(s.calls)
	if s.failFn != nil {
		if err := s.failFn(call, w, start); err != nil {
			return scap.Page{}, err
		}
	}

	var matching []json.RawMessage
	for _, r := range s.records[w.Type] {
		if w.Contains(r.modified) {
			matching = append(matching, r.raw)
		}
	}

	total := len(matching)
	page := scap.Page{
		Window:         w,
		StartIndex:     start,
		ResultsPerPage: s.pageSize,
		Format:         "NVD_CVE",
		Version:        "2.0",
		Timestamp:      testEpoch,
	}
	if s.totalFn != nil {
		total = s.totalFn(call, total)
	}
	page.TotalResults = total

	if start < len(matching) {
		end := min(start+s.pageSize, len(matching))
		page.Records = matching[start:end]
	}
	return page, nil
}

func (s *fakeSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// memEntityRepo is an in-memory scap.EntityRepository that follows the
// storage merge rules.
type memEntityRepo struct {
	mu      sync.Mutex
	records map[scap.EntityType]map[string]scap.Entity
	upserts int
	// failOn fails the nth Upsert call (1-based) without applying anything.
	failOn int
}

func newMemEntityRepo() *memEntityRepo {
	return &memEntityRepo{records: make(map[scap.EntityType]map[string]scap.Entity)}
}

func (r *memEntityRepo) Upsert(_ context.Context, t scap.EntityType, entities []scap.Entity) (scap.UpsertResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.upserts++
	if r.failOn > 0 && r.upserts == r.failOn {
		return scap.UpsertResult{}, fmt.Errorf("disk full")
	}

	if r.records[t] == nil {
		r.records[t] = make(map[string]scap.Entity)
	}
	var res scap.UpsertResult
	for _, e := range scap.DedupeNewest(entities) {
		stored, ok := r.records[t][e.Key]
		if ok && !e.Supersedes(stored) {
			res.Unchanged++
			continue
		}
		r.records[t][e.Key] = e
		res.Applied++
		res.AppliedKeys = append(res.AppliedKeys, e.Key)
	}
	return res, nil
}

func (r *memEntityRepo) Get(_ context.Context, t scap.EntityType, key string) (*scap.Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.records[t][key]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (r *memEntityRepo) Search(context.Context, scap.SearchQuery) ([]scap.Entity, error) {
	return nil, nil
}

func (r *memEntityRepo) Count(_ context.Context, t scap.EntityType) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.records[t])), nil
}

func (r *memEntityRepo) Walk(_ context.Context, t scap.EntityType, fn func(scap.Entity) error) error {
	snap := r.snapshot(t)
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(snap[k]); err != nil {
			return err
		}
	}
	return nil
}

func (r *memEntityRepo) snapshot(t scap.EntityType) map[string]scap.Entity {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]scap.Entity, len(r.records[t]))
	for k, v := range r.records[t] {
		out[k] = v
	}
	return out
}

// memCheckpointRepo is an in-memory scap.CheckpointRepository that rejects
// regressions like the real stores.
type memCheckpointRepo struct {
	mu      sync.Mutex
	byType  map[scap.EntityType]time.Time
	saves   []time.Time
	saveErr error
}

func newMemCheckpointRepo() *memCheckpointRepo {
	return &memCheckpointRepo{byType: make(map[scap.EntityType]time.Time)}
}

func (r *memCheckpointRepo) Save(_ context.Context, cp *scap.Checkpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	if cur, ok := r.byType[cp.EntityType()]; ok && cp.Until().Before(cur) {
		return scap.ErrCheckpointRegression
	}
	r.byType[cp.EntityType()] = cp.Until()
	r.saves = append(r.saves, cp.Until())
	return nil
}

func (r *memCheckpointRepo) Load(_ context.Context, t scap.EntityType) (*scap.Checkpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	until, ok := r.byType[t]
	if !ok {
		return nil, nil
	}
	return scap.ReconstructCheckpoint(t, until, until), nil
}

func (r *memCheckpointRepo) Delete(_ context.Context, t scap.EntityType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byType, t)
	return nil
}

func (r *memCheckpointRepo) get(t scap.EntityType) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	until, ok := r.byType[t]
	return until, ok
}

// mockCheckpointRepo implements scap.CheckpointRepository for testing.
type mockCheckpointRepo struct{ mock.Mock }

func (m *mockCheckpointRepo) Save(ctx context.Context, cp *scap.Checkpoint) error {
	args := m.Called(ctx, cp)
	return args.Error(0)
}

func (m *mockCheckpointRepo) Load(ctx context.Context, t scap.EntityType) (*scap.Checkpoint, error) {
	args := m.Called(ctx, t)
	if cp := args.Get(0); cp != nil {
		return cp.(*scap.Checkpoint), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockCheckpointRepo) Delete(ctx context.Context, t scap.EntityType) error {
	args := m.Called(ctx, t)
	return args.Error(0)
}

// mockEntityRepo implements scap.EntityRepository for testing.
type mockEntityRepo struct{ mock.Mock }

func (m *mockEntityRepo) Upsert(ctx context.Context, t scap.EntityType, entities []scap.Entity) (scap.UpsertResult, error) {
	args := m.Called(ctx, t, entities)
	return args.Get(0).(scap.UpsertResult), args.Error(1)
}

func (m *mockEntityRepo) Get(ctx context.Context, t scap.EntityType, key string) (*scap.Entity, error) {
	args := m.Called(ctx, t, key)
	if e := args.Get(0); e != nil {
		return e.(*scap.Entity), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockEntityRepo) Search(ctx context.Context, q scap.SearchQuery) ([]scap.Entity, error) {
	args := m.Called(ctx, q)
	if e := args.Get(0); e != nil {
		return e.([]scap.Entity), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockEntityRepo) Count(ctx context.Context, t scap.EntityType) (int64, error) {
	args := m.Called(ctx, t)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockEntityRepo) Walk(ctx context.Context, t scap.EntityType, fn func(scap.Entity) error) error {
	args := m.Called(ctx, t, fn)
	return args.Error(0)
}

type noOpSyncMetrics struct{}

func (noOpSyncMetrics) IncPagesFetched(context.Context, scap.EntityType)                      {}
func (noOpSyncMetrics) IncFetchRetries(context.Context, scap.EntityType)                      {}
func (noOpSyncMetrics) AddRecordsApplied(context.Context, scap.EntityType, int)               {}
func (noOpSyncMetrics) AddRecordsUnchanged(context.Context, scap.EntityType, int)             {}
func (noOpSyncMetrics) AddRecordsSkipped(context.Context, scap.EntityType, int)               {}
func (noOpSyncMetrics) IncWindowsCompleted(context.Context, scap.EntityType)                  {}
func (noOpSyncMetrics) IncWindowsFailed(context.Context, scap.EntityType)                     {}
func (noOpSyncMetrics) ObserveWindowDuration(context.Context, scap.EntityType, time.Duration) {}

var noopTracer = noop.NewTracerProvider().Tracer("test")

// testRetryPolicy retries quickly; the mock clock makes the delays free.
func testRetryPolicy(attempts int) scap.RetryPolicy {
	p := scap.DefaultRetryPolicy()
	p.MaxAttempts = attempts
	p.RandomizationFactor = 0
	return p
}

type orchestratorSuite struct {
	source      *fakeSource
	entities    scap.EntityRepository
	checkpoints scap.CheckpointRepository
	clock       *timeutil.Mock
	cfg         Config
	planner     PlannerConfig
	retry       scap.RetryPolicy
}

func newOrchestratorSuite(source *fakeSource, now time.Time) *orchestratorSuite {
	return &orchestratorSuite{
		source:      source,
		entities:    newMemEntityRepo(),
		checkpoints: newMemCheckpointRepo(),
		clock:       timeutil.NewMock(now),
		cfg:         DefaultConfig(),
		planner: PlannerConfig{
			MaxSpan:      10 * 24 * time.Hour,
			Overlap:      15 * time.Minute,
			HistoryStart: testEpoch,
		},
		retry: testRetryPolicy(3),
	}
}

func (s *orchestratorSuite) build(t *testing.T) *Orchestrator {
	t.Helper()

	planner, err := NewPlanner(s.planner)
	require.NoError(t, err)

	log := logger.Noop()
	metrics := noOpSyncMetrics{}
	return NewOrchestrator(
		s.cfg,
		planner,
		NewFetcher(s.source, s.retry, s.clock, log, noopTracer, metrics),
		NewNormalizer(log),
		NewWriter(s.entities, log, noopTracer),
		s.checkpoints,
		s.clock,
		log,
		noopTracer,
		metrics,
	)
}
