package cost

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/cost-dashboard/internal/worker"
)

// fakeBillingAPI serves 1.0/day (or 1.0/month) for every bucket in the
// requested range and records every series fetch.
type fakeBillingAPI struct {
	mu      sync.Mutex
	fetches []dateRange
	// failWhen rejects a fetch when it returns true for the range.
	failWhen func(start, end string) bool

	byUser  []ByUser
	byModel []ByModel
	dimErr  error
}

func (f *fakeBillingAPI) series(_ context.Context, kind Granularity, start, end string) ([]Record, error) {
	f.mu.Lock()
	f.fetches = append(f.fetches, dateRange{start, end})
	f.mu.Unlock()

	if f.failWhen != nil && f.failWhen(start, end) {
		return nil, errors.New("throttled")
	}

	var records []Record
	t, _ := time.Parse("2006-01-02", start)
	e, _ := time.Parse("2006-01-02", end)
	for t.Before(e) {
		records = append(records, Record{Date: t.Format("2006-01-02"), Amount: 1.0, Currency: "USD"})
		if kind == Monthly {
			t = t.AddDate(0, 1, 0)
		} else {
			t = t.AddDate(0, 0, 1)
		}
	}
	return records, nil
}

func (f *fakeBillingAPI) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetches)
}

func (f *fakeBillingAPI) DailyCost(ctx context.Context, start, end string) ([]Record, error) {
	return f.series(ctx, Daily, start, end)
}

func (f *fakeBillingAPI) MonthlyCost(ctx context.Context, start, end string) ([]Record, error) {
	return f.series(ctx, Monthly, start, end)
}

func (f *fakeBillingAPI) DailyCostForUser(ctx context.Context, start, end, _ string) ([]Record, error) {
	return f.series(ctx, Daily, start, end)
}

func (f *fakeBillingAPI) MonthlyCostForUser(ctx context.Context, start, end, _ string) ([]Record, error) {
	return f.series(ctx, Monthly, start, end)
}

func (f *fakeBillingAPI) DailyCostForModel(ctx context.Context, start, end, _ string) ([]Record, error) {
	return f.series(ctx, Daily, start, end)
}

func (f *fakeBillingAPI) MonthlyCostForModel(ctx context.Context, start, end, _ string) ([]Record, error) {
	return f.series(ctx, Monthly, start, end)
}

func (f *fakeBillingAPI) CostByUser(context.Context, string, string) ([]ByUser, error) {
	return f.byUser, f.dimErr
}

func (f *fakeBillingAPI) CostByModel(context.Context, string, string) ([]ByModel, error) {
	return f.byModel, f.dimErr
}

func (f *fakeBillingAPI) CostByModelForUser(context.Context, string, string, string) ([]ByModel, error) {
	return f.byModel, f.dimErr
}

func (f *fakeBillingAPI) CostByUserForModel(context.Context, string, string, string) ([]ByUser, error) {
	return f.byUser, f.dimErr
}

// memCache is an in-memory CacheStore with injectable failures.
type memCache struct {
	mu     sync.Mutex
	rows   map[string]map[string]Record // (kind|filter) -> date -> record
	getErr error
	putErr error
	putCtx context.Context
}

func newMemCache() *memCache {
	return &memCache{rows: make(map[string]map[string]Record)}
}

func (c *memCache) key(kind Granularity, filterID string) string {
	return string(kind) + "|" + filterID
}

func (c *memCache) Get(_ context.Context, kind Granularity, filterID, start, end string) ([]Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, c.getErr
	}
	var out []Record
	for date, r := range c.rows[c.key(kind, filterID)] {
		if date >= start && date < end {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (c *memCache) Put(ctx context.Context, kind Granularity, filterID string, records []Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putCtx = ctx
	if c.putErr != nil {
		return c.putErr
	}
	k := c.key(kind, filterID)
	if c.rows[k] == nil {
		c.rows[k] = make(map[string]Record)
	}
	for _, r := range records {
		c.rows[k][r.Date] = r
	}
	return nil
}

func (c *memCache) size(kind Granularity, filterID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rows[c.key(kind, filterID)])
}

func (c *memCache) lastPutCtx() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.putCtx
}

func (c *memCache) has(kind Granularity, filterID, date string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rows[c.key(kind, filterID)][date]
	return ok
}

// inlineDispatcher runs write-backs synchronously so tests observe a
// completed write without sleeping.
type inlineDispatcher struct{}

func (inlineDispatcher) Enqueue(task worker.Task) bool {
	task(context.Background())
	return true
}

type fakeResolver struct {
	emails map[string]string
	names  map[string]string
}

func (r *fakeResolver) UserEmail(_ context.Context, id string) string { return r.emails[id] }
func (r *fakeResolver) ModelName(_ context.Context, id string) string { return r.names[id] }

func newTestService(api BillingAPI, cache CacheStore, now string) *Service {
	s := NewService(api, cache, &fakeResolver{}, inlineDispatcher{}, noop.NewTracerProvider().Tracer("test"))
	s.now = func() time.Time {
		t, _ := time.Parse("2006-01-02", now)
		return t
	}
	return s
}

func TestDailyCostStraddlingBoundary(t *testing.T) {
	api := &fakeBillingAPI{}
	cache := newMemCache()
	s := newTestService(api, cache, "2024-01-08")

	got := s.DailyCost(context.Background(), "2024-01-01", "2024-01-10")

	if len(got) != 9 {
		t.Fatalf("got %d records, want 9", len(got))
	}
	for i, r := range got {
		if r.Amount != 1.0 {
			t.Errorf("records[%d].Amount = %v, want 1.0", i, r.Amount)
		}
		if i > 0 && got[i-1].Date >= r.Date {
			t.Errorf("dates not strictly ascending at %d: %s >= %s", i, got[i-1].Date, r.Date)
		}
	}

	// Only the finalized week is persisted; the live days never are.
	if n := cache.size(Daily, ""); n != 7 {
		t.Errorf("cache holds %d entries, want 7", n)
	}
	if cache.has(Daily, "", "2024-01-08") || cache.has(Daily, "", "2024-01-09") {
		t.Errorf("live dates leaked into the cache")
	}

	// One finalized fetch, one live fetch.
	wantFetches := []dateRange{{"2024-01-01", "2024-01-08"}, {"2024-01-08", "2024-01-10"}}
	if len(api.fetches) != 2 || api.fetches[0] != wantFetches[0] || api.fetches[1] != wantFetches[1] {
		t.Errorf("fetches = %v, want %v", api.fetches, wantFetches)
	}
}

func TestDailyCostIdempotentAndCachedOnSecondCall(t *testing.T) {
	api := &fakeBillingAPI{}
	cache := newMemCache()
	s := newTestService(api, cache, "2024-01-08")

	first := s.DailyCost(context.Background(), "2024-01-01", "2024-01-05")
	if api.fetchCount() != 1 {
		t.Fatalf("first call made %d fetches, want 1", api.fetchCount())
	}

	second := s.DailyCost(context.Background(), "2024-01-01", "2024-01-05")
	if api.fetchCount() != 1 {
		t.Errorf("second call hit the billing api (%d fetches total), want cache-only", api.fetchCount())
	}

	if len(first) != len(second) {
		t.Fatalf("results differ in length: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("records[%d] differ: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestCoverageCheckRefetchesWholeRange(t *testing.T) {
	api := &fakeBillingAPI{}
	cache := newMemCache()
	// Cache covers only [2024-01-02, 2024-01-05): a suffix of the request.
	_ = cache.Put(context.Background(), Daily, "", []Record{
		{Date: "2024-01-02", Amount: 1, Currency: "USD"},
		{Date: "2024-01-03", Amount: 1, Currency: "USD"},
		{Date: "2024-01-04", Amount: 1, Currency: "USD"},
	})
	s := newTestService(api, cache, "2024-01-08")

	got := s.DailyCost(context.Background(), "2024-01-01", "2024-01-05")

	if len(got) != 4 {
		t.Fatalf("got %d records, want 4", len(got))
	}
	// The partial block must not be trusted: one full-range refetch.
	want := dateRange{"2024-01-01", "2024-01-05"}
	if len(api.fetches) != 1 || api.fetches[0] != want {
		t.Errorf("fetches = %v, want [%v]", api.fetches, want)
	}
	// And the write-back filled the gap.
	if !cache.has(Daily, "", "2024-01-01") {
		t.Errorf("cache still missing 2024-01-01 after refetch")
	}
}

func TestCacheReadErrorTreatedAsMiss(t *testing.T) {
	api := &fakeBillingAPI{}
	cache := newMemCache()
	cache.getErr = errors.New("connection refused")
	s := newTestService(api, cache, "2024-01-08")

	got := s.DailyCost(context.Background(), "2024-01-01", "2024-01-05")

	if len(got) != 4 {
		t.Fatalf("got %d records, want 4", len(got))
	}
	if api.fetchCount() != 1 {
		t.Errorf("made %d fetches, want 1", api.fetchCount())
	}
}

func TestCacheWriteFailureInvisibleToCaller(t *testing.T) {
	api := &fakeBillingAPI{}
	cache := newMemCache()
	cache.putErr = errors.New("disk full")
	s := newTestService(api, cache, "2024-01-08")

	got := s.DailyCost(context.Background(), "2024-01-01", "2024-01-05")
	if len(got) != 4 {
		t.Errorf("got %d records, want 4 despite failed write-back", len(got))
	}
}

func TestLiveRangeFailureDegradesToPartialResult(t *testing.T) {
	api := &fakeBillingAPI{
		failWhen: func(start, _ string) bool { return start >= "2024-01-08" },
	}
	cache := newMemCache()
	s := newTestService(api, cache, "2024-01-08")

	got := s.DailyCost(context.Background(), "2024-01-01", "2024-01-10")

	// Finalized week survives, live tail is empty, nothing panics or errors.
	if len(got) != 7 {
		t.Fatalf("got %d records, want 7 (finalized only)", len(got))
	}
	if got[len(got)-1].Date != "2024-01-07" {
		t.Errorf("last record %s, want 2024-01-07", got[len(got)-1].Date)
	}
}

func TestFinalizedFailureNothingCached(t *testing.T) {
	api := &fakeBillingAPI{
		failWhen: func(string, string) bool { return true },
	}
	cache := newMemCache()
	s := newTestService(api, cache, "2024-01-08")

	got := s.DailyCost(context.Background(), "2024-01-01", "2024-01-10")
	if len(got) != 0 {
		t.Errorf("got %d records, want 0", len(got))
	}
	// A failed fetch must not write an empty block that would mask later
	// retries as cache hits.
	if n := cache.size(Daily, ""); n != 0 {
		t.Errorf("cache holds %d entries after total failure, want 0", n)
	}
}

func TestWriteBackSurvivesCallerCancel(t *testing.T) {
	api := &fakeBillingAPI{}
	cache := newMemCache()
	queue := worker.NewQueue(4)
	queue.Start(context.Background(), 1)

	s := NewService(api, cache, &fakeResolver{}, queue, noop.NewTracerProvider().Tracer("test"))
	s.now = func() time.Time {
		now, _ := time.Parse("2006-01-02", "2024-01-08")
		return now
	}

	ctx, cancel := context.WithCancel(context.Background())
	got := s.DailyCost(ctx, "2024-01-01", "2024-01-05")
	cancel()
	queue.Stop()

	if len(got) != 4 {
		t.Fatalf("got %d records, want 4", len(got))
	}
	// The write-back runs on the queue's context, so the caller's cancel
	// must not stop the rows from landing.
	if n := cache.size(Daily, ""); n != 4 {
		t.Errorf("cache holds %d entries after caller cancel, want 4", n)
	}
	putCtx := cache.lastPutCtx()
	if putCtx == nil {
		t.Fatalf("write-back never ran")
	}
	if err := putCtx.Err(); err != nil {
		t.Errorf("write-back ran on a cancelled context: %v", err)
	}
}

func TestFilteredQueriesUseDistinctCacheKeys(t *testing.T) {
	api := &fakeBillingAPI{}
	cache := newMemCache()
	s := newTestService(api, cache, "2024-01-08")

	s.DailyCostForUser(context.Background(), "2024-01-01", "2024-01-05", "u1")
	s.DailyCostForModel(context.Background(), "2024-01-01", "2024-01-05", "m1")

	if cache.size(Daily, "user:u1") != 4 {
		t.Errorf("user-filtered entries = %d, want 4", cache.size(Daily, "user:u1"))
	}
	if cache.size(Daily, "model:m1") != 4 {
		t.Errorf("model-filtered entries = %d, want 4", cache.size(Daily, "model:m1"))
	}
	if cache.size(Daily, "") != 0 {
		t.Errorf("unfiltered key polluted: %d entries", cache.size(Daily, ""))
	}
}

func TestMonthlyCostUsesMonthCutoff(t *testing.T) {
	api := &fakeBillingAPI{}
	cache := newMemCache()
	s := newTestService(api, cache, "2024-03-15")

	got := s.MonthlyCost(context.Background(), "2024-01-01", "2024-04-01")

	// Jan + Feb finalized, March live.
	if len(got) != 3 {
		t.Fatalf("got %d records, want 3", len(got))
	}
	if n := cache.size(Monthly, ""); n != 2 {
		t.Errorf("cache holds %d months, want 2", n)
	}
	if cache.has(Monthly, "", "2024-03-01") {
		t.Errorf("current month must not be cached")
	}
}

func TestCostByUserDecoratesEmails(t *testing.T) {
	api := &fakeBillingAPI{
		byUser: []ByUser{
			{UserID: "u1", Amount: 30, Currency: "USD"},
			{UserID: "u2", Amount: 5, Currency: "USD"},
		},
	}
	s := NewService(api, newMemCache(), &fakeResolver{
		emails: map[string]string{"u1": "alice@example.com"},
	}, inlineDispatcher{}, noop.NewTracerProvider().Tracer("test"))

	got := s.CostByUser(context.Background(), "2024-01-01", "2024-02-01")
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	if got[0].UserEmail != "alice@example.com" {
		t.Errorf("u1 email = %q", got[0].UserEmail)
	}
	if got[1].UserEmail != "" {
		t.Errorf("unknown user should keep empty email, got %q", got[1].UserEmail)
	}
}

func TestCostByModelFailureReturnsEmpty(t *testing.T) {
	api := &fakeBillingAPI{dimErr: errors.New("throttled")}
	s := NewService(api, newMemCache(), &fakeResolver{}, inlineDispatcher{}, noop.NewTracerProvider().Tracer("test"))

	if got := s.CostByModel(context.Background(), "2024-01-01", "2024-02-01"); len(got) != 0 {
		t.Errorf("got %v, want empty", got)
	}
}
