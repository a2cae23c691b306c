package cache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/warp/allocation-engine/allocation"
	"github.com/warp/allocation-engine/allocation/store"
	"github.com/warp/allocation-engine/cache"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// TEST HELPERS
// =============================================================================

const ws = allocation.WorkspaceID("ws-1")

var (
	now   = time.Date(2026, time.March, 15, 0, 0, 0, 0, time.UTC)
	march = allocation.MonthKey{Year: 2026, Month: time.March}
)

// fakeEngine counts Table calls and can hold them until released.
type fakeEngine struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
	err     error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{}
}

func newBlockingEngine() *fakeEngine {
	return &fakeEngine{entered: make(chan struct{}, 8), release: make(chan struct{})}
}

func (f *fakeEngine) Table(_ context.Context, id allocation.WorkspaceID, from, to allocation.MonthKey) (*allocation.AllocationTable, error) {
	n := f.calls.Add(1)
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	return &allocation.AllocationTable{WorkspaceID: id, From: from, To: to, ActiveScenarioName: string(rune('A' + n - 1))}, nil
}

func (f *fakeEngine) FundTracker(_ context.Context, id allocation.WorkspaceID, year int) (*allocation.FundTracker, error) {
	f.calls.Add(1)
	return &allocation.FundTracker{WorkspaceID: id, Year: year}, nil
}

func (f *fakeEngine) MonthlyDashboard(_ context.Context, id allocation.WorkspaceID, m allocation.MonthKey) (*allocation.MonthlyDashboard, error) {
	f.calls.Add(1)
	return &allocation.MonthlyDashboard{WorkspaceID: id, Month: m}, nil
}

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// =============================================================================
// READ-THROUGH
// =============================================================================

func TestViews_SecondReadIsAHit(t *testing.T) {
	eng := newFakeEngine()
	views := cache.New(eng, cache.WithClock(allocation.FixedClock(now)))
	ctx := context.Background()

	first, err := views.AllocationTable(ctx, ws, march, march)
	require.NoError(t, err)
	second, err := views.AllocationTable(ctx, ws, march, march)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), eng.calls.Load())

	stats := views.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
}

func TestViews_KeysAreIndependent(t *testing.T) {
	eng := newFakeEngine()
	views := cache.New(eng, cache.WithClock(allocation.FixedClock(now)))
	ctx := context.Background()

	_, err := views.AllocationTable(ctx, ws, march, march)
	require.NoError(t, err)
	_, err = views.AllocationTable(ctx, ws, march, march.Next())
	require.NoError(t, err)
	_, err = views.FundTracker(ctx, ws, 2026)
	require.NoError(t, err)
	_, err = views.MonthlyDashboard(ctx, ws, march)
	require.NoError(t, err)
	_, err = views.AllocationTable(ctx, "ws-2", march, march)
	require.NoError(t, err)

	assert.Equal(t, int32(5), eng.calls.Load())
	assert.Equal(t, 5, views.Stats().Entries)
}

func TestViews_TableForYearsSharesTableEntries(t *testing.T) {
	eng := newFakeEngine()
	views := cache.New(eng, cache.WithClock(allocation.FixedClock(now)))
	ctx := context.Background()

	byYears, err := views.TableForYears(ctx, ws, 1)
	require.NoError(t, err)
	byRange, err := views.AllocationTable(ctx, ws,
		allocation.MonthKey{Year: 2026, Month: time.January},
		allocation.MonthKey{Year: 2026, Month: time.December})
	require.NoError(t, err)

	assert.Same(t, byYears, byRange)
	assert.Equal(t, int32(1), eng.calls.Load())

	_, err = views.TableForYears(ctx, ws, 9)
	assert.ErrorIs(t, err, allocation.ErrValidation)
}

func TestViews_ErrorsAreNotCached(t *testing.T) {
	eng := newFakeEngine()
	eng.err = errors.New("ledger down")
	views := cache.New(eng, cache.WithClock(allocation.FixedClock(now)))
	ctx := context.Background()

	_, err := views.AllocationTable(ctx, ws, march, march)
	require.Error(t, err)

	eng.err = nil
	_, err = views.AllocationTable(ctx, ws, march, march)
	require.NoError(t, err)
	assert.Equal(t, int32(2), eng.calls.Load())
}

// =============================================================================
// INVALIDATION
// =============================================================================

func TestViews_InvalidateDropsWholeWorkspace(t *testing.T) {
	eng := newFakeEngine()
	views := cache.New(eng, cache.WithClock(allocation.FixedClock(now)))
	ctx := context.Background()

	_, _ = views.AllocationTable(ctx, ws, march, march)
	_, _ = views.FundTracker(ctx, ws, 2026)
	_, _ = views.AllocationTable(ctx, "other", march, march)

	require.NoError(t, views.Invalidate(ctx, ws, march.AddMonths(4)))

	assert.Equal(t, 1, views.Stats().Entries, "only the other workspace survives")
	_, _ = views.AllocationTable(ctx, ws, march, march)
	assert.Equal(t, int32(4), eng.calls.Load())
}

func TestViews_ComputationRacingInvalidationIsNotStored(t *testing.T) {
	// GIVEN: A miss whose computation is still running
	// WHEN: The workspace is invalidated before it finishes
	// THEN: The caller gets its result, but the next read recomputes

	eng := newBlockingEngine()
	views := cache.New(eng, cache.WithClock(allocation.FixedClock(now)))
	ctx := context.Background()

	done := make(chan *allocation.AllocationTable)
	go func() {
		table, err := views.AllocationTable(ctx, ws, march, march)
		assert.NoError(t, err)
		done <- table
	}()

	<-eng.entered
	require.NoError(t, views.Invalidate(ctx, ws, march))
	close(eng.release)
	stale := <-done

	fresh, err := views.AllocationTable(ctx, ws, march, march)
	require.NoError(t, err)

	assert.NotSame(t, stale, fresh)
	assert.Equal(t, int32(2), eng.calls.Load())
}

func TestViews_FlushDropsEverything(t *testing.T) {
	eng := newFakeEngine()
	views := cache.New(eng, cache.WithClock(allocation.FixedClock(now)))
	ctx := context.Background()

	_, _ = views.AllocationTable(ctx, ws, march, march)
	_, _ = views.MonthlyDashboard(ctx, "other", march)

	assert.Equal(t, 2, views.Flush())
	assert.Equal(t, 0, views.Stats().Entries)
}

// =============================================================================
// MISS COLLAPSING AND CANCELLATION
// =============================================================================

func TestViews_ConcurrentMissesShareOneComputation(t *testing.T) {
	eng := newBlockingEngine()
	views := cache.New(eng, cache.WithClock(allocation.FixedClock(now)))
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*allocation.AllocationTable, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			table, err := views.AllocationTable(ctx, ws, march, march)
			assert.NoError(t, err)
			results[i] = table
		}(i)
	}

	<-eng.entered
	require.Eventually(t, func() bool { return views.Stats().Misses == 2 }, time.Second, time.Millisecond)
	// Both readers have registered their miss; give the second one time to join the flight.
	time.Sleep(20 * time.Millisecond)
	close(eng.release)
	wg.Wait()

	assert.Equal(t, int32(1), eng.calls.Load())
	assert.Same(t, results[0], results[1])
}

func TestViews_CallerCancellationDoesNotAbortFlight(t *testing.T) {
	eng := newBlockingEngine()
	views := cache.New(eng, cache.WithClock(allocation.FixedClock(now)))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error)
	go func() {
		_, err := views.AllocationTable(ctx, ws, march, march)
		errc <- err
	}()

	<-eng.entered
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	close(eng.release)
	table, err := views.AllocationTable(context.Background(), ws, march, march)
	require.NoError(t, err)
	assert.Equal(t, ws, table.WorkspaceID)
	assert.Equal(t, int32(1), eng.calls.Load(), "the abandoned flight still fills the cache")
}

// =============================================================================
// TTL
// =============================================================================

func TestViews_EntriesExpire(t *testing.T) {
	clock := &manualClock{t: now}
	eng := newFakeEngine()
	views := cache.New(eng, cache.WithClock(clock.Now), cache.WithTTL(time.Minute))
	ctx := context.Background()

	_, _ = views.AllocationTable(ctx, ws, march, march)
	_, _ = views.FundTracker(ctx, ws, 2026)

	clock.Advance(30 * time.Second)
	_, _ = views.AllocationTable(ctx, ws, march, march)
	assert.Equal(t, int32(2), eng.calls.Load())

	clock.Advance(time.Minute)
	assert.Equal(t, 2, views.CleanExpired())
	assert.Equal(t, 0, views.Stats().Entries)

	_, _ = views.AllocationTable(ctx, ws, march, march)
	assert.Equal(t, int32(3), eng.calls.Load())
}

// =============================================================================
// END TO END - Override write invalidates through the real engine
// =============================================================================

func TestViews_OverrideWriteIsVisibleOnNextRead(t *testing.T) {
	// GIVEN: A cached table showing savings at its 60% default
	// WHEN: An override to 30% goes through the service wired to the cache
	// THEN: The next cached read shows 30% and matches a direct engine read

	mem := store.NewMemory()
	mem.Now = allocation.FixedClock(now)
	mem.PutWorkspace(allocation.Workspace{ID: ws, BaseCurrency: "EUR", MinWCBalance: decimal.NewFromInt(1000)})
	mem.PutFund(allocation.Fund{ID: "wc", WorkspaceID: ws, IsWorkingCapital: true})
	mem.PutFund(allocation.Fund{ID: "savings", WorkspaceID: ws, DefaultPercentage: decimal.NewFromInt(60), SortOrder: 1})
	mem.PutFund(allocation.Fund{ID: "invest", WorkspaceID: ws, DefaultPercentage: decimal.NewFromInt(40), SortOrder: 2})
	mem.PutActuals(ws, allocation.MonthlyActuals{
		Month: march, CurrentMonthIncome: decimal.NewFromInt(3000),
		ActualFixedCost: decimal.NewFromInt(1000), WCPrevClosingBalance: decimal.NewFromInt(5000),
	})

	engine := allocation.NewEngine(mem)
	engine.Clock = allocation.FixedClock(now)
	views := cache.New(engine, cache.WithClock(allocation.FixedClock(now)))
	svc := allocation.NewOverrideService(mem, views)
	svc.Clock = allocation.FixedClock(now)
	ctx := context.Background()

	before, err := views.AllocationTable(ctx, ws, march, march)
	require.NoError(t, err)
	fa, _ := before.Rows[0].Fund("savings")
	assert.True(t, fa.AllocationPercentage.Equal(decimal.NewFromInt(60)))

	pct := decimal.NewFromInt(30)
	_, err = svc.Upsert(ctx, ws, "savings", march, allocation.OverrideFields{AllocationPercentage: &pct})
	require.NoError(t, err)

	after, err := views.AllocationTable(ctx, ws, march, march)
	require.NoError(t, err)
	fa, _ = after.Rows[0].Fund("savings")
	assert.True(t, fa.AllocationPercentage.Equal(pct))

	direct, err := engine.Table(ctx, ws, march, march)
	require.NoError(t, err)
	decimalEqual := cmp.Comparer(func(a, b decimal.Decimal) bool { return a.Equal(b) })
	if diff := cmp.Diff(direct.Rows, after.Rows, decimalEqual); diff != "" {
		t.Errorf("cached rows differ from engine (-engine +cached):\n%s", diff)
	}

	require.NoError(t, svc.Delete(ctx, ws, "savings", march))
	reset, err := views.AllocationTable(ctx, ws, march, march)
	require.NoError(t, err)
	fa, _ = reset.Rows[0].Fund("savings")
	assert.True(t, fa.AllocationPercentage.Equal(decimal.NewFromInt(60)))
}
