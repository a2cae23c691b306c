/*
Package cache provides the process-scoped read-through cache for derived
allocation views.

PURPOSE:
  Allocation tables, fund-tracker summaries and monthly dashboards are
  derived data. Views computes them through the engine on a miss and keeps
  them until an override mutation invalidates the workspace, the TTL runs
  out, or a scheduled flush clears everything.

COHERENCE:
  Cached values are never patched. A write goes to the store, then
  Invalidate drops every cached view of the workspace before the write
  call returns. The next read recomputes from the source of truth.

  Each workspace has a generation counter. A miss records the generation
  before computing and stores the result only if the generation is
  unchanged afterwards, so a computation that raced with an invalidation
  can't repopulate the cache with pre-write data.

MISS COLLAPSING:
  Concurrent identical misses share one computation (singleflight). The
  generation is part of the flight key: a read issued after an
  invalidation never joins a flight that started before it.

VALUES ARE SHARED:
  Every caller of a cached key gets the same pointer. Treat results as
  read-only.

SEE ALSO:
  - allocation/overrides.go: Calls Invalidate after every write
  - events/client.go: Invalidates on peers' override events
  - api/scheduler.go: Month-rollover Flush and CleanExpired
*/
package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/warp/allocation-engine/allocation"
)

// Computer produces the views. *allocation.Engine implements it.
type Computer interface {
	Table(ctx context.Context, workspaceID allocation.WorkspaceID, from, to allocation.MonthKey) (*allocation.AllocationTable, error)
	FundTracker(ctx context.Context, workspaceID allocation.WorkspaceID, year int) (*allocation.FundTracker, error)
	MonthlyDashboard(ctx context.Context, workspaceID allocation.WorkspaceID, month allocation.MonthKey) (*allocation.MonthlyDashboard, error)
}

// DefaultTTL bounds staleness from writes this process never hears about.
const DefaultTTL = 10 * time.Minute

type entry struct {
	value   any
	expires time.Time
}

// Stats is a point-in-time snapshot of cache activity.
type Stats struct {
	Entries       int
	Hits          uint64
	Misses        uint64
	Invalidations uint64
}

// Views is safe for concurrent use.
type Views struct {
	engine Computer
	ttl    time.Duration
	clock  allocation.Clock
	logger *zap.Logger

	mu          sync.Mutex
	entries     map[allocation.WorkspaceID]map[string]entry
	generations map[allocation.WorkspaceID]uint64
	stats       Stats

	group singleflight.Group
}

var _ allocation.Invalidator = (*Views)(nil)

// Option configures Views.
type Option func(*Views)

func WithTTL(ttl time.Duration) Option {
	return func(v *Views) {
		if ttl > 0 {
			v.ttl = ttl
		}
	}
}

func WithClock(c allocation.Clock) Option {
	return func(v *Views) { v.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(v *Views) { v.logger = l }
}

func New(engine Computer, opts ...Option) *Views {
	v := &Views{
		engine:      engine,
		ttl:         DefaultTTL,
		clock:       allocation.SystemClock,
		logger:      zap.NewNop(),
		entries:     make(map[allocation.WorkspaceID]map[string]entry),
		generations: make(map[allocation.WorkspaceID]uint64),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// =============================================================================
// CACHED READS
// =============================================================================

// AllocationTable returns the table for [from, to].
func (v *Views) AllocationTable(ctx context.Context, ws allocation.WorkspaceID, from, to allocation.MonthKey) (*allocation.AllocationTable, error) {
	key := "table:" + from.String() + ":" + to.String()
	val, err := v.get(ctx, ws, key, func(ctx context.Context) (any, error) {
		return v.engine.Table(ctx, ws, from, to)
	})
	if err != nil {
		return nil, err
	}
	return val.(*allocation.AllocationTable), nil
}

// TableForYears resolves the year window against the cache clock and
// shares entries with AllocationTable.
func (v *Views) TableForYears(ctx context.Context, ws allocation.WorkspaceID, years int) (*allocation.AllocationTable, error) {
	from, to, err := allocation.YearRange(v.clock(), years)
	if err != nil {
		return nil, err
	}
	return v.AllocationTable(ctx, ws, from, to)
}

func (v *Views) FundTracker(ctx context.Context, ws allocation.WorkspaceID, year int) (*allocation.FundTracker, error) {
	val, err := v.get(ctx, ws, "tracker:"+strconv.Itoa(year), func(ctx context.Context) (any, error) {
		return v.engine.FundTracker(ctx, ws, year)
	})
	if err != nil {
		return nil, err
	}
	return val.(*allocation.FundTracker), nil
}

func (v *Views) MonthlyDashboard(ctx context.Context, ws allocation.WorkspaceID, month allocation.MonthKey) (*allocation.MonthlyDashboard, error) {
	val, err := v.get(ctx, ws, "dashboard:"+month.String(), func(ctx context.Context) (any, error) {
		return v.engine.MonthlyDashboard(ctx, ws, month)
	})
	if err != nil {
		return nil, err
	}
	return val.(*allocation.MonthlyDashboard), nil
}

func (v *Views) get(ctx context.Context, ws allocation.WorkspaceID, key string, compute func(context.Context) (any, error)) (any, error) {
	v.mu.Lock()
	if e, ok := v.entries[ws][key]; ok && v.clock().Before(e.expires) {
		v.stats.Hits++
		v.mu.Unlock()
		return e.value, nil
	}
	v.stats.Misses++
	gen, seen := v.generations[ws]
	if !seen {
		// Registered so Flush can bump it while this miss is in flight.
		v.generations[ws] = 0
	}
	v.mu.Unlock()

	flight := fmt.Sprintf("%s|%d|%s", ws, gen, key)
	ch := v.group.DoChan(flight, func() (any, error) {
		// Detached: one caller giving up must not fail the others sharing the flight.
		val, err := compute(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		v.store(ws, gen, key, val)
		return val, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

func (v *Views) store(ws allocation.WorkspaceID, gen uint64, key string, val any) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.generations[ws] != gen {
		v.logger.Debug("discarding view computed before invalidation",
			zap.String("workspace", string(ws)), zap.String("key", key))
		return
	}
	if v.entries[ws] == nil {
		v.entries[ws] = make(map[string]entry)
	}
	v.entries[ws][key] = entry{value: val, expires: v.clock().Add(v.ttl)}
}

// =============================================================================
// INVALIDATION
// =============================================================================

// Invalidate drops every cached view of the workspace. All months are
// dropped: a change to one month's override can move the balances and
// year-to-date totals shown for others.
func (v *Views) Invalidate(_ context.Context, ws allocation.WorkspaceID, month allocation.MonthKey) error {
	v.mu.Lock()
	dropped := len(v.entries[ws])
	delete(v.entries, ws)
	v.generations[ws]++
	v.stats.Invalidations++
	v.mu.Unlock()

	v.logger.Debug("views invalidated",
		zap.String("workspace", string(ws)),
		zap.Stringer("month", month),
		zap.Int("dropped", dropped))
	return nil
}

// Flush drops everything. Used on month rollover, when lock status changes.
func (v *Views) Flush() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	dropped := 0
	for _, m := range v.entries {
		dropped += len(m)
	}
	v.entries = make(map[allocation.WorkspaceID]map[string]entry)
	for ws := range v.generations {
		v.generations[ws]++
	}
	return dropped
}

// CleanExpired removes entries past their TTL and returns how many.
func (v *Views) CleanExpired() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.clock()
	removed := 0
	for ws, m := range v.entries {
		for key, e := range m {
			if !now.Before(e.expires) {
				delete(m, key)
				removed++
			}
		}
		if len(m) == 0 {
			delete(v.entries, ws)
		}
	}
	return removed
}

// Stats returns current counters.
func (v *Views) Stats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()

	s := v.stats
	for _, m := range v.entries {
		s.Entries += len(m)
	}
	return s
}
