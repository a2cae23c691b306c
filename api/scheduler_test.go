package api

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type countingMaintainer struct {
	flushes  atomic.Int32
	cleanups atomic.Int32
}

func (c *countingMaintainer) Flush() int {
	c.flushes.Add(1)
	return 3
}

func (c *countingMaintainer) CleanExpired() int {
	c.cleanups.Add(1)
	return 1
}

func TestMaintenanceScheduler_InvalidSpec(t *testing.T) {
	_, err := NewMaintenanceScheduler(&countingMaintainer{}, "every tuesday", "0 */5 * * * *", nil)
	assert.ErrorContains(t, err, "register rollover task")

	_, err = NewMaintenanceScheduler(&countingMaintainer{}, "0 0 0 1 * *", "* * *", nil)
	assert.ErrorContains(t, err, "register cleanup task")
}

func TestMaintenanceScheduler_RunNow(t *testing.T) {
	views := &countingMaintainer{}
	s, err := NewMaintenanceScheduler(views, "0 0 0 1 * *", "0 */5 * * * *", nil)
	require.NoError(t, err)
	assert.True(t, s.LastFlush().IsZero())

	assert.Equal(t, 3, s.RunRollover())
	assert.Equal(t, 1, s.RunCleanup())

	assert.EqualValues(t, 1, views.flushes.Load())
	assert.EqualValues(t, 1, views.cleanups.Load())
	assert.False(t, s.LastFlush().IsZero())
}

func TestMaintenanceScheduler_NextRuns(t *testing.T) {
	defer goleak.VerifyNone(t)

	s, err := NewMaintenanceScheduler(&countingMaintainer{}, "0 0 0 1 * *", "0 */5 * * * *", nil)
	require.NoError(t, err)
	assert.True(t, s.NextRollover().IsZero(), "not started")

	s.Start()
	defer s.Stop()

	// Entries get their Next time once the cron loop has started.
	require.Eventually(t, func() bool {
		return !s.NextRollover().IsZero() && !s.NextCleanup().IsZero()
	}, time.Second, 10*time.Millisecond)

	rollover := s.NextRollover()
	assert.Equal(t, 1, rollover.Day())
	assert.Equal(t, 0, rollover.Hour())
	assert.Equal(t, time.UTC, rollover.Location())
	assert.True(t, rollover.After(time.Now()))

	cleanup := s.NextCleanup()
	assert.Equal(t, 0, cleanup.Minute()%5)
	assert.True(t, cleanup.After(time.Now().Add(-time.Second)))
	assert.True(t, cleanup.Before(rollover) || cleanup.Equal(rollover))
}

func TestMaintenanceScheduler_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	views := &countingMaintainer{}
	s, err := NewMaintenanceScheduler(views, "* * * * * *", "0 0 0 1 1 *", nil)
	require.NoError(t, err)

	s.Start()
	s.Start() // idempotent

	assert.Eventually(t, func() bool {
		return views.flushes.Load() >= 1
	}, 3*time.Second, 20*time.Millisecond)

	s.Stop()
	s.Stop() // idempotent
}
