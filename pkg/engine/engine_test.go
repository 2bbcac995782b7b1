package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/psantana5/slotem-chrono/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func at(ms int) time.Time {
	return t0.Add(time.Duration(ms) * time.Millisecond)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

type countingRecorder struct {
	resets   atomic.Int64
	archived atomic.Int64
	ticks    atomic.Int64
}

func (r *countingRecorder) RecordReset(_ models.Lane, e *models.HistoryEntry) {
	r.resets.Add(1)
	if e != nil {
		r.archived.Add(1)
	}
}

func (r *countingRecorder) RecordTick(models.Snapshot) { r.ticks.Add(1) }

func TestIdleLanesDisplayZero(t *testing.T) {
	e := New()
	for _, ms := range []int{0, 1, 1500, 3_600_000} {
		snap := e.Tick(at(ms))
		assert.Zero(t, snap.Chrono1)
		assert.Zero(t, snap.Chrono2)
		assert.Equal(t, models.LaneStateIdle, snap.Lane1)
		assert.Equal(t, models.LaneStateIdle, snap.Lane2)
	}
}

func TestFirstResetProducesNoHistory(t *testing.T) {
	e := New()
	_, archived := e.HandleSignal(models.Lane1, at(0))
	assert.False(t, archived)
	assert.Empty(t, e.SnapshotHistory())
	assert.Equal(t, models.LaneStateRunning, e.State(models.Lane1))
	assert.Equal(t, models.LaneStateIdle, e.State(models.Lane2))
}

func TestSubsequentResetArchivesOneEntry(t *testing.T) {
	e := New()
	e.HandleSignal(models.Lane2, at(200))
	entry, archived := e.HandleSignal(models.Lane2, at(3450))

	require.True(t, archived)
	assert.Equal(t, models.Lane2, entry.Lane)
	assert.Equal(t, 3250*time.Millisecond, entry.Archived)
	assert.Equal(t, at(3450), entry.ArchivedAt)

	history := e.SnapshotHistory()
	require.Len(t, history, 1)
	assert.Equal(t, entry, history[0])

	// The lane restarts from the signal timestamp.
	assert.Equal(t, 50*time.Millisecond, e.Tick(at(3500)).Chrono2)
}

func TestLanesAreIndependent(t *testing.T) {
	e := New()
	e.HandleSignal(models.Lane2, at(100))
	before := e.Tick(at(900))

	e.HandleSignal(models.Lane1, at(500))
	e.HandleSignal(models.Lane1, at(800))

	after := e.Tick(at(900))
	assert.Equal(t, before.Chrono2, after.Chrono2)
	assert.Equal(t, models.LaneStateRunning, after.Lane2)

	for _, h := range e.SnapshotHistory() {
		assert.Equal(t, models.Lane1, h.Lane)
	}
}

func TestHistoryIsNewestFirst(t *testing.T) {
	e := New()
	e.HandleSignal(models.Lane1, at(0))   // first, suppressed
	e.HandleSignal(models.Lane2, at(10))  // first, suppressed
	e.HandleSignal(models.Lane1, at(100)) // s1
	e.HandleSignal(models.Lane2, at(250)) // s2
	e.HandleSignal(models.Lane1, at(400)) // s3

	history := e.SnapshotHistory()
	require.Len(t, history, 3)

	assert.Equal(t, models.Lane1, history[0].Lane)
	assert.Equal(t, 300*time.Millisecond, history[0].Archived)
	assert.Equal(t, models.Lane2, history[1].Lane)
	assert.Equal(t, 240*time.Millisecond, history[1].Archived)
	assert.Equal(t, models.Lane1, history[2].Lane)
	assert.Equal(t, 100*time.Millisecond, history[2].Archived)

	assert.Greater(t, history[0].Seq, history[1].Seq)
	assert.Greater(t, history[1].Seq, history[2].Seq)
}

func TestSnapshotHistoryIsACopy(t *testing.T) {
	e := New()
	e.HandleSignal(models.Lane1, at(0))
	e.HandleSignal(models.Lane1, at(10))

	history := e.SnapshotHistory()
	history[0].Archived = time.Hour

	assert.Equal(t, 10*time.Millisecond, e.SnapshotHistory()[0].Archived)
}

func TestConcreteScenario(t *testing.T) {
	e := New()
	e.HandleSignal(models.Lane1, at(0))
	e.HandleSignal(models.Lane2, at(100))
	assert.Empty(t, e.SnapshotHistory())

	entry, archived := e.HandleSignal(models.Lane1, at(1500))
	require.True(t, archived)
	assert.Equal(t, int64(1500), entry.ArchivedMillis())
	assert.Equal(t, models.Lane1, entry.Lane)

	snap := e.Tick(at(1500))
	assert.Zero(t, snap.Chrono1)
	assert.Equal(t, 1400*time.Millisecond, snap.Chrono2)
}

func TestArchiveFirstResetOption(t *testing.T) {
	e := New(WithArchiveFirstReset())
	entry, archived := e.HandleSignal(models.Lane1, at(0))
	require.True(t, archived)
	assert.Zero(t, entry.Archived)
	assert.Len(t, e.SnapshotHistory(), 1)
}

func TestClockRegressionIsClamped(t *testing.T) {
	e := New()
	e.HandleSignal(models.Lane1, at(1000))
	assert.Zero(t, e.Tick(at(400)).Chrono1)

	entry, archived := e.HandleSignal(models.Lane1, at(700))
	require.True(t, archived)
	assert.Zero(t, entry.Archived)

	raw := New(WithoutClamp())
	raw.HandleSignal(models.Lane1, at(1000))
	assert.Equal(t, -600*time.Millisecond, raw.Tick(at(400)).Chrono1)

	entry, archived = raw.HandleSignal(models.Lane1, at(700))
	require.True(t, archived)
	assert.Equal(t, -300*time.Millisecond, entry.Archived)
	assert.Equal(t, -300*time.Millisecond, raw.SnapshotHistory()[0].Archived)
}

func TestUnknownLaneIsIgnored(t *testing.T) {
	rec := &countingRecorder{}
	e := New(WithRecorder(rec))
	_, archived := e.HandleSignal(models.Lane(3), at(0))
	assert.False(t, archived)
	assert.Zero(t, rec.resets.Load())
	assert.Equal(t, models.LaneStateIdle, e.State(models.Lane(3)))
}

func TestRecorderSeesResets(t *testing.T) {
	rec := &countingRecorder{}
	e := New(WithRecorder(rec))
	e.HandleSignal(models.Lane1, at(0))
	e.HandleSignal(models.Lane1, at(10))
	e.HandleSignal(models.Lane2, at(20))

	assert.EqualValues(t, 3, rec.resets.Load())
	assert.EqualValues(t, 1, rec.archived.Load())
}

// Ticks racing with resets must always see start and history move together.
func TestConcurrentTickAndSignal(t *testing.T) {
	e := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			snap := e.Tick(at(1_000_000))
			if snap.Chrono1 < 0 || snap.Chrono2 < 0 {
				t.Error("negative elapsed observed")
				return
			}
			_ = e.SnapshotHistory()
		}
	}()

	const resets = 500
	for i := 0; i < resets; i++ {
		e.HandleSignal(models.Lanes[i%2], at(i))
	}
	cancel()
	wg.Wait()

	// Two first resets are suppressed.
	assert.Len(t, e.SnapshotHistory(), resets-2)
}

func TestRunPublishesUntilCancelled(t *testing.T) {
	clock := &fakeClock{now: at(0)}
	rec := &countingRecorder{}
	e := New(WithClock(clock), WithRecorder(rec))
	e.HandleSignal(models.Lane1, at(0))
	clock.Set(at(250))

	ctx, cancel := context.WithCancel(context.Background())
	published := make(chan models.Snapshot, 64)
	done := make(chan error, 1)
	go func() {
		done <- e.Run(ctx, time.Millisecond, func(s models.Snapshot) {
			select {
			case published <- s:
			default:
			}
		})
	}()

	select {
	case snap := <-published:
		assert.Equal(t, 250*time.Millisecond, snap.Chrono1)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot published")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}

	ticks := rec.ticks.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, ticks, rec.ticks.Load(), "no tick after Run returned")
}
