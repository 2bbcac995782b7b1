// Package engine owns the state of the two lap chronos and their history.
//
// A single RWMutex is the serialization boundary: HandleSignal holds the
// write lock across read, append and rebase so a Tick never observes a
// half-applied reset. Nothing under the lock performs I/O.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/psantana5/slotem-chrono/pkg/logging"
	"github.com/psantana5/slotem-chrono/pkg/models"
)

// DefaultTickInterval is the display refresh cadence.
const DefaultTickInterval = 10 * time.Millisecond

// Recorder receives engine events, usually a metrics sink.
type Recorder interface {
	RecordReset(lane models.Lane, archived *models.HistoryEntry)
	RecordTick(snap models.Snapshot)
}

type nopRecorder struct{}

func (nopRecorder) RecordReset(models.Lane, *models.HistoryEntry) {}
func (nopRecorder) RecordTick(models.Snapshot)                    {}

// counter is one lane. A zero start means the lane is idle.
type counter struct {
	start   time.Time
	started bool
}

func (c counter) state() models.LaneState {
	if c.started {
		return models.LaneStateRunning
	}
	return models.LaneStateIdle
}

// elapsed is now - start, clamped at zero when clamp is set.
func (c counter) elapsed(now time.Time, clamp bool) time.Duration {
	if !c.started {
		return 0
	}
	d := now.Sub(c.start)
	if clamp && d < 0 {
		return 0
	}
	return d
}

// Engine is the TimerEngine: both counters plus the history log.
type Engine struct {
	mu      sync.RWMutex
	lanes   [2]counter
	history []models.HistoryEntry // append order, oldest first
	seq     uint64

	clock             Clock
	recorder          Recorder
	logger            *logging.Logger
	archiveFirstReset bool
	clampNegative     bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used by Run.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithRecorder sets the metrics hook.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithArchiveFirstReset makes the first reset of a lane archive a zero entry
// instead of suppressing it.
func WithArchiveFirstReset() Option {
	return func(e *Engine) { e.archiveFirstReset = true }
}

// WithoutClamp reports negative elapsed values as-is when the wall clock
// steps backwards, both on ticks and in archived entries.
func WithoutClamp() Option {
	return func(e *Engine) { e.clampNegative = false }
}

// New creates an engine with both lanes idle and an empty history.
func New(opts ...Option) *Engine {
	e := &Engine{
		clock:         SystemClock,
		recorder:      nopRecorder{},
		logger:        logging.Nop(),
		clampNegative: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HandleSignal applies a reset of lane received at receivedAt. It returns the
// archived entry and true when the reset produced one. Unknown lanes are ignored.
func (e *Engine) HandleSignal(lane models.Lane, receivedAt time.Time) (models.HistoryEntry, bool) {
	if !lane.Valid() {
		return models.HistoryEntry{}, false
	}

	e.mu.Lock()
	c := &e.lanes[lane.Index()]
	from := c.state()
	if err := models.ValidateTransition(from, models.LaneStateRunning); err != nil {
		e.mu.Unlock()
		e.logger.Error("Lane reset rejected", logging.Fields{"lane": int(lane), "error": err.Error()})
		return models.HistoryEntry{}, false
	}

	var (
		entry    models.HistoryEntry
		archived bool
	)
	if models.ArchivesOnReset(from) || e.archiveFirstReset {
		e.seq++
		entry = models.HistoryEntry{
			Seq:        e.seq,
			Lane:       lane,
			Archived:   c.elapsed(receivedAt, e.clampNegative),
			ArchivedAt: receivedAt,
		}
		e.history = append(e.history, entry)
		archived = true
	}
	c.start = receivedAt
	c.started = true
	e.mu.Unlock()

	fields := logging.Fields{"lane": int(lane), "from": string(from)}
	if archived {
		fields["archived"] = FormatElapsed(entry.Archived)
		e.recorder.RecordReset(lane, &entry)
	} else {
		e.recorder.RecordReset(lane, nil)
	}
	e.logger.Debug("Lane reset", fields)

	return entry, archived
}

// Tick computes the displayed value of both lanes at now. It never mutates state.
func (e *Engine) Tick(now time.Time) models.Snapshot {
	e.mu.RLock()
	snap := models.Snapshot{
		Chrono1: e.lanes[0].elapsed(now, e.clampNegative),
		Chrono2: e.lanes[1].elapsed(now, e.clampNegative),
		Lane1:   e.lanes[0].state(),
		Lane2:   e.lanes[1].state(),
		At:      now,
	}
	e.mu.RUnlock()
	return snap
}

// Now ticks at the engine clock's current time.
func (e *Engine) Now() models.Snapshot {
	return e.Tick(e.clock.Now())
}

// SnapshotHistory returns a copy of the history log, newest first.
func (e *Engine) SnapshotHistory() []models.HistoryEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]models.HistoryEntry, len(e.history))
	for i, entry := range e.history {
		out[len(e.history)-1-i] = entry
	}
	return out
}

// HistoryLen returns the number of archived entries.
func (e *Engine) HistoryLen() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.history)
}

// State returns the state of a lane.
func (e *Engine) State(lane models.Lane) models.LaneState {
	if !lane.Valid() {
		return models.LaneStateIdle
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lanes[lane.Index()].state()
}

// Run ticks every interval until ctx is done, handing each snapshot to
// publish. publish runs on the Run goroutine and is never called after Run returns.
func (e *Engine) Run(ctx context.Context, interval time.Duration, publish func(models.Snapshot)) error {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			snap := e.Tick(e.clock.Now())
			e.recorder.RecordTick(snap)
			if publish != nil {
				publish(snap)
			}
		}
	}
}
