package models

import (
	"time"
)

// HistoryEntry is the value a lane showed right before it was reset.
// Entries are immutable once created.
type HistoryEntry struct {
	Seq        uint64        `json:"seq"`
	Lane       Lane          `json:"lane"`
	Archived   time.Duration `json:"-"`
	ArchivedAt time.Time     `json:"archived_at"`
}

// ArchivedMillis returns the archived value in whole milliseconds.
func (e HistoryEntry) ArchivedMillis() int64 {
	return e.Archived.Milliseconds()
}

// Row returns the entry as a two-column row, one slot per lane.
// The slot of the other lane is nil.
func (e HistoryEntry) Row() [2]*int64 {
	var row [2]*int64
	if !e.Lane.Valid() {
		return row
	}
	ms := e.ArchivedMillis()
	row[e.Lane.Index()] = &ms
	return row
}

// Snapshot is the displayed state of both chronos at one instant.
type Snapshot struct {
	Chrono1 time.Duration
	Chrono2 time.Duration
	Lane1   LaneState
	Lane2   LaneState
	At      time.Time
}

// Elapsed returns the displayed value of the given lane.
func (s Snapshot) Elapsed(l Lane) time.Duration {
	if l == Lane2 {
		return s.Chrono2
	}
	if l == Lane1 {
		return s.Chrono1
	}
	return 0
}

// State returns the state of the given lane.
func (s Snapshot) State(l Lane) LaneState {
	if l == Lane2 {
		return s.Lane2
	}
	return s.Lane1
}
