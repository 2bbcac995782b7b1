package api

import (
	"time"

	"github.com/psantana5/slotem-chrono/pkg/engine"
	"github.com/psantana5/slotem-chrono/pkg/models"
)

// SnapshotView is the wire form of a snapshot, with display strings.
type SnapshotView struct {
	Chrono1Ms  int64            `json:"chrono1_ms" yaml:"chrono1_ms"`
	Chrono2Ms  int64            `json:"chrono2_ms" yaml:"chrono2_ms"`
	Chrono1    string           `json:"chrono1" yaml:"chrono1"`
	Chrono2    string           `json:"chrono2" yaml:"chrono2"`
	Lane1State models.LaneState `json:"lane1_state" yaml:"lane1_state"`
	Lane2State models.LaneState `json:"lane2_state" yaml:"lane2_state"`
	At         time.Time        `json:"at" yaml:"at"`
}

// NewSnapshotView renders a snapshot for clients.
func NewSnapshotView(s models.Snapshot) SnapshotView {
	return SnapshotView{
		Chrono1Ms:  s.Chrono1.Milliseconds(),
		Chrono2Ms:  s.Chrono2.Milliseconds(),
		Chrono1:    engine.FormatElapsed(s.Chrono1),
		Chrono2:    engine.FormatElapsed(s.Chrono2),
		Lane1State: s.Lane1,
		Lane2State: s.Lane2,
		At:         s.At,
	}
}

// HistoryView is the wire form of one history entry.
type HistoryView struct {
	Seq        uint64      `json:"seq" yaml:"seq"`
	Lane       models.Lane `json:"lane" yaml:"lane"`
	ArchivedMs int64       `json:"archived_ms" yaml:"archived_ms"`
	Archived   string      `json:"archived" yaml:"archived"`
	ArchivedAt time.Time   `json:"archived_at" yaml:"archived_at"`
}

// Row returns the two-column display row, one slot per lane.
func (v HistoryView) Row() [2]string {
	row := [2]string{"-", "-"}
	if v.Lane.Valid() {
		row[v.Lane.Index()] = v.Archived
	}
	return row
}

// NewHistoryViews renders history entries, keeping their order.
func NewHistoryViews(entries []models.HistoryEntry) []HistoryView {
	views := make([]HistoryView, len(entries))
	for i, e := range entries {
		views[i] = HistoryView{
			Seq:        e.Seq,
			Lane:       e.Lane,
			ArchivedMs: e.ArchivedMillis(),
			Archived:   engine.FormatElapsed(e.Archived),
			ArchivedAt: e.ArchivedAt,
		}
	}
	return views
}

// HistoryResponse is returned by GET /history, newest entry first.
type HistoryResponse struct {
	Entries []HistoryView `json:"entries" yaml:"entries"`
	Count   int           `json:"count" yaml:"count"`
}
