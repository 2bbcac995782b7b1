package models

import (
	"fmt"
)

// Lane identifies one of the two chronos.
type Lane int

const (
	Lane1 Lane = 1
	Lane2 Lane = 2
)

// Lanes lists every lane in display order.
var Lanes = [...]Lane{Lane1, Lane2}

// Valid reports whether l names a known lane.
func (l Lane) Valid() bool {
	return l == Lane1 || l == Lane2
}

// Index returns the zero-based slot of the lane. Callers must check Valid first.
func (l Lane) Index() int {
	return int(l) - 1
}

// Token returns the wire token that resets this lane.
func (l Lane) Token() string {
	return fmt.Sprintf("%d", int(l))
}

func (l Lane) String() string {
	if !l.Valid() {
		return fmt.Sprintf("lane(%d)", int(l))
	}
	return fmt.Sprintf("chrono%d", int(l))
}

// ParseToken maps an inbound token to a lane. Only the exact tokens "1" and "2"
// are recognised; anything else returns false and is meant to be ignored.
func ParseToken(token string) (Lane, bool) {
	switch token {
	case "1":
		return Lane1, true
	case "2":
		return Lane2, true
	default:
		return 0, false
	}
}

// LaneState is the state of a single chrono.
type LaneState string

const (
	LaneStateIdle    LaneState = "idle"    // never reset, displays zero
	LaneStateRunning LaneState = "running" // counting from the last reset
)

// laneTransitions maps from-state to allowed to-states.
// A reset is the only event, so every edge is triggered by a reset signal.
var laneTransitions = map[LaneState]map[LaneState]bool{
	LaneStateIdle: {
		LaneStateRunning: true, // first reset, nothing archived
	},
	LaneStateRunning: {
		LaneStateRunning: true, // reset while running, previous value archived
	},
}

// ValidateTransition checks if a lane state transition is valid
func ValidateTransition(from, to LaneState) error {
	allowed, ok := laneTransitions[from]
	if !ok {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// ArchivesOnReset reports whether a reset from this state produces a history entry.
func ArchivesOnReset(from LaneState) bool {
	return from == LaneStateRunning
}
