package engine

import "time"

// Clock provides the wall-clock readings the engine and the signal
// channel stamp events with. Inject a fake in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the default Clock implementation using the standard library.
var SystemClock Clock = systemClock{}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}
