package turn

import "time"

// Clock abstracts wall time and timer scheduling so the debounce machinery
// is deterministic under test.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable scheduled callback.
type Timer interface {
	// Stop prevents the callback from firing. Reports whether the call
	// stopped the timer before it fired.
	Stop() bool
}

// realClock implements Clock on the time package.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
