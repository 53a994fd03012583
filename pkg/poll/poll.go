// Package poll provides the bounded wait loop shared by the startup phases.
//
// The port handshake and the readiness probe both wait for an external
// condition (a file appearing, a server answering) by checking at a fixed
// interval until a deadline runs out. Both phases consume one shared time
// budget, so the loop is expressed once here, over an injectable clock that
// tests can replace to simulate elapsed time without real delays.
package poll

import (
	"errors"
	"time"
)

// Clock abstracts the time source for polling loops.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// SystemClock returns a Clock backed by the time package.
func SystemClock() Clock { return systemClock{} }

// Deadline is a shared time budget. Phases that split one budget derive
// their remaining allowance from the same Deadline value, so time spent in
// an earlier phase reduces what a later phase may use.
type Deadline struct {
	at    time.Time
	clock Clock
}

// NewDeadline starts a budget of d measured from the clock's current time.
func NewDeadline(clock Clock, d time.Duration) Deadline {
	return Deadline{at: clock.Now().Add(d), clock: clock}
}

// DeadlineAt wraps an absolute expiry instant.
func DeadlineAt(clock Clock, at time.Time) Deadline {
	return Deadline{at: at, clock: clock}
}

// Remaining reports the budget left; zero or negative means expired.
func (d Deadline) Remaining() time.Duration { return d.at.Sub(d.clock.Now()) }

// Expired reports whether the budget is used up.
func (d Deadline) Expired() bool { return d.Remaining() <= 0 }

// Time returns the absolute expiry instant.
func (d Deadline) Time() time.Time { return d.at }

// ErrDeadline is returned by Until when the condition did not hold before
// the deadline expired.
var ErrDeadline = errors.New("poll: deadline exceeded")

// Until evaluates cond at the given interval until it reports done, returns
// an error, or the deadline expires. A condition error aborts the loop
// immediately. The condition is always evaluated at least once. Every
// unsuccessful attempt sleeps before the next, so the loop never busy-waits.
func Until(clock Clock, interval time.Duration, deadline Deadline, cond func() (bool, error)) error {
	for {
		done, err := cond()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if deadline.Expired() {
			return ErrDeadline
		}
		clock.Sleep(interval)
	}
}
