package executor

import "time"

// Clock abstracts wall time so retry delays and timestamps are testable
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now().UTC() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// RealClock returns the wall clock
func RealClock() Clock {
	return realClock{}
}
