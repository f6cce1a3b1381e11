package workflow

import "time"

// Clock supplies the engine's notion of now. Tests substitute a manual
// clock so sleeps, retries and the watchdog can be driven without waiting.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }
