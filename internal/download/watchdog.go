package download

import "time"

// watchdog fires once when Reset has not been called for the timeout.
type watchdog struct {
	timeout time.Duration
	timer   *time.Timer
}

func newWatchdog(timeout time.Duration, fire func()) *watchdog {
	return &watchdog{timeout: timeout, timer: time.AfterFunc(timeout, fire)}
}

func (w *watchdog) Reset() {
	w.timer.Reset(w.timeout)
}

func (w *watchdog) Stop() {
	w.timer.Stop()
}
