package chat

import "time"

const (
	// DefaultSilenceThreshold is how long push may stay quiet before the
	// polling fallback takes over.
	DefaultSilenceThreshold = 6 * time.Second

	// watchdogInterval is how often the session re-evaluates liveness.
	watchdogInterval = 500 * time.Millisecond
)

// Watchdog decides whether the polling fallback should run. It is owned by
// the session's event loop and is not safe for concurrent use.
type Watchdog struct {
	threshold    time.Duration
	connected    bool
	lastActivity time.Time
}

// NewWatchdog returns a watchdog that starts disconnected, so polling is
// eligible until push proves itself.
func NewWatchdog(threshold time.Duration) *Watchdog {
	if threshold <= 0 {
		threshold = DefaultSilenceThreshold
	}

	return &Watchdog{threshold: threshold}
}

// SetConnected records a push state change. A fresh connection counts as
// activity.
func (w *Watchdog) SetConnected(connected bool, now time.Time) {
	w.connected = connected
	if connected {
		w.lastActivity = now
	}
}

// Touch records inbound push traffic of any kind.
func (w *Watchdog) Touch(now time.Time) {
	w.lastActivity = now
}

// Healthy reports whether push is connected and has been heard from within
// the silence threshold.
func (w *Watchdog) Healthy(now time.Time) bool {
	return w.connected && now.Sub(w.lastActivity) < w.threshold
}

// PollingEligible is the negation of Healthy.
func (w *Watchdog) PollingEligible(now time.Time) bool {
	return !w.Healthy(now)
}
