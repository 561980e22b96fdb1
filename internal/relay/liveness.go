// Liveness watchdog armed on every device connection in Trophonius.

package relay

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// watchdog wraps a single cancellable timer. A connection arms it twice over
// its lifetime: first with the connect timeout, then with the recurring
// keep-alive deadline. At most one timer is ever armed, and a stopped
// watchdog stays stopped so a late Arm/Reset can't resurrect a closed connection.
type watchdog struct {
	clk     clock.Clock
	mu      sync.Mutex
	timer   *clock.Timer
	stopped bool
}

func newWatchdog(clk clock.Clock) *watchdog {
	return &watchdog{clk: clk}
}

// Arm replaces whatever timer is pending with a fresh one firing expire after d.
func (w *watchdog) Arm(d time.Duration, expire func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = w.clk.AfterFunc(d, expire)
}

// Reset pushes the pending deadline out by d, called on every valid PING.
func (w *watchdog) Reset(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.timer == nil {
		return
	}
	w.timer.Reset(d)
}

// Stop cancels the pending timer for good, called exactly once from Close.
func (w *watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
}
