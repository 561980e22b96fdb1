// Liveness watchdog tests in Trophonius.

package relay

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestWatchdogFiresAfterDeadline(t *testing.T) {
	clk := clock.NewMock()
	wd := newWatchdog(clk)

	var fired int32
	wd.Arm(10*time.Second, func() { atomic.AddInt32(&fired, 1) })

	clk.Add(9 * time.Second)
	assert.EqualValues(t, 0, atomic.LoadInt32(&fired))
	clk.Add(time.Second)
	assert.EqualValues(t, 1, atomic.LoadInt32(&fired))
}

func TestWatchdogResetPushesDeadlineOut(t *testing.T) {
	clk := clock.NewMock()
	wd := newWatchdog(clk)

	var fired int32
	wd.Arm(10*time.Second, func() { atomic.AddInt32(&fired, 1) })

	clk.Add(9 * time.Second)
	wd.Reset(10 * time.Second)
	clk.Add(9 * time.Second)
	assert.EqualValues(t, 0, atomic.LoadInt32(&fired))
	clk.Add(time.Second)
	assert.EqualValues(t, 1, atomic.LoadInt32(&fired))
}

func TestWatchdogRearmReplacesPendingTimer(t *testing.T) {
	clk := clock.NewMock()
	wd := newWatchdog(clk)

	var first, second int32
	wd.Arm(30*time.Second, func() { atomic.AddInt32(&first, 1) })
	wd.Arm(11*time.Second, func() { atomic.AddInt32(&second, 1) })

	clk.Add(time.Minute)
	assert.EqualValues(t, 0, atomic.LoadInt32(&first))
	assert.EqualValues(t, 1, atomic.LoadInt32(&second))
}

func TestStoppedWatchdogStaysStopped(t *testing.T) {
	clk := clock.NewMock()
	wd := newWatchdog(clk)

	var fired int32
	wd.Arm(10*time.Second, func() { atomic.AddInt32(&fired, 1) })
	wd.Stop()

	// Neither a late Arm nor a late Reset may resurrect the timer.
	wd.Arm(time.Second, func() { atomic.AddInt32(&fired, 1) })
	wd.Reset(time.Second)

	clk.Add(time.Minute)
	assert.EqualValues(t, 0, atomic.LoadInt32(&fired))
}
