package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func TestManual_AdvanceFiresDueTimersInOrder(t *testing.T) {
	c := NewManual(epoch)

	var fired []string
	c.AfterFunc(3*time.Second, func() { fired = append(fired, "c") })
	c.AfterFunc(1*time.Second, func() { fired = append(fired, "a") })
	c.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	c.AfterFunc(10*time.Second, func() { fired = append(fired, "late") })

	c.Advance(5 * time.Second)

	assert.Equal(t, []string{"a", "b", "c"}, fired)
	assert.Equal(t, epoch.Add(5*time.Second), c.Now())
	assert.Equal(t, 1, c.Pending())
}

func TestManual_StopPreventsFiring(t *testing.T) {
	c := NewManual(epoch)

	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	require.True(t, timer.Stop())
	assert.False(t, timer.Stop(), "second stop reports already stopped")

	c.Advance(time.Minute)
	assert.False(t, fired)
	assert.Equal(t, 0, c.Pending())
}

func TestManual_CallbackMayScheduleTimers(t *testing.T) {
	c := NewManual(epoch)

	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			c.AfterFunc(time.Second, tick)
		}
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(10 * time.Second)
	assert.Equal(t, 3, count)
}

func TestManual_NowDuringCallbackIsDeadline(t *testing.T) {
	c := NewManual(epoch)

	var seen time.Time
	c.AfterFunc(4*time.Second, func() { seen = c.Now() })
	c.Advance(9 * time.Second)

	assert.Equal(t, epoch.Add(4*time.Second), seen)
}

func TestReal_AfterFuncStops(t *testing.T) {
	timer := Real().AfterFunc(time.Hour, func() {})
	assert.True(t, timer.Stop())
}
