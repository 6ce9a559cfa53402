package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeAdvanceFiresInOrder(t *testing.T) {
	f := NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	var fired []string
	f.AfterFunc(3*time.Second, func() { fired = append(fired, "c") })
	f.AfterFunc(1*time.Second, func() { fired = append(fired, "a") })
	f.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })

	f.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, 1, f.PendingCount())

	f.Advance(time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, fired)
	assert.Equal(t, 0, f.PendingCount())
}

func TestFakeAdvanceMovesNow(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	var seen time.Time
	f.AfterFunc(5*time.Second, func() { seen = f.Now() })
	f.Advance(10 * time.Second)

	// The callback observes the timer's due time, not the window's end.
	assert.Equal(t, start.Add(5*time.Second), seen)
	assert.Equal(t, start.Add(10*time.Second), f.Now())
}

func TestFakeNestedTimersFireWithinWindow(t *testing.T) {
	f := NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	var fired []string
	f.AfterFunc(time.Second, func() {
		fired = append(fired, "outer")
		f.AfterFunc(time.Second, func() { fired = append(fired, "inner") })
		f.AfterFunc(time.Hour, func() { fired = append(fired, "late") })
	})

	f.Advance(5 * time.Second)
	assert.Equal(t, []string{"outer", "inner"}, fired)
	assert.Equal(t, 1, f.PendingCount())
}

func TestFakeZeroDelayFiresOnNextAdvance(t *testing.T) {
	f := NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	fired := false
	f.AfterFunc(0, func() { fired = true })
	assert.False(t, fired)

	f.Advance(0)
	assert.True(t, fired)
}

func TestFakeStop(t *testing.T) {
	f := NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	fired := false
	timer := f.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop(), "second stop reports nothing prevented")

	f.Advance(time.Minute)
	assert.False(t, fired)
	assert.Equal(t, 0, f.PendingCount())
}

func TestRealClockAfterFunc(t *testing.T) {
	c := New()
	done := make(chan struct{})
	c.AfterFunc(time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}
