// Package clock abstracts timers so timed script progressions can be driven
// deterministically in tests instead of sleeping on real wall time.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer is a cancellable pending callback.
type Timer interface {
	// Stop cancels the timer. It reports whether the call prevented the
	// callback from firing. Stop is safe to call more than once.
	Stop() bool
}

type Clock interface {
	Now() time.Time
	// AfterFunc schedules fn to run after d. fn runs at most once.
	AfterFunc(d time.Duration, fn func()) Timer
}

type realClock struct{}

// New returns a Clock backed by the real time package.
func New() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return realTimer{time.AfterFunc(d, fn)}
}

type realTimer struct{ t *time.Timer }

func (rt realTimer) Stop() bool { return rt.t.Stop() }

// Fake is a manually driven Clock for tests. Callbacks run synchronously on
// the goroutine calling Advance.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	nextID  int
	pending []*fakeTimer
}

func NewFake(start time.Time) *Fake { return &Fake{now: start} }

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	t := &fakeTimer{clock: f, id: f.nextID, at: f.now.Add(d), fn: fn}
	f.pending = append(f.pending, t)
	return t
}

// Advance moves the fake time forward, firing due timers in order. Timers
// scheduled by a firing callback also run if they fall within the window.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	deadline := f.now.Add(d)
	for {
		sort.Slice(f.pending, func(i, j int) bool {
			if !f.pending[i].at.Equal(f.pending[j].at) {
				return f.pending[i].at.Before(f.pending[j].at)
			}
			return f.pending[i].id < f.pending[j].id
		})
		var due *fakeTimer
		for _, t := range f.pending {
			if !t.at.After(deadline) {
				due = t
				break
			}
		}
		if due == nil {
			break
		}
		f.remove(due.id)
		if due.at.After(f.now) {
			f.now = due.at
		}
		fn := due.fn
		f.mu.Unlock()
		fn()
		f.mu.Lock()
	}
	f.now = deadline
	f.mu.Unlock()
}

// PendingCount reports how many timers have not fired or been stopped.
func (f *Fake) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

func (f *Fake) remove(id int) {
	for i, t := range f.pending {
		if t.id == id {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			return
		}
	}
}

type fakeTimer struct {
	clock *Fake
	id    int
	at    time.Time
	fn    func()
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	for _, p := range t.clock.pending {
		if p.id == t.id {
			t.clock.remove(t.id)
			return true
		}
	}
	return false
}
