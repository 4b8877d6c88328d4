package clock

import (
	"sync"
	"time"
)

// FakeClock is a manually advanced Clock for tests
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
	changed chan struct{}
}

type fakeWaiter struct {
	clock    *FakeClock
	deadline time.Time
	period   time.Duration
	ch       chan time.Time
	active   bool
}

// NewFake creates a fake clock starting at the given time
func NewFake(start time.Time) *FakeClock {
	return &FakeClock{
		now:     start,
		changed: make(chan struct{}),
	}
}

// Now returns the fake current time
func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Since returns the fake time elapsed since t
func (f *FakeClock) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

// After returns a channel that fires once the clock passes now+d
func (f *FakeClock) After(d time.Duration) <-chan time.Time {
	return f.NewTimer(d).C()
}

// NewTimer creates a one-shot timer driven by Advance
func (f *FakeClock) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()

	w := &fakeWaiter{
		clock:    f,
		deadline: f.now.Add(d),
		ch:       make(chan time.Time, 1),
		active:   true,
	}
	f.addWaiterLocked(w)
	if d <= 0 {
		f.fireLocked()
	}
	return w
}

// NewTicker creates a periodic ticker driven by Advance
func (f *FakeClock) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	w := &fakeWaiter{
		clock:    f,
		deadline: f.now.Add(d),
		period:   d,
		ch:       make(chan time.Time, 1),
		active:   true,
	}
	f.addWaiterLocked(w)
	return fakeTicker{w}
}

var _ Ticker = fakeTicker{}

type fakeTicker struct {
	*fakeWaiter
}

func (t fakeTicker) Stop() {
	t.fakeWaiter.Stop()
}

// Advance moves the clock forward and fires every timer and ticker that came due
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	f.fireLocked()
}

// Set moves the clock to t, firing anything due in between
func (f *FakeClock) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
	f.fireLocked()
}

// BlockUntil waits until at least n timers or tickers are pending
func (f *FakeClock) BlockUntil(n int) {
	for {
		f.mu.Lock()
		if f.activeLocked() >= n {
			f.mu.Unlock()
			return
		}
		changed := f.changed
		f.mu.Unlock()
		<-changed
	}
}

// Waiters returns the number of pending timers and tickers
func (f *FakeClock) Waiters() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeLocked()
}

func (f *FakeClock) activeLocked() int {
	count := 0
	for _, w := range f.waiters {
		if w.active {
			count++
		}
	}
	return count
}

func (f *FakeClock) addWaiterLocked(w *fakeWaiter) {
	f.waiters = append(f.waiters, w)
	f.notifyLocked()
}

func (f *FakeClock) notifyLocked() {
	close(f.changed)
	f.changed = make(chan struct{})
}

func (f *FakeClock) fireLocked() {
	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.active {
			continue
		}
		for w.active && !w.deadline.After(f.now) {
			select {
			case w.ch <- w.deadline:
			default:
			}
			if w.period > 0 {
				w.deadline = w.deadline.Add(w.period)
			} else {
				w.active = false
			}
		}
		if w.active {
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
	f.notifyLocked()
}

func (w *fakeWaiter) C() <-chan time.Time {
	return w.ch
}

func (w *fakeWaiter) Stop() bool {
	f := w.clock
	f.mu.Lock()
	defer f.mu.Unlock()

	wasActive := w.active
	w.active = false
	f.removeLocked(w)
	f.notifyLocked()
	return wasActive
}

func (f *FakeClock) removeLocked(target *fakeWaiter) {
	for i, w := range f.waiters {
		if w == target {
			f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
			return
		}
	}
}

func (w *fakeWaiter) Reset(d time.Duration) bool {
	f := w.clock
	f.mu.Lock()
	defer f.mu.Unlock()

	wasActive := w.active
	w.deadline = f.now.Add(d)
	f.removeLocked(w)
	f.waiters = append(f.waiters, w)
	w.active = true
	f.notifyLocked()
	if d <= 0 {
		f.fireLocked()
	}
	return wasActive
}
