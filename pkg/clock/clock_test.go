package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClock_TimerFiresOnAdvance(t *testing.T) {
	fc := NewFake(epoch)
	timer := fc.NewTimer(5 * time.Second)

	fc.Advance(4 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("timer fired early")
	default:
	}

	fc.Advance(time.Second)
	select {
	case at := <-timer.C():
		assert.Equal(t, epoch.Add(5*time.Second), at)
	default:
		t.Fatal("timer did not fire")
	}
	assert.Equal(t, 0, fc.Waiters())
}

func TestFakeClock_StoppedTimerNeverFires(t *testing.T) {
	fc := NewFake(epoch)
	timer := fc.NewTimer(time.Second)

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	fc.Advance(time.Minute)

	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}
}

func TestFakeClock_TickerRepeats(t *testing.T) {
	fc := NewFake(epoch)
	ticker := fc.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for i := 1; i <= 3; i++ {
		fc.Advance(10 * time.Second)
		select {
		case at := <-ticker.C():
			assert.Equal(t, epoch.Add(time.Duration(i)*10*time.Second), at)
		default:
			t.Fatalf("tick %d missing", i)
		}
	}
}

func TestFakeClock_StoppedTickerReleasesWaiter(t *testing.T) {
	fc := NewFake(epoch)
	ticker := fc.NewTicker(time.Second)
	require.Equal(t, 1, fc.Waiters())

	ticker.Stop()
	assert.Equal(t, 0, fc.Waiters())

	fc.Advance(time.Minute)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestFakeClock_BlockUntil(t *testing.T) {
	fc := NewFake(epoch)
	done := make(chan struct{})

	go func() {
		<-fc.After(time.Second)
		close(done)
	}()

	fc.BlockUntil(1)
	fc.Advance(time.Second)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}
}

func TestFakeClock_ResetReschedules(t *testing.T) {
	fc := NewFake(epoch)
	timer := fc.NewTimer(time.Second)

	fc.Advance(time.Second)
	<-timer.C()

	require.False(t, timer.Reset(2*time.Second))
	fc.Advance(time.Second)
	select {
	case <-timer.C():
		t.Fatal("reset timer fired early")
	default:
	}
	fc.Advance(time.Second)
	select {
	case <-timer.C():
	default:
		t.Fatal("reset timer did not fire")
	}
}

func TestRealClock(t *testing.T) {
	c := New()
	start := c.Now()
	timer := c.NewTimer(time.Millisecond)
	<-timer.C()
	assert.GreaterOrEqual(t, c.Since(start), time.Millisecond)
}
