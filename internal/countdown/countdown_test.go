package countdown

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu      sync.Mutex
	current time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{current: start}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *testClock) Set(value time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = value
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

func TestRemainingDerivedFromStartedAt(t *testing.T) {
	startedAt := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	duration := 10 * time.Minute
	clock := newTestClock(startedAt.Add(duration - 5*time.Second))

	timer := New(Config{StartedAt: startedAt, Duration: duration, Now: clock.Now})

	require.InDelta(t, 5, RemainingSeconds(timer.Remaining()), 1)
	require.Equal(t, startedAt.Add(duration), timer.Deadline())

	clock.Set(startedAt.Add(duration + time.Second))
	require.Zero(t, timer.Remaining())
	require.Zero(t, RemainingSeconds(timer.Remaining()))
}

func TestTickFiresExpiryExactlyOnce(t *testing.T) {
	startedAt := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := newTestClock(startedAt)
	var fired int32
	var lastTick time.Duration

	timer := New(Config{
		StartedAt: startedAt,
		Duration:  30 * time.Second,
		Now:       clock.Now,
		OnTick:    func(remaining time.Duration) { lastTick = remaining },
		OnExpire:  func() { atomic.AddInt32(&fired, 1) },
	})

	require.Equal(t, 30*time.Second, timer.Tick())
	require.Equal(t, 30*time.Second, lastTick)

	clock.Advance(25 * time.Second)
	require.Equal(t, 5*time.Second, timer.Tick())
	require.Zero(t, atomic.LoadInt32(&fired))

	clock.Advance(6 * time.Second)
	require.Zero(t, timer.Tick())
	require.Zero(t, timer.Tick())
	require.Zero(t, timer.Tick())

	require.Equal(t, int32(1), atomic.LoadInt32(&fired))
	require.True(t, timer.Expired())
	require.True(t, timer.Stopped())
	require.Zero(t, lastTick)
}

func TestStopPreventsExpiry(t *testing.T) {
	startedAt := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := newTestClock(startedAt)
	var fired int32

	timer := New(Config{
		StartedAt: startedAt,
		Duration:  time.Minute,
		Now:       clock.Now,
		OnExpire:  func() { atomic.AddInt32(&fired, 1) },
	})

	timer.Stop()
	timer.Stop()
	clock.Advance(2 * time.Minute)
	timer.Tick()

	require.Zero(t, atomic.LoadInt32(&fired))
	require.False(t, timer.Expired())

	select {
	case <-timer.Done():
	default:
		t.Fatal("expected done channel to be closed after Stop")
	}
}

func TestStartTicksUntilExpiry(t *testing.T) {
	startedAt := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := newTestClock(startedAt)
	var fired int32
	var ticks int32

	timer := New(Config{
		StartedAt: startedAt,
		Duration:  time.Minute,
		Interval:  5 * time.Millisecond,
		Now:       clock.Now,
		OnTick:    func(time.Duration) { atomic.AddInt32(&ticks, 1) },
		OnExpire:  func() { atomic.AddInt32(&fired, 1) },
	})
	timer.Start()
	timer.Start()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&ticks) > 0 }, time.Second, time.Millisecond)

	clock.Advance(61 * time.Second)
	require.Eventually(t, timer.Expired, time.Second, time.Millisecond)

	<-timer.Done()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestStartOnAlreadyExpiredAttemptFiresImmediately(t *testing.T) {
	startedAt := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := newTestClock(startedAt.Add(2 * time.Hour))
	expired := make(chan struct{})

	timer := New(Config{
		StartedAt: startedAt,
		Duration:  time.Hour,
		Interval:  time.Hour,
		Now:       clock.Now,
		OnExpire:  func() { close(expired) },
	})
	timer.Start()

	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Fatal("expected immediate expiry for a resumed attempt past its deadline")
	}
}
