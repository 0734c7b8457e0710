// Package countdown derives the remaining time of a timed attempt from its persisted
// start instant and forces expiry exactly once.
package countdown

import (
	"math"
	"sync"
	"time"
)

// DefaultInterval is the publishing granularity of the remaining time.
const DefaultInterval = time.Second

// Config describes one countdown.
type Config struct {
	StartedAt time.Time
	Duration  time.Duration
	Interval  time.Duration
	Now       func() time.Time
	OnTick    func(remaining time.Duration)
	OnExpire  func()
}

// Timer is a cancellable scheduled task owned by exactly one session. It holds no
// authoritative state: remaining time is always recomputed from StartedAt.
type Timer struct {
	startedAt time.Time
	duration  time.Duration
	interval  time.Duration
	now       func() time.Time
	onTick    func(time.Duration)
	onExpire  func()

	mu      sync.Mutex
	running bool
	stopped bool
	fired   bool
	done    chan struct{}
}

// New builds a timer; it does not start ticking until Start is called.
func New(cfg Config) *Timer {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Timer{
		startedAt: cfg.StartedAt,
		duration:  cfg.Duration,
		interval:  interval,
		now:       now,
		onTick:    cfg.OnTick,
		onExpire:  cfg.OnExpire,
		done:      make(chan struct{}),
	}
}

// Deadline returns the instant the countdown reaches zero.
func (t *Timer) Deadline() time.Time {
	return t.startedAt.Add(t.duration)
}

// Remaining returns the time left, clamped at zero.
func (t *Timer) Remaining() time.Duration {
	remaining := t.Deadline().Sub(t.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RemainingSeconds rounds the remaining time up to whole seconds for display.
func RemainingSeconds(remaining time.Duration) int64 {
	if remaining <= 0 {
		return 0
	}
	return int64(math.Ceil(remaining.Seconds()))
}

// Start launches the ticking goroutine. The first tick happens immediately so a
// resumed attempt that already ran out expires without waiting a full interval.
func (t *Timer) Start() {
	t.mu.Lock()
	if t.running || t.stopped {
		t.mu.Unlock()
		return
	}
	t.running = true
	done := t.done
	t.mu.Unlock()

	go t.run(done)
}

func (t *Timer) run(done <-chan struct{}) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.Tick()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			t.Tick()
		}
	}
}

// Tick publishes the remaining time and fires the expiry callback once the countdown
// is exhausted. Ticks after expiry or Stop are no-ops.
func (t *Timer) Tick() time.Duration {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return t.Remaining()
	}

	remaining := t.Remaining()
	onTick := t.onTick
	if remaining > 0 {
		t.mu.Unlock()
		if onTick != nil {
			onTick(remaining)
		}
		return remaining
	}

	t.fired = true
	t.halt()
	onExpire := t.onExpire
	t.mu.Unlock()

	if onTick != nil {
		onTick(0)
	}
	if onExpire != nil {
		onExpire()
	}
	return 0
}

// Stop cancels the countdown. It is idempotent, never blocks on the ticking goroutine
// and guarantees OnExpire is not invoked by any later tick.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.halt()
}

func (t *Timer) halt() {
	if t.stopped {
		return
	}
	t.stopped = true
	close(t.done)
}

// Expired reports whether the expiry callback has fired.
func (t *Timer) Expired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

// Stopped reports whether the timer no longer ticks.
func (t *Timer) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Done is closed once the timer stops, either by expiry or by Stop.
func (t *Timer) Done() <-chan struct{} {
	return t.done
}
