package raft

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// TickListener is notified once per clock tick. Listeners run on the
// clock goroutine; they must post work into the request channel and
// return promptly rather than mutate node state themselves.
type TickListener interface {
	Tick()
}

// Clock is the engine's logical time source. Election, heartbeat and
// lease timing all derive from its tick, so tests can drive the whole
// engine by ticking manually instead of sleeping.
type Clock struct {
	interval time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	listeners map[string]TickListener

	stopCh   chan struct{}
	stopOnce sync.Once
}

func newClock(interval time.Duration, logger *zap.Logger) *Clock {
	return &Clock{
		interval:  interval,
		logger:    logger,
		listeners: make(map[string]TickListener),
		stopCh:    make(chan struct{}),
	}
}

// AddListener registers a listener under a name, replacing any previous
// listener with the same name.
func (c *Clock) AddListener(name string, l TickListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners[name] = l
}

// RemoveListener drops the named listener if present.
func (c *Clock) RemoveListener(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.listeners, name)
}

// Start runs the ticker goroutine until Stop.
func (c *Clock) Start() {
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.tick()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop halts the ticker. Idempotent.
func (c *Clock) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// tick fans the tick out to a stable copy of the listener set. A
// misbehaving listener is logged and skipped, never propagated.
func (c *Clock) tick() {
	c.mu.Lock()
	snapshot := make([]TickListener, 0, len(c.listeners))
	for _, l := range c.listeners {
		snapshot = append(snapshot, l)
	}
	c.mu.Unlock()

	for _, l := range snapshot {
		func() {
			defer func() {
				if p := recover(); p != nil {
					c.logger.Error("tick listener panicked", zap.Any("panic", p))
				}
			}()
			l.Tick()
		}()
	}
}

// countdownListener fires a callback after a number of ticks, then
// rearms. The election listener rearms with a fresh randomized countdown;
// heartbeat and lease listeners rearm with a fixed period.
type countdownListener struct {
	mu        sync.Mutex
	remaining int
	rearm     func() int
	fire      func()
}

func newCountdownListener(rearm func() int, fire func()) *countdownListener {
	return &countdownListener{
		remaining: rearm(),
		rearm:     rearm,
		fire:      fire,
	}
}

func (l *countdownListener) Tick() {
	l.mu.Lock()
	l.remaining--
	expired := l.remaining <= 0
	if expired {
		l.remaining = l.rearm()
	}
	l.mu.Unlock()

	if expired {
		l.fire()
	}
}

// Reset rearms the countdown without firing. Used to defer an election
// when the leader is heard from.
func (l *countdownListener) Reset() {
	l.mu.Lock()
	l.remaining = l.rearm()
	l.mu.Unlock()
}

// ticks converts a duration into whole clock ticks, never less than one.
func ticks(d, interval time.Duration) int {
	n := int(d / interval)
	if n < 1 {
		n = 1
	}
	return n
}
