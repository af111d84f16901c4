package raft

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestCountdownListenerFires(t *testing.T) {
	var fired int32
	l := newCountdownListener(
		func() int { return 3 },
		func() { atomic.AddInt32(&fired, 1) },
	)

	l.Tick()
	l.Tick()
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
	l.Tick()
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))

	// Rearms after firing.
	l.Tick()
	l.Tick()
	l.Tick()
	assert.Equal(t, int32(2), atomic.LoadInt32(&fired))
}

func TestCountdownListenerReset(t *testing.T) {
	var fired int32
	l := newCountdownListener(
		func() int { return 2 },
		func() { atomic.AddInt32(&fired, 1) },
	)

	l.Tick()
	l.Reset()
	l.Tick()
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
	l.Tick()
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestClockDrivesListeners(t *testing.T) {
	clock := newClock(time.Millisecond, zap.NewNop())
	var ticksSeen int32
	clock.AddListener("counter", tickFunc(func() { atomic.AddInt32(&ticksSeen, 1) }))

	clock.Start()
	defer clock.Stop()

	deadline := time.After(time.Second)
	for atomic.LoadInt32(&ticksSeen) < 5 {
		select {
		case <-deadline:
			t.Fatal("clock never ticked enough")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestClockRemoveListener(t *testing.T) {
	clock := newClock(time.Millisecond, zap.NewNop())
	var ticksSeen int32
	clock.AddListener("counter", tickFunc(func() { atomic.AddInt32(&ticksSeen, 1) }))
	clock.RemoveListener("counter")

	clock.Start()
	defer clock.Stop()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ticksSeen))
}

func TestClockIsolatesPanickingListener(t *testing.T) {
	clock := newClock(time.Millisecond, zap.NewNop())
	var ticksSeen int32
	clock.AddListener("bad", tickFunc(func() { panic("boom") }))
	clock.AddListener("counter", tickFunc(func() { atomic.AddInt32(&ticksSeen, 1) }))

	clock.Start()
	defer clock.Stop()

	deadline := time.After(time.Second)
	for atomic.LoadInt32(&ticksSeen) < 3 {
		select {
		case <-deadline:
			t.Fatal("healthy listener starved by panicking one")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestTicks(t *testing.T) {
	assert.Equal(t, 10, ticks(100*time.Millisecond, 10*time.Millisecond))
	assert.Equal(t, 1, ticks(time.Millisecond, 10*time.Millisecond))
}

// tickFunc adapts a closure to the TickListener interface.
type tickFunc func()

func (f tickFunc) Tick() { f() }
