package raft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidegate/raft/raftpb"
)

func TestRequestChannelFIFO(t *testing.T) {
	rc := newRequestChannel()
	rc.Offer(raftpb.EventType_MESSAGE, "a")
	rc.Offer(raftpb.EventType_MESSAGE, "b")
	rc.Offer(raftpb.EventType_MESSAGE, "c")

	for _, want := range []string{"a", "b", "c"} {
		item, ok := rc.Poll(raftpb.EventType_MESSAGE, 0)
		require.True(t, ok)
		assert.Equal(t, want, item)
	}
	_, ok := rc.Poll(raftpb.EventType_MESSAGE, 0)
	assert.False(t, ok)
}

func TestRequestChannelKindsAreIndependent(t *testing.T) {
	rc := newRequestChannel()
	rc.Offer(raftpb.EventType_TICK, 1)
	rc.Offer(raftpb.EventType_APPLY, 2)

	item, ok := rc.Poll(raftpb.EventType_APPLY, 0)
	require.True(t, ok)
	assert.Equal(t, 2, item)

	item, ok = rc.Poll(raftpb.EventType_TICK, 0)
	require.True(t, ok)
	assert.Equal(t, 1, item)
}

func TestRequestChannelPollTimeout(t *testing.T) {
	rc := newRequestChannel()
	start := time.Now()
	_, ok := rc.Poll(raftpb.EventType_READY, 20*time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestRequestChannelPollWakesOnOffer(t *testing.T) {
	rc := newRequestChannel()
	go func() {
		time.Sleep(10 * time.Millisecond)
		rc.Offer(raftpb.EventType_READY, "batch")
	}()

	item, ok := rc.Poll(raftpb.EventType_READY, time.Second)
	require.True(t, ok)
	assert.Equal(t, "batch", item)
}

func TestRequestChannelCanFetch(t *testing.T) {
	rc := newRequestChannel()
	assert.False(t, rc.CanFetch(raftpb.EventType_APPLY))

	rc.Offer(raftpb.EventType_APPLY, struct{}{})
	assert.True(t, rc.CanFetch(raftpb.EventType_APPLY))

	_, ok := rc.Poll(raftpb.EventType_APPLY, 0)
	require.True(t, ok)
	assert.False(t, rc.CanFetch(raftpb.EventType_APPLY))

	rc.SetCan(raftpb.EventType_APPLY, true)
	assert.True(t, rc.CanFetch(raftpb.EventType_APPLY))
	rc.SetCan(raftpb.EventType_APPLY, false)
	assert.False(t, rc.CanFetch(raftpb.EventType_APPLY))
}

func TestRequestChannelDrain(t *testing.T) {
	rc := newRequestChannel()
	for i := 0; i < 5; i++ {
		rc.Offer(raftpb.EventType_READY, i)
	}
	items := rc.Drain(raftpb.EventType_READY)
	require.Len(t, items, 5)
	for i, item := range items {
		assert.Equal(t, i, item)
	}
	assert.Nil(t, rc.Drain(raftpb.EventType_READY))
}

func TestRequestChannelWaitAny(t *testing.T) {
	rc := newRequestChannel()
	go func() {
		time.Sleep(5 * time.Millisecond)
		rc.Offer(raftpb.EventType_PROPOSAL, "p")
	}()

	// WaitAny returns early on the offer rather than sleeping the full
	// timeout.
	start := time.Now()
	rc.WaitAny(time.Second)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	item, ok := rc.Poll(raftpb.EventType_PROPOSAL, 0)
	require.True(t, ok)
	assert.Equal(t, "p", item)
}

func TestRequestChannelConcurrentProducers(t *testing.T) {
	rc := newRequestChannel()
	const producers, perProducer = 8, 100

	for p := 0; p < producers; p++ {
		go func() {
			for i := 0; i < perProducer; i++ {
				rc.Offer(raftpb.EventType_MESSAGE, i)
			}
		}()
	}

	got := 0
	deadline := time.After(5 * time.Second)
	for got < producers*perProducer {
		select {
		case <-deadline:
			t.Fatalf("only drained %d items", got)
		default:
		}
		if _, ok := rc.Poll(raftpb.EventType_MESSAGE, 50*time.Millisecond); ok {
			got++
		}
	}
}
