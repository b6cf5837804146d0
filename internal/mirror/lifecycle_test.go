package mirror

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLifecycleProducer struct {
	mu         sync.Mutex
	flushCalls int
	closeGrace int
	closed     bool
}

func (f *fakeLifecycleProducer) Flush(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushCalls++
	return nil
}

func (f *fakeLifecycleProducer) Close(graceMs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeGrace = graceMs
}

type fakeLifecycleConsumer struct {
	mu          sync.Mutex
	commitCalls int
	shutdowns   int
}

func (f *fakeLifecycleConsumer) Commit(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commitCalls++
	return nil
}

func (f *fakeLifecycleConsumer) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
}

type fakeMembership struct {
	mu        sync.Mutex
	disconnects int
}

func (f *fakeMembership) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func newTestLifecycle(streamer *fakeStreamer, sender *fakeSender) (*Lifecycle, *fakeLifecycleProducer, *fakeLifecycleConsumer, *fakeMembership) {
	barrier := NewBarrier(time.Hour, nil)
	pump := NewPump(streamer, sender, barrier, nil, nil)
	producer := &fakeLifecycleProducer{}
	consumer := &fakeLifecycleConsumer{}
	membership := &fakeMembership{}
	l := NewLifecycle(pump, producer, consumer, barrier, membership, 5000)
	return l, producer, consumer, membership
}

func TestLifecycleShutdown_RunsDrainSequenceExactlyOnce(t *testing.T) {
	streamer := &fakeStreamer{}
	sender := &fakeSender{}
	l, producer, consumer, membership := newTestLifecycle(streamer, sender)

	l.MarkJoining()
	l.MarkRunning(context.Background())
	waitForCondition(t, time.Second, func() bool {
		streamer.mu.Lock()
		defer streamer.mu.Unlock()
		return streamer.nextCalls > 0
	})

	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		go func() {
			defer wg.Done()
			require.NoError(t, l.Shutdown(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, StateStopped, l.State())
	assert.Equal(t, 1, producer.flushCalls)
	assert.Equal(t, 1, consumer.commitCalls)
	assert.Equal(t, 1, consumer.shutdowns)
	assert.True(t, producer.closed)
	assert.Equal(t, 5000, producer.closeGrace)
	assert.Equal(t, 1, membership.disconnects, "concurrent Shutdown calls must disconnect from membership exactly once")

	select {
	case <-l.Stopped():
	default:
		t.Fatal("Stopped() must be closed once Shutdown has completed")
	}
}

func TestLifecycleStopped_FiresWhenShutdownTriggeredByEviction(t *testing.T) {
	// Regression test: a caller that only watches Stopped() (as main's
	// select loop does) must see it fire even when OnMembershipDisconnect,
	// not a direct Shutdown call, drove the clean-shutdown path.
	streamer := &fakeStreamer{}
	sender := &fakeSender{}
	l, _, _, _ := newTestLifecycle(streamer, sender)

	l.MarkJoining()
	l.MarkRunning(context.Background())
	waitForCondition(t, time.Second, func() bool {
		streamer.mu.Lock()
		defer streamer.mu.Unlock()
		return streamer.nextCalls > 0
	})

	l.OnMembershipDisconnect(context.Background())

	select {
	case <-l.Stopped():
	case <-time.After(time.Second):
		t.Fatal("Stopped() did not fire after eviction-driven shutdown completed")
	}
}

func TestLifecycleOnMembershipDisconnect_SkipsIfAlreadyShuttingDown(t *testing.T) {
	streamer := &fakeStreamer{}
	sender := &fakeSender{}
	l, _, _, membership := newTestLifecycle(streamer, sender)

	l.MarkJoining()
	l.MarkRunning(context.Background())
	require.NoError(t, l.Shutdown(context.Background()))

	l.OnMembershipDisconnect(context.Background())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, membership.disconnects, "eviction handling must not re-enter an already-drained shutdown")
}

func TestLifecycleOnMembershipDisconnect_TriggersShutdownWhenRunning(t *testing.T) {
	streamer := &fakeStreamer{}
	sender := &fakeSender{}
	l, producer, _, _ := newTestLifecycle(streamer, sender)

	l.MarkJoining()
	l.MarkRunning(context.Background())
	waitForCondition(t, time.Second, func() bool {
		streamer.mu.Lock()
		defer streamer.mu.Unlock()
		return streamer.nextCalls > 0
	})

	l.OnMembershipDisconnect(context.Background())

	waitForCondition(t, time.Second, func() bool {
		return l.State() == StateStopped
	})
	assert.True(t, producer.closed)
}

func TestLifecycleUnexpectedPumpDeath_FiresOnlyWhenNotShuttingDown(t *testing.T) {
	streamer := &fakeStreamer{outcomes: []Outcome{{Kind: OutcomeEndOfStream}}}
	sender := &fakeSender{}
	l, _, _, _ := newTestLifecycle(streamer, sender)

	l.MarkJoining()
	l.MarkRunning(context.Background())

	select {
	case <-l.UnexpectedPumpDeath():
	case <-time.After(time.Second):
		t.Fatal("expected unexpected pump death to fire when the pump exits on its own")
	}
}

func TestLifecycleUnexpectedPumpDeath_DoesNotFireOnCleanShutdown(t *testing.T) {
	streamer := &fakeStreamer{}
	sender := &fakeSender{}
	l, _, _, _ := newTestLifecycle(streamer, sender)

	l.MarkJoining()
	l.MarkRunning(context.Background())
	died := l.UnexpectedPumpDeath()

	require.NoError(t, l.Shutdown(context.Background()))

	select {
	case <-died:
		t.Fatal("unexpected pump death must not fire for an operator-initiated shutdown")
	case <-time.After(100 * time.Millisecond):
	}
}
