package mirror

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFlusher struct {
	calls int
	err   error
}

func (f *fakeFlusher) Flush(ctx context.Context) error {
	f.calls++
	return f.err
}

type fakeCommitter struct {
	calls int
	err   error
}

func (f *fakeCommitter) Commit(ctx context.Context) error {
	f.calls++
	return f.err
}

func TestBarrierMaybeFlushAndCommit_NotDueSkipsBoth(t *testing.T) {
	b := NewBarrier(time.Hour, nil)
	flusher, committer := &fakeFlusher{}, &fakeCommitter{}

	err := b.MaybeFlushAndCommit(context.Background(), false, flusher, committer)
	require.NoError(t, err)
	assert.Equal(t, 0, flusher.calls)
	assert.Equal(t, 0, committer.calls)
}

func TestBarrierMaybeFlushAndCommit_ForcedRunsBoth(t *testing.T) {
	b := NewBarrier(time.Hour, nil)
	flusher, committer := &fakeFlusher{}, &fakeCommitter{}

	err := b.MaybeFlushAndCommit(context.Background(), true, flusher, committer)
	require.NoError(t, err)
	assert.Equal(t, 1, flusher.calls)
	assert.Equal(t, 1, committer.calls)
}

func TestBarrierMaybeFlushAndCommit_ExitingSkipsCommit(t *testing.T) {
	b := NewBarrier(time.Hour, nil)
	flusher, committer := &fakeFlusher{}, &fakeCommitter{}

	b.SetExitingOnSendFailure()
	err := b.MaybeFlushAndCommit(context.Background(), true, flusher, committer)
	require.NoError(t, err)
	assert.Equal(t, 1, flusher.calls)
	assert.Equal(t, 0, committer.calls, "offsets must not be committed once exiting on send failure")
}

func TestBarrierDrainWaitsForInFlightToReachZero(t *testing.T) {
	b := NewBarrier(time.Hour, nil)
	b.IncrementInFlight()
	b.IncrementInFlight()

	released := make(chan struct{})
	go func() {
		b.drain(context.Background())
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("drain returned before in-flight reached zero")
	case <-time.After(50 * time.Millisecond):
	}

	b.DecrementInFlight()
	select {
	case <-released:
		t.Fatal("drain returned before in-flight reached zero")
	case <-time.After(50 * time.Millisecond):
	}

	b.DecrementInFlight()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("drain did not return after in-flight reached zero")
	}
}

func TestBarrierDrainUnblocksOnExitingEvenWithInFlight(t *testing.T) {
	b := NewBarrier(time.Hour, nil)
	b.IncrementInFlight()

	released := make(chan struct{})
	go func() {
		b.drain(context.Background())
		close(released)
	}()

	b.SetExitingOnSendFailure()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("drain did not unblock once exiting on send failure")
	}
}

func TestBarrierDecrementAfterAbortOrdering(t *testing.T) {
	// Regression test for the ordering invariant: a completion callback
	// must call SetExitingOnSendFailure before DecrementInFlight, so a
	// concurrent drain never observes inFlight==0 while exiting is still
	// false.
	b := NewBarrier(time.Hour, nil)
	b.IncrementInFlight()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.SetExitingOnSendFailure()
		b.DecrementInFlight()
	}()

	b.drain(context.Background())
	wg.Wait()
	assert.True(t, b.ExitingOnSendFailure())
	assert.Equal(t, int64(0), b.InFlight())
}
